package polystore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/panjf2000/ants/v2"

	pr "github.com/unkn0wn-root/polystore/provider"
)

// Manager routes calls to named backends. It is safe for concurrent use; it
// adds no cross-backend atomicity.
type Manager struct {
	mu       sync.RWMutex
	backends map[string]pr.Provider
	aliases  map[string]string
	def      string
	fallback string

	log           Logger
	hooks         Hooks
	pool          *ants.Pool
	remoteTimeout time.Duration
	version       string

	migMu         sync.Mutex
	migrations    []Migration
	applied       map[string]bool
	migrationsKey string
	loadedApplied bool

	replicated    atomic.Uint64
	replFailures  atomic.Uint64
	fallbackReads atomic.Uint64

	closed    atomic.Bool
	closeOnce sync.Once
}

// Reserved aliases always follow the current default and fallback roles.
const (
	AliasDefault  = "default"
	AliasPrimary  = "primary"
	AliasFallback = "fallback"
)

func reserved(name string) bool {
	return name == AliasDefault || name == AliasPrimary || name == AliasFallback
}

// canonical resolves name through the alias table. Caller holds mu or is
// still constructing m.
func (m *Manager) canonical(name string) (string, error) {
	if name == "" {
		name = m.def
	}
	if name == "" {
		return "", pr.NotFound("polystore: no default backend")
	}
	if target, ok := m.aliases[name]; ok {
		name = target
	} else if _, ok := m.backends[name]; !ok && reserved(name) {
		role := name
		if name == AliasFallback {
			name = m.fallback
		} else {
			name = m.def
		}
		if name == "" {
			return "", pr.NotFound("polystore: %q backend is not set", role)
		}
	}
	if _, ok := m.backends[name]; !ok {
		return "", pr.NotFound("polystore: backend %q", name)
	}
	return name, nil
}

func (m *Manager) resolve(name string) (string, pr.Provider, error) {
	if m.closed.Load() {
		return "", nil, pr.ErrClosed
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	n, err := m.canonical(name)
	if err != nil {
		return "", nil, err
	}
	return n, m.backends[n], nil
}

func (m *Manager) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if m.remoteTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, m.remoteTimeout)
}

// read runs op on the resolved backend and, on error, once on the fallback.
func read[T any](ctx context.Context, m *Manager, o callOptions, key string, op func(context.Context, pr.Provider) (T, error)) (T, error) {
	name, p, err := m.resolve(o.backend)
	if err != nil {
		var zero T
		return zero, err
	}
	v, err := op(ctx, p)
	if err == nil || o.noFallback {
		return v, err
	}

	m.mu.RLock()
	fbName := m.fallback
	fb := m.backends[fbName]
	m.mu.RUnlock()
	if fb == nil || fbName == name {
		return v, err
	}

	m.hooks.FallbackRead(name, fbName, key, err)
	m.log.Warn("polystore: read failed, trying fallback", Fields{
		"backend": name, "fallback": fbName, "key": key, "err": err,
	})
	fctx, cancel := m.bound(ctx)
	defer cancel()
	fv, ferr := op(fctx, fb)
	if ferr != nil {
		m.log.Warn("polystore: fallback read failed", Fields{"fallback": fbName, "key": key, "err": ferr})
		return v, err
	}
	m.fallbackReads.Add(1)
	return fv, nil
}

// replicaTargets lists the backends a replicated write goes to, primary excluded.
func (m *Manager) replicaTargets(primary string, o callOptions) (map[string]pr.Provider, map[string]error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]pr.Provider)
	var unknown map[string]error
	if len(o.targets) == 0 {
		for n, p := range m.backends {
			if n != primary {
				out[n] = p
			}
		}
		return out, nil
	}
	for _, t := range o.targets {
		n, err := m.canonical(t)
		if err != nil {
			if unknown == nil {
				unknown = make(map[string]error)
			}
			unknown[t] = err
			continue
		}
		if n != primary {
			out[n] = m.backends[n]
		}
	}
	return out, unknown
}

// replicate applies op to every target through the worker pool and waits for
// all of them. Failures are logged and reported to Hooks, never returned.
func (m *Manager) replicate(ctx context.Context, primary string, o callOptions, opName, key string, op func(context.Context, pr.Provider) error) {
	if !o.replicate {
		return
	}
	targets, failed := m.replicaTargets(primary, o)
	if failed == nil {
		failed = make(map[string]error)
	}
	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for name, p := range targets {
		wg.Add(1)
		task := func() {
			defer wg.Done()
			tctx, cancel := m.bound(ctx)
			defer cancel()
			if err := op(tctx, p); err != nil {
				mu.Lock()
				failed[name] = err
				mu.Unlock()
				return
			}
			m.replicated.Add(1)
		}
		if err := m.pool.Submit(task); err != nil {
			wg.Done()
			mu.Lock()
			failed[name] = fmt.Errorf("submit: %w", err)
			mu.Unlock()
		}
	}
	wg.Wait()

	if len(failed) == 0 {
		return
	}
	rerr := &ReplicationError{Op: opName, Key: key, Failed: failed}
	m.replFailures.Add(uint64(len(failed)))
	m.log.Warn("polystore: replication failed", Fields{"op": opName, "key": key, "err": rerr})
	for name, err := range failed {
		m.hooks.ReplicationFailed(name, key, err)
	}
}

func (m *Manager) Get(ctx context.Context, key string, opts ...Option) (any, bool, error) {
	type hit struct {
		v  any
		ok bool
	}
	h, err := read(ctx, m, collect(opts), key, func(ctx context.Context, p pr.Provider) (hit, error) {
		v, ok, err := p.Get(ctx, key)
		return hit{v, ok}, err
	})
	return h.v, h.ok, err
}

func (m *Manager) Has(ctx context.Context, key string, opts ...Option) (bool, error) {
	return read(ctx, m, collect(opts), key, func(ctx context.Context, p pr.Provider) (bool, error) {
		return p.Has(ctx, key)
	})
}

func (m *Manager) Keys(ctx context.Context, opts ...Option) ([]string, error) {
	return read(ctx, m, collect(opts), "", func(ctx context.Context, p pr.Provider) ([]string, error) {
		return p.Keys(ctx)
	})
}

func (m *Manager) Size(ctx context.Context, opts ...Option) (int, error) {
	return read(ctx, m, collect(opts), "", func(ctx context.Context, p pr.Provider) (int, error) {
		return p.Size(ctx)
	})
}

func (m *Manager) GetMany(ctx context.Context, keys []string, opts ...Option) (map[string]any, error) {
	return read(ctx, m, collect(opts), "", func(ctx context.Context, p pr.Provider) (map[string]any, error) {
		return pr.GetMany(ctx, p, keys)
	})
}

// Set writes to the resolved backend. The ttl argument wins over a TTL option.
func (m *Manager) Set(ctx context.Context, key string, value any, ttl time.Duration, opts ...Option) error {
	o := collect(opts)
	if ttl <= 0 {
		ttl = o.ttl
	}
	name, p, err := m.resolve(o.backend)
	if err != nil {
		return err
	}
	if err := p.Set(ctx, key, value, ttl); err != nil {
		return err
	}
	m.replicate(ctx, name, o, "set", key, func(ctx context.Context, t pr.Provider) error {
		return t.Set(ctx, key, value, ttl)
	})
	return nil
}

func (m *Manager) Delete(ctx context.Context, key string, opts ...Option) (bool, error) {
	o := collect(opts)
	name, p, err := m.resolve(o.backend)
	if err != nil {
		return false, err
	}
	ok, err := p.Delete(ctx, key)
	if err != nil {
		return false, err
	}
	m.replicate(ctx, name, o, "delete", key, func(ctx context.Context, t pr.Provider) error {
		_, err := t.Delete(ctx, key)
		return err
	})
	return ok, nil
}

func (m *Manager) Clear(ctx context.Context, opts ...Option) error {
	o := collect(opts)
	name, p, err := m.resolve(o.backend)
	if err != nil {
		return err
	}
	if err := p.Clear(ctx); err != nil {
		return err
	}
	m.replicate(ctx, name, o, "clear", "", func(ctx context.Context, t pr.Provider) error {
		return t.Clear(ctx)
	})
	return nil
}

func (m *Manager) SetMany(ctx context.Context, items map[string]any, opts ...Option) error {
	o := collect(opts)
	name, p, err := m.resolve(o.backend)
	if err != nil {
		return err
	}
	if err := pr.SetMany(ctx, p, items, o.ttl); err != nil {
		return err
	}
	m.replicate(ctx, name, o, "set_many", "", func(ctx context.Context, t pr.Provider) error {
		return pr.SetMany(ctx, t, items, o.ttl)
	})
	return nil
}

func (m *Manager) DeleteMany(ctx context.Context, keys []string, opts ...Option) (int, error) {
	o := collect(opts)
	name, p, err := m.resolve(o.backend)
	if err != nil {
		return 0, err
	}
	n, err := pr.DeleteMany(ctx, p, keys)
	if err != nil {
		return n, err
	}
	m.replicate(ctx, name, o, "delete_many", "", func(ctx context.Context, t pr.Provider) error {
		_, err := pr.DeleteMany(ctx, t, keys)
		return err
	})
	return n, nil
}

// RegisterBackend adds p under name. The first backend registered on a
// manager without a default becomes the default.
func (m *Manager) RegisterBackend(name string, p pr.Provider) error {
	if name == "" || p == nil {
		return fmt.Errorf("polystore: register: name and provider are required")
	}
	if m.closed.Load() {
		return pr.ErrClosed
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.backends[name]; ok {
		return fmt.Errorf("polystore: backend %q already registered: %w", name, pr.ErrConflict)
	}
	if _, ok := m.aliases[name]; ok || reserved(name) {
		return fmt.Errorf("polystore: %q is an alias: %w", name, pr.ErrConflict)
	}
	m.backends[name] = p
	if m.def == "" {
		m.def = name
	}
	m.log.Debug("polystore: backend registered", Fields{"backend": name})
	return nil
}

// UnregisterBackend closes the backend and drops every alias pointing at it.
// Unregistering the default or fallback leaves that role empty.
func (m *Manager) UnregisterBackend(ctx context.Context, name string) error {
	m.mu.Lock()
	n, err := m.canonical(name)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	p := m.backends[n]
	delete(m.backends, n)
	for a, t := range m.aliases {
		if t == n {
			delete(m.aliases, a)
		}
	}
	if m.def == n {
		m.def = ""
	}
	if m.fallback == n {
		m.fallback = ""
	}
	m.mu.Unlock()

	m.log.Debug("polystore: backend unregistered", Fields{"backend": n})
	return p.Close(ctx)
}

// SetAlias points alias at an existing backend, replacing any previous target.
func (m *Manager) SetAlias(alias, target string) error {
	if reserved(alias) {
		return fmt.Errorf("polystore: alias %q is reserved: %w", alias, pr.ErrConflict)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.backends[alias]; ok {
		return fmt.Errorf("polystore: alias %q shadows a backend: %w", alias, pr.ErrConflict)
	}
	if _, ok := m.backends[target]; !ok {
		return pr.NotFound("polystore: backend %q", target)
	}
	m.aliases[alias] = target
	return nil
}

// SetDefault changes the default backend.
func (m *Manager) SetDefault(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if name == "" {
		return pr.NotFound("polystore: backend %q", name)
	}
	n, err := m.canonical(name)
	if err != nil {
		return err
	}
	m.def = n
	return nil
}

// Backend returns the provider registered under name or alias.
func (m *Manager) Backend(name string) (pr.Provider, error) {
	_, p, err := m.resolve(name)
	return p, err
}

// BackendNames returns registered backend names, sorted.
func (m *Manager) BackendNames() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.backends))
	for n := range m.backends {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// DefaultBackend returns the canonical name of the default backend.
func (m *Manager) DefaultBackend() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.def
}

type BackendStats struct {
	Name string
	Keys int
	Err  error
}

type Stats struct {
	Default             string
	Fallback            string
	Backends            []BackendStats // sorted by name
	Replicated          uint64         // successful replica writes
	ReplicationFailures uint64
	FallbackReads       uint64
}

func (m *Manager) Stats(ctx context.Context) Stats {
	m.mu.RLock()
	st := Stats{Default: m.def, Fallback: m.fallback}
	ps := make(map[string]pr.Provider, len(m.backends))
	for n, p := range m.backends {
		ps[n] = p
	}
	m.mu.RUnlock()

	for n, p := range ps {
		size, err := p.Size(ctx)
		st.Backends = append(st.Backends, BackendStats{Name: n, Keys: size, Err: err})
	}
	sort.Slice(st.Backends, func(i, j int) bool { return st.Backends[i].Name < st.Backends[j].Name })
	st.Replicated = m.replicated.Load()
	st.ReplicationFailures = m.replFailures.Load()
	st.FallbackReads = m.fallbackReads.Load()
	return st
}

// Close closes every backend and releases the worker pool. Later calls
// return nil; other methods return provider.ErrClosed.
func (m *Manager) Close(ctx context.Context) error {
	var err error
	m.closeOnce.Do(func() {
		m.closed.Store(true)
		m.mu.Lock()
		ps := m.backends
		m.backends = make(map[string]pr.Provider)
		m.aliases = make(map[string]string)
		m.mu.Unlock()

		var errs []error
		for n, p := range ps {
			if cerr := p.Close(ctx); cerr != nil {
				errs = append(errs, fmt.Errorf("close %q: %w", n, cerr))
			}
		}
		m.pool.Release()
		err = errors.Join(errs...)
	})
	return err
}

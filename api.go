package polystore

import (
	"fmt"
	"time"

	"github.com/panjf2000/ants/v2"

	pr "github.com/unkn0wn-root/polystore/provider"
)

// Options configure a Manager. Only Backends is required.
type Options struct {
	Backends map[string]pr.Provider
	// Default names the backend used when a call does not pick one. It may
	// be an alias. Empty is allowed only with exactly one backend.
	Default  string
	Fallback string            // optional; reads that fail are retried here
	Aliases  map[string]string // alias -> backend name

	Logger Logger // if nil, NopLogger is used
	Hooks  Hooks  // if nil, NopHooks is used

	ReplicationWorkers int           // ants pool size for replicated writes; 0 => 8
	RemoteTimeout      time.Duration // bounds each replica write and fallback read; 0 => none
	ExportVersion      string        // written into Export.Version; "" => "1.0.0"
	// MigrationsKey, when set, persists the names of applied migrations in the
	// default backend under this key so RunMigrations survives restarts.
	MigrationsKey string
}

// Option tunes a single Manager call.
type Option func(*callOptions)

type callOptions struct {
	backend    string
	noFallback bool
	replicate  bool
	targets    []string
	ttl        time.Duration
}

// Backend routes the call to name (a backend or an alias).
func Backend(name string) Option { return func(o *callOptions) { o.backend = name } }

// NoFallback surfaces read errors without trying the fallback backend.
func NoFallback() Option { return func(o *callOptions) { o.noFallback = true } }

// Replicate fans a write out to the named backends. With no names it behaves
// like ReplicateAll.
func Replicate(names ...string) Option {
	return func(o *callOptions) {
		o.replicate = true
		o.targets = append(o.targets, names...)
	}
}

// ReplicateAll fans a write out to every other registered backend.
func ReplicateAll() Option { return Replicate() }

// TTL sets the expiry for Set/SetMany. <= 0 means the backend default.
func TTL(d time.Duration) Option { return func(o *callOptions) { o.ttl = d } }

func collect(opts []Option) callOptions {
	var o callOptions
	for _, fn := range opts {
		if fn != nil {
			fn(&o)
		}
	}
	return o
}

func New(opts Options) (*Manager, error) {
	if len(opts.Backends) == 0 {
		return nil, fmt.Errorf("polystore: at least one backend is required")
	}
	pool, err := ants.NewPool(coalesce(opts.ReplicationWorkers, 8))
	if err != nil {
		return nil, fmt.Errorf("polystore: replication pool: %w", err)
	}
	m := &Manager{
		backends:      make(map[string]pr.Provider, len(opts.Backends)),
		aliases:       make(map[string]string, len(opts.Aliases)),
		log:           pr.OrNop(opts.Logger),
		hooks:         opts.Hooks,
		pool:          pool,
		remoteTimeout: opts.RemoteTimeout,
		version:       coalesce(opts.ExportVersion, "1.0.0"),
		migrationsKey: opts.MigrationsKey,
		applied:       make(map[string]bool),
	}
	if m.hooks == nil {
		m.hooks = NopHooks{}
	}
	for name, p := range opts.Backends {
		if name == "" || p == nil {
			pool.Release()
			return nil, fmt.Errorf("polystore: backend %q: name and provider are required", name)
		}
		if reserved(name) {
			pool.Release()
			return nil, fmt.Errorf("polystore: backend name %q is a reserved alias: %w", name, pr.ErrConflict)
		}
		m.backends[name] = p
	}
	for alias, target := range opts.Aliases {
		if reserved(alias) {
			pool.Release()
			return nil, fmt.Errorf("polystore: alias %q is reserved: %w", alias, pr.ErrConflict)
		}
		if _, ok := m.backends[target]; !ok {
			pool.Release()
			return nil, pr.NotFound("polystore: alias %q -> backend %q", alias, target)
		}
		m.aliases[alias] = target
	}

	def := opts.Default
	if def == "" && len(m.backends) == 1 {
		for name := range m.backends {
			def = name
		}
	}
	if m.def, err = m.canonical(def); err != nil {
		pool.Release()
		return nil, fmt.Errorf("polystore: default: %w", err)
	}
	if opts.Fallback != "" {
		if m.fallback, err = m.canonical(opts.Fallback); err != nil {
			pool.Release()
			return nil, fmt.Errorf("polystore: fallback: %w", err)
		}
	}
	return m, nil
}

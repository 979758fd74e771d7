// Package syncing is a version-stamped store with optimistic concurrency.
//
// Every successful write gets a new version from a genstore.GenStore, so the
// versions of one key are strictly increasing and never reused. A write that
// names an expected version which no longer matches creates a Conflict; in
// Manual mode the write fails with *ConflictError and stored state is left as
// is, in Auto mode the conflict is settled at once by the configured Strategy.
//
// Deletes leave a tombstone so "deleted" and "never existed" stay distinct
// until the key is written again. Writes are marked pending until a Remote
// acknowledges them via Push or Sync.
package syncing

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/unkn0wn-root/polystore/genstore"
	pr "github.com/unkn0wn-root/polystore/provider"
)

const defaultMaxVersions = 10

// Entry is one version of a key.
type Entry struct {
	Value     any
	Version   uint64
	Timestamp time.Time
	Author    string
	Synced    bool
	Deleted   bool
}

func (e Entry) clone() Entry {
	e.Value = pr.Clone(e.Value)
	return e
}

type Options struct {
	MaxVersions        int      // history length per key; 0 => 10
	ConflictResolution Mode     // "" => Manual
	Strategy           Strategy // "" => LastWriteWins
	Author             string   // default author of local writes
	Remote             Remote
	// GenStore issues versions; nil => genstore.NewLocal(). Use genstore.Redis
	// when several processes write through the same remote.
	GenStore     genstore.GenStore
	SyncInterval time.Duration // > 0 runs Sync periodically
	OnConflict   func(Conflict)
	Logger       pr.Logger
}

type record struct {
	cur     Entry
	history []Entry // newest first
}

type Store struct {
	maxVersions int
	mode        Mode
	strategy    Strategy
	author      string
	remote      Remote
	gens        genstore.GenStore
	ownGens     bool
	onConflict  func(Conflict)
	log         pr.Logger

	mu        sync.Mutex
	records   map[string]*record
	conflicts map[string]*Conflict // latest conflict per key
	stats     Stats
	closed    bool

	lmu   sync.Mutex
	locks map[string]time.Time // key -> auto-release deadline

	syncMu sync.Mutex // serializes Push/Pull

	ticker    *time.Ticker
	stopCh    chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

var _ pr.Provider = (*Store)(nil)

func New(opts Options) (*Store, error) {
	mode, err := ParseMode(string(opts.ConflictResolution))
	if err != nil {
		return nil, err
	}
	strategy, err := ParseStrategy(string(opts.Strategy))
	if err != nil {
		return nil, err
	}
	s := &Store{
		maxVersions: opts.MaxVersions,
		mode:        mode,
		strategy:    strategy,
		author:      opts.Author,
		remote:      opts.Remote,
		gens:        opts.GenStore,
		onConflict:  opts.OnConflict,
		log:         pr.OrNop(opts.Logger),
		records:     make(map[string]*record),
		conflicts:   make(map[string]*Conflict),
		locks:       make(map[string]time.Time),
	}
	if s.maxVersions <= 0 {
		s.maxVersions = defaultMaxVersions
	}
	if s.gens == nil {
		s.gens = genstore.NewLocal()
		s.ownGens = true
	}
	if opts.SyncInterval > 0 && s.remote != nil {
		s.ticker = time.NewTicker(opts.SyncInterval)
		s.stopCh = make(chan struct{})
		s.wg.Add(1)
		go s.syncLoop()
	}
	return s, nil
}

// SetOption tunes a single write.
type SetOption func(*setConfig)

type setConfig struct {
	expected    uint64
	hasExpected bool
	author      string
	mustBeLive  bool // Remove: fail with ErrNotFound unless key holds a live value
}

// WithExpectedVersion makes the write conditional on the stored version.
func WithExpectedVersion(v uint64) SetOption {
	return func(c *setConfig) { c.expected, c.hasExpected = v, true }
}

func WithAuthor(a string) SetOption {
	return func(c *setConfig) { c.author = a }
}

func (s *Store) config(opts []SetOption) setConfig {
	c := setConfig{author: s.author}
	for _, o := range opts {
		o(&c)
	}
	return c
}

// commitLocked writes e as the key's next version and returns it.
func (s *Store) commitLocked(ctx context.Context, key string, e Entry) (Entry, error) {
	v, err := s.gens.Next(ctx, key)
	if err != nil {
		return Entry{}, fmt.Errorf("syncing: next version for %q: %w", key, err)
	}
	e.Version = v
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	rec, ok := s.records[key]
	if !ok {
		rec = &record{}
		s.records[key] = rec
	} else {
		rec.history = append([]Entry{rec.cur}, rec.history...)
		if len(rec.history) > s.maxVersions {
			rec.history = rec.history[:s.maxVersions]
		}
	}
	rec.cur = e
	return e, nil
}

// write applies one local write, handling expected-version conflicts.
func (s *Store) write(ctx context.Context, key string, value any, deleted bool, cfg setConfig) (uint64, error) {
	var raised *Conflict
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return 0, pr.ErrClosed
	}
	incoming := Entry{Value: pr.Clone(value), Timestamp: time.Now(), Author: cfg.author, Deleted: deleted}
	rec, exists := s.records[key]
	if cfg.mustBeLive && (!exists || rec.cur.Deleted) {
		s.mu.Unlock()
		return 0, pr.NotFound("key %q", key)
	}
	if exists && cfg.hasExpected && rec.cur.Version != cfg.expected {
		c := &Conflict{
			Key:           key,
			LocalValue:    pr.Clone(rec.cur.Value),
			LocalVersion:  rec.cur.Version,
			RemoteValue:   incoming.Value,
			RemoteVersion: cfg.expected,
			Timestamp:     incoming.Timestamp,
			localAt:       rec.cur.Timestamp,
			remoteAt:      incoming.Timestamp,
		}
		s.conflicts[key] = c
		s.stats.Conflicts++
		raised = c
		if s.mode != Auto {
			actual := rec.cur.Version
			cc := c.clone()
			s.mu.Unlock()
			s.notifyConflict(cc)
			return 0, &ConflictError{Key: key, Expected: cfg.expected, Actual: actual}
		}
		v, res := autoResolve(s.strategy, c)
		incoming.Value = pr.Clone(v)
		incoming.Deleted = deleted && res != ResolveLocal
		if incoming.Deleted {
			incoming.Value = nil
		}
		c.Resolved, c.Resolution = true, res
		s.stats.Resolved++
	}
	e, err := s.commitLocked(ctx, key, incoming)
	var cc Conflict
	if raised != nil {
		cc = raised.clone()
	}
	s.mu.Unlock()
	if raised != nil {
		s.notifyConflict(cc)
	}
	if err != nil {
		return 0, err
	}
	return e.Version, nil
}

func (s *Store) notifyConflict(c Conflict) {
	s.log.Warn("syncing: conflict", pr.Fields{
		"key": c.Key, "local_version": c.LocalVersion, "remote_version": c.RemoteVersion,
		"resolved": c.Resolved, "resolution": string(c.Resolution),
	})
	if s.onConflict != nil {
		s.onConflict(c)
	}
}

// Put writes value and returns its new version.
func (s *Store) Put(ctx context.Context, key string, value any, opts ...SetOption) (uint64, error) {
	if key == "" {
		return 0, pr.ErrInvalidKey
	}
	return s.write(ctx, key, value, false, s.config(opts))
}

// Remove tombstones key and returns the tombstone's version. Removing an
// absent key or an existing tombstone returns provider.ErrNotFound.
func (s *Store) Remove(ctx context.Context, key string, opts ...SetOption) (uint64, error) {
	cfg := s.config(opts)
	cfg.mustBeLive = true
	return s.write(ctx, key, nil, true, cfg)
}

// GetEntry returns the current entry, tombstones included.
func (s *Store) GetEntry(key string) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[key]
	if !ok {
		return Entry{}, false
	}
	return rec.cur.clone(), true
}

// IsDeleted reports whether key currently holds a tombstone.
func (s *Store) IsDeleted(key string) bool {
	e, ok := s.GetEntry(key)
	return ok && e.Deleted
}

// History returns up to MaxVersions previous entries, newest first.
func (s *Store) History(key string) []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[key]
	if !ok {
		return nil
	}
	out := make([]Entry, len(rec.history))
	for i, e := range rec.history {
		out[i] = e.clone()
	}
	return out
}

// Conflicts returns the unresolved conflicts ordered by key.
func (s *Store) Conflicts() []Conflict {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Conflict, 0, len(s.conflicts))
	for _, c := range s.conflicts {
		if !c.Resolved {
			out = append(out, c.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Conflict returns the latest conflict recorded for key, resolved or not.
func (s *Store) Conflict(key string) (Conflict, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conflicts[key]
	if !ok {
		return Conflict{}, false
	}
	return c.clone(), true
}

// ResolveConflict settles the unresolved conflict on key and writes the result
// as a new version, which it returns.
func (s *Store) ResolveConflict(ctx context.Context, key string, res Resolution, opts ResolveOptions) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conflicts[key]
	if !ok || c.Resolved {
		return 0, pr.NotFound("unresolved conflict on %q", key)
	}
	v, err := manualResolve(c, res, opts)
	if err != nil {
		return 0, err
	}
	e, err := s.commitLocked(ctx, key, Entry{Value: pr.Clone(v), Timestamp: time.Now(), Author: s.author})
	if err != nil {
		return 0, err
	}
	c.Resolved, c.Resolution = true, res
	s.stats.Resolved++
	return e.Version, nil
}

// Rollback writes the value that key held at version as a new version. The
// write follows the usual conflict rules for opts.
func (s *Store) Rollback(ctx context.Context, key string, version uint64, opts ...SetOption) (uint64, error) {
	s.mu.Lock()
	var (
		target Entry
		found  bool
	)
	if rec, ok := s.records[key]; ok {
		for _, e := range append([]Entry{rec.cur}, rec.history...) {
			if e.Version == version {
				target, found = e.clone(), true
				break
			}
		}
	}
	s.mu.Unlock()
	if !found {
		return 0, pr.NotFound("version %d of %q", version, key)
	}
	return s.write(ctx, key, target.Value, target.Deleted, s.config(opts))
}

// Pending returns the keys with writes not yet acknowledged by the remote.
func (s *Store) Pending() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for k, rec := range s.records {
		if !rec.cur.Synced {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

func (s *Store) Get(_ context.Context, key string) (any, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, false, pr.ErrClosed
	}
	rec, ok := s.records[key]
	if !ok || rec.cur.Deleted {
		return nil, false, nil
	}
	return pr.Clone(rec.cur.Value), true, nil
}

// Set is Put without options. Entries here do not expire; ttl is ignored.
func (s *Store) Set(ctx context.Context, key string, value any, _ time.Duration) error {
	_, err := s.Put(ctx, key, value)
	return err
}

// Delete tombstones key and reports whether it was live.
func (s *Store) Delete(ctx context.Context, key string) (bool, error) {
	_, err := s.Remove(ctx, key)
	if errors.Is(err, pr.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (s *Store) Has(ctx context.Context, key string) (bool, error) {
	_, ok, err := s.Get(ctx, key)
	return ok, err
}

// Clear drops every entry, tombstone, history and conflict. Versions keep
// counting from where they were.
func (s *Store) Clear(_ context.Context) error {
	s.mu.Lock()
	s.records = make(map[string]*record)
	s.conflicts = make(map[string]*Conflict)
	s.mu.Unlock()
	return nil
}

// Keys returns live keys (tombstones excluded) in sorted order.
func (s *Store) Keys(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.records))
	for k, rec := range s.records {
		if !rec.cur.Deleted {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (s *Store) Size(ctx context.Context) (int, error) {
	ks, err := s.Keys(ctx)
	return len(ks), err
}

// Close stops the sync loop and releases the default version source.
func (s *Store) Close(ctx context.Context) error {
	var err error
	s.closeOnce.Do(func() {
		if s.stopCh != nil {
			close(s.stopCh)
			s.ticker.Stop()
			s.wg.Wait()
		}
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		if s.ownGens {
			err = s.gens.Close(ctx)
		}
	})
	return err
}

// Package file is the durable backend: one file per key under a directory.
//
// Each file holds the encoded record {value, createdAt, expiresAt}, optionally
// deflated and base64-wrapped, then optionally AES-256-CBC encrypted with a key
// derived from a password via scrypt. Reads reverse the steps in the opposite
// order and report failures as *provider.CorruptError.
//
// Writes overwrite the target file in place. A crash in the middle of a write
// can leave a truncated record behind, which later reads report as corrupt.
package file

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/unkn0wn-root/polystore/codec"
	pr "github.com/unkn0wn-root/polystore/provider"
)

const (
	defaultExt  = ".json"
	lockExt     = ".lock"
	defaultPerm = 0o644
)

type Options struct {
	Dir             string // required; created if missing
	Codec           codec.Codec[any]
	Ext             string        // file extension; default ".json"
	Compress        bool          // raw DEFLATE + base64
	Password        string        // non-empty enables AES-256-CBC
	DefaultTTL      time.Duration // 0 => no expiry
	CleanupInterval time.Duration // 0 => lazy expiry only
	// OnSweepError is called for each record Sweep had to skip.
	OnSweepError func(key string, err error)
	Logger       pr.Logger
}

// Store serializes its own file operations with a RWMutex. The advisory Lock/Unlock
// methods are a separate, caller-visible mechanism based on lock files and work
// across processes.
type Store struct {
	dir        string
	ext        string
	codec      codec.Codec[any]
	env        *envelope
	defaultTTL time.Duration
	onSweepErr func(key string, err error)
	log        pr.Logger

	mu    sync.RWMutex
	locks *lockTable

	ticker    *time.Ticker
	stopCh    chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

var (
	_ pr.Provider    = (*Store)(nil)
	_ pr.TTLProvider = (*Store)(nil)
)

func New(opts Options) (*Store, error) {
	if opts.Dir == "" {
		return nil, fmt.Errorf("file: dir is required")
	}
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("file: create dir: %w", err)
	}
	env, err := newEnvelope(opts.Compress, opts.Password)
	if err != nil {
		return nil, err
	}
	s := &Store{
		dir:        opts.Dir,
		ext:        opts.Ext,
		codec:      opts.Codec,
		env:        env,
		defaultTTL: opts.DefaultTTL,
		onSweepErr: opts.OnSweepError,
		log:        pr.OrNop(opts.Logger),
	}
	if s.ext == "" {
		s.ext = defaultExt
	}
	if s.codec == nil {
		s.codec = codec.JSON[any]{}
	}
	s.locks = newLockTable(s.dir)

	if opts.CleanupInterval > 0 {
		s.ticker = time.NewTicker(opts.CleanupInterval)
		s.stopCh = make(chan struct{})
		s.wg.Add(1)
		go s.cleanupLoop()
	}
	return s, nil
}

func (s *Store) cleanupLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ticker.C:
			if n, err := s.Sweep(context.Background()); err != nil {
				s.log.Warn("file: sweep failed", pr.Fields{"err": err})
			} else if n > 0 {
				s.log.Debug("file: swept expired keys", pr.Fields{"count": n})
			}
		case <-s.stopCh:
			return
		}
	}
}

func (s *Store) path(key string) string {
	return filepath.Join(s.dir, encodeName(key)+s.ext)
}

type record struct {
	value     any
	createdAt time.Time
	expiresAt time.Time
}

func (r record) expired(now time.Time) bool {
	return !r.expiresAt.IsZero() && !now.Before(r.expiresAt)
}

func (s *Store) marshal(r record) ([]byte, error) {
	doc := map[string]any{
		"value":     r.value,
		"createdAt": r.createdAt.UnixMilli(),
		"expiresAt": int64(0),
	}
	if !r.expiresAt.IsZero() {
		doc["expiresAt"] = r.expiresAt.UnixMilli()
	}
	b, err := s.codec.Encode(doc)
	if err != nil {
		return nil, fmt.Errorf("file: encode: %w", err)
	}
	return s.env.seal(b)
}

func (s *Store) unmarshal(key string, data []byte) (record, error) {
	plain, stage, err := s.env.open(data)
	if err != nil {
		return record{}, &pr.CorruptError{Key: key, Stage: stage, Err: err}
	}
	raw, err := s.codec.Decode(plain)
	if err != nil {
		return record{}, &pr.CorruptError{Key: key, Stage: "decode", Err: err}
	}
	doc, ok := raw.(map[string]any)
	if !ok {
		return record{}, &pr.CorruptError{Key: key, Stage: "decode", Err: fmt.Errorf("unexpected %T", raw)}
	}
	r := record{value: doc["value"]}
	if ms, ok := toInt64(doc["createdAt"]); ok {
		r.createdAt = time.UnixMilli(ms)
	}
	if ms, ok := toInt64(doc["expiresAt"]); ok && ms > 0 {
		r.expiresAt = time.UnixMilli(ms)
	}
	return r, nil
}

// read loads the record for key. Missing files return ok=false.
// Expired records are removed and reported as missing.
func (s *Store) read(key string, now time.Time) (record, bool, error) {
	p := s.path(key)
	data, err := os.ReadFile(p)
	if errors.Is(err, fs.ErrNotExist) {
		return record{}, false, nil
	}
	if err != nil {
		return record{}, false, &pr.CorruptError{Key: key, Stage: "read", Err: err}
	}
	r, err := s.unmarshal(key, data)
	if err != nil {
		return record{}, false, err
	}
	if r.expired(now) {
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			s.log.Warn("file: remove expired", pr.Fields{"key": key, "err": err})
		}
		return record{}, false, nil
	}
	return r, true, nil
}

func (s *Store) write(key string, r record) error {
	b, err := s.marshal(r)
	if err != nil {
		return err
	}
	if err := os.WriteFile(s.path(key), b, defaultPerm); err != nil {
		return fmt.Errorf("file: write %q: %w", key, err)
	}
	return nil
}

func (s *Store) Get(_ context.Context, key string) (any, bool, error) {
	s.mu.Lock() // expired records are removed on read
	defer s.mu.Unlock()
	r, ok, err := s.read(key, time.Now())
	if err != nil || !ok {
		return nil, false, err
	}
	return r.value, true, nil
}

func (s *Store) Set(_ context.Context, key string, value any, ttl time.Duration) error {
	if key == "" {
		return pr.ErrInvalidKey
	}
	if ttl <= 0 {
		ttl = s.defaultTTL
	}
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.write(key, record{value: value, createdAt: now, expiresAt: pr.ExpiresAt(now, ttl)})
}

func (s *Store) Delete(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := os.Remove(s.path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("file: delete %q: %w", key, err)
	}
	return true, nil
}

func (s *Store) Has(ctx context.Context, key string) (bool, error) {
	_, ok, err := s.Get(ctx, key)
	return ok, err
}

func (s *Store) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	names, err := s.entryNames()
	if err != nil {
		return err
	}
	for _, n := range names {
		if err := os.Remove(filepath.Join(s.dir, n)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("file: clear: %w", err)
		}
	}
	return nil
}

// entryNames lists record files (lock files and foreign files are skipped).
func (s *Store) entryNames() ([]string, error) {
	des, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("file: list: %w", err)
	}
	out := make([]string, 0, len(des))
	for _, de := range des {
		n := de.Name()
		if de.IsDir() || !strings.HasSuffix(n, s.ext) {
			continue
		}
		out = append(out, n)
	}
	return out, nil
}

// Keys returns the keys of live records. Corrupt records are skipped and logged.
func (s *Store) Keys(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	names, err := s.entryNames()
	if err != nil {
		return nil, err
	}
	now := time.Now()
	out := make([]string, 0, len(names))
	for _, n := range names {
		key, ok := decodeName(strings.TrimSuffix(n, s.ext))
		if !ok {
			continue
		}
		_, live, err := s.read(key, now)
		if err != nil {
			s.log.Warn("file: unreadable record", pr.Fields{"key": key, "err": err})
			continue
		}
		if live {
			out = append(out, key)
		}
	}
	return out, nil
}

func (s *Store) Size(ctx context.Context) (int, error) {
	ks, err := s.Keys(ctx)
	return len(ks), err
}

// Sweep removes expired records. A corrupt record is logged and skipped; it
// never aborts the sweep.
func (s *Store) Sweep(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	names, err := s.entryNames()
	if err != nil {
		return 0, err
	}
	now := time.Now()
	n := 0
	for _, name := range names {
		if ctx.Err() != nil {
			return n, ctx.Err()
		}
		key, ok := decodeName(strings.TrimSuffix(name, s.ext))
		if !ok {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.dir, name))
		if err != nil {
			continue
		}
		r, err := s.unmarshal(key, data)
		if err != nil {
			s.log.Warn("file: sweep skipped corrupt record", pr.Fields{"key": key, "err": err})
			if s.onSweepErr != nil {
				s.onSweepErr(key, err)
			}
			continue
		}
		if r.expired(now) {
			if err := os.Remove(filepath.Join(s.dir, name)); err == nil {
				n++
			}
		}
	}
	return n, nil
}

func (s *Store) SetTTL(_ context.Context, key string, ttl time.Duration) (bool, error) {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok, err := s.read(key, now)
	if err != nil || !ok {
		return false, err
	}
	r.expiresAt = pr.ExpiresAt(now, ttl)
	return true, s.write(key, r)
}

func (s *Store) TTL(_ context.Context, key string) (time.Duration, error) {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok, err := s.read(key, now)
	if err != nil {
		return pr.Missing, err
	}
	if !ok {
		return pr.Missing, nil
	}
	return pr.RemainingTTL(r.expiresAt, now), nil
}

// Lock takes the advisory lock for key. See LockOptions.
func (s *Store) Lock(ctx context.Context, key string, opts LockOptions) error {
	return s.locks.acquire(ctx, encodeName(key), key, opts)
}

// Unlock releases the advisory lock for key. Unlocking a free key is a no-op.
func (s *Store) Unlock(key string) error {
	return s.locks.release(encodeName(key))
}

// Close stops the sweep loop. Files stay on disk; held locks are released.
func (s *Store) Close(_ context.Context) error {
	s.closeOnce.Do(func() {
		if s.stopCh != nil {
			close(s.stopCh)
			s.ticker.Stop()
			s.wg.Wait()
		}
		s.locks.releaseAll()
	})
	return nil
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case int8:
		return int64(n), true
	case int16:
		return int64(n), true
	case uint64:
		return int64(n), true
	case uint32:
		return int64(n), true
	case uint16:
		return int64(n), true
	case uint8:
		return int64(n), true
	case float64:
		return int64(n), true
	case float32:
		return int64(n), true
	default:
		return 0, false
	}
}

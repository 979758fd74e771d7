// Package memory is the volatile in-process backend: a map with optional per-key
// TTL and an optional size bound enforced by evicting the least recently
// accessed key.
package memory

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/simplelru"

	pr "github.com/unkn0wn-root/polystore/provider"
)

type Options struct {
	MaxSize         int           // 0 => unbounded
	DefaultTTL      time.Duration // applied when Set gets ttl <= 0; 0 => no expiry
	CleanupInterval time.Duration // 0 => lazy expiry only
	Logger          pr.Logger
}

type item struct {
	value     any
	createdAt time.Time
	expiresAt time.Time
}

func (it *item) expired(now time.Time) bool {
	return !it.expiresAt.IsZero() && !now.Before(it.expiresAt)
}

// Store is safe for concurrent use. A single mutex guards the LRU list because
// every Get reorders it.
type Store struct {
	mu         sync.Mutex
	lru        *simplelru.LRU
	defaultTTL time.Duration
	log        pr.Logger
	closed     bool

	ticker    *time.Ticker
	stopCh    chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

var (
	_ pr.Provider     = (*Store)(nil)
	_ pr.BulkProvider = (*Store)(nil)
	_ pr.TTLProvider  = (*Store)(nil)
)

func New(opts Options) (*Store, error) {
	size := opts.MaxSize
	if size <= 0 {
		size = math.MaxInt32
	}
	l, err := simplelru.NewLRU(size, nil)
	if err != nil {
		return nil, err
	}
	s := &Store{
		lru:        l,
		defaultTTL: opts.DefaultTTL,
		log:        pr.OrNop(opts.Logger),
	}
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
			if n := s.Sweep(); n > 0 {
				s.log.Debug("memory: swept expired keys", pr.Fields{"count": n})
			}
		case <-s.stopCh:
			return
		}
	}
}

// Sweep removes every expired key and returns how many were removed.
func (s *Store) Sweep() int {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, k := range s.lru.Keys() {
		v, ok := s.lru.Peek(k)
		if !ok {
			continue
		}
		if v.(*item).expired(now) {
			s.lru.Remove(k)
			n++
		}
	}
	return n
}

// getLocked returns the live item for key, dropping it if it expired.
// touch=true counts as an access for eviction order.
func (s *Store) getLocked(key string, now time.Time, touch bool) (*item, bool) {
	var (
		v  any
		ok bool
	)
	if touch {
		v, ok = s.lru.Get(key)
	} else {
		v, ok = s.lru.Peek(key)
	}
	if !ok {
		return nil, false
	}
	it := v.(*item)
	if it.expired(now) {
		s.lru.Remove(key)
		return nil, false
	}
	return it, true
}

func (s *Store) Get(_ context.Context, key string) (any, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, false, pr.ErrClosed
	}
	it, ok := s.getLocked(key, time.Now(), true)
	if !ok {
		return nil, false, nil
	}
	return pr.Clone(it.value), true, nil
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
	if s.closed {
		return pr.ErrClosed
	}
	s.setLocked(key, value, now, ttl)
	return nil
}

func (s *Store) setLocked(key string, value any, now time.Time, ttl time.Duration) {
	victim, _, hasVictim := s.lru.GetOldest()
	if s.lru.Add(key, &item{
		value:     pr.Clone(value),
		createdAt: now,
		expiresAt: pr.ExpiresAt(now, ttl),
	}) && hasVictim {
		s.log.Debug("memory: evicted least recently used key", pr.Fields{"key": victim})
	}
}

func (s *Store) Delete(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, pr.ErrClosed
	}
	_, live := s.getLocked(key, time.Now(), false)
	if !live {
		return false, nil
	}
	return s.lru.Remove(key), nil
}

func (s *Store) Has(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, pr.ErrClosed
	}
	_, ok := s.getLocked(key, time.Now(), false)
	return ok, nil
}

func (s *Store) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lru.Purge()
	return nil
}

func (s *Store) Keys(_ context.Context) ([]string, error) {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, pr.ErrClosed
	}
	raw := s.lru.Keys()
	out := make([]string, 0, len(raw))
	for _, k := range raw {
		if _, ok := s.getLocked(k.(string), now, false); ok {
			out = append(out, k.(string))
		}
	}
	return out, nil
}

func (s *Store) Size(ctx context.Context) (int, error) {
	ks, err := s.Keys(ctx)
	return len(ks), err
}

func (s *Store) GetMany(_ context.Context, keys []string) (map[string]any, error) {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, pr.ErrClosed
	}
	out := make(map[string]any, len(keys))
	for _, k := range keys {
		if it, ok := s.getLocked(k, now, true); ok {
			out[k] = pr.Clone(it.value)
		}
	}
	return out, nil
}

func (s *Store) SetMany(_ context.Context, items map[string]any, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = s.defaultTTL
	}
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return pr.ErrClosed
	}
	for k, v := range items {
		if k == "" {
			return pr.ErrInvalidKey
		}
		s.setLocked(k, v, now, ttl)
	}
	return nil
}

func (s *Store) DeleteMany(ctx context.Context, keys []string) (int, error) {
	n := 0
	for _, k := range keys {
		ok, err := s.Delete(ctx, k)
		if err != nil {
			return n, err
		}
		if ok {
			n++
		}
	}
	return n, nil
}

func (s *Store) SetTTL(_ context.Context, key string, ttl time.Duration) (bool, error) {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.getLocked(key, now, false)
	if !ok {
		return false, nil
	}
	it.expiresAt = pr.ExpiresAt(now, ttl)
	return true, nil
}

func (s *Store) TTL(_ context.Context, key string) (time.Duration, error) {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.getLocked(key, now, false)
	if !ok {
		return pr.Missing, nil
	}
	return pr.RemainingTTL(it.expiresAt, now), nil
}

// Close stops the cleanup loop and drops every entry.
func (s *Store) Close(_ context.Context) error {
	s.closeOnce.Do(func() {
		if s.stopCh != nil {
			close(s.stopCh)
			s.ticker.Stop()
			s.wg.Wait()
		}
		s.mu.Lock()
		s.lru.Purge()
		s.closed = true
		s.mu.Unlock()
	})
	return nil
}

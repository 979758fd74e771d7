// Package ristretto is an admission-controlled in-process cache backend on
// dgraph-io/ristretto.
//
// Ristretto may refuse or evict any entry under its TinyLFU policy, so this
// backend behaves like a cache: a Set that returns nil can still miss later.
// Ristretto hashes keys, so the backend tracks the key set itself and keeps it
// in step through the OnEvict/OnReject callbacks.
package ristretto

import (
	"context"
	"fmt"
	"sync"
	"time"

	rc "github.com/dgraph-io/ristretto"

	pr "github.com/unkn0wn-root/polystore/provider"
)

type Config struct {
	NumCounters int64 // 0 => 10 * expected items (1e5)
	MaxCost     int64 // 0 => 64 MiB, in units of Cost
	BufferItems int64 // 0 => 64
	Metrics     bool
	// Cost prices a value; default provider.EstimateSize (bytes).
	Cost   func(any) int64
	Logger pr.Logger
}

type entry struct {
	key       string
	value     any
	expiresAt time.Time
}

type Provider struct {
	c    *rc.Cache
	cost func(any) int64
	max  int64
	log  pr.Logger

	mu   sync.Mutex
	keys map[string]struct{}
	once sync.Once
}

var (
	_ pr.Provider    = (*Provider)(nil)
	_ pr.TTLProvider = (*Provider)(nil)
)

func New(cfg Config) (*Provider, error) {
	if cfg.NumCounters < 0 || cfg.MaxCost < 0 || cfg.BufferItems < 0 {
		return nil, fmt.Errorf("ristretto: invalid config")
	}
	p := &Provider{
		cost: cfg.Cost,
		max:  cfg.MaxCost,
		log:  pr.OrNop(cfg.Logger),
		keys: make(map[string]struct{}),
	}
	if p.cost == nil {
		p.cost = pr.EstimateSize
	}
	if p.max == 0 {
		p.max = 64 << 20
	}
	numCounters := cfg.NumCounters
	if numCounters == 0 {
		numCounters = 1e5
	}
	bufferItems := cfg.BufferItems
	if bufferItems == 0 {
		bufferItems = 64
	}
	c, err := rc.NewCache(&rc.Config{
		NumCounters: numCounters,
		MaxCost:     p.max,
		BufferItems: bufferItems,
		Metrics:     cfg.Metrics,
		OnEvict:     p.forget,
		OnReject:    p.forget,
	})
	if err != nil {
		return nil, fmt.Errorf("ristretto: %w", err)
	}
	p.c = c
	return p, nil
}

// forget drops an evicted or rejected key from the tracked set. It runs on
// ristretto's goroutines, so Provider never calls into the cache while holding mu.
func (p *Provider) forget(item *rc.Item) {
	e, ok := item.Value.(*entry)
	if !ok {
		return
	}
	p.mu.Lock()
	delete(p.keys, e.key)
	p.mu.Unlock()
}

func (p *Provider) load(key string, now time.Time) (*entry, bool) {
	v, ok := p.c.Get(key)
	if !ok {
		return nil, false
	}
	e, ok := v.(*entry)
	if !ok || (!e.expiresAt.IsZero() && !now.Before(e.expiresAt)) {
		p.c.Del(key)
		return nil, false
	}
	return e, true
}

func (p *Provider) Get(_ context.Context, key string) (any, bool, error) {
	e, ok := p.load(key, time.Now())
	if !ok {
		return nil, false, nil
	}
	return pr.Clone(e.value), true, nil
}

// Set offers the value to the cache and waits until it is applied. A value
// costing more than MaxCost, or one dropped by admission, returns an error
// wrapping provider.ErrCapacityExceeded.
func (p *Provider) Set(_ context.Context, key string, value any, ttl time.Duration) error {
	if key == "" {
		return pr.ErrInvalidKey
	}
	cost := p.cost(value)
	if cost > p.max {
		return &pr.CapacityError{Key: key, Size: cost, Max: p.max}
	}
	if ttl < 0 {
		ttl = 0
	}
	now := time.Now()
	e := &entry{key: key, value: pr.Clone(value), expiresAt: pr.ExpiresAt(now, ttl)}

	p.mu.Lock()
	p.keys[key] = struct{}{}
	p.mu.Unlock()

	if !p.c.SetWithTTL(key, e, cost, ttl) {
		p.mu.Lock()
		delete(p.keys, key)
		p.mu.Unlock()
		return fmt.Errorf("ristretto: set %q dropped: %w", key, pr.ErrCapacityExceeded)
	}
	p.c.Wait()
	return nil
}

func (p *Provider) Delete(_ context.Context, key string) (bool, error) {
	_, ok := p.load(key, time.Now())
	p.c.Del(key)
	p.mu.Lock()
	delete(p.keys, key)
	p.mu.Unlock()
	return ok, nil
}

func (p *Provider) Has(_ context.Context, key string) (bool, error) {
	_, ok := p.load(key, time.Now())
	return ok, nil
}

func (p *Provider) Clear(_ context.Context) error {
	p.c.Clear()
	p.mu.Lock()
	p.keys = make(map[string]struct{})
	p.mu.Unlock()
	return nil
}

// Keys returns tracked keys that still resolve.
func (p *Provider) Keys(_ context.Context) ([]string, error) {
	p.mu.Lock()
	candidates := make([]string, 0, len(p.keys))
	for k := range p.keys {
		candidates = append(candidates, k)
	}
	p.mu.Unlock()

	now := time.Now()
	out := candidates[:0]
	for _, k := range candidates {
		if _, ok := p.load(k, now); ok {
			out = append(out, k)
		}
	}
	return out, nil
}

func (p *Provider) Size(ctx context.Context) (int, error) {
	ks, err := p.Keys(ctx)
	return len(ks), err
}

func (p *Provider) SetTTL(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	e, ok := p.load(key, time.Now())
	if !ok {
		return false, nil
	}
	return true, p.Set(ctx, key, e.value, ttl)
}

func (p *Provider) TTL(_ context.Context, key string) (time.Duration, error) {
	now := time.Now()
	e, ok := p.load(key, now)
	if !ok {
		return pr.Missing, nil
	}
	return pr.RemainingTTL(e.expiresAt, now), nil
}

// Metrics exposes ristretto's counters; nil unless Config.Metrics is set.
func (p *Provider) Metrics() *rc.Metrics { return p.c.Metrics }

func (p *Provider) Close(_ context.Context) error {
	p.once.Do(func() {
		p.c.Wait()
		p.c.Close()
	})
	return nil
}

// Package evict is a memory-budgeted cache with selectable eviction policies.
//
// The cache tracks an estimated size per entry and guarantees, after every
// mutating call returns, that
//
//	len(entries) <= MaxEntries
//	MemoryUsage() == sum of live entry sizes <= MaxMemory
//
// When a new key does not fit, entries are evicted one at a time by the active
// Policy until it does. A value whose size alone exceeds MaxMemory is rejected
// with *provider.CapacityError and nothing changes.
//
// Expiry is checked lazily on Get/Has and eagerly by a periodic sweep.
package evict

import (
	"container/list"
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	pr "github.com/unkn0wn-root/polystore/provider"
)

type Policy string

const (
	LRU    Policy = "lru"    // oldest last access
	LFU    Policy = "lfu"    // smallest access count
	FIFO   Policy = "fifo"   // oldest creation
	Random Policy = "random" // uniform over live keys
)

// ParsePolicy maps a policy name to a Policy. Empty selects LRU.
func ParsePolicy(s string) (Policy, error) {
	switch p := Policy(s); p {
	case "":
		return LRU, nil
	case LRU, LFU, FIFO, Random:
		return p, nil
	default:
		return "", fmt.Errorf("evict: unknown policy %q", s)
	}
}

// Reason tells why an entry left the cache without being deleted.
type Reason string

const (
	ReasonCapacity Reason = "capacity"
	ReasonExpired  Reason = "expired"
)

const (
	defaultMaxEntries = 1000
	defaultMaxMemory  = 50 << 20
	defaultSweep      = time.Minute
)

type Options struct {
	MaxEntries      int           // 0 => 1000
	MaxMemory       int64         // bytes; 0 => 50 MiB
	Policy          Policy        // "" => LRU
	DefaultTTL      time.Duration // 0 => no expiry
	CleanupInterval time.Duration // 0 => 1m; < 0 disables the sweep
	Sizer           func(any) int64
	// OnEvict is called after the cache lock is released, once per evicted or
	// expired entry. Must not block for long.
	OnEvict func(key string, value any, reason Reason)
	Logger  pr.Logger
}

type item struct {
	key         string
	value       any
	size        int64
	createdAt   time.Time
	expiresAt   time.Time
	lastAccess  time.Time
	accessCount int64

	ins *list.Element // position in insertion order
	rec *list.Element // position in recency order
}

func (it *item) expired(now time.Time) bool {
	return !it.expiresAt.IsZero() && !now.Before(it.expiresAt)
}

type eviction struct {
	key    string
	value  any
	reason Reason
}

// Cache is safe for concurrent use. One mutex guards the entries, both
// ordering lists, the memory counter and the stats.
type Cache struct {
	maxEntries int
	maxMemory  int64
	policy     Policy
	defaultTTL time.Duration
	sizer      func(any) int64
	onEvict    func(string, any, Reason)
	log        pr.Logger

	mu      sync.Mutex
	items   map[string]*item
	order   *list.List // insertion order: FIFO victim at Front, tie-break for LFU
	recency *list.List // access order: LRU victim at Front
	memory  int64
	stats   Stats
	closed  bool

	sf singleflight.Group

	ticker    *time.Ticker
	stopCh    chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

var (
	_ pr.Provider     = (*Cache)(nil)
	_ pr.BulkProvider = (*Cache)(nil)
	_ pr.TTLProvider  = (*Cache)(nil)
)

func New(opts Options) (*Cache, error) {
	policy, err := ParsePolicy(string(opts.Policy))
	if err != nil {
		return nil, err
	}
	if opts.MaxEntries < 0 || opts.MaxMemory < 0 {
		return nil, fmt.Errorf("evict: negative limits")
	}
	c := &Cache{
		maxEntries: coalesce(opts.MaxEntries, defaultMaxEntries),
		maxMemory:  coalesce(opts.MaxMemory, int64(defaultMaxMemory)),
		policy:     policy,
		defaultTTL: opts.DefaultTTL,
		sizer:      opts.Sizer,
		onEvict:    opts.OnEvict,
		log:        pr.OrNop(opts.Logger),
		items:      make(map[string]*item),
		order:      list.New(),
		recency:    list.New(),
	}
	if c.sizer == nil {
		c.sizer = pr.EstimateSize
	}
	interval := coalesce(opts.CleanupInterval, defaultSweep)
	if interval > 0 {
		c.ticker = time.NewTicker(interval)
		c.stopCh = make(chan struct{})
		c.wg.Add(1)
		go c.cleanupLoop()
	}
	return c, nil
}

func coalesce[T comparable](v, def T) T {
	var zero T
	if v == zero {
		return def
	}
	return v
}

func (c *Cache) cleanupLoop() {
	defer c.wg.Done()
	for {
		select {
		case <-c.ticker.C:
			if n := c.Sweep(); n > 0 {
				c.log.Debug("evict: swept expired entries", pr.Fields{"count": n})
			}
		case <-c.stopCh:
			return
		}
	}
}

// Policy returns the active eviction policy.
func (c *Cache) Policy() Policy { return c.policy }

// removeLocked unlinks it and releases its memory. Stats are the caller's job.
func (c *Cache) removeLocked(it *item) {
	c.order.Remove(it.ins)
	c.recency.Remove(it.rec)
	delete(c.items, it.key)
	c.memory -= it.size
}

// lookupLocked returns the live item for key; an expired item is removed
// and appended to evicted.
func (c *Cache) lookupLocked(key string, now time.Time, evicted *[]eviction) (*item, bool) {
	it, ok := c.items[key]
	if !ok {
		return nil, false
	}
	if it.expired(now) {
		c.removeLocked(it)
		c.stats.Evictions++
		c.stats.ExpiredEvictions++
		*evicted = append(*evicted, eviction{key: it.key, value: it.value, reason: ReasonExpired})
		return nil, false
	}
	return it, true
}

func (c *Cache) touchLocked(it *item, now time.Time) {
	it.accessCount++
	it.lastAccess = now
	c.recency.MoveToBack(it.rec)
}

// victimLocked picks the entry the active policy evicts next.
func (c *Cache) victimLocked() *item {
	switch c.policy {
	case FIFO:
		return c.order.Front().Value.(*item)
	case LFU:
		var best *item
		for e := c.order.Front(); e != nil; e = e.Next() {
			it := e.Value.(*item)
			if best == nil || it.accessCount < best.accessCount {
				best = it
			}
		}
		return best
	case Random:
		n := rand.IntN(c.order.Len())
		e := c.order.Front()
		for ; n > 0; n-- {
			e = e.Next()
		}
		return e.Value.(*item)
	default:
		return c.recency.Front().Value.(*item)
	}
}

func (c *Cache) setLocked(key string, value any, size int64, ttl time.Duration, now time.Time, evicted *[]eviction) {
	var accessCount int64
	if old, ok := c.items[key]; ok {
		accessCount = old.accessCount
		c.removeLocked(old)
	}
	for len(c.items) > 0 && (len(c.items) >= c.maxEntries || c.memory+size > c.maxMemory) {
		v := c.victimLocked()
		c.removeLocked(v)
		c.stats.Evictions++
		c.stats.CapacityEvictions++
		*evicted = append(*evicted, eviction{key: v.key, value: v.value, reason: ReasonCapacity})
	}
	it := &item{
		key:         key,
		value:       value,
		size:        size,
		createdAt:   now,
		expiresAt:   pr.ExpiresAt(now, ttl),
		lastAccess:  now,
		accessCount: accessCount,
	}
	it.ins = c.order.PushBack(it)
	it.rec = c.recency.PushBack(it)
	c.items[key] = it
	c.memory += size
	c.stats.Sets++
}

// notify runs OnEvict outside the lock. A panicking callback is logged and
// does not stop the remaining notifications.
func (c *Cache) notify(evicted []eviction) {
	for _, ev := range evicted {
		c.log.Debug("evict: entry removed", pr.Fields{"key": ev.key, "reason": string(ev.reason)})
		if c.onEvict == nil {
			continue
		}
		func() {
			defer func() {
				if r := recover(); r != nil {
					c.log.Error("evict: OnEvict panicked", pr.Fields{"key": ev.key, "panic": r})
				}
			}()
			c.onEvict(ev.key, ev.value, ev.reason)
		}()
	}
}

func (c *Cache) Get(_ context.Context, key string) (any, bool, error) {
	var evicted []eviction
	now := time.Now()
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, false, pr.ErrClosed
	}
	it, ok := c.lookupLocked(key, now, &evicted)
	var v any
	if ok {
		c.touchLocked(it, now)
		c.stats.Hits++
		v = pr.Clone(it.value)
	} else {
		c.stats.Misses++
	}
	c.mu.Unlock()
	c.notify(evicted)
	return v, ok, nil
}

// Peek returns the value without counting an access or a hit/miss.
func (c *Cache) Peek(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	it, ok := c.items[key]
	if !ok || it.expired(time.Now()) {
		return nil, false
	}
	return pr.Clone(it.value), true
}

func (c *Cache) Set(_ context.Context, key string, value any, ttl time.Duration) error {
	if key == "" {
		return pr.ErrInvalidKey
	}
	size := c.sizer(value)
	if size > c.maxMemory {
		return &pr.CapacityError{Key: key, Size: size, Max: c.maxMemory}
	}
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	var evicted []eviction
	now := time.Now()
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return pr.ErrClosed
	}
	c.setLocked(key, pr.Clone(value), size, ttl, now, &evicted)
	c.mu.Unlock()
	c.notify(evicted)
	return nil
}

// GetOrSet returns the cached value for key, or calls factory, caches its
// result with ttl and returns it. Concurrent callers for the same missing key
// share one factory call.
func (c *Cache) GetOrSet(ctx context.Context, key string, factory func(context.Context) (any, error), ttl time.Duration) (any, error) {
	if v, ok, err := c.Get(ctx, key); err != nil || ok {
		return v, err
	}
	v, err, _ := c.sf.Do(key, func() (any, error) {
		if v, ok := c.Peek(key); ok {
			return v, nil
		}
		v, err := factory(ctx)
		if err != nil {
			return nil, err
		}
		if err := c.Set(ctx, key, v, ttl); err != nil {
			return nil, err
		}
		return v, nil
	})
	if err != nil {
		return nil, err
	}
	return pr.Clone(v), nil
}

func (c *Cache) Delete(_ context.Context, key string) (bool, error) {
	var evicted []eviction
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false, pr.ErrClosed
	}
	it, ok := c.lookupLocked(key, time.Now(), &evicted)
	if ok {
		c.removeLocked(it)
		c.stats.Deletes++
	}
	c.mu.Unlock()
	c.notify(evicted)
	return ok, nil
}

func (c *Cache) Has(_ context.Context, key string) (bool, error) {
	var evicted []eviction
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false, pr.ErrClosed
	}
	_, ok := c.lookupLocked(key, time.Now(), &evicted)
	c.mu.Unlock()
	c.notify(evicted)
	return ok, nil
}

func (c *Cache) Clear(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[string]*item)
	c.order.Init()
	c.recency.Init()
	c.memory = 0
	return nil
}

// Keys returns live keys in insertion order.
func (c *Cache) Keys(_ context.Context) ([]string, error) {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, pr.ErrClosed
	}
	out := make([]string, 0, len(c.items))
	for e := c.order.Front(); e != nil; e = e.Next() {
		it := e.Value.(*item)
		if !it.expired(now) {
			out = append(out, it.key)
		}
	}
	return out, nil
}

func (c *Cache) Size(ctx context.Context) (int, error) {
	ks, err := c.Keys(ctx)
	return len(ks), err
}

// Len returns the number of stored entries, including expired ones not yet swept.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// MemoryUsage returns the summed estimated size of stored entries.
func (c *Cache) MemoryUsage() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.memory
}

func (c *Cache) GetMany(ctx context.Context, keys []string) (map[string]any, error) {
	out := make(map[string]any, len(keys))
	for _, k := range keys {
		v, ok, err := c.Get(ctx, k)
		if err != nil {
			return out, err
		}
		if ok {
			out[k] = v
		}
	}
	return out, nil
}

// SetMany stores items one by one; an item that cannot fit at all fails the call
// and leaves previously stored items in place.
func (c *Cache) SetMany(ctx context.Context, items map[string]any, ttl time.Duration) error {
	for k, v := range items {
		if err := c.Set(ctx, k, v, ttl); err != nil {
			return err
		}
	}
	return nil
}

func (c *Cache) DeleteMany(ctx context.Context, keys []string) (int, error) {
	n := 0
	for _, k := range keys {
		ok, err := c.Delete(ctx, k)
		if err != nil {
			return n, err
		}
		if ok {
			n++
		}
	}
	return n, nil
}

func (c *Cache) SetTTL(_ context.Context, key string, ttl time.Duration) (bool, error) {
	var evicted []eviction
	now := time.Now()
	c.mu.Lock()
	it, ok := c.lookupLocked(key, now, &evicted)
	if ok {
		it.expiresAt = pr.ExpiresAt(now, ttl)
	}
	c.mu.Unlock()
	c.notify(evicted)
	return ok, nil
}

func (c *Cache) TTL(_ context.Context, key string) (time.Duration, error) {
	var evicted []eviction
	now := time.Now()
	c.mu.Lock()
	it, ok := c.lookupLocked(key, now, &evicted)
	d := pr.Missing
	if ok {
		d = pr.RemainingTTL(it.expiresAt, now)
	}
	c.mu.Unlock()
	c.notify(evicted)
	return d, nil
}

// Sweep removes every expired entry regardless of access and returns the count.
func (c *Cache) Sweep() int {
	var evicted []eviction
	now := time.Now()
	c.mu.Lock()
	for e := c.order.Front(); e != nil; {
		next := e.Next()
		it := e.Value.(*item)
		if it.expired(now) {
			c.removeLocked(it)
			c.stats.Evictions++
			c.stats.ExpiredEvictions++
			evicted = append(evicted, eviction{key: it.key, value: it.value, reason: ReasonExpired})
		}
		e = next
	}
	c.mu.Unlock()
	c.notify(evicted)
	return len(evicted)
}

// Close stops the sweep loop and drops all entries. Safe to call more than once.
func (c *Cache) Close(ctx context.Context) error {
	c.closeOnce.Do(func() {
		if c.stopCh != nil {
			close(c.stopCh)
			c.ticker.Stop()
			c.wg.Wait()
		}
		_ = c.Clear(ctx)
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
	})
	return nil
}

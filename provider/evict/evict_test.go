package evict

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	pr "github.com/unkn0wn-root/polystore/provider"
)

func newCache(t *testing.T, opts Options) *Cache {
	t.Helper()
	if opts.CleanupInterval == 0 {
		opts.CleanupInterval = -1
	}
	c, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = c.Close(context.Background()) })
	return c
}

// checkInvariants verifies the entry and memory bounds hold and the memory
// counter equals the sum of stored sizes.
func checkInvariants(t *testing.T, c *Cache) {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	var sum int64
	for _, it := range c.items {
		sum += it.size
	}
	if sum != c.memory {
		t.Fatalf("memory counter %d != sum of sizes %d", c.memory, sum)
	}
	if len(c.items) > c.maxEntries {
		t.Fatalf("entries %d > max %d", len(c.items), c.maxEntries)
	}
	if c.memory > c.maxMemory {
		t.Fatalf("memory %d > max %d", c.memory, c.maxMemory)
	}
	if c.order.Len() != len(c.items) || c.recency.Len() != len(c.items) {
		t.Fatalf("list lengths %d/%d != %d", c.order.Len(), c.recency.Len(), len(c.items))
	}
}

func keysOf(t *testing.T, c *Cache) []string {
	t.Helper()
	ks, err := c.Keys(context.Background())
	if err != nil {
		t.Fatalf("Keys: %v", err)
	}
	return ks
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestFIFOEvictsOldest(t *testing.T) {
	ctx := context.Background()
	c := newCache(t, Options{MaxEntries: 2, Policy: FIFO})
	for _, k := range []string{"a", "b", "c"} {
		if err := c.Set(ctx, k, 1, 0); err != nil {
			t.Fatalf("Set %s: %v", k, err)
		}
	}
	if got := keysOf(t, c); !equal(got, []string{"b", "c"}) {
		t.Fatalf("Keys=%v want [b c]", got)
	}
	checkInvariants(t, c)
}

func TestFIFOOverwriteMovesToBack(t *testing.T) {
	ctx := context.Background()
	c := newCache(t, Options{MaxEntries: 2, Policy: FIFO})
	_ = c.Set(ctx, "a", 1, 0)
	_ = c.Set(ctx, "b", 1, 0)
	_ = c.Set(ctx, "a", 2, 0)
	_ = c.Set(ctx, "c", 1, 0)
	if got := keysOf(t, c); !equal(got, []string{"a", "c"}) {
		t.Fatalf("Keys=%v want [a c]", got)
	}
}

func TestLRUEvictsLeastRecentlyUsed(t *testing.T) {
	ctx := context.Background()
	c := newCache(t, Options{MaxEntries: 3, Policy: LRU})
	for _, k := range []string{"a", "b", "c"} {
		_ = c.Set(ctx, k, 1, 0)
	}
	if _, ok, _ := c.Get(ctx, "a"); !ok {
		t.Fatalf("a missing")
	}
	_ = c.Set(ctx, "d", 1, 0)
	if ok, _ := c.Has(ctx, "b"); ok {
		t.Fatalf("b should have been evicted")
	}
	for _, k := range []string{"a", "c", "d"} {
		if ok, _ := c.Has(ctx, k); !ok {
			t.Fatalf("%s should survive", k)
		}
	}
	checkInvariants(t, c)
}

func TestLFUEvictsLeastFrequentlyUsed(t *testing.T) {
	ctx := context.Background()
	c := newCache(t, Options{MaxEntries: 3, Policy: LFU})
	for _, k := range []string{"a", "b", "c"} {
		_ = c.Set(ctx, k, 1, 0)
	}
	for i := 0; i < 3; i++ {
		_, _, _ = c.Get(ctx, "a")
		_, _, _ = c.Get(ctx, "c")
	}
	_, _, _ = c.Get(ctx, "b")
	_ = c.Set(ctx, "d", 1, 0)
	if ok, _ := c.Has(ctx, "b"); ok {
		t.Fatalf("b should have been evicted")
	}
	// equal counts fall back to insertion order
	_ = c.Set(ctx, "e", 1, 0)
	if ok, _ := c.Has(ctx, "d"); ok {
		t.Fatalf("d should have been evicted")
	}
	checkInvariants(t, c)
}

func TestOverwriteKeepsAccessCount(t *testing.T) {
	ctx := context.Background()
	c := newCache(t, Options{MaxEntries: 2, Policy: LFU})
	_ = c.Set(ctx, "hot", 1, 0)
	_, _, _ = c.Get(ctx, "hot")
	_, _, _ = c.Get(ctx, "hot")
	_ = c.Set(ctx, "hot", 2, 0)
	_ = c.Set(ctx, "cold", 1, 0)
	_ = c.Set(ctx, "new", 1, 0)
	if ok, _ := c.Has(ctx, "hot"); !ok {
		t.Fatalf("overwrite should not reset access count")
	}
}

func TestRandomKeepsBounds(t *testing.T) {
	ctx := context.Background()
	c := newCache(t, Options{MaxEntries: 10, Policy: Random})
	for i := 0; i < 100; i++ {
		_ = c.Set(ctx, fmt.Sprintf("k%d", i), i, 0)
		checkInvariants(t, c)
	}
	if n, _ := c.Size(ctx); n != 10 {
		t.Fatalf("Size=%d want 10", n)
	}
	if ok, _ := c.Has(ctx, "k99"); !ok {
		t.Fatalf("newest key must be present")
	}
}

func TestMemoryBudget(t *testing.T) {
	ctx := context.Background()
	sizer := func(v any) int64 { return int64(len(v.(string))) }
	c := newCache(t, Options{MaxMemory: 10, Sizer: sizer, Policy: FIFO})

	_ = c.Set(ctx, "a", "1234", 0)
	_ = c.Set(ctx, "b", "1234", 0)
	_ = c.Set(ctx, "c", "1234", 0) // 12 > 10, evicts a
	if got := keysOf(t, c); !equal(got, []string{"b", "c"}) {
		t.Fatalf("Keys=%v want [b c]", got)
	}
	if m := c.MemoryUsage(); m != 8 {
		t.Fatalf("MemoryUsage=%d want 8", m)
	}
	_ = c.Set(ctx, "b", "1", 0)
	if m := c.MemoryUsage(); m != 5 {
		t.Fatalf("MemoryUsage after overwrite=%d want 5", m)
	}
	_, _ = c.Delete(ctx, "c")
	if m := c.MemoryUsage(); m != 1 {
		t.Fatalf("MemoryUsage after delete=%d want 1", m)
	}
	checkInvariants(t, c)
}

func TestCapacityErrorLeavesCacheUnchanged(t *testing.T) {
	ctx := context.Background()
	sizer := func(v any) int64 { return int64(len(v.(string))) }
	c := newCache(t, Options{MaxMemory: 8, Sizer: sizer})
	_ = c.Set(ctx, "a", "1234", 0)

	err := c.Set(ctx, "big", "123456789", 0)
	if !errors.Is(err, pr.ErrCapacityExceeded) {
		t.Fatalf("expected ErrCapacityExceeded, got %v", err)
	}
	var ce *pr.CapacityError
	if !errors.As(err, &ce) || ce.Size != 9 || ce.Max != 8 {
		t.Fatalf("CapacityError=%+v", ce)
	}
	if got := keysOf(t, c); !equal(got, []string{"a"}) {
		t.Fatalf("Keys=%v want [a]", got)
	}
	if s := c.Stats(); s.Evictions != 0 || s.Sets != 1 {
		t.Fatalf("stats changed by rejected Set: %+v", s)
	}
}

func TestLazyExpiry(t *testing.T) {
	ctx := context.Background()
	var expired atomic.Int32
	c := newCache(t, Options{OnEvict: func(_ string, _ any, r Reason) {
		if r == ReasonExpired {
			expired.Add(1)
		}
	}})
	_ = c.Set(ctx, "k", "v", 20*time.Millisecond)
	if d, _ := c.TTL(ctx, "k"); d <= 0 || d > 20*time.Millisecond {
		t.Fatalf("TTL=%v", d)
	}
	time.Sleep(40 * time.Millisecond)
	if _, ok, _ := c.Get(ctx, "k"); ok {
		t.Fatalf("expired entry returned")
	}
	if c.Len() != 0 {
		t.Fatalf("expired entry not removed on read")
	}
	if expired.Load() != 1 {
		t.Fatalf("OnEvict expired calls=%d", expired.Load())
	}
	if s := c.Stats(); s.ExpiredEvictions != 1 || s.Misses != 1 {
		t.Fatalf("stats=%+v", s)
	}
	checkInvariants(t, c)
}

func TestSweepLoop(t *testing.T) {
	ctx := context.Background()
	c := newCache(t, Options{CleanupInterval: 10 * time.Millisecond})
	_ = c.Set(ctx, "a", 1, 5*time.Millisecond)
	_ = c.Set(ctx, "b", 2, 0)
	time.Sleep(50 * time.Millisecond)
	if n := c.Len(); n != 1 {
		t.Fatalf("Len=%d want 1 after sweep", n)
	}
	checkInvariants(t, c)
}

func TestDefaultTTLAndSetTTL(t *testing.T) {
	ctx := context.Background()
	c := newCache(t, Options{DefaultTTL: time.Hour})
	_ = c.Set(ctx, "k", 1, 0)
	if d, _ := c.TTL(ctx, "k"); d <= 59*time.Minute {
		t.Fatalf("default TTL not applied: %v", d)
	}
	if ok, _ := c.SetTTL(ctx, "k", -1); !ok {
		t.Fatalf("SetTTL on live key")
	}
	if d, _ := c.TTL(ctx, "k"); d != pr.NoExpiry {
		t.Fatalf("TTL=%v want NoExpiry", d)
	}
	if d, _ := c.TTL(ctx, "missing"); d != pr.Missing {
		t.Fatalf("TTL(missing)=%v", d)
	}
}

func TestStatsAndHitRate(t *testing.T) {
	ctx := context.Background()
	c := newCache(t, Options{MaxEntries: 1})
	_ = c.Set(ctx, "a", 1, 0)
	_, _, _ = c.Get(ctx, "a")
	_, _, _ = c.Get(ctx, "a")
	_, _, _ = c.Get(ctx, "x")
	_ = c.Set(ctx, "b", 1, 0)
	_, _ = c.Delete(ctx, "b")

	s := c.Stats()
	if s.Hits != 2 || s.Misses != 1 || s.Sets != 2 || s.Deletes != 1 || s.CapacityEvictions != 1 {
		t.Fatalf("stats=%+v", s)
	}
	if r := s.HitRate(); r < 0.66 || r > 0.67 {
		t.Fatalf("HitRate=%v", r)
	}
	c.ResetStats()
	if s := c.Stats(); s.Hits != 0 || s.Sets != 0 {
		t.Fatalf("ResetStats left %+v", s)
	}
}

func TestGetOrSetCoalesces(t *testing.T) {
	ctx := context.Background()
	c := newCache(t, Options{})
	var calls atomic.Int32
	release := make(chan struct{})
	factory := func(context.Context) (any, error) {
		calls.Add(1)
		<-release
		return "computed", nil
	}

	var wg sync.WaitGroup
	results := make([]any, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := c.GetOrSet(ctx, "k", factory, 0)
			if err != nil {
				t.Errorf("GetOrSet: %v", err)
			}
			results[i] = v
		}(i)
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	if calls.Load() != 1 {
		t.Fatalf("factory called %d times", calls.Load())
	}
	for i, v := range results {
		if v != "computed" {
			t.Fatalf("result[%d]=%v", i, v)
		}
	}
	v, err := c.GetOrSet(ctx, "k", func(context.Context) (any, error) { return "other", nil }, 0)
	if err != nil || v != "computed" {
		t.Fatalf("cached GetOrSet=%v err=%v", v, err)
	}
}

func TestGetOrSetFactoryError(t *testing.T) {
	ctx := context.Background()
	c := newCache(t, Options{})
	boom := errors.New("boom")
	_, err := c.GetOrSet(ctx, "k", func(context.Context) (any, error) { return nil, boom }, 0)
	if !errors.Is(err, boom) {
		t.Fatalf("err=%v", err)
	}
	if ok, _ := c.Has(ctx, "k"); ok {
		t.Fatalf("failed factory must not populate")
	}
}

func TestValuesAreCopied(t *testing.T) {
	ctx := context.Background()
	c := newCache(t, Options{})
	rec := map[string]any{"n": 1}
	_ = c.Set(ctx, "k", rec, 0)
	rec["n"] = 2
	v, _, _ := c.Get(ctx, "k")
	if v.(map[string]any)["n"] != 1 {
		t.Fatalf("stored value aliased caller map")
	}
}

func TestBulkOperations(t *testing.T) {
	ctx := context.Background()
	c := newCache(t, Options{})
	if err := c.SetMany(ctx, map[string]any{"a": 1, "b": 2, "c": 3}, 0); err != nil {
		t.Fatal(err)
	}
	got, _ := c.GetMany(ctx, []string{"a", "c", "zz"})
	if len(got) != 2 || got["a"] != 1 || got["c"] != 3 {
		t.Fatalf("GetMany=%v", got)
	}
	if n, _ := c.DeleteMany(ctx, []string{"a", "b", "zz"}); n != 2 {
		t.Fatalf("DeleteMany=%d", n)
	}
}

func TestClosedCache(t *testing.T) {
	ctx := context.Background()
	c, _ := New(Options{CleanupInterval: time.Millisecond})
	_ = c.Close(ctx)
	_ = c.Close(ctx)
	if err := c.Set(ctx, "k", 1, 0); !errors.Is(err, pr.ErrClosed) {
		t.Fatalf("Set after Close: %v", err)
	}
}

func TestParsePolicy(t *testing.T) {
	if p, _ := ParsePolicy(""); p != LRU {
		t.Fatalf("default policy %q", p)
	}
	if _, err := ParsePolicy("mru"); err == nil {
		t.Fatalf("expected error for unknown policy")
	}
}

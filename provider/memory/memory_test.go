package memory

import (
	"context"
	"errors"
	"sort"
	"testing"
	"time"

	pr "github.com/unkn0wn-root/polystore/provider"
)

func newTestStore(t *testing.T, opts Options) *Store {
	t.Helper()
	s, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = s.Close(context.Background()) })
	return s
}

func TestSetGetDelete(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, Options{})

	if _, ok, err := s.Get(ctx, "a"); err != nil || ok {
		t.Fatalf("expected miss, ok=%v err=%v", ok, err)
	}
	if err := s.Set(ctx, "a", "1", 0); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if v, ok, err := s.Get(ctx, "a"); err != nil || !ok || v != "1" {
		t.Fatalf("Get: v=%v ok=%v err=%v", v, ok, err)
	}
	if ok, _ := s.Delete(ctx, "a"); !ok {
		t.Fatalf("Delete should report existing key")
	}
	if ok, _ := s.Delete(ctx, "a"); ok {
		t.Fatalf("second Delete should report missing key")
	}
}

func TestValuesAreCopied(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, Options{})

	rec := map[string]any{"n": 1}
	_ = s.Set(ctx, "r", rec, 0)
	rec["n"] = 2

	v, _, _ := s.Get(ctx, "r")
	if v.(map[string]any)["n"] != 1 {
		t.Fatalf("stored value shares memory with caller")
	}
}

func TestBoundedSizeEvictsLeastRecentlyAccessed(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, Options{MaxSize: 2})

	_ = s.Set(ctx, "a", 1, 0)
	_ = s.Set(ctx, "b", 2, 0)
	_, _, _ = s.Get(ctx, "a") // a is now most recent
	_ = s.Set(ctx, "c", 3, 0)

	if ok, _ := s.Has(ctx, "b"); ok {
		t.Fatalf("b should have been evicted")
	}
	keys, _ := s.Keys(ctx)
	sort.Strings(keys)
	if len(keys) != 2 || keys[0] != "a" || keys[1] != "c" {
		t.Fatalf("keys=%v want [a c]", keys)
	}
}

func TestTTLExpiresLazily(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, Options{})

	_ = s.Set(ctx, "k", "v", 30*time.Millisecond)
	if d, _ := s.TTL(ctx, "k"); d <= 0 || d > 30*time.Millisecond {
		t.Fatalf("TTL=%v", d)
	}
	time.Sleep(50 * time.Millisecond)
	if _, ok, _ := s.Get(ctx, "k"); ok {
		t.Fatalf("expired key still readable")
	}
	if d, _ := s.TTL(ctx, "k"); d != pr.Missing {
		t.Fatalf("TTL after expiry=%v want Missing", d)
	}
}

func TestSetTTLAndNoExpiry(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, Options{})

	_ = s.Set(ctx, "k", "v", 0)
	if d, _ := s.TTL(ctx, "k"); d != pr.NoExpiry {
		t.Fatalf("TTL=%v want NoExpiry", d)
	}
	if ok, _ := s.SetTTL(ctx, "k", time.Hour); !ok {
		t.Fatalf("SetTTL on existing key should succeed")
	}
	if d, _ := s.TTL(ctx, "k"); d <= time.Minute {
		t.Fatalf("TTL=%v want about 1h", d)
	}
	if ok, _ := s.SetTTL(ctx, "missing", time.Hour); ok {
		t.Fatalf("SetTTL on missing key should fail")
	}
}

func TestSweepRemovesExpired(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, Options{CleanupInterval: 10 * time.Millisecond})

	_ = s.Set(ctx, "short", 1, 5*time.Millisecond)
	_ = s.Set(ctx, "long", 2, 0)
	time.Sleep(60 * time.Millisecond)

	s.mu.Lock()
	n := s.lru.Len()
	s.mu.Unlock()
	if n != 1 {
		t.Fatalf("background sweep left %d entries, want 1", n)
	}
}

func TestBulk(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, Options{})

	if err := s.SetMany(ctx, map[string]any{"a": 1, "b": 2}, 0); err != nil {
		t.Fatalf("SetMany: %v", err)
	}
	got, _ := s.GetMany(ctx, []string{"a", "b", "c"})
	if len(got) != 2 || got["a"] != 1 || got["b"] != 2 {
		t.Fatalf("GetMany=%v", got)
	}
	if n, _ := s.DeleteMany(ctx, []string{"a", "c"}); n != 1 {
		t.Fatalf("DeleteMany=%d want 1", n)
	}
}

func TestClosedStoreRejects(t *testing.T) {
	ctx := context.Background()
	s, _ := New(Options{CleanupInterval: time.Millisecond})
	_ = s.Close(ctx)
	_ = s.Close(ctx) // idempotent
	if err := s.Set(ctx, "a", 1, 0); !errors.Is(err, pr.ErrClosed) {
		t.Fatalf("Set after close: %v", err)
	}
}

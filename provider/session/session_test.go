package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	pr "github.com/unkn0wn-root/polystore/provider"
)

func newStore(t *testing.T, opts Options) *Store {
	t.Helper()
	if opts.CleanupInterval == 0 {
		opts.CleanupInterval = -1
	}
	s := New(opts)
	t.Cleanup(func() { _ = s.Close(context.Background()) })
	return s
}

func TestCreateAndLoad(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, Options{Prefix: "sess_"})
	sess, err := s.Create(ctx, map[string]any{"user": "u1"}, time.Minute)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if !strings.HasPrefix(sess.ID, "sess_") || len(sess.ID) != len("sess_")+26 {
		t.Fatalf("unexpected id %q", sess.ID)
	}
	if sess.ID != strings.ToLower(sess.ID) {
		t.Fatalf("id not lowercase: %q", sess.ID)
	}
	got, ok, err := s.Load(ctx, sess.ID)
	if err != nil || !ok {
		t.Fatalf("Load ok=%v err=%v", ok, err)
	}
	if got.Data["user"] != "u1" {
		t.Fatalf("Data=%v", got.Data)
	}
	got.Data["user"] = "mutated"
	again, _, _ := s.Load(ctx, sess.ID)
	if again.Data["user"] != "u1" {
		t.Fatalf("Load returned shared data")
	}
}

func TestIDsAreUnique(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, Options{})
	var mu sync.Mutex
	seen := map[string]bool{}
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sess, err := s.Create(ctx, nil, 0)
			if err != nil {
				t.Errorf("Create: %v", err)
				return
			}
			mu.Lock()
			seen[sess.ID] = true
			mu.Unlock()
		}()
	}
	wg.Wait()
	if len(seen) != 50 || s.Count(ctx) != 50 {
		t.Fatalf("unique=%d count=%d", len(seen), s.Count(ctx))
	}
}

func TestExpiryAndTouch(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, Options{})
	sess, _ := s.Create(ctx, nil, 40*time.Millisecond)

	time.Sleep(25 * time.Millisecond)
	if _, err := s.Touch(ctx, sess.ID); err != nil {
		t.Fatalf("Touch: %v", err)
	}
	time.Sleep(25 * time.Millisecond)
	if _, ok, _ := s.Load(ctx, sess.ID); !ok {
		t.Fatalf("touched session expired early")
	}
	time.Sleep(60 * time.Millisecond)
	if _, ok, _ := s.Load(ctx, sess.ID); ok {
		t.Fatalf("session should have expired")
	}
	if _, err := s.Touch(ctx, sess.ID); !errors.Is(err, pr.ErrNotFound) {
		t.Fatalf("Touch expired: %v", err)
	}
}

func TestSlidingExpiry(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, Options{Sliding: true})
	sess, _ := s.Create(ctx, nil, 40*time.Millisecond)
	for i := 0; i < 4; i++ {
		time.Sleep(20 * time.Millisecond)
		if _, ok, _ := s.Load(ctx, sess.ID); !ok {
			t.Fatalf("sliding session expired after %d loads", i)
		}
	}
}

func TestRegenerate(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, Options{})
	sess, _ := s.Create(ctx, map[string]any{"cart": 3}, 0)
	nsess, err := s.Regenerate(ctx, sess.ID)
	if err != nil {
		t.Fatalf("Regenerate: %v", err)
	}
	if nsess.ID == sess.ID {
		t.Fatalf("id not regenerated")
	}
	if _, ok, _ := s.Load(ctx, sess.ID); ok {
		t.Fatalf("old id still resolves")
	}
	got, ok, _ := s.Load(ctx, nsess.ID)
	if !ok || got.Data["cart"] != 3 || !got.CreatedAt.Equal(sess.CreatedAt) {
		t.Fatalf("regenerated session=%+v ok=%v", got, ok)
	}
	if _, err := s.Regenerate(ctx, "nope"); !errors.Is(err, pr.ErrNotFound) {
		t.Fatalf("Regenerate unknown: %v", err)
	}
}

func TestDestroyWhereAndFindWhere(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, Options{})
	for _, u := range []string{"alice", "alice", "bob"} {
		_, _ = s.Create(ctx, map[string]any{"user": u}, 0)
	}
	found, _ := s.FindWhere(ctx, "user", "alice")
	if len(found) != 2 {
		t.Fatalf("FindWhere=%d", len(found))
	}
	n, err := s.DestroyWhere(ctx, "user", "alice")
	if err != nil || n != 2 {
		t.Fatalf("DestroyWhere=%d err=%v", n, err)
	}
	if c := s.Count(ctx); c != 1 {
		t.Fatalf("Count=%d", c)
	}
	if err := s.Destroy(ctx, "missing"); !errors.Is(err, pr.ErrNotFound) {
		t.Fatalf("Destroy unknown: %v", err)
	}
}

func TestSaveUnknownIsNotFound(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, Options{})
	if err := s.Save(ctx, &Session{ID: "ghost"}); !errors.Is(err, pr.ErrNotFound) {
		t.Fatalf("Save unknown: %v", err)
	}
	sess, _ := s.Create(ctx, nil, 0)
	sess.Data["k"] = "v"
	if err := s.Save(ctx, sess); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, _, _ := s.Load(ctx, sess.ID)
	if got.Data["k"] != "v" {
		t.Fatalf("Data=%v", got.Data)
	}
}

func TestSweepAndOnExpire(t *testing.T) {
	ctx := context.Background()
	var mu sync.Mutex
	var expired []string
	s := newStore(t, Options{CleanupInterval: 10 * time.Millisecond, OnExpire: func(id string) {
		mu.Lock()
		expired = append(expired, id)
		mu.Unlock()
	}})
	a, _ := s.Create(ctx, nil, 5*time.Millisecond)
	_, _ = s.Create(ctx, nil, time.Hour)
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(expired) != 1 || expired[0] != a.ID {
		t.Fatalf("expired=%v", expired)
	}
	if n, _ := s.Size(ctx); n != 1 {
		t.Fatalf("Size=%d", n)
	}
}

func TestProviderSurface(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, Options{})
	if err := s.Set(ctx, "sid", map[string]any{"a": 1}, 0); err != nil {
		t.Fatal(err)
	}
	if err := s.Set(ctx, "raw", "plain", 0); err != nil {
		t.Fatal(err)
	}
	v, ok, _ := s.Get(ctx, "sid")
	if !ok || v.(map[string]any)["a"] != 1 {
		t.Fatalf("Get map=%v", v)
	}
	v, ok, _ = s.Get(ctx, "raw")
	if !ok || v != "plain" {
		t.Fatalf("Get raw=%v", v)
	}
	if d, _ := s.TTL(ctx, "raw"); d <= 0 {
		t.Fatalf("default TTL not applied: %v", d)
	}
	if ok, _ := s.Delete(ctx, "raw"); !ok {
		t.Fatalf("Delete existing")
	}
	if ok, _ := s.Delete(ctx, "raw"); ok {
		t.Fatalf("Delete twice")
	}
}

func TestDeleteReportsClosedStore(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, Options{})
	if err := s.Set(ctx, "sid", map[string]any{"a": 1}, 0); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(ctx); err != nil {
		t.Fatal(err)
	}
	ok, err := s.Delete(ctx, "sid")
	if ok || !errors.Is(err, pr.ErrClosed) {
		t.Fatalf("Delete after Close ok=%v err=%v", ok, err)
	}
	if err := s.Destroy(ctx, "sid"); !errors.Is(err, pr.ErrClosed) {
		t.Fatalf("Destroy after Close: %v", err)
	}
}

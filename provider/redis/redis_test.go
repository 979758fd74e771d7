package redis

import (
	"context"
	"errors"
	"os"
	"sort"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"

	pr "github.com/unkn0wn-root/polystore/provider"
)

// newProvider connects to POLYSTORE_REDIS_ADDR under a per-test namespace.
func newProvider(t *testing.T) *Redis {
	t.Helper()
	addr := os.Getenv("POLYSTORE_REDIS_ADDR")
	if addr == "" {
		t.Skip("POLYSTORE_REDIS_ADDR not set")
	}
	client := goredis.NewClient(&goredis.Options{Addr: addr})
	if err := client.Ping(context.Background()).Err(); err != nil {
		t.Skipf("redis unavailable: %v", err)
	}
	p, err := New(Config{Client: client, CloseClient: true, Namespace: "polystore-test-" + t.Name(), Timeout: 2 * time.Second})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		_ = p.Clear(context.Background())
		_ = p.Close(context.Background())
	})
	return p
}

func TestNewRejectsNilClient(t *testing.T) {
	if _, err := New(Config{}); !errors.Is(err, ErrNilClient) {
		t.Fatalf("err=%v", err)
	}
}

func TestRoundTrip(t *testing.T) {
	ctx := context.Background()
	p := newProvider(t)
	if err := p.Set(ctx, "k", map[string]any{"n": "v"}, 0); err != nil {
		t.Fatal(err)
	}
	v, ok, err := p.Get(ctx, "k")
	if err != nil || !ok || v.(map[string]any)["n"] != "v" {
		t.Fatalf("Get=%v ok=%v err=%v", v, ok, err)
	}
	if d, _ := p.TTL(ctx, "k"); d != pr.NoExpiry {
		t.Fatalf("TTL=%v", d)
	}
	if ok, _ := p.SetTTL(ctx, "k", time.Minute); !ok {
		t.Fatalf("SetTTL")
	}
	if d, _ := p.TTL(ctx, "k"); d <= 0 {
		t.Fatalf("TTL after SetTTL=%v", d)
	}
	if d, _ := p.TTL(ctx, "missing"); d != pr.Missing {
		t.Fatalf("TTL(missing)=%v", d)
	}
}

func TestBulkAndScan(t *testing.T) {
	ctx := context.Background()
	p := newProvider(t)
	if err := p.SetMany(ctx, map[string]any{"a": 1.0, "b": 2.0, "c": 3.0}, 0); err != nil {
		t.Fatal(err)
	}
	got, err := p.GetMany(ctx, []string{"a", "b", "zz"})
	if err != nil || len(got) != 2 || got["b"] != 2.0 {
		t.Fatalf("GetMany=%v err=%v", got, err)
	}
	keys, _ := p.Keys(ctx)
	sort.Strings(keys)
	if len(keys) != 3 || keys[0] != "a" {
		t.Fatalf("Keys=%v", keys)
	}
	if n, _ := p.DeleteMany(ctx, []string{"a", "zz"}); n != 1 {
		t.Fatalf("DeleteMany=%d", n)
	}
	if err := p.Clear(ctx); err != nil {
		t.Fatal(err)
	}
	if n, _ := p.Size(ctx); n != 0 {
		t.Fatalf("Size=%d", n)
	}
}

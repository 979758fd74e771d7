package genstore

import (
	"context"
	"os"
	"testing"

	"github.com/redis/go-redis/v9"
)

func TestRedisVersions(t *testing.T) {
	addr := os.Getenv("POLYSTORE_REDIS_ADDR")
	if addr == "" {
		t.Skip("POLYSTORE_REDIS_ADDR not set")
	}
	ctx := context.Background()
	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis unavailable: %v", err)
	}

	s := NewRedis(client, "test-"+t.Name())
	t.Cleanup(func() { _ = s.Reset(ctx) })

	for want := uint64(1); want <= 3; want++ {
		got, err := s.Next(ctx, "k")
		if err != nil || got != want {
			t.Fatalf("Next=%d err=%v want %d", got, err, want)
		}
	}
	// a second handle on the same namespace continues the sequence
	if got, _ := NewRedis(client, "test-"+t.Name()).Next(ctx, "k"); got != 4 {
		t.Fatalf("shared Next=%d want 4", got)
	}
	got, err := s.CurrentMany(ctx, []string{"k", "missing"})
	if err != nil || got["k"] != 4 || got["missing"] != 0 {
		t.Fatalf("CurrentMany=%v err=%v", got, err)
	}
	if err := s.Close(ctx); err != nil {
		t.Fatal(err)
	}
	if err := client.Ping(ctx).Err(); err != nil {
		t.Fatalf("Close must leave the client open: %v", err)
	}
}

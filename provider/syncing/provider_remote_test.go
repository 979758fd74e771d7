package syncing

import (
	"context"
	"errors"
	"testing"

	pr "github.com/unkn0wn-root/polystore/provider"
	"github.com/unkn0wn-root/polystore/provider/memory"
)

func TestProviderRemoteRoundTrip(t *testing.T) {
	ctx := context.Background()
	backing, err := memory.New(memory.Options{})
	if err != nil {
		t.Fatal(err)
	}
	defer backing.Close(ctx)
	remote := &ProviderRemote{P: backing}

	a := newStore(t, Options{Remote: remote, Author: "a"})
	if _, err := a.Put(ctx, "k", "v1"); err != nil {
		t.Fatal(err)
	}
	res, err := a.Sync(ctx)
	if err != nil || res.Pushed != 1 {
		t.Fatalf("Sync=%+v err=%v", res, err)
	}
	if ok, _ := backing.Has(ctx, "sync:k"); !ok {
		t.Fatalf("entry not stored under namespace")
	}

	b := newStore(t, Options{Remote: remote, Author: "b"})
	if _, err := b.Pull(ctx); err != nil {
		t.Fatal(err)
	}
	if v, ok, _ := b.Get(ctx, "k"); !ok || v != "v1" {
		t.Fatalf("pulled value=%v ok=%v", v, ok)
	}

	_ = backing.Set(ctx, "sync:bad", "not-a-map", 0)
	if _, err := remote.PullEntries(ctx); !errors.Is(err, pr.ErrCorrupt) {
		t.Fatalf("expected ErrCorrupt, got %v", err)
	}
}

func TestDecodeRemoteNumericVersions(t *testing.T) {
	for _, v := range []any{uint64(3), int64(3), 3, 3.0} {
		e, err := decodeRemote(map[string]any{"value": "x", "version": v})
		if err != nil || e.Version != 3 || !e.Synced {
			t.Fatalf("version %T: %+v err=%v", v, e, err)
		}
	}
}

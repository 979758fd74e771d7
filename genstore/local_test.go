package genstore

import (
	"context"
	"errors"
	"sync"
	"testing"

	pr "github.com/unkn0wn-root/polystore/provider"
)

func TestLocalCurrentManyZeroForUnissued(t *testing.T) {
	ctx := context.Background()
	s := NewLocal()
	defer s.Close(ctx)

	for i := 0; i < 2; i++ {
		if _, err := s.Next(ctx, "b"); err != nil {
			t.Fatal(err)
		}
	}
	got, err := s.CurrentMany(ctx, []string{"a", "b", "c"})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 || got["a"] != 0 || got["b"] != 2 || got["c"] != 0 {
		t.Fatalf("got=%v want a=0,b=2,c=0", got)
	}
	if v, _ := s.Current(ctx, "b"); v != 2 {
		t.Fatalf("Current(b)=%d", v)
	}
}

func TestLocalNextIsStrictlyIncreasingUnderContention(t *testing.T) {
	ctx := context.Background()
	s := NewLocal()
	defer s.Close(ctx)

	const workers, per = 8, 200
	seen := make(chan uint64, workers*per)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < per; i++ {
				v, err := s.Next(ctx, "k")
				if err != nil {
					t.Error(err)
					return
				}
				seen <- v
			}
		}()
	}
	wg.Wait()
	close(seen)

	issued := make(map[uint64]bool, workers*per)
	for v := range seen {
		if issued[v] {
			t.Fatalf("version %d issued twice", v)
		}
		issued[v] = true
	}
	if v, _ := s.Current(ctx, "k"); v != workers*per {
		t.Fatalf("Current=%d want %d", v, workers*per)
	}
}

func TestLocalClosed(t *testing.T) {
	ctx := context.Background()
	s := NewLocal()
	if err := s.Close(ctx); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(ctx); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if _, err := s.Next(ctx, "k"); !errors.Is(err, pr.ErrClosed) {
		t.Fatalf("Next after Close err=%v", err)
	}
}

package file

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/unkn0wn-root/polystore/codec"
	pr "github.com/unkn0wn-root/polystore/provider"
)

func newTestStore(t *testing.T, opts Options) *Store {
	t.Helper()
	if opts.Dir == "" {
		opts.Dir = t.TempDir()
	}
	s, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = s.Close(context.Background()) })
	return s
}

func TestRoundTripAcrossEnvelopes(t *testing.T) {
	ctx := context.Background()
	cases := []struct {
		name string
		opts Options
	}{
		{"plain", Options{}},
		{"compressed", Options{Compress: true}},
		{"encrypted", Options{Password: "hunter22"}},
		{"compressed+encrypted", Options{Compress: true, Password: "hunter22"}},
		{"msgpack", Options{Codec: codec.Msgpack[any]{}, Compress: true}},
	}
	for _, tc := range cases {
		s := newTestStore(t, tc.opts)
		rec := map[string]any{"name": "ada", "tags": []any{"a", "b"}}
		if err := s.Set(ctx, "user/1", rec, 0); err != nil {
			t.Fatalf("%s: Set: %v", tc.name, err)
		}
		v, ok, err := s.Get(ctx, "user/1")
		if err != nil || !ok {
			t.Fatalf("%s: Get ok=%v err=%v", tc.name, ok, err)
		}
		m := v.(map[string]any)
		if m["name"] != "ada" {
			t.Fatalf("%s: got %v", tc.name, m)
		}
	}
}

func TestEncryptedFileIsNotPlaintext(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s := newTestStore(t, Options{Dir: dir, Password: "pw-12345"})
	_ = s.Set(ctx, "k", "top-secret", 0)

	data, err := os.ReadFile(filepath.Join(dir, "k.json"))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if bytes.Contains(data, []byte("top-secret")) {
		t.Fatalf("plaintext leaked into encrypted file")
	}
	if i := bytes.IndexByte(data, ':'); i != 32 {
		t.Fatalf("expected 32 hex chars of IV before ':', got index %d", i)
	}
}

func TestWrongPasswordIsCorrupt(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	w := newTestStore(t, Options{Dir: dir, Password: "right-pass"})
	_ = w.Set(ctx, "k", "v", 0)

	r := newTestStore(t, Options{Dir: dir, Password: "wrong-pass"})
	_, _, err := r.Get(ctx, "k")
	if !errors.Is(err, pr.ErrCorrupt) {
		t.Fatalf("expected ErrCorrupt, got %v", err)
	}
	var ce *pr.CorruptError
	if !errors.As(err, &ce) || ce.Stage == "" {
		t.Fatalf("expected CorruptError with stage, got %v", err)
	}
}

func TestGarbageFileIsCorrupt(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s := newTestStore(t, Options{Dir: dir, Compress: true})
	if err := os.WriteFile(filepath.Join(dir, "bad.json"), []byte("!!not base64!!"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, _, err := s.Get(ctx, "bad"); !errors.Is(err, pr.ErrCorrupt) {
		t.Fatalf("expected ErrCorrupt, got %v", err)
	}
	// corrupt records never break listing
	keys, err := s.Keys(ctx)
	if err != nil || len(keys) != 0 {
		t.Fatalf("Keys=%v err=%v", keys, err)
	}
}

func TestKeysWithSpecialCharacters(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, Options{})
	want := []string{"../etc/passwd", ".hidden", "a b", "plain", "ü"}
	for _, k := range want {
		if err := s.Set(ctx, k, 1, 0); err != nil {
			t.Fatalf("Set %q: %v", k, err)
		}
	}
	got, err := s.Keys(ctx)
	if err != nil {
		t.Fatal(err)
	}
	sort.Strings(got)
	sort.Strings(want)
	if len(got) != len(want) {
		t.Fatalf("Keys=%v want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Keys=%v want %v", got, want)
		}
	}
}

func TestTTLSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s := newTestStore(t, Options{Dir: dir})
	_ = s.Set(ctx, "short", 1, 40*time.Millisecond)
	_ = s.Set(ctx, "long", 2, 0)

	s2 := newTestStore(t, Options{Dir: dir})
	if d, _ := s2.TTL(ctx, "short"); d <= 0 {
		t.Fatalf("TTL after reopen=%v", d)
	}
	if d, _ := s2.TTL(ctx, "long"); d != pr.NoExpiry {
		t.Fatalf("TTL=%v want NoExpiry", d)
	}
	time.Sleep(60 * time.Millisecond)
	if ok, _ := s2.Has(ctx, "short"); ok {
		t.Fatalf("expired record still visible")
	}
	if n, _ := s2.Size(ctx); n != 1 {
		t.Fatalf("Size=%d want 1", n)
	}
}

func TestSweepRemovesExpiredFiles(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	var skipped []string
	s := newTestStore(t, Options{Dir: dir, OnSweepError: func(key string, err error) {
		if errors.Is(err, pr.ErrCorrupt) {
			skipped = append(skipped, key)
		}
	}})
	_ = s.Set(ctx, "a", 1, 10*time.Millisecond)
	_ = s.Set(ctx, "b", 2, 0)
	_ = os.WriteFile(filepath.Join(dir, "junk.json"), []byte("{"), 0o644)
	time.Sleep(30 * time.Millisecond)

	n, err := s.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if n != 1 {
		t.Fatalf("Sweep removed %d, want 1", n)
	}
	if _, err := os.Stat(filepath.Join(dir, "a.json")); !os.IsNotExist(err) {
		t.Fatalf("expired file still on disk")
	}
	if len(skipped) != 1 || skipped[0] != "junk" {
		t.Fatalf("OnSweepError saw %v", skipped)
	}
}

func TestClearKeepsForeignFiles(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s := newTestStore(t, Options{Dir: dir})
	_ = s.Set(ctx, "a", 1, 0)
	_ = os.WriteFile(filepath.Join(dir, "README.txt"), []byte("x"), 0o644)
	if err := s.Clear(ctx); err != nil {
		t.Fatal(err)
	}
	if n, _ := s.Size(ctx); n != 0 {
		t.Fatalf("Size after Clear=%d", n)
	}
	if _, err := os.Stat(filepath.Join(dir, "README.txt")); err != nil {
		t.Fatalf("foreign file removed: %v", err)
	}
}

func TestAdvisoryLock(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, Options{})
	opts := LockOptions{Timeout: time.Second, MaxWait: 60 * time.Millisecond, PollInterval: 10 * time.Millisecond}

	if err := s.Lock(ctx, "k", opts); err != nil {
		t.Fatalf("first Lock: %v", err)
	}
	err := s.Lock(ctx, "k", opts)
	if !errors.Is(err, pr.ErrLockTimeout) {
		t.Fatalf("second Lock should time out, got %v", err)
	}
	if err := s.Unlock("k"); err != nil {
		t.Fatalf("Unlock: %v", err)
	}
	if err := s.Lock(ctx, "k", opts); err != nil {
		t.Fatalf("Lock after Unlock: %v", err)
	}
}

func TestAdvisoryLockAutoRelease(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, Options{})

	if err := s.Lock(ctx, "k", LockOptions{Timeout: 30 * time.Millisecond}); err != nil {
		t.Fatal(err)
	}
	err := s.Lock(ctx, "k", LockOptions{Timeout: time.Second, MaxWait: time.Second, PollInterval: 5 * time.Millisecond})
	if err != nil {
		t.Fatalf("lock should be released by its timeout: %v", err)
	}
}

func TestNameEncoding(t *testing.T) {
	for _, k := range []string{"a", "a/b", "..", ".x", "50%", "x.y"} {
		n := encodeName(k)
		back, ok := decodeName(n)
		if !ok || back != k {
			t.Fatalf("%q -> %q -> %q (%v)", k, n, back, ok)
		}
		if n == "." || n == ".." || n[0] == '.' {
			t.Fatalf("%q encoded to unsafe name %q", k, n)
		}
	}
}

package sloghooks

import (
	"bytes"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/unkn0wn-root/polystore/internal/keys"
)

func newLogger() (*slog.Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	h := slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	return slog.New(h), &buf
}

func TestRedactsKeysByDefault(t *testing.T) {
	l, buf := newLogger()
	h := New(l, Options{})
	h.ReplicationFailed("disk", "user:42", errors.New("boom"))

	out := buf.String()
	if strings.Contains(out, "user:42") {
		t.Fatalf("raw key leaked: %s", out)
	}
	if !strings.Contains(out, keys.Digest("user:42")) || !strings.Contains(out, "err=boom") {
		t.Fatalf("unexpected line: %s", out)
	}
}

func TestRawKeysAndCustomRedact(t *testing.T) {
	l, buf := newLogger()
	New(l, Options{RawKeys: true, Redact: func(string) string { return "x" }}).Expired("session", "sid-1")
	if !strings.Contains(buf.String(), "key=sid-1") {
		t.Fatalf("RawKeys ignored: %s", buf.String())
	}

	buf.Reset()
	New(l, Options{Redact: func(string) string { return "hidden" }}).Expired("session", "sid-1")
	if !strings.Contains(buf.String(), "key=hidden") {
		t.Fatalf("Redact ignored: %s", buf.String())
	}
}

func TestEvictionSampling(t *testing.T) {
	l, buf := newLogger()
	h := New(l, Options{EvictedEvery: 3, RawKeys: true})
	for i := 0; i < 9; i++ {
		h.Evicted("cache", "k", "capacity")
	}
	if n := strings.Count(buf.String(), "polystore.evicted"); n != 3 {
		t.Fatalf("logged %d evictions, want 3", n)
	}
}

func TestNilLogger(t *testing.T) {
	h := New(nil, Options{})
	h.Evicted("a", "b", "c")
	h.SweepError("a", "b", errors.New("x"))
	h.MigrationApplied("m")
}

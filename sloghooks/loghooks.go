// Package sloghooks logs polystore.Hooks events through log/slog.
package sloghooks

import (
	"log/slog"
	"sync/atomic"

	"github.com/unkn0wn-root/polystore"
	"github.com/unkn0wn-root/polystore/internal/keys"
)

type Options struct {
	// Sampling to avoid floods; 0/1 = log all.
	EvictedEvery uint64
	ExpiredEvery uint64
	// Optional key redactor. Defaults to a SHA-256 prefix.
	Redact func(string) string
	// RawKeys logs keys unchanged; Redact is ignored.
	RawKeys bool
}

type Hooks struct {
	l    *slog.Logger
	opts Options

	evictedCtr atomic.Uint64
	expiredCtr atomic.Uint64
}

var _ polystore.Hooks = (*Hooks)(nil)

func New(l *slog.Logger, opts Options) *Hooks {
	return &Hooks{l: l, opts: opts}
}

func (h *Hooks) redact(k string) string {
	switch {
	case h.opts.RawKeys:
		return k
	case h.opts.Redact != nil:
		return h.opts.Redact(k)
	}
	return keys.Digest(k)
}

func sample(n uint64, ctr *atomic.Uint64) bool {
	if n == 0 || n == 1 {
		return true
	}
	return ctr.Add(1)%n == 0
}

func (h *Hooks) Evicted(backend, key, reason string) {
	if h.l == nil || !sample(h.opts.EvictedEvery, &h.evictedCtr) {
		return
	}
	h.l.Debug("polystore.evicted",
		"backend", backend,
		"key", h.redact(key),
		"reason", reason)
}

func (h *Hooks) Expired(backend, key string) {
	if h.l == nil || !sample(h.opts.ExpiredEvery, &h.expiredCtr) {
		return
	}
	h.l.Debug("polystore.expired",
		"backend", backend,
		"key", h.redact(key))
}

func (h *Hooks) ReplicationFailed(target, key string, err error) {
	if h.l == nil {
		return
	}
	h.l.Warn("polystore.replication_failed",
		"target", target,
		"key", h.redact(key),
		"err", err)
}

func (h *Hooks) FallbackRead(primary, fallback, key string, err error) {
	if h.l == nil {
		return
	}
	h.l.Warn("polystore.fallback_read",
		"primary", primary,
		"fallback", fallback,
		"key", h.redact(key),
		"err", err)
}

// ConflictDetected logs the key only; values may be sensitive.
func (h *Hooks) ConflictDetected(key string, _, _ any) {
	if h.l == nil {
		return
	}
	h.l.Info("polystore.conflict_detected",
		"key", h.redact(key))
}

func (h *Hooks) SweepError(backend, key string, err error) {
	if h.l == nil {
		return
	}
	h.l.Error("polystore.sweep_error",
		"backend", backend,
		"key", h.redact(key),
		"err", err)
}

func (h *Hooks) MigrationApplied(name string) {
	if h.l == nil {
		return
	}
	h.l.Info("polystore.migration_applied",
		"migration", name)
}

// Package provider defines the storage contract shared by every polystore backend.
//
// A Provider is a key/value store with optional per-key TTL. Values are opaque:
// byte slices, strings, numbers or structured records (map[string]any). Backends
// copy values at their boundary, so an entry is never shared by reference between
// two backends or between a backend and its caller.
//
// Implementations MUST be safe for concurrent use. Operations on the same key must
// appear serialized; operations on different keys have no ordering guarantee.
package provider

import (
	"context"
	"time"
)

const (
	// NoExpiry is reported by TTL for keys that never expire.
	NoExpiry time.Duration = -1
	// Missing is reported by TTL for keys that are absent or already expired.
	Missing time.Duration = -2
)

// Provider is the uniform backend contract.
type Provider interface {
	// Get returns (value, true, nil) on hit; (nil, false, nil) on miss.
	// Backend failures return (nil, false, err).
	Get(ctx context.Context, key string) (any, bool, error)

	// Set stores value under key. ttl <= 0 means the backend default
	// (which is usually "no expiry").
	Set(ctx context.Context, key string, value any, ttl time.Duration) error

	// Delete removes key and reports whether it existed.
	Delete(ctx context.Context, key string) (bool, error)

	// Has reports whether a live (non-expired) entry exists for key.
	Has(ctx context.Context, key string) (bool, error)

	// Clear removes every entry.
	Clear(ctx context.Context) error

	// Keys returns the live keys. Order is backend specific.
	Keys(ctx context.Context) ([]string, error)

	// Size returns the number of live entries.
	Size(ctx context.Context) (int, error)

	// Close releases timers and resources. Safe to call more than once.
	Close(ctx context.Context) error
}

// BulkProvider is implemented by backends with native multi-key operations.
type BulkProvider interface {
	GetMany(ctx context.Context, keys []string) (map[string]any, error)
	SetMany(ctx context.Context, items map[string]any, ttl time.Duration) error
	DeleteMany(ctx context.Context, keys []string) (int, error)
}

// TTLProvider is implemented by backends that can report and change expiry.
type TTLProvider interface {
	// SetTTL changes the expiry of an existing key. ttl <= 0 removes expiry.
	// Returns false if the key is absent.
	SetTTL(ctx context.Context, key string, ttl time.Duration) (bool, error)
	// TTL returns the remaining lifetime, NoExpiry or Missing.
	TTL(ctx context.Context, key string) (time.Duration, error)
}

// GetMany fetches keys from p, using BulkProvider when available.
// Missing keys are absent from the result.
func GetMany(ctx context.Context, p Provider, keys []string) (map[string]any, error) {
	if bp, ok := p.(BulkProvider); ok {
		return bp.GetMany(ctx, keys)
	}
	out := make(map[string]any, len(keys))
	for _, k := range keys {
		v, ok, err := p.Get(ctx, k)
		if err != nil {
			return out, err
		}
		if ok {
			out[k] = v
		}
	}
	return out, nil
}

// SetMany stores items in p, using BulkProvider when available.
func SetMany(ctx context.Context, p Provider, items map[string]any, ttl time.Duration) error {
	if bp, ok := p.(BulkProvider); ok {
		return bp.SetMany(ctx, items, ttl)
	}
	for k, v := range items {
		if err := p.Set(ctx, k, v, ttl); err != nil {
			return err
		}
	}
	return nil
}

// DeleteMany removes keys from p and returns how many existed.
func DeleteMany(ctx context.Context, p Provider, keys []string) (int, error) {
	if bp, ok := p.(BulkProvider); ok {
		return bp.DeleteMany(ctx, keys)
	}
	n := 0
	for _, k := range keys {
		ok, err := p.Delete(ctx, k)
		if err != nil {
			return n, err
		}
		if ok {
			n++
		}
	}
	return n, nil
}

// RemainingTTL converts an absolute expiry into the TTL contract values.
func RemainingTTL(expiresAt, now time.Time) time.Duration {
	if expiresAt.IsZero() {
		return NoExpiry
	}
	d := expiresAt.Sub(now)
	if d <= 0 {
		return Missing
	}
	return d
}

// ExpiresAt returns the absolute expiry for ttl, or the zero time if ttl <= 0.
func ExpiresAt(now time.Time, ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return now.Add(ttl)
}

package provider

import (
	"encoding/json"
	"time"
)

// Entry is the unit a backend stores: the value plus its metadata.
type Entry struct {
	Value       any
	CreatedAt   time.Time
	ExpiresAt   time.Time // zero => no expiry
	AccessCount int64
}

// NewEntry builds an entry created at now that expires after ttl (ttl <= 0 => never).
func NewEntry(value any, now time.Time, ttl time.Duration) Entry {
	return Entry{
		Value:     value,
		CreatedAt: now,
		ExpiresAt: ExpiresAt(now, ttl),
	}
}

// Expired reports whether the entry has an expiry at or before now.
func (e Entry) Expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && !now.Before(e.ExpiresAt)
}

// Clone returns a deep copy of v for maps, slices and byte slices.
// Other values are returned as-is (they are immutable or not ours to copy).
func Clone(v any) any {
	switch t := v.(type) {
	case []byte:
		if t == nil {
			return []byte(nil)
		}
		out := make([]byte, len(t))
		copy(out, t)
		return out
	case map[string]any:
		if t == nil {
			return map[string]any(nil)
		}
		out := make(map[string]any, len(t))
		for k, vv := range t {
			out[k] = Clone(vv)
		}
		return out
	case []any:
		if t == nil {
			return []any(nil)
		}
		out := make([]any, len(t))
		for i, vv := range t {
			out[i] = Clone(vv)
		}
		return out
	case []string:
		return append([]string(nil), t...)
	default:
		return v
	}
}

// EstimateSize approximates the in-memory footprint of v in bytes.
// Primitives have a fixed cost, text costs two bytes per byte of input and
// structured values cost twice their JSON length.
func EstimateSize(v any) int64 {
	switch t := v.(type) {
	case nil:
		return 0
	case bool:
		return 4
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64:
		return 8
	case string:
		return int64(len(t)) * 2
	case []byte:
		return int64(len(t))
	case time.Time:
		return 8
	default:
		b, err := json.Marshal(t)
		if err != nil {
			// unencodable values still occupy memory; charge a flat cost
			return 1024
		}
		return int64(len(b)) * 2
	}
}

package syncing

import (
	"context"
	"fmt"
	"time"

	"github.com/unkn0wn-root/polystore/internal/keys"
	pr "github.com/unkn0wn-root/polystore/provider"
)

// ProviderRemote uses any backend (redis, badger, a file store) as the remote
// side. Entries are stored as plain maps under Namespace:key so they survive a
// JSON or msgpack round trip.
type ProviderRemote struct {
	P         pr.Provider
	Namespace string // "" => "sync"
}

var _ Remote = (*ProviderRemote)(nil)

func (r *ProviderRemote) ns() string {
	if r.Namespace == "" {
		return "sync"
	}
	return r.Namespace
}

func (r *ProviderRemote) PushEntry(ctx context.Context, key string, e Entry) error {
	return r.P.Set(ctx, keys.Join(r.ns(), key), map[string]any{
		"value":     e.Value,
		"version":   e.Version,
		"timestamp": e.Timestamp.UTC().Format(time.RFC3339Nano),
		"author":    e.Author,
		"deleted":   e.Deleted,
	}, 0)
}

func (r *ProviderRemote) PullEntries(ctx context.Context) ([]RemoteEntry, error) {
	all, err := r.P.Keys(ctx)
	if err != nil {
		return nil, err
	}
	mine := keys.Filter(r.ns(), all)
	full := make([]string, len(mine))
	for i, k := range mine {
		full[i] = keys.Join(r.ns(), k)
	}
	vals, err := pr.GetMany(ctx, r.P, full)
	if err != nil {
		return nil, err
	}
	out := make([]RemoteEntry, 0, len(vals))
	for i, k := range mine {
		raw, ok := vals[full[i]]
		if !ok {
			continue
		}
		e, err := decodeRemote(raw)
		if err != nil {
			return nil, &pr.CorruptError{Key: k, Stage: "decode", Err: err}
		}
		out = append(out, RemoteEntry{Key: k, Entry: e})
	}
	return out, nil
}

func decodeRemote(raw any) (Entry, error) {
	m, ok := raw.(map[string]any)
	if !ok {
		return Entry{}, fmt.Errorf("want map, got %T", raw)
	}
	var e Entry
	e.Value = m["value"]
	switch v := m["version"].(type) {
	case uint64:
		e.Version = v
	case int64:
		e.Version = uint64(v)
	case int:
		e.Version = uint64(v)
	case float64:
		e.Version = uint64(v)
	default:
		return Entry{}, fmt.Errorf("bad version %T", m["version"])
	}
	if ts, _ := m["timestamp"].(string); ts != "" {
		t, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return Entry{}, err
		}
		e.Timestamp = t
	}
	e.Author, _ = m["author"].(string)
	e.Deleted, _ = m["deleted"].(bool)
	e.Synced = true
	return e, nil
}

package polystore

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/unkn0wn-root/polystore/codec"
	pr "github.com/unkn0wn-root/polystore/provider"
)

const defaultBatchSize = 100

type MigrateOptions struct {
	BatchSize   int  // 0 => 100
	ClearSource bool // clear from only after every batch was copied
}

// Migrate copies every key of from into to in batches and returns how many
// were copied. When both sides support TTLs the remaining TTL is carried over.
// It is not transactional with respect to concurrent writers.
func (m *Manager) Migrate(ctx context.Context, from, to string, opts MigrateOptions) (int, error) {
	fromName, src, err := m.resolve(from)
	if err != nil {
		return 0, err
	}
	toName, dst, err := m.resolve(to)
	if err != nil {
		return 0, err
	}
	if fromName == toName {
		return 0, fmt.Errorf("polystore: migrate %q onto itself", fromName)
	}
	keys, err := src.Keys(ctx)
	if err != nil {
		return 0, fmt.Errorf("polystore: migrate: list %q: %w", fromName, err)
	}
	batch := coalesce(opts.BatchSize, defaultBatchSize)
	srcTTL, _ := src.(pr.TTLProvider)

	copied := 0
	for start := 0; start < len(keys); start += batch {
		if err := ctx.Err(); err != nil {
			return copied, err
		}
		chunk := keys[start:min(start+batch, len(keys))]
		items, err := pr.GetMany(ctx, src, chunk)
		if err != nil {
			return copied, fmt.Errorf("polystore: migrate: read batch: %w", err)
		}
		if srcTTL == nil {
			if err := pr.SetMany(ctx, dst, items, 0); err != nil {
				return copied, fmt.Errorf("polystore: migrate: write batch: %w", err)
			}
			copied += len(items)
			continue
		}
		for k, v := range items {
			ttl, err := srcTTL.TTL(ctx, k)
			if err != nil {
				return copied, fmt.Errorf("polystore: migrate: ttl %q: %w", k, err)
			}
			if ttl == pr.Missing {
				continue // expired since the batch read
			}
			if ttl == pr.NoExpiry {
				ttl = 0
			}
			if err := dst.Set(ctx, k, v, ttl); err != nil {
				return copied, fmt.Errorf("polystore: migrate: write %q: %w", k, err)
			}
			copied++
		}
	}

	if opts.ClearSource {
		if err := src.Clear(ctx); err != nil {
			return copied, fmt.Errorf("polystore: migrate: clear %q: %w", fromName, err)
		}
	}
	m.log.Info("polystore: migrated", Fields{"from": fromName, "to": toName, "count": copied})
	return copied, nil
}

type SyncResult struct {
	Added   int
	Deleted int
}

// Sync makes target's key set follow source's: keys only in source are
// copied, and with deleteMissing keys only in target are removed. Values of
// keys present on both sides are left alone.
func (m *Manager) Sync(ctx context.Context, source, target string, deleteMissing bool) (SyncResult, error) {
	var res SyncResult
	_, src, err := m.resolve(source)
	if err != nil {
		return res, err
	}
	_, dst, err := m.resolve(target)
	if err != nil {
		return res, err
	}
	srcKeys, err := src.Keys(ctx)
	if err != nil {
		return res, err
	}
	dstKeys, err := dst.Keys(ctx)
	if err != nil {
		return res, err
	}

	add := difference(srcKeys, dstKeys)
	if len(add) > 0 {
		items, err := pr.GetMany(ctx, src, add)
		if err != nil {
			return res, err
		}
		if err := pr.SetMany(ctx, dst, items, 0); err != nil {
			return res, err
		}
		res.Added = len(items)
	}
	if deleteMissing {
		if del := difference(dstKeys, srcKeys); len(del) > 0 {
			n, err := pr.DeleteMany(ctx, dst, del)
			res.Deleted = n
			if err != nil {
				return res, err
			}
		}
	}
	return res, nil
}

// difference returns a - b, keeping a's order.
func difference(a, b []string) []string {
	in := make(map[string]struct{}, len(b))
	for _, k := range b {
		in[k] = struct{}{}
	}
	var out []string
	for _, k := range a {
		if _, ok := in[k]; !ok {
			out = append(out, k)
		}
	}
	return out
}

// Export is the portable dump format.
type Export struct {
	Version    string         `json:"version"`
	ExportedAt time.Time      `json:"exportedAt"`
	Items      map[string]any `json:"items"`
}

// Export snapshots every live key of backend ("" for the default).
func (m *Manager) Export(ctx context.Context, backend string) (*Export, error) {
	_, p, err := m.resolve(backend)
	if err != nil {
		return nil, err
	}
	keys, err := p.Keys(ctx)
	if err != nil {
		return nil, err
	}
	items, err := pr.GetMany(ctx, p, keys)
	if err != nil {
		return nil, err
	}
	return &Export{Version: m.version, ExportedAt: time.Now().UTC(), Items: items}, nil
}

// ExportTo writes Export(backend) as JSON.
func (m *Manager) ExportTo(ctx context.Context, w io.Writer, backend string) error {
	exp, err := m.Export(ctx, backend)
	if err != nil {
		return err
	}
	b, err := codec.JSON[*Export]{}.Encode(exp)
	if err != nil {
		return fmt.Errorf("polystore: encode export: %w", err)
	}
	_, err = w.Write(b)
	return err
}

type ImportOptions struct {
	Clear bool // clear the backend first
	TTL   time.Duration
}

// Import writes every item of exp into backend and returns the item count.
func (m *Manager) Import(ctx context.Context, backend string, exp *Export, opts ImportOptions) (int, error) {
	if exp == nil {
		return 0, fmt.Errorf("polystore: import: nil export")
	}
	_, p, err := m.resolve(backend)
	if err != nil {
		return 0, err
	}
	if opts.Clear {
		if err := p.Clear(ctx); err != nil {
			return 0, err
		}
	}
	if err := pr.SetMany(ctx, p, exp.Items, opts.TTL); err != nil {
		return 0, err
	}
	return len(exp.Items), nil
}

// ImportFrom reads a JSON export from r and imports it.
func (m *Manager) ImportFrom(ctx context.Context, r io.Reader, backend string, opts ImportOptions) (int, error) {
	b, err := io.ReadAll(r)
	if err != nil {
		return 0, err
	}
	exp, err := codec.JSON[*Export]{}.Decode(b)
	if err != nil {
		return 0, &pr.CorruptError{Key: "export", Stage: "decode", Err: err}
	}
	return m.Import(ctx, backend, exp, opts)
}

package polystore

import (
	"context"
	"time"

	"github.com/unkn0wn-root/polystore/internal/keys"
)

// Namespace is a prefixed view over a Manager. Keys are stored as
// prefix:key; Keys and Clear only see keys inside the prefix.
type Namespace struct {
	m      *Manager
	prefix string
}

func (m *Manager) Namespace(prefix string) *Namespace {
	return &Namespace{m: m, prefix: prefix}
}

func (n *Namespace) Prefix() string { return n.prefix }

func (n *Namespace) key(k string) string { return keys.Join(n.prefix, k) }

func (n *Namespace) Get(ctx context.Context, key string, opts ...Option) (any, bool, error) {
	return n.m.Get(ctx, n.key(key), opts...)
}

func (n *Namespace) Set(ctx context.Context, key string, value any, ttl time.Duration, opts ...Option) error {
	return n.m.Set(ctx, n.key(key), value, ttl, opts...)
}

func (n *Namespace) Delete(ctx context.Context, key string, opts ...Option) (bool, error) {
	return n.m.Delete(ctx, n.key(key), opts...)
}

func (n *Namespace) Has(ctx context.Context, key string, opts ...Option) (bool, error) {
	return n.m.Has(ctx, n.key(key), opts...)
}

// Keys returns the namespace's keys without the prefix.
func (n *Namespace) Keys(ctx context.Context, opts ...Option) ([]string, error) {
	all, err := n.m.Keys(ctx, opts...)
	if err != nil {
		return nil, err
	}
	return keys.Filter(n.prefix, all), nil
}

func (n *Namespace) Size(ctx context.Context, opts ...Option) (int, error) {
	ks, err := n.Keys(ctx, opts...)
	return len(ks), err
}

// Clear deletes only the keys inside the namespace.
func (n *Namespace) Clear(ctx context.Context, opts ...Option) error {
	ks, err := n.Keys(ctx, opts...)
	if err != nil {
		return err
	}
	full := make([]string, len(ks))
	for i, k := range ks {
		full[i] = n.key(k)
	}
	_, err = n.m.DeleteMany(ctx, full, opts...)
	return err
}

func (n *Namespace) GetMany(ctx context.Context, ks []string, opts ...Option) (map[string]any, error) {
	full := make([]string, len(ks))
	for i, k := range ks {
		full[i] = n.key(k)
	}
	got, err := n.m.GetMany(ctx, full, opts...)
	if err != nil {
		return nil, err
	}
	out := make(map[string]any, len(got))
	for k, v := range got {
		if s, ok := keys.Strip(n.prefix, k); ok {
			out[s] = v
		}
	}
	return out, nil
}

func (n *Namespace) SetMany(ctx context.Context, items map[string]any, opts ...Option) error {
	full := make(map[string]any, len(items))
	for k, v := range items {
		full[n.key(k)] = v
	}
	return n.m.SetMany(ctx, full, opts...)
}

// Namespace nests: n.Namespace("b") stores under prefix:b:key.
func (n *Namespace) Namespace(prefix string) *Namespace {
	return &Namespace{m: n.m, prefix: keys.Join(n.prefix, prefix)}
}

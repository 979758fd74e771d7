// Package bigcache is an off-heap byte cache backend on allegro/bigcache.
//
// BigCache only stores bytes and evicts by a global LifeWindow, so each value
// is encoded with a codec and framed with its own expiry (internal/wire).
// Entries expire at the earlier of the two.
package bigcache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	bc "github.com/allegro/bigcache/v3"

	"github.com/unkn0wn-root/polystore/codec"
	"github.com/unkn0wn-root/polystore/internal/wire"
	pr "github.com/unkn0wn-root/polystore/provider"
)

type Config struct {
	LifeWindow         time.Duration // global upper bound on entry lifetime; 0 => 24h
	CleanWindow        time.Duration
	Shards             int
	MaxEntriesInWindow int
	MaxEntrySize       int
	HardMaxCacheSizeMB int // ~ memory limit; 0 = unlimited
	Codec              codec.Codec[any]
	Logger             pr.Logger
}

type Provider struct {
	c     *bc.BigCache
	codec codec.Codec[any]
	log   pr.Logger
	once  sync.Once
}

var (
	_ pr.Provider    = (*Provider)(nil)
	_ pr.TTLProvider = (*Provider)(nil)
)

func New(cfg Config) (*Provider, error) {
	life := cfg.LifeWindow
	if life <= 0 {
		life = 24 * time.Hour
	}
	conf := bc.DefaultConfig(life)
	conf.Verbose = false
	if cfg.CleanWindow > 0 {
		conf.CleanWindow = cfg.CleanWindow
	}
	if cfg.Shards > 0 {
		conf.Shards = cfg.Shards
	}
	if cfg.MaxEntriesInWindow > 0 {
		conf.MaxEntriesInWindow = cfg.MaxEntriesInWindow
	}
	if cfg.MaxEntrySize > 0 {
		conf.MaxEntrySize = cfg.MaxEntrySize
	}
	if cfg.HardMaxCacheSizeMB > 0 {
		conf.HardMaxCacheSize = cfg.HardMaxCacheSizeMB
	}
	c, err := bc.New(context.Background(), conf)
	if err != nil {
		return nil, fmt.Errorf("bigcache: %w", err)
	}
	p := &Provider{c: c, codec: cfg.Codec, log: pr.OrNop(cfg.Logger)}
	if p.codec == nil {
		p.codec = codec.JSON[any]{}
	}
	return p, nil
}

// load returns the live frame for key. Expired or corrupt frames are deleted.
func (p *Provider) load(key string, now time.Time) (any, wire.Frame, bool, error) {
	b, err := p.c.Get(key)
	if errors.Is(err, bc.ErrEntryNotFound) {
		return nil, wire.Frame{}, false, nil
	}
	if err != nil {
		return nil, wire.Frame{}, false, fmt.Errorf("bigcache: get %q: %w", key, err)
	}
	v, f, live, err := wire.Unpack(p.codec, key, b, now)
	if err != nil || !live {
		_ = p.c.Delete(key)
	}
	return v, f, live, err
}

func (p *Provider) Get(_ context.Context, key string) (any, bool, error) {
	v, _, ok, err := p.load(key, time.Now())
	return v, ok, err
}

// Set stores value; ttl <= 0 keeps it until LifeWindow.
func (p *Provider) Set(_ context.Context, key string, value any, ttl time.Duration) error {
	if key == "" {
		return pr.ErrInvalidKey
	}
	b, err := wire.Pack(p.codec, value, time.Now(), ttl)
	if err != nil {
		return fmt.Errorf("bigcache: encode %q: %w", key, err)
	}
	if err := p.c.Set(key, b); err != nil {
		return fmt.Errorf("bigcache: set %q: %w", key, err)
	}
	return nil
}

func (p *Provider) Delete(_ context.Context, key string) (bool, error) {
	err := p.c.Delete(key)
	if errors.Is(err, bc.ErrEntryNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("bigcache: delete %q: %w", key, err)
	}
	return true, nil
}

func (p *Provider) Has(ctx context.Context, key string) (bool, error) {
	_, ok, err := p.Get(ctx, key)
	return ok, err
}

func (p *Provider) Clear(_ context.Context) error {
	return p.c.Reset()
}

// Keys walks every shard. Expired and corrupt frames are skipped, not removed.
func (p *Provider) Keys(_ context.Context) ([]string, error) {
	now := time.Now()
	out := make([]string, 0, p.c.Len())
	it := p.c.Iterator()
	for it.SetNext() {
		info, err := it.Value()
		if err != nil {
			// entry removed while iterating
			continue
		}
		f, err := wire.DecodeEntry(info.Value())
		if err != nil {
			p.log.Warn("bigcache: corrupt frame", pr.Fields{"key": info.Key(), "err": err})
			continue
		}
		if !f.Expired(now) {
			out = append(out, info.Key())
		}
	}
	return out, nil
}

func (p *Provider) Size(ctx context.Context) (int, error) {
	ks, err := p.Keys(ctx)
	return len(ks), err
}

// SetTTL re-frames the stored payload with a new expiry.
func (p *Provider) SetTTL(_ context.Context, key string, ttl time.Duration) (bool, error) {
	now := time.Now()
	_, f, ok, err := p.load(key, now)
	if err != nil || !ok {
		return false, err
	}
	b := wire.EncodeEntry(f.CreatedAt, pr.ExpiresAt(now, ttl), f.Payload)
	if err := p.c.Set(key, b); err != nil {
		return false, fmt.Errorf("bigcache: set %q: %w", key, err)
	}
	return true, nil
}

func (p *Provider) TTL(_ context.Context, key string) (time.Duration, error) {
	now := time.Now()
	_, f, ok, err := p.load(key, now)
	if err != nil || !ok {
		return pr.Missing, err
	}
	return pr.RemainingTTL(f.ExpiresAt, now), nil
}

// Stats exposes BigCache's own hit/miss/collision counters.
func (p *Provider) Stats() bc.Stats { return p.c.Stats() }

func (p *Provider) Close(_ context.Context) error {
	var err error
	p.once.Do(func() { err = p.c.Close() })
	return err
}

// Package redis is a remote backend over go-redis v9.
//
// Values are encoded with a codec (JSON by default) and stored as plain
// strings under Namespace+":"+key, so expiry is Redis' own. Keys and Clear use
// SCAN over the namespace and never FLUSHDB.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/unkn0wn-root/polystore/codec"
	"github.com/unkn0wn-root/polystore/internal/keys"
	pr "github.com/unkn0wn-root/polystore/provider"
)

var ErrNilClient = errors.New("redis provider: nil client")

const (
	defaultMaxDecode = 8 << 20
	scanCount        = 500
)

type Config struct {
	Client      goredis.UniversalClient
	CloseClient bool   // set true only if this provider exclusively owns the client
	Namespace   string // key prefix; default "polystore"
	Codec       codec.Codec[any]
	// MaxDecode bounds the size of a value read back; 0 => 8 MiB, < 0 disables.
	MaxDecode int
	// Timeout bounds every call; 0 leaves the caller's context alone.
	Timeout time.Duration
	Logger  pr.Logger
}

type Redis struct {
	rdb         goredis.UniversalClient
	closeClient bool
	ns          string
	codec       codec.Codec[any]
	timeout     time.Duration
	log         pr.Logger
}

var (
	_ pr.Provider     = (*Redis)(nil)
	_ pr.BulkProvider = (*Redis)(nil)
	_ pr.TTLProvider  = (*Redis)(nil)
)

func New(cfg Config) (*Redis, error) {
	if cfg.Client == nil {
		return nil, ErrNilClient
	}
	inner := cfg.Codec
	if inner == nil {
		inner = codec.JSON[any]{}
	}
	maxDecode := cfg.MaxDecode
	if maxDecode == 0 {
		maxDecode = defaultMaxDecode
	}
	ns := cfg.Namespace
	if ns == "" {
		ns = "polystore"
	}
	return &Redis{
		rdb:         cfg.Client,
		closeClient: cfg.CloseClient,
		ns:          ns,
		codec:       codec.Limit[any]{Inner: inner, MaxDecode: maxDecode},
		timeout:     cfg.Timeout,
		log:         pr.OrNop(cfg.Logger),
	}, nil
}

func (p *Redis) key(k string) string { return keys.Join(p.ns, k) }

// Client exposes the underlying client, e.g. for a genstore.Redis sharing it.
func (p *Redis) Client() goredis.UniversalClient { return p.rdb }

func (p *Redis) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if p.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, p.timeout)
}

func (p *Redis) decode(key string, b []byte) (any, error) {
	v, err := p.codec.Decode(b)
	if err != nil {
		return nil, &pr.CorruptError{Key: key, Stage: "decode", Err: err}
	}
	return v, nil
}

func (p *Redis) Get(ctx context.Context, key string) (any, bool, error) {
	ctx, cancel := p.bound(ctx)
	defer cancel()
	b, err := p.rdb.Get(ctx, p.key(key)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, false, nil // miss
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis: get %q: %w", key, err)
	}
	v, err := p.decode(key, b)
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

// Set stores value. Non-positive TTLs mean "no expiry".
func (p *Redis) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	if key == "" {
		return pr.ErrInvalidKey
	}
	if ttl < 0 {
		ttl = 0
	}
	b, err := p.codec.Encode(value)
	if err != nil {
		return fmt.Errorf("redis: encode %q: %w", key, err)
	}
	ctx, cancel := p.bound(ctx)
	defer cancel()
	if err := p.rdb.Set(ctx, p.key(key), b, ttl).Err(); err != nil {
		return fmt.Errorf("redis: set %q: %w", key, err)
	}
	return nil
}

func (p *Redis) Delete(ctx context.Context, key string) (bool, error) {
	ctx, cancel := p.bound(ctx)
	defer cancel()
	n, err := p.rdb.Del(ctx, p.key(key)).Result()
	if err != nil {
		return false, fmt.Errorf("redis: del %q: %w", key, err)
	}
	return n > 0, nil
}

func (p *Redis) Has(ctx context.Context, key string) (bool, error) {
	ctx, cancel := p.bound(ctx)
	defer cancel()
	n, err := p.rdb.Exists(ctx, p.key(key)).Result()
	if err != nil {
		return false, fmt.Errorf("redis: exists %q: %w", key, err)
	}
	return n > 0, nil
}

// scan returns the full Redis keys under the namespace.
func (p *Redis) scan(ctx context.Context) ([]string, error) {
	var (
		out    []string
		cursor uint64
	)
	match := p.key("*")
	for {
		batch, next, err := p.rdb.Scan(ctx, cursor, match, scanCount).Result()
		if err != nil {
			return nil, fmt.Errorf("redis: scan: %w", err)
		}
		out = append(out, batch...)
		if next == 0 {
			return out, nil
		}
		cursor = next
	}
}

// Clear deletes every key in the namespace.
func (p *Redis) Clear(ctx context.Context) error {
	ctx, cancel := p.bound(ctx)
	defer cancel()
	all, err := p.scan(ctx)
	if err != nil {
		return err
	}
	for len(all) > 0 {
		n := min(len(all), scanCount)
		if err := p.rdb.Del(ctx, all[:n]...).Err(); err != nil {
			return fmt.Errorf("redis: clear: %w", err)
		}
		all = all[n:]
	}
	return nil
}

func (p *Redis) Keys(ctx context.Context) ([]string, error) {
	ctx, cancel := p.bound(ctx)
	defer cancel()
	all, err := p.scan(ctx)
	if err != nil {
		return nil, err
	}
	return keys.Filter(p.ns, all), nil
}

func (p *Redis) Size(ctx context.Context) (int, error) {
	ks, err := p.Keys(ctx)
	return len(ks), err
}

// GetMany uses one MGET. Undecodable values are logged and left out.
func (p *Redis) GetMany(ctx context.Context, ks []string) (map[string]any, error) {
	out := make(map[string]any, len(ks))
	if len(ks) == 0 {
		return out, nil
	}
	full := make([]string, len(ks))
	for i, k := range ks {
		full[i] = p.key(k)
	}
	ctx, cancel := p.bound(ctx)
	defer cancel()
	vals, err := p.rdb.MGet(ctx, full...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: mget: %w", err)
	}
	for i, raw := range vals {
		s, ok := raw.(string)
		if !ok {
			continue // nil => miss
		}
		v, err := p.decode(ks[i], []byte(s))
		if err != nil {
			p.log.Warn("redis: skipping corrupt value", pr.Fields{"key": ks[i], "err": err})
			continue
		}
		out[ks[i]] = v
	}
	return out, nil
}

// SetMany pipelines one SET per item.
func (p *Redis) SetMany(ctx context.Context, items map[string]any, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	ctx, cancel := p.bound(ctx)
	defer cancel()
	pipe := p.rdb.Pipeline()
	for k, v := range items {
		b, err := p.codec.Encode(v)
		if err != nil {
			return fmt.Errorf("redis: encode %q: %w", k, err)
		}
		pipe.Set(ctx, p.key(k), b, ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: pipeline set: %w", err)
	}
	return nil
}

func (p *Redis) DeleteMany(ctx context.Context, ks []string) (int, error) {
	if len(ks) == 0 {
		return 0, nil
	}
	full := make([]string, len(ks))
	for i, k := range ks {
		full[i] = p.key(k)
	}
	ctx, cancel := p.bound(ctx)
	defer cancel()
	n, err := p.rdb.Del(ctx, full...).Result()
	if err != nil {
		return 0, fmt.Errorf("redis: del: %w", err)
	}
	return int(n), nil
}

func (p *Redis) SetTTL(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ctx, cancel := p.bound(ctx)
	defer cancel()
	var (
		ok  bool
		err error
	)
	if ttl <= 0 {
		ok, err = p.rdb.Persist(ctx, p.key(key)).Result()
		if err == nil && !ok {
			// PERSIST is false for keys without expiry too
			var n int64
			n, err = p.rdb.Exists(ctx, p.key(key)).Result()
			ok = n > 0
		}
	} else {
		ok, err = p.rdb.PExpire(ctx, p.key(key), ttl).Result()
	}
	if err != nil {
		return false, fmt.Errorf("redis: expire %q: %w", key, err)
	}
	return ok, nil
}

// TTL maps PTTL's -1/-2 replies onto provider.NoExpiry/provider.Missing.
func (p *Redis) TTL(ctx context.Context, key string) (time.Duration, error) {
	ctx, cancel := p.bound(ctx)
	defer cancel()
	d, err := p.rdb.PTTL(ctx, p.key(key)).Result()
	if err != nil {
		return pr.Missing, fmt.Errorf("redis: pttl %q: %w", key, err)
	}
	switch d {
	case -1, -1 * time.Millisecond:
		return pr.NoExpiry, nil
	case -2, -2 * time.Millisecond:
		return pr.Missing, nil
	}
	return d, nil
}

// Close releases the underlying redis client only when this provider owns it.
// Safe to call multiple times; repeated calls become no-ops.
func (p *Redis) Close(context.Context) error {
	if p.closeClient {
		if err := p.rdb.Close(); err != nil && !errors.Is(err, goredis.ErrClosed) {
			return err
		}
	}
	return nil
}

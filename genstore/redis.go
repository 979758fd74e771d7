package genstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
)

// Redis keeps the counters of one namespace as fields of a single hash,
// "polystore:versions:<namespace>". HINCRBY makes Next atomic across
// processes and the counters survive restarts.
type Redis struct {
	rdb  redis.UniversalClient
	hash string
}

var _ GenStore = (*Redis)(nil)

// NewRedis does not take ownership of client; Close leaves it open.
func NewRedis(client redis.UniversalClient, namespace string) *Redis {
	return &Redis{rdb: client, hash: "polystore:versions:" + namespace}
}

func (s *Redis) Current(ctx context.Context, key string) (uint64, error) {
	raw, err := s.rdb.HGet(ctx, s.hash, key).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return parse(key, raw)
}

func (s *Redis) CurrentMany(ctx context.Context, keys []string) (map[string]uint64, error) {
	out := make(map[string]uint64, len(keys))
	if len(keys) == 0 {
		return out, nil
	}
	vals, err := s.rdb.HMGet(ctx, s.hash, keys...).Result()
	if err != nil {
		return nil, err
	}
	for i, v := range vals {
		if v == nil {
			out[keys[i]] = 0
			continue
		}
		n, err := parse(keys[i], fmt.Sprint(v))
		if err != nil {
			return nil, err
		}
		out[keys[i]] = n
	}
	return out, nil
}

func (s *Redis) Next(ctx context.Context, key string) (uint64, error) {
	n, err := s.rdb.HIncrBy(ctx, s.hash, key, 1).Result()
	if err != nil {
		return 0, err
	}
	return uint64(n), nil
}

func (s *Redis) Close(context.Context) error { return nil }

// Reset deletes every counter in the namespace. Only safe when no entry
// carrying an issued version survives.
func (s *Redis) Reset(ctx context.Context) error {
	return s.rdb.Del(ctx, s.hash).Err()
}

func parse(key, raw string) (uint64, error) {
	n, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("genstore: version of %q: %w", key, err)
	}
	return n, nil
}

package config

import (
	"context"
	"fmt"
	"sort"

	goredis "github.com/redis/go-redis/v9"

	"github.com/unkn0wn-root/polystore"
	"github.com/unkn0wn-root/polystore/codec"
	"github.com/unkn0wn-root/polystore/genstore"
	pr "github.com/unkn0wn-root/polystore/provider"
	"github.com/unkn0wn-root/polystore/provider/badger"
	"github.com/unkn0wn-root/polystore/provider/bigcache"
	"github.com/unkn0wn-root/polystore/provider/evict"
	"github.com/unkn0wn-root/polystore/provider/file"
	"github.com/unkn0wn-root/polystore/provider/indexed"
	"github.com/unkn0wn-root/polystore/provider/memory"
	"github.com/unkn0wn-root/polystore/provider/redis"
	"github.com/unkn0wn-root/polystore/provider/ristretto"
	"github.com/unkn0wn-root/polystore/provider/session"
	"github.com/unkn0wn-root/polystore/provider/syncing"
)

// Build constructs every backend and a Manager over them. Backend events
// (evictions, expiries, conflicts, sweep errors) are routed to hooks. On
// error every backend built so far is closed.
func Build(ctx context.Context, cfg Config, log polystore.Logger, hooks polystore.Hooks) (*polystore.Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log = pr.OrNop(log)
	if hooks == nil {
		hooks = polystore.NopHooks{}
	}

	names := make([]string, 0, len(cfg.Backends))
	for n := range cfg.Backends {
		names = append(names, n)
	}
	sort.Strings(names)
	// syncing backends may use another backend as their remote
	sort.SliceStable(names, func(i, j int) bool {
		return cfg.Backends[names[i]].Type != TypeSyncing && cfg.Backends[names[j]].Type == TypeSyncing
	})

	built := make(map[string]pr.Provider, len(names))
	fail := func(err error) (*polystore.Manager, error) {
		for _, p := range built {
			_ = p.Close(ctx)
		}
		return nil, err
	}
	for _, name := range names {
		p, err := buildBackend(ctx, name, cfg.Backends[name], built, log, hooks)
		if err != nil {
			return fail(fmt.Errorf("config: backend %q: %w", name, err))
		}
		built[name] = p
		log.Debug("config: backend built", polystore.Fields{"backend": name, "type": cfg.Backends[name].Type})
	}

	m, err := polystore.New(polystore.Options{
		Backends:           built,
		Default:            cfg.Default,
		Fallback:           cfg.Fallback,
		Aliases:            cfg.Aliases,
		Logger:             log,
		Hooks:              hooks,
		ReplicationWorkers: cfg.ReplicationWorkers,
		RemoteTimeout:      cfg.RemoteTimeout,
		MigrationsKey:      cfg.MigrationsKey,
	})
	if err != nil {
		return fail(err)
	}
	return m, nil
}

func buildBackend(ctx context.Context, name string, b Backend, built map[string]pr.Provider, log polystore.Logger, hooks polystore.Hooks) (pr.Provider, error) {
	var cd codec.Codec[any]
	if b.Codec != "" {
		var err error
		if cd, err = codec.ByName(b.Codec); err != nil {
			return nil, err
		}
	}

	switch b.Type {
	case TypeMemory:
		return memory.New(memory.Options{
			MaxSize:         b.MaxEntries,
			DefaultTTL:      b.DefaultTTL,
			CleanupInterval: b.CleanupInterval,
			Logger:          log,
		})

	case TypeFile:
		return file.New(file.Options{
			Dir:             b.Dir,
			Codec:           cd,
			Ext:             b.Ext,
			Compress:        b.Compress,
			Password:        b.Password,
			DefaultTTL:      b.DefaultTTL,
			CleanupInterval: b.CleanupInterval,
			OnSweepError:    func(key string, err error) { hooks.SweepError(name, key, err) },
			Logger:          log,
		})

	case TypeEvict:
		maxMem, err := Bytes(b.MaxMemory)
		if err != nil {
			return nil, err
		}
		return evict.New(evict.Options{
			MaxEntries:      b.MaxEntries,
			MaxMemory:       maxMem,
			Policy:          evict.Policy(b.Policy),
			DefaultTTL:      b.DefaultTTL,
			CleanupInterval: b.CleanupInterval,
			OnEvict: func(key string, _ any, r evict.Reason) {
				hooks.Evicted(name, key, string(r))
			},
			Logger: log,
		})

	case TypeSession:
		return session.New(session.Options{
			DefaultTTL:      b.DefaultTTL,
			CleanupInterval: b.CleanupInterval,
			Prefix:          b.Prefix,
			Sliding:         b.Sliding,
			OnExpire:        func(id string) { hooks.Expired(name, id) },
			Logger:          log,
		}), nil

	case TypeIndexed:
		return indexed.New(indexed.Options{DefaultStore: b.DefaultStore, Logger: log}), nil

	case TypeSyncing:
		opts := syncing.Options{
			MaxVersions:        b.MaxVersions,
			ConflictResolution: syncing.Mode(b.ConflictResolution),
			Strategy:           syncing.Strategy(b.Strategy),
			Author:             b.Author,
			SyncInterval:       b.SyncInterval,
			OnConflict: func(c syncing.Conflict) {
				hooks.ConflictDetected(c.Key, c.LocalValue, c.RemoteValue)
			},
			Logger: log,
		}
		if b.Remote != "" {
			peer, ok := built[b.Remote]
			if !ok {
				return nil, pr.NotFound("remote backend %q", b.Remote)
			}
			opts.Remote = &syncing.ProviderRemote{P: peer, Namespace: b.Namespace}
		}
		if b.VersionStore != "" {
			rp, ok := built[b.VersionStore].(*redis.Redis)
			if !ok {
				return nil, pr.NotFound("redis backend %q", b.VersionStore)
			}
			opts.GenStore = genstore.NewRedis(rp.Client(), name)
		}
		return syncing.New(opts)

	case TypeBadger:
		return badger.Open(badger.Options{
			Dir:        b.Dir,
			InMemory:   b.InMemory,
			SyncWrites: b.SyncWrites,
			Codec:      cd,
			DefaultTTL: b.DefaultTTL,
			GCInterval: b.GCInterval,
			Logger:     log,
		})

	case TypeRedis:
		maxDecode, err := Bytes(b.MaxDecode)
		if err != nil {
			return nil, err
		}
		client := goredis.NewClient(&goredis.Options{Addr: b.Addr, Password: b.Password, DB: b.DB})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("redis ping %s: %w", b.Addr, err)
		}
		return redis.New(redis.Config{
			Client:      client,
			CloseClient: true,
			Namespace:   b.Namespace,
			Codec:       cd,
			MaxDecode:   int(maxDecode),
			Timeout:     b.Timeout,
			Logger:      log,
		})

	case TypeBigcache:
		hardMax, err := Bytes(b.HardMax)
		if err != nil {
			return nil, err
		}
		maxEntry, err := Bytes(b.MaxEntrySize)
		if err != nil {
			return nil, err
		}
		return bigcache.New(bigcache.Config{
			LifeWindow:         b.LifeWindow,
			CleanWindow:        b.CleanupInterval,
			Shards:             b.Shards,
			MaxEntrySize:       int(maxEntry),
			HardMaxCacheSizeMB: int(hardMax >> 20),
			Codec:              cd,
			Logger:             log,
		})

	case TypeRistretto:
		maxCost, err := Bytes(b.MaxCost)
		if err != nil {
			return nil, err
		}
		return ristretto.New(ristretto.Config{
			NumCounters: b.NumCounters,
			MaxCost:     maxCost,
			Logger:      log,
		})
	}
	return nil, fmt.Errorf("unknown type %q", b.Type)
}

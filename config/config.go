// Package config loads a polystore setup from YAML and the environment and
// builds a Manager from it.
//
// Sources, later wins: YAML file, then POLYSTORE_* environment variables.
// Environment keys use a double underscore as the path separator so field
// names can keep their single underscores:
//
//	POLYSTORE_DEFAULT=cache
//	POLYSTORE_BACKENDS__CACHE__MAX_ENTRIES=5000
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const EnvPrefix = "POLYSTORE_"

// Backend types.
const (
	TypeMemory    = "memory"
	TypeFile      = "file"
	TypeEvict     = "evict"
	TypeSession   = "session"
	TypeIndexed   = "indexed"
	TypeSyncing   = "syncing"
	TypeBadger    = "badger"
	TypeRedis     = "redis"
	TypeBigcache  = "bigcache"
	TypeRistretto = "ristretto"
)

type Config struct {
	Default            string             `koanf:"default"`
	Fallback           string             `koanf:"fallback"`
	Aliases            map[string]string  `koanf:"aliases"`
	ReplicationWorkers int                `koanf:"replication_workers"`
	RemoteTimeout      time.Duration      `koanf:"remote_timeout"`
	MigrationsKey      string             `koanf:"migrations_key"`
	Backends           map[string]Backend `koanf:"backends"`
	Log                Log                `koanf:"log"`
}

type Log struct {
	Level string `koanf:"level"` // debug|info|warn|error
}

// Backend holds the settings of every backend type; each type reads the
// fields it understands.
type Backend struct {
	Type            string        `koanf:"type"`
	Codec           string        `koanf:"codec"` // json|msgpack|cbor|protobuf
	DefaultTTL      time.Duration `koanf:"default_ttl"`
	CleanupInterval time.Duration `koanf:"cleanup_interval"`

	// memory, evict
	MaxEntries int    `koanf:"max_entries"`
	MaxMemory  string `koanf:"max_memory"` // "50MB"
	Policy     string `koanf:"policy"`

	// file, badger
	Dir        string        `koanf:"dir"`
	Ext        string        `koanf:"ext"`
	Compress   bool          `koanf:"compress"`
	Password   string        `koanf:"password"` // file encryption, redis auth
	InMemory   bool          `koanf:"in_memory"`
	SyncWrites bool          `koanf:"sync_writes"`
	GCInterval time.Duration `koanf:"gc_interval"`

	// session
	Prefix  string `koanf:"prefix"`
	Sliding bool   `koanf:"sliding"`

	// indexed
	DefaultStore string `koanf:"default_store"`

	// syncing
	ConflictResolution string        `koanf:"conflict_resolution"` // manual|auto
	Strategy           string        `koanf:"strategy"`
	MaxVersions        int           `koanf:"max_versions"`
	Author             string        `koanf:"author"`
	Remote             string        `koanf:"remote"`        // another backend used as the sync peer
	VersionStore       string        `koanf:"version_store"` // redis backend whose client issues versions
	SyncInterval       time.Duration `koanf:"sync_interval"`

	// redis
	Addr      string        `koanf:"addr"`
	DB        int           `koanf:"db"`
	Namespace string        `koanf:"namespace"`
	Timeout   time.Duration `koanf:"timeout"`
	MaxDecode string        `koanf:"max_decode"`

	// bigcache
	Shards       int           `koanf:"shards"`
	LifeWindow   time.Duration `koanf:"life_window"`
	MaxEntrySize string        `koanf:"max_entry_size"`
	HardMax      string        `koanf:"hard_max"`

	// ristretto
	NumCounters int64  `koanf:"num_counters"`
	MaxCost     string `koanf:"max_cost"`
}

// Load reads path (optional) and the environment into a Config.
func Load(path string) (Config, error) {
	k := koanf.New(".")
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return Config{}, fmt.Errorf("config: load file %s: %w", path, err)
		}
	}
	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return Config{}, fmt.Errorf("config: load env: %w", err)
	}
	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	return cfg, cfg.Validate()
}

// envKey maps POLYSTORE_BACKENDS__CACHE__MAX_ENTRIES to backends.cache.max_entries.
func envKey(s string) string {
	s = strings.TrimPrefix(s, EnvPrefix)
	return strings.ReplaceAll(strings.ToLower(s), "__", ".")
}

func (c Config) Validate() error {
	if len(c.Backends) == 0 {
		return fmt.Errorf("config: no backends")
	}
	for name, b := range c.Backends {
		switch b.Type {
		case TypeMemory, TypeFile, TypeEvict, TypeSession, TypeIndexed, TypeBadger, TypeBigcache, TypeRistretto:
		case TypeSyncing:
			if b.Remote != "" {
				if _, ok := c.Backends[b.Remote]; !ok {
					return fmt.Errorf("config: backend %q: remote %q is not a backend", name, b.Remote)
				}
				if b.Remote == name {
					return fmt.Errorf("config: backend %q: remote points at itself", name)
				}
			}
			if b.VersionStore != "" && c.Backends[b.VersionStore].Type != TypeRedis {
				return fmt.Errorf("config: backend %q: version_store %q is not a redis backend", name, b.VersionStore)
			}
		case TypeRedis:
			if b.Addr == "" {
				return fmt.Errorf("config: backend %q: redis needs addr", name)
			}
		case "":
			return fmt.Errorf("config: backend %q: type is required", name)
		default:
			return fmt.Errorf("config: backend %q: unknown type %q", name, b.Type)
		}
		if (b.Type == TypeFile || (b.Type == TypeBadger && !b.InMemory)) && b.Dir == "" {
			return fmt.Errorf("config: backend %q: dir is required", name)
		}
	}
	return nil
}

// Bytes parses a human size such as "64MB" or "1 GiB". Empty yields 0.
func Bytes(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("config: size %q: %w", s, err)
	}
	return int64(n), nil
}

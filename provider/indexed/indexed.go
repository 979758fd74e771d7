// Package indexed is a document store of named collections with secondary
// indexes.
//
// Every index on a collection is updated under the same lock as the record it
// derives from, so readers never observe a record without its index entries or
// the other way round. Unique indexes are checked before anything is written;
// a rejected write leaves the collection untouched.
//
// DB also implements provider.Provider over a single default collection, which
// lets it be registered with a polystore.Manager like any other backend.
// Records in this store do not expire; TTLs passed to Set are ignored.
package indexed

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	pr "github.com/unkn0wn-root/polystore/provider"
)

const DefaultStore = "default"

type Options struct {
	// DefaultStore names the collection behind the Provider methods. It is
	// created by New. Default "default".
	DefaultStore string
	Logger       pr.Logger
}

// StoreOptions configure how a collection derives primary keys.
type StoreOptions struct {
	// KeyPath is a dotted path used to derive the key when Put gets none.
	KeyPath string
	// AutoIncrement generates sequential keys ("1", "2", ...) when no key is
	// given and KeyPath yields nothing.
	AutoIncrement bool
}

type collection struct {
	name    string
	opts    StoreOptions
	records map[string]any
	seq     int64
	indexes map[string]*index
}

// DB holds the collections. One RWMutex guards every collection and index.
type DB struct {
	mu          sync.RWMutex
	collections map[string]*collection
	def         string
	log         pr.Logger
	closed      bool
}

var _ pr.Provider = (*DB)(nil)

func New(opts Options) *DB {
	db := &DB{
		collections: make(map[string]*collection),
		def:         opts.DefaultStore,
		log:         pr.OrNop(opts.Logger),
	}
	if db.def == "" {
		db.def = DefaultStore
	}
	db.collections[db.def] = &collection{name: db.def, records: map[string]any{}, indexes: map[string]*index{}}
	return db
}

// CreateStore adds an empty collection.
func (db *DB) CreateStore(name string, opts StoreOptions) (*Collection, error) {
	if name == "" {
		return nil, fmt.Errorf("indexed: empty store name")
	}
	db.mu.Lock()
	defer db.mu.Unlock()
	if _, ok := db.collections[name]; ok {
		return nil, fmt.Errorf("indexed: store %q: %w", name, pr.ErrConflict)
	}
	db.collections[name] = &collection{
		name:    name,
		opts:    opts,
		records: make(map[string]any),
		indexes: make(map[string]*index),
	}
	db.log.Debug("indexed: store created", pr.Fields{"store": name})
	return &Collection{db: db, name: name}, nil
}

// DeleteStore drops a collection with its records and indexes.
func (db *DB) DeleteStore(name string) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if _, ok := db.collections[name]; !ok {
		return pr.NotFound("store %q", name)
	}
	delete(db.collections, name)
	return nil
}

// Store returns a handle to an existing collection.
func (db *DB) Store(name string) (*Collection, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if _, ok := db.collections[name]; !ok {
		return nil, pr.NotFound("store %q", name)
	}
	return &Collection{db: db, name: name}, nil
}

// StoreNames returns the collection names in sorted order.
func (db *DB) StoreNames() []string {
	db.mu.RLock()
	defer db.mu.RUnlock()
	out := make([]string, 0, len(db.collections))
	for n := range db.collections {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Default returns the collection behind the Provider methods.
func (db *DB) Default() *Collection {
	return &Collection{db: db, name: db.def}
}

func (db *DB) collectionLocked(name string) (*collection, error) {
	if db.closed {
		return nil, pr.ErrClosed
	}
	c, ok := db.collections[name]
	if !ok {
		return nil, pr.NotFound("store %q", name)
	}
	return c, nil
}

// primaryKey resolves the key for a write: explicit, KeyPath-derived or generated.
func (c *collection) primaryKey(key string, value any) (string, error) {
	if key != "" {
		return key, nil
	}
	if c.opts.KeyPath != "" {
		if v, ok := lookupPath(value, c.opts.KeyPath); ok {
			return keyString(v), nil
		}
	}
	if c.opts.AutoIncrement {
		c.seq++
		return strconv.FormatInt(c.seq, 10), nil
	}
	return "", fmt.Errorf("indexed: store %q: no key given and none derivable: %w", c.name, pr.ErrInvalidKey)
}

func keyString(v any) string {
	switch k := v.(type) {
	case string:
		return k
	case float64:
		return strconv.FormatFloat(k, 'f', -1, 64)
	default:
		return fmt.Sprint(k)
	}
}

// put writes value under pk, keeping every index in step. Unique violations
// are detected before any state changes.
func (c *collection) put(pk string, value any) error {
	newKeys := make(map[string][]any, len(c.indexes))
	for name, ix := range c.indexes {
		ks := ix.keysFor(value)
		if k, owner, dup := ix.conflict(pk, ks); dup {
			return &pr.UniqueViolationError{Collection: c.name, Index: name, IndexKey: k, Key: owner}
		}
		newKeys[name] = ks
	}
	if old, ok := c.records[pk]; ok {
		for _, ix := range c.indexes {
			ix.remove(pk, ix.keysFor(old))
		}
	}
	c.records[pk] = value
	for name, ix := range c.indexes {
		ix.add(pk, newKeys[name])
	}
	return nil
}

func (c *collection) delete(pk string) bool {
	old, ok := c.records[pk]
	if !ok {
		return false
	}
	for _, ix := range c.indexes {
		ix.remove(pk, ix.keysFor(old))
	}
	delete(c.records, pk)
	return true
}

func (c *collection) clear() {
	c.records = make(map[string]any)
	for _, ix := range c.indexes {
		ix.tree.Clear(false)
	}
}

func (db *DB) Get(_ context.Context, key string) (any, bool, error) {
	v, ok, err := db.Default().Get(key)
	return v, ok, err
}

func (db *DB) Set(_ context.Context, key string, value any, ttl time.Duration) error {
	if key == "" {
		return pr.ErrInvalidKey
	}
	if ttl > 0 {
		db.log.Debug("indexed: ttl ignored", pr.Fields{"key": key})
	}
	_, err := db.Default().Put(key, value)
	return err
}

func (db *DB) Delete(_ context.Context, key string) (bool, error) {
	return db.Default().Delete(key)
}

func (db *DB) Has(_ context.Context, key string) (bool, error) {
	return db.Default().Has(key)
}

func (db *DB) Clear(_ context.Context) error {
	return db.Default().Clear()
}

func (db *DB) Keys(_ context.Context) ([]string, error) {
	return db.Default().Keys()
}

func (db *DB) Size(_ context.Context) (int, error) {
	return db.Default().Size()
}

// Close drops every collection. Later calls fail with provider.ErrClosed.
func (db *DB) Close(_ context.Context) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.collections = make(map[string]*collection)
	db.closed = true
	return nil
}

package indexed

import (
	"fmt"
	"sort"

	pr "github.com/unkn0wn-root/polystore/provider"
)

// Collection is a handle to one named store in a DB. Handles stay valid across
// DeleteStore; operations on a deleted store return provider.ErrNotFound.
type Collection struct {
	db   *DB
	name string
}

func (c *Collection) Name() string { return c.name }

func (c *Collection) read(fn func(*collection) error) error {
	c.db.mu.RLock()
	defer c.db.mu.RUnlock()
	col, err := c.db.collectionLocked(c.name)
	if err != nil {
		return err
	}
	return fn(col)
}

func (c *Collection) write(fn func(*collection) error) error {
	c.db.mu.Lock()
	defer c.db.mu.Unlock()
	col, err := c.db.collectionLocked(c.name)
	if err != nil {
		return err
	}
	return fn(col)
}

func (c *Collection) Get(key string) (any, bool, error) {
	var (
		v  any
		ok bool
	)
	err := c.read(func(col *collection) error {
		v, ok = col.records[key]
		v = pr.Clone(v)
		return nil
	})
	return v, ok, err
}

// Put inserts or replaces a record and returns its key. An empty key is
// derived from the store's KeyPath or generated when AutoIncrement is set.
func (c *Collection) Put(key string, value any) (string, error) {
	value = pr.Clone(value)
	err := c.write(func(col *collection) error {
		pk, err := col.primaryKey(key, value)
		if err != nil {
			return err
		}
		key = pk
		return col.put(pk, value)
	})
	if err != nil {
		return "", err
	}
	return key, nil
}

// Add is Put that fails with *provider.UniqueViolationError when the key exists.
func (c *Collection) Add(key string, value any) (string, error) {
	value = pr.Clone(value)
	err := c.write(func(col *collection) error {
		pk, err := col.primaryKey(key, value)
		if err != nil {
			return err
		}
		if _, exists := col.records[pk]; exists {
			return &pr.UniqueViolationError{Collection: col.name, Index: "primary", IndexKey: pk, Key: pk}
		}
		key = pk
		return col.put(pk, value)
	})
	if err != nil {
		return "", err
	}
	return key, nil
}

func (c *Collection) Delete(key string) (bool, error) {
	var ok bool
	err := c.write(func(col *collection) error {
		ok = col.delete(key)
		return nil
	})
	return ok, err
}

func (c *Collection) Has(key string) (bool, error) {
	var ok bool
	err := c.read(func(col *collection) error {
		_, ok = col.records[key]
		return nil
	})
	return ok, err
}

// Clear removes every record. Index definitions stay.
func (c *Collection) Clear() error {
	return c.write(func(col *collection) error {
		col.clear()
		return nil
	})
}

// Keys returns the primary keys in ascending order.
func (c *Collection) Keys() ([]string, error) {
	var out []string
	err := c.read(func(col *collection) error {
		out = make([]string, 0, len(col.records))
		for k := range col.records {
			out = append(out, k)
		}
		return nil
	})
	sort.Strings(out)
	return out, err
}

func (c *Collection) Size() (int, error) {
	var n int
	err := c.read(func(col *collection) error {
		n = len(col.records)
		return nil
	})
	return n, err
}

// CreateIndex adds an index and fills it from the existing records. If the
// records already violate a unique index, the index is not created.
func (c *Collection) CreateIndex(name string, opts IndexOptions) error {
	if name == "" {
		return fmt.Errorf("indexed: empty index name")
	}
	if opts.Extract == nil && opts.KeyPath == "" {
		return fmt.Errorf("indexed: index %q needs KeyPath or Extract", name)
	}
	return c.write(func(col *collection) error {
		if _, ok := col.indexes[name]; ok {
			return fmt.Errorf("indexed: index %q on %q: %w", name, col.name, pr.ErrConflict)
		}
		ix := newIndex(name, opts)
		pks := make([]string, 0, len(col.records))
		for pk := range col.records {
			pks = append(pks, pk)
		}
		sort.Strings(pks)
		for _, pk := range pks {
			ks := ix.keysFor(col.records[pk])
			if k, owner, dup := ix.conflict(pk, ks); dup {
				return &pr.UniqueViolationError{Collection: col.name, Index: name, IndexKey: k, Key: owner}
			}
			ix.add(pk, ks)
		}
		col.indexes[name] = ix
		return nil
	})
}

func (c *Collection) DeleteIndex(name string) error {
	return c.write(func(col *collection) error {
		if _, ok := col.indexes[name]; !ok {
			return pr.NotFound("index %q on store %q", name, col.name)
		}
		delete(col.indexes, name)
		return nil
	})
}

func (c *Collection) IndexNames() ([]string, error) {
	var out []string
	err := c.read(func(col *collection) error {
		for n := range col.indexes {
			out = append(out, n)
		}
		return nil
	})
	sort.Strings(out)
	return out, err
}

// Lookup returns the primary keys whose records carry indexKey in the index,
// in ascending order.
func (c *Collection) Lookup(indexName string, indexKey any) ([]string, error) {
	var out []string
	err := c.read(func(col *collection) error {
		ix, ok := col.indexes[indexName]
		if !ok {
			return pr.NotFound("index %q on store %q", indexName, col.name)
		}
		out = sortedKeys(ix.owners(indexKey))
		return nil
	})
	return out, err
}

package indexed

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/btree"
)

// IndexOptions define how index keys are derived from a record.
type IndexOptions struct {
	// KeyPath is a dotted path into map[string]any records ("profile.email").
	KeyPath string
	// Extract overrides KeyPath. ok=false leaves the record out of the index.
	Extract func(value any) (key any, ok bool)
	// Unique rejects two records with the same index key.
	Unique bool
	// MultiEntry indexes each element of a slice-valued key separately.
	MultiEntry bool
}

type indexEntry struct {
	key any
	pks map[string]struct{}
}

type index struct {
	name string
	opts IndexOptions
	tree *btree.BTreeG[*indexEntry]
}

func newIndex(name string, opts IndexOptions) *index {
	return &index{
		name: name,
		opts: opts,
		tree: btree.NewG(16, func(a, b *indexEntry) bool { return compareKeys(a.key, b.key) < 0 }),
	}
}

// keysFor returns the distinct index keys a record contributes.
func (ix *index) keysFor(value any) []any {
	var (
		k  any
		ok bool
	)
	if ix.opts.Extract != nil {
		k, ok = ix.opts.Extract(value)
	} else {
		k, ok = lookupPath(value, ix.opts.KeyPath)
	}
	if !ok {
		return nil
	}
	if !ix.opts.MultiEntry {
		return []any{k}
	}
	var elems []any
	switch s := k.(type) {
	case []any:
		elems = s
	case []string:
		elems = make([]any, len(s))
		for i, v := range s {
			elems[i] = v
		}
	default:
		elems = []any{k}
	}
	out := make([]any, 0, len(elems))
	for _, e := range elems {
		dup := false
		for _, seen := range out {
			if compareKeys(seen, e) == 0 {
				dup = true
				break
			}
		}
		if !dup {
			out = append(out, e)
		}
	}
	return out
}

// owners returns the primary keys stored under k, or nil.
func (ix *index) owners(k any) map[string]struct{} {
	e, ok := ix.tree.Get(&indexEntry{key: k})
	if !ok {
		return nil
	}
	return e.pks
}

func (ix *index) add(pk string, keys []any) {
	for _, k := range keys {
		e, ok := ix.tree.Get(&indexEntry{key: k})
		if !ok {
			e = &indexEntry{key: k, pks: make(map[string]struct{}, 1)}
			ix.tree.ReplaceOrInsert(e)
		}
		e.pks[pk] = struct{}{}
	}
}

func (ix *index) remove(pk string, keys []any) {
	for _, k := range keys {
		e, ok := ix.tree.Get(&indexEntry{key: k})
		if !ok {
			continue
		}
		delete(e.pks, pk)
		if len(e.pks) == 0 {
			ix.tree.Delete(e)
		}
	}
}

// conflict reports the first key in keys already owned by a record other than pk.
func (ix *index) conflict(pk string, keys []any) (any, string, bool) {
	if !ix.opts.Unique {
		return nil, "", false
	}
	for _, k := range keys {
		for owner := range ix.owners(k) {
			if owner != pk {
				return k, owner, true
			}
		}
	}
	return nil, "", false
}

// scan visits primary keys in index-key order, restricted to r when non-nil.
func (ix *index) scan(r *Range, visit func(pk string) bool) {
	iter := func(e *indexEntry) bool {
		if r != nil {
			if !r.above(e.key) {
				return true
			}
			if !r.below(e.key) {
				return false
			}
		}
		for _, pk := range sortedKeys(e.pks) {
			if !visit(pk) {
				return false
			}
		}
		return true
	}
	if r != nil && r.Lower != nil {
		ix.tree.AscendGreaterOrEqual(&indexEntry{key: r.Lower}, iter)
		return
	}
	ix.tree.Ascend(iter)
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// lookupPath walks a dotted path through nested map[string]any values.
// An empty path selects the value itself.
func lookupPath(v any, path string) (any, bool) {
	if path == "" {
		return v, v != nil
	}
	cur := v
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// rank orders key classes: nil < bool < numbers < strings < time < everything else.
func rank(v any) int {
	switch v.(type) {
	case nil:
		return 0
	case bool:
		return 1
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64:
		return 2
	case string:
		return 3
	case time.Time:
		return 4
	default:
		return 5
	}
}

func toFloat(v any) float64 {
	switch n := v.(type) {
	case int:
		return float64(n)
	case int8:
		return float64(n)
	case int16:
		return float64(n)
	case int32:
		return float64(n)
	case int64:
		return float64(n)
	case uint:
		return float64(n)
	case uint8:
		return float64(n)
	case uint16:
		return float64(n)
	case uint32:
		return float64(n)
	case uint64:
		return float64(n)
	case float32:
		return float64(n)
	case float64:
		return n
	}
	return 0
}

// compareKeys is the total order used by indexes, ranges and sorting.
func compareKeys(a, b any) int {
	ra, rb := rank(a), rank(b)
	if ra != rb {
		return ra - rb
	}
	switch ra {
	case 0:
		return 0
	case 1:
		ab, bb := a.(bool), b.(bool)
		switch {
		case ab == bb:
			return 0
		case !ab:
			return -1
		default:
			return 1
		}
	case 2:
		fa, fb := toFloat(a), toFloat(b)
		switch {
		case fa < fb:
			return -1
		case fa > fb:
			return 1
		default:
			return 0
		}
	case 3:
		return strings.Compare(a.(string), b.(string))
	case 4:
		return a.(time.Time).Compare(b.(time.Time))
	default:
		return strings.Compare(fmt.Sprint(a), fmt.Sprint(b))
	}
}

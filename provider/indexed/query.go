package indexed

import (
	"sort"

	pr "github.com/unkn0wn-root/polystore/provider"
)

// Range bounds keys. A nil bound is open-ended.
type Range struct {
	Lower, Upper         any
	LowerOpen, UpperOpen bool // exclude the bound itself
}

func (r *Range) above(k any) bool {
	if r.Lower == nil {
		return true
	}
	c := compareKeys(k, r.Lower)
	return c > 0 || (c == 0 && !r.LowerOpen)
}

func (r *Range) below(k any) bool {
	if r.Upper == nil {
		return true
	}
	c := compareKeys(k, r.Upper)
	return c < 0 || (c == 0 && !r.UpperOpen)
}

func (r *Range) contains(k any) bool { return r.above(k) && r.below(k) }

// Query selects records. Without Index the whole collection is scanned in
// primary key order. Range applies to index keys when Index is set and to
// primary keys otherwise. The pipeline is: candidates, Where, sort, Desc,
// Offset, Limit.
type Query struct {
	Where func(key string, value any) bool

	SortBy string              // dotted path compared with the index key order
	Less   func(a, b any) bool // overrides SortBy
	Desc   bool

	Offset int
	Limit  int // 0 => no limit

	Index    string
	IndexKey any // exact match on Index; nil means unset
	Range    *Range
}

type Record struct {
	Key   string
	Value any
}

// Query runs q and returns copies of the matching records.
func (c *Collection) Query(q Query) ([]Record, error) {
	var out []Record
	err := c.read(func(col *collection) error {
		recs, err := col.query(q)
		if err != nil {
			return err
		}
		out = recs
		return nil
	})
	return out, err
}

// Count returns how many records q matches, ignoring Offset and Limit.
func (c *Collection) Count(q Query) (int, error) {
	q.Offset, q.Limit = 0, 0
	q.SortBy, q.Less = "", nil
	recs, err := c.Query(q)
	return len(recs), err
}

func (col *collection) candidates(q Query) ([]string, error) {
	if q.Index == "" {
		pks := make([]string, 0, len(col.records))
		for pk := range col.records {
			if q.Range == nil || q.Range.contains(pk) {
				pks = append(pks, pk)
			}
		}
		sort.Strings(pks)
		return pks, nil
	}
	ix, ok := col.indexes[q.Index]
	if !ok {
		return nil, pr.NotFound("index %q on store %q", q.Index, col.name)
	}
	if q.IndexKey != nil {
		return sortedKeys(ix.owners(q.IndexKey)), nil
	}
	var pks []string
	seen := make(map[string]struct{})
	ix.scan(q.Range, func(pk string) bool {
		// multiEntry records can appear under several keys
		if _, dup := seen[pk]; !dup {
			seen[pk] = struct{}{}
			pks = append(pks, pk)
		}
		return true
	})
	return pks, nil
}

func (col *collection) query(q Query) ([]Record, error) {
	pks, err := col.candidates(q)
	if err != nil {
		return nil, err
	}
	recs := make([]Record, 0, len(pks))
	for _, pk := range pks {
		v := col.records[pk]
		if q.Where != nil && !q.Where(pk, v) {
			continue
		}
		recs = append(recs, Record{Key: pk, Value: v})
	}

	switch {
	case q.Less != nil:
		sort.SliceStable(recs, func(i, j int) bool { return q.Less(recs[i].Value, recs[j].Value) })
	case q.SortBy != "":
		sort.SliceStable(recs, func(i, j int) bool {
			a, _ := lookupPath(recs[i].Value, q.SortBy)
			b, _ := lookupPath(recs[j].Value, q.SortBy)
			return compareKeys(a, b) < 0
		})
	}
	if q.Desc {
		for i, j := 0, len(recs)-1; i < j; i, j = i+1, j-1 {
			recs[i], recs[j] = recs[j], recs[i]
		}
	}

	if q.Offset > 0 {
		if q.Offset >= len(recs) {
			return []Record{}, nil
		}
		recs = recs[q.Offset:]
	}
	if q.Limit > 0 && q.Limit < len(recs) {
		recs = recs[:q.Limit]
	}
	for i := range recs {
		recs[i].Value = pr.Clone(recs[i].Value)
	}
	return recs, nil
}

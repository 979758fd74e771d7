package indexed

import (
	pr "github.com/unkn0wn-root/polystore/provider"
)

type undo struct {
	pk      string
	old     any
	existed bool
}

// Tx applies writes to one collection while Update holds the DB lock.
type Tx struct {
	col  *collection
	undo []undo
	seq  int64 // AutoIncrement counter when the transaction began
}

func (tx *Tx) Get(key string) (any, bool) {
	v, ok := tx.col.records[key]
	return pr.Clone(v), ok
}

func (tx *Tx) Put(key string, value any) (string, error) {
	value = pr.Clone(value)
	pk, err := tx.col.primaryKey(key, value)
	if err != nil {
		return "", err
	}
	old, existed := tx.col.records[pk]
	if err := tx.col.put(pk, value); err != nil {
		return "", err
	}
	tx.undo = append(tx.undo, undo{pk: pk, old: old, existed: existed})
	return pk, nil
}

func (tx *Tx) Delete(key string) bool {
	old, existed := tx.col.records[key]
	if !existed {
		return false
	}
	tx.col.delete(key)
	tx.undo = append(tx.undo, undo{pk: key, old: old, existed: true})
	return true
}

// rollback restores the state before the first write, including the generated
// key counter. Every intermediate state satisfied the unique indexes, so
// replaying backwards cannot fail.
func (tx *Tx) rollback() {
	for i := len(tx.undo) - 1; i >= 0; i-- {
		u := tx.undo[i]
		if u.existed {
			_ = tx.col.put(u.pk, u.old)
		} else {
			tx.col.delete(u.pk)
		}
	}
	tx.col.seq = tx.seq
	tx.undo = nil
}

// Update runs fn with exclusive access to the collection. If fn returns an
// error every write it made is undone and the error is returned.
func (c *Collection) Update(fn func(tx *Tx) error) error {
	return c.write(func(col *collection) error {
		tx := &Tx{col: col, seq: col.seq}
		if err := fn(tx); err != nil {
			tx.rollback()
			return err
		}
		return nil
	})
}

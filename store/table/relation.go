package table

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/DonaldAirey/data-model-test/store/lock"
	"github.com/DonaldAirey/data-model-test/store/txn"
)

// Relation is a foreign key from rows of a child table to rows of a parent table, together with the
// index of children by parent key used to navigate it.
type Relation[PK comparable, P Row[PK], CK comparable, C Row[CK]] struct {
	name   string
	parent *Table[PK, P]
	child  *Table[CK, C]
	fk     func(C) (PK, bool)

	mu    sync.RWMutex
	index map[PK]map[CK]C
}

// Relate declares that fk of every child row must name an existing parent row. fk returns false for
// a null foreign key, which is not checked. Rows already in child are indexed.
func Relate[PK comparable, P Row[PK], CK comparable, C Row[CK]](
	name string, parent *Table[PK, P], child *Table[CK, C], fk func(C) (PK, bool),
) *Relation[PK, P, CK, C] {
	r := &Relation[PK, P, CK, C]{
		name:   name,
		parent: parent,
		child:  child,
		fk:     fk,
		index:  make(map[PK]map[CK]C),
	}

	child.mu.Lock()
	child.parents = append(child.parents, r)
	child.index.Ascend(func(e entry[CK, C]) bool {
		r.indexRow(e.row)
		return true
	})
	child.mu.Unlock()

	parent.mu.Lock()
	parent.children = append(parent.children, r)
	parent.mu.Unlock()
	return r
}

func (r *Relation[PK, P, CK, C]) Name() string {
	return r.name
}

// Parent returns the parent row referenced by child.
func (r *Relation[PK, P, CK, C]) Parent(child C) (P, bool) {
	pk, ok := r.fk(child)
	if !ok {
		var zero P
		return zero, false
	}
	return r.parent.Find(pk)
}

// Children returns the indexed rows referencing the parent key, in child key order.
func (r *Relation[PK, P, CK, C]) Children(key PK) []C {
	r.mu.RLock()
	rows := make([]C, 0, len(r.index[key]))
	for _, row := range r.index[key] {
		rows = append(rows, row)
	}
	r.mu.RUnlock()

	less := r.child.less
	slices.SortFunc(rows, func(a, b C) int {
		switch {
		case less(a.Key(), b.Key()):
			return -1
		case less(b.Key(), a.Key()):
			return 1
		}
		return 0
	})
	return rows
}

func (r *Relation[PK, P, CK, C]) Count(key PK) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.index[key])
}

func (r *Relation[PK, P, CK, C]) checkParent(ctx context.Context, tx *txn.Txn, row C) error {
	pk, ok := r.fk(row)
	if !ok {
		return nil
	}
	p, found := r.parent.Find(pk)
	if !found {
		return r.violation(row, fmt.Sprintf("%s %v not found", r.parent.name, pk))
	}
	if err := tx.Lock(ctx, p.header().RowLock(), lock.Read); err != nil {
		return err
	}
	// The parent may have been removed while waiting.
	if _, found = r.parent.Find(pk); !found {
		return r.violation(row, fmt.Sprintf("%s %v not found", r.parent.name, pk))
	}
	return nil
}

func (r *Relation[PK, P, CK, C]) checkChildren(tx *txn.Txn, row P) error {
	pk := row.Key()
	if n := r.Count(pk); n > 0 {
		return &ErrConstraintViolation{
			Relation: r.name,
			Table:    r.parent.name,
			Key:      pk,
			Reason:   fmt.Sprintf("referenced by %d rows of %s", n, r.child.name),
		}
	}
	owner := tx.LockOwnerID()
	pending := r.child.pendingReferencing(owner, func(c C) bool {
		fk, ok := r.fk(c)
		return ok && fk == pk
	})
	if pending {
		return &ErrConstraintViolation{
			Relation: r.name,
			Table:    r.parent.name,
			Key:      pk,
			Reason:   fmt.Sprintf("referenced by rows of %s pending deletion in another transaction", r.child.name),
		}
	}
	return nil
}

func (r *Relation[PK, P, CK, C]) fkChanged(old, row C) bool {
	a, aok := r.fk(old)
	b, bok := r.fk(row)
	return aok != bok || a != b
}

func (r *Relation[PK, P, CK, C]) indexRow(row C) {
	pk, ok := r.fk(row)
	if !ok {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	rows := r.index[pk]
	if rows == nil {
		rows = make(map[CK]C)
		r.index[pk] = rows
	}
	rows[row.Key()] = row
}

func (r *Relation[PK, P, CK, C]) unindexRow(row C) {
	pk, ok := r.fk(row)
	if !ok {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	rows := r.index[pk]
	delete(rows, row.Key())
	if len(rows) == 0 {
		delete(r.index, pk)
	}
}

func (r *Relation[PK, P, CK, C]) violation(row C, reason string) error {
	return &ErrConstraintViolation{
		Relation: r.name,
		Table:    r.child.name,
		Key:      row.Key(),
		Reason:   reason,
	}
}

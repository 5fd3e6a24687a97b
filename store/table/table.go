package table

import (
	"context"
	"iter"
	"sync"

	"github.com/DonaldAirey/data-model-test/store/lock"
	"github.com/DonaldAirey/data-model-test/store/txn"
	"github.com/google/btree"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

type Action int

const (
	Added Action = iota
	Updated
	Removed
)

func (a Action) String() string {
	switch a {
	case Added:
		return "added"
	case Updated:
		return "updated"
	case Removed:
		return "removed"
	}
	return "unknown"
}

// RowChangedEvent describes one committed change. Previous is set for updates only.
type RowChangedEvent[R any] struct {
	Table    string
	Action   Action
	Row      R
	Previous R
}

type Option func(*options)

type options struct {
	maxTombstones int
}

// WithMaxTombstones bounds the number of committed deletions kept for DeletedRows. Zero keeps all of
// them.
func WithMaxTombstones(n int) Option {
	return func(o *options) {
		o.maxTombstones = n
	}
}

type entry[K comparable, R any] struct {
	key K
	row R
}

type pendingDelete[R any] struct {
	row   R
	owner uint64
}

// parentCheck is a relation seen from its child table.
type parentCheck[K comparable, R Row[K]] interface {
	checkParent(ctx context.Context, tx *txn.Txn, row R) error
	fkChanged(old, row R) bool
	indexRow(row R)
	unindexRow(row R)
}

// childCheck is a relation seen from its parent table.
type childCheck[K comparable, R Row[K]] interface {
	checkChildren(tx *txn.Txn, row R) error
}

// Table is an indexed collection of rows of one type. Structural changes (Add, Remove) require the
// table's write lock, every change requires the row's write lock, and both are taken through the
// transaction carried by the context.
type Table[K comparable, R Row[K]] struct {
	name string
	less func(a, b K) bool
	lock *lock.RWLock
	opts options

	mu         sync.RWMutex
	index      *btree.BTreeG[entry[K, R]]
	pending    []*pendingDelete[R]
	tombstones []R
	observers  []func(RowChangedEvent[R])
	parents    []parentCheck[K, R]
	children   []childCheck[K, R]
}

func New[K comparable, R Row[K]](name string, less func(a, b K) bool, opts ...Option) *Table[K, R] {
	t := &Table[K, R]{
		name: name,
		less: less,
		lock: lock.New(name),
		index: btree.NewG(32, func(a, b entry[K, R]) bool {
			return less(a.key, b.key)
		}),
	}
	for _, opt := range opts {
		opt(&t.opts)
	}
	return t
}

func (t *Table[K, R]) Name() string {
	return t.name
}

// Lock returns the table's structural lock.
func (t *Table[K, R]) Lock() *lock.RWLock {
	return t.lock
}

func (t *Table[K, R]) EnterReadLock(ctx context.Context) error {
	return lockIn(ctx, t.lock, lock.Read)
}

func (t *Table[K, R]) EnterWriteLock(ctx context.Context) error {
	return lockIn(ctx, t.lock, lock.Write)
}

// OnRowChanged registers an observer called after every outermost commit, once per change, in the
// order the changes were made.
func (t *Table[K, R]) OnRowChanged(fn func(RowChangedEvent[R])) {
	t.mu.Lock()
	t.observers = append(t.observers, fn)
	t.mu.Unlock()
}

// Find returns the indexed row with key. Rows pending deletion are not found.
func (t *Table[K, R]) Find(key K) (R, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.index.Get(entry[K, R]{key: key})
	return e.row, ok
}

func (t *Table[K, R]) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.index.Len()
}

// Rows yields the indexed rows in key order, as of the start of each iteration.
func (t *Table[K, R]) Rows() iter.Seq[R] {
	return func(yield func(R) bool) {
		t.mu.Lock()
		snap := t.index.Clone()
		t.mu.Unlock()
		snap.Ascend(func(e entry[K, R]) bool {
			return yield(e.row)
		})
	}
}

// DeletedRows yields the committed deletions still remembered, oldest first, followed by the rows
// pending deletion in open transactions.
func (t *Table[K, R]) DeletedRows() iter.Seq[R] {
	return func(yield func(R) bool) {
		t.mu.RLock()
		rows := make([]R, 0, len(t.tombstones)+len(t.pending))
		rows = append(rows, t.tombstones...)
		for _, pd := range t.pending {
			rows = append(rows, pd.row)
		}
		t.mu.RUnlock()
		for _, row := range rows {
			if !yield(row) {
				return
			}
		}
	}
}

// Add inserts row. The transaction in ctx must hold the table's write lock. The row is write locked,
// and every parent row it references is read locked so it cannot be removed before the transaction
// ends.
func (t *Table[K, R]) Add(ctx context.Context, row R) error {
	tx, err := t.begin(ctx)
	if err != nil {
		return err
	}
	key := row.Key()

	t.mu.RLock()
	_, exists := t.index.Get(entry[K, R]{key: key})
	exists = exists || t.pendingByOtherLocked(key, tx.LockOwnerID())
	parents := t.parents
	t.mu.RUnlock()
	if exists {
		return &ErrDuplicateKey{Table: t.name, Key: key}
	}

	h := row.header()
	h.bind(t.name, key)
	if err := tx.Lock(ctx, h.RowLock(), lock.Write); err != nil {
		return err
	}
	for _, p := range parents {
		if err := p.checkParent(ctx, tx, row); err != nil {
			log.Debug("add rejected", zap.String("table", t.name), zap.Any("key", key), zap.Error(err))
			return err
		}
	}

	t.mu.Lock()
	t.insertLocked(row)
	t.mu.Unlock()

	tx.OnRollback(func() {
		t.mu.Lock()
		t.deleteLocked(row)
		t.mu.Unlock()
	})
	tx.AfterCommit(func() {
		t.notify(RowChangedEvent[R]{Table: t.name, Action: Added, Row: row})
	})
	return nil
}

// Update replaces the indexed row that has row's key with row, which must be a new version (a
// clone). Passing the indexed row itself fails with *ErrInPlaceUpdate. The indexed row is write
// locked. Foreign keys that changed are checked again.
func (t *Table[K, R]) Update(ctx context.Context, row R) error {
	tx, err := txn.Current(ctx)
	if err != nil {
		return err
	}
	key := row.Key()
	old, err := t.lockIndexed(ctx, tx, key)
	if err != nil {
		return err
	}
	if row.header() == old.header() {
		return &ErrInPlaceUpdate{Table: t.name, Key: key}
	}
	row.header().adopt(old.header())

	t.mu.RLock()
	parents := t.parents
	t.mu.RUnlock()
	for _, p := range parents {
		if !p.fkChanged(old, row) {
			continue
		}
		if err := p.checkParent(ctx, tx, row); err != nil {
			log.Debug("update rejected", zap.String("table", t.name), zap.Any("key", key), zap.Error(err))
			return err
		}
	}

	t.mu.Lock()
	t.replaceLocked(old, row)
	t.mu.Unlock()

	tx.OnRollback(func() {
		t.mu.Lock()
		t.replaceLocked(row, old)
		t.mu.Unlock()
	})
	tx.AfterCommit(func() {
		t.notify(RowChangedEvent[R]{Table: t.name, Action: Updated, Row: row, Previous: old})
	})
	return nil
}

// Remove moves the indexed row with row's key to the pending deletions. The transaction in ctx must
// hold the table's write lock. The removal fails while rows of a related child table reference the
// row, unless the transaction removed them itself.
func (t *Table[K, R]) Remove(ctx context.Context, row R) error {
	tx, err := t.begin(ctx)
	if err != nil {
		return err
	}
	key := row.Key()
	cur, err := t.lockIndexed(ctx, tx, key)
	if err != nil {
		return err
	}

	t.mu.RLock()
	children := t.children
	t.mu.RUnlock()
	for _, c := range children {
		if err := c.checkChildren(tx, cur); err != nil {
			log.Debug("remove rejected", zap.String("table", t.name), zap.Any("key", key), zap.Error(err))
			return err
		}
	}

	pd := &pendingDelete[R]{row: cur, owner: tx.LockOwnerID()}
	t.mu.Lock()
	t.deleteLocked(cur)
	t.pending = append(t.pending, pd)
	t.mu.Unlock()

	tx.OnRollback(func() {
		t.mu.Lock()
		t.dropPendingLocked(pd)
		t.insertLocked(cur)
		t.mu.Unlock()
	})
	tx.OnCommit(func() {
		t.mu.Lock()
		t.dropPendingLocked(pd)
		t.tombstoneLocked(cur)
		t.mu.Unlock()
	})
	tx.AfterCommit(func() {
		t.notify(RowChangedEvent[R]{Table: t.name, Action: Removed, Row: cur})
	})
	return nil
}

func (t *Table[K, R]) begin(ctx context.Context) (*txn.Txn, error) {
	tx, err := txn.Current(ctx)
	if err != nil {
		return nil, err
	}
	if !tx.Holds(t.lock, lock.Write) {
		return nil, &ErrTableNotLocked{Table: t.name}
	}
	return tx, nil
}

// lockIndexed write-locks the row indexed under key and returns it. The row found after the lock is
// granted is returned: it may be a newer version committed while waiting.
func (t *Table[K, R]) lockIndexed(ctx context.Context, tx *txn.Txn, key K) (R, error) {
	for {
		cur, ok := t.Find(key)
		if !ok {
			var zero R
			return zero, &ErrRowNotFound{Table: t.name, Key: key}
		}
		if err := tx.Lock(ctx, cur.header().RowLock(), lock.Write); err != nil {
			var zero R
			return zero, err
		}
		now, ok := t.Find(key)
		if ok && now.header().sameIdentity(cur.header()) {
			return now, nil
		}
	}
}

func (t *Table[K, R]) pendingByOtherLocked(key K, owner uint64) bool {
	for _, pd := range t.pending {
		if pd.owner != owner && pd.row.Key() == key {
			return true
		}
	}
	return false
}

// pendingReferencing reports whether a row pending deletion by a transaction other than owner
// satisfies match.
func (t *Table[K, R]) pendingReferencing(owner uint64, match func(R) bool) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, pd := range t.pending {
		if pd.owner != owner && match(pd.row) {
			return true
		}
	}
	return false
}

func (t *Table[K, R]) insertLocked(row R) {
	t.index.ReplaceOrInsert(entry[K, R]{key: row.Key(), row: row})
	for _, p := range t.parents {
		p.indexRow(row)
	}
}

func (t *Table[K, R]) deleteLocked(row R) {
	t.index.Delete(entry[K, R]{key: row.Key()})
	for _, p := range t.parents {
		p.unindexRow(row)
	}
}

func (t *Table[K, R]) replaceLocked(old, row R) {
	t.index.ReplaceOrInsert(entry[K, R]{key: row.Key(), row: row})
	for _, p := range t.parents {
		p.unindexRow(old)
		p.indexRow(row)
	}
}

func (t *Table[K, R]) dropPendingLocked(pd *pendingDelete[R]) {
	for i, p := range t.pending {
		if p == pd {
			t.pending = append(t.pending[:i], t.pending[i+1:]...)
			return
		}
	}
}

func (t *Table[K, R]) tombstoneLocked(row R) {
	t.tombstones = append(t.tombstones, row)
	if limit := t.opts.maxTombstones; limit > 0 && len(t.tombstones) > limit {
		n := copy(t.tombstones, t.tombstones[len(t.tombstones)-limit:])
		clear(t.tombstones[n:])
		t.tombstones = t.tombstones[:n]
	}
}

func (t *Table[K, R]) notify(ev RowChangedEvent[R]) {
	t.mu.RLock()
	observers := t.observers
	t.mu.RUnlock()
	rowChangeCounter.WithLabelValues(t.name, ev.Action.String()).Inc()
	for _, fn := range observers {
		fn(ev)
	}
}

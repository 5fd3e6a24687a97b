package table

import (
	"context"
	"fmt"
	"sync"

	"github.com/DonaldAirey/data-model-test/store/lock"
	"github.com/DonaldAirey/data-model-test/store/txn"
)

// Row is implemented by any struct that embeds Header.
type Row[K comparable] interface {
	Key() K
	header() *Header
}

// Header carries the identity of a row shared by all its versions. Copying a row copies the Header,
// so a clone passed to Update keeps the original's lock. Clone a row only after it has been locked or
// added, so the copy shares an identity that already exists.
type Header struct {
	state *rowState
}

type rowState struct {
	lock *lock.RWLock
	// bound is set once the lock is named after the table and key.
	bound bool
}

// headerMu publishes Header.state. The state is created at most once per identity and never replaced,
// so the critical sections are short.
var headerMu sync.RWMutex

func (h *Header) header() *Header {
	return h
}

// RowLock returns the row's lock. The lock is created when the row is added to a table or first
// locked, whichever comes first.
func (h *Header) RowLock() *lock.RWLock {
	return h.identity().lock
}

// EnterReadLock read-locks the row on behalf of the transaction in ctx.
func (h *Header) EnterReadLock(ctx context.Context) error {
	return lockIn(ctx, h.RowLock(), lock.Read)
}

// EnterWriteLock write-locks the row on behalf of the transaction in ctx.
func (h *Header) EnterWriteLock(ctx context.Context) error {
	return lockIn(ctx, h.RowLock(), lock.Write)
}

func (h *Header) identity() *rowState {
	headerMu.RLock()
	st := h.state
	headerMu.RUnlock()
	if st != nil {
		return st
	}

	headerMu.Lock()
	defer headerMu.Unlock()
	if h.state == nil {
		h.state = &rowState{lock: lock.New("row")}
	}
	return h.state
}

// bind names the row's lock after the table and key. A lock created by an earlier EnterReadLock or
// EnterWriteLock is renamed.
func (h *Header) bind(tableName string, key any) {
	name := fmt.Sprintf("%s/%v", tableName, key)
	headerMu.Lock()
	defer headerMu.Unlock()
	if h.state == nil {
		h.state = &rowState{lock: lock.New(name), bound: true}
		return
	}
	if !h.state.bound {
		h.state.lock.SetName(name)
		h.state.bound = true
	}
}

func (h *Header) adopt(from *Header) {
	st := from.identity()
	headerMu.Lock()
	h.state = st
	headerMu.Unlock()
}

func (h *Header) sameIdentity(other *Header) bool {
	headerMu.RLock()
	defer headerMu.RUnlock()
	return h.state == other.state
}

func lockIn(ctx context.Context, l *lock.RWLock, mode lock.Mode) error {
	tx, err := txn.Current(ctx)
	if err != nil {
		return err
	}
	return tx.Lock(ctx, l, mode)
}

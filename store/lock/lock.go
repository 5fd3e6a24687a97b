package lock

import (
	"context"
	"sort"
	"sync"

	"github.com/DonaldAirey/data-model-test/store/deadlock"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

// Mode is the strength of a lock held or requested by an owner. Modes are ordered: holding Write
// implies holding Read.
type Mode int

const (
	None Mode = iota
	Read
	Write
)

func (m Mode) String() string {
	switch m {
	case None:
		return "none"
	case Read:
		return "read"
	case Write:
		return "write"
	}
	return "unknown"
}

func conflicts(a, b Mode) bool {
	return a == Write || b == Write
}

// Owner is the logical transaction a lock is held for. Nested transactions report their outermost
// transaction's id, so they share every lock their ancestors hold.
type Owner interface {
	LockOwnerID() uint64
	// WaitGraph is where wait-for edges of this owner are published. It may return nil to disable
	// deadlock detection.
	WaitGraph() *deadlock.Detector
}

// Grant records one successful acquisition. Releasing it restores the owner's previous mode.
type Grant struct {
	Lock  *RWLock
	Owner uint64
	Prev  Mode
	Mode  Mode
}

// RWLock is a reader/writer lock guarding one resource (a row or a table). Any number of owners may
// hold it in Read mode; Write is exclusive. Requests that cannot be granted wait in FIFO order; the
// head of the queue is granted as soon as it is compatible with the holders, and adjacent Read
// requests are granted together. A queued Write therefore keeps later readers out.
//
// An owner holding Read may ask for Write. The upgrade is granted at once when the owner is the only
// holder, otherwise it waits at the front of the queue for the other readers to leave.
//
// The zero value is an unlocked, unnamed lock.
type RWLock struct {
	name string

	mu      sync.Mutex
	holders map[uint64]Mode
	queue   queue
}

func New(name string) *RWLock {
	return &RWLock{name: name}
}

func (l *RWLock) Name() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.name
}

// SetName renames l. Requests already waiting keep reporting the old name.
func (l *RWLock) SetName(name string) {
	l.mu.Lock()
	l.name = name
	l.mu.Unlock()
}

// Acquire blocks until owner holds l in at least mode. It returns acquired=false, with no grant, when
// the owner already held a sufficient mode. The wait ends early with an *deadlock.ErrDeadlock if the
// request closes a wait-for cycle, or with ctx.Err() if ctx is done first; in both cases nothing is
// acquired.
func (l *RWLock) Acquire(ctx context.Context, owner Owner, mode Mode) (Grant, bool, error) {
	id := owner.LockOwnerID()

	l.mu.Lock()
	if l.holders == nil {
		l.holders = map[uint64]Mode{}
	}
	held := l.holders[id]
	if held >= mode {
		l.mu.Unlock()
		return Grant{}, false, nil
	}
	grant := Grant{Lock: l, Owner: id, Prev: held, Mode: mode}
	upgrade := held != None
	if (upgrade || l.queue.len() == 0) && l.compatibleLocked(id, mode) {
		l.holders[id] = mode
		l.mu.Unlock()
		return grant, true, nil
	}

	w := newWaiter(owner, mode, upgrade)
	l.queue.push(w)
	lockWaitCounter.WithLabelValues(mode.String()).Inc()
	if upgrade {
		// An upgrade overtakes queued requests, so their blockers change.
		l.refreshLocked()
	}
	name := l.name
	if err := w.graph.WaitFor(id, l.blockersLocked(w), name); err != nil {
		l.queue.remove(w)
		l.dispatchLocked()
		l.mu.Unlock()
		return Grant{}, false, err
	}
	l.mu.Unlock()

	log.Debug("waiting for lock",
		zap.String("lock", name),
		zap.Uint64("owner", id),
		zap.Stringer("mode", mode))

	select {
	case res := <-w.ch:
		if res.Err != nil {
			return Grant{}, false, res.Err
		}
		return grant, true, nil
	case <-ctx.Done():
		l.mu.Lock()
		if w.done {
			// The answer raced with the cancellation; honour the answer.
			l.mu.Unlock()
			res := <-w.ch
			if res.Err != nil {
				return Grant{}, false, res.Err
			}
			return grant, true, nil
		}
		l.queue.remove(w)
		w.graph.Clear(id)
		l.dispatchLocked()
		l.mu.Unlock()
		return Grant{}, false, ctx.Err()
	}
}

// Release gives back what g acquired and wakes the waiters that became grantable.
func (l *RWLock) Release(g Grant) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if g.Prev == None {
		delete(l.holders, g.Owner)
	} else {
		l.holders[g.Owner] = g.Prev
	}
	l.dispatchLocked()
}

// HeldBy returns the mode owner currently holds.
func (l *RWLock) HeldBy(owner uint64) Mode {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.holders[owner]
}

// Holders returns a copy of the current holders.
func (l *RWLock) Holders() map[uint64]Mode {
	l.mu.Lock()
	defer l.mu.Unlock()

	holders := make(map[uint64]Mode, len(l.holders))
	for owner, mode := range l.holders {
		holders[owner] = mode
	}
	return holders
}

// Waiting returns the number of queued requests.
func (l *RWLock) Waiting() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.queue.len()
}

func (l *RWLock) compatibleLocked(owner uint64, mode Mode) bool {
	for h, m := range l.holders {
		if h != owner && conflicts(m, mode) {
			return false
		}
	}
	return true
}

// dispatchLocked grants queued requests from the head while they are compatible with the holders.
func (l *RWLock) dispatchLocked() {
	for l.queue.len() > 0 {
		w := l.queue.waiters[0]
		if !l.compatibleLocked(w.owner, w.mode) {
			break
		}
		l.queue.popFront()
		l.holders[w.owner] = w.mode
		w.wakeUp(nil)
	}
	l.refreshLocked()
}

// refreshLocked republishes the wait-for edges of every queued request.
func (l *RWLock) refreshLocked() {
	for _, w := range l.queue.waiters {
		w.graph.SetWaitFor(w.owner, l.blockersLocked(w))
	}
}

// blockersLocked lists the owners w waits for: incompatible holders and incompatible requests queued
// ahead of it.
func (l *RWLock) blockersLocked(w *Waiter) []uint64 {
	seen := map[uint64]bool{w.owner: true}
	var blockers []uint64
	add := func(owner uint64) {
		if !seen[owner] {
			seen[owner] = true
			blockers = append(blockers, owner)
		}
	}
	for owner, mode := range l.holders {
		if conflicts(mode, w.mode) {
			add(owner)
		}
	}
	for _, ahead := range l.queue.waiters {
		if ahead == w {
			break
		}
		if conflicts(ahead.mode, w.mode) {
			add(ahead.owner)
		}
	}
	sort.Slice(blockers, func(i, j int) bool { return blockers[i] < blockers[j] })
	return blockers
}

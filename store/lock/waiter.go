package lock

import (
	"time"

	"github.com/DonaldAirey/data-model-test/store/deadlock"
)

// Waiter is a pending lock request. The lock answers it exactly once through ch, either with a grant
// (nil error) or with the reason the request was withdrawn.
type Waiter struct {
	owner   uint64
	mode    Mode
	upgrade bool
	graph   *deadlock.Detector
	ch      chan WaitResult
	start   time.Time
	// done is set, under the lock's mutex, once a result has been sent on ch.
	done bool
}

type WaitResult struct {
	Err error
}

func newWaiter(owner Owner, mode Mode, upgrade bool) *Waiter {
	return &Waiter{
		owner:   owner.LockOwnerID(),
		mode:    mode,
		upgrade: upgrade,
		graph:   owner.WaitGraph(),
		ch:      make(chan WaitResult, 1),
		start:   time.Now(),
	}
}

// wakeUp must be called under the lock's mutex.
func (w *Waiter) wakeUp(err error) {
	w.done = true
	w.graph.Clear(w.owner)
	w.ch <- WaitResult{Err: err}
	lockWaitDuration.WithLabelValues(w.mode.String()).Observe(time.Since(w.start).Seconds())
}

// queue is the FIFO of waiters for one lock. Upgrades are kept in front of ordinary requests, in the
// order they arrived.
type queue struct {
	waiters []*Waiter
}

func (q *queue) push(w *Waiter) {
	if !w.upgrade {
		q.waiters = append(q.waiters, w)
		return
	}
	i := 0
	for i < len(q.waiters) && q.waiters[i].upgrade {
		i++
	}
	q.waiters = append(q.waiters, nil)
	copy(q.waiters[i+1:], q.waiters[i:])
	q.waiters[i] = w
}

func (q *queue) remove(w *Waiter) bool {
	for i, waiter := range q.waiters {
		if waiter == w {
			q.waiters = append(q.waiters[:i], q.waiters[i+1:]...)
			return true
		}
	}
	return false
}

func (q *queue) popFront() *Waiter {
	w := q.waiters[0]
	q.waiters[0] = nil
	q.waiters = q.waiters[1:]
	return w
}

func (q *queue) len() int {
	return len(q.waiters)
}

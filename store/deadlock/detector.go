package deadlock

import (
	"sort"
	"sync"

	"github.com/pingcap/log"
	"go.uber.org/zap"
)

// Detector keeps the wait-for graph of the transactions that are currently blocked on a lock. An edge
// A -> B means transaction A waits for a lock held (or requested ahead of A) by transaction B. A cycle
// in the graph is a deadlock.
//
// All mutations and cycle scans happen under one mutex, so a scan always sees a consistent graph with
// respect to concurrent lock requests. A nil *Detector is valid and never reports a deadlock.
type Detector struct {
	mu      sync.Mutex
	waitFor map[uint64][]uint64
}

func NewDetector() *Detector {
	return &Detector{
		waitFor: map[uint64][]uint64{},
	}
}

// WaitFor replaces the outgoing edges of waiter with holders, then looks for a cycle that passes
// through waiter. Because waiter's edges are the newest ones, a cycle found here was closed by waiter
// and waiter is the victim: its edges are dropped and an *ErrDeadlock is returned.
func (d *Detector) WaitFor(waiter uint64, holders []uint64, resource string) error {
	if d == nil {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	d.setLocked(waiter, holders)
	cycle := d.cycleThroughLocked(waiter)
	if cycle == nil {
		return nil
	}
	delete(d.waitFor, waiter)
	deadlockCounter.Inc()
	log.Warn("deadlock detected",
		zap.Uint64("victim", waiter),
		zap.Uint64s("cycle", cycle),
		zap.String("resource", resource))
	return &ErrDeadlock{
		Txn:      waiter,
		WaitFor:  cycle[1],
		Cycle:    cycle,
		Resource: resource,
	}
}

// SetWaitFor replaces the outgoing edges of waiter without scanning for cycles. Lock queues use it when
// a state change only removes edges, or only adds edges that point at the request being checked with
// WaitFor right after.
func (d *Detector) SetWaitFor(waiter uint64, holders []uint64) {
	if d == nil {
		return
	}
	d.mu.Lock()
	d.setLocked(waiter, holders)
	d.mu.Unlock()
}

// Clear drops the outgoing edges of waiter, typically because its lock was granted or its wait was
// cancelled.
func (d *Detector) Clear(waiter uint64) {
	if d == nil {
		return
	}
	d.mu.Lock()
	delete(d.waitFor, waiter)
	d.mu.Unlock()
}

// Remove drops every edge that starts or ends at txn. It is called when a transaction finishes.
func (d *Detector) Remove(txn uint64) {
	if d == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	delete(d.waitFor, txn)
	for waiter, holders := range d.waitFor {
		kept := holders[:0]
		for _, h := range holders {
			if h != txn {
				kept = append(kept, h)
			}
		}
		if len(kept) == 0 {
			delete(d.waitFor, waiter)
		} else {
			d.waitFor[waiter] = kept
		}
	}
}

// Edges returns a copy of the graph.
func (d *Detector) Edges() map[uint64][]uint64 {
	if d == nil {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	edges := make(map[uint64][]uint64, len(d.waitFor))
	for waiter, holders := range d.waitFor {
		edges[waiter] = append([]uint64(nil), holders...)
	}
	return edges
}

// Len returns the number of waiting transactions.
func (d *Detector) Len() int {
	if d == nil {
		return 0
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.waitFor)
}

func (d *Detector) setLocked(waiter uint64, holders []uint64) {
	if len(holders) == 0 {
		delete(d.waitFor, waiter)
		return
	}
	edges := make([]uint64, 0, len(holders))
	for _, h := range holders {
		if h != waiter {
			edges = append(edges, h)
		}
	}
	sort.Slice(edges, func(i, j int) bool { return edges[i] < edges[j] })
	d.waitFor[waiter] = edges
}

// cycleThroughLocked returns the path start -> ... -> start if one exists, otherwise nil.
func (d *Detector) cycleThroughLocked(start uint64) []uint64 {
	visited := map[uint64]bool{}
	path := []uint64{start}
	var dfs func(txn uint64) bool
	dfs = func(txn uint64) bool {
		visited[txn] = true
		for _, next := range d.waitFor[txn] {
			if next == start {
				path = append(path, start)
				return true
			}
			if visited[next] {
				continue
			}
			path = append(path, next)
			if dfs(next) {
				return true
			}
			path = path[:len(path)-1]
		}
		return false
	}
	if dfs(start) {
		return path
	}
	return nil
}

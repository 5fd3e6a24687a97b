package deadlock

import (
	"fmt"

	"github.com/pingcap/errors"
)

// ErrDeadlock is returned to the transaction whose lock request closed a wait-for cycle. The request has
// been withdrawn; locks the transaction already holds are untouched until it rolls back.
type ErrDeadlock struct {
	Txn      uint64
	WaitFor  uint64
	Cycle    []uint64
	Resource string
}

func (e *ErrDeadlock) Error() string {
	return fmt.Sprintf("deadlock: txn %d waiting for txn %d on %q, cycle %v", e.Txn, e.WaitFor, e.Resource, e.Cycle)
}

// IsDeadlock reports whether the cause of err is an *ErrDeadlock.
func IsDeadlock(err error) bool {
	_, ok := errors.Cause(err).(*ErrDeadlock)
	return ok
}

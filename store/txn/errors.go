package txn

import (
	"fmt"

	"github.com/pingcap/errors"
)

var (
	// ErrNoTransaction is returned when an operation that must run inside a transaction finds none in
	// its context.
	ErrNoTransaction = errors.New("no transaction in context")
	// ErrNotOpen is returned when a committed or rolled back transaction is used.
	ErrNotOpen = errors.New("transaction is not open")
	// ErrChildActive is returned when a transaction is used while one of its nested transactions is
	// still open.
	ErrChildActive = errors.New("transaction has an open nested transaction")
)

// ErrLockWaitTimeout is returned when a lock request waits longer than the configured timeout.
type ErrLockWaitTimeout struct {
	Txn  uint64
	Lock string
}

func (e *ErrLockWaitTimeout) Error() string {
	return fmt.Sprintf("txn %d timed out waiting for lock %q", e.Txn, e.Lock)
}

func IsLockWaitTimeout(err error) bool {
	_, ok := errors.Cause(err).(*ErrLockWaitTimeout)
	return ok
}

package table

import (
	"fmt"

	"github.com/pingcap/errors"
)

// ErrDuplicateKey is returned by Add when the key is already indexed, or is pending deletion by
// another transaction.
type ErrDuplicateKey struct {
	Table string
	Key   any
}

func (e *ErrDuplicateKey) Error() string {
	return fmt.Sprintf("duplicate key %v in table %s", e.Key, e.Table)
}

// ErrConstraintViolation is returned when a foreign key does not resolve on add or update, or when a
// referenced parent row is removed.
type ErrConstraintViolation struct {
	Relation string
	Table    string
	Key      any
	Reason   string
}

func (e *ErrConstraintViolation) Error() string {
	return fmt.Sprintf("constraint %s violated by %s %v: %s", e.Relation, e.Table, e.Key, e.Reason)
}

type ErrRowNotFound struct {
	Table string
	Key   any
}

func (e *ErrRowNotFound) Error() string {
	return fmt.Sprintf("key %v not found in table %s", e.Key, e.Table)
}

// ErrInPlaceUpdate is returned by Update when it is passed the indexed row itself. Updates take a
// clone so the previous version can be restored on rollback.
type ErrInPlaceUpdate struct {
	Table string
	Key   any
}

func (e *ErrInPlaceUpdate) Error() string {
	return fmt.Sprintf("update of %v in table %s passed the indexed row, not a clone", e.Key, e.Table)
}

// ErrTableNotLocked is returned by Add and Remove when the transaction does not hold the table's
// write lock.
type ErrTableNotLocked struct {
	Table string
}

func (e *ErrTableNotLocked) Error() string {
	return fmt.Sprintf("table %s is not write locked by the transaction", e.Table)
}

func IsDuplicateKey(err error) bool {
	_, ok := errors.Cause(err).(*ErrDuplicateKey)
	return ok
}

func IsConstraintViolation(err error) bool {
	_, ok := errors.Cause(err).(*ErrConstraintViolation)
	return ok
}

func IsRowNotFound(err error) bool {
	_, ok := errors.Cause(err).(*ErrRowNotFound)
	return ok
}

func IsInPlaceUpdate(err error) bool {
	_, ok := errors.Cause(err).(*ErrInPlaceUpdate)
	return ok
}

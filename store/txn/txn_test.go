package txn

import (
	"context"
	"testing"
	"time"

	"github.com/DonaldAirey/data-model-test/config"
	"github.com/DonaldAirey/data-model-test/store/deadlock"
	"github.com/DonaldAirey/data-model-test/store/lock"
	"github.com/pingcap/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager() *Manager {
	return NewManager(config.NewTestConfig())
}

func TestCurrent(t *testing.T) {
	_, err := Current(context.Background())
	assert.Equal(t, ErrNoTransaction, err)

	ctx, tx := newTestManager().Begin(context.Background())
	defer tx.Close()
	cur, err := Current(ctx)
	require.NoError(t, err)
	assert.Same(t, tx, cur)
	assert.Nil(t, tx.Parent())
	assert.Equal(t, tx.ID(), tx.LockOwnerID())
}

func TestCommitReleasesLocks(t *testing.T) {
	mgr := newTestManager()
	l1, l2 := lock.New("a"), lock.New("b")

	ctx, tx := mgr.Begin(context.Background())
	require.NoError(t, tx.Lock(ctx, l1, lock.Read))
	require.NoError(t, tx.Lock(ctx, l2, lock.Write))
	require.NoError(t, tx.Lock(ctx, l1, lock.Write))
	assert.True(t, tx.Holds(l1, lock.Write))
	assert.True(t, tx.Holds(l2, lock.Read))

	var order []string
	tx.OnCommit(func() {
		order = append(order, "commit")
		// Locks are still held while commit actions run.
		assert.Equal(t, lock.Write, l1.HeldBy(tx.ID()))
	})
	tx.AfterCommit(func() {
		order = append(order, "after")
		assert.Equal(t, lock.None, l1.HeldBy(tx.ID()))
	})
	tx.OnRollback(func() { t.Error("undo ran on commit") })

	require.NoError(t, tx.Commit())
	assert.Equal(t, Committed, tx.State())
	assert.Equal(t, []string{"commit", "after"}, order)
	assert.Empty(t, l1.Holders())
	assert.Empty(t, l2.Holders())

	// Finished transactions refuse further work and Close is a no-op.
	assert.Equal(t, ErrNotOpen, tx.Commit())
	assert.Equal(t, ErrNotOpen, tx.Lock(ctx, l1, lock.Read))
	tx.Close()
	assert.Equal(t, Committed, tx.State())
}

func TestCompleteIsCommit(t *testing.T) {
	ctx, tx := newTestManager().Begin(context.Background())
	l := lock.New("a")
	require.NoError(t, tx.Lock(ctx, l, lock.Write))
	require.NoError(t, tx.Complete())
	assert.Equal(t, Committed, tx.State())
	assert.Empty(t, l.Holders())
}

func TestRollbackUndoesInReverse(t *testing.T) {
	mgr := newTestManager()
	l := lock.New("a")

	ctx, tx := mgr.Begin(context.Background())
	require.NoError(t, tx.Lock(ctx, l, lock.Write))
	var undone []int
	for i := 1; i <= 3; i++ {
		i := i
		tx.OnRollback(func() { undone = append(undone, i) })
	}
	tx.OnCommit(func() { t.Error("commit action ran on rollback") })
	tx.AfterCommit(func() { t.Error("after commit action ran on rollback") })

	tx.Close()
	assert.Equal(t, RolledBack, tx.State())
	assert.Equal(t, []int{3, 2, 1}, undone)
	assert.Empty(t, l.Holders())

	tx.Rollback()
	assert.Equal(t, []int{3, 2, 1}, undone)
}

func TestPanickingUndoDoesNotStopRollback(t *testing.T) {
	_, tx := newTestManager().Begin(context.Background())
	var ran bool
	tx.OnRollback(func() { ran = true })
	tx.OnRollback(func() { panic("boom") })
	tx.Rollback()
	assert.True(t, ran)
}

func TestNestedCommitDefersToRoot(t *testing.T) {
	mgr := newTestManager()
	l := lock.New("a")

	outerCtx, outer := mgr.Begin(context.Background())
	defer outer.Close()
	innerCtx, inner := mgr.Begin(outerCtx)
	assert.Same(t, outer, inner.Parent())
	assert.Equal(t, outer.ID(), inner.LockOwnerID())

	var committed bool
	inner.AfterCommit(func() { committed = true })
	require.NoError(t, inner.Lock(innerCtx, l, lock.Write))
	assert.True(t, outer.Holds(l, lock.Write))
	require.NoError(t, inner.Commit())
	inner.Close()

	// The lock passes to the outer transaction and nothing is final yet.
	assert.False(t, committed)
	assert.Equal(t, lock.Write, l.HeldBy(outer.ID()))

	require.NoError(t, outer.Commit())
	assert.True(t, committed)
	assert.Empty(t, l.Holders())
}

func TestNestedRollbackUnwindsOwnChanges(t *testing.T) {
	mgr := newTestManager()
	shared, own := lock.New("shared"), lock.New("own")

	outerCtx, outer := mgr.Begin(context.Background())
	require.NoError(t, outer.Lock(outerCtx, shared, lock.Read))
	var undone []string
	outer.OnRollback(func() { undone = append(undone, "outer") })

	innerCtx, inner := mgr.Begin(outerCtx)
	require.NoError(t, inner.Lock(innerCtx, shared, lock.Write))
	require.NoError(t, inner.Lock(innerCtx, own, lock.Write))
	inner.OnRollback(func() { undone = append(undone, "inner") })
	inner.Close()

	assert.Equal(t, []string{"inner"}, undone)
	// The upgrade is returned, the outer transaction's read lock stays.
	assert.Equal(t, lock.Read, shared.HeldBy(outer.ID()))
	assert.Empty(t, own.Holders())
	assert.Equal(t, Open, outer.State())

	require.NoError(t, outer.Commit())
	assert.Equal(t, []string{"inner"}, undone)
	assert.Empty(t, shared.Holders())
}

func TestCommittedChildUndoneByParentRollback(t *testing.T) {
	mgr := newTestManager()
	outerCtx, outer := mgr.Begin(context.Background())
	_, inner := mgr.Begin(outerCtx)

	var undone []string
	outer.OnRollback(func() { undone = append(undone, "outer") })
	inner.OnRollback(func() { undone = append(undone, "inner") })
	require.NoError(t, inner.Commit())
	outer.Rollback()
	assert.Equal(t, []string{"inner", "outer"}, undone)
}

func TestParentBlockedWhileChildOpen(t *testing.T) {
	mgr := newTestManager()
	outerCtx, outer := mgr.Begin(context.Background())
	_, inner := mgr.Begin(outerCtx)

	assert.Equal(t, ErrChildActive, outer.Commit())
	assert.Equal(t, ErrChildActive, outer.Lock(outerCtx, lock.New("a"), lock.Read))

	var undone bool
	inner.OnRollback(func() { undone = true })
	// Rolling back the parent rolls back the open child first.
	outer.Rollback()
	assert.True(t, undone)
	assert.Equal(t, RolledBack, inner.State())
}

func TestBeginAfterChildFinished(t *testing.T) {
	mgr := newTestManager()
	outerCtx, outer := mgr.Begin(context.Background())
	defer outer.Close()
	innerCtx, inner := mgr.Begin(outerCtx)
	require.NoError(t, inner.Commit())

	// A stale context nests under the nearest open ancestor.
	_, next := mgr.Begin(innerCtx)
	defer next.Close()
	assert.Same(t, outer, next.Parent())
}

func TestLockWaitTimeout(t *testing.T) {
	cfg := config.NewTestConfig()
	cfg.Txn.LockWaitTimeout = config.NewDuration(20 * time.Millisecond)
	mgr := NewManager(cfg)
	l := lock.New("a")

	ctx1, tx1 := mgr.Begin(context.Background())
	defer tx1.Close()
	require.NoError(t, tx1.Lock(ctx1, l, lock.Write))

	ctx2, tx2 := mgr.Begin(context.Background())
	defer tx2.Close()
	err := tx2.Lock(ctx2, l, lock.Read)
	require.Error(t, err)
	timeout, ok := errors.Cause(err).(*ErrLockWaitTimeout)
	require.True(t, ok, "%v", err)
	assert.Equal(t, tx2.ID(), timeout.Txn)
	assert.Equal(t, "a", timeout.Lock)
	assert.Equal(t, 0, l.Waiting())
	assert.Equal(t, 0, mgr.Detector().Len())
}

func TestCallerDeadlineIsNotLockWaitTimeout(t *testing.T) {
	cfg := config.NewTestConfig()
	cfg.Txn.LockWaitTimeout = config.NewDuration(time.Minute)
	mgr := NewManager(cfg)
	l := lock.New("a")

	ctx1, tx1 := mgr.Begin(context.Background())
	defer tx1.Close()
	require.NoError(t, tx1.Lock(ctx1, l, lock.Write))

	deadline, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	ctx2, tx2 := mgr.Begin(deadline)
	defer tx2.Close()
	err := tx2.Lock(ctx2, l, lock.Read)
	require.Error(t, err)
	assert.False(t, IsLockWaitTimeout(err), "%v", err)
	assert.Equal(t, context.DeadlineExceeded, errors.Cause(err))
	assert.Equal(t, 0, l.Waiting())
}

func TestDeadlockVictimRollsBack(t *testing.T) {
	mgr := newTestManager()
	a, b := lock.New("a"), lock.New("b")

	ctx1, tx1 := mgr.Begin(context.Background())
	ctx2, tx2 := mgr.Begin(context.Background())
	require.NoError(t, tx1.Lock(ctx1, a, lock.Write))
	require.NoError(t, tx2.Lock(ctx2, b, lock.Write))

	done := make(chan error, 1)
	go func() { done <- tx1.Lock(ctx1, b, lock.Write) }()
	require.Eventually(t, func() bool { return b.Waiting() == 1 }, time.Second, time.Millisecond)

	err := tx2.Lock(ctx2, a, lock.Write)
	require.True(t, deadlock.IsDeadlock(err), "%v", err)
	tx2.Close()

	require.NoError(t, <-done)
	require.NoError(t, tx1.Commit())
	assert.Empty(t, a.Holders())
	assert.Empty(t, b.Holders())
	assert.Equal(t, 0, mgr.Detector().Len())
}

func TestDetectionDisabled(t *testing.T) {
	cfg := config.NewTestConfig()
	cfg.Txn.DetectDeadlock = false
	mgr := NewManager(cfg)
	assert.Nil(t, mgr.Detector())

	ctx, tx := mgr.Begin(context.Background())
	assert.Nil(t, tx.WaitGraph())
	require.NoError(t, tx.Lock(ctx, lock.New("a"), lock.Write))
	require.NoError(t, tx.Commit())
}

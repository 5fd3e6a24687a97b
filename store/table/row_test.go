package table

import (
	"context"
	"testing"
	"time"

	"github.com/DonaldAirey/data-model-test/store/lock"
	"github.com/DonaldAirey/data-model-test/store/txn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDetachedRowLockIsShared(t *testing.T) {
	s := newTestSchema()
	row := &parentRow{id: 5}

	type locked struct {
		tx  *txn.Txn
		err error
	}
	start := make(chan struct{})
	results := make(chan locked, 2)
	for i := 0; i < 2; i++ {
		go func() {
			ctx, tx := s.mgr.Begin(context.Background())
			<-start
			results <- locked{tx: tx, err: row.EnterWriteLock(ctx)}
		}()
	}
	close(start)

	first := <-results
	require.NoError(t, first.err)
	assert.Equal(t, lock.Write, row.RowLock().HeldBy(first.tx.ID()))
	// The other transaction queues on the same lock instead of getting its own.
	assert.Eventually(t, func() bool { return row.RowLock().Waiting() == 1 }, time.Second, time.Millisecond)
	select {
	case res := <-results:
		t.Fatalf("second writer acquired while the first holds the row: %+v", res)
	case <-time.After(20 * time.Millisecond):
	}

	first.tx.Close()
	second := <-results
	require.NoError(t, second.err)
	assert.Equal(t, map[uint64]lock.Mode{second.tx.ID(): lock.Write}, row.RowLock().Holders())
	second.tx.Close()
}

func TestAddNamesEarlierRowLock(t *testing.T) {
	s := newTestSchema()
	row := &parentRow{id: 5}
	s.mustRun(t, func(ctx context.Context) error {
		if err := row.EnterWriteLock(ctx); err != nil {
			return err
		}
		assert.Equal(t, "row", row.RowLock().Name())
		return s.parents.Add(ctx, row)
	})
	assert.Equal(t, "parents/5", row.RowLock().Name())

	clone := row.clone()
	assert.Same(t, row.RowLock(), clone.RowLock())

	added := &parentRow{id: 6}
	s.mustRun(t, func(ctx context.Context) error {
		return s.parents.Add(ctx, added)
	})
	assert.Equal(t, "parents/6", added.RowLock().Name())
}

package table

import (
	"context"
	"testing"
	"time"

	"github.com/DonaldAirey/data-model-test/store/lock"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func childIDs(rows []*childRow) []int {
	ids := make([]int, 0, len(rows))
	for _, r := range rows {
		ids = append(ids, r.id)
	}
	return ids
}

func TestAddChecksParent(t *testing.T) {
	s := newTestSchema()
	err := s.run(t, func(ctx context.Context) error {
		return s.children.Add(ctx, &childRow{id: 10, parentID: 1})
	})
	require.True(t, IsConstraintViolation(err), "%v", err)
	violation := err.(*ErrConstraintViolation)
	assert.Equal(t, "ParentChildren", violation.Relation)
	assert.Equal(t, "children", violation.Table)
	assert.Equal(t, 10, violation.Key)
	assert.Equal(t, 0, s.children.Count())

	// A null foreign key is not checked.
	s.mustRun(t, func(ctx context.Context) error {
		return s.children.Add(ctx, &childRow{id: 11})
	})
	orphan, _ := s.children.Find(11)
	_, ok := s.rel.Parent(orphan)
	assert.False(t, ok)

	// A parent added earlier in the same transaction resolves.
	s.mustRun(t, func(ctx context.Context) error {
		if err := s.parents.Add(ctx, &parentRow{id: 1}); err != nil {
			return err
		}
		return s.children.Add(ctx, &childRow{id: 10, parentID: 1})
	})
	assert.Equal(t, 1, s.rel.Count(1))
}

func TestNavigation(t *testing.T) {
	s := newTestSchema()
	s.mustRun(t, func(ctx context.Context) error {
		require.NoError(t, s.parents.Add(ctx, &parentRow{id: 1}))
		require.NoError(t, s.parents.Add(ctx, &parentRow{id: 2}))
		for _, c := range []*childRow{{id: 30, parentID: 1}, {id: 10, parentID: 1}, {id: 20, parentID: 2}} {
			require.NoError(t, s.children.Add(ctx, c))
		}
		return nil
	})

	if diff := cmp.Diff([]int{10, 30}, childIDs(s.rel.Children(1))); diff != "" {
		t.Errorf("children of 1 (-want +got):\n%s", diff)
	}
	assert.Equal(t, 1, s.rel.Count(2))
	assert.Equal(t, 0, s.rel.Count(3))
	assert.Empty(t, s.rel.Children(3))
	assert.Equal(t, "ParentChildren", s.rel.Name())

	child, _ := s.children.Find(20)
	parent, ok := s.rel.Parent(child)
	require.True(t, ok)
	assert.Equal(t, 2, parent.id)
}

func TestRemoveParentWithChildren(t *testing.T) {
	s := newTestSchema()
	s.mustRun(t, func(ctx context.Context) error {
		require.NoError(t, s.parents.Add(ctx, &parentRow{id: 1}))
		return s.children.Add(ctx, &childRow{id: 10, parentID: 1})
	})

	parent, _ := s.parents.Find(1)
	err := s.run(t, func(ctx context.Context) error {
		return s.parents.Remove(ctx, parent)
	})
	require.True(t, IsConstraintViolation(err), "%v", err)
	assert.Equal(t, "parents", err.(*ErrConstraintViolation).Table)
	_, ok := s.parents.Find(1)
	assert.True(t, ok)

	// Removing the child first lets the parent go in the same transaction.
	s.mustRun(t, func(ctx context.Context) error {
		child, _ := s.children.Find(10)
		if err := s.children.Remove(ctx, child); err != nil {
			return err
		}
		return s.parents.Remove(ctx, parent)
	})
	assert.Equal(t, 0, s.parents.Count())
	assert.Equal(t, 0, s.children.Count())
	assert.Equal(t, 0, s.rel.Count(1))
}

func TestRemoveRollbackRestoresChildIndex(t *testing.T) {
	s := newTestSchema()
	s.mustRun(t, func(ctx context.Context) error {
		require.NoError(t, s.parents.Add(ctx, &parentRow{id: 1}))
		return s.children.Add(ctx, &childRow{id: 10, parentID: 1})
	})

	ctx, tx := s.mgr.Begin(context.Background())
	require.NoError(t, s.children.EnterWriteLock(ctx))
	child, _ := s.children.Find(10)
	require.NoError(t, s.children.Remove(ctx, child))
	assert.Equal(t, 0, s.rel.Count(1))
	tx.Close()

	assert.Equal(t, 1, s.rel.Count(1))
}

func TestChildPendingDeletionElsewhereBlocksParentRemove(t *testing.T) {
	s := newTestSchema()
	s.mustRun(t, func(ctx context.Context) error {
		require.NoError(t, s.parents.Add(ctx, &parentRow{id: 1}))
		return s.children.Add(ctx, &childRow{id: 10, parentID: 1})
	})

	ctxA, txA := s.mgr.Begin(context.Background())
	defer txA.Close()
	require.NoError(t, s.children.EnterWriteLock(ctxA))
	child, _ := s.children.Find(10)
	require.NoError(t, s.children.Remove(ctxA, child))

	ctxB, txB := s.mgr.Begin(context.Background())
	defer txB.Close()
	require.NoError(t, s.parents.EnterWriteLock(ctxB))
	parent, _ := s.parents.Find(1)
	err := s.parents.Remove(ctxB, parent)
	assert.True(t, IsConstraintViolation(err), "%v", err)
}

func TestAddHoldsParentUntilCommit(t *testing.T) {
	s := newTestSchema()
	s.mustRun(t, func(ctx context.Context) error {
		return s.parents.Add(ctx, &parentRow{id: 1})
	})
	parent, _ := s.parents.Find(1)

	ctxA, txA := s.mgr.Begin(context.Background())
	defer txA.Close()
	require.NoError(t, s.children.EnterWriteLock(ctxA))
	require.NoError(t, s.children.Add(ctxA, &childRow{id: 10, parentID: 1}))
	assert.True(t, txA.Holds(parent.RowLock(), lock.Read))

	ctxB, txB := s.mgr.Begin(context.Background())
	defer txB.Close()
	require.NoError(t, s.parents.EnterWriteLock(ctxB))
	done := make(chan error, 1)
	go func() { done <- s.parents.Remove(ctxB, parent) }()
	require.Eventually(t, func() bool { return parent.RowLock().Waiting() == 1 }, time.Second, time.Millisecond)

	require.NoError(t, txA.Commit())
	select {
	case err := <-done:
		assert.True(t, IsConstraintViolation(err), "%v", err)
	case <-time.After(time.Second):
		t.Fatal("remove did not resume")
	}
}

func TestUpdateMovesChildBetweenParents(t *testing.T) {
	s := newTestSchema()
	s.mustRun(t, func(ctx context.Context) error {
		require.NoError(t, s.parents.Add(ctx, &parentRow{id: 1}))
		require.NoError(t, s.parents.Add(ctx, &parentRow{id: 2}))
		return s.children.Add(ctx, &childRow{id: 10, parentID: 1})
	})
	child, _ := s.children.Find(10)

	moved := child.clone()
	moved.parentID = 3
	err := s.run(t, func(ctx context.Context) error {
		return s.children.Update(ctx, moved)
	})
	assert.True(t, IsConstraintViolation(err), "%v", err)
	assert.Equal(t, 1, s.rel.Count(1))

	moved = child.clone()
	moved.parentID = 2
	s.mustRun(t, func(ctx context.Context) error {
		return s.children.Update(ctx, moved)
	})
	assert.Equal(t, 0, s.rel.Count(1))
	assert.Equal(t, []int{10}, childIDs(s.rel.Children(2)))
}

func TestRelateIndexesExistingRows(t *testing.T) {
	s := newTestSchema()
	s.mustRun(t, func(ctx context.Context) error {
		require.NoError(t, s.parents.Add(ctx, &parentRow{id: 1}))
		return s.children.Add(ctx, &childRow{id: 10, parentID: 1})
	})
	again := Relate("Again", s.parents, s.children, func(c *childRow) (int, bool) {
		return c.parentID, true
	})
	assert.Equal(t, 1, again.Count(1))
}

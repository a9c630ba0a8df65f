package queue

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestMemQueue(t *testing.T) *MemQueue {
	t.Helper()
	q, err := OpenMemQueue(filepath.Join(t.TempDir(), "queue.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })
	return q
}

func TestEnqueueDequeueRoundTrip(t *testing.T) {
	q := newTestMemQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, Task{ID: "t1", TenantID: "tn", RunID: "r1", NodeID: "n1", Priority: PriorityNormal}))

	task, ok, err := q.Dequeue(ctx, nil, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "t1", task.ID)
	require.Equal(t, StateLeased, task.State)
	require.NotEmpty(t, task.LeaseHolder)
}

func TestDequeueOrdersByPriority(t *testing.T) {
	q := newTestMemQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, Task{ID: "low", Priority: PriorityLow}))
	require.NoError(t, q.Enqueue(ctx, Task{ID: "critical", Priority: PriorityCritical}))
	require.NoError(t, q.Enqueue(ctx, Task{ID: "normal", Priority: PriorityNormal}))

	task, ok, err := q.Dequeue(ctx, nil, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "critical", task.ID)
}

func TestDequeueFiltersByCapability(t *testing.T) {
	q := newTestMemQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, Task{ID: "gpu", Priority: PriorityCritical, Capabilities: []string{"gpu"}}))
	require.NoError(t, q.Enqueue(ctx, Task{ID: "cpu", Priority: PriorityLow}))

	task, ok, err := q.Dequeue(ctx, []string{"cpu-only"}, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "cpu", task.ID)
}

func TestDequeueReturnsFalseWhenEmpty(t *testing.T) {
	q := newTestMemQueue(t)
	_, ok, err := q.Dequeue(context.Background(), nil, time.Minute)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestAckSucceeds(t *testing.T) {
	q := newTestMemQueue(t)
	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, Task{ID: "t1", Priority: PriorityNormal}))

	task, _, err := q.Dequeue(ctx, nil, time.Minute)
	require.NoError(t, err)

	require.NoError(t, q.Ack(ctx, task.LeaseHolder, Result{Status: StateSucceeded}))

	snap, err := q.Snapshot(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, snap.Pending)
	require.Equal(t, 0, snap.Leased)
}

func TestAckUnknownLeaseReturnsLeaseExpired(t *testing.T) {
	q := newTestMemQueue(t)
	err := q.Ack(context.Background(), "bogus-lease", Result{Status: StateSucceeded})
	require.Error(t, err)
}

func TestNackRetriesUntilMaxAttemptsThenDeadLetters(t *testing.T) {
	q := newTestMemQueue(t)
	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, Task{ID: "t1", Priority: PriorityNormal, MaxAttempts: 2}))

	task, _, err := q.Dequeue(ctx, nil, time.Minute)
	require.NoError(t, err)
	require.NoError(t, q.Nack(ctx, task.LeaseHolder, "transient", true))

	snap, err := q.Snapshot(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, snap.Pending)

	task2, ok, err := q.Dequeue(ctx, nil, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 1, task2.Attempt)

	require.NoError(t, q.Nack(ctx, task2.LeaseHolder, "transient again", true))

	dead, err := q.DeadLetters(ctx)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	require.Equal(t, "t1", dead[0].ID)
	require.Equal(t, StateDead, dead[0].State)
}

func TestNackWithoutRetryGoesStraightToDead(t *testing.T) {
	q := newTestMemQueue(t)
	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, Task{ID: "t1", Priority: PriorityNormal, MaxAttempts: 5}))

	task, _, err := q.Dequeue(ctx, nil, time.Minute)
	require.NoError(t, err)
	require.NoError(t, q.Nack(ctx, task.LeaseHolder, "permanent", false))

	dead, err := q.DeadLetters(ctx)
	require.NoError(t, err)
	require.Len(t, dead, 1)
}

func TestSweepExpiredLeasesReturnsTaskToPending(t *testing.T) {
	q := newTestMemQueue(t)
	ctx := context.Background()
	frozen := time.Now()
	q.now = func() time.Time { return frozen }

	require.NoError(t, q.Enqueue(ctx, Task{ID: "t1", Priority: PriorityNormal}))
	_, ok, err := q.Dequeue(ctx, nil, time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)

	q.now = func() time.Time { return frozen.Add(time.Second) }

	n, err := q.SweepExpiredLeases(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	snap, err := q.Snapshot(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, snap.Pending)
	require.Equal(t, 0, snap.Leased)
}

func TestAgingBonusPromotesStarvedLowPriorityTask(t *testing.T) {
	q := newTestMemQueue(t)
	ctx := context.Background()
	frozen := time.Now()
	q.now = func() time.Time { return frozen }

	require.NoError(t, q.Enqueue(ctx, Task{ID: "old-batch", Priority: PriorityBatch}))

	q.now = func() time.Time { return frozen.Add(5 * time.Minute) }
	require.NoError(t, q.Enqueue(ctx, Task{ID: "fresh-normal", Priority: PriorityNormal}))

	task, ok, err := q.Dequeue(ctx, nil, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "old-batch", task.ID)
}

func TestSnapshotCountsByPriority(t *testing.T) {
	q := newTestMemQueue(t)
	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, Task{ID: "a", Priority: PriorityHigh}))
	require.NoError(t, q.Enqueue(ctx, Task{ID: "b", Priority: PriorityHigh}))
	require.NoError(t, q.Enqueue(ctx, Task{ID: "c", Priority: PriorityLow}))

	snap, err := q.Snapshot(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, snap.Pending)
	require.Equal(t, 2, snap.ByPriority[PriorityHigh])
	require.Equal(t, 1, snap.ByPriority[PriorityLow])
}

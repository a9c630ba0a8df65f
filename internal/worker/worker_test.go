package worker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Benjamindaoson/agentic-delivery-os/internal/queue"
	"github.com/Benjamindaoson/agentic-delivery-os/internal/roles"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeAdapter struct {
	report roles.StepReport
	err    error
}

func (f *fakeAdapter) Execute(ctx context.Context, rc roles.RunContext) (roles.StepReport, error) {
	return f.report, f.err
}

func newTestQueue(t *testing.T) *queue.MemQueue {
	t.Helper()
	q, err := queue.OpenMemQueue(filepath.Join(t.TempDir(), "queue.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })
	return q
}

func TestPollOnceAcksSuccessfulTask(t *testing.T) {
	q := newTestQueue(t)
	registry := roles.NewRegistry()
	registry.Register(roles.RoleProduct, &fakeAdapter{report: roles.StepReport{Status: roles.StatusSuccess}})

	require.NoError(t, q.Enqueue(context.Background(), queue.Task{ID: "t1", Role: roles.RoleProduct, Priority: queue.PriorityNormal}))

	w := New("w1", nil, q, registry, Config{DefaultTimeout: time.Second, HeartbeatInterval: time.Minute}, discardLogger())
	handled, err := w.pollOnce(context.Background())
	require.NoError(t, err)
	require.True(t, handled)

	snap, err := q.Snapshot(context.Background())
	require.NoError(t, err)
	require.Equal(t, 0, snap.Pending)
	require.Equal(t, 0, snap.Leased)
}

func TestPollOnceAcksFailedReportWithoutRetrying(t *testing.T) {
	q := newTestQueue(t)
	registry := roles.NewRegistry()
	registry.Register(roles.RoleData, &fakeAdapter{report: roles.StepReport{Status: roles.StatusFailure}})

	require.NoError(t, q.Enqueue(context.Background(), queue.Task{ID: "t1", Role: roles.RoleData, MaxAttempts: 5}))

	w := New("w1", nil, q, registry, Config{DefaultTimeout: time.Second, HeartbeatInterval: time.Minute}, discardLogger())
	handled, err := w.pollOnce(context.Background())
	require.NoError(t, err)
	require.True(t, handled)

	snap, err := q.Snapshot(context.Background())
	require.NoError(t, err)
	require.Equal(t, 0, snap.Pending)
	require.Equal(t, 0, snap.Leased)
}

func TestPollOnceUnknownRoleIsPermanentFailure(t *testing.T) {
	q := newTestQueue(t)
	registry := roles.NewRegistry()

	require.NoError(t, q.Enqueue(context.Background(), queue.Task{ID: "t1", Role: "no-such-role", MaxAttempts: 5}))

	w := New("w1", nil, q, registry, Config{DefaultTimeout: time.Second, HeartbeatInterval: time.Minute}, discardLogger())
	handled, err := w.pollOnce(context.Background())
	require.NoError(t, err)
	require.True(t, handled)

	dead, err := q.DeadLetters(context.Background())
	require.NoError(t, err)
	require.Len(t, dead, 1)
}

func TestPollOnceReturnsFalseWhenQueueEmpty(t *testing.T) {
	q := newTestQueue(t)
	registry := roles.NewRegistry()
	w := New("w1", nil, q, registry, Config{}, discardLogger())

	handled, err := w.pollOnce(context.Background())
	require.NoError(t, err)
	require.False(t, handled)
}

func TestUnknownErrorRetryBoundEventuallyDeadLetters(t *testing.T) {
	q := newTestQueue(t)
	registry := roles.NewRegistry()
	registry.Register(roles.RoleCost, &fakeAdapter{err: errors.New("boom")})

	require.NoError(t, q.Enqueue(context.Background(), queue.Task{ID: "t1", Role: roles.RoleCost, MaxAttempts: 10}))

	w := New("w1", nil, q, registry, Config{
		DefaultTimeout:         time.Second,
		HeartbeatInterval:      time.Minute,
		UnknownErrorRetryBound: 2,
	}, discardLogger())

	for i := 0; i < 2; i++ {
		handled, err := w.pollOnce(context.Background())
		require.NoError(t, err)
		require.True(t, handled)
	}

	dead, err := q.DeadLetters(context.Background())
	require.NoError(t, err)
	require.Len(t, dead, 1)
}

func TestDefaultClassifierTreatsDeadlineExceededAsTransient(t *testing.T) {
	require.Equal(t, ErrorTransient, DefaultClassifier(context.DeadlineExceeded))
	require.Equal(t, ErrorUnknown, DefaultClassifier(errors.New("weird")))
}

package pool

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRunAllNodesNoDependencies(t *testing.T) {
	p := New(4, 1.0, time.Second, discardLogger())
	nodes := []Node{
		{ID: "a", Run: func(ctx context.Context) (Result, error) { return Result{Status: "success"}, nil }},
		{ID: "b", Run: func(ctx context.Context) (Result, error) { return Result{Status: "success"}, nil }},
	}

	outcomes, err := p.Run(context.Background(), nodes)
	require.NoError(t, err)
	require.Len(t, outcomes, 2)
	require.Equal(t, "success", outcomes["a"].Result.Status)
	require.Equal(t, "success", outcomes["b"].Result.Status)
}

func TestHardDependencyFailureSkipsDependent(t *testing.T) {
	p := New(4, 1.0, time.Second, discardLogger())
	nodes := []Node{
		{ID: "a", Run: func(ctx context.Context) (Result, error) { return Result{Status: "failure"}, nil }},
		{ID: "b", HardDeps: []string{"a"}, Run: func(ctx context.Context) (Result, error) { return Result{Status: "success"}, nil }},
	}

	outcomes, err := p.Run(context.Background(), nodes)
	require.NoError(t, err)
	require.Equal(t, "failure", outcomes["a"].Result.Status)
	require.Equal(t, "failure", outcomes["b"].Result.Status)
	require.Error(t, outcomes["b"].Err)
}

func TestSoftDependencyFailureProducesWarningNotBlock(t *testing.T) {
	p := New(4, 1.0, time.Second, discardLogger())
	nodes := []Node{
		{ID: "a", Run: func(ctx context.Context) (Result, error) { return Result{Status: "failure"}, nil }},
		{ID: "b", SoftDeps: []string{"a"}, Run: func(ctx context.Context) (Result, error) { return Result{Status: "success"}, nil }},
	}

	outcomes, err := p.Run(context.Background(), nodes)
	require.NoError(t, err)
	require.Equal(t, "success", outcomes["b"].Result.Status)
	require.NotEmpty(t, outcomes["b"].Result.Warnings)
}

func TestBackpressureLimitsConcurrency(t *testing.T) {
	p := New(1, 1.0, time.Second, discardLogger())
	require.False(t, p.Backpressured())

	nodes := []Node{
		{ID: "a", Priority: 2, Run: func(ctx context.Context) (Result, error) {
			time.Sleep(10 * time.Millisecond)
			return Result{Status: "success"}, nil
		}},
		{ID: "b", Priority: 1, Run: func(ctx context.Context) (Result, error) { return Result{Status: "success"}, nil }},
	}

	outcomes, err := p.Run(context.Background(), nodes)
	require.NoError(t, err)
	require.Len(t, outcomes, 2)
}

func TestCancellationAbandonsPendingNodes(t *testing.T) {
	p := New(1, 1.0, 10*time.Millisecond, discardLogger())
	ctx, cancel := context.WithCancel(context.Background())

	started := make(chan struct{})
	nodes := []Node{
		{ID: "a", Run: func(ctx context.Context) (Result, error) {
			close(started)
			<-ctx.Done()
			return Result{Status: "failure"}, ctx.Err()
		}},
	}

	go func() {
		<-started
		cancel()
	}()

	outcomes, err := p.Run(ctx, nodes)
	require.Error(t, err)
	require.NotEmpty(t, outcomes)
}

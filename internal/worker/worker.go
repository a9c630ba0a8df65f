// Package worker implements the Worker loop: dequeue a task, execute its
// role step under a deadline, ack or nack the result, and heartbeat while
// busy (spec.md §4.4). Workers register a set of capability tags and only
// ever receive tasks whose required capabilities they declare.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/Benjamindaoson/agentic-delivery-os/internal/queue"
	"github.com/Benjamindaoson/agentic-delivery-os/internal/roles"
)

// ErrorClass categorizes a role-step failure for retry purposes, the same
// three-way split the teacher's dispatch retry policy escalates on.
type ErrorClass int

const (
	ErrorTransient ErrorClass = iota
	ErrorPermanent
	ErrorUnknown
)

// Classifier maps an execution error to a retry class. Callers supply their
// own (network/timeout errors are transient, validation errors permanent);
// DefaultClassifier treats context deadline/cancellation as transient and
// everything else as unknown.
type Classifier func(err error) ErrorClass

// DefaultClassifier is used when no Classifier is configured.
func DefaultClassifier(err error) ErrorClass {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return ErrorTransient
	}
	return ErrorUnknown
}

// Worker polls a Queue for tasks whose required capabilities it holds,
// executes them via a roles.Registry, and reports outcomes back.
type Worker struct {
	ID           string
	Capabilities []string

	q          queue.Queue
	registry   *roles.Registry
	classifier Classifier
	logger     *slog.Logger

	defaultTimeout     time.Duration
	heartbeatInterval  time.Duration
	unknownRetryBound  int

	unknownAttempts map[string]int
}

// New constructs a Worker. id should be stable across restarts so in-flight
// lease attribution in logs/metrics is meaningful.
func New(id string, capabilities []string, q queue.Queue, registry *roles.Registry, cfg Config, logger *slog.Logger) *Worker {
	if id == "" {
		id = uuid.NewString()
	}
	classifier := cfg.Classifier
	if classifier == nil {
		classifier = DefaultClassifier
	}
	return &Worker{
		ID:                id,
		Capabilities:      capabilities,
		q:                 q,
		registry:          registry,
		classifier:        classifier,
		logger:            logger.With("component", "worker", "worker_id", id),
		defaultTimeout:    cfg.DefaultTimeout,
		heartbeatInterval: cfg.HeartbeatInterval,
		unknownRetryBound: cfg.UnknownErrorRetryBound,
		unknownAttempts:   make(map[string]int),
	}
}

// Config carries the tunables a Worker needs from config.Worker without
// this package importing internal/config directly.
type Config struct {
	DefaultTimeout         time.Duration
	HeartbeatInterval      time.Duration
	UnknownErrorRetryBound int
	Classifier             Classifier
}

// Run polls once per iteration until ctx is cancelled, blocking briefly
// between empty polls so an idle worker fleet doesn't busy-loop the queue.
func (w *Worker) Run(ctx context.Context, idlePoll time.Duration) error {
	if idlePoll <= 0 {
		idlePoll = 200 * time.Millisecond
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		handled, err := w.pollOnce(ctx)
		if err != nil {
			w.logger.Error("poll failed", "error", err)
		}
		if !handled {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(idlePoll):
			}
		}
	}
}

// pollOnce dequeues at most one task and fully processes it. It returns
// handled=true if a task was dequeued (regardless of outcome), so Run can
// skip the idle sleep and immediately poll again.
func (w *Worker) pollOnce(ctx context.Context) (bool, error) {
	leaseDuration := w.heartbeatInterval * 4
	if leaseDuration <= 0 {
		leaseDuration = time.Minute
	}

	task, ok, err := w.q.Dequeue(ctx, w.Capabilities, leaseDuration)
	if err != nil {
		return false, fmt.Errorf("worker: dequeue: %w", err)
	}
	if !ok {
		return false, nil
	}

	stop := w.startHeartbeat(ctx, task.LeaseHolder, leaseDuration)
	defer stop()

	w.execute(ctx, task)
	return true, nil
}

// startHeartbeat logs a debug heartbeat for the leased task every
// interval/4 while it executes. It does not extend the lease: the Queue
// interface has no renewal call, so a task that outlives its lease is
// handled by the backend's SweepExpiredLeases.
func (w *Worker) startHeartbeat(ctx context.Context, leaseID string, interval time.Duration) func() {
	if interval <= 0 {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval / 4)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				w.logger.Debug("heartbeat", "lease_id", leaseID)
			}
		}
	}()
	return func() { close(done) }
}

func (w *Worker) execute(ctx context.Context, task queue.Task) {
	adapter, ok := w.registry.Resolve(task.Role)
	if !ok {
		w.fail(ctx, task, fmt.Errorf("worker: no adapter registered for role %q", task.Role), ErrorPermanent)
		return
	}

	timeout := w.defaultTimeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}

	var spec map[string]any
	if len(task.Payload) > 0 {
		if err := json.Unmarshal(task.Payload, &spec); err != nil {
			w.fail(ctx, task, fmt.Errorf("worker: decode task payload: %w", err), ErrorPermanent)
			return
		}
	}

	rc := roles.RunContext{
		RunID:    task.RunID,
		TenantID: task.TenantID,
		NodeID:   task.NodeID,
		Role:     task.Role,
		Spec:     spec,
		Timeout:  timeout,
	}

	report, err := roles.RunWithTimeout(ctx, adapter, rc)
	if err != nil {
		w.fail(ctx, task, err, w.classifier(err))
		return
	}

	status := queue.StateSucceeded
	if report.Status != roles.StatusSuccess {
		status = queue.StateFailed
	}
	if ackErr := w.q.Ack(ctx, task.LeaseHolder, queue.Result{Status: status}); ackErr != nil {
		w.logger.Error("ack failed", "task_id", task.ID, "error", ackErr)
	}
	delete(w.unknownAttempts, task.ID)
}

func (w *Worker) fail(ctx context.Context, task queue.Task, err error, class ErrorClass) {
	w.logger.Warn("task execution failed", "task_id", task.ID, "error", err, "class", class)

	retry := true
	switch class {
	case ErrorPermanent:
		retry = false
	case ErrorUnknown:
		w.unknownAttempts[task.ID]++
		if w.unknownRetryBound > 0 && w.unknownAttempts[task.ID] >= w.unknownRetryBound {
			retry = false
		}
	}

	if nackErr := w.q.Nack(ctx, task.LeaseHolder, err.Error(), retry); nackErr != nil {
		w.logger.Error("nack failed", "task_id", task.ID, "error", nackErr)
	}
	if !retry {
		delete(w.unknownAttempts, task.ID)
	}
}

// Package controlplane implements the distributed-deployment Control Plane:
// idempotent worker registration by id, capability-based dispatch bookkeeping,
// heartbeat processing, and a dead-worker sweeper that marks silent workers
// dead and then runs the Task Queue's lease-expiry sweep, so a dead worker's
// leased tasks return to pending only once their leases have expired
// (spec.md §4.9).
package controlplane

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Benjamindaoson/agentic-delivery-os/internal/queue"
)

// WorkerRecord is the Control Plane's view of a registered worker.
type WorkerRecord struct {
	ID            string
	Capabilities  []string
	MaxConcurrent int
	RegisteredAt  time.Time
	LastHeartbeat time.Time
	Dead          bool
}

// ControlPlane tracks worker liveness and runs the dead-worker recovery
// sweep. Task assignment itself stays in the Task Queue (a worker's
// capability set is only consulted there); this package is the liveness
// and recovery authority layered on top.
type ControlPlane struct {
	heartbeatTimeout time.Duration
	q                queue.Queue
	logger           *slog.Logger
	now              func() time.Time

	mu      sync.Mutex
	workers map[string]*WorkerRecord
}

// New constructs a Control Plane bound to a Task Queue for dead-worker
// task recovery.
func New(q queue.Queue, heartbeatTimeout time.Duration, logger *slog.Logger) *ControlPlane {
	if heartbeatTimeout <= 0 {
		heartbeatTimeout = 60 * time.Second
	}
	return &ControlPlane{
		heartbeatTimeout: heartbeatTimeout,
		q:                q,
		logger:           logger.With("component", "control_plane"),
		now:              time.Now,
		workers:          make(map[string]*WorkerRecord),
	}
}

// Register is idempotent on worker id: re-registering an existing worker
// refreshes its capabilities/capacity and clears any dead marking.
func (c *ControlPlane) Register(workerID string, capabilities []string, maxConcurrent int) WorkerRecord {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now().UTC()
	rec, exists := c.workers[workerID]
	if !exists {
		rec = &WorkerRecord{ID: workerID, RegisteredAt: now}
		c.workers[workerID] = rec
	}
	rec.Capabilities = capabilities
	rec.MaxConcurrent = maxConcurrent
	rec.LastHeartbeat = now
	rec.Dead = false

	c.logger.Info("worker registered", "worker_id", workerID, "capabilities", capabilities, "reregistered", exists)
	return *rec
}

// Heartbeat records liveness for workerID. It is a single timestamp update,
// made under the Control Plane's one mutex, so heartbeats from different
// workers are serialized for the duration of that write.
func (c *ControlPlane) Heartbeat(workerID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	rec, ok := c.workers[workerID]
	if !ok {
		return fmt.Errorf("controlplane: heartbeat: unknown worker %q", workerID)
	}
	rec.LastHeartbeat = c.now().UTC()
	rec.Dead = false
	return nil
}

// Deregister removes a worker explicitly (graceful shutdown), distinct from
// sweeper-driven dead marking.
func (c *ControlPlane) Deregister(workerID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.workers, workerID)
}

// Workers returns a snapshot of all known worker records.
func (c *ControlPlane) Workers() []WorkerRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]WorkerRecord, 0, len(c.workers))
	for _, r := range c.workers {
		out = append(out, *r)
	}
	return out
}

// SweepDeadWorkers marks workers silent longer than heartbeatTimeout as
// dead and relies on the Task Queue's own lease-expiry sweep to return
// their in-flight tasks to pending — the Control Plane does not hold task
// state itself, only worker liveness, per spec.md §9's resource-ownership
// split (Task Queue is the sole lease authority).
func (c *ControlPlane) SweepDeadWorkers(ctx context.Context) ([]string, error) {
	now := c.now().UTC()

	c.mu.Lock()
	var newlyDead []string
	for id, rec := range c.workers {
		if rec.Dead {
			continue
		}
		if now.Sub(rec.LastHeartbeat) > c.heartbeatTimeout {
			rec.Dead = true
			newlyDead = append(newlyDead, id)
		}
	}
	c.mu.Unlock()

	for _, id := range newlyDead {
		c.logger.Warn("worker marked dead", "worker_id", id, "heartbeat_timeout", c.heartbeatTimeout)
	}

	if len(newlyDead) > 0 {
		if _, err := c.q.SweepExpiredLeases(ctx); err != nil {
			return newlyDead, fmt.Errorf("controlplane: sweep: %w", err)
		}
	}

	return newlyDead, nil
}

// RunSweeper blocks, running SweepDeadWorkers at the given interval, until
// ctx is cancelled. Intended as a long-lived goroutine in the engine's main
// loop.
func (c *ControlPlane) RunSweeper(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = c.heartbeatTimeout / 4
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := c.SweepDeadWorkers(ctx); err != nil {
				c.logger.Error("sweep failed", "error", err)
			}
		}
	}
}

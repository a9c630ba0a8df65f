// Package queue implements the Task Queue contract shared by both the
// in-process and distributed deployment modes: enqueue, dequeue, ack, nack,
// and snapshot, with strict-priority ordering modulo a starvation-avoidance
// aging bonus and lease-based exclusivity (spec.md §4.3).
package queue

import (
	"context"
	"time"
)

// Task states.
const (
	StatePending   = "pending"
	StateLeased    = "leased"
	StateSucceeded = "succeeded"
	StateFailed    = "failed"
	StateDead      = "dead"
)

// Priority classes, highest first.
const (
	PriorityCritical = "critical"
	PriorityHigh     = "high"
	PriorityNormal   = "normal"
	PriorityLow      = "low"
	PriorityBatch    = "batch"
)

var priorityRank = map[string]int{
	PriorityCritical: 0,
	PriorityHigh:     1,
	PriorityNormal:   2,
	PriorityLow:      3,
	PriorityBatch:    4,
}

// Rank returns the sort rank for a priority class; unknown classes sort
// after every known one.
func Rank(priority string) int {
	if r, ok := priorityRank[priority]; ok {
		return r
	}
	return len(priorityRank)
}

// Task is one queue unit.
type Task struct {
	ID            string
	TenantID      string
	RunID         string
	NodeID        string
	Role          string // role tag used to resolve the executing adapter
	Payload       []byte // opaque
	Priority      string
	Capabilities  []string // required worker capability tags
	Attempt       int
	MaxAttempts   int
	LeaseHolder   string // empty if not leased
	LeaseExpiry   time.Time
	State         string
	EnqueuedAt    time.Time
}

// Result is what a worker reports back via Ack.
type Result struct {
	Status string // succeeded|failed
	Output []byte
}

// Snapshot is the queue's point-in-time state, used for crash recovery and
// observability.
type Snapshot struct {
	Pending   int
	Leased    int
	Dead      int
	ByPriority map[string]int
}

// Queue is the contract both backends (memqueue, redisqueue) implement.
type Queue interface {
	Enqueue(ctx context.Context, task Task) error
	// Dequeue returns the highest-priority pending task whose required
	// capabilities are a subset of workerCapabilities, leasing it for
	// leaseDuration. Returns ok=false if no eligible task is available.
	Dequeue(ctx context.Context, workerCapabilities []string, leaseDuration time.Duration) (Task, bool, error)
	Ack(ctx context.Context, leaseID string, result Result) error
	Nack(ctx context.Context, leaseID string, reason string, retry bool) error
	Snapshot(ctx context.Context) (Snapshot, error)
	DeadLetters(ctx context.Context) ([]Task, error)
	// SweepExpiredLeases returns leased tasks past their lease expiry to
	// pending, incrementing their attempt count, or to dead once that count
	// reaches the task's max attempts. Called periodically and
	// also opportunistically before Dequeue (lazy + eager expiry).
	SweepExpiredLeases(ctx context.Context) (int, error)
}

func capabilitiesSatisfied(required, held []string) bool {
	heldSet := make(map[string]bool, len(held))
	for _, c := range held {
		heldSet[c] = true
	}
	for _, r := range required {
		if !heldSet[r] {
			return false
		}
	}
	return true
}

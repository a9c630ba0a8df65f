package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Benjamindaoson/agentic-delivery-os/internal/corerr"
	"github.com/Benjamindaoson/agentic-delivery-os/internal/dbutil"
)

const memSchema = `
CREATE TABLE IF NOT EXISTS tasks (
	id TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	run_id TEXT NOT NULL,
	node_id TEXT NOT NULL,
	role TEXT NOT NULL DEFAULT '',
	payload BLOB NOT NULL,
	priority TEXT NOT NULL,
	capabilities TEXT NOT NULL DEFAULT '[]',
	attempt INTEGER NOT NULL DEFAULT 0,
	max_attempts INTEGER NOT NULL,
	lease_id TEXT NOT NULL DEFAULT '',
	lease_holder TEXT NOT NULL DEFAULT '',
	lease_expiry DATETIME,
	state TEXT NOT NULL,
	enqueued_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tasks_state_priority ON tasks(state, priority);
`

// MemQueue is the single-process, SQLite-backed Task Queue implementation,
// snapshotted to disk via the same WAL database it stores tasks in. It is
// the default backend (config.Queue.Backend = "memory").
type MemQueue struct {
	db  *sql.DB
	mu  sync.Mutex // serializes dequeue's read-then-lease so leases stay exclusive
	now func() time.Time
}

// OpenMemQueue opens (creating if needed) the in-process task queue store.
func OpenMemQueue(path string) (*MemQueue, error) {
	db, err := dbutil.Open(path, memSchema)
	if err != nil {
		return nil, fmt.Errorf("queue: %w", err)
	}
	return &MemQueue{db: db, now: time.Now}, nil
}

// Close releases the underlying database handle.
func (q *MemQueue) Close() error { return q.db.Close() }

func (q *MemQueue) Enqueue(ctx context.Context, task Task) error {
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if task.MaxAttempts <= 0 {
		task.MaxAttempts = 3
	}
	task.State = StatePending
	task.EnqueuedAt = q.now().UTC()

	caps, err := json.Marshal(task.Capabilities)
	if err != nil {
		return fmt.Errorf("queue: enqueue: marshal capabilities: %w", err)
	}

	_, err = q.db.ExecContext(ctx, `INSERT INTO tasks
		(id, tenant_id, run_id, node_id, role, payload, priority, capabilities, attempt, max_attempts, state, enqueued_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		task.ID, task.TenantID, task.RunID, task.NodeID, task.Role, task.Payload, task.Priority, string(caps),
		task.Attempt, task.MaxAttempts, task.State, task.EnqueuedAt)
	if err != nil {
		return fmt.Errorf("queue: enqueue: %w", err)
	}
	return nil
}

func (q *MemQueue) Dequeue(ctx context.Context, workerCapabilities []string, leaseDuration time.Duration) (Task, bool, error) {
	if _, err := q.SweepExpiredLeases(ctx); err != nil {
		return Task{}, false, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	rows, err := q.db.QueryContext(ctx, `SELECT id, tenant_id, run_id, node_id, role, payload, priority, capabilities,
		attempt, max_attempts, state, enqueued_at FROM tasks WHERE state = ?`, StatePending)
	if err != nil {
		return Task{}, false, fmt.Errorf("queue: dequeue: %w", err)
	}

	var candidates []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			rows.Close()
			return Task{}, false, fmt.Errorf("queue: dequeue: scan: %w", err)
		}
		if capabilitiesSatisfied(t.Capabilities, workerCapabilities) {
			candidates = append(candidates, t)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return Task{}, false, fmt.Errorf("queue: dequeue: %w", err)
	}
	if len(candidates) == 0 {
		return Task{}, false, nil
	}

	// Strict priority order modulo a bounded aging bonus: tasks enqueued
	// long ago are promoted by one rank per agingBonusEvery interval
	// elapsed, capped so batch-class work is never starved outright.
	sort.Slice(candidates, func(i, j int) bool {
		ri, rj := effectiveRank(candidates[i], q.now()), effectiveRank(candidates[j], q.now())
		if ri != rj {
			return ri < rj
		}
		return candidates[i].EnqueuedAt.Before(candidates[j].EnqueuedAt)
	})

	chosen := candidates[0]
	leaseID := uuid.NewString()
	expiry := q.now().UTC().Add(leaseDuration)

	res, err := q.db.ExecContext(ctx, `UPDATE tasks SET state = ?, lease_id = ?, lease_holder = ?, lease_expiry = ?
		WHERE id = ? AND state = ?`, StateLeased, leaseID, leaseID, expiry, chosen.ID, StatePending)
	if err != nil {
		return Task{}, false, fmt.Errorf("queue: dequeue: lease: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		// raced with another dequeue; caller retries
		return Task{}, false, nil
	}

	chosen.State = StateLeased
	chosen.LeaseHolder = leaseID
	chosen.LeaseExpiry = expiry
	return chosen, true, nil
}

// effectiveRank applies the aging bonus: every 30s of wait promotes a task
// by one priority rank, bounded at rank 0 (critical).
func effectiveRank(t Task, now time.Time) int {
	const agingBonusEvery = 30 * time.Second
	rank := Rank(t.Priority)
	waited := now.Sub(t.EnqueuedAt)
	bonus := int(waited / agingBonusEvery)
	rank -= bonus
	if rank < 0 {
		rank = 0
	}
	return rank
}

func (q *MemQueue) Ack(ctx context.Context, leaseID string, result Result) error {
	state := StateSucceeded
	if result.Status == StateFailed {
		state = StateFailed
	}
	res, err := q.db.ExecContext(ctx, `UPDATE tasks SET state = ?, lease_holder = '', lease_expiry = NULL
		WHERE lease_id = ? AND state = ?`, state, leaseID, StateLeased)
	if err != nil {
		return fmt.Errorf("queue: ack: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return fmt.Errorf("queue: ack: %w: lease %s", corerr.ErrLeaseExpired, leaseID)
	}
	return nil
}

func (q *MemQueue) Nack(ctx context.Context, leaseID string, reason string, retry bool) error {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("queue: nack: %w", err)
	}
	defer tx.Rollback()

	var attempt, maxAttempts int
	err = tx.QueryRowContext(ctx, `SELECT attempt, max_attempts FROM tasks WHERE lease_id = ? AND state = ?`,
		leaseID, StateLeased).Scan(&attempt, &maxAttempts)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("queue: nack: %w: lease %s", corerr.ErrLeaseExpired, leaseID)
		}
		return fmt.Errorf("queue: nack: %w", err)
	}

	attempt++
	newState := StatePending
	if !retry || attempt >= maxAttempts {
		newState = StateDead
	}

	_, err = tx.ExecContext(ctx, `UPDATE tasks SET state = ?, attempt = ?, lease_id = '', lease_holder = '', lease_expiry = NULL
		WHERE lease_id = ?`, newState, attempt, leaseID)
	if err != nil {
		return fmt.Errorf("queue: nack: %w", err)
	}

	return tx.Commit()
}

func (q *MemQueue) Snapshot(ctx context.Context) (Snapshot, error) {
	snap := Snapshot{ByPriority: make(map[string]int)}

	rows, err := q.db.QueryContext(ctx, `SELECT state, priority, COUNT(*) FROM tasks GROUP BY state, priority`)
	if err != nil {
		return Snapshot{}, fmt.Errorf("queue: snapshot: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var state, priority string
		var count int
		if err := rows.Scan(&state, &priority, &count); err != nil {
			return Snapshot{}, fmt.Errorf("queue: snapshot: scan: %w", err)
		}
		switch state {
		case StatePending:
			snap.Pending += count
			snap.ByPriority[priority] += count
		case StateLeased:
			snap.Leased += count
		case StateDead:
			snap.Dead += count
		}
	}
	return snap, rows.Err()
}

func (q *MemQueue) DeadLetters(ctx context.Context) ([]Task, error) {
	rows, err := q.db.QueryContext(ctx, `SELECT id, tenant_id, run_id, node_id, role, payload, priority, capabilities,
		attempt, max_attempts, state, enqueued_at FROM tasks WHERE state = ? ORDER BY enqueued_at ASC`, StateDead)
	if err != nil {
		return nil, fmt.Errorf("queue: dead letters: %w", err)
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("queue: dead letters: scan: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (q *MemQueue) SweepExpiredLeases(ctx context.Context) (int, error) {
	now := q.now().UTC()
	rows, err := q.db.QueryContext(ctx, `SELECT id, lease_id, attempt, max_attempts FROM tasks
		WHERE state = ? AND lease_expiry IS NOT NULL AND lease_expiry < ?`, StateLeased, now)
	if err != nil {
		return 0, fmt.Errorf("queue: sweep: %w", err)
	}

	type expired struct {
		id, leaseID      string
		attempt, maxAtt  int
	}
	var list []expired
	for rows.Next() {
		var e expired
		if err := rows.Scan(&e.id, &e.leaseID, &e.attempt, &e.maxAtt); err != nil {
			rows.Close()
			return 0, fmt.Errorf("queue: sweep: scan: %w", err)
		}
		list = append(list, e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	count := 0
	for _, e := range list {
		attempt := e.attempt + 1
		newState := StatePending
		if attempt >= e.maxAtt {
			newState = StateDead
		}
		res, err := q.db.ExecContext(ctx, `UPDATE tasks SET state = ?, attempt = ?, lease_id = '', lease_holder = '', lease_expiry = NULL
			WHERE id = ? AND lease_id = ?`, newState, attempt, e.id, e.leaseID)
		if err != nil {
			return count, fmt.Errorf("queue: sweep: %w", err)
		}
		if affected, _ := res.RowsAffected(); affected > 0 {
			count++
		}
	}
	return count, nil
}

func scanTask(rows *sql.Rows) (Task, error) {
	var t Task
	var caps string
	if err := rows.Scan(&t.ID, &t.TenantID, &t.RunID, &t.NodeID, &t.Role, &t.Payload, &t.Priority, &caps,
		&t.Attempt, &t.MaxAttempts, &t.State, &t.EnqueuedAt); err != nil {
		return Task{}, err
	}
	if strings.TrimSpace(caps) != "" {
		if err := json.Unmarshal([]byte(caps), &t.Capabilities); err != nil {
			return Task{}, err
		}
	}
	return t, nil
}

// Package runstate implements the State Manager: the sole writer of run
// lifecycle state. Every transition is linearized per-run and durably
// recorded with its reason and actor before the call returns; every other
// component only ever reads through this package.
package runstate

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Benjamindaoson/agentic-delivery-os/internal/corerr"
	"github.com/Benjamindaoson/agentic-delivery-os/internal/dbutil"
)

// Run states, per spec.md §3.
const (
	StateIdle      = "IDLE"
	StateSpecReady = "SPEC_READY"
	StateRunning   = "RUNNING"
	StatePaused    = "PAUSED"
	StateCompleted = "COMPLETED"
	StateFailed    = "FAILED"
)

// Execution modes a run can be operating under.
const (
	ModeNormal   = "NORMAL"
	ModeDegraded = "DEGRADED"
	ModeMinimal  = "MINIMAL"
)

// allowedTransitions is the full allowed-transition graph. Every pair not
// present here is rejected with ErrTransitionIllegal.
var allowedTransitions = map[string]map[string]bool{
	StateIdle:      {StateSpecReady: true},
	StateSpecReady: {StateRunning: true},
	StateRunning: {
		StateRunning:   true, // mode change within run
		StatePaused:    true,
		StateCompleted: true,
		StateFailed:    true,
	},
	StatePaused: {
		StateRunning: true,
		StateFailed:  true,
	},
}

// Run is the full lifecycle record for a single delivery run.
type Run struct {
	ID             string
	TenantID       string
	Spec           json.RawMessage
	State          string
	PlanID         string
	Mode           string
	CumulativeCost float64
	ArtifactPath   string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Transition is one durable entry in a run's transition log.
type Transition struct {
	RunID     string
	From      string
	To        string
	Reason    string
	Actor     string
	Timestamp time.Time
}

// Filter narrows ListByTenant results.
type Filter struct {
	State string // empty matches any state
}

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	spec TEXT NOT NULL,
	state TEXT NOT NULL,
	plan_id TEXT NOT NULL DEFAULT '',
	mode TEXT NOT NULL DEFAULT '',
	cumulative_cost REAL NOT NULL DEFAULT 0,
	artifact_path TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_runs_tenant ON runs(tenant_id, state);

CREATE TABLE IF NOT EXISTS run_transitions (
	id TEXT PRIMARY KEY,
	run_id TEXT NOT NULL,
	from_state TEXT NOT NULL,
	to_state TEXT NOT NULL,
	reason TEXT NOT NULL,
	actor TEXT NOT NULL,
	created_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_transitions_run ON run_transitions(run_id, created_at);
`

// Manager is the State Manager. It is the only component permitted to write
// to the runs table.
type Manager struct {
	db *sql.DB
	// runLocks linearizes transitions per run, per spec.md §4.1's "multiple
	// simultaneous transition calls on one run are linearized" invariant.
	mu       sync.Mutex
	runLocks map[string]*sync.Mutex
	now      func() time.Time
}

// Open opens (creating if needed) the run-state store.
func Open(path string) (*Manager, error) {
	db, err := dbutil.Open(path, schema)
	if err != nil {
		return nil, fmt.Errorf("runstate: %w", err)
	}
	return &Manager{db: db, runLocks: make(map[string]*sync.Mutex), now: time.Now}, nil
}

// Close releases the underlying database handle.
func (m *Manager) Close() error { return m.db.Close() }

func (m *Manager) lockFor(runID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.runLocks[runID]
	if !ok {
		l = &sync.Mutex{}
		m.runLocks[runID] = l
	}
	return l
}

// Create registers a new run in IDLE. Moving it to SPEC_READY once
// admission has been decided is a separate Transition call by the caller
// (the State Manager does not itself call the Budget Controller).
func (m *Manager) Create(tenantID string, spec json.RawMessage) (Run, error) {
	now := m.now().UTC()
	run := Run{
		ID:        uuid.NewString(),
		TenantID:  tenantID,
		Spec:      spec,
		State:     StateIdle,
		CreatedAt: now,
		UpdatedAt: now,
	}

	_, err := m.db.Exec(`INSERT INTO runs (id, tenant_id, spec, state, created_at, updated_at) VALUES (?,?,?,?,?,?)`,
		run.ID, run.TenantID, string(run.Spec), run.State, run.CreatedAt, run.UpdatedAt)
	if err != nil {
		return Run{}, fmt.Errorf("runstate: create: %w", err)
	}
	return run, nil
}

// Transition moves runID from its current state to toState, recording the
// reason and actor durably before returning. It rejects any pair not in the
// allowed-transition graph with ErrTransitionIllegal.
func (m *Manager) Transition(ctx context.Context, runID, toState, reason, actor string) (Run, error) {
	lock := m.lockFor(runID)
	lock.Lock()
	defer lock.Unlock()

	run, err := m.Read(runID)
	if err != nil {
		return Run{}, err
	}

	if !allowedTransitions[run.State][toState] {
		return Run{}, fmt.Errorf("runstate: %w: %s -> %s", corerr.ErrTransitionIllegal, run.State, toState)
	}

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return Run{}, fmt.Errorf("runstate: transition: %w", err)
	}
	defer tx.Rollback()

	now := m.now().UTC()
	if _, err := tx.ExecContext(ctx, `UPDATE runs SET state = ?, updated_at = ? WHERE id = ?`, toState, now, runID); err != nil {
		return Run{}, fmt.Errorf("runstate: transition: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO run_transitions (id, run_id, from_state, to_state, reason, actor, created_at) VALUES (?,?,?,?,?,?,?)`,
		uuid.NewString(), runID, run.State, toState, reason, actor, now); err != nil {
		return Run{}, fmt.Errorf("runstate: transition: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Run{}, fmt.Errorf("runstate: transition: %w", err)
	}

	run.State = toState
	run.UpdatedAt = now
	return run, nil
}

// SetPlanAndMode records the run's active plan id and execution mode without
// a state transition (used when the Plan Selector switches plans at a
// checkpoint but the run stays RUNNING).
func (m *Manager) SetPlanAndMode(runID, planID, mode string) error {
	lock := m.lockFor(runID)
	lock.Lock()
	defer lock.Unlock()

	res, err := m.db.Exec(`UPDATE runs SET plan_id = ?, mode = ?, updated_at = ? WHERE id = ?`, planID, mode, m.now().UTC(), runID)
	if err != nil {
		return fmt.Errorf("runstate: set plan/mode: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return fmt.Errorf("runstate: %w: %s", corerr.ErrRunNotFound, runID)
	}
	return nil
}

// AddCost accumulates delta onto the run's cumulative cost.
func (m *Manager) AddCost(runID string, delta float64) error {
	lock := m.lockFor(runID)
	lock.Lock()
	defer lock.Unlock()

	res, err := m.db.Exec(`UPDATE runs SET cumulative_cost = cumulative_cost + ?, updated_at = ? WHERE id = ?`,
		delta, m.now().UTC(), runID)
	if err != nil {
		return fmt.Errorf("runstate: add cost: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return fmt.Errorf("runstate: %w: %s", corerr.ErrRunNotFound, runID)
	}
	return nil
}

// SetArtifactPath records the sealed artifact bundle location for the run.
func (m *Manager) SetArtifactPath(runID, path string) error {
	_, err := m.db.Exec(`UPDATE runs SET artifact_path = ?, updated_at = ? WHERE id = ?`, path, m.now().UTC(), runID)
	if err != nil {
		return fmt.Errorf("runstate: set artifact path: %w", err)
	}
	return nil
}

// Read loads a single run by id.
func (m *Manager) Read(runID string) (Run, error) {
	row := m.db.QueryRow(`SELECT id, tenant_id, spec, state, plan_id, mode, cumulative_cost, artifact_path, created_at, updated_at
		FROM runs WHERE id = ?`, runID)
	run, err := scanRun(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Run{}, fmt.Errorf("runstate: %w: %s", corerr.ErrRunNotFound, runID)
		}
		return Run{}, fmt.Errorf("runstate: read %s: %w", runID, err)
	}
	return run, nil
}

// ListByTenant returns all runs for a tenant, optionally narrowed by state.
func (m *Manager) ListByTenant(tenantID string, filter Filter) ([]Run, error) {
	query := `SELECT id, tenant_id, spec, state, plan_id, mode, cumulative_cost, artifact_path, created_at, updated_at
		FROM runs WHERE tenant_id = ?`
	args := []any{tenantID}
	if filter.State != "" {
		query += ` AND state = ?`
		args = append(args, filter.State)
	}
	query += ` ORDER BY created_at ASC`

	rows, err := m.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("runstate: list: %w", err)
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("runstate: scan: %w", err)
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

// CountRunning returns the number of runs currently RUNNING for a tenant,
// used by the Budget Controller's concurrency invariant.
func (m *Manager) CountRunning(tenantID string) (int, error) {
	var count int
	err := m.db.QueryRow(`SELECT COUNT(*) FROM runs WHERE tenant_id = ? AND state = ?`, tenantID, StateRunning).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("runstate: count running: %w", err)
	}
	return count, nil
}

// Transitions returns the durable transition log for a run, oldest first.
func (m *Manager) Transitions(runID string) ([]Transition, error) {
	rows, err := m.db.Query(`SELECT run_id, from_state, to_state, reason, actor, created_at
		FROM run_transitions WHERE run_id = ? ORDER BY created_at ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("runstate: transitions: %w", err)
	}
	defer rows.Close()

	var out []Transition
	for rows.Next() {
		var t Transition
		if err := rows.Scan(&t.RunID, &t.From, &t.To, &t.Reason, &t.Actor, &t.Timestamp); err != nil {
			return nil, fmt.Errorf("runstate: scan transition: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(s rowScanner) (Run, error) {
	var run Run
	var spec string
	if err := s.Scan(&run.ID, &run.TenantID, &spec, &run.State, &run.PlanID, &run.Mode,
		&run.CumulativeCost, &run.ArtifactPath, &run.CreatedAt, &run.UpdatedAt); err != nil {
		return Run{}, err
	}
	run.Spec = json.RawMessage(spec)
	return run, nil
}

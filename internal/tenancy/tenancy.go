// Package tenancy is the authoritative store for tenant identity and
// profile: budget profile, learning profile, priority, and lifecycle
// status. Per the spec's tenancy-authority decision, this package never
// tracks spend or concurrent-run counts — that is the Budget Controller's
// job (see internal/budget); the Budget Controller reads profiles from
// here but keeps its own accounting.
package tenancy

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Benjamindaoson/agentic-delivery-os/internal/corerr"
	"github.com/Benjamindaoson/agentic-delivery-os/internal/dbutil"
)

// Status values for a tenant's lifecycle. Tenants are never hard-deleted.
const (
	StatusActive    = "active"
	StatusSuspended = "suspended"
)

// Learning intensity levels.
const (
	IntensityConservative = "conservative"
	IntensityBalanced     = "balanced"
	IntensityAggressive   = "aggressive"
)

// BudgetProfile caps spend and concurrency for a tenant. The Budget
// Controller is the authoritative enforcer; this is the declared policy.
type BudgetProfile struct {
	MaxSpendPerDayUSD   float64
	MaxSpendPerMonthUSD float64
	MaxConcurrentRuns   int
	MaxAgents           int
}

// LearningProfile controls how much of a tenant's activity feeds the
// external learning/bandit subsystem (out of core scope; see spec.md §1).
type LearningProfile struct {
	Intensity             string // conservative|balanced|aggressive
	ExplorationSharePct    float64
	CrossTenantContribOptIn bool
	Revision               int
}

// Tenant is the full tenant record.
type Tenant struct {
	ID              string
	Name            string
	Status          string
	PriorityLevel   int // 1-10
	Budget          BudgetProfile
	Learning        LearningProfile
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// IsActive reports whether the tenant may currently be admitted for new runs.
func (t Tenant) IsActive() bool { return t.Status == StatusActive }

const schema = `
CREATE TABLE IF NOT EXISTS tenants (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'active',
	priority_level INTEGER NOT NULL DEFAULT 5,
	max_spend_per_day_usd REAL NOT NULL DEFAULT 0,
	max_spend_per_month_usd REAL NOT NULL DEFAULT 0,
	max_concurrent_runs INTEGER NOT NULL DEFAULT 1,
	max_agents INTEGER NOT NULL DEFAULT 1,
	learning_intensity TEXT NOT NULL DEFAULT 'balanced',
	learning_exploration_pct REAL NOT NULL DEFAULT 0,
	learning_cross_tenant_optin INTEGER NOT NULL DEFAULT 0,
	learning_revision INTEGER NOT NULL DEFAULT 1,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);`

const tenantColumns = `id, name, status, priority_level, max_spend_per_day_usd, max_spend_per_month_usd,
	max_concurrent_runs, max_agents, learning_intensity, learning_exploration_pct,
	learning_cross_tenant_optin, learning_revision, created_at, updated_at`

// Registry is the sole writer of tenant identity and profile.
type Registry struct {
	db *sql.DB
}

// Open opens (creating if needed) the tenant registry's backing store.
func Open(path string) (*Registry, error) {
	db, err := dbutil.Open(path, schema)
	if err != nil {
		return nil, fmt.Errorf("tenancy: %w", err)
	}
	return &Registry{db: db}, nil
}

// Close releases the underlying database handle.
func (r *Registry) Close() error { return r.db.Close() }

// Create registers a new tenant and returns its assigned id.
func (r *Registry) Create(name string, budget BudgetProfile, learning LearningProfile, priority int) (Tenant, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Tenant{}, fmt.Errorf("tenancy: name is required")
	}
	if priority < 1 || priority > 10 {
		priority = 5
	}
	if learning.Intensity == "" {
		learning.Intensity = IntensityBalanced
	}
	learning.Revision = 1

	now := time.Now().UTC()
	t := Tenant{
		ID:            uuid.NewString(),
		Name:          name,
		Status:        StatusActive,
		PriorityLevel: priority,
		Budget:        budget,
		Learning:      learning,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	_, err := r.db.Exec(`INSERT INTO tenants (`+tenantColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.Name, t.Status, t.PriorityLevel,
		t.Budget.MaxSpendPerDayUSD, t.Budget.MaxSpendPerMonthUSD, t.Budget.MaxConcurrentRuns, t.Budget.MaxAgents,
		t.Learning.Intensity, t.Learning.ExplorationSharePct, boolToInt(t.Learning.CrossTenantContribOptIn), t.Learning.Revision,
		t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		return Tenant{}, fmt.Errorf("tenancy: create: %w", err)
	}
	return t, nil
}

// Get loads a tenant by id.
func (r *Registry) Get(id string) (Tenant, error) {
	row := r.db.QueryRow(`SELECT `+tenantColumns+` FROM tenants WHERE id = ?`, id)
	t, err := scanTenant(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Tenant{}, fmt.Errorf("tenancy: %w: %s", corerr.ErrTenantUnknown, id)
		}
		return Tenant{}, fmt.Errorf("tenancy: get %s: %w", id, err)
	}
	return t, nil
}

// List returns all tenants ordered by creation time.
func (r *Registry) List() ([]Tenant, error) {
	rows, err := r.db.Query(`SELECT ` + tenantColumns + ` FROM tenants ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("tenancy: list: %w", err)
	}
	defer rows.Close()

	var out []Tenant
	for rows.Next() {
		t, err := scanTenant(rows)
		if err != nil {
			return nil, fmt.Errorf("tenancy: scan: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// Suspend reversibly disables admission for the tenant.
func (r *Registry) Suspend(id string) error {
	return r.setStatus(id, StatusSuspended)
}

// Reactivate reverses a prior Suspend.
func (r *Registry) Reactivate(id string) error {
	return r.setStatus(id, StatusActive)
}

func (r *Registry) setStatus(id, status string) error {
	res, err := r.db.Exec(`UPDATE tenants SET status = ?, updated_at = ? WHERE id = ?`, status, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("tenancy: set status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("tenancy: set status: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("tenancy: %w: %s", corerr.ErrTenantUnknown, id)
	}
	return nil
}

// UpdateLearningProfile writes a new learning profile revision for the
// tenant. Each revision is immutable once superseded; the artifact layer
// is responsible for persisting one file per revision (spec.md §6,
// "learning_profile.json ... one file per revision") — this call only
// advances the live pointer the Registry serves to Get/List.
func (r *Registry) UpdateLearningProfile(id string, profile LearningProfile) (LearningProfile, error) {
	current, err := r.Get(id)
	if err != nil {
		return LearningProfile{}, err
	}
	profile.Revision = current.Learning.Revision + 1

	res, err := r.db.Exec(`UPDATE tenants SET learning_intensity = ?, learning_exploration_pct = ?,
		learning_cross_tenant_optin = ?, learning_revision = ?, updated_at = ? WHERE id = ?`,
		profile.Intensity, profile.ExplorationSharePct, boolToInt(profile.CrossTenantContribOptIn), profile.Revision,
		time.Now().UTC(), id)
	if err != nil {
		return LearningProfile{}, fmt.Errorf("tenancy: update learning profile: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return LearningProfile{}, fmt.Errorf("tenancy: %w: %s", corerr.ErrTenantUnknown, id)
	}
	return profile, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTenant(s rowScanner) (Tenant, error) {
	var t Tenant
	var crossTenant int
	if err := s.Scan(
		&t.ID, &t.Name, &t.Status, &t.PriorityLevel,
		&t.Budget.MaxSpendPerDayUSD, &t.Budget.MaxSpendPerMonthUSD, &t.Budget.MaxConcurrentRuns, &t.Budget.MaxAgents,
		&t.Learning.Intensity, &t.Learning.ExplorationSharePct, &crossTenant, &t.Learning.Revision,
		&t.CreatedAt, &t.UpdatedAt,
	); err != nil {
		return Tenant{}, err
	}
	t.Learning.CrossTenantContribOptIn = crossTenant != 0
	return t, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Package budget implements the Budget Controller: authoritative per-tenant
// accounting of spend and concurrent-run count, and the admission gate every
// run must pass through before it is allowed to start. It reads tenant
// profiles from internal/tenancy but owns its own spend/concurrency state —
// per the spec's tenancy-authority decision, profile data is never
// replicated here.
package budget

import (
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/Benjamindaoson/agentic-delivery-os/internal/config"
	"github.com/Benjamindaoson/agentic-delivery-os/internal/corerr"
	"github.com/Benjamindaoson/agentic-delivery-os/internal/dbutil"
	"github.com/Benjamindaoson/agentic-delivery-os/internal/tenancy"
)

// Spend categories, per spec.md §3.
const (
	CategoryLLM       = "llm"
	CategoryRetrieval = "retrieval"
	CategoryStorage   = "storage"
	CategoryTool      = "tool"
	CategoryOther     = "other"
)

// Status is the derived budget health for a tenant.
type Status string

const (
	StatusHealthy  Status = "healthy"  // < 80%
	StatusWarning  Status = "warning"  // 80-90%
	StatusCritical Status = "critical" // 90-100%
	StatusExceeded Status = "exceeded" // > 100%
)

// AdmissionToken is issued by Admit and consumed by Record/Release. It is
// opaque to callers beyond its ID; Release is idempotent on it.
type AdmissionToken struct {
	ID            string
	TenantID      string
	RunID         string
	EstimatedCost float64
}

// Snapshot is the derived view returned by Status.
type Snapshot struct {
	TenantID       string
	DailySpend     float64
	MonthlySpend   float64
	ConcurrentRuns int
	Status         Status
}

// Projection is the concurrency-aware forecast returned by Forecast.
type Projection struct {
	ProjectedTotal float64
	Confidence     float64
	ActiveRuns     int
}

const schema = `
CREATE TABLE IF NOT EXISTS ledger_entries (
	id TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	run_id TEXT NOT NULL,
	category TEXT NOT NULL,
	amount REAL NOT NULL,
	created_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_ledger_tenant_time ON ledger_entries(tenant_id, created_at);

CREATE TABLE IF NOT EXISTS admissions (
	token_id TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	run_id TEXT NOT NULL,
	estimated_cost REAL NOT NULL,
	actual_cost REAL NOT NULL DEFAULT 0,
	admitted_at DATETIME NOT NULL,
	released_at DATETIME
);
CREATE INDEX IF NOT EXISTS idx_admissions_tenant_active ON admissions(tenant_id, released_at);

CREATE TABLE IF NOT EXISTS rejections (
	id TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	reason TEXT NOT NULL,
	estimated_cost REAL NOT NULL,
	created_at DATETIME NOT NULL
);
`

// Controller is the sole writer of the budget ledger and admission state.
type Controller struct {
	db       *sql.DB
	registry *tenancy.Registry
	cfg      config.Budget
	logger   *slog.Logger
	limiter  *rate.Limiter
	now      func() time.Time

	mu             sync.Mutex // guards tenantLocks and pausedTenants map creation
	tenantLocks    map[string]*sync.Mutex
	pausedTenants  map[string]bool
	ledgerFailures map[string]int
}

// New constructs a Budget Controller over the given ledger database path.
func New(path string, registry *tenancy.Registry, cfg config.Budget, logger *slog.Logger) (*Controller, error) {
	db, err := dbutil.Open(path, schema)
	if err != nil {
		return nil, fmt.Errorf("budget: %w", err)
	}
	burst := cfg.GlobalRateLimitBurst
	if burst <= 0 {
		burst = 1
	}
	return &Controller{
		db:             db,
		registry:       registry,
		cfg:            cfg,
		logger:         logger.With("component", "budget_controller"),
		limiter:        rate.NewLimiter(rate.Limit(cfg.GlobalRateLimitPerSec), burst),
		now:            time.Now,
		tenantLocks:    make(map[string]*sync.Mutex),
		pausedTenants:  make(map[string]bool),
		ledgerFailures: make(map[string]int),
	}, nil
}

// Close releases the underlying database handle.
func (c *Controller) Close() error { return c.db.Close() }

func (c *Controller) lockFor(tenantID string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.tenantLocks[tenantID]
	if !ok {
		l = &sync.Mutex{}
		c.tenantLocks[tenantID] = l
	}
	return l
}

// Admit evaluates admission for a tenant's new run against its declared
// profile and the tenant's current daily/monthly spend and concurrent-run
// count. It is the authoritative gate described in spec.md §4.2.
func (c *Controller) Admit(tenantID, runID string, estimatedCost float64) (AdmissionToken, error) {
	if !c.limiter.Allow() {
		return AdmissionToken{}, fmt.Errorf("budget: global rate limit exceeded")
	}

	c.mu.Lock()
	paused := c.pausedTenants[tenantID]
	c.mu.Unlock()
	if paused {
		return AdmissionToken{}, fmt.Errorf("budget: %w: tenant %s", corerr.ErrLedgerUnavailable, tenantID)
	}

	tenant, err := c.registry.Get(tenantID)
	if err != nil {
		return AdmissionToken{}, err
	}
	if !tenant.IsActive() {
		return AdmissionToken{}, fmt.Errorf("budget: %w: %s", corerr.ErrTenantSuspended, tenantID)
	}

	lock := c.lockFor(tenantID)
	lock.Lock()
	defer lock.Unlock()

	daily, monthly, err := c.spendTotals(tenantID)
	if err != nil {
		return AdmissionToken{}, fmt.Errorf("budget: %w: %v", corerr.ErrLedgerUnavailable, err)
	}
	concurrent, err := c.activeCount(tenantID)
	if err != nil {
		return AdmissionToken{}, fmt.Errorf("budget: %w: %v", corerr.ErrLedgerUnavailable, err)
	}

	slack := 1.0 + c.cfg.AdmissionSlackPct
	if tenant.Budget.MaxSpendPerDayUSD > 0 && daily+estimatedCost > tenant.Budget.MaxSpendPerDayUSD*slack {
		c.recordRejection(tenantID, "BudgetExceeded", estimatedCost)
		return AdmissionToken{}, fmt.Errorf("budget: %w: daily", corerr.ErrBudgetExceeded)
	}
	if tenant.Budget.MaxSpendPerMonthUSD > 0 && monthly+estimatedCost > tenant.Budget.MaxSpendPerMonthUSD*slack {
		c.recordRejection(tenantID, "BudgetExceeded", estimatedCost)
		return AdmissionToken{}, fmt.Errorf("budget: %w: monthly", corerr.ErrBudgetExceeded)
	}
	if tenant.Budget.MaxConcurrentRuns > 0 && concurrent >= tenant.Budget.MaxConcurrentRuns {
		c.recordRejection(tenantID, "ConcurrencyExceeded", estimatedCost)
		return AdmissionToken{}, fmt.Errorf("budget: %w", corerr.ErrConcurrencyExceeded)
	}

	token := AdmissionToken{ID: uuid.NewString(), TenantID: tenantID, RunID: runID, EstimatedCost: estimatedCost}
	if err := c.withLedgerRetry(tenantID, func() error {
		_, err := c.db.Exec(`INSERT INTO admissions (token_id, tenant_id, run_id, estimated_cost, admitted_at) VALUES (?,?,?,?,?)`,
			token.ID, tenantID, runID, estimatedCost, c.now().UTC())
		return err
	}); err != nil {
		return AdmissionToken{}, err
	}

	return token, nil
}

// Record appends a spend increment against an admitted run. No increment is
// committed without a prior successful Admit (the admissions row must exist).
func (c *Controller) Record(token AdmissionToken, actualCost float64, category string) error {
	if !validCategory(category) {
		return fmt.Errorf("budget: invalid category %q", category)
	}

	lock := c.lockFor(token.TenantID)
	lock.Lock()
	defer lock.Unlock()

	var exists int
	if err := c.db.QueryRow(`SELECT COUNT(*) FROM admissions WHERE token_id = ?`, token.ID).Scan(&exists); err != nil {
		return fmt.Errorf("budget: record: %w", err)
	}
	if exists == 0 {
		return fmt.Errorf("budget: record: no prior admission for token %s", token.ID)
	}

	return c.withLedgerRetry(token.TenantID, func() error {
		tx, err := c.db.Begin()
		if err != nil {
			return err
		}
		if _, err := tx.Exec(`INSERT INTO ledger_entries (id, tenant_id, run_id, category, amount, created_at) VALUES (?,?,?,?,?,?)`,
			uuid.NewString(), token.TenantID, token.RunID, category, actualCost, c.now().UTC()); err != nil {
			tx.Rollback()
			return err
		}
		if _, err := tx.Exec(`UPDATE admissions SET actual_cost = actual_cost + ? WHERE token_id = ?`, actualCost, token.ID); err != nil {
			tx.Rollback()
			return err
		}
		return tx.Commit()
	})
}

// Release decrements the tenant's concurrent-run count. It is idempotent:
// calling it more than once on the same token is a no-op after the first.
func (c *Controller) Release(token AdmissionToken) error {
	lock := c.lockFor(token.TenantID)
	lock.Lock()
	defer lock.Unlock()

	res, err := c.db.Exec(`UPDATE admissions SET released_at = ? WHERE token_id = ? AND released_at IS NULL`,
		c.now().UTC(), token.ID)
	if err != nil {
		return fmt.Errorf("budget: release: %w", err)
	}
	_, _ = res.RowsAffected() // idempotent: 0 rows affected on second call is not an error
	return nil
}

// Status returns the tenant's current daily/monthly spend, concurrent-run
// count, and derived health tier.
func (c *Controller) Status(tenantID string) (Snapshot, error) {
	tenant, err := c.registry.Get(tenantID)
	if err != nil {
		return Snapshot{}, err
	}

	daily, monthly, err := c.spendTotals(tenantID)
	if err != nil {
		return Snapshot{}, fmt.Errorf("budget: status: %w", err)
	}
	concurrent, err := c.activeCount(tenantID)
	if err != nil {
		return Snapshot{}, fmt.Errorf("budget: status: %w", err)
	}

	return Snapshot{
		TenantID:       tenantID,
		DailySpend:     daily,
		MonthlySpend:   monthly,
		ConcurrentRuns: concurrent,
		Status:         deriveStatus(daily, monthly, tenant.Budget),
	}, nil
}

// Forecast implements the concurrency-aware projection from spec.md §4.2:
// projectedTotal = currentRunCost + 2*sum(otherActiveCosts); confidence
// shrinks as active-run count grows, floored at cfg.ConcurrencyConfidenceFloor.
func (c *Controller) Forecast(tenantID string, currentRunCost float64) (Projection, error) {
	rows, err := c.db.Query(`SELECT actual_cost FROM admissions WHERE tenant_id = ? AND released_at IS NULL`, tenantID)
	if err != nil {
		return Projection{}, fmt.Errorf("budget: forecast: %w", err)
	}
	defer rows.Close()

	var otherSum float64
	active := 0
	for rows.Next() {
		var cost float64
		if err := rows.Scan(&cost); err != nil {
			return Projection{}, fmt.Errorf("budget: forecast: %w", err)
		}
		otherSum += cost
		active++
	}
	if err := rows.Err(); err != nil {
		return Projection{}, fmt.Errorf("budget: forecast: %w", err)
	}

	projected := currentRunCost + 2*otherSum
	floor := c.cfg.ConcurrencyConfidenceFloor
	if floor <= 0 {
		floor = 0.4
	}
	confidence := 1.0 / (1.0 + 0.15*float64(max(active-1, 0)))
	if confidence < floor {
		confidence = floor
	}

	return Projection{ProjectedTotal: projected, Confidence: confidence, ActiveRuns: active}, nil
}

func (c *Controller) spendTotals(tenantID string) (daily, monthly float64, err error) {
	now := c.now().UTC()
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)

	if err = c.db.QueryRow(`SELECT COALESCE(SUM(amount), 0) FROM ledger_entries WHERE tenant_id = ? AND created_at >= ?`,
		tenantID, dayStart).Scan(&daily); err != nil {
		return 0, 0, err
	}
	if err = c.db.QueryRow(`SELECT COALESCE(SUM(amount), 0) FROM ledger_entries WHERE tenant_id = ? AND created_at >= ?`,
		tenantID, monthStart).Scan(&monthly); err != nil {
		return 0, 0, err
	}
	return daily, monthly, nil
}

func (c *Controller) activeCount(tenantID string) (int, error) {
	var count int
	err := c.db.QueryRow(`SELECT COUNT(*) FROM admissions WHERE tenant_id = ? AND released_at IS NULL`, tenantID).Scan(&count)
	return count, err
}

func (c *Controller) recordRejection(tenantID, reason string, estimatedCost float64) {
	if _, err := c.db.Exec(`INSERT INTO rejections (id, tenant_id, reason, estimated_cost, created_at) VALUES (?,?,?,?,?)`,
		uuid.NewString(), tenantID, reason, estimatedCost, c.now().UTC()); err != nil {
		c.logger.Warn("failed to persist rejection record", "tenant_id", tenantID, "error", err)
	}
}

// withLedgerRetry retries fn with backoff; on persistent failure it pauses
// the tenant from further admission (ErrLedgerUnavailable), per spec.md §4.2.
func (c *Controller) withLedgerRetry(tenantID string, fn func() error) error {
	attempts := c.cfg.LedgerRetryAttempts
	if attempts <= 0 {
		attempts = 1
	}
	backoff := c.cfg.LedgerRetryBackoff.Duration
	if backoff <= 0 {
		backoff = time.Second
	}

	var lastErr error
	for i := 0; i < attempts; i++ {
		if err := fn(); err != nil {
			lastErr = err
			c.logger.Warn("ledger write failed, retrying", "tenant_id", tenantID, "attempt", i+1, "error", err)
			time.Sleep(backoff)
			continue
		}
		c.mu.Lock()
		delete(c.ledgerFailures, tenantID)
		c.mu.Unlock()
		return nil
	}

	c.mu.Lock()
	c.ledgerFailures[tenantID]++
	c.pausedTenants[tenantID] = true
	c.mu.Unlock()
	c.logger.Error("ledger persistently unavailable, pausing tenant", "tenant_id", tenantID, "error", lastErr)
	return fmt.Errorf("budget: %w: %v", corerr.ErrLedgerUnavailable, lastErr)
}

func deriveStatus(daily, monthly float64, profile tenancy.BudgetProfile) Status {
	pct := 0.0
	if profile.MaxSpendPerDayUSD > 0 {
		pct = max64(pct, daily/profile.MaxSpendPerDayUSD)
	}
	if profile.MaxSpendPerMonthUSD > 0 {
		pct = max64(pct, monthly/profile.MaxSpendPerMonthUSD)
	}
	switch {
	case pct > 1.0:
		return StatusExceeded
	case pct >= 0.90:
		return StatusCritical
	case pct >= 0.80:
		return StatusWarning
	default:
		return StatusHealthy
	}
}

func validCategory(category string) bool {
	switch strings.ToLower(category) {
	case CategoryLLM, CategoryRetrieval, CategoryStorage, CategoryTool, CategoryOther:
		return true
	default:
		return false
	}
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func max64(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

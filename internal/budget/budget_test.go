package budget

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Benjamindaoson/agentic-delivery-os/internal/config"
	"github.com/Benjamindaoson/agentic-delivery-os/internal/corerr"
	"github.com/Benjamindaoson/agentic-delivery-os/internal/tenancy"
)

func newTestController(t *testing.T, cfg config.Budget) (*Controller, *tenancy.Registry) {
	t.Helper()
	dir := t.TempDir()

	reg, err := tenancy.Open(filepath.Join(dir, "tenancy.db"))
	require.NoError(t, err)
	t.Cleanup(func() { reg.Close() })

	if cfg.GlobalRateLimitPerSec == 0 {
		cfg.GlobalRateLimitPerSec = 1000
	}
	if cfg.GlobalRateLimitBurst == 0 {
		cfg.GlobalRateLimitBurst = 1000
	}
	if cfg.LedgerRetryAttempts == 0 {
		cfg.LedgerRetryAttempts = 1
	}

	ctrl, err := New(filepath.Join(dir, "budget.db"), reg, cfg, discardLogger())
	require.NoError(t, err)
	t.Cleanup(func() { ctrl.Close() })

	return ctrl, reg
}

func TestAdmitSucceedsAtExactBudgetRemaining(t *testing.T) {
	// zero slack isolates the boundary: estimated cost exactly equal to the
	// remaining daily budget must be admitted.
	ctrl, reg := newTestController(t, config.Budget{AdmissionSlackPct: 0})
	tenant, err := reg.Create("acme", tenancy.BudgetProfile{MaxSpendPerDayUSD: 10, MaxConcurrentRuns: 5}, tenancy.LearningProfile{}, 5)
	require.NoError(t, err)

	_, err = ctrl.Admit(tenant.ID, "run-1", 10.0)
	require.NoError(t, err)
}

func TestAdmitRejectsOneUnitOverBudget(t *testing.T) {
	ctrl, reg := newTestController(t, config.Budget{AdmissionSlackPct: 0})
	tenant, err := reg.Create("acme", tenancy.BudgetProfile{MaxSpendPerDayUSD: 10, MaxConcurrentRuns: 5}, tenancy.LearningProfile{}, 5)
	require.NoError(t, err)

	_, err = ctrl.Admit(tenant.ID, "run-1", 10.01)
	require.Error(t, err)
	require.True(t, errors.Is(err, corerr.ErrBudgetExceeded))
}

func TestAdmitRejectsAtConcurrencyLimit(t *testing.T) {
	ctrl, reg := newTestController(t, config.Budget{})
	tenant, err := reg.Create("acme", tenancy.BudgetProfile{MaxConcurrentRuns: 1}, tenancy.LearningProfile{}, 5)
	require.NoError(t, err)

	tok1, err := ctrl.Admit(tenant.ID, "run-1", 1.0)
	require.NoError(t, err)

	_, err = ctrl.Admit(tenant.ID, "run-2", 1.0)
	require.Error(t, err)
	require.True(t, errors.Is(err, corerr.ErrConcurrencyExceeded))

	require.NoError(t, ctrl.Release(tok1))

	tok2, err := ctrl.Admit(tenant.ID, "run-2", 1.0)
	require.NoError(t, err)
	require.NotEmpty(t, tok2.ID)
}

func TestReleaseIsIdempotent(t *testing.T) {
	ctrl, reg := newTestController(t, config.Budget{})
	tenant, err := reg.Create("acme", tenancy.BudgetProfile{MaxConcurrentRuns: 1}, tenancy.LearningProfile{}, 5)
	require.NoError(t, err)

	tok, err := ctrl.Admit(tenant.ID, "run-1", 1.0)
	require.NoError(t, err)

	require.NoError(t, ctrl.Release(tok))
	require.NoError(t, ctrl.Release(tok)) // second call is a no-op, not an error

	status, err := ctrl.Status(tenant.ID)
	require.NoError(t, err)
	require.Equal(t, 0, status.ConcurrentRuns)
}

func TestAdmitRejectsSuspendedTenant(t *testing.T) {
	ctrl, reg := newTestController(t, config.Budget{})
	tenant, err := reg.Create("acme", tenancy.BudgetProfile{}, tenancy.LearningProfile{}, 5)
	require.NoError(t, err)
	require.NoError(t, reg.Suspend(tenant.ID))

	_, err = ctrl.Admit(tenant.ID, "run-1", 1.0)
	require.Error(t, err)
	require.True(t, errors.Is(err, corerr.ErrTenantSuspended))
}

func TestRecordRequiresPriorAdmission(t *testing.T) {
	ctrl, _ := newTestController(t, config.Budget{})
	err := ctrl.Record(AdmissionToken{ID: "nonexistent", TenantID: "t1"}, 1.0, CategoryLLM)
	require.Error(t, err)
}

func TestRecordRejectsInvalidCategory(t *testing.T) {
	ctrl, reg := newTestController(t, config.Budget{})
	tenant, err := reg.Create("acme", tenancy.BudgetProfile{}, tenancy.LearningProfile{}, 5)
	require.NoError(t, err)
	tok, err := ctrl.Admit(tenant.ID, "run-1", 1.0)
	require.NoError(t, err)

	err = ctrl.Record(tok, 1.0, "not-a-real-category")
	require.Error(t, err)
}

func TestStatusReflectsRecordedSpend(t *testing.T) {
	ctrl, reg := newTestController(t, config.Budget{})
	tenant, err := reg.Create("acme", tenancy.BudgetProfile{MaxSpendPerDayUSD: 100}, tenancy.LearningProfile{}, 5)
	require.NoError(t, err)

	tok, err := ctrl.Admit(tenant.ID, "run-1", 10.0)
	require.NoError(t, err)
	require.NoError(t, ctrl.Record(tok, 85.0, CategoryLLM))

	status, err := ctrl.Status(tenant.ID)
	require.NoError(t, err)
	require.Equal(t, 85.0, status.DailySpend)
	require.Equal(t, StatusWarning, status.Status)
}

func TestForecastAppliesConcurrencyPenalty(t *testing.T) {
	ctrl, reg := newTestController(t, config.Budget{})
	tenant, err := reg.Create("acme", tenancy.BudgetProfile{MaxConcurrentRuns: 5}, tenancy.LearningProfile{}, 5)
	require.NoError(t, err)

	tok1, err := ctrl.Admit(tenant.ID, "run-1", 4.0)
	require.NoError(t, err)
	require.NoError(t, ctrl.Record(tok1, 4.0, CategoryLLM))

	_, err = ctrl.Admit(tenant.ID, "run-2", 6.0)
	require.NoError(t, err)

	proj, err := ctrl.Forecast(tenant.ID, 6.0)
	require.NoError(t, err)
	require.Equal(t, 2, proj.ActiveRuns)
	require.InDelta(t, 6.0+2*4.0, proj.ProjectedTotal, 0.001)
	require.InDelta(t, 1.0/(1.0+0.15*1), proj.Confidence, 0.001)
}

func TestForecastConfidenceFloor(t *testing.T) {
	ctrl, reg := newTestController(t, config.Budget{ConcurrencyConfidenceFloor: 0.4})
	tenant, err := reg.Create("acme", tenancy.BudgetProfile{MaxConcurrentRuns: 50}, tenancy.LearningProfile{}, 5)
	require.NoError(t, err)

	for i := 0; i < 20; i++ {
		_, err := ctrl.Admit(tenant.ID, "run", 1.0)
		require.NoError(t, err)
	}

	proj, err := ctrl.Forecast(tenant.ID, 1.0)
	require.NoError(t, err)
	require.Equal(t, 0.4, proj.Confidence)
}

func TestAdmitFailsWithLedgerUnavailableWhenStoreUnreachable(t *testing.T) {
	ctrl, reg := newTestController(t, config.Budget{LedgerRetryAttempts: 2, LedgerRetryBackoff: config.Duration{Duration: time.Millisecond}})
	tenant, err := reg.Create("acme", tenancy.BudgetProfile{}, tenancy.LearningProfile{}, 5)
	require.NoError(t, err)

	require.NoError(t, ctrl.Close()) // simulates the ledger store becoming unreachable

	_, err = ctrl.Admit(tenant.ID, "run-1", 1.0)
	require.Error(t, err)
	require.True(t, errors.Is(err, corerr.ErrLedgerUnavailable))
}

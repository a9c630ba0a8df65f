package tenancy

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Benjamindaoson/agentic-delivery-os/internal/corerr"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tenancy.db")
	reg, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { reg.Close() })
	return reg
}

func TestCreateAndGet(t *testing.T) {
	reg := newTestRegistry(t)

	tenant, err := reg.Create("acme", BudgetProfile{MaxSpendPerDayUSD: 10, MaxConcurrentRuns: 5}, LearningProfile{Intensity: IntensityBalanced}, 7)
	require.NoError(t, err)
	require.NotEmpty(t, tenant.ID)
	require.Equal(t, StatusActive, tenant.Status)
	require.Equal(t, 7, tenant.PriorityLevel)

	loaded, err := reg.Get(tenant.ID)
	require.NoError(t, err)
	require.Equal(t, tenant.Name, loaded.Name)
	require.Equal(t, 10.0, loaded.Budget.MaxSpendPerDayUSD)
}

func TestGetUnknownTenant(t *testing.T) {
	reg := newTestRegistry(t)
	_, err := reg.Get("does-not-exist")
	require.Error(t, err)
	require.True(t, errors.Is(err, corerr.ErrTenantUnknown))
}

func TestSuspendReversible(t *testing.T) {
	reg := newTestRegistry(t)
	tenant, err := reg.Create("acme", BudgetProfile{}, LearningProfile{}, 5)
	require.NoError(t, err)

	require.NoError(t, reg.Suspend(tenant.ID))
	loaded, err := reg.Get(tenant.ID)
	require.NoError(t, err)
	require.Equal(t, StatusSuspended, loaded.Status)
	require.False(t, loaded.IsActive())

	require.NoError(t, reg.Reactivate(tenant.ID))
	loaded, err = reg.Get(tenant.ID)
	require.NoError(t, err)
	require.True(t, loaded.IsActive())
}

func TestUpdateLearningProfileAdvancesRevision(t *testing.T) {
	reg := newTestRegistry(t)
	tenant, err := reg.Create("acme", BudgetProfile{}, LearningProfile{Intensity: IntensityConservative}, 5)
	require.NoError(t, err)
	require.Equal(t, 1, tenant.Learning.Revision)

	updated, err := reg.UpdateLearningProfile(tenant.ID, LearningProfile{Intensity: IntensityAggressive, ExplorationSharePct: 0.2})
	require.NoError(t, err)
	require.Equal(t, 2, updated.Revision)

	loaded, err := reg.Get(tenant.ID)
	require.NoError(t, err)
	require.Equal(t, IntensityAggressive, loaded.Learning.Intensity)
	require.Equal(t, 2, loaded.Learning.Revision)
}

func TestListOrdersByCreation(t *testing.T) {
	reg := newTestRegistry(t)
	_, err := reg.Create("first", BudgetProfile{}, LearningProfile{}, 5)
	require.NoError(t, err)
	_, err = reg.Create("second", BudgetProfile{}, LearningProfile{}, 5)
	require.NoError(t, err)

	all, err := reg.List()
	require.NoError(t, err)
	require.Len(t, all, 2)
	require.Equal(t, "first", all[0].Name)
	require.Equal(t, "second", all[1].Name)
}

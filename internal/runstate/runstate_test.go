package runstate

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Benjamindaoson/agentic-delivery-os/internal/corerr"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	mgr, err := Open(filepath.Join(t.TempDir(), "runstate.db"))
	require.NoError(t, err)
	t.Cleanup(func() { mgr.Close() })
	return mgr
}

func TestCreateStartsAtIdle(t *testing.T) {
	mgr := newTestManager(t)
	run, err := mgr.Create("tenant-1", []byte(`{"kind":"delivery"}`))
	require.NoError(t, err)
	require.Equal(t, StateIdle, run.State)
	require.NotEmpty(t, run.ID)
}

func TestHappyPathTransitionSequence(t *testing.T) {
	mgr := newTestManager(t)
	ctx := context.Background()
	run, err := mgr.Create("tenant-1", []byte(`{}`))
	require.NoError(t, err)

	run, err = mgr.Transition(ctx, run.ID, StateSpecReady, "admitted", "budget_controller")
	require.NoError(t, err)
	require.Equal(t, StateSpecReady, run.State)

	run, err = mgr.Transition(ctx, run.ID, StateRunning, "dispatch begins", "dag_engine")
	require.NoError(t, err)
	require.Equal(t, StateRunning, run.State)

	run, err = mgr.Transition(ctx, run.ID, StateCompleted, "plan exhausted", "dag_engine")
	require.NoError(t, err)
	require.Equal(t, StateCompleted, run.State)

	transitions, err := mgr.Transitions(run.ID)
	require.NoError(t, err)
	require.Len(t, transitions, 3)
	require.Equal(t, StateIdle, transitions[0].From)
	require.Equal(t, StateCompleted, transitions[2].To)
}

func TestIllegalTransitionRejected(t *testing.T) {
	mgr := newTestManager(t)
	ctx := context.Background()
	run, err := mgr.Create("tenant-1", []byte(`{}`))
	require.NoError(t, err)

	_, err = mgr.Transition(ctx, run.ID, StateRunning, "skip spec_ready", "test")
	require.Error(t, err)
	require.True(t, errors.Is(err, corerr.ErrTransitionIllegal))
}

func TestPauseAndResume(t *testing.T) {
	mgr := newTestManager(t)
	ctx := context.Background()
	run, err := mgr.Create("tenant-1", []byte(`{}`))
	require.NoError(t, err)
	_, err = mgr.Transition(ctx, run.ID, StateSpecReady, "admitted", "test")
	require.NoError(t, err)
	_, err = mgr.Transition(ctx, run.ID, StateRunning, "dispatch", "test")
	require.NoError(t, err)

	run, err = mgr.Transition(ctx, run.ID, StatePaused, "hard conflict", "governance_engine")
	require.NoError(t, err)
	require.Equal(t, StatePaused, run.State)

	run, err = mgr.Transition(ctx, run.ID, StateRunning, "operator resume", "operator")
	require.NoError(t, err)
	require.Equal(t, StateRunning, run.State)
}

func TestRunningSelfTransitionForModeChange(t *testing.T) {
	mgr := newTestManager(t)
	ctx := context.Background()
	run, err := mgr.Create("tenant-1", []byte(`{}`))
	require.NoError(t, err)
	_, err = mgr.Transition(ctx, run.ID, StateSpecReady, "admitted", "test")
	require.NoError(t, err)
	_, err = mgr.Transition(ctx, run.ID, StateRunning, "dispatch", "test")
	require.NoError(t, err)

	run, err = mgr.Transition(ctx, run.ID, StateRunning, "mode change to degraded", "governance_engine")
	require.NoError(t, err)
	require.Equal(t, StateRunning, run.State)
}

func TestSetPlanAndModeAndAddCost(t *testing.T) {
	mgr := newTestManager(t)
	run, err := mgr.Create("tenant-1", []byte(`{}`))
	require.NoError(t, err)

	require.NoError(t, mgr.SetPlanAndMode(run.ID, "plan-normal-v1", ModeNormal))
	require.NoError(t, mgr.AddCost(run.ID, 0.5))
	require.NoError(t, mgr.AddCost(run.ID, 0.25))

	loaded, err := mgr.Read(run.ID)
	require.NoError(t, err)
	require.Equal(t, "plan-normal-v1", loaded.PlanID)
	require.Equal(t, ModeNormal, loaded.Mode)
	require.Equal(t, 0.75, loaded.CumulativeCost)
}

func TestReadUnknownRun(t *testing.T) {
	mgr := newTestManager(t)
	_, err := mgr.Read("missing")
	require.Error(t, err)
	require.True(t, errors.Is(err, corerr.ErrRunNotFound))
}

func TestListByTenantFiltersByState(t *testing.T) {
	mgr := newTestManager(t)
	ctx := context.Background()
	r1, err := mgr.Create("tenant-1", []byte(`{}`))
	require.NoError(t, err)
	r2, err := mgr.Create("tenant-1", []byte(`{}`))
	require.NoError(t, err)
	_, err = mgr.Transition(ctx, r2.ID, StateSpecReady, "admitted", "test")
	require.NoError(t, err)

	idleOnly, err := mgr.ListByTenant("tenant-1", Filter{State: StateIdle})
	require.NoError(t, err)
	require.Len(t, idleOnly, 1)
	require.Equal(t, r1.ID, idleOnly[0].ID)

	all, err := mgr.ListByTenant("tenant-1", Filter{})
	require.NoError(t, err)
	require.Len(t, all, 2)
}

func TestCountRunning(t *testing.T) {
	mgr := newTestManager(t)
	ctx := context.Background()
	run, err := mgr.Create("tenant-1", []byte(`{}`))
	require.NoError(t, err)
	_, err = mgr.Transition(ctx, run.ID, StateSpecReady, "admitted", "test")
	require.NoError(t, err)
	_, err = mgr.Transition(ctx, run.ID, StateRunning, "dispatch", "test")
	require.NoError(t, err)

	count, err := mgr.CountRunning("tenant-1")
	require.NoError(t, err)
	require.Equal(t, 1, count)
}

package roles

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeAdapter struct {
	report StepReport
	err    error
	delay  time.Duration
}

func (f *fakeAdapter) Execute(ctx context.Context, rc RunContext) (StepReport, error) {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return StepReport{}, ctx.Err()
		}
	}
	return f.report, f.err
}

func TestRegistryResolve(t *testing.T) {
	reg := NewRegistry()
	adapter := &fakeAdapter{report: StepReport{Status: StatusSuccess}}
	reg.Register(RoleProduct, adapter)

	resolved, ok := reg.Resolve(RoleProduct)
	require.True(t, ok)
	require.Same(t, adapter, resolved)

	_, ok = reg.Resolve(RoleData)
	require.False(t, ok)
}

func TestRunWithTimeoutReturnsReport(t *testing.T) {
	adapter := &fakeAdapter{report: StepReport{Status: StatusSuccess, Decision: DecisionProceed}}
	report, err := RunWithTimeout(context.Background(), adapter, RunContext{NodeID: "n1", Timeout: time.Second})
	require.NoError(t, err)
	require.Equal(t, StatusSuccess, report.Status)
}

func TestRunWithTimeoutExceeded(t *testing.T) {
	adapter := &fakeAdapter{delay: 50 * time.Millisecond}
	report, err := RunWithTimeout(context.Background(), adapter, RunContext{NodeID: "n1", Timeout: 5 * time.Millisecond})
	require.Error(t, err)
	require.Equal(t, StatusTimeout, report.Status)
}

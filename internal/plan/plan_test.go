package plan

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGuardAlwaysSatisfied(t *testing.T) {
	g := Guard{Kind: GuardAlways}
	require.True(t, g.Satisfied(EvalContext{}))
}

func TestGuardBudgetRemainingAbove(t *testing.T) {
	g := Guard{Kind: GuardBudgetRemainingAbove, Threshold: 50}
	require.True(t, g.Satisfied(EvalContext{BudgetRemaining: 51}))
	require.False(t, g.Satisfied(EvalContext{BudgetRemaining: 50}))
}

func TestGuardRiskLevelNotIn(t *testing.T) {
	g := Guard{Kind: GuardRiskLevelNotIn, Excluded: []string{"high", "critical"}}
	require.True(t, g.Satisfied(EvalContext{RiskLevel: "low"}))
	require.False(t, g.Satisfied(EvalContext{RiskLevel: "high"}))
}

func TestPlanEligibleFiltersByGuard(t *testing.T) {
	p := Plan{
		ID: "normal-v1", Path: PathNormal,
		Nodes: []Node{
			{ID: "n1", Guard: Guard{Kind: GuardAlways}},
			{ID: "n2", Guard: Guard{Kind: GuardBudgetRemainingAbove, Threshold: 1000}},
		},
	}
	eligible := p.Eligible(EvalContext{BudgetRemaining: 10})
	require.Len(t, eligible, 1)
	require.Equal(t, "n1", eligible[0].ID)
}

func TestLoadRegistryFromYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "plans.yaml")
	body := `
plans:
  - id: normal-v1
    version: 1
    path: NORMAL
    nodes:
      - id: product
        role: product
        guard: {kind: always}
        required: true
        estimated_cost: 0.1
        estimated_risk: low
  - id: degraded-v1
    version: 1
    path: DEGRADED
    nodes:
      - id: product
        role: product
        guard: {kind: always}
        required: true
        estimated_cost: 0.05
        estimated_risk: low
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	reg, err := LoadRegistry(path)
	require.NoError(t, err)

	normal, ok := reg.ForPath(PathNormal)
	require.True(t, ok)
	require.Equal(t, "normal-v1", normal.ID)

	degraded, ok := reg.ForPath(PathDegraded)
	require.True(t, ok)
	require.Equal(t, "degraded-v1", degraded.ID)

	_, ok = reg.ForPath(PathMinimal)
	require.False(t, ok)
}

func TestNewRegistryRejectsDuplicatePathClass(t *testing.T) {
	_, err := NewRegistry([]Plan{
		{ID: "a", Path: PathNormal},
		{ID: "b", Path: PathNormal},
	})
	require.Error(t, err)
}

package governance

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Benjamindaoson/agentic-delivery-os/internal/roles"
)

func TestHardConflictPauses(t *testing.T) {
	reports := []roles.StepReport{
		{NodeID: "product", Decision: roles.DecisionAbort},
		{NodeID: "execution", Decision: roles.DecisionProceed},
	}
	in := Aggregate(reports, BudgetHealthy, false)
	decision := Checkpoint("cp-1", in)

	require.Equal(t, 1, decision.RuleID)
	require.Equal(t, ModePaused, decision.Mode)
	require.Equal(t, "hard conflict", decision.Rationale)
	require.NotEmpty(t, decision.ConflictIDs)
}

func TestBudgetExceededPauses(t *testing.T) {
	in := Aggregate(nil, BudgetExceeded, false)
	decision := Checkpoint("cp-1", in)
	require.Equal(t, 2, decision.RuleID)
	require.Equal(t, ModePaused, decision.Mode)
}

func TestProjectedExceedDegrades(t *testing.T) {
	in := Aggregate(nil, BudgetHealthy, true)
	decision := Checkpoint("cp-1", in)
	require.Equal(t, 2, decision.RuleID)
	require.Equal(t, ModeDegraded, decision.Mode)
}

func TestHighRiskLowConfidencePauses(t *testing.T) {
	reports := []roles.StepReport{
		{NodeID: "n1", RiskLevel: roles.RiskHigh, Confidence: 0.3},
		{NodeID: "n2", RiskLevel: roles.RiskCritical, Confidence: 0.2},
	}
	in := Aggregate(reports, BudgetHealthy, false)
	decision := Checkpoint("cp-1", in)
	require.Equal(t, 3, decision.RuleID)
	require.Equal(t, ModePaused, decision.Mode)
}

func TestLLMFallbackDegrades(t *testing.T) {
	reports := []roles.StepReport{
		{NodeID: "n1", LLMFallback: true, Confidence: 0.9},
		{NodeID: "n2", LLMFallback: true, Confidence: 0.9},
	}
	in := Aggregate(reports, BudgetHealthy, false)
	decision := Checkpoint("cp-1", in)
	require.Equal(t, 4, decision.RuleID)
	require.Equal(t, ModeDegraded, decision.Mode)
}

func TestSoftConflictGoesMinimal(t *testing.T) {
	reports := []roles.StepReport{
		{NodeID: "n1", Decision: roles.DecisionAbort},
		{NodeID: "n2", Decision: roles.DecisionDegrade},
	}
	in := Aggregate(reports, BudgetHealthy, false)
	decision := Checkpoint("cp-1", in)
	require.Equal(t, 5, decision.RuleID)
	require.Equal(t, ModeMinimal, decision.Mode)
}

func TestRoutineIsNormal(t *testing.T) {
	reports := []roles.StepReport{
		{NodeID: "n1", Decision: roles.DecisionProceed, Confidence: 0.95},
	}
	in := Aggregate(reports, BudgetHealthy, false)
	decision := Checkpoint("cp-1", in)
	require.Equal(t, 6, decision.RuleID)
	require.Equal(t, ModeNormal, decision.Mode)
}

func TestHardConflictTakesPrecedenceOverEverythingElse(t *testing.T) {
	reports := []roles.StepReport{
		{NodeID: "n1", Decision: roles.DecisionAbort, RiskLevel: roles.RiskCritical, Confidence: 0.1},
		{NodeID: "n2", Decision: roles.DecisionProceed, RiskLevel: roles.RiskCritical, Confidence: 0.1},
	}
	in := Aggregate(reports, BudgetExceeded, false)
	decision := Checkpoint("cp-1", in)
	require.Equal(t, 1, decision.RuleID)
}

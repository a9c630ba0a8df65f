// Package governance implements the Governance Engine: a deterministic,
// side-effect-free rule table over aggregated step-report signals that
// decides a run's execution mode at each checkpoint. It never runs a
// learned model or consults an LLM; its input set and output set are
// finite and its logic is a static table, per spec.md §4.8.
package governance

import (
	"github.com/Benjamindaoson/agentic-delivery-os/internal/roles"
)

// Execution modes a governance decision may select.
const (
	ModeNormal   = "NORMAL"
	ModeDegraded = "DEGRADED"
	ModeMinimal  = "MINIMAL"
	ModePaused   = "PAUSED"
)

// Budget status values the engine consults, mirrored from internal/budget
// so this package has no import dependency on it (governance only needs
// the status vocabulary, not the controller itself).
const (
	BudgetHealthy         = "healthy"
	BudgetWarning         = "warning"
	BudgetCritical        = "critical"
	BudgetExceeded        = "exceeded"
	BudgetProjectedExceed = "projected_exceeded"
)

// conflictKind classifies a pair of declared decisions.
type conflictKind int

const (
	conflictNone conflictKind = iota
	conflictSoft
	conflictHard
)

// conflictMatrix is the static, data-driven table of mutually exclusive or
// inconsistent decision pairs. Lookups are symmetric.
var conflictMatrix = map[[2]string]conflictKind{
	{roles.DecisionAbort, roles.DecisionProceed}:  conflictHard,
	{roles.DecisionProceed, roles.DecisionAbort}:  conflictHard,
	{roles.DecisionAbort, roles.DecisionDegrade}:  conflictSoft,
	{roles.DecisionDegrade, roles.DecisionAbort}:  conflictSoft,
	{roles.DecisionRetry, roles.DecisionProceed}:  conflictSoft,
	{roles.DecisionProceed, roles.DecisionRetry}:  conflictSoft,
}

// Conflict is one detected conflict between two step reports.
type Conflict struct {
	Kind     string // "hard" | "soft"
	NodeA    string
	NodeB    string
	DecisionA string
	DecisionB string
}

// Inputs is the full set of aggregated signals the rule table consults.
// Every field here is reproduced in the Decision record for audit.
type Inputs struct {
	AvgConfidence      float64
	HighOrCriticalRisk int
	LLMFallbackCount   int
	Conflicts          []Conflict
	BudgetStatus       string
}

// Decision is the audit record emitted at each checkpoint.
type Decision struct {
	CheckpointID string
	RuleID       int
	Mode         string
	Rationale    string
	ConflictIDs  []string
	Inputs       Inputs
}

// Aggregate computes Inputs from a set of step reports and the current
// budget status, detecting conflicts via the static conflict matrix.
func Aggregate(reports []roles.StepReport, budgetStatus string, projectedExceed bool) Inputs {
	var confidenceSum float64
	var highOrCritical, fallback int

	for _, r := range reports {
		confidenceSum += r.Confidence
		if r.RiskLevel == roles.RiskHigh || r.RiskLevel == roles.RiskCritical {
			highOrCritical++
		}
		if r.LLMFallback {
			fallback++
		}
	}

	avgConfidence := 0.0
	if len(reports) > 0 {
		avgConfidence = confidenceSum / float64(len(reports))
	}

	status := budgetStatus
	if status == BudgetExceeded && projectedExceed {
		// actual exceed takes precedence over projected in the status itself
	} else if status != BudgetExceeded && projectedExceed {
		status = BudgetProjectedExceed
	}

	return Inputs{
		AvgConfidence:      avgConfidence,
		HighOrCriticalRisk: highOrCritical,
		LLMFallbackCount:   fallback,
		Conflicts:          detectConflicts(reports),
		BudgetStatus:       status,
	}
}

func detectConflicts(reports []roles.StepReport) []Conflict {
	var conflicts []Conflict
	for i := 0; i < len(reports); i++ {
		for j := i + 1; j < len(reports); j++ {
			a, b := reports[i], reports[j]
			if a.Decision == "" || b.Decision == "" {
				continue
			}
			kind := conflictMatrix[[2]string{a.Decision, b.Decision}]
			if kind == conflictNone {
				continue
			}
			name := "soft"
			if kind == conflictHard {
				name = "hard"
			}
			conflicts = append(conflicts, Conflict{
				Kind: name, NodeA: a.NodeID, NodeB: b.NodeID, DecisionA: a.Decision, DecisionB: b.Decision,
			})
		}
	}
	return conflicts
}

const highRiskCountThreshold = 2
const highRiskConfidenceFloor = 0.5
const llmFallbackThreshold = 2

// Checkpoint evaluates the rule table (first match wins) and returns the
// decision. checkpointID identifies this checkpoint within the run for the
// artifact bundle's governance/<checkpoint>.json record.
func Checkpoint(checkpointID string, in Inputs) Decision {
	decision := Decision{CheckpointID: checkpointID, Inputs: in}

	if hardIDs := conflictIDs(in.Conflicts, "hard"); len(hardIDs) > 0 {
		decision.RuleID = 1
		decision.Mode = ModePaused
		decision.Rationale = "hard conflict"
		decision.ConflictIDs = hardIDs
		return decision
	}

	if in.BudgetStatus == BudgetExceeded {
		decision.RuleID = 2
		decision.Mode = ModePaused
		decision.Rationale = "budget breach"
		return decision
	}
	if in.BudgetStatus == BudgetProjectedExceed {
		decision.RuleID = 2
		decision.Mode = ModeDegraded
		decision.Rationale = "budget breach"
		return decision
	}

	if in.HighOrCriticalRisk >= highRiskCountThreshold && in.AvgConfidence < highRiskConfidenceFloor {
		decision.RuleID = 3
		decision.Mode = ModePaused
		decision.Rationale = "high risk + low confidence"
		return decision
	}

	if in.LLMFallbackCount >= llmFallbackThreshold {
		decision.RuleID = 4
		decision.Mode = ModeDegraded
		decision.Rationale = "model-layer fallback"
		return decision
	}

	if softIDs := conflictIDs(in.Conflicts, "soft"); len(softIDs) > 0 {
		decision.RuleID = 5
		decision.Mode = ModeMinimal
		decision.Rationale = "soft conflict"
		decision.ConflictIDs = softIDs
		return decision
	}

	decision.RuleID = 6
	decision.Mode = ModeNormal
	decision.Rationale = "routine"
	return decision
}

func conflictIDs(conflicts []Conflict, kind string) []string {
	var ids []string
	for _, c := range conflicts {
		if c.Kind == kind {
			ids = append(ids, c.NodeA+"-"+c.NodeB)
		}
	}
	return ids
}

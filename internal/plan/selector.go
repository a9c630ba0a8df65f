package plan

// RunContext carries the explicit signals the selector consults. It has no
// hidden dependency on run internals — this is what makes the selector
// auditable from the record alone.
type RunContext struct {
	BudgetRemaining       float64
	LastEvaluationFailure string // "", "data_issue", "execution_issue", ...
}

// Failure categories the selector's rule table references.
const (
	FailureDataIssue      = "data_issue"
	FailureExecutionIssue = "execution_issue"
)

const budgetDegradeThreshold = 100.0

// Selection is the audit record emitted by Select: the rule id that fired
// plus every input it consulted, sufficient for an auditor to re-derive the
// decision without touching run internals.
type Selection struct {
	RuleID     int
	Path       string // chosen path class, empty if staying paused
	ModeIn     string
	BudgetIn   float64
	FailureIn  string
}

// Select implements the Plan Selector's rule table (evaluated top to
// bottom, first match wins). It is pure and stateless: every input is
// passed in explicitly, and it has no side effect beyond returning the
// audit record for the caller to persist.
func Select(currentMode string, ctx RunContext) Selection {
	base := Selection{ModeIn: currentMode, BudgetIn: ctx.BudgetRemaining, FailureIn: ctx.LastEvaluationFailure}

	switch {
	case currentMode == "PAUSED":
		base.RuleID = 1
		base.Path = ""
	case currentMode == "MINIMAL":
		base.RuleID = 2
		base.Path = PathMinimal
	case currentMode == "DEGRADED":
		base.RuleID = 3
		base.Path = PathDegraded
	case ctx.BudgetRemaining < budgetDegradeThreshold:
		base.RuleID = 4
		base.Path = PathDegraded
	case ctx.LastEvaluationFailure == FailureDataIssue:
		base.RuleID = 5
		base.Path = PathDegraded
	case ctx.LastEvaluationFailure == FailureExecutionIssue:
		base.RuleID = 6
		base.Path = PathMinimal
	default:
		base.RuleID = 7
		base.Path = PathNormal
	}

	return base
}

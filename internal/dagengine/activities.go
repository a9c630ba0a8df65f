package dagengine

import (
	"context"
	"fmt"
	"time"

	"github.com/Benjamindaoson/agentic-delivery-os/internal/budget"
	"github.com/Benjamindaoson/agentic-delivery-os/internal/governance"
	"github.com/Benjamindaoson/agentic-delivery-os/internal/plan"
	"github.com/Benjamindaoson/agentic-delivery-os/internal/pool"
	"github.com/Benjamindaoson/agentic-delivery-os/internal/roles"
	"github.com/Benjamindaoson/agentic-delivery-os/internal/runstate"
)

// TransitionInput is the parameter shape of TransitionActivity.
type TransitionInput struct {
	RunID  string
	To     string
	Reason string
	Actor  string
}

// TransitionActivity durably moves a run to a new lifecycle state through
// the State Manager, the only component permitted to write run state.
func (a *Activities) TransitionActivity(ctx context.Context, in TransitionInput) (runstate.Run, error) {
	run, err := a.Runs.Transition(ctx, in.RunID, in.To, in.Reason, in.Actor)
	if err != nil {
		return runstate.Run{}, fmt.Errorf("dagengine: transition activity: %w", err)
	}
	a.Metrics.ObserveTransition(in.To)
	return run, nil
}

// SelectPlanInput is the parameter shape of SelectPlanActivity.
type SelectPlanInput struct {
	RunID                 string
	CurrentMode           string
	BudgetRemaining       float64
	LastEvaluationFailure string
	FixedPath             string
}

// SelectPlanResult carries the selector's audit record plus the resolved
// plan, since a workflow replaying from history must see the same plan
// shape it saw live.
type SelectPlanResult struct {
	Selection plan.Selection
	Plan      plan.Plan
	Found     bool
}

// SelectPlanActivity runs the Plan Selector's rule table and resolves the
// chosen path class against the plan registry. Kept as an activity (rather
// than called directly from workflow code) purely so its outcome is
// recorded in workflow history and its selection gets written to the
// artifact bundle's plan_history.jsonl in the same call.
func (a *Activities) SelectPlanActivity(ctx context.Context, in SelectPlanInput) (SelectPlanResult, error) {
	var sel plan.Selection
	if in.FixedPath != "" {
		sel = plan.Selection{RuleID: 0, Path: in.FixedPath, ModeIn: in.CurrentMode, BudgetIn: in.BudgetRemaining, FailureIn: in.LastEvaluationFailure}
	} else {
		sel = plan.Select(in.CurrentMode, plan.RunContext{
			BudgetRemaining:       in.BudgetRemaining,
			LastEvaluationFailure: in.LastEvaluationFailure,
		})
	}

	result := SelectPlanResult{Selection: sel}
	if sel.Path == "" {
		return result, nil
	}

	p, ok := a.Plans.ForPath(sel.Path)
	result.Plan = p
	result.Found = ok

	b, err := a.bundleFor(in.RunID)
	if err != nil {
		return result, err
	}
	if err := b.AppendPlanSwitch(sel); err != nil {
		return result, fmt.Errorf("dagengine: select plan activity: %w", err)
	}
	if ok {
		if err := b.WritePlan(p); err != nil {
			return result, fmt.Errorf("dagengine: select plan activity: %w", err)
		}
	}
	return result, nil
}

// StageInput is the parameter shape of RunStageActivity: one batch of
// eligible plan-nodes to fan out through the Execution Pool.
type StageInput struct {
	RunID    string
	TenantID string
	StageID  string // used as the artifact reports/<stage> subdirectory and the stage span/metric label
	Nodes    []plan.Node
}

// StageResult is what one pool pass over a stage produces.
type StageResult struct {
	Reports  []roles.StepReport
	NodeIDs  []string
	AnyHardFailure bool
}

// RunStageActivity fans the stage's eligible nodes out through a fresh
// Execution Pool (spec.md §4.5: "one Pool instance serves one stage"),
// invoking each node's role-step executor, and writes every resulting
// StepReport to the artifact bundle before returning.
func (a *Activities) RunStageActivity(ctx context.Context, in StageInput) (StageResult, error) {
	if len(in.Nodes) == 0 {
		return StageResult{}, nil
	}

	ctx, span := a.Metrics.StartStageSpan(ctx, in.RunID, in.StageID)
	defer span.End()

	grace := a.PoolCfg.CancellationGracePeriod.Duration
	p := pool.New(a.PoolCfg.Concurrency, a.PoolCfg.BackpressureThreshold, grace, a.Logger)

	byID := make(map[string]plan.Node, len(in.Nodes))
	poolNodes := make([]pool.Node, 0, len(in.Nodes))
	for _, n := range in.Nodes {
		node := n
		byID[node.ID] = node
		poolNodes = append(poolNodes, pool.Node{
			ID:       node.ID,
			Priority: priorityFor(node),
			HardDeps: hardDepsWithinStage(node, byID, in.Nodes),
			Run: func(runCtx context.Context) (pool.Result, error) {
				return a.runNode(runCtx, in.RunID, in.TenantID, node)
			},
		})
	}

	outcomes, err := p.Run(ctx, poolNodes)
	if err != nil {
		return StageResult{}, fmt.Errorf("dagengine: run stage %s: %w", in.StageID, err)
	}

	b, err := a.bundleFor(in.RunID)
	if err != nil {
		return StageResult{}, err
	}

	result := StageResult{}
	for nodeID, oc := range outcomes {
		node := byID[nodeID]
		report, ok := a.reports.take(in.RunID, nodeID)
		if !ok {
			// The node never reached runNode (a hard dependency failed
			// before it became ready); synthesize the failure report from
			// the pool's own accounting.
			report = roles.StepReport{NodeID: nodeID, Role: node.Role, Status: roles.StatusFailure}
			if oc.Err != nil {
				report.Detail = oc.Err.Error()
			}
		}
		result.Reports = append(result.Reports, report)
		result.NodeIDs = append(result.NodeIDs, nodeID)
		if report.Status != roles.StatusSuccess && node.Required {
			result.AnyHardFailure = true
		}
		if err := b.WriteStepReport(in.StageID, nodeID, report); err != nil {
			return result, fmt.Errorf("dagengine: write step report %s: %w", nodeID, err)
		}
		if report.CostAmount > 0 {
			if err := b.AppendCostLedgerEntry(map[string]any{
				"node_id": nodeID, "category": report.CostCategory, "amount": report.CostAmount,
			}); err != nil {
				return result, fmt.Errorf("dagengine: append cost ledger: %w", err)
			}
		}
		a.Metrics.ObserveStepReport(report)
	}
	a.Metrics.ObserveStage(in.StageID, len(in.Nodes))
	return result, nil
}

func priorityFor(n plan.Node) int {
	if n.Required {
		return 10
	}
	return 0
}

// hardDepsWithinStage narrows a node's declared dependencies to those also
// present in this stage's batch; dependencies on nodes from an earlier
// stage are already resolved by the time RunStageActivity is called, since
// the workflow only advances to the next stage once every node in the
// current one is terminal.
func hardDepsWithinStage(n plan.Node, byID map[string]plan.Node, nodes []plan.Node) []string {
	var deps []string
	for _, d := range n.DependsOn {
		if _, ok := byID[d]; ok {
			deps = append(deps, d)
		}
	}
	return deps
}

// runNode invokes the role-step executor registered for node.Role and
// translates its StepReport into the pool's generic Result shape.
func (a *Activities) runNode(ctx context.Context, runID, tenantID string, node plan.Node) (pool.Result, error) {
	adapter, ok := a.Roles.Resolve(node.Role)
	if !ok {
		return pool.Result{Status: "failure"}, fmt.Errorf("dagengine: no adapter registered for role %q (node %s)", node.Role, node.ID)
	}

	rc := roles.RunContext{
		RunID:    runID,
		TenantID: tenantID,
		NodeID:   node.ID,
		Role:     node.Role,
		Timeout:  5 * time.Minute,
	}

	report, err := roles.RunWithTimeout(ctx, adapter, rc)
	a.reports.put(runID, node.ID, report)

	status := "success"
	if report.Status != roles.StatusSuccess {
		status = "failure"
	}
	return pool.Result{Status: status}, err
}

// CheckpointInput is the parameter shape of CheckpointActivity.
type CheckpointInput struct {
	RunID        string
	TenantID     string
	CheckpointID string
	Reports      []roles.StepReport
	RunCost      float64
}

// CheckpointActivity aggregates a stage's step reports with the tenant's
// current budget status, runs the Governance Engine's rule table, and writes
// the decision to the artifact bundle. It does not transition run state; a
// PAUSED decision is applied by RunWorkflow.
func (a *Activities) CheckpointActivity(ctx context.Context, in CheckpointInput) (governance.Decision, error) {
	status, err := a.Budget.Status(in.TenantID)
	if err != nil {
		return governance.Decision{}, fmt.Errorf("dagengine: checkpoint: budget status: %w", err)
	}
	projection, err := a.Budget.Forecast(in.TenantID, in.RunCost)
	if err != nil {
		return governance.Decision{}, fmt.Errorf("dagengine: checkpoint: budget forecast: %w", err)
	}
	tenant, err := a.Tenants.Get(in.TenantID)
	if err != nil {
		return governance.Decision{}, fmt.Errorf("dagengine: checkpoint: tenant lookup: %w", err)
	}
	projectedExceed := tenant.Budget.MaxSpendPerDayUSD > 0 && projection.ProjectedTotal > tenant.Budget.MaxSpendPerDayUSD

	inputs := governance.Aggregate(in.Reports, governanceStatus(status.Status), projectedExceed)
	decision := governance.Checkpoint(in.CheckpointID, inputs)

	b, err := a.bundleFor(in.RunID)
	if err != nil {
		return decision, err
	}
	if err := b.WriteGovernanceDecision(in.CheckpointID, decision); err != nil {
		return decision, fmt.Errorf("dagengine: checkpoint: write decision: %w", err)
	}
	if err := b.AppendEvent(map[string]any{"type": "checkpoint", "checkpoint_id": in.CheckpointID, "rule_id": decision.RuleID, "mode": decision.Mode}); err != nil {
		return decision, fmt.Errorf("dagengine: checkpoint: append event: %w", err)
	}
	a.Metrics.ObserveCheckpoint(decision)
	return decision, nil
}

// RecordSpendInput is the parameter shape of RecordSpendActivity.
type RecordSpendInput struct {
	Token   budget.AdmissionToken
	Reports []roles.StepReport
}

// RecordSpendActivity posts each reporting node's declared cost to the
// Budget Controller's ledger against the run's admission token, and
// accumulates the same total onto the run's runstate record.
func (a *Activities) RecordSpendActivity(ctx context.Context, in RecordSpendInput) (float64, error) {
	var total float64
	for _, r := range in.Reports {
		if r.CostAmount <= 0 {
			continue
		}
		category := r.CostCategory
		if category == "" {
			category = budget.CategoryOther
		}
		if err := a.Budget.Record(in.Token, r.CostAmount, category); err != nil {
			return total, fmt.Errorf("dagengine: record spend: %w", err)
		}
		total += r.CostAmount
	}
	if total > 0 {
		if err := a.Runs.AddCost(in.Token.RunID, total); err != nil {
			return total, fmt.Errorf("dagengine: record spend: %w", err)
		}
	}
	return total, nil
}

// SetPlanModeInput is the parameter shape of SetPlanModeActivity.
type SetPlanModeInput struct {
	RunID  string
	PlanID string
	Mode   string
}

// SetPlanModeActivity records the run's active plan and execution mode
// without a state transition, the path a checkpoint-driven plan switch
// takes while the run stays RUNNING.
func (a *Activities) SetPlanModeActivity(ctx context.Context, in SetPlanModeInput) error {
	if err := a.Runs.SetPlanAndMode(in.RunID, in.PlanID, in.Mode); err != nil {
		return fmt.Errorf("dagengine: set plan/mode: %w", err)
	}
	return nil
}

// ReleaseAdmissionInput is the parameter shape of ReleaseAdmissionActivity.
type ReleaseAdmissionInput struct {
	Token budget.AdmissionToken
}

// ReleaseAdmissionActivity releases the run's concurrency slot once it
// reaches a terminal state. Idempotent, per budget.Controller.Release.
func (a *Activities) ReleaseAdmissionActivity(ctx context.Context, in ReleaseAdmissionInput) error {
	if err := a.Budget.Release(in.Token); err != nil {
		return fmt.Errorf("dagengine: release admission: %w", err)
	}
	return nil
}

// SealInput is the parameter shape of SealActivity.
type SealInput struct {
	RunID string
}

// SealActivity seals the run's artifact bundle once it reaches a terminal
// state, computing the bundle's content hash (spec.md §6).
func (a *Activities) SealActivity(ctx context.Context, in SealInput) (string, error) {
	b, err := a.bundleFor(in.RunID)
	if err != nil {
		return "", err
	}
	manifest, err := b.Seal()
	if err != nil {
		return "", fmt.Errorf("dagengine: seal: %w", err)
	}
	if err := a.Runs.SetArtifactPath(in.RunID, b.Root()); err != nil {
		return manifest.BundleHash, fmt.Errorf("dagengine: seal: %w", err)
	}
	a.closeBundle(in.RunID)
	return manifest.BundleHash, nil
}

package dagengine

import (
	"context"
	"fmt"
	"time"

	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"

	"github.com/Benjamindaoson/agentic-delivery-os/internal/budget"
	"github.com/Benjamindaoson/agentic-delivery-os/internal/governance"
	"github.com/Benjamindaoson/agentic-delivery-os/internal/plan"
	"github.com/Benjamindaoson/agentic-delivery-os/internal/roles"
	"github.com/Benjamindaoson/agentic-delivery-os/internal/runstate"
)

// Activity type names, registered once by StartWorker (worker.RegisterActivity
// on an *Activities value auto-registers each exported method under its
// method name) and referenced here by name, since RunWorkflow itself has no
// Activities instance to bind a method value to.
const (
	activityTransition       = "TransitionActivity"
	activitySelectPlan       = "SelectPlanActivity"
	activityRunStage         = "RunStageActivity"
	activityCheckpoint       = "CheckpointActivity"
	activitySetPlanMode      = "SetPlanModeActivity"
	activityRecordSpend      = "RecordSpendActivity"
	activityReleaseAdmission = "ReleaseAdmissionActivity"
	activitySeal             = "SealActivity"
)

// activityOptions returns the ActivityOptions every DAG Engine activity
// call shares: a bounded start-to-close timeout and a small retry budget,
// the same shape the teacher's dispatcher workflow attaches per activity
// call group.
func activityOptions() workflow.ActivityOptions {
	return workflow.ActivityOptions{
		StartToCloseTimeout: defaultActivityTimeout,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:    time.Second,
			BackoffCoefficient: 2.0,
			MaximumAttempts:    3,
		},
	}
}

// RunWorkflow is the DAG Engine's top-level orchestration workflow: one
// execution per delivery run. It walks the selected plan stage by stage,
// fanning eligible nodes out through the Execution Pool, inserting a
// Governance checkpoint after each stage, and re-selecting the plan path at
// every checkpoint boundary so a mid-run degrade/minimal switch takes
// effect without rewinding work already done (spec.md §4.7's checkpoint-only
// switch semantics — see DESIGN.md's Open Question decision).
func RunWorkflow(ctx workflow.Context, in RunWorkflowInput) (RunWorkflowResult, error) {
	logger := workflow.GetLogger(ctx)
	actCtx := workflow.WithActivityOptions(ctx, activityOptions())

	if err := transition(actCtx, in.RunID, runstate.StateRunning, "run started", "dag_engine"); err != nil {
		return RunWorkflowResult{}, err
	}

	mode := governance.ModeNormal
	budgetRemaining := in.InitialBudget
	lastFailure := ""
	completed := make(map[string]bool)
	var totalCost float64
	stagesRun := 0
	checkpointN := 0

	for {
		var sel SelectPlanResult
		if err := workflow.ExecuteActivity(actCtx, activitySelectPlan, SelectPlanInput{
			RunID:                 in.RunID,
			CurrentMode:           mode,
			BudgetRemaining:       budgetRemaining,
			LastEvaluationFailure: lastFailure,
			FixedPath:             in.FixedPath,
		}).Get(ctx, &sel); err != nil {
			return RunWorkflowResult{}, fmt.Errorf("dagengine: select plan: %w", err)
		}

		if sel.Selection.Path == "" {
			break
		}
		if !sel.Found {
			return finish(ctx, actCtx, in.RunID, runstate.StateFailed, mode, stagesRun, in.Admission,
				fmt.Errorf("dagengine: no registered plan for path %s", sel.Selection.Path))
		}

		eligible := pendingEligible(sel.Plan, completed, plan.EvalContext{
			BudgetRemaining:       budgetRemaining,
			LastEvaluationFailure: lastFailure,
		})
		if len(eligible) == 0 {
			break
		}

		stageID := fmt.Sprintf("%s-%d", sel.Plan.ID, stagesRun)
		var stageResult StageResult
		if err := workflow.ExecuteActivity(actCtx, activityRunStage, StageInput{
			RunID:    in.RunID,
			TenantID: in.TenantID,
			StageID:  stageID,
			Nodes:    eligible,
		}).Get(ctx, &stageResult); err != nil {
			return RunWorkflowResult{}, fmt.Errorf("dagengine: run stage: %w", err)
		}
		stagesRun++

		for _, r := range stageResult.Reports {
			completed[nodeKey(sel.Plan.ID, r.NodeID)] = true
			totalCost += r.CostAmount
		}

		var spent float64
		if err := workflow.ExecuteActivity(actCtx, activityRecordSpend, RecordSpendInput{
			Token: in.Admission, Reports: stageResult.Reports,
		}).Get(ctx, &spent); err != nil {
			return RunWorkflowResult{}, fmt.Errorf("dagengine: record spend: %w", err)
		}

		checkpointN++
		checkpointID := fmt.Sprintf("cp-%d", checkpointN)
		var decision governance.Decision
		if err := workflow.ExecuteActivity(actCtx, activityCheckpoint, CheckpointInput{
			RunID:        in.RunID,
			TenantID:     in.TenantID,
			CheckpointID: checkpointID,
			Reports:      stageResult.Reports,
			RunCost:      totalCost,
		}).Get(ctx, &decision); err != nil {
			return RunWorkflowResult{}, fmt.Errorf("dagengine: checkpoint: %w", err)
		}

		if err := workflow.ExecuteActivity(actCtx, activitySetPlanMode, SetPlanModeInput{
			RunID: in.RunID, PlanID: sel.Plan.ID, Mode: modeToRunstate(decision.Mode),
		}).Get(ctx, nil); err != nil {
			return RunWorkflowResult{}, fmt.Errorf("dagengine: set plan/mode: %w", err)
		}

		if stageResult.AnyHardFailure {
			return finish(ctx, actCtx, in.RunID, runstate.StateFailed, decision.Mode, stagesRun, in.Admission,
				fmt.Errorf("dagengine: stage %s had a required-node failure", stageID))
		}

		mode = decision.Mode
		budgetRemaining = in.InitialBudget - totalCost
		lastFailure = lastEvaluationFailure(stageResult.Reports)

		if mode == governance.ModePaused {
			if err := transition(actCtx, in.RunID, runstate.StatePaused, decision.Rationale, "governance"); err != nil {
				return RunWorkflowResult{}, err
			}
			logger.Info("run paused awaiting operator resume", "run_id", in.RunID, "checkpoint", checkpointID)

			signalCh := workflow.GetSignalChannel(ctx, ResumeSignalName)
			signalCh.Receive(ctx, nil)

			if err := transition(actCtx, in.RunID, runstate.StateRunning, "operator resume", "operator"); err != nil {
				return RunWorkflowResult{}, err
			}
			mode = governance.ModeNormal
		}
	}

	return finish(ctx, actCtx, in.RunID, runstate.StateCompleted, mode, stagesRun, in.Admission, nil)
}

// pendingEligible returns the subset of p's nodes that satisfy their guard
// under the current signals and have not already run under this plan id in
// a prior stage.
func pendingEligible(p plan.Plan, completed map[string]bool, signals plan.EvalContext) []plan.Node {
	if p.ID == "" {
		return nil
	}
	var out []plan.Node
	for _, n := range p.Eligible(signals) {
		if !completed[nodeKey(p.ID, n.ID)] {
			out = append(out, n)
		}
	}
	return out
}

// lastEvaluationFailure derives the Plan Selector's failure-category input
// from a stage's step reports: a failed evaluation-role step signals an
// execution issue, a failed data-role step signals a data issue, first
// match wins.
func lastEvaluationFailure(reports []roles.StepReport) string {
	for _, r := range reports {
		if r.Status == roles.StatusSuccess {
			continue
		}
		switch r.Role {
		case roles.RoleData:
			return plan.FailureDataIssue
		case roles.RoleEvaluation, roles.RoleExecution:
			return plan.FailureExecutionIssue
		}
	}
	return ""
}

func transition(actCtx workflow.Context, runID, to, reason, actor string) error {
	return workflow.ExecuteActivity(actCtx, activityTransition, TransitionInput{
		RunID: runID, To: to, Reason: reason, Actor: actor,
	}).Get(actCtx, nil)
}

func finish(ctx, actCtx workflow.Context, runID, finalState, mode string, stagesRun int, admission budget.AdmissionToken, runErr error) (RunWorkflowResult, error) {
	if err := transition(actCtx, runID, finalState, terminalReason(finalState, runErr), "dag_engine"); err != nil {
		if runErr != nil {
			return RunWorkflowResult{}, fmt.Errorf("%v (and transition to %s failed: %w)", runErr, finalState, err)
		}
		return RunWorkflowResult{}, err
	}

	_ = workflow.ExecuteActivity(actCtx, activityReleaseAdmission, ReleaseAdmissionInput{Token: admission}).Get(ctx, nil)

	var bundleHash string
	_ = workflow.ExecuteActivity(actCtx, activitySeal, SealInput{RunID: runID}).Get(ctx, &bundleHash)

	result := RunWorkflowResult{RunID: runID, FinalState: finalState, FinalMode: mode, StagesRun: stagesRun, BundleHash: bundleHash}
	if runErr != nil {
		return result, runErr
	}
	return result, nil
}

func terminalReason(state string, err error) string {
	if err != nil {
		return err.Error()
	}
	if state == runstate.StateCompleted {
		return "plan exhausted"
	}
	return "terminal"
}

// StartWorker connects to a Temporal server and runs a worker hosting
// RunWorkflow and every Activities method on TaskQueueName, blocking until
// interrupted. Mirrors the teacher's temporal worker bring-up: one
// client.Dial, one worker.New, register workflow and activities, then Run.
func StartWorker(hostPort string, a *Activities) error {
	c, err := client.Dial(client.Options{HostPort: hostPort})
	if err != nil {
		return fmt.Errorf("dagengine: connect to temporal: %w", err)
	}
	defer c.Close()

	w := worker.New(c, TaskQueueName, worker.Options{})
	w.RegisterWorkflow(RunWorkflow)
	w.RegisterActivity(a)

	if err := w.Run(worker.InterruptCh()); err != nil {
		return fmt.Errorf("dagengine: worker run: %w", err)
	}
	return nil
}

// SubmitRun starts a RunWorkflow execution against a Temporal client. The
// workflow id is the run id so an operator resume always targets an
// unambiguous, already-running execution.
func SubmitRun(ctx context.Context, c client.Client, in RunWorkflowInput) (client.WorkflowRun, error) {
	opts := client.StartWorkflowOptions{
		ID:        in.RunID,
		TaskQueue: TaskQueueName,
	}
	return c.ExecuteWorkflow(ctx, opts, RunWorkflow, in)
}

// ResumeRun signals a PAUSED run's workflow to proceed.
func ResumeRun(ctx context.Context, c client.Client, runID string) error {
	return c.SignalWorkflow(ctx, runID, "", ResumeSignalName, nil)
}

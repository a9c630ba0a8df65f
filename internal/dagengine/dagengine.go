// Package dagengine implements the DAG Engine: the orchestrator that walks
// a selected plan, gates each node on its guard, fans eligible nodes out to
// role-step executors through the Execution Pool, inserts a Governance
// checkpoint between stages, and applies mid-run plan switches (spec.md
// §4.7). A run's execution is hosted as a Temporal workflow (workflow.go);
// this file holds the Activities an orchestration run calls into, since
// every I/O-bearing or non-deterministic step (database writes, pool
// fan-out, artifact bundle writes) must live in an Activity rather than in
// workflow code itself.
package dagengine

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Benjamindaoson/agentic-delivery-os/internal/artifact"
	"github.com/Benjamindaoson/agentic-delivery-os/internal/budget"
	"github.com/Benjamindaoson/agentic-delivery-os/internal/config"
	"github.com/Benjamindaoson/agentic-delivery-os/internal/governance"
	"github.com/Benjamindaoson/agentic-delivery-os/internal/plan"
	"github.com/Benjamindaoson/agentic-delivery-os/internal/roles"
	"github.com/Benjamindaoson/agentic-delivery-os/internal/runstate"
	"github.com/Benjamindaoson/agentic-delivery-os/internal/tenancy"
)

// TaskQueueName is the Temporal task queue every engine worker and client
// targets.
const TaskQueueName = "dagengine-task-queue"

// ResumeSignalName is the signal an operator resume action sends to a
// PAUSED run's workflow.
const ResumeSignalName = "operator-resume"

// Activities bundles every dependency a DAG Engine run touches. One
// Activities value is shared by every workflow execution a worker hosts;
// it holds no per-run state itself.
type Activities struct {
	Runs     *runstate.Manager
	Plans    *plan.Registry
	Roles    *roles.Registry
	Budget   *budget.Controller
	Tenants  *tenancy.Registry
	Metrics  *Metrics

	ArtifactRootDir string
	PoolCfg         config.Pool

	Logger *slog.Logger

	bundles *bundleCache
	reports *reportStore
}

// NewActivities constructs an Activities set. logger is scoped with a
// dagengine component tag the way every other core component does.
func NewActivities(runs *runstate.Manager, plans *plan.Registry, rolesReg *roles.Registry, budgetCtl *budget.Controller, tenants *tenancy.Registry, artifactRootDir string, poolCfg config.Pool, metrics *Metrics, logger *slog.Logger) *Activities {
	if metrics == nil {
		metrics = NewNoopMetrics()
	}
	return &Activities{
		Runs:            runs,
		Plans:           plans,
		Roles:           rolesReg,
		Budget:          budgetCtl,
		Tenants:         tenants,
		Metrics:         metrics,
		ArtifactRootDir: artifactRootDir,
		PoolCfg:         poolCfg,
		Logger:          logger.With("component", "dag_engine"),
		bundles:         newBundleCache(),
		reports:         newReportStore(),
	}
}

// bundleCache caches the open *artifact.Bundle for each run a worker
// process is currently hosting, since Bundle.Open is not idempotent about
// directory creation cost and the bundle must stay the same handle across
// every activity invocation for a run. Safe for concurrent use: multiple
// stage activities for different runs, or concurrent nodes within one
// stage's pool fan-out, may call bundleFor at once.
type bundleCache struct {
	mu   sync.Mutex
	open map[string]*artifact.Bundle
}

func newBundleCache() *bundleCache { return &bundleCache{open: make(map[string]*artifact.Bundle)} }

func (a *Activities) bundleFor(runID string) (*artifact.Bundle, error) {
	a.bundles.mu.Lock()
	defer a.bundles.mu.Unlock()

	if b, ok := a.bundles.open[runID]; ok {
		return b, nil
	}
	b, err := artifact.Open(a.ArtifactRootDir, runID)
	if err != nil {
		return nil, fmt.Errorf("dagengine: open artifact bundle for %s: %w", runID, err)
	}
	a.bundles.open[runID] = b
	return b, nil
}

func (a *Activities) closeBundle(runID string) {
	a.bundles.mu.Lock()
	defer a.bundles.mu.Unlock()
	delete(a.bundles.open, runID)
}

// reportStore holds the full roles.StepReport produced by each node a pool
// fan-out executed, keyed by run and node id, since the Execution Pool's
// own Result type only carries a status string and cannot round-trip the
// governance-relevant fields (confidence, risk, decision) back to the
// caller.
type reportStore struct {
	mu   sync.Mutex
	byID map[string]roles.StepReport
}

func newReportStore() *reportStore { return &reportStore{byID: make(map[string]roles.StepReport)} }

func reportKey(runID, nodeID string) string { return runID + "/" + nodeID }

func (s *reportStore) put(runID, nodeID string, r roles.StepReport) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID[reportKey(runID, nodeID)] = r
}

func (s *reportStore) take(runID, nodeID string) (roles.StepReport, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := reportKey(runID, nodeID)
	r, ok := s.byID[key]
	if ok {
		delete(s.byID, key)
	}
	return r, ok
}

// RunWorkflowInput is the input a caller submits to start an orchestration
// run. The run must already exist in runstate at SPEC_READY (the Budget
// Controller admission gate and runstate.Create are the caller's
// responsibility, per runstate.Manager's documented split of concerns).
type RunWorkflowInput struct {
	RunID         string
	TenantID      string
	EstimatedCost float64
	FixedPath     string // non-empty pins the run to one path class, skipping the selector
	InitialBudget float64
	Admission     budget.AdmissionToken // obtained by the caller via budget.Controller.Admit before SubmitRun
}

// RunWorkflowResult is what a completed (or terminally failed) run reports.
type RunWorkflowResult struct {
	RunID       string
	FinalState  string
	FinalMode   string
	StagesRun   int
	BundleHash  string
}

// nodeKey scopes a plan-node id by the plan id it belongs to, since two
// plan shapes are free to reuse the same node id for analogous work (e.g.
// both NORMAL and DEGRADED declare an "execution" node) and a mid-run
// switch must not treat the DEGRADED node as already-completed just
// because NORMAL's same-named node ran first.
func nodeKey(planID, nodeID string) string { return planID + "/" + nodeID }

// governanceStatus maps a budget.Status to the vocabulary
// internal/governance consults, without governance importing internal/budget
// (see the comment on internal/governance's budget status constants for why
// that dependency is inverted).
func governanceStatus(s budget.Status) string {
	switch s {
	case budget.StatusWarning:
		return governance.BudgetWarning
	case budget.StatusCritical:
		return governance.BudgetCritical
	case budget.StatusExceeded:
		return governance.BudgetExceeded
	default:
		return governance.BudgetHealthy
	}
}

func modeToRunstate(mode string) string {
	switch mode {
	case governance.ModeDegraded:
		return runstate.ModeDegraded
	case governance.ModeMinimal:
		return runstate.ModeMinimal
	default:
		return runstate.ModeNormal
	}
}

// defaultActivityTimeout bounds every activity call this package registers
// when a caller doesn't override it via ActivityOptions.
const defaultActivityTimeout = 10 * time.Minute

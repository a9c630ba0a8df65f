// Package corerr defines the wire-level failure taxonomy shared by every
// core component (state manager, budget controller, task queue, engine).
// Components wrap these with fmt.Errorf("%w", ...) so callers can still
// errors.Is/As through layered context.
package corerr

import "errors"

var (
	// ErrTenantUnknown means the tenant id does not exist in the registry.
	ErrTenantUnknown = errors.New("tenant unknown")
	// ErrTenantSuspended means the tenant exists but is not accepting new runs.
	ErrTenantSuspended = errors.New("tenant suspended")
	// ErrSpecInvalid means the submitted run spec failed validation.
	ErrSpecInvalid = errors.New("spec invalid")
	// ErrBudgetExceeded means admission would exceed the tenant's daily or monthly budget.
	ErrBudgetExceeded = errors.New("budget exceeded")
	// ErrConcurrencyExceeded means admission would exceed the tenant's max concurrent runs.
	ErrConcurrencyExceeded = errors.New("concurrency exceeded")
	// ErrLedgerUnavailable means ledger writes are persistently failing; tenant is paused.
	ErrLedgerUnavailable = errors.New("ledger unavailable")
	// ErrRunNotFound means no run exists with the given id.
	ErrRunNotFound = errors.New("run not found")
	// ErrTransitionIllegal means the requested state transition is not in the allowed graph.
	ErrTransitionIllegal = errors.New("transition illegal")
	// ErrNotPaused means an operator action required a PAUSED run but it wasn't.
	ErrNotPaused = errors.New("run not paused")
	// ErrPatchInvalid means operator-submitted resume input failed validation.
	ErrPatchInvalid = errors.New("patch invalid")
	// ErrTimeout means a node/task exceeded its deadline.
	ErrTimeout = errors.New("timeout")
	// ErrLeaseExpired means a task's lease expired before it was acked or nacked.
	ErrLeaseExpired = errors.New("lease expired")
	// ErrTaskDead means a task exhausted its retry budget and moved to the dead-letter list.
	ErrTaskDead = errors.New("task dead")
	// ErrCapabilityUnavailable means no registered worker advertises a required capability.
	ErrCapabilityUnavailable = errors.New("capability unavailable")
	// ErrGovernancePaused means the run is paused by governance and cannot proceed without operator input.
	ErrGovernancePaused = errors.New("governance paused")
)

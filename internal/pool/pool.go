// Package pool implements the Execution Pool: intra-run concurrency and
// backpressure over a DAG of plan-nodes. It maintains pending/ready/running
// sets and a semaphore of capacity C, launching the highest-priority ready
// node while running/C stays below the backpressure threshold theta.
package pool

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Node is one schedulable unit of work in the pool's dependency graph.
type Node struct {
	ID           string
	Priority     int // higher runs first
	HardDeps     []string
	SoftDeps     []string
	Run          func(ctx context.Context) (Result, error)
}

// Result is what a node's Run function returns on success.
type Result struct {
	Status   string // success|failure
	Warnings []string
}

// outcome is the pool's final accounting for one node.
type outcome struct {
	NodeID     string
	Result     Result
	Err        error
	SoftFailed bool // true if a soft dependency failed (warning only)
}

// Pool runs a batch of nodes honoring hard/soft dependency semantics and a
// concurrency/backpressure bound. One Pool instance serves one stage.
type Pool struct {
	concurrency int
	backpressureThreshold float64
	gracePeriod time.Duration
	logger      *slog.Logger
	now         func() time.Time

	mu      sync.Mutex
	running int
}

// New constructs an Execution Pool with capacity C and backpressure ratio
// theta in (0,1].
func New(concurrency int, backpressureThreshold float64, gracePeriod time.Duration, logger *slog.Logger) *Pool {
	if concurrency <= 0 {
		concurrency = 1
	}
	if backpressureThreshold <= 0 || backpressureThreshold > 1 {
		backpressureThreshold = 1
	}
	return &Pool{
		concurrency: concurrency, backpressureThreshold: backpressureThreshold,
		gracePeriod: gracePeriod, logger: logger.With("component", "execution_pool"), now: time.Now,
	}
}

// Backpressured reports whether running/C has reached theta, the signal
// exposed for observability per spec.md §4.5.
func (p *Pool) Backpressured() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return float64(p.running)/float64(p.concurrency) >= p.backpressureThreshold
}

// Run executes every node in nodes, respecting hard/soft dependencies and
// the concurrency/backpressure bound, until all nodes reach a terminal
// state or ctx is cancelled. A node fails if any hard dependency failed; a
// failed soft dependency only produces a warning on the dependent node.
func (p *Pool) Run(ctx context.Context, nodes []Node) (map[string]outcome, error) {
	byID := make(map[string]Node, len(nodes))
	for _, n := range nodes {
		byID[n.ID] = n
	}

	outcomes := make(map[string]outcome)
	var mu sync.Mutex
	done := make(chan struct{})

	pending := make(map[string]Node, len(nodes))
	for _, n := range nodes {
		pending[n.ID] = n
	}

	sem := make(chan struct{}, p.concurrency)
	group, groupCtx := errgroup.WithContext(ctx)

	var schedMu sync.Mutex
	var remaining int32 = int32(len(nodes))

	var scheduleReady func()
	scheduleReady = func() {
		schedMu.Lock()
		defer schedMu.Unlock()

		if p.Backpressured() {
			return
		}

		// A node becomes ready once every dependency (hard or soft) has
		// reached a terminal outcome; whether a hard dependency actually
		// failed is decided below, per node, once it is picked up.
		ready := make([]Node, 0)
		for id, n := range pending {
			if dependenciesResolved(n.HardDeps, outcomes, &mu) && dependenciesResolved(n.SoftDeps, outcomes, &mu) {
				ready = append(ready, n)
				delete(pending, id)
			}
		}
		sort.Slice(ready, func(i, j int) bool { return ready[i].Priority > ready[j].Priority })

		for _, n := range ready {
			node := n
			if hardDepFailed(node.HardDeps, outcomes, &mu) {
				mu.Lock()
				outcomes[node.ID] = outcome{NodeID: node.ID, Result: Result{Status: "failure"}, Err: fmt.Errorf("pool: %s: hard dependency failed", node.ID)}
				mu.Unlock()
				p.logger.Warn("node skipped, hard dependency failed", "node_id", node.ID)
				if remaining--; remaining == 0 {
					close(done)
				}
				continue
			}

			if p.Backpressured() {
				pending[node.ID] = node
				continue
			}

			select {
			case sem <- struct{}{}:
			default:
				pending[node.ID] = node
				continue
			}

			p.mu.Lock()
			p.running++
			p.mu.Unlock()

			group.Go(func() error {
				defer func() {
					<-sem
					p.mu.Lock()
					p.running--
					p.mu.Unlock()
					schedMu.Lock()
					n := remaining - 1
					remaining = n
					schedMu.Unlock()
					if n == 0 {
						close(done)
					} else {
						scheduleReady()
					}
				}()

				warnings := softDepWarnings(node.SoftDeps, outcomes, &mu)
				res, err := runWithGrace(groupCtx, node)
				res.Warnings = append(res.Warnings, warnings...)

				mu.Lock()
				outcomes[node.ID] = outcome{NodeID: node.ID, Result: res, Err: err}
				mu.Unlock()
				return nil // node failures are reported via outcome, not group error
			})
		}
	}

	scheduleReady()

	select {
	case <-done:
		_ = group.Wait()
		return outcomes, nil
	case <-ctx.Done():
	}

	// Cancellation: in-flight nodes already observe ctx via groupCtx and
	// should start winding down; give them the grace period before this
	// call returns and treats anything still unresolved as abandoned.
	grace := p.gracePeriod
	if grace <= 0 {
		grace = 0
	}
	select {
	case <-done:
	case <-time.After(grace):
		schedMu.Lock()
		mu.Lock()
		for id, n := range pending {
			if _, ok := outcomes[n.ID]; !ok {
				outcomes[id] = outcome{NodeID: id, Result: Result{Status: "failure"}, Err: fmt.Errorf("pool: %s: abandoned after cancellation grace period", id)}
			}
		}
		mu.Unlock()
		schedMu.Unlock()
	}
	_ = group.Wait()
	return outcomes, ctx.Err()
}

func runWithGrace(ctx context.Context, n Node) (Result, error) {
	if n.Run == nil {
		return Result{Status: "success"}, nil
	}
	return n.Run(ctx)
}

func dependenciesResolved(deps []string, outcomes map[string]outcome, mu *sync.Mutex) bool {
	mu.Lock()
	defer mu.Unlock()
	for _, d := range deps {
		if _, ok := outcomes[d]; !ok {
			return false
		}
	}
	return true
}

func hardDepFailed(deps []string, outcomes map[string]outcome, mu *sync.Mutex) bool {
	mu.Lock()
	defer mu.Unlock()
	for _, d := range deps {
		if o, ok := outcomes[d]; ok && (o.Err != nil || o.Result.Status == "failure") {
			return true
		}
	}
	return false
}

func softDepWarnings(deps []string, outcomes map[string]outcome, mu *sync.Mutex) []string {
	mu.Lock()
	defer mu.Unlock()
	var warnings []string
	for _, d := range deps {
		if o, ok := outcomes[d]; ok && (o.Err != nil || o.Result.Status == "failure") {
			warnings = append(warnings, fmt.Sprintf("soft dependency %s failed", d))
		}
	}
	return warnings
}

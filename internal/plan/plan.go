// Package plan defines the Plan/PlanNode data model and the registry of
// plan shapes (NORMAL/DEGRADED/MINIMAL) the DAG Engine walks. Plans are
// immutable once loaded; the engine switches among registered shapes at a
// checkpoint, it never mutates one.
package plan

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Path classes a plan can belong to.
const (
	PathNormal   = "NORMAL"
	PathDegraded = "DEGRADED"
	PathMinimal  = "MINIMAL"
)

// Guard predicate kinds a plan-node may declare.
const (
	GuardAlways                    = "always"
	GuardBudgetRemainingAbove      = "budget_remaining_above"
	GuardRiskLevelNotIn            = "risk_level_not_in"
	GuardLastEvaluationFailureNotIn = "last_evaluation_failure_not_in"
)

// Guard is one guard predicate attached to a plan-node.
type Guard struct {
	Kind      string   `yaml:"kind"`
	Threshold float64  `yaml:"threshold,omitempty"` // for budget_remaining_above
	Excluded  []string `yaml:"excluded,omitempty"`  // for the *_not_in guards
}

// EvalContext carries the runtime signals a guard is evaluated against.
type EvalContext struct {
	BudgetRemaining      float64
	RiskLevel            string
	LastEvaluationFailure string
}

// Satisfied reports whether ctx satisfies the guard.
func (g Guard) Satisfied(ctx EvalContext) bool {
	switch g.Kind {
	case GuardAlways, "":
		return true
	case GuardBudgetRemainingAbove:
		return ctx.BudgetRemaining > g.Threshold
	case GuardRiskLevelNotIn:
		return !contains(g.Excluded, ctx.RiskLevel)
	case GuardLastEvaluationFailureNotIn:
		return !contains(g.Excluded, ctx.LastEvaluationFailure)
	default:
		return false
	}
}

func contains(set []string, value string) bool {
	for _, s := range set {
		if s == value {
			return true
		}
	}
	return false
}

// Node is one plan-node: a role-tagged unit of work with a guard, a
// required flag, and cost/risk estimates.
type Node struct {
	ID             string  `yaml:"id"`
	Role           string  `yaml:"role"`
	Guard          Guard   `yaml:"guard"`
	Required       bool    `yaml:"required"`
	EstimatedCost  float64 `yaml:"estimated_cost"`
	EstimatedRisk  string  `yaml:"estimated_risk"` // low|medium|high|critical
	DependsOn      []string `yaml:"depends_on,omitempty"`
}

// Plan is an immutable, versioned DAG shape.
type Plan struct {
	ID      string `yaml:"id"`
	Version int    `yaml:"version"`
	Path    string `yaml:"path"` // NORMAL|DEGRADED|MINIMAL
	Nodes   []Node `yaml:"nodes"`
}

// Eligible returns the subset of nodes whose guard is satisfied under ctx.
func (p Plan) Eligible(ctx EvalContext) []Node {
	var out []Node
	for _, n := range p.Nodes {
		if n.Guard.Satisfied(ctx) {
			out = append(out, n)
		}
	}
	return out
}

// Node looks up a plan-node by id.
func (p Plan) Node(id string) (Node, bool) {
	for _, n := range p.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return Node{}, false
}

// registryFile is the on-disk shape of a plan-shape registry file.
type registryFile struct {
	Plans []Plan `yaml:"plans"`
}

// Registry holds every registered plan shape, keyed by path class. Loaded
// once at startup from a declarative YAML file; the DAG Engine looks plans
// up by path class through this registry, it never constructs one itself.
type Registry struct {
	byPath map[string]Plan
}

// LoadRegistry reads a YAML-declared plan-shape registry from path.
func LoadRegistry(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("plan: load registry %s: %w", path, err)
	}
	var file registryFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("plan: parse registry %s: %w", path, err)
	}
	return NewRegistry(file.Plans)
}

// NewRegistry builds a Registry from an in-memory list of plans, validating
// that each of the three path classes is present at most once.
func NewRegistry(plans []Plan) (*Registry, error) {
	r := &Registry{byPath: make(map[string]Plan, len(plans))}
	for _, p := range plans {
		if _, exists := r.byPath[p.Path]; exists {
			return nil, fmt.Errorf("plan: duplicate plan shape for path %s", p.Path)
		}
		r.byPath[p.Path] = p
	}
	return r, nil
}

// ForPath returns the registered plan for a path class.
func (r *Registry) ForPath(path string) (Plan, bool) {
	p, ok := r.byPath[path]
	return p, ok
}

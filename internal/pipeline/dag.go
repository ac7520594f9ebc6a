// Package pipeline owns the DAG shape of multi-task work: validation,
// topological layering, dependency readiness, upstream result propagation,
// and the dynamic expansion protocol.
package pipeline

import (
	"sort"

	domainerr "openskelo/internal/errors"
	"openskelo/internal/gate"
	"openskelo/internal/task"
)

// NodeInput is one node of a CreateDagInput, addressed by a
// pipeline-local key.
type NodeInput struct {
	Key                string              `json:"key" yaml:"key"`
	Type               string              `json:"type" yaml:"type"`
	Summary            string              `json:"summary" yaml:"summary"`
	Prompt             string              `json:"prompt" yaml:"prompt"`
	Backend            string              `json:"backend" yaml:"backend"`
	DependsOn          []string            `json:"depends_on,omitempty" yaml:"depends_on"`
	Priority           *int                `json:"priority,omitempty" yaml:"priority"`
	AcceptanceCriteria []string            `json:"acceptance_criteria,omitempty" yaml:"acceptance_criteria"`
	DefinitionOfDone   []string            `json:"definition_of_done,omitempty" yaml:"definition_of_done"`
	MaxAttempts        int                 `json:"max_attempts,omitempty" yaml:"max_attempts"`
	MaxBounces         int                 `json:"max_bounces,omitempty" yaml:"max_bounces"`
	BackendConfig      *task.BackendConfig `json:"backend_config,omitempty" yaml:"backend_config"`
	Gates              []gate.Spec         `json:"gates,omitempty" yaml:"gates"`
	AutoReview         *task.AutoReview    `json:"auto_review,omitempty" yaml:"auto_review"`
	Expand             bool                `json:"expand,omitempty" yaml:"expand"`
	ExpandConfig       map[string]any      `json:"expand_config,omitempty" yaml:"expand_config"`
	Metadata           map[string]any      `json:"metadata,omitempty" yaml:"metadata"`
}

// CreateDagInput is the request shape for pipeline creation.
type CreateDagInput struct {
	Tasks []NodeInput `json:"tasks" yaml:"tasks"`
}

// Validate checks the DAG request in the documented order; the first
// violation fails the whole request.
func Validate(in CreateDagInput) error {
	if len(in.Tasks) == 0 {
		return domainerr.Validationf("pipeline must contain at least one task")
	}

	keys := make(map[string]bool, len(in.Tasks))
	for _, node := range in.Tasks {
		if node.Key == "" {
			return domainerr.Validationf("every pipeline task needs a key")
		}
		if keys[node.Key] {
			return domainerr.Validationf("duplicate task key %q", node.Key)
		}
		keys[node.Key] = true
	}

	for _, node := range in.Tasks {
		for _, dep := range node.DependsOn {
			if dep == node.Key {
				return domainerr.Validationf("task %q depends on itself", node.Key)
			}
			if !keys[dep] {
				return domainerr.Validationf("task %q depends on unknown key %q", node.Key, dep)
			}
		}
	}

	adj := make(map[string][]string, len(in.Tasks))
	for _, node := range in.Tasks {
		adj[node.Key] = node.DependsOn
	}
	if cycle := FindCycle(adj); cycle != nil {
		return domainerr.Validationf("Cycle detected: %s", joinCycle(cycle))
	}

	hasRoot := false
	for _, node := range in.Tasks {
		if len(node.DependsOn) == 0 {
			hasRoot = true
			break
		}
	}
	if !hasRoot {
		return domainerr.Validationf("pipeline has no root task (every task has dependencies)")
	}
	return nil
}

// FindCycle runs DFS with white/grey/black colouring over the adjacency map
// and returns one cycle path, or nil when the graph is acyclic.
func FindCycle(adj map[string][]string) []string {
	const (
		white = 0 // unvisited
		grey  = 1 // on the current path
		black = 2 // fully explored
	)
	color := make(map[string]int, len(adj))
	var stack []string
	var cycle []string

	var visit func(node string) bool
	visit = func(node string) bool {
		color[node] = grey
		stack = append(stack, node)
		for _, dep := range adj[node] {
			switch color[dep] {
			case grey:
				// Slice the cycle out of the current path.
				for i, n := range stack {
					if n == dep {
						cycle = append(append([]string{}, stack[i:]...), dep)
						return true
					}
				}
				cycle = []string{dep, node, dep}
				return true
			case white:
				if visit(dep) {
					return true
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[node] = black
		return false
	}

	// Deterministic iteration keeps error messages stable.
	nodes := make([]string, 0, len(adj))
	for node := range adj {
		nodes = append(nodes, node)
	}
	sort.Strings(nodes)
	for _, node := range nodes {
		if color[node] == white && visit(node) {
			return cycle
		}
	}
	return nil
}

func joinCycle(cycle []string) string {
	out := ""
	for i, node := range cycle {
		if i > 0 {
			out += " -> "
		}
		out += node
	}
	return out
}

// LayerSteps computes each node's topological layer: 0 for roots, else
// 1 + max(step of dependencies). Assumes Validate has passed.
func LayerSteps(in CreateDagInput) map[string]int {
	deps := make(map[string][]string, len(in.Tasks))
	for _, node := range in.Tasks {
		deps[node.Key] = node.DependsOn
	}
	steps := make(map[string]int, len(in.Tasks))
	var step func(key string) int
	step = func(key string) int {
		if s, ok := steps[key]; ok {
			return s
		}
		max := -1
		for _, dep := range deps[key] {
			if s := step(dep); s > max {
				max = s
			}
		}
		steps[key] = max + 1
		return steps[key]
	}
	for key := range deps {
		step(key)
	}
	return steps
}

// SortByStep returns the nodes in a creation-safe topological order
// (ascending step, original order within a step).
func SortByStep(in CreateDagInput, steps map[string]int) []NodeInput {
	out := append([]NodeInput(nil), in.Tasks...)
	sort.SliceStable(out, func(i, j int) bool {
		return steps[out[i].Key] < steps[out[j].Key]
	})
	return out
}

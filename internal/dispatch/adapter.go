// Package dispatch runs the claim-execute-finalize loop: it routes PENDING
// tasks to adapters under per-type WIP limits, holds leases alive with
// heartbeats, and turns adapter outcomes into state transitions.
package dispatch

import (
	"context"

	"openskelo/internal/task"
)

// TaskInput is everything an adapter gets about the task it executes.
type TaskInput struct {
	ID                 string              `json:"id"`
	Type               string              `json:"type"`
	Summary            string              `json:"summary"`
	Prompt             string              `json:"prompt"`
	Backend            string              `json:"backend"`
	BackendConfig      *task.BackendConfig `json:"backend_config,omitempty"`
	AcceptanceCriteria []string            `json:"acceptance_criteria,omitempty"`
	DefinitionOfDone   []string            `json:"definition_of_done,omitempty"`
	UpstreamResults    map[string]any      `json:"upstream_results,omitempty"`
	FeedbackHistory    []task.Feedback     `json:"feedback_history,omitempty"`
}

// AdapterResult is what an adapter reports back.
type AdapterResult struct {
	Output     string         `json:"output"`
	ExitCode   int            `json:"exit_code"`
	DurationMS int64          `json:"duration_ms"`
	Structured map[string]any `json:"structured,omitempty"`
}

// Adapter executes tasks on an external backend. The dispatcher routes by
// backend name and task type only; it never inspects adapter internals.
type Adapter interface {
	Name() string
	TaskTypes() []string
	CanHandle(t *task.Task) bool
	Execute(ctx context.Context, input TaskInput) (*AdapterResult, error)
	Abort(taskID string)
}

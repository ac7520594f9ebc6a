// Package task defines the task domain model: the record every subsystem
// shares, its guarded status lifecycle, and the audit/template entities that
// live alongside it in the store.
package task

import (
	"encoding/json"
	"time"

	"openskelo/internal/gate"
)

// Status represents the lifecycle state of a task.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusInProgress Status = "IN_PROGRESS"
	StatusReview     Status = "REVIEW"
	StatusDone       Status = "DONE"
	StatusBlocked    Status = "BLOCKED"
)

// AllStatuses lists every valid status in lifecycle order.
var AllStatuses = []Status{StatusPending, StatusInProgress, StatusReview, StatusDone, StatusBlocked}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusInProgress, StatusReview, StatusDone, StatusBlocked:
		return true
	default:
		return false
	}
}

// Default budgets.
const (
	DefaultMaxAttempts = 5
	DefaultMaxBounces  = 3
)

// Expansion honours at most this many child entries from one expand result.
const MaxExpandChildren = 20

// Feedback is one reviewer correction pushed onto feedback_history by a
// bounce.
type Feedback struct {
	What  string `json:"what"`
	Where string `json:"where"`
	Fix   string `json:"fix"`
}

// Reviewer describes one auto-review participant.
type Reviewer struct {
	Name    string `json:"name,omitempty"`
	Backend string `json:"backend"`
	Model   string `json:"model,omitempty"`
	Prompt  string `json:"prompt,omitempty"` // template override; placeholders per review package
}

// Auto-review strategies.
const (
	StrategyAllMustApprove  = "all_must_approve"
	StrategyAnyApprove      = "any_approve"
	StrategyMergeThenDecide = "merge_then_decide"
)

// AutoReview configures the review phase: when Reviewers is non-empty,
// entering REVIEW spawns one child review task per reviewer.
type AutoReview struct {
	Reviewers    []Reviewer `json:"reviewers"`
	Strategy     string     `json:"strategy,omitempty"`
	MergeBackend string     `json:"merge_backend,omitempty"`
}

// BackendConfig is the per-task adapter configuration.
type BackendConfig struct {
	Command   string            `json:"command,omitempty"`
	Args      []string          `json:"args,omitempty"`
	Cwd       string            `json:"cwd,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
	URL       string            `json:"url,omitempty"`
	Model     string            `json:"model,omitempty"`
	TimeoutMS int64             `json:"timeout_ms,omitempty"`
}

// Clone returns a deep copy so model overrides never leak back into the row.
func (c *BackendConfig) Clone() *BackendConfig {
	if c == nil {
		return nil
	}
	out := *c
	if c.Args != nil {
		out.Args = append([]string(nil), c.Args...)
	}
	if c.Env != nil {
		out.Env = make(map[string]string, len(c.Env))
		for k, v := range c.Env {
			out.Env[k] = v
		}
	}
	return &out
}

// Recognized metadata keys.
const (
	MetaExpand        = "expand"
	MetaExpandConfig  = "expand_config"
	MetaExpandedFrom  = "expanded_from"
	MetaExpandIndex   = "expand_index"
	MetaIsMerge       = "is_merge"
	MetaReviewerIndex = "reviewer_index"
)

// Task is the central entity. Field names mirror the persisted columns.
type Task struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Status   Status `json:"status"`
	Priority int    `json:"priority"`

	ManualRank *float64 `json:"manual_rank,omitempty"`

	Summary            string   `json:"summary"`
	Prompt             string   `json:"prompt"`
	AcceptanceCriteria []string `json:"acceptance_criteria"`
	DefinitionOfDone   []string `json:"definition_of_done"`

	Backend       string         `json:"backend"`
	BackendConfig *BackendConfig `json:"backend_config,omitempty"`

	Result string `json:"result,omitempty"`

	LeaseOwner     string     `json:"lease_owner,omitempty"`
	LeaseExpiresAt *time.Time `json:"lease_expires_at,omitempty"`

	AttemptCount int `json:"attempt_count"`
	MaxAttempts  int `json:"max_attempts"`
	BounceCount  int `json:"bounce_count"`
	MaxBounces   int `json:"max_bounces"`

	LastError       string     `json:"last_error,omitempty"`
	FeedbackHistory []Feedback `json:"feedback_history"`

	DependsOn []string `json:"depends_on"`

	PipelineID   string `json:"pipeline_id,omitempty"`
	PipelineStep int    `json:"pipeline_step"`

	Gates      []gate.Spec `json:"gates,omitempty"`
	AutoReview *AutoReview `json:"auto_review,omitempty"`

	ParentTaskID  string `json:"parent_task_id,omitempty"`
	LoopIteration int    `json:"loop_iteration"`
	HeldBy        string `json:"held_by,omitempty"`

	Metadata map[string]any `json:"metadata"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// MetaBool reads a boolean metadata key (accepting true or "true").
func (t *Task) MetaBool(key string) bool {
	if t.Metadata == nil {
		return false
	}
	switch v := t.Metadata[key].(type) {
	case bool:
		return v
	case string:
		return v == "true"
	default:
		return false
	}
}

// MetaString reads a string metadata key.
func (t *Task) MetaString(key string) string {
	if t.Metadata == nil {
		return ""
	}
	if s, ok := t.Metadata[key].(string); ok {
		return s
	}
	return ""
}

// IsReviewChild reports whether the task is a child spawned by auto-review
// (a reviewer vote or a merge task).
func (t *Task) IsReviewChild() bool {
	if t.Metadata == nil {
		return false
	}
	if _, ok := t.Metadata[MetaReviewerIndex]; ok {
		return true
	}
	return t.MetaBool(MetaIsMerge)
}

// CreateInput is the payload for Store.Create.
type CreateInput struct {
	Type               string         `json:"type"`
	Summary            string         `json:"summary"`
	Prompt             string         `json:"prompt"`
	Backend            string         `json:"backend"`
	Priority           int            `json:"priority"`
	AcceptanceCriteria []string       `json:"acceptance_criteria,omitempty"`
	DefinitionOfDone   []string       `json:"definition_of_done,omitempty"`
	BackendConfig      *BackendConfig `json:"backend_config,omitempty"`
	MaxAttempts        int            `json:"max_attempts,omitempty"`
	MaxBounces         int            `json:"max_bounces,omitempty"`
	DependsOn          []string       `json:"depends_on,omitempty"`
	PipelineID         string         `json:"pipeline_id,omitempty"`
	PipelineStep       int            `json:"pipeline_step,omitempty"`
	Gates              []gate.Spec    `json:"gates,omitempty"`
	AutoReview         *AutoReview    `json:"auto_review,omitempty"`
	ParentTaskID       string         `json:"parent_task_id,omitempty"`
	HeldBy             string         `json:"held_by,omitempty"`
	Metadata           map[string]any `json:"metadata,omitempty"`
}

// InjectInput creates a task that may jump the queue and splice itself in
// front of an existing task's dependencies.
type InjectInput struct {
	CreateInput
	PriorityBoost *int   `json:"priority_boost,omitempty"`
	InjectBefore  string `json:"inject_before,omitempty"`
}

// TransitionContext carries the per-edge payload for a status transition.
type TransitionContext struct {
	Actor          string     `json:"actor,omitempty"`
	LeaseOwner     string     `json:"lease_owner,omitempty"`
	LeaseExpiresAt *time.Time `json:"lease_expires_at,omitempty"`
	Result         *string    `json:"result,omitempty"`
	LastError      *string    `json:"last_error,omitempty"`
	Reason         string     `json:"reason,omitempty"`
	Feedback       *Feedback  `json:"feedback,omitempty"`
}

// Audit actions written by the core.
const (
	ActionCreate               = "create"
	ActionUpdate               = "update"
	ActionInject               = "inject"
	ActionTransition           = "transition"
	ActionReorder              = "reorder"
	ActionDispatch             = "dispatch"
	ActionHeartbeat            = "heartbeat"
	ActionRelease              = "release"
	ActionExecutionComplete    = "execution_complete"
	ActionWatchdogRecovery     = "watchdog_recovery"
	ActionExpand               = "expand"
	ActionExpandAlreadyApplied = "expand_already_applied"
	ActionAutoReview           = "auto_review"
	ActionPipelineHold         = "pipeline_hold"
	ActionPipelineResume       = "pipeline_resume"
)

// AuditEntry is one append-only record of a state-affecting action.
type AuditEntry struct {
	ID          string         `json:"id"`
	TaskID      string         `json:"task_id"`
	Action      string         `json:"action"`
	Actor       string         `json:"actor,omitempty"`
	BeforeState string         `json:"before_state,omitempty"`
	AfterState  string         `json:"after_state,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

// Template types.
const (
	TemplateTypeTask     = "task"
	TemplateTypePipeline = "pipeline"
)

// Template is a named, parameterised task or pipeline definition.
type Template struct {
	ID           string          `json:"id"`
	Name         string          `json:"name"`
	Description  string          `json:"description,omitempty"`
	TemplateType string          `json:"template_type"`
	Definition   json.RawMessage `json:"definition"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

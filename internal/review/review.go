// Package review implements the auto-review phase: spawning reviewer
// children when a task enters REVIEW, parsing their verdicts, and driving
// the parent's decision by the configured strategy.
package review

import (
	"context"
	"fmt"
	"strings"

	"openskelo/internal/logging"
	"openskelo/internal/task"
)

// Store is the store surface the review handler needs.
type Store interface {
	GetTask(ctx context.Context, id string) (*task.Task, error)
	CreateTask(ctx context.Context, in task.CreateInput) (*task.Task, error)
	ListByParent(ctx context.Context, parentID string) ([]*task.Task, error)
	Transition(ctx context.Context, id string, to task.Status, tc task.TransitionContext) (*task.Task, error)
	UpdateTask(ctx context.Context, id string, patch map[string]any) (*task.Task, error)
	LogAction(ctx context.Context, entry task.AuditEntry) error
}

// Handler owns the auto-review protocol.
type Handler struct {
	store      Store
	logger     logging.Logger
	onDecision func(ctx context.Context, t *task.Task)
}

// NewHandler creates a review handler.
func NewHandler(store Store, logger logging.Logger) *Handler {
	return &Handler{store: store, logger: logging.OrNop(logger)}
}

// SetDecisionHook registers a callback invoked with the parent after an
// approve or bounce, so downstream side effects (webhooks, pipeline
// completion) see decisions made here.
func (h *Handler) SetDecisionHook(fn func(ctx context.Context, t *task.Task)) {
	h.onDecision = fn
}

const metaLoop = "review_loop"

// defaultPrompt is the reviewer prompt used when the reviewer config does
// not override it.
const defaultPrompt = `You are reviewing completed work. Respond with a JSON object:
{"approved": true|false, "reasoning": "...", "feedback": {"what": "...", "where": "...", "fix": "..."}}
Feedback is required when approved is false.

## Task
{{summary}}

## Original prompt
{{prompt}}

## Acceptance criteria
{{acceptance_criteria}}

## Definition of done
{{definition_of_done}}

## Result under review
{{result}}`

// OnEnterReview spawns one reviewer child per configured reviewer. Review
// children themselves are exempt, as are tasks without reviewers. A second
// call for the same review round is a no-op.
func (h *Handler) OnEnterReview(ctx context.Context, t *task.Task) error {
	if t == nil || t.AutoReview == nil || len(t.AutoReview.Reviewers) == 0 || t.IsReviewChild() {
		return nil
	}

	children, err := h.roundChildren(ctx, t)
	if err != nil {
		return err
	}
	if len(children) > 0 {
		return nil
	}

	for i, reviewer := range t.AutoReview.Reviewers {
		backend := reviewer.Backend
		if reviewer.Model != "" {
			backend = reviewer.Backend + "/" + reviewer.Model
		}
		name := reviewer.Name
		if name == "" {
			name = fmt.Sprintf("reviewer-%d", i)
		}
		child, err := h.store.CreateTask(ctx, task.CreateInput{
			Type:         "review",
			Summary:      fmt.Sprintf("Review of %q by %s", t.Summary, name),
			Prompt:       renderReviewPrompt(reviewer.Prompt, t),
			Backend:      backend,
			Priority:     t.Priority,
			PipelineID:   t.PipelineID,
			ParentTaskID: t.ID,
			Metadata: map[string]any{
				task.MetaReviewerIndex: i,
				metaLoop:               t.LoopIteration,
			},
		})
		if err != nil {
			return fmt.Errorf("spawn reviewer %s for %s: %w", name, t.ID, err)
		}
		h.logger.Debug("spawned review child %s (%s) for task %s", child.ID, name, t.ID)
	}

	return h.store.LogAction(ctx, task.AuditEntry{
		TaskID: t.ID,
		Action: task.ActionAutoReview,
		Metadata: map[string]any{
			"event":     "reviewers_spawned",
			"reviewers": len(t.AutoReview.Reviewers),
			"loop":      t.LoopIteration,
		},
	})
}

// OnChildComplete finalizes a review child that reached REVIEW with its
// output, then re-evaluates the parent's decision.
func (h *Handler) OnChildComplete(ctx context.Context, child *task.Task) error {
	if child == nil || !child.IsReviewChild() || child.ParentTaskID == "" {
		return nil
	}
	if child.Status == task.StatusReview {
		// A review child's output is its verdict; nothing reviews the
		// reviewer.
		finished, err := h.store.Transition(ctx, child.ID, task.StatusDone, task.TransitionContext{Actor: "auto_review"})
		if err != nil {
			return fmt.Errorf("finalize review child %s: %w", child.ID, err)
		}
		child = finished
	}
	if child.Status != task.StatusDone {
		return nil
	}

	parent, err := h.store.GetTask(ctx, child.ParentTaskID)
	if err != nil {
		return err
	}
	if parent.Status != task.StatusReview || parent.AutoReview == nil {
		return nil
	}
	return h.evaluate(ctx, parent)
}

// evaluate computes the parent's decision from the current round's
// children, waiting when the round is incomplete.
func (h *Handler) evaluate(ctx context.Context, parent *task.Task) error {
	children, err := h.roundChildren(ctx, parent)
	if err != nil {
		return err
	}

	var votes, merges []*task.Task
	for _, child := range children {
		if child.MetaBool(task.MetaIsMerge) {
			merges = append(merges, child)
		} else {
			votes = append(votes, child)
		}
	}

	strategy := parent.AutoReview.Strategy
	if strategy == "" {
		strategy = task.StrategyAllMustApprove
	}

	switch strategy {
	case task.StrategyAnyApprove:
		return h.evaluateAnyApprove(ctx, parent, votes)
	case task.StrategyMergeThenDecide:
		return h.evaluateMerge(ctx, parent, votes, merges)
	default:
		return h.evaluateAllMustApprove(ctx, parent, votes)
	}
}

func (h *Handler) evaluateAllMustApprove(ctx context.Context, parent *task.Task, votes []*task.Task) error {
	for _, vote := range votes {
		if vote.Status != task.StatusDone {
			continue
		}
		decision := ParseDecision(vote.Result)
		if !decision.Approved {
			return h.bounce(ctx, parent, decision, vote.ID)
		}
	}
	if !allDone(votes) || len(votes) < len(parent.AutoReview.Reviewers) {
		return nil
	}
	return h.approve(ctx, parent, "all reviewers approved")
}

func (h *Handler) evaluateAnyApprove(ctx context.Context, parent *task.Task, votes []*task.Task) error {
	for _, vote := range votes {
		if vote.Status == task.StatusDone && ParseDecision(vote.Result).Approved {
			return h.approve(ctx, parent, "reviewer approved")
		}
	}
	if !allDone(votes) || len(votes) < len(parent.AutoReview.Reviewers) {
		return nil
	}
	decision := ParseDecision(votes[0].Result)
	return h.bounce(ctx, parent, decision, votes[0].ID)
}

func (h *Handler) evaluateMerge(ctx context.Context, parent *task.Task, votes, merges []*task.Task) error {
	if len(merges) > 0 {
		merge := merges[0]
		if merge.Status != task.StatusDone {
			return nil
		}
		decision := ParseDecision(merge.Result)
		if decision.Approved {
			return h.approve(ctx, parent, "merge reviewer approved")
		}
		return h.bounce(ctx, parent, decision, merge.ID)
	}

	if !allDone(votes) || len(votes) < len(parent.AutoReview.Reviewers) {
		return nil
	}

	backend := parent.AutoReview.MergeBackend
	if backend == "" && len(parent.AutoReview.Reviewers) > 0 {
		backend = parent.AutoReview.Reviewers[0].Backend
	}
	var sb strings.Builder
	sb.WriteString("Multiple reviewers assessed the same work. Weigh their verdicts and respond with the final JSON decision:\n")
	sb.WriteString(`{"approved": true|false, "reasoning": "...", "feedback": {"what": "...", "where": "...", "fix": "..."}}`)
	sb.WriteString("\n\n## Original task\n")
	sb.WriteString(parent.Summary)
	for i, vote := range votes {
		fmt.Fprintf(&sb, "\n\n## Reviewer %d verdict\n%s", i, vote.Result)
	}

	merge, err := h.store.CreateTask(ctx, task.CreateInput{
		Type:         "review",
		Summary:      fmt.Sprintf("Merge review decision for %q", parent.Summary),
		Prompt:       sb.String(),
		Backend:      backend,
		Priority:     parent.Priority,
		PipelineID:   parent.PipelineID,
		ParentTaskID: parent.ID,
		Metadata: map[string]any{
			task.MetaIsMerge: true,
			metaLoop:         parent.LoopIteration,
		},
	})
	if err != nil {
		return fmt.Errorf("spawn merge reviewer for %s: %w", parent.ID, err)
	}
	h.logger.Debug("spawned merge review child %s for task %s", merge.ID, parent.ID)
	return h.store.LogAction(ctx, task.AuditEntry{
		TaskID:   parent.ID,
		Action:   task.ActionAutoReview,
		Metadata: map[string]any{"event": "merge_spawned", "merge_task": merge.ID},
	})
}

func (h *Handler) approve(ctx context.Context, parent *task.Task, reason string) error {
	approved, err := h.store.Transition(ctx, parent.ID, task.StatusDone, task.TransitionContext{Actor: "auto_review"})
	if err != nil {
		return fmt.Errorf("approve %s: %w", parent.ID, err)
	}
	h.logger.Info("auto-review approved task %s (%s)", parent.ID, reason)
	if err := h.store.LogAction(ctx, task.AuditEntry{
		TaskID:   parent.ID,
		Action:   task.ActionAutoReview,
		Metadata: map[string]any{"event": "approved", "reason": reason},
	}); err != nil {
		return err
	}
	if h.onDecision != nil {
		h.onDecision(ctx, approved)
	}
	return nil
}

func (h *Handler) bounce(ctx context.Context, parent *task.Task, decision Decision, childID string) error {
	fb := decision.Feedback
	if fb == nil {
		fb = &task.Feedback{
			What: "Reviewer rejected the result",
			Fix:  firstNonEmpty(decision.Reasoning, "Address the reviewer's concerns and retry"),
		}
	}
	bounced, err := h.store.Transition(ctx, parent.ID, task.StatusPending, task.TransitionContext{
		Actor:    "auto_review",
		Feedback: fb,
	})
	if err != nil {
		return fmt.Errorf("bounce %s: %w", parent.ID, err)
	}
	if _, err := h.store.UpdateTask(ctx, parent.ID, map[string]any{"loop_iteration": parent.LoopIteration + 1}); err != nil {
		return err
	}
	h.logger.Info("auto-review bounced task %s (reviewer %s)", parent.ID, childID)
	if err := h.store.LogAction(ctx, task.AuditEntry{
		TaskID:   parent.ID,
		Action:   task.ActionAutoReview,
		Metadata: map[string]any{"event": "bounced", "rejected_by": childID, "loop": parent.LoopIteration + 1},
	}); err != nil {
		return err
	}
	if h.onDecision != nil && bounced.Status == task.StatusBlocked {
		// A bounce past the budget lands in BLOCKED; surface it.
		h.onDecision(ctx, bounced)
	}
	return nil
}

// roundChildren returns the review children belonging to the parent's
// current reject loop.
func (h *Handler) roundChildren(ctx context.Context, parent *task.Task) ([]*task.Task, error) {
	all, err := h.store.ListByParent(ctx, parent.ID)
	if err != nil {
		return nil, err
	}
	var out []*task.Task
	for _, child := range all {
		if !child.IsReviewChild() {
			continue
		}
		if childLoop(child) != parent.LoopIteration {
			continue
		}
		out = append(out, child)
	}
	return out, nil
}

func childLoop(child *task.Task) int {
	if child.Metadata == nil {
		return 0
	}
	switch v := child.Metadata[metaLoop].(type) {
	case int:
		return v
	case float64:
		return int(v)
	default:
		return 0
	}
}

func allDone(tasks []*task.Task) bool {
	for _, t := range tasks {
		if t.Status != task.StatusDone {
			return false
		}
	}
	return true
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

// renderReviewPrompt fills the reviewer prompt template with the parent's
// fields.
func renderReviewPrompt(override string, t *task.Task) string {
	tpl := override
	if strings.TrimSpace(tpl) == "" {
		tpl = defaultPrompt
	}
	replacer := strings.NewReplacer(
		"{{summary}}", t.Summary,
		"{{prompt}}", t.Prompt,
		"{{result}}", t.Result,
		"{{acceptance_criteria}}", bulleted(t.AcceptanceCriteria),
		"{{definition_of_done}}", bulleted(t.DefinitionOfDone),
	)
	return replacer.Replace(tpl)
}

func bulleted(items []string) string {
	if len(items) == 0 {
		return "(none)"
	}
	var sb strings.Builder
	for _, item := range items {
		sb.WriteString("- ")
		sb.WriteString(item)
		sb.WriteString("\n")
	}
	return strings.TrimRight(sb.String(), "\n")
}

package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	domainerr "openskelo/internal/errors"
	"openskelo/internal/jsonx"
	"openskelo/internal/logging"
	"openskelo/internal/task"
)

// ExpandStore is the store surface the expansion handler mutates through.
type ExpandStore interface {
	GetTask(ctx context.Context, id string) (*task.Task, error)
	CreateTask(ctx context.Context, in task.CreateInput) (*task.Task, error)
	ListByParent(ctx context.Context, parentID string) ([]*task.Task, error)
	ListByPipeline(ctx context.Context, pipelineID string) ([]*task.Task, error)
	UpdateDependsOn(ctx context.Context, id string, dependsOn []string) error
	LogAction(ctx context.Context, entry task.AuditEntry) error
}

// Expander materializes child tasks from an expand task's output and rewires
// downstream dependencies onto the terminal children.
type Expander struct {
	store  ExpandStore
	logger logging.Logger
}

// NewExpander creates an expansion handler.
func NewExpander(store ExpandStore, logger logging.Logger) *Expander {
	return &Expander{store: store, logger: logging.OrNop(logger)}
}

// childSpec is one entry of the expand payload. Summary and prompt are
// required; everything else inherits from the parent.
type childSpec struct {
	Summary  string `json:"summary"`
	Prompt   string `json:"prompt"`
	Type     string `json:"type,omitempty"`
	Backend  string `json:"backend,omitempty"`
	Priority *int   `json:"priority,omitempty"`
}

// Handle runs the expansion protocol for parent. It is a no-op unless
// parent carries metadata.expand and sits in REVIEW or DONE, and it is
// idempotent: a second invocation after children exist only writes an
// expand_already_applied audit entry.
func (e *Expander) Handle(ctx context.Context, parent *task.Task) error {
	if parent == nil || !parent.MetaBool(task.MetaExpand) {
		return nil
	}
	if parent.Status != task.StatusReview && parent.Status != task.StatusDone {
		return nil
	}

	existing, err := e.store.ListByParent(ctx, parent.ID)
	if err != nil {
		return fmt.Errorf("list children of %s: %w", parent.ID, err)
	}
	for _, child := range existing {
		if child.MetaString(task.MetaExpandedFrom) == parent.ID {
			e.logger.Debug("expansion already applied for task %s", parent.ID)
			return e.store.LogAction(ctx, task.AuditEntry{
				TaskID: parent.ID,
				Action: task.ActionExpandAlreadyApplied,
			})
		}
	}

	specs, err := parseExpandResult(parent.Result)
	if err != nil {
		return err
	}

	mode := expandMode(parent)
	children := make([]*task.Task, 0, len(specs))
	for i, spec := range specs {
		input := task.CreateInput{
			Type:         inherit(spec.Type, parent.Type),
			Summary:      spec.Summary,
			Prompt:       spec.Prompt,
			Backend:      inherit(spec.Backend, parent.Backend),
			Priority:     parent.Priority,
			AutoReview:   parent.AutoReview,
			PipelineID:   parent.PipelineID,
			ParentTaskID: parent.ID,
			Metadata: map[string]any{
				task.MetaExpandedFrom: parent.ID,
				task.MetaExpandIndex:  i,
			},
		}
		if spec.Priority != nil {
			input.Priority = *spec.Priority
		}
		if parent.PipelineID != "" {
			// Keep pipeline_step mirroring dependency depth: a sequential
			// chain descends one step per child.
			input.PipelineStep = parent.PipelineStep
			if mode == "sequential" {
				input.PipelineStep = parent.PipelineStep + i
			}
		}
		if mode == "sequential" && i > 0 {
			input.DependsOn = []string{children[i-1].ID}
		}
		child, err := e.store.CreateTask(ctx, input)
		if err != nil {
			return fmt.Errorf("create expansion child %d of %s: %w", i, parent.ID, err)
		}
		children = append(children, child)
	}

	terminalIDs := terminalChildIDs(children, mode)
	if parent.PipelineID != "" && len(terminalIDs) > 0 {
		if err := e.rewireDependents(ctx, parent, terminalIDs); err != nil {
			return err
		}
	}

	childIDs := make([]string, len(children))
	for i, child := range children {
		childIDs[i] = child.ID
	}
	e.logger.Info("expanded task %s into %d children (mode=%s)", parent.ID, len(children), mode)
	return e.store.LogAction(ctx, task.AuditEntry{
		TaskID: parent.ID,
		Action: task.ActionExpand,
		Metadata: map[string]any{
			"mode":     mode,
			"children": childIDs,
		},
	})
}

// rewireDependents repoints any pipeline sibling that depended on the
// parent onto the terminal children.
func (e *Expander) rewireDependents(ctx context.Context, parent *task.Task, terminalIDs []string) error {
	siblings, err := e.store.ListByPipeline(ctx, parent.PipelineID)
	if err != nil {
		return fmt.Errorf("list pipeline %s: %w", parent.PipelineID, err)
	}
	for _, sibling := range siblings {
		if sibling.ID == parent.ID {
			continue
		}
		replaced := false
		var deps []string
		for _, dep := range sibling.DependsOn {
			if dep == parent.ID {
				replaced = true
				deps = append(deps, terminalIDs...)
				continue
			}
			deps = append(deps, dep)
		}
		if !replaced {
			continue
		}
		if err := e.store.UpdateDependsOn(ctx, sibling.ID, dedupe(deps)); err != nil {
			return fmt.Errorf("rewire %s onto expansion children: %w", sibling.ID, err)
		}
	}
	return nil
}

// terminalChildIDs picks the dependency targets for rewiring: the last
// child for sequential expansion, every child otherwise.
func terminalChildIDs(children []*task.Task, mode string) []string {
	if len(children) == 0 {
		return nil
	}
	if mode == "sequential" {
		return []string{children[len(children)-1].ID}
	}
	ids := make([]string, len(children))
	for i, child := range children {
		ids[i] = child.ID
	}
	return ids
}

func expandMode(parent *task.Task) string {
	if parent.Metadata == nil {
		return "parallel"
	}
	if cfg, ok := parent.Metadata[task.MetaExpandConfig].(map[string]any); ok {
		if mode, ok := cfg["mode"].(string); ok && mode != "" {
			return mode
		}
	}
	return "parallel"
}

// parseExpandResult accepts either a JSON array of child specs or a
// {"tasks": [...]} wrapper, honouring at most MaxExpandChildren entries.
func parseExpandResult(result string) ([]childSpec, error) {
	if strings.TrimSpace(result) == "" {
		return nil, domainerr.Validationf("expand task has no result to expand")
	}
	parsed, err := jsonx.ParseAny(result)
	if err != nil {
		return nil, domainerr.Validationf("expand result is not valid JSON: %v", err)
	}

	var rawEntries []any
	switch v := parsed.(type) {
	case []any:
		rawEntries = v
	case map[string]any:
		inner, ok := v["tasks"].([]any)
		if !ok {
			return nil, domainerr.Validationf("expand result object has no tasks array")
		}
		rawEntries = inner
	default:
		return nil, domainerr.Validationf("expand result must be an array or {tasks: [...]}")
	}

	if len(rawEntries) > task.MaxExpandChildren {
		rawEntries = rawEntries[:task.MaxExpandChildren]
	}

	specs := make([]childSpec, 0, len(rawEntries))
	for i, raw := range rawEntries {
		encoded, err := json.Marshal(raw)
		if err != nil {
			return nil, domainerr.Validationf("expand entry %d is not an object", i)
		}
		var spec childSpec
		if err := json.Unmarshal(encoded, &spec); err != nil {
			return nil, domainerr.Validationf("expand entry %d is malformed: %v", i, err)
		}
		if strings.TrimSpace(spec.Summary) == "" || strings.TrimSpace(spec.Prompt) == "" {
			return nil, domainerr.Validationf("expand entry %d needs summary and prompt", i)
		}
		specs = append(specs, spec)
	}
	if len(specs) == 0 {
		return nil, domainerr.Validationf("expand result contains no tasks")
	}
	return specs, nil
}

func inherit(value, fallback string) string {
	if strings.TrimSpace(value) != "" {
		return value
	}
	return fallback
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := ids[:0]
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

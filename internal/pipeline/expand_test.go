package pipeline

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domainerr "openskelo/internal/errors"
	"openskelo/internal/task"
)

// mockExpandStore records every mutation the expander makes.
type mockExpandStore struct {
	mu      sync.Mutex
	tasks   map[string]*task.Task
	nextID  int
	created []*task.Task
	rewired map[string][]string
	actions []string
}

func newMockExpandStore(seed ...*task.Task) *mockExpandStore {
	s := &mockExpandStore{
		tasks:   map[string]*task.Task{},
		rewired: map[string][]string{},
	}
	for _, t := range seed {
		s.tasks[t.ID] = t
	}
	return s
}

func (s *mockExpandStore) GetTask(ctx context.Context, id string) (*task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, domainerr.NotFound("task", id)
	}
	return t, nil
}

func (s *mockExpandStore) CreateTask(ctx context.Context, in task.CreateInput) (*task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	t := &task.Task{
		ID:           fmt.Sprintf("child-%d", s.nextID),
		Type:         in.Type,
		Status:       task.StatusPending,
		Summary:      in.Summary,
		Prompt:       in.Prompt,
		Backend:      in.Backend,
		Priority:     in.Priority,
		DependsOn:    in.DependsOn,
		PipelineID:   in.PipelineID,
		PipelineStep: in.PipelineStep,
		ParentTaskID: in.ParentTaskID,
		AutoReview:   in.AutoReview,
		Metadata:     in.Metadata,
	}
	s.tasks[t.ID] = t
	s.created = append(s.created, t)
	return t, nil
}

func (s *mockExpandStore) ListByParent(ctx context.Context, parentID string) ([]*task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*task.Task
	for _, t := range s.tasks {
		if t.ParentTaskID == parentID {
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *mockExpandStore) ListByPipeline(ctx context.Context, pipelineID string) ([]*task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*task.Task
	for _, t := range s.tasks {
		if t.PipelineID == pipelineID {
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *mockExpandStore) UpdateDependsOn(ctx context.Context, id string, dependsOn []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rewired[id] = dependsOn
	if t, ok := s.tasks[id]; ok {
		t.DependsOn = dependsOn
	}
	return nil
}

func (s *mockExpandStore) LogAction(ctx context.Context, entry task.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.actions = append(s.actions, entry.Action)
	return nil
}

func expandParent(result string) *task.Task {
	return &task.Task{
		ID:       "parent-1",
		Type:     "planning",
		Status:   task.StatusReview,
		Summary:  "plan the work",
		Backend:  "claude",
		Priority: 2,
		Result:   result,
		Metadata: map[string]any{task.MetaExpand: true},
	}
}

func TestExpandParallel(t *testing.T) {
	parent := expandParent(`[
		{"summary": "step one", "prompt": "do one"},
		{"summary": "step two", "prompt": "do two", "backend": "codex", "priority": 0}
	]`)
	store := newMockExpandStore(parent)
	exp := NewExpander(store, nil)

	require.NoError(t, exp.Handle(context.Background(), parent))
	require.Len(t, store.created, 2)

	first := store.created[0]
	assert.Equal(t, "planning", first.Type)
	assert.Equal(t, "claude", first.Backend, "backend inherited from parent")
	assert.Equal(t, 2, first.Priority)
	assert.Equal(t, "parent-1", first.ParentTaskID)
	assert.Equal(t, "parent-1", first.Metadata[task.MetaExpandedFrom])
	assert.Empty(t, first.DependsOn)

	second := store.created[1]
	assert.Equal(t, "codex", second.Backend)
	assert.Equal(t, 0, second.Priority)
	assert.Empty(t, second.DependsOn, "parallel children are independent")

	assert.Contains(t, store.actions, task.ActionExpand)
}

func TestExpandSequentialChainsChildren(t *testing.T) {
	parent := expandParent(`[
		{"summary": "one", "prompt": "p1"},
		{"summary": "two", "prompt": "p2"},
		{"summary": "three", "prompt": "p3"}
	]`)
	parent.Metadata[task.MetaExpandConfig] = map[string]any{"mode": "sequential"}
	store := newMockExpandStore(parent)

	require.NoError(t, NewExpander(store, nil).Handle(context.Background(), parent))
	require.Len(t, store.created, 3)
	assert.Empty(t, store.created[0].DependsOn)
	assert.Equal(t, []string{store.created[0].ID}, store.created[1].DependsOn)
	assert.Equal(t, []string{store.created[1].ID}, store.created[2].DependsOn)
}

func TestExpandAssignsPipelineSteps(t *testing.T) {
	parent := expandParent(`[
		{"summary": "one", "prompt": "p1"},
		{"summary": "two", "prompt": "p2"},
		{"summary": "three", "prompt": "p3"}
	]`)
	parent.PipelineID = "pipe-1"
	parent.PipelineStep = 2
	parent.Metadata[task.MetaExpandConfig] = map[string]any{"mode": "sequential"}
	store := newMockExpandStore(parent)

	require.NoError(t, NewExpander(store, nil).Handle(context.Background(), parent))
	require.Len(t, store.created, 3)
	for i, child := range store.created {
		assert.Equal(t, 2+i, child.PipelineStep, "sequential children descend one step each")
	}

	// Parallel children all sit at the parent's step.
	flat := expandParent(`[
		{"summary": "a", "prompt": "pa"},
		{"summary": "b", "prompt": "pb"}
	]`)
	flat.ID = "parent-2"
	flat.PipelineID = "pipe-2"
	flat.PipelineStep = 1
	store2 := newMockExpandStore(flat)

	require.NoError(t, NewExpander(store2, nil).Handle(context.Background(), flat))
	require.Len(t, store2.created, 2)
	for _, child := range store2.created {
		assert.Equal(t, 1, child.PipelineStep)
	}
}

func TestExpandIdempotent(t *testing.T) {
	parent := expandParent(`[{"summary": "one", "prompt": "p1"}]`)
	store := newMockExpandStore(parent)
	exp := NewExpander(store, nil)

	require.NoError(t, exp.Handle(context.Background(), parent))
	require.NoError(t, exp.Handle(context.Background(), parent))

	assert.Len(t, store.created, 1, "second Handle must not create more children")
	assert.Contains(t, store.actions, task.ActionExpandAlreadyApplied)
}

func TestExpandSkipsNonExpandAndWrongStatus(t *testing.T) {
	store := newMockExpandStore()
	exp := NewExpander(store, nil)

	plain := &task.Task{ID: "t1", Status: task.StatusReview}
	require.NoError(t, exp.Handle(context.Background(), plain))

	pending := expandParent(`[{"summary": "s", "prompt": "p"}]`)
	pending.Status = task.StatusPending
	require.NoError(t, exp.Handle(context.Background(), pending))

	assert.Empty(t, store.created)
}

func TestExpandRewiresPipelineDependents(t *testing.T) {
	parent := expandParent(`[
		{"summary": "one", "prompt": "p1"},
		{"summary": "two", "prompt": "p2"}
	]`)
	parent.PipelineID = "pipe-1"
	downstream := &task.Task{
		ID:         "down-1",
		Status:     task.StatusPending,
		PipelineID: "pipe-1",
		DependsOn:  []string{"parent-1", "other"},
	}
	unrelated := &task.Task{
		ID:         "down-2",
		Status:     task.StatusPending,
		PipelineID: "pipe-1",
		DependsOn:  []string{"other"},
	}
	store := newMockExpandStore(parent, downstream, unrelated)

	require.NoError(t, NewExpander(store, nil).Handle(context.Background(), parent))
	require.Len(t, store.created, 2)

	deps := store.rewired["down-1"]
	require.NotNil(t, deps)
	assert.NotContains(t, deps, "parent-1")
	assert.Contains(t, deps, store.created[0].ID)
	assert.Contains(t, deps, store.created[1].ID)
	assert.Contains(t, deps, "other")

	_, touched := store.rewired["down-2"]
	assert.False(t, touched, "siblings that never depended on the parent stay untouched")
}

func TestExpandSequentialRewiresOntoLastChild(t *testing.T) {
	parent := expandParent(`[
		{"summary": "one", "prompt": "p1"},
		{"summary": "two", "prompt": "p2"}
	]`)
	parent.PipelineID = "pipe-1"
	parent.Metadata[task.MetaExpandConfig] = map[string]any{"mode": "sequential"}
	downstream := &task.Task{ID: "down-1", PipelineID: "pipe-1", DependsOn: []string{"parent-1"}}
	store := newMockExpandStore(parent, downstream)

	require.NoError(t, NewExpander(store, nil).Handle(context.Background(), parent))
	last := store.created[len(store.created)-1]
	assert.Equal(t, []string{last.ID}, store.rewired["down-1"])
}

func TestParseExpandResult(t *testing.T) {
	specs, err := parseExpandResult(`{"tasks": [{"summary": "s", "prompt": "p"}]}`)
	require.NoError(t, err)
	require.Len(t, specs, 1)
	assert.Equal(t, "s", specs[0].Summary)

	// Trailing comma gets repaired before parsing.
	specs, err = parseExpandResult(`[{"summary": "s", "prompt": "p"},]`)
	require.NoError(t, err)
	assert.Len(t, specs, 1)

	_, err = parseExpandResult("")
	assert.True(t, domainerr.IsValidation(err))

	_, err = parseExpandResult(`"just a string"`)
	assert.True(t, domainerr.IsValidation(err))

	_, err = parseExpandResult(`[{"summary": "s"}]`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "needs summary and prompt")

	_, err = parseExpandResult(`{"notasks": true}`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no tasks array")
}

func TestParseExpandResultCapsChildren(t *testing.T) {
	entries := "["
	for i := 0; i < task.MaxExpandChildren+5; i++ {
		if i > 0 {
			entries += ","
		}
		entries += fmt.Sprintf(`{"summary": "s%d", "prompt": "p%d"}`, i, i)
	}
	entries += "]"
	specs, err := parseExpandResult(entries)
	require.NoError(t, err)
	assert.Len(t, specs, task.MaxExpandChildren)
}

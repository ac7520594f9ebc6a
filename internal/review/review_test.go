package review

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domainerr "openskelo/internal/errors"
	"openskelo/internal/task"
)

// mockReviewStore drives the handler against in-memory tasks, applying the
// real state machine on Transition.
type mockReviewStore struct {
	mu      sync.Mutex
	tasks   map[string]*task.Task
	nextID  int
	created []*task.Task
	actions []string
}

func newMockReviewStore(seed ...*task.Task) *mockReviewStore {
	s := &mockReviewStore{tasks: map[string]*task.Task{}}
	for _, t := range seed {
		s.tasks[t.ID] = t
	}
	return s
}

func (s *mockReviewStore) GetTask(ctx context.Context, id string) (*task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, domainerr.NotFound("task", id)
	}
	return t, nil
}

func (s *mockReviewStore) CreateTask(ctx context.Context, in task.CreateInput) (*task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	t := &task.Task{
		ID:           fmt.Sprintf("spawned-%d", s.nextID),
		Type:         in.Type,
		Status:       task.StatusPending,
		Summary:      in.Summary,
		Prompt:       in.Prompt,
		Backend:      in.Backend,
		Priority:     in.Priority,
		PipelineID:   in.PipelineID,
		ParentTaskID: in.ParentTaskID,
		Metadata:     in.Metadata,
		MaxAttempts:  task.DefaultMaxAttempts,
		MaxBounces:   task.DefaultMaxBounces,
	}
	s.tasks[t.ID] = t
	s.created = append(s.created, t)
	return t, nil
}

func (s *mockReviewStore) ListByParent(ctx context.Context, parentID string) ([]*task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*task.Task
	for _, t := range s.created {
		if t.ParentTaskID == parentID {
			out = append(out, t)
		}
	}
	for _, t := range s.tasks {
		if t.ParentTaskID == parentID && !contains(out, t.ID) {
			out = append(out, t)
		}
	}
	return out, nil
}

func contains(tasks []*task.Task, id string) bool {
	for _, t := range tasks {
		if t.ID == id {
			return true
		}
	}
	return false
}

func (s *mockReviewStore) Transition(ctx context.Context, id string, to task.Status, tc task.TransitionContext) (*task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, domainerr.NotFound("task", id)
	}
	if err := task.ApplyTransition(t, to, tc, time.Now()); err != nil {
		return nil, err
	}
	return t, nil
}

func (s *mockReviewStore) UpdateTask(ctx context.Context, id string, patch map[string]any) (*task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, domainerr.NotFound("task", id)
	}
	if v, ok := patch["loop_iteration"].(int); ok {
		t.LoopIteration = v
	}
	return t, nil
}

func (s *mockReviewStore) LogAction(ctx context.Context, entry task.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.actions = append(s.actions, entry.Action)
	return nil
}

func reviewParent(reviewers int, strategy string) *task.Task {
	var list []task.Reviewer
	for i := 0; i < reviewers; i++ {
		list = append(list, task.Reviewer{Backend: "claude"})
	}
	return &task.Task{
		ID:          "parent-1",
		Type:        "coding",
		Status:      task.StatusReview,
		Summary:     "build the feature",
		Prompt:      "build it",
		Backend:     "claude",
		Result:      "feature built",
		MaxAttempts: task.DefaultMaxAttempts,
		MaxBounces:  task.DefaultMaxBounces,
		AutoReview:  &task.AutoReview{Reviewers: list, Strategy: strategy},
	}
}

// finish marks a spawned review child DONE with the given verdict.
func finish(t *testing.T, store *mockReviewStore, child *task.Task, verdict string) {
	t.Helper()
	store.mu.Lock()
	child.Status = task.StatusDone
	child.Result = verdict
	store.mu.Unlock()
}

func TestOnEnterReviewSpawnsChildren(t *testing.T) {
	parent := reviewParent(2, "")
	parent.AutoReview.Reviewers[1].Model = "o3"
	parent.AutoReview.Reviewers[1].Name = "strict"
	store := newMockReviewStore(parent)
	h := NewHandler(store, nil)

	require.NoError(t, h.OnEnterReview(context.Background(), parent))
	require.Len(t, store.created, 2)

	first := store.created[0]
	assert.Equal(t, "review", first.Type)
	assert.Equal(t, "claude", first.Backend)
	assert.Equal(t, "parent-1", first.ParentTaskID)
	assert.Equal(t, 0, first.Metadata[task.MetaReviewerIndex])
	assert.Contains(t, first.Prompt, "feature built")

	second := store.created[1]
	assert.Equal(t, "claude/o3", second.Backend, "model appends to the backend route")
	assert.Contains(t, second.Summary, "strict")

	assert.Contains(t, store.actions, task.ActionAutoReview)
}

func TestOnEnterReviewIdempotentPerRound(t *testing.T) {
	parent := reviewParent(1, "")
	store := newMockReviewStore(parent)
	h := NewHandler(store, nil)

	require.NoError(t, h.OnEnterReview(context.Background(), parent))
	require.NoError(t, h.OnEnterReview(context.Background(), parent))
	assert.Len(t, store.created, 1)

	// A new loop iteration spawns a fresh round.
	parent.LoopIteration = 1
	require.NoError(t, h.OnEnterReview(context.Background(), parent))
	assert.Len(t, store.created, 2)
}

func TestOnEnterReviewSkips(t *testing.T) {
	store := newMockReviewStore()
	h := NewHandler(store, nil)

	noReviewers := &task.Task{ID: "t1", Status: task.StatusReview}
	require.NoError(t, h.OnEnterReview(context.Background(), noReviewers))

	child := reviewParent(1, "")
	child.Metadata = map[string]any{task.MetaReviewerIndex: 0}
	require.NoError(t, h.OnEnterReview(context.Background(), child))

	assert.Empty(t, store.created)
}

func TestAllMustApproveApproves(t *testing.T) {
	parent := reviewParent(2, task.StrategyAllMustApprove)
	store := newMockReviewStore(parent)
	h := NewHandler(store, nil)
	var decided *task.Task
	h.SetDecisionHook(func(ctx context.Context, t *task.Task) { decided = t })
	ctx := context.Background()

	require.NoError(t, h.OnEnterReview(ctx, parent))
	require.Len(t, store.created, 2)

	finish(t, store, store.created[0], `{"approved": true, "reasoning": "solid"}`)
	require.NoError(t, h.OnChildComplete(ctx, store.created[0]))
	assert.Equal(t, task.StatusReview, parent.Status, "waits for the second reviewer")

	finish(t, store, store.created[1], `{"approved": true}`)
	require.NoError(t, h.OnChildComplete(ctx, store.created[1]))
	assert.Equal(t, task.StatusDone, parent.Status)
	require.NotNil(t, decided)
	assert.Equal(t, parent.ID, decided.ID)
}

func TestAllMustApproveBouncesOnRejection(t *testing.T) {
	parent := reviewParent(2, task.StrategyAllMustApprove)
	store := newMockReviewStore(parent)
	h := NewHandler(store, nil)
	ctx := context.Background()

	require.NoError(t, h.OnEnterReview(ctx, parent))
	finish(t, store, store.created[0],
		`{"approved": false, "feedback": {"what": "missing tests", "where": "store", "fix": "add them"}}`)
	require.NoError(t, h.OnChildComplete(ctx, store.created[0]))

	assert.Equal(t, task.StatusPending, parent.Status, "one rejection bounces without waiting")
	assert.Equal(t, 1, parent.BounceCount)
	assert.Equal(t, 1, parent.LoopIteration)
	require.Len(t, parent.FeedbackHistory, 1)
	assert.Equal(t, "missing tests", parent.FeedbackHistory[0].What)
}

func TestAnyApprove(t *testing.T) {
	parent := reviewParent(2, task.StrategyAnyApprove)
	store := newMockReviewStore(parent)
	h := NewHandler(store, nil)
	ctx := context.Background()

	require.NoError(t, h.OnEnterReview(ctx, parent))

	finish(t, store, store.created[0], `{"approved": false, "reasoning": "meh"}`)
	require.NoError(t, h.OnChildComplete(ctx, store.created[0]))
	assert.Equal(t, task.StatusReview, parent.Status, "a rejection alone does not decide")

	finish(t, store, store.created[1], `{"approved": true}`)
	require.NoError(t, h.OnChildComplete(ctx, store.created[1]))
	assert.Equal(t, task.StatusDone, parent.Status)
}

func TestAnyApproveAllReject(t *testing.T) {
	parent := reviewParent(2, task.StrategyAnyApprove)
	store := newMockReviewStore(parent)
	h := NewHandler(store, nil)
	ctx := context.Background()

	require.NoError(t, h.OnEnterReview(ctx, parent))
	finish(t, store, store.created[0], `{"approved": false, "reasoning": "no"}`)
	require.NoError(t, h.OnChildComplete(ctx, store.created[0]))
	finish(t, store, store.created[1], `{"approved": false, "reasoning": "also no"}`)
	require.NoError(t, h.OnChildComplete(ctx, store.created[1]))

	assert.Equal(t, task.StatusPending, parent.Status)
	assert.Equal(t, 1, parent.BounceCount)
}

func TestMergeThenDecide(t *testing.T) {
	parent := reviewParent(2, task.StrategyMergeThenDecide)
	parent.AutoReview.MergeBackend = "codex"
	store := newMockReviewStore(parent)
	h := NewHandler(store, nil)
	ctx := context.Background()

	require.NoError(t, h.OnEnterReview(ctx, parent))
	require.Len(t, store.created, 2)

	finish(t, store, store.created[0], `{"approved": true, "reasoning": "fine"}`)
	require.NoError(t, h.OnChildComplete(ctx, store.created[0]))
	finish(t, store, store.created[1], `{"approved": false, "reasoning": "risky"}`)
	require.NoError(t, h.OnChildComplete(ctx, store.created[1]))

	// Both verdicts in: a merge child appears on the merge backend.
	require.Len(t, store.created, 3)
	merge := store.created[2]
	assert.True(t, merge.MetaBool(task.MetaIsMerge))
	assert.Equal(t, "codex", merge.Backend)
	assert.Contains(t, merge.Prompt, "fine")
	assert.Contains(t, merge.Prompt, "risky")
	assert.Equal(t, task.StatusReview, parent.Status)

	finish(t, store, merge, `{"approved": true, "reasoning": "net positive"}`)
	require.NoError(t, h.OnChildComplete(ctx, merge))
	assert.Equal(t, task.StatusDone, parent.Status)
}

func TestChildInReviewIsAutoFinalized(t *testing.T) {
	parent := reviewParent(1, "")
	store := newMockReviewStore(parent)
	h := NewHandler(store, nil)
	ctx := context.Background()

	require.NoError(t, h.OnEnterReview(ctx, parent))
	child := store.created[0]

	// Simulate the dispatcher moving the child through execution.
	store.mu.Lock()
	child.Status = task.StatusReview
	child.Result = `{"approved": true}`
	store.mu.Unlock()

	require.NoError(t, h.OnChildComplete(ctx, child))
	assert.Equal(t, task.StatusDone, child.Status, "review children skip their own review")
	assert.Equal(t, task.StatusDone, parent.Status)
}

func TestBouncePastBudgetFiresDecisionHook(t *testing.T) {
	parent := reviewParent(1, "")
	parent.MaxBounces = 0
	store := newMockReviewStore(parent)
	h := NewHandler(store, nil)
	var decided *task.Task
	h.SetDecisionHook(func(ctx context.Context, t *task.Task) { decided = t })
	ctx := context.Background()

	require.NoError(t, h.OnEnterReview(ctx, parent))
	finish(t, store, store.created[0], `{"approved": false, "reasoning": "fatal"}`)
	require.NoError(t, h.OnChildComplete(ctx, store.created[0]))

	assert.Equal(t, task.StatusBlocked, parent.Status)
	require.NotNil(t, decided, "blocking decisions surface through the hook")
	assert.Equal(t, task.StatusBlocked, decided.Status)
}

func TestOnChildCompleteIgnoresNonReviewChildren(t *testing.T) {
	parent := reviewParent(1, "")
	store := newMockReviewStore(parent)
	h := NewHandler(store, nil)

	plain := &task.Task{ID: "c1", ParentTaskID: parent.ID, Status: task.StatusDone}
	require.NoError(t, h.OnChildComplete(context.Background(), plain))
	assert.Equal(t, task.StatusReview, parent.Status)
}

func TestRenderReviewPrompt(t *testing.T) {
	parent := reviewParent(1, "")
	parent.AcceptanceCriteria = []string{"compiles", "tested"}

	prompt := renderReviewPrompt("", parent)
	assert.Contains(t, prompt, "build the feature")
	assert.Contains(t, prompt, "- compiles")
	assert.Contains(t, prompt, "feature built")
	assert.Contains(t, prompt, "(none)", "empty definition_of_done renders a placeholder")

	custom := renderReviewPrompt("Check {{summary}} against {{result}}", parent)
	assert.Equal(t, "Check build the feature against feature built", custom)
}

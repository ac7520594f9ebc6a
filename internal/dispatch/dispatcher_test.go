package dispatch

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domainerr "openskelo/internal/errors"
	"openskelo/internal/gate"
	"openskelo/internal/store"
	"openskelo/internal/task"
)

// mockDispatchStore is an in-memory Store that applies the real state
// machine on Transition.
type mockDispatchStore struct {
	mu      sync.Mutex
	tasks   map[string]*task.Task
	actions []string
	beats   int
}

func newMockDispatchStore(seed ...*task.Task) *mockDispatchStore {
	s := &mockDispatchStore{tasks: map[string]*task.Task{}}
	for _, t := range seed {
		s.tasks[t.ID] = t
	}
	return s
}

func (s *mockDispatchStore) GetTask(ctx context.Context, id string) (*task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, domainerr.NotFound("task", id)
	}
	clone := *t
	return &clone, nil
}

func (s *mockDispatchStore) GetNext(ctx context.Context, filter store.QueueFilter) (*task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	excluded := map[string]bool{}
	for _, id := range filter.ExcludeIDs {
		excluded[id] = true
	}
	var candidates []*task.Task
	for _, t := range s.tasks {
		if t.Status != task.StatusPending || t.HeldBy != "" || excluded[t.ID] {
			continue
		}
		if filter.Type != "" && t.Type != filter.Type {
			continue
		}
		candidates = append(candidates, t)
	}
	if len(candidates) == 0 {
		return nil, nil
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Priority != candidates[j].Priority {
			return candidates[i].Priority < candidates[j].Priority
		}
		return candidates[i].ID < candidates[j].ID
	})
	clone := *candidates[0]
	return &clone, nil
}

func (s *mockDispatchStore) Transition(ctx context.Context, id string, to task.Status, tc task.TransitionContext) (*task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, domainerr.NotFound("task", id)
	}
	if err := task.ApplyTransition(t, to, tc, time.Now()); err != nil {
		return nil, err
	}
	clone := *t
	return &clone, nil
}

func (s *mockDispatchStore) CountTasks(ctx context.Context, filter store.ListFilter) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, t := range s.tasks {
		if filter.Status != "" && t.Status != filter.Status {
			continue
		}
		if filter.Type != "" && t.Type != filter.Type {
			continue
		}
		n++
	}
	return n, nil
}

func (s *mockDispatchStore) Heartbeat(ctx context.Context, id string, leaseExpiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.beats++
	return nil
}

func (s *mockDispatchStore) LogAction(ctx context.Context, entry task.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.actions = append(s.actions, entry.Action)
	return nil
}

func (s *mockDispatchStore) status(id string) task.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tasks[id].Status
}

func (s *mockDispatchStore) lastError(id string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tasks[id].LastError
}

// mockAdapter records executions and answers with a canned result.
type mockAdapter struct {
	mu       sync.Mutex
	name     string
	types    []string
	result   *AdapterResult
	err      error
	executed []TaskInput
	aborted  []string
	block    chan struct{} // when set, Execute waits for ctx or close
}

func (a *mockAdapter) Name() string { return a.name }

func (a *mockAdapter) TaskTypes() []string { return a.types }

func (a *mockAdapter) CanHandle(t *task.Task) bool { return true }

func (a *mockAdapter) Execute(ctx context.Context, input TaskInput) (*AdapterResult, error) {
	a.mu.Lock()
	a.executed = append(a.executed, input)
	block := a.block
	a.mu.Unlock()
	if block != nil {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-block:
		}
	}
	return a.result, a.err
}

func (a *mockAdapter) Abort(taskID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.aborted = append(a.aborted, taskID)
}

func (a *mockAdapter) executedCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.executed)
}

// recordingObserver implements Observer with call recording.
type recordingObserver struct {
	mu         sync.Mutex
	dispatched []string
	finished   []bool
	gates      []string
}

func (o *recordingObserver) TaskDispatched(adapter string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.dispatched = append(o.dispatched, adapter)
}

func (o *recordingObserver) TaskFinished(adapter string, duration time.Duration, success bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.finished = append(o.finished, success)
}

func (o *recordingObserver) GateFailed(gate string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.gates = append(o.gates, gate)
}

func pendingTask(id, taskType, backend string) *task.Task {
	return &task.Task{
		ID:          id,
		Type:        taskType,
		Status:      task.StatusPending,
		Summary:     "s",
		Prompt:      "p",
		Backend:     backend,
		MaxAttempts: task.DefaultMaxAttempts,
		MaxBounces:  task.DefaultMaxBounces,
	}
}

func awaitCompletion(t *testing.T, d *Dispatcher) completion {
	t.Helper()
	select {
	case c := <-d.completions:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("no completion arrived")
		return completion{}
	}
}

func TestTickClaimsAndExecutes(t *testing.T) {
	st := newMockDispatchStore(pendingTask("t1", "coding", "claude"))
	adapter := &mockAdapter{
		name:   "claude",
		types:  []string{"coding"},
		result: &AdapterResult{Output: "all done", ExitCode: 0, DurationMS: 12},
	}
	obs := &recordingObserver{}
	var reviewed *task.Task
	d := New(st, []Adapter{adapter}, Config{
		Observer: obs,
		OnReview: func(ctx context.Context, t *task.Task) { reviewed = t },
	}, nil)
	ctx := context.Background()

	require.NoError(t, d.Tick(ctx))
	assert.Equal(t, task.StatusInProgress, st.status("t1"))
	assert.Equal(t, 1, d.RunningCount())

	c := awaitCompletion(t, d)
	require.NoError(t, d.finalize(ctx, c))

	assert.Equal(t, task.StatusReview, st.status("t1"))
	assert.Equal(t, 0, d.RunningCount())
	require.NotNil(t, reviewed)
	assert.Equal(t, "all done", reviewed.Result)
	assert.Equal(t, []string{"claude"}, obs.dispatched)
	assert.Equal(t, []bool{true}, obs.finished)
	assert.Contains(t, st.actions, task.ActionDispatch)
	assert.Contains(t, st.actions, task.ActionExecutionComplete)
}

func TestTickRespectsWIPLimit(t *testing.T) {
	busy := pendingTask("busy", "coding", "claude")
	busy.Status = task.StatusInProgress
	st := newMockDispatchStore(busy, pendingTask("t1", "coding", "claude"))
	adapter := &mockAdapter{name: "claude", types: []string{"coding"}, result: &AdapterResult{}}
	d := New(st, []Adapter{adapter}, Config{WIPLimits: map[string]int{"default": 1}}, nil)

	require.NoError(t, d.Tick(context.Background()))
	assert.Equal(t, task.StatusPending, st.status("t1"), "WIP limit holds the queue")
	assert.Zero(t, adapter.executedCount())
}

func TestTickRoutesByBackend(t *testing.T) {
	st := newMockDispatchStore(
		pendingTask("other", "coding", "codex"),
		pendingTask("mine", "coding", "claude/opus"),
	)
	adapter := &mockAdapter{name: "claude", types: []string{"coding"}, result: &AdapterResult{Output: "x"}}
	d := New(st, []Adapter{adapter}, Config{}, nil)

	require.NoError(t, d.Tick(context.Background()))
	assert.Equal(t, task.StatusInProgress, st.status("mine"), "adapter/model routes by prefix")
	assert.Equal(t, task.StatusPending, st.status("other"))

	c := awaitCompletion(t, d)
	assert.Equal(t, "mine", c.taskID)
	require.NoError(t, d.finalize(context.Background(), c))

	// The model suffix rides in on the backend config.
	require.Equal(t, 1, adapter.executedCount())
	require.NotNil(t, adapter.executed[0].BackendConfig)
	assert.Equal(t, "opus", adapter.executed[0].BackendConfig.Model)
	assert.Equal(t, "claude", adapter.executed[0].Backend)
}

func TestTickSkipsUnmetDependencies(t *testing.T) {
	dep := pendingTask("dep", "coding", "claude")
	blocked := pendingTask("blocked", "coding", "claude")
	blocked.Priority = -1 // sorts first, but cannot run
	blocked.DependsOn = []string{"dep"}
	st := newMockDispatchStore(dep, blocked)
	adapter := &mockAdapter{name: "claude", types: []string{"coding"}, result: &AdapterResult{Output: "x"}}
	d := New(st, []Adapter{adapter}, Config{}, nil)

	require.NoError(t, d.Tick(context.Background()))
	assert.Equal(t, task.StatusPending, st.status("blocked"))
	assert.Equal(t, task.StatusInProgress, st.status("dep"), "scan falls through to the ready task")
}

func TestFinalizeReleasesOnFailure(t *testing.T) {
	st := newMockDispatchStore(pendingTask("t1", "coding", "claude"))
	adapter := &mockAdapter{
		name:   "claude",
		types:  []string{"coding"},
		result: &AdapterResult{Output: "stack trace", ExitCode: 2},
	}
	obs := &recordingObserver{}
	d := New(st, []Adapter{adapter}, Config{Observer: obs}, nil)
	ctx := context.Background()

	require.NoError(t, d.Tick(ctx))
	c := awaitCompletion(t, d)
	require.NoError(t, d.finalize(ctx, c))

	assert.Equal(t, task.StatusPending, st.status("t1"))
	assert.Contains(t, st.lastError("t1"), "code 2")
	assert.Equal(t, []bool{false}, obs.finished)
	assert.Contains(t, st.actions, task.ActionRelease)
}

func TestFinalizeReleasesOnGateFailure(t *testing.T) {
	withGate := pendingTask("t1", "coding", "claude")
	withGate.Gates = []gate.Spec{{Type: gate.TypeRegex, Name: "wants-pass", Pattern: `PASS`}}
	st := newMockDispatchStore(withGate)
	adapter := &mockAdapter{
		name:   "claude",
		types:  []string{"coding"},
		result: &AdapterResult{Output: "FAIL", ExitCode: 0},
	}
	obs := &recordingObserver{}
	d := New(st, []Adapter{adapter}, Config{Observer: obs}, nil)
	ctx := context.Background()

	require.NoError(t, d.Tick(ctx))
	c := awaitCompletion(t, d)
	require.NoError(t, d.finalize(ctx, c))

	assert.Equal(t, task.StatusPending, st.status("t1"))
	assert.Contains(t, st.lastError("t1"), "gates failed")
	assert.Contains(t, st.lastError("t1"), "wants-pass")
	assert.Equal(t, []string{"wants-pass"}, obs.gates)
}

func TestDefaultGatesRunAheadOfTaskGates(t *testing.T) {
	st := newMockDispatchStore(pendingTask("t1", "coding", "claude"))
	adapter := &mockAdapter{
		name:   "claude",
		types:  []string{"coding"},
		result: &AdapterResult{Output: "short", ExitCode: 0},
	}
	min := 10
	d := New(st, []Adapter{adapter}, Config{
		DefaultGates: map[string][]gate.Spec{
			"coding": {{Type: gate.TypeWordCount, Name: "type-default", Min: &min}},
		},
	}, nil)
	ctx := context.Background()

	require.NoError(t, d.Tick(ctx))
	c := awaitCompletion(t, d)
	require.NoError(t, d.finalize(ctx, c))

	assert.Equal(t, task.StatusPending, st.status("t1"))
	assert.Contains(t, st.lastError("t1"), "type-default")
}

func TestReleaseExhaustedBudgetBlocks(t *testing.T) {
	worn := pendingTask("t1", "coding", "claude")
	worn.MaxAttempts = 1
	st := newMockDispatchStore(worn)
	adapter := &mockAdapter{name: "claude", types: []string{"coding"}, err: fmt.Errorf("backend crashed")}
	d := New(st, []Adapter{adapter}, Config{}, nil)
	ctx := context.Background()

	require.NoError(t, d.Tick(ctx))
	c := awaitCompletion(t, d)
	require.NoError(t, d.finalize(ctx, c))

	assert.Equal(t, task.StatusBlocked, st.status("t1"), "release past the budget blocks")
	assert.Contains(t, st.lastError("t1"), "backend crashed")
}

func TestAbort(t *testing.T) {
	st := newMockDispatchStore(pendingTask("t1", "coding", "claude"))
	adapter := &mockAdapter{
		name:  "claude",
		types: []string{"coding"},
		block: make(chan struct{}),
	}
	d := New(st, []Adapter{adapter}, Config{}, nil)
	ctx := context.Background()

	require.NoError(t, d.Tick(ctx))
	require.Eventually(t, func() bool { return adapter.executedCount() == 1 },
		time.Second, 10*time.Millisecond)

	require.NoError(t, d.Abort(ctx, "t1"))
	assert.Equal(t, []string{"t1"}, adapter.aborted)
	assert.Equal(t, task.StatusPending, st.status("t1"))
	assert.Equal(t, "execution aborted", st.lastError("t1"))
	assert.Equal(t, 0, d.RunningCount())

	err := d.Abort(ctx, "t1")
	require.Error(t, err, "double abort reports the task is gone")
}

// reclaim simulates a watchdog requeue followed by another adapter taking
// the lease while an older execution is still draining.
func reclaim(t *testing.T, st *mockDispatchStore, id, newOwner string) {
	t.Helper()
	ctx := context.Background()
	msg := "lease expired"
	_, err := st.Transition(ctx, id, task.StatusPending, task.TransitionContext{
		Actor:     "watchdog",
		LastError: &msg,
	})
	require.NoError(t, err)
	expires := time.Now().Add(time.Minute)
	_, err = st.Transition(ctx, id, task.StatusInProgress, task.TransitionContext{
		Actor:          "dispatcher",
		LeaseOwner:     newOwner,
		LeaseExpiresAt: &expires,
	})
	require.NoError(t, err)
}

func TestFinalizeDropsStaleCompletion(t *testing.T) {
	st := newMockDispatchStore(pendingTask("t1", "coding", "claude"))
	adapter := &mockAdapter{
		name:   "claude",
		types:  []string{"coding"},
		result: &AdapterResult{Output: "late answer", ExitCode: 0},
	}
	obs := &recordingObserver{}
	d := New(st, []Adapter{adapter}, Config{Observer: obs}, nil)
	ctx := context.Background()

	require.NoError(t, d.Tick(ctx))
	c := awaitCompletion(t, d)
	reclaim(t, st, "t1", "codex")

	require.NoError(t, d.finalize(ctx, c))

	assert.Equal(t, task.StatusInProgress, st.status("t1"), "new owner keeps the lease")
	st.mu.Lock()
	owner := st.tasks["t1"].LeaseOwner
	st.mu.Unlock()
	assert.Equal(t, "codex", owner)
	assert.NotContains(t, st.actions, task.ActionExecutionComplete)
	assert.NotContains(t, st.actions, task.ActionRelease)
	assert.Empty(t, obs.finished)
}

func TestFinalizeDropsStaleFailure(t *testing.T) {
	st := newMockDispatchStore(pendingTask("t1", "coding", "claude"))
	adapter := &mockAdapter{name: "claude", types: []string{"coding"}, err: fmt.Errorf("backend crashed")}
	d := New(st, []Adapter{adapter}, Config{}, nil)
	ctx := context.Background()

	require.NoError(t, d.Tick(ctx))
	c := awaitCompletion(t, d)
	reclaim(t, st, "t1", "codex")

	require.NoError(t, d.finalize(ctx, c))
	assert.Equal(t, task.StatusInProgress, st.status("t1"))
	assert.NotContains(t, st.actions, task.ActionRelease, "stale failure must not release the new lease")
}

func TestAbortSkipsReleaseAfterRequeue(t *testing.T) {
	st := newMockDispatchStore(pendingTask("t1", "coding", "claude"))
	adapter := &mockAdapter{
		name:  "claude",
		types: []string{"coding"},
		block: make(chan struct{}),
	}
	d := New(st, []Adapter{adapter}, Config{}, nil)
	ctx := context.Background()

	require.NoError(t, d.Tick(ctx))
	require.Eventually(t, func() bool { return adapter.executedCount() == 1 },
		time.Second, 10*time.Millisecond)
	reclaim(t, st, "t1", "codex")

	require.NoError(t, d.Abort(ctx, "t1"))
	assert.Equal(t, []string{"t1"}, adapter.aborted, "local execution is still cancelled")
	assert.Equal(t, task.StatusInProgress, st.status("t1"), "the new lease survives the abort")
	st.mu.Lock()
	owner := st.tasks["t1"].LeaseOwner
	st.mu.Unlock()
	assert.Equal(t, "codex", owner)
}

func TestBackendHelpers(t *testing.T) {
	assert.Equal(t, "claude", AdapterName("claude"))
	assert.Equal(t, "claude", AdapterName("claude/opus"))

	adapter, model := SplitBackend("claude/opus-4")
	assert.Equal(t, "claude", adapter)
	assert.Equal(t, "opus-4", model)

	adapter, model = SplitBackend("codex")
	assert.Equal(t, "codex", adapter)
	assert.Empty(t, model)
}

func TestStartStop(t *testing.T) {
	st := newMockDispatchStore()
	adapter := &mockAdapter{name: "claude", types: []string{"coding"}, result: &AdapterResult{}}
	d := New(st, []Adapter{adapter}, Config{PollInterval: 10 * time.Millisecond}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d.Start(ctx)
	time.Sleep(30 * time.Millisecond)
	d.Stop()
}

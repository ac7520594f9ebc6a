package dispatch

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"openskelo/internal/async"
	"openskelo/internal/gate"
	"openskelo/internal/logging"
	"openskelo/internal/pipeline"
	"openskelo/internal/store"
	"openskelo/internal/task"
)

// Store is the persistence surface the dispatcher drives.
type Store interface {
	GetTask(ctx context.Context, id string) (*task.Task, error)
	GetNext(ctx context.Context, filter store.QueueFilter) (*task.Task, error)
	Transition(ctx context.Context, id string, to task.Status, tc task.TransitionContext) (*task.Task, error)
	CountTasks(ctx context.Context, filter store.ListFilter) (int, error)
	Heartbeat(ctx context.Context, id string, leaseExpiresAt time.Time) error
	LogAction(ctx context.Context, entry task.AuditEntry) error
}

// Config holds dispatcher tuning. Zero values fall back to defaults.
type Config struct {
	PollInterval      time.Duration
	LeaseTTL          time.Duration
	HeartbeatInterval time.Duration
	ExecuteTimeout    time.Duration

	// WIPLimits caps concurrent IN_PROGRESS tasks per type; the "default"
	// key covers types without an explicit entry.
	WIPLimits map[string]int

	// DefaultGates are run for task types that declare no gates of their
	// own.
	DefaultGates map[string][]gate.Spec

	// OnReview fires after a task lands in REVIEW, outside the finalize
	// transaction. Expansion, auto-review, and webhooks hang off it.
	OnReview func(ctx context.Context, t *task.Task)

	// OnError receives tick and finalize errors; the loop always continues.
	OnError func(err error)

	// Observer receives instrumentation events; nil disables them.
	Observer Observer
}

// Observer is notified of dispatcher lifecycle events, typically for
// metrics.
type Observer interface {
	TaskDispatched(adapter string)
	TaskFinished(adapter string, duration time.Duration, success bool)
	GateFailed(gate string)
}

const (
	defaultPollInterval      = 2 * time.Second
	defaultLeaseTTL          = 5 * time.Minute
	defaultHeartbeatInterval = 30 * time.Second
	defaultExecuteTimeout    = 30 * time.Minute
	maxQueueScan             = 25
)

// Dispatcher owns the polling loop and the per-task execution lifecycle.
type Dispatcher struct {
	store    Store
	adapters []Adapter
	config   Config
	logger   logging.Logger

	mu      sync.Mutex
	running map[string]*execution

	completions chan completion
	stopped     chan struct{}
	stopOnce    sync.Once
	wg          sync.WaitGroup
}

type execution struct {
	adapter Adapter
	cancel  context.CancelFunc
	done    chan struct{}
}

type completion struct {
	taskID  string
	adapter Adapter
	result  *AdapterResult
	err     error
}

// New creates a dispatcher over the given adapters, in routing order.
func New(s Store, adapters []Adapter, cfg Config, logger logging.Logger) *Dispatcher {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = defaultLeaseTTL
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaultHeartbeatInterval
	}
	if cfg.ExecuteTimeout <= 0 {
		cfg.ExecuteTimeout = defaultExecuteTimeout
	}
	return &Dispatcher{
		store:       s,
		adapters:    adapters,
		config:      cfg,
		logger:      logging.OrNop(logger),
		running:     make(map[string]*execution),
		completions: make(chan completion, 64),
		stopped:     make(chan struct{}),
	}
}

// Start launches the polling loop and the finalizer. It returns
// immediately; Stop shuts both down.
func (d *Dispatcher) Start(ctx context.Context) {
	d.wg.Add(2)
	async.Go(d.logger, "dispatcher-loop", func() {
		defer d.wg.Done()
		d.loop(ctx)
	})
	async.Go(d.logger, "dispatcher-finalizer", func() {
		defer d.wg.Done()
		d.finalizeLoop(ctx)
	})
	d.logger.Info("dispatcher started (poll=%s lease_ttl=%s adapters=%d)",
		d.config.PollInterval, d.config.LeaseTTL, len(d.adapters))
}

// Stop halts the loops and waits for them to exit. In-flight adapter
// executions keep running until their context expires; their leases lapse
// and the watchdog recovers them if the process outlives the dispatcher.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() { close(d.stopped) })
	d.wg.Wait()
}

func (d *Dispatcher) loop(ctx context.Context) {
	ticker := time.NewTicker(d.config.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.stopped:
			return
		case <-ticker.C:
			if err := d.Tick(ctx); err != nil {
				d.reportError(fmt.Errorf("dispatcher tick: %w", err))
			}
		}
	}
}

// Tick runs one scheduling pass: each adapter, in configured order, claims
// at most one task.
func (d *Dispatcher) Tick(ctx context.Context) error {
	var claimed []string
	for _, adapter := range d.adapters {
		ok, err := d.underWIPLimit(ctx, adapter)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		t, err := d.findCandidate(ctx, adapter, claimed)
		if err != nil {
			return err
		}
		if t == nil {
			continue
		}
		if err := d.claim(ctx, adapter, t); err != nil {
			// Lost the race to another claimer; the next adapter still gets
			// its turn.
			d.logger.Debug("claim of %s by %s failed: %v", t.ID, adapter.Name(), err)
			continue
		}
		claimed = append(claimed, t.ID)
	}
	return nil
}

// underWIPLimit reports whether every type the adapter serves is below its
// concurrency cap.
func (d *Dispatcher) underWIPLimit(ctx context.Context, adapter Adapter) (bool, error) {
	for _, taskType := range adapter.TaskTypes() {
		inProgress, err := d.store.CountTasks(ctx, store.ListFilter{
			Status: task.StatusInProgress,
			Type:   taskType,
		})
		if err != nil {
			return false, err
		}
		if inProgress >= d.wipLimit(taskType) {
			return false, nil
		}
	}
	return true, nil
}

func (d *Dispatcher) wipLimit(taskType string) int {
	if n, ok := d.config.WIPLimits[taskType]; ok {
		return n
	}
	if n, ok := d.config.WIPLimits["default"]; ok {
		return n
	}
	return 1
}

// findCandidate scans the queue per task type, skipping tasks with unmet
// dependencies or a backend routed elsewhere.
func (d *Dispatcher) findCandidate(ctx context.Context, adapter Adapter, claimed []string) (*task.Task, error) {
	for _, taskType := range adapter.TaskTypes() {
		exclude := append([]string{}, claimed...)
		for range maxQueueScan {
			t, err := d.store.GetNext(ctx, store.QueueFilter{Type: taskType, ExcludeIDs: exclude})
			if err != nil {
				return nil, err
			}
			if t == nil {
				break
			}
			if AdapterName(t.Backend) != adapter.Name() || !adapter.CanHandle(t) {
				exclude = append(exclude, t.ID)
				continue
			}
			met, err := pipeline.DependenciesMet(ctx, d.store, t)
			if err != nil {
				return nil, err
			}
			if !met {
				exclude = append(exclude, t.ID)
				continue
			}
			return t, nil
		}
	}
	return nil, nil
}

// claim takes the lease and launches execution.
func (d *Dispatcher) claim(ctx context.Context, adapter Adapter, t *task.Task) error {
	expires := time.Now().Add(d.config.LeaseTTL)
	claimed, err := d.store.Transition(ctx, t.ID, task.StatusInProgress, task.TransitionContext{
		Actor:          "dispatcher",
		LeaseOwner:     adapter.Name(),
		LeaseExpiresAt: &expires,
	})
	if err != nil {
		return err
	}
	if err := d.store.LogAction(ctx, task.AuditEntry{
		TaskID:   claimed.ID,
		Action:   task.ActionDispatch,
		Actor:    adapter.Name(),
		Metadata: map[string]any{"backend": claimed.Backend, "attempt": claimed.AttemptCount},
	}); err != nil {
		return err
	}

	input, err := d.buildInput(ctx, claimed)
	if err != nil {
		// The task is leased but cannot run; release immediately.
		msg := err.Error()
		if _, relErr := d.store.Transition(ctx, claimed.ID, task.StatusPending, task.TransitionContext{
			Actor:     "dispatcher",
			LastError: &msg,
		}); relErr != nil {
			d.reportError(relErr)
		}
		return err
	}

	execCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	exec := &execution{adapter: adapter, cancel: cancel, done: make(chan struct{})}
	d.mu.Lock()
	d.running[claimed.ID] = exec
	d.mu.Unlock()

	d.logger.Info("dispatching task %s to %s (attempt %d/%d)",
		claimed.ID, adapter.Name(), claimed.AttemptCount, claimed.MaxAttempts)
	if d.config.Observer != nil {
		d.config.Observer.TaskDispatched(adapter.Name())
	}

	async.Go(d.logger, "execute-"+claimed.ID, func() {
		d.runTask(execCtx, adapter, claimed, input, exec)
	})
	async.Go(d.logger, "heartbeat-"+claimed.ID, func() {
		d.heartbeatLoop(execCtx, claimed.ID, exec.done)
	})
	return nil
}

func (d *Dispatcher) buildInput(ctx context.Context, t *task.Task) (TaskInput, error) {
	upstream, err := pipeline.UpstreamResults(ctx, d.store, t)
	if err != nil {
		return TaskInput{}, fmt.Errorf("collect upstream results for %s: %w", t.ID, err)
	}
	backend, model := SplitBackend(t.Backend)
	cfg := t.BackendConfig.Clone()
	if model != "" {
		if cfg == nil {
			cfg = &task.BackendConfig{}
		}
		cfg.Model = model
	}
	return TaskInput{
		ID:                 t.ID,
		Type:               t.Type,
		Summary:            t.Summary,
		Prompt:             t.Prompt,
		Backend:            backend,
		BackendConfig:      cfg,
		AcceptanceCriteria: t.AcceptanceCriteria,
		DefinitionOfDone:   t.DefinitionOfDone,
		UpstreamResults:    upstream,
		FeedbackHistory:    t.FeedbackHistory,
	}, nil
}

func (d *Dispatcher) runTask(ctx context.Context, adapter Adapter, t *task.Task, input TaskInput, exec *execution) {
	defer close(exec.done)

	timeout := d.config.ExecuteTimeout
	if t.BackendConfig != nil && t.BackendConfig.TimeoutMS > 0 {
		timeout = time.Duration(t.BackendConfig.TimeoutMS) * time.Millisecond
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result, err := adapter.Execute(execCtx, input)

	select {
	case d.completions <- completion{taskID: t.ID, adapter: adapter, result: result, err: err}:
	case <-d.stopped:
	}
}

func (d *Dispatcher) heartbeatLoop(ctx context.Context, taskID string, done <-chan struct{}) {
	ticker := time.NewTicker(d.config.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			// Best effort: a missed beat just lets the lease expire.
			if err := d.store.Heartbeat(ctx, taskID, time.Now().Add(d.config.LeaseTTL)); err != nil {
				d.logger.Warn("heartbeat for %s failed: %v", taskID, err)
			}
		}
	}
}

func (d *Dispatcher) finalizeLoop(ctx context.Context) {
	for {
		select {
		case <-d.stopped:
			return
		case c := <-d.completions:
			if err := d.finalize(ctx, c); err != nil {
				d.reportError(fmt.Errorf("finalize task %s: %w", c.taskID, err))
			}
		}
	}
}

// finalize turns one adapter outcome into a transition: REVIEW on success
// (after gates), release to PENDING on failure.
func (d *Dispatcher) finalize(ctx context.Context, c completion) error {
	d.mu.Lock()
	delete(d.running, c.taskID)
	d.mu.Unlock()

	t, err := d.store.GetTask(ctx, c.taskID)
	if err != nil {
		return err
	}
	// Fence on the lease: a watchdog requeue may have handed the task to
	// another owner while this execution was still draining.
	if t.Status != task.StatusInProgress || t.LeaseOwner != c.adapter.Name() {
		d.logger.Warn("dropping stale completion for %s from %s (status=%s owner=%q)",
			c.taskID, c.adapter.Name(), t.Status, t.LeaseOwner)
		return nil
	}

	if c.err != nil || (c.result != nil && c.result.ExitCode != 0) {
		return d.release(ctx, c)
	}

	if failed := d.failedGates(ctx, t, c.result.Output); len(failed) > 0 {
		reasons := make([]string, 0, len(failed))
		for _, r := range failed {
			reasons = append(reasons, fmt.Sprintf("%s: %s", r.Gate, r.Reason))
		}
		c.err = fmt.Errorf("gates failed: %s", strings.Join(reasons, "; "))
		return d.release(ctx, c)
	}

	output := c.result.Output
	reviewed, err := d.store.Transition(ctx, c.taskID, task.StatusReview, task.TransitionContext{
		Actor:  c.adapter.Name(),
		Result: &output,
	})
	if err != nil {
		return err
	}
	if err := d.store.LogAction(ctx, task.AuditEntry{
		TaskID: c.taskID,
		Action: task.ActionExecutionComplete,
		Actor:  c.adapter.Name(),
		Metadata: map[string]any{
			"exit_code":   c.result.ExitCode,
			"duration_ms": c.result.DurationMS,
		},
	}); err != nil {
		return err
	}
	d.logger.Info("task %s completed by %s in %dms", c.taskID, c.adapter.Name(), c.result.DurationMS)
	if d.config.Observer != nil {
		d.config.Observer.TaskFinished(c.adapter.Name(), time.Duration(c.result.DurationMS)*time.Millisecond, true)
	}

	if d.config.OnReview != nil {
		d.config.OnReview(ctx, reviewed)
	}
	return nil
}

// failedGates evaluates the task's gates (or the type's defaults) over the
// output and returns the failing results.
func (d *Dispatcher) failedGates(ctx context.Context, t *task.Task, output string) []gate.Result {
	// Type defaults run ahead of the task's own gates.
	specs := append(append([]gate.Spec{}, d.config.DefaultGates[t.Type]...), t.Gates...)
	if len(specs) == 0 {
		return nil
	}
	results, passed := gate.EvaluateAll(ctx, specs, output)
	if passed {
		return nil
	}
	var failed []gate.Result
	for _, r := range results {
		if !r.Passed {
			failed = append(failed, r)
			if d.config.Observer != nil {
				d.config.Observer.GateFailed(r.Gate)
			}
		}
	}
	return failed
}

func (d *Dispatcher) release(ctx context.Context, c completion) error {
	msg := "adapter execution failed"
	switch {
	case c.err != nil:
		msg = c.err.Error()
	case c.result != nil:
		msg = fmt.Sprintf("adapter exited with code %d", c.result.ExitCode)
		if c.result.Output != "" {
			msg = fmt.Sprintf("%s: %s", msg, truncate(c.result.Output, 500))
		}
	}
	released, err := d.store.Transition(ctx, c.taskID, task.StatusPending, task.TransitionContext{
		Actor:     c.adapter.Name(),
		LastError: &msg,
	})
	if err != nil {
		return err
	}
	if err := d.store.LogAction(ctx, task.AuditEntry{
		TaskID:   c.taskID,
		Action:   task.ActionRelease,
		Actor:    c.adapter.Name(),
		Metadata: map[string]any{"error": truncate(msg, 500), "status": string(released.Status)},
	}); err != nil {
		return err
	}
	d.logger.Warn("task %s released by %s: %s", c.taskID, c.adapter.Name(), truncate(msg, 200))
	if d.config.Observer != nil {
		var duration time.Duration
		if c.result != nil {
			duration = time.Duration(c.result.DurationMS) * time.Millisecond
		}
		d.config.Observer.TaskFinished(c.adapter.Name(), duration, false)
	}
	return nil
}

// Abort cooperatively cancels an in-flight task and releases it.
func (d *Dispatcher) Abort(ctx context.Context, taskID string) error {
	d.mu.Lock()
	exec, ok := d.running[taskID]
	if ok {
		delete(d.running, taskID)
	}
	d.mu.Unlock()
	if !ok {
		return fmt.Errorf("task %s is not executing", taskID)
	}

	exec.adapter.Abort(taskID)
	exec.cancel()

	t, err := d.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if t.Status != task.StatusInProgress || t.LeaseOwner != exec.adapter.Name() {
		d.logger.Warn("skipping abort release for %s (status=%s owner=%q)",
			taskID, t.Status, t.LeaseOwner)
		return nil
	}

	msg := "execution aborted"
	_, err = d.store.Transition(ctx, taskID, task.StatusPending, task.TransitionContext{
		Actor:     "dispatcher",
		LastError: &msg,
	})
	return err
}

// RunningCount reports how many executions are in flight.
func (d *Dispatcher) RunningCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.running)
}

func (d *Dispatcher) reportError(err error) {
	d.logger.Error("%v", err)
	if d.config.OnError != nil {
		d.config.OnError(err)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// AdapterName returns the routing portion of a backend string: everything
// before the first "/".
func AdapterName(backend string) string {
	if i := strings.IndexByte(backend, '/'); i >= 0 {
		return backend[:i]
	}
	return backend
}

// SplitBackend splits "adapter/model-override" into its parts.
func SplitBackend(backend string) (adapter, model string) {
	if i := strings.IndexByte(backend, '/'); i >= 0 {
		return backend[:i], backend[i+1:]
	}
	return backend, ""
}

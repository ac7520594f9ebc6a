// Package watchdog recovers tasks whose lease expired: stale IN_PROGRESS
// rows are requeued or blocked depending on policy and remaining attempt
// budget.
package watchdog

import (
	"context"
	"fmt"
	"sync"
	"time"

	"openskelo/internal/async"
	"openskelo/internal/logging"
	"openskelo/internal/task"
)

// Recovery policies for an expired lease.
const (
	PolicyRequeue = "requeue"
	PolicyBlock   = "block"
)

// Store is the persistence surface the watchdog drives.
type Store interface {
	ListByStatus(ctx context.Context, status task.Status) ([]*task.Task, error)
	Transition(ctx context.Context, id string, to task.Status, tc task.TransitionContext) (*task.Task, error)
	LogAction(ctx context.Context, entry task.AuditEntry) error
}

// Config holds watchdog tuning.
type Config struct {
	Interval      time.Duration
	GracePeriod   time.Duration
	OnLeaseExpire string // PolicyRequeue or PolicyBlock
	OnError       func(err error)

	// OnRecover is notified of each recovery with the action taken,
	// typically for metrics.
	OnRecover func(action string)
}

// Watchdog periodically sweeps IN_PROGRESS tasks for expired leases.
type Watchdog struct {
	store    Store
	config   Config
	logger   logging.Logger
	stopped  chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a watchdog.
func New(s Store, cfg Config, logger logging.Logger) *Watchdog {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.OnLeaseExpire == "" {
		cfg.OnLeaseExpire = PolicyRequeue
	}
	return &Watchdog{
		store:   s,
		config:  cfg,
		logger:  logging.OrNop(logger),
		stopped: make(chan struct{}),
	}
}

// Start launches the sweep loop.
func (w *Watchdog) Start(ctx context.Context) {
	w.wg.Add(1)
	async.Go(w.logger, "watchdog-loop", func() {
		defer w.wg.Done()
		ticker := time.NewTicker(w.config.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-w.stopped:
				return
			case <-ticker.C:
				if err := w.Tick(ctx); err != nil {
					w.logger.Error("watchdog tick: %v", err)
					if w.config.OnError != nil {
						w.config.OnError(err)
					}
				}
			}
		}
	})
	w.logger.Info("watchdog started (interval=%s grace=%s policy=%s)",
		w.config.Interval, w.config.GracePeriod, w.config.OnLeaseExpire)
}

// Stop halts the loop and waits for it.
func (w *Watchdog) Stop() {
	w.stopOnce.Do(func() { close(w.stopped) })
	w.wg.Wait()
}

// Tick sweeps once. Errors recovering one task do not stop the sweep.
func (w *Watchdog) Tick(ctx context.Context) error {
	inProgress, err := w.store.ListByStatus(ctx, task.StatusInProgress)
	if err != nil {
		return err
	}
	now := time.Now()
	var firstErr error
	for _, t := range inProgress {
		missingLease := t.LeaseExpiresAt == nil || t.LeaseOwner == ""
		if !missingLease && t.LeaseExpiresAt.Add(w.config.GracePeriod).After(now) {
			continue
		}
		if err := w.recover(ctx, t, missingLease); err != nil {
			w.logger.Error("recover task %s: %v", t.ID, err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// recover moves one stale task back to PENDING, or to BLOCKED when policy
// or an exhausted attempt budget demands it. A lease-less IN_PROGRESS row
// is an anomaly recovered without grace.
func (w *Watchdog) recover(ctx context.Context, t *task.Task, missingLease bool) error {
	action := PolicyRequeue
	if w.config.OnLeaseExpire == PolicyBlock || t.AttemptCount >= t.MaxAttempts {
		action = PolicyBlock
	}

	meta := map[string]any{
		"attempt_count": t.AttemptCount,
		"max_attempts":  t.MaxAttempts,
		"action":        action,
	}
	if t.LeaseExpiresAt != nil {
		meta["lease_expires_at"] = t.LeaseExpiresAt.UTC().Format(time.RFC3339Nano)
	}
	if missingLease {
		meta["missing_lease"] = true
	}

	to := task.StatusPending
	var err error
	if action == PolicyBlock {
		to = task.StatusBlocked
		_, err = w.store.Transition(ctx, t.ID, to, task.TransitionContext{
			Actor:  "watchdog",
			Reason: fmt.Sprintf("lease expired (owner %q); blocked by watchdog", t.LeaseOwner),
		})
	} else {
		msg := fmt.Sprintf("lease expired (owner %q); requeued by watchdog", t.LeaseOwner)
		_, err = w.store.Transition(ctx, t.ID, to, task.TransitionContext{
			Actor:     "watchdog",
			LastError: &msg,
		})
	}
	if err != nil {
		return err
	}

	w.logger.Warn("watchdog recovered task %s (%s, attempts %d/%d)",
		t.ID, action, t.AttemptCount, t.MaxAttempts)
	if w.config.OnRecover != nil {
		w.config.OnRecover(action)
	}
	return w.store.LogAction(ctx, task.AuditEntry{
		TaskID:      t.ID,
		Action:      task.ActionWatchdogRecovery,
		Actor:       "watchdog",
		BeforeState: string(task.StatusInProgress),
		AfterState:  string(to),
		Metadata:    meta,
	})
}

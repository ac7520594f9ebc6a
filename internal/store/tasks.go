package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	domainerr "openskelo/internal/errors"
	"openskelo/internal/ident"
	"openskelo/internal/pipeline"
	"openskelo/internal/task"
)

const taskColumns = `id, type, status, priority, manual_rank, summary, prompt,
	acceptance_criteria, definition_of_done, backend, backend_config, result,
	lease_owner, lease_expires_at, attempt_count, bounce_count, max_attempts,
	max_bounces, last_error, feedback_history, depends_on, pipeline_id,
	pipeline_step, gates, metadata, auto_review, parent_task_id,
	loop_iteration, held_by, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*task.Task, error) {
	var (
		t                                  task.Task
		manualRank                         sql.NullFloat64
		backendConfig, leaseOwner          sql.NullString
		leaseExpires, pipelineID           sql.NullString
		autoReview, parentTaskID, heldBy   sql.NullString
		accCrit, dod, feedback, deps       string
		gatesRaw, metaRaw, created, update string
	)
	err := row.Scan(
		&t.ID, &t.Type, &t.Status, &t.Priority, &manualRank, &t.Summary, &t.Prompt,
		&accCrit, &dod, &t.Backend, &backendConfig, &t.Result,
		&leaseOwner, &leaseExpires, &t.AttemptCount, &t.BounceCount, &t.MaxAttempts,
		&t.MaxBounces, &t.LastError, &feedback, &deps, &pipelineID,
		&t.PipelineStep, &gatesRaw, &metaRaw, &autoReview, &parentTaskID,
		&t.LoopIteration, &heldBy, &created, &update,
	)
	if err != nil {
		return nil, err
	}

	if manualRank.Valid {
		v := manualRank.Float64
		t.ManualRank = &v
	}
	t.LeaseOwner = leaseOwner.String
	if leaseExpires.Valid && leaseExpires.String != "" {
		ts := parseTime(leaseExpires.String)
		t.LeaseExpiresAt = &ts
	}
	t.PipelineID = pipelineID.String
	t.ParentTaskID = parentTaskID.String
	t.HeldBy = heldBy.String

	if err := decodeJSON(accCrit, &t.AcceptanceCriteria); err != nil {
		return nil, fmt.Errorf("task %s acceptance_criteria: %w", t.ID, err)
	}
	if err := decodeJSON(dod, &t.DefinitionOfDone); err != nil {
		return nil, fmt.Errorf("task %s definition_of_done: %w", t.ID, err)
	}
	if err := decodeJSON(feedback, &t.FeedbackHistory); err != nil {
		return nil, fmt.Errorf("task %s feedback_history: %w", t.ID, err)
	}
	if err := decodeJSON(deps, &t.DependsOn); err != nil {
		return nil, fmt.Errorf("task %s depends_on: %w", t.ID, err)
	}
	if err := decodeJSON(gatesRaw, &t.Gates); err != nil {
		return nil, fmt.Errorf("task %s gates: %w", t.ID, err)
	}
	if err := decodeJSON(metaRaw, &t.Metadata); err != nil {
		return nil, fmt.Errorf("task %s metadata: %w", t.ID, err)
	}
	if backendConfig.Valid && backendConfig.String != "" {
		t.BackendConfig = &task.BackendConfig{}
		if err := decodeJSON(backendConfig.String, t.BackendConfig); err != nil {
			return nil, fmt.Errorf("task %s backend_config: %w", t.ID, err)
		}
	}
	if autoReview.Valid && autoReview.String != "" {
		t.AutoReview = &task.AutoReview{}
		if err := decodeJSON(autoReview.String, t.AutoReview); err != nil {
			return nil, fmt.Errorf("task %s auto_review: %w", t.ID, err)
		}
	}
	if t.FeedbackHistory == nil {
		t.FeedbackHistory = []task.Feedback{}
	}
	if t.DependsOn == nil {
		t.DependsOn = []string{}
	}
	t.CreatedAt = parseTime(created)
	t.UpdatedAt = parseTime(update)
	return &t, nil
}

func insertTask(ctx context.Context, q querier, t *task.Task) error {
	accCrit, err := encodeJSON(t.AcceptanceCriteria, "[]")
	if err != nil {
		return err
	}
	dod, err := encodeJSON(t.DefinitionOfDone, "[]")
	if err != nil {
		return err
	}
	feedback, err := encodeJSON(t.FeedbackHistory, "[]")
	if err != nil {
		return err
	}
	deps, err := encodeJSON(t.DependsOn, "[]")
	if err != nil {
		return err
	}
	gatesRaw, err := encodeJSON(t.Gates, "[]")
	if err != nil {
		return err
	}
	metaRaw, err := encodeJSON(t.Metadata, "{}")
	if err != nil {
		return err
	}
	var backendConfig, autoReview any
	if t.BackendConfig != nil {
		s, err := encodeJSON(t.BackendConfig, "")
		if err != nil {
			return err
		}
		backendConfig = s
	}
	if t.AutoReview != nil {
		s, err := encodeJSON(t.AutoReview, "")
		if err != nil {
			return err
		}
		autoReview = s
	}

	var manualRank any
	if t.ManualRank != nil {
		manualRank = *t.ManualRank
	}

	_, err = q.ExecContext(ctx, `INSERT INTO tasks (`+taskColumns+`) VALUES
		(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Type, string(t.Status), t.Priority, manualRank, t.Summary, t.Prompt,
		accCrit, dod, t.Backend, backendConfig, t.Result,
		nullIfEmpty(t.LeaseOwner), timeOrNull(t.LeaseExpiresAt), t.AttemptCount, t.BounceCount, t.MaxAttempts,
		t.MaxBounces, t.LastError, feedback, deps, nullIfEmpty(t.PipelineID),
		t.PipelineStep, gatesRaw, metaRaw, autoReview, nullIfEmpty(t.ParentTaskID),
		t.LoopIteration, nullIfEmpty(t.HeldBy), formatTime(t.CreatedAt), formatTime(t.UpdatedAt),
	)
	return err
}

// updateTaskRow rewrites every mutable column of the row. The state machine
// mutates the struct; this persists it.
func updateTaskRow(ctx context.Context, q querier, t *task.Task) error {
	feedback, err := encodeJSON(t.FeedbackHistory, "[]")
	if err != nil {
		return err
	}
	deps, err := encodeJSON(t.DependsOn, "[]")
	if err != nil {
		return err
	}
	metaRaw, err := encodeJSON(t.Metadata, "{}")
	if err != nil {
		return err
	}
	var manualRank any
	if t.ManualRank != nil {
		manualRank = *t.ManualRank
	}
	res, err := q.ExecContext(ctx, `UPDATE tasks SET
		status = ?, priority = ?, manual_rank = ?, result = ?,
		lease_owner = ?, lease_expires_at = ?,
		attempt_count = ?, bounce_count = ?, last_error = ?,
		feedback_history = ?, depends_on = ?, metadata = ?,
		loop_iteration = ?, held_by = ?, updated_at = ?
		WHERE id = ?`,
		string(t.Status), t.Priority, manualRank, t.Result,
		nullIfEmpty(t.LeaseOwner), timeOrNull(t.LeaseExpiresAt),
		t.AttemptCount, t.BounceCount, t.LastError,
		feedback, deps, metaRaw,
		t.LoopIteration, nullIfEmpty(t.HeldBy), formatTime(t.UpdatedAt),
		t.ID,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return domainerr.NotFound("task", t.ID)
	}
	return err
}

// GetTask returns the task by id, or NotFoundError.
func (s *Store) GetTask(ctx context.Context, id string) (*task.Task, error) {
	return getTask(ctx, s.db, id)
}

func getTask(ctx context.Context, q querier, id string) (*task.Task, error) {
	row := q.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domainerr.NotFound("task", id)
	}
	return t, err
}

// CreateTask validates the input, allocates a ULID, and writes the row and
// its audit entry in one transaction.
func (s *Store) CreateTask(ctx context.Context, in task.CreateInput) (*task.Task, error) {
	t, err := buildTask(in)
	if err != nil {
		return nil, err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	if err := validateDependencies(ctx, tx, t.ID, t.DependsOn); err != nil {
		return nil, err
	}
	if err := insertTask(ctx, tx, t); err != nil {
		return nil, fmt.Errorf("insert task: %w", err)
	}
	if err := logActionTx(ctx, tx, task.AuditEntry{
		TaskID:     t.ID,
		Action:     task.ActionCreate,
		AfterState: string(t.Status),
		Metadata:   map[string]any{"type": t.Type, "backend": t.Backend},
	}); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	s.logger.Debug("created task %s (type=%s backend=%s)", t.ID, t.Type, t.Backend)
	return t, nil
}

func buildTask(in task.CreateInput) (*task.Task, error) {
	if strings.TrimSpace(in.Summary) == "" {
		return nil, domainerr.Validationf("summary is required")
	}
	if strings.TrimSpace(in.Prompt) == "" {
		return nil, domainerr.Validationf("prompt is required")
	}
	if strings.TrimSpace(in.Type) == "" {
		return nil, domainerr.Validationf("type is required")
	}
	if strings.TrimSpace(in.Backend) == "" {
		return nil, domainerr.Validationf("backend is required")
	}
	maxAttempts := in.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = task.DefaultMaxAttempts
	}
	maxBounces := in.MaxBounces
	if maxBounces <= 0 {
		maxBounces = task.DefaultMaxBounces
	}
	now := time.Now().UTC()
	return &task.Task{
		ID:                 ident.New(),
		Type:               in.Type,
		Status:             task.StatusPending,
		Priority:           in.Priority,
		Summary:            in.Summary,
		Prompt:             in.Prompt,
		AcceptanceCriteria: in.AcceptanceCriteria,
		DefinitionOfDone:   in.DefinitionOfDone,
		Backend:            in.Backend,
		BackendConfig:      in.BackendConfig.Clone(),
		MaxAttempts:        maxAttempts,
		MaxBounces:         maxBounces,
		FeedbackHistory:    []task.Feedback{},
		DependsOn:          append([]string{}, in.DependsOn...),
		PipelineID:         in.PipelineID,
		PipelineStep:       in.PipelineStep,
		Gates:              in.Gates,
		AutoReview:         in.AutoReview,
		ParentTaskID:       in.ParentTaskID,
		HeldBy:             in.HeldBy,
		Metadata:           in.Metadata,
		CreatedAt:          now,
		UpdatedAt:          now,
	}, nil
}

// validateDependencies checks every dependency exists and that the graph
// stays acyclic with the new edges applied.
func validateDependencies(ctx context.Context, q querier, id string, deps []string) error {
	if len(deps) == 0 {
		return nil
	}
	for _, dep := range deps {
		if dep == id {
			return domainerr.Validationf("task %s cannot depend on itself", id)
		}
		var one int
		err := q.QueryRowContext(ctx, `SELECT 1 FROM tasks WHERE id = ?`, dep).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			return domainerr.Validationf("dependency %s does not exist", dep)
		}
		if err != nil {
			return err
		}
	}

	adj, err := dependencyGraph(ctx, q)
	if err != nil {
		return err
	}
	adj[id] = deps
	if cycle := pipeline.FindCycle(adj); cycle != nil {
		return domainerr.Validationf("Cycle detected: %s", strings.Join(cycle, " -> "))
	}
	return nil
}

func dependencyGraph(ctx context.Context, q querier) (map[string][]string, error) {
	rows, err := q.QueryContext(ctx, `SELECT id, depends_on FROM tasks WHERE depends_on != '[]'`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	adj := make(map[string][]string)
	for rows.Next() {
		var id, raw string
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, err
		}
		var deps []string
		if err := decodeJSON(raw, &deps); err != nil {
			return nil, fmt.Errorf("task %s depends_on: %w", id, err)
		}
		adj[id] = deps
	}
	return adj, rows.Err()
}

// updatableColumns is the literal allow-list for Update. Status is absent:
// status only moves through Transition.
var updatableColumns = map[string]bool{
	"type":                true,
	"priority":            true,
	"manual_rank":         true,
	"summary":             true,
	"prompt":              true,
	"acceptance_criteria": true,
	"definition_of_done":  true,
	"backend":             true,
	"backend_config":      true,
	"result":              true,
	"lease_expires_at":    true,
	"max_attempts":        true,
	"max_bounces":         true,
	"last_error":          true,
	"depends_on":          true,
	"gates":               true,
	"auto_review":         true,
	"metadata":            true,
	"held_by":             true,
	"loop_iteration":      true,
}

var jsonColumns = map[string]string{
	"acceptance_criteria": "[]",
	"definition_of_done":  "[]",
	"depends_on":          "[]",
	"gates":               "[]",
	"metadata":            "{}",
	"backend_config":      "",
	"auto_review":         "",
}

// UpdateTask applies a partial column patch. Unknown columns and status
// changes are rejected; depends_on changes re-run the acyclicity check.
func (s *Store) UpdateTask(ctx context.Context, id string, patch map[string]any) (*task.Task, error) {
	if len(patch) == 0 {
		return s.GetTask(ctx, id)
	}
	if _, ok := patch["status"]; ok {
		return nil, domainerr.Validationf("status cannot be set directly; use transition")
	}
	for col := range patch {
		if !updatableColumns[col] {
			return nil, domainerr.Validationf("unknown column %q", col)
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	if _, err := getTask(ctx, tx, id); err != nil {
		return nil, err
	}

	if raw, ok := patch["depends_on"]; ok {
		deps, err := toStringSlice(raw)
		if err != nil {
			return nil, domainerr.Validationf("depends_on must be a string list")
		}
		if err := validateDependencies(ctx, tx, id, deps); err != nil {
			return nil, err
		}
	}

	sets := make([]string, 0, len(patch)+1)
	args := make([]any, 0, len(patch)+2)
	for col, val := range patch {
		encoded, err := encodePatchValue(col, val)
		if err != nil {
			return nil, err
		}
		sets = append(sets, col+" = ?")
		args = append(args, encoded)
	}
	sets = append(sets, "updated_at = ?")
	args = append(args, formatTime(time.Now()), id)

	if _, err := tx.ExecContext(ctx, `UPDATE tasks SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...); err != nil {
		return nil, fmt.Errorf("update task %s: %w", id, err)
	}
	if err := logActionTx(ctx, tx, task.AuditEntry{
		TaskID:   id,
		Action:   task.ActionUpdate,
		Metadata: map[string]any{"columns": patchColumns(patch)},
	}); err != nil {
		return nil, err
	}
	updated, err := getTask(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return updated, nil
}

func encodePatchValue(col string, val any) (any, error) {
	empty, isJSON := jsonColumns[col]
	if !isJSON {
		switch col {
		case "lease_expires_at":
			switch v := val.(type) {
			case nil:
				return nil, nil
			case time.Time:
				return formatTime(v), nil
			case *time.Time:
				return timeOrNull(v), nil
			case string:
				return v, nil
			default:
				return nil, domainerr.Validationf("lease_expires_at must be a timestamp")
			}
		case "manual_rank", "held_by":
			if val == nil {
				return nil, nil
			}
		}
		return val, nil
	}
	if val == nil {
		if empty == "" {
			return nil, nil
		}
		return empty, nil
	}
	return encodeJSON(val, empty)
}

func toStringSlice(v any) ([]string, error) {
	switch vv := v.(type) {
	case []string:
		return vv, nil
	case []any:
		out := make([]string, 0, len(vv))
		for _, item := range vv {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("non-string element")
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("not a list")
	}
}

func patchColumns(patch map[string]any) []string {
	cols := make([]string, 0, len(patch))
	for col := range patch {
		cols = append(cols, col)
	}
	return cols
}

// UpdateDependsOn rewrites a task's dependency list under the acyclicity
// check. Used by the expansion handler's rewiring step.
func (s *Store) UpdateDependsOn(ctx context.Context, id string, dependsOn []string) error {
	_, err := s.UpdateTask(ctx, id, map[string]any{"depends_on": dependsOn})
	return err
}

// Transition re-reads the row inside a transaction, applies the state
// machine, and persists row plus audit entry atomically. A concurrent
// transition loses with a TransitionError.
func (s *Store) Transition(ctx context.Context, id string, to task.Status, tc task.TransitionContext) (*task.Task, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	t, err := getTask(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	before := t.Status
	if err := task.ApplyTransition(t, to, tc, time.Now()); err != nil {
		return nil, err
	}
	if err := updateTaskRow(ctx, tx, t); err != nil {
		return nil, err
	}
	if err := logActionTx(ctx, tx, task.AuditEntry{
		TaskID:      id,
		Action:      task.ActionTransition,
		Actor:       tc.Actor,
		BeforeState: string(before),
		AfterState:  string(t.Status),
		Metadata:    tc.AuditMetadata(),
	}); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	s.logger.Debug("task %s: %s -> %s", id, before, t.Status)
	return t, nil
}

// Heartbeat extends an IN_PROGRESS task's lease and records the beat.
func (s *Store) Heartbeat(ctx context.Context, id string, leaseExpiresAt time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	t, err := getTask(ctx, tx, id)
	if err != nil {
		return err
	}
	if t.Status != task.StatusInProgress {
		return domainerr.Validationf("task %s is not IN_PROGRESS", id)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE tasks SET lease_expires_at = ?, updated_at = ? WHERE id = ?`,
		formatTime(leaseExpiresAt), formatTime(time.Now()), id); err != nil {
		return err
	}
	if err := logActionTx(ctx, tx, task.AuditEntry{
		TaskID:   id,
		Action:   task.ActionHeartbeat,
		Metadata: map[string]any{"lease_expires_at": formatTime(leaseExpiresAt)},
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// ListFilter narrows ListTasks/CountTasks.
type ListFilter struct {
	Status     task.Status
	Type       string
	PipelineID string
	ParentID   string
}

func (f ListFilter) where() (string, []any) {
	var conds []string
	var args []any
	if f.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.Type != "" {
		conds = append(conds, "type = ?")
		args = append(args, f.Type)
	}
	if f.PipelineID != "" {
		conds = append(conds, "pipeline_id = ?")
		args = append(args, f.PipelineID)
	}
	if f.ParentID != "" {
		conds = append(conds, "parent_task_id = ?")
		args = append(args, f.ParentID)
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// ListTasks returns tasks matching filter ordered by created_at then id.
func (s *Store) ListTasks(ctx context.Context, filter ListFilter, limit, offset int) ([]*task.Task, error) {
	where, args := filter.where()
	query := `SELECT ` + taskColumns + ` FROM tasks` + where + ` ORDER BY created_at ASC, id ASC`
	if limit > 0 {
		query += " LIMIT ? OFFSET ?"
		args = append(args, limit, offset)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*task.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// CountTasks counts tasks matching filter.
func (s *Store) CountTasks(ctx context.Context, filter ListFilter) (int, error) {
	where, args := filter.where()
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM tasks`+where, args...).Scan(&n)
	return n, err
}

// ListByPipeline returns all tasks of a pipeline ordered by step.
func (s *Store) ListByPipeline(ctx context.Context, pipelineID string) ([]*task.Task, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE pipeline_id = ? ORDER BY pipeline_step ASC, created_at ASC, id ASC`,
		pipelineID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*task.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ListByParent returns children spawned from parentID.
func (s *Store) ListByParent(ctx context.Context, parentID string) ([]*task.Task, error) {
	return s.ListTasks(ctx, ListFilter{ParentID: parentID}, 0, 0)
}

// ListByStatus returns every task in the given status.
func (s *Store) ListByStatus(ctx context.Context, status task.Status) ([]*task.Task, error) {
	return s.ListTasks(ctx, ListFilter{Status: status}, 0, 0)
}

// StatusCounts returns the per-status row counts for /health.
func (s *Store) StatusCounts(ctx context.Context) (map[task.Status]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	counts := make(map[task.Status]int, len(task.AllStatuses))
	for _, st := range task.AllStatuses {
		counts[st] = 0
	}
	for rows.Next() {
		var st string
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, err
		}
		counts[task.Status(st)] = n
	}
	return counts, rows.Err()
}

// InjectTask creates a task that may jump the queue: priority_boost
// overrides priority, inject_before splices the new task in front of an
// existing one by appending to that task's depends_on.
func (s *Store) InjectTask(ctx context.Context, in task.InjectInput) (*task.Task, error) {
	if in.PriorityBoost != nil {
		in.Priority = *in.PriorityBoost
	}
	t, err := buildTask(in.CreateInput)
	if err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	if err := validateDependencies(ctx, tx, t.ID, t.DependsOn); err != nil {
		return nil, err
	}
	if err := insertTask(ctx, tx, t); err != nil {
		return nil, fmt.Errorf("insert task: %w", err)
	}

	if in.InjectBefore != "" {
		target, err := getTask(ctx, tx, in.InjectBefore)
		if err != nil {
			return nil, err
		}
		deps := append(append([]string{}, target.DependsOn...), t.ID)
		if err := validateDependencies(ctx, tx, target.ID, deps); err != nil {
			return nil, err
		}
		encoded, err := encodeJSON(deps, "[]")
		if err != nil {
			return nil, err
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE tasks SET depends_on = ?, updated_at = ? WHERE id = ?`,
			encoded, formatTime(time.Now()), target.ID); err != nil {
			return nil, err
		}
	}

	meta := map[string]any{"priority": t.Priority}
	if in.InjectBefore != "" {
		meta["inject_before"] = in.InjectBefore
	}
	if err := logActionTx(ctx, tx, task.AuditEntry{
		TaskID:     t.ID,
		Action:     task.ActionInject,
		AfterState: string(t.Status),
		Metadata:   meta,
	}); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	s.logger.Info("injected task %s at priority %d", t.ID, t.Priority)
	return t, nil
}

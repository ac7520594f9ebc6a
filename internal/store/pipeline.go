package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	domainerr "openskelo/internal/errors"
	"openskelo/internal/ident"
	"openskelo/internal/pipeline"
	"openskelo/internal/task"
)

// CreateDagPipeline validates the DAG, layers it, and creates every node in
// one transaction under a freshly allocated pipeline id. All nodes commit
// or none do.
func (s *Store) CreateDagPipeline(ctx context.Context, in pipeline.CreateDagInput) (string, []*task.Task, error) {
	if err := pipeline.Validate(in); err != nil {
		return "", nil, err
	}
	steps := pipeline.LayerSteps(in)
	ordered := pipeline.SortByStep(in, steps)
	pipelineID := ident.New()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", nil, err
	}
	defer tx.Rollback()

	keyToID := make(map[string]string, len(ordered))
	created := make([]*task.Task, 0, len(ordered))
	for _, node := range ordered {
		deps := make([]string, 0, len(node.DependsOn))
		for _, depKey := range node.DependsOn {
			deps = append(deps, keyToID[depKey])
		}
		input := task.CreateInput{
			Type:               node.Type,
			Summary:            node.Summary,
			Prompt:             node.Prompt,
			Backend:            node.Backend,
			AcceptanceCriteria: node.AcceptanceCriteria,
			DefinitionOfDone:   node.DefinitionOfDone,
			MaxAttempts:        node.MaxAttempts,
			MaxBounces:         node.MaxBounces,
			BackendConfig:      node.BackendConfig,
			DependsOn:          deps,
			PipelineID:         pipelineID,
			PipelineStep:       steps[node.Key],
			Gates:              node.Gates,
			AutoReview:         node.AutoReview,
			Metadata:           node.Metadata,
		}
		if node.Priority != nil {
			input.Priority = *node.Priority
		}
		if node.Expand {
			if input.Metadata == nil {
				input.Metadata = map[string]any{}
			}
			input.Metadata[task.MetaExpand] = true
			if node.ExpandConfig != nil {
				input.Metadata[task.MetaExpandConfig] = node.ExpandConfig
			}
		}

		t, err := buildTask(input)
		if err != nil {
			return "", nil, fmt.Errorf("pipeline node %q: %w", node.Key, err)
		}
		// Keys were validated against the pipeline-local set; the graph is
		// acyclic by construction, so only insert here.
		if err := insertTask(ctx, tx, t); err != nil {
			return "", nil, fmt.Errorf("insert pipeline node %q: %w", node.Key, err)
		}
		if err := logActionTx(ctx, tx, task.AuditEntry{
			TaskID:     t.ID,
			Action:     task.ActionCreate,
			AfterState: string(t.Status),
			Metadata:   map[string]any{"pipeline_id": pipelineID, "key": node.Key, "step": t.PipelineStep},
		}); err != nil {
			return "", nil, err
		}
		keyToID[node.Key] = t.ID
		created = append(created, t)
	}

	if err := tx.Commit(); err != nil {
		return "", nil, err
	}
	s.logger.Info("created pipeline %s with %d tasks", pipelineID, len(created))
	return pipelineID, created, nil
}

// PipelineSummary is one row of ListPipelines.
type PipelineSummary struct {
	PipelineID string `json:"pipeline_id"`
	TaskCount  int    `json:"task_count"`
	Completed  int    `json:"completed"`
	Status     string `json:"status"`
}

// ListPipelines aggregates per-pipeline progress. A pipeline is completed
// when every task is DONE, blocked when any task is BLOCKED, held when any
// PENDING task carries held_by, running otherwise.
func (s *Store) ListPipelines(ctx context.Context, statusFilter string) ([]PipelineSummary, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT pipeline_id,
		COUNT(*),
		SUM(CASE WHEN status = 'DONE' THEN 1 ELSE 0 END),
		SUM(CASE WHEN status = 'BLOCKED' THEN 1 ELSE 0 END),
		SUM(CASE WHEN held_by IS NOT NULL THEN 1 ELSE 0 END)
		FROM tasks WHERE pipeline_id IS NOT NULL
		GROUP BY pipeline_id ORDER BY pipeline_id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []PipelineSummary
	for rows.Next() {
		var summary PipelineSummary
		var blocked, held int
		if err := rows.Scan(&summary.PipelineID, &summary.TaskCount, &summary.Completed, &blocked, &held); err != nil {
			return nil, err
		}
		switch {
		case summary.Completed == summary.TaskCount:
			summary.Status = "completed"
		case blocked > 0:
			summary.Status = "blocked"
		case held > 0:
			summary.Status = "held"
		default:
			summary.Status = "running"
		}
		if statusFilter != "" && summary.Status != statusFilter {
			continue
		}
		out = append(out, summary)
	}
	return out, rows.Err()
}

// HoldPipeline marks every PENDING task of the pipeline with
// held_by = "pipeline:<id>", removing them from claim eligibility.
func (s *Store) HoldPipeline(ctx context.Context, pipelineID string) (int, error) {
	return s.setPipelineHold(ctx, pipelineID, true)
}

// ResumePipeline clears the hold marker set by HoldPipeline.
func (s *Store) ResumePipeline(ctx context.Context, pipelineID string) (int, error) {
	return s.setPipelineHold(ctx, pipelineID, false)
}

func (s *Store) setPipelineHold(ctx context.Context, pipelineID string, hold bool) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM tasks WHERE pipeline_id = ?`, pipelineID).Scan(&exists); err != nil {
		return 0, err
	}
	if exists == 0 {
		return 0, domainerr.NotFound("pipeline", pipelineID)
	}

	marker := "pipeline:" + pipelineID
	now := formatTime(time.Now())
	var res sql.Result
	action := task.ActionPipelineResume
	if hold {
		action = task.ActionPipelineHold
		res, err = tx.ExecContext(ctx,
			`UPDATE tasks SET held_by = ?, updated_at = ?
			 WHERE pipeline_id = ? AND status = 'PENDING' AND held_by IS NULL`,
			marker, now, pipelineID)
	} else {
		res, err = tx.ExecContext(ctx,
			`UPDATE tasks SET held_by = NULL, updated_at = ?
			 WHERE pipeline_id = ? AND held_by = ?`,
			now, pipelineID, marker)
	}
	if err != nil {
		return 0, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if err := logActionTx(ctx, tx, task.AuditEntry{
		TaskID:   pipelineID,
		Action:   action,
		Metadata: map[string]any{"pipeline_id": pipelineID, "tasks_affected": affected},
	}); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return int(affected), nil
}

// PipelineComplete reports whether every task of the pipeline is DONE.
func (s *Store) PipelineComplete(ctx context.Context, pipelineID string) (bool, error) {
	var total, done int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*),
		COALESCE(SUM(CASE WHEN status = 'DONE' THEN 1 ELSE 0 END), 0)
		FROM tasks WHERE pipeline_id = ?`, pipelineID).Scan(&total, &done)
	if err != nil {
		return false, err
	}
	return total > 0 && total == done, nil
}

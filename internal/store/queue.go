package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	domainerr "openskelo/internal/errors"
	"openskelo/internal/task"
)

// QueueFilter narrows GetNext.
type QueueFilter struct {
	Type       string
	ExcludeIDs []string
}

// GetNext returns the highest-priority claimable PENDING task, or nil when
// the queue is empty. Ordering: priority ASC, manual_rank (NULLs last),
// created_at ASC, id ASC. ULID ordering on id is the stable tiebreak.
func (s *Store) GetNext(ctx context.Context, filter QueueFilter) (*task.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks
		WHERE status = 'PENDING' AND held_by IS NULL`
	var args []any
	if filter.Type != "" {
		query += " AND type = ?"
		args = append(args, filter.Type)
	}
	if len(filter.ExcludeIDs) > 0 {
		query += " AND id NOT IN (?" + strings.Repeat(", ?", len(filter.ExcludeIDs)-1) + ")"
		for _, id := range filter.ExcludeIDs {
			args = append(args, id)
		}
	}
	query += ` ORDER BY priority ASC, (manual_rank IS NULL) ASC, manual_rank ASC, created_at ASC, id ASC LIMIT 1`

	row := s.db.QueryRowContext(ctx, query, args...)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return t, err
}

// Position addresses where Reorder places a task: top of the pending
// ordering, or immediately before/after another pending task.
type Position struct {
	Top    bool   `json:"top,omitempty"`
	Before string `json:"before,omitempty"`
	After  string `json:"after,omitempty"`
}

// Reorder reassigns manual_rank densely over the current pending ordering
// so that id lands at the requested position. One transaction keeps
// concurrent GetNext calls consistent.
func (s *Store) Reorder(ctx context.Context, id string, pos Position) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := getTask(ctx, tx, id); err != nil {
		return err
	}

	rows, err := tx.QueryContext(ctx, `SELECT id FROM tasks WHERE status = 'PENDING'
		ORDER BY priority ASC, (manual_rank IS NULL) ASC, manual_rank ASC, created_at ASC, id ASC`)
	if err != nil {
		return err
	}
	var ordered []string
	for rows.Next() {
		var rowID string
		if err := rows.Scan(&rowID); err != nil {
			rows.Close()
			return err
		}
		ordered = append(ordered, rowID)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	// Remove the subject, then reinsert at the target index.
	without := make([]string, 0, len(ordered))
	found := false
	for _, rowID := range ordered {
		if rowID == id {
			found = true
			continue
		}
		without = append(without, rowID)
	}
	if !found {
		return domainerr.Validationf("task %s is not PENDING", id)
	}

	index, err := resolveIndex(without, pos)
	if err != nil {
		return err
	}
	final := make([]string, 0, len(without)+1)
	final = append(final, without[:index]...)
	final = append(final, id)
	final = append(final, without[index:]...)

	now := formatTime(time.Now())
	for i, rowID := range final {
		if _, err := tx.ExecContext(ctx,
			`UPDATE tasks SET manual_rank = ?, updated_at = ? WHERE id = ?`,
			float64(i), now, rowID); err != nil {
			return err
		}
	}

	if err := logActionTx(ctx, tx, task.AuditEntry{
		TaskID:   id,
		Action:   task.ActionReorder,
		Metadata: map[string]any{"index": index, "pending": len(final)},
	}); err != nil {
		return err
	}
	return tx.Commit()
}

func resolveIndex(without []string, pos Position) (int, error) {
	switch {
	case pos.Top:
		return 0, nil
	case pos.Before != "":
		for i, rowID := range without {
			if rowID == pos.Before {
				return i, nil
			}
		}
		return 0, domainerr.NotFound("pending task", pos.Before)
	case pos.After != "":
		for i, rowID := range without {
			if rowID == pos.After {
				return i + 1, nil
			}
		}
		return 0, domainerr.NotFound("pending task", pos.After)
	default:
		return 0, domainerr.Validationf("position must be {top}, {before} or {after}")
	}
}

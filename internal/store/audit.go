package store

import (
	"context"
	"time"

	"openskelo/internal/ident"
	"openskelo/internal/task"
)

func logActionTx(ctx context.Context, q querier, entry task.AuditEntry) error {
	if entry.ID == "" {
		entry.ID = ident.New()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	meta, err := encodeJSON(entry.Metadata, "")
	if err != nil {
		return err
	}
	_, err = q.ExecContext(ctx, `INSERT INTO audit_log
		(id, task_id, action, actor, before_state, after_state, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.TaskID, entry.Action,
		nullIfEmpty(entry.Actor), nullIfEmpty(entry.BeforeState), nullIfEmpty(entry.AfterState),
		nullIfEmpty(meta), formatTime(entry.CreatedAt))
	return err
}

// LogAction appends one audit entry, assigning the id and timestamp.
func (s *Store) LogAction(ctx context.Context, entry task.AuditEntry) error {
	return logActionTx(ctx, s.db, entry)
}

// AuditFilter narrows GetLog.
type AuditFilter struct {
	TaskID string
	Limit  int
	Offset int
}

// GetLog returns audit entries in chronological order (ULID sort is time
// sort).
func (s *Store) GetLog(ctx context.Context, filter AuditFilter) ([]task.AuditEntry, error) {
	query := `SELECT id, task_id, action, actor, before_state, after_state, metadata, created_at
		FROM audit_log`
	var args []any
	if filter.TaskID != "" {
		query += " WHERE task_id = ?"
		args = append(args, filter.TaskID)
	}
	query += " ORDER BY id ASC"
	if filter.Limit > 0 {
		query += " LIMIT ? OFFSET ?"
		args = append(args, filter.Limit, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []task.AuditEntry
	for rows.Next() {
		var (
			entry                      task.AuditEntry
			actor, before, after, meta *string
		)
		var created string
		if err := rows.Scan(&entry.ID, &entry.TaskID, &entry.Action, &actor, &before, &after, &meta, &created); err != nil {
			return nil, err
		}
		if actor != nil {
			entry.Actor = *actor
		}
		if before != nil {
			entry.BeforeState = *before
		}
		if after != nil {
			entry.AfterState = *after
		}
		if meta != nil && *meta != "" {
			if err := decodeJSON(*meta, &entry.Metadata); err != nil {
				return nil, err
			}
		}
		entry.CreatedAt = parseTime(created)
		out = append(out, entry)
	}
	return out, rows.Err()
}

// TaskHistory returns the audit trail scoped to one task.
func (s *Store) TaskHistory(ctx context.Context, taskID string) ([]task.AuditEntry, error) {
	return s.GetLog(ctx, AuditFilter{TaskID: taskID})
}

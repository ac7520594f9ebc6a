package pipeline

import (
	"context"
	"encoding/json"
	"strings"

	"openskelo/internal/task"
)

// TaskReader is the read surface readiness checks need from the store.
type TaskReader interface {
	GetTask(ctx context.Context, id string) (*task.Task, error)
}

// DependenciesMet reports whether every task in t.depends_on is DONE. A
// missing dependency row counts as unmet rather than an error; the store
// guarantees referential integrity at write time, so a miss here means a
// concurrent observer raced a write.
func DependenciesMet(ctx context.Context, reader TaskReader, t *task.Task) (bool, error) {
	for _, depID := range t.DependsOn {
		dep, err := reader.GetTask(ctx, depID)
		if err != nil {
			return false, err
		}
		if dep == nil || dep.Status != task.StatusDone {
			return false, nil
		}
	}
	return true, nil
}

// UpstreamResults collects each dependency's result keyed by its id. Results
// that parse as JSON are passed parsed; everything else is passed as the raw
// string. Dependencies with an empty result are omitted.
func UpstreamResults(ctx context.Context, reader TaskReader, t *task.Task) (map[string]any, error) {
	if len(t.DependsOn) == 0 {
		return nil, nil
	}
	out := make(map[string]any, len(t.DependsOn))
	for _, depID := range t.DependsOn {
		dep, err := reader.GetTask(ctx, depID)
		if err != nil {
			return nil, err
		}
		if dep == nil || strings.TrimSpace(dep.Result) == "" {
			continue
		}
		var parsed any
		if err := json.Unmarshal([]byte(dep.Result), &parsed); err == nil {
			out[depID] = parsed
		} else {
			out[depID] = dep.Result
		}
	}
	if len(out) == 0 {
		return nil, nil
	}
	return out, nil
}

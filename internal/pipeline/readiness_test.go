package pipeline

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"openskelo/internal/task"
)

func TestDependenciesMet(t *testing.T) {
	done := &task.Task{ID: "dep-done", Status: task.StatusDone}
	pending := &task.Task{ID: "dep-pending", Status: task.StatusPending}
	store := newMockExpandStore(done, pending)
	ctx := context.Background()

	met, err := DependenciesMet(ctx, store, &task.Task{ID: "t", DependsOn: []string{"dep-done"}})
	require.NoError(t, err)
	assert.True(t, met)

	met, err = DependenciesMet(ctx, store, &task.Task{ID: "t", DependsOn: []string{"dep-done", "dep-pending"}})
	require.NoError(t, err)
	assert.False(t, met)

	met, err = DependenciesMet(ctx, store, &task.Task{ID: "t"})
	require.NoError(t, err)
	assert.True(t, met, "no dependencies means ready")
}

func TestUpstreamResults(t *testing.T) {
	store := newMockExpandStore(
		&task.Task{ID: "json-dep", Status: task.StatusDone, Result: `{"files": ["a.go"]}`},
		&task.Task{ID: "text-dep", Status: task.StatusDone, Result: "plain notes"},
		&task.Task{ID: "empty-dep", Status: task.StatusDone},
	)
	ctx := context.Background()

	out, err := UpstreamResults(ctx, store, &task.Task{
		DependsOn: []string{"json-dep", "text-dep", "empty-dep"},
	})
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, map[string]any{"files": []any{"a.go"}}, out["json-dep"])
	assert.Equal(t, "plain notes", out["text-dep"])

	out, err = UpstreamResults(ctx, store, &task.Task{})
	require.NoError(t, err)
	assert.Nil(t, out)
}

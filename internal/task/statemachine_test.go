package task

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domainerr "openskelo/internal/errors"
)

func newTestTask() *Task {
	now := time.Now().UTC()
	return &Task{
		ID:          "01TEST0000000000000000TASK",
		Type:        "coding",
		Status:      StatusPending,
		Summary:     "do the thing",
		Prompt:      "do it",
		Backend:     "claude",
		MaxAttempts: DefaultMaxAttempts,
		MaxBounces:  DefaultMaxBounces,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func claimContext() TransitionContext {
	expires := time.Now().Add(time.Minute)
	return TransitionContext{LeaseOwner: "worker-1", LeaseExpiresAt: &expires}
}

func TestCanTransitionTable(t *testing.T) {
	tests := []struct {
		from, to Status
		ok       bool
	}{
		{StatusPending, StatusInProgress, true},
		{StatusPending, StatusBlocked, true},
		{StatusPending, StatusDone, false},
		{StatusInProgress, StatusReview, true},
		{StatusInProgress, StatusPending, true},
		{StatusInProgress, StatusBlocked, true},
		{StatusInProgress, StatusDone, false},
		{StatusReview, StatusDone, true},
		{StatusReview, StatusPending, true},
		{StatusReview, StatusBlocked, true},
		{StatusReview, StatusInProgress, false},
		{StatusBlocked, StatusPending, true},
		{StatusBlocked, StatusInProgress, false},
		{StatusDone, StatusPending, false},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.ok, CanTransition(tc.from, tc.to), "%s -> %s", tc.from, tc.to)
	}
}

func TestClaimRequiresLease(t *testing.T) {
	tk := newTestTask()
	err := ApplyTransition(tk, StatusInProgress, TransitionContext{}, time.Now())
	require.Error(t, err)
	assert.True(t, domainerr.IsTransition(err))
	assert.Equal(t, StatusPending, tk.Status)
}

func TestClaimSetsLeaseAndCountsAttempt(t *testing.T) {
	tk := newTestTask()
	require.NoError(t, ApplyTransition(tk, StatusInProgress, claimContext(), time.Now()))
	assert.Equal(t, StatusInProgress, tk.Status)
	assert.Equal(t, "worker-1", tk.LeaseOwner)
	require.NotNil(t, tk.LeaseExpiresAt)
	assert.Equal(t, 1, tk.AttemptCount)
}

func TestClaimRejectedWhenAttemptBudgetSpent(t *testing.T) {
	tk := newTestTask()
	tk.AttemptCount = tk.MaxAttempts
	err := ApplyTransition(tk, StatusInProgress, claimContext(), time.Now())
	require.Error(t, err)
	assert.True(t, domainerr.IsTransition(err))
}

func TestCompleteRequiresResultAndClearsLease(t *testing.T) {
	tk := newTestTask()
	require.NoError(t, ApplyTransition(tk, StatusInProgress, claimContext(), time.Now()))

	err := ApplyTransition(tk, StatusReview, TransitionContext{}, time.Now())
	require.Error(t, err)

	result := "all done"
	require.NoError(t, ApplyTransition(tk, StatusReview, TransitionContext{Result: &result}, time.Now()))
	assert.Equal(t, StatusReview, tk.Status)
	assert.Equal(t, "all done", tk.Result)
	assert.Empty(t, tk.LeaseOwner)
	assert.Nil(t, tk.LeaseExpiresAt)
}

func TestReleaseKeepsAttemptCountAndRecordsError(t *testing.T) {
	tk := newTestTask()
	require.NoError(t, ApplyTransition(tk, StatusInProgress, claimContext(), time.Now()))

	msg := "boom"
	require.NoError(t, ApplyTransition(tk, StatusPending, TransitionContext{LastError: &msg}, time.Now()))
	assert.Equal(t, StatusPending, tk.Status)
	assert.Equal(t, 1, tk.AttemptCount)
	assert.Equal(t, "boom", tk.LastError)
	assert.Empty(t, tk.LeaseOwner)
}

func TestReleasePastBudgetBlocks(t *testing.T) {
	tk := newTestTask()
	tk.MaxAttempts = 1
	require.NoError(t, ApplyTransition(tk, StatusInProgress, claimContext(), time.Now()))
	require.NoError(t, ApplyTransition(tk, StatusPending, TransitionContext{}, time.Now()))
	assert.Equal(t, StatusBlocked, tk.Status)
	assert.Contains(t, tk.LastError, "attempt budget")
}

func TestBounceAppendsFeedbackAndCounts(t *testing.T) {
	tk := newTestTask()
	tk.Status = StatusReview

	err := ApplyTransition(tk, StatusPending, TransitionContext{}, time.Now())
	require.Error(t, err, "bounce without feedback must fail")

	fb := Feedback{What: "missing tests", Where: "store.go", Fix: "add them"}
	require.NoError(t, ApplyTransition(tk, StatusPending, TransitionContext{Feedback: &fb}, time.Now()))
	assert.Equal(t, StatusPending, tk.Status)
	assert.Equal(t, 1, tk.BounceCount)
	require.Len(t, tk.FeedbackHistory, 1)
	assert.Equal(t, "missing tests", tk.FeedbackHistory[0].What)
}

func TestBouncePastBudgetBlocks(t *testing.T) {
	tk := newTestTask()
	tk.Status = StatusReview
	tk.BounceCount = tk.MaxBounces

	fb := Feedback{What: "still wrong", Fix: "redo"}
	require.NoError(t, ApplyTransition(tk, StatusPending, TransitionContext{Feedback: &fb}, time.Now()))
	assert.Equal(t, StatusBlocked, tk.Status)
	assert.Equal(t, tk.MaxBounces, tk.BounceCount, "counter must not exceed its budget")
	assert.Len(t, tk.FeedbackHistory, 1)
}

func TestWatchdogBlockRecordsReason(t *testing.T) {
	tk := newTestTask()
	require.NoError(t, ApplyTransition(tk, StatusInProgress, claimContext(), time.Now()))
	require.NoError(t, ApplyTransition(tk, StatusBlocked, TransitionContext{Reason: "lease expired"}, time.Now()))
	assert.Equal(t, StatusBlocked, tk.Status)
	assert.Equal(t, "lease expired", tk.LastError)
	assert.Empty(t, tk.LeaseOwner)
}

func TestBlockedRequeue(t *testing.T) {
	tk := newTestTask()
	tk.Status = StatusBlocked
	require.NoError(t, ApplyTransition(tk, StatusPending, TransitionContext{}, time.Now()))
	assert.Equal(t, StatusPending, tk.Status)
}

func TestDoneIsTerminal(t *testing.T) {
	tk := newTestTask()
	tk.Status = StatusDone
	for _, to := range AllStatuses {
		err := ApplyTransition(tk, to, claimContext(), time.Now())
		require.Error(t, err, "DONE -> %s must fail", to)
	}
}

func TestAuditMetadataDropsLargeFields(t *testing.T) {
	result := "a very large result body"
	fb := Feedback{What: "w", Where: "x", Fix: "f"}
	tc := TransitionContext{Result: &result, Feedback: &fb, Reason: "r"}
	meta := tc.AuditMetadata()
	assert.NotContains(t, meta, "result")
	assert.Equal(t, "r", meta["reason"])
	assert.NotNil(t, meta["feedback"])
}

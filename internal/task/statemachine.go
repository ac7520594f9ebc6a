package task

import (
	"time"

	domainerr "openskelo/internal/errors"
)

// allowedTransitions is the closed set of legal status edges. Everything
// else is a TransitionError.
var allowedTransitions = map[Status][]Status{
	StatusPending:    {StatusInProgress, StatusBlocked},
	StatusInProgress: {StatusReview, StatusPending, StatusBlocked},
	StatusReview:     {StatusDone, StatusPending, StatusBlocked},
	StatusBlocked:    {StatusPending},
	StatusDone:       {},
}

// CanTransition reports whether from -> to is in the permitted set.
func CanTransition(from, to Status) bool {
	for _, candidate := range allowedTransitions[from] {
		if candidate == to {
			return true
		}
	}
	return false
}

func transitionErr(from, to Status, reason string) error {
	return &domainerr.TransitionError{From: string(from), To: string(to), Reason: reason}
}

// ApplyTransition validates the edge and mutates t in memory with its side
// effects: lease fields, counters, feedback history, result. The store
// persists the mutated row and the audit entry in one transaction.
//
// Budget enforcement happens here: a bounce past max_bounces and a release
// past max_attempts both land in BLOCKED instead of PENDING, so the
// counters never exceed their budgets on a committed row.
func ApplyTransition(t *Task, to Status, tc TransitionContext, now time.Time) error {
	from := t.Status
	if !to.Valid() {
		return transitionErr(from, to, "unknown target status")
	}
	if !CanTransition(from, to) {
		return transitionErr(from, to, "transition not permitted")
	}

	switch {
	case from == StatusPending && to == StatusInProgress:
		if tc.LeaseOwner == "" || tc.LeaseExpiresAt == nil {
			return transitionErr(from, to, "lease_owner and lease_expires_at required")
		}
		if t.AttemptCount >= t.MaxAttempts {
			return transitionErr(from, to, "attempt budget exhausted")
		}
		t.Status = StatusInProgress
		t.LeaseOwner = tc.LeaseOwner
		expires := *tc.LeaseExpiresAt
		t.LeaseExpiresAt = &expires
		t.AttemptCount++

	case from == StatusInProgress && to == StatusReview:
		if tc.Result == nil {
			return transitionErr(from, to, "result required")
		}
		t.Status = StatusReview
		t.Result = *tc.Result
		clearLease(t)

	case from == StatusInProgress && to == StatusPending:
		// Release. The attempt was already counted at claim time; a
		// release with no budget left becomes a block.
		clearLease(t)
		if tc.LastError != nil {
			t.LastError = *tc.LastError
		}
		if t.AttemptCount >= t.MaxAttempts {
			t.Status = StatusBlocked
			if t.LastError == "" {
				t.LastError = "attempt budget exhausted"
			}
		} else {
			t.Status = StatusPending
		}

	case from == StatusInProgress && to == StatusBlocked:
		t.Status = StatusBlocked
		clearLease(t)
		if tc.Reason != "" {
			t.LastError = tc.Reason
		} else if tc.LastError != nil {
			t.LastError = *tc.LastError
		}

	case from == StatusReview && to == StatusDone:
		t.Status = StatusDone

	case from == StatusReview && to == StatusPending:
		// Bounce.
		if tc.Feedback == nil {
			return transitionErr(from, to, "feedback {what, where, fix} required")
		}
		t.FeedbackHistory = append(t.FeedbackHistory, *tc.Feedback)
		if t.BounceCount >= t.MaxBounces {
			t.Status = StatusBlocked
			t.LastError = "bounce budget exhausted"
		} else {
			t.BounceCount++
			t.Status = StatusPending
		}

	case to == StatusBlocked: // REVIEW/PENDING manual block
		t.Status = StatusBlocked
		if tc.Reason != "" {
			t.LastError = tc.Reason
		}

	case from == StatusBlocked && to == StatusPending:
		t.Status = StatusPending

	default:
		return transitionErr(from, to, "transition not permitted")
	}

	t.UpdatedAt = now.UTC()
	return nil
}

func clearLease(t *Task) {
	t.LeaseOwner = ""
	t.LeaseExpiresAt = nil
}

// AuditMetadata renders a transition context into the audit entry payload,
// dropping large fields (result bodies).
func (tc TransitionContext) AuditMetadata() map[string]any {
	meta := map[string]any{}
	if tc.LeaseOwner != "" {
		meta["lease_owner"] = tc.LeaseOwner
	}
	if tc.LeaseExpiresAt != nil {
		meta["lease_expires_at"] = tc.LeaseExpiresAt.UTC().Format(time.RFC3339Nano)
	}
	if tc.LastError != nil {
		meta["last_error"] = *tc.LastError
	}
	if tc.Reason != "" {
		meta["reason"] = tc.Reason
	}
	if tc.Feedback != nil {
		meta["feedback"] = map[string]any{
			"what":  tc.Feedback.What,
			"where": tc.Feedback.Where,
			"fix":   tc.Feedback.Fix,
		}
	}
	if len(meta) == 0 {
		return nil
	}
	return meta
}

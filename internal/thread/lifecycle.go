package thread

import (
	"fmt"
	"strings"
	"time"

	"github.com/mattjoyce/threadstream/internal/store"
)

// Policy controls time-based rotation.
type Policy struct {
	// RotateAfter is how long a completed thread stays idle before it is
	// archived and replaced.
	RotateAfter time.Duration
	// RotateFailed makes idle FAILED threads eligible for rotation too.
	RotateFailed bool
}

// DefaultPolicy rotates after 30 minutes and leaves FAILED threads alone.
func DefaultPolicy() Policy {
	return Policy{RotateAfter: 30 * time.Minute}
}

// ParseOutcome maps a completion status to SUCCESS or FAILED. Input is
// case-insensitive and an empty value means SUCCESS.
func ParseOutcome(status string) (store.ThreadStatus, error) {
	switch strings.ToUpper(strings.TrimSpace(status)) {
	case "", "SUCCESS", "SUCCEEDED", "OK":
		return store.ThreadStatusSuccess, nil
	case "FAILED", "FAILURE", "ERROR":
		return store.ThreadStatusFailed, nil
	default:
		return "", NewValidationError("status", fmt.Sprintf("must be SUCCESS or FAILED (got %q)", status))
	}
}

// Complete closes an active thread with outcome. SUCCESS archives the thread
// immediately and stamps archivedAt; closedAt is always stamped.
func Complete(t store.Thread, outcome store.ThreadStatus, now time.Time) (store.Thread, error) {
	if !t.Status.Active() {
		return t, fmt.Errorf("complete %s thread: %w", t.Status, ErrThreadClosed)
	}
	if outcome != store.ThreadStatusSuccess && outcome != store.ThreadStatusFailed {
		return t, NewValidationError("status", fmt.Sprintf("unsupported outcome %q", outcome))
	}

	next := t
	next.Status = outcome
	next.UpdatedAt = now
	next.ClosedAt = &now
	if outcome == store.ThreadStatusSuccess {
		next.ArchivedAt = &now
	}
	return next, nil
}

// RotationDue reports whether t should be archived and replaced at now.
// Eligible threads are archived (SUCCESS) or, when the policy allows it,
// FAILED, and have been idle for longer than RotateAfter. ARCHIVED threads
// have already been rotated and are never due again.
func RotationDue(t store.Thread, p Policy, now time.Time) bool {
	switch {
	case t.Status == store.ThreadStatusArchived:
		return false
	case t.Archived():
	case t.Status == store.ThreadStatusFailed && p.RotateFailed:
	default:
		return false
	}
	return now.Sub(t.UpdatedAt) > p.RotateAfter
}

// Archive returns t moved to ARCHIVED. A thread that was not archived yet
// also gets archivedAt, closedAt and updatedAt stamped; an archived one only
// changes status, plus archivedAt when a stored row lacks it.
func Archive(t store.Thread, now time.Time) store.Thread {
	next := t
	if !t.Archived() {
		next.ArchivedAt = &now
		next.ClosedAt = &now
		next.UpdatedAt = now
	} else if next.ArchivedAt == nil {
		next.ArchivedAt = &now
	}
	next.Status = store.ThreadStatusArchived
	return next
}

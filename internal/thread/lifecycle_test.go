package thread

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/threadstream/internal/store"
)

func TestParseOutcome(t *testing.T) {
	cases := map[string]store.ThreadStatus{
		"":        store.ThreadStatusSuccess,
		"success": store.ThreadStatusSuccess,
		"Success": store.ThreadStatusSuccess,
		"FAILED":  store.ThreadStatusFailed,
		"failed":  store.ThreadStatusFailed,
	}
	for in, want := range cases {
		got, err := ParseOutcome(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseOutcome("maybe")
	assert.True(t, IsValidationError(err))
}

func TestCompleteSuccessArchives(t *testing.T) {
	now := time.Now().UTC()
	th := store.Thread{ID: "t", Status: store.ThreadStatusInProgress, UpdatedAt: now.Add(-time.Minute)}

	next, err := Complete(th, store.ThreadStatusSuccess, now)
	require.NoError(t, err)
	assert.Equal(t, store.ThreadStatusSuccess, next.Status)
	assert.True(t, next.Archived())
	require.NotNil(t, next.ArchivedAt)
	require.NotNil(t, next.ClosedAt)
	assert.Equal(t, now, *next.ClosedAt)
}

func TestCompleteFailedStaysUnarchived(t *testing.T) {
	now := time.Now().UTC()
	th := store.Thread{ID: "t", Status: store.ThreadStatusNew}

	next, err := Complete(th, store.ThreadStatusFailed, now)
	require.NoError(t, err)
	assert.False(t, next.Archived())
	assert.Nil(t, next.ArchivedAt)
	assert.NotNil(t, next.ClosedAt)
}

func TestCompleteRejectsTerminal(t *testing.T) {
	for _, st := range []store.ThreadStatus{store.ThreadStatusSuccess, store.ThreadStatusFailed, store.ThreadStatusArchived} {
		_, err := Complete(store.Thread{Status: st}, store.ThreadStatusSuccess, time.Now())
		assert.ErrorIs(t, err, ErrThreadClosed, st)
	}
}

func TestRotationDue(t *testing.T) {
	now := time.Now().UTC()
	policy := Policy{RotateAfter: 30 * time.Minute}
	stale := now.Add(-31 * time.Minute)
	fresh := now.Add(-29 * time.Minute)

	assert.True(t, RotationDue(store.Thread{Status: store.ThreadStatusSuccess, UpdatedAt: stale}, policy, now))
	assert.False(t, RotationDue(store.Thread{Status: store.ThreadStatusSuccess, UpdatedAt: fresh}, policy, now))
	assert.False(t, RotationDue(store.Thread{Status: store.ThreadStatusArchived, UpdatedAt: stale}, policy, now))
	assert.False(t, RotationDue(store.Thread{Status: store.ThreadStatusInProgress, UpdatedAt: stale}, policy, now))
	assert.False(t, RotationDue(store.Thread{Status: store.ThreadStatusFailed, UpdatedAt: stale}, policy, now))

	policy.RotateFailed = true
	assert.True(t, RotationDue(store.Thread{Status: store.ThreadStatusFailed, UpdatedAt: stale}, policy, now))
}

func TestArchivePaths(t *testing.T) {
	now := time.Now().UTC()
	earlier := now.Add(-time.Hour)

	succeeded := store.Thread{Status: store.ThreadStatusSuccess, UpdatedAt: earlier, ArchivedAt: &earlier, ClosedAt: &earlier}
	next := Archive(succeeded, now)
	assert.Equal(t, store.ThreadStatusArchived, next.Status)
	assert.Equal(t, earlier, *next.ArchivedAt, "archived thread keeps its archivedAt")
	assert.Equal(t, earlier, *next.ClosedAt)
	assert.Equal(t, earlier, next.UpdatedAt, "archived thread only changes status")

	failed := store.Thread{Status: store.ThreadStatusFailed, UpdatedAt: earlier, ClosedAt: &earlier}
	next = Archive(failed, now)
	assert.Equal(t, store.ThreadStatusArchived, next.Status)
	assert.Equal(t, now, *next.ArchivedAt)
	assert.Equal(t, now, *next.ClosedAt)
	assert.Equal(t, now, next.UpdatedAt)
}

package jobstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/planforge/plangen/database"
	"github.com/planforge/plangen/logger"
	"github.com/planforge/plangen/types"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	log := logger.NewZapWrapper(zap.NewNop())

	db, err := database.NewMemoryDB(log, &types.DatabaseConfig{Enabled: true, Type: "memory"})
	require.NoError(t, err)
	require.NoError(t, db.Start())
	t.Cleanup(func() { _ = db.Stop() })

	store := NewStore(nil, log, db)
	require.NoError(t, store.Start())
	t.Cleanup(func() { _ = store.Stop() })

	return store
}

func newJob(userID, fingerprint string) *types.Job {
	return &types.Job{
		UserID:      userID,
		Fingerprint: fingerprint,
		Domain:      types.DomainDiet,
		Params:      types.GenerationParams{CalorieTarget: 2000, DaysCount: 7},
	}
}

func intPtr(v int) *int              { return &v }
func strPtr(v string) *string        { return &v }
func timePtr(v time.Time) *time.Time { return &v }

func TestCreateAndGet(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	id, err := store.Create(ctx, newJob("user-1", "fp-1"))
	require.NoError(t, err)
	require.NotEmpty(t, id)

	job, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusPending, job.Status)
	assert.Equal(t, "user-1", job.UserID)
	assert.Equal(t, "fp-1", job.Fingerprint)
	assert.Equal(t, 2000, job.Params.CalorieTarget)
	assert.False(t, job.CreatedAt.IsZero())
}

func TestGet_NotFound(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, types.ErrJobNotFound)
}

func TestUpdateStatus_FullLifecycle(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	id, err := store.Create(ctx, newJob("user-1", "fp-1"))
	require.NoError(t, err)

	now := time.Now()
	require.NoError(t, store.UpdateStatus(ctx, id, types.JobUpdate{
		Status:    types.JobStatusProcessing,
		Attempts:  intPtr(1),
		StartedAt: timePtr(now),
	}))

	require.NoError(t, store.UpdateStatus(ctx, id, types.JobUpdate{
		Status:      types.JobStatusCompleted,
		CompletedAt: timePtr(now.Add(time.Second)),
		ResultRef:   strPtr("fp-1"),
	}))

	job, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusCompleted, job.Status)
	assert.Equal(t, 1, job.Attempts)
	assert.Equal(t, "fp-1", job.ResultRef)
	require.NotNil(t, job.StartedAt)
	require.NotNil(t, job.CompletedAt)
}

func TestUpdateStatus_TerminalAbsorbs(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	id, err := store.Create(ctx, newJob("user-1", "fp-1"))
	require.NoError(t, err)

	require.NoError(t, store.UpdateStatus(ctx, id, types.JobUpdate{Status: types.JobStatusProcessing, Attempts: intPtr(1)}))
	require.NoError(t, store.UpdateStatus(ctx, id, types.JobUpdate{
		Status:       types.JobStatusFailed,
		ErrorCode:    strPtr("generation_failed"),
		ErrorMessage: strPtr("upstream timeout"),
	}))

	err = store.UpdateStatus(ctx, id, types.JobUpdate{Status: types.JobStatusProcessing})
	assert.ErrorIs(t, err, types.ErrJobTerminal)

	job, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusFailed, job.Status)
	assert.Equal(t, "generation_failed", job.ErrorCode)
}

func TestUpdateStatus_InvalidTransitions(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	id, err := store.Create(ctx, newJob("user-1", "fp-1"))
	require.NoError(t, err)

	// pending may only move to processing
	err = store.UpdateStatus(ctx, id, types.JobUpdate{Status: types.JobStatusCompleted})
	assert.ErrorIs(t, err, types.ErrJobStatusInvalid)

	err = store.UpdateStatus(ctx, id, types.JobUpdate{Status: types.JobStatusFailed})
	assert.ErrorIs(t, err, types.ErrJobStatusInvalid)
}

func TestUpdateStatus_AttemptsMonotonic(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	id, err := store.Create(ctx, newJob("user-1", "fp-1"))
	require.NoError(t, err)

	require.NoError(t, store.UpdateStatus(ctx, id, types.JobUpdate{Status: types.JobStatusProcessing, Attempts: intPtr(2)}))

	err = store.UpdateStatus(ctx, id, types.JobUpdate{Status: types.JobStatusPending, Attempts: intPtr(1)})
	assert.ErrorIs(t, err, types.ErrJobStatusInvalid)
}

func TestUpdateStatus_RetryRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	id, err := store.Create(ctx, newJob("user-1", "fp-1"))
	require.NoError(t, err)

	// recoverable failure path: processing back to pending with attempts kept
	require.NoError(t, store.UpdateStatus(ctx, id, types.JobUpdate{Status: types.JobStatusProcessing, Attempts: intPtr(1)}))
	require.NoError(t, store.UpdateStatus(ctx, id, types.JobUpdate{
		Status:       types.JobStatusPending,
		ErrorCode:    strPtr("generation_failed"),
		ErrorMessage: strPtr("transient upstream error"),
	}))

	job, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusPending, job.Status)
	assert.Equal(t, 1, job.Attempts)

	// and the job is claimable again
	require.NoError(t, store.UpdateStatus(ctx, id, types.JobUpdate{Status: types.JobStatusProcessing, Attempts: intPtr(2)}))
}

func TestListPending_OldestFirst(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	first := newJob("user-1", "fp-1")
	first.CreatedAt = time.Now().Add(-3 * time.Hour)
	second := newJob("user-1", "fp-2")
	second.CreatedAt = time.Now().Add(-2 * time.Hour)
	third := newJob("user-2", "fp-3")
	third.CreatedAt = time.Now().Add(-1 * time.Hour)

	// insert out of order
	_, err := store.Create(ctx, second)
	require.NoError(t, err)
	_, err = store.Create(ctx, third)
	require.NoError(t, err)
	_, err = store.Create(ctx, first)
	require.NoError(t, err)

	jobs, err := store.ListPending(ctx, 2)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, "fp-1", jobs[0].Fingerprint)
	assert.Equal(t, "fp-2", jobs[1].Fingerprint)
}

func TestListPending_ExcludesNonPending(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	id, err := store.Create(ctx, newJob("user-1", "fp-1"))
	require.NoError(t, err)
	_, err = store.Create(ctx, newJob("user-1", "fp-2"))
	require.NoError(t, err)

	require.NoError(t, store.UpdateStatus(ctx, id, types.JobUpdate{Status: types.JobStatusProcessing, Attempts: intPtr(1)}))

	jobs, err := store.ListPending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "fp-2", jobs[0].Fingerprint)
}

func TestListByUser(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.Create(ctx, newJob("user-1", "fp-1"))
	require.NoError(t, err)
	_, err = store.Create(ctx, newJob("user-2", "fp-2"))
	require.NoError(t, err)
	_, err = store.Create(ctx, newJob("user-1", "fp-3"))
	require.NoError(t, err)

	jobs, err := store.ListByUser(ctx, "user-1", 10)
	require.NoError(t, err)
	assert.Len(t, jobs, 2)
	for _, job := range jobs {
		assert.Equal(t, "user-1", job.UserID)
	}

	_, err = store.ListByUser(ctx, "", 10)
	assert.ErrorIs(t, err, types.ErrIdentityRequired)
}

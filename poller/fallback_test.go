package poller

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/planforge/plangen/cache"
	"github.com/planforge/plangen/database"
	"github.com/planforge/plangen/generation"
	"github.com/planforge/plangen/jobstore"
	"github.com/planforge/plangen/logger"
	"github.com/planforge/plangen/types"
)

type recordingProcessor struct {
	err  error
	msgs []*types.JobMessage
}

func (p *recordingProcessor) Process(_ context.Context, msg *types.JobMessage, source types.ProcessSource) error {
	if source != types.SourcePoll {
		return errors.New("unexpected source")
	}
	p.msgs = append(p.msgs, msg)
	return p.err
}

func newTestJobs(t *testing.T) types.JobStore {
	t.Helper()
	log := logger.NewZapWrapper(zap.NewNop())

	db, err := database.NewMemoryDB(log, &types.DatabaseConfig{Enabled: true, Type: "memory"})
	require.NoError(t, err)
	require.NoError(t, db.Start())
	t.Cleanup(func() { _ = db.Stop() })

	jobs := jobstore.NewStore(nil, log, db)
	require.NoError(t, jobs.Start())
	t.Cleanup(func() { _ = jobs.Stop() })
	return jobs
}

func createPending(t *testing.T, jobs types.JobStore, fingerprint string, createdAt time.Time) string {
	t.Helper()
	id, err := jobs.Create(context.Background(), &types.Job{
		UserID:      "user-1",
		Fingerprint: fingerprint,
		Domain:      types.DomainDiet,
		CreatedAt:   createdAt,
	})
	require.NoError(t, err)
	return id
}

func TestTick_ProcessesOldestFirst(t *testing.T) {
	jobs := newTestJobs(t)
	processor := &recordingProcessor{}

	now := time.Now().UTC()
	createPending(t, jobs, "fp-new", now)
	oldID := createPending(t, jobs, "fp-old", now.Add(-time.Hour))

	fallback := NewFallback(&types.PollerConfig{BatchSize: 1}, nil,
		logger.NewZapWrapper(zap.NewNop()), nil, jobs, processor)
	fallback.Tick()

	require.Len(t, processor.msgs, 1)
	assert.Equal(t, oldID, processor.msgs[0].JobID)
	assert.Equal(t, "fp-old", processor.msgs[0].Fingerprint)
}

func TestTick_BatchBounded(t *testing.T) {
	jobs := newTestJobs(t)
	processor := &recordingProcessor{}

	now := time.Now().UTC()
	for i := 0; i < 5; i++ {
		createPending(t, jobs, "fp", now.Add(time.Duration(i)*time.Second))
	}

	fallback := NewFallback(&types.PollerConfig{BatchSize: 3}, nil,
		logger.NewZapWrapper(zap.NewNop()), nil, jobs, processor)
	fallback.Tick()

	assert.Len(t, processor.msgs, 3)
}

func TestTick_EmptyBacklogNoProcessing(t *testing.T) {
	jobs := newTestJobs(t)
	processor := &recordingProcessor{}

	fallback := NewFallback(nil, nil, logger.NewZapWrapper(zap.NewNop()), nil, jobs, processor)
	fallback.Tick()

	assert.Empty(t, processor.msgs)
}

func TestTick_RetryDelayHoldsBackRecentFailure(t *testing.T) {
	jobs := newTestJobs(t)
	processor := &recordingProcessor{}
	ctx := context.Background()

	id := createPending(t, jobs, "fp-1", time.Now().UTC().Add(-time.Hour))

	// simulate a failed attempt moments ago
	attempts := 1
	started := time.Now().UTC()
	require.NoError(t, jobs.UpdateStatus(ctx, id, types.JobUpdate{
		Status:    types.JobStatusProcessing,
		Attempts:  &attempts,
		StartedAt: &started,
	}))
	require.NoError(t, jobs.UpdateStatus(ctx, id, types.JobUpdate{
		Status: types.JobStatusPending,
	}))

	fallback := NewFallback(nil, &types.JobsConfig{RetryDelay: time.Minute},
		logger.NewZapWrapper(zap.NewNop()), nil, jobs, processor)
	fallback.Tick()

	assert.Empty(t, processor.msgs)
}

func TestNewFallback_BatchClamped(t *testing.T) {
	fallback := NewFallback(&types.PollerConfig{BatchSize: 100}, nil,
		logger.NewZapWrapper(zap.NewNop()), nil, nil, nil)
	assert.Equal(t, MaxBatch, fallback.batch)
}

type silentGenerator struct {
	t *testing.T
}

func (g *silentGenerator) Generate(context.Context, types.Domain, types.GenerationParams) (json.RawMessage, *types.UsageMetadata, error) {
	g.t.Fatal("generator must not be called when the result is already cached")
	return nil, nil, nil
}

// A follower's un-enqueued job is settled by the tick from the entry the
// leader published; no second generation happens.
func TestTick_SettlesPendingJobFromPublishedResult(t *testing.T) {
	log := logger.NewZapWrapper(zap.NewNop())
	ctx := context.Background()

	db, err := database.NewMemoryDB(log, &types.DatabaseConfig{Enabled: true, Type: "memory"})
	require.NoError(t, err)
	require.NoError(t, db.Start())
	t.Cleanup(func() { _ = db.Stop() })

	planCache := cache.NewTieredCache(log, nil, nil, cache.NewDurableTier(log, db), 0)
	require.NoError(t, planCache.Start())
	t.Cleanup(func() { _ = planCache.Stop() })

	jobs := jobstore.NewStore(nil, log, db)
	require.NoError(t, jobs.Start())
	t.Cleanup(func() { _ = jobs.Stop() })

	id := createPending(t, jobs, "fp-1", time.Now().UTC().Add(-time.Minute))

	require.NoError(t, planCache.Put(ctx, &types.PlanEntry{
		Fingerprint: "fp-1",
		Domain:      types.DomainDiet,
		Payload:     json.RawMessage(`{"meals":[]}`),
		CreatedAt:   time.Now(),
	}))

	processor := generation.NewProcessor(nil, log, nil, jobs, planCache,
		&silentGenerator{t: t}, nil, nil)

	fallback := NewFallback(nil, nil, log, nil, jobs, processor)
	fallback.Tick()

	job, err := jobs.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusCompleted, job.Status)
	assert.Equal(t, "fp-1", job.ResultRef)
	assert.Equal(t, 0, job.Attempts)
}

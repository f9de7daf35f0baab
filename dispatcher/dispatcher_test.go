package dispatcher

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/planforge/plangen/cache"
	"github.com/planforge/plangen/database"
	"github.com/planforge/plangen/dedup"
	"github.com/planforge/plangen/fingerprint"
	"github.com/planforge/plangen/generation"
	"github.com/planforge/plangen/jobstore"
	"github.com/planforge/plangen/logger"
	"github.com/planforge/plangen/types"
)

type countingGenerator struct {
	calls int64
	delay time.Duration
}

func (g *countingGenerator) Generate(ctx context.Context, _ types.Domain, _ types.GenerationParams) (json.RawMessage, *types.UsageMetadata, error) {
	atomic.AddInt64(&g.calls, 1)
	if g.delay > 0 {
		select {
		case <-time.After(g.delay):
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		}
	}
	return json.RawMessage(`{"meals":[{"name":"lunch"}]}`), &types.UsageMetadata{Model: "planner-large"}, nil
}

type okValidator struct{}

func (okValidator) Validate(json.RawMessage, types.Domain, types.GenerationParams) types.ValidationResult {
	return types.ValidationResult{Valid: true}
}

type fixture struct {
	dispatcher  types.PlanDispatcher
	jobs        types.JobStore
	cache       types.PlanCache
	coordinator *dedup.Coordinator
	generator   *countingGenerator
}

func newFixture(t *testing.T, generator *countingGenerator) *fixture {
	t.Helper()
	log := logger.NewZapWrapper(zap.NewNop())

	db, err := database.NewMemoryDB(log, &types.DatabaseConfig{Enabled: true, Type: "memory"})
	require.NoError(t, err)
	require.NoError(t, db.Start())
	t.Cleanup(func() { _ = db.Stop() })

	planCache := cache.NewTieredCache(log, nil, nil, cache.NewDurableTier(log, db), 0)
	require.NoError(t, planCache.Start())
	t.Cleanup(func() { _ = planCache.Stop() })

	// the coordinator owns the lease store lifecycle
	leases := dedup.NewMemoryLeaseStore()

	coordinator := dedup.NewCoordinator(&types.DedupConfig{
		Enabled:     true,
		LeaseTTL:    time.Second,
		MaxWait:     2 * time.Second,
		PollInitial: 5 * time.Millisecond,
		PollMax:     20 * time.Millisecond,
	}, log, nil, leases, planCache)
	require.NoError(t, coordinator.Start())
	t.Cleanup(func() { _ = coordinator.Stop() })

	jobs := jobstore.NewStore(nil, log, db)
	require.NoError(t, jobs.Start())
	t.Cleanup(func() { _ = jobs.Stop() })

	processor := generation.NewProcessor(nil, log, nil, jobs, planCache, generator, okValidator{}, nil)

	disp := New(log, nil, fingerprint.NewBuilder(true), planCache, coordinator, jobs, nil, processor)

	return &fixture{
		dispatcher:  disp,
		jobs:        jobs,
		cache:       planCache,
		coordinator: coordinator,
		generator:   generator,
	}
}

func dietRequest(userID string, mode types.RequestMode) *types.GenerateRequest {
	return &types.GenerateRequest{
		Domain: types.DomainDiet,
		Params: types.GenerationParams{CalorieTarget: 2000, MealsPerDay: 3},
		Mode:   mode,
		UserID: userID,
	}
}

func TestGenerateOrFetch_SyncMissGeneratesInline(t *testing.T) {
	f := newFixture(t, &countingGenerator{})
	ctx := context.Background()

	resp, err := f.dispatcher.GenerateOrFetch(ctx, dietRequest("user-1", types.ModeSync))
	require.NoError(t, err)
	require.NotNil(t, resp.Result)
	assert.Empty(t, resp.JobID)

	assert.False(t, resp.Result.Meta.CacheHit)
	assert.False(t, resp.Result.Meta.Deduplicated)
	assert.NotEmpty(t, resp.Result.Meta.Fingerprint)
	assert.Equal(t, "planner-large", resp.Result.Metadata.ModelUsed)
	assert.EqualValues(t, 1, atomic.LoadInt64(&f.generator.calls))
}

func TestGenerateOrFetch_SecondCallServedFromCache(t *testing.T) {
	f := newFixture(t, &countingGenerator{})
	ctx := context.Background()

	_, err := f.dispatcher.GenerateOrFetch(ctx, dietRequest("user-1", types.ModeSync))
	require.NoError(t, err)

	resp, err := f.dispatcher.GenerateOrFetch(ctx, dietRequest("user-1", types.ModeSync))
	require.NoError(t, err)
	require.NotNil(t, resp.Result)

	assert.True(t, resp.Result.Meta.CacheHit)
	assert.Equal(t, types.Tier2, resp.Result.Meta.Tier)
	assert.EqualValues(t, 1, atomic.LoadInt64(&f.generator.calls))
}

func TestGenerateOrFetch_DifferentUsersGenerateSeparately(t *testing.T) {
	f := newFixture(t, &countingGenerator{})
	ctx := context.Background()

	_, err := f.dispatcher.GenerateOrFetch(ctx, dietRequest("user-1", types.ModeSync))
	require.NoError(t, err)
	_, err = f.dispatcher.GenerateOrFetch(ctx, dietRequest("user-2", types.ModeSync))
	require.NoError(t, err)

	assert.EqualValues(t, 2, atomic.LoadInt64(&f.generator.calls))
}

func TestGenerateOrFetch_ConcurrentSyncCallersSingleGeneration(t *testing.T) {
	f := newFixture(t, &countingGenerator{delay: 50 * time.Millisecond})
	ctx := context.Background()

	const callers = 10
	results := make(chan *types.GenerateResponse, callers)
	errs := make(chan error, callers)

	for i := 0; i < callers; i++ {
		go func() {
			resp, err := f.dispatcher.GenerateOrFetch(ctx, dietRequest("user-1", types.ModeSync))
			results <- resp
			errs <- err
		}()
	}

	deduplicated := 0
	for i := 0; i < callers; i++ {
		require.NoError(t, <-errs)
		resp := <-results
		require.NotNil(t, resp.Result)
		if resp.Result.Meta.Deduplicated || resp.Result.Meta.CacheHit {
			deduplicated++
		}
	}

	assert.EqualValues(t, 1, atomic.LoadInt64(&f.generator.calls))
	assert.Equal(t, callers-1, deduplicated)
}

func TestGenerateOrFetch_AsyncReturnsJobHandle(t *testing.T) {
	f := newFixture(t, &countingGenerator{})
	ctx := context.Background()

	resp, err := f.dispatcher.GenerateOrFetch(ctx, dietRequest("user-1", types.ModeAsync))
	require.NoError(t, err)

	assert.Nil(t, resp.Result)
	assert.NotEmpty(t, resp.JobID)
	assert.Equal(t, types.JobStatusPending, resp.Status)

	job, err := f.jobs.Get(ctx, resp.JobID)
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusPending, job.Status)
	assert.EqualValues(t, 0, atomic.LoadInt64(&f.generator.calls))
}

func TestGenerateOrFetch_AsyncCacheHitReturnsInline(t *testing.T) {
	f := newFixture(t, &countingGenerator{})
	ctx := context.Background()

	_, err := f.dispatcher.GenerateOrFetch(ctx, dietRequest("user-1", types.ModeSync))
	require.NoError(t, err)

	resp, err := f.dispatcher.GenerateOrFetch(ctx, dietRequest("user-1", types.ModeAsync))
	require.NoError(t, err)

	require.NotNil(t, resp.Result)
	assert.Empty(t, resp.JobID)
	assert.True(t, resp.Result.Meta.CacheHit)
}

func TestGenerateOrFetch_InvalidRequest(t *testing.T) {
	f := newFixture(t, &countingGenerator{})
	ctx := context.Background()

	_, err := f.dispatcher.GenerateOrFetch(ctx, nil)
	assert.ErrorIs(t, err, types.ErrValidationFailed)

	_, err = f.dispatcher.GenerateOrFetch(ctx, &types.GenerateRequest{Domain: "yoga"})
	assert.ErrorIs(t, err, types.ErrDomainUnknown)

	req := dietRequest("user-1", types.RequestMode("batch"))
	_, err = f.dispatcher.GenerateOrFetch(ctx, req)
	assert.ErrorIs(t, err, types.ErrValidationFailed)
}

func TestGetJobStatus_NotFoundDistinctFromPending(t *testing.T) {
	f := newFixture(t, &countingGenerator{})
	ctx := context.Background()

	_, err := f.dispatcher.GetJobStatus(ctx, "no-such-job", "user-1")
	assert.ErrorIs(t, err, types.ErrJobNotFound)

	resp, err := f.dispatcher.GenerateOrFetch(ctx, dietRequest("user-1", types.ModeAsync))
	require.NoError(t, err)

	job, err := f.dispatcher.GetJobStatus(ctx, resp.JobID, "user-1")
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusPending, job.Status)
}

func TestGetJobStatus_ForeignJobForbidden(t *testing.T) {
	f := newFixture(t, &countingGenerator{})
	ctx := context.Background()

	resp, err := f.dispatcher.GenerateOrFetch(ctx, dietRequest("user-1", types.ModeAsync))
	require.NoError(t, err)

	_, err = f.dispatcher.GetJobStatus(ctx, resp.JobID, "user-2")
	assert.ErrorIs(t, err, types.ErrIdentityForbidden)
}

func TestListJobs_ScopedToUser(t *testing.T) {
	f := newFixture(t, &countingGenerator{})
	ctx := context.Background()

	_, err := f.dispatcher.GenerateOrFetch(ctx, dietRequest("user-1", types.ModeAsync))
	require.NoError(t, err)

	other := dietRequest("user-2", types.ModeAsync)
	other.Params.CalorieTarget = 1800
	_, err = f.dispatcher.GenerateOrFetch(ctx, other)
	require.NoError(t, err)

	jobs, err := f.dispatcher.ListJobs(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "user-1", jobs[0].UserID)
}

package generation

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/planforge/plangen/cache"
	"github.com/planforge/plangen/database"
	"github.com/planforge/plangen/jobstore"
	"github.com/planforge/plangen/logger"
	"github.com/planforge/plangen/types"
)

type fakeGenerator struct {
	calls    int
	failures int
	payload  json.RawMessage
}

func (g *fakeGenerator) Generate(_ context.Context, _ types.Domain, _ types.GenerationParams) (json.RawMessage, *types.UsageMetadata, error) {
	g.calls++
	if g.calls <= g.failures {
		return nil, nil, types.ErrGeneratorUnavailable
	}

	payload := g.payload
	if payload == nil {
		payload = json.RawMessage(`{"meals":[{"name":"breakfast"}]}`)
	}

	return payload, &types.UsageMetadata{
		Model:        "planner-large",
		TotalTokens:  900,
		CostEstimate: 0.01,
	}, nil
}

type fakeValidator struct {
	result types.ValidationResult
}

func (v *fakeValidator) Validate(_ json.RawMessage, _ types.Domain, _ types.GenerationParams) types.ValidationResult {
	return v.result
}

type harness struct {
	processor *Processor
	jobs      *jobstore.Store
	cache     types.PlanCache
	generator *fakeGenerator
}

func newHarness(t *testing.T, gen *fakeGenerator, validator types.PlanValidator, maxAttempts int) *harness {
	t.Helper()
	log := logger.NewZapWrapper(zap.NewNop())

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

	processor := NewProcessor(&types.JobsConfig{MaxAttempts: maxAttempts}, log, nil,
		jobs, planCache, gen, validator, nil)

	return &harness{processor: processor, jobs: jobs, cache: planCache, generator: gen}
}

func (h *harness) createJob(t *testing.T, fingerprint string) *types.JobMessage {
	t.Helper()

	job := &types.Job{
		UserID:      "user-1",
		Fingerprint: fingerprint,
		Domain:      types.DomainDiet,
		Params:      types.GenerationParams{CalorieTarget: 2000},
	}

	id, err := h.jobs.Create(context.Background(), job)
	require.NoError(t, err)

	return &types.JobMessage{
		JobID:       id,
		UserID:      job.UserID,
		Fingerprint: fingerprint,
		Domain:      job.Domain,
		Params:      job.Params,
	}
}

func TestProcess_Success(t *testing.T) {
	h := newHarness(t, &fakeGenerator{}, &fakeValidator{result: types.ValidationResult{Valid: true}}, 3)
	ctx := context.Background()

	msg := h.createJob(t, "fp-1")
	require.NoError(t, h.processor.Process(ctx, msg, types.SourceQueue))

	job, err := h.jobs.Get(ctx, msg.JobID)
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusCompleted, job.Status)
	assert.Equal(t, "fp-1", job.ResultRef)
	assert.Equal(t, 1, job.Attempts)
	require.NotNil(t, job.CompletedAt)

	entry, _, hit := h.cache.Get(ctx, "fp-1")
	require.True(t, hit)
	assert.Equal(t, "planner-large", entry.Metadata.ModelUsed)
	assert.Equal(t, 900, entry.Metadata.TokensUsed)
}

func TestProcess_RetryThenSuccess(t *testing.T) {
	h := newHarness(t, &fakeGenerator{failures: 1}, &fakeValidator{result: types.ValidationResult{Valid: true}}, 3)
	ctx := context.Background()

	msg := h.createJob(t, "fp-1")

	// first delivery fails recoverably, the job goes back to pending
	err := h.processor.Process(ctx, msg, types.SourceQueue)
	require.ErrorIs(t, err, types.ErrGenerationFailed)

	job, err := h.jobs.Get(ctx, msg.JobID)
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusPending, job.Status)
	assert.Equal(t, 1, job.Attempts)
	assert.Equal(t, ErrCodeGenerationFailed, job.ErrorCode)

	// the redelivery succeeds
	require.NoError(t, h.processor.Process(ctx, msg, types.SourceQueue))

	job, err = h.jobs.Get(ctx, msg.JobID)
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusCompleted, job.Status)
	assert.Equal(t, 2, job.Attempts)
}

func TestProcess_AttemptsExhausted(t *testing.T) {
	gen := &fakeGenerator{failures: 100}
	h := newHarness(t, gen, &fakeValidator{result: types.ValidationResult{Valid: true}}, 2)
	ctx := context.Background()

	msg := h.createJob(t, "fp-1")

	err := h.processor.Process(ctx, msg, types.SourceQueue)
	require.Error(t, err)

	// final attempt: terminal failure, message acknowledged (nil return)
	require.NoError(t, h.processor.Process(ctx, msg, types.SourceQueue))

	job, err := h.jobs.Get(ctx, msg.JobID)
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusFailed, job.Status)
	assert.Equal(t, 2, job.Attempts)
	assert.Equal(t, ErrCodeGenerationFailed, job.ErrorCode)
	assert.NotEmpty(t, job.ErrorMessage)

	// a late redelivery is dropped without touching the record
	require.NoError(t, h.processor.Process(ctx, msg, types.SourceQueue))
	assert.Equal(t, 2, gen.calls)
}

func TestProcess_ValidationFailureTerminal(t *testing.T) {
	gen := &fakeGenerator{}
	h := newHarness(t, gen, &fakeValidator{result: types.ValidationResult{
		Valid:  false,
		Errors: []types.ValidationIssue{{Field: "meals", Message: "contains listed allergen"}},
	}}, 3)
	ctx := context.Background()

	msg := h.createJob(t, "fp-1")

	// terminal on the first attempt, no retries for deterministic failures
	require.NoError(t, h.processor.Process(ctx, msg, types.SourceQueue))

	job, err := h.jobs.Get(ctx, msg.JobID)
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusFailed, job.Status)
	assert.Equal(t, ErrCodeValidationFailed, job.ErrorCode)
	assert.Contains(t, job.ErrorMessage, "allergen")
	assert.Equal(t, 1, gen.calls)

	_, _, hit := h.cache.Get(ctx, "fp-1")
	assert.False(t, hit)
}

func TestProcess_RedeliveryAfterCompletionIsIdempotent(t *testing.T) {
	gen := &fakeGenerator{}
	h := newHarness(t, gen, &fakeValidator{result: types.ValidationResult{Valid: true}}, 3)
	ctx := context.Background()

	msg := h.createJob(t, "fp-1")

	require.NoError(t, h.processor.Process(ctx, msg, types.SourceQueue))
	require.NoError(t, h.processor.Process(ctx, msg, types.SourceQueue))
	require.NoError(t, h.processor.Process(ctx, msg, types.SourcePoll))

	assert.Equal(t, 1, gen.calls)

	job, err := h.jobs.Get(ctx, msg.JobID)
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusCompleted, job.Status)
	assert.Equal(t, 1, job.Attempts)
}

func TestProcess_PublishedResultSettlesCrashedJob(t *testing.T) {
	gen := &fakeGenerator{}
	h := newHarness(t, gen, &fakeValidator{result: types.ValidationResult{Valid: true}}, 3)
	ctx := context.Background()

	msg := h.createJob(t, "fp-1")

	// a previous run published the entry but crashed before settling the job
	require.NoError(t, h.cache.Put(ctx, &types.PlanEntry{
		Fingerprint: "fp-1",
		Domain:      types.DomainDiet,
		Payload:     json.RawMessage(`{"meals":[]}`),
		CreatedAt:   time.Now(),
	}))

	require.NoError(t, h.processor.Process(ctx, msg, types.SourceQueue))

	job, err := h.jobs.Get(ctx, msg.JobID)
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusCompleted, job.Status)
	assert.Equal(t, "fp-1", job.ResultRef)
	assert.Equal(t, 0, gen.calls)
}

func TestProcess_UnknownJobDropped(t *testing.T) {
	h := newHarness(t, &fakeGenerator{}, &fakeValidator{result: types.ValidationResult{Valid: true}}, 3)

	err := h.processor.Process(context.Background(), &types.JobMessage{JobID: "missing"}, types.SourceQueue)
	assert.NoError(t, err)
}

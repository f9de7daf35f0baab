package dispatcher

import (
	"context"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/planforge/plangen/fingerprint"
	"github.com/planforge/plangen/types"
)

const DefaultListLimit = 50

// InlineGenerator is the synchronous leader path: generate, validate and
// publish to the cache without a job record.
type InlineGenerator interface {
	GenerateInline(ctx context.Context, fingerprint, userID string, domain types.Domain, params types.GenerationParams) (*types.PlanEntry, error)
}

// Dispatcher is the entry point of the plan subsystem. It probes the cache,
// collapses concurrent identical requests through the dedup coordinator and
// decides between inline generation and background jobs. The dispatcher holds
// no cross-request state, any number of instances can run side by side.
type Dispatcher struct {
	logger      types.Logger
	metrics     types.MetricsManager
	fingerprint *fingerprint.Builder
	cache       types.PlanCache
	dedup       types.DedupCoordinator
	jobs        types.JobStore
	queue       types.QueuePublisher
	inline      InlineGenerator
	validate    *validator.Validate
	listLimit   int
}

func New(logger types.Logger, metrics types.MetricsManager, builder *fingerprint.Builder,
	cache types.PlanCache, dedup types.DedupCoordinator, jobs types.JobStore,
	queue types.QueuePublisher, inline InlineGenerator) types.PlanDispatcher {
	return &Dispatcher{
		logger:      logger,
		metrics:     metrics,
		fingerprint: builder,
		cache:       cache,
		dedup:       dedup,
		jobs:        jobs,
		queue:       queue,
		inline:      inline,
		validate:    validator.New(),
		listLimit:   DefaultListLimit,
	}
}

func (d *Dispatcher) GenerateOrFetch(ctx context.Context, req *types.GenerateRequest) (*types.GenerateResponse, error) {
	if req == nil {
		return nil, types.Errorf(types.ErrValidationFailed, "request is empty")
	}
	if req.Mode == "" {
		req.Mode = types.ModeSync
	}
	if req.Mode != types.ModeSync && req.Mode != types.ModeAsync {
		return nil, types.Errorf(types.ErrValidationFailed, "unknown mode %q", req.Mode)
	}
	if err := d.validate.Struct(req); err != nil {
		return nil, types.WrapError(types.ErrValidationFailed, err.Error())
	}

	fp, err := d.fingerprint.Build(req.Domain, &req.Params, req.UserID)
	if err != nil {
		return nil, err
	}

	if entry, tier, hit := d.cache.Get(ctx, fp); hit {
		d.count(req.Mode, "cache_hit")
		return resultResponse(entry, types.ResultMeta{
			CacheHit:    true,
			Tier:        tier,
			Fingerprint: fp,
		}), nil
	}

	handle := d.acquire(ctx, fp)

	if handle == nil || handle.IsLeader {
		return d.lead(ctx, req, fp, handle, 0, false)
	}

	return d.follow(ctx, req, fp, handle)
}

// acquire claims the generation lease. A lease store outage degrades to
// leaderless generation rather than failing the caller.
func (d *Dispatcher) acquire(ctx context.Context, fp string) *types.DedupHandle {
	if d.dedup == nil {
		return nil
	}

	handle, err := d.dedup.TryAcquire(ctx, fp)
	if err != nil {
		d.logger.Warn("Lease acquisition failed, generating without dedup",
			zap.String("fingerprint", fp), zap.Error(err))
		return nil
	}
	return handle
}

func (d *Dispatcher) lead(ctx context.Context, req *types.GenerateRequest, fp string,
	handle *types.DedupHandle, waited time.Duration, deduplicated bool) (*types.GenerateResponse, error) {
	if req.Mode == types.ModeAsync {
		// the lease stays held while the background worker generates and
		// expires on its own once the result is published
		return d.enqueue(ctx, req, fp)
	}

	if handle != nil {
		defer d.dedup.Release(ctx, handle)
	}

	entry, err := d.inline.GenerateInline(ctx, fp, req.UserID, req.Domain, req.Params)
	if err != nil {
		d.count(req.Mode, "error")
		return nil, err
	}

	d.count(req.Mode, "generated")
	return resultResponse(entry, types.ResultMeta{
		Deduplicated: deduplicated,
		WaitTimeMs:   waited.Milliseconds(),
		Fingerprint:  fp,
	}), nil
}

func (d *Dispatcher) follow(ctx context.Context, req *types.GenerateRequest, fp string,
	handle *types.DedupHandle) (*types.GenerateResponse, error) {
	if req.Mode == types.ModeAsync {
		// another caller is already generating this fingerprint; record a
		// job without enqueuing it, the poller settles it from the cache
		// once the leader publishes
		return d.createJob(ctx, req, fp, false)
	}

	entry, waited, promoted, err := d.dedup.Await(ctx, handle)
	if err != nil {
		d.count(req.Mode, "error")
		return nil, err
	}

	if entry != nil {
		d.count(req.Mode, "deduplicated")
		return resultResponse(entry, types.ResultMeta{
			CacheHit:     true,
			Tier:         entry.SourceTier,
			Deduplicated: true,
			WaitTimeMs:   waited.Milliseconds(),
			Fingerprint:  fp,
		}), nil
	}

	return d.lead(ctx, req, fp, promoted, waited, true)
}

func (d *Dispatcher) enqueue(ctx context.Context, req *types.GenerateRequest, fp string) (*types.GenerateResponse, error) {
	return d.createJob(ctx, req, fp, true)
}

func (d *Dispatcher) createJob(ctx context.Context, req *types.GenerateRequest, fp string, publish bool) (*types.GenerateResponse, error) {
	job := &types.Job{
		UserID:      req.UserID,
		Fingerprint: fp,
		Domain:      req.Domain,
		Params:      req.Params,
		Status:      types.JobStatusPending,
	}

	id, err := d.jobs.Create(ctx, job)
	if err != nil {
		d.count(req.Mode, "error")
		return nil, err
	}

	if publish && d.queue != nil && d.queue.IsRunning() {
		msg := &types.JobMessage{
			JobID:       id,
			UserID:      req.UserID,
			Fingerprint: fp,
			Domain:      req.Domain,
			Params:      req.Params,
		}
		if err := d.queue.PublishJob(ctx, msg); err != nil {
			// the job record exists, the polling fallback will pick it up
			d.logger.Warn("Job enqueue failed, falling back to poller",
				zap.String("job_id", id), zap.Error(err))
		}
	}

	d.count(req.Mode, "enqueued")
	return &types.GenerateResponse{
		JobID:  id,
		Status: types.JobStatusPending,
	}, nil
}

func (d *Dispatcher) GetJobStatus(ctx context.Context, jobID, userID string) (*types.Job, error) {
	if jobID == "" {
		return nil, types.Errorf(types.ErrValidationFailed, "job id is empty")
	}

	job, err := d.jobs.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}

	if job.UserID != "" && job.UserID != userID {
		return nil, types.ErrIdentityForbidden
	}

	return job, nil
}

func (d *Dispatcher) ListJobs(ctx context.Context, userID string) ([]*types.Job, error) {
	return d.jobs.ListByUser(ctx, userID, d.listLimit)
}

func (d *Dispatcher) count(mode types.RequestMode, outcome string) {
	if d.metrics == nil {
		return
	}
	d.metrics.Counter("plan_requests_total", map[string]string{
		"mode":    string(mode),
		"outcome": outcome,
	}).Inc()
}

func resultResponse(entry *types.PlanEntry, meta types.ResultMeta) *types.GenerateResponse {
	return &types.GenerateResponse{
		Result: &types.CachedResult{
			Payload:  entry.Payload,
			Metadata: entry.Metadata,
			Meta:     meta,
		},
	}
}

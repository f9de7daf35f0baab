package generation

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/planforge/plangen/types"
)

const (
	DefaultMaxAttempts       = 3
	DefaultGenerationTimeout = 2 * time.Minute
)

const (
	ErrCodeGenerationFailed  = "generation_failed"
	ErrCodeGenerationTimeout = "generation_timeout"
	ErrCodeValidationFailed  = "validation_failed"
	ErrCodeCacheWriteFailed  = "cache_write_failed"
	ErrCodeAttemptsExhausted = "attempts_exhausted"
)

// Processor is the single per-job routine shared by the queue consumer,
// the polling fallback and the inline async-accept path. Whichever path
// executes a job, the result is identical: generate, validate, write
// through the cache, settle the job record.
//
// Processing is safe to repeat. A redelivered message for a terminal job
// is dropped, and a re-run for a fingerprint that already has a cache
// entry completes the job without calling the generator again.
type Processor struct {
	jobs      types.JobStore
	cache     types.PlanCache
	generator types.Generator
	validator types.PlanValidator
	notify    types.NotifyBroker
	logger    types.Logger
	metrics   types.MetricsManager

	maxAttempts       int
	generationTimeout time.Duration
}

func NewProcessor(config *types.JobsConfig, logger types.Logger, metrics types.MetricsManager,
	jobs types.JobStore, cache types.PlanCache, generator types.Generator,
	validator types.PlanValidator, notify types.NotifyBroker) *Processor {

	p := &Processor{
		jobs:              jobs,
		cache:             cache,
		generator:         generator,
		validator:         validator,
		notify:            notify,
		logger:            logger,
		metrics:           metrics,
		maxAttempts:       DefaultMaxAttempts,
		generationTimeout: DefaultGenerationTimeout,
	}

	if config != nil {
		if config.MaxAttempts > 0 {
			p.maxAttempts = config.MaxAttempts
		}
		if config.GenerationTimeout > 0 {
			p.generationTimeout = config.GenerationTimeout
		}
	}

	return p
}

// Process runs one job to a settled state. A non-nil return means the
// delivery should be retried; nil means the message is done (success,
// terminal failure, or nothing left to do).
func (p *Processor) Process(ctx context.Context, msg *types.JobMessage, source types.ProcessSource) error {
	if msg == nil || msg.JobID == "" {
		return nil
	}

	job, err := p.jobs.Get(ctx, msg.JobID)
	if err != nil {
		if types.IsError(err, types.ErrJobNotFound) {
			p.logger.Warn("Dropping message for unknown job",
				zap.String("job_id", msg.JobID), zap.String("source", string(source)))
			return nil
		}
		return err
	}

	if job.Status.Terminal() {
		p.logger.Debug("Job already settled, dropping redelivery",
			zap.String("job_id", job.ID), zap.String("status", string(job.Status)))
		return nil
	}

	// a previous run may have published the result and crashed before
	// settling the job record
	if entry, _, hit := p.cache.Get(ctx, job.Fingerprint); hit {
		if job.Status == types.JobStatusPending {
			// completed is only reachable from processing, so claim first
			now := time.Now()
			err := p.jobs.UpdateStatus(ctx, job.ID, types.JobUpdate{
				Status:    types.JobStatusProcessing,
				StartedAt: &now,
			})
			if err != nil {
				p.logger.Debug("Failed to claim job for settlement, skipping",
					zap.String("job_id", job.ID), zap.Error(err))
				return nil
			}
		}
		p.complete(ctx, job, entry.Fingerprint, source)
		return nil
	}

	attempt := job.Attempts + 1
	now := time.Now()

	err = p.jobs.UpdateStatus(ctx, job.ID, types.JobUpdate{
		Status:    types.JobStatusProcessing,
		Attempts:  &attempt,
		StartedAt: &now,
	})
	if err != nil {
		// another consumer claimed it first
		p.logger.Debug("Failed to claim job, skipping",
			zap.String("job_id", job.ID), zap.Error(err))
		return nil
	}

	job.Attempts = attempt

	genCtx, cancel := context.WithTimeout(ctx, p.generationTimeout)
	defer cancel()

	genStart := time.Now()
	payload, usage, err := p.generator.Generate(genCtx, job.Domain, job.Params)
	genTime := time.Since(genStart)

	if err != nil {
		code := ErrCodeGenerationFailed
		if types.IsError(err, context.DeadlineExceeded) || types.IsError(err, types.ErrGenerationTimeout) {
			code = ErrCodeGenerationTimeout
		}
		return p.fail(ctx, job, source, code, err)
	}

	if p.validator != nil {
		result := p.validator.Validate(payload, job.Domain, job.Params)
		if !result.Valid {
			// identical parameters would fail identically, never retried
			p.failTerminal(ctx, job, source, ErrCodeValidationFailed, validationMessage(result))
			return nil
		}
		for _, warning := range result.Warnings {
			p.logger.Warn("Plan validation warning",
				zap.String("job_id", job.ID), zap.String("warning", warning.Message))
		}
	}

	entry := &types.PlanEntry{
		Fingerprint: job.Fingerprint,
		UserID:      job.UserID,
		Domain:      job.Domain,
		Payload:     payload,
		CreatedAt:   time.Now(),
		Metadata:    buildEntryMetadata(usage, genTime),
	}

	if err := p.cache.Put(ctx, entry); err != nil {
		return p.fail(ctx, job, source, ErrCodeCacheWriteFailed, err)
	}

	p.complete(ctx, job, job.Fingerprint, source)
	return nil
}

func (p *Processor) MaxAttempts() int {
	return p.maxAttempts
}

func (p *Processor) complete(ctx context.Context, job *types.Job, resultRef string, source types.ProcessSource) {
	now := time.Now()

	err := p.jobs.UpdateStatus(ctx, job.ID, types.JobUpdate{
		Status:      types.JobStatusCompleted,
		CompletedAt: &now,
		ResultRef:   &resultRef,
	})
	if err != nil {
		p.logger.Error("Failed to mark job completed",
			zap.String("job_id", job.ID), zap.Error(err))
		return
	}

	p.count(source, "completed")
	p.publishEvent(types.EventJobCompleted, job, types.JobStatusCompleted, resultRef, "", "")

	p.logger.Info("Job completed",
		zap.String("job_id", job.ID),
		zap.String("fingerprint", job.Fingerprint),
		zap.String("source", string(source)),
		zap.Int("attempts", job.Attempts))
}

// fail settles a recoverable failure: back to pending while attempts
// remain (the non-nil return asks the transport to redeliver), terminal
// failed once they are exhausted.
func (p *Processor) fail(ctx context.Context, job *types.Job, source types.ProcessSource, code string, cause error) error {
	if job.Attempts >= p.maxAttempts {
		p.failTerminal(ctx, job, source, code, cause.Error())
		return nil
	}

	msg := cause.Error()
	err := p.jobs.UpdateStatus(ctx, job.ID, types.JobUpdate{
		Status:       types.JobStatusPending,
		ErrorCode:    &code,
		ErrorMessage: &msg,
	})
	if err != nil {
		p.logger.Error("Failed to requeue job",
			zap.String("job_id", job.ID), zap.Error(err))
	}

	p.count(source, "retried")
	p.logger.Warn("Job attempt failed, will retry",
		zap.String("job_id", job.ID),
		zap.String("code", code),
		zap.Int("attempt", job.Attempts),
		zap.Int("max_attempts", p.maxAttempts),
		zap.Error(cause))

	return types.Errorf(types.ErrGenerationFailed, "job %s attempt %d: %s", job.ID, job.Attempts, msg)
}

func (p *Processor) failTerminal(ctx context.Context, job *types.Job, source types.ProcessSource, code, message string) {
	now := time.Now()

	err := p.jobs.UpdateStatus(ctx, job.ID, types.JobUpdate{
		Status:       types.JobStatusFailed,
		CompletedAt:  &now,
		ErrorCode:    &code,
		ErrorMessage: &message,
	})
	if err != nil {
		p.logger.Error("Failed to mark job failed",
			zap.String("job_id", job.ID), zap.Error(err))
		return
	}

	p.count(source, "failed")
	p.publishEvent(types.EventJobFailed, job, types.JobStatusFailed, "", code, message)

	p.logger.Error("Job failed terminally",
		zap.String("job_id", job.ID),
		zap.String("fingerprint", job.Fingerprint),
		zap.String("code", code),
		zap.String("message", message),
		zap.Int("attempts", job.Attempts))
}

func (p *Processor) publishEvent(event string, job *types.Job, status types.JobStatus, resultRef, code, message string) {
	if p.notify == nil {
		return
	}

	err := p.notify.Publish(event, &types.JobEvent{
		JobID:        job.ID,
		UserID:       job.UserID,
		Fingerprint:  job.Fingerprint,
		Domain:       job.Domain,
		Status:       status,
		ResultRef:    resultRef,
		ErrorCode:    code,
		ErrorMessage: message,
	})
	if err != nil {
		p.logger.Warn("Failed to publish job event",
			zap.String("event", event), zap.String("job_id", job.ID), zap.Error(err))
	}
}

func (p *Processor) count(source types.ProcessSource, outcome string) {
	if p.metrics == nil {
		return
	}

	p.metrics.Counter("jobs_processed_total", map[string]string{
		"source":  string(source),
		"outcome": outcome,
	}).Inc()
}

func buildEntryMetadata(usage *types.UsageMetadata, genTime time.Duration) types.EntryMetadata {
	metadata := types.EntryMetadata{
		GenerationTimeMs: genTime.Milliseconds(),
	}

	if usage != nil {
		metadata.ModelUsed = usage.Model
		metadata.TokensUsed = usage.TotalTokens
		metadata.CostEstimate = usage.CostEstimate
	}

	return metadata
}

func validationMessage(result types.ValidationResult) string {
	if len(result.Errors) == 0 {
		return "plan validation failed"
	}

	msg := result.Errors[0].Message
	if len(result.Errors) > 1 {
		msg += " (and more)"
	}
	return msg
}

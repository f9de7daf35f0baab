package poller

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/planforge/plangen/types"
)

const (
	JobName         = "pending_jobs_poller"
	DefaultSchedule = "*/15 * * * * *"
	DefaultBatch    = 1
	MaxBatch        = 10
)

// Fallback settles pending jobs that never reached a consumer, either
// because the queue transport is disabled or because an enqueue was lost.
// Each tick claims a small batch of the oldest pending jobs and runs them
// through the same routine the queue consumer uses, so a job processed by
// both paths at once is resolved by the store's claim guard rather than
// executed twice.
type Fallback struct {
	config     *types.PollerConfig
	logger     types.Logger
	metrics    types.MetricsManager
	jobs       types.JobStore
	processor  types.JobProcessor
	retryDelay time.Duration
	batch      int
	inFlight   int32
}

func NewFallback(config *types.PollerConfig, jobsConfig *types.JobsConfig, logger types.Logger, metrics types.MetricsManager, jobs types.JobStore, processor types.JobProcessor) *Fallback {
	batch := DefaultBatch
	if config != nil && config.BatchSize > 0 {
		batch = config.BatchSize
	}
	if batch > MaxBatch {
		batch = MaxBatch
	}

	retryDelay := 30 * time.Second
	if jobsConfig != nil && jobsConfig.RetryDelay > 0 {
		retryDelay = jobsConfig.RetryDelay
	}

	return &Fallback{
		config:     config,
		logger:     logger,
		metrics:    metrics,
		jobs:       jobs,
		processor:  processor,
		retryDelay: retryDelay,
		batch:      batch,
	}
}

// Register adds the tick to the scheduler. The schedule uses the
// seconds-precision cron format.
func (f *Fallback) Register(scheduler types.CronManager) error {
	schedule := DefaultSchedule
	if f.config != nil && f.config.Schedule != "" {
		schedule = f.config.Schedule
	}

	return scheduler.Add(JobName, schedule, f.Tick)
}

// Tick claims one batch of pending jobs. Overlapping ticks are skipped so a
// slow generation never stacks poller runs behind it.
func (f *Fallback) Tick() {
	if !atomic.CompareAndSwapInt32(&f.inFlight, 0, 1) {
		f.logger.Debug("Poller tick skipped, previous tick still running")
		return
	}
	defer atomic.StoreInt32(&f.inFlight, 0)

	ctx := context.Background()

	pending, err := f.jobs.ListPending(ctx, f.batch)
	if err != nil {
		f.logger.Error("Poller failed to list pending jobs", zap.Error(err))
		return
	}
	if len(pending) == 0 {
		return
	}

	f.setBacklogGauge(len(pending))

	for _, job := range pending {
		if !f.due(job) {
			continue
		}

		msg := &types.JobMessage{
			JobID:       job.ID,
			UserID:      job.UserID,
			Fingerprint: job.Fingerprint,
			Domain:      job.Domain,
			Params:      job.Params,
			Attempt:     job.Attempts,
		}

		if err := f.processor.Process(ctx, msg, types.SourcePoll); err != nil {
			f.logger.Warn("Poller job attempt failed, will retry on a later tick",
				zap.String("job_id", job.ID),
				zap.Error(err))
		}
	}
}

// due holds back jobs that already failed an attempt until the retry delay
// has passed since that attempt started.
func (f *Fallback) due(job *types.Job) bool {
	if job.Attempts == 0 || job.StartedAt == nil {
		return true
	}
	return time.Since(*job.StartedAt) >= f.retryDelay
}

func (f *Fallback) setBacklogGauge(pending int) {
	if f.metrics == nil {
		return
	}
	f.metrics.Gauge("poller_pending_jobs", nil).Set(float64(pending))
}

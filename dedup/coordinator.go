package dedup

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/planforge/plangen/types"
)

const (
	DefaultLeaseTTL    = 90 * time.Second
	DefaultMaxWait     = 3 * time.Minute
	DefaultPollInitial = 50 * time.Millisecond
	DefaultPollMax     = 2 * time.Second
)

// Coordinator collapses concurrent generations of the same fingerprint
// into one downstream call. The winner of the create-if-absent lease
// generates; everyone else polls the cache for the published result.
type Coordinator struct {
	store       types.LeaseStore
	cache       types.PlanCache
	logger      types.Logger
	metrics     types.MetricsManager
	leaseTTL    time.Duration
	maxWait     time.Duration
	pollInitial time.Duration
	pollMax     time.Duration
	started     int32
}

func NewCoordinator(config *types.DedupConfig, logger types.Logger, metrics types.MetricsManager, store types.LeaseStore, cache types.PlanCache) *Coordinator {
	c := &Coordinator{
		store:       store,
		cache:       cache,
		logger:      logger,
		metrics:     metrics,
		leaseTTL:    DefaultLeaseTTL,
		maxWait:     DefaultMaxWait,
		pollInitial: DefaultPollInitial,
		pollMax:     DefaultPollMax,
	}

	if config != nil {
		if config.LeaseTTL > 0 {
			c.leaseTTL = config.LeaseTTL
		}
		if config.MaxWait > 0 {
			c.maxWait = config.MaxWait
		}
		if config.PollInitial > 0 {
			c.pollInitial = config.PollInitial
		}
		if config.PollMax > 0 {
			c.pollMax = config.PollMax
		}
	}

	return c
}

func (c *Coordinator) Start() error {
	if !atomic.CompareAndSwapInt32(&c.started, 0, 1) {
		return types.ErrServerAlreadyRunning
	}

	if err := c.store.Start(); err != nil {
		atomic.StoreInt32(&c.started, 0)
		return types.WrapError(err, "failed to start lease store")
	}

	c.logger.Info("Dedup coordinator started",
		zap.Duration("lease_ttl", c.leaseTTL), zap.Duration("max_wait", c.maxWait))
	return nil
}

func (c *Coordinator) Stop() error {
	if !atomic.CompareAndSwapInt32(&c.started, 1, 0) {
		return types.ErrServerNotRunning
	}

	return c.store.Stop()
}

func (c *Coordinator) IsRunning() bool {
	return atomic.LoadInt32(&c.started) == 1
}

func (c *Coordinator) TryAcquire(ctx context.Context, fingerprint string) (*types.DedupHandle, error) {
	if fingerprint == "" {
		return nil, types.ErrFingerprintEmpty
	}

	token := uuid.New().String()

	acquired, err := c.store.Acquire(ctx, fingerprint, token, c.leaseTTL)
	if err != nil {
		return nil, err
	}

	handle := &types.DedupHandle{
		Fingerprint: fingerprint,
		Token:       token,
		IsLeader:    acquired,
		AcquiredAt:  time.Now(),
	}

	if acquired {
		c.count("dedup_leader_total")
	} else {
		c.count("dedup_follower_total")
	}

	return handle, nil
}

// Await polls for the leader's published result with bounded exponential
// backoff. Three outcomes: the cache entry appears (returned), the lease
// vanishes without a result (the follower claims leadership and gets a
// promoted handle), or the wait budget runs out (the lease is presumed
// abandoned and the follower proceeds as leader, accepting the small risk
// of duplicate generation over starving the caller).
func (c *Coordinator) Await(ctx context.Context, handle *types.DedupHandle) (*types.PlanEntry, time.Duration, *types.DedupHandle, error) {
	if handle == nil || handle.Fingerprint == "" {
		return nil, 0, nil, types.ErrFingerprintEmpty
	}

	start := time.Now()
	deadline := start.Add(c.maxWait)
	backoff := c.pollInitial

	for {
		if entry, _, hit := c.cache.Get(ctx, handle.Fingerprint); hit {
			waited := time.Since(start)
			c.observeWait(waited)
			return entry, waited, nil, nil
		}

		_, held, err := c.store.Get(ctx, handle.Fingerprint)
		if err != nil {
			return nil, time.Since(start), nil, err
		}

		if !held {
			// leader is gone without publishing, take over
			promoted, err := c.TryAcquire(ctx, handle.Fingerprint)
			if err != nil {
				return nil, time.Since(start), nil, err
			}
			if promoted.IsLeader {
				c.count("dedup_promotions_total")
				c.logger.Debug("Follower promoted to leader",
					zap.String("fingerprint", handle.Fingerprint))
				return nil, time.Since(start), promoted, nil
			}
			// another follower won the race, keep waiting on the new leader
		}

		if time.Now().After(deadline) {
			return c.promoteOnBudgetExhausted(ctx, handle, start)
		}

		select {
		case <-ctx.Done():
			return nil, time.Since(start), nil, types.WrapError(ctx.Err(), "dedup wait cancelled")
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > c.pollMax {
			backoff = c.pollMax
		}
	}
}

func (c *Coordinator) Release(ctx context.Context, handle *types.DedupHandle) {
	if handle == nil || handle.Token == "" {
		return
	}

	if err := c.store.Release(ctx, handle.Fingerprint, handle.Token); err != nil {
		c.logger.Warn("Failed to release dedup lease",
			zap.String("fingerprint", handle.Fingerprint), zap.Error(err))
	}
}

func (c *Coordinator) promoteOnBudgetExhausted(ctx context.Context, handle *types.DedupHandle, start time.Time) (*types.PlanEntry, time.Duration, *types.DedupHandle, error) {
	waited := time.Since(start)
	c.count("dedup_promotions_total")

	promoted, err := c.TryAcquire(ctx, handle.Fingerprint)
	if err != nil {
		return nil, waited, nil, err
	}

	if !promoted.IsLeader {
		// a live lease still exists past the wait budget; proceed unleased
		// rather than starving the caller. Duplicate generation is the
		// accepted, bounded cost.
		c.logger.Warn("Dedup wait budget exhausted with a live lease, proceeding unleased",
			zap.String("fingerprint", handle.Fingerprint), zap.Duration("waited", waited))
		promoted = &types.DedupHandle{
			Fingerprint: handle.Fingerprint,
			IsLeader:    true,
			AcquiredAt:  time.Now(),
		}
	}

	return nil, waited, promoted, nil
}

func (c *Coordinator) count(name string) {
	if c.metrics != nil {
		c.metrics.Counter(name, nil).Inc()
	}
}

func (c *Coordinator) observeWait(waited time.Duration) {
	if c.metrics != nil {
		c.metrics.Histogram("dedup_wait_seconds",
			[]float64{0.05, 0.1, 0.5, 1, 5, 15, 60}, nil).Observe(waited.Seconds())
	}
}

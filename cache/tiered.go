package cache

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/planforge/plangen/types"
)

// TieredCache chains the fast tier over the durable tier. Reads probe
// Tier 1 first and back-fill it on a Tier 2 hit; writes go through to
// both. A Tier 1 outage degrades latency, never correctness.
type TieredCache struct {
	tier1    types.TierStore
	tier2    types.TierStore
	tier1TTL time.Duration
	logger   types.Logger
	metrics  types.MetricsManager
	started  int32
}

func NewTieredCache(logger types.Logger, metrics types.MetricsManager, tier1, tier2 types.TierStore, tier1TTL time.Duration) types.PlanCache {
	return &TieredCache{
		tier1:    tier1,
		tier2:    tier2,
		tier1TTL: tier1TTL,
		logger:   logger,
		metrics:  metrics,
	}
}

func (tc *TieredCache) Start() error {
	if !atomic.CompareAndSwapInt32(&tc.started, 0, 1) {
		return types.ErrServerAlreadyRunning
	}

	if tc.tier1 != nil {
		if err := tc.tier1.Start(); err != nil {
			// degrade to durable-only operation
			tc.logger.Warn("Fast cache tier unavailable, running durable-only", zap.Error(err))
			tc.tier1 = nil
		}
	}

	if err := tc.tier2.Start(); err != nil {
		atomic.StoreInt32(&tc.started, 0)
		return types.WrapError(err, "failed to start durable cache tier")
	}

	tc.logger.Info("Tiered cache started",
		zap.Bool("tier1", tc.tier1 != nil), zap.Duration("tier1_ttl", tc.tier1TTL))
	return nil
}

func (tc *TieredCache) Stop() error {
	if !atomic.CompareAndSwapInt32(&tc.started, 1, 0) {
		return types.ErrServerNotRunning
	}

	if tc.tier1 != nil {
		if err := tc.tier1.Stop(); err != nil {
			tc.logger.Error("Failed to stop fast cache tier", zap.Error(err))
		}
	}

	if err := tc.tier2.Stop(); err != nil {
		return types.WrapError(err, "failed to stop durable cache tier")
	}

	return nil
}

func (tc *TieredCache) IsRunning() bool {
	return atomic.LoadInt32(&tc.started) == 1
}

func (tc *TieredCache) Get(ctx context.Context, fingerprint string) (*types.PlanEntry, types.CacheTier, bool) {
	if fingerprint == "" {
		return nil, types.TierNone, false
	}

	if tc.tier1 != nil {
		if entry, hit := tc.tier1.Get(ctx, fingerprint); hit {
			entry.SourceTier = types.Tier1
			tc.count("cache_hits_total", string(types.Tier1))
			return entry, types.Tier1, true
		}
	}

	if entry, hit := tc.tier2.Get(ctx, fingerprint); hit {
		entry.SourceTier = types.Tier2
		tc.count("cache_hits_total", string(types.Tier2))
		tc.backfill(ctx, entry)
		return entry, types.Tier2, true
	}

	tc.count("cache_misses_total", "")
	return nil, types.TierNone, false
}

func (tc *TieredCache) Put(ctx context.Context, entry *types.PlanEntry) error {
	if entry == nil || entry.Fingerprint == "" {
		return types.ErrCacheKeyEmpty
	}

	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}

	// the durable tier is the source of truth, its write failure is the
	// caller's problem
	if err := tc.tier2.Set(ctx, entry, 0); err != nil {
		tc.logger.Error("Durable cache write failed, result will be regenerated on next request",
			zap.String("fingerprint", entry.Fingerprint), zap.Error(err))
		return err
	}

	if tc.tier1 != nil {
		if err := tc.tier1.Set(ctx, entry, tc.tier1TTL); err != nil {
			tc.logger.Warn("Fast cache write failed, serving from durable tier",
				zap.String("fingerprint", entry.Fingerprint), zap.Error(err))
		}
	}

	tc.count("cache_writes_total", "")
	return nil
}

func (tc *TieredCache) backfill(ctx context.Context, entry *types.PlanEntry) {
	if tc.tier1 == nil {
		return
	}

	if err := tc.tier1.Set(ctx, entry, tc.tier1TTL); err != nil {
		tc.logger.Warn("Fast cache backfill failed",
			zap.String("fingerprint", entry.Fingerprint), zap.Error(err))
	}
}

func (tc *TieredCache) count(name, tier string) {
	if tc.metrics == nil {
		return
	}

	var labels map[string]string
	if tier != "" {
		labels = map[string]string{"tier": tier}
	}
	tc.metrics.Counter(name, labels).Inc()
}

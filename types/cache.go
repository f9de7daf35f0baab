package types

import (
	"context"
	"time"
)

// TierStore is one level of the plan cache. Implementations swallow
// infrastructure errors on reads (an unreachable tier reports a miss) and
// surface them on writes.
type TierStore interface {
	LifecycleManager
	Get(ctx context.Context, fingerprint string) (*PlanEntry, bool)
	Set(ctx context.Context, entry *PlanEntry, ttl time.Duration) error
	Delete(ctx context.Context, fingerprint string) error
}

// PlanCache is the tiered read-through cache over Tier 1 and Tier 2.
type PlanCache interface {
	LifecycleManager
	Get(ctx context.Context, fingerprint string) (*PlanEntry, CacheTier, bool)
	Put(ctx context.Context, entry *PlanEntry) error
}

type TierStoreCreator func(config interface{}) (TierStore, error)

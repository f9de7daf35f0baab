package types

import (
	"context"
	"time"
)

// DedupLease is the exclusive "I am generating this fingerprint" claim.
// At most one non-expired lease exists per fingerprint.
type DedupLease struct {
	Fingerprint string    `json:"fingerprint"`
	Token       string    `json:"token"`
	AcquiredAt  time.Time `json:"acquired_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// LeaseStore provides the atomic create-if-absent-with-TTL primitive the
// coordinator builds on. Cross-process implementations back this with
// Redis SET NX PX.
type LeaseStore interface {
	LifecycleManager
	Acquire(ctx context.Context, fingerprint, token string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, fingerprint, token string) error
	Get(ctx context.Context, fingerprint string) (*DedupLease, bool, error)
}

// DedupHandle is returned from TryAcquire. Leaders generate and must call
// Release when done; followers pass the handle to Await.
type DedupHandle struct {
	Fingerprint string
	Token       string
	IsLeader    bool
	AcquiredAt  time.Time
}

// DedupCoordinator collapses concurrent identical requests into a single
// downstream generation.
type DedupCoordinator interface {
	LifecycleManager
	TryAcquire(ctx context.Context, fingerprint string) (*DedupHandle, error)
	// Await blocks a follower until the leader publishes a result or the
	// lease disappears. When the wait budget is exhausted or the lease is
	// abandoned, the follower is promoted: the returned handle is a fresh
	// leadership claim and the entry is nil.
	Await(ctx context.Context, handle *DedupHandle) (entry *PlanEntry, waited time.Duration, promoted *DedupHandle, err error)
	Release(ctx context.Context, handle *DedupHandle)
}

package dedup

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/planforge/plangen/types"
)

// MemoryLeaseStore keeps leases in process memory. It mirrors the Redis
// semantics, including TTL expiry, and backs tests and single-instance
// deployments.
type MemoryLeaseStore struct {
	leases  map[string]*types.DedupLease
	mu      sync.Mutex
	started int32
}

func NewMemoryLeaseStore() types.LeaseStore {
	return &MemoryLeaseStore{
		leases: make(map[string]*types.DedupLease),
	}
}

func (m *MemoryLeaseStore) Start() error {
	if !atomic.CompareAndSwapInt32(&m.started, 0, 1) {
		return types.ErrServerAlreadyRunning
	}
	return nil
}

func (m *MemoryLeaseStore) Stop() error {
	if !atomic.CompareAndSwapInt32(&m.started, 1, 0) {
		return types.ErrServerNotRunning
	}

	m.mu.Lock()
	m.leases = make(map[string]*types.DedupLease)
	m.mu.Unlock()

	return nil
}

func (m *MemoryLeaseStore) IsRunning() bool {
	return atomic.LoadInt32(&m.started) == 1
}

func (m *MemoryLeaseStore) Acquire(ctx context.Context, fingerprint, token string, ttl time.Duration) (bool, error) {
	if fingerprint == "" {
		return false, types.ErrFingerprintEmpty
	}

	now := time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.leases[fingerprint]; ok && existing.ExpiresAt.After(now) {
		return false, nil
	}

	m.leases[fingerprint] = &types.DedupLease{
		Fingerprint: fingerprint,
		Token:       token,
		AcquiredAt:  now,
		ExpiresAt:   now.Add(ttl),
	}

	return true, nil
}

func (m *MemoryLeaseStore) Release(ctx context.Context, fingerprint, token string) error {
	if fingerprint == "" || token == "" {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.leases[fingerprint]; ok && existing.Token == token {
		delete(m.leases, fingerprint)
	}

	return nil
}

func (m *MemoryLeaseStore) Get(ctx context.Context, fingerprint string) (*types.DedupLease, bool, error) {
	if fingerprint == "" {
		return nil, false, types.ErrFingerprintEmpty
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.leases[fingerprint]
	if !ok {
		return nil, false, nil
	}

	if !existing.ExpiresAt.After(time.Now()) {
		delete(m.leases, fingerprint)
		return nil, false, nil
	}

	copied := *existing
	return &copied, true, nil
}

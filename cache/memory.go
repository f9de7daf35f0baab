package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/planforge/plangen/types"
	"github.com/planforge/plangen/utils"
)

type MemoryState int32

const (
	MemoryStateStopped MemoryState = iota
	MemoryStateStarting
	MemoryStateRunning
	MemoryStateStopping
)

type MemoryConfig struct {
	MaxEntries      int           `yaml:"max_entries" json:"max_entries"`
	CleanupInterval time.Duration `yaml:"cleanup_interval" json:"cleanup_interval"`
}

type memoryEntry struct {
	entry     *types.PlanEntry
	expiresAt time.Time
	storedAt  time.Time
}

// MemoryTier is the in-process fast tier for single-instance deployments
// and tests. Expired entries are dropped lazily on read and swept by a
// background routine.
type MemoryTier struct {
	logger      types.Logger
	config      *MemoryConfig
	data        map[string]*memoryEntry
	mu          sync.RWMutex
	state       atomic.Value
	stopCleanup chan struct{}
	cleanupDone chan struct{}
}

func NewMemoryTier(logger types.Logger, config *types.TierConfig) (types.TierStore, error) {
	memConfig := &MemoryConfig{
		MaxEntries:      10000,
		CleanupInterval: 5 * time.Minute,
	}

	if config.Config != nil {
		err := utils.UnmarshalConfig(config.Config, memConfig)
		if err != nil {
			return nil, types.WrapError(err, "failed to unmarshal memory cache config")
		}
	}

	tier := &MemoryTier{
		logger:      logger,
		config:      memConfig,
		data:        make(map[string]*memoryEntry),
		stopCleanup: make(chan struct{}),
		cleanupDone: make(chan struct{}),
	}

	tier.state.Store(MemoryStateStopped)
	return tier, nil
}

func (m *MemoryTier) Start() error {
	if !m.state.CompareAndSwap(MemoryStateStopped, MemoryStateStarting) {
		return types.ErrServerAlreadyRunning
	}

	go m.cleanupRoutine()

	m.state.Store(MemoryStateRunning)
	m.logger.Info("Memory cache tier started", zap.Int("max_entries", m.config.MaxEntries))
	return nil
}

func (m *MemoryTier) Stop() error {
	if !m.state.CompareAndSwap(MemoryStateRunning, MemoryStateStopping) {
		return types.ErrServerNotRunning
	}

	defer m.state.Store(MemoryStateStopped)

	close(m.stopCleanup)
	<-m.cleanupDone

	m.mu.Lock()
	m.data = make(map[string]*memoryEntry)
	m.mu.Unlock()

	m.logger.Info("Memory cache tier stopped gracefully")
	return nil
}

func (m *MemoryTier) IsRunning() bool {
	return m.state.Load() == MemoryStateRunning
}

func (m *MemoryTier) Get(ctx context.Context, fingerprint string) (*types.PlanEntry, bool) {
	if fingerprint == "" {
		return nil, false
	}

	now := time.Now()

	m.mu.RLock()
	stored, exists := m.data[fingerprint]
	m.mu.RUnlock()

	if !exists {
		return nil, false
	}

	if !stored.expiresAt.IsZero() && now.After(stored.expiresAt) {
		m.mu.Lock()
		if current, ok := m.data[fingerprint]; ok && now.After(current.expiresAt) {
			delete(m.data, fingerprint)
		}
		m.mu.Unlock()
		return nil, false
	}

	copied := *stored.entry
	return &copied, true
}

func (m *MemoryTier) Set(ctx context.Context, entry *types.PlanEntry, ttl time.Duration) error {
	if entry == nil || entry.Fingerprint == "" {
		return types.ErrCacheKeyEmpty
	}

	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = time.Now().Add(ttl)
	}

	copied := *entry

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.data[entry.Fingerprint]; !exists &&
		m.config.MaxEntries > 0 && len(m.data) >= m.config.MaxEntries {
		m.evictOldestUnsafe()
	}

	m.data[entry.Fingerprint] = &memoryEntry{
		entry:     &copied,
		expiresAt: expiresAt,
		storedAt:  time.Now(),
	}

	return nil
}

func (m *MemoryTier) Delete(ctx context.Context, fingerprint string) error {
	m.mu.Lock()
	delete(m.data, fingerprint)
	m.mu.Unlock()
	return nil
}

func (m *MemoryTier) evictOldestUnsafe() {
	var victim string
	var oldest time.Time

	for key, stored := range m.data {
		if victim == "" || stored.storedAt.Before(oldest) {
			victim = key
			oldest = stored.storedAt
		}
	}

	if victim != "" {
		delete(m.data, victim)
	}
}

func (m *MemoryTier) cleanupRoutine() {
	defer close(m.cleanupDone)

	ticker := time.NewTicker(m.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCleanup:
			return
		case <-ticker.C:
			m.sweepExpired()
		}
	}
}

func (m *MemoryTier) sweepExpired() {
	now := time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	for key, stored := range m.data {
		if !stored.expiresAt.IsZero() && now.After(stored.expiresAt) {
			delete(m.data, key)
		}
	}
}

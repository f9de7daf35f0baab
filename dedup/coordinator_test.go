package dedup

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/planforge/plangen/cache"
	"github.com/planforge/plangen/database"
	"github.com/planforge/plangen/logger"
	"github.com/planforge/plangen/types"
)

func newTestCoordinator(t *testing.T, config *types.DedupConfig) (*Coordinator, types.PlanCache) {
	t.Helper()
	log := logger.NewZapWrapper(zap.NewNop())

	db, err := database.NewMemoryDB(log, &types.DatabaseConfig{Enabled: true, Type: "memory"})
	require.NoError(t, err)
	require.NoError(t, db.Start())
	t.Cleanup(func() { _ = db.Stop() })

	planCache := cache.NewTieredCache(log, nil, nil, cache.NewDurableTier(log, db), 0)
	require.NoError(t, planCache.Start())
	t.Cleanup(func() { _ = planCache.Stop() })

	coordinator := NewCoordinator(config, log, nil, NewMemoryLeaseStore(), planCache)
	require.NoError(t, coordinator.Start())
	t.Cleanup(func() { _ = coordinator.Stop() })

	return coordinator, planCache
}

func publishedEntry(fingerprint string) *types.PlanEntry {
	return &types.PlanEntry{
		Fingerprint: fingerprint,
		Domain:      types.DomainDiet,
		Payload:     json.RawMessage(`{"meals":[]}`),
		CreatedAt:   time.Now(),
	}
}

func TestTryAcquire_SingleLeader(t *testing.T) {
	coordinator, _ := newTestCoordinator(t, nil)
	ctx := context.Background()

	leader, err := coordinator.TryAcquire(ctx, "fp-1")
	require.NoError(t, err)
	assert.True(t, leader.IsLeader)

	follower, err := coordinator.TryAcquire(ctx, "fp-1")
	require.NoError(t, err)
	assert.False(t, follower.IsLeader)

	// a different fingerprint gets its own leader
	other, err := coordinator.TryAcquire(ctx, "fp-2")
	require.NoError(t, err)
	assert.True(t, other.IsLeader)
}

func TestAwait_FollowerReceivesLeaderResult(t *testing.T) {
	coordinator, planCache := newTestCoordinator(t, &types.DedupConfig{
		LeaseTTL:    time.Second,
		MaxWait:     2 * time.Second,
		PollInitial: 5 * time.Millisecond,
		PollMax:     20 * time.Millisecond,
	})
	ctx := context.Background()

	leader, err := coordinator.TryAcquire(ctx, "fp-1")
	require.NoError(t, err)
	require.True(t, leader.IsLeader)

	follower, err := coordinator.TryAcquire(ctx, "fp-1")
	require.NoError(t, err)
	require.False(t, follower.IsLeader)

	go func() {
		time.Sleep(50 * time.Millisecond)
		_ = planCache.Put(ctx, publishedEntry("fp-1"))
		coordinator.Release(ctx, leader)
	}()

	entry, waited, promoted, err := coordinator.Await(ctx, follower)
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Nil(t, promoted)
	assert.Equal(t, "fp-1", entry.Fingerprint)
	assert.GreaterOrEqual(t, waited, 50*time.Millisecond)
}

func TestAwait_ConcurrentCallersOneGeneration(t *testing.T) {
	coordinator, planCache := newTestCoordinator(t, &types.DedupConfig{
		LeaseTTL:    2 * time.Second,
		MaxWait:     5 * time.Second,
		PollInitial: 5 * time.Millisecond,
		PollMax:     50 * time.Millisecond,
	})
	ctx := context.Background()

	const callers = 20
	var generations int64
	var wg sync.WaitGroup
	results := make([]*types.PlanEntry, callers)

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()

			handle, err := coordinator.TryAcquire(ctx, "fp-hot")
			require.NoError(t, err)

			if handle.IsLeader {
				atomic.AddInt64(&generations, 1)
				time.Sleep(20 * time.Millisecond) // simulated generation
				require.NoError(t, planCache.Put(ctx, publishedEntry("fp-hot")))
				coordinator.Release(ctx, handle)

				entry, _, hit := planCache.Get(ctx, "fp-hot")
				require.True(t, hit)
				results[i] = entry
				return
			}

			entry, _, promoted, err := coordinator.Await(ctx, handle)
			require.NoError(t, err)
			require.Nil(t, promoted)
			results[i] = entry
		}(i)
	}

	wg.Wait()

	assert.Equal(t, int64(1), generations)
	for i, entry := range results {
		require.NotNil(t, entry, "caller %d got no result", i)
		assert.Equal(t, "fp-hot", entry.Fingerprint)
	}
}

func TestAwait_LeaderCrashPromotesFollower(t *testing.T) {
	coordinator, _ := newTestCoordinator(t, &types.DedupConfig{
		LeaseTTL:    50 * time.Millisecond,
		MaxWait:     2 * time.Second,
		PollInitial: 5 * time.Millisecond,
		PollMax:     20 * time.Millisecond,
	})
	ctx := context.Background()

	leader, err := coordinator.TryAcquire(ctx, "fp-1")
	require.NoError(t, err)
	require.True(t, leader.IsLeader)

	follower, err := coordinator.TryAcquire(ctx, "fp-1")
	require.NoError(t, err)
	require.False(t, follower.IsLeader)

	// leader never publishes; its lease expires and the follower takes over
	entry, _, promoted, err := coordinator.Await(ctx, follower)
	require.NoError(t, err)
	assert.Nil(t, entry)
	require.NotNil(t, promoted)
	assert.True(t, promoted.IsLeader)
}

func TestAwait_BudgetExhaustedProceedsUnleased(t *testing.T) {
	store := NewMemoryLeaseStore()
	log := logger.NewZapWrapper(zap.NewNop())

	db, err := database.NewMemoryDB(log, &types.DatabaseConfig{Enabled: true, Type: "memory"})
	require.NoError(t, err)
	require.NoError(t, db.Start())
	t.Cleanup(func() { _ = db.Stop() })

	planCache := cache.NewTieredCache(log, nil, nil, cache.NewDurableTier(log, db), 0)
	require.NoError(t, planCache.Start())
	t.Cleanup(func() { _ = planCache.Stop() })

	coordinator := NewCoordinator(&types.DedupConfig{
		LeaseTTL:    10 * time.Second, // outlives the wait budget
		MaxWait:     100 * time.Millisecond,
		PollInitial: 5 * time.Millisecond,
		PollMax:     20 * time.Millisecond,
	}, log, nil, store, planCache)
	require.NoError(t, coordinator.Start())
	t.Cleanup(func() { _ = coordinator.Stop() })

	ctx := context.Background()

	leader, err := coordinator.TryAcquire(ctx, "fp-1")
	require.NoError(t, err)
	require.True(t, leader.IsLeader)

	follower, err := coordinator.TryAcquire(ctx, "fp-1")
	require.NoError(t, err)

	entry, waited, promoted, err := coordinator.Await(ctx, follower)
	require.NoError(t, err)
	assert.Nil(t, entry)
	require.NotNil(t, promoted)
	assert.True(t, promoted.IsLeader)
	assert.GreaterOrEqual(t, waited, 100*time.Millisecond)
}

func TestRelease_OnlyOwnerReleases(t *testing.T) {
	store := NewMemoryLeaseStore()
	require.NoError(t, store.Start())
	t.Cleanup(func() { _ = store.Stop() })

	ctx := context.Background()

	ok, err := store.Acquire(ctx, "fp-1", "token-a", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	// a stale holder must not drop the current lease
	require.NoError(t, store.Release(ctx, "fp-1", "token-b"))

	_, held, err := store.Get(ctx, "fp-1")
	require.NoError(t, err)
	assert.True(t, held)

	require.NoError(t, store.Release(ctx, "fp-1", "token-a"))

	_, held, err = store.Get(ctx, "fp-1")
	require.NoError(t, err)
	assert.False(t, held)
}

func TestAcquire_ExpiredLeaseReclaimable(t *testing.T) {
	store := NewMemoryLeaseStore()
	require.NoError(t, store.Start())
	t.Cleanup(func() { _ = store.Stop() })

	ctx := context.Background()

	ok, err := store.Acquire(ctx, "fp-1", "token-a", 10*time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)

	time.Sleep(30 * time.Millisecond)

	ok, err = store.Acquire(ctx, "fp-1", "token-b", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

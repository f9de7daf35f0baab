package cache

import (
	"time"

	"github.com/planforge/plangen/types"
)

var customTierCreators = make(map[string]types.TierStoreCreator)

func RegisterTierStore(tierType string, creator types.TierStoreCreator) {
	customTierCreators[tierType] = creator
}

// NewPlanCache assembles the tiered cache from configuration. A disabled
// or unknown fast tier falls back to durable-only operation.
func NewPlanCache(config types.ConfigManager, logger types.Logger, metrics types.MetricsManager, db types.DatabaseManager) (types.PlanCache, error) {
	cacheConfig := config.GetConfig().Cache

	tier2 := NewDurableTier(logger, db)

	var tier1 types.TierStore
	var tier1TTL time.Duration

	if cacheConfig != nil && cacheConfig.Enabled && cacheConfig.Tier1 != nil {
		var err error
		tier1, err = newTierStore(logger, cacheConfig.Tier1)
		if err != nil {
			return nil, types.WrapError(err, "failed to create fast cache tier")
		}
		tier1TTL = cacheConfig.Tier1.TTL
	}

	return NewTieredCache(logger, metrics, tier1, tier2, tier1TTL), nil
}

func newTierStore(logger types.Logger, config *types.TierConfig) (types.TierStore, error) {
	switch config.Type {
	case "", "memory":
		return NewMemoryTier(logger, config)
	case "redis":
		return NewRedisTier(logger, config)
	default:
		if creator, exists := customTierCreators[config.Type]; exists {
			return creator(config)
		}
		return nil, types.Errorf(types.ErrCacheTypeUnknown, "type: %s", config.Type)
	}
}

package dedup

import (
	"github.com/planforge/plangen/types"
)

func NewLeaseStore(config *types.DedupConfig, logger types.Logger) (types.LeaseStore, error) {
	if config == nil {
		return NewMemoryLeaseStore(), nil
	}

	switch config.Store {
	case "", "memory":
		return NewMemoryLeaseStore(), nil
	case "redis":
		return NewRedisLeaseStore(logger, config.Config)
	default:
		return nil, types.Errorf(types.ErrCacheTypeUnknown, "lease store type: %s", config.Store)
	}
}

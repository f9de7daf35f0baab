package generator

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/planforge/plangen/types"
)

type BreakerState int32

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

// CircuitBreaker shields the upstream model API. Repeated failures open the
// breaker, requests fail fast until the recovery timeout passes, then a few
// probe requests in half-open state decide whether to close it again.
type CircuitBreaker struct {
	config    *types.BreakerConfig
	logger    types.Logger
	state     atomic.Value
	failures  atomic.Int32
	successes atomic.Int32
	lastFail  atomic.Int64
	mutex     sync.Mutex
}

func NewCircuitBreaker(config *types.BreakerConfig, logger types.Logger) *CircuitBreaker {
	if config == nil || !config.Enabled {
		cb := &CircuitBreaker{
			config: &types.BreakerConfig{Enabled: false},
			logger: logger,
		}
		cb.state.Store(BreakerClosed)
		return cb
	}

	cfg := *config
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = 30 * time.Second
	}
	if cfg.HalfOpenRequests <= 0 {
		cfg.HalfOpenRequests = 2
	}

	cb := &CircuitBreaker{config: &cfg, logger: logger}
	cb.state.Store(BreakerClosed)
	return cb
}

func (cb *CircuitBreaker) CanExecute() bool {
	if !cb.config.Enabled {
		return true
	}

	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	switch cb.state.Load().(BreakerState) {
	case BreakerClosed, BreakerHalfOpen:
		return true
	case BreakerOpen:
		if time.Since(time.Unix(cb.lastFail.Load(), 0)) > cb.config.RecoveryTimeout {
			cb.successes.Store(0)
			cb.state.Store(BreakerHalfOpen)
			cb.logger.Info("Generator circuit breaker half-open")
			return true
		}
		return false
	default:
		return true
	}
}

func (cb *CircuitBreaker) RecordSuccess() {
	if !cb.config.Enabled {
		return
	}

	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	switch cb.state.Load().(BreakerState) {
	case BreakerClosed:
		cb.failures.Store(0)
	case BreakerHalfOpen:
		if cb.successes.Add(1) >= int32(cb.config.HalfOpenRequests) {
			cb.failures.Store(0)
			cb.state.Store(BreakerClosed)
			cb.logger.Info("Generator circuit breaker closed")
		}
	}
}

func (cb *CircuitBreaker) RecordFailure() {
	if !cb.config.Enabled {
		return
	}

	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	cb.lastFail.Store(time.Now().Unix())

	switch cb.state.Load().(BreakerState) {
	case BreakerClosed:
		if cb.failures.Add(1) >= int32(cb.config.FailureThreshold) {
			cb.state.Store(BreakerOpen)
			cb.logger.Warn("Generator circuit breaker opened",
				zap.Int32("failures", cb.failures.Load()))
		}
	case BreakerHalfOpen:
		cb.state.Store(BreakerOpen)
		cb.logger.Warn("Generator circuit breaker reopened after probe failure")
	}
}

func (cb *CircuitBreaker) State() BreakerState {
	return cb.state.Load().(BreakerState)
}

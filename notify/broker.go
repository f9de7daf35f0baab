package notify

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/planforge/plangen/types"
	"github.com/planforge/plangen/utils"
)

var (
	customNotifyCreators = make(map[string]types.NotifyBrokerCreator)
	customNotifyMu       sync.RWMutex
)

// RegisterNotifyBroker makes a custom broker type available to NewBroker.
func RegisterNotifyBroker(name string, creator types.NotifyBrokerCreator) {
	customNotifyMu.Lock()
	defer customNotifyMu.Unlock()
	customNotifyCreators[name] = creator
}

// Broker fans job lifecycle events out to webhooks and an optional push
// broker. Delivery is best effort: a failed side is logged and the other
// still runs.
type Broker struct {
	logger   types.Logger
	webhooks *WebhookManager
	push     types.NotifyBroker
	state    int32
}

func NewBroker(ctx context.Context, config *types.NotifyConfig, logger types.Logger, metrics types.MetricsManager) (types.NotifyBroker, error) {
	if config == nil || !config.Enabled {
		return nil, types.ErrNotifyIsDisabled
	}

	broker := &Broker{logger: logger}

	if config.Webhook {
		dbPath, _ := webhookDBPath(config.Config)
		webhooks, err := NewWebhookManager(ctx, logger, metrics, dbPath)
		if err != nil {
			return nil, types.WrapError(err, "failed to create webhook manager")
		}
		broker.webhooks = webhooks
	}

	switch config.Type {
	case "":
	case "websocket":
		push, err := NewWebSocketBroker(ctx, logger, metrics, config.Config)
		if err != nil {
			return nil, err
		}
		broker.push = push
	default:
		customNotifyMu.RLock()
		creator, exists := customNotifyCreators[config.Type]
		customNotifyMu.RUnlock()
		if !exists {
			return nil, types.Errorf(types.ErrNotifyTypeUnknown, "type: %s", config.Type)
		}
		push, err := creator(config.Config)
		if err != nil {
			return nil, err
		}
		broker.push = push
	}

	if broker.webhooks == nil && broker.push == nil {
		return nil, types.ErrNotifyIsDisabled
	}

	return broker, nil
}

func (b *Broker) Start() error {
	if !atomic.CompareAndSwapInt32(&b.state, 0, 1) {
		return types.ErrServerAlreadyRunning
	}

	if b.webhooks != nil {
		if err := b.webhooks.Start(); err != nil {
			atomic.StoreInt32(&b.state, 0)
			return err
		}
	}
	if b.push != nil {
		if err := b.push.Start(); err != nil {
			if b.webhooks != nil {
				_ = b.webhooks.Stop()
			}
			atomic.StoreInt32(&b.state, 0)
			return err
		}
	}
	return nil
}

func (b *Broker) Stop() error {
	if !atomic.CompareAndSwapInt32(&b.state, 1, 0) {
		return types.ErrServerNotRunning
	}

	if b.push != nil {
		if err := b.push.Stop(); err != nil {
			b.logger.Warn("Push broker stop failed", zap.Error(err))
		}
	}
	if b.webhooks != nil {
		if err := b.webhooks.Stop(); err != nil {
			b.logger.Warn("Webhook manager stop failed", zap.Error(err))
		}
	}
	return nil
}

func (b *Broker) IsRunning() bool {
	return atomic.LoadInt32(&b.state) == 1
}

func (b *Broker) Publish(event string, payload interface{}) error {
	if !b.IsRunning() {
		return types.ErrNotifyNotInitialized
	}

	var wg sync.WaitGroup
	var pushErr, webhookErr error

	if b.push != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			pushErr = b.push.Publish(event, payload)
		}()
	}
	if b.webhooks != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			webhookErr = b.webhooks.Notify(event, payload)
		}()
	}
	wg.Wait()

	if pushErr != nil {
		b.logger.Warn("Push publish failed", zap.String("event", event), zap.Error(pushErr))
	}
	if webhookErr != nil {
		b.logger.Warn("Webhook publish failed", zap.String("event", event), zap.Error(webhookErr))
	}

	if pushErr != nil && webhookErr != nil {
		return types.ErrNotifyPublishFailed
	}
	return nil
}

func (b *Broker) Subscribe(event string, handler types.NotifyHandler) error {
	if b.push == nil {
		return types.ErrNotifyIsDisabled
	}
	return b.push.Subscribe(event, handler)
}

func (b *Broker) Unsubscribe(event string) error {
	if b.push == nil {
		return types.ErrNotifyIsDisabled
	}
	return b.push.Unsubscribe(event)
}

// Webhooks exposes the registration API for the HTTP layer. Nil when webhook
// delivery is disabled.
func (b *Broker) Webhooks() *WebhookManager {
	return b.webhooks
}

type webhookConfig struct {
	Path string `json:"path" yaml:"path"`
}

func webhookDBPath(config interface{}) (string, error) {
	if config == nil {
		return "", nil
	}

	cfg := &webhookConfig{}
	if err := utils.UnmarshalConfig(config, cfg); err != nil {
		return "", err
	}
	return cfg.Path, nil
}

package queue

import (
	"time"

	natsgo "github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/planforge/plangen/types"
)

const (
	DefaultURL           = "nats://localhost:4222"
	DefaultTopic         = "plangen.jobs"
	DefaultStreamName    = "PLANGEN_JOBS"
	DefaultDurableName   = "plangen-workers"
	DefaultQueueGroup    = "plangen"
	DefaultSubscribers   = 1
	DefaultMaxDeliver    = 5
	DefaultMaxAckPending = 64
	DefaultAckWait       = 3 * time.Minute
	DefaultNakDelay      = 30 * time.Second
	DefaultMaxReconnects = 10
	DefaultReconnectWait = 2 * time.Second
	DefaultCloseTimeout  = 30 * time.Second
)

// normalizeConfig copies the queue config and fills in defaults so the
// publisher and consumer never branch on zero values.
func normalizeConfig(config *types.QueueConfig) *types.QueueConfig {
	out := &types.QueueConfig{}
	if config != nil {
		*out = *config
	}

	if out.URL == "" {
		out.URL = DefaultURL
	}
	if out.Topic == "" {
		out.Topic = DefaultTopic
	}
	if out.StreamName == "" {
		out.StreamName = DefaultStreamName
	}
	if out.DurableName == "" {
		out.DurableName = DefaultDurableName
	}
	if out.QueueGroup == "" {
		out.QueueGroup = DefaultQueueGroup
	}
	if out.Subscribers <= 0 {
		out.Subscribers = DefaultSubscribers
	}
	if out.MaxDeliver <= 0 {
		out.MaxDeliver = DefaultMaxDeliver
	}
	if out.MaxAckPending <= 0 {
		out.MaxAckPending = DefaultMaxAckPending
	}
	if out.AckWait <= 0 {
		out.AckWait = DefaultAckWait
	}
	if out.NakDelay <= 0 {
		out.NakDelay = DefaultNakDelay
	}
	if out.MaxReconnects <= 0 {
		out.MaxReconnects = DefaultMaxReconnects
	}
	if out.ReconnectWait <= 0 {
		out.ReconnectWait = DefaultReconnectWait
	}
	if out.CloseTimeout <= 0 {
		out.CloseTimeout = DefaultCloseTimeout
	}

	return out
}

func connectOptions(config *types.QueueConfig, logger types.Logger, role string) []natsgo.Option {
	return []natsgo.Option{
		natsgo.Name("plangen-" + role),
		natsgo.RetryOnFailedConnect(true),
		natsgo.MaxReconnects(config.MaxReconnects),
		natsgo.ReconnectWait(config.ReconnectWait),
		natsgo.DisconnectErrHandler(func(nc *natsgo.Conn, err error) {
			if err != nil {
				logger.Warn("NATS disconnected", zap.String("role", role), zap.Error(err))
			}
		}),
		natsgo.ReconnectHandler(func(nc *natsgo.Conn) {
			logger.Info("NATS reconnected", zap.String("role", role), zap.String("url", nc.ConnectedUrl()))
		}),
		natsgo.ErrorHandler(func(nc *natsgo.Conn, sub *natsgo.Subscription, err error) {
			fields := []zap.Field{zap.String("role", role), zap.Error(err)}
			if sub != nil {
				fields = append(fields, zap.String("subject", sub.Subject))
			}
			logger.Error("NATS error", fields...)
		}),
	}
}

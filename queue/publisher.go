package queue

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	wmNats "github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	natsgo "github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/planforge/plangen/types"
	"github.com/planforge/plangen/utils"
)

// Publisher enqueues job messages on a JetStream subject. The job ID doubles
// as the Nats-Msg-Id so a retried enqueue inside the deduplication window
// collapses into a single delivery.
type Publisher struct {
	config    *types.QueueConfig
	logger    types.Logger
	metrics   types.MetricsManager
	publisher message.Publisher
	state     int32
}

func NewPublisher(config *types.QueueConfig, logger types.Logger, metrics types.MetricsManager) (*Publisher, error) {
	if config == nil || !config.Enabled {
		return nil, types.ErrQueueIsDisabled
	}

	return &Publisher{
		config:  normalizeConfig(config),
		logger:  logger,
		metrics: metrics,
	}, nil
}

func (p *Publisher) Start() error {
	if !atomic.CompareAndSwapInt32(&p.state, 0, 1) {
		return types.ErrServerAlreadyRunning
	}

	wmConfig := wmNats.PublisherConfig{
		URL:         p.config.URL,
		NatsOptions: connectOptions(p.config, p.logger, "publisher"),
		Marshaler:   &wmNats.NATSMarshaler{},
		JetStream: wmNats.JetStreamConfig{
			AutoProvision: true,
			TrackMsgId:    true,
			PublishOptions: []natsgo.PubOpt{
				natsgo.RetryAttempts(3),
				natsgo.RetryWait(100 * time.Millisecond),
			},
		},
	}

	pub, err := wmNats.NewPublisher(wmConfig, newWatermillLogger(p.logger))
	if err != nil {
		atomic.StoreInt32(&p.state, 0)
		return types.WrapError(err, types.ErrQueueConnectionFailed.Error())
	}

	p.publisher = pub
	p.logger.Info("Queue publisher started",
		zap.String("url", p.config.URL),
		zap.String("topic", p.config.Topic))
	return nil
}

func (p *Publisher) Stop() error {
	if !atomic.CompareAndSwapInt32(&p.state, 1, 0) {
		return types.ErrServerNotRunning
	}

	if p.publisher != nil {
		if err := p.publisher.Close(); err != nil {
			p.logger.Warn("Queue publisher close failed", zap.Error(err))
		}
	}
	return nil
}

func (p *Publisher) IsRunning() bool {
	return atomic.LoadInt32(&p.state) == 1
}

func (p *Publisher) PublishJob(ctx context.Context, msg *types.JobMessage) error {
	if !p.IsRunning() {
		return types.ErrServerNotRunning
	}
	if msg == nil || msg.JobID == "" {
		return types.Errorf(types.ErrQueuePublishFailed, "job message is empty")
	}

	if msg.EnqueuedAt.IsZero() {
		msg.EnqueuedAt = time.Now().UTC()
	}

	payload, err := utils.Marshal(msg)
	if err != nil {
		return types.WrapError(err, "marshal job message")
	}

	wmMsg := message.NewMessage(watermill.NewUUID(), payload)
	wmMsg.Metadata.Set(natsgo.MsgIdHdr, msg.JobID)
	wmMsg.SetContext(ctx)

	if err := p.publisher.Publish(p.config.Topic, wmMsg); err != nil {
		p.count("error")
		return types.WrapError(err, types.ErrQueuePublishFailed.Error())
	}

	p.count("ok")
	p.logger.Debug("Job enqueued",
		zap.String("job_id", msg.JobID),
		zap.String("fingerprint", msg.Fingerprint))
	return nil
}

func (p *Publisher) count(outcome string) {
	if p.metrics == nil {
		return
	}
	p.metrics.Counter("queue_messages_published_total", map[string]string{"outcome": outcome}).Inc()
}

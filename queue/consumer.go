package queue

import (
	"context"
	"sync"
	"sync/atomic"

	wmNats "github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	natsgo "github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/planforge/plangen/types"
	"github.com/planforge/plangen/utils"
)

// Consumer drains the job subject and hands every delivery to the shared
// processor. Processing is at-least-once: a non-nil processor error nacks the
// message and JetStream redelivers it after NakDelay, a nil error acks it. Malformed
// payloads are acked and dropped since redelivery cannot fix them; the
// polling fallback settles the underlying job later.
type Consumer struct {
	config     *types.QueueConfig
	logger     types.Logger
	metrics    types.MetricsManager
	processor  types.JobProcessor
	subscriber message.Subscriber
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	state      int32
}

func NewConsumer(config *types.QueueConfig, logger types.Logger, metrics types.MetricsManager, processor types.JobProcessor) (*Consumer, error) {
	if config == nil || !config.Enabled {
		return nil, types.ErrQueueIsDisabled
	}
	if processor == nil {
		return nil, types.Errorf(types.ErrQueueConnectionFailed, "job processor is required")
	}

	return &Consumer{
		config:    normalizeConfig(config),
		logger:    logger,
		metrics:   metrics,
		processor: processor,
	}, nil
}

func (c *Consumer) Start() error {
	if !atomic.CompareAndSwapInt32(&c.state, 0, 1) {
		return types.ErrServerAlreadyRunning
	}

	subOpts := []natsgo.SubOpt{
		natsgo.MaxDeliver(c.config.MaxDeliver),
		natsgo.MaxAckPending(c.config.MaxAckPending),
		natsgo.AckWait(c.config.AckWait),
		natsgo.DeliverAll(),
	}

	wmConfig := wmNats.SubscriberConfig{
		URL:              c.config.URL,
		QueueGroupPrefix: c.config.QueueGroup,
		SubscribersCount: c.config.Subscribers,
		AckWaitTimeout:   c.config.AckWait,
		CloseTimeout:     c.config.CloseTimeout,
		NatsOptions:      connectOptions(c.config, c.logger, "consumer"),
		Unmarshaler:      &wmNats.NATSMarshaler{},
		NakDelay:         wmNats.NewStaticDelay(c.config.NakDelay),
		JetStream: wmNats.JetStreamConfig{
			AutoProvision:    true,
			AckAsync:         false,
			SubscribeOptions: subOpts,
			DurablePrefix:    c.config.DurableName,
		},
	}

	sub, err := wmNats.NewSubscriber(wmConfig, newWatermillLogger(c.logger))
	if err != nil {
		atomic.StoreInt32(&c.state, 0)
		return types.WrapError(err, types.ErrQueueConnectionFailed.Error())
	}
	c.subscriber = sub

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel

	messages, err := sub.Subscribe(ctx, c.config.Topic)
	if err != nil {
		cancel()
		_ = sub.Close()
		atomic.StoreInt32(&c.state, 0)
		return types.WrapError(err, types.ErrQueueConnectionFailed.Error())
	}

	c.wg.Add(1)
	go c.consume(ctx, messages)

	c.logger.Info("Queue consumer started",
		zap.String("url", c.config.URL),
		zap.String("topic", c.config.Topic),
		zap.String("queue_group", c.config.QueueGroup),
		zap.Int("subscribers", c.config.Subscribers))
	return nil
}

func (c *Consumer) Stop() error {
	if !atomic.CompareAndSwapInt32(&c.state, 1, 0) {
		return types.ErrServerNotRunning
	}

	c.cancel()
	if err := c.subscriber.Close(); err != nil {
		c.logger.Warn("Queue subscriber close failed", zap.Error(err))
	}
	c.wg.Wait()

	c.logger.Info("Queue consumer stopped")
	return nil
}

func (c *Consumer) IsRunning() bool {
	return atomic.LoadInt32(&c.state) == 1
}

func (c *Consumer) consume(ctx context.Context, messages <-chan *message.Message) {
	defer c.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-messages:
			if !ok {
				return
			}
			c.handle(ctx, msg)
		}
	}
}

func (c *Consumer) handle(ctx context.Context, msg *message.Message) {
	var job types.JobMessage
	if err := utils.Unmarshal(msg.Payload, &job); err != nil {
		c.logger.Error("Dropping malformed job message",
			zap.String("message_uuid", msg.UUID), zap.Error(err))
		c.count("malformed")
		msg.Ack()
		return
	}

	if err := c.processor.Process(ctx, &job, types.SourceQueue); err != nil {
		c.logger.Warn("Job processing failed, requesting redelivery",
			zap.String("job_id", job.JobID),
			zap.String("message_uuid", msg.UUID),
			zap.Error(err))
		c.count("nack")
		msg.Nack()
		return
	}

	c.count("ack")
	msg.Ack()
}

func (c *Consumer) count(outcome string) {
	if c.metrics == nil {
		return
	}
	c.metrics.Counter("queue_messages_consumed_total", map[string]string{"outcome": outcome}).Inc()
}

package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/planforge/plangen/logger"
	"github.com/planforge/plangen/types"
	"github.com/planforge/plangen/utils"
)

type stubProcessor struct {
	err  error
	msgs []*types.JobMessage
}

func (p *stubProcessor) Process(_ context.Context, msg *types.JobMessage, _ types.ProcessSource) error {
	p.msgs = append(p.msgs, msg)
	return p.err
}

func newTestConsumer(processor types.JobProcessor) *Consumer {
	return &Consumer{
		config:    normalizeConfig(&types.QueueConfig{Enabled: true}),
		logger:    logger.NewZapWrapper(zap.NewNop()),
		processor: processor,
	}
}

func jobPayload(t *testing.T, jobID string) []byte {
	t.Helper()
	payload, err := utils.Marshal(&types.JobMessage{
		JobID:       jobID,
		Fingerprint: "fp-1",
		Domain:      types.DomainDiet,
	})
	require.NoError(t, err)
	return payload
}

func TestConsumer_HandleAcksOnSuccess(t *testing.T) {
	processor := &stubProcessor{}
	consumer := newTestConsumer(processor)

	msg := message.NewMessage(watermill.NewUUID(), jobPayload(t, "job-1"))
	consumer.handle(context.Background(), msg)

	select {
	case <-msg.Acked():
	default:
		t.Fatal("expected message to be acked")
	}

	require.Len(t, processor.msgs, 1)
	assert.Equal(t, "job-1", processor.msgs[0].JobID)
}

func TestConsumer_HandleNacksOnProcessorError(t *testing.T) {
	processor := &stubProcessor{err: errors.New("generator unavailable")}
	consumer := newTestConsumer(processor)

	msg := message.NewMessage(watermill.NewUUID(), jobPayload(t, "job-1"))
	consumer.handle(context.Background(), msg)

	select {
	case <-msg.Nacked():
	default:
		t.Fatal("expected message to be nacked for redelivery")
	}
}

func TestConsumer_HandleDropsMalformedPayload(t *testing.T) {
	processor := &stubProcessor{}
	consumer := newTestConsumer(processor)

	msg := message.NewMessage(watermill.NewUUID(), []byte("not json"))
	consumer.handle(context.Background(), msg)

	select {
	case <-msg.Acked():
	default:
		t.Fatal("expected malformed message to be acked and dropped")
	}

	assert.Empty(t, processor.msgs)
}

func TestNewConsumer_DisabledQueue(t *testing.T) {
	_, err := NewConsumer(&types.QueueConfig{Enabled: false}, logger.NewZapWrapper(zap.NewNop()), nil, &stubProcessor{})
	assert.ErrorIs(t, err, types.ErrQueueIsDisabled)
}

func TestNormalizeConfig_Defaults(t *testing.T) {
	cfg := normalizeConfig(&types.QueueConfig{Enabled: true})

	assert.Equal(t, DefaultTopic, cfg.Topic)
	assert.Equal(t, DefaultStreamName, cfg.StreamName)
	assert.Equal(t, DefaultMaxDeliver, cfg.MaxDeliver)
	assert.Equal(t, DefaultAckWait, cfg.AckWait)
	assert.Equal(t, DefaultNakDelay, cfg.NakDelay)
}

func TestNormalizeConfig_KeepsConfiguredNakDelay(t *testing.T) {
	cfg := normalizeConfig(&types.QueueConfig{Enabled: true, NakDelay: 5 * time.Second})

	assert.Equal(t, 5*time.Second, cfg.NakDelay)
}

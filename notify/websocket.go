package notify

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/planforge/plangen/types"
	"github.com/planforge/plangen/utils"
)

type WebSocketConfig struct {
	URL            string        `json:"url" yaml:"url"`
	ReconnectDelay time.Duration `json:"reconnect_delay" yaml:"reconnect_delay"`
	MaxRetries     int           `json:"max_retries" yaml:"max_retries"`
	PingInterval   time.Duration `json:"ping_interval" yaml:"ping_interval"`
	WriteWait      time.Duration `json:"write_wait" yaml:"write_wait"`
}

// WebSocketBroker pushes job events to a gateway over a single outbound
// websocket connection. The connection is re-dialed with a fixed delay; while
// disconnected, events queue in a bounded channel and overflow is dropped
// rather than blocking the publisher.
type WebSocketBroker struct {
	ctx       context.Context
	cancel    context.CancelFunc
	logger    types.Logger
	metrics   types.MetricsManager
	config    *WebSocketConfig
	conn      *websocket.Conn
	connMu    sync.RWMutex
	handlers  map[string]types.NotifyHandler
	subsMu    sync.RWMutex
	send      chan *types.NotifyMessage
	wg        sync.WaitGroup
	state     int32
	messageID int64
}

func NewWebSocketBroker(ctx context.Context, logger types.Logger, metrics types.MetricsManager, config interface{}) (*WebSocketBroker, error) {
	wsConfig := &WebSocketConfig{
		URL:            "ws://localhost:8081/ws",
		ReconnectDelay: 5 * time.Second,
		MaxRetries:     10,
		PingInterval:   54 * time.Second,
		WriteWait:      10 * time.Second,
	}
	if config != nil {
		if err := utils.UnmarshalConfig(config, wsConfig); err != nil {
			return nil, types.WrapError(err, "failed to unmarshal websocket config")
		}
	}

	brokerCtx, cancel := context.WithCancel(ctx)

	return &WebSocketBroker{
		ctx:      brokerCtx,
		cancel:   cancel,
		logger:   logger,
		metrics:  metrics,
		config:   wsConfig,
		handlers: make(map[string]types.NotifyHandler),
		send:     make(chan *types.NotifyMessage, 256),
	}, nil
}

func (w *WebSocketBroker) Start() error {
	if !atomic.CompareAndSwapInt32(&w.state, 0, 1) {
		return types.ErrServerAlreadyRunning
	}

	w.wg.Add(1)
	go w.connectionLoop()

	w.logger.Info("WebSocket broker started", zap.String("url", w.config.URL))
	return nil
}

func (w *WebSocketBroker) Stop() error {
	if !atomic.CompareAndSwapInt32(&w.state, 1, 0) {
		return types.ErrServerNotRunning
	}

	w.cancel()
	w.closeConn()
	w.wg.Wait()
	return nil
}

func (w *WebSocketBroker) IsRunning() bool {
	return atomic.LoadInt32(&w.state) == 1
}

func (w *WebSocketBroker) Publish(event string, payload interface{}) error {
	if !w.IsRunning() {
		return types.ErrNotifyNotInitialized
	}

	message := &types.NotifyMessage{
		Event:     event,
		Payload:   payload,
		Timestamp: time.Now(),
		Source:    "plangen",
		MessageID: fmt.Sprintf("msg_%d", atomic.AddInt64(&w.messageID, 1)),
	}

	w.dispatch(message)

	select {
	case w.send <- message:
		return nil
	case <-w.ctx.Done():
		return types.ErrNotifyNotInitialized
	default:
		w.logger.Warn("WebSocket send queue full, dropping event",
			zap.String("event", event),
			zap.String("message_id", message.MessageID))
		w.count(event, "dropped")
		return types.ErrNotifyPublishFailed
	}
}

func (w *WebSocketBroker) Subscribe(event string, handler types.NotifyHandler) error {
	if event == "" || handler == nil {
		return types.Errorf(types.ErrValidationFailed, "event and handler are required")
	}

	w.subsMu.Lock()
	defer w.subsMu.Unlock()
	w.handlers[event] = handler
	return nil
}

func (w *WebSocketBroker) Unsubscribe(event string) error {
	w.subsMu.Lock()
	defer w.subsMu.Unlock()
	delete(w.handlers, event)
	return nil
}

func (w *WebSocketBroker) dispatch(message *types.NotifyMessage) {
	w.subsMu.RLock()
	handler, exists := w.handlers[message.Event]
	w.subsMu.RUnlock()

	if !exists {
		return
	}

	if err := handler(message); err != nil {
		w.logger.Warn("Notify handler failed",
			zap.String("event", message.Event),
			zap.Error(err))
	}
}

func (w *WebSocketBroker) connectionLoop() {
	defer w.wg.Done()

	attempts := 0
	for {
		select {
		case <-w.ctx.Done():
			return
		default:
		}

		conn, _, err := websocket.DefaultDialer.DialContext(w.ctx, w.config.URL, nil)
		if err != nil {
			attempts++
			if w.config.MaxRetries > 0 && attempts > w.config.MaxRetries {
				w.logger.Error("WebSocket gateway unreachable, giving up",
					zap.String("url", w.config.URL),
					zap.Int("attempts", attempts))
				return
			}

			w.logger.Warn("WebSocket dial failed, retrying",
				zap.String("url", w.config.URL),
				zap.Error(err))

			select {
			case <-time.After(w.config.ReconnectDelay):
			case <-w.ctx.Done():
				return
			}
			continue
		}

		attempts = 0
		w.setConn(conn)
		w.logger.Info("WebSocket connected", zap.String("url", w.config.URL))

		w.writePump(conn)
		w.closeConn()

		select {
		case <-time.After(w.config.ReconnectDelay):
		case <-w.ctx.Done():
			return
		}
	}
}

// writePump drains the send queue onto the connection until a write fails or
// the broker stops.
func (w *WebSocketBroker) writePump(conn *websocket.Conn) {
	ping := time.NewTicker(w.config.PingInterval)
	defer ping.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(w.config.WriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				w.logger.Warn("WebSocket ping failed", zap.Error(err))
				return
			}
		case message := <-w.send:
			data, err := utils.Marshal(message)
			if err != nil {
				w.logger.Error("Failed to marshal notify message", zap.Error(err))
				continue
			}

			_ = conn.SetWriteDeadline(time.Now().Add(w.config.WriteWait))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				w.logger.Warn("WebSocket write failed, reconnecting", zap.Error(err))
				w.count(message.Event, "error")
				return
			}
			w.count(message.Event, "sent")
		}
	}
}

func (w *WebSocketBroker) setConn(conn *websocket.Conn) {
	w.connMu.Lock()
	defer w.connMu.Unlock()
	w.conn = conn
}

func (w *WebSocketBroker) closeConn() {
	w.connMu.Lock()
	defer w.connMu.Unlock()
	if w.conn != nil {
		_ = w.conn.Close()
		w.conn = nil
	}
}

func (w *WebSocketBroker) count(event, result string) {
	if w.metrics == nil {
		return
	}
	w.metrics.Counter("websocket_events_total", map[string]string{
		"event":  event,
		"result": result,
	}).Inc()
}

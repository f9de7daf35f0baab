package notify

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/planforge/plangen/types"
	"github.com/planforge/plangen/utils"
)

const DefaultWebhookDBPath = "./webhooks.db"

// Webhook is a registered delivery target for job lifecycle events. Each
// delivery is signed with the webhook's secret so receivers can verify the
// payload origin.
type Webhook struct {
	ID        string            `json:"id"`
	Event     string            `json:"event"`
	URL       string            `json:"url"`
	Headers   map[string]string `json:"headers,omitempty"`
	Secret    string            `json:"secret,omitempty"`
	Enabled   bool              `json:"enabled"`
	CreatedAt time.Time         `json:"created_at"`
}

type WebhookCreateRequest struct {
	Event   string            `json:"event" validate:"required"`
	URL     string            `json:"url" validate:"required,url"`
	Headers map[string]string `json:"headers"`
}

// WebhookManager persists registrations in SQLite and fans deliveries out
// concurrently. A failed delivery is logged and counted, never retried; the
// receiving side is expected to poll job status if it misses an event.
type WebhookManager struct {
	ctx             context.Context
	cancel          context.CancelFunc
	logger          types.Logger
	metrics         types.MetricsManager
	db              *sql.DB
	client          *http.Client
	state           int32
	deliveryTimeout time.Duration
}

func NewWebhookManager(ctx context.Context, logger types.Logger, metrics types.MetricsManager, dbPath string) (*WebhookManager, error) {
	if dbPath == "" {
		dbPath = DefaultWebhookDBPath
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, types.WrapError(err, "failed to open webhook database")
	}

	managerCtx, cancel := context.WithCancel(ctx)

	wm := &WebhookManager{
		ctx:             managerCtx,
		cancel:          cancel,
		logger:          logger,
		metrics:         metrics,
		db:              db,
		client:          &http.Client{Timeout: 10 * time.Second},
		deliveryTimeout: 30 * time.Second,
	}

	if err := wm.initSchema(); err != nil {
		cancel()
		_ = db.Close()
		return nil, err
	}

	return wm, nil
}

func (wm *WebhookManager) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS webhooks (
		id TEXT PRIMARY KEY,
		event TEXT NOT NULL,
		url TEXT NOT NULL,
		headers TEXT,
		secret TEXT,
		enabled BOOLEAN DEFAULT true,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_webhooks_event ON webhooks(event);
	`

	if _, err := wm.db.Exec(query); err != nil {
		return types.WrapError(err, "failed to create webhooks table")
	}
	return nil
}

func (wm *WebhookManager) Start() error {
	if !atomic.CompareAndSwapInt32(&wm.state, 0, 1) {
		return types.ErrServerAlreadyRunning
	}
	wm.logger.Info("Webhook manager started")
	return nil
}

func (wm *WebhookManager) Stop() error {
	if !atomic.CompareAndSwapInt32(&wm.state, 1, 0) {
		return types.ErrServerNotRunning
	}

	wm.cancel()
	if err := wm.db.Close(); err != nil {
		wm.logger.Warn("Failed to close webhook database", zap.Error(err))
	}
	return nil
}

func (wm *WebhookManager) IsRunning() bool {
	return atomic.LoadInt32(&wm.state) == 1
}

// Create registers a webhook and returns it with a generated signing secret.
// The secret is only shown once.
func (wm *WebhookManager) Create(req *WebhookCreateRequest) (*Webhook, error) {
	if req == nil || req.Event == "" || req.URL == "" {
		return nil, types.Errorf(types.ErrValidationFailed, "webhook event and url are required")
	}
	if !strings.HasPrefix(req.URL, "http://") && !strings.HasPrefix(req.URL, "https://") {
		return nil, types.Errorf(types.ErrValidationFailed, "webhook url must be http or https")
	}

	webhook := &Webhook{
		ID:        generateWebhookID(),
		Event:     req.Event,
		URL:       req.URL,
		Headers:   req.Headers,
		Secret:    generateSecret(),
		Enabled:   true,
		CreatedAt: time.Now().UTC(),
	}

	headers := "{}"
	if len(webhook.Headers) > 0 {
		data, err := utils.Marshal(webhook.Headers)
		if err != nil {
			return nil, types.WrapError(err, "failed to marshal webhook headers")
		}
		headers = string(data)
	}

	_, err := wm.db.Exec(
		`INSERT INTO webhooks (id, event, url, headers, secret, enabled, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		webhook.ID, webhook.Event, webhook.URL, headers, webhook.Secret, webhook.Enabled, webhook.CreatedAt,
	)
	if err != nil {
		return nil, types.WrapError(err, "failed to store webhook")
	}

	wm.logger.Info("Webhook registered",
		zap.String("webhook_id", webhook.ID),
		zap.String("event", webhook.Event))
	return webhook, nil
}

// List returns all registrations with secrets redacted.
func (wm *WebhookManager) List() ([]*Webhook, error) {
	rows, err := wm.db.Query(`SELECT id, event, url, headers, enabled, created_at FROM webhooks ORDER BY created_at`)
	if err != nil {
		return nil, types.WrapError(err, "failed to query webhooks")
	}
	defer rows.Close()

	var webhooks []*Webhook
	for rows.Next() {
		webhook := &Webhook{}
		var headers string
		if err := rows.Scan(&webhook.ID, &webhook.Event, &webhook.URL, &headers, &webhook.Enabled, &webhook.CreatedAt); err != nil {
			return nil, types.WrapError(err, "failed to scan webhook")
		}
		if headers != "" && headers != "{}" {
			_ = utils.Unmarshal([]byte(headers), &webhook.Headers)
		}
		webhooks = append(webhooks, webhook)
	}

	return webhooks, rows.Err()
}

func (wm *WebhookManager) Delete(id string) error {
	result, err := wm.db.Exec(`DELETE FROM webhooks WHERE id = ?`, id)
	if err != nil {
		return types.WrapError(err, "failed to delete webhook")
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return types.Errorf(types.ErrResourceNotFound, "webhook %s not found", id)
	}
	return nil
}

// Notify delivers the event to every enabled registration concurrently.
func (wm *WebhookManager) Notify(event string, payload interface{}) error {
	if !wm.IsRunning() {
		return types.ErrNotifyNotInitialized
	}

	webhooks, err := wm.byEvent(event)
	if err != nil {
		return err
	}
	if len(webhooks) == 0 {
		return nil
	}

	notifyCtx, cancel := context.WithTimeout(wm.ctx, wm.deliveryTimeout)
	defer cancel()

	g, _ := errgroup.WithContext(notifyCtx)
	for _, webhook := range webhooks {
		wh := webhook
		g.Go(func() error {
			start := time.Now()
			err := wm.deliver(notifyCtx, wh, event, payload)
			wm.observe(event, start, err)
			if err != nil {
				wm.logger.Error("Webhook delivery failed",
					zap.String("webhook_id", wh.ID),
					zap.String("url", wh.URL),
					zap.Error(err))
			}
			return err
		})
	}

	if err := g.Wait(); err != nil {
		return types.WrapError(err, "webhook delivery failed")
	}
	return nil
}

func (wm *WebhookManager) byEvent(event string) ([]*Webhook, error) {
	rows, err := wm.db.Query(
		`SELECT id, event, url, headers, secret FROM webhooks WHERE event = ? AND enabled = true`, event)
	if err != nil {
		return nil, types.WrapError(err, "failed to query webhooks")
	}
	defer rows.Close()

	var webhooks []*Webhook
	for rows.Next() {
		webhook := &Webhook{}
		var headers string
		if err := rows.Scan(&webhook.ID, &webhook.Event, &webhook.URL, &headers, &webhook.Secret); err != nil {
			return nil, types.WrapError(err, "failed to scan webhook")
		}
		if headers != "" && headers != "{}" {
			_ = utils.Unmarshal([]byte(headers), &webhook.Headers)
		}
		webhooks = append(webhooks, webhook)
	}

	return webhooks, rows.Err()
}

func (wm *WebhookManager) deliver(ctx context.Context, webhook *Webhook, event string, payload interface{}) error {
	body, err := utils.Marshal(map[string]interface{}{
		"event":     event,
		"timestamp": time.Now().Unix(),
		"data":      payload,
	})
	if err != nil {
		return types.WrapError(err, "failed to marshal webhook payload")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, webhook.URL, strings.NewReader(string(body)))
	if err != nil {
		return types.WrapError(err, "failed to build webhook request")
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "plangen-webhook/1.0")
	for key, value := range webhook.Headers {
		req.Header.Set(key, value)
	}
	if webhook.Secret != "" {
		req.Header.Set("X-Signature", "sha256="+sign(webhook.Secret, body))
	}

	resp, err := wm.client.Do(req)
	if err != nil {
		return types.WrapError(err, "webhook request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return types.NewErrorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

func (wm *WebhookManager) observe(event string, start time.Time, err error) {
	if wm.metrics == nil {
		return
	}

	result := "success"
	if err != nil {
		result = "error"
	}
	wm.metrics.Counter("webhook_deliveries_total", map[string]string{
		"event":  event,
		"result": result,
	}).Inc()
	wm.metrics.Histogram("webhook_delivery_duration_seconds",
		[]float64{0.01, 0.1, 1.0, 5.0, 10.0},
		map[string]string{"event": event}).Observe(time.Since(start).Seconds())
}

func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func generateWebhookID() string {
	return fmt.Sprintf("wh_%d", time.Now().UnixNano())
}

func generateSecret() string {
	bytes := make([]byte, 32)
	_, _ = rand.Read(bytes)
	return hex.EncodeToString(bytes)
}

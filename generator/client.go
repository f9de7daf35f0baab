package generator

import (
	"context"
	"encoding/json"
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/planforge/plangen/types"
	"github.com/planforge/plangen/utils"
)

const (
	DefaultTimeout = 2 * time.Minute
	DefaultRetries = 2
	DefaultModel   = "planner-large"

	generatePath = "/v1/plans/generate"
)

type generateRequest struct {
	Model  string                 `json:"model"`
	Domain types.Domain           `json:"domain"`
	Params types.GenerationParams `json:"params"`
}

type generateResponse struct {
	Payload json.RawMessage `json:"payload"`
	Usage   usagePayload    `json:"usage"`
}

type usagePayload struct {
	Model            string `json:"model"`
	PromptTokens     int    `json:"prompt_tokens"`
	CompletionTokens int    `json:"completion_tokens"`
	TotalTokens      int    `json:"total_tokens"`
}

// Client calls the external plan generation API. The call is slow and
// non-deterministic; transient failures are retried with backoff behind a
// circuit breaker, client errors are not.
type Client struct {
	config  *types.GeneratorConfig
	logger  types.Logger
	metrics types.MetricsManager
	client  *fasthttp.Client
	breaker *CircuitBreaker
	model   string
	retries int
	timeout time.Duration
}

func NewClient(config *types.GeneratorConfig, logger types.Logger, metrics types.MetricsManager) (*Client, error) {
	if config == nil || config.BaseURL == "" {
		return nil, types.Errorf(types.ErrGeneratorUnavailable, "generator base_url is not configured")
	}

	timeout := DefaultTimeout
	if config.Timeout > 0 {
		timeout = config.Timeout
	}
	retries := DefaultRetries
	if config.Retries > 0 {
		retries = config.Retries
	}
	model := DefaultModel
	if config.Model != "" {
		model = config.Model
	}

	return &Client{
		config:  config,
		logger:  logger,
		metrics: metrics,
		client: &fasthttp.Client{
			ReadTimeout:  timeout,
			WriteTimeout: 30 * time.Second,
		},
		breaker: NewCircuitBreaker(config.Breaker, logger),
		model:   model,
		retries: retries,
		timeout: timeout,
	}, nil
}

func (c *Client) Generate(ctx context.Context, domain types.Domain, params types.GenerationParams) (json.RawMessage, *types.UsageMetadata, error) {
	body, err := utils.Marshal(&generateRequest{
		Model:  c.model,
		Domain: domain,
		Params: params,
	})
	if err != nil {
		return nil, nil, types.WrapError(err, "marshal generation request")
	}

	start := time.Now()
	payload, usage, err := c.callWithRetries(ctx, body)
	c.observe(time.Since(start), err)

	if err != nil {
		return nil, nil, err
	}

	return payload, usage, nil
}

func (c *Client) callWithRetries(ctx context.Context, body []byte) (json.RawMessage, *types.UsageMetadata, error) {
	var lastErr error

	for attempt := 0; attempt <= c.retries; attempt++ {
		select {
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		default:
		}

		if !c.breaker.CanExecute() {
			return nil, nil, types.Errorf(types.ErrGeneratorUnavailable, "circuit breaker open")
		}

		payload, usage, statusCode, err := c.call(body)
		if err == nil {
			c.breaker.RecordSuccess()
			return payload, usage, nil
		}

		lastErr = err

		if retryable(statusCode) {
			c.breaker.RecordFailure()
		} else {
			// a definitive upstream rejection, retrying won't change it
			return nil, nil, err
		}

		if attempt < c.retries {
			backoff := time.Duration(attempt+1) * time.Second
			c.logger.Debug("Retrying generation call",
				zap.Int("attempt", attempt+1),
				zap.Duration("backoff", backoff),
				zap.Error(err))

			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, nil, ctx.Err()
			}
		}
	}

	return nil, nil, types.WrapError(types.ErrGeneratorUnavailable, lastErr.Error())
}

func (c *Client) call(body []byte) (json.RawMessage, *types.UsageMetadata, int, error) {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(c.config.BaseURL + generatePath)
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.SetContentType("application/json")
	if c.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	}
	req.SetBody(body)

	if err := c.client.DoTimeout(req, resp, c.timeout); err != nil {
		return nil, nil, 0, types.WrapError(err, "generation call failed")
	}

	statusCode := resp.StatusCode()
	if statusCode != fasthttp.StatusOK {
		return nil, nil, statusCode, types.Errorf(types.ErrGenerationFailed, "generator returned HTTP %d", statusCode)
	}

	var out generateResponse
	if err := utils.Unmarshal(resp.Body(), &out); err != nil {
		return nil, nil, statusCode, types.WrapError(err, "decode generation response")
	}
	if len(out.Payload) == 0 {
		return nil, nil, statusCode, types.Errorf(types.ErrGenerationFailed, "generator returned empty payload")
	}

	return out.Payload, c.buildUsage(out.Usage), statusCode, nil
}

func (c *Client) buildUsage(usage usagePayload) *types.UsageMetadata {
	model := usage.Model
	if model == "" {
		model = c.model
	}

	out := &types.UsageMetadata{
		Model:            model,
		PromptTokens:     usage.PromptTokens,
		CompletionTokens: usage.CompletionTokens,
		TotalTokens:      usage.TotalTokens,
	}
	if out.TotalTokens == 0 {
		out.TotalTokens = usage.PromptTokens + usage.CompletionTokens
	}

	if pricing := c.config.Pricing; pricing != nil {
		out.CostEstimate = float64(usage.PromptTokens)/1000*pricing.PromptPer1K +
			float64(usage.CompletionTokens)/1000*pricing.CompletionPer1K
	}

	return out
}

// retryable reports whether the failure may be transient. Network errors
// arrive with status 0, upstream overload as 429/5xx.
func retryable(statusCode int) bool {
	if statusCode == 0 {
		return true
	}
	return statusCode == fasthttp.StatusTooManyRequests ||
		statusCode == fasthttp.StatusRequestTimeout ||
		statusCode >= 500
}

func (c *Client) observe(elapsed time.Duration, err error) {
	if c.metrics == nil {
		return
	}

	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	c.metrics.Counter("generator_calls_total", map[string]string{"outcome": outcome}).Inc()
	c.metrics.Histogram("generator_call_duration_seconds",
		[]float64{1, 5, 15, 30, 60, 120, 300}, nil).Observe(elapsed.Seconds())
}

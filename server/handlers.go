package server

import (
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/planforge/plangen/notify"
	"github.com/planforge/plangen/types"
	"github.com/planforge/plangen/utils"
)

// API owns the HTTP handlers and binds them to the route table.
type API struct {
	logger     types.Logger
	metrics    types.MetricsManager
	dispatcher types.PlanDispatcher
	identity   types.Identity
	health     types.HealthManager
	webhooks   *notify.WebhookManager
	version    types.VersionInfo
}

func NewAPI(
	logger types.Logger,
	metrics types.MetricsManager,
	dispatcher types.PlanDispatcher,
	identity types.Identity,
	health types.HealthManager,
	webhooks *notify.WebhookManager,
	version types.VersionInfo) *API {
	if identity == nil {
		identity = NewHeaderIdentity()
	}

	return &API{
		logger:     logger,
		metrics:    metrics,
		dispatcher: dispatcher,
		identity:   identity,
		health:     health,
		webhooks:   webhooks,
		version:    version,
	}
}

func (a *API) RegisterRoutes(router types.HTTPRouter) {
	router.POST("/api/v1/plans", a.handleGenerate)
	router.GET("/api/v1/jobs/{id}", a.handleJobStatus)
	router.GET("/api/v1/jobs", a.handleJobList)

	router.GET("/health", a.handleHealth)
	router.GET("/version", a.handleVersion)
	if a.metrics != nil {
		router.GET("/metrics", a.metrics.Handler())
	}

	if a.webhooks != nil {
		router.POST("/api/v1/webhooks", a.handleWebhookCreate)
		router.GET("/api/v1/webhooks", a.handleWebhookList)
		router.Add("DELETE", "/api/v1/webhooks/{id}", a.handleWebhookDelete)
	}
}

func (a *API) handleGenerate(ctx *fasthttp.RequestCtx) {
	userID, ok := a.resolveUser(ctx)
	if !ok {
		return
	}

	var req types.GenerateRequest
	if err := utils.Unmarshal(ctx.PostBody(), &req); err != nil {
		writeError(ctx, fasthttp.StatusBadRequest, "malformed request body")
		return
	}
	req.UserID = userID

	resp, err := a.dispatcher.GenerateOrFetch(ctx, &req)
	if err != nil {
		a.writeDispatchError(ctx, err)
		return
	}

	status := fasthttp.StatusOK
	if resp.JobID != "" {
		status = fasthttp.StatusAccepted
	}
	writeJSON(ctx, status, resp)
}

func (a *API) handleJobStatus(ctx *fasthttp.RequestCtx) {
	userID, ok := a.resolveUser(ctx)
	if !ok {
		return
	}

	jobID, _ := ctx.UserValue("id").(string)

	job, err := a.dispatcher.GetJobStatus(ctx, jobID, userID)
	if err != nil {
		a.writeDispatchError(ctx, err)
		return
	}

	writeJSON(ctx, fasthttp.StatusOK, job)
}

func (a *API) handleJobList(ctx *fasthttp.RequestCtx) {
	userID, ok := a.resolveUser(ctx)
	if !ok {
		return
	}

	jobs, err := a.dispatcher.ListJobs(ctx, userID)
	if err != nil {
		a.writeDispatchError(ctx, err)
		return
	}

	writeJSON(ctx, fasthttp.StatusOK, map[string]interface{}{"jobs": jobs})
}

func (a *API) handleHealth(ctx *fasthttp.RequestCtx) {
	if a.health == nil {
		writeJSON(ctx, fasthttp.StatusOK, map[string]interface{}{
			"status":    types.StatusHealthy,
			"timestamp": time.Now().UTC(),
		})
		return
	}

	report := a.health.Check(ctx)

	status := fasthttp.StatusOK
	if report.Status == types.StatusUnhealthy {
		status = fasthttp.StatusServiceUnavailable
	}
	writeJSON(ctx, status, report)
}

func (a *API) handleVersion(ctx *fasthttp.RequestCtx) {
	writeJSON(ctx, fasthttp.StatusOK, a.version)
}

func (a *API) handleWebhookCreate(ctx *fasthttp.RequestCtx) {
	var req notify.WebhookCreateRequest
	if err := utils.Unmarshal(ctx.PostBody(), &req); err != nil {
		writeError(ctx, fasthttp.StatusBadRequest, "malformed request body")
		return
	}

	webhook, err := a.webhooks.Create(&req)
	if err != nil {
		writeError(ctx, fasthttp.StatusBadRequest, err.Error())
		return
	}

	writeJSON(ctx, fasthttp.StatusCreated, webhook)
}

func (a *API) handleWebhookList(ctx *fasthttp.RequestCtx) {
	webhooks, err := a.webhooks.List()
	if err != nil {
		writeError(ctx, fasthttp.StatusInternalServerError, "failed to list webhooks")
		return
	}

	writeJSON(ctx, fasthttp.StatusOK, map[string]interface{}{"webhooks": webhooks})
}

func (a *API) handleWebhookDelete(ctx *fasthttp.RequestCtx) {
	id, _ := ctx.UserValue("id").(string)

	if err := a.webhooks.Delete(id); err != nil {
		if types.IsError(err, types.ErrResourceNotFound) {
			writeError(ctx, fasthttp.StatusNotFound, "webhook not found")
			return
		}
		writeError(ctx, fasthttp.StatusInternalServerError, "failed to delete webhook")
		return
	}

	ctx.SetStatusCode(fasthttp.StatusNoContent)
}

func (a *API) resolveUser(ctx *fasthttp.RequestCtx) (string, bool) {
	credential := string(ctx.Request.Header.Peek(UserIDHeader))

	userID, err := a.identity.Resolve(ctx, credential)
	if err != nil {
		writeError(ctx, fasthttp.StatusUnauthorized, "user identity required")
		return "", false
	}
	return userID, true
}

func (a *API) writeDispatchError(ctx *fasthttp.RequestCtx, err error) {
	status := statusFor(err)
	if status >= fasthttp.StatusInternalServerError {
		a.logger.Error("Request failed",
			zap.String("path", string(ctx.Path())),
			zap.Error(err))
	}
	writeError(ctx, status, err.Error())
}

func statusFor(err error) int {
	switch {
	case types.IsError(err, types.ErrValidationFailed),
		types.IsError(err, types.ErrDomainUnknown),
		types.IsError(err, types.ErrParamsInvalid):
		return fasthttp.StatusBadRequest
	case types.IsError(err, types.ErrIdentityRequired):
		return fasthttp.StatusUnauthorized
	case types.IsError(err, types.ErrIdentityForbidden):
		return fasthttp.StatusForbidden
	case types.IsError(err, types.ErrJobNotFound):
		return fasthttp.StatusNotFound
	case types.IsError(err, types.ErrDedupWaitTimeout),
		types.IsError(err, types.ErrGenerationTimeout):
		return fasthttp.StatusGatewayTimeout
	case types.IsError(err, types.ErrGeneratorUnavailable),
		types.IsError(err, types.ErrCircuitBreakerOpen),
		types.IsError(err, types.ErrQueuePublishFailed):
		return fasthttp.StatusServiceUnavailable
	default:
		return fasthttp.StatusInternalServerError
	}
}

func writeJSON(ctx *fasthttp.RequestCtx, status int, payload interface{}) {
	body, err := utils.Marshal(payload)
	if err != nil {
		writeError(ctx, fasthttp.StatusInternalServerError, "response encoding failed")
		return
	}

	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	ctx.SetBody(body)
}

func writeError(ctx *fasthttp.RequestCtx, status int, message string) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")

	body, err := utils.Marshal(map[string]string{"error": message})
	if err != nil {
		ctx.SetBodyString(`{"error":"internal error"}`)
		return
	}

	ctx.SetBody(body)
}

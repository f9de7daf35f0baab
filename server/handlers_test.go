package server

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/planforge/plangen/logger"
	"github.com/planforge/plangen/types"
)

type stubDispatcher struct {
	generateResp *types.GenerateResponse
	generateErr  error
	job          *types.Job
	jobErr       error
	jobs         []*types.Job
	lastRequest  *types.GenerateRequest
}

func (d *stubDispatcher) GenerateOrFetch(_ context.Context, req *types.GenerateRequest) (*types.GenerateResponse, error) {
	d.lastRequest = req
	return d.generateResp, d.generateErr
}

func (d *stubDispatcher) GetJobStatus(_ context.Context, jobID, userID string) (*types.Job, error) {
	return d.job, d.jobErr
}

func (d *stubDispatcher) ListJobs(_ context.Context, _ string) ([]*types.Job, error) {
	return d.jobs, nil
}

func newTestServer(t *testing.T, dispatcher types.PlanDispatcher, authToken string) fasthttp.RequestHandler {
	t.Helper()
	log := logger.NewZapWrapper(zap.NewNop())

	router := NewRouter()
	api := NewAPI(log, nil, dispatcher, nil, nil, nil, types.VersionInfo{Version: "1.0.0"})
	api.RegisterRoutes(router)

	server, err := NewHTTPServer(context.Background(), &types.HTTPConfig{
		Port:      8080,
		AuthToken: authToken,
	}, log, nil, router)
	require.NoError(t, err)

	return server.mainHandler()
}

func doRequest(handler fasthttp.RequestHandler, method, uri, userID string, body []byte) *fasthttp.RequestCtx {
	ctx := &fasthttp.RequestCtx{}
	ctx.Request.Header.SetMethod(method)
	ctx.Request.SetRequestURI(uri)
	if userID != "" {
		ctx.Request.Header.Set(UserIDHeader, userID)
	}
	if body != nil {
		ctx.Request.SetBody(body)
	}
	handler(ctx)
	return ctx
}

func TestHandleGenerate_SyncResult(t *testing.T) {
	dispatcher := &stubDispatcher{
		generateResp: &types.GenerateResponse{
			Result: &types.CachedResult{
				Payload: json.RawMessage(`{"meals":[]}`),
				Meta:    types.ResultMeta{CacheHit: true, Tier: types.Tier1},
			},
		},
	}
	handler := newTestServer(t, dispatcher, "")

	ctx := doRequest(handler, "POST", "/api/v1/plans", "user-1",
		[]byte(`{"domain":"diet","params":{"calorie_target":2000},"mode":"sync"}`))

	require.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode())
	require.NotNil(t, dispatcher.lastRequest)
	assert.Equal(t, "user-1", dispatcher.lastRequest.UserID)
	assert.Equal(t, types.DomainDiet, dispatcher.lastRequest.Domain)

	var resp types.GenerateResponse
	require.NoError(t, json.Unmarshal(ctx.Response.Body(), &resp))
	require.NotNil(t, resp.Result)
	assert.True(t, resp.Result.Meta.CacheHit)
}

func TestHandleGenerate_AsyncAccepted(t *testing.T) {
	dispatcher := &stubDispatcher{
		generateResp: &types.GenerateResponse{JobID: "job-1", Status: types.JobStatusPending},
	}
	handler := newTestServer(t, dispatcher, "")

	ctx := doRequest(handler, "POST", "/api/v1/plans", "user-1",
		[]byte(`{"domain":"workout","mode":"async"}`))

	assert.Equal(t, fasthttp.StatusAccepted, ctx.Response.StatusCode())
}

func TestHandleGenerate_MissingIdentity(t *testing.T) {
	handler := newTestServer(t, &stubDispatcher{}, "")

	ctx := doRequest(handler, "POST", "/api/v1/plans", "", []byte(`{"domain":"diet"}`))

	assert.Equal(t, fasthttp.StatusUnauthorized, ctx.Response.StatusCode())
}

func TestHandleGenerate_ErrorMapping(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
	}{
		{"validation", types.ErrValidationFailed, fasthttp.StatusBadRequest},
		{"domain", types.Errorf(types.ErrDomainUnknown, "domain %q", "yoga"), fasthttp.StatusBadRequest},
		{"dedup timeout", types.ErrDedupWaitTimeout, fasthttp.StatusGatewayTimeout},
		{"generator down", types.ErrGeneratorUnavailable, fasthttp.StatusServiceUnavailable},
		{"internal", types.ErrInternalError, fasthttp.StatusInternalServerError},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			handler := newTestServer(t, &stubDispatcher{generateErr: tc.err}, "")

			ctx := doRequest(handler, "POST", "/api/v1/plans", "user-1", []byte(`{"domain":"diet"}`))

			assert.Equal(t, tc.status, ctx.Response.StatusCode())
		})
	}
}

func TestHandleJobStatus(t *testing.T) {
	now := time.Now().UTC()
	dispatcher := &stubDispatcher{
		job: &types.Job{ID: "job-7", UserID: "user-1", Status: types.JobStatusCompleted, CreatedAt: now},
	}
	handler := newTestServer(t, dispatcher, "")

	ctx := doRequest(handler, "GET", "/api/v1/jobs/job-7", "user-1", nil)

	require.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode())

	var job types.Job
	require.NoError(t, json.Unmarshal(ctx.Response.Body(), &job))
	assert.Equal(t, "job-7", job.ID)
	assert.Equal(t, types.JobStatusCompleted, job.Status)
}

func TestHandleJobStatus_NotFoundAndForbidden(t *testing.T) {
	handler := newTestServer(t, &stubDispatcher{jobErr: types.ErrJobNotFound}, "")
	ctx := doRequest(handler, "GET", "/api/v1/jobs/missing", "user-1", nil)
	assert.Equal(t, fasthttp.StatusNotFound, ctx.Response.StatusCode())

	handler = newTestServer(t, &stubDispatcher{jobErr: types.ErrIdentityForbidden}, "")
	ctx = doRequest(handler, "GET", "/api/v1/jobs/job-1", "user-2", nil)
	assert.Equal(t, fasthttp.StatusForbidden, ctx.Response.StatusCode())
}

func TestHandleJobList(t *testing.T) {
	dispatcher := &stubDispatcher{jobs: []*types.Job{
		{ID: "a", Status: types.JobStatusPending},
		{ID: "b", Status: types.JobStatusCompleted},
	}}
	handler := newTestServer(t, dispatcher, "")

	ctx := doRequest(handler, "GET", "/api/v1/jobs", "user-1", nil)

	require.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode())

	var resp struct {
		Jobs []*types.Job `json:"jobs"`
	}
	require.NoError(t, json.Unmarshal(ctx.Response.Body(), &resp))
	assert.Len(t, resp.Jobs, 2)
}

func TestAuthToken(t *testing.T) {
	handler := newTestServer(t, &stubDispatcher{jobs: nil}, "secret-token")

	ctx := doRequest(handler, "GET", "/api/v1/jobs", "user-1", nil)
	assert.Equal(t, fasthttp.StatusUnauthorized, ctx.Response.StatusCode())

	ctx = &fasthttp.RequestCtx{}
	ctx.Request.Header.SetMethod("GET")
	ctx.Request.SetRequestURI("/api/v1/jobs")
	ctx.Request.Header.Set(UserIDHeader, "user-1")
	ctx.Request.Header.Set("Authorization", "Bearer secret-token")
	handler(ctx)
	assert.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode())

	// health stays reachable without the token
	ctx = doRequest(handler, "GET", "/health", "", nil)
	assert.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode())
}

func TestUnknownRouteReturns404(t *testing.T) {
	handler := newTestServer(t, &stubDispatcher{}, "")

	ctx := doRequest(handler, "GET", "/api/v1/unknown", "user-1", nil)
	assert.Equal(t, fasthttp.StatusNotFound, ctx.Response.StatusCode())
}

func TestWriteError_QuotedMessageStaysValidJSON(t *testing.T) {
	ctx := &fasthttp.RequestCtx{}
	writeError(ctx, fasthttp.StatusBadRequest, `field "goal" is required`)

	var body map[string]string
	require.NoError(t, json.Unmarshal(ctx.Response.Body(), &body))
	assert.Equal(t, `field "goal" is required`, body["error"])
}

func TestVersionEndpoint(t *testing.T) {
	handler := newTestServer(t, &stubDispatcher{}, "")

	ctx := doRequest(handler, "GET", "/version", "", nil)
	require.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode())

	var info types.VersionInfo
	require.NoError(t, json.Unmarshal(ctx.Response.Body(), &info))
	assert.Equal(t, "1.0.0", info.Version)
}

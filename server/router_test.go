package server

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"

	"github.com/planforge/plangen/types"
)

func noopHandler(*fasthttp.RequestCtx) {}

func TestRouter_StaticLookup(t *testing.T) {
	router := NewRouter()
	router.GET("/health", noopHandler)
	router.POST("/api/v1/plans", noopHandler)

	handler, params, ok := router.Lookup("GET", "/health")
	require.True(t, ok)
	assert.NotNil(t, handler)
	assert.Nil(t, params)

	_, _, ok = router.Lookup("POST", "/health")
	assert.False(t, ok)

	_, _, ok = router.Lookup("GET", "/missing")
	assert.False(t, ok)
}

func TestRouter_TrailingParam(t *testing.T) {
	router := NewRouter()
	router.GET("/api/v1/jobs/{id}", noopHandler)
	router.GET("/api/v1/jobs", noopHandler)

	handler, params, ok := router.Lookup("GET", "/api/v1/jobs/job-42")
	require.True(t, ok)
	assert.NotNil(t, handler)
	assert.Equal(t, map[string]string{"id": "job-42"}, params)

	_, params, ok = router.Lookup("GET", "/api/v1/jobs")
	require.True(t, ok)
	assert.Nil(t, params)

	_, _, ok = router.Lookup("GET", "/api/v1/jobs/job-42/extra")
	assert.False(t, ok)
}

func TestRouter_NormalizesTrailingSlash(t *testing.T) {
	router := NewRouter()
	router.GET("/api/v1/jobs", noopHandler)

	_, _, ok := router.Lookup("GET", "/api/v1/jobs/")
	assert.True(t, ok)
}

func TestRouter_CustomMethod(t *testing.T) {
	router := NewRouter()
	router.Add("DELETE", "/api/v1/webhooks/{id}", noopHandler)

	_, params, ok := router.Lookup("DELETE", "/api/v1/webhooks/wh_1")
	require.True(t, ok)
	assert.Equal(t, "wh_1", params["id"])
}

func TestRouter_NilHandlerIgnored(t *testing.T) {
	router := NewRouter()
	router.GET("/health", nil)

	_, _, ok := router.Lookup("GET", "/health")
	assert.False(t, ok)
}

var _ types.HTTPRouter = (*Router)(nil)

package server

import (
	"context"
	"fmt"
	"net"
	"runtime"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/planforge/plangen/types"
)

type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

const (
	defaultReadTimeout     = 30
	defaultWriteTimeout    = 30
	defaultIdleTimeout     = 60
	defaultShutdownTimeout = 5 * time.Second
)

var durationBuckets = []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30, 120}

// publicPaths are reachable without the bearer token so probes and
// scrapers keep working when auth is enabled.
var publicPaths = map[string]bool{
	"/health":  true,
	"/version": true,
	"/metrics": true,
}

type HTTPServer struct {
	ctx             context.Context
	cancel          context.CancelFunc
	config          *types.HTTPConfig
	logger          types.Logger
	metrics         types.MetricsManager
	router          types.HTTPRouter
	server          *fasthttp.Server
	listener        net.Listener
	state           atomic.Value
	shutdownTimeout time.Duration
}

func NewHTTPServer(
	ctx context.Context,
	config *types.HTTPConfig,
	logger types.Logger,
	metrics types.MetricsManager,
	router types.HTTPRouter) (*HTTPServer, error) {
	if config == nil {
		return nil, types.ErrConfigIsNil
	}
	if router == nil {
		return nil, types.NewErrorf("http router is required")
	}

	serverCtx, cancel := context.WithCancel(ctx)

	shutdownTimeout := defaultShutdownTimeout
	if config.ShutdownTimeout > 0 {
		shutdownTimeout = time.Duration(config.ShutdownTimeout) * time.Second
	}

	server := &HTTPServer{
		ctx:             serverCtx,
		cancel:          cancel,
		config:          config,
		logger:          logger,
		metrics:         metrics,
		router:          router,
		shutdownTimeout: shutdownTimeout,
	}

	server.state.Store(StateStopped)

	return server, nil
}

func (h *HTTPServer) Start() error {
	if !h.transitionState(StateStopped, StateStarting) {
		return types.ErrServerAlreadyRunning
	}

	defer func() {
		if h.getState() == StateStarting {
			h.setState(StateRunning)
		}
	}()

	readTimeout := h.config.ReadTimeout
	if readTimeout <= 0 {
		readTimeout = defaultReadTimeout
	}
	writeTimeout := h.config.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = defaultWriteTimeout
	}
	idleTimeout := h.config.IdleTimeout
	if idleTimeout <= 0 {
		idleTimeout = defaultIdleTimeout
	}

	h.server = &fasthttp.Server{
		Handler:                      h.mainHandler(),
		ReadTimeout:                  time.Duration(readTimeout) * time.Second,
		WriteTimeout:                 time.Duration(writeTimeout) * time.Second,
		IdleTimeout:                  time.Duration(idleTimeout) * time.Second,
		TCPKeepalive:                 true,
		DisablePreParseMultipartForm: true,
		CloseOnShutdown:              true,
	}

	addr := fmt.Sprintf("%s:%d", h.config.Host, h.config.Port)

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		h.setState(StateStopped)
		return types.WrapError(err, "http listener failed")
	}
	h.listener = listener

	go func() {
		if err := h.server.Serve(h.listener); err != nil {
			if h.getState() == StateRunning {
				h.logger.Error("HTTP server failed", zap.Error(err))
			}
			h.setState(StateStopped)
		}
	}()

	h.logger.Info("HTTP server started",
		zap.String("address", addr),
		zap.Bool("auth", h.config.AuthToken != ""))

	return nil
}

func (h *HTTPServer) Stop() error {
	if !h.transitionState(StateRunning, StateStopping) {
		return types.ErrServerNotRunning
	}

	defer func() {
		h.setState(StateStopped)
		h.cancel()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), h.shutdownTimeout)
	defer cancel()

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if h.server == nil {
			return nil
		}
		if h.listener != nil {
			if err := h.listener.Close(); err != nil {
				h.logger.Error("Failed to close listener", zap.Error(err))
			}
		}
		return h.server.ShutdownWithContext(ctx)
	})

	if err := g.Wait(); err != nil {
		select {
		case <-gCtx.Done():
			h.logger.Warn("Server stop timeout, some connections may not have drained")
		default:
			h.logger.Error("Error during server shutdown", zap.Error(err))
		}
	} else {
		h.logger.Info("HTTP server stopped gracefully")
	}

	return nil
}

func (h *HTTPServer) IsRunning() bool {
	return h.getState() == StateRunning
}

func (h *HTTPServer) getState() State {
	return h.state.Load().(State)
}

func (h *HTTPServer) setState(newState State) bool {
	return h.state.CompareAndSwap(h.getState(), newState)
}

func (h *HTTPServer) transitionState(from, to State) bool {
	return h.state.CompareAndSwap(from, to)
}

func (h *HTTPServer) mainHandler() fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		start := time.Now()

		defer h.recoverPanic(ctx)

		method := string(ctx.Method())
		path := normalizePath(string(ctx.Path()))

		handler, params, ok := h.router.Lookup(method, path)
		if !ok {
			if method == fasthttp.MethodOptions {
				ctx.SetStatusCode(fasthttp.StatusNoContent)
				return
			}
			writeError(ctx, fasthttp.StatusNotFound, "not found")
			h.observe(method, path, fasthttp.StatusNotFound, start)
			return
		}

		if !h.authorize(ctx, path) {
			writeError(ctx, fasthttp.StatusUnauthorized, "unauthorized")
			h.observe(method, path, fasthttp.StatusUnauthorized, start)
			return
		}

		route := path
		for name, value := range params {
			ctx.SetUserValue(name, value)
			route = strings.TrimSuffix(route, "/"+value) + "/{" + name + "}"
		}

		handler(ctx)

		status := ctx.Response.StatusCode()
		h.observe(method, route, status, start)
		h.logRequest(ctx, method, path, status, time.Since(start))
	}
}

// authorize enforces the static bearer token when one is configured.
// User identity is a separate concern resolved by the handlers.
func (h *HTTPServer) authorize(ctx *fasthttp.RequestCtx, path string) bool {
	if h.config.AuthToken == "" || publicPaths[path] {
		return true
	}

	auth := string(ctx.Request.Header.Peek("Authorization"))
	token, ok := strings.CutPrefix(auth, "Bearer ")
	return ok && token == h.config.AuthToken
}

func (h *HTTPServer) recoverPanic(ctx *fasthttp.RequestCtx) {
	rec := recover()
	if rec == nil {
		return
	}

	stack := make([]byte, 4096)
	stack = stack[:runtime.Stack(stack, false)]

	h.logger.Error("Panic in HTTP handler",
		zap.Any("panic", rec),
		zap.String("method", string(ctx.Method())),
		zap.String("path", string(ctx.Path())),
		zap.String("stack", string(stack)))

	if h.metrics != nil {
		h.metrics.Counter("http_panics_total", nil).Inc()
	}

	writeError(ctx, fasthttp.StatusInternalServerError, "internal error")
}

func (h *HTTPServer) observe(method, route string, status int, start time.Time) {
	if h.metrics == nil {
		return
	}

	labels := map[string]string{
		"method": method,
		"route":  route,
		"status": strconv.Itoa(status),
	}
	h.metrics.Counter("http_requests_total", labels).Inc()
	h.metrics.Histogram("http_request_duration_seconds", durationBuckets, labels).ObserveDuration(start)
}

func (h *HTTPServer) logRequest(ctx *fasthttp.RequestCtx, method, path string, status int, duration time.Duration) {
	fields := []zap.Field{
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", status),
		zap.Duration("duration", duration),
		zap.String("remote_addr", ctx.RemoteAddr().String()),
	}

	if userID := string(ctx.Request.Header.Peek(UserIDHeader)); userID != "" {
		fields = append(fields, zap.String("user_id", userID))
	}

	if status >= fasthttp.StatusInternalServerError {
		h.logger.Error("Request completed", fields...)
		return
	}
	h.logger.Info("Request completed", fields...)
}

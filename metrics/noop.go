package metrics

import (
	"sync/atomic"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/planforge/plangen/types"
)

// NoopMetrics satisfies the manager contract when metrics are disabled,
// so callers never have to nil-check before recording.
type NoopMetrics struct {
	running int32
}

func NewNoopMetrics() types.MetricsManager {
	return &NoopMetrics{}
}

func (n *NoopMetrics) Start() error {
	atomic.StoreInt32(&n.running, 1)
	return nil
}

func (n *NoopMetrics) Stop() error {
	atomic.StoreInt32(&n.running, 0)
	return nil
}

func (n *NoopMetrics) IsRunning() bool {
	return atomic.LoadInt32(&n.running) == 1
}

func (n *NoopMetrics) Counter(_ string, _ map[string]string) types.Counter {
	return &noopCounter{}
}

func (n *NoopMetrics) Gauge(_ string, _ map[string]string) types.Gauge {
	return &noopGauge{}
}

func (n *NoopMetrics) Histogram(_ string, _ []float64, _ map[string]string) types.Histogram {
	return &noopHistogram{}
}

func (n *NoopMetrics) GetMetrics() ([]byte, error) {
	return []byte("[]"), nil
}

func (n *NoopMetrics) Handler() types.FastHTTPHandler {
	return func(ctx *fasthttp.RequestCtx) {
		ctx.SetStatusCode(fasthttp.StatusNoContent)
	}
}

type noopCounter struct{}

func (c *noopCounter) Inc()          {}
func (c *noopCounter) Add(_ float64) {}
func (c *noopCounter) Get() float64  { return 0 }

type noopGauge struct{}

func (g *noopGauge) Set(_ float64) {}
func (g *noopGauge) Inc()          {}
func (g *noopGauge) Dec()          {}
func (g *noopGauge) Add(_ float64) {}
func (g *noopGauge) Sub(_ float64) {}
func (g *noopGauge) Get() float64  { return 0 }

type noopHistogram struct{}

func (h *noopHistogram) Observe(_ float64)           {}
func (h *noopHistogram) ObserveDuration(_ time.Time) {}

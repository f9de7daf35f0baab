package metrics

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/planforge/plangen/types"
)

const (
	stateStopped  = "stopped"
	stateStarting = "starting"
	stateRunning  = "running"
	stateStopping = "stopping"
)

type Manager struct {
	logger  types.Logger
	manager types.MetricsManager
	state   atomic.Value
}

var customMetricsCreators = sync.Map{}

func RegisterMetricsManager(name string, creator types.MetricsManagerCreator) {
	customMetricsCreators.Store(name, creator)
}

func NewManager(config types.ConfigManager, logger types.Logger) (types.MetricsManager, error) {
	metricsConfig := config.GetConfig().Metrics

	if metricsConfig == nil || !metricsConfig.Enabled {
		return nil, types.ErrMetricsIsDisabled
	}

	wrapper := &Manager{logger: logger}
	wrapper.state.Store(stateStopped)

	if err := wrapper.initializeManager(metricsConfig); err != nil {
		return nil, types.WrapError(err, "failed to initialize metrics manager")
	}

	return wrapper, nil
}

func (w *Manager) initializeManager(metricsConfig *types.MetricsConfig) error {
	var manager types.MetricsManager
	var err error

	switch metricsConfig.Type {
	case "", "prometheus":
		manager, err = NewPrometheusMetrics(w.logger, metricsConfig)
	case "noop":
		manager = NewNoopMetrics()
	default:
		if creator, exists := customMetricsCreators.Load(metricsConfig.Type); exists {
			manager, err = creator.(types.MetricsManagerCreator)(metricsConfig)
		} else {
			return types.Errorf(types.ErrMetricsTypeUnknown, "type: %s", metricsConfig.Type)
		}
	}

	if err != nil {
		return err
	}

	w.manager = manager
	w.logger.Info("Metrics manager initialized", zap.String("type", metricsConfig.Type))
	return nil
}

func (w *Manager) Start() error {
	if !w.state.CompareAndSwap(stateStopped, stateStarting) {
		return types.ErrServerAlreadyRunning
	}

	if err := w.manager.Start(); err != nil {
		w.state.Store(stateStopped)
		return types.WrapError(err, "failed to start metrics manager")
	}

	w.state.Store(stateRunning)
	w.logger.Info("Metrics manager started")
	return nil
}

func (w *Manager) Stop() error {
	if !w.state.CompareAndSwap(stateRunning, stateStopping) {
		return types.ErrServerNotRunning
	}

	defer w.state.Store(stateStopped)

	if err := w.manager.Stop(); err != nil {
		w.logger.Error("Error during metrics manager shutdown", zap.Error(err))
	}

	return nil
}

func (w *Manager) IsRunning() bool {
	return w.state.Load() == stateRunning
}

func (w *Manager) Counter(name string, labels map[string]string) types.Counter {
	if w.IsRunning() {
		return w.manager.Counter(name, labels)
	}
	return &emptyCounter{}
}

func (w *Manager) Gauge(name string, labels map[string]string) types.Gauge {
	if w.IsRunning() {
		return w.manager.Gauge(name, labels)
	}
	return &emptyGauge{}
}

func (w *Manager) Histogram(name string, buckets []float64, labels map[string]string) types.Histogram {
	if w.IsRunning() {
		return w.manager.Histogram(name, buckets, labels)
	}
	return &emptyHistogram{}
}

func (w *Manager) GetMetrics() ([]byte, error) {
	if w.IsRunning() {
		return w.manager.GetMetrics()
	}
	return nil, types.ErrMetricsIsDisabled
}

func (w *Manager) Handler() types.FastHTTPHandler {
	return w.manager.Handler()
}

type emptyCounter struct{}

func (c *emptyCounter) Inc()          {}
func (c *emptyCounter) Add(_ float64) {}
func (c *emptyCounter) Get() float64  { return 0 }

type emptyGauge struct{}

func (g *emptyGauge) Set(_ float64) {}
func (g *emptyGauge) Inc()          {}
func (g *emptyGauge) Dec()          {}
func (g *emptyGauge) Add(_ float64) {}
func (g *emptyGauge) Sub(_ float64) {}
func (g *emptyGauge) Get() float64  { return 0 }

type emptyHistogram struct{}

func (h *emptyHistogram) Observe(_ float64)           {}
func (h *emptyHistogram) ObserveDuration(_ time.Time) {}

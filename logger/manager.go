package logger

import (
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/planforge/plangen/types"
)

const (
	StateStopped  = "stopped"
	StateStarting = "starting"
	StateRunning  = "running"
	StateStopping = "stopping"
)

type Manager struct {
	logger types.Logger
	config *types.LoggerConfig
	state  atomic.Value
}

func NewManager(config *types.LoggerConfig, creator types.LoggerCreator) (types.LoggerManager, error) {
	if config == nil {
		return nil, types.ErrLoggerConfigIsNil
	}

	if creator == nil {
		creator = NewDefaultLogger
	}

	logger, err := creator(config)
	if err != nil {
		return nil, types.WrapError(err, "failed to create logger")
	}

	m := &Manager{
		logger: logger,
		config: config,
	}
	m.state.Store(StateStopped)

	return m, nil
}

func (m *Manager) Start() error {
	if !m.state.CompareAndSwap(StateStopped, StateStarting) {
		return types.ErrLoggerAlreadyRunning
	}

	m.state.Store(StateRunning)
	m.logger.Info("Logger manager started", zap.String("level", m.config.Level))

	return nil
}

func (m *Manager) Stop() error {
	if !m.state.CompareAndSwap(StateRunning, StateStopping) {
		return types.ErrLoggerNotRunning
	}

	defer m.state.Store(StateStopped)

	if syncer, ok := m.logger.(interface{ Sync() error }); ok {
		// stdout sync errors are expected on some platforms, ignore them
		_ = syncer.Sync()
	}

	return nil
}

func (m *Manager) IsRunning() bool {
	return m.state.Load() == StateRunning
}

func (m *Manager) GetLogger() types.Logger {
	return m.logger
}

func (m *Manager) Error(msg string, fields ...zap.Field) { m.logger.Error(msg, fields...) }

func (m *Manager) ErrorWithErrStack(msg string, err error, fields ...zap.Field) {
	m.logger.ErrorWithErrStack(msg, err, fields...)
}

func (m *Manager) Warn(msg string, fields ...zap.Field)  { m.logger.Warn(msg, fields...) }
func (m *Manager) Info(msg string, fields ...zap.Field)  { m.logger.Info(msg, fields...) }
func (m *Manager) Debug(msg string, fields ...zap.Field) { m.logger.Debug(msg, fields...) }

func (m *Manager) Log(lvl zapcore.Level, msg string, fields ...zap.Field) {
	m.logger.Log(lvl, msg, fields...)
}

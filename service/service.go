package service

import (
	"context"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"

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
	defaultShutdownTimeout = 30 * time.Second
)

// Service owns every component and wires them explicitly: constructor
// injection only, no ambient container.
type Service struct {
	ctx    context.Context
	cancel context.CancelFunc

	config  types.ConfigManager
	logger  types.LoggerManager
	metrics types.MetricsManager
	health  types.HealthManager

	database    types.DatabaseManager
	cache       types.PlanCache
	coordinator types.DedupCoordinator
	jobs        types.JobStore
	publisher   types.QueuePublisher
	consumer    types.LifecycleManager
	scheduler   types.CronManager
	notify      types.NotifyBroker
	server      types.HTTPServer

	done            chan struct{}
	state           atomic.Value
	shutdownTimeout time.Duration
}

func NewService(ctx context.Context, configPath string) (*Service, error) {
	if configPath == "" {
		return nil, types.ErrConfigInvalidPath
	}

	if _, err := os.Stat(configPath); err != nil {
		return nil, types.WrapError(err, "config file does not exist")
	}

	serviceCtx, cancel := context.WithCancel(ctx)

	service := &Service{
		ctx:             serviceCtx,
		cancel:          cancel,
		done:            make(chan struct{}),
		shutdownTimeout: defaultShutdownTimeout,
	}
	service.state.Store(StateStopped)

	if err := service.build(configPath); err != nil {
		cancel()
		return nil, types.WrapError(err, "failed to build components")
	}

	return service, nil
}

func (s *Service) Start() error {
	if !s.transitionState(StateStopped, StateStarting) {
		return types.ErrServiceIsRunning
	}

	log := s.logger.GetLogger()
	log.Info("Starting service")

	if err := s.startComponents(); err != nil {
		s.stopComponents()
		s.setState(StateStopped)
		return types.WrapError(err, "failed to start components")
	}

	s.setState(StateRunning)
	log.Info("Service started successfully")
	return nil
}

// Run starts the service and blocks until a termination signal arrives or
// Stop is called.
func (s *Service) Run() error {
	if err := s.Start(); err != nil {
		return err
	}

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(signals)

	select {
	case sig := <-signals:
		s.logger.GetLogger().Info("Received shutdown signal", zap.String("signal", sig.String()))
	case <-s.ctx.Done():
	case <-s.done:
	}

	return s.Stop()
}

func (s *Service) Stop() error {
	if !s.transitionState(StateRunning, StateStopping) {
		if s.getState() == StateStopped {
			return nil
		}
		return types.ErrServiceIsNotRunning
	}

	log := s.logger.GetLogger()
	log.Info("Stopping service...")

	s.stopComponents()

	s.setState(StateStopped)
	s.cancel()
	close(s.done)

	log.Info("Service stopped gracefully")
	return nil
}

func (s *Service) IsRunning() bool {
	return s.getState() == StateRunning
}

// startComponents brings components up in dependency order: storage before
// orchestration, transport before the scheduler, HTTP last.
func (s *Service) startComponents() error {
	log := s.logger.GetLogger()

	ordered := []struct {
		name     string
		manager  types.LifecycleManager
		required bool
	}{
		{"logger", s.logger, true},
		{"metrics", s.metrics, false},
		{"health", s.health, false},
		{"database", s.database, true},
		{"cache", s.cache, true},
		{"dedup coordinator", s.coordinator, false},
		{"job store", s.jobs, true},
		{"notify broker", s.notify, false},
		{"queue publisher", s.publisher, false},
		{"queue consumer", s.consumer, false},
		{"scheduler", s.scheduler, false},
		{"http server", s.server, true},
	}

	for _, component := range ordered {
		if component.manager == nil {
			continue
		}

		if err := component.manager.Start(); err != nil {
			if component.required {
				return types.WrapError(err, "failed to start "+component.name)
			}
			log.Error("Failed to start "+component.name+", continuing degraded", zap.Error(err))
		}
	}

	return nil
}

// stopComponents tears down in reverse order so in-flight requests drain
// before their dependencies disappear. Errors are logged, never fatal.
func (s *Service) stopComponents() {
	log := s.logger.GetLogger()

	ordered := []struct {
		name    string
		manager types.LifecycleManager
	}{
		{"http server", s.server},
		{"scheduler", s.scheduler},
		{"queue consumer", s.consumer},
		{"queue publisher", s.publisher},
		{"notify broker", s.notify},
		{"job store", s.jobs},
		{"dedup coordinator", s.coordinator},
		{"cache", s.cache},
		{"database", s.database},
		{"health", s.health},
		{"metrics", s.metrics},
		{"logger", s.logger},
	}

	for _, component := range ordered {
		if component.manager == nil || !component.manager.IsRunning() {
			continue
		}

		if err := component.manager.Stop(); err != nil {
			log.Error("Failed to stop "+component.name, zap.Error(err))
		}
	}
}

func (s *Service) getState() State {
	return s.state.Load().(State)
}

func (s *Service) setState(newState State) bool {
	return s.state.CompareAndSwap(s.getState(), newState)
}

func (s *Service) transitionState(from, to State) bool {
	return s.state.CompareAndSwap(from, to)
}

package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/planforge/plangen/cache"
	"github.com/planforge/plangen/config"
	"github.com/planforge/plangen/cron"
	"github.com/planforge/plangen/database"
	"github.com/planforge/plangen/dedup"
	"github.com/planforge/plangen/dispatcher"
	"github.com/planforge/plangen/fingerprint"
	"github.com/planforge/plangen/generation"
	"github.com/planforge/plangen/generator"
	"github.com/planforge/plangen/health"
	"github.com/planforge/plangen/jobstore"
	"github.com/planforge/plangen/logger"
	"github.com/planforge/plangen/metrics"
	"github.com/planforge/plangen/notify"
	"github.com/planforge/plangen/poller"
	"github.com/planforge/plangen/queue"
	"github.com/planforge/plangen/server"
	"github.com/planforge/plangen/types"
)

// build constructs every component from configuration. Optional subsystems
// (queue, dedup, notify, metrics) that are disabled stay nil and the rest of
// the service degrades around them.
func (s *Service) build(configPath string) error {
	configManager, err := config.NewConfigurationManager(s.ctx, configPath)
	if err != nil {
		return err
	}
	s.config = configManager
	cfg := configManager.GetConfig()

	loggerConfig := cfg.Logger
	if loggerConfig == nil {
		loggerConfig = &types.LoggerConfig{Type: "console", Level: "info"}
	}
	loggerManager, err := logger.NewManager(loggerConfig, nil)
	if err != nil {
		return err
	}
	s.logger = loggerManager
	log := loggerManager.GetLogger()

	var metricsManager types.MetricsManager
	if cfg.Metrics != nil && cfg.Metrics.Enabled {
		metricsManager, err = metrics.NewManager(configManager, log)
		if err != nil {
			return types.WrapError(err, "failed to create metrics manager")
		}
		s.metrics = metricsManager
	}

	var healthManager types.HealthManager
	if cfg.Health == nil || cfg.Health.Enabled {
		manager, err := health.NewManager(s.ctx, configManager, log)
		if err != nil {
			return types.WrapError(err, "failed to create health manager")
		}
		healthManager = manager
		s.health = manager
	}

	db, err := database.NewManager(s.ctx, configManager, log, metricsManager)
	if err != nil {
		return types.WrapError(err, "failed to create database manager")
	}
	s.database = db

	planCache, err := cache.NewPlanCache(configManager, log, metricsManager, db)
	if err != nil {
		return types.WrapError(err, "failed to create plan cache")
	}
	s.cache = planCache

	var coordinator types.DedupCoordinator
	if cfg.Dedup == nil || cfg.Dedup.Enabled {
		leases, err := dedup.NewLeaseStore(cfg.Dedup, log)
		if err != nil {
			return types.WrapError(err, "failed to create lease store")
		}
		coordinator = dedup.NewCoordinator(cfg.Dedup, log, metricsManager, leases, planCache)
		s.coordinator = coordinator
	}

	jobs := jobstore.NewStore(cfg.Jobs, log, db)
	s.jobs = jobs

	generatorClient, err := generator.NewClient(cfg.Generator, log, metricsManager)
	if err != nil {
		return types.WrapError(err, "failed to create generator client")
	}
	planValidator := generator.NewValidator()

	var notifyBroker types.NotifyBroker
	var webhooks *notify.WebhookManager
	broker, err := notify.NewBroker(s.ctx, cfg.Notify, log, metricsManager)
	switch {
	case err == nil:
		notifyBroker = broker
		s.notify = broker
		if concrete, ok := broker.(*notify.Broker); ok {
			webhooks = concrete.Webhooks()
		}
	case types.IsError(err, types.ErrNotifyIsDisabled):
		log.Info("Notify broker disabled")
	default:
		return types.WrapError(err, "failed to create notify broker")
	}

	processor := generation.NewProcessor(cfg.Jobs, log, metricsManager,
		jobs, planCache, generatorClient, planValidator, notifyBroker)

	var publisher types.QueuePublisher
	if cfg.Queue != nil && cfg.Queue.Enabled {
		queueConfig := *cfg.Queue
		if queueConfig.NakDelay <= 0 && cfg.Jobs != nil {
			// failed deliveries wait out the same delay as re-queued poll jobs
			queueConfig.NakDelay = cfg.Jobs.RetryDelay
		}
		queuePublisher, err := queue.NewPublisher(&queueConfig, log, metricsManager)
		if err != nil {
			return types.WrapError(err, "failed to create queue publisher")
		}
		queueConsumer, err := queue.NewConsumer(&queueConfig, log, metricsManager, processor)
		if err != nil {
			return types.WrapError(err, "failed to create queue consumer")
		}
		publisher = queuePublisher
		s.publisher = queuePublisher
		s.consumer = queueConsumer
	}

	if cfg.Poller == nil || cfg.Poller.Enabled {
		timezone := ""
		if cfg.Poller != nil {
			timezone = cfg.Poller.Timezone
		}
		scheduler := cron.NewManager(s.ctx, timezone, log, metricsManager)
		fallback := poller.NewFallback(cfg.Poller, cfg.Jobs, log, metricsManager, jobs, processor)
		if err := fallback.Register(scheduler); err != nil {
			return types.WrapError(err, "failed to register polling fallback")
		}
		s.scheduler = scheduler
	}

	planDispatcher := dispatcher.New(log, metricsManager, fingerprint.NewBuilder(true),
		planCache, coordinator, jobs, publisher, processor)

	if cfg.Server == nil || cfg.Server.HTTP == nil {
		return types.Errorf(types.ErrConfigIsNil, "server.http section is required")
	}

	router := server.NewRouter()
	api := server.NewAPI(log, metricsManager, planDispatcher, server.NewHeaderIdentity(),
		healthManager, webhooks, types.VersionInfo{
			Version:   cfg.Version,
			BuildInfo: health.GetBuildInfo(),
		})
	api.RegisterRoutes(router)

	httpServer, err := server.NewHTTPServer(s.ctx, cfg.Server.HTTP, log, metricsManager, router)
	if err != nil {
		return types.WrapError(err, "failed to create http server")
	}
	s.server = httpServer

	s.registerHealthCheckers()

	log.Info("Components built",
		zap.Bool("metrics", s.metrics != nil),
		zap.Bool("dedup", s.coordinator != nil),
		zap.Bool("queue", s.publisher != nil),
		zap.Bool("poller", s.scheduler != nil),
		zap.Bool("notify", s.notify != nil))

	return nil
}

func (s *Service) registerHealthCheckers() {
	if s.health == nil {
		return
	}

	s.health.RegisterChecker("database", lifecycleChecker("database", s.database))
	s.health.RegisterChecker("cache", lifecycleChecker("cache", s.cache))
	s.health.RegisterChecker("job_store", lifecycleChecker("job_store", s.jobs))
	if s.coordinator != nil {
		s.health.RegisterChecker("dedup", lifecycleChecker("dedup", s.coordinator))
	}
	if s.publisher != nil {
		s.health.RegisterChecker("queue_publisher", lifecycleChecker("queue_publisher", s.publisher))
	}
	if s.consumer != nil {
		s.health.RegisterChecker("queue_consumer", lifecycleChecker("queue_consumer", s.consumer))
	}
}

func lifecycleChecker(name string, manager types.LifecycleManager) types.HealthChecker {
	return func(_ context.Context) types.HealthCheck {
		start := time.Now()

		status := types.StatusHealthy
		message := ""
		if !manager.IsRunning() {
			status = types.StatusUnhealthy
			message = "not running"
		}

		return types.HealthCheck{
			Name:      name,
			Status:    status,
			Message:   message,
			LastCheck: time.Now().UTC(),
			Duration:  time.Since(start),
		}
	}
}

package config

import (
	"context"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/planforge/plangen/types"
)

type Loader struct {
	validator *validator.Validate
}

func NewLoader() *Loader {
	return &Loader{
		validator: validator.New(validator.WithRequiredStructEnabled()),
	}
}

func (l *Loader) LoadFromFile(ctx context.Context, configPath string) (*types.ServiceConfig, map[string]interface{}, error) {
	if configPath == "" {
		return nil, nil, types.ErrConfigNotFound
	}

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil, nil, types.WrapError(err, "file not found: "+configPath)
	}

	data, err := l.readFileWithTimeout(ctx, configPath)
	if err != nil {
		return nil, nil, types.WrapError(err, "failed to read config file")
	}

	config := l.Defaults()

	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, nil, types.WrapError(err, "failed to parse YAML config")
	}

	if err := l.validator.Struct(config); err != nil {
		return nil, nil, types.WrapError(err, "config validation failed")
	}

	rawData := make(map[string]interface{})
	if err := yaml.Unmarshal(data, &rawData); err != nil {
		return nil, nil, types.WrapError(err, "failed to parse raw YAML config")
	}

	return config, rawData, nil
}

func (l *Loader) readFileWithTimeout(ctx context.Context, filepath string) ([]byte, error) {
	type result struct {
		data []byte
		err  error
	}

	resultChan := make(chan result, 1)

	go func() {
		data, err := os.ReadFile(filepath)
		resultChan <- result{data: data, err: err}
	}()

	select {
	case res := <-resultChan:
		return res.data, res.err
	case <-ctx.Done():
		return nil, types.WrapError(ctx.Err(), "file read timeout")
	}
}

func (l *Loader) Defaults() *types.ServiceConfig {
	return &types.ServiceConfig{
		Server: &types.ServerConfig{
			HTTP: &types.HTTPConfig{
				Host:            "localhost",
				Port:            8080,
				ReadTimeout:     30,
				WriteTimeout:    30,
				IdleTimeout:     120,
				ShutdownTimeout: 10,
			},
		},
		Logger: &types.LoggerConfig{
			Level: "debug",
		},
		Cache: &types.CacheConfig{
			Enabled: true,
			Tier1: &types.TierConfig{
				Type: "memory",
				TTL:  30 * time.Minute,
			},
		},
		Database: &types.DatabaseConfig{
			Enabled: true,
			Type:    "clover",
			Path:    "./data/plangen",
		},
		Dedup: &types.DedupConfig{
			Enabled:     true,
			Store:       "memory",
			LeaseTTL:    90 * time.Second,
			MaxWait:     3 * time.Minute,
			PollInitial: 50 * time.Millisecond,
			PollMax:     2 * time.Second,
		},
		Jobs: &types.JobsConfig{
			Collection:        "plan_jobs",
			MaxAttempts:       3,
			RetryDelay:        30 * time.Second,
			GenerationTimeout: 2 * time.Minute,
		},
		Queue: &types.QueueConfig{
			Enabled:       false,
			URL:           "nats://localhost:4222",
			Topic:         "plangen.jobs",
			StreamName:    "PLANGEN_JOBS",
			DurableName:   "plangen-consumer",
			QueueGroup:    "plangen",
			Subscribers:   4,
			MaxDeliver:    3,
			MaxAckPending: 64,
			AckWait:       3 * time.Minute,
			MaxReconnects: -1,
			ReconnectWait: 2 * time.Second,
			CloseTimeout:  10 * time.Second,
		},
		Poller: &types.PollerConfig{
			Enabled:   true,
			Schedule:  "*/15 * * * * *",
			BatchSize: 1,
			Timezone:  "UTC",
		},
		Generator: &types.GeneratorConfig{
			Timeout: 2 * time.Minute,
			Retries: 2,
			Breaker: &types.BreakerConfig{
				Enabled:          true,
				FailureThreshold: 5,
				RecoveryTimeout:  30 * time.Second,
				HalfOpenRequests: 2,
			},
		},
		Metrics: &types.MetricsConfig{
			Enabled: false,
			Type:    "prometheus",
			Path:    "/metrics",
		},
		Health: &types.HealthConfig{
			Enabled: true,
		},
		Notify: &types.NotifyConfig{
			Enabled: false,
		},
	}
}

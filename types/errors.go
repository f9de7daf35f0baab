package types

import (
	"errors"
	"fmt"
)

var (
	ErrConfigNotFound       = errors.New("config not found")
	ErrConfigInvalidPath    = errors.New("config invalid path")
	ErrConfigParseFailed    = errors.New("config parse failed")
	ErrConfigIsNil          = errors.New("config is nil")
	ErrConfigLoadFailed     = errors.New("config load failed")
	ErrConfigValidateFailed = errors.New("config validate failed")
	ErrLoggerConfigInvalid  = errors.New("logger config invalid")
)

var (
	ErrServerNotRunning     = errors.New("server not running")
	ErrServerAlreadyRunning = errors.New("server already running")
	ErrServerStartFailed    = errors.New("server start failed")
	ErrServerStopFailed     = errors.New("server stop failed")
	ErrHandlerIsNil         = errors.New("handler is nil")
	ErrAuthTokenInvalid     = errors.New("auth token invalid")
)

var (
	ErrCacheKeyEmpty         = errors.New("cache key empty")
	ErrCacheConnectionFailed = errors.New("cache connection failed")
	ErrCacheTypeUnknown      = errors.New("cache type unknown")
	ErrCacheTierUnavailable  = errors.New("cache tier unavailable")
	ErrCacheEntryNotFound    = errors.New("cache entry not found")
)

var (
	ErrDatabaseIsDisabled       = errors.New("database manager is disabled")
	ErrDatabaseTypeUnknown      = errors.New("database type unknown")
	ErrDatabaseCollectionExists = errors.New("database collection exists")
)

var (
	ErrLeaseHeld         = errors.New("lease already held")
	ErrLeaseNotHeld      = errors.New("lease not held by caller")
	ErrDedupWaitTimeout  = errors.New("dedup wait timeout")
	ErrDedupStoreFailed  = errors.New("dedup store operation failed")
	ErrFingerprintEmpty  = errors.New("fingerprint empty")
	ErrDomainUnknown     = errors.New("domain unknown")
	ErrParamsInvalid     = errors.New("generation params invalid")
	ErrIdentityRequired  = errors.New("identity required")
	ErrIdentityForbidden = errors.New("identity forbidden")
)

var (
	ErrJobNotFound           = errors.New("job not found")
	ErrJobStatusInvalid      = errors.New("job status invalid")
	ErrJobTerminal           = errors.New("job already in terminal status")
	ErrJobAttemptsExhausted  = errors.New("job attempts exhausted")
	ErrGenerationFailed      = errors.New("generation failed")
	ErrGenerationTimeout     = errors.New("generation timeout")
	ErrValidationFailed      = errors.New("plan validation failed")
	ErrGeneratorUnavailable  = errors.New("generator unavailable")
	ErrCircuitBreakerOpen    = errors.New("circuit breaker open")
	ErrQueueIsDisabled       = errors.New("queue transport is disabled")
	ErrQueuePublishFailed    = errors.New("queue publish failed")
	ErrQueueConnectionFailed = errors.New("queue connection failed")
)

var (
	ErrCronJobNotFound       = errors.New("cron job not found")
	ErrCronIsRunning         = errors.New("cron is running")
	ErrCronSchedulerStopped  = errors.New("cron scheduler stopped")
	ErrCronJobExists         = errors.New("cron job exists")
	ErrCronExpressionInvalid = errors.New("cron expression invalid")
	ErrCronJobFailed         = errors.New("cron job failed")
	ErrCronJobNameIsEmpty    = errors.New("cron job name is empty")
	ErrCronJobIsNil          = errors.New("cron job is nil")
	ErrCronJobTimeout        = errors.New("cron job timeout")
)

var (
	ErrMetricsTypeUnknown   = errors.New("metrics type unknown")
	ErrMetricsStartFailed   = errors.New("metrics start failed")
	ErrMetricsConfigInvalid = errors.New("metrics config invalid")
	ErrMetricsIsDisabled    = errors.New("metrics manager is disabled")
)

var (
	ErrHealthCheckFailed    = errors.New("health check failed")
	ErrHealthCheckTimeout   = errors.New("health check timeout")
	ErrLogFileIsEmpty       = errors.New("log file is empty")
	ErrLogFileWrongFormat   = errors.New("log file wrong format")
	ErrLoggerTypeUnknown    = errors.New("logger type unknown")
	ErrLoggerConfigIsNil    = errors.New("logger config is nil")
	ErrLoggerAlreadyRunning = errors.New("logger already running")
	ErrLoggerNotRunning     = errors.New("logger not running")
)

var (
	ErrNotifyIsDisabled     = errors.New("notify broker is disabled")
	ErrNotifyNotInitialized = errors.New("notify broker not initialized")
	ErrNotifyPublishFailed  = errors.New("notify publish failed")
	ErrNotifyTypeUnknown    = errors.New("notify broker type unknown")
)

var (
	ErrServiceIsRunning    = errors.New("service is running")
	ErrServiceIsNotRunning = errors.New("service is not running")
	ErrInvalidParameter    = errors.New("invalid parameter")
	ErrOperationFailed     = errors.New("operation failed")
	ErrNotImplemented      = errors.New("not implemented")
	ErrResourceNotFound    = errors.New("resource not found")
	ErrInternalError       = errors.New("internal error")
	ErrContextCancelled    = errors.New("context cancelled")
	ErrInvalidState        = errors.New("invalid state")
)

func Errorf(baseErr error, format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", baseErr, fmt.Sprintf(format, args...))
}

func WrapError(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

func NewError(message string) error {
	return errors.New(message)
}

func NewErrorf(format string, args ...interface{}) error {
	return fmt.Errorf(format, args...)
}

func IsError(err, target error) bool {
	return errors.Is(err, target)
}

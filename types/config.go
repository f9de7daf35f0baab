package types

import (
	"time"
)

type ConfigManager interface {
	Load() error
	GetConfig() *ServiceConfig
	GetValue(path string, defaultValue interface{}) interface{}
	GetAs(path string, target interface{}) error
}

type ServiceConfig struct {
	Name      string           `yaml:"name" json:"name" validate:"required"`
	Version   string           `yaml:"version" json:"version" validate:"required"`
	Server    *ServerConfig    `yaml:"server" json:"server"`
	Logger    *LoggerConfig    `yaml:"logger" json:"logger"`
	Cache     *CacheConfig     `yaml:"cache" json:"cache"`
	Database  *DatabaseConfig  `yaml:"database" json:"database"`
	Dedup     *DedupConfig     `yaml:"dedup" json:"dedup"`
	Jobs      *JobsConfig      `yaml:"jobs" json:"jobs"`
	Queue     *QueueConfig     `yaml:"queue" json:"queue"`
	Poller    *PollerConfig    `yaml:"poller" json:"poller"`
	Generator *GeneratorConfig `yaml:"generator" json:"generator"`
	Metrics   *MetricsConfig   `yaml:"metrics" json:"metrics"`
	Health    *HealthConfig    `yaml:"health" json:"health"`
	Notify    *NotifyConfig    `yaml:"notify" json:"notify"`
}

type ServerConfig struct {
	HTTP *HTTPConfig `yaml:"http" json:"http"`
}

type HTTPConfig struct {
	Host            string `yaml:"host" json:"host"`
	Port            int    `yaml:"port" json:"port" validate:"min=1,max=65535"`
	ReadTimeout     int    `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout    int    `yaml:"write_timeout" json:"write_timeout"`
	IdleTimeout     int    `yaml:"idle_timeout" json:"idle_timeout"`
	ShutdownTimeout int    `yaml:"shutdown_timeout" json:"shutdown_timeout"`
	AuthToken       string `yaml:"auth_token" json:"auth_token"`
}

type LoggerConfig struct {
	Type   string      `yaml:"type" json:"type"`
	Level  string      `yaml:"level" json:"level"`
	Config interface{} `yaml:"config" json:"config"`
}

type CacheConfig struct {
	Enabled bool        `yaml:"enabled" json:"enabled"`
	Tier1   *TierConfig `yaml:"tier1" json:"tier1"`
}

type TierConfig struct {
	Type   string        `yaml:"type" json:"type" validate:"required"`
	Config interface{}   `yaml:"config" json:"config"`
	TTL    time.Duration `yaml:"ttl" json:"ttl" validate:"min=0"`
}

type DatabaseConfig struct {
	Enabled bool        `yaml:"enabled" json:"enabled"`
	Type    string      `yaml:"type" json:"type"`
	Path    string      `yaml:"path" json:"path"`
	Config  interface{} `yaml:"config" json:"config"`
}

type DedupConfig struct {
	Enabled     bool          `yaml:"enabled" json:"enabled"`
	Store       string        `yaml:"store" json:"store"`
	Config      interface{}   `yaml:"config" json:"config"`
	LeaseTTL    time.Duration `yaml:"lease_ttl" json:"lease_ttl"`
	MaxWait     time.Duration `yaml:"max_wait" json:"max_wait"`
	PollInitial time.Duration `yaml:"poll_initial" json:"poll_initial"`
	PollMax     time.Duration `yaml:"poll_max" json:"poll_max"`
}

type JobsConfig struct {
	Collection        string        `yaml:"collection" json:"collection"`
	MaxAttempts       int           `yaml:"max_attempts" json:"max_attempts" validate:"min=1"`
	RetryDelay        time.Duration `yaml:"retry_delay" json:"retry_delay"`
	GenerationTimeout time.Duration `yaml:"generation_timeout" json:"generation_timeout"`
}

type QueueConfig struct {
	Enabled       bool          `yaml:"enabled" json:"enabled"`
	URL           string        `yaml:"url" json:"url"`
	Topic         string        `yaml:"topic" json:"topic"`
	StreamName    string        `yaml:"stream_name" json:"stream_name"`
	DurableName   string        `yaml:"durable_name" json:"durable_name"`
	QueueGroup    string        `yaml:"queue_group" json:"queue_group"`
	Subscribers   int           `yaml:"subscribers" json:"subscribers"`
	MaxDeliver    int           `yaml:"max_deliver" json:"max_deliver"`
	MaxAckPending int           `yaml:"max_ack_pending" json:"max_ack_pending"`
	AckWait       time.Duration `yaml:"ack_wait" json:"ack_wait"`
	NakDelay      time.Duration `yaml:"nak_delay" json:"nak_delay"`
	MaxReconnects int           `yaml:"max_reconnects" json:"max_reconnects"`
	ReconnectWait time.Duration `yaml:"reconnect_wait" json:"reconnect_wait"`
	CloseTimeout  time.Duration `yaml:"close_timeout" json:"close_timeout"`
}

type PollerConfig struct {
	Enabled   bool   `yaml:"enabled" json:"enabled"`
	Schedule  string `yaml:"schedule" json:"schedule"`
	BatchSize int    `yaml:"batch_size" json:"batch_size" validate:"min=0,max=10"`
	Timezone  string `yaml:"timezone" json:"timezone"`
}

type GeneratorConfig struct {
	BaseURL string         `yaml:"base_url" json:"base_url"`
	APIKey  string         `yaml:"api_key" json:"api_key"`
	Model   string         `yaml:"model" json:"model"`
	Timeout time.Duration  `yaml:"timeout" json:"timeout"`
	Retries int            `yaml:"retries" json:"retries" validate:"min=0"`
	Breaker *BreakerConfig `yaml:"breaker" json:"breaker"`
	Pricing *PricingConfig `yaml:"pricing" json:"pricing"`
}

type BreakerConfig struct {
	Enabled          bool          `yaml:"enabled" json:"enabled"`
	FailureThreshold int           `yaml:"failure_threshold" json:"failure_threshold"`
	RecoveryTimeout  time.Duration `yaml:"recovery_timeout" json:"recovery_timeout"`
	HalfOpenRequests int           `yaml:"half_open_requests" json:"half_open_requests"`
}

type PricingConfig struct {
	PromptPer1K     float64 `yaml:"prompt_per_1k" json:"prompt_per_1k"`
	CompletionPer1K float64 `yaml:"completion_per_1k" json:"completion_per_1k"`
}

type MetricsConfig struct {
	Enabled bool              `yaml:"enabled" json:"enabled"`
	Type    string            `yaml:"type" json:"type"`
	Config  interface{}       `yaml:"config" json:"config"`
	Labels  map[string]string `yaml:"labels" json:"labels"`
	Path    string            `yaml:"path" json:"path"`
}

type HealthConfig struct {
	Enabled bool `yaml:"enabled" json:"enabled"`
}

type NotifyConfig struct {
	Enabled bool        `yaml:"enabled" json:"enabled"`
	Webhook bool        `yaml:"webhook" json:"webhook"`
	Type    string      `yaml:"type" json:"type"`
	Config  interface{} `yaml:"config" json:"config"`
}

type VersionInfo struct {
	Version   string `json:"version"`
	BuildInfo string `json:"build_info"`
}

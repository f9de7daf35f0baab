package cache

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/planforge/plangen/types"
	"github.com/planforge/plangen/utils"
)

type RedisConfig struct {
	Host               string        `yaml:"host" json:"host"`
	Port               int           `yaml:"port" json:"port"`
	Password           string        `yaml:"password" json:"password"`
	DB                 int           `yaml:"db" json:"db"`
	PoolSize           int           `yaml:"pool_size" json:"pool_size"`
	MinIdleConnections int           `yaml:"min_idle_connections" json:"min_idle_connections"`
	DialTimeout        time.Duration `yaml:"dial_timeout" json:"dial_timeout"`
	ReadTimeout        time.Duration `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout       time.Duration `yaml:"write_timeout" json:"write_timeout"`
	KeyPrefix          string        `yaml:"key_prefix" json:"key_prefix"`
}

// RedisTier is the shared fast tier. A Redis outage degrades reads to
// misses so the durable tier keeps serving.
type RedisTier struct {
	logger  types.Logger
	config  *RedisConfig
	client  *redis.Client
	started int32
}

func NewRedisTier(logger types.Logger, config *types.TierConfig) (types.TierStore, error) {
	redisConfig := &RedisConfig{
		Host:               "localhost",
		Port:               6379,
		DB:                 0,
		PoolSize:           10,
		MinIdleConnections: 2,
		DialTimeout:        5 * time.Second,
		ReadTimeout:        3 * time.Second,
		WriteTimeout:       3 * time.Second,
		KeyPrefix:          "plangen",
	}

	if config.Config != nil {
		err := utils.UnmarshalConfig(config.Config, redisConfig)
		if err != nil {
			return nil, types.WrapError(err, "failed to unmarshal redis cache config")
		}
	}

	tier := &RedisTier{
		logger: logger,
		config: redisConfig,
	}

	tier.client = redis.NewClient(&redis.Options{
		Addr:         fmt.Sprintf("%s:%d", redisConfig.Host, redisConfig.Port),
		Password:     redisConfig.Password,
		DB:           redisConfig.DB,
		PoolSize:     redisConfig.PoolSize,
		MinIdleConns: redisConfig.MinIdleConnections,
		DialTimeout:  redisConfig.DialTimeout,
		ReadTimeout:  redisConfig.ReadTimeout,
		WriteTimeout: redisConfig.WriteTimeout,
	})

	return tier, nil
}

func (r *RedisTier) Start() error {
	if !atomic.CompareAndSwapInt32(&r.started, 0, 1) {
		return types.ErrServerAlreadyRunning
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.config.DialTimeout)
	defer cancel()

	if err := r.client.Ping(ctx).Err(); err != nil {
		atomic.StoreInt32(&r.started, 0)
		return types.WrapError(err, "failed to connect to redis")
	}

	r.logger.Info("Redis cache tier started",
		zap.String("host", r.config.Host), zap.Int("port", r.config.Port))
	return nil
}

func (r *RedisTier) Stop() error {
	if !atomic.CompareAndSwapInt32(&r.started, 1, 0) {
		return types.ErrServerNotRunning
	}

	err := r.client.Close()
	if err != nil {
		return types.WrapError(err, "failed to close redis client")
	}

	r.logger.Info("Redis cache tier stopped gracefully")
	return nil
}

func (r *RedisTier) IsRunning() bool {
	return atomic.LoadInt32(&r.started) == 1
}

func (r *RedisTier) Get(ctx context.Context, fingerprint string) (*types.PlanEntry, bool) {
	if fingerprint == "" {
		return nil, false
	}

	result, err := r.client.Get(ctx, r.buildKey(fingerprint)).Result()
	if err != nil {
		if !types.IsError(err, redis.Nil) {
			r.logger.Warn("Redis tier read failed, treating as miss",
				zap.String("fingerprint", fingerprint), zap.Error(err))
		}
		return nil, false
	}

	var entry types.PlanEntry
	if err := utils.Unmarshal([]byte(result), &entry); err != nil {
		r.logger.Error("Failed to unmarshal cached plan, dropping entry",
			zap.String("fingerprint", fingerprint), zap.Error(err))
		r.client.Del(ctx, r.buildKey(fingerprint))
		return nil, false
	}

	return &entry, true
}

func (r *RedisTier) Set(ctx context.Context, entry *types.PlanEntry, ttl time.Duration) error {
	if entry == nil || entry.Fingerprint == "" {
		return types.ErrCacheKeyEmpty
	}

	data, err := utils.Marshal(entry)
	if err != nil {
		return types.WrapError(err, "failed to marshal plan entry")
	}

	err = r.client.Set(ctx, r.buildKey(entry.Fingerprint), data, ttl).Err()
	if err != nil {
		return types.Errorf(types.ErrCacheTierUnavailable, "redis set: %v", err)
	}

	return nil
}

func (r *RedisTier) Delete(ctx context.Context, fingerprint string) error {
	if fingerprint == "" {
		return nil
	}

	err := r.client.Del(ctx, r.buildKey(fingerprint)).Err()
	if err != nil {
		return types.Errorf(types.ErrCacheTierUnavailable, "redis del: %v", err)
	}

	return nil
}

func (r *RedisTier) buildKey(fingerprint string) string {
	return r.config.KeyPrefix + ":plan:" + fingerprint
}

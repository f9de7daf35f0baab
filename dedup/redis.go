package dedup

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

type RedisStoreConfig struct {
	Host        string        `yaml:"host" json:"host"`
	Port        int           `yaml:"port" json:"port"`
	Password    string        `yaml:"password" json:"password"`
	DB          int           `yaml:"db" json:"db"`
	DialTimeout time.Duration `yaml:"dial_timeout" json:"dial_timeout"`
	KeyPrefix   string        `yaml:"key_prefix" json:"key_prefix"`
}

// releaseScript deletes the lease only when the caller still owns it, so a
// slow leader cannot drop a successor's lease.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// RedisLeaseStore implements the create-if-absent lease on Redis SET NX PX.
// The TTL is enforced server side, so an abandoned lease expires without
// any cleanup pass.
type RedisLeaseStore struct {
	logger  types.Logger
	config  *RedisStoreConfig
	client  *redis.Client
	started int32
}

func NewRedisLeaseStore(logger types.Logger, rawConfig interface{}) (types.LeaseStore, error) {
	config := &RedisStoreConfig{
		Host:        "localhost",
		Port:        6379,
		DialTimeout: 5 * time.Second,
		KeyPrefix:   "plangen",
	}

	if rawConfig != nil {
		err := utils.UnmarshalConfig(rawConfig, config)
		if err != nil {
			return nil, types.WrapError(err, "failed to unmarshal lease store config")
		}
	}

	store := &RedisLeaseStore{
		logger: logger,
		config: config,
	}

	store.client = redis.NewClient(&redis.Options{
		Addr:        fmt.Sprintf("%s:%d", config.Host, config.Port),
		Password:    config.Password,
		DB:          config.DB,
		DialTimeout: config.DialTimeout,
	})

	return store, nil
}

func (r *RedisLeaseStore) Start() error {
	if !atomic.CompareAndSwapInt32(&r.started, 0, 1) {
		return types.ErrServerAlreadyRunning
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.config.DialTimeout)
	defer cancel()

	if err := r.client.Ping(ctx).Err(); err != nil {
		atomic.StoreInt32(&r.started, 0)
		return types.WrapError(err, "failed to connect to redis")
	}

	r.logger.Info("Redis lease store started",
		zap.String("host", r.config.Host), zap.Int("port", r.config.Port))
	return nil
}

func (r *RedisLeaseStore) Stop() error {
	if !atomic.CompareAndSwapInt32(&r.started, 1, 0) {
		return types.ErrServerNotRunning
	}

	err := r.client.Close()
	if err != nil {
		return types.WrapError(err, "failed to close redis client")
	}

	return nil
}

func (r *RedisLeaseStore) IsRunning() bool {
	return atomic.LoadInt32(&r.started) == 1
}

func (r *RedisLeaseStore) Acquire(ctx context.Context, fingerprint, token string, ttl time.Duration) (bool, error) {
	if fingerprint == "" {
		return false, types.ErrFingerprintEmpty
	}

	ok, err := r.client.SetNX(ctx, r.buildKey(fingerprint), token, ttl).Result()
	if err != nil {
		return false, types.Errorf(types.ErrDedupStoreFailed, "acquire: %v", err)
	}

	return ok, nil
}

func (r *RedisLeaseStore) Release(ctx context.Context, fingerprint, token string) error {
	if fingerprint == "" || token == "" {
		return nil
	}

	err := releaseScript.Run(ctx, r.client, []string{r.buildKey(fingerprint)}, token).Err()
	if err != nil && !types.IsError(err, redis.Nil) {
		return types.Errorf(types.ErrDedupStoreFailed, "release: %v", err)
	}

	return nil
}

func (r *RedisLeaseStore) Get(ctx context.Context, fingerprint string) (*types.DedupLease, bool, error) {
	if fingerprint == "" {
		return nil, false, types.ErrFingerprintEmpty
	}

	key := r.buildKey(fingerprint)

	token, err := r.client.Get(ctx, key).Result()
	if err != nil {
		if types.IsError(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, types.Errorf(types.ErrDedupStoreFailed, "get: %v", err)
	}

	lease := &types.DedupLease{
		Fingerprint: fingerprint,
		Token:       token,
	}

	if pttl, err := r.client.PTTL(ctx, key).Result(); err == nil && pttl > 0 {
		lease.ExpiresAt = time.Now().Add(pttl)
	}

	return lease, true, nil
}

func (r *RedisLeaseStore) buildKey(fingerprint string) string {
	return r.config.KeyPrefix + ":lease:" + fingerprint
}

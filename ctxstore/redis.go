package ctxstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisConfig Redis 后端配置
type RedisConfig struct {
	// Redis 地址
	Addr string `yaml:"addr" json:"addr"`

	// 密码
	Password string `yaml:"password" json:"password"`

	// 数据库编号
	DB int `yaml:"db" json:"db"`

	// 最大重试次数
	MaxRetries int `yaml:"max_retries" json:"max_retries"`

	// 连接池大小
	PoolSize int `yaml:"pool_size" json:"pool_size"`

	// 最小空闲连接数
	MinIdleConns int `yaml:"min_idle_conns" json:"min_idle_conns"`

	// 键前缀
	KeyPrefix string `yaml:"key_prefix" json:"key_prefix"`
}

// DefaultRedisConfig 返回默认 Redis 配置
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:         "localhost:6379",
		Password:     "",
		DB:           0,
		MaxRetries:   3,
		PoolSize:     10,
		MinIdleConns: 2,
		KeyPrefix:    "opsflow:ctx:",
	}
}

// RedisBackend persists context values in Redis with native expiry.
// Suitable for distributed deployments where several processes share
// workflow state.
type RedisBackend struct {
	client    *redis.Client
	keyPrefix string
	logger    *zap.Logger
}

// NewRedisBackend connects to Redis and verifies the connection.
func NewRedisBackend(config RedisConfig, logger *zap.Logger) (*RedisBackend, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	client := redis.NewClient(&redis.Options{
		Addr:         config.Addr,
		Password:     config.Password,
		DB:           config.DB,
		MaxRetries:   config.MaxRetries,
		PoolSize:     config.PoolSize,
		MinIdleConns: config.MinIdleConns,
	})

	// 测试连接
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	keyPrefix := config.KeyPrefix
	if keyPrefix == "" {
		keyPrefix = "opsflow:ctx:"
	}

	b := &RedisBackend{
		client:    client,
		keyPrefix: keyPrefix,
		logger:    logger.With(zap.String("component", "ctxstore_redis")),
	}

	b.logger.Info("redis backend connected",
		zap.String("addr", config.Addr),
		zap.Int("pool_size", config.PoolSize),
	)

	return b, nil
}

// key returns the Redis key for a (workflow id, key) pair.
func (b *RedisBackend) key(workflowID, key string) string {
	return b.keyPrefix + workflowID + ":" + key
}

// workflowPattern matches every key belonging to one workflow.
func (b *RedisBackend) workflowPattern(workflowID string) string {
	return b.keyPrefix + workflowID + ":*"
}

func (b *RedisBackend) Load(ctx context.Context, workflowID, key string) (json.RawMessage, error) {
	val, err := b.client.Get(ctx, b.key(workflowID, key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrBackendMiss
	}
	if err != nil {
		return nil, fmt.Errorf("redis get failed: %w", err)
	}
	return val, nil
}

func (b *RedisBackend) Store(ctx context.Context, workflowID, key string, value json.RawMessage, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	if err := b.client.Set(ctx, b.key(workflowID, key), []byte(value), ttl).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}
	return nil
}

func (b *RedisBackend) Delete(ctx context.Context, workflowID, key string) error {
	if err := b.client.Del(ctx, b.key(workflowID, key)).Err(); err != nil {
		return fmt.Errorf("redis del failed: %w", err)
	}
	return nil
}

func (b *RedisBackend) DeleteWorkflow(ctx context.Context, workflowID string) error {
	keys, err := b.client.Keys(ctx, b.workflowPattern(workflowID)).Result()
	if err != nil {
		return fmt.Errorf("redis keys failed: %w", err)
	}
	if len(keys) == 0 {
		return nil
	}
	if err := b.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("redis del failed: %w", err)
	}
	return nil
}

// Ping checks the Redis connection.
func (b *RedisBackend) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

func (b *RedisBackend) Name() string { return "redis" }

func (b *RedisBackend) Close() error { return b.client.Close() }

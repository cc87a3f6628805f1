package ctxstore

import (
	"fmt"

	"go.uber.org/zap"
)

// BackendType selects the persistence backend behind the store.
type BackendType string

const (
	BackendTypeNone     BackendType = "none"
	BackendTypeMemory   BackendType = "memory"
	BackendTypeRedis    BackendType = "redis"
	BackendTypeDatabase BackendType = "database"
)

// BackendConfig is the configuration for NewBackend.
type BackendConfig struct {
	// Type 后端类型: none, memory, redis, database
	Type BackendType `yaml:"type" json:"type"`

	// Redis 配置，Type 为 redis 时生效
	Redis RedisConfig `yaml:"redis" json:"redis"`

	// Database 配置，Type 为 database 时生效
	Database DatabaseConfig `yaml:"database" json:"database"`
}

// NewBackend creates a Backend from configuration. An empty type selects
// the nop backend, which disables persistence.
func NewBackend(config BackendConfig, logger *zap.Logger) (Backend, error) {
	switch config.Type {
	case BackendTypeNone, "":
		return NewNopBackend(), nil
	case BackendTypeMemory:
		return NewMemoryBackend(), nil
	case BackendTypeRedis:
		return NewRedisBackend(config.Redis, logger)
	case BackendTypeDatabase:
		return OpenDatabaseBackend(config.Database, logger)
	default:
		return nil, fmt.Errorf("unsupported backend type: %s", config.Type)
	}
}

// MustNewBackend creates a Backend or panics on error.
//
// WARNING: This function should ONLY be used during application
// initialization (e.g., in main() or init()). For runtime backend
// creation, use NewBackend instead.
func MustNewBackend(config BackendConfig, logger *zap.Logger) Backend {
	backend, err := NewBackend(config, logger)
	if err != nil {
		panic(fmt.Sprintf("failed to create context backend: %v", err))
	}
	return backend
}

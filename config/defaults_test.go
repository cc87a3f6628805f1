// 默认配置测试。
package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	// 监听默认值
	assert.Equal(t, 9091, cfg.Server.MetricsPort)
	assert.Equal(t, 30*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, 15*time.Second, cfg.Server.ShutdownTimeout)

	// 总线默认值
	assert.Equal(t, 256, cfg.Bus.MailboxCapacity)
	assert.Equal(t, 1024, cfg.Bus.HistoryCapacity)

	// 存储默认值
	assert.Equal(t, "memory", cfg.Store.Backend)
	assert.Equal(t, 30*time.Minute, cfg.Store.DefaultTTL)
	assert.Equal(t, time.Minute, cfg.Store.SweepInterval)

	// Redis 默认值
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, 0, cfg.Redis.DB)
	assert.Equal(t, "opsflow:ctx:", cfg.Redis.KeyPrefix)

	// 数据库默认值
	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, "localhost", cfg.Database.Host)
	assert.Equal(t, 5432, cfg.Database.Port)
	assert.Equal(t, 25, cfg.Database.MaxOpenConns)

	// 熔断与重试默认值
	assert.Equal(t, 5, cfg.Breaker.FailureThreshold)
	assert.Equal(t, 30*time.Second, cfg.Breaker.RecoveryTimeout)
	assert.Equal(t, 3, cfg.Retry.Retries)
	assert.Equal(t, time.Second, cfg.Retry.InitialDelay)
	assert.Equal(t, 2.0, cfg.Retry.Multiplier)

	// 编排器默认值
	assert.Equal(t, 5, cfg.Orchestrator.MaxToolsPerRequest)
	assert.Equal(t, 4, cfg.Orchestrator.MaxConcurrency)
	assert.Equal(t, 30*time.Second, cfg.Orchestrator.DefaultTimeout)
	assert.Equal(t, 0.0, cfg.Orchestrator.RateLimitRPS)

	// 日志默认值
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, []string{"stdout"}, cfg.Log.OutputPaths)

	// 遥测默认值
	assert.False(t, cfg.Telemetry.Enabled)
	assert.Equal(t, "opsflow", cfg.Telemetry.ServiceName)
}

// 默认配置必须自洽, 能直接通过校验
func TestDefaultConfig_PassesValidation(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())
}

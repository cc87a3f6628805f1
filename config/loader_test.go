// 配置加载器测试。
package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoader_LoadDefaults(t *testing.T) {
	// 不指定配置文件，应该返回默认值
	cfg, err := NewLoader().Load()
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, 9091, cfg.Server.MetricsPort)
	assert.Equal(t, "memory", cfg.Store.Backend)
	assert.Equal(t, 5, cfg.Breaker.FailureThreshold)
}

func TestLoader_LoadFromYAML(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	yamlContent := `
server:
  metrics_port: 8888
  read_timeout: 60s

store:
  backend: "redis"
  default_ttl: 45m

redis:
  addr: "redis.example.com:6379"
  password: "secret"
  db: 1

breaker:
  failure_threshold: 3
  recovery_timeout: 10s

orchestrator:
  max_tools_per_request: 8
  max_concurrency: 2

log:
  level: "debug"
  format: "console"
`
	require.NoError(t, os.WriteFile(configPath, []byte(yamlContent), 0644))

	cfg, err := NewLoader().
		WithConfigPath(configPath).
		Load()
	require.NoError(t, err)

	// YAML 值覆盖默认值
	assert.Equal(t, 8888, cfg.Server.MetricsPort)
	assert.Equal(t, 60*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, "redis", cfg.Store.Backend)
	assert.Equal(t, 45*time.Minute, cfg.Store.DefaultTTL)
	assert.Equal(t, "redis.example.com:6379", cfg.Redis.Addr)
	assert.Equal(t, "secret", cfg.Redis.Password)
	assert.Equal(t, 1, cfg.Redis.DB)
	assert.Equal(t, 3, cfg.Breaker.FailureThreshold)
	assert.Equal(t, 10*time.Second, cfg.Breaker.RecoveryTimeout)
	assert.Equal(t, 8, cfg.Orchestrator.MaxToolsPerRequest)
	assert.Equal(t, 2, cfg.Orchestrator.MaxConcurrency)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)

	// 未出现在 YAML 中的字段保持默认值
	assert.Equal(t, time.Minute, cfg.Store.SweepInterval)
	assert.Equal(t, 1024, cfg.Bus.HistoryCapacity)
}

func TestLoader_LoadFromEnv(t *testing.T) {
	envVars := map[string]string{
		"OPSFLOW_SERVER_METRICS_PORT":         "7777",
		"OPSFLOW_STORE_BACKEND":               "database",
		"OPSFLOW_STORE_DEFAULT_TTL":           "2h",
		"OPSFLOW_REDIS_ADDR":                  "env-redis:6379",
		"OPSFLOW_RETRY_MULTIPLIER":            "1.5",
		"OPSFLOW_ORCHESTRATOR_RATE_LIMIT_RPS": "50",
		"OPSFLOW_LOG_LEVEL":                   "warn",
		"OPSFLOW_TELEMETRY_ENABLED":           "true",
		"OPSFLOW_LOG_OUTPUT_PATHS":            "stdout, /var/log/opsflow.log",
	}
	for k, v := range envVars {
		t.Setenv(k, v)
	}

	cfg, err := NewLoader().Load()
	require.NoError(t, err)

	assert.Equal(t, 7777, cfg.Server.MetricsPort)
	assert.Equal(t, "database", cfg.Store.Backend)
	assert.Equal(t, 2*time.Hour, cfg.Store.DefaultTTL)
	assert.Equal(t, "env-redis:6379", cfg.Redis.Addr)
	assert.Equal(t, 1.5, cfg.Retry.Multiplier)
	assert.Equal(t, 50.0, cfg.Orchestrator.RateLimitRPS)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.True(t, cfg.Telemetry.Enabled)
	assert.Equal(t, []string{"stdout", "/var/log/opsflow.log"}, cfg.Log.OutputPaths)
}

func TestLoader_EnvOverridesYAML(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	yamlContent := `
server:
  metrics_port: 8888
store:
  backend: "redis"
redis:
  addr: "yaml-redis:6379"
`
	require.NoError(t, os.WriteFile(configPath, []byte(yamlContent), 0644))

	t.Setenv("OPSFLOW_SERVER_METRICS_PORT", "9999")
	t.Setenv("OPSFLOW_STORE_BACKEND", "memory")

	cfg, err := NewLoader().
		WithConfigPath(configPath).
		Load()
	require.NoError(t, err)

	// 环境变量覆盖 YAML
	assert.Equal(t, 9999, cfg.Server.MetricsPort)
	assert.Equal(t, "memory", cfg.Store.Backend)
	// 未被环境变量覆盖的 YAML 值保留
	assert.Equal(t, "yaml-redis:6379", cfg.Redis.Addr)
}

func TestLoader_CustomEnvPrefix(t *testing.T) {
	t.Setenv("MYOPS_SERVER_METRICS_PORT", "6666")
	t.Setenv("MYOPS_LOG_LEVEL", "error")

	cfg, err := NewLoader().
		WithEnvPrefix("MYOPS").
		Load()
	require.NoError(t, err)

	assert.Equal(t, 6666, cfg.Server.MetricsPort)
	assert.Equal(t, "error", cfg.Log.Level)
}

func TestLoader_WithValidator(t *testing.T) {
	validator := func(cfg *Config) error {
		if cfg.Server.MetricsPort < 1024 {
			return assert.AnError
		}
		return nil
	}

	t.Setenv("OPSFLOW_SERVER_METRICS_PORT", "80")

	_, err := NewLoader().
		WithValidator(validator).
		Load()
	assert.Error(t, err)
}

func TestLoader_NonExistentFile(t *testing.T) {
	// 文件不存在时使用默认值，不报错
	cfg, err := NewLoader().
		WithConfigPath("/non/existent/path/config.yaml").
		Load()
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, 9091, cfg.Server.MetricsPort)
}

func TestLoader_InvalidYAML(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "invalid.yaml")

	invalidYAML := `
server:
  metrics_port: [invalid
  this is not valid yaml
`
	require.NoError(t, os.WriteFile(configPath, []byte(invalidYAML), 0644))

	_, err := NewLoader().
		WithConfigPath(configPath).
		Load()
	assert.Error(t, err)
}

func TestLoader_InvalidEnvValue(t *testing.T) {
	t.Setenv("OPSFLOW_SERVER_METRICS_PORT", "not-a-number")

	_, err := NewLoader().Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "OPSFLOW_SERVER_METRICS_PORT")
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr string
	}{
		{
			name:   "valid default config",
			modify: func(c *Config) {},
		},
		{
			name: "invalid metrics port",
			modify: func(c *Config) {
				c.Server.MetricsPort = 70000
			},
			wantErr: "metrics port",
		},
		{
			name: "unknown store backend",
			modify: func(c *Config) {
				c.Store.Backend = "etcd"
			},
			wantErr: "store backend",
		},
		{
			name: "zero breaker threshold",
			modify: func(c *Config) {
				c.Breaker.FailureThreshold = 0
			},
			wantErr: "failure_threshold",
		},
		{
			name: "negative retries",
			modify: func(c *Config) {
				c.Retry.Retries = -1
			},
			wantErr: "retries",
		},
		{
			name: "multiplier below one",
			modify: func(c *Config) {
				c.Retry.Multiplier = 0.5
			},
			wantErr: "multiplier",
		},
		{
			name: "jitter out of range",
			modify: func(c *Config) {
				c.Retry.JitterFraction = 1.5
			},
			wantErr: "jitter_fraction",
		},
		{
			name: "zero orchestrator concurrency",
			modify: func(c *Config) {
				c.Orchestrator.MaxConcurrency = 0
			},
			wantErr: "max_concurrency",
		},
		{
			name: "unknown log level",
			modify: func(c *Config) {
				c.Log.Level = "verbose"
			},
			wantErr: "log level",
		},
		{
			name: "unknown log format",
			modify: func(c *Config) {
				c.Log.Format = "xml"
			},
			wantErr: "log format",
		},
		{
			name: "sample rate out of range",
			modify: func(c *Config) {
				c.Telemetry.SampleRate = 2
			},
			wantErr: "sample_rate",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestDatabaseConfig_DSN(t *testing.T) {
	tests := []struct {
		name     string
		config   DatabaseConfig
		expected string
	}{
		{
			name: "postgres DSN",
			config: DatabaseConfig{
				Driver:   "postgres",
				Host:     "localhost",
				Port:     5432,
				User:     "ops",
				Password: "pass",
				Name:     "opsflow",
				SSLMode:  "disable",
			},
			expected: "host=localhost port=5432 user=ops password=pass dbname=opsflow sslmode=disable",
		},
		{
			name: "sqlite DSN",
			config: DatabaseConfig{
				Driver: "sqlite",
				Name:   "/var/lib/opsflow/state.db",
			},
			expected: "/var/lib/opsflow/state.db",
		},
		{
			name: "unknown driver",
			config: DatabaseConfig{
				Driver: "oracle",
			},
			expected: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.config.DSN())
		})
	}
}

func TestMustLoad_Success(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	yamlContent := `
server:
  metrics_port: 9100
`
	require.NoError(t, os.WriteFile(configPath, []byte(yamlContent), 0644))

	assert.NotPanics(t, func() {
		cfg := MustLoad(configPath)
		assert.Equal(t, 9100, cfg.Server.MetricsPort)
	})
}

func TestMustLoad_InvalidFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "invalid.yaml")

	require.NoError(t, os.WriteFile(configPath, []byte("store: [broken"), 0644))

	assert.Panics(t, func() {
		MustLoad(configPath)
	})
}

func TestLoadFromEnv_Function(t *testing.T) {
	t.Setenv("OPSFLOW_TELEMETRY_SERVICE_NAME", "opsflow-test")

	cfg, err := LoadFromEnv()
	require.NoError(t, err)
	assert.Equal(t, "opsflow-test", cfg.Telemetry.ServiceName)
}

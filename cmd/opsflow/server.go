package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/BaSui01/opsflow/agent"
	"github.com/BaSui01/opsflow/breaker"
	"github.com/BaSui01/opsflow/bus"
	"github.com/BaSui01/opsflow/config"
	"github.com/BaSui01/opsflow/ctxstore"
	"github.com/BaSui01/opsflow/internal/database"
	"github.com/BaSui01/opsflow/internal/metrics"
	"github.com/BaSui01/opsflow/internal/server"
	"github.com/BaSui01/opsflow/internal/telemetry"
	"github.com/BaSui01/opsflow/orchestrator"
	"github.com/BaSui01/opsflow/registry"
	"github.com/BaSui01/opsflow/retry"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// =============================================================================
// 🧩 运行时装配
// =============================================================================

// observeInterval 观测循环的采集周期
const observeInterval = 30 * time.Second

// observerID 观测循环在总线上的订阅者标识
const observerID = "ops-observer"

// Server 装配编排运行时并托管运维监听器。
type Server struct {
	cfg    *config.Config
	logger *zap.Logger

	registry *registry.Registry
	bus      *bus.MessageBus
	store    *ctxstore.ContextStore
	breakers *breaker.Manager
	orch     *orchestrator.Orchestrator

	pool      *database.PoolManager
	collector *metrics.Collector
	telemetry *telemetry.Providers
	ops       *server.Manager

	started       time.Time
	observeCancel context.CancelFunc
	wg            sync.WaitGroup
}

// NewServer 创建运行时装配器，组件在 Start 中构建。
func NewServer(cfg *config.Config, logger *zap.Logger, providers *telemetry.Providers) *Server {
	return &Server{
		cfg:       cfg,
		logger:    logger,
		telemetry: providers,
	}
}

// Start 构建全部组件并启动运维监听器与观测循环。
func (s *Server) Start() error {
	s.started = time.Now()
	s.collector = metrics.NewCollector("opsflow", s.logger)

	backend, err := s.buildBackend()
	if err != nil {
		return fmt.Errorf("build store backend: %w", err)
	}

	s.registry = registry.New(s.logger)
	s.bus = bus.New(bus.Config{
		MailboxCapacity: s.cfg.Bus.MailboxCapacity,
		HistoryCapacity: s.cfg.Bus.HistoryCapacity,
	}, s.logger)
	s.store = ctxstore.New(ctxstore.Config{
		DefaultTTL:    s.cfg.Store.DefaultTTL,
		SweepInterval: s.cfg.Store.SweepInterval,
	}, backend, s.logger)
	s.breakers = breaker.NewManager(breaker.Config{
		FailureThreshold: s.cfg.Breaker.FailureThreshold,
		RecoveryTimeout:  s.cfg.Breaker.RecoveryTimeout,
	}, s.logger)

	s.orch = orchestrator.New(orchestrator.Config{
		MaxToolsPerRequest: s.cfg.Orchestrator.MaxToolsPerRequest,
		MaxConcurrency:     s.cfg.Orchestrator.MaxConcurrency,
		DefaultTimeout:     s.cfg.Orchestrator.DefaultTimeout,
		RateLimit:          s.cfg.Orchestrator.RateLimitRPS,
		RateBurst:          s.cfg.Orchestrator.RateLimitBurst,
		ResultTTL:          s.cfg.Orchestrator.ResultTTL,
		Retry: retry.Policy{
			Retries:        s.cfg.Retry.Retries,
			InitialDelay:   s.cfg.Retry.InitialDelay,
			MaxDelay:       s.cfg.Retry.MaxDelay,
			Multiplier:     s.cfg.Retry.Multiplier,
			JitterFraction: s.cfg.Retry.JitterFraction,
		},
	}, s.registry, s.logger,
		orchestrator.WithBus(s.bus),
		orchestrator.WithStore(s.store),
		orchestrator.WithBreakerManager(s.breakers),
	)

	if err := s.startOpsListener(); err != nil {
		return fmt.Errorf("start ops listener: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.observeCancel = cancel
	s.wg.Add(2)
	go s.observeLoop(ctx)
	go s.stateEventLoop(ctx)

	s.logger.Info("runtime started",
		zap.String("store_backend", s.cfg.Store.Backend),
		zap.String("ops_addr", s.ops.ListenAddr()),
	)
	return nil
}

// buildBackend 按配置构建上下文存储后端。database 后端先经
// 连接池管理器建立连接。
func (s *Server) buildBackend() (ctxstore.Backend, error) {
	switch s.cfg.Store.Backend {
	case "", "none":
		return ctxstore.NewBackend(ctxstore.BackendConfig{Type: ctxstore.BackendTypeNone}, s.logger)
	case "memory":
		return ctxstore.NewBackend(ctxstore.BackendConfig{Type: ctxstore.BackendTypeMemory}, s.logger)
	case "redis":
		return ctxstore.NewBackend(ctxstore.BackendConfig{
			Type: ctxstore.BackendTypeRedis,
			Redis: ctxstore.RedisConfig{
				Addr:         s.cfg.Redis.Addr,
				Password:     s.cfg.Redis.Password,
				DB:           s.cfg.Redis.DB,
				MaxRetries:   s.cfg.Redis.MaxRetries,
				PoolSize:     s.cfg.Redis.PoolSize,
				MinIdleConns: s.cfg.Redis.MinIdleConns,
				KeyPrefix:    s.cfg.Redis.KeyPrefix,
			},
		}, s.logger)
	case "database":
		poolCfg := database.DefaultPoolConfig()
		if s.cfg.Database.MaxOpenConns > 0 {
			poolCfg.MaxOpenConns = s.cfg.Database.MaxOpenConns
		}
		if s.cfg.Database.MaxIdleConns > 0 {
			poolCfg.MaxIdleConns = s.cfg.Database.MaxIdleConns
		}
		if s.cfg.Database.ConnMaxLifetime > 0 {
			poolCfg.ConnMaxLifetime = s.cfg.Database.ConnMaxLifetime
		}

		pool, err := database.Open(s.cfg.Database.Driver, s.cfg.Database.DSN(), poolCfg, s.logger)
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		backend, err := ctxstore.NewDatabaseBackend(pool.DB(), s.logger)
		if err != nil {
			pool.Close()
			return nil, err
		}
		s.pool = pool
		return backend, nil
	default:
		return nil, fmt.Errorf("unknown store backend: %q", s.cfg.Store.Backend)
	}
}

// =============================================================================
// 🌐 运维监听器
// =============================================================================

func (s *Server) startOpsListener() error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", s.handleHealthz)

	handler := Chain(mux,
		Recovery(s.logger),
		RequestLogger(s.logger),
	)

	opsCfg := server.DefaultConfig()
	opsCfg.Addr = fmt.Sprintf(":%d", s.cfg.Server.MetricsPort)
	opsCfg.ReadTimeout = s.cfg.Server.ReadTimeout
	opsCfg.WriteTimeout = s.cfg.Server.WriteTimeout
	opsCfg.ShutdownTimeout = s.cfg.Server.ShutdownTimeout

	s.ops = server.NewManager(handler, opsCfg, s.logger)
	return s.ops.Start()
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":         "ok",
		"version":        Version,
		"uptime_seconds": int64(time.Since(s.started).Seconds()),
		"store_backend":  s.cfg.Store.Backend,
	})
}

// =============================================================================
// 🔭 观测循环
// =============================================================================

// observedStats 保存上一次采集的累计值，用于计算差值。
type observedStats struct {
	bus           bus.Stats
	store         ctxstore.Stats
	breakerStates map[string]string
}

// observeLoop 周期采集各组件统计，换算成 Prometheus 指标并输出健康日志。
func (s *Server) observeLoop(ctx context.Context) {
	defer s.wg.Done()

	prev := &observedStats{breakerStates: make(map[string]string)}
	ticker := time.NewTicker(observeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.observe(prev)
		}
	}
}

func (s *Server) observe(prev *observedStats) {
	busStats := s.bus.Stats()
	s.collector.AddBusPublished(busStats.Published - prev.bus.Published)
	s.collector.AddBusDelivered(busStats.Delivered - prev.bus.Delivered)
	s.collector.AddBusDropped(busStats.Dropped - prev.bus.Dropped)
	prev.bus = busStats

	storeStats := s.store.Stats()
	s.collector.AddStoreHits(storeStats.Backend, storeStats.Hits-prev.store.Hits)
	s.collector.AddStoreMisses(storeStats.Backend, storeStats.Misses-prev.store.Misses)
	s.collector.AddStoreBackendHits(storeStats.Backend, storeStats.BackendHits-prev.store.BackendHits)
	prev.store = storeStats

	for _, snap := range s.breakers.Snapshots() {
		if last, ok := prev.breakerStates[snap.Resource]; ok && last != snap.State {
			s.collector.RecordBreakerTransition(snap.Resource, last, snap.State)
		} else {
			s.collector.SetBreakerState(snap.Resource, snap.State)
		}
		prev.breakerStates[snap.Resource] = snap.State
	}

	if s.pool != nil {
		poolStats := s.pool.GetStats()
		s.collector.RecordDBConnections(s.cfg.Database.Driver, poolStats.OpenConnections, poolStats.Idle)
	}

	regStats := s.registry.Stats()
	orchMetrics := s.orch.GetMetrics()
	s.logger.Info("runtime health",
		zap.Int("agents", regStats.TotalAgents),
		zap.Int("healthy_agents", regStats.HealthyAgents),
		zap.Int("tools", regStats.TotalTools),
		zap.Uint64("requests_total", orchMetrics.RequestsTotal),
		zap.Uint64("requests_failed", orchMetrics.RequestsFailed),
		zap.Int("bus_subscribers", busStats.Subscribers),
		zap.Int64("bus_dropped", busStats.Dropped),
		zap.Int("workflows", storeStats.Workflows),
		zap.Int("context_entries", storeStats.Entries),
	)
}

// stateEventLoop 订阅 Agent 状态变更事件并记录为指标。
func (s *Server) stateEventLoop(ctx context.Context) {
	defer s.wg.Done()

	s.bus.Subscribe(observerID, agent.TopicStateChange)
	defer s.bus.Unsubscribe(observerID)

	for {
		msg, err := s.bus.ReceiveMessage(ctx, observerID, time.Second)
		if err != nil {
			if errors.Is(err, bus.ErrReceiveTimeout) {
				if ctx.Err() != nil {
					return
				}
				continue
			}
			// 总线关闭或上下文取消
			return
		}

		var payload agent.StateChangePayload
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			s.logger.Warn("malformed state change payload", zap.Error(err))
			continue
		}
		s.collector.RecordAgentStateTransition(payload.AgentID, string(payload.From), string(payload.To))
	}
}

// =============================================================================
// 🛑 关闭流程
// =============================================================================

// WaitForShutdown 阻塞直到收到关闭信号或监听器异常，然后关闭全部组件。
func (s *Server) WaitForShutdown() {
	s.ops.WaitForShutdown()
	s.Shutdown()
}

// Shutdown 按依赖顺序关闭：观测循环 → 监听器 → 总线 → 存储 → 连接池 → 遥测。
func (s *Server) Shutdown() {
	s.logger.Info("shutting down runtime")

	if s.observeCancel != nil {
		s.observeCancel()
	}
	s.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
	defer cancel()

	if s.ops != nil {
		if err := s.ops.Shutdown(ctx); err != nil {
			s.logger.Error("ops listener shutdown failed", zap.Error(err))
		}
	}
	if s.bus != nil {
		s.bus.Close()
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			s.logger.Error("context store close failed", zap.Error(err))
		}
	}
	if s.pool != nil {
		if err := s.pool.Close(); err != nil {
			s.logger.Error("database pool close failed", zap.Error(err))
		}
	}
	if s.telemetry != nil {
		if err := s.telemetry.Shutdown(ctx); err != nil {
			s.logger.Error("telemetry shutdown failed", zap.Error(err))
		}
	}

	s.logger.Info("shutdown complete")
}

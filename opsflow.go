// Package opsflow provides a top-level convenience entry point for wiring
// the agent orchestration runtime with minimal boilerplate.
//
// Usage:
//
//	import "github.com/BaSui01/opsflow"
//
//	rt, err := opsflow.New()
//	rt, err := opsflow.New(opsflow.WithLogger(logger), opsflow.WithConfig(cfg))
//
// Register agents and tools on rt.Registry, then call [Runtime.Start] to
// initialize them and [Runtime.HandleRequest] to route queries. The wired
// components stay exported for direct access.
package opsflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/opsflow/breaker"
	"github.com/BaSui01/opsflow/bus"
	"github.com/BaSui01/opsflow/config"
	"github.com/BaSui01/opsflow/ctxstore"
	"github.com/BaSui01/opsflow/orchestrator"
	"github.com/BaSui01/opsflow/registry"
	"github.com/BaSui01/opsflow/retry"
)

// closeTimeout bounds agent cleanup during Close.
const closeTimeout = 10 * time.Second

// Option configures the runtime created by [New].
type Option func(*options)

type options struct {
	logger          *zap.Logger
	cfg             *config.Config
	backend         ctxstore.Backend
	mailboxCapacity int
	historyCapacity int
}

// WithLogger sets a custom zap logger. Defaults to zap.NewNop().
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithConfig sets the full runtime configuration. Defaults to
// config.DefaultConfig(). The config must pass Validate.
func WithConfig(cfg *config.Config) Option {
	return func(o *options) { o.cfg = cfg }
}

// WithBackend sets a pre-built context store backend, overriding the one
// the store configuration selects.
func WithBackend(b ctxstore.Backend) Option {
	return func(o *options) { o.backend = b }
}

// WithMailboxCapacity overrides the per-subscriber mailbox capacity.
func WithMailboxCapacity(n int) Option {
	return func(o *options) { o.mailboxCapacity = n }
}

// WithHistoryCapacity overrides the event history ring capacity.
func WithHistoryCapacity(n int) Option {
	return func(o *options) { o.historyCapacity = n }
}

// Runtime is the wired orchestration object graph.
type Runtime struct {
	Registry     *registry.Registry
	Bus          *bus.MessageBus
	Store        *ctxstore.ContextStore
	Breakers     *breaker.Manager
	Orchestrator *orchestrator.Orchestrator

	logger *zap.Logger
}

// Stats aggregates component statistics for dashboards.
type Stats struct {
	Registry registry.Stats     `json:"registry"`
	Bus      bus.Stats          `json:"bus"`
	Store    ctxstore.Stats     `json:"store"`
	Breakers []breaker.Snapshot `json:"breakers"`
}

// New wires a Runtime from the given options.
func New(opts ...Option) (*Runtime, error) {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}

	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	cfg := o.cfg
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	backend := o.backend
	if backend == nil {
		var err error
		backend, err = buildBackend(cfg, o.logger)
		if err != nil {
			return nil, fmt.Errorf("build store backend: %w", err)
		}
	}

	busCfg := bus.Config{
		MailboxCapacity: cfg.Bus.MailboxCapacity,
		HistoryCapacity: cfg.Bus.HistoryCapacity,
	}
	if o.mailboxCapacity > 0 {
		busCfg.MailboxCapacity = o.mailboxCapacity
	}
	if o.historyCapacity > 0 {
		busCfg.HistoryCapacity = o.historyCapacity
	}

	reg := registry.New(o.logger)
	b := bus.New(busCfg, o.logger)
	store := ctxstore.New(ctxstore.Config{
		DefaultTTL:    cfg.Store.DefaultTTL,
		SweepInterval: cfg.Store.SweepInterval,
	}, backend, o.logger)
	breakers := breaker.NewManager(breaker.Config{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		RecoveryTimeout:  cfg.Breaker.RecoveryTimeout,
	}, o.logger)

	orch := orchestrator.New(orchestrator.Config{
		MaxToolsPerRequest: cfg.Orchestrator.MaxToolsPerRequest,
		MaxConcurrency:     cfg.Orchestrator.MaxConcurrency,
		DefaultTimeout:     cfg.Orchestrator.DefaultTimeout,
		RateLimit:          cfg.Orchestrator.RateLimitRPS,
		RateBurst:          cfg.Orchestrator.RateLimitBurst,
		ResultTTL:          cfg.Orchestrator.ResultTTL,
		Retry: retry.Policy{
			Retries:        cfg.Retry.Retries,
			InitialDelay:   cfg.Retry.InitialDelay,
			MaxDelay:       cfg.Retry.MaxDelay,
			Multiplier:     cfg.Retry.Multiplier,
			JitterFraction: cfg.Retry.JitterFraction,
		},
	}, reg, o.logger,
		orchestrator.WithBus(b),
		orchestrator.WithStore(store),
		orchestrator.WithBreakerManager(breakers),
	)

	return &Runtime{
		Registry:     reg,
		Bus:          b,
		Store:        store,
		Breakers:     breakers,
		Orchestrator: orch,
		logger:       o.logger,
	}, nil
}

// buildBackend selects the persistence backend from the store configuration.
func buildBackend(cfg *config.Config, logger *zap.Logger) (ctxstore.Backend, error) {
	switch cfg.Store.Backend {
	case "", "none":
		return ctxstore.NewBackend(ctxstore.BackendConfig{Type: ctxstore.BackendTypeNone}, logger)
	case "memory":
		return ctxstore.NewBackend(ctxstore.BackendConfig{Type: ctxstore.BackendTypeMemory}, logger)
	case "redis":
		return ctxstore.NewBackend(ctxstore.BackendConfig{
			Type: ctxstore.BackendTypeRedis,
			Redis: ctxstore.RedisConfig{
				Addr:         cfg.Redis.Addr,
				Password:     cfg.Redis.Password,
				DB:           cfg.Redis.DB,
				MaxRetries:   cfg.Redis.MaxRetries,
				PoolSize:     cfg.Redis.PoolSize,
				MinIdleConns: cfg.Redis.MinIdleConns,
				KeyPrefix:    cfg.Redis.KeyPrefix,
			},
		}, logger)
	case "database":
		return ctxstore.OpenDatabaseBackend(ctxstore.DatabaseConfig{
			Driver: cfg.Database.Driver,
			DSN:    cfg.Database.DSN(),
		}, logger)
	default:
		return nil, fmt.Errorf("unknown store backend: %q", cfg.Store.Backend)
	}
}

// Start initializes every registered agent. Agents registered after Start
// must be initialized by the caller. Safe to call again after registering
// more agents: initialization is idempotent per agent.
func (r *Runtime) Start(ctx context.Context) error {
	var errs []error
	for _, info := range r.Registry.ListAgents() {
		a, ok := r.Registry.GetAgent(info.ID)
		if !ok {
			continue
		}
		if err := a.Initialize(ctx); err != nil {
			errs = append(errs, fmt.Errorf("initialize agent %s: %w", info.ID, err))
		}
	}
	return errors.Join(errs...)
}

// HandleRequest routes one request through the orchestrator.
func (r *Runtime) HandleRequest(ctx context.Context, req orchestrator.Request) (*orchestrator.Response, error) {
	return r.Orchestrator.HandleRequest(ctx, req)
}

// Stats returns a combined snapshot of all component statistics.
func (r *Runtime) Stats() Stats {
	return Stats{
		Registry: r.Registry.Stats(),
		Bus:      r.Bus.Stats(),
		Store:    r.Store.Stats(),
		Breakers: r.Breakers.Snapshots(),
	}
}

// Close cleans up every registered agent, then shuts down the bus and the
// context store. Idempotent.
func (r *Runtime) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()

	var errs []error
	for _, info := range r.Registry.ListAgents() {
		a, ok := r.Registry.GetAgent(info.ID)
		if !ok {
			continue
		}
		if err := a.Cleanup(ctx); err != nil {
			errs = append(errs, fmt.Errorf("cleanup agent %s: %w", info.ID, err))
		}
	}

	r.Bus.Close()
	if err := r.Store.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/BaSui01/opsflow/types"

	"go.uber.org/zap"
)

// Agent 定义核心行为接口
type Agent interface {
	// 身份标识
	ID() string
	Type() types.AgentType

	// 生命周期
	State() State
	Initialize(ctx context.Context) error
	Cleanup(ctx context.Context) error

	// 核心执行
	HandleRequest(ctx context.Context, req *types.ToolRequest) *types.ToolResult

	// 指标快照
	Metrics() Metrics
}

// Executor 是子类型特有的执行逻辑；BaseAgent 负责其余一切。
type Executor interface {
	Execute(ctx context.Context, req *types.ToolRequest) (json.RawMessage, error)
}

// ExecutorFunc adapts a plain function to Executor.
type ExecutorFunc func(ctx context.Context, req *types.ToolRequest) (json.RawMessage, error)

// Execute implements Executor.
func (f ExecutorFunc) Execute(ctx context.Context, req *types.ToolRequest) (json.RawMessage, error) {
	return f(ctx, req)
}

// Config Agent 配置
type Config struct {
	ID             string            `json:"id" yaml:"id"`
	Name           string            `json:"name,omitempty" yaml:"name"`
	Type           types.AgentType   `json:"type" yaml:"type"`
	Description    string            `json:"description,omitempty" yaml:"description"`
	DefaultTimeout time.Duration     `json:"default_timeout,omitempty" yaml:"default_timeout"` // 单次执行超时，零值用 30s
	Metadata       map[string]string `json:"metadata,omitempty" yaml:"metadata"`
}

const defaultExecTimeout = 30 * time.Second

// BaseAgent 提供可复用的状态管理、超时控制与指标采集
type BaseAgent struct {
	config  Config
	state   State
	stateMu sync.RWMutex
	lifeMu  sync.Mutex // 串行化 Initialize/Cleanup
	execMu  sync.Mutex // 执行互斥锁，防止并发执行

	executor Executor
	setup    func(ctx context.Context) error
	teardown func(ctx context.Context) error

	bus     EventPublisher
	logger  *zap.Logger
	metrics metricsRecorder
}

// NewBaseAgent 创建基础 Agent
func NewBaseAgent(cfg Config, executor Executor, bus EventPublisher, logger *zap.Logger) *BaseAgent {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = defaultExecTimeout
	}
	return &BaseAgent{
		config:   cfg,
		state:    StateUninitialized,
		executor: executor,
		bus:      bus,
		logger:   logger.With(zap.String("agent_id", cfg.ID), zap.String("agent_type", string(cfg.Type))),
	}
}

// WithSetup 设置初始化钩子（在 Initialize 时执行一次）
func (b *BaseAgent) WithSetup(fn func(ctx context.Context) error) *BaseAgent {
	b.setup = fn
	return b
}

// WithTeardown 设置清理钩子（在 Cleanup 时执行一次）
func (b *BaseAgent) WithTeardown(fn func(ctx context.Context) error) *BaseAgent {
	b.teardown = fn
	return b
}

// ID 返回 Agent ID
func (b *BaseAgent) ID() string { return b.config.ID }

// Name 返回 Agent 名称
func (b *BaseAgent) Name() string { return b.config.Name }

// Type 返回 Agent 类型
func (b *BaseAgent) Type() types.AgentType { return b.config.Type }

// Config 返回 Agent 配置副本
func (b *BaseAgent) Config() Config { return b.config }

// State 返回当前状态
func (b *BaseAgent) State() State {
	b.stateMu.RLock()
	defer b.stateMu.RUnlock()
	return b.state
}

// Metrics 返回指标快照
func (b *BaseAgent) Metrics() Metrics {
	return b.metrics.snapshot()
}

// Transition 状态转换（带校验）
func (b *BaseAgent) Transition(ctx context.Context, to State) error {
	b.stateMu.Lock()
	from := b.state
	if !CanTransition(from, to) {
		b.stateMu.Unlock()
		return ErrInvalidTransition{From: from, To: to}
	}
	b.state = to
	b.stateMu.Unlock()

	b.logger.Debug("state transition", zap.String("from", string(from)), zap.String("to", string(to)))

	// 发布状态变更事件
	if b.bus != nil {
		payload, _ := json.Marshal(StateChangePayload{
			AgentID: b.config.ID,
			From:    from,
			To:      to,
			At:      time.Now(),
		})
		if _, err := b.bus.PublishEvent(ctx, TopicStateChange, b.config.ID, payload); err != nil {
			b.logger.Warn("failed to publish state change event", zap.Error(err))
		}
	}
	return nil
}

// Initialize 初始化 Agent。重复调用是幂等的：READY 与 TERMINATED 直接返回。
func (b *BaseAgent) Initialize(ctx context.Context) error {
	b.lifeMu.Lock()
	defer b.lifeMu.Unlock()

	switch b.State() {
	case StateReady, StateTerminated:
		return nil
	case StateFailed:
		return types.NewError(types.ErrInvalidState, fmt.Sprintf("agent %s has failed and cannot re-initialize", b.config.ID))
	}

	if err := b.Transition(ctx, StateInitializing); err != nil {
		return types.NewError(types.ErrInvalidState, "initialize").WithCause(err)
	}

	b.logger.Info("initializing agent")
	if b.setup != nil {
		if err := b.setup(ctx); err != nil {
			if terr := b.Transition(ctx, StateFailed); terr != nil {
				b.logger.Error("failed to mark agent failed", zap.Error(terr))
			}
			return types.NewInitializationError(b.config.ID, err)
		}
	}
	return b.Transition(ctx, StateReady)
}

// Cleanup 清理资源。重复调用是幂等的；无论此前处于何种状态都会归于 TERMINATED。
func (b *BaseAgent) Cleanup(ctx context.Context) error {
	b.lifeMu.Lock()
	defer b.lifeMu.Unlock()

	if b.State() == StateTerminated {
		return nil
	}

	if err := b.Transition(ctx, StateCleaningUp); err != nil {
		return types.NewError(types.ErrInvalidState, "cleanup").WithCause(err)
	}

	b.logger.Info("cleaning up agent")
	var hookErr error
	if b.teardown != nil {
		if hookErr = b.teardown(ctx); hookErr != nil {
			b.logger.Warn("teardown hook failed", zap.Error(hookErr))
		}
	}
	if err := b.Transition(ctx, StateTerminated); err != nil {
		return types.NewError(types.ErrInvalidState, "cleanup").WithCause(err)
	}
	return hookErr
}

// HandleRequest 执行一次工具调用。任何失败（错误、panic、超时）都折叠为
// 结构化的失败结果，绝不向上抛出，以便编排层继续处理同批其它调用。
func (b *BaseAgent) HandleRequest(ctx context.Context, req *types.ToolRequest) *types.ToolResult {
	start := time.Now()
	b.metrics.recordHandled()

	result := &types.ToolResult{
		RequestID: req.ID,
		Tool:      req.Tool,
		AgentID:   b.config.ID,
	}

	if !b.State().Healthy() {
		b.metrics.recordFailed()
		result.Status = types.StatusFailed
		result.ErrorCode = types.ErrInvalidState
		result.Error = fmt.Sprintf("agent %s not ready (state %s)", b.config.ID, b.State())
		result.Duration = time.Since(start)
		return result
	}

	// 同一 Agent 串行执行；不同 Agent 之间照常并发
	b.execMu.Lock()
	defer b.execMu.Unlock()

	if err := b.Transition(ctx, StateExecuting); err != nil {
		b.metrics.recordFailed()
		result.Status = types.StatusFailed
		result.ErrorCode = types.ErrInvalidState
		result.Error = err.Error()
		result.Duration = time.Since(start)
		return result
	}
	defer func() {
		if err := b.Transition(ctx, StateReady); err != nil {
			b.logger.Warn("failed to return to ready", zap.Error(err))
		}
	}()

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = b.config.DefaultTimeout
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	payload, err := b.runExecutor(execCtx, req)
	result.Duration = time.Since(start)

	switch {
	case err == nil:
		b.metrics.recordSucceeded(result.Duration)
		result.Status = types.StatusSuccess
		result.Result = payload
	case types.IsErrorCode(err, types.ErrTimeout):
		b.metrics.recordFailed()
		result.Status = types.StatusTimeout
		result.ErrorCode = types.ErrTimeout
		result.Error = err.Error()
		b.logger.Warn("tool call timed out",
			zap.String("tool", req.Tool),
			zap.Duration("timeout", timeout),
		)
	default:
		b.metrics.recordFailed()
		result.Status = types.StatusFailed
		result.ErrorCode = types.GetErrorCode(err)
		if result.ErrorCode == "" {
			result.ErrorCode = types.ErrExecution
		}
		result.Error = err.Error()
		b.logger.Warn("tool call failed",
			zap.String("tool", req.Tool),
			zap.Error(err),
		)
	}
	return result
}

// runExecutor 在独立 goroutine 中运行 Executor，超时后放弃等待。
// 被放弃的执行可能仍在运行，其结果被丢弃。
func (b *BaseAgent) runExecutor(ctx context.Context, req *types.ToolRequest) (json.RawMessage, error) {
	if b.executor == nil {
		return nil, types.NewError(types.ErrValidation, fmt.Sprintf("agent %s has no executor", b.config.ID))
	}

	type outcome struct {
		payload json.RawMessage
		err     error
	}
	done := make(chan outcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				b.logger.Error("executor panicked", zap.Any("recover", r), zap.String("tool", req.Tool))
				done <- outcome{err: types.NewExecutionError(req.Tool, fmt.Errorf("panic: %v", r))}
			}
		}()
		payload, err := b.executor.Execute(ctx, req)
		done <- outcome{payload: payload, err: err}
	}()

	select {
	case out := <-done:
		return out.payload, out.err
	case <-ctx.Done():
		return nil, types.NewTimeoutError(req.Tool).WithCause(ctx.Err())
	}
}

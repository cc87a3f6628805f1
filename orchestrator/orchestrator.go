// Package orchestrator routes free-text requests to registered tools and
// aggregates the per-call outcomes.
//
// Control flow per request: intent analysis → candidate lookup in the
// registry → per-tool dispatch (retry wrapped around circuit breaker
// wrapped around the owning agent's HandleRequest) → aggregation. Tool
// calls within one request fan out concurrently; independent requests
// run concurrently against the same registry, bus and context store. A
// single failed call never aborts its siblings: failures travel as
// structured results, and the overall response succeeds when at least
// one call succeeded.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/BaSui01/opsflow/agent"
	"github.com/BaSui01/opsflow/breaker"
	"github.com/BaSui01/opsflow/bus"
	"github.com/BaSui01/opsflow/ctxstore"
	"github.com/BaSui01/opsflow/registry"
	"github.com/BaSui01/opsflow/retry"
	"github.com/BaSui01/opsflow/types"
)

// 编排器生命周期事件主题
const (
	TopicRequestReceived  = "orchestrator.request_received"
	TopicRequestCompleted = "orchestrator.request_completed"
)

// 聚合结果持久化键前缀
const resultKeyPrefix = "orchestrator:response:"

// Config 编排器配置
type Config struct {
	// MaxToolsPerRequest 单次请求最多路由的工具数
	MaxToolsPerRequest int `yaml:"max_tools_per_request" json:"max_tools_per_request"`

	// MaxConcurrency 单次请求内工具调用的并发上限
	MaxConcurrency int `yaml:"max_concurrency" json:"max_concurrency"`

	// DefaultTimeout 未指定时每个工具调用的超时
	DefaultTimeout time.Duration `yaml:"default_timeout" json:"default_timeout"`

	// RateLimit 每秒请求数上限，0 表示不限流
	RateLimit float64 `yaml:"rate_limit" json:"rate_limit"`

	// RateBurst 限流突发容量
	RateBurst int `yaml:"rate_burst" json:"rate_burst"`

	// ResultTTL 聚合结果在上下文存储中的保留时间
	ResultTTL time.Duration `yaml:"result_ttl" json:"result_ttl"`

	// Breaker 熔断配置，按工具名独立计数
	Breaker breaker.Config `yaml:"breaker" json:"breaker"`

	// Retry 重试策略
	Retry retry.Policy `yaml:"retry" json:"retry"`
}

// DefaultConfig 返回默认编排器配置
func DefaultConfig() Config {
	return Config{
		MaxToolsPerRequest: 5,
		MaxConcurrency:     4,
		DefaultTimeout:     30 * time.Second,
		RateLimit:          0,
		RateBurst:          1,
		ResultTTL:          30 * time.Minute,
		Breaker:            breaker.DefaultConfig(),
		Retry:              retry.DefaultPolicy(),
	}
}

func (c Config) normalized() Config {
	def := DefaultConfig()
	if c.MaxToolsPerRequest <= 0 {
		c.MaxToolsPerRequest = def.MaxToolsPerRequest
	}
	if c.MaxConcurrency <= 0 {
		c.MaxConcurrency = def.MaxConcurrency
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = def.DefaultTimeout
	}
	if c.RateBurst <= 0 {
		c.RateBurst = def.RateBurst
	}
	if c.ResultTTL <= 0 {
		c.ResultTTL = def.ResultTTL
	}
	return c
}

// Request is one orchestration request.
type Request struct {
	// Query is the free-text request to route.
	Query string `json:"query"`

	// WorkflowID scopes shared context state. Generated when empty.
	WorkflowID string `json:"workflow_id,omitempty"`

	// Args is passed through to every dispatched tool.
	Args json.RawMessage `json:"args,omitempty"`

	// Timeout overrides the per-call default.
	Timeout time.Duration `json:"timeout,omitempty"`
}

// Aggregated merges the per-call outcomes of one request.
type Aggregated struct {
	// Success is true when at least one tool call succeeded.
	Success   bool                       `json:"success"`
	Succeeded int                        `json:"succeeded"`
	Failed    int                        `json:"failed"`
	Results   map[string]json.RawMessage `json:"results,omitempty"`
	Errors    map[string]string          `json:"errors,omitempty"`
}

// Response carries the full outcome of one orchestration request.
type Response struct {
	RequestID  string             `json:"request_id"`
	WorkflowID string             `json:"workflow_id"`
	Intent     Intent             `json:"intent"`
	ToolCalls  []types.ToolResult `json:"tool_calls"`
	Aggregated Aggregated         `json:"aggregated_result"`
	Success    bool               `json:"success"`
	Duration   time.Duration      `json:"duration"`
}

// Capabilities describes what the orchestrator can currently route.
type Capabilities struct {
	Categories      []string            `json:"categories"`
	ToolsByCategory map[string][]string `json:"tools_by_category"`
	TotalTools      int                 `json:"total_tools"`
	TotalAgents     int                 `json:"total_agents"`
}

// Metrics are orchestrator-level counters plus per-agent snapshots.
type Metrics struct {
	RequestsTotal     uint64                   `json:"requests_total"`
	RequestsSucceeded uint64                   `json:"requests_succeeded"`
	RequestsFailed    uint64                   `json:"requests_failed"`
	ToolCalls         uint64                   `json:"tool_calls"`
	ToolFailures      uint64                   `json:"tool_failures"`
	Agents            map[string]agent.Metrics `json:"agents"`
	Breakers          []breaker.Snapshot       `json:"breakers"`
}

// Option 配置可选依赖
type Option func(*Orchestrator)

// WithBus attaches the message bus for lifecycle events.
func WithBus(b *bus.MessageBus) Option {
	return func(o *Orchestrator) { o.bus = b }
}

// WithStore attaches the context store for result persistence.
func WithStore(s *ctxstore.ContextStore) Option {
	return func(o *Orchestrator) { o.store = s }
}

// WithBreakerManager overrides the breaker manager built from config.
func WithBreakerManager(m *breaker.Manager) Option {
	return func(o *Orchestrator) { o.breakers = m }
}

// WithRetryer overrides the retryer built from config.
func WithRetryer(r *retry.Retryer) Option {
	return func(o *Orchestrator) { o.retryer = r }
}

// Orchestrator ties the registry, breakers, retry, bus and store together.
type Orchestrator struct {
	config     Config
	registry   *registry.Registry
	classifier *Classifier
	breakers   *breaker.Manager
	retryer    *retry.Retryer
	bus        *bus.MessageBus
	store      *ctxstore.ContextStore
	logger     *zap.Logger
	limiter    *rate.Limiter

	requestsTotal     atomic.Uint64
	requestsSucceeded atomic.Uint64
	requestsFailed    atomic.Uint64
	toolCalls         atomic.Uint64
	toolFailures      atomic.Uint64
}

// New creates an Orchestrator over reg. Bus and store are optional; when
// absent, lifecycle events and result persistence are skipped.
func New(config Config, reg *registry.Registry, logger *zap.Logger, opts ...Option) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	config = config.normalized()

	o := &Orchestrator{
		config:     config,
		registry:   reg,
		classifier: NewClassifier(),
		logger:     logger.With(zap.String("component", "orchestrator")),
	}
	for _, opt := range opts {
		opt(o)
	}

	if o.breakers == nil {
		o.breakers = breaker.NewManager(config.Breaker, logger)
	}
	if o.retryer == nil {
		o.retryer = retry.New(config.Retry, logger)
	}
	if config.RateLimit > 0 {
		o.limiter = rate.NewLimiter(rate.Limit(config.RateLimit), config.RateBurst)
	}

	return o
}

// Breakers exposes the breaker manager for introspection.
func (o *Orchestrator) Breakers() *breaker.Manager { return o.breakers }

// AnalyzeIntent classifies the query and ranks candidate tools from the
// registry. For a general (unmatched) query only tools with keyword
// overlap are candidates; inside a matched category every tool competes
// and similarity just orders them.
func (o *Orchestrator) AnalyzeIntent(query string) Intent {
	intent := o.classifier.Classify(query)

	var tools []types.ToolDescriptor
	if intent.Category == CategoryGeneral {
		tools = o.registry.ListTools()
	} else {
		tools = o.registry.ToolsByCategory(intent.Category)
	}

	candidates := o.classifier.RankTools(intent.Keywords, tools, o.config.MaxToolsPerRequest)
	if intent.Category == CategoryGeneral {
		filtered := candidates[:0]
		for _, c := range candidates {
			if c.Score > 0 {
				filtered = append(filtered, c)
			}
		}
		candidates = filtered
	}
	intent.Candidates = candidates
	return intent
}

// HandleRequest routes one request end to end: classify, look up
// candidates, dispatch concurrently, aggregate. Per-call failures are
// carried in the response; an error return means the request itself
// never ran (validation or cancelled while rate limited).
func (o *Orchestrator) HandleRequest(ctx context.Context, req Request) (*Response, error) {
	if req.Query == "" {
		return nil, types.NewError(types.ErrValidation, "query cannot be empty")
	}
	if o.limiter != nil {
		if err := o.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limit wait: %w", err)
		}
	}

	start := time.Now()
	o.requestsTotal.Add(1)

	requestID := uuid.NewString()
	workflowID := req.WorkflowID
	if workflowID == "" {
		workflowID = requestID
	}
	ctx = types.WithRequestID(ctx, requestID)
	ctx = types.WithWorkflowID(ctx, workflowID)

	logger := o.logger.With(
		zap.String("request_id", requestID),
		zap.String("workflow_id", workflowID),
	)

	intent := o.AnalyzeIntent(req.Query)
	logger.Info("request received",
		zap.String("category", intent.Category),
		zap.Float64("confidence", intent.Confidence),
		zap.Int("candidates", len(intent.Candidates)),
	)
	o.publish(ctx, TopicRequestReceived, requestReceivedPayload{
		RequestID:  requestID,
		WorkflowID: workflowID,
		Query:      req.Query,
		Category:   intent.Category,
	})

	bindings := o.resolve(intent.Candidates, logger)
	results := make([]types.ToolResult, len(bindings))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.config.MaxConcurrency)
	for i, binding := range bindings {
		i, binding := i, binding
		g.Go(func() error {
			results[i] = o.dispatchOne(gctx, binding, req, workflowID)
			return nil
		})
	}
	_ = g.Wait()

	resp := &Response{
		RequestID:  requestID,
		WorkflowID: workflowID,
		Intent:     intent,
		ToolCalls:  results,
		Aggregated: aggregate(results),
		Duration:   time.Since(start),
	}
	resp.Success = resp.Aggregated.Success

	if resp.Success {
		o.requestsSucceeded.Add(1)
	} else {
		o.requestsFailed.Add(1)
	}

	o.persist(ctx, workflowID, requestID, resp, logger)
	o.publish(ctx, TopicRequestCompleted, requestCompletedPayload{
		RequestID:  requestID,
		WorkflowID: workflowID,
		Category:   intent.Category,
		Success:    resp.Success,
		ToolCalls:  len(results),
		DurationMS: resp.Duration.Milliseconds(),
	})

	logger.Info("request completed",
		zap.Bool("success", resp.Success),
		zap.Int("succeeded", resp.Aggregated.Succeeded),
		zap.Int("failed", resp.Aggregated.Failed),
		zap.Duration("duration", resp.Duration),
	)
	return resp, nil
}

// GetCapabilities reports the routable category set and the current tool
// directory.
func (o *Orchestrator) GetCapabilities() Capabilities {
	stats := o.registry.Stats()

	byCategory := make(map[string][]string)
	for _, tool := range o.registry.ListTools() {
		byCategory[tool.Category] = append(byCategory[tool.Category], tool.Name)
	}

	return Capabilities{
		Categories:      o.classifier.Categories(),
		ToolsByCategory: byCategory,
		TotalTools:      stats.TotalTools,
		TotalAgents:     stats.TotalAgents,
	}
}

// GetMetrics returns orchestrator counters, per-agent metrics and breaker
// snapshots.
func (o *Orchestrator) GetMetrics() Metrics {
	agents := make(map[string]agent.Metrics)
	for _, info := range o.registry.ListAgents() {
		agents[info.ID] = info.Metrics
	}

	return Metrics{
		RequestsTotal:     o.requestsTotal.Load(),
		RequestsSucceeded: o.requestsSucceeded.Load(),
		RequestsFailed:    o.requestsFailed.Load(),
		ToolCalls:         o.toolCalls.Load(),
		ToolFailures:      o.toolFailures.Load(),
		Agents:            agents,
		Breakers:          o.breakers.Snapshots(),
	}
}

// resolve maps ranked candidate names onto live tool bindings. Tools
// whose owner has deregistered are dropped here.
func (o *Orchestrator) resolve(candidates []Candidate, logger *zap.Logger) []registry.ToolBinding {
	bindings := make([]registry.ToolBinding, 0, len(candidates))
	for _, c := range candidates {
		binding, ok := o.registry.LookupTool(c.Name)
		if !ok {
			logger.Debug("candidate tool no longer registered", zap.String("tool", c.Name))
			continue
		}
		bindings = append(bindings, binding)
	}
	return bindings
}

// dispatchOne runs a single tool call behind retry and circuit breaking.
// The breaker check sits inside the retry loop so every attempt
// re-consults it, and an open breaker fails the call fast.
func (o *Orchestrator) dispatchOne(ctx context.Context, binding registry.ToolBinding, req Request, workflowID string) types.ToolResult {
	name := binding.Descriptor.Name
	o.toolCalls.Add(1)

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = o.config.DefaultTimeout
	}

	toolReq := &types.ToolRequest{
		ID:         uuid.NewString(),
		Tool:       name,
		Query:      req.Query,
		Args:       req.Args,
		WorkflowID: workflowID,
		Timeout:    timeout,
	}

	br := o.breakers.GetOrCreate(name)
	result, err := retry.DoWithResult(ctx, o.retryer, func(ctx context.Context) (*types.ToolResult, error) {
		if br.IsOpen() {
			return nil, types.NewCircuitOpenError(name)
		}

		res := binding.Agent.HandleRequest(ctx, toolReq)
		if res.IsError() {
			br.OnFailure()
			return nil, res.Err()
		}
		br.OnSuccess()
		return res, nil
	})
	if err != nil {
		o.toolFailures.Add(1)
		return failureResult(toolReq, binding, err)
	}
	return *result
}

// failureResult converts a dispatch error into a structured call result.
func failureResult(req *types.ToolRequest, binding registry.ToolBinding, err error) types.ToolResult {
	result := types.ToolResult{
		RequestID: req.ID,
		Tool:      req.Tool,
		AgentID:   binding.Agent.ID(),
		Status:    types.StatusFailed,
		Error:     err.Error(),
		ErrorCode: types.ErrExecution,
	}

	if coded, ok := types.AsError(err); ok {
		result.ErrorCode = coded.Code
		result.Error = coded.Message
		switch coded.Code {
		case types.ErrCircuitOpen:
			result.Status = types.StatusCircuitOpen
		case types.ErrTimeout:
			result.Status = types.StatusTimeout
		}
	}
	return result
}

// aggregate merges per-call outcomes; success means at least one call
// succeeded.
func aggregate(calls []types.ToolResult) Aggregated {
	agg := Aggregated{}
	for _, call := range calls {
		if call.Status == types.StatusSuccess {
			if agg.Results == nil {
				agg.Results = make(map[string]json.RawMessage)
			}
			agg.Succeeded++
			agg.Results[call.Tool] = call.Result
			continue
		}
		if agg.Errors == nil {
			agg.Errors = make(map[string]string)
		}
		agg.Failed++
		agg.Errors[call.Tool] = fmt.Sprintf("%s: %s", call.ErrorCode, call.Error)
	}
	agg.Success = agg.Succeeded > 0
	return agg
}

// persist writes the full response into the workflow context. Failures
// degrade persistence only.
func (o *Orchestrator) persist(ctx context.Context, workflowID, requestID string, resp *Response, logger *zap.Logger) {
	if o.store == nil {
		return
	}

	payload, err := json.Marshal(resp)
	if err != nil {
		logger.Warn("response marshal failed", zap.Error(err))
		return
	}
	if err := o.store.SetValue(ctx, workflowID, resultKeyPrefix+requestID, payload, o.config.ResultTTL); err != nil {
		logger.Warn("response persistence failed", zap.Error(err))
	}
}

type requestReceivedPayload struct {
	RequestID  string `json:"request_id"`
	WorkflowID string `json:"workflow_id"`
	Query      string `json:"query"`
	Category   string `json:"category"`
}

type requestCompletedPayload struct {
	RequestID  string `json:"request_id"`
	WorkflowID string `json:"workflow_id"`
	Category   string `json:"category"`
	Success    bool   `json:"success"`
	ToolCalls  int    `json:"tool_calls"`
	DurationMS int64  `json:"duration_ms"`
}

// publish emits a lifecycle event when a bus is attached.
func (o *Orchestrator) publish(ctx context.Context, topic string, payload any) {
	if o.bus == nil {
		return
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	if _, err := o.bus.PublishEvent(ctx, topic, "orchestrator", data); err != nil {
		o.logger.Debug("lifecycle event publish failed",
			zap.String("topic", topic),
			zap.Error(err),
		)
	}
}

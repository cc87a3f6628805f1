// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// =============================================================================
// 📊 指标收集器
// =============================================================================

// Collector 指标收集器
type Collector struct {
	// 编排器指标
	requestsTotal    *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
	toolCallsTotal   *prometheus.CounterVec
	toolCallDuration *prometheus.HistogramVec

	// Agent 指标
	agentExecutionsTotal   *prometheus.CounterVec
	agentExecutionDuration *prometheus.HistogramVec
	agentStateTransitions  *prometheus.CounterVec

	// 熔断器指标
	breakerTransitions *prometheus.CounterVec
	breakerState       *prometheus.GaugeVec

	// 消息总线指标（由观测循环按 Stats 差值累加）
	busPublished prometheus.Counter
	busDelivered prometheus.Counter
	busDropped   prometheus.Counter

	// 上下文存储指标（由观测循环按 Stats 差值累加）
	storeHits        *prometheus.CounterVec
	storeMisses      *prometheus.CounterVec
	storeBackendHits *prometheus.CounterVec

	// 数据库连接池指标
	dbConnectionsOpen *prometheus.GaugeVec
	dbConnectionsIdle *prometheus.GaugeVec

	logger *zap.Logger
}

// NewCollector 创建指标收集器
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	// 编排器指标
	c.requestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Total number of orchestrated requests",
		},
		[]string{"category", "status"},
	)

	c.requestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Orchestrated request duration in seconds",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"category"},
	)

	c.toolCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_calls_total",
			Help:      "Total number of tool calls dispatched to agents",
		},
		[]string{"tool", "status"},
	)

	c.toolCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tool_call_duration_seconds",
			Help:      "Tool call duration in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"tool"},
	)

	// Agent 指标
	c.agentExecutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agent_executions_total",
			Help:      "Total number of agent executions",
		},
		[]string{"agent_id", "agent_type", "status"},
	)

	c.agentExecutionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "agent_execution_duration_seconds",
			Help:      "Agent execution duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"agent_id", "agent_type"},
	)

	c.agentStateTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agent_state_transitions_total",
			Help:      "Total number of agent state transitions",
		},
		[]string{"agent_id", "from_state", "to_state"},
	)

	// 熔断器指标
	c.breakerTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "breaker_transitions_total",
			Help:      "Total number of circuit breaker state transitions",
		},
		[]string{"resource", "from_state", "to_state"},
	)

	c.breakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "breaker_state",
			Help:      "Current circuit breaker state (0=closed, 1=open, 2=half_open)",
		},
		[]string{"resource"},
	)

	// 消息总线指标
	c.busPublished = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bus_messages_published_total",
			Help:      "Total number of messages published to the bus",
		},
	)

	c.busDelivered = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bus_messages_delivered_total",
			Help:      "Total number of messages delivered to mailboxes",
		},
	)

	c.busDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bus_messages_dropped_total",
			Help:      "Total number of messages dropped from full mailboxes",
		},
	)

	// 上下文存储指标
	c.storeHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_hits_total",
			Help:      "Total number of context store cache hits",
		},
		[]string{"backend"},
	)

	c.storeMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_misses_total",
			Help:      "Total number of context store misses",
		},
		[]string{"backend"},
	)

	c.storeBackendHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_backend_hits_total",
			Help:      "Total number of reads served by the persistence backend",
		},
		[]string{"backend"},
	)

	// 数据库指标
	c.dbConnectionsOpen = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_connections_open",
			Help:      "Number of open database connections",
		},
		[]string{"database"},
	)

	c.dbConnectionsIdle = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_connections_idle",
			Help:      "Number of idle database connections",
		},
		[]string{"database"},
	)

	logger.Info("metrics collector initialized", zap.String("namespace", namespace))

	return c
}

// =============================================================================
// 🎯 编排器指标记录
// =============================================================================

// RecordRequest 记录编排请求
func (c *Collector) RecordRequest(category, status string, duration time.Duration) {
	c.requestsTotal.WithLabelValues(category, status).Inc()
	c.requestDuration.WithLabelValues(category).Observe(duration.Seconds())
}

// RecordToolCall 记录工具调用
func (c *Collector) RecordToolCall(tool, status string, duration time.Duration) {
	c.toolCallsTotal.WithLabelValues(tool, status).Inc()
	c.toolCallDuration.WithLabelValues(tool).Observe(duration.Seconds())
}

// =============================================================================
// 🎭 Agent 指标记录
// =============================================================================

// RecordAgentExecution 记录 Agent 执行
func (c *Collector) RecordAgentExecution(agentID, agentType, status string, duration time.Duration) {
	c.agentExecutionsTotal.WithLabelValues(agentID, agentType, status).Inc()
	c.agentExecutionDuration.WithLabelValues(agentID, agentType).Observe(duration.Seconds())
}

// RecordAgentStateTransition 记录 Agent 状态转换
func (c *Collector) RecordAgentStateTransition(agentID, fromState, toState string) {
	c.agentStateTransitions.WithLabelValues(agentID, fromState, toState).Inc()
}

// =============================================================================
// ⚡ 熔断器指标记录
// =============================================================================

// RecordBreakerTransition 记录熔断器状态转换
func (c *Collector) RecordBreakerTransition(resource, fromState, toState string) {
	c.breakerTransitions.WithLabelValues(resource, fromState, toState).Inc()
	c.breakerState.WithLabelValues(resource).Set(breakerStateValue(toState))
}

// SetBreakerState 设置熔断器当前状态
func (c *Collector) SetBreakerState(resource, state string) {
	c.breakerState.WithLabelValues(resource).Set(breakerStateValue(state))
}

// =============================================================================
// 📨 消息总线指标记录
// =============================================================================

// AddBusPublished 累加消息发布数，n 为距上次观测的增量
func (c *Collector) AddBusPublished(n int64) {
	if n > 0 {
		c.busPublished.Add(float64(n))
	}
}

// AddBusDelivered 累加消息投递数
func (c *Collector) AddBusDelivered(n int64) {
	if n > 0 {
		c.busDelivered.Add(float64(n))
	}
}

// AddBusDropped 累加消息丢弃数
func (c *Collector) AddBusDropped(n int64) {
	if n > 0 {
		c.busDropped.Add(float64(n))
	}
}

// =============================================================================
// 💾 上下文存储指标记录
// =============================================================================

// AddStoreHits 累加缓存命中数
func (c *Collector) AddStoreHits(backend string, n uint64) {
	if n > 0 {
		c.storeHits.WithLabelValues(backend).Add(float64(n))
	}
}

// AddStoreMisses 累加未命中数
func (c *Collector) AddStoreMisses(backend string, n uint64) {
	if n > 0 {
		c.storeMisses.WithLabelValues(backend).Add(float64(n))
	}
}

// AddStoreBackendHits 累加后端回源命中数
func (c *Collector) AddStoreBackendHits(backend string, n uint64) {
	if n > 0 {
		c.storeBackendHits.WithLabelValues(backend).Add(float64(n))
	}
}

// =============================================================================
// 🗄️ 数据库指标记录
// =============================================================================

// RecordDBConnections 记录数据库连接数
func (c *Collector) RecordDBConnections(database string, open, idle int) {
	c.dbConnectionsOpen.WithLabelValues(database).Set(float64(open))
	c.dbConnectionsIdle.WithLabelValues(database).Set(float64(idle))
}

// =============================================================================
// 🔧 辅助函数
// =============================================================================

// breakerStateValue 将熔断器状态名转换为 Gauge 数值
func breakerStateValue(state string) float64 {
	switch state {
	case "closed":
		return 0
	case "open":
		return 1
	case "half_open":
		return 2
	default:
		return -1
	}
}

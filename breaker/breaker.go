// Package breaker implements per-resource circuit breaking for downstream
// calls. State probing happens inside IsOpen, which doubles as the
// OPEN→HALF_OPEN transition point.
package breaker

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// State 熔断器状态
type State int

const (
	// StateClosed 正常状态，允许请求通过
	StateClosed State = iota
	// StateOpen 熔断状态，拒绝所有请求
	StateOpen
	// StateHalfOpen 半开状态，只放行一个探测请求
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Config 熔断器配置
type Config struct {
	// FailureThreshold 连续失败次数阈值，达到后触发熔断
	FailureThreshold int `yaml:"failure_threshold" json:"failure_threshold"`

	// RecoveryTimeout 熔断后等待恢复的时间
	RecoveryTimeout time.Duration `yaml:"recovery_timeout" json:"recovery_timeout"`
}

// DefaultConfig 默认熔断器配置
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		RecoveryTimeout:  30 * time.Second,
	}
}

func (c Config) normalized() Config {
	def := DefaultConfig()
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = def.FailureThreshold
	}
	if c.RecoveryTimeout <= 0 {
		c.RecoveryTimeout = def.RecoveryTimeout
	}
	return c
}

// Snapshot is a point-in-time view of one breaker.
type Snapshot struct {
	Resource string `json:"resource"`
	State    string `json:"state"`
	Failures int    `json:"failures"`
}

// Breaker guards a single downstream resource.
//
// IsOpen is the transition point: the first call after RecoveryTimeout has
// elapsed on an OPEN breaker flips it to HALF_OPEN and reports "not open",
// granting that caller the single probe. Concurrent callers keep seeing
// the breaker as open until the probe outcome is reported through
// OnSuccess or OnFailure.
type Breaker struct {
	resource string
	config   Config
	logger   *zap.Logger

	mu       sync.Mutex
	state    State
	failures int
	// openedAt marks the OPEN transition, and is re-stamped when the
	// probe is granted so a lost probe re-arms after another timeout.
	openedAt time.Time
}

// New creates a closed breaker for resource. Zero config fields fall back
// to DefaultConfig values.
func New(resource string, config Config, logger *zap.Logger) *Breaker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Breaker{
		resource: resource,
		config:   config.normalized(),
		state:    StateClosed,
		logger:   logger.With(zap.String("resource", resource)),
	}
}

// IsOpen reports whether calls must be rejected, flipping OPEN to
// HALF_OPEN once the recovery timeout has elapsed. A false return from
// the flip is the probe grant.
func (b *Breaker) IsOpen() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		if time.Since(b.openedAt) >= b.config.RecoveryTimeout {
			b.transitionTo(StateHalfOpen, "recovery timeout elapsed")
			b.openedAt = time.Now()
			return false
		}
		return true

	case StateHalfOpen:
		// 探测请求丢失时，再等一个恢复周期后重新放行
		if time.Since(b.openedAt) >= b.config.RecoveryTimeout {
			b.openedAt = time.Now()
			b.logger.Debug("probe re-granted")
			return false
		}
		return true

	default:
		return false
	}
}

// OnSuccess resets the breaker to CLOSED with zero failures.
func (b *Breaker) OnSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0
	if b.state != StateClosed {
		b.transitionTo(StateClosed, "success recorded")
	}
}

// OnFailure increments the consecutive failure counter and opens the
// breaker once the threshold is reached. A failed probe reopens it.
func (b *Breaker) OnFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++

	switch b.state {
	case StateClosed:
		if b.failures >= b.config.FailureThreshold {
			b.openedAt = time.Now()
			b.transitionTo(StateOpen, fmt.Sprintf("%d consecutive failures", b.failures))
		}
	case StateHalfOpen:
		b.openedAt = time.Now()
		b.transitionTo(StateOpen, "probe failed")
	}
}

// State returns the current state without side effects.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Failures returns the consecutive failure count.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// Resource returns the guarded resource name.
func (b *Breaker) Resource() string { return b.resource }

// Snapshot returns the current state and failure count.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		Resource: b.resource,
		State:    b.state.String(),
		Failures: b.failures,
	}
}

// Reset forces the breaker back to CLOSED.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	oldState := b.state
	b.state = StateClosed
	b.failures = 0
	if oldState != StateClosed {
		b.logger.Info("circuit breaker state change",
			zap.String("old_state", oldState.String()),
			zap.String("new_state", StateClosed.String()),
			zap.String("reason", "manual reset"),
		)
	}
}

// transitionTo 状态转换（必须在锁内调用）
func (b *Breaker) transitionTo(newState State, reason string) {
	oldState := b.state
	b.state = newState

	b.logger.Info("circuit breaker state change",
		zap.String("old_state", oldState.String()),
		zap.String("new_state", newState.String()),
		zap.String("reason", reason),
		zap.Int("failures", b.failures),
	)
}

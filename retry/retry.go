// Package retry wraps blocking operations with bounded exponential
// backoff. On exhaustion the last failure is returned unchanged so that
// callers keep seeing the original failure kind.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/opsflow/types"
)

// Policy 重试策略配置
type Policy struct {
	// Retries 重试次数，不含首次执行（0 表示不重试）
	Retries int `yaml:"retries" json:"retries"`

	// InitialDelay 初始延迟时间
	InitialDelay time.Duration `yaml:"initial_delay" json:"initial_delay"`

	// MaxDelay 最大延迟时间
	MaxDelay time.Duration `yaml:"max_delay" json:"max_delay"`

	// Multiplier 延迟时间倍增因子（指数退避）
	Multiplier float64 `yaml:"multiplier" json:"multiplier"`

	// JitterFraction 随机抖动比例 [0,1]，防止雪崩
	JitterFraction float64 `yaml:"jitter_fraction" json:"jitter_fraction"`

	// RetryableCodes 可重试的错误码。为空时退化为按错误自身的
	// Retryable 标记判断，未携带错误码的错误视为瞬时错误。
	RetryableCodes []types.ErrorCode `yaml:"retryable_codes" json:"retryable_codes"`

	// OnRetry 每次重试前的回调
	OnRetry func(attempt int, err error, delay time.Duration) `yaml:"-" json:"-"`
}

// DefaultPolicy 返回默认重试策略
func DefaultPolicy() Policy {
	return Policy{
		Retries:        3,
		InitialDelay:   1 * time.Second,
		MaxDelay:       30 * time.Second,
		Multiplier:     2.0,
		JitterFraction: 0.25,
	}
}

func (p Policy) normalized() Policy {
	def := DefaultPolicy()
	if p.Retries < 0 {
		p.Retries = 0
	}
	if p.InitialDelay <= 0 {
		p.InitialDelay = def.InitialDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = def.MaxDelay
	}
	if p.Multiplier < 1.0 {
		p.Multiplier = def.Multiplier
	}
	if p.JitterFraction < 0 {
		p.JitterFraction = 0
	}
	if p.JitterFraction > 1 {
		p.JitterFraction = 1
	}
	return p
}

// Delay computes the backoff before retry attempt i (0-based):
// min(initial*multiplier^i + uniform(0, jitter*base), max).
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}

	base := float64(p.InitialDelay) * math.Pow(p.Multiplier, float64(attempt))
	delay := base + rand.Float64()*p.JitterFraction*base

	if delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}
	return time.Duration(delay)
}

// Retryer applies a Policy around operations.
type Retryer struct {
	policy Policy
	logger *zap.Logger
	codes  map[types.ErrorCode]bool
}

// New creates a Retryer. Zero policy fields fall back to DefaultPolicy
// values, a nil logger disables logging.
func New(policy Policy, logger *zap.Logger) *Retryer {
	if logger == nil {
		logger = zap.NewNop()
	}

	policy = policy.normalized()
	var codes map[types.ErrorCode]bool
	if len(policy.RetryableCodes) > 0 {
		codes = make(map[types.ErrorCode]bool, len(policy.RetryableCodes))
		for _, code := range policy.RetryableCodes {
			codes[code] = true
		}
	}

	return &Retryer{
		policy: policy,
		logger: logger,
		codes:  codes,
	}
}

// Policy returns the normalized policy in effect.
func (r *Retryer) Policy() Policy { return r.policy }

// Do runs fn, retrying per the policy. The error of the final attempt is
// returned unchanged on exhaustion.
func (r *Retryer) Do(ctx context.Context, fn func(context.Context) error) error {
	_, err := DoWithResult(ctx, r, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// DoWithResult runs fn, retrying per the retryer's policy.
//
// Non-retryable failures and the final attempt's failure are returned
// unchanged. Cancellation during backoff returns the context error
// wrapped, since at that point the caller's deadline decides, not the
// downstream failure.
func DoWithResult[T any](ctx context.Context, r *Retryer, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	var lastErr error

	for attempt := 0; ; attempt++ {
		result, err := fn(ctx)
		if err == nil {
			if attempt > 0 {
				r.logger.Info("retry succeeded", zap.Int("attempt", attempt))
			}
			return result, nil
		}
		lastErr = err

		if !r.retryable(err) {
			r.logger.Debug("error not retryable", zap.Error(err))
			return zero, err
		}
		if attempt >= r.policy.Retries {
			break
		}

		delay := r.policy.Delay(attempt)
		r.logger.Debug("retrying",
			zap.Int("attempt", attempt+1),
			zap.Int("retries", r.policy.Retries),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
		if r.policy.OnRetry != nil {
			r.policy.OnRetry(attempt+1, err, delay)
		}

		select {
		case <-ctx.Done():
			return zero, fmt.Errorf("retry cancelled: %w", ctx.Err())
		case <-time.After(delay):
		}
	}

	r.logger.Warn("retries exhausted",
		zap.Int("attempts", r.policy.Retries+1),
		zap.Error(lastErr),
	)
	return zero, lastErr
}

// retryable decides whether err may be retried. Circuit rejections are
// never retried: the breaker already decided the resource is down.
func (r *Retryer) retryable(err error) bool {
	if err == nil {
		return false
	}
	if types.IsErrorCode(err, types.ErrCircuitOpen) {
		return false
	}

	if r.codes != nil {
		return r.codes[types.GetErrorCode(err)]
	}

	var coded *types.Error
	if errors.As(err, &coded) {
		return coded.Retryable
	}
	// 未分类错误按瞬时错误处理
	return true
}

package retry

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"
)

// TestProperty_DelayWithinBounds draws arbitrary policies and checks the
// computed delay never leaves the window the backoff formula defines.
func TestProperty_DelayWithinBounds(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		initial := time.Duration(rapid.IntRange(1, 1000).Draw(rt, "initial_ms")) * time.Millisecond
		maxDelay := time.Duration(rapid.IntRange(1000, 10000).Draw(rt, "max_ms")) * time.Millisecond
		multiplier := rapid.Float64Range(1.0, 4.0).Draw(rt, "multiplier")
		jitter := rapid.Float64Range(0, 1).Draw(rt, "jitter")
		attempt := rapid.IntRange(0, 20).Draw(rt, "attempt")

		p := Policy{
			InitialDelay:   initial,
			MaxDelay:       maxDelay,
			Multiplier:     multiplier,
			JitterFraction: jitter,
		}

		delay := float64(p.Delay(attempt))
		base := float64(initial) * math.Pow(multiplier, float64(attempt))

		lower := math.Min(base, float64(maxDelay))
		upper := math.Min(base*(1+jitter), float64(maxDelay))

		// Duration 转换会截断纳秒以下的小数
		assert.GreaterOrEqual(rt, delay, lower-1, "delay below exponential base")
		assert.LessOrEqual(rt, delay, upper, "delay above jittered cap")
	})
}

// TestProperty_DelayMonotonicWithoutJitter checks that with jitter
// disabled, backoff never shrinks between consecutive attempts.
func TestProperty_DelayMonotonicWithoutJitter(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		p := Policy{
			InitialDelay:   time.Duration(rapid.IntRange(1, 100).Draw(rt, "initial_ms")) * time.Millisecond,
			MaxDelay:       time.Duration(rapid.IntRange(100, 5000).Draw(rt, "max_ms")) * time.Millisecond,
			Multiplier:     rapid.Float64Range(1.0, 3.0).Draw(rt, "multiplier"),
			JitterFraction: 0,
		}

		prev := p.Delay(0)
		for attempt := 1; attempt <= 15; attempt++ {
			cur := p.Delay(attempt)
			assert.GreaterOrEqual(rt, cur, prev, "attempt %d", attempt)
			assert.LessOrEqual(rt, cur, p.MaxDelay)
			prev = cur
		}
	})
}

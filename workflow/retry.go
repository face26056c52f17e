package workflow

import (
	"math"
	"math/rand"
	"time"
)

type (
	// RetryStrategy selects the backoff curve of a retry policy.
	RetryStrategy string

	// RetryPolicy bounds retry attempts for a step. A nil MaxAttempts means
	// unbounded; the same applies when the policy itself is absent.
	RetryPolicy struct {
		MaxAttempts    *int          `json:"maxAttempts,omitempty"`
		Strategy       RetryStrategy `json:"strategy,omitempty"`
		InitialDelayMs int64         `json:"initialDelayMs,omitempty"`
		MaxDelayMs     int64         `json:"maxDelayMs,omitempty"`
	}
)

const (
	RetryNone        RetryStrategy = "none"
	RetryFixed       RetryStrategy = "fixed"
	RetryExponential RetryStrategy = "exponential"
)

// MaxAttemptsFor returns the attempt budget of a policy. Zero means
// unbounded. A "none" strategy always yields one attempt.
func MaxAttemptsFor(p *RetryPolicy) int {
	if p == nil {
		return 0
	}
	if p.Strategy == RetryNone {
		return 1
	}
	if p.MaxAttempts == nil {
		return 0
	}
	if *p.MaxAttempts < 1 {
		return 1
	}
	return *p.MaxAttempts
}

// AttemptsRemain reports whether another attempt fits the budget given the
// number of attempts already executed.
func AttemptsRemain(p *RetryPolicy, executed int) bool {
	max := MaxAttemptsFor(p)
	return max == 0 || executed < max
}

// CalculateRetryDelay computes the in-policy backoff before the given
// attempt number (1-based; the first retry is attempt 2). Strategy "none"
// and unknown strategies yield zero; "fixed" yields initialDelayMs;
// "exponential" yields initialDelayMs * 2^(attempt-2). The result is clamped
// to maxDelayMs when set.
func CalculateRetryDelay(attempt int, p *RetryPolicy) time.Duration {
	if p == nil || attempt < 2 {
		return 0
	}
	var ms float64
	switch p.Strategy {
	case RetryFixed:
		ms = float64(p.InitialDelayMs)
	case RetryExponential:
		ms = float64(p.InitialDelayMs) * math.Pow(2, float64(attempt-2))
	default:
		return 0
	}
	if p.MaxDelayMs > 0 && ms > float64(p.MaxDelayMs) {
		ms = float64(p.MaxDelayMs)
	}
	if ms < 0 {
		ms = 0
	}
	return time.Duration(ms) * time.Millisecond
}

// BackoffSettings parameterize the jittered exponential fallback used when a
// policy provides no delay of its own.
type BackoffSettings struct {
	BaseMs      int64
	Factor      float64
	MaxMs       int64
	JitterRatio float64
}

// NextRetryTime computes the timestamp of the next attempt: now plus the
// policy delay, or the jittered exponential fallback when the policy delay
// is zero.
func NextRetryTime(now time.Time, nextAttempt int, p *RetryPolicy, fallback BackoffSettings) time.Time {
	if d := CalculateRetryDelay(nextAttempt, p); d > 0 {
		return now.Add(d)
	}
	return now.Add(fallbackDelay(nextAttempt, fallback))
}

func fallbackDelay(attempt int, s BackoffSettings) time.Duration {
	if s.BaseMs <= 0 {
		s.BaseMs = 5000
	}
	if s.Factor <= 1 {
		s.Factor = 2
	}
	if s.MaxMs <= 0 {
		s.MaxMs = 1800000
	}
	exp := float64(attempt) - 2
	if exp < 0 {
		exp = 0
	}
	ms := float64(s.BaseMs) * math.Pow(s.Factor, exp)
	if ms > float64(s.MaxMs) {
		ms = float64(s.MaxMs)
	}
	if s.JitterRatio > 0 {
		jitter := ms * s.JitterRatio * (rand.Float64()*2 - 1) //nolint:gosec // jitter doesn't need crypto rand
		ms += jitter
	}
	if ms < 0 {
		ms = 0
	}
	return time.Duration(ms) * time.Millisecond
}

package resilience

import (
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"github.com/roach88/tether/internal/clienterr"
)

// BackoffStrategy selects how the delay grows between attempts.
type BackoffStrategy int

const (
	// BackoffConstant waits InitialDelay before every retry.
	BackoffConstant BackoffStrategy = iota
	// BackoffLinear waits InitialDelay * attempt.
	BackoffLinear
	// BackoffExponential waits InitialDelay * Multiplier^(attempt-1).
	BackoffExponential
)

// String returns the strategy name used in configuration files.
func (s BackoffStrategy) String() string {
	switch s {
	case BackoffConstant:
		return "constant"
	case BackoffLinear:
		return "linear"
	case BackoffExponential:
		return "exponential"
	default:
		return "unknown"
	}
}

// ParseBackoffStrategy parses "constant", "linear" or "exponential".
func ParseBackoffStrategy(s string) (BackoffStrategy, error) {
	switch s {
	case "constant":
		return BackoffConstant, nil
	case "linear":
		return BackoffLinear, nil
	case "exponential", "":
		return BackoffExponential, nil
	}
	return 0, fmt.Errorf("unknown backoff strategy %q", s)
}

// jitterFraction is the ±25% spread applied when UseJitter is set.
const jitterFraction = 0.25

// RetryPolicy is immutable retry configuration, shared read-only by every
// call that uses it.
type RetryPolicy struct {
	// MaxRetries is the number of retries after the first attempt.
	// Total attempts = MaxRetries + 1.
	MaxRetries uint

	// Backoff selects the delay growth strategy.
	Backoff BackoffStrategy

	// InitialDelay is the base delay.
	InitialDelay time.Duration

	// Multiplier is the growth factor for BackoffExponential.
	Multiplier float64

	// MaxDelay caps every computed delay. Zero means no cap.
	MaxDelay time.Duration

	// UseJitter spreads each delay uniformly by ±25% so many clients do not
	// retry in lockstep.
	UseJitter bool

	// Retryable decides whether an error is worth another attempt.
	// Nil means clienterr.IsRetryable.
	Retryable func(error) bool

	// OnRetry is called before each wait with the attempt that just failed.
	OnRetry func(attempt int, err error, delay time.Duration)
}

// DefaultRetryPolicy returns 3 exponential retries starting at 100ms,
// doubling, capped at 10s, with jitter.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:   3,
		Backoff:      BackoffExponential,
		InitialDelay: 100 * time.Millisecond,
		Multiplier:   2.0,
		MaxDelay:     10 * time.Second,
		UseJitter:    true,
	}
}

// NoRetry returns a policy that makes exactly one attempt.
func NoRetry() RetryPolicy {
	return RetryPolicy{}
}

// Validate checks the policy for values that cannot produce sane delays.
func (p RetryPolicy) Validate() error {
	if p.InitialDelay < 0 {
		return fmt.Errorf("retry policy: initial delay must not be negative, got %s", p.InitialDelay)
	}
	if p.MaxDelay < 0 {
		return fmt.Errorf("retry policy: max delay must not be negative, got %s", p.MaxDelay)
	}
	if p.Backoff == BackoffExponential && p.Multiplier < 1.0 && p.MaxRetries > 0 {
		return fmt.Errorf("retry policy: exponential multiplier must be >= 1, got %v", p.Multiplier)
	}
	return nil
}

// IsRetryable applies the policy's predicate to err.
func (p RetryPolicy) IsRetryable(err error) bool {
	if p.Retryable != nil {
		return p.Retryable(err)
	}
	return clienterr.IsRetryable(err)
}

// MaxAttempts returns MaxRetries + 1.
func (p RetryPolicy) MaxAttempts() int {
	return int(p.MaxRetries) + 1
}

// CalculateDelay returns the wait after the given failed attempt (1-based),
// including jitter when enabled.
func (p RetryPolicy) CalculateDelay(attempt int) time.Duration {
	return p.calculateDelay(attempt, rand.Float64)
}

func (p RetryPolicy) calculateDelay(attempt int, random func() float64) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	var base float64
	switch p.Backoff {
	case BackoffConstant:
		base = float64(p.InitialDelay)
	case BackoffLinear:
		base = float64(p.InitialDelay) * float64(attempt)
	default:
		base = float64(p.InitialDelay) * math.Pow(p.Multiplier, float64(attempt-1))
	}

	if p.MaxDelay > 0 && base > float64(p.MaxDelay) {
		base = float64(p.MaxDelay)
	}

	if p.UseJitter && base > 0 {
		spread := (random()*2 - 1) * jitterFraction
		base *= 1 + spread
	}
	if base >= math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(base)
}

package resilience

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/roach88/tether/internal/clienterr"
)

// Observer receives coordinator events. The metrics package implements it;
// a nil Observer is ignored.
type Observer interface {
	ObserveAttempt(endpoint string, attempt int, err error)
	ObserveRetry(endpoint string, attempt int, delay time.Duration)
	ObserveRejected(endpoint string)
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithClock sets the clock used for retry delays.
func WithClock(clock Clock) Option {
	return func(c *Coordinator) {
		c.clock = clock
	}
}

// WithRandom sets the jitter source. random must return values in [0, 1).
func WithRandom(random func() float64) Option {
	return func(c *Coordinator) {
		c.random = random
	}
}

// WithObserver attaches an event observer.
func WithObserver(o Observer) Option {
	return func(c *Coordinator) {
		c.observer = o
	}
}

// Coordinator executes operations under a retry policy and a circuit
// breaker. It holds no per-call state and is safe for concurrent use.
type Coordinator struct {
	policy   RetryPolicy
	breaker  *CircuitBreaker
	clock    Clock
	random   func() float64
	observer Observer
}

// NewCoordinator creates a coordinator. A nil breaker disables the gate.
func NewCoordinator(policy RetryPolicy, breaker *CircuitBreaker, opts ...Option) *Coordinator {
	c := &Coordinator{
		policy:  policy,
		breaker: breaker,
		clock:   SystemClock{},
		random:  rand.Float64,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Policy returns the retry policy.
func (c *Coordinator) Policy() RetryPolicy {
	return c.policy
}

// Breaker returns the circuit breaker, or nil.
func (c *Coordinator) Breaker() *CircuitBreaker {
	return c.breaker
}

// Do runs op under the coordinator. See Execute.
func (c *Coordinator) Do(ctx context.Context, op func(ctx context.Context) error) error {
	_, err := Execute(ctx, c, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

// Execute runs op until it succeeds, fails terminally, exhausts the retry
// policy, or is rejected by the breaker.
//
// On exhaustion the returned error is the last attempt's error unchanged.
// Caller cancellation observed before an attempt or during a backoff wait
// returns a CANCELLED (or TIMEOUT, for deadlines) error and is not counted
// as a breaker failure.
func Execute[T any](ctx context.Context, c *Coordinator, op func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	endpoint := c.endpoint()

	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, clienterr.Cancelled(err)
		}

		if c.breaker != nil {
			if err := c.breaker.Allow(); err != nil {
				if c.observer != nil {
					c.observer.ObserveRejected(endpoint)
				}
				return zero, err
			}
		}

		result, err := op(ctx)
		if c.observer != nil {
			c.observer.ObserveAttempt(endpoint, attempt, err)
		}

		if err == nil {
			if c.breaker != nil {
				c.breaker.RecordSuccess()
			}
			return result, nil
		}

		// The caller gave up while the attempt was in flight.
		if ctxErr := ctx.Err(); ctxErr != nil && isContextError(err) {
			return zero, clienterr.Cancelled(ctxErr)
		}

		if c.breaker != nil && clienterr.IsServiceImpacting(err) {
			c.breaker.RecordFailure()
		}

		if attempt >= c.policy.MaxAttempts() || !c.policy.IsRetryable(err) {
			if attempt > 1 {
				slog.Debug("retry sequence ended",
					"endpoint", endpoint,
					"attempts", attempt,
					"error", err,
				)
			}
			return zero, err
		}

		delay := c.policy.calculateDelay(attempt, c.random)
		slog.Debug("retrying after failure",
			"endpoint", endpoint,
			"attempt", attempt,
			"max_attempts", c.policy.MaxAttempts(),
			"delay", delay,
			"error", err,
		)
		if c.policy.OnRetry != nil {
			c.policy.OnRetry(attempt, err, delay)
		}
		if c.observer != nil {
			c.observer.ObserveRetry(endpoint, attempt, delay)
		}

		select {
		case <-ctx.Done():
			return zero, clienterr.Cancelled(ctx.Err())
		case <-c.clock.After(delay):
		}
	}
}

func (c *Coordinator) endpoint() string {
	if c.breaker != nil {
		return c.breaker.Name()
	}
	return ""
}

func isContextError(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	kind := clienterr.KindOf(err)
	return kind == clienterr.KindCancelled || kind == clienterr.KindTimeout
}

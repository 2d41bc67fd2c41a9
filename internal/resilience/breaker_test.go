package resilience

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/tether/internal/clienterr"
	"github.com/roach88/tether/internal/testutil"
)

type transition struct {
	from, to CircuitState
}

func newTestBreaker(t *testing.T, failures, successes uint) (*CircuitBreaker, *testutil.ManualClock, *[]transition) {
	t.Helper()
	clock := testutil.NewManualClock(time.Time{})
	var mu sync.Mutex
	var seen []transition
	cb := NewCircuitBreaker(BreakerConfig{
		Name:             "mutation",
		FailureThreshold: failures,
		BreakDuration:    10 * time.Second,
		SuccessThreshold: successes,
		OnStateChange: func(name string, from, to CircuitState) {
			mu.Lock()
			defer mu.Unlock()
			assert.Equal(t, "mutation", name)
			seen = append(seen, transition{from, to})
		},
	}, clock)
	return cb, clock, &seen
}

func TestCircuitBreaker_StartsClosed(t *testing.T) {
	cb, _, _ := newTestBreaker(t, 3, 1)
	assert.Equal(t, CircuitClosed, cb.State())
	assert.NoError(t, cb.Allow())
}

func TestCircuitBreaker_OpensAtThreshold(t *testing.T) {
	cb, _, seen := newTestBreaker(t, 3, 1)

	cb.RecordFailure()
	cb.RecordFailure()
	assert.Equal(t, CircuitClosed, cb.State())

	cb.RecordFailure()
	assert.Equal(t, CircuitOpen, cb.State())
	assert.Equal(t, []transition{{CircuitClosed, CircuitOpen}}, *seen)

	err := cb.Allow()
	require.Error(t, err)
	assert.True(t, clienterr.IsCircuitOpen(err))
	assert.True(t, errors.Is(err, clienterr.ErrCircuitOpen))
}

func TestCircuitBreaker_SuccessResetsFailureCount(t *testing.T) {
	cb, _, _ := newTestBreaker(t, 3, 1)

	cb.RecordFailure()
	cb.RecordFailure()
	cb.RecordSuccess()
	cb.RecordFailure()
	cb.RecordFailure()

	assert.Equal(t, CircuitClosed, cb.State())
	assert.Equal(t, uint(2), cb.Stats().FailureCount)
}

func TestCircuitBreaker_HalfOpenAfterBreakDuration(t *testing.T) {
	cb, clock, seen := newTestBreaker(t, 1, 1)

	cb.RecordFailure()
	require.Equal(t, CircuitOpen, cb.State())

	clock.Advance(9 * time.Second)
	assert.True(t, clienterr.IsCircuitOpen(cb.Allow()))

	clock.Advance(time.Second)
	require.NoError(t, cb.Allow())
	assert.Equal(t, CircuitHalfOpen, cb.State())

	cb.RecordSuccess()
	assert.Equal(t, CircuitClosed, cb.State())
	assert.Equal(t, []transition{
		{CircuitClosed, CircuitOpen},
		{CircuitOpen, CircuitHalfOpen},
		{CircuitHalfOpen, CircuitClosed},
	}, *seen)
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	cb, clock, _ := newTestBreaker(t, 5, 1)

	for i := 0; i < 5; i++ {
		cb.RecordFailure()
	}
	clock.Advance(10 * time.Second)
	require.NoError(t, cb.Allow())
	require.Equal(t, CircuitHalfOpen, cb.State())

	// A single half-open failure reopens regardless of the threshold.
	cb.RecordFailure()
	assert.Equal(t, CircuitOpen, cb.State())

	// The break window restarts from the latest failure.
	clock.Advance(5 * time.Second)
	assert.True(t, clienterr.IsCircuitOpen(cb.Allow()))
}

func TestCircuitBreaker_SuccessThreshold(t *testing.T) {
	cb, clock, _ := newTestBreaker(t, 1, 3)

	cb.RecordFailure()
	clock.Advance(10 * time.Second)
	require.NoError(t, cb.Allow())

	cb.RecordSuccess()
	cb.RecordSuccess()
	assert.Equal(t, CircuitHalfOpen, cb.State())
	assert.Equal(t, uint(2), cb.Stats().HalfOpenSuccesses)

	cb.RecordSuccess()
	assert.Equal(t, CircuitClosed, cb.State())
	assert.Equal(t, uint(0), cb.Stats().FailureCount)
}

func TestCircuitBreaker_Stats(t *testing.T) {
	cb, clock, _ := newTestBreaker(t, 1, 1)

	require.NoError(t, cb.Allow())
	cb.RecordFailure()
	_ = cb.Allow()
	_ = cb.Allow()

	stats := cb.Stats()
	assert.Equal(t, "mutation", stats.Name)
	assert.Equal(t, "open", stats.State)
	assert.Equal(t, int64(3), stats.TotalCalls)
	assert.Equal(t, int64(1), stats.TotalFailures)
	assert.Equal(t, int64(2), stats.TotalRejections)
	assert.Equal(t, clock.Now(), stats.LastFailure)
}

func TestCircuitBreaker_Reset(t *testing.T) {
	cb, _, seen := newTestBreaker(t, 1, 1)

	cb.RecordFailure()
	cb.Reset()

	assert.Equal(t, CircuitClosed, cb.State())
	assert.NoError(t, cb.Allow())
	assert.Equal(t, []transition{{CircuitClosed, CircuitOpen}, {CircuitOpen, CircuitClosed}}, *seen)
}

func TestCircuitBreaker_Defaults(t *testing.T) {
	cb := NewCircuitBreaker(BreakerConfig{Name: "query"}, nil)
	for i := 0; i < 4; i++ {
		cb.RecordFailure()
	}
	assert.Equal(t, CircuitClosed, cb.State())
	cb.RecordFailure()
	assert.Equal(t, CircuitOpen, cb.State())
}

func TestBreakerConfigValidate(t *testing.T) {
	require.NoError(t, DefaultBreakerConfig("x").Validate())
	assert.Error(t, BreakerConfig{Name: "x", SuccessThreshold: 1}.Validate())
	assert.Error(t, BreakerConfig{Name: "x", FailureThreshold: 1}.Validate())
	assert.Error(t, BreakerConfig{Name: "x", FailureThreshold: 1, SuccessThreshold: 1, BreakDuration: -1}.Validate())
}

func TestCircuitBreaker_ConcurrentBookkeeping(t *testing.T) {
	cb := NewCircuitBreaker(BreakerConfig{Name: "c", FailureThreshold: 1000, BreakDuration: time.Minute, SuccessThreshold: 1}, nil)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				_ = cb.Allow()
				cb.RecordFailure()
			}
		}()
	}
	wg.Wait()

	stats := cb.Stats()
	assert.Equal(t, int64(500), stats.TotalFailures)
	assert.Equal(t, uint(500), stats.FailureCount)
	assert.Equal(t, CircuitClosed, cb.State())
}

func TestCircuitStateString(t *testing.T) {
	assert.Equal(t, "closed", CircuitClosed.String())
	assert.Equal(t, "open", CircuitOpen.String())
	assert.Equal(t, "half-open", CircuitHalfOpen.String())
	assert.Equal(t, "unknown", CircuitState(99).String())
}

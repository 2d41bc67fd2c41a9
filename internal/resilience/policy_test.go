package resilience

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/tether/internal/clienterr"
)

func fixedRandom(v float64) func() float64 {
	return func() float64 { return v }
}

func TestCalculateDelay(t *testing.T) {
	tests := []struct {
		name     string
		policy   RetryPolicy
		attempt  int
		expected time.Duration
	}{
		{
			name:     "constant",
			policy:   RetryPolicy{Backoff: BackoffConstant, InitialDelay: 100 * time.Millisecond},
			attempt:  4,
			expected: 100 * time.Millisecond,
		},
		{
			name:     "linear",
			policy:   RetryPolicy{Backoff: BackoffLinear, InitialDelay: 100 * time.Millisecond},
			attempt:  3,
			expected: 300 * time.Millisecond,
		},
		{
			name:     "exponential first",
			policy:   RetryPolicy{Backoff: BackoffExponential, InitialDelay: 100 * time.Millisecond, Multiplier: 2},
			attempt:  1,
			expected: 100 * time.Millisecond,
		},
		{
			name:     "exponential third",
			policy:   RetryPolicy{Backoff: BackoffExponential, InitialDelay: 100 * time.Millisecond, Multiplier: 2},
			attempt:  3,
			expected: 400 * time.Millisecond,
		},
		{
			name:     "capped by max delay",
			policy:   RetryPolicy{Backoff: BackoffExponential, InitialDelay: time.Second, Multiplier: 10, MaxDelay: 5 * time.Second},
			attempt:  5,
			expected: 5 * time.Second,
		},
		{
			name:     "zero attempt treated as first",
			policy:   RetryPolicy{Backoff: BackoffLinear, InitialDelay: 50 * time.Millisecond},
			attempt:  0,
			expected: 50 * time.Millisecond,
		},
		{
			name:     "huge exponent saturates",
			policy:   RetryPolicy{Backoff: BackoffExponential, InitialDelay: time.Second, Multiplier: 10},
			attempt:  400,
			expected: time.Duration(1<<63 - 1),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.policy.calculateDelay(tt.attempt, fixedRandom(0.5)))
		})
	}
}

func TestCalculateDelayJitter(t *testing.T) {
	policy := RetryPolicy{
		Backoff:      BackoffConstant,
		InitialDelay: time.Second,
		UseJitter:    true,
	}

	assert.Equal(t, 750*time.Millisecond, policy.calculateDelay(1, fixedRandom(0)))
	assert.Equal(t, time.Second, policy.calculateDelay(1, fixedRandom(0.5)))
	assert.Equal(t, 1125*time.Millisecond, policy.calculateDelay(1, fixedRandom(0.75)))

	// Real randomness stays within ±25%.
	for i := 0; i < 200; i++ {
		d := policy.CalculateDelay(1)
		assert.GreaterOrEqual(t, d, 750*time.Millisecond)
		assert.LessOrEqual(t, d, 1250*time.Millisecond)
	}
}

func TestCalculateDelayJitterAppliesAfterCap(t *testing.T) {
	policy := RetryPolicy{
		Backoff:      BackoffExponential,
		InitialDelay: time.Second,
		Multiplier:   2,
		MaxDelay:     2 * time.Second,
		UseJitter:    true,
	}

	assert.Equal(t, 1500*time.Millisecond, policy.calculateDelay(6, fixedRandom(0)))
}

func TestRetryPolicyValidate(t *testing.T) {
	require.NoError(t, DefaultRetryPolicy().Validate())
	require.NoError(t, NoRetry().Validate())

	err := RetryPolicy{InitialDelay: -time.Second}.Validate()
	assert.ErrorContains(t, err, "initial delay")

	err = RetryPolicy{MaxDelay: -time.Second}.Validate()
	assert.ErrorContains(t, err, "max delay")

	err = RetryPolicy{MaxRetries: 2, Backoff: BackoffExponential, Multiplier: 0.5}.Validate()
	assert.ErrorContains(t, err, "multiplier")
}

func TestRetryPolicyIsRetryable(t *testing.T) {
	def := DefaultRetryPolicy()
	assert.True(t, def.IsRetryable(clienterr.Server(503, "unavailable")))
	assert.False(t, def.IsRetryable(clienterr.New(clienterr.KindArgument, "bad")))

	custom := def
	custom.Retryable = func(err error) bool { return errors.Is(err, clienterr.ErrArgument) }
	assert.True(t, custom.IsRetryable(clienterr.New(clienterr.KindArgument, "bad")))
	assert.False(t, custom.IsRetryable(clienterr.Server(503, "unavailable")))
}

func TestParseBackoffStrategy(t *testing.T) {
	tests := []struct {
		input    string
		expected BackoffStrategy
	}{
		{"constant", BackoffConstant},
		{"linear", BackoffLinear},
		{"exponential", BackoffExponential},
		{"", BackoffExponential},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseBackoffStrategy(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
			if tt.input != "" {
				assert.Equal(t, tt.input, got.String())
			}
		})
	}

	_, err := ParseBackoffStrategy("fibonacci")
	assert.Error(t, err)
}

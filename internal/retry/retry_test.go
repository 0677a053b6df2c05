package retry_test

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskmill/internal/retry"
)

func TestDelay_Exponential(t *testing.T) {
	t.Parallel()

	cfg := retry.Config{
		Backoff:      retry.Exponential,
		InitialDelay: 1000 * time.Millisecond,
		MaxDelay:     60 * time.Second,
	}

	tests := []struct {
		attempt int
		min     time.Duration
		max     time.Duration
	}{
		{attempt: 1, min: 1000 * time.Millisecond, max: 1300 * time.Millisecond},
		{attempt: 2, min: 2000 * time.Millisecond, max: 2600 * time.Millisecond},
		{attempt: 3, min: 4000 * time.Millisecond, max: 5200 * time.Millisecond},
		// 2^(20-1) seconds is far past the cap.
		{attempt: 20, min: 60 * time.Second, max: 78 * time.Second},
	}

	for _, tt := range tests {
		for range 50 {
			d := retry.Delay(tt.attempt, cfg)
			require.GreaterOrEqual(t, d, tt.min, "attempt %d", tt.attempt)
			require.Less(t, d, tt.max, "attempt %d", tt.attempt)
		}
	}
}

func TestDelay_Linear(t *testing.T) {
	t.Parallel()

	cfg := retry.Config{
		Backoff:      retry.Linear,
		InitialDelay: 2 * time.Second,
		MaxDelay:     5 * time.Second,
	}

	for range 50 {
		assert.GreaterOrEqual(t, retry.Delay(1, cfg), 2*time.Second)
		assert.Less(t, retry.Delay(1, cfg), 2600*time.Millisecond)

		assert.GreaterOrEqual(t, retry.Delay(2, cfg), 4*time.Second)
		assert.Less(t, retry.Delay(2, cfg), 5200*time.Millisecond)

		// Capped at MaxDelay before jitter.
		assert.GreaterOrEqual(t, retry.Delay(10, cfg), 5*time.Second)
		assert.Less(t, retry.Delay(10, cfg), 6500*time.Millisecond)
	}
}

func TestDelay_Fixed(t *testing.T) {
	t.Parallel()

	cfg := retry.Config{Backoff: retry.Fixed, InitialDelay: 5 * time.Second}

	for _, attempt := range []int{1, 2, 5, 50} {
		for range 20 {
			d := retry.Delay(attempt, cfg)
			require.GreaterOrEqual(t, d, 5*time.Second)
			require.Less(t, d, 6500*time.Millisecond)
		}
	}
}

func TestDelay_Defaults(t *testing.T) {
	t.Parallel()

	// Zero config: exponential from one second, uncapped.
	d := retry.Delay(1, retry.Config{})
	assert.GreaterOrEqual(t, d, time.Second)
	assert.Less(t, d, 1300*time.Millisecond)

	d = retry.Delay(0, retry.Config{})
	assert.GreaterOrEqual(t, d, time.Second, "attempt below 1 behaves like 1")
}

func TestShouldRetry(t *testing.T) {
	t.Parallel()

	err := errors.New("boom")

	assert.True(t, retry.ShouldRetry(err, 1, 3, retry.Config{}))
	assert.True(t, retry.ShouldRetry(err, 2, 3, retry.Config{}))
	assert.False(t, retry.ShouldRetry(err, 3, 3, retry.Config{}))
	assert.False(t, retry.ShouldRetry(err, 4, 3, retry.Config{}))

	t.Run("custom retryOn", func(t *testing.T) {
		t.Parallel()

		transient := errors.New("transient")
		cfg := retry.Config{RetryOn: func(e error) bool { return errors.Is(e, transient) }}

		assert.True(t, retry.ShouldRetry(transient, 1, 3, cfg))
		assert.False(t, retry.ShouldRetry(err, 1, 3, cfg))
		// Exhausted attempts win over RetryOn.
		assert.False(t, retry.ShouldRetry(transient, 3, 3, cfg))
	})
}

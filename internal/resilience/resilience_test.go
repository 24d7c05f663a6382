package resilience

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/callcoach/internal/config"
)

var errTransient = NewTransientError(errors.New("overloaded"), 529)

func fastBackoff(attempts int) Backoff {
	return Backoff{Attempts: attempts, Initial: time.Millisecond, Max: 5 * time.Millisecond, Multiplier: 2}
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"explicit", errTransient, true},
		{"deadline", context.DeadlineExceeded, true},
		{"canceled", context.Canceled, false},
		{"reset", errors.New("read: connection reset by peer"), true},
		{"bad request", errors.New("400 invalid_request_error"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsTransient(tt.err))
		})
	}
}

func TestIsTransientStatus(t *testing.T) {
	for _, code := range []int{429, 500, 503, 529} {
		assert.True(t, IsTransientStatus(code), code)
	}
	for _, code := range []int{200, 400, 401, 404} {
		assert.False(t, IsTransientStatus(code), code)
	}
}

func TestRetry_SucceedsAfterTransient(t *testing.T) {
	var calls int
	got, err := Retry(context.Background(), fastBackoff(3), "test", func(context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", errTransient
		}
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", got)
	assert.Equal(t, 3, calls)
}

func TestRetry_StopsOnPermanent(t *testing.T) {
	var calls int
	_, err := Retry(context.Background(), fastBackoff(5), "test", func(context.Context) (int, error) {
		calls++
		return 0, errors.New("invalid request")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestRetry_ExhaustsAttempts(t *testing.T) {
	var calls int
	_, err := Retry(context.Background(), fastBackoff(2), "test", func(context.Context) (int, error) {
		calls++
		return 0, errTransient
	})
	require.Error(t, err)
	assert.Equal(t, 2, calls)
}

func TestRetry_ContextCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var calls int
	_, err := Retry(ctx, Backoff{Attempts: 5, Initial: time.Second}, "test", func(context.Context) (int, error) {
		calls++
		cancel()
		return 0, errTransient
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestBackoff_DelayCapped(t *testing.T) {
	b := Backoff{Attempts: 10, Initial: 100 * time.Millisecond, Max: 300 * time.Millisecond, Multiplier: 2}
	assert.Equal(t, 100*time.Millisecond, b.Delay(0))
	assert.Equal(t, 200*time.Millisecond, b.Delay(1))
	assert.Equal(t, 300*time.Millisecond, b.Delay(5))
}

func TestBreaker_OpensAndRecovers(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	b := NewBreaker("test", 2, time.Minute)
	b.now = func() time.Time { return now }

	require.NoError(t, b.Allow())
	b.Record(errTransient)
	require.NoError(t, b.Allow())
	b.Record(errTransient)
	assert.Equal(t, BreakerOpen, b.State())
	assert.ErrorIs(t, b.Allow(), ErrBreakerOpen)

	now = now.Add(2 * time.Minute)
	assert.Equal(t, BreakerHalfOpen, b.State())
	require.NoError(t, b.Allow())
	// only one probe at a time
	assert.ErrorIs(t, b.Allow(), ErrBreakerOpen)
	b.Record(nil)
	assert.Equal(t, BreakerClosed, b.State())
}

func TestBreaker_PermanentErrorsDoNotTrip(t *testing.T) {
	b := NewBreaker("test", 1, time.Minute)
	require.NoError(t, b.Allow())
	b.Record(errors.New("bad request"))
	assert.Equal(t, BreakerClosed, b.State())
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	b := NewBreaker("test", 1, time.Minute)
	b.now = func() time.Time { return now }

	b.Record(errTransient)
	now = now.Add(time.Minute)
	require.NoError(t, b.Allow())
	b.Record(errTransient)
	assert.Equal(t, BreakerOpen, b.State())
}

func TestCall_AttemptTimeoutIsRetried(t *testing.T) {
	g := NewGuard(GuardConfig{Name: "test", Timeout: 10 * time.Millisecond, Backoff: fastBackoff(2), FailureThreshold: 10})

	var calls atomic.Int32
	got, err := Call(context.Background(), g, func(ctx context.Context) (string, error) {
		if calls.Add(1) == 1 {
			<-ctx.Done()
			return "", ctx.Err()
		}
		return "second", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "second", got)
	assert.Equal(t, int32(2), calls.Load())
}

func TestCall_BreakerOpenShortCircuits(t *testing.T) {
	g := NewGuard(GuardConfig{Name: "test", Backoff: fastBackoff(1), FailureThreshold: 1, Cooldown: time.Hour})

	_, err := Call(context.Background(), g, func(context.Context) (int, error) { return 0, errTransient })
	require.Error(t, err)

	var calls int
	_, err = Call(context.Background(), g, func(context.Context) (int, error) {
		calls++
		return 1, nil
	})
	assert.ErrorIs(t, err, ErrBreakerOpen)
	assert.Zero(t, calls)
}

func TestGuardConfigFrom(t *testing.T) {
	cfg := GuardConfigFrom("anthropic", config.CompletionConfig{
		TimeoutSecs:      30,
		MaxRetries:       2,
		RequestsPerSec:   4,
		Burst:            2,
		FailureThreshold: 5,
		ResetTimeoutSecs: 60,
	})
	assert.Equal(t, 3, cfg.Backoff.Attempts)
	assert.Equal(t, 30*time.Second, cfg.Timeout)
	assert.Equal(t, time.Minute, cfg.Cooldown)
	assert.InDelta(t, 4.0, cfg.RequestsPerSec, 1e-9)
}

package resilience

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"

	"github.com/sells-group/callcoach/internal/config"
)

// GuardConfig configures a Guard.
type GuardConfig struct {
	Name             string
	RequestsPerSec   float64 // <= 0 disables rate limiting
	Burst            int
	Timeout          time.Duration // per attempt; <= 0 disables
	Backoff          Backoff
	FailureThreshold int
	Cooldown         time.Duration
}

// GuardConfigFrom maps completion settings onto a GuardConfig.
func GuardConfigFrom(name string, c config.CompletionConfig) GuardConfig {
	b := DefaultBackoff()
	if c.MaxRetries >= 0 {
		b.Attempts = c.MaxRetries + 1
	}
	return GuardConfig{
		Name:             name,
		RequestsPerSec:   c.RequestsPerSec,
		Burst:            c.Burst,
		Timeout:          time.Duration(c.TimeoutSecs) * time.Second,
		Backoff:          b,
		FailureThreshold: c.FailureThreshold,
		Cooldown:         time.Duration(c.ResetTimeoutSecs) * time.Second,
	}
}

// Guard wraps calls to one provider.
type Guard struct {
	name    string
	limiter *rate.Limiter
	breaker *Breaker
	timeout time.Duration
	backoff Backoff
}

// NewGuard builds a Guard from cfg.
func NewGuard(cfg GuardConfig) *Guard {
	g := &Guard{
		name:    cfg.Name,
		breaker: NewBreaker(cfg.Name, cfg.FailureThreshold, cfg.Cooldown),
		timeout: cfg.Timeout,
		backoff: cfg.Backoff,
	}
	if cfg.RequestsPerSec > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		g.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSec), burst)
	}
	return g
}

// Breaker exposes the guard's circuit breaker.
func (g *Guard) Breaker() *Breaker {
	return g.breaker
}

// Call runs fn under the guard: each attempt waits for a rate token, passes
// the breaker and runs under the per-attempt timeout. Transient failures are
// retried with backoff.
func Call[T any](ctx context.Context, g *Guard, fn func(ctx context.Context) (T, error)) (T, error) {
	return Retry(ctx, g.backoff, g.name, func(ctx context.Context) (T, error) {
		var zero T
		if err := g.breaker.Allow(); err != nil {
			return zero, err
		}
		if g.limiter != nil {
			if err := g.limiter.Wait(ctx); err != nil {
				g.breaker.Release()
				return zero, eris.Wrap(err, "resilience: rate limiter wait")
			}
		}

		attemptCtx := ctx
		cancel := func() {}
		if g.timeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, g.timeout)
		}
		val, err := fn(attemptCtx)
		cancel()

		if err != nil && ctx.Err() == nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
			err = NewTransientError(eris.Wrapf(err, "resilience: %s attempt timed out after %s", g.name, g.timeout), 0)
		}
		if ctx.Err() != nil {
			g.breaker.Release()
		} else {
			g.breaker.Record(err)
		}
		return val, err
	})
}

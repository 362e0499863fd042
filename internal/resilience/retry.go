// Package resilience provides the retry, circuit breaker, and provider
// failover primitives that guard the pipeline's network calls.
//
// [Retryer] implements bounded exponential backoff with jitter and refuses
// to retry permanent client errors. [Breaker] is a three-state circuit
// breaker protecting a single backend. [Failover] composes several backends
// of one provider type with per-entry breakers so a failing primary is
// bypassed in favour of healthy fallbacks.
//
// All types are safe for concurrent use.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"time"
)

// httpStatusError is implemented by provider errors that carry an HTTP
// status. It decides retryability without importing the provider packages.
type httpStatusError interface {
	HTTPStatus() int
}

// ErrAttemptsExhausted wraps the last error once the attempt cap is reached.
var ErrAttemptsExhausted = errors.New("resilience: retry attempts exhausted")

// RetryConfig holds the backoff parameters. The zero value is not usable;
// start from DefaultRetryConfig.
type RetryConfig struct {
	// MaxAttempts is the total number of tries, including the first.
	MaxAttempts int

	// BaseDelay is the delay before the second attempt.
	BaseDelay time.Duration

	// MaxDelay clamps the computed delay.
	MaxDelay time.Duration

	// Factor is the exponential growth rate of the delay.
	Factor float64

	// JitterFrac spreads each delay by ±this fraction.
	JitterFrac float64
}

// DefaultRetryConfig returns the standard backoff parameters for the
// transcription and response-generation calls.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		MaxDelay:    10 * time.Second,
		Factor:      2.0,
		JitterFrac:  0.10,
	}
}

// Retryer reruns failing operations with exponential backoff.
type Retryer struct {
	cfg    RetryConfig
	notify func(attempt int, err error, delay time.Duration)
	sleep  func(ctx context.Context, d time.Duration) error
	jitter func(d time.Duration, frac float64) time.Duration
}

// RetryOption is a functional option for configuring a Retryer.
type RetryOption func(*Retryer)

// WithNotify installs a callback invoked before each backoff sleep. Used for
// retry counters and metrics.
func WithNotify(fn func(attempt int, err error, delay time.Duration)) RetryOption {
	return func(r *Retryer) {
		r.notify = fn
	}
}

// NewRetryer creates a Retryer. Zero or negative config fields fall back to
// their defaults.
func NewRetryer(cfg RetryConfig, opts ...RetryOption) *Retryer {
	def := DefaultRetryConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = def.BaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = def.MaxDelay
	}
	if cfg.Factor <= 1 {
		cfg.Factor = def.Factor
	}
	if cfg.JitterFrac < 0 {
		cfg.JitterFrac = def.JitterFrac
	}
	r := &Retryer{
		cfg:    cfg,
		sleep:  sleepCtx,
		jitter: applyJitter,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Do runs fn until it succeeds, returns a permanent error, the attempt cap
// is reached, or ctx is cancelled. op labels the operation in logs.
func (r *Retryer) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 1; attempt <= r.cfg.MaxAttempts; attempt++ {
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if !Retryable(lastErr) {
			return lastErr
		}
		if attempt == r.cfg.MaxAttempts {
			break
		}

		delay := r.jitter(r.Delay(attempt), r.cfg.JitterFrac)
		slog.Warn("operation failed, backing off",
			"operation", op,
			"attempt", attempt,
			"delay", delay,
			"error", lastErr,
		)
		if r.notify != nil {
			r.notify(attempt, lastErr, delay)
		}
		if err := r.sleep(ctx, delay); err != nil {
			return err
		}
	}
	return fmt.Errorf("%w: %s after %d attempts: %v",
		ErrAttemptsExhausted, op, r.cfg.MaxAttempts, lastErr)
}

// Delay returns the pre-jitter backoff delay for the given retry attempt:
// BaseDelay * Factor^(attempt-1), clamped to MaxDelay.
func (r *Retryer) Delay(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}
	d := float64(r.cfg.BaseDelay) * math.Pow(r.cfg.Factor, float64(attempt-1))
	if d > float64(r.cfg.MaxDelay) {
		return r.cfg.MaxDelay
	}
	return time.Duration(d)
}

// Retryable reports whether err is worth retrying. Client errors (400, 401,
// 403) and context cancellation are permanent; everything else, including
// timeouts, 5xx responses, and plain network failures, is retryable.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var statusErr httpStatusError
	if errors.As(err, &statusErr) {
		switch statusErr.HTTPStatus() {
		case 400, 401, 403:
			return false
		}
	}
	return true
}

// applyJitter spreads d by ±frac.
func applyJitter(d time.Duration, frac float64) time.Duration {
	if frac <= 0 || d <= 0 {
		return d
	}
	spread := 1 - frac + 2*frac*rand.Float64()
	return time.Duration(float64(d) * spread)
}

// sleepCtx blocks for d or until ctx is cancelled.
func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// ErrAllBackendsFailed is returned when every entry in a [Failover] group
// fails or sits behind an open breaker.
var ErrAllBackendsFailed = errors.New("resilience: all backends failed")

// failoverEntry pairs a backend value with its dedicated breaker.
type failoverEntry[T any] struct {
	name    string
	value   T
	breaker *Breaker
}

// Failover composes a primary and zero or more fallback backends of the
// same provider type. Each entry gets its own breaker; entries are tried in
// registration order and open-breaker entries are skipped.
//
// Failover is safe for concurrent use after registration is complete.
type Failover[T any] struct {
	entries []failoverEntry[T]
	breaker BreakerConfig
}

// NewFailover creates a group with primary as the first entry.
func NewFailover[T any](primaryName string, primary T, breaker BreakerConfig) *Failover[T] {
	g := &Failover[T]{breaker: breaker}
	g.add(primaryName, primary)
	return g
}

// Add appends a fallback backend, tried after all earlier entries.
func (g *Failover[T]) Add(name string, backend T) *Failover[T] {
	g.add(name, backend)
	return g
}

func (g *Failover[T]) add(name string, backend T) {
	cfg := g.breaker
	cfg.Name = name
	g.entries = append(g.entries, failoverEntry[T]{
		name:    name,
		value:   backend,
		breaker: NewBreaker(cfg),
	})
}

// Do tries fn against each entry until one succeeds. A permanent error
// (one [Retryable] rejects) aborts the sweep immediately: the request
// itself is bad and every backend would refuse it.
func Do[T any, R any](ctx context.Context, g *Failover[T], fn func(ctx context.Context, backend T) (R, error)) (R, error) {
	var (
		zero    R
		lastErr error
	)
	for i := range g.entries {
		entry := &g.entries[i]
		var result R
		err := entry.breaker.Do(ctx, func(ctx context.Context) error {
			var callErr error
			result, callErr = fn(ctx, entry.value)
			return callErr
		})
		if err == nil {
			return result, nil
		}
		lastErr = err
		switch {
		case errors.Is(err, ErrBreakerOpen):
			slog.Debug("skipping backend, breaker open", "backend", entry.name)
		case !Retryable(err):
			return zero, err
		default:
			slog.Warn("backend failed, trying next",
				"backend", entry.name, "error", err)
		}
	}
	return zero, fmt.Errorf("%w: %v", ErrAllBackendsFailed, lastErr)
}

package resilience

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrBreakerOpen is returned by [Breaker.Do] while the breaker is open and
// the cooldown has not yet elapsed.
var ErrBreakerOpen = errors.New("resilience: breaker is open")

// BreakerState is the operating mode of a [Breaker].
type BreakerState int

const (
	// BreakerClosed forwards all calls.
	BreakerClosed BreakerState = iota

	// BreakerOpen rejects calls with [ErrBreakerOpen] until the cooldown
	// elapses.
	BreakerOpen

	// BreakerProbing admits a limited number of probe calls after the
	// cooldown; their outcome closes or re-opens the breaker.
	BreakerProbing
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerProbing:
		return "probing"
	default:
		return "unknown"
	}
}

// BreakerConfig holds tuning knobs for a [Breaker].
type BreakerConfig struct {
	// Name labels the breaker in log messages.
	Name string

	// FailureLimit is the number of consecutive failures that trips the
	// breaker. Default: 5.
	FailureLimit int

	// Cooldown is how long the breaker stays open before probing.
	// Default: 30s.
	Cooldown time.Duration

	// ProbeBudget is how many probe calls the probing state admits.
	// Default: 3.
	ProbeBudget int
}

// Breaker is a three-state circuit breaker guarding one backend.
// Only errors that [Retryable] classifies as transient count toward
// tripping; a caller's bad request must not take the backend offline for
// everyone else.
type Breaker struct {
	name         string
	failureLimit int
	cooldown     time.Duration
	probeBudget  int
	now          func() time.Time

	mu       sync.Mutex
	state    BreakerState
	failures int
	openedAt time.Time
	probes   int
}

// NewBreaker creates a Breaker with the supplied configuration. Zero or
// negative fields fall back to their defaults.
func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.FailureLimit <= 0 {
		cfg.FailureLimit = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	if cfg.ProbeBudget <= 0 {
		cfg.ProbeBudget = 3
	}
	return &Breaker{
		name:         cfg.Name,
		failureLimit: cfg.FailureLimit,
		cooldown:     cfg.Cooldown,
		probeBudget:  cfg.ProbeBudget,
		now:          time.Now,
	}
}

// Do runs fn if the breaker admits the call, and records the outcome.
func (b *Breaker) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	probing, err := b.admit()
	if err != nil {
		return err
	}

	callErr := fn(ctx)
	b.settle(probing, callErr)
	return callErr
}

// admit decides whether a call may proceed, advancing open to probing when
// the cooldown has elapsed.
func (b *Breaker) admit() (probing bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerOpen:
		if b.now().Sub(b.openedAt) < b.cooldown {
			return false, ErrBreakerOpen
		}
		b.state = BreakerProbing
		b.probes = 0
		slog.Info("breaker probing after cooldown", "name", b.name)
	case BreakerProbing:
		if b.probes >= b.probeBudget {
			return false, ErrBreakerOpen
		}
	}

	if b.state == BreakerProbing {
		b.probes++
		return true, nil
	}
	return false, nil
}

// settle records the call outcome.
func (b *Breaker) settle(probing bool, callErr error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	failed := callErr != nil && Retryable(callErr)

	if probing {
		if failed {
			b.trip()
			slog.Warn("breaker re-opened by failed probe", "name", b.name)
			return
		}
		if b.probes >= b.probeBudget {
			b.state = BreakerClosed
			b.failures = 0
			slog.Info("breaker closed after successful probes", "name", b.name)
		}
		return
	}

	if failed {
		b.failures++
		if b.failures >= b.failureLimit {
			b.trip()
			slog.Warn("breaker opened",
				"name", b.name,
				"consecutive_failures", b.failures)
		}
		return
	}
	if callErr == nil {
		b.failures = 0
	}
}

// trip moves the breaker to open. Must be called with b.mu held.
func (b *Breaker) trip() {
	b.state = BreakerOpen
	b.openedAt = b.now()
	b.failures = b.failureLimit
}

// State returns the breaker's current state. An open breaker past its
// cooldown reports BreakerProbing; the transition itself happens on the
// next Do.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == BreakerOpen && b.now().Sub(b.openedAt) >= b.cooldown {
		return BreakerProbing
	}
	return b.state
}

// Reset forces the breaker back to closed and clears all counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = BreakerClosed
	b.failures = 0
	b.probes = 0
}

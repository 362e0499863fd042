package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

// namedBackend records which failover entry actually served a call.
type namedBackend struct {
	name string
	err  error
}

func failoverPair(primaryErr error) *Failover[*namedBackend] {
	return NewFailover("primary", &namedBackend{name: "primary", err: primaryErr},
		BreakerConfig{FailureLimit: 2, Cooldown: time.Minute}).
		Add("backup", &namedBackend{name: "backup"})
}

func callBackend(ctx context.Context, b *namedBackend) (string, error) {
	if b.err != nil {
		return "", b.err
	}
	return b.name, nil
}

func TestFailoverUsesPrimaryWhenHealthy(t *testing.T) {
	g := failoverPair(nil)

	got, err := Do(context.Background(), g, callBackend)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if got != "primary" {
		t.Errorf("served by %q, want primary", got)
	}
}

func TestFailoverFallsThroughOnTransientError(t *testing.T) {
	g := failoverPair(errTransient)

	got, err := Do(context.Background(), g, callBackend)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if got != "backup" {
		t.Errorf("served by %q, want backup", got)
	}
}

func TestFailoverAbortsOnPermanentError(t *testing.T) {
	permanent := &statusError{status: 401}
	g := failoverPair(permanent)

	backupCalled := false
	_, err := Do(context.Background(), g, func(ctx context.Context, b *namedBackend) (string, error) {
		if b.name == "backup" {
			backupCalled = true
		}
		return callBackend(ctx, b)
	})
	if !errors.Is(err, permanent) {
		t.Fatalf("err = %v, want the permanent error", err)
	}
	if backupCalled {
		t.Error("permanent error still swept on to the backup")
	}
}

func TestFailoverSkipsOpenBreaker(t *testing.T) {
	g := failoverPair(errTransient)

	// Two failing calls trip the primary's breaker.
	for range 2 {
		if _, err := Do(context.Background(), g, callBackend); err != nil {
			t.Fatalf("Do: %v", err)
		}
	}
	if g.entries[0].breaker.State() != BreakerOpen {
		t.Fatalf("primary breaker state = %s, want open", g.entries[0].breaker.State())
	}

	primaryCalled := false
	got, err := Do(context.Background(), g, func(ctx context.Context, b *namedBackend) (string, error) {
		if b.name == "primary" {
			primaryCalled = true
		}
		return callBackend(ctx, b)
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if got != "backup" {
		t.Errorf("served by %q, want backup", got)
	}
	if primaryCalled {
		t.Error("open breaker still forwarded the call to the primary")
	}
}

func TestFailoverAllBackendsFailed(t *testing.T) {
	g := NewFailover("primary", &namedBackend{name: "primary", err: errTransient},
		BreakerConfig{FailureLimit: 5, Cooldown: time.Minute}).
		Add("backup", &namedBackend{name: "backup", err: errTransient})

	_, err := Do(context.Background(), g, callBackend)
	if !errors.Is(err, ErrAllBackendsFailed) {
		t.Errorf("err = %v, want ErrAllBackendsFailed", err)
	}
}

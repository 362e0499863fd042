package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

var errTransient = &statusError{status: 502}

func failN(n int) func(ctx context.Context) error {
	calls := 0
	return func(context.Context) error {
		calls++
		if calls <= n {
			return errTransient
		}
		return nil
	}
}

func TestBreakerTripsAfterFailureLimit(t *testing.T) {
	b := NewBreaker(BreakerConfig{Name: "stt", FailureLimit: 3, Cooldown: time.Minute})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := b.Do(ctx, func(context.Context) error { return errTransient }); !errors.Is(err, errTransient) {
			t.Fatalf("call %d: err = %v", i, err)
		}
	}
	if b.State() != BreakerOpen {
		t.Fatalf("state = %s, want open", b.State())
	}

	called := false
	err := b.Do(ctx, func(context.Context) error { called = true; return nil })
	if !errors.Is(err, ErrBreakerOpen) {
		t.Errorf("err = %v, want ErrBreakerOpen", err)
	}
	if called {
		t.Error("open breaker still forwarded the call")
	}
}

func TestBreakerIgnoresPermanentErrors(t *testing.T) {
	b := NewBreaker(BreakerConfig{Name: "stt", FailureLimit: 2, Cooldown: time.Minute})
	ctx := context.Background()

	// Client errors are the caller's fault and must not trip the breaker.
	for i := 0; i < 5; i++ {
		b.Do(ctx, func(context.Context) error { return &statusError{status: 400} })
	}
	if b.State() != BreakerClosed {
		t.Errorf("state = %s after client errors, want closed", b.State())
	}
}

func TestBreakerSuccessResetsCount(t *testing.T) {
	b := NewBreaker(BreakerConfig{Name: "stt", FailureLimit: 3, Cooldown: time.Minute})
	ctx := context.Background()

	b.Do(ctx, func(context.Context) error { return errTransient })
	b.Do(ctx, func(context.Context) error { return errTransient })
	b.Do(ctx, func(context.Context) error { return nil })
	b.Do(ctx, func(context.Context) error { return errTransient })
	b.Do(ctx, func(context.Context) error { return errTransient })

	if b.State() != BreakerClosed {
		t.Errorf("state = %s, want closed (success reset the streak)", b.State())
	}
}

func TestBreakerProbesAndCloses(t *testing.T) {
	b := NewBreaker(BreakerConfig{Name: "stt", FailureLimit: 1, Cooldown: time.Minute, ProbeBudget: 2})
	now := time.Now()
	b.now = func() time.Time { return now }
	ctx := context.Background()

	b.Do(ctx, func(context.Context) error { return errTransient })
	if b.State() != BreakerOpen {
		t.Fatalf("state = %s, want open", b.State())
	}

	// After the cooldown the breaker admits probe calls.
	now = now.Add(2 * time.Minute)
	for i := 0; i < 2; i++ {
		if err := b.Do(ctx, func(context.Context) error { return nil }); err != nil {
			t.Fatalf("probe %d rejected: %v", i, err)
		}
	}
	if b.State() != BreakerClosed {
		t.Errorf("state = %s after successful probes, want closed", b.State())
	}
}

func TestBreakerReopensOnFailedProbe(t *testing.T) {
	b := NewBreaker(BreakerConfig{Name: "stt", FailureLimit: 1, Cooldown: time.Minute, ProbeBudget: 2})
	now := time.Now()
	b.now = func() time.Time { return now }
	ctx := context.Background()

	b.Do(ctx, func(context.Context) error { return errTransient })
	now = now.Add(2 * time.Minute)

	b.Do(ctx, func(context.Context) error { return errTransient })
	if b.State() != BreakerOpen {
		t.Errorf("state = %s after failed probe, want open", b.State())
	}
}

func TestFailoverPrefersPrimary(t *testing.T) {
	g := NewFailover("primary", "a", BreakerConfig{FailureLimit: 2, Cooldown: time.Minute}).
		Add("fallback", "b")

	got, err := Do(context.Background(), g, func(_ context.Context, backend string) (string, error) {
		return backend, nil
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if got != "a" {
		t.Errorf("result = %q, want the primary backend", got)
	}
}

func TestFailoverFallsBack(t *testing.T) {
	g := NewFailover("primary", "a", BreakerConfig{FailureLimit: 2, Cooldown: time.Minute}).
		Add("fallback", "b")

	got, err := Do(context.Background(), g, func(_ context.Context, backend string) (string, error) {
		if backend == "a" {
			return "", errTransient
		}
		return backend, nil
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if got != "b" {
		t.Errorf("result = %q, want the fallback backend", got)
	}
}

func TestFailoverAllFail(t *testing.T) {
	g := NewFailover("primary", "a", BreakerConfig{FailureLimit: 2, Cooldown: time.Minute}).
		Add("fallback", "b")

	_, err := Do(context.Background(), g, func(context.Context, string) (string, error) {
		return "", errTransient
	})
	if !errors.Is(err, ErrAllBackendsFailed) {
		t.Errorf("err = %v, want ErrAllBackendsFailed", err)
	}
}

func TestFailoverPermanentErrorSingleCall(t *testing.T) {
	calls := 0
	g := NewFailover("primary", "a", BreakerConfig{FailureLimit: 2, Cooldown: time.Minute}).
		Add("fallback", "b")

	_, err := Do(context.Background(), g, func(context.Context, string) (string, error) {
		calls++
		return "", &statusError{status: 401}
	})
	var se *statusError
	if !errors.As(err, &se) || se.status != 401 {
		t.Fatalf("err = %v, want the 401 itself", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1 (bad requests must not sweep the fallbacks)", calls)
	}
}

package resilience

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestBreaker(threshold int, reset time.Duration) (*CircuitBreaker, *fakeClock) {
	clock := &fakeClock{now: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)}
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: threshold, ResetTimeout: reset})
	cb.now = clock.Now
	return cb, clock
}

func fail(cb *CircuitBreaker, n int) {
	for i := 0; i < n; i++ {
		_ = cb.Execute(context.Background(), func(_ context.Context) error { return errors.New("fail") })
	}
}

func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	cb, _ := newTestBreaker(3, time.Minute)
	fail(cb, 3)

	if cb.State() != CircuitOpen {
		t.Fatalf("expected open, got %s", cb.State())
	}
	err := cb.Execute(context.Background(), func(_ context.Context) error {
		t.Error("should not be called when circuit is open")
		return nil
	})
	if !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("expected ErrCircuitOpen, got %v", err)
	}
}

func TestCircuitBreaker_SuccessResetsCount(t *testing.T) {
	cb, _ := newTestBreaker(3, time.Minute)
	fail(cb, 2)
	_ = cb.Execute(context.Background(), func(_ context.Context) error { return nil })
	fail(cb, 2)

	if cb.State() != CircuitClosed {
		t.Errorf("expected closed, got %s", cb.State())
	}
	if cb.Failures() != 2 {
		t.Errorf("expected 2 failures, got %d", cb.Failures())
	}
}

func TestCircuitBreaker_HalfOpenRecovery(t *testing.T) {
	cb, clock := newTestBreaker(2, time.Minute)
	fail(cb, 2)
	clock.Advance(time.Minute)

	if cb.State() != CircuitHalfOpen {
		t.Fatalf("expected half-open, got %s", cb.State())
	}
	if err := cb.Execute(context.Background(), func(_ context.Context) error { return nil }); err != nil {
		t.Fatalf("probe should pass: %v", err)
	}
	if cb.State() != CircuitClosed {
		t.Errorf("expected closed after successful probe, got %s", cb.State())
	}
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	cb, clock := newTestBreaker(2, time.Minute)
	fail(cb, 2)
	clock.Advance(time.Minute)
	fail(cb, 1)

	if cb.State() != CircuitOpen {
		t.Errorf("expected open after failed probe, got %s", cb.State())
	}
}

func TestCircuitBreaker_ShouldTripFilters(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 1, ShouldTrip: IsRetryable})
	_ = cb.Execute(context.Background(), func(_ context.Context) error {
		return NewProviderError("openai", 400, errors.New("bad request"))
	})
	if cb.State() != CircuitClosed {
		t.Errorf("unknown errors should not trip, got %s", cb.State())
	}
	_ = cb.Execute(context.Background(), func(_ context.Context) error {
		return NewProviderError("openai", 503, errors.New("overloaded"))
	})
	if cb.State() != CircuitOpen {
		t.Errorf("transient errors should trip, got %s", cb.State())
	}
}

func TestCircuitBreaker_Reset(t *testing.T) {
	cb, _ := newTestBreaker(1, time.Hour)
	fail(cb, 1)
	cb.Reset()
	if cb.State() != CircuitClosed || cb.Failures() != 0 {
		t.Errorf("expected closed with zero failures, got %s/%d", cb.State(), cb.Failures())
	}
}

func TestExecuteVal(t *testing.T) {
	cb := NewCircuitBreaker(DefaultCircuitBreakerConfig())
	v, err := ExecuteVal(context.Background(), cb, func(_ context.Context) (int, error) { return 42, nil })
	if err != nil || v != 42 {
		t.Errorf("got %d, %v", v, err)
	}
}

func TestBreakers_PerProvider(t *testing.T) {
	var mu sync.Mutex
	changes := map[string]CircuitState{}
	b := NewBreakers(CircuitBreakerConfig{FailureThreshold: 1}, func(name string, _, to CircuitState) {
		mu.Lock()
		changes[name] = to
		mu.Unlock()
	})

	if b.Get("gemini") != b.Get("gemini") {
		t.Fatal("Get should return the same breaker")
	}
	fail(b.Get("gemini"), 1)
	_ = b.Get("openai")

	states := b.States()
	if states["gemini"] != CircuitOpen || states["openai"] != CircuitClosed {
		t.Errorf("unexpected states %v", states)
	}
	if changes["gemini"] != CircuitOpen {
		t.Errorf("expected state change callback for gemini, got %v", changes)
	}
}

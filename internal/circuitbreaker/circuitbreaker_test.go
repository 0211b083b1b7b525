package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

var errUnavailable = errors.New("sam: 503 service unavailable")

type fakeClock struct {
	now time.Time
}

func (f *fakeClock) Now() time.Time          { return f.now }
func (f *fakeClock) Advance(d time.Duration) { f.now = f.now.Add(d) }

func newBreaker(cfg Config) (*CircuitBreaker, *fakeClock) {
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	cb := New("sam", cfg)
	cb.nowFunc = clock.Now
	return cb, clock
}

func fail() error    { return errUnavailable }
func succeed() error { return nil }

func TestClosedPassesCallsThrough(t *testing.T) {
	cb, _ := newBreaker(DefaultConfig())

	called := false
	if err := cb.Execute(func() error { called = true; return nil }); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Fatal("fn was not called")
	}
	if cb.State() != StateClosed || cb.Failures() != 0 {
		t.Fatalf("state=%s failures=%d", cb.State(), cb.Failures())
	}
}

func TestOpensAtThreshold(t *testing.T) {
	cb, _ := newBreaker(Config{Threshold: 3, Timeout: time.Minute, SuccessThreshold: 1})

	cb.Execute(fail)
	cb.Execute(fail)
	if cb.State() != StateClosed {
		t.Fatalf("opened early: %s", cb.State())
	}
	cb.Execute(fail)
	if cb.State() != StateOpen {
		t.Fatalf("expected open, got %s", cb.State())
	}

	called := false
	err := cb.Execute(func() error { called = true; return nil })
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
	if called {
		t.Fatal("fn ran while open")
	}
}

func TestSuccessClearsFailureStreak(t *testing.T) {
	cb, _ := newBreaker(Config{Threshold: 3, Timeout: time.Minute})

	cb.Execute(fail)
	cb.Execute(fail)
	cb.Execute(succeed)
	cb.Execute(fail)
	cb.Execute(fail)

	if cb.State() != StateClosed {
		t.Fatalf("expected closed, got %s", cb.State())
	}
	if cb.Failures() != 2 {
		t.Fatalf("expected 2 failures, got %d", cb.Failures())
	}
}

func TestHalfOpenRecovery(t *testing.T) {
	cb, clock := newBreaker(Config{Threshold: 1, Timeout: 10 * time.Second, SuccessThreshold: 2})

	cb.Execute(fail)
	clock.Advance(5 * time.Second)
	if cb.State() != StateOpen {
		t.Fatalf("expected open before timeout, got %s", cb.State())
	}

	clock.Advance(6 * time.Second)
	if err := cb.Execute(succeed); err != nil {
		t.Fatalf("probe rejected: %v", err)
	}
	if cb.State() != StateHalfOpen {
		t.Fatalf("expected half-open after one probe, got %s", cb.State())
	}
	cb.Execute(succeed)
	if cb.State() != StateClosed {
		t.Fatalf("expected closed, got %s", cb.State())
	}
}

func TestHalfOpenFailureReopens(t *testing.T) {
	cb, clock := newBreaker(Config{Threshold: 2, Timeout: 10 * time.Second, SuccessThreshold: 3})

	cb.Execute(fail)
	cb.Execute(fail)
	clock.Advance(11 * time.Second)
	cb.Execute(succeed)
	cb.Execute(fail)

	if cb.State() != StateOpen {
		t.Fatalf("expected reopen, got %s", cb.State())
	}
	if cb.Failures() != 2 {
		t.Fatalf("expected failures held at threshold, got %d", cb.Failures())
	}
}

func TestIsFailureFiltersCallerErrors(t *testing.T) {
	errForbidden := errors.New("sam: 403 forbidden")
	cb, _ := newBreaker(Config{
		Threshold: 1,
		IsFailure: func(err error) bool { return !errors.Is(err, errForbidden) },
	})

	for i := 0; i < 5; i++ {
		if err := cb.Execute(func() error { return errForbidden }); !errors.Is(err, errForbidden) {
			t.Fatalf("error not passed through: %v", err)
		}
	}
	if cb.State() != StateClosed {
		t.Fatalf("caller errors tripped the breaker: %s", cb.State())
	}

	cb.Execute(fail)
	if cb.State() != StateOpen {
		t.Fatalf("expected open, got %s", cb.State())
	}
}

func TestExecuteContext(t *testing.T) {
	cb, _ := newBreaker(Config{Threshold: 1})

	ctx, cancel := context.WithCancel(context.Background())
	err := cb.ExecuteContext(ctx, func(ctx context.Context) error {
		cancel()
		return ctx.Err()
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if cb.State() != StateClosed {
		t.Fatalf("cancellation counted as failure: %s", cb.State())
	}

	called := false
	err = cb.ExecuteContext(ctx, func(context.Context) error { called = true; return nil })
	if !errors.Is(err, context.Canceled) || called {
		t.Fatalf("expected early return on done context, err=%v called=%v", err, called)
	}

	err = cb.ExecuteContext(context.Background(), func(context.Context) error { return errUnavailable })
	if !errors.Is(err, errUnavailable) {
		t.Fatalf("unexpected error: %v", err)
	}
	if cb.State() != StateOpen {
		t.Fatalf("expected open, got %s", cb.State())
	}
}

func TestReset(t *testing.T) {
	cb, _ := newBreaker(Config{Threshold: 1, Timeout: time.Hour})
	cb.Execute(fail)
	cb.Reset()

	if cb.State() != StateClosed || cb.Failures() != 0 {
		t.Fatalf("state=%s failures=%d", cb.State(), cb.Failures())
	}
	if err := cb.Execute(succeed); err != nil {
		t.Fatalf("call rejected after reset: %v", err)
	}
}

func TestDefaults(t *testing.T) {
	cb := New("sam", Config{})
	if cb.Name() != "sam" {
		t.Fatalf("name = %q", cb.Name())
	}
	if cb.cfg.Threshold != 5 || cb.cfg.Timeout != 30*time.Second || cb.cfg.SuccessThreshold != 2 {
		t.Fatalf("unexpected defaults: %+v", cb.cfg)
	}
	if cb.cfg.IsFailure == nil || cb.cfg.IsFailure(nil) {
		t.Fatal("default IsFailure should only match non-nil errors")
	}
}

func TestStateString(t *testing.T) {
	for state, want := range map[State]string{
		StateClosed:   "closed",
		StateOpen:     "open",
		StateHalfOpen: "half-open",
		State(7):      "unknown(7)",
	} {
		if got := state.String(); got != want {
			t.Errorf("State(%d) = %q, want %q", int(state), got, want)
		}
	}
}

func TestConcurrentCalls(t *testing.T) {
	cb, _ := newBreaker(Config{Threshold: 1000, Timeout: time.Minute})

	var wg sync.WaitGroup
	var total atomic.Int64
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				_ = cb.Execute(func() error {
					if (i+j)%4 == 0 {
						return errUnavailable
					}
					return nil
				})
				total.Add(1)
			}
		}(i)
	}
	wg.Wait()

	if total.Load() != 1000 {
		t.Fatalf("expected 1000 calls, got %d", total.Load())
	}
	if cb.State() != StateClosed {
		t.Fatalf("expected closed, got %s", cb.State())
	}
}

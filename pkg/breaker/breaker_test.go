package breaker

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRegistryTripsOpenAfterConsecutiveFailures(t *testing.T) {
	r := NewRegistry(Settings{FailureThreshold: 3, SuccessThreshold: 2, RecoveryWindow: 20 * time.Millisecond})
	failing := errors.New("boom")

	for i := 0; i < 3; i++ {
		_, err := r.Execute(context.Background(), "webhook", func(ctx context.Context) (any, error) {
			return nil, failing
		})
		if !errors.Is(err, failing) {
			t.Fatalf("call %d: want underlying error, got %v", i, err)
		}
	}

	if got := r.StateOf("webhook"); got != StateOpen {
		t.Fatalf("state after %d consecutive failures = %v, want Open", 3, got)
	}

	_, err := r.Execute(context.Background(), "webhook", func(ctx context.Context) (any, error) {
		t.Fatal("fn must not be called while circuit is open")
		return nil, nil
	})
	if !IsOpen(err) {
		t.Fatalf("want ErrOpen, got %v", err)
	}
}

func TestRegistryHalfOpenAfterRecoveryWindowThenCloses(t *testing.T) {
	r := NewRegistry(Settings{FailureThreshold: 2, SuccessThreshold: 2, RecoveryWindow: 15 * time.Millisecond})
	failing := errors.New("boom")

	for i := 0; i < 2; i++ {
		_, _ = r.Execute(context.Background(), "slack", func(ctx context.Context) (any, error) {
			return nil, failing
		})
	}
	if got := r.StateOf("slack"); got != StateOpen {
		t.Fatalf("state = %v, want Open", got)
	}

	time.Sleep(20 * time.Millisecond)

	// First probe after the recovery window succeeds; breaker should move
	// through HalfOpen without fully closing until SuccessThreshold is met.
	_, err := r.Execute(context.Background(), "slack", func(ctx context.Context) (any, error) {
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("first probe after recovery window: %v", err)
	}
	if got := r.StateOf("slack"); got != StateHalfOpen {
		t.Fatalf("state after one probe success = %v, want HalfOpen", got)
	}

	_, err = r.Execute(context.Background(), "slack", func(ctx context.Context) (any, error) {
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("second probe: %v", err)
	}
	if got := r.StateOf("slack"); got != StateClosed {
		t.Fatalf("state after SuccessThreshold probes = %v, want Closed", got)
	}
}

func TestRegistryHalfOpenFailureReturnsToOpen(t *testing.T) {
	r := NewRegistry(Settings{FailureThreshold: 1, SuccessThreshold: 2, RecoveryWindow: 10 * time.Millisecond})
	failing := errors.New("boom")

	_, _ = r.Execute(context.Background(), "email", func(ctx context.Context) (any, error) {
		return nil, failing
	})
	if got := r.StateOf("email"); got != StateOpen {
		t.Fatalf("state = %v, want Open", got)
	}

	time.Sleep(15 * time.Millisecond)

	_, err := r.Execute(context.Background(), "email", func(ctx context.Context) (any, error) {
		return nil, failing
	})
	if !errors.Is(err, failing) {
		t.Fatalf("probe call: want underlying error, got %v", err)
	}
	if got := r.StateOf("email"); got != StateOpen {
		t.Fatalf("state after HalfOpen failure = %v, want Open", got)
	}
}

func TestFallbackRouting(t *testing.T) {
	r := NewRegistry(DefaultSettings())
	r.SetFallback("webhook", "log")

	fb, ok := r.FallbackFor("webhook")
	if !ok || fb != "log" {
		t.Fatalf("FallbackFor(webhook) = (%q, %v), want (log, true)", fb, ok)
	}
	if _, ok := r.FallbackFor("slack"); ok {
		t.Fatal("FallbackFor(slack) should report no fallback configured")
	}
}

func TestTripAndReset(t *testing.T) {
	r := NewRegistry(Settings{FailureThreshold: 2, SuccessThreshold: 1, RecoveryWindow: time.Second})

	if err := r.Trip("cloudfn"); err != nil {
		t.Fatalf("Trip: %v", err)
	}
	if got := r.StateOf("cloudfn"); got != StateOpen {
		t.Fatalf("state after Trip = %v, want Open", got)
	}

	r.Reset("cloudfn")
	if got := r.StateOf("cloudfn"); got != StateClosed {
		t.Fatalf("state after Reset = %v, want Closed", got)
	}
}

func TestListReportsEveryKnownProvider(t *testing.T) {
	r := NewRegistry(DefaultSettings())
	_, _ = r.Execute(context.Background(), "webhook", func(ctx context.Context) (any, error) { return "ok", nil })
	_, _ = r.Execute(context.Background(), "slack", func(ctx context.Context) (any, error) { return "ok", nil })

	states := r.List()
	if len(states) != 2 {
		t.Fatalf("List() returned %d providers, want 2", len(states))
	}
	if states["webhook"] != StateClosed || states["slack"] != StateClosed {
		t.Fatalf("unexpected states: %+v", states)
	}
}

package executor

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jordigilh/actiongateway/pkg/breaker"
	"github.com/jordigilh/actiongateway/pkg/core"
	"github.com/jordigilh/actiongateway/pkg/deadletter"
	"github.com/jordigilh/actiongateway/pkg/provider"
)

type fakeProvider struct {
	name string
	fn   func(attempt int) (*core.ProviderResponse, error)
	n    int32
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) Execute(ctx context.Context, action *core.Action, dctx provider.DispatchContext) (*core.ProviderResponse, error) {
	atomic.AddInt32(&f.n, 1)
	return f.fn(dctx.Attempt)
}

func (f *fakeProvider) HealthCheck(ctx context.Context) error { return nil }

func newExecutor(t *testing.T, p provider.Provider, cfg Config) (*Executor, *breaker.Registry, *deadletter.Sink) {
	t.Helper()
	providers := provider.NewRegistry()
	providers.Register(p)
	breakers := breaker.NewRegistry(breaker.Settings{FailureThreshold: 100, SuccessThreshold: 2, RecoveryWindow: time.Second})
	dlq := deadletter.New(10, nil)
	return New(cfg, providers, breakers, dlq), breakers, dlq
}

// Scenario c: provider returns Timeout three times with max_retries=3,
// Constant{10ms}: outcome is Failed(retryable, attempts=4), DLQ grows by
// one entry, and the breaker sees 4 consecutive failures.
func TestSubmitExhaustsRetriesOnTimeoutThenDeadLetters(t *testing.T) {
	p := &fakeProvider{
		name: "webhook",
		fn: func(attempt int) (*core.ProviderResponse, error) {
			return nil, provider.NewError(provider.ErrTimeout, "deadline exceeded", true)
		},
	}
	ex, breakers, dlq := newExecutor(t, p, Config{
		MaxConcurrent:    4,
		ExecutionTimeout: time.Second,
		MaxRetries:       3,
		Strategy:         Constant{Delay_: 10 * time.Millisecond},
	})

	action := &core.Action{ID: "a1", Namespace: "notif", Tenant: "t1", Kind: "alert"}
	outcome := ex.Submit(context.Background(), action, "webhook")

	if outcome.Type != core.OutcomeFailure {
		t.Fatalf("outcome.Type = %v, want Failure", outcome.Type)
	}
	if !outcome.Error.Retryable {
		t.Fatal("want Retryable=true for an exhausted-but-retryable error")
	}
	if outcome.Error.Attempts != 4 {
		t.Fatalf("Attempts = %d, want 4", outcome.Error.Attempts)
	}
	if int(p.n) != 4 {
		t.Fatalf("provider invoked %d times, want 4", p.n)
	}

	stats := dlq.Stats()
	if stats.Length != 1 {
		t.Fatalf("dlq length = %d, want 1", stats.Length)
	}
	drained := dlq.Drain()
	if len(drained) != 1 || drained[0].ActionID != "a1" || drained[0].Attempts != 4 {
		t.Fatalf("unexpected dlq entry: %+v", drained)
	}

	if got := breakers.StateOf("webhook"); got != breaker.StateClosed {
		t.Fatalf("breaker state = %v (FailureThreshold not reached yet, should stay Closed)", got)
	}
}

func TestSubmitSucceedsWithoutRetry(t *testing.T) {
	p := &fakeProvider{
		name: "slack",
		fn: func(attempt int) (*core.ProviderResponse, error) {
			return &core.ProviderResponse{StatusCode: 200}, nil
		},
	}
	ex, _, dlq := newExecutor(t, p, DefaultConfig())

	action := &core.Action{ID: "a2", Namespace: "notif", Tenant: "t1", Kind: "alert"}
	outcome := ex.Submit(context.Background(), action, "slack")

	if outcome.Type != core.OutcomeSuccess {
		t.Fatalf("outcome.Type = %v, want Success", outcome.Type)
	}
	if int(p.n) != 1 {
		t.Fatalf("provider invoked %d times, want 1 (no retry on success)", p.n)
	}
	if dlq.Stats().Length != 0 {
		t.Fatal("dlq must stay empty on success")
	}
}

func TestSubmitNonRetryableShortCircuits(t *testing.T) {
	p := &fakeProvider{
		name: "webhook",
		fn: func(attempt int) (*core.ProviderResponse, error) {
			return nil, provider.NewError(provider.ErrConfiguration, "bad url", false)
		},
	}
	ex, _, _ := newExecutor(t, p, Config{
		MaxConcurrent:    4,
		ExecutionTimeout: time.Second,
		MaxRetries:       5,
		Strategy:         Constant{Delay_: time.Millisecond},
	})

	action := &core.Action{ID: "a3", Namespace: "notif", Tenant: "t1", Kind: "alert"}
	outcome := ex.Submit(context.Background(), action, "webhook")

	if outcome.Type != core.OutcomeFailure {
		t.Fatalf("outcome.Type = %v, want Failure", outcome.Type)
	}
	if outcome.Error.Retryable {
		t.Fatal("Configuration errors must not be marked retryable")
	}
	if int(p.n) != 1 {
		t.Fatalf("provider invoked %d times, want 1 (non-retryable short-circuits)", p.n)
	}
	if outcome.Error.Attempts != 1 {
		t.Fatalf("Attempts = %d, want 1", outcome.Error.Attempts)
	}
}

func TestSubmitRejectedWhenCircuitOpen(t *testing.T) {
	p := &fakeProvider{
		name: "webhook",
		fn: func(attempt int) (*core.ProviderResponse, error) {
			return nil, provider.NewError(provider.ErrConnection, "refused", true)
		},
	}
	providers := provider.NewRegistry()
	providers.Register(p)
	breakers := breaker.NewRegistry(breaker.Settings{FailureThreshold: 1, SuccessThreshold: 1, RecoveryWindow: time.Minute})
	dlq := deadletter.New(10, nil)
	ex := New(Config{MaxConcurrent: 1, ExecutionTimeout: time.Second, MaxRetries: 0, Strategy: Constant{Delay_: time.Millisecond}}, providers, breakers, dlq)

	action := &core.Action{ID: "a4", Namespace: "notif", Tenant: "t1", Kind: "alert"}
	_ = ex.Submit(context.Background(), action, "webhook")
	if got := breakers.StateOf("webhook"); got != breaker.StateOpen {
		t.Fatalf("breaker state after one failure (threshold=1) = %v, want Open", got)
	}

	outcome := ex.Submit(context.Background(), action, "webhook")
	if outcome.Type != core.OutcomeFailure || outcome.Error.Code != "circuit_open" {
		t.Fatalf("outcome = %+v, want Failure{circuit_open}", outcome)
	}
	if outcome.Error.Retryable {
		t.Fatal("circuit_open outcome must not be marked retryable (pipeline should reroute/fallback, not retry blindly)")
	}
}

// Package executor drives provider invocation under a concurrency-bounded
// semaphore, retries per a configured RetryStrategy, records per-provider
// stats and circuit-breaker outcomes, and forwards terminal failures to the
// dead-letter sink. Grounds spec.md §4.5.
package executor

import (
	"context"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/jordigilh/actiongateway/pkg/breaker"
	"github.com/jordigilh/actiongateway/pkg/core"
	"github.com/jordigilh/actiongateway/pkg/deadletter"
	"github.com/jordigilh/actiongateway/pkg/provider"
)

// Config controls concurrency bounds, timeouts and retry behavior.
type Config struct {
	MaxConcurrent     int64
	ExecutionTimeout  time.Duration
	MaxRetries        int
	Strategy          RetryStrategy
}

// DefaultConfig matches the conservative defaults implied by spec.md §4.5's
// worked example (scenario c): Constant{10ms}, 3 retries.
func DefaultConfig() Config {
	return Config{
		MaxConcurrent:    64,
		ExecutionTimeout: 10 * time.Second,
		MaxRetries:       3,
		Strategy:         Constant{Delay_: 10 * time.Millisecond},
	}
}

// Executor is the action gateway's retry/executor component.
type Executor struct {
	cfg        Config
	sem        *semaphore.Weighted
	providers  *provider.Registry
	breakers   *breaker.Registry
	stats      *StatsRegistry
	deadLetter *deadletter.Sink
}

// New builds an Executor wired to the given provider registry, circuit
// breaker registry and dead-letter sink.
func New(cfg Config, providers *provider.Registry, breakers *breaker.Registry, dlq *deadletter.Sink) *Executor {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 64
	}
	return &Executor{
		cfg:        cfg,
		sem:        semaphore.NewWeighted(cfg.MaxConcurrent),
		providers:  providers,
		breakers:   breakers,
		stats:      NewStatsRegistry(),
		deadLetter: dlq,
	}
}

// Stats exposes the executor's per-provider stats registry, for
// metrics_snapshot.
func (ex *Executor) Stats() *StatsRegistry { return ex.stats }

// Submit acquires a concurrency permit, invokes providerName's Execute
// through its circuit breaker, retries retryable failures per the
// configured strategy, and on terminal failure forwards an entry to the
// dead-letter sink. It returns the core.Outcome for the dispatch pipeline.
func (ex *Executor) Submit(ctx context.Context, action *core.Action, providerName string) core.Outcome {
	if err := ex.sem.Acquire(ctx, 1); err != nil {
		return core.Failure(&core.ActionError{Code: "concurrency_limit", Message: err.Error(), Retryable: true})
	}
	defer ex.sem.Release(1)

	stats := ex.stats.forProvider(providerName)

	var lastErr error
	attempts := 0
	for attempts <= ex.cfg.MaxRetries {
		attempts++
		start := time.Now()

		execCtx, cancel := context.WithTimeout(ctx, ex.cfg.ExecutionTimeout)
		result, err := ex.breakers.Execute(execCtx, providerName, func(ctx context.Context) (any, error) {
			p, err := ex.providers.Get(providerName)
			if err != nil {
				return nil, err
			}
			return p.Execute(ctx, action, provider.DispatchContext{OriginalProvider: providerName, Attempt: attempts})
		})
		cancel()
		latency := time.Since(start)

		if breaker.IsOpen(err) {
			return core.Failure(&core.ActionError{Code: "circuit_open", Message: err.Error(), Retryable: false, Attempts: attempts})
		}

		if err == nil {
			resp, _ := result.(*core.ProviderResponse)
			if resp != nil {
				resp.Latency = latency
			}
			stats.recordSuccess(latency)
			return core.Success(resp)
		}

		lastErr = err
		stats.recordFailure(latency, err.Error())

		if !isRetryable(err) || attempts > ex.cfg.MaxRetries {
			break
		}

		delay := ex.cfg.Strategy.Delay(attempts)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			lastErr = ctx.Err()
		case <-timer.C:
			continue
		}
		break
	}

	actionErr := &core.ActionError{
		Code:      "execution_failed",
		Message:   lastErr.Error(),
		Retryable: isRetryable(lastErr),
		Attempts:  attempts,
	}
	ex.deadLetter.Push(deadletter.Entry{
		ActionID:   action.ID,
		Namespace:  action.Namespace,
		Tenant:     action.Tenant,
		Provider:   providerName,
		ActionKind: action.Kind,
		Error:      actionErr.Message,
		Attempts:   attempts,
		Timestamp:  time.Now(),
	})
	return core.Failure(actionErr)
}

func isRetryable(err error) bool {
	var pe *provider.Error
	if asProviderError(err, &pe) {
		return pe.Retryable
	}
	return false
}

func asProviderError(err error, target **provider.Error) bool {
	for err != nil {
		if pe, ok := err.(*provider.Error); ok {
			*target = pe
			return true
		}
		unwrapper, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = unwrapper.Unwrap()
	}
	return false
}

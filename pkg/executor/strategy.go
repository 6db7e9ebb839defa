package executor

import (
	"math/rand"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// RetryStrategy computes the delay before the (1-indexed) attempt'th retry.
type RetryStrategy interface {
	Delay(attempt int) time.Duration
}

// Constant retries after a fixed delay every time.
type Constant struct {
	Delay_ time.Duration
}

func (c Constant) Delay(attempt int) time.Duration { return c.Delay_ }

// Exponential retries with a backoff.ExponentialBackOff-driven delay:
// Initial * Factor^(attempt-1), capped at Max, with optional jitter.
type Exponential struct {
	Initial time.Duration
	Max     time.Duration
	Factor  float64
	Jitter  bool
}

// Delay computes the exponential delay for attempt, built fresh each call
// off a cenkalti/backoff/v5 ExponentialBackOff so the pipeline's retry loop
// doesn't carry mutable backoff state between dispatches.
func (e Exponential) Delay(attempt int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.Initial
	b.MaxInterval = e.Max
	b.Multiplier = e.Factor
	if !e.Jitter {
		b.RandomizationFactor = 0
	}
	var d time.Duration
	for i := 0; i < attempt; i++ {
		d = b.NextBackOff()
	}
	if d > e.Max {
		d = e.Max
	}
	return d
}

// jitter is retained for strategies that want ad hoc jitter outside the
// backoff package (e.g. Constant with jitter requested by callers).
func jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return d
	}
	return d/2 + time.Duration(rand.Int63n(int64(d)/2+1))
}

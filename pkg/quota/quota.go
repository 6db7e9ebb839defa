// Package quota implements QuotaPolicy and the quota-check pipeline step:
// an atomic per-scope counter with configurable overage behavior. Grounds
// spec.md §4.7 step 6 and SPEC_FULL.md's supplemented QuotaPolicy shape.
package quota

import (
	"context"
	"sync"
	"time"

	"github.com/jordigilh/actiongateway/pkg/corestate"
)

// OverageBehavior controls what happens once a scope's counter exceeds
// MaxActions within Window.
type OverageBehavior string

const (
	// Block rejects the action outright.
	Block OverageBehavior = "block"
	// Warn emits a metric but lets the action proceed.
	Warn OverageBehavior = "warn"
	// Degrade reroutes execution to FallbackProvider and lets it proceed.
	Degrade OverageBehavior = "degrade"
)

// Policy is the configured limit for one quota scope (typically a
// tenant+window pair).
type Policy struct {
	MaxActions       int64
	Window           time.Duration
	OverageBehavior  OverageBehavior
	FallbackProvider string
}

// Result is the outcome of a single quota check.
type Result struct {
	Allowed          bool
	Behavior         OverageBehavior
	Count            int64
	FallbackProvider string
	RetryAfter       time.Duration
}

// Checker enforces Policies against a StateStore-backed counter.
type Checker struct {
	store    corestate.StateStore
	mu       sync.RWMutex
	policies map[string]Policy
}

// New returns a Checker with no policies configured; every scope without a
// configured Policy is unlimited.
func New(store corestate.StateStore) *Checker {
	return &Checker{store: store, policies: make(map[string]Policy)}
}

// SetPolicy configures the limit for scope (e.g. "ns:tenant:type").
func (c *Checker) SetPolicy(scope string, p Policy) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.policies[scope] = p
}

func (c *Checker) policyFor(scope string) (Policy, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.policies[scope]
	return p, ok
}

func key(scope string) corestate.StateKey {
	return corestate.StateKey{Kind: corestate.KindQuota, ID: scope}
}

// Check increments scope's counter and evaluates it against the configured
// Policy. A scope with no Policy is always Allowed.
func (c *Checker) Check(ctx context.Context, scope string) (Result, error) {
	policy, ok := c.policyFor(scope)
	if !ok {
		return Result{Allowed: true}, nil
	}

	count, err := c.store.Increment(ctx, key(scope), 1, policy.Window)
	if err != nil {
		return Result{}, err
	}

	if count <= policy.MaxActions {
		return Result{Allowed: true, Count: count}, nil
	}

	switch policy.OverageBehavior {
	case Warn:
		return Result{Allowed: true, Behavior: Warn, Count: count}, nil
	case Degrade:
		return Result{
			Allowed:          true,
			Behavior:         Degrade,
			Count:            count,
			FallbackProvider: policy.FallbackProvider,
		}, nil
	default: // Block
		return Result{
			Allowed:    false,
			Behavior:   Block,
			Count:      count,
			RetryAfter: policy.Window,
		}, nil
	}
}

// Package corestate defines the StateStore and DistributedLock contracts
// the dispatch pipeline's dedup, chain and quota steps are built on, plus
// the State error taxonomy shared by every backend implementation.
package corestate

import (
	"context"
	"time"
)

// KeyKind discriminates the namespace a StateKey belongs to, so a single
// backend can host dedup markers, chain cursors, quota counters and lock
// records without collision.
type KeyKind string

const (
	KindDedup            KeyKind = "dedup"
	KindCounter          KeyKind = "counter"
	KindLock             KeyKind = "lock"
	KindState            KeyKind = "state"
	KindHistory          KeyKind = "history"
	KindApproval         KeyKind = "approval"
	KindActiveEvents     KeyKind = "active_events"
	KindEventState       KeyKind = "event_state"
	KindChain            KeyKind = "chain"
	KindPendingChain     KeyKind = "pending_chain"
	KindGroup            KeyKind = "group"
	KindRecurring        KeyKind = "recurring"
	KindPendingRecurring KeyKind = "pending_recurring"
	KindTimeoutIndex     KeyKind = "timeout_index"
	KindChainReadyIndex  KeyKind = "chain_ready_index"
	KindQuota            KeyKind = "quota"
)

// StateKey is the fully-qualified identity of a state record.
type StateKey struct {
	Kind KeyKind
	ID   string
}

// String renders the key as "kind:id", the form used as the native backend
// key.
func (k StateKey) String() string {
	return string(k.Kind) + ":" + k.ID
}

// State is a single stored record: an opaque value, its expiry and a
// version used for compare-and-swap.
type State struct {
	Key       StateKey
	Value     []byte
	Version   uint64
	ExpiresAt time.Time
}

// CasResult is the result of a compare-and-swap attempt.
type CasResult struct {
	// Swapped is true if the value was written.
	Swapped bool
	// Current is the value now stored under the key, whether or not the
	// swap succeeded — callers use it to retry with a fresh version.
	Current State
}

// StateStore is the backend-agnostic key/value substrate the gateway's
// dedup, chain, quota and group subsystems persist their state in.
type StateStore interface {
	// Get returns the state for key, or ErrNotFound if absent or expired.
	Get(ctx context.Context, key StateKey) (State, error)
	// Set writes value under key with the given TTL (zero means no expiry),
	// unconditionally overwriting any existing record.
	Set(ctx context.Context, key StateKey, value []byte, ttl time.Duration) error
	// Delete removes key. It is not an error if key does not exist.
	Delete(ctx context.Context, key StateKey) error
	// CheckAndSet writes value only if key does not currently exist.
	// Returns ErrAlreadyExists if it does.
	CheckAndSet(ctx context.Context, key StateKey, value []byte, ttl time.Duration) error
	// CompareAndSwap writes value only if the stored record's version
	// equals expectedVersion (0 meaning "key must not exist").
	CompareAndSwap(ctx context.Context, key StateKey, expectedVersion uint64, value []byte, ttl time.Duration) (CasResult, error)
	// Increment atomically adds delta to the integer stored under key
	// (created at 0 if absent) and returns the new value. Used by quota
	// counters.
	Increment(ctx context.Context, key StateKey, delta int64, ttl time.Duration) (int64, error)
	// Scan returns every key of the given kind whose id has the given
	// prefix. Used by background sweeps (chain advance, recurring due-scan).
	Scan(ctx context.Context, kind KeyKind, prefix string) ([]StateKey, error)
}

// LockGuard represents a held distributed lock; Release gives it up.
type LockGuard struct {
	Key   StateKey
	Token string
	lock  DistributedLock
}

// Release gives up the lock if the guard still owns it.
func (g *LockGuard) Release(ctx context.Context) error {
	if g == nil || g.lock == nil {
		return nil
	}
	return g.lock.Release(ctx, g.Key, g.Token)
}

// Extend renews the lock's TTL if the guard still owns it.
func (g *LockGuard) Extend(ctx context.Context, ttl time.Duration) error {
	return g.lock.Extend(ctx, g.Key, g.Token, ttl)
}

// DistributedLock provides owner-token-fenced mutual exclusion over a
// StateKey, used by the dispatch pipeline to serialize concurrent actions
// against the same ActionKey.
type DistributedLock interface {
	// TryAcquire attempts to acquire the lock once, without blocking.
	// Returns ErrLockHeld if another owner holds it.
	TryAcquire(ctx context.Context, key StateKey, ttl time.Duration) (*LockGuard, error)
	// Acquire blocks (subject to ctx) retrying TryAcquire until it
	// succeeds or ctx is done.
	Acquire(ctx context.Context, key StateKey, ttl time.Duration) (*LockGuard, error)
	// Extend renews the TTL of a lock this token currently owns. Returns
	// ErrNotOwner if token does not hold the lock.
	Extend(ctx context.Context, key StateKey, token string, ttl time.Duration) error
	// Release gives up a lock this token currently owns. Returns
	// ErrNotOwner if token does not hold the lock; releasing an
	// already-expired lock is not an error.
	Release(ctx context.Context, key StateKey, token string) error
}

// NewLockGuard constructs a LockGuard bound to lock, for implementations to
// return from TryAcquire/Acquire.
func NewLockGuard(key StateKey, token string, lock DistributedLock) *LockGuard {
	return &LockGuard{Key: key, Token: token, lock: lock}
}

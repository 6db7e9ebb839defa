package memstate

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/jordigilh/actiongateway/pkg/corestate"
)

// Lock is an in-memory corestate.DistributedLock built on top of a Store's
// CAS primitive: the lock record's value is the owner token, so acquiring
// is a CheckAndSet and releasing is a CAS against the known token.
type Lock struct {
	store *Store
}

// NewLock returns a DistributedLock backed by store.
func NewLock(store *Store) *Lock {
	return &Lock{store: store}
}

func lockKey(key corestate.StateKey) corestate.StateKey {
	return corestate.StateKey{Kind: corestate.KindLock, ID: key.String()}
}

func (l *Lock) TryAcquire(ctx context.Context, key corestate.StateKey, ttl time.Duration) (*corestate.LockGuard, error) {
	token := uuid.NewString()
	lk := lockKey(key)
	if err := l.store.CheckAndSet(ctx, lk, []byte(token), ttl); err != nil {
		if err == corestate.ErrAlreadyExists {
			return nil, corestate.ErrLockHeld
		}
		return nil, err
	}
	return corestate.NewLockGuard(key, token, l), nil
}

func (l *Lock) Acquire(ctx context.Context, key corestate.StateKey, ttl time.Duration) (*corestate.LockGuard, error) {
	backoff := 10 * time.Millisecond
	for {
		guard, err := l.TryAcquire(ctx, key, ttl)
		if err == nil {
			return guard, nil
		}
		if err != corestate.ErrLockHeld {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		if backoff < 200*time.Millisecond {
			backoff *= 2
		}
	}
}

func (l *Lock) Extend(ctx context.Context, key corestate.StateKey, token string, ttl time.Duration) error {
	lk := lockKey(key)
	cur, err := l.store.Get(ctx, lk)
	if err != nil {
		if err == corestate.ErrNotFound {
			return corestate.ErrNotOwner
		}
		return err
	}
	if string(cur.Value) != token {
		return corestate.ErrNotOwner
	}
	res, err := l.store.CompareAndSwap(ctx, lk, cur.Version, cur.Value, ttl)
	if err != nil {
		return err
	}
	if !res.Swapped {
		return corestate.ErrNotOwner
	}
	return nil
}

func (l *Lock) Release(ctx context.Context, key corestate.StateKey, token string) error {
	lk := lockKey(key)
	cur, err := l.store.Get(ctx, lk)
	if err != nil {
		if err == corestate.ErrNotFound {
			return nil
		}
		return err
	}
	if string(cur.Value) != token {
		return corestate.ErrNotOwner
	}
	return l.store.Delete(ctx, lk)
}

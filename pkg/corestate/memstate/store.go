// Package memstate is the in-memory reference implementation of
// corestate.StateStore and corestate.DistributedLock, used in tests and as
// the default backend when no external store is configured.
package memstate

import (
	"context"
	"sync"
	"time"

	"github.com/jordigilh/actiongateway/pkg/corestate"
)

type entry struct {
	value     []byte
	version   uint64
	expiresAt time.Time
}

func (e entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// Store is a mutex-guarded map implementing corestate.StateStore and
// corestate.DistributedLock over the same key space, so locks and data
// records coexist under distinct KeyKinds.
type Store struct {
	mu   sync.Mutex
	data map[string]entry
	now  func() time.Time
}

// New returns an empty Store.
func New() *Store {
	return &Store{data: make(map[string]entry), now: time.Now}
}

func (s *Store) ttlDeadline(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return s.now().Add(ttl)
}

func (s *Store) Get(ctx context.Context, key corestate.StateKey) (corestate.State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.data[key.String()]
	if !ok || e.expired(s.now()) {
		return corestate.State{}, corestate.ErrNotFound
	}
	return corestate.State{Key: key, Value: e.value, Version: e.version, ExpiresAt: e.expiresAt}, nil
}

func (s *Store) Set(ctx context.Context, key corestate.StateKey, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.data[key.String()]
	s.data[key.String()] = entry{value: value, version: prev.version + 1, expiresAt: s.ttlDeadline(ttl)}
	return nil
}

func (s *Store) Delete(ctx context.Context, key corestate.StateKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key.String())
	return nil
}

func (s *Store) CheckAndSet(ctx context.Context, key corestate.StateKey, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.data[key.String()]; ok && !e.expired(s.now()) {
		return corestate.ErrAlreadyExists
	}
	s.data[key.String()] = entry{value: value, version: 1, expiresAt: s.ttlDeadline(ttl)}
	return nil
}

func (s *Store) CompareAndSwap(ctx context.Context, key corestate.StateKey, expectedVersion uint64, value []byte, ttl time.Duration) (corestate.CasResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.data[key.String()]
	exists := ok && !e.expired(s.now())

	current := func() corestate.State {
		if !exists {
			return corestate.State{Key: key}
		}
		return corestate.State{Key: key, Value: e.value, Version: e.version, ExpiresAt: e.expiresAt}
	}

	if exists && e.version != expectedVersion {
		return corestate.CasResult{Swapped: false, Current: current()}, nil
	}
	if !exists && expectedVersion != 0 {
		return corestate.CasResult{Swapped: false, Current: current()}, nil
	}

	newEntry := entry{value: value, version: expectedVersion + 1, expiresAt: s.ttlDeadline(ttl)}
	s.data[key.String()] = newEntry
	return corestate.CasResult{
		Swapped: true,
		Current: corestate.State{Key: key, Value: newEntry.value, Version: newEntry.version, ExpiresAt: newEntry.expiresAt},
	}, nil
}

func (s *Store) Increment(ctx context.Context, key corestate.StateKey, delta int64, ttl time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.data[key.String()]
	var cur int64
	if ok && !e.expired(s.now()) {
		cur = decodeInt(e.value)
	}
	cur += delta
	s.data[key.String()] = entry{value: encodeInt(cur), version: e.version + 1, expiresAt: s.ttlDeadline(ttl)}
	return cur, nil
}

func (s *Store) Scan(ctx context.Context, kind corestate.KeyKind, prefix string) ([]corestate.StateKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var keys []corestate.StateKey
	want := string(kind) + ":" + prefix
	for k, e := range s.data {
		if e.expired(now) {
			continue
		}
		if len(k) >= len(want) && k[:len(want)] == want {
			keys = append(keys, parseKey(kind, k))
		}
	}
	return keys, nil
}

func parseKey(kind corestate.KeyKind, raw string) corestate.StateKey {
	prefix := string(kind) + ":"
	return corestate.StateKey{Kind: kind, ID: raw[len(prefix):]}
}

func encodeInt(v int64) []byte {
	b := make([]byte, 8)
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
	return b
}

func decodeInt(b []byte) int64 {
	var v int64
	for i := 0; i < len(b) && i < 8; i++ {
		v |= int64(b[i]) << (8 * i)
	}
	return v
}

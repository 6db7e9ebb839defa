// Package group implements the GroupManager: an in-memory accumulator of
// related events delivered as one batched notification. Grounds spec.md
// §4.10.
package group

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// State discriminates an EventGroup's lifecycle.
type State string

const (
	Open      State = "open"
	Flushing  State = "flushing"
	Notified  State = "notified"
)

// EventGroup accumulates event fingerprints under a shared group key until
// it is flushed.
type EventGroup struct {
	GroupID  string
	GroupKey string
	Events   []string
	NotifyAt time.Time
	State    State
}

// Manager is the in-memory map from group_key to EventGroup described by
// spec.md §4.10. It is internally synchronized; callers never need their
// own lock.
type Manager struct {
	mu     sync.Mutex
	groups map[string]*EventGroup
	now    func() time.Time
}

// New returns an empty Manager.
func New() *Manager {
	return &Manager{groups: make(map[string]*EventGroup), now: time.Now}
}

// Append adds fingerprint to the group named key, opening a new group
// (scheduling notify_at = now + window) if none is open. If sizeThreshold
// is positive and the group's event count reaches it, notify_at is moved
// to now so the next background sweep flushes it immediately.
func (m *Manager) Append(key, fingerprint string, window time.Duration, sizeThreshold int) *EventGroup {
	m.mu.Lock()
	defer m.mu.Unlock()

	g, ok := m.groups[key]
	if !ok || g.State != Open {
		g = &EventGroup{
			GroupID:  uuid.NewString(),
			GroupKey: key,
			NotifyAt: m.now().Add(window),
			State:    Open,
		}
		m.groups[key] = g
	}
	g.Events = append(g.Events, fingerprint)
	if sizeThreshold > 0 && len(g.Events) >= sizeThreshold {
		g.NotifyAt = m.now()
	}
	return g
}

// GetReady returns a snapshot of every Open group whose notify_at has
// elapsed, for the background processor's group-flush sweep.
func (m *Manager) GetReady() []*EventGroup {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	var ready []*EventGroup
	for _, g := range m.groups {
		if g.State == Open && !g.NotifyAt.After(now) {
			cp := *g
			ready = append(ready, &cp)
		}
	}
	return ready
}

// Flush transitions key's group to Flushing and returns a copy of it to
// the caller. The group is not removed until Confirm is called, so a
// failed notification attempt can be retried against the same group.
func (m *Manager) Flush(key string) (*EventGroup, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.groups[key]
	if !ok {
		return nil, false
	}
	g.State = Flushing
	cp := *g
	return &cp, true
}

// Confirm removes key's group after its flush notification has been
// delivered.
func (m *Manager) Confirm(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.groups, key)
}

// Package scheduled implements the dispatch pipeline's Schedule verdict: a
// one-shot action persisted against a fire time, distinct from the
// cron-driven RecurringDefinition in pkg/recurring. Grounds spec.md §4.7
// step 5's Schedule{when} bullet and the "recurring-or-scheduled index"
// named in §6.
package scheduled

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/jordigilh/actiongateway/pkg/core"
	"github.com/jordigilh/actiongateway/pkg/corestate"
)

var ErrNotFound = errors.New("scheduled: not found")

// Entry is a single deferred action awaiting its fire time.
type Entry struct {
	ID     string       `json:"id"`
	Action *core.Action `json:"action"`
	FireAt time.Time    `json:"fire_at"`
}

// Manager persists Entries in a StateStore and exposes the due-scan/claim
// cycle a sweep loop drains them through.
type Manager struct {
	store corestate.StateStore
	now   func() time.Time
}

// New returns a Manager backed by store.
func New(store corestate.StateStore) *Manager {
	return &Manager{store: store, now: time.Now}
}

func key(id string) corestate.StateKey {
	return corestate.StateKey{Kind: corestate.KindState, ID: "scheduled:" + id}
}

func pendingKey(id string) corestate.StateKey {
	return corestate.StateKey{Kind: corestate.KindTimeoutIndex, ID: "scheduled:" + id}
}

// Create persists a new entry for action, firing at fireAt, and returns its
// generated ID.
func (m *Manager) Create(ctx context.Context, action *core.Action, fireAt time.Time) (string, error) {
	id := uuid.NewString()
	entry := Entry{ID: id, Action: action, FireAt: fireAt}
	buf, err := json.Marshal(entry)
	if err != nil {
		return "", err
	}
	if err := m.store.Set(ctx, key(id), buf, time.Until(fireAt)+24*time.Hour); err != nil {
		return "", err
	}
	ms := strconv.FormatInt(fireAt.UnixMilli(), 10)
	if err := m.store.Set(ctx, pendingKey(id), []byte(ms), time.Until(fireAt)+24*time.Hour); err != nil {
		return "", err
	}
	return id, nil
}

// DueIDs returns every entry ID whose fire_at has elapsed.
func (m *Manager) DueIDs(ctx context.Context, now time.Time) ([]string, error) {
	keys, err := m.store.Scan(ctx, corestate.KindTimeoutIndex, "scheduled:")
	if err != nil {
		return nil, err
	}
	var due []string
	for _, k := range keys {
		st, err := m.store.Get(ctx, k)
		if err != nil {
			continue
		}
		ms, err := strconv.ParseInt(string(st.Value), 10, 64)
		if err != nil {
			continue
		}
		if time.UnixMilli(ms).After(now) {
			continue
		}
		due = append(due, k.ID[len("scheduled:"):])
	}
	return due, nil
}

// Claim removes id's entry (it fires exactly once) and returns it. The
// background processor is this package's single consumer, so no CAS
// fencing is needed: a claimed entry is deleted before the caller
// dispatches it.
func (m *Manager) Claim(ctx context.Context, id string) (*Entry, error) {
	st, err := m.store.Get(ctx, key(id))
	if err != nil {
		return nil, ErrNotFound
	}
	var entry Entry
	if err := json.Unmarshal(st.Value, &entry); err != nil {
		return nil, err
	}
	if err := m.store.Delete(ctx, key(id)); err != nil {
		return nil, err
	}
	if err := m.store.Delete(ctx, pendingKey(id)); err != nil {
		return nil, err
	}
	return &entry, nil
}

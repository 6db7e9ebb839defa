// Package recurring implements RecurringDefinition storage and the
// due-scan the background processor uses to fire templated actions on a
// cron schedule. Grounds spec.md §4.9 ("Recurring scheduler").
package recurring

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/jordigilh/actiongateway/pkg/core"
	"github.com/jordigilh/actiongateway/pkg/corestate"
)

var (
	ErrNotFound    = errors.New("recurring: not found")
	ErrConflict    = errors.New("recurring: concurrent modification")
	ErrInvalidCron = errors.New("recurring: invalid cron expression")
)

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Definition is a recurring action template fired on a cron schedule.
type Definition struct {
	ID             string       `json:"id"`
	Namespace      string       `json:"namespace"`
	Tenant         string       `json:"tenant"`
	CronExpression string       `json:"cron_expression"`
	ActionTemplate *core.Action `json:"action_template"`
	NextFireAt     time.Time    `json:"next_fire_at"`
	Enabled        bool         `json:"enabled"`
}

// Manager persists Definitions and exposes the due-scan claim loop.
type Manager struct {
	store corestate.StateStore
	now   func() time.Time
}

// New returns a Manager backed by store.
func New(store corestate.StateStore) *Manager {
	return &Manager{store: store, now: time.Now}
}

func key(id string) corestate.StateKey {
	return corestate.StateKey{Kind: corestate.KindRecurring, ID: id}
}

func pendingKey(id string) corestate.StateKey {
	return corestate.StateKey{Kind: corestate.KindPendingRecurring, ID: id}
}

// Create registers a new recurring definition, computing its first
// next_fire_at from cronExpr relative to now.
func (m *Manager) Create(ctx context.Context, id, namespace, tenant, cronExpr string, template *core.Action) (*Definition, error) {
	sched, err := parser.Parse(cronExpr)
	if err != nil {
		return nil, ErrInvalidCron
	}
	def := &Definition{
		ID:             id,
		Namespace:      namespace,
		Tenant:         tenant,
		CronExpression: cronExpr,
		ActionTemplate: template,
		NextFireAt:     sched.Next(m.now()),
		Enabled:        true,
	}
	buf, err := json.Marshal(def)
	if err != nil {
		return nil, err
	}
	if err := m.store.CheckAndSet(ctx, key(id), buf, 0); err != nil {
		return nil, err
	}
	return def, m.indexPending(ctx, def)
}

func (m *Manager) indexPending(ctx context.Context, def *Definition) error {
	ms := strconv.FormatInt(def.NextFireAt.UnixMilli(), 10)
	return m.store.Set(ctx, pendingKey(def.ID), []byte(ms), 0)
}

// Get loads a definition by id along with its CAS version.
func (m *Manager) Get(ctx context.Context, id string) (*Definition, uint64, error) {
	st, err := m.store.Get(ctx, key(id))
	if err != nil {
		return nil, 0, ErrNotFound
	}
	var def Definition
	if err := json.Unmarshal(st.Value, &def); err != nil {
		return nil, 0, err
	}
	return &def, st.Version, nil
}

// DueIDs returns the IDs of every enabled definition whose next_fire_at
// has elapsed, for the background processor's recurring-scan sweep.
func (m *Manager) DueIDs(ctx context.Context, now time.Time) ([]string, error) {
	keys, err := m.store.Scan(ctx, corestate.KindPendingRecurring, "")
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
		due = append(due, k.ID)
	}
	return due, nil
}

// Claim atomically advances id's next_fire_at to the next scheduled
// occurrence strictly after now, via CAS, and returns a copy of the
// definition as it stood at claim time for the caller to dispatch a
// templated action from. A losing CAS (another worker claimed it first)
// returns ErrConflict.
func (m *Manager) Claim(ctx context.Context, id string, now time.Time) (*Definition, error) {
	def, version, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !def.Enabled || def.NextFireAt.After(now) {
		return def, nil
	}

	sched, err := parser.Parse(def.CronExpression)
	if err != nil {
		return nil, ErrInvalidCron
	}
	fired := *def
	def.NextFireAt = sched.Next(now)

	buf, err := json.Marshal(def)
	if err != nil {
		return nil, err
	}
	res, err := m.store.CompareAndSwap(ctx, key(id), version, buf, 0)
	if err != nil {
		return nil, err
	}
	if !res.Swapped {
		return nil, ErrConflict
	}
	if err := m.indexPending(ctx, def); err != nil {
		return nil, err
	}
	return &fired, nil
}

// Disable marks id as no longer firing and removes it from the pending
// index.
func (m *Manager) Disable(ctx context.Context, id string) error {
	def, version, err := m.Get(ctx, id)
	if err != nil {
		return err
	}
	def.Enabled = false
	buf, err := json.Marshal(def)
	if err != nil {
		return err
	}
	res, err := m.store.CompareAndSwap(ctx, key(id), version, buf, 0)
	if err != nil {
		return err
	}
	if !res.Swapped {
		return ErrConflict
	}
	return m.store.Delete(ctx, pendingKey(id))
}

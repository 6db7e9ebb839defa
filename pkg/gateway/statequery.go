package gateway

import (
	"context"
	"time"

	"github.com/jordigilh/actiongateway/pkg/corestate"
)

// stateQuery adapts a corestate.StateStore to rule.StateQuery, the
// read-only view the rule engine's state.get/counter/time_since/
// has_active_event/event_in_state builtins call out to. It uses a
// background context for every lookup: rule evaluation is synchronous
// within Dispatch and a stuck backend call should surface as a StateAccess
// error on its own timeout rather than inherit the caller's deadline,
// which may already be nearly spent by the time rules run.
type stateQuery struct {
	store   corestate.StateStore
	timeout time.Duration
}

func newStateQuery(store corestate.StateStore) *stateQuery {
	return &stateQuery{store: store, timeout: 2 * time.Second}
}

func (q *stateQuery) ctx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), q.timeout)
}

// Get reads a plain KindState record, used by rules that reference
// arbitrary prior-state values the pipeline or an external collaborator
// wrote (e.g. a resource's last-seen label).
func (q *stateQuery) Get(key string) (string, bool, error) {
	ctx, cancel := q.ctx()
	defer cancel()
	st, err := q.store.Get(ctx, corestate.StateKey{Kind: corestate.KindState, ID: key})
	if err == corestate.ErrNotFound {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return string(st.Value), true, nil
}

// Counter reads a KindCounter value without incrementing it, so rule
// conditions can branch on a count the quota checker or a rule's own
// Throttle verdict elsewhere maintains.
func (q *stateQuery) Counter(key string) (int64, error) {
	ctx, cancel := q.ctx()
	defer cancel()
	n, err := q.store.Increment(ctx, corestate.StateKey{Kind: corestate.KindCounter, ID: key}, 0, 0)
	if err != nil {
		return 0, err
	}
	return n, nil
}

// TimeSince reads a KindHistory record whose value is an RFC3339
// timestamp — written by RecordHistory whenever the pipeline or a
// collaborator wants a key's "last occurred at" available to rules — and
// returns how long ago it was.
func (q *stateQuery) TimeSince(key string) (time.Duration, bool, error) {
	ctx, cancel := q.ctx()
	defer cancel()
	st, err := q.store.Get(ctx, corestate.StateKey{Kind: corestate.KindHistory, ID: key})
	if err == corestate.ErrNotFound {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	t, err := time.Parse(time.RFC3339Nano, string(st.Value))
	if err != nil {
		return 0, false, err
	}
	return time.Since(t), true, nil
}

func activeEventKey(eventType, label string) string {
	if label == "" {
		return eventType
	}
	return eventType + ":" + label
}

// HasActiveEvent reports whether a KindActiveEvents marker for
// (eventType, label) is currently live (not expired).
func (q *stateQuery) HasActiveEvent(eventType, label string) (bool, error) {
	ctx, cancel := q.ctx()
	defer cancel()
	_, err := q.store.Get(ctx, corestate.StateKey{Kind: corestate.KindActiveEvents, ID: activeEventKey(eventType, label)})
	if err == corestate.ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// EventInState reports whether the KindEventState record for fingerprint
// currently holds state exactly.
func (q *stateQuery) EventInState(fingerprint, state string) (bool, error) {
	ctx, cancel := q.ctx()
	defer cancel()
	st, err := q.store.Get(ctx, corestate.StateKey{Kind: corestate.KindEventState, ID: fingerprint})
	if err == corestate.ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return string(st.Value) == state, nil
}

// RecordHistory writes the current time under key so a later TimeSince(key)
// call reports elapsed time since this call. Exposed for collaborators
// (providers, enrichment lookups) that want a rule-visible "last occurred
// at" marker; the pipeline itself does not call this implicitly.
func (g *Gateway) RecordHistory(ctx context.Context, key string, ttl time.Duration) error {
	return g.store.Set(ctx, corestate.StateKey{Kind: corestate.KindHistory, ID: key}, []byte(time.Now().Format(time.RFC3339Nano)), ttl)
}

// MarkEventActive sets a KindActiveEvents marker for (eventType, label),
// for has_active_event; ttl bounds how long the event is considered live.
func (g *Gateway) MarkEventActive(ctx context.Context, eventType, label string, ttl time.Duration) error {
	return g.store.Set(ctx, corestate.StateKey{Kind: corestate.KindActiveEvents, ID: activeEventKey(eventType, label)}, []byte{1}, ttl)
}

// SetEventState records fingerprint's current state for event_in_state.
func (g *Gateway) SetEventState(ctx context.Context, fingerprint, state string, ttl time.Duration) error {
	return g.store.Set(ctx, corestate.StateKey{Kind: corestate.KindEventState, ID: fingerprint}, []byte(state), ttl)
}

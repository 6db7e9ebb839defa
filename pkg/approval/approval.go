// Package approval implements the ApprovalRecord lifecycle used by the
// RequireApproval verdict: create a pending token, let an operator approve
// or reject it, and support the background processor's notification-retry
// and timeout-expiry sweeps. Grounds spec.md §3 (ApprovalRecord) and the
// pipeline/background sections referencing it.
package approval

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/jordigilh/actiongateway/pkg/core"
	"github.com/jordigilh/actiongateway/pkg/corestate"
)

var (
	ErrNotFound       = errors.New("approval: not found")
	ErrAlreadyDecided = errors.New("approval: already decided")
	ErrConflict       = errors.New("approval: concurrent modification")
)

// Status is an ApprovalRecord's decision state.
type Status string

const (
	Pending  Status = "pending"
	Approved Status = "approved"
	Rejected Status = "rejected"
	Expired  Status = "expired"
)

// Record is a pending human-approval hold on a dispatched action.
type Record struct {
	Token            string    `json:"token"`
	Namespace        string    `json:"namespace"`
	Tenant           string    `json:"tenant"`
	Status           Status    `json:"status"`
	ExpiresAt        time.Time `json:"expires_at"`
	NotificationSent bool      `json:"notification_sent"`
	Action           *core.Action `json:"action"`
	Rule             string    `json:"rule"`
	DecidedAt        time.Time `json:"decided_at,omitempty"`
	DecidedBy        string    `json:"decided_by,omitempty"`
}

// NotifyHook delivers the approval-request notification (e.g. a Slack
// message with an approve/reject link) for a record. Returning nil marks
// the attempt as successful.
type NotifyHook func(ctx context.Context, rec *Record) error

// Manager persists ApprovalRecords in a StateStore.
type Manager struct {
	store corestate.StateStore
	now   func() time.Time
}

// New returns a Manager backed by store.
func New(store corestate.StateStore) *Manager {
	return &Manager{store: store, now: time.Now}
}

func key(token string) corestate.StateKey {
	return corestate.StateKey{Kind: corestate.KindApproval, ID: token}
}

// Create opens a new Pending approval for action, requiring it per rule,
// with a hold lasting ttl.
func (m *Manager) Create(ctx context.Context, action *core.Action, rule string, ttl time.Duration) (*Record, error) {
	rec := &Record{
		Token:     uuid.NewString(),
		Namespace: action.Namespace,
		Tenant:    action.Tenant,
		Status:    Pending,
		ExpiresAt: m.now().Add(ttl),
		Action:    action,
		Rule:      rule,
	}
	buf, err := json.Marshal(rec)
	if err != nil {
		return nil, err
	}
	if err := m.store.CheckAndSet(ctx, key(rec.Token), buf, ttl); err != nil {
		return nil, err
	}
	return rec, nil
}

// Get loads the approval record for token along with its CAS version.
func (m *Manager) Get(ctx context.Context, token string) (*Record, uint64, error) {
	st, err := m.store.Get(ctx, key(token))
	if err != nil {
		return nil, 0, ErrNotFound
	}
	var rec Record
	if err := json.Unmarshal(st.Value, &rec); err != nil {
		return nil, 0, err
	}
	return &rec, st.Version, nil
}

func (m *Manager) persist(ctx context.Context, rec *Record, version uint64) error {
	buf, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	res, err := m.store.CompareAndSwap(ctx, key(rec.Token), version, buf, time.Until(rec.ExpiresAt))
	if err != nil {
		return err
	}
	if !res.Swapped {
		return ErrConflict
	}
	return nil
}

func (m *Manager) decide(ctx context.Context, token, decidedBy string, outcome Status) (*Record, error) {
	rec, version, err := m.Get(ctx, token)
	if err != nil {
		return nil, err
	}
	if rec.Status != Pending {
		return nil, ErrAlreadyDecided
	}
	rec.Status = outcome
	rec.DecidedAt = m.now()
	rec.DecidedBy = decidedBy
	if err := m.persist(ctx, rec, version); err != nil {
		return nil, err
	}
	return rec, nil
}

// Approve transitions token from Pending to Approved.
func (m *Manager) Approve(ctx context.Context, token, decidedBy string) (*Record, error) {
	return m.decide(ctx, token, decidedBy, Approved)
}

// Reject transitions token from Pending to Rejected.
func (m *Manager) Reject(ctx context.Context, token, decidedBy string) (*Record, error) {
	return m.decide(ctx, token, decidedBy, Rejected)
}

// Expire transitions token from Pending to Expired, invoked by the
// timeout-expiry background sweep when expires_at has elapsed.
func (m *Manager) Expire(ctx context.Context, token string) (*Record, error) {
	rec, version, err := m.Get(ctx, token)
	if err != nil {
		return nil, err
	}
	if rec.Status != Pending {
		return rec, nil
	}
	rec.Status = Expired
	if err := m.persist(ctx, rec, version); err != nil {
		return nil, err
	}
	return rec, nil
}

// ExpireDue scans Pending approvals whose expires_at has elapsed and
// transitions each to Expired, for the timeout-expiry background sweep.
func (m *Manager) ExpireDue(ctx context.Context, now time.Time) (int, error) {
	keys, err := m.store.Scan(ctx, corestate.KindApproval, "")
	if err != nil {
		return 0, err
	}
	n := 0
	for _, k := range keys {
		rec, version, err := m.Get(ctx, k.ID)
		if err != nil {
			continue
		}
		if rec.Status != Pending || rec.ExpiresAt.After(now) {
			continue
		}
		rec.Status = Expired
		if err := m.persist(ctx, rec, version); err != nil {
			continue
		}
		n++
	}
	return n, nil
}

// RetryPendingNotifications scans Pending, not-yet-notified, unexpired
// approvals and invokes hook for each, marking notification_sent under CAS
// on success. Failed hook invocations are left Pending for the next sweep.
func (m *Manager) RetryPendingNotifications(ctx context.Context, hook NotifyHook) (int, error) {
	keys, err := m.store.Scan(ctx, corestate.KindApproval, "")
	if err != nil {
		return 0, err
	}
	now := m.now()
	sent := 0
	for _, k := range keys {
		rec, version, err := m.Get(ctx, k.ID)
		if err != nil {
			continue
		}
		if rec.Status != Pending || rec.NotificationSent || !rec.ExpiresAt.After(now) {
			continue
		}
		if err := hook(ctx, rec); err != nil {
			continue
		}
		rec.NotificationSent = true
		if err := m.persist(ctx, rec, version); err != nil {
			continue
		}
		sent++
	}
	return sent, nil
}

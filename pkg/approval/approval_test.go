package approval

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jordigilh/actiongateway/pkg/core"
	"github.com/jordigilh/actiongateway/pkg/corestate/memstate"
)

func testAction() *core.Action {
	return &core.Action{ID: "a1", Namespace: "ns", Tenant: "t1", Kind: "webhook"}
}

func TestCreateThenApprove(t *testing.T) {
	m := New(memstate.New())
	ctx := context.Background()

	rec, err := m.Create(ctx, testAction(), "rule-1", time.Hour)
	require.NoError(t, err)
	require.Equal(t, Pending, rec.Status)
	require.False(t, rec.NotificationSent)

	decided, err := m.Approve(ctx, rec.Token, "operator-1")
	require.NoError(t, err)
	require.Equal(t, Approved, decided.Status)
	require.Equal(t, "operator-1", decided.DecidedBy)
}

func TestDecideTwiceFails(t *testing.T) {
	m := New(memstate.New())
	ctx := context.Background()

	rec, err := m.Create(ctx, testAction(), "rule-1", time.Hour)
	require.NoError(t, err)

	_, err = m.Reject(ctx, rec.Token, "op")
	require.NoError(t, err)

	_, err = m.Approve(ctx, rec.Token, "op")
	require.ErrorIs(t, err, ErrAlreadyDecided)
}

func TestExpireOnlyAffectsPending(t *testing.T) {
	m := New(memstate.New())
	ctx := context.Background()

	rec, err := m.Create(ctx, testAction(), "rule-1", time.Hour)
	require.NoError(t, err)
	_, err = m.Approve(ctx, rec.Token, "op")
	require.NoError(t, err)

	expired, err := m.Expire(ctx, rec.Token)
	require.NoError(t, err)
	require.Equal(t, Approved, expired.Status)
}

func TestRetryPendingNotificationsMarksSentOnSuccess(t *testing.T) {
	m := New(memstate.New())
	ctx := context.Background()

	rec, err := m.Create(ctx, testAction(), "rule-1", time.Hour)
	require.NoError(t, err)

	calls := 0
	n, err := m.RetryPendingNotifications(ctx, func(ctx context.Context, r *Record) error {
		calls++
		require.Equal(t, rec.Token, r.Token)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, 1, calls)

	n, err = m.RetryPendingNotifications(ctx, func(ctx context.Context, r *Record) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 0, n)
	require.Equal(t, 1, calls)
}

func TestRetryPendingNotificationsSkipsFailedHook(t *testing.T) {
	m := New(memstate.New())
	ctx := context.Background()

	_, err := m.Create(ctx, testAction(), "rule-1", time.Hour)
	require.NoError(t, err)

	n, err := m.RetryPendingNotifications(ctx, func(ctx context.Context, r *Record) error {
		return assertErr
	})
	require.NoError(t, err)
	require.Equal(t, 0, n)
}

var assertErr = errFixture("hook failed")

type errFixture string

func (e errFixture) Error() string { return string(e) }

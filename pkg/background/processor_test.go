package background

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/require"

	"github.com/jordigilh/actiongateway/pkg/approval"
	"github.com/jordigilh/actiongateway/pkg/chain"
	"github.com/jordigilh/actiongateway/pkg/core"
	"github.com/jordigilh/actiongateway/pkg/corestate"
	"github.com/jordigilh/actiongateway/pkg/corestate/memstate"
	"github.com/jordigilh/actiongateway/pkg/group"
	"github.com/jordigilh/actiongateway/pkg/recurring"
	"github.com/jordigilh/actiongateway/pkg/scheduled"
)

func TestSweepGroupsFlushesAndConfirms(t *testing.T) {
	g := group.New()
	g.Append("k1", "fp-1", time.Millisecond, 0)
	time.Sleep(2 * time.Millisecond)

	var notified int32
	p := New(DefaultConfig(), logr.Discard(), g, nil, nil, nil, nil,
		func(ctx context.Context, eg *group.EventGroup) error {
			atomic.AddInt32(&notified, 1)
			return nil
		}, nil, nil)

	p.sweepGroups(context.Background())
	require.Equal(t, int32(1), atomic.LoadInt32(&notified))

	_, ok := g.Flush("k1")
	require.False(t, ok)
}

func TestSweepChainsAdvancesDueChains(t *testing.T) {
	store := memstate.New()
	co := chain.New(store)
	ctx := context.Background()
	_, err := co.Start(ctx, "c1", "ns", "t1", []chain.Step{
		{ActionTemplate: &core.Action{ID: "a"}, FailurePolicy: chain.FailurePolicy{Kind: chain.Abort}},
	}, chain.FailurePolicy{Kind: chain.Abort})
	require.NoError(t, err)

	dispatch := func(ctx context.Context, a *core.Action) (core.Outcome, error) {
		return core.Outcome{Type: core.OutcomeSuccess}, nil
	}

	p := New(DefaultConfig(), logr.Discard(), nil, co, nil, nil, dispatch, nil, nil, nil)
	p.sweepChains(ctx)

	ch, _, err := co.Load(ctx, "c1")
	require.NoError(t, err)
	require.Equal(t, chain.Completed, ch.Status)
}

func TestSweepTimeoutsExpiresApprovals(t *testing.T) {
	store := memstate.New()
	am := approval.New(store)
	ctx := context.Background()
	_, err := am.Create(ctx, &core.Action{ID: "a1", Namespace: "ns", Tenant: "t1"}, "rule", time.Hour)
	require.NoError(t, err)

	p := New(DefaultConfig(), logr.Discard(), nil, nil, am, nil, nil, nil, nil, nil)
	p.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	p.sweepTimeouts(ctx)

	keys, err := store.Scan(ctx, corestate.KindApproval, "")
	require.NoError(t, err)
	require.Len(t, keys, 1)
}

func TestSweepScheduledClaimsAndDispatches(t *testing.T) {
	store := memstate.New()
	sm := scheduled.New(store)
	ctx := context.Background()
	fireAt := time.Now().Add(-time.Minute)
	id, err := sm.Create(ctx, &core.Action{ID: "a1"}, fireAt)
	require.NoError(t, err)

	var dispatched int32
	dispatch := func(ctx context.Context, a *core.Action) error {
		require.Equal(t, "a1", a.ID)
		atomic.AddInt32(&dispatched, 1)
		return nil
	}

	p := New(DefaultConfig(), logr.Discard(), nil, nil, nil, nil, nil, nil, nil, nil).
		WithScheduled(sm, dispatch)
	p.sweepScheduled(ctx)

	require.Equal(t, int32(1), atomic.LoadInt32(&dispatched))

	due, err := sm.DueIDs(ctx, time.Now())
	require.NoError(t, err)
	require.NotContains(t, due, id)
}

func TestSweepRecurringClaimsAndDispatches(t *testing.T) {
	store := memstate.New()
	rm := recurring.New(store)
	ctx := context.Background()
	def, err := rm.Create(ctx, "r1", "ns", "t1", "*/5 * * * *", &core.Action{ID: "tmpl"})
	require.NoError(t, err)

	var dispatched int32
	dispatch := func(ctx context.Context, a *core.Action) error {
		atomic.AddInt32(&dispatched, 1)
		return nil
	}

	p := New(DefaultConfig(), logr.Discard(), nil, nil, nil, rm, nil, nil, nil, dispatch)
	p.now = func() time.Time { return def.NextFireAt.Add(time.Second) }
	p.sweepRecurring(ctx)

	require.Equal(t, int32(1), atomic.LoadInt32(&dispatched))
}

package chain

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jordigilh/actiongateway/pkg/core"
	"github.com/jordigilh/actiongateway/pkg/corestate/memstate"
)

func stepAction(id string) *core.Action {
	return &core.Action{ID: id, Namespace: "ns", Tenant: "t1", Kind: "webhook"}
}

func TestStartPersistsPendingAndSchedulesReady(t *testing.T) {
	store := memstate.New()
	co := New(store)
	ctx := context.Background()

	ch, err := co.Start(ctx, "c1", "ns", "t1", []Step{
		{ActionTemplate: stepAction("a"), FailurePolicy: FailurePolicy{Kind: Abort}},
	}, FailurePolicy{Kind: Abort})
	require.NoError(t, err)
	require.Equal(t, Pending, ch.Status)

	due, err := co.DueChainIDs(ctx, co.now())
	require.NoError(t, err)
	require.Contains(t, due, "c1")
}

func TestAdvanceSuccessCompletesSingleStepChain(t *testing.T) {
	store := memstate.New()
	co := New(store)
	ctx := context.Background()

	_, err := co.Start(ctx, "c1", "ns", "t1", []Step{
		{ActionTemplate: stepAction("a"), FailurePolicy: FailurePolicy{Kind: Abort}},
	}, FailurePolicy{Kind: Abort})
	require.NoError(t, err)

	ch, err := co.Advance(ctx, "c1", func(ctx context.Context, a *core.Action) (core.Outcome, error) {
		return core.Outcome{Type: core.OutcomeSuccess}, nil
	})
	require.NoError(t, err)
	require.Equal(t, Completed, ch.Status)
	require.Len(t, ch.Results, 1)

	due, err := co.DueChainIDs(ctx, co.now())
	require.NoError(t, err)
	require.NotContains(t, due, "c1")
}

func TestAdvanceAbortOnFailureSkipsRemainingSteps(t *testing.T) {
	store := memstate.New()
	co := New(store)
	ctx := context.Background()

	_, err := co.Start(ctx, "c1", "ns", "t1", []Step{
		{ActionTemplate: stepAction("a"), FailurePolicy: FailurePolicy{Kind: Abort}},
		{ActionTemplate: stepAction("b"), FailurePolicy: FailurePolicy{Kind: Continue}},
	}, FailurePolicy{Kind: Abort})
	require.NoError(t, err)

	called := 0
	dispatch := func(ctx context.Context, a *core.Action) (core.Outcome, error) {
		called++
		return core.Outcome{Type: core.OutcomeFailure, Error: &core.ActionError{Code: "boom"}}, nil
	}

	ch, err := co.Advance(ctx, "c1", dispatch)
	require.NoError(t, err)
	require.Equal(t, Failed, ch.Status)
	require.Equal(t, 1, called)

	// a second advance on a terminal chain is a no-op
	ch, err = co.Advance(ctx, "c1", dispatch)
	require.NoError(t, err)
	require.Equal(t, Failed, ch.Status)
	require.Equal(t, 1, called)
}

func TestAdvanceRetryExhaustsThenAppliesChainPolicy(t *testing.T) {
	store := memstate.New()
	co := New(store)
	ctx := context.Background()

	_, err := co.Start(ctx, "c1", "ns", "t1", []Step{
		{ActionTemplate: stepAction("a"), FailurePolicy: FailurePolicy{Kind: Retry, MaxRetries: 1}},
		{ActionTemplate: stepAction("b"), FailurePolicy: FailurePolicy{Kind: Abort}},
	}, FailurePolicy{Kind: Continue})
	require.NoError(t, err)

	dispatch := func(ctx context.Context, a *core.Action) (core.Outcome, error) {
		return core.Outcome{Type: core.OutcomeFailure}, nil
	}

	ch, err := co.Advance(ctx, "c1", dispatch) // attempt 1: retry
	require.NoError(t, err)
	require.Equal(t, Running, ch.Status)
	require.Equal(t, 0, ch.CurrentIndex)

	ch, err = co.Advance(ctx, "c1", dispatch) // attempt 2: retries exhausted, chain policy Continue
	require.NoError(t, err)
	require.Equal(t, 1, ch.CurrentIndex)
	require.Equal(t, Running, ch.Status)
}

func TestCancelMarksTerminalAndFurtherAdvancesAreNoops(t *testing.T) {
	store := memstate.New()
	co := New(store)
	ctx := context.Background()

	_, err := co.Start(ctx, "c1", "ns", "t1", []Step{
		{ActionTemplate: stepAction("a"), FailurePolicy: FailurePolicy{Kind: Abort}},
	}, FailurePolicy{Kind: Abort})
	require.NoError(t, err)

	ch, err := co.Cancel(ctx, "c1")
	require.NoError(t, err)
	require.Equal(t, Cancelled, ch.Status)

	called := false
	ch, err = co.Advance(ctx, "c1", func(ctx context.Context, a *core.Action) (core.Outcome, error) {
		called = true
		return core.Outcome{Type: core.OutcomeSuccess}, nil
	})
	require.NoError(t, err)
	require.False(t, called)
	require.Equal(t, Cancelled, ch.Status)
}

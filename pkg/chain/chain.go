// Package chain implements the Chain coordinator: persists per-chain state
// in the StateStore and advances a chain one step at a time, each step
// dispatched back through the gateway's pipeline. Grounds spec.md §4.11.
package chain

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/jordigilh/actiongateway/pkg/core"
	"github.com/jordigilh/actiongateway/pkg/corestate"
)

var (
	ErrNotFound = errors.New("chain: not found")
	ErrConflict = errors.New("chain: concurrent modification")
)

// Status is the chain's lifecycle state.
type Status string

const (
	Pending   Status = "pending"
	Running   Status = "running"
	Completed Status = "completed"
	Failed    Status = "failed"
	Cancelled Status = "cancelled"
)

// PolicyKind is a step or chain-level failure policy.
type PolicyKind string

const (
	Abort    PolicyKind = "abort"
	Continue PolicyKind = "continue"
	Retry    PolicyKind = "retry"
)

// FailurePolicy configures how a step (or the chain as a whole) reacts to a
// failed step.
type FailurePolicy struct {
	Kind       PolicyKind `json:"kind"`
	MaxRetries int        `json:"max_retries,omitempty"`
}

// Step is one action template in a chain, plus its own failure policy.
type Step struct {
	ActionTemplate *core.Action  `json:"action_template"`
	FailurePolicy  FailurePolicy `json:"failure_policy"`
	Attempts       int           `json:"attempts"`
}

// StepResult records the outcome of running one step.
type StepResult struct {
	Index       int          `json:"index"`
	Outcome     core.Outcome `json:"outcome"`
	CompletedAt time.Time    `json:"completed_at"`
}

// Chain is the persisted state of one chained workflow.
type Chain struct {
	ChainID      string        `json:"chain_id"`
	Namespace    string        `json:"namespace"`
	Tenant       string        `json:"tenant"`
	Steps        []Step        `json:"steps"`
	CurrentIndex int           `json:"current_index"`
	Status       Status        `json:"status"`
	Results      []StepResult  `json:"results"`
	Policy       FailurePolicy `json:"policy"`
	Version      uint64        `json:"-"`
}

// DispatchFunc runs one step's action through the gateway's dispatch
// pipeline. The chain coordinator depends on this instead of importing
// pkg/gateway directly, avoiding an import cycle.
type DispatchFunc func(ctx context.Context, action *core.Action) (core.Outcome, error)

// Coordinator persists and advances chains against a StateStore.
type Coordinator struct {
	store corestate.StateStore
	now   func() time.Time
}

// New returns a Coordinator backed by store.
func New(store corestate.StateStore) *Coordinator {
	return &Coordinator{store: store, now: time.Now}
}

func key(chainID string) corestate.StateKey {
	return corestate.StateKey{Kind: corestate.KindChain, ID: chainID}
}

func readyKey(chainID string) corestate.StateKey {
	return corestate.StateKey{Kind: corestate.KindChainReadyIndex, ID: chainID}
}

// Start persists a new chain in Pending state and schedules its first
// advance immediately.
func (c *Coordinator) Start(ctx context.Context, chainID, namespace, tenant string, steps []Step, policy FailurePolicy) (*Chain, error) {
	ch := &Chain{
		ChainID:   chainID,
		Namespace: namespace,
		Tenant:    tenant,
		Steps:     steps,
		Status:    Pending,
		Policy:    policy,
	}
	buf, err := json.Marshal(ch)
	if err != nil {
		return nil, err
	}
	if err := c.store.CheckAndSet(ctx, key(chainID), buf, 0); err != nil {
		return nil, err
	}
	if err := c.scheduleReady(ctx, chainID, c.now()); err != nil {
		return nil, err
	}
	return ch, nil
}

func (c *Coordinator) scheduleReady(ctx context.Context, chainID string, readyAt time.Time) error {
	ms := strconv.FormatInt(readyAt.UnixMilli(), 10)
	return c.store.Set(ctx, readyKey(chainID), []byte(ms), 0)
}

func (c *Coordinator) clearReady(ctx context.Context, chainID string) error {
	return c.store.Delete(ctx, readyKey(chainID))
}

// Load fetches a chain's current state.
func (c *Coordinator) Load(ctx context.Context, chainID string) (*Chain, uint64, error) {
	st, err := c.store.Get(ctx, key(chainID))
	if err != nil {
		return nil, 0, ErrNotFound
	}
	var ch Chain
	if err := json.Unmarshal(st.Value, &ch); err != nil {
		return nil, 0, err
	}
	return &ch, st.Version, nil
}

func (c *Coordinator) persist(ctx context.Context, ch *Chain, version uint64) (uint64, error) {
	buf, err := json.Marshal(ch)
	if err != nil {
		return 0, err
	}
	res, err := c.store.CompareAndSwap(ctx, key(ch.ChainID), version, buf, 0)
	if err != nil {
		return 0, err
	}
	if !res.Swapped {
		return 0, ErrConflict
	}
	return res.Current.Version, nil
}

// Advance loads chainID, runs its next step through dispatch, and persists
// the resulting state transition.
func (c *Coordinator) Advance(ctx context.Context, chainID string, dispatch DispatchFunc) (*Chain, error) {
	ch, version, err := c.Load(ctx, chainID)
	if err != nil {
		return nil, err
	}
	if ch.Status != Pending && ch.Status != Running {
		return ch, nil
	}
	ch.Status = Running

	step := &ch.Steps[ch.CurrentIndex]
	outcome, dispatchErr := dispatch(ctx, step.ActionTemplate)
	ch.Results = append(ch.Results, StepResult{
		Index:       ch.CurrentIndex,
		Outcome:     outcome,
		CompletedAt: c.now(),
	})

	stepFailed := dispatchErr != nil || outcome.Type == core.OutcomeFailure

	switch {
	case !stepFailed:
		ch.CurrentIndex++
		if ch.CurrentIndex >= len(ch.Steps) {
			ch.Status = Completed
		}
	default:
		c.applyFailure(ch, step)
	}

	if ch.Status == Completed || ch.Status == Failed || ch.Status == Cancelled {
		if err := c.clearReady(ctx, chainID); err != nil {
			return nil, err
		}
	} else if err := c.scheduleReady(ctx, chainID, c.now()); err != nil {
		return nil, err
	}

	if _, err := c.persist(ctx, ch, version); err != nil {
		return nil, err
	}
	return ch, nil
}

// applyFailure decides the chain's next state after a failed step,
// consulting the step's failure policy first and the chain-level policy
// when retries are exhausted.
func (c *Coordinator) applyFailure(ch *Chain, step *Step) {
	policy := step.FailurePolicy
	if policy.Kind == Retry {
		step.Attempts++
		if step.Attempts <= policy.MaxRetries {
			return // stays Running, same CurrentIndex, retried on next advance
		}
		policy = ch.Policy
	}

	switch policy.Kind {
	case Continue:
		ch.CurrentIndex++
		if ch.CurrentIndex >= len(ch.Steps) {
			ch.Status = Completed
		}
	default: // Abort
		ch.Status = Failed
	}
}

// Cancel transitions chainID to Cancelled under CAS; a chain already in a
// terminal state is left unchanged.
func (c *Coordinator) Cancel(ctx context.Context, chainID string) (*Chain, error) {
	ch, version, err := c.Load(ctx, chainID)
	if err != nil {
		return nil, err
	}
	if ch.Status == Completed || ch.Status == Failed || ch.Status == Cancelled {
		return ch, nil
	}
	ch.Status = Cancelled
	if err := c.clearReady(ctx, chainID); err != nil {
		return nil, err
	}
	if _, err := c.persist(ctx, ch, version); err != nil {
		return nil, err
	}
	return ch, nil
}

// DueChainIDs returns the IDs of chains whose ready_at has elapsed, for the
// background processor's chain-advance sweep.
func (c *Coordinator) DueChainIDs(ctx context.Context, now time.Time) ([]string, error) {
	keys, err := c.store.Scan(ctx, corestate.KindChainReadyIndex, "")
	if err != nil {
		return nil, err
	}
	var due []string
	for _, k := range keys {
		st, err := c.store.Get(ctx, k)
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

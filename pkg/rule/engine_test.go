package rule

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jordigilh/actiongateway/pkg/core"
)

func evalCtx(enrichment map[string]interface{}) *EvalContext {
	return &EvalContext{
		Action: &core.ActionContext{
			Action:     &core.Action{Kind: "restart"},
			Enrichment: enrichment,
		},
	}
}

func TestEngineEvaluatesLowestPriorityValueFirst(t *testing.T) {
	e := NewEngine()
	e.Load([]*Rule{
		{ID: "later", Priority: 10, Enabled: true, Condition: Const(true), Action: RuleAction{Provider: "later"}},
		{ID: "first", Priority: 1, Enabled: true, Condition: Const(true), Action: RuleAction{Provider: "first"}},
	})

	matched, trace, err := e.Evaluate(evalCtx(nil))
	require.NoError(t, err)
	require.NotNil(t, matched)
	assert.Equal(t, "first", matched.ID)
	assert.Len(t, trace.Entries, 1, "higher-priority-value rules must not be evaluated once a match is found")
}

func TestEngineSkipsDisabledRules(t *testing.T) {
	e := NewEngine()
	e.Load([]*Rule{
		{ID: "off", Priority: 10, Enabled: false, Condition: Const(true), Action: RuleAction{Provider: "off"}},
		{ID: "on", Priority: 1, Enabled: true, Condition: Const(true), Action: RuleAction{Provider: "on"}},
	})

	matched, trace, err := e.Evaluate(evalCtx(nil))
	require.NoError(t, err)
	require.NotNil(t, matched)
	assert.Equal(t, "on", matched.ID)
	assert.Equal(t, "disabled", trace.Entries[0].SkipReason)
}

func TestEngineFieldComparison(t *testing.T) {
	e := NewEngine()
	cond := And(
		Eq(Field("env"), Const("prod")),
		Gte(Field("replicas"), Const(float64(3))),
	)
	e.Load([]*Rule{{ID: "r1", Priority: 1, Enabled: true, Condition: cond, Action: RuleAction{Provider: "p"}}})

	matched, _, err := e.Evaluate(evalCtx(map[string]interface{}{"env": "prod", "replicas": float64(5)}))
	require.NoError(t, err)
	assert.NotNil(t, matched)

	matched, _, err = e.Evaluate(evalCtx(map[string]interface{}{"env": "staging", "replicas": float64(5)}))
	require.NoError(t, err)
	assert.Nil(t, matched)
}

func TestEngineUnknownFieldDoesNotMatch(t *testing.T) {
	e := NewEngine()
	e.Load([]*Rule{{ID: "r1", Priority: 1, Enabled: true, Condition: Eq(Field("missing"), Const("x")), Action: RuleAction{Provider: "p"}}})

	matched, trace, err := e.Evaluate(evalCtx(nil))
	require.NoError(t, err)
	assert.Nil(t, matched)
	assert.NotEmpty(t, trace.Entries[0].SkipReason)
}

func TestEngineSemanticMatchFailOpenByDefault(t *testing.T) {
	e := NewEngine()
	e.Load([]*Rule{{
		ID: "r1", Priority: 1, Enabled: true,
		Condition: SemanticMatch("description", "disk pressure", 0.8),
		Action:    RuleAction{Provider: "p"},
	}})

	matched, _, err := e.Evaluate(evalCtx(map[string]interface{}{"description": "anything"}))
	require.NoError(t, err)
	assert.NotNil(t, matched, "semantic_match with no embedding provider must fail open")
}

func TestEngineSemanticMatchFailClosedWhenConfigured(t *testing.T) {
	e := NewEngine().WithSemanticMatchPolicy(SemanticFailClosed)
	e.Load([]*Rule{{
		ID: "r1", Priority: 1, Enabled: true,
		Condition: SemanticMatch("description", "disk pressure", 0.8),
		Action:    RuleAction{Provider: "p"},
	}})

	matched, _, err := e.Evaluate(evalCtx(map[string]interface{}{"description": "anything"}))
	require.NoError(t, err)
	assert.Nil(t, matched)
}

type stubEmbeddings struct{ score float64 }

func (s stubEmbeddings) Similarity(ctx *EvalContext, text, reference string) (float64, error) {
	return s.score, nil
}

func TestEngineSemanticMatchWithProvider(t *testing.T) {
	e := NewEngine()
	e.Load([]*Rule{{
		ID: "r1", Priority: 1, Enabled: true,
		Condition: SemanticMatch("description", "disk pressure", 0.8),
		Action:    RuleAction{Provider: "p"},
	}})

	ec := evalCtx(map[string]interface{}{"description": "disk almost full"})
	ec.Embeddings = stubEmbeddings{score: 0.91}
	matched, _, err := e.Evaluate(ec)
	require.NoError(t, err)
	assert.NotNil(t, matched)

	ec.Embeddings = stubEmbeddings{score: 0.2}
	matched, _, err = e.Evaluate(ec)
	require.NoError(t, err)
	assert.Nil(t, matched)
}

type stubStateQuery struct {
	counters map[string]int64
	active   map[string]bool
}

func (s stubStateQuery) Get(key string) (string, bool, error) { return "", false, nil }
func (s stubStateQuery) Counter(key string) (int64, error)    { return s.counters[key], nil }
func (s stubStateQuery) TimeSince(key string) (time.Duration, bool, error) {
	return 0, false, nil
}
func (s stubStateQuery) HasActiveEvent(eventType, label string) (bool, error) {
	return s.active[eventType], nil
}
func (s stubStateQuery) EventInState(fingerprint, state string) (bool, error) { return false, nil }

func TestEngineCounterBuiltin(t *testing.T) {
	e := NewEngine()
	e.Load([]*Rule{{
		ID: "r1", Priority: 1, Enabled: true,
		Condition: Gte(Counter(Const("tenant:t1:sms")), Const(float64(3))),
		Action:    RuleAction{Kind: VerdictThrottle},
	}})

	ec := evalCtx(nil)
	ec.State = stubStateQuery{counters: map[string]int64{"tenant:t1:sms": 5}}
	matched, _, err := e.Evaluate(ec)
	require.NoError(t, err)
	require.NotNil(t, matched)
	assert.Equal(t, VerdictThrottle, matched.Action.Kind)

	ec.State = stubStateQuery{counters: map[string]int64{"tenant:t1:sms": 1}}
	matched, _, err = e.Evaluate(ec)
	require.NoError(t, err)
	assert.Nil(t, matched)
}

func TestEngineCounterBuiltinWithoutStateErrors(t *testing.T) {
	e := NewEngine()
	e.Load([]*Rule{{
		ID: "r1", Priority: 1, Enabled: true,
		Condition: Gte(Counter(Const("k")), Const(float64(1))),
		Action:    RuleAction{Provider: "p"},
	}})

	matched, trace, err := e.Evaluate(evalCtx(nil))
	require.NoError(t, err)
	assert.Nil(t, matched)
	assert.NotEmpty(t, trace.Entries[0].SkipReason)
}

func TestEngineInMembership(t *testing.T) {
	e := NewEngine()
	e.Load([]*Rule{{
		ID: "r1", Priority: 1, Enabled: true,
		Condition: In(Field("severity"), Const([]interface{}{"critical", "high"})),
		Action:    RuleAction{Kind: VerdictDeny},
	}})

	matched, _, err := e.Evaluate(evalCtx(map[string]interface{}{"severity": "critical"}))
	require.NoError(t, err)
	assert.NotNil(t, matched)

	matched, _, err = e.Evaluate(evalCtx(map[string]interface{}{"severity": "low"}))
	require.NoError(t, err)
	assert.Nil(t, matched)
}

func TestEngineEnableDisable(t *testing.T) {
	e := NewEngine()
	e.Upsert(&Rule{ID: "r1", Priority: 1, Enabled: true, Condition: Const(true), Action: RuleAction{Provider: "p"}})

	require.NoError(t, e.Disable("r1"))
	matched, _, err := e.Evaluate(evalCtx(nil))
	require.NoError(t, err)
	assert.Nil(t, matched)

	require.NoError(t, e.Enable("r1"))
	matched, _, err = e.Evaluate(evalCtx(nil))
	require.NoError(t, err)
	assert.NotNil(t, matched)

	assert.ErrorIs(t, e.Enable("missing"), ErrNotFound)
}

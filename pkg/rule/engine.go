package rule

import (
	"fmt"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/jordigilh/actiongateway/pkg/core"
)

// SemanticMatchPolicy controls how a RuleEngine treats a semantic_match
// leaf when no EmbeddingProvider is configured.
type SemanticMatchPolicy int

const (
	// SemanticFailOpen treats an unresolvable semantic_match as a match
	// (condition passes) rather than blocking dispatch on an unavailable
	// embedding backend. This is the engine's default.
	SemanticFailOpen SemanticMatchPolicy = iota
	// SemanticFailClosed treats an unresolvable semantic_match as no match.
	SemanticFailClosed
)

// Engine evaluates a set of Rules against an ActionContext, in ascending
// priority order (lower priority value first), and reports the first one
// whose condition matches.
type Engine struct {
	mu       sync.RWMutex
	rules    map[string]*Rule
	semanticPolicy SemanticMatchPolicy
}

// NewEngine returns an Engine with no rules loaded. The semantic-match
// fail-open default matches the acteon rule engine's documented behavior:
// an unavailable embedding backend should degrade dispatch availability,
// not correctness-by-omission.
func NewEngine() *Engine {
	return &Engine{rules: make(map[string]*Rule), semanticPolicy: SemanticFailOpen}
}

// WithSemanticMatchPolicy overrides the fail-open default.
func (e *Engine) WithSemanticMatchPolicy(p SemanticMatchPolicy) *Engine {
	e.semanticPolicy = p
	return e
}

// Load replaces the entire rule set, used by reload_rules.
func (e *Engine) Load(rules []*Rule) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rules = make(map[string]*Rule, len(rules))
	for _, r := range rules {
		e.rules[r.ID] = r
	}
}

// Upsert adds or replaces a single rule.
func (e *Engine) Upsert(r *Rule) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rules[r.ID] = r
}

// Enable/Disable flip a rule's Enabled flag without removing it, for the
// control interface's enable_rule/disable_rule operations.
func (e *Engine) Enable(id string) error  { return e.setEnabled(id, true) }
func (e *Engine) Disable(id string) error { return e.setEnabled(id, false) }

func (e *Engine) setEnabled(id string, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.rules[id]
	if !ok {
		return ErrNotFound
	}
	r.Enabled = enabled
	r.UpdatedAt = time.Now()
	return nil
}

// List returns every loaded rule ordered by ascending priority (lower
// priority value evaluates first), for list_rules and Evaluate.
func (e *Engine) List() []*Rule {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*Rule, 0, len(e.rules))
	for _, r := range e.rules {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Priority < out[j].Priority })
	return out
}

// Evaluate walks the loaded, enabled rules in ascending priority order
// and returns the first one whose condition matches, plus the full trace
// of every rule considered (used both for the dispatch pipeline's
// rule-evaluate step and the dry-run/playground path). A nil matched rule
// means no rule matched: the implicit verdict is Allow.
func (e *Engine) Evaluate(ec *EvalContext) (*Rule, *core.EvaluationTrace, error) {
	rules := e.List()
	trace := &core.EvaluationTrace{}

	for _, r := range rules {
		entryStart := time.Now()
		if !r.Enabled {
			trace.Entries = append(trace.Entries, core.TraceEntry{
				RuleID: r.ID, Matched: false, SkipReason: "disabled", Duration: time.Since(entryStart),
			})
			continue
		}
		matched, err := e.evalBool(r.Condition, ec)
		entry := core.TraceEntry{RuleID: r.ID, Matched: matched, Duration: time.Since(entryStart)}
		if err != nil {
			entry.SkipReason = err.Error()
		}
		trace.Entries = append(trace.Entries, entry)
		if err != nil {
			continue
		}
		if matched {
			return r, trace, nil
		}
	}
	return nil, trace, nil
}

func (e *Engine) evalBool(expr *Expr, ec *EvalContext) (bool, error) {
	v, err := e.eval(expr, ec)
	if err != nil {
		return false, err
	}
	b, ok := v.(bool)
	if !ok {
		return false, fmt.Errorf("%w: expected bool, got %T", ErrTypeMismatch, v)
	}
	return b, nil
}

func (e *Engine) eval(expr *Expr, ec *EvalContext) (interface{}, error) {
	switch expr.Op {
	case OpConst:
		return expr.Value, nil
	case OpField:
		v, ok := ec.Action.Get(expr.Field)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownField, expr.Field)
		}
		return v, nil
	case OpAnd:
		for _, c := range expr.Children {
			b, err := e.evalBool(c, ec)
			if err != nil {
				return nil, err
			}
			if !b {
				return false, nil
			}
		}
		return true, nil
	case OpOr:
		for _, c := range expr.Children {
			b, err := e.evalBool(c, ec)
			if err != nil {
				return nil, err
			}
			if b {
				return true, nil
			}
		}
		return false, nil
	case OpNot:
		b, err := e.evalBool(expr.Children[0], ec)
		if err != nil {
			return nil, err
		}
		return !b, nil
	case OpEq, OpNeq, OpGt, OpGte, OpLt, OpLte, OpContains, OpMatches:
		return e.evalCompare(expr, ec)
	case OpIn:
		return e.evalIn(expr, ec)
	case OpSemantic:
		return e.evalSemantic(expr, ec)
	case OpCall:
		return e.evalCall(expr, ec)
	default:
		return nil, fmt.Errorf("rule: unknown op %q", expr.Op)
	}
}

func (e *Engine) evalIn(expr *Expr, ec *EvalContext) (bool, error) {
	lhs, err := e.eval(expr.Children[0], ec)
	if err != nil {
		return false, err
	}
	rhs, err := e.eval(expr.Children[1], ec)
	if err != nil {
		return false, err
	}
	list, ok := rhs.([]interface{})
	if !ok {
		return false, fmt.Errorf("%w: in requires a list on the right-hand side", ErrTypeMismatch)
	}
	for _, item := range list {
		if fmt.Sprint(item) == fmt.Sprint(lhs) {
			return true, nil
		}
	}
	return false, nil
}

// evalCall dispatches a builtin function-call node: state.get, counter,
// time_since, has_active_event, event_in_state. Each requires ec.State;
// its absence is an ErrStateAccess, not a silent falsy value.
func (e *Engine) evalCall(expr *Expr, ec *EvalContext) (interface{}, error) {
	args := make([]interface{}, len(expr.Children))
	for i, c := range expr.Children {
		v, err := e.eval(c, ec)
		if err != nil {
			return nil, err
		}
		args[i] = v
	}
	if ec.State == nil {
		return nil, fmt.Errorf("%w: %s called with no state query configured", ErrStateAccess, expr.Func)
	}
	switch expr.Func {
	case FuncStateGet:
		key, err := argString(args, 0)
		if err != nil {
			return nil, err
		}
		v, ok, err := ec.State.Get(key)
		if err != nil {
			return nil, fmt.Errorf("%w: state.get(%s): %s", ErrStateAccess, key, err)
		}
		if !ok {
			return nil, nil
		}
		return v, nil
	case FuncCounter:
		key, err := argString(args, 0)
		if err != nil {
			return nil, err
		}
		v, err := ec.State.Counter(key)
		if err != nil {
			return nil, fmt.Errorf("%w: counter(%s): %s", ErrStateAccess, key, err)
		}
		return float64(v), nil
	case FuncTimeSince:
		key, err := argString(args, 0)
		if err != nil {
			return nil, err
		}
		d, ok, err := ec.State.TimeSince(key)
		if err != nil {
			return nil, fmt.Errorf("%w: time_since(%s): %s", ErrStateAccess, key, err)
		}
		if !ok {
			return nil, nil
		}
		return d.Seconds(), nil
	case FuncHasActiveEvent:
		eventType, err := argString(args, 0)
		if err != nil {
			return nil, err
		}
		label := ""
		if len(args) > 1 {
			label, _ = args[1].(string)
		}
		v, err := ec.State.HasActiveEvent(eventType, label)
		if err != nil {
			return nil, fmt.Errorf("%w: has_active_event(%s): %s", ErrStateAccess, eventType, err)
		}
		return v, nil
	case FuncEventInState:
		fp, err := argString(args, 0)
		if err != nil {
			return nil, err
		}
		state, err := argString(args, 1)
		if err != nil {
			return nil, err
		}
		v, err := ec.State.EventInState(fp, state)
		if err != nil {
			return nil, fmt.Errorf("%w: event_in_state(%s): %s", ErrStateAccess, fp, err)
		}
		return v, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUndefinedFunction, expr.Func)
	}
}

func argString(args []interface{}, i int) (string, error) {
	if i >= len(args) {
		return "", fmt.Errorf("%w: missing argument %d", ErrEvaluation, i)
	}
	s, ok := args[i].(string)
	if !ok {
		return "", fmt.Errorf("%w: argument %d must be a string, got %T", ErrTypeMismatch, i, args[i])
	}
	return s, nil
}

func (e *Engine) evalCompare(expr *Expr, ec *EvalContext) (bool, error) {
	lhs, err := e.eval(expr.Children[0], ec)
	if err != nil {
		return false, err
	}
	rhs, err := e.eval(expr.Children[1], ec)
	if err != nil {
		return false, err
	}

	switch expr.Op {
	case OpEq:
		return fmt.Sprint(lhs) == fmt.Sprint(rhs), nil
	case OpNeq:
		return fmt.Sprint(lhs) != fmt.Sprint(rhs), nil
	case OpContains:
		ls, ok1 := lhs.(string)
		rs, ok2 := rhs.(string)
		if !ok1 || !ok2 {
			return false, fmt.Errorf("%w: contains requires strings", ErrTypeMismatch)
		}
		return containsSubstring(ls, rs), nil
	case OpMatches:
		ls, ok1 := lhs.(string)
		rs, ok2 := rhs.(string)
		if !ok1 || !ok2 {
			return false, fmt.Errorf("%w: matches requires strings", ErrTypeMismatch)
		}
		re, err := regexp.Compile(rs)
		if err != nil {
			return false, fmt.Errorf("rule: invalid regex %q: %w", rs, err)
		}
		return re.MatchString(ls), nil
	default:
		lf, ok1 := toFloat(lhs)
		rf, ok2 := toFloat(rhs)
		if !ok1 || !ok2 {
			return false, fmt.Errorf("%w: numeric comparison requires numbers", ErrTypeMismatch)
		}
		switch expr.Op {
		case OpGt:
			return lf > rf, nil
		case OpGte:
			return lf >= rf, nil
		case OpLt:
			return lf < rf, nil
		case OpLte:
			return lf <= rf, nil
		}
		return false, fmt.Errorf("rule: unreachable comparison op %q", expr.Op)
	}
}

func (e *Engine) evalSemantic(expr *Expr, ec *EvalContext) (bool, error) {
	if ec.Embeddings == nil {
		return e.semanticPolicy == SemanticFailOpen, nil
	}
	v, ok := ec.Action.Get(expr.Field)
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownField, expr.Field)
	}
	text, ok := v.(string)
	if !ok {
		return false, fmt.Errorf("%w: semantic_match field must be a string", ErrTypeMismatch)
	}
	score, err := ec.Embeddings.Similarity(ec, text, expr.Reference)
	if err != nil {
		return false, fmt.Errorf("rule: embedding similarity failed: %w", err)
	}
	return score >= expr.Threshold, nil
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	default:
		return 0, false
	}
}

func containsSubstring(s, substr string) bool {
	return len(substr) == 0 || (len(s) >= len(substr) && indexOf(s, substr) >= 0)
}

func indexOf(s, substr string) int {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return i
		}
	}
	return -1
}

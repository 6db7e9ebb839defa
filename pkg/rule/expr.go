// Package rule implements the action gateway's rule engine: a compiled
// expression IR walked by a tree-evaluator, not a text-based CEL/Rego
// frontend (that concern is explicitly external — see RuleFrontend).
package rule

import (
	"fmt"
	"time"

	"github.com/jordigilh/actiongateway/pkg/core"
)

// Op identifies an Expr node's operation.
type Op string

const (
	OpAnd      Op = "and"
	OpOr       Op = "or"
	OpNot      Op = "not"
	OpEq       Op = "eq"
	OpNeq      Op = "neq"
	OpGt       Op = "gt"
	OpGte      Op = "gte"
	OpLt       Op = "lt"
	OpLte      Op = "lte"
	OpContains Op = "contains"
	OpMatches  Op = "matches" // regex match against a string field
	OpField    Op = "field"   // leaf: dotted path into ActionContext
	OpConst    Op = "const"   // leaf: literal value
	OpSemantic Op = "semantic_match" // leaf: embedding similarity against a reference
	OpCall     Op = "call"    // builtin function call: state.get, counter, time_since, has_active_event, event_in_state
	OpIn       Op = "in"      // membership: lhs in rhs (rhs must be a const list)
)

// Builtin function names recognized by OpCall nodes.
const (
	FuncStateGet        = "state.get"
	FuncCounter         = "counter"
	FuncTimeSince       = "time_since"
	FuncHasActiveEvent  = "has_active_event"
	FuncEventInState    = "event_in_state"
)

// Expr is a node in the compiled rule IR. Boolean/comparison nodes hold
// their operands in Children; leaf nodes (field, const, semantic_match)
// carry their payload in Field/Value/Threshold.
type Expr struct {
	Op       Op
	Children []*Expr

	// OpField
	Field string
	// OpConst
	Value interface{}
	// OpSemantic
	Reference string
	Threshold float64
	// OpCall
	Func string
}

// And builds a conjunction of operands.
func And(operands ...*Expr) *Expr { return &Expr{Op: OpAnd, Children: operands} }

// Or builds a disjunction of operands.
func Or(operands ...*Expr) *Expr { return &Expr{Op: OpOr, Children: operands} }

// Not negates operand.
func Not(operand *Expr) *Expr { return &Expr{Op: OpNot, Children: []*Expr{operand}} }

// Field references a dotted path into the ActionContext.
func Field(path string) *Expr { return &Expr{Op: OpField, Field: path} }

// Const wraps a literal value.
func Const(v interface{}) *Expr { return &Expr{Op: OpConst, Value: v} }

func cmp(op Op, lhs, rhs *Expr) *Expr { return &Expr{Op: op, Children: []*Expr{lhs, rhs}} }

// In builds an `lhs in rhs` membership test; rhs must evaluate to a slice.
func In(lhs, rhs *Expr) *Expr { return cmp(OpIn, lhs, rhs) }

// Call builds a builtin function-call node (see Func* constants).
func Call(fn string, args ...*Expr) *Expr { return &Expr{Op: OpCall, Func: fn, Children: args} }

// StateGet builds a `state.get(key)` builtin call.
func StateGet(key *Expr) *Expr { return Call(FuncStateGet, key) }

// Counter builds a `counter(key)` builtin call.
func Counter(key *Expr) *Expr { return Call(FuncCounter, key) }

// TimeSince builds a `time_since(key)` builtin call, returning seconds
// elapsed since the record at key was last written.
func TimeSince(key *Expr) *Expr { return Call(FuncTimeSince, key) }

// HasActiveEvent builds a `has_active_event(type, label?)` builtin call.
func HasActiveEvent(eventType *Expr, label *Expr) *Expr {
	if label == nil {
		return Call(FuncHasActiveEvent, eventType)
	}
	return Call(FuncHasActiveEvent, eventType, label)
}

// EventInState builds an `event_in_state(fingerprint, state)` builtin call.
func EventInState(fingerprint, state *Expr) *Expr {
	return Call(FuncEventInState, fingerprint, state)
}

func Eq(lhs, rhs *Expr) *Expr       { return cmp(OpEq, lhs, rhs) }
func Neq(lhs, rhs *Expr) *Expr      { return cmp(OpNeq, lhs, rhs) }
func Gt(lhs, rhs *Expr) *Expr       { return cmp(OpGt, lhs, rhs) }
func Gte(lhs, rhs *Expr) *Expr      { return cmp(OpGte, lhs, rhs) }
func Lt(lhs, rhs *Expr) *Expr       { return cmp(OpLt, lhs, rhs) }
func Lte(lhs, rhs *Expr) *Expr      { return cmp(OpLte, lhs, rhs) }
func Contains(lhs, rhs *Expr) *Expr { return cmp(OpContains, lhs, rhs) }
func Matches(lhs, rhs *Expr) *Expr  { return cmp(OpMatches, lhs, rhs) }

// SemanticMatch builds a leaf that scores a field's text against reference
// via an embedding EmbeddingProvider and compares the similarity to
// threshold.
func SemanticMatch(field, reference string, threshold float64) *Expr {
	return &Expr{Op: OpSemantic, Field: field, Reference: reference, Threshold: threshold}
}

func (e *Expr) String() string {
	switch e.Op {
	case OpField:
		return fmt.Sprintf("field(%s)", e.Field)
	case OpConst:
		return fmt.Sprintf("const(%v)", e.Value)
	case OpSemantic:
		return fmt.Sprintf("semantic_match(%s, %q, %.2f)", e.Field, e.Reference, e.Threshold)
	default:
		return fmt.Sprintf("%s(%v)", e.Op, e.Children)
	}
}

// EvalContext is what Evaluate needs beyond the Expr tree itself: the
// action context and the collaborators field/semantic/state leaves call
// out to.
type EvalContext struct {
	Action     *core.ActionContext
	Embeddings EmbeddingProvider
	Resources  ResourceLookup
	State      StateQuery
}

// StateQuery is the read-only view over live state the rule engine's
// state.get/counter/time_since/has_active_event/event_in_state builtins
// call out to. A RuleEngine used without one fails any rule that
// references a builtin with a StateAccess error.
type StateQuery interface {
	// Get returns the raw value stored at key, or ok=false if absent.
	Get(key string) (value string, ok bool, err error)
	// Counter returns the current value of the counter at key (0 if
	// never incremented).
	Counter(key string) (int64, error)
	// TimeSince returns how long ago the record at key was last written,
	// or ok=false if the key has never been written.
	TimeSince(key string) (elapsed time.Duration, ok bool, err error)
	// HasActiveEvent reports whether an event of eventType (optionally
	// filtered to label) is currently active.
	HasActiveEvent(eventType, label string) (bool, error)
	// EventInState reports whether the event identified by fingerprint is
	// currently in the named state.
	EventInState(fingerprint, state string) (bool, error)
}

// EmbeddingProvider scores semantic similarity between two strings. A
// RuleEngine configured without one treats semantic_match leaves per its
// configured fail-open/fail-closed policy.
type EmbeddingProvider interface {
	Similarity(ctx *EvalContext, text, reference string) (float64, error)
}

// ResourceLookup resolves external references a rule's field paths may
// indirect through (e.g. looking up a resource by ID referenced in the
// action payload). Optional; a RuleEngine configured without one simply
// never resolves such paths.
type ResourceLookup interface {
	Lookup(ctx *EvalContext, kind, id string) (map[string]interface{}, error)
}

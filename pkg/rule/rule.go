package rule

import (
	"encoding/json"
	"time"
)

// VerdictKind discriminates what a matched rule instructs the dispatch
// pipeline to do. This is the only place spec.md's Allow/Deny/Suppress/
// Reroute/Modify/Throttle/RequireApproval/Schedule/Group/StartChain
// vocabulary is chosen; the pipeline treats it as authoritative.
type VerdictKind string

const (
	// VerdictAllow (and the empty/unset Kind) lets the action proceed to
	// execution unchanged. It is also the implicit verdict when no rule
	// matches.
	VerdictAllow           VerdictKind = "allow"
	VerdictDeny            VerdictKind = "deny"
	VerdictSuppress        VerdictKind = "suppress"
	VerdictReroute         VerdictKind = "reroute"
	VerdictModify          VerdictKind = "modify"
	VerdictThrottle        VerdictKind = "throttle"
	VerdictRequireApproval VerdictKind = "require_approval"
	VerdictSchedule        VerdictKind = "schedule"
	VerdictGroup           VerdictKind = "group"
	VerdictStartChain      VerdictKind = "start_chain"
)

// RuleAction is the verdict a matched rule produces. Only the fields
// relevant to Kind are meaningful; Provider is also used as a purely
// descriptive label on Allow-like actions authored in tests and fixtures.
type RuleAction struct {
	Kind     VerdictKind       `json:"kind"`
	Provider string            `json:"provider,omitempty"`
	Params   map[string]string `json:"params,omitempty"`

	// VerdictModify
	Patch json.RawMessage `json:"patch,omitempty"`

	// VerdictThrottle
	ThrottleWindow time.Duration `json:"throttle_window,omitempty"`
	ThrottleLimit  int           `json:"throttle_limit,omitempty"`

	// VerdictRequireApproval
	ApprovalTimeout    time.Duration `json:"approval_timeout,omitempty"`
	ApprovalNotifyHook string        `json:"approval_notify_hook,omitempty"`

	// VerdictSchedule
	ScheduleDelay time.Duration `json:"schedule_delay,omitempty"`
	ScheduleCron  string        `json:"schedule_cron,omitempty"`

	// VerdictGroup
	GroupKey    string        `json:"group_key,omitempty"`
	GroupSize   int           `json:"group_size,omitempty"`
	GroupWindow time.Duration `json:"group_window,omitempty"`

	// VerdictStartChain
	ChainID string `json:"chain_id,omitempty"`
}

// RuleSource records where a rule's Expr tree originated, for audit and
// operator visibility — the gateway never parses this itself (see
// RuleFrontend); it only stores and displays it.
type RuleSource struct {
	Format string `json:"format"` // e.g. "yaml", "cel", "native"
	Text   string `json:"text,omitempty"`
}

// Rule binds a condition to a verdict, with metadata for the control
// interface (enable/disable, priority ordering).
type Rule struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Description string     `json:"description,omitempty"`
	Condition   *Expr      `json:"-"`
	Action      RuleAction `json:"action"`
	Source      RuleSource `json:"source,omitempty"`
	Priority    int        `json:"priority"`
	Enabled     bool       `json:"enabled"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// RuleFrontend compiles a rule-source document (YAML, CEL, ...) into an
// Expr tree. The gateway ships no concrete frontend — a bespoke text
// format or CEL/Rego compiler is an external collaborator wired in by the
// deployment, not a core-engine concern.
type RuleFrontend interface {
	Extensions() []string
	Parse(content []byte) ([]*Rule, error)
}

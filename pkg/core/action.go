// Package core defines the action-gateway's domain model: the Action
// submitted by callers, its Fingerprint and canonical key, the Outcome it
// resolves to, and the ActionContext rules evaluate against.
package core

import "time"

// Caller identifies who submitted an action, for audit threading.
type Caller struct {
	ID         string `json:"id"`
	AuthMethod string `json:"auth_method"`
}

// Attachment is an opaque named payload carried alongside an action
// (e.g. a rendered template, a screenshot reference).
type Attachment struct {
	Name        string `json:"name"`
	ContentType string `json:"content_type"`
	Data        []byte `json:"data"`
}

// ActionMetadata is caller-supplied context that rules and providers may
// read but the gateway never interprets itself.
type ActionMetadata map[string]string

// Action is a unit of work submitted to the gateway for dispatch.
type Action struct {
	ID          string         `json:"id"`
	Namespace   string         `json:"namespace"`
	Tenant      string         `json:"tenant"`
	Kind        string         `json:"kind"`
	Payload     []byte         `json:"payload"`
	Metadata    ActionMetadata `json:"metadata,omitempty"`
	Attachments []Attachment   `json:"attachments,omitempty"`
	Caller      *Caller        `json:"caller,omitempty"`
	SubmittedAt time.Time      `json:"submitted_at"`

	// Discriminator further partitions identical (namespace, tenant, kind)
	// actions into distinct state-key lineages (e.g. a target resource id).
	Discriminator string `json:"discriminator,omitempty"`
}

// ActionKey is the canonical identity an action's state, locks and audit
// trail are threaded under.
type ActionKey struct {
	Namespace     string
	Tenant        string
	ActionID      string
	Discriminator string
}

// KeyFor derives the canonical ActionKey for an action.
func KeyFor(a *Action) ActionKey {
	return ActionKey{
		Namespace:     a.Namespace,
		Tenant:        a.Tenant,
		ActionID:      a.ID,
		Discriminator: a.Discriminator,
	}
}

// Canonical renders the key as "namespace:tenant:action_id[:discriminator]",
// the form used for logging and as the native key in Redis/Postgres backends.
func (k ActionKey) Canonical() string {
	s := k.Namespace + ":" + k.Tenant + ":" + k.ActionID
	if k.Discriminator != "" {
		s += ":" + k.Discriminator
	}
	return s
}

func (k ActionKey) String() string {
	return k.Canonical()
}

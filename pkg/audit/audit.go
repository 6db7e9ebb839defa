// Package audit defines the AuditStore contract, the AuditRecord shape
// (including optional hash-chain fields for compliance mode), and the
// Audit error taxonomy. Grounds spec.md §4.9.
package audit

import (
	"context"
	"time"

	"github.com/jordigilh/actiongateway/pkg/core"
)

// Record is one dispatch's durable audit trail entry.
type Record struct {
	ID              string            `json:"id"`
	ActionID        string            `json:"action_id"`
	Namespace       string            `json:"namespace"`
	Tenant          string            `json:"tenant"`
	Provider        string            `json:"provider"`
	ActionKind      string            `json:"action_kind"`
	DispatchedAt    time.Time         `json:"dispatched_at"`
	CompletedAt     time.Time         `json:"completed_at"`
	Duration        time.Duration     `json:"duration_ns"`
	Verdict         string            `json:"verdict"`
	MatchedRule     string            `json:"matched_rule,omitempty"`
	OutcomeType     core.OutcomeType  `json:"outcome_type"`
	OutcomeSummary  string            `json:"outcome_summary,omitempty"`
	RedactedPayload []byte            `json:"redacted_payload,omitempty"`
	Caller          *core.Caller      `json:"caller,omitempty"`

	// Compliance mode (hash chain)
	SequenceNumber *uint64 `json:"sequence_number,omitempty"`
	PreviousHash   string  `json:"previous_hash,omitempty"`
	RecordHash     string  `json:"record_hash,omitempty"`
}

// Filter selects a subset of records for Query.
type Filter struct {
	Namespace  string
	Tenant     string
	Provider   string
	ActionID   string
	OutcomeType core.OutcomeType
	From       time.Time
	To         time.Time
}

// Page is a single page of a paginated Query result.
type Page struct {
	Records    []Record
	NextCursor string
}

// PageRequest bounds a Query call.
type PageRequest struct {
	Limit  int
	Cursor string
}

// VerifyResult is the outcome of walking a (namespace, tenant)'s hash chain.
type VerifyResult struct {
	Valid          bool
	RecordsChecked int
	FirstBrokenAt  string
}

// Store is the backend-agnostic persistence contract for audit records.
type Store interface {
	Record(ctx context.Context, rec Record) error
	GetByActionID(ctx context.Context, namespace, tenant, actionID string) ([]Record, error)
	GetByID(ctx context.Context, id string) (Record, error)
	Query(ctx context.Context, filter Filter, page PageRequest) (Page, error)
	CleanupExpired(ctx context.Context, olderThan time.Time) (int, error)
}

// ChainVerifier is implemented by stores that support compliance-mode hash
// chain verification.
type ChainVerifier interface {
	VerifyChain(ctx context.Context, namespace, tenant string, from, to *time.Time) (VerifyResult, error)
}

// Package pgaudit backs audit.Store with PostgreSQL via sqlx/pgx, with
// hash-chain columns supporting compliance-mode VerifyChain. Grounds
// spec.md §4.9's durable-store requirement against the teacher's own
// Postgres stack.
package pgaudit

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/jordigilh/actiongateway/pkg/audit"
	"github.com/jordigilh/actiongateway/pkg/core"
)

func itoa(n int) string { return strconv.Itoa(n) }

// Store is a Postgres-backed audit.Store.
type Store struct {
	db *sqlx.DB
}

// New wraps an existing *sqlx.DB. Run migrations (see pgaudit/migrations)
// before first use.
func New(db *sqlx.DB) *Store { return &Store{db: db} }

type row struct {
	ID              string         `db:"id"`
	ActionID        string         `db:"action_id"`
	Namespace       string         `db:"namespace"`
	Tenant          string         `db:"tenant"`
	Provider        string         `db:"provider"`
	ActionKind      string         `db:"action_kind"`
	DispatchedAt    time.Time      `db:"dispatched_at"`
	CompletedAt     time.Time      `db:"completed_at"`
	DurationNs      int64          `db:"duration_ns"`
	Verdict         string         `db:"verdict"`
	MatchedRule     sql.NullString `db:"matched_rule"`
	OutcomeType     string         `db:"outcome_type"`
	OutcomeSummary  sql.NullString `db:"outcome_summary"`
	RedactedPayload []byte         `db:"redacted_payload"`
	CallerJSON      sql.NullString `db:"caller"`
	SequenceNumber  sql.NullInt64  `db:"sequence_number"`
	PreviousHash    sql.NullString `db:"previous_hash"`
	RecordHash      sql.NullString `db:"record_hash"`
}

func toRow(rec audit.Record) row {
	r := row{
		ID:              rec.ID,
		ActionID:        rec.ActionID,
		Namespace:       rec.Namespace,
		Tenant:          rec.Tenant,
		Provider:        rec.Provider,
		ActionKind:      rec.ActionKind,
		DispatchedAt:    rec.DispatchedAt,
		CompletedAt:     rec.CompletedAt,
		DurationNs:      int64(rec.Duration),
		Verdict:         rec.Verdict,
		OutcomeType:     string(rec.OutcomeType),
		RedactedPayload: rec.RedactedPayload,
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if rec.MatchedRule != "" {
		r.MatchedRule = sql.NullString{String: rec.MatchedRule, Valid: true}
	}
	if rec.OutcomeSummary != "" {
		r.OutcomeSummary = sql.NullString{String: rec.OutcomeSummary, Valid: true}
	}
	if rec.Caller != nil {
		b, _ := json.Marshal(rec.Caller)
		r.CallerJSON = sql.NullString{String: string(b), Valid: true}
	}
	if rec.SequenceNumber != nil {
		r.SequenceNumber = sql.NullInt64{Int64: int64(*rec.SequenceNumber), Valid: true}
	}
	if rec.PreviousHash != "" {
		r.PreviousHash = sql.NullString{String: rec.PreviousHash, Valid: true}
	}
	if rec.RecordHash != "" {
		r.RecordHash = sql.NullString{String: rec.RecordHash, Valid: true}
	}
	return r
}

func fromRow(r row) audit.Record {
	rec := audit.Record{
		ID:              r.ID,
		ActionID:        r.ActionID,
		Namespace:       r.Namespace,
		Tenant:          r.Tenant,
		Provider:        r.Provider,
		ActionKind:      r.ActionKind,
		DispatchedAt:    r.DispatchedAt,
		CompletedAt:     r.CompletedAt,
		Duration:        time.Duration(r.DurationNs),
		Verdict:         r.Verdict,
		OutcomeType:     core.OutcomeType(r.OutcomeType),
		RedactedPayload: r.RedactedPayload,
	}
	if r.MatchedRule.Valid {
		rec.MatchedRule = r.MatchedRule.String
	}
	if r.OutcomeSummary.Valid {
		rec.OutcomeSummary = r.OutcomeSummary.String
	}
	if r.CallerJSON.Valid {
		var c core.Caller
		if err := json.Unmarshal([]byte(r.CallerJSON.String), &c); err == nil {
			rec.Caller = &c
		}
	}
	if r.SequenceNumber.Valid {
		v := uint64(r.SequenceNumber.Int64)
		rec.SequenceNumber = &v
	}
	if r.PreviousHash.Valid {
		rec.PreviousHash = r.PreviousHash.String
	}
	if r.RecordHash.Valid {
		rec.RecordHash = r.RecordHash.String
	}
	return rec
}

const insertSQL = `
INSERT INTO audit_records (
	id, action_id, namespace, tenant, provider, action_kind,
	dispatched_at, completed_at, duration_ns, verdict, matched_rule,
	outcome_type, outcome_summary, redacted_payload, caller,
	sequence_number, previous_hash, record_hash
) VALUES (
	:id, :action_id, :namespace, :tenant, :provider, :action_kind,
	:dispatched_at, :completed_at, :duration_ns, :verdict, :matched_rule,
	:outcome_type, :outcome_summary, :redacted_payload, :caller,
	:sequence_number, :previous_hash, :record_hash
)`

func (s *Store) Record(ctx context.Context, rec audit.Record) error {
	r := toRow(rec)
	_, err := s.db.NamedExecContext(ctx, insertSQL, r)
	if err != nil {
		return audit.ErrStorage
	}
	return nil
}

func (s *Store) GetByActionID(ctx context.Context, namespace, tenant, actionID string) ([]audit.Record, error) {
	var rows []row
	err := s.db.SelectContext(ctx, &rows,
		`SELECT * FROM audit_records WHERE namespace=$1 AND tenant=$2 AND action_id=$3 ORDER BY dispatched_at`,
		namespace, tenant, actionID)
	if err != nil {
		return nil, audit.ErrStorage
	}
	out := make([]audit.Record, len(rows))
	for i, r := range rows {
		out[i] = fromRow(r)
	}
	return out, nil
}

func (s *Store) GetByID(ctx context.Context, id string) (audit.Record, error) {
	var r row
	err := s.db.GetContext(ctx, &r, `SELECT * FROM audit_records WHERE id=$1`, id)
	if err == sql.ErrNoRows {
		return audit.Record{}, audit.ErrNotFound
	}
	if err != nil {
		return audit.Record{}, audit.ErrStorage
	}
	return fromRow(r), nil
}

func (s *Store) Query(ctx context.Context, filter audit.Filter, page audit.PageRequest) (audit.Page, error) {
	query := `SELECT * FROM audit_records WHERE 1=1`
	var args []interface{}
	arg := func(v interface{}) string {
		args = append(args, v)
		return "$" + itoa(len(args))
	}
	if filter.Namespace != "" {
		query += " AND namespace=" + arg(filter.Namespace)
	}
	if filter.Tenant != "" {
		query += " AND tenant=" + arg(filter.Tenant)
	}
	if filter.Provider != "" {
		query += " AND provider=" + arg(filter.Provider)
	}
	if filter.ActionID != "" {
		query += " AND action_id=" + arg(filter.ActionID)
	}
	if filter.OutcomeType != "" {
		query += " AND outcome_type=" + arg(string(filter.OutcomeType))
	}
	if !filter.From.IsZero() {
		query += " AND dispatched_at >= " + arg(filter.From)
	}
	if !filter.To.IsZero() {
		query += " AND dispatched_at <= " + arg(filter.To)
	}
	query += " ORDER BY dispatched_at"
	limit := page.Limit
	if limit <= 0 {
		limit = 100
	}
	query += " LIMIT " + arg(limit+1)

	var rows []row
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return audit.Page{}, audit.ErrStorage
	}

	out := audit.Page{}
	for i, r := range rows {
		if i == limit {
			out.NextCursor = rows[limit-1].ID
			break
		}
		out.Records = append(out.Records, fromRow(r))
	}
	return out, nil
}

func (s *Store) CleanupExpired(ctx context.Context, olderThan time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM audit_records WHERE dispatched_at < $1`, olderThan)
	if err != nil {
		return 0, audit.ErrStorage
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// VerifyChain recomputes the hash chain server-side in sequence_number
// order and reports the first broken link.
func (s *Store) VerifyChain(ctx context.Context, namespace, tenant string, from, to *time.Time) (audit.VerifyResult, error) {
	query := `SELECT * FROM audit_records WHERE namespace=$1 AND tenant=$2`
	args := []interface{}{namespace, tenant}
	if from != nil {
		args = append(args, *from)
		query += " AND dispatched_at >= $" + itoa(len(args))
	}
	if to != nil {
		args = append(args, *to)
		query += " AND dispatched_at <= $" + itoa(len(args))
	}
	query += " ORDER BY sequence_number"

	var rows []row
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return audit.VerifyResult{}, audit.ErrStorage
	}

	result := audit.VerifyResult{Valid: true, RecordsChecked: len(rows)}
	previousHash := ""
	for _, r := range rows {
		rec := fromRow(r)
		recomputed := recomputeHash(rec, previousHash)
		if recomputed != rec.RecordHash {
			result.Valid = false
			result.FirstBrokenAt = rec.ID
			return result, nil
		}
		previousHash = rec.RecordHash
	}
	return result, nil
}

func recomputeHash(rec audit.Record, previousHash string) string {
	rec.SequenceNumber = nil
	rec.PreviousHash = ""
	rec.RecordHash = ""
	canonical, _ := json.Marshal(rec)
	h := sha256.New()
	h.Write(canonical)
	h.Write([]byte(previousHash))
	return hex.EncodeToString(h.Sum(nil))
}

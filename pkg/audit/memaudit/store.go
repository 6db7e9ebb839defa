// Package memaudit is the in-memory reference implementation of
// audit.Store, used in tests and as the default backend when no external
// audit database is configured.
package memaudit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jordigilh/actiongateway/pkg/audit"
)

// Store is a mutex-guarded slice-backed audit.Store.
type Store struct {
	mu      sync.Mutex
	records []audit.Record
}

// New returns an empty Store.
func New() *Store { return &Store{} }

func (s *Store) Record(ctx context.Context, rec audit.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	s.records = append(s.records, rec)
	return nil
}

func (s *Store) GetByActionID(ctx context.Context, namespace, tenant, actionID string) ([]audit.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []audit.Record
	for _, r := range s.records {
		if r.Namespace == namespace && r.Tenant == tenant && r.ActionID == actionID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *Store) GetByID(ctx context.Context, id string) (audit.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.records {
		if r.ID == id {
			return r, nil
		}
	}
	return audit.Record{}, audit.ErrNotFound
}

func (s *Store) Query(ctx context.Context, filter audit.Filter, page audit.PageRequest) (audit.Page, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var matched []audit.Record
	for _, r := range s.records {
		if !matches(r, filter) {
			continue
		}
		matched = append(matched, r)
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].DispatchedAt.Before(matched[j].DispatchedAt) })

	start := 0
	if page.Cursor != "" {
		for i, r := range matched {
			if r.ID == page.Cursor {
				start = i + 1
				break
			}
		}
	}
	limit := page.Limit
	if limit <= 0 || limit > len(matched)-start {
		limit = len(matched) - start
	}
	if start > len(matched) {
		start = len(matched)
	}
	end := start + limit
	if end > len(matched) {
		end = len(matched)
	}
	result := matched[start:end]

	out := audit.Page{Records: result}
	if end < len(matched) {
		out.NextCursor = result[len(result)-1].ID
	}
	return out, nil
}

func matches(r audit.Record, f audit.Filter) bool {
	if f.Namespace != "" && r.Namespace != f.Namespace {
		return false
	}
	if f.Tenant != "" && r.Tenant != f.Tenant {
		return false
	}
	if f.Provider != "" && r.Provider != f.Provider {
		return false
	}
	if f.ActionID != "" && r.ActionID != f.ActionID {
		return false
	}
	if f.OutcomeType != "" && r.OutcomeType != f.OutcomeType {
		return false
	}
	if !f.From.IsZero() && r.DispatchedAt.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && r.DispatchedAt.After(f.To) {
		return false
	}
	return true
}

func (s *Store) CleanupExpired(ctx context.Context, olderThan time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var kept []audit.Record
	removed := 0
	for _, r := range s.records {
		if r.DispatchedAt.Before(olderThan) {
			removed++
			continue
		}
		kept = append(kept, r)
	}
	s.records = kept
	return removed, nil
}

// VerifyChain recomputes the hash chain for (namespace, tenant) in
// dispatch order and reports the first broken link, implementing
// audit.ChainVerifier directly since this backend already holds full
// history in process memory.
func (s *Store) VerifyChain(ctx context.Context, namespace, tenant string, from, to *time.Time) (audit.VerifyResult, error) {
	s.mu.Lock()
	var chain []audit.Record
	for _, r := range s.records {
		if r.Namespace != namespace || r.Tenant != tenant {
			continue
		}
		if from != nil && r.DispatchedAt.Before(*from) {
			continue
		}
		if to != nil && r.DispatchedAt.After(*to) {
			continue
		}
		chain = append(chain, r)
	}
	s.mu.Unlock()

	sort.Slice(chain, func(i, j int) bool {
		si, sj := chain[i].SequenceNumber, chain[j].SequenceNumber
		if si == nil || sj == nil {
			return chain[i].DispatchedAt.Before(chain[j].DispatchedAt)
		}
		return *si < *sj
	})

	result := audit.VerifyResult{Valid: true, RecordsChecked: len(chain)}
	for _, rec := range chain {
		recomputed := recomputeHash(rec)
		if recomputed != rec.RecordHash {
			result.Valid = false
			result.FirstBrokenAt = rec.ID
			return result, nil
		}
	}
	return result, nil
}

func recomputeHash(rec audit.Record) string {
	previousHash := rec.PreviousHash
	rec.SequenceNumber = nil
	rec.PreviousHash = ""
	rec.RecordHash = ""
	canonical, _ := json.Marshal(rec)
	h := sha256.New()
	h.Write(canonical)
	h.Write([]byte(previousHash))
	return hex.EncodeToString(h.Sum(nil))
}

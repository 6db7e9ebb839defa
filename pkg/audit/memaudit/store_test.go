package memaudit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jordigilh/actiongateway/pkg/audit"
)

func TestStoreRecordAndQuery(t *testing.T) {
	s := New()
	ctx := context.Background()

	require.NoError(t, s.Record(ctx, audit.Record{ActionID: "a1", Namespace: "ns", Tenant: "t1", DispatchedAt: time.Now()}))
	require.NoError(t, s.Record(ctx, audit.Record{ActionID: "a2", Namespace: "ns", Tenant: "t1", DispatchedAt: time.Now()}))
	require.NoError(t, s.Record(ctx, audit.Record{ActionID: "a3", Namespace: "ns", Tenant: "t2", DispatchedAt: time.Now()}))

	page, err := s.Query(ctx, audit.Filter{Namespace: "ns", Tenant: "t1"}, audit.PageRequest{})
	require.NoError(t, err)
	assert.Len(t, page.Records, 2)

	recs, err := s.GetByActionID(ctx, "ns", "t1", "a1")
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}

func TestVerifyChainDetectsTamper(t *testing.T) {
	s := New()
	ctx := context.Background()
	rec := audit.NewRecorder(s, audit.WithCompliance(false))

	for i := 0; i < 3; i++ {
		require.NoError(t, rec.Record(ctx, audit.Record{
			ActionID: "a", Namespace: "ns", Tenant: "t1",
			DispatchedAt: time.Now(), Verdict: "allow",
		}))
	}
	rec.Shutdown(ctx, time.Second)

	result, err := s.VerifyChain(ctx, "ns", "t1", nil, nil)
	require.NoError(t, err)
	assert.True(t, result.Valid)
	assert.Equal(t, 3, result.RecordsChecked)

	page, err := s.Query(ctx, audit.Filter{Namespace: "ns", Tenant: "t1"}, audit.PageRequest{})
	require.NoError(t, err)
	require.Len(t, page.Records, 3)
	page.Records[1].Verdict = "tampered"
	s.mu.Lock()
	for i, r := range s.records {
		if r.ID == page.Records[1].ID {
			s.records[i].Verdict = "tampered"
		}
	}
	s.mu.Unlock()

	result, err = s.VerifyChain(ctx, "ns", "t1", nil, nil)
	require.NoError(t, err)
	assert.False(t, result.Valid)
	assert.Equal(t, page.Records[1].ID, result.FirstBrokenAt)
}

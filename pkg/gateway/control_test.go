package gateway

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jordigilh/actiongateway/pkg/approval"
	"github.com/jordigilh/actiongateway/pkg/audit"
	"github.com/jordigilh/actiongateway/pkg/audit/memaudit"
	"github.com/jordigilh/actiongateway/pkg/breaker"
	"github.com/jordigilh/actiongateway/pkg/core"
	"github.com/jordigilh/actiongateway/pkg/provider"
	"github.com/jordigilh/actiongateway/pkg/rule"
)

// fakeFrontend treats every byte of a rule file's content as a literal rule
// name and compiles it into an always-matching Allow rule, standing in for
// a real YAML/CEL RuleFrontend in control-plane tests.
type fakeFrontend struct{}

func (fakeFrontend) Extensions() []string { return []string{"rule"} }

func (fakeFrontend) Parse(content []byte) ([]*rule.Rule, error) {
	name := string(content)
	return []*rule.Rule{{
		ID: name, Name: name, Priority: 1, Enabled: true,
		Condition: rule.Const(true),
		Action:    rule.RuleAction{Kind: rule.VerdictAllow},
	}}, nil
}

func TestReloadRulesCompilesEveryMatchingFile(t *testing.T) {
	gw, _ := newTestGateway(t)
	gw.RegisterFrontend(fakeFrontend{})

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.rule"), []byte("rule-a"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.rule"), []byte("rule-b"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ignored.txt"), []byte("noise"), 0o644))

	require.NoError(t, gw.ReloadRules(dir))

	names := make(map[string]bool)
	for _, r := range gw.ListRules() {
		names[r.Name] = true
	}
	require.True(t, names["rule-a"])
	require.True(t, names["rule-b"])
	require.Len(t, gw.ListRules(), 2)
}

func TestEnableDisableRule(t *testing.T) {
	gw, p := newTestGateway(t)
	gw.engine.Load([]*rule.Rule{{
		ID: "deny-all", Name: "deny-all", Priority: 1, Enabled: true,
		Condition: rule.Const(true),
		Action:    rule.RuleAction{Kind: rule.VerdictDeny},
	}})

	require.True(t, gw.DisableRule("deny-all"))
	outcome, err := gw.Dispatch(context.Background(), testAction("webhook", "primary"))
	require.NoError(t, err)
	require.Equal(t, core.OutcomeSuccess, outcome.Type)
	require.Equal(t, 1, p.callCount())

	require.True(t, gw.EnableRule("deny-all"))
	outcome, err = gw.Dispatch(context.Background(), &core.Action{ID: "w2", Namespace: "ns1", Tenant: "t1", Kind: "webhook", Discriminator: "d2", Metadata: core.ActionMetadata{"provider": "primary"}})
	require.NoError(t, err)
	require.Equal(t, core.OutcomeSuppressed, outcome.Type)

	require.False(t, gw.EnableRule("does-not-exist"))
}

func TestDLQStatsAndDrainReflectExecutorFailures(t *testing.T) {
	gw, p := newTestGateway(t)
	p.fail = provider.NewError(provider.ErrConfiguration, "bad config", false)

	_, err := gw.Dispatch(context.Background(), testAction("webhook", "primary"))
	require.NoError(t, err)

	stats := gw.DLQStats()
	require.Equal(t, 1, stats.Length)

	entries := gw.DLQDrain()
	require.Len(t, entries, 1)
	require.Equal(t, "primary", entries[0].Provider)

	require.Equal(t, 0, gw.DLQStats().Length)
}

func TestListTripResetCircuitBreakers(t *testing.T) {
	gw, _ := newTestGateway(t)
	require.NoError(t, gw.TripCircuit("primary"))
	require.Equal(t, breaker.StateOpen, gw.ListCircuitBreakers()["primary"])

	gw.ResetCircuit("primary")
	require.Equal(t, breaker.StateClosed, gw.breakers.StateOf("primary"))
}

func TestMetricsSnapshotReportsProviderAndBacklog(t *testing.T) {
	gw, _ := newTestGateway(t)
	_, err := gw.Dispatch(context.Background(), testAction("webhook", "primary"))
	require.NoError(t, err)

	snap := gw.MetricsSnapshot()
	require.Contains(t, snap.Providers, "primary")
	require.Equal(t, uint64(1), snap.Providers["primary"].Successes)
}

func TestHealthCheckProvidersReportsEveryRegistered(t *testing.T) {
	gw, _ := newTestGateway(t)
	statuses := gw.HealthCheckProviders(context.Background())
	require.Len(t, statuses, 1)
	require.True(t, statuses[0].Healthy)
	require.Equal(t, "primary", statuses[0].Provider)
}

func TestApproveRejectAndVerifyAuditChain(t *testing.T) {
	store := memaudit.New()
	providers := provider.NewRegistry()
	p := newFakeProvider("primary")
	providers.Register(p)

	gw := NewGatewayBuilder().
		WithProviders(providers).
		WithAuditStore(store, audit.WithMode(audit.Sync), audit.WithCompliance(true)).
		Build()
	gw.engine.Load([]*rule.Rule{{
		ID: "approve", Name: "approve", Priority: 1, Enabled: true,
		Condition: rule.Const(true),
		Action:    rule.RuleAction{Kind: rule.VerdictRequireApproval, ApprovalTimeout: time.Hour},
	}})

	outcome, err := gw.Dispatch(context.Background(), testAction("webhook", "primary"))
	require.NoError(t, err)
	require.Equal(t, core.OutcomePendingApproval, outcome.Type)

	require.NoError(t, gw.RejectAction(context.Background(), outcome.ApprovalID, "operator-1"))

	_, err = gw.ApproveAction(context.Background(), outcome.ApprovalID, "operator-1")
	require.ErrorIs(t, err, approval.ErrAlreadyDecided)

	result, err := gw.VerifyAuditChain(context.Background(), "ns1", "t1", nil, nil)
	require.NoError(t, err)
	require.True(t, result.Valid)
}

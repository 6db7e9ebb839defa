package gateway

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jordigilh/actiongateway/pkg/approval"
	"github.com/jordigilh/actiongateway/pkg/audit"
	"github.com/jordigilh/actiongateway/pkg/breaker"
	"github.com/jordigilh/actiongateway/pkg/core"
	"github.com/jordigilh/actiongateway/pkg/corestate"
	"github.com/jordigilh/actiongateway/pkg/deadletter"
	"github.com/jordigilh/actiongateway/pkg/executor"
	"github.com/jordigilh/actiongateway/pkg/provider"
	"github.com/jordigilh/actiongateway/pkg/rule"
)

// RegisterFrontend registers a RuleFrontend for every extension it
// declares, so ReloadRules can dispatch a rule-source file to the frontend
// that compiles it. The core ships no concrete frontend (see
// rule.RuleFrontend); a YAML or CEL compiler is wired in by the
// deployment.
func (g *Gateway) RegisterFrontend(f rule.RuleFrontend) {
	for _, ext := range f.Extensions() {
		g.frontends[strings.TrimPrefix(ext, ".")] = f
	}
}

// ReloadRules reads every rule-source file in dir, compiles each through
// its registered RuleFrontend (selected by extension) and atomically
// swaps the engine's rule set, per spec.md §9's "Rule sets are swapped
// atomically by rebuilding the ordered vector" design note.
func (g *Gateway) ReloadRules(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return newError(ErrConfiguration, "failed to read rules directory "+dir, err)
	}

	var all []*rule.Rule
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.TrimPrefix(filepath.Ext(entry.Name()), ".")
		frontend, ok := g.frontends[ext]
		if !ok {
			continue
		}
		content, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return newError(ErrConfiguration, "failed to read rule file "+entry.Name(), err)
		}
		rules, err := frontend.Parse(content)
		if err != nil {
			return newError(ErrConfiguration, "failed to parse rule file "+entry.Name(), err)
		}
		all = append(all, rules...)
	}

	g.engine.Load(all)
	g.log.Info("reloaded rules", "dir", dir, "count", len(all))
	return nil
}

// EnableRule flips a loaded rule's Enabled flag on.
func (g *Gateway) EnableRule(name string) bool {
	return g.engine.Enable(name) == nil
}

// DisableRule flips a loaded rule's Enabled flag off.
func (g *Gateway) DisableRule(name string) bool {
	return g.engine.Disable(name) == nil
}

// RuleSummary is one rule's control-plane-visible state, for list_rules.
type RuleSummary struct {
	ID       string
	Name     string
	Priority int
	Enabled  bool
	Kind     rule.VerdictKind
}

// ListRules reports every loaded rule in ascending priority order.
func (g *Gateway) ListRules() []RuleSummary {
	rules := g.engine.List()
	out := make([]RuleSummary, len(rules))
	for i, r := range rules {
		out[i] = RuleSummary{ID: r.ID, Name: r.Name, Priority: r.Priority, Enabled: r.Enabled, Kind: r.Action.Kind}
	}
	return out
}

// DLQStats reports the dead-letter sink's current depth and enabled
// status, for dlq_stats.
func (g *Gateway) DLQStats() deadletter.Stats {
	if g.deadLetter == nil {
		return deadletter.Stats{}
	}
	return g.deadLetter.Stats()
}

// DLQDrain atomically drains the dead-letter sink, for dlq_drain.
func (g *Gateway) DLQDrain() []deadletter.Entry {
	if g.deadLetter == nil {
		return nil
	}
	return g.deadLetter.Drain()
}

// ListCircuitBreakers reports every provider with a breaker and its
// current state, for list_circuit_breakers.
func (g *Gateway) ListCircuitBreakers() map[string]breaker.State {
	if g.breakers == nil {
		return nil
	}
	return g.breakers.List()
}

// TripCircuit forces a provider's breaker open, for operator intervention.
func (g *Gateway) TripCircuit(providerName string) error {
	if g.breakers == nil {
		return newError(ErrConfiguration, "no circuit breaker registry configured", nil)
	}
	return g.breakers.Trip(providerName)
}

// ResetCircuit replaces a provider's breaker with a fresh, closed one.
func (g *Gateway) ResetCircuit(providerName string) {
	if g.breakers == nil {
		return
	}
	g.breakers.Reset(providerName)
}

// MetricsSnapshot is the control interface's metrics_snapshot shape,
// aggregating per-provider executor stats with the DLQ and audit backlog
// depths named in spec.md §6.
type MetricsSnapshot struct {
	Providers    map[string]executor.Snapshot
	DLQDepth     int
	AuditBacklog int
}

// MetricsSnapshot builds a point-in-time view for the control interface.
func (g *Gateway) MetricsSnapshot() MetricsSnapshot {
	snap := MetricsSnapshot{Providers: g.executor.Stats().Snapshot()}
	if g.deadLetter != nil {
		snap.DLQDepth = g.deadLetter.Stats().Length
	}
	if g.recorder != nil {
		snap.AuditBacklog = g.recorder.QueueDepth()
	}
	return snap
}

// HealthCheckProviders runs every registered provider's HealthCheck
// concurrently and reports a status per provider.
func (g *Gateway) HealthCheckProviders(ctx context.Context) []provider.HealthStatus {
	if g.providers == nil {
		return nil
	}
	return g.providers.HealthCheckAll(ctx)
}

// ListProviderHealth is an alias for HealthCheckProviders kept distinct
// per spec.md §6's naming of two control operations
// (health_check_providers, list_provider_health) that share one
// implementation in this gateway: the former triggers a live probe, the
// latter is documented as returning the same shape from the most recent
// probe. Since HealthCheckAll always probes live, both resolve to the same
// call here.
func (g *Gateway) ListProviderHealth(ctx context.Context) []provider.HealthStatus {
	return g.HealthCheckProviders(ctx)
}

// ApproveAction transitions a pending approval to Approved and dispatches
// the held action through the pipeline. ErrApprovalNotFound or
// ErrApprovalAlreadyDecided surface as gateway.Error.
func (g *Gateway) ApproveAction(ctx context.Context, token, decidedBy string) (core.Outcome, error) {
	if g.approvals == nil {
		return core.Outcome{}, newError(ErrConfiguration, "no approval.Manager configured", nil)
	}
	rec, err := g.approvals.Approve(ctx, token, decidedBy)
	if err != nil {
		return core.Outcome{}, mapApprovalError(err)
	}
	// The approved action carries the same fingerprint as the dispatch that
	// originally produced the PendingApproval outcome; clear its dedup
	// marker so this re-entry into the pipeline isn't itself flagged as a
	// duplicate of the request that is only now being allowed to proceed.
	fp := core.ComputeFingerprint(rec.Action)
	_ = g.store.Delete(ctx, corestate.StateKey{Kind: corestate.KindDedup, ID: string(fp)})
	return g.Dispatch(ctx, rec.Action)
}

// RejectAction transitions a pending approval to Rejected without
// dispatching the held action.
func (g *Gateway) RejectAction(ctx context.Context, token, decidedBy string) error {
	if g.approvals == nil {
		return newError(ErrConfiguration, "no approval.Manager configured", nil)
	}
	_, err := g.approvals.Reject(ctx, token, decidedBy)
	if err != nil {
		return mapApprovalError(err)
	}
	return nil
}

func mapApprovalError(err error) error {
	switch err {
	case approval.ErrNotFound:
		return newError(ErrApprovalNotFound, "approval not found", err)
	case approval.ErrAlreadyDecided:
		return newError(ErrApprovalAlreadyDecided, "approval already decided", err)
	default:
		return err
	}
}

// VerifyAuditChain verifies the hash chain for (namespace, tenant), for
// compliance-mode operator tooling.
func (g *Gateway) VerifyAuditChain(ctx context.Context, namespace, tenant string, from, to *time.Time) (audit.VerifyResult, error) {
	if g.recorder == nil {
		return audit.VerifyResult{}, newError(ErrConfiguration, "no audit recorder configured", nil)
	}
	return g.recorder.VerifyChain(ctx, namespace, tenant, from, to)
}

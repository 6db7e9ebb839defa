package gateway

import (
	"context"

	"github.com/go-logr/logr"

	"github.com/jordigilh/actiongateway/pkg/approval"
	"github.com/jordigilh/actiongateway/pkg/audit"
	"github.com/jordigilh/actiongateway/pkg/audit/memaudit"
	"github.com/jordigilh/actiongateway/pkg/breaker"
	"github.com/jordigilh/actiongateway/pkg/chain"
	"github.com/jordigilh/actiongateway/pkg/corestate"
	"github.com/jordigilh/actiongateway/pkg/corestate/memstate"
	"github.com/jordigilh/actiongateway/pkg/deadletter"
	"github.com/jordigilh/actiongateway/pkg/executor"
	"github.com/jordigilh/actiongateway/pkg/group"
	"github.com/jordigilh/actiongateway/pkg/provider"
	"github.com/jordigilh/actiongateway/pkg/quota"
	"github.com/jordigilh/actiongateway/pkg/recurring"
	"github.com/jordigilh/actiongateway/pkg/rule"
	"github.com/jordigilh/actiongateway/pkg/scheduled"
)

// GatewayBuilder assembles a Gateway with sensible in-memory defaults for
// every collaborator, so callers (tests, cmd/gateway-service) only need to
// override the pieces they care about. The zero value is ready to use:
// NewGatewayBuilder().Build() returns a fully functional, entirely
// in-memory gateway.
type GatewayBuilder struct {
	cfg    Config
	log    logr.Logger
	store  corestate.StateStore
	lock   corestate.DistributedLock
	engine *rule.Engine

	providers *provider.Registry
	breakers  *breaker.Registry
	execCfg   executor.Config

	dlqCapacity int
	onDLQDrop   func(deadletter.Entry)

	quotaCheck *quota.Checker

	recorder       *audit.Recorder
	auditStore     audit.Store
	auditOpts      []audit.Option

	enableGroups    bool
	enableChains    bool
	enableApprovals bool
	enableScheduled bool
	enableRecurring bool

	enrichments []EnrichmentRule
	embeddings  rule.EmbeddingProvider
	resources   rule.ResourceLookup

	approvalNotify approval.NotifyHook
	groupNotify    func(ctx context.Context, g *group.EventGroup) error
}

// NewGatewayBuilder returns a builder with every optional subsystem
// enabled and in-memory defaults for state, locking and audit.
func NewGatewayBuilder() *GatewayBuilder {
	return &GatewayBuilder{
		cfg:             DefaultConfig(),
		log:             logr.Discard(),
		engine:          rule.NewEngine(),
		execCfg:         executor.DefaultConfig(),
		dlqCapacity:     1000,
		enableGroups:    true,
		enableChains:    true,
		enableApprovals: true,
		enableScheduled: true,
		enableRecurring: true,
	}
}

func (b *GatewayBuilder) WithConfig(cfg Config) *GatewayBuilder { b.cfg = cfg; return b }
func (b *GatewayBuilder) WithLogger(l logr.Logger) *GatewayBuilder { b.log = l; return b }
func (b *GatewayBuilder) WithStateStore(s corestate.StateStore) *GatewayBuilder { b.store = s; return b }
func (b *GatewayBuilder) WithLock(l corestate.DistributedLock) *GatewayBuilder { b.lock = l; return b }
func (b *GatewayBuilder) WithRuleEngine(e *rule.Engine) *GatewayBuilder { b.engine = e; return b }
func (b *GatewayBuilder) WithProviders(r *provider.Registry) *GatewayBuilder { b.providers = r; return b }
func (b *GatewayBuilder) WithBreakers(r *breaker.Registry) *GatewayBuilder { b.breakers = r; return b }
func (b *GatewayBuilder) WithExecutorConfig(c executor.Config) *GatewayBuilder { b.execCfg = c; return b }
func (b *GatewayBuilder) WithDLQCapacity(n int) *GatewayBuilder { b.dlqCapacity = n; return b }
func (b *GatewayBuilder) WithDLQDropHook(fn func(deadletter.Entry)) *GatewayBuilder { b.onDLQDrop = fn; return b }
func (b *GatewayBuilder) WithQuotaChecker(q *quota.Checker) *GatewayBuilder { b.quotaCheck = q; return b }
func (b *GatewayBuilder) WithAuditStore(s audit.Store, opts ...audit.Option) *GatewayBuilder {
	b.auditStore = s
	b.auditOpts = opts
	return b
}
func (b *GatewayBuilder) WithEnrichments(rules ...EnrichmentRule) *GatewayBuilder {
	b.enrichments = append(b.enrichments, rules...)
	return b
}
func (b *GatewayBuilder) WithEmbeddings(p rule.EmbeddingProvider) *GatewayBuilder { b.embeddings = p; return b }
func (b *GatewayBuilder) WithResourceLookup(r rule.ResourceLookup) *GatewayBuilder { b.resources = r; return b }

// WithApprovalNotify and WithGroupNotify wire the hooks a background
// processor built via Gateway.NewProcessor drives: the former delivers an
// approval request to its channel (Slack, email, ...), the latter delivers
// a flushed event group's batched notification.
func (b *GatewayBuilder) WithApprovalNotify(hook approval.NotifyHook) *GatewayBuilder {
	b.approvalNotify = hook
	return b
}
func (b *GatewayBuilder) WithGroupNotify(fn func(ctx context.Context, g *group.EventGroup) error) *GatewayBuilder {
	b.groupNotify = fn
	return b
}

// WithoutGroups/WithoutChains/WithoutApprovals/WithoutScheduled/
// WithoutRecurring disable the corresponding optional subsystem, so a
// Gateway built for a narrow test doesn't pay for coordinators it never
// exercises.
func (b *GatewayBuilder) WithoutGroups() *GatewayBuilder    { b.enableGroups = false; return b }
func (b *GatewayBuilder) WithoutChains() *GatewayBuilder    { b.enableChains = false; return b }
func (b *GatewayBuilder) WithoutApprovals() *GatewayBuilder { b.enableApprovals = false; return b }
func (b *GatewayBuilder) WithoutScheduled() *GatewayBuilder { b.enableScheduled = false; return b }
func (b *GatewayBuilder) WithoutRecurring() *GatewayBuilder { b.enableRecurring = false; return b }

// Build assembles the Gateway, defaulting every unset collaborator to an
// in-memory implementation.
func (b *GatewayBuilder) Build() *Gateway {
	store := b.store
	if store == nil {
		store = memstate.New()
	}
	lock := b.lock
	if lock == nil {
		if ms, ok := store.(*memstate.Store); ok {
			lock = memstate.NewLock(ms)
		}
	}

	providers := b.providers
	if providers == nil {
		providers = provider.NewRegistry()
	}
	breakers := b.breakers
	if breakers == nil {
		breakers = breaker.NewRegistry(breaker.DefaultSettings())
	}

	dlq := deadletter.New(b.dlqCapacity, b.onDLQDrop)
	exec := executor.New(b.execCfg, providers, breakers, dlq)

	var quotaCheck *quota.Checker
	if b.quotaCheck != nil {
		quotaCheck = b.quotaCheck
	} else {
		quotaCheck = quota.New(store)
	}

	var groups *group.Manager
	if b.enableGroups {
		groups = group.New()
	}
	var chains *chain.Coordinator
	if b.enableChains {
		chains = chain.New(store)
	}
	var approvals *approval.Manager
	if b.enableApprovals {
		approvals = approval.New(store)
	}
	var scheduledMgr *scheduled.Manager
	if b.enableScheduled {
		scheduledMgr = scheduled.New(store)
	}
	var recurringMgr *recurring.Manager
	if b.enableRecurring {
		recurringMgr = recurring.New(store)
	}

	auditStore := b.auditStore
	if auditStore == nil {
		auditStore = memaudit.New()
	}
	recorder := audit.NewRecorder(auditStore, append([]audit.Option{audit.WithLogger(b.log)}, b.auditOpts...)...)

	gw := NewGateway(b.cfg, b.log, store, lock, b.engine, providers, breakers, exec, dlq, quotaCheck, groups, chains, approvals, scheduledMgr, recurringMgr, recorder)
	gw.enrichments = b.enrichments
	gw.embeddings = b.embeddings
	gw.resources = b.resources
	gw.approvalNotify = b.approvalNotify
	gw.groupNotify = b.groupNotify
	return gw
}

// Package gateway implements the dispatch pipeline — the single
// authoritative sequence described by spec.md §4.7 — wiring together the
// state store, distributed lock, rule engine, quota checker, circuit
// breaker registry, retry executor, group manager, chain coordinator,
// approval manager and audit recorder into one Dispatch call. Grounds
// spec.md §4.7 and §6 (the Submit and Control interfaces).
package gateway

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-logr/logr"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jordigilh/actiongateway/pkg/approval"
	"github.com/jordigilh/actiongateway/pkg/audit"
	"github.com/jordigilh/actiongateway/pkg/breaker"
	"github.com/jordigilh/actiongateway/pkg/chain"
	"github.com/jordigilh/actiongateway/pkg/core"
	"github.com/jordigilh/actiongateway/pkg/corestate"
	"github.com/jordigilh/actiongateway/pkg/deadletter"
	"github.com/jordigilh/actiongateway/pkg/executor"
	"github.com/jordigilh/actiongateway/pkg/group"
	"github.com/jordigilh/actiongateway/pkg/metrics"
	"github.com/jordigilh/actiongateway/pkg/provider"
	"github.com/jordigilh/actiongateway/pkg/quota"
	"github.com/jordigilh/actiongateway/pkg/recurring"
	"github.com/jordigilh/actiongateway/pkg/rule"
	"github.com/jordigilh/actiongateway/pkg/scheduled"
	"github.com/jordigilh/actiongateway/pkg/shared/logging"
)

var tracer = otel.Tracer("actiongateway/gateway")

// Config tunes the pipeline's timing knobs. Values mirror the worked
// examples in spec.md §8.
type Config struct {
	DedupWindow         time.Duration
	LockTTL             time.Duration
	LockWaitTimeout      time.Duration
	EnrichmentTimeout    time.Duration
	DefaultApprovalTTL   time.Duration
}

// DefaultConfig returns conservative defaults.
func DefaultConfig() Config {
	return Config{
		DedupWindow:       5 * time.Second,
		LockTTL:           10 * time.Second,
		LockWaitTimeout:   2 * time.Second,
		EnrichmentTimeout: 2 * time.Second,
		DefaultApprovalTTL: time.Hour,
	}
}

// Gateway is the action gateway core: the dispatch pipeline plus the
// control-plane operations the HTTP/CLI/MCP surfaces (out of scope here)
// wrap. The zero value is not usable; construct via NewGateway or
// GatewayBuilder.
type Gateway struct {
	cfg Config
	log logr.Logger

	store       corestate.StateStore
	lock        corestate.DistributedLock
	engine      *rule.Engine
	providers   *provider.Registry
	breakers    *breaker.Registry
	executor    *executor.Executor
	deadLetter  *deadletter.Sink
	quotaCheck  *quota.Checker
	groups      *group.Manager
	chains      *chain.Coordinator
	approvals   *approval.Manager
	scheduledMgr *scheduled.Manager
	recurringMgr *recurring.Manager
	recorder    *audit.Recorder

	enrichments []EnrichmentRule
	embeddings  rule.EmbeddingProvider
	resources   rule.ResourceLookup

	frontends map[string]rule.RuleFrontend

	quotaScope func(*core.Action) string

	approvalNotify approval.NotifyHook
	groupNotify    func(ctx context.Context, g *group.EventGroup) error
}

// quotaScopeDefault derives the default quota scope key: one counter per
// (namespace, tenant, action_type).
func quotaScopeDefault(a *core.Action) string {
	return a.Namespace + ":" + a.Tenant + ":" + a.Kind
}

// NewGateway wires a Gateway from its required collaborators. Use
// GatewayBuilder for a fluent construction path with optional
// collaborators defaulted in.
func NewGateway(
	cfg Config,
	log logr.Logger,
	store corestate.StateStore,
	lock corestate.DistributedLock,
	engine *rule.Engine,
	providers *provider.Registry,
	breakers *breaker.Registry,
	exec *executor.Executor,
	dlq *deadletter.Sink,
	quotaCheck *quota.Checker,
	groups *group.Manager,
	chains *chain.Coordinator,
	approvals *approval.Manager,
	scheduledMgr *scheduled.Manager,
	recurringMgr *recurring.Manager,
	recorder *audit.Recorder,
) *Gateway {
	return &Gateway{
		cfg:          cfg,
		log:          log,
		store:        store,
		lock:         lock,
		engine:       engine,
		providers:    providers,
		breakers:     breakers,
		executor:     exec,
		deadLetter:   dlq,
		quotaCheck:   quotaCheck,
		groups:       groups,
		chains:       chains,
		approvals:    approvals,
		scheduledMgr: scheduledMgr,
		recurringMgr: recurringMgr,
		recorder:     recorder,
		frontends:    make(map[string]rule.RuleFrontend),
		quotaScope:   quotaScopeDefault,
	}
}

// dispatchState is the mutable bookkeeping threaded through one Dispatch
// call's steps, kept separate from core.ActionContext because it tracks
// pipeline-internal decisions (matched rule, reroute trail) rather than
// rule-visible state.
type dispatchState struct {
	ec             *core.ActionContext
	targetProvider string
	originalProvider string
	matchedRule    string
	verdictKind    rule.VerdictKind
	rerouted       bool
}

// Dispatch threads action through the pipeline, per spec.md §4.7, and
// returns exactly one Outcome plus (unless recording itself failed) one
// audit record write.
func (g *Gateway) Dispatch(ctx context.Context, action *core.Action) (core.Outcome, error) {
	dispatchedAt := time.Now()
	fp := core.ComputeFingerprint(action)

	ctx, span := tracer.Start(ctx, "gateway.Dispatch", trace.WithAttributes(
		attribute.String("namespace", action.Namespace),
		attribute.String("tenant", action.Tenant),
		attribute.String("action_kind", action.Kind),
		attribute.String("fingerprint", string(fp)),
	))
	defer span.End()

	ds := &dispatchState{
		ec: &core.ActionContext{Action: action, Fingerprint: fp, Now: dispatchedAt},
	}
	if action.Metadata != nil {
		if p, ok := action.Metadata["provider"]; ok {
			ds.targetProvider = p
		}
	}
	ds.originalProvider = ds.targetProvider

	outcome, auditErr := g.run(ctx, ds, fp)
	g.finishSpan(span, outcome)
	metrics.RecordDispatch(string(outcome.Type))

	rec := g.buildAuditRecord(action, ds, outcome, dispatchedAt)
	if g.recorder != nil {
		if err := g.recorder.Record(ctx, rec); err != nil && auditErr == nil {
			auditErr = err
		}
		metrics.SetAuditBacklog(g.recorder.QueueDepth())
	}
	return outcome, auditErr
}

func (g *Gateway) finishSpan(span trace.Span, outcome core.Outcome) {
	if outcome.Type == core.OutcomeFailure {
		span.SetStatus(codes.Error, outcome.Error.Error())
	} else {
		span.SetStatus(codes.Ok, string(outcome.Type))
	}
	span.SetAttributes(attribute.String("outcome", string(outcome.Type)))
}

// run executes steps 2-9 of the dispatch pipeline, returning the outcome
// to audit. It never itself writes the audit record — Dispatch does that
// uniformly for every return path.
func (g *Gateway) run(ctx context.Context, ds *dispatchState, fp core.Fingerprint) (core.Outcome, error) {
	lockKey := corestate.StateKey{Kind: corestate.KindLock, ID: string(fp)}
	guard, err := g.lock.TryAcquire(ctx, lockKey, g.cfg.LockTTL)
	if err != nil {
		if g.cfg.LockWaitTimeout > 0 {
			acquireCtx, cancel := context.WithTimeout(ctx, g.cfg.LockWaitTimeout)
			guard, err = g.lock.Acquire(acquireCtx, lockKey, g.cfg.LockTTL)
			cancel()
		}
		if err != nil {
			g.log.Error(err, "failed to acquire fingerprint lock", logging.NewFields().Component("gateway").Operation("dispatch").Resource("lock", string(fp)).ToKeysAndValues()...)
			return core.Failure(&core.ActionError{Code: "lock_failed", Message: err.Error(), Retryable: true}), nil
		}
	}
	defer func() {
		_ = guard.Release(context.Background())
	}()

	dedupKey := corestate.StateKey{Kind: corestate.KindDedup, ID: string(fp)}
	dedupVal := []byte(ds.ec.Now.Format(time.RFC3339Nano))
	if err := g.store.CheckAndSet(ctx, dedupKey, dedupVal, g.cfg.DedupWindow); err != nil {
		if err == corestate.ErrAlreadyExists {
			metrics.RecordDeduplicated()
			return core.Deduplicated(), nil
		}
		return core.Failure(&core.ActionError{Code: "dedup_failed", Message: err.Error(), Retryable: true}), nil
	}

	if err := g.enrich(ctx, ds.ec); err != nil {
		return core.Failure(&core.ActionError{Code: "enrichment", Message: err.Error(), Retryable: false}), nil
	}

	outcome, done, err := g.evaluateAndApplyVerdict(ctx, ds)
	if done || err != nil {
		return outcome, err
	}

	outcome, done = g.checkQuota(ctx, ds)
	if done {
		return outcome, nil
	}

	return g.executeWithCircuit(ctx, ds)
}

// evaluateAndApplyVerdict runs the rule engine and applies every verdict
// kind except Allow, which falls through to quota/execute. done=true means
// outcome is final and the pipeline stops here.
func (g *Gateway) evaluateAndApplyVerdict(ctx context.Context, ds *dispatchState) (core.Outcome, bool, error) {
	ec := &rule.EvalContext{
		Action:     ds.ec,
		Embeddings: g.embeddings,
		Resources:  g.resources,
		State:      newStateQuery(g.store),
	}
	matched, _, err := g.engine.Evaluate(ec)
	if err != nil {
		return core.Outcome{}, false, err
	}
	if matched == nil {
		return core.Outcome{}, false, nil
	}
	ds.matchedRule = matched.Name
	ds.verdictKind = matched.Action.Kind

	switch matched.Action.Kind {
	case rule.VerdictAllow:
		return core.Outcome{}, false, nil
	case rule.VerdictDeny, rule.VerdictSuppress:
		metrics.RecordSuppressed(matched.Name)
		return core.Suppressed(matched.Name), true, nil
	case rule.VerdictModify:
		if err := applyMergePatch(ds.ec.Action, matched.Action.Patch); err != nil {
			return core.Failure(&core.ActionError{Code: "modify_failed", Message: err.Error(), Retryable: false}), true, nil
		}
		return core.Outcome{}, false, nil
	case rule.VerdictReroute:
		ds.targetProvider = matched.Action.Provider
		ds.rerouted = true
		return core.Outcome{}, false, nil
	case rule.VerdictThrottle:
		return g.applyThrottle(ctx, ds, matched)
	case rule.VerdictSchedule:
		return g.applySchedule(ctx, ds, matched)
	case rule.VerdictRequireApproval:
		return g.applyApproval(ctx, ds, matched)
	case rule.VerdictGroup:
		return g.applyGroup(ds, matched)
	case rule.VerdictStartChain:
		return g.applyStartChain(ctx, ds, matched)
	default:
		return core.Outcome{}, false, nil
	}
}

func (g *Gateway) applyThrottle(ctx context.Context, ds *dispatchState, r *rule.Rule) (core.Outcome, bool, error) {
	scope := r.Name + ":" + ds.ec.Action.Namespace + ":" + ds.ec.Action.Tenant
	key := corestate.StateKey{Kind: corestate.KindCounter, ID: scope}
	count, err := g.store.Increment(ctx, key, 1, r.Action.ThrottleWindow)
	if err != nil {
		return core.Failure(&core.ActionError{Code: "throttle_failed", Message: err.Error(), Retryable: true}), true, nil
	}
	if count > int64(r.Action.ThrottleLimit) {
		metrics.RecordThrottled()
		return core.Throttled(r.Action.ThrottleWindow), true, nil
	}
	return core.Outcome{}, false, nil
}

func (g *Gateway) applySchedule(ctx context.Context, ds *dispatchState, r *rule.Rule) (core.Outcome, bool, error) {
	var fireAt time.Time
	if r.Action.ScheduleCron != "" {
		fireAt = ds.ec.Now.Add(time.Minute) // caller-supplied cron is handled via pkg/recurring; an ad hoc Schedule verdict fires once shortly.
	} else {
		fireAt = ds.ec.Now.Add(r.Action.ScheduleDelay)
	}
	if g.scheduledMgr == nil {
		return core.Failure(&core.ActionError{Code: "scheduling_unconfigured", Message: "no scheduled.Manager configured", Retryable: false}), true, nil
	}
	if _, err := g.scheduledMgr.Create(ctx, ds.ec.Action, fireAt); err != nil {
		return core.Failure(&core.ActionError{Code: "schedule_failed", Message: err.Error(), Retryable: true}), true, nil
	}
	metrics.RecordScheduled()
	return core.Scheduled(fireAt), true, nil
}

func (g *Gateway) applyApproval(ctx context.Context, ds *dispatchState, r *rule.Rule) (core.Outcome, bool, error) {
	if g.approvals == nil {
		return core.Failure(&core.ActionError{Code: "approval_unconfigured", Message: "no approval.Manager configured", Retryable: false}), true, nil
	}
	ttl := r.Action.ApprovalTimeout
	if ttl <= 0 {
		ttl = g.cfg.DefaultApprovalTTL
	}
	rec, err := g.approvals.Create(ctx, ds.ec.Action, r.Name, ttl)
	if err != nil {
		return core.Failure(&core.ActionError{Code: "approval_failed", Message: err.Error(), Retryable: true}), true, nil
	}
	metrics.RecordPendingApproval()
	return core.PendingApproval(rec.Token), true, nil
}

func (g *Gateway) applyGroup(ds *dispatchState, r *rule.Rule) (core.Outcome, bool, error) {
	if g.groups == nil {
		return core.Failure(&core.ActionError{Code: "group_unconfigured", Message: "no group.Manager configured", Retryable: false}), true, nil
	}
	eg := g.groups.Append(r.Action.GroupKey, string(ds.ec.Fingerprint), r.Action.GroupWindow, r.Action.GroupSize)
	return core.Grouped(eg.GroupID, eg.GroupKey), true, nil
}

func (g *Gateway) applyStartChain(ctx context.Context, ds *dispatchState, r *rule.Rule) (core.Outcome, bool, error) {
	if g.chains == nil {
		return core.Failure(&core.ActionError{Code: "chain_unconfigured", Message: "no chain.Coordinator configured", Retryable: false}), true, nil
	}
	chainID := r.Action.ChainID
	steps := []chain.Step{{ActionTemplate: ds.ec.Action, FailurePolicy: chain.FailurePolicy{Kind: chain.Abort}}}
	if _, err := g.chains.Start(ctx, chainID, ds.ec.Action.Namespace, ds.ec.Action.Tenant, steps, chain.FailurePolicy{Kind: chain.Abort}); err != nil {
		return core.Failure(&core.ActionError{Code: "chain_start_failed", Message: err.Error(), Retryable: true}), true, nil
	}
	metrics.RecordChainStarted()
	ch, err := g.chains.Advance(ctx, chainID, g.dispatchChainStep)
	if err != nil {
		return core.Failure(&core.ActionError{Code: "chain_advance_failed", Message: err.Error(), Retryable: true}), true, nil
	}
	g.recordChainTerminal(ch)
	if len(ch.Results) == 0 {
		return core.Failure(&core.ActionError{Code: "chain_no_result", Message: "chain advance produced no step result", Retryable: false}), true, nil
	}
	return ch.Results[0].Outcome, true, nil
}

// dispatchChainStep is the chain.DispatchFunc the coordinator calls for
// each step. It runs quota and circuit-breaker/execution only, skipping
// the lock/dedup/rule-evaluation stages: a chain step's action template
// was already accepted by the rule that started the chain (for the first
// step, it IS that action, still holding its own fingerprint lock), so
// re-entering the full Dispatch pipeline would both self-deadlock on that
// lock and dedup itself away.
func (g *Gateway) dispatchChainStep(ctx context.Context, action *core.Action) (core.Outcome, error) {
	ds := &dispatchState{ec: &core.ActionContext{Action: action, Fingerprint: core.ComputeFingerprint(action), Now: time.Now()}}
	if action.Metadata != nil {
		if p, ok := action.Metadata["provider"]; ok {
			ds.targetProvider = p
		}
	}
	ds.originalProvider = ds.targetProvider

	if outcome, done := g.checkQuota(ctx, ds); done {
		return outcome, nil
	}
	return g.executeWithCircuit(ctx, ds)
}

func (g *Gateway) recordChainTerminal(ch *chain.Chain) {
	switch ch.Status {
	case chain.Completed:
		metrics.RecordChainCompleted()
	case chain.Failed:
		metrics.RecordChainFailed()
	case chain.Cancelled:
		metrics.RecordChainCancelled()
	}
}

// checkQuota runs the quota step (spec.md §4.7 step 6). done=true means
// the pipeline stops (Block); Degrade mutates ds.targetProvider and lets
// the caller continue to execution.
func (g *Gateway) checkQuota(ctx context.Context, ds *dispatchState) (core.Outcome, bool) {
	if g.quotaCheck == nil {
		return core.Outcome{}, false
	}
	scope := g.quotaScope(ds.ec.Action)
	result, err := g.quotaCheck.Check(ctx, scope)
	if err != nil {
		return core.Failure(&core.ActionError{Code: "quota_check_failed", Message: err.Error(), Retryable: true}), true
	}
	switch {
	case !result.Allowed:
		metrics.RecordQuotaExceeded(scope)
		return core.QuotaExceeded(scope, result.RetryAfter), true
	case result.Behavior == quota.Warn:
		metrics.RecordQuotaWarned(scope)
		return core.Outcome{}, false
	case result.Behavior == quota.Degrade:
		metrics.RecordQuotaDegraded(scope)
		ds.targetProvider = result.FallbackProvider
		ds.rerouted = true
		return core.Outcome{}, false
	default:
		return core.Outcome{}, false
	}
}

// executeWithCircuit performs steps 7-8: the circuit-breaker check (with
// fallback reroute) and the executor handoff.
func (g *Gateway) executeWithCircuit(ctx context.Context, ds *dispatchState) (core.Outcome, error) {
	target := ds.targetProvider
	if target == "" {
		return core.Failure(&core.ActionError{Code: "provider_not_found", Message: "action carries no target provider", Retryable: false}), nil
	}

	if g.breakers != nil && g.breakers.StateOf(target) == breaker.StateOpen {
		fallback, ok := g.breakers.FallbackFor(target)
		if !ok {
			return core.Failure(&core.ActionError{Code: "circuit_open", Message: "circuit open for " + target, Retryable: true}), nil
		}
		metrics.RecordCircuitFallback(target, fallback)
		ds.originalProvider = target
		ds.targetProvider = fallback
		ds.rerouted = true
		target = fallback
	}

	outcome := g.executor.Submit(ctx, ds.ec.Action, target)
	if ds.rerouted && outcome.Type == core.OutcomeSuccess {
		metrics.RecordRerouted(ds.originalProvider, target)
		return core.Rerouted(ds.originalProvider, target, outcome.Response), nil
	}
	return outcome, nil
}

func (g *Gateway) buildAuditRecord(action *core.Action, ds *dispatchState, outcome core.Outcome, dispatchedAt time.Time) audit.Record {
	completedAt := time.Now()
	summary := string(outcome.Type)
	if outcome.Type == core.OutcomeFailure && outcome.Error != nil {
		summary = outcome.Error.Code + ": " + outcome.Error.Message
	}
	return audit.Record{
		ID:              action.ID + ":" + string(ds.ec.Fingerprint),
		ActionID:        action.ID,
		Namespace:       action.Namespace,
		Tenant:          action.Tenant,
		Provider:        ds.targetProvider,
		ActionKind:      action.Kind,
		DispatchedAt:    dispatchedAt,
		CompletedAt:     completedAt,
		Duration:        completedAt.Sub(dispatchedAt),
		Verdict:         string(ds.verdictKind),
		MatchedRule:     ds.matchedRule,
		OutcomeType:     outcome.Type,
		OutcomeSummary:  summary,
		RedactedPayload: redactPayload(action.Payload),
		Caller:          action.Caller,
	}
}

// DispatchBatch dispatches every action independently, preserving index
// order in the returned slice, per spec.md §6's dispatch_batch.
func (g *Gateway) DispatchBatch(ctx context.Context, actions []*core.Action) ([]core.Outcome, error) {
	out := make([]core.Outcome, len(actions))
	var firstErr error
	for i, a := range actions {
		outcome, err := g.Dispatch(ctx, a)
		out[i] = outcome
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return out, firstErr
}

func applyMergePatch(action *core.Action, patch json.RawMessage) error {
	if len(patch) == 0 {
		return nil
	}
	var base map[string]interface{}
	if len(action.Payload) > 0 {
		if err := json.Unmarshal(action.Payload, &base); err != nil {
			return err
		}
	} else {
		base = make(map[string]interface{})
	}
	var patchMap map[string]interface{}
	if err := json.Unmarshal(patch, &patchMap); err != nil {
		return err
	}
	mergeJSON(base, patchMap)
	merged, err := json.Marshal(base)
	if err != nil {
		return err
	}
	action.Payload = merged
	return nil
}

// mergeJSON applies an RFC 7386 JSON merge patch: a null value deletes the
// key, an object value merges recursively, anything else replaces it.
func mergeJSON(dst, patch map[string]interface{}) {
	for k, v := range patch {
		if v == nil {
			delete(dst, k)
			continue
		}
		if patchObj, ok := v.(map[string]interface{}); ok {
			dstObj, ok := dst[k].(map[string]interface{})
			if !ok {
				dstObj = make(map[string]interface{})
			}
			mergeJSON(dstObj, patchObj)
			dst[k] = dstObj
			continue
		}
		dst[k] = v
	}
}

// Package background runs the gateway's six sweep loops: group flush,
// chain advance, timeout expiry, approval-notification retry, the
// one-shot scheduled-action fire and the recurring scheduler. Grounds
// spec.md §4.9 ("Background Processor").
package background

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"

	"github.com/jordigilh/actiongateway/pkg/approval"
	"github.com/jordigilh/actiongateway/pkg/chain"
	"github.com/jordigilh/actiongateway/pkg/core"
	"github.com/jordigilh/actiongateway/pkg/group"
	"github.com/jordigilh/actiongateway/pkg/recurring"
	"github.com/jordigilh/actiongateway/pkg/scheduled"
	"github.com/jordigilh/actiongateway/pkg/shared/logging"
)

// Config tunes how often each sweep loop runs.
type Config struct {
	GroupFlushInterval    time.Duration
	ChainAdvanceInterval  time.Duration
	TimeoutExpiryInterval time.Duration
	ApprovalRetryInterval time.Duration
	ScheduledInterval     time.Duration
	RecurringInterval     time.Duration
}

// DefaultConfig returns conservative intervals suitable for production use.
func DefaultConfig() Config {
	return Config{
		GroupFlushInterval:    time.Second,
		ChainAdvanceInterval:  time.Second,
		TimeoutExpiryInterval: 5 * time.Second,
		ApprovalRetryInterval: 30 * time.Second,
		ScheduledInterval:     time.Second,
		RecurringInterval:     time.Second,
	}
}

// GroupNotifier delivers a flushed group's batched notification.
type GroupNotifier func(ctx context.Context, g *group.EventGroup) error

// RecurringDispatcher submits a fired recurring action through the
// dispatch pipeline.
type RecurringDispatcher func(ctx context.Context, action *core.Action) error

// ScheduledDispatcher submits a fired one-shot scheduled action through the
// dispatch pipeline.
type ScheduledDispatcher func(ctx context.Context, action *core.Action) error

// Processor supervises the background sweep loops against shared
// coordinators. The zero value is not usable; construct via New.
type Processor struct {
	cfg Config
	log logr.Logger

	groups    *group.Manager
	chains    *chain.Coordinator
	approvals *approval.Manager
	recurr    *recurring.Manager
	sched     *scheduled.Manager

	dispatchChainStep chain.DispatchFunc
	notifyGroup       GroupNotifier
	notifyApproval    approval.NotifyHook
	dispatchRecurring RecurringDispatcher
	dispatchScheduled ScheduledDispatcher

	now func() time.Time

	closing atomic.Bool
	wg      sync.WaitGroup
	stop    chan struct{}
}

// New constructs a Processor. Use WithScheduled to wire the one-shot
// scheduled-action sweep, kept out of this constructor's already-long
// positional argument list.
func New(
	cfg Config,
	log logr.Logger,
	groups *group.Manager,
	chains *chain.Coordinator,
	approvals *approval.Manager,
	recurr *recurring.Manager,
	dispatchChainStep chain.DispatchFunc,
	notifyGroup GroupNotifier,
	notifyApproval approval.NotifyHook,
	dispatchRecurring RecurringDispatcher,
) *Processor {
	return &Processor{
		cfg:               cfg,
		log:               log,
		groups:            groups,
		chains:            chains,
		approvals:         approvals,
		recurr:            recurr,
		dispatchChainStep: dispatchChainStep,
		notifyGroup:       notifyGroup,
		notifyApproval:    notifyApproval,
		dispatchRecurring: dispatchRecurring,
		now:               time.Now,
		stop:              make(chan struct{}),
	}
}

// WithScheduled wires the one-shot scheduled-action sweep: sched is the
// store-backed manager the Schedule verdict persisted entries into
// (pkg/gateway's applySchedule), dispatch resubmits a fired entry's action
// through the pipeline.
func (p *Processor) WithScheduled(sched *scheduled.Manager, dispatch ScheduledDispatcher) *Processor {
	p.sched = sched
	p.dispatchScheduled = dispatch
	return p
}

// Start launches each sweep loop in its own goroutine. It returns
// immediately; call Shutdown to stop.
func (p *Processor) Start(ctx context.Context) {
	p.runLoop(ctx, "group_flush", p.cfg.GroupFlushInterval, p.sweepGroups)
	p.runLoop(ctx, "chain_advance", p.cfg.ChainAdvanceInterval, p.sweepChains)
	p.runLoop(ctx, "timeout_expiry", p.cfg.TimeoutExpiryInterval, p.sweepTimeouts)
	p.runLoop(ctx, "approval_retry", p.cfg.ApprovalRetryInterval, p.sweepApprovalRetries)
	p.runLoop(ctx, "scheduled_fire", p.cfg.ScheduledInterval, p.sweepScheduled)
	p.runLoop(ctx, "recurring_scan", p.cfg.RecurringInterval, p.sweepRecurring)
}

func (p *Processor) runLoop(ctx context.Context, name string, interval time.Duration, sweep func(context.Context)) {
	p.log.V(1).Info("background loop starting", logging.NewFields().Component("background").Operation(name).ToKeysAndValues()...)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-p.stop:
				return
			case <-ticker.C:
				if p.closing.Load() {
					return
				}
				sweep(ctx)
			}
		}
	}()
}

func (p *Processor) sweepGroups(ctx context.Context) {
	if p.groups == nil {
		return
	}
	for _, g := range p.groups.GetReady() {
		flushed, ok := p.groups.Flush(g.GroupKey)
		if !ok {
			continue
		}
		if p.notifyGroup != nil {
			if err := p.notifyGroup(ctx, flushed); err != nil {
				p.log.Error(err, "group flush notification failed", logging.NewFields().Component("background").Resource("group", g.GroupKey).ToKeysAndValues()...)
				continue
			}
		}
		p.groups.Confirm(g.GroupKey)
	}
}

func (p *Processor) sweepChains(ctx context.Context) {
	if p.chains == nil || p.dispatchChainStep == nil {
		return
	}
	due, err := p.chains.DueChainIDs(ctx, p.now())
	if err != nil {
		p.log.Error(err, "chain due-scan failed", logging.NewFields().Component("background").ToKeysAndValues()...)
		return
	}
	for _, id := range due {
		if _, err := p.chains.Advance(ctx, id, p.dispatchChainStep); err != nil {
			p.log.Error(err, "chain advance failed", logging.NewFields().Component("background").Resource("chain", id).ToKeysAndValues()...)
		}
	}
}

func (p *Processor) sweepTimeouts(ctx context.Context) {
	if p.approvals == nil {
		return
	}
	if _, err := p.approvals.ExpireDue(ctx, p.now()); err != nil {
		p.log.Error(err, "approval timeout sweep failed", logging.NewFields().Component("background").ToKeysAndValues()...)
	}
}

func (p *Processor) sweepApprovalRetries(ctx context.Context) {
	if p.approvals == nil || p.notifyApproval == nil {
		return
	}
	if _, err := p.approvals.RetryPendingNotifications(ctx, p.notifyApproval); err != nil {
		p.log.Error(err, "approval notification retry failed", logging.NewFields().Component("background").ToKeysAndValues()...)
	}
}

func (p *Processor) sweepScheduled(ctx context.Context) {
	if p.sched == nil || p.dispatchScheduled == nil {
		return
	}
	now := p.now()
	due, err := p.sched.DueIDs(ctx, now)
	if err != nil {
		p.log.Error(err, "scheduled due-scan failed", logging.NewFields().Component("background").ToKeysAndValues()...)
		return
	}
	for _, id := range due {
		fired, err := p.sched.Claim(ctx, id)
		if err != nil {
			if err == scheduled.ErrNotFound {
				continue
			}
			p.log.Error(err, "scheduled claim failed", logging.NewFields().Component("background").Resource("scheduled", id).ToKeysAndValues()...)
			continue
		}
		if err := p.dispatchScheduled(ctx, fired.Action); err != nil {
			p.log.Error(err, "scheduled dispatch failed", logging.NewFields().Component("background").Resource("scheduled", id).ToKeysAndValues()...)
		}
	}
}

func (p *Processor) sweepRecurring(ctx context.Context) {
	if p.recurr == nil || p.dispatchRecurring == nil {
		return
	}
	now := p.now()
	due, err := p.recurr.DueIDs(ctx, now)
	if err != nil {
		p.log.Error(err, "recurring due-scan failed", logging.NewFields().Component("background").ToKeysAndValues()...)
		return
	}
	for _, id := range due {
		fired, err := p.recurr.Claim(ctx, id, now)
		if err != nil {
			if err == recurring.ErrConflict {
				continue
			}
			p.log.Error(err, "recurring claim failed", logging.NewFields().Component("background").Resource("recurring", id).ToKeysAndValues()...)
			continue
		}
		if err := p.dispatchRecurring(ctx, fired.ActionTemplate); err != nil {
			p.log.Error(err, "recurring dispatch failed", logging.NewFields().Component("background").Resource("recurring", id).ToKeysAndValues()...)
		}
	}
}

// Shutdown signals every loop to stop and waits, subject to ctx, for them
// to drain.
func (p *Processor) Shutdown(ctx context.Context) error {
	p.closing.Store(true)
	close(p.stop)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

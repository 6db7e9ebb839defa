package gateway

import (
	"context"

	"github.com/jordigilh/actiongateway/pkg/background"
	"github.com/jordigilh/actiongateway/pkg/core"
)

// NewProcessor builds a background.Processor wired to this Gateway's own
// coordinators, so its sweep loops resubmit fired groups, chain steps,
// scheduled and recurring actions through this same Dispatch pipeline.
// Coordinators Build disabled (WithoutGroups, WithoutChains, ...) are
// passed through as nil; background.Processor's sweep loops no-op on a
// nil coordinator.
func (g *Gateway) NewProcessor(cfg background.Config) *background.Processor {
	redispatch := func(ctx context.Context, action *core.Action) error {
		_, err := g.Dispatch(ctx, action)
		return err
	}

	p := background.New(
		cfg,
		g.log,
		g.groups,
		g.chains,
		g.approvals,
		g.recurringMgr,
		g.dispatchChainStep,
		g.groupNotify,
		g.approvalNotify,
		redispatch,
	)
	return p.WithScheduled(g.scheduledMgr, redispatch)
}

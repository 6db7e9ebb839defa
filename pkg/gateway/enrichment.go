package gateway

import (
	"context"
	"time"

	"github.com/jordigilh/actiongateway/pkg/core"
)

// EnrichmentFailurePolicy controls what happens when an enrichment lookup
// errors or times out.
type EnrichmentFailurePolicy int

const (
	// FailOpen continues the pipeline without the enrichment merged in.
	FailOpen EnrichmentFailurePolicy = iota
	// FailClosed yields Outcome::Failed(Enrichment).
	FailClosed
)

// ResourceLookup resolves an enrichment's templated params against an
// external collaborator (a resource API, a cache, ...).
type ResourceLookup interface {
	Lookup(ctx context.Context, action *core.Action, params map[string]string) (map[string]interface{}, error)
}

// EnrichmentRule is one configured enrichment: when Match reports true for
// an action, Lookup's result is merged into the action context at MergeKey.
type EnrichmentRule struct {
	Name     string
	Match    func(*core.Action) bool
	Params   map[string]string
	Lookup   ResourceLookup
	MergeKey string
	Timeout  time.Duration
	Policy   EnrichmentFailurePolicy
}

// enrich runs every configured rule matching action against ec, merging
// successful lookups into ec.Enrichment. A FailClosed rule's error is
// returned immediately; a FailOpen rule's error is swallowed and the
// pipeline proceeds without it.
func (g *Gateway) enrich(ctx context.Context, ec *core.ActionContext) error {
	for _, rule := range g.enrichments {
		if rule.Match != nil && !rule.Match(ec.Action) {
			continue
		}
		lookupCtx, cancel := context.WithTimeout(ctx, rule.Timeout)
		result, err := rule.Lookup.Lookup(lookupCtx, ec.Action, rule.Params)
		cancel()
		if err != nil {
			if rule.Policy == FailClosed {
				return newError(ErrEnrichment, "enrichment "+rule.Name+" failed", err)
			}
			g.log.V(1).Info("enrichment failed, continuing (fail-open)", "rule", rule.Name, "error", err.Error())
			continue
		}
		if ec.Enrichment == nil {
			ec.Enrichment = make(map[string]interface{})
		}
		ec.Enrichment[rule.MergeKey] = result
	}
	return nil
}

package core

import "time"

// ActionContext is the enriched view of an action a rule evaluates against:
// the action itself plus whatever the enrichment step attached (prior state,
// resource lookups, embeddings for semantic match).
type ActionContext struct {
	Action      *Action
	Fingerprint Fingerprint
	Now         time.Time

	// Enrichment attaches arbitrary key/value context gathered by the
	// dispatch pipeline's enrich step (e.g. resource lookups, prior state).
	Enrichment map[string]interface{}
}

// Get looks up an enrichment value, following a dotted path into nested
// maps (e.g. "resource.labels.team").
func (c *ActionContext) Get(path string) (interface{}, bool) {
	if c.Enrichment == nil {
		return nil, false
	}
	cur := interface{}(c.Enrichment)
	for _, seg := range splitPath(path) {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return nil, false
		}
		v, ok := m[seg]
		if !ok {
			return nil, false
		}
		cur = v
	}
	return cur, true
}

func splitPath(path string) []string {
	var segs []string
	start := 0
	for i := 0; i < len(path); i++ {
		if path[i] == '.' {
			segs = append(segs, path[start:i])
			start = i + 1
		}
	}
	segs = append(segs, path[start:])
	return segs
}

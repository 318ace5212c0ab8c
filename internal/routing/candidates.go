package routing

import (
	"sort"

	"github.com/tingly-dev/tingly-relay/internal/typ"
)

// BuildCandidates joins one model mapping with its provider edges. An edge
// survives when it is active, its provider is active, and both the provider
// ruleset and the edge ruleset pass. The result is sorted by priority, then
// edge id, and is safe to consume left to right.
//
// Model-level rules are not checked here; the gateway gates the whole
// mapping on them before candidates are built.
func BuildCandidates(mapping *typ.ModelMapping, edges []typ.ProviderMapping, providers map[string]*typ.Provider, ctx *Context) []typ.CandidateProvider {
	var out []typ.CandidateProvider
	for i := range edges {
		edge := &edges[i]
		if !edge.IsActive {
			continue
		}
		prov := providers[edge.ProviderID]
		if prov == nil || !prov.IsActive {
			continue
		}
		if !Evaluate(prov.Rules, ctx) || !Evaluate(edge.Rules, ctx) {
			continue
		}
		target := edge.TargetModelName
		if target == "" {
			target = mapping.RequestedModel
		}
		out = append(out, typ.CandidateProvider{
			MappingID:       edge.ID,
			RequestedModel:  mapping.RequestedModel,
			TargetModel:     target,
			Priority:        edge.Priority,
			Weight:          edge.Weight,
			MaxRetries:      edge.MaxRetries,
			RetryDelayMs:    edge.RetryDelayMs,
			Provider:        prov,
			ModelBilling:    mapping.Billing,
			ProviderBilling: edge.Billing,
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].MappingID < out[j].MappingID
	})
	return out
}

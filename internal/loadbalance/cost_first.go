package loadbalance

import (
	"sort"

	"github.com/tingly-dev/tingly-relay/internal/pricing"
	"github.com/tingly-dev/tingly-relay/internal/typ"
)

// CostFirst prices every candidate for the request's input and walks the
// classes of equal cost from cheapest up, round-robining inside a class.
// Pricing needs the input token count; without one the strategy degrades to
// priority order.
type CostFirst struct {
	counters counters
	fallback Priority
}

func (s *CostFirst) Select(cands []typ.CandidateProvider, model string, ex *Extras) *typ.CandidateProvider {
	return s.pick(cands, model, ex)
}

func (s *CostFirst) Next(cands []typ.CandidateProvider, model string, _ *typ.CandidateProvider, ex *Extras) *typ.CandidateProvider {
	return s.pick(cands, model, ex)
}

func (s *CostFirst) pick(cands []typ.CandidateProvider, model string, ex *Extras) *typ.CandidateProvider {
	if len(cands) == 0 {
		return nil
	}
	if ex == nil || ex.InputTokens <= 0 {
		return s.fallback.pick(cands, model, ex)
	}

	type priced struct {
		idx  int
		cost pricing.Money
	}
	list := make([]priced, len(cands))
	for i := range cands {
		rb := pricing.Resolve(cands[i].ModelBilling, cands[i].ProviderBilling)
		total := pricing.Calculate(rb, pricing.CostInput{InputTokens: ex.InputTokens, Images: ex.Images}).Total
		list[i] = priced{idx: i, cost: total}
	}
	sort.SliceStable(list, func(a, b int) bool { return list[a].cost.Cmp(list[b].cost) < 0 })

	for lo := 0; lo < len(list); {
		hi := lo
		for hi < len(list) && list[hi].cost.Cmp(list[lo].cost) == 0 {
			hi++
		}
		var untried []*typ.CandidateProvider
		for _, p := range list[lo:hi] {
			c := &cands[p.idx]
			if !ex.IsTried(c) {
				untried = append(untried, c)
			}
		}
		if len(untried) > 0 {
			n := s.counters.next(model + "#" + list[lo].cost.String())
			return untried[n%uint64(len(untried))]
		}
		lo = hi
	}
	return nil
}

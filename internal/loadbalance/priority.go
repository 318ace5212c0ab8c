package loadbalance

import (
	"fmt"
	"sort"

	"github.com/tingly-dev/tingly-relay/internal/typ"
)

// Priority buckets candidates by their priority value and round-robins
// inside the lowest bucket that still has untried candidates. Failover walks
// to the next bucket once a bucket is exhausted. The tried key is candidate
// identity, so two edges on the same provider burn independently.
type Priority struct {
	counters counters
}

func (p *Priority) Select(cands []typ.CandidateProvider, model string, ex *Extras) *typ.CandidateProvider {
	return p.pick(cands, model, ex)
}

func (p *Priority) Next(cands []typ.CandidateProvider, model string, _ *typ.CandidateProvider, ex *Extras) *typ.CandidateProvider {
	return p.pick(cands, model, ex)
}

func (p *Priority) pick(cands []typ.CandidateProvider, model string, ex *Extras) *typ.CandidateProvider {
	for _, b := range bucketByPriority(cands) {
		var untried []*typ.CandidateProvider
		for _, c := range b.items {
			if !ex.IsTried(c) {
				untried = append(untried, c)
			}
		}
		if len(untried) == 0 {
			continue
		}
		n := p.counters.next(fmt.Sprintf("%s#%d", model, b.priority))
		return untried[n%uint64(len(untried))]
	}
	return nil
}

type bucket struct {
	priority int
	items    []*typ.CandidateProvider
}

func bucketByPriority(cands []typ.CandidateProvider) []bucket {
	byPrio := make(map[int][]*typ.CandidateProvider)
	for i := range cands {
		byPrio[cands[i].Priority] = append(byPrio[cands[i].Priority], &cands[i])
	}
	out := make([]bucket, 0, len(byPrio))
	for prio, items := range byPrio {
		out = append(out, bucket{priority: prio, items: items})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].priority < out[j].priority })
	return out
}

// Package loadbalance picks the next candidate provider for a request.
// Strategies are long-lived: their per-model counters persist across
// requests so consecutive selections spread over the candidate list.
package loadbalance

import (
	"sync"

	"github.com/tingly-dev/tingly-relay/internal/typ"
)

// Extras carries the per-request inputs a strategy may need. Tried is
// maintained by the executor: every attempted candidate is marked before a
// failover selection runs.
type Extras struct {
	InputTokens int64
	Images      int64
	Tried       map[string]bool
}

// MarkTried records a candidate as attempted.
func (e *Extras) MarkTried(c *typ.CandidateProvider) {
	if e.Tried == nil {
		e.Tried = make(map[string]bool)
	}
	e.Tried[c.Identity()] = true
}

// IsTried reports whether a candidate was already attempted.
func (e *Extras) IsTried(c *typ.CandidateProvider) bool {
	return e != nil && e.Tried[c.Identity()]
}

// Strategy orders candidates for one logical model. Select picks the first
// attempt; Next picks a failover candidate and returns nil when every
// remaining candidate has been tried.
type Strategy interface {
	Select(cands []typ.CandidateProvider, model string, ex *Extras) *typ.CandidateProvider
	Next(cands []typ.CandidateProvider, model string, current *typ.CandidateProvider, ex *Extras) *typ.CandidateProvider
}

// counters hands out monotonic per-key sequence numbers.
type counters struct {
	mu sync.Mutex
	n  map[string]uint64
}

func (c *counters) next(key string) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.n == nil {
		c.n = make(map[string]uint64)
	}
	v := c.n[key]
	c.n[key]++
	return v
}

// Strategies is the long-lived set the gateway builds once at startup.
type Strategies struct {
	roundRobin *RoundRobin
	priority   *Priority
	costFirst  *CostFirst
}

func NewStrategies() *Strategies {
	return &Strategies{
		roundRobin: &RoundRobin{},
		priority:   &Priority{},
		costFirst:  &CostFirst{},
	}
}

// For maps a mapping's configured strategy name to its implementation.
func (s *Strategies) For(name typ.Strategy) Strategy {
	switch name {
	case typ.StrategyPriority:
		return s.priority
	case typ.StrategyCostFirst:
		return s.costFirst
	default:
		return s.roundRobin
	}
}

// RoundRobin cycles through the candidate list with one counter per model.
type RoundRobin struct {
	counters counters
}

func (r *RoundRobin) Select(cands []typ.CandidateProvider, model string, _ *Extras) *typ.CandidateProvider {
	if len(cands) == 0 {
		return nil
	}
	n := r.counters.next(model)
	return &cands[n%uint64(len(cands))]
}

// Next rotates past current, skipping candidates the executor already tried.
func (r *RoundRobin) Next(cands []typ.CandidateProvider, model string, current *typ.CandidateProvider, ex *Extras) *typ.CandidateProvider {
	if len(cands) == 0 {
		return nil
	}
	start := 0
	if current != nil {
		for i := range cands {
			if cands[i].Identity() == current.Identity() {
				start = i
				break
			}
		}
	}
	for i := 1; i <= len(cands); i++ {
		c := &cands[(start+i)%len(cands)]
		if ex.IsTried(c) {
			continue
		}
		return c
	}
	return nil
}

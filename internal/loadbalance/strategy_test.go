package loadbalance

import (
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tingly-dev/tingly-relay/internal/typ"
)

func cand(id string, prio int, inputPrice int64) typ.CandidateProvider {
	return typ.CandidateProvider{
		MappingID:      id,
		RequestedModel: "m",
		TargetModel:    "t-" + id,
		Priority:       prio,
		Provider:       &typ.Provider{ID: "prov-" + id, IsActive: true},
		ProviderBilling: &typ.BillingConfig{
			Mode:       typ.BillingModeTokenFlat,
			InputPrice: decimal.NewFromInt(inputPrice),
		},
	}
}

func TestRoundRobinSelectCycles(t *testing.T) {
	rr := &RoundRobin{}
	cands := []typ.CandidateProvider{cand("a", 0, 0), cand("b", 0, 0), cand("c", 0, 0)}

	var got []string
	for i := 0; i < 4; i++ {
		got = append(got, rr.Select(cands, "m1", nil).MappingID)
	}
	assert.Equal(t, []string{"a", "b", "c", "a"}, got)

	assert.Equal(t, "a", rr.Select(cands, "m2", nil).MappingID, "counters are per model")
	assert.Nil(t, rr.Select(nil, "m1", nil))
}

func TestRoundRobinConcurrentSpread(t *testing.T) {
	rr := &RoundRobin{}
	cands := []typ.CandidateProvider{cand("a", 0, 0), cand("b", 0, 0), cand("c", 0, 0), cand("d", 0, 0)}

	var (
		mu     sync.Mutex
		picked = make(map[string]int)
		wg     sync.WaitGroup
	)
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c := rr.Select(cands, "m", nil)
			mu.Lock()
			picked[c.MappingID]++
			mu.Unlock()
		}()
	}
	wg.Wait()

	for _, id := range []string{"a", "b", "c", "d"} {
		assert.InDelta(t, 25, picked[id], 8, "candidate %s share under concurrent selection", id)
	}
}

func TestRoundRobinNextSkipsTried(t *testing.T) {
	rr := &RoundRobin{}
	cands := []typ.CandidateProvider{cand("a", 0, 0), cand("b", 0, 0), cand("c", 0, 0)}

	ex := &Extras{}
	ex.MarkTried(&cands[0])
	ex.MarkTried(&cands[1])

	next := rr.Next(cands, "m", &cands[1], ex)
	require.NotNil(t, next)
	assert.Equal(t, "c", next.MappingID)

	ex.MarkTried(next)
	assert.Nil(t, rr.Next(cands, "m", next, ex), "exhausted list yields nil")
}

func TestPriorityBuckets(t *testing.T) {
	p := &Priority{}
	cands := []typ.CandidateProvider{cand("a", 0, 0), cand("b", 0, 0), cand("c", 1, 0)}

	assert.Equal(t, "a", p.Select(cands, "m", nil).MappingID)
	assert.Equal(t, "b", p.Select(cands, "m", nil).MappingID, "round robin inside the low bucket")
	assert.Equal(t, "a", p.Select(cands, "m", nil).MappingID)

	ex := &Extras{}
	ex.MarkTried(&cands[0])
	ex.MarkTried(&cands[1])
	next := p.Next(cands, "m", &cands[1], ex)
	require.NotNil(t, next)
	assert.Equal(t, "c", next.MappingID, "failover walks to the next bucket")

	ex.MarkTried(next)
	assert.Nil(t, p.Next(cands, "m", next, ex))
}

func TestPriorityTriesEdgesOnSameProviderIndependently(t *testing.T) {
	p := &Priority{}
	shared := &typ.Provider{ID: "prov-x", IsActive: true}
	cands := []typ.CandidateProvider{
		{MappingID: "e1", TargetModel: "fast", Priority: 0, Provider: shared},
		{MappingID: "e2", TargetModel: "slow", Priority: 0, Provider: shared},
	}

	ex := &Extras{}
	ex.MarkTried(&cands[0])
	next := p.Next(cands, "m", &cands[0], ex)
	require.NotNil(t, next)
	assert.Equal(t, "e2", next.MappingID, "identity includes the target model, not just the provider")
}

func TestCostFirstTieClassDistribution(t *testing.T) {
	cf := &CostFirst{}
	cands := []typ.CandidateProvider{cand("x", 0, 5), cand("y", 1, 1), cand("z", 1, 1)}
	ex := &Extras{InputTokens: 1_000_000}

	var got []string
	for i := 0; i < 4; i++ {
		got = append(got, cf.Select(cands, "m", ex).MappingID)
	}
	assert.Equal(t, []string{"y", "z", "y", "z"}, got, "equal prices round robin inside the tie class")
}

func TestCostFirstFailoverWalksClasses(t *testing.T) {
	cf := &CostFirst{}
	cands := []typ.CandidateProvider{cand("x", 0, 5), cand("y", 1, 1), cand("z", 1, 1)}
	ex := &Extras{InputTokens: 1_000_000}

	first := cf.Select(cands, "m", ex)
	require.NotNil(t, first)
	assert.Equal(t, "y", first.MappingID)

	ex.MarkTried(first)
	second := cf.Next(cands, "m", first, ex)
	require.NotNil(t, second)
	assert.Equal(t, "z", second.MappingID)

	ex.MarkTried(second)
	third := cf.Next(cands, "m", second, ex)
	require.NotNil(t, third)
	assert.Equal(t, "x", third.MappingID, "cheap class exhausted, move up")

	ex.MarkTried(third)
	assert.Nil(t, cf.Next(cands, "m", third, ex))
}

func TestCostFirstWithoutTokensUsesPriorityOrder(t *testing.T) {
	cf := &CostFirst{}
	cands := []typ.CandidateProvider{cand("x", 0, 5), cand("y", 1, 1), cand("z", 1, 1)}

	got := cf.Select(cands, "m", nil)
	require.NotNil(t, got)
	assert.Equal(t, "x", got.MappingID, "no input tokens means priority order, not price order")
}

func TestStrategiesFor(t *testing.T) {
	s := NewStrategies()
	assert.IsType(t, &RoundRobin{}, s.For(typ.StrategyRoundRobin))
	assert.IsType(t, &Priority{}, s.For(typ.StrategyPriority))
	assert.IsType(t, &CostFirst{}, s.For(typ.StrategyCostFirst))
	assert.IsType(t, &RoundRobin{}, s.For("unknown"))
}

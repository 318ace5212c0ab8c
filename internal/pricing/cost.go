package pricing

import (
	"github.com/shopspring/decimal"

	"github.com/tingly-dev/tingly-relay/internal/typ"
)

// CostInput carries the counts one finished attempt consumed. Cached counts
// are subsets of the corresponding totals and are clamped if a provider
// reports otherwise.
type CostInput struct {
	InputTokens        int64
	OutputTokens       int64
	CachedInputTokens  int64
	CachedOutputTokens int64
	Images             int64
}

// Cost is a priced attempt. InputCost and OutputCost are side totals; the
// cached components are the portions of those totals priced at cached rates.
type Cost struct {
	InputCost        Money
	OutputCost       Money
	CachedInputCost  Money
	CachedOutputCost Money
	Total            Money
	Source           PriceSource
}

// rates is the flattened price card a single computation runs on.
type rates struct {
	in, out             decimal.Decimal
	cacheEnabled        bool
	cachedIn, cachedOut *decimal.Decimal
}

// Calculate prices one attempt against a resolved billing layer.
func Calculate(rb ResolvedBilling, in CostInput) Cost {
	switch rb.Mode {
	case typ.BillingModePerRequest:
		return Cost{Total: Ceil(rb.PerRequestPrice), Source: rb.Source}
	case typ.BillingModePerImage:
		if in.Images <= 0 {
			return Cost{Source: rb.Source}
		}
		return Cost{Total: Ceil(decimal.NewFromInt(in.Images).Mul(rb.PerImagePrice)), Source: rb.Source}
	case typ.BillingModeTokenTiered:
		return tokenCosts(rb.tierRates(in.InputTokens), in, rb.Source)
	default:
		return tokenCosts(rb.flatRates(), in, rb.Source)
	}
}

func (rb ResolvedBilling) flatRates() rates {
	return rates{
		in:           rb.InputPrice,
		out:          rb.OutputPrice,
		cacheEnabled: rb.CacheBilling,
		cachedIn:     rb.CachedInputPrice,
		cachedOut:    rb.CachedOutputPrice,
	}
}

// tierRates overlays the selected tier on the flat card. Tier cached prices
// replace only the fields they set; unset ones keep the global cached price.
// A table that covers no tier at all falls back to the flat prices.
func (rb ResolvedBilling) tierRates(inputTokens int64) rates {
	r := rb.flatRates()
	tier := selectTier(rb.Tiers, inputTokens)
	if tier == nil {
		return r
	}
	r.in = tier.InputPrice
	r.out = tier.OutputPrice
	if tier.CachedInputPrice != nil {
		r.cachedIn = tier.CachedInputPrice
	}
	if tier.CachedOutputPrice != nil {
		r.cachedOut = tier.CachedOutputPrice
	}
	return r
}

func tokenCosts(r rates, in CostInput, src PriceSource) Cost {
	cachedIn, cachedOut := in.CachedInputTokens, in.CachedOutputTokens
	if !r.cacheEnabled {
		cachedIn, cachedOut = 0, 0
	}
	if cachedIn > in.InputTokens {
		cachedIn = in.InputTokens
	}
	if cachedOut > in.OutputTokens {
		cachedOut = in.OutputTokens
	}

	cachedInCost := TokenCost(cachedIn, priceOr(r.cachedIn, r.in))
	cachedOutCost := TokenCost(cachedOut, priceOr(r.cachedOut, r.out))
	inputCost := TokenCost(in.InputTokens-cachedIn, r.in).Add(cachedInCost)
	outputCost := TokenCost(in.OutputTokens-cachedOut, r.out).Add(cachedOutCost)

	return Cost{
		InputCost:        inputCost,
		OutputCost:       outputCost,
		CachedInputCost:  cachedInCost,
		CachedOutputCost: cachedOutCost,
		Total:            inputCost.Add(outputCost),
		Source:           src,
	}
}

func priceOr(p *decimal.Decimal, fallback decimal.Decimal) decimal.Decimal {
	if p != nil {
		return *p
	}
	return fallback
}

// Package pricing turns layered billing configuration into effective prices
// and prices finished requests. Everything in here is pure: the gateway
// hands it configs and token counts, never connections.
package pricing

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/tingly-dev/tingly-relay/internal/typ"
)

// PriceSource tags which configuration layer produced the effective prices.
type PriceSource string

const (
	SourceSupplierOverride PriceSource = "supplier_override"
	SourceModelFallback    PriceSource = "model_fallback"
	SourceDefaultZero      PriceSource = "default_zero"
)

// ResolvedBilling is the effective price card for one forward attempt.
type ResolvedBilling struct {
	Mode typ.BillingMode

	InputPrice  decimal.Decimal
	OutputPrice decimal.Decimal

	CacheBilling      bool
	CachedInputPrice  *decimal.Decimal
	CachedOutputPrice *decimal.Decimal

	PerRequestPrice decimal.Decimal
	PerImagePrice   decimal.Decimal

	Tiers  []typ.BillingTier
	Source PriceSource
}

// Resolve picks the billing layer for one candidate. Provider-level config
// wins when it carries its own mode; inherit_model_default throws the
// provider prices away and defers to the model; a model config without a
// provider override is the fallback; nothing configured prices at zero.
func Resolve(model, provider *typ.BillingConfig) ResolvedBilling {
	if provider.HasMode() && provider.Mode != typ.BillingModeInherit {
		return fromConfig(provider, SourceSupplierOverride)
	}
	if model.HasMode() {
		return fromConfig(model, SourceModelFallback)
	}
	return ResolvedBilling{Mode: typ.BillingModeTokenFlat, Source: SourceDefaultZero}
}

func fromConfig(b *typ.BillingConfig, src PriceSource) ResolvedBilling {
	return ResolvedBilling{
		Mode:              b.Mode,
		InputPrice:        b.InputPrice,
		OutputPrice:       b.OutputPrice,
		CacheBilling:      b.CacheBillingEnabled,
		CachedInputPrice:  b.CachedInputPrice,
		CachedOutputPrice: b.CachedOutputPrice,
		PerRequestPrice:   b.PerRequestPrice,
		PerImagePrice:     b.PerImagePrice,
		Tiers:             b.Tiers,
		Source:            src,
	}
}

// selectTier returns the first tier that still covers inputTokens after
// sorting by max_input_tokens ascending, unbounded tiers last. Nil when the
// table is empty or every bounded tier is exceeded.
func selectTier(tiers []typ.BillingTier, inputTokens int64) *typ.BillingTier {
	if len(tiers) == 0 {
		return nil
	}
	sorted := make([]typ.BillingTier, len(tiers))
	copy(sorted, tiers)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i].MaxInputTokens, sorted[j].MaxInputTokens
		if a == nil {
			return false
		}
		if b == nil {
			return true
		}
		return *a < *b
	})
	for i := range sorted {
		if sorted[i].MaxInputTokens == nil || *sorted[i].MaxInputTokens >= inputTokens {
			return &sorted[i]
		}
	}
	return nil
}

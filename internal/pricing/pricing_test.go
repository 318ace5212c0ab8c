package pricing

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/tingly-dev/tingly-relay/internal/typ"
)

func dp(f float64) *decimal.Decimal {
	d := decimal.NewFromFloat(f)
	return &d
}

func i64(v int64) *int64 {
	return &v
}

func TestResolveLayerOrder(t *testing.T) {
	model := &typ.BillingConfig{Mode: typ.BillingModeTokenFlat, InputPrice: decimal.NewFromInt(2)}
	provider := &typ.BillingConfig{Mode: typ.BillingModeTokenFlat, InputPrice: decimal.NewFromInt(1)}

	rb := Resolve(model, provider)
	assert.Equal(t, SourceSupplierOverride, rb.Source)
	assert.True(t, rb.InputPrice.Equal(decimal.NewFromInt(1)))

	inherit := &typ.BillingConfig{Mode: typ.BillingModeInherit, InputPrice: decimal.NewFromInt(99)}
	rb = Resolve(model, inherit)
	assert.Equal(t, SourceModelFallback, rb.Source, "inherit discards provider pricing")
	assert.True(t, rb.InputPrice.Equal(decimal.NewFromInt(2)))

	rb = Resolve(model, nil)
	assert.Equal(t, SourceModelFallback, rb.Source)

	rb = Resolve(nil, nil)
	assert.Equal(t, SourceDefaultZero, rb.Source)
	assert.Equal(t, typ.BillingModeTokenFlat, rb.Mode)
	assert.Equal(t, "0.0000", Calculate(rb, CostInput{InputTokens: 1_000_000, OutputTokens: 1_000_000}).Total.String())
}

func TestCalculateFlat(t *testing.T) {
	rb := Resolve(&typ.BillingConfig{
		Mode:        typ.BillingModeTokenFlat,
		InputPrice:  decimal.NewFromInt(3),
		OutputPrice: decimal.NewFromInt(15),
	}, nil)

	cost := Calculate(rb, CostInput{InputTokens: 1000, OutputTokens: 500})
	assert.Equal(t, "0.0030", cost.InputCost.String())
	assert.Equal(t, "0.0075", cost.OutputCost.String())
	assert.Equal(t, "0.0105", cost.Total.String())
	assert.Equal(t, SourceModelFallback, cost.Source)

	// A single token still rounds up onto the 1e-4 grid.
	cost = Calculate(rb, CostInput{InputTokens: 1})
	assert.Equal(t, "0.0001", cost.InputCost.String())
	assert.Equal(t, "0.0001", cost.Total.String())
}

func TestCalculateTieredWithCacheOverrides(t *testing.T) {
	rb := Resolve(&typ.BillingConfig{
		Mode:                typ.BillingModeTokenTiered,
		CacheBillingEnabled: true,
		CachedInputPrice:    dp(0.75),
		CachedOutputPrice:   dp(7.5),
		Tiers: []typ.BillingTier{
			// Declared out of order on purpose; selection sorts.
			{InputPrice: decimal.NewFromInt(6), OutputPrice: decimal.NewFromInt(30), CachedInputPrice: dp(1.5)},
			{MaxInputTokens: i64(1000), InputPrice: decimal.NewFromInt(3), OutputPrice: decimal.NewFromInt(15)},
		},
	}, nil)

	cost := Calculate(rb, CostInput{
		InputTokens:        2000,
		CachedInputTokens:  500,
		OutputTokens:       100,
		CachedOutputTokens: 40,
	})
	assert.Equal(t, "0.0008", cost.CachedInputCost.String(), "tier override beats the global cached input price")
	assert.Equal(t, "0.0098", cost.InputCost.String())
	assert.Equal(t, "0.0003", cost.CachedOutputCost.String(), "cached output price inherits from the global card")
	assert.Equal(t, "0.0021", cost.OutputCost.String())
	assert.Equal(t, "0.0119", cost.Total.String())

	// Tier bounds are inclusive: exactly 1000 input tokens stays in the cheap tier.
	cost = Calculate(rb, CostInput{InputTokens: 1000})
	assert.Equal(t, "0.0030", cost.InputCost.String())
}

func TestCalculateTieredEmptyTableFallsBack(t *testing.T) {
	rb := Resolve(&typ.BillingConfig{
		Mode:       typ.BillingModeTokenTiered,
		InputPrice: decimal.NewFromInt(3),
	}, nil)

	cost := Calculate(rb, CostInput{InputTokens: 1000})
	assert.Equal(t, "0.0030", cost.Total.String())
}

func TestCalculateCacheClamp(t *testing.T) {
	rb := Resolve(&typ.BillingConfig{
		Mode:                typ.BillingModeTokenFlat,
		InputPrice:          decimal.NewFromInt(10),
		CacheBillingEnabled: true,
	}, nil)

	// More cached tokens than input tokens: the cached count clamps and the
	// unset cached price falls back to the regular input price.
	cost := Calculate(rb, CostInput{InputTokens: 8000, CachedInputTokens: 10000})
	assert.Equal(t, "0.0800", cost.InputCost.String())
	assert.Equal(t, "0.0800", cost.CachedInputCost.String())

	// Cache billing off: cached counts are ignored entirely.
	rb.CacheBilling = false
	cost = Calculate(rb, CostInput{InputTokens: 1000, CachedInputTokens: 400})
	assert.Equal(t, "0.0100", cost.InputCost.String())
	assert.True(t, cost.CachedInputCost.IsZero())
}

func TestCalculatePerRequestAndPerImage(t *testing.T) {
	rb := Resolve(&typ.BillingConfig{
		Mode:            typ.BillingModePerRequest,
		PerRequestPrice: decimal.NewFromFloat(0.0123),
	}, nil)
	cost := Calculate(rb, CostInput{InputTokens: 123456, OutputTokens: 999})
	assert.Equal(t, "0.0123", cost.Total.String(), "token counts do not move a per-request price")

	rb = Resolve(&typ.BillingConfig{
		Mode:          typ.BillingModePerImage,
		PerImagePrice: decimal.NewFromFloat(0.01),
	}, nil)
	assert.Equal(t, "0.0300", Calculate(rb, CostInput{Images: 3}).Total.String())
	assert.True(t, Calculate(rb, CostInput{}).Total.IsZero())
}

func TestCostMonotonic(t *testing.T) {
	rb := Resolve(&typ.BillingConfig{
		Mode:        typ.BillingModeTokenFlat,
		InputPrice:  decimal.NewFromFloat(2.5),
		OutputPrice: decimal.NewFromFloat(12.5),
	}, nil)

	prev := Calculate(rb, CostInput{InputTokens: 0, OutputTokens: 0}).Total
	for _, tokens := range []int64{1, 10, 1000, 50_000, 2_000_000} {
		cur := Calculate(rb, CostInput{InputTokens: tokens, OutputTokens: tokens / 2}).Total
		assert.LessOrEqual(t, prev.Cmp(cur), 0, "cost must not shrink as counts grow")
		prev = cur
	}
}

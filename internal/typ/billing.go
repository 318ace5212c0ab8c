package typ

import (
	"github.com/shopspring/decimal"
)

// BillingMode selects how a model or provider edge is priced.
type BillingMode string

const (
	// BillingModeInherit is only meaningful on provider-level configs: it
	// discards every provider price and defers to the model-level config.
	BillingModeInherit    BillingMode = "inherit_model_default"
	BillingModeTokenFlat  BillingMode = "token_flat"
	BillingModeTokenTiered BillingMode = "token_tiered"
	BillingModePerRequest BillingMode = "per_request"
	BillingModePerImage   BillingMode = "per_image"
)

// BillingTier is one row of a token_tiered price table. A nil MaxInputTokens
// means the tier is unbounded and sorts after every bounded tier.
type BillingTier struct {
	MaxInputTokens    *int64           `json:"max_input_tokens,omitempty" yaml:"max_input_tokens,omitempty"`
	InputPrice        decimal.Decimal  `json:"input_price" yaml:"input_price"`
	OutputPrice       decimal.Decimal  `json:"output_price" yaml:"output_price"`
	CachedInputPrice  *decimal.Decimal `json:"cached_input_price,omitempty" yaml:"cached_input_price,omitempty"`
	CachedOutputPrice *decimal.Decimal `json:"cached_output_price,omitempty" yaml:"cached_output_price,omitempty"`
}

// BillingConfig holds the raw pricing knobs attached to a model mapping or a
// provider edge. All token prices are USD per million tokens.
type BillingConfig struct {
	Mode BillingMode `json:"mode" yaml:"mode"`

	InputPrice  decimal.Decimal `json:"input_price" yaml:"input_price"`
	OutputPrice decimal.Decimal `json:"output_price" yaml:"output_price"`

	CacheBillingEnabled bool             `json:"cache_billing_enabled,omitempty" yaml:"cache_billing_enabled,omitempty"`
	CachedInputPrice    *decimal.Decimal `json:"cached_input_price,omitempty" yaml:"cached_input_price,omitempty"`
	CachedOutputPrice   *decimal.Decimal `json:"cached_output_price,omitempty" yaml:"cached_output_price,omitempty"`

	Tiers []BillingTier `json:"tiers,omitempty" yaml:"tiers,omitempty"`

	PerRequestPrice decimal.Decimal `json:"per_request_price,omitempty" yaml:"per_request_price,omitempty"`
	PerImagePrice   decimal.Decimal `json:"per_image_price,omitempty" yaml:"per_image_price,omitempty"`
}

// HasMode reports whether a mode is explicitly set.
func (b *BillingConfig) HasMode() bool {
	return b != nil && b.Mode != ""
}

package pricing

import (
	"github.com/shopspring/decimal"
)

// quantum is the billing grid: every cost is a multiple of 10^-4 USD.
const quantum = 4

var million = decimal.NewFromInt(1_000_000)

// Money is a USD amount on the billing grid. Every constructor rounds up
// to four decimal places, so sums of Money values stay on the grid.
type Money struct {
	d decimal.Decimal
}

// Ceil quantizes d to the grid, rounding toward positive infinity.
func Ceil(d decimal.Decimal) Money {
	return Money{d: d.RoundCeil(quantum)}
}

// TokenCost prices a token count against a USD-per-million-tokens rate.
func TokenCost(tokens int64, pricePerMillion decimal.Decimal) Money {
	if tokens <= 0 {
		return Money{}
	}
	return Ceil(decimal.NewFromInt(tokens).Mul(pricePerMillion).Div(million))
}

func (m Money) Add(o Money) Money {
	return Ceil(m.d.Add(o.d))
}

func (m Money) Cmp(o Money) int {
	return m.d.Cmp(o.d)
}

func (m Money) IsZero() bool {
	return m.d.IsZero()
}

func (m Money) Decimal() decimal.Decimal {
	return m.d
}

func (m Money) Float64() float64 {
	f, _ := m.d.Float64()
	return f
}

func (m Money) String() string {
	return m.d.StringFixed(quantum)
}

package instrument

import "math"

// Traits holds the per-instrument quantity rounding policy.
type Traits interface {
	RoundQuantity(quantity float64) float64
}

// IntegerTraits trades whole units. Fractions are truncated toward zero.
type IntegerTraits struct{}

func (IntegerTraits) RoundQuantity(quantity float64) float64 {
	return math.Trunc(quantity)
}

// DecimalTraits trades fractional units with a fixed number of decimals.
type DecimalTraits struct {
	Decimals int
}

func (t DecimalTraits) RoundQuantity(quantity float64) float64 {
	if t.Decimals <= 0 {
		return math.Round(quantity)
	}
	scale := math.Pow10(t.Decimals)
	return math.Round(quantity*scale) / scale
}

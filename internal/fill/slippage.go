package fill

import (
	"fmt"
	"math"

	"backtest/internal/bar"
	"backtest/internal/order"
	"backtest/pkg/exception"
)

// DefaultPriceImpact is the volume-share slippage impact factor.
const DefaultPriceImpact = 0.1

// SlippageModel adjusts a fill price for market impact. volumeUsed is the
// volume already filled on br before this fill.
type SlippageModel interface {
	CalculatePrice(o *order.Order, price, quantity float64, br bar.Bar, volumeUsed float64) float64
}

// NoSlippage leaves prices untouched.
type NoSlippage struct{}

func (NoSlippage) CalculatePrice(_ *order.Order, price, _ float64, _ bar.Bar, _ float64) float64 {
	return price
}

// VolumeShareSlippage moves the price by the square of the share of the bar
// volume taken, scaled by the price impact.
type VolumeShareSlippage struct {
	priceImpact float64
}

func NewVolumeShareSlippage(priceImpact float64) (VolumeShareSlippage, error) {
	if math.IsNaN(priceImpact) || priceImpact < 0 {
		return VolumeShareSlippage{}, fmt.Errorf("%w: %v", exception.ErrInvalidPriceImpact, priceImpact)
	}
	return VolumeShareSlippage{priceImpact: priceImpact}, nil
}

func (m VolumeShareSlippage) PriceImpact() float64 {
	return m.priceImpact
}

func (m VolumeShareSlippage) CalculatePrice(o *order.Order, price, quantity float64, br bar.Bar, volumeUsed float64) float64 {
	if br.Volume <= 0 {
		return price
	}
	share := (volumeUsed + quantity) / br.Volume
	impact := share * share * m.priceImpact
	if o.IsBuy() {
		return price * (1 + impact)
	}
	return price * (1 - impact)
}

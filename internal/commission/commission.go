package commission

import (
	"fmt"

	"backtest/internal/order"
	"backtest/pkg/exception"
)

// Model computes the fee charged for an execution.
type Model interface {
	Calculate(o *order.Order, price, quantity float64) float64
}

// NoCommission never charges.
type NoCommission struct{}

func (NoCommission) Calculate(*order.Order, float64, float64) float64 {
	return 0
}

// FixedPerTrade charges a fixed amount for the whole order, on its first fill.
type FixedPerTrade struct {
	amount float64
}

// NewFixedPerTrade creates a fixed per-order commission.
func NewFixedPerTrade(amount float64) (FixedPerTrade, error) {
	if amount < 0 {
		return FixedPerTrade{}, fmt.Errorf("%w: %v", exception.ErrInvalidCommission, amount)
	}
	return FixedPerTrade{amount: amount}, nil
}

func (c FixedPerTrade) Calculate(o *order.Order, _, _ float64) float64 {
	if o == nil {
		return c.amount
	}
	if _, ok := o.LastExecution(); ok {
		return 0
	}
	return c.amount
}

// TradePercentage charges a fraction of the traded notional on every fill.
// A rate of 0.01 means 1%.
type TradePercentage struct {
	rate float64
}

// NewTradePercentage creates a percentage commission. rate must be in [0, 1).
func NewTradePercentage(rate float64) (TradePercentage, error) {
	if rate < 0 || rate >= 1 {
		return TradePercentage{}, fmt.Errorf("%w: %v", exception.ErrInvalidCommissionRate, rate)
	}
	return TradePercentage{rate: rate}, nil
}

func (c TradePercentage) Calculate(_ *order.Order, price, quantity float64) float64 {
	return price * quantity * c.rate
}

package fill

import (
	"math"

	"backtest/internal/bar"
	"backtest/internal/order"
)

// LimitTrigger returns the price a limit order fills at on br, if any.
func LimitTrigger(action order.Action, limitPrice float64, adjusted bool, br bar.Bar) (float64, bool) {
	open := br.OpenPrice(adjusted)
	switch {
	case action.IsBuy():
		if br.LowPrice(adjusted) <= limitPrice {
			return math.Min(open, limitPrice), true
		}
	case action.IsSell():
		if br.HighPrice(adjusted) >= limitPrice {
			return math.Max(open, limitPrice), true
		}
	}
	return 0, false
}

// StopTrigger returns the price a stop is hit at on br, if any.
func StopTrigger(action order.Action, stopPrice float64, adjusted bool, br bar.Bar) (float64, bool) {
	open := br.OpenPrice(adjusted)
	switch {
	case action.IsBuy():
		if br.HighPrice(adjusted) >= stopPrice {
			return math.Max(open, stopPrice), true
		}
	case action.IsSell():
		if br.LowPrice(adjusted) <= stopPrice {
			return math.Min(open, stopPrice), true
		}
	}
	return 0, false
}

package exception

import "github.com/yanun0323/errors"

var (
	ErrMarketOnCloseIntraday = errors.New("broker: market-on-close not supported with intraday feeds")
	ErrNoAdjustedClose       = errors.New("broker: the bar feed doesn't support adjusted close values")
	ErrNegativeCash          = errors.New("broker: initial cash must be >= 0")
	ErrNilFeed               = errors.New("broker: nil bar feed")
	ErrRiskDenied            = errors.New("broker: order denied by risk limits")
)

package exception

import "github.com/yanun0323/errors"

var (
	ErrInvalidFillQuantity   = errors.New("fill: invalid fill quantity")
	ErrInvalidVolumeLimit    = errors.New("fill: volume limit must be > 0 and <= 1")
	ErrInvalidPriceImpact    = errors.New("fill: price impact must be >= 0")
	ErrInvalidCommissionRate = errors.New("commission: rate must be >= 0 and < 1")
	ErrInvalidCommission     = errors.New("commission: amount must be >= 0")
)

package exception

import "github.com/yanun0323/errors"

var (
	ErrEmptyBars      = errors.New("feed: empty bar set")
	ErrBarsNotInSync  = errors.New("feed: bar date times are not in sync")
	ErrBarsOutOfOrder = errors.New("feed: bars out of order")
	ErrFeedStarted    = errors.New("feed: already dispatching")
)

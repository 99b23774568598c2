package bar

import (
	"fmt"
	"sort"
	"time"

	"backtest/pkg/exception"
)

// Bars is the set of bars dispatched together, one per instrument, all
// sharing the same date time.
type Bars struct {
	dateTime time.Time
	bars     map[string]Bar
}

// NewBars groups bars by instrument. Every bar must share the same date time.
func NewBars(bars map[string]Bar) (Bars, error) {
	if len(bars) == 0 {
		return Bars{}, exception.ErrEmptyBars
	}
	var (
		dateTime time.Time
		first    = true
	)
	copied := make(map[string]Bar, len(bars))
	for instrument, b := range bars {
		if first {
			dateTime = b.DateTime
			first = false
		} else if !b.DateTime.Equal(dateTime) {
			return Bars{}, fmt.Errorf("%w: %s at %s, expected %s", exception.ErrBarsNotInSync, instrument, b.DateTime, dateTime)
		}
		copied[instrument] = b
	}
	return Bars{dateTime: dateTime, bars: copied}, nil
}

// DateTime returns the shared date time.
func (bs Bars) DateTime() time.Time {
	return bs.dateTime
}

// Get returns the bar for an instrument.
func (bs Bars) Get(instrument string) (Bar, bool) {
	b, ok := bs.bars[instrument]
	return b, ok
}

// Len returns the number of instruments in the set.
func (bs Bars) Len() int {
	return len(bs.bars)
}

// Instruments returns the instruments in the set, sorted.
func (bs Bars) Instruments() []string {
	instruments := make([]string, 0, len(bs.bars))
	for instrument := range bs.bars {
		instruments = append(instruments, instrument)
	}
	sort.Strings(instruments)
	return instruments
}

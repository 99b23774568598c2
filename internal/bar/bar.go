package bar

import "time"

// Bar is the OHLCV summary of one instrument over one interval.
// AdjClose is zero when the source has no adjusted close.
type Bar struct {
	DateTime  time.Time
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
	AdjClose  float64
	Frequency Frequency
}

// HasAdjClose reports whether the bar carries an adjusted close.
func (b Bar) HasAdjClose() bool {
	return b.AdjClose > 0
}

// OpenPrice returns the open, scaled by adjClose/close when adjusted.
func (b Bar) OpenPrice(adjusted bool) float64 {
	return b.adjust(b.Open, adjusted)
}

// HighPrice returns the high, scaled by adjClose/close when adjusted.
func (b Bar) HighPrice(adjusted bool) float64 {
	return b.adjust(b.High, adjusted)
}

// LowPrice returns the low, scaled by adjClose/close when adjusted.
func (b Bar) LowPrice(adjusted bool) float64 {
	return b.adjust(b.Low, adjusted)
}

// ClosePrice returns the close, or the adjusted close when adjusted.
func (b Bar) ClosePrice(adjusted bool) float64 {
	if adjusted && b.HasAdjClose() {
		return b.AdjClose
	}
	return b.Close
}

func (b Bar) adjust(price float64, adjusted bool) float64 {
	if !adjusted || !b.HasAdjClose() || b.Close == 0 {
		return price
	}
	return b.AdjClose * price / b.Close
}

// Date truncates the bar time to its calendar day in the bar's location.
func (b Bar) Date() time.Time {
	return DateOf(b.DateTime)
}

// DateOf truncates t to midnight in t's location.
func DateOf(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

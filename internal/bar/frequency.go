package bar

// Frequency is the interval a bar summarizes, in seconds. Trade bars carry the
// activity of a single trade.
type Frequency int32

const (
	FrequencyTrade  Frequency = -1
	FrequencySecond Frequency = 1
	FrequencyMinute Frequency = 60
	FrequencyHour   Frequency = 60 * 60
	FrequencyDay    Frequency = 24 * 60 * 60
	FrequencyWeek   Frequency = 24 * 60 * 60 * 7
	FrequencyMonth  Frequency = 24 * 60 * 60 * 31
)

var frequencyNames = map[Frequency]string{
	FrequencyTrade:  "trade",
	FrequencySecond: "second",
	FrequencyMinute: "minute",
	FrequencyHour:   "hour",
	FrequencyDay:    "day",
	FrequencyWeek:   "week",
	FrequencyMonth:  "month",
}

func (f Frequency) String() string {
	if name, ok := frequencyNames[f]; ok {
		return name
	}
	return "unknown"
}

// IsIntraday reports whether bars of this frequency split a session.
func (f Frequency) IsIntraday() bool {
	return f < FrequencyDay
}

// ParseFrequency resolves a frequency name as written in config files.
func ParseFrequency(name string) (Frequency, bool) {
	for f, n := range frequencyNames {
		if n == name {
			return f, true
		}
	}
	return 0, false
}

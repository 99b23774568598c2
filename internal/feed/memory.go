package feed

import (
	"context"
	"fmt"
	"sort"
	"time"

	"backtest/internal/bar"
	"backtest/pkg/exception"
)

// Handler receives every dispatched bar set. An error stops the dispatch.
type Handler = func(dateTime time.Time, bars bar.Bars) error

// Memory is an in-memory bar feed. Bar sets are dispatched in date time
// order to the subscribed handlers, in subscription order.
type Memory struct {
	frequency bar.Frequency
	handlers  []Handler

	pending []bar.Bars
	next    int

	current    bar.Bars
	hasCurrent bool
	lastBars   map[string]bar.Bar

	lastDateTime time.Time
	adjClose     bool
	empty        bool
}

// NewMemory creates an empty feed of the given frequency.
func NewMemory(frequency bar.Frequency) *Memory {
	return &Memory{
		frequency: frequency,
		lastBars:  make(map[string]bar.Bar),
		adjClose:  true,
		empty:     true,
	}
}

// Subscribe appends a handler. Handlers registered first run first.
func (m *Memory) Subscribe(handler Handler) {
	m.handlers = append(m.handlers, handler)
}

// Append queues one bar set. Date times must be strictly increasing.
func (m *Memory) Append(bars bar.Bars) error {
	if bars.Len() == 0 {
		return exception.ErrEmptyBars
	}
	if !m.empty && !bars.DateTime().After(m.lastDateTime) {
		return fmt.Errorf("%w: %s is not after %s", exception.ErrBarsOutOfOrder, bars.DateTime(), m.lastDateTime)
	}
	for _, name := range bars.Instruments() {
		br, _ := bars.Get(name)
		if !br.HasAdjClose() {
			m.adjClose = false
		}
	}
	m.pending = append(m.pending, bars)
	m.lastDateTime = bars.DateTime()
	m.empty = false
	return nil
}

// Load groups per-instrument series by date time and appends them. Bars
// without a frequency take the feed's. It can only be used before the
// first dispatch.
func (m *Memory) Load(series map[string][]bar.Bar) error {
	if m.next > 0 {
		return exception.ErrFeedStarted
	}

	grouped := make(map[int64]map[string]bar.Bar)
	for name, bars := range series {
		for _, br := range bars {
			if br.Frequency == 0 {
				br.Frequency = m.frequency
			}
			key := br.DateTime.UnixNano()
			group, ok := grouped[key]
			if !ok {
				group = make(map[string]bar.Bar)
				grouped[key] = group
			}
			if _, dup := group[name]; dup {
				return fmt.Errorf("%w: duplicated %s bar at %s", exception.ErrBarsOutOfOrder, name, br.DateTime)
			}
			group[name] = br
		}
	}

	keys := make([]int64, 0, len(grouped))
	for key := range grouped {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	for _, key := range keys {
		bars, err := bar.NewBars(grouped[key])
		if err != nil {
			return err
		}
		if err := m.Append(bars); err != nil {
			return err
		}
	}
	return nil
}

// Eof reports whether every queued bar set was dispatched.
func (m *Memory) Eof() bool {
	return m.next >= len(m.pending)
}

// Dispatch sends the next bar set to the handlers. It returns false when the
// feed is exhausted.
func (m *Memory) Dispatch() (bool, error) {
	if m.Eof() {
		return false, nil
	}
	bars := m.pending[m.next]
	m.next++

	m.current = bars
	m.hasCurrent = true
	for _, name := range bars.Instruments() {
		br, _ := bars.Get(name)
		m.lastBars[name] = br
	}

	for _, handler := range m.handlers {
		if err := handler(bars.DateTime(), bars); err != nil {
			return true, fmt.Errorf("dispatch bars at %s: %w", bars.DateTime(), err)
		}
	}
	return true, nil
}

// Run dispatches until the feed is exhausted, a handler fails or ctx is done.
func (m *Memory) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		ok, err := m.Dispatch()
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
	}
}

func (m *Memory) Frequency() bar.Frequency {
	return m.frequency
}

func (m *Memory) IsIntraday() bool {
	return m.frequency.IsIntraday()
}

// LastBar returns the most recent dispatched bar of an instrument.
func (m *Memory) LastBar(instrumentName string) (bar.Bar, bool) {
	br, ok := m.lastBars[instrumentName]
	return br, ok
}

// CurrentBars returns the bar set being dispatched, or the last one.
func (m *Memory) CurrentBars() (bar.Bars, bool) {
	return m.current, m.hasCurrent
}

// CurrentDateTime returns the date time of CurrentBars.
func (m *Memory) CurrentDateTime() (time.Time, bool) {
	if !m.hasCurrent {
		return time.Time{}, false
	}
	return m.current.DateTime(), true
}

// BarsHaveAdjClose reports whether every queued bar carries an adjusted
// close.
func (m *Memory) BarsHaveAdjClose() bool {
	return !m.empty && m.adjClose
}

// Len returns the number of queued bar sets, dispatched or not.
func (m *Memory) Len() int {
	return len(m.pending)
}

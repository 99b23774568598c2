package obs

import (
	"sync/atomic"
	"time"

	"backtest/internal/order"
)

// NoFillReason is why an order that could have filled did not.
type NoFillReason uint16

const (
	NoFillUnknown NoFillReason = iota
	NoFillInsufficientCash
	NoFillInsufficientVolume
)

func (r NoFillReason) String() string {
	switch r {
	case NoFillInsufficientCash:
		return "insufficient-cash"
	case NoFillInsufficientVolume:
		return "insufficient-volume"
	default:
		return "unknown"
	}
}

const (
	maxEventType    = int(order.EventFilled)
	maxNoFillReason = int(NoFillInsufficientVolume)
)

// Metrics collects lightweight counters and latency stats of a broker run.
type Metrics struct {
	eventCounts  [maxEventType + 1]uint64
	noFillCounts [maxNoFillReason + 1]uint64
	bars         uint64
	expired      uint64
	riskDenied   uint64

	barLatency LatencyStats
}

// LatencyStats aggregates duration samples in nanoseconds.
type LatencyStats struct {
	count uint64
	sum   uint64
	min   uint64
	max   uint64
}

// LatencySnapshot is a point-in-time view of latency stats.
type LatencySnapshot struct {
	Count uint64        `json:"count"`
	Min   time.Duration `json:"min"`
	Max   time.Duration `json:"max"`
	Avg   time.Duration `json:"avg"`
}

// Snapshot captures the current metrics values.
type Snapshot struct {
	EventCounts  map[string]uint64 `json:"eventCounts"`
	NoFillCounts map[string]uint64 `json:"noFillCounts"`
	Bars         uint64            `json:"bars"`
	Expired      uint64            `json:"expired"`
	RiskDenied   uint64            `json:"riskDenied"`
	BarLatency   LatencySnapshot   `json:"barLatency"`
}

// NewMetrics allocates a metrics container.
func NewMetrics() *Metrics {
	return &Metrics{}
}

// ObserveEvent counts an order event.
func (m *Metrics) ObserveEvent(evt order.Event) {
	if m == nil {
		return
	}
	idx := int(evt.Type)
	if idx >= 0 && idx < len(m.eventCounts) {
		atomic.AddUint64(&m.eventCounts[idx], 1)
	}
}

// IncNoFill records an order left unfilled on a bar.
func (m *Metrics) IncNoFill(reason NoFillReason) {
	if m == nil {
		return
	}
	idx := int(reason)
	if idx >= 0 && idx < len(m.noFillCounts) {
		atomic.AddUint64(&m.noFillCounts[idx], 1)
	}
}

// IncExpired records an order canceled by the session expiry rules.
func (m *Metrics) IncExpired() {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.expired, 1)
}

// IncRiskDenied records a submission refused by the risk engine.
func (m *Metrics) IncRiskDenied() {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.riskDenied, 1)
}

// ObserveBars records one processed bar set and how long it took.
func (m *Metrics) ObserveBars(d time.Duration) {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.bars, 1)
	m.barLatency.Observe(d)
}

// EventCount returns the number of events of one type seen so far.
func (m *Metrics) EventCount(t order.EventType) uint64 {
	if m == nil {
		return 0
	}
	idx := int(t)
	if idx < 0 || idx >= len(m.eventCounts) {
		return 0
	}
	return atomic.LoadUint64(&m.eventCounts[idx])
}

// NoFillCount returns the number of no-fill outcomes for one reason.
func (m *Metrics) NoFillCount(reason NoFillReason) uint64 {
	if m == nil {
		return 0
	}
	idx := int(reason)
	if idx < 0 || idx >= len(m.noFillCounts) {
		return 0
	}
	return atomic.LoadUint64(&m.noFillCounts[idx])
}

// Snapshot returns a copy of the current metrics values.
func (m *Metrics) Snapshot() Snapshot {
	if m == nil {
		return Snapshot{}
	}
	eventCounts := make(map[string]uint64)
	for i := range m.eventCounts {
		if v := atomic.LoadUint64(&m.eventCounts[i]); v > 0 {
			eventCounts[order.EventType(i).String()] = v
		}
	}
	noFillCounts := make(map[string]uint64)
	for i := range m.noFillCounts {
		if v := atomic.LoadUint64(&m.noFillCounts[i]); v > 0 {
			noFillCounts[NoFillReason(i).String()] = v
		}
	}
	return Snapshot{
		EventCounts:  eventCounts,
		NoFillCounts: noFillCounts,
		Bars:         atomic.LoadUint64(&m.bars),
		Expired:      atomic.LoadUint64(&m.expired),
		RiskDenied:   atomic.LoadUint64(&m.riskDenied),
		BarLatency:   m.barLatency.Snapshot(),
	}
}

// Observe records a duration sample.
func (l *LatencyStats) Observe(d time.Duration) {
	if d < 0 {
		return
	}
	nanos := uint64(d)
	atomic.AddUint64(&l.count, 1)
	atomic.AddUint64(&l.sum, nanos)

	for {
		min := atomic.LoadUint64(&l.min)
		if min != 0 && nanos >= min {
			break
		}
		if atomic.CompareAndSwapUint64(&l.min, min, nanos) {
			break
		}
	}

	for {
		max := atomic.LoadUint64(&l.max)
		if nanos <= max {
			break
		}
		if atomic.CompareAndSwapUint64(&l.max, max, nanos) {
			break
		}
	}
}

// Snapshot returns the aggregated latency stats.
func (l *LatencyStats) Snapshot() LatencySnapshot {
	count := atomic.LoadUint64(&l.count)
	if count == 0 {
		return LatencySnapshot{}
	}
	sum := atomic.LoadUint64(&l.sum)
	min := atomic.LoadUint64(&l.min)
	max := atomic.LoadUint64(&l.max)
	return LatencySnapshot{
		Count: count,
		Min:   time.Duration(min),
		Max:   time.Duration(max),
		Avg:   time.Duration(sum / count),
	}
}

package broker

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/bytedance/sonic"
)

const cashTolerance = 1e-9

// Snapshot captures the ledger at a point in time.
type Snapshot struct {
	DateTime     time.Time       `json:"dateTime"`
	Cash         float64         `json:"cash"`
	Equity       float64         `json:"equity"`
	Positions    []PositionEntry `json:"positions"`
	ActiveOrders []OrderEntry    `json:"activeOrders"`
}

// PositionEntry is a single instrument position.
type PositionEntry struct {
	Instrument string  `json:"instrument"`
	Shares     float64 `json:"shares"`
}

// OrderEntry summarizes an active order.
type OrderEntry struct {
	ID         uint64  `json:"id"`
	Instrument string  `json:"instrument"`
	Type       string  `json:"type"`
	Action     string  `json:"action"`
	State      string  `json:"state"`
	Quantity   float64 `json:"quantity"`
	Filled     float64 `json:"filled"`
}

// Snapshot builds a snapshot of the current ledger. Positions are sorted by
// instrument and orders by id.
func (b *Broker) Snapshot() Snapshot {
	positions := make([]PositionEntry, 0, len(b.shares))
	for name, shares := range b.shares {
		positions = append(positions, PositionEntry{Instrument: name, Shares: shares})
	}
	sort.Slice(positions, func(i, j int) bool {
		return positions[i].Instrument < positions[j].Instrument
	})

	active := b.active.Items()
	orders := make([]OrderEntry, 0, len(active))
	for _, o := range active {
		orders = append(orders, OrderEntry{
			ID:         o.ID(),
			Instrument: o.Instrument(),
			Type:       o.Type().String(),
			Action:     o.Action().String(),
			State:      o.State().String(),
			Quantity:   o.Quantity(),
			Filled:     o.Filled(),
		})
	}

	return Snapshot{
		DateTime:     b.currentDateTime(),
		Cash:         b.Cash(),
		Equity:       b.Equity(),
		Positions:    positions,
		ActiveOrders: orders,
	}
}

// WriteSnapshot writes a snapshot to disk as JSON.
func WriteSnapshot(path string, snapshot Snapshot) error {
	data, err := sonic.ConfigStd.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return os.WriteFile(path, data, 0o644)
}

// ReadSnapshot loads a snapshot from disk.
func ReadSnapshot(path string) (Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Snapshot{}, err
	}
	var snap Snapshot
	if err := sonic.ConfigStd.Unmarshal(data, &snap); err != nil {
		return Snapshot{}, err
	}
	return snap, nil
}

// CompareSnapshots checks that two snapshots hold the same cash and
// positions.
func CompareSnapshots(expected, actual Snapshot) error {
	if math.Abs(expected.Cash-actual.Cash) > cashTolerance {
		return fmt.Errorf("snapshot cash mismatch: expected=%v actual=%v", expected.Cash, actual.Cash)
	}
	if len(expected.Positions) != len(actual.Positions) {
		return fmt.Errorf("snapshot length mismatch: expected=%d actual=%d", len(expected.Positions), len(actual.Positions))
	}
	expectedMap := make(map[string]float64, len(expected.Positions))
	for _, entry := range expected.Positions {
		expectedMap[entry.Instrument] = entry.Shares
	}
	for _, entry := range actual.Positions {
		want, ok := expectedMap[entry.Instrument]
		if !ok {
			return fmt.Errorf("snapshot missing instrument: %s", entry.Instrument)
		}
		if want != entry.Shares {
			return fmt.Errorf("snapshot shares mismatch: instrument=%s expected=%v actual=%v", entry.Instrument, want, entry.Shares)
		}
	}
	return nil
}

package broker

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tidwall/btree"

	"backtest/internal/bar"
	"backtest/internal/commission"
	"backtest/internal/fill"
	"backtest/internal/instrument"
	"backtest/internal/obs"
	"backtest/internal/order"
	"backtest/internal/risk"
	"backtest/pkg/exception"
)

// BarFeed is the bar source the broker is driven by.
type BarFeed interface {
	Subscribe(handler func(dateTime time.Time, bars bar.Bars) error)
	Frequency() bar.Frequency
	IsIntraday() bool
	LastBar(instrumentName string) (bar.Bar, bool)
	CurrentBars() (bar.Bars, bool)
	CurrentDateTime() (time.Time, bool)
	BarsHaveAdjClose() bool
}

// Config configures a Broker. Nil fields fall back to defaults: no
// commission, the default fill strategy and integer traits.
type Config struct {
	Cash              float64
	AllowNegativeCash bool
	UseAdjustedValues bool
	Commission        commission.Model
	FillStrategy      fill.Strategy
	Instruments       *instrument.Registry
	Risk              *risk.Engine
	Metrics           *obs.Metrics
}

// Broker simulates order execution against the bars of a feed and keeps the
// cash and position ledger.
type Broker struct {
	feed BarFeed

	cash              decimal.Decimal
	shares            map[string]float64
	allowNegativeCash bool
	useAdjustedValues bool

	commission   commission.Model
	fillStrategy fill.Strategy
	instruments  *instrument.Registry
	risk         *risk.Engine
	metrics      *obs.Metrics

	active      *btree.BTreeG[*order.Order]
	nextOrderID uint64
	handlers    []order.Handler
}

// New creates a broker and subscribes it to feed. The broker must be
// created before any strategy subscribes to the same feed, so orders are
// processed before the strategy sees the bars.
func New(feed BarFeed, cfg Config) (*Broker, error) {
	if feed == nil {
		return nil, exception.ErrNilFeed
	}
	if cfg.Cash < 0 {
		return nil, fmt.Errorf("%w: %v", exception.ErrNegativeCash, cfg.Cash)
	}

	if cfg.Commission == nil {
		cfg.Commission = commission.NoCommission{}
	}
	if cfg.FillStrategy == nil {
		s, err := fill.NewDefaultStrategy(fill.DefaultVolumeLimit)
		if err != nil {
			return nil, err
		}
		cfg.FillStrategy = s
	}
	if cfg.Instruments == nil {
		cfg.Instruments = instrument.NewRegistry()
	}

	b := &Broker{
		feed:              feed,
		cash:              decimal.NewFromFloat(cfg.Cash),
		shares:            make(map[string]float64),
		allowNegativeCash: cfg.AllowNegativeCash,
		commission:        cfg.Commission,
		instruments:       cfg.Instruments,
		risk:              cfg.Risk,
		metrics:           cfg.Metrics,
		active: btree.NewBTreeG(func(a, b *order.Order) bool {
			return a.ID() < b.ID()
		}),
		nextOrderID: 1,
	}
	b.SetFillStrategy(cfg.FillStrategy)
	if err := b.SetUseAdjustedValues(cfg.UseAdjustedValues); err != nil {
		return nil, err
	}

	feed.Subscribe(b.OnBars)
	return b, nil
}

// Subscribe registers an order event handler. Handlers run synchronously,
// in subscription order.
func (b *Broker) Subscribe(handler order.Handler) {
	b.handlers = append(b.handlers, handler)
}

func (b *Broker) notify(evt order.Event) {
	b.metrics.ObserveEvent(evt)
	for _, handler := range b.handlers {
		handler(evt)
	}
}

func (b *Broker) Feed() BarFeed {
	return b.feed
}

func (b *Broker) Metrics() *obs.Metrics {
	return b.metrics
}

func (b *Broker) Instruments() *instrument.Registry {
	return b.instruments
}

func (b *Broker) Commission() commission.Model {
	return b.commission
}

// SetCommission replaces the commission model. nil means no commission.
func (b *Broker) SetCommission(m commission.Model) {
	if m == nil {
		m = commission.NoCommission{}
	}
	b.commission = m
}

func (b *Broker) FillStrategy() fill.Strategy {
	return b.fillStrategy
}

// SetFillStrategy replaces the fill strategy. The broker metrics are
// attached to strategies that accept them.
func (b *Broker) SetFillStrategy(s fill.Strategy) {
	if ms, ok := s.(interface{ SetMetrics(*obs.Metrics) }); ok && b.metrics != nil {
		ms.SetMetrics(b.metrics)
	}
	b.fillStrategy = s
}

func (b *Broker) AllowNegativeCash() bool {
	return b.allowNegativeCash
}

func (b *Broker) SetAllowNegativeCash(allow bool) {
	b.allowNegativeCash = allow
}

func (b *Broker) UseAdjustedValues() bool {
	return b.useAdjustedValues
}

// SetUseAdjustedValues switches fills and valuations to adjusted prices.
// The feed must carry adjusted closes.
func (b *Broker) SetUseAdjustedValues(use bool) error {
	if use && !b.feed.BarsHaveAdjClose() {
		return exception.ErrNoAdjustedClose
	}
	b.useAdjustedValues = use
	return nil
}

// SetCash overrides the available cash.
func (b *Broker) SetCash(cash float64) {
	b.cash = decimal.NewFromFloat(cash)
}

// Cash returns the available cash, short proceeds included.
func (b *Broker) Cash() float64 {
	return b.cash.InexactFloat64()
}

// CashExcludingShorts returns the cash minus the current value of short
// positions.
func (b *Broker) CashExcludingShorts() float64 {
	ret := b.cash
	bars, ok := b.feed.CurrentBars()
	if !ok {
		return ret.InexactFloat64()
	}
	for name, shares := range b.shares {
		if shares >= 0 {
			continue
		}
		price, ok := b.closePrice(bars, name)
		if !ok {
			continue
		}
		ret = ret.Add(decimal.NewFromFloat(price).Mul(decimal.NewFromFloat(shares)))
	}
	return ret.InexactFloat64()
}

// Shares returns the position of one instrument.
func (b *Broker) Shares(instrumentName string) float64 {
	return b.shares[instrumentName]
}

// Positions returns a copy of every open position.
func (b *Broker) Positions() map[string]float64 {
	ret := make(map[string]float64, len(b.shares))
	for name, shares := range b.shares {
		ret[name] = shares
	}
	return ret
}

// ActiveInstruments returns the instruments with an open position.
func (b *Broker) ActiveInstruments() []string {
	ret := make([]string, 0, len(b.shares))
	for name := range b.shares {
		ret = append(ret, name)
	}
	return sortedStrings(ret)
}

// Equity returns cash plus the value of every position at the current
// close, or the last known close of instruments missing from the current
// bars.
func (b *Broker) Equity() float64 {
	ret := b.cash
	bars, ok := b.feed.CurrentBars()
	if !ok {
		return ret.InexactFloat64()
	}
	for name, shares := range b.shares {
		price, ok := b.closePrice(bars, name)
		if !ok {
			continue
		}
		ret = ret.Add(decimal.NewFromFloat(price).Mul(decimal.NewFromFloat(shares)))
	}
	return ret.InexactFloat64()
}

func (b *Broker) closePrice(bars bar.Bars, instrumentName string) (float64, bool) {
	br, ok := bars.Get(instrumentName)
	if !ok {
		br, ok = b.feed.LastBar(instrumentName)
	}
	if !ok {
		return 0, false
	}
	return br.ClosePrice(b.useAdjustedValues), true
}

// ActiveOrders returns the active orders in id order.
func (b *Broker) ActiveOrders() []*order.Order {
	return b.active.Items()
}

// ActiveOrdersFor returns the active orders of one instrument in id order.
func (b *Broker) ActiveOrdersFor(instrumentName string) []*order.Order {
	var ret []*order.Order
	b.active.Scan(func(o *order.Order) bool {
		if o.Instrument() == instrumentName {
			ret = append(ret, o)
		}
		return true
	})
	return ret
}

func (b *Broker) currentDateTime() time.Time {
	dt, _ := b.feed.CurrentDateTime()
	return dt
}

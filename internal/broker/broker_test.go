package broker

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"backtest/internal/bar"
	"backtest/internal/commission"
	"backtest/internal/feed"
	"backtest/internal/fill"
	"backtest/internal/obs"
	"backtest/internal/order"
	"backtest/internal/risk"
	"backtest/pkg/exception"
)

const testInstrument = "orcl"

var day0 = time.Date(2011, 1, 3, 0, 0, 0, 0, time.UTC)

type harness struct {
	t      *testing.T
	feed   *feed.Memory
	broker *Broker
	events []order.Event
}

func newHarness(t *testing.T, freq bar.Frequency, cfg Config) *harness {
	t.Helper()
	f := feed.NewMemory(freq)
	b, err := New(f, cfg)
	require.NoError(t, err)
	h := &harness{t: t, feed: f, broker: b}
	b.Subscribe(func(evt order.Event) { h.events = append(h.events, evt) })
	return h
}

func (h *harness) dispatch(dt time.Time, open, high, low, close, volume float64) error {
	h.t.Helper()
	bars, err := bar.NewBars(map[string]bar.Bar{testInstrument: {
		DateTime:  dt,
		Open:      open,
		High:      high,
		Low:       low,
		Close:     close,
		Volume:    volume,
		Frequency: h.feed.Frequency(),
	}})
	require.NoError(h.t, err)
	require.NoError(h.t, h.feed.Append(bars))
	ok, err := h.feed.Dispatch()
	require.True(h.t, ok)
	return err
}

func (h *harness) push(dt time.Time, open, high, low, close, volume float64) {
	h.t.Helper()
	require.NoError(h.t, h.dispatch(dt, open, high, low, close, volume))
}

func (h *harness) submit(o *order.Order, err error) *order.Order {
	h.t.Helper()
	require.NoError(h.t, err)
	require.NoError(h.t, h.broker.SubmitOrder(o))
	return o
}

func (h *harness) eventTypes() []order.EventType {
	ret := make([]order.EventType, 0, len(h.events))
	for _, evt := range h.events {
		ret = append(ret, evt.Type)
	}
	return ret
}

func (h *harness) lastEvent() order.Event {
	require.NotEmpty(h.t, h.events)
	return h.events[len(h.events)-1]
}

func minute(day, n int) time.Time {
	return day0.AddDate(0, 0, day).Add(9*time.Hour + 30*time.Minute + time.Duration(n)*time.Minute)
}

func TestNew(t *testing.T) {
	_, err := New(nil, Config{})
	assert.ErrorIs(t, err, exception.ErrNilFeed)

	_, err = New(feed.NewMemory(bar.FrequencyDay), Config{Cash: -1})
	assert.ErrorIs(t, err, exception.ErrNegativeCash)

	_, err = New(feed.NewMemory(bar.FrequencyDay), Config{UseAdjustedValues: true})
	assert.ErrorIs(t, err, exception.ErrNoAdjustedClose)

	b, err := New(feed.NewMemory(bar.FrequencyDay), Config{Cash: 1000})
	require.NoError(t, err)
	assert.Equal(t, 1000.0, b.Cash())
	assert.Equal(t, 1000.0, b.Equity())
	assert.IsType(t, commission.NoCommission{}, b.Commission())
	assert.IsType(t, &fill.DefaultStrategy{}, b.FillStrategy())
	assert.False(t, b.AllowNegativeCash())
	assert.False(t, b.UseAdjustedValues())
}

func TestMarketOrderEndToEnd(t *testing.T) {
	h := newHarness(t, bar.FrequencyDay, Config{Cash: 1000})
	o := h.submit(h.broker.CreateMarketOrder(order.ActionBuy, testInstrument, 1, false))
	assert.Equal(t, uint64(1), o.ID())
	assert.True(t, o.IsSubmitted())

	h.push(day0, 50, 55, 45, 52, 100)

	assert.True(t, o.IsFilled())
	assert.Equal(t, 950.0, h.broker.Cash())
	assert.Equal(t, 1.0, h.broker.Shares(testInstrument))
	assert.Equal(t, 1002.0, h.broker.Equity())
	assert.Equal(t, day0, o.AcceptedAt())
	assert.Equal(t, 50.0, o.AvgFillPrice())
	assert.Empty(t, h.broker.ActiveOrders())
	assert.Equal(t, []order.EventType{order.EventSubmitted, order.EventAccepted, order.EventFilled}, h.eventTypes())

	last := h.lastEvent()
	require.NotNil(t, last.Execution)
	assert.Equal(t, order.ExecutionInfo{Price: 50, Quantity: 1, DateTime: day0}, *last.Execution)
}

func TestOrderSubmittedDuringBarsIsDeferred(t *testing.T) {
	h := newHarness(t, bar.FrequencyDay, Config{Cash: 1000})

	var o *order.Order
	h.feed.Subscribe(func(dateTime time.Time, _ bar.Bars) error {
		if o != nil {
			return nil
		}
		o = h.submit(h.broker.CreateMarketOrder(order.ActionBuy, testInstrument, 1, false))
		return nil
	})

	h.push(day0, 50, 55, 45, 52, 100)
	require.NotNil(t, o)
	assert.True(t, o.IsSubmitted())
	assert.Equal(t, day0, o.SubmittedAt())
	assert.Equal(t, 1000.0, h.broker.Cash())

	h.push(day0.AddDate(0, 0, 1), 60, 65, 55, 62, 100)
	assert.True(t, o.IsFilled())
	assert.Equal(t, 940.0, h.broker.Cash())
}

func TestNegativeCashGuard(t *testing.T) {
	m := obs.NewMetrics()
	h := newHarness(t, bar.FrequencyMinute, Config{Cash: 10, Metrics: m})
	o := h.submit(h.broker.CreateMarketOrder(order.ActionBuy, testInstrument, 1, false))

	h.push(minute(0, 0), 50, 55, 45, 52, 100)
	h.push(minute(0, 1), 50, 55, 45, 52, 100)
	assert.True(t, o.IsAccepted())
	assert.Equal(t, 10.0, h.broker.Cash())
	assert.Zero(t, h.broker.Shares(testInstrument))
	assert.Equal(t, uint64(2), m.NoFillCount(obs.NoFillInsufficientCash))

	h.broker.SetCash(100)
	h.push(minute(0, 2), 50, 55, 45, 52, 100)
	assert.True(t, o.IsFilled())
	assert.Equal(t, 50.0, h.broker.Cash())
}

func TestAllowNegativeCash(t *testing.T) {
	h := newHarness(t, bar.FrequencyMinute, Config{Cash: 10, AllowNegativeCash: true})
	o := h.submit(h.broker.CreateMarketOrder(order.ActionBuy, testInstrument, 1, false))

	h.push(minute(0, 0), 50, 55, 45, 52, 100)
	assert.True(t, o.IsFilled())
	assert.Equal(t, -40.0, h.broker.Cash())
}

func TestVolumeCapPartialFills(t *testing.T) {
	h := newHarness(t, bar.FrequencyMinute, Config{Cash: 1000})
	o := h.submit(h.broker.CreateMarketOrder(order.ActionBuy, testInstrument, 40, false))

	h.push(minute(0, 0), 10, 11, 9, 10, 100)
	assert.True(t, o.IsPartiallyFilled())
	assert.Equal(t, 25.0, o.Filled())
	assert.Equal(t, 15.0, o.Remaining())
	assert.Equal(t, 750.0, h.broker.Cash())
	assert.Len(t, h.broker.ActiveOrders(), 1)

	h.push(minute(0, 1), 10, 11, 9, 10, 100)
	assert.True(t, o.IsFilled())
	assert.Equal(t, 40.0, h.broker.Shares(testInstrument))
	assert.Equal(t, 600.0, h.broker.Cash())
	assert.Len(t, o.Executions(), 2)
	assert.Equal(t, []order.EventType{
		order.EventSubmitted,
		order.EventAccepted,
		order.EventPartiallyFilled,
		order.EventFilled,
	}, h.eventTypes())
}

func TestDailyOrdersExpireAfterTheirBar(t *testing.T) {
	m := obs.NewMetrics()
	h := newHarness(t, bar.FrequencyDay, Config{Cash: 1000, Metrics: m})
	o := h.submit(h.broker.CreateLimitOrder(order.ActionBuy, testInstrument, 10, 1))

	h.push(day0, 15, 16, 11, 15, 100)
	assert.True(t, o.IsCanceled())
	assert.Equal(t, reasonExpired, h.lastEvent().Reason)
	assert.Equal(t, []order.EventType{order.EventSubmitted, order.EventAccepted, order.EventCanceled}, h.eventTypes())
	assert.Empty(t, h.broker.ActiveOrders())
	assert.Equal(t, uint64(1), m.Snapshot().Expired)
}

func TestGoodTillCanceledSurvivesSessions(t *testing.T) {
	h := newHarness(t, bar.FrequencyDay, Config{Cash: 1000})
	o, err := h.broker.CreateLimitOrder(order.ActionBuy, testInstrument, 10, 1)
	require.NoError(t, err)
	require.NoError(t, o.SetGoodTillCanceled(true))
	h.submit(o, nil)

	h.push(day0, 15, 16, 11, 15, 100)
	h.push(day0.AddDate(0, 0, 1), 15, 16, 11, 15, 100)
	assert.True(t, o.IsAccepted())

	h.push(day0.AddDate(0, 0, 2), 9, 12, 4, 9, 100)
	assert.True(t, o.IsFilled())
	assert.Equal(t, 9.0, o.AvgFillPrice())
	assert.Equal(t, 991.0, h.broker.Cash())
}

func TestIntradayOrdersExpireNextSession(t *testing.T) {
	h := newHarness(t, bar.FrequencyMinute, Config{Cash: 1000})
	o := h.submit(h.broker.CreateLimitOrder(order.ActionBuy, testInstrument, 10, 1))

	h.push(minute(0, 0), 15, 16, 11, 15, 100)
	h.push(minute(0, 1), 15, 16, 11, 15, 100)
	assert.True(t, o.IsAccepted())

	// The limit is reachable but the order expired with the previous session.
	h.push(minute(1, 0), 9, 12, 4, 9, 100)
	assert.True(t, o.IsCanceled())
	assert.Zero(t, o.Filled())
	assert.Equal(t, reasonExpired, h.lastEvent().Reason)
	assert.Equal(t, 1000.0, h.broker.Cash())
}

func TestStopLatchesAcrossBars(t *testing.T) {
	h := newHarness(t, bar.FrequencyMinute, Config{Cash: 1000})
	o := h.submit(h.broker.CreateStopOrder(order.ActionSellShort, testInstrument, 10, 1))

	h.push(minute(0, 0), 15, 16, 11, 15, 100)
	assert.False(t, o.StopHit())

	// Triggered but too thin to fill.
	h.push(minute(0, 1), 15, 16, 10, 11, 2)
	assert.True(t, o.StopHit())
	assert.True(t, o.IsAccepted())

	h.push(minute(0, 2), 20, 21, 19, 20, 100)
	assert.True(t, o.IsFilled())
	assert.Equal(t, 20.0, o.AvgFillPrice())
	assert.Equal(t, -1.0, h.broker.Shares(testInstrument))
	assert.Equal(t, 1020.0, h.broker.Cash())
}

func TestOptionOrdersFillLikeTheirUnderlyingType(t *testing.T) {
	testCases := []struct {
		desc   string
		meta   order.OptionMeta
		create func(b *Broker) (*order.Order, error)
		bar    [5]float64
		price  float64
		cash   float64
		shares float64
	}{
		{
			desc: "put limit buy",
			meta: order.OptionMeta{Right: order.RightPut, Strike: 12, Expiry: day0.AddDate(0, 1, 0)},
			create: func(b *Broker) (*order.Order, error) {
				return b.CreateLimitOrder(order.ActionBuy, testInstrument, 10, 1)
			},
			bar:    [5]float64{9, 12, 4, 9, 100},
			price:  9,
			cash:   991,
			shares: 1,
		},
		{
			desc: "call stop sell short",
			meta: order.OptionMeta{Right: order.RightCall, Strike: 8, Expiry: day0.AddDate(0, 1, 0)},
			create: func(b *Broker) (*order.Order, error) {
				return b.CreateStopOrder(order.ActionSellShort, testInstrument, 10, 1)
			},
			bar:    [5]float64{15, 16, 10, 11, 100},
			price:  10,
			cash:   1010,
			shares: -1,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.desc, func(t *testing.T) {
			for _, withOption := range []bool{false, true} {
				h := newHarness(t, bar.FrequencyDay, Config{Cash: 1000})
				o, err := tc.create(h.broker)
				require.NoError(t, err)
				if withOption {
					require.NoError(t, o.SetOptionMeta(tc.meta))
				}
				h.submit(o, nil)

				h.push(day0, tc.bar[0], tc.bar[1], tc.bar[2], tc.bar[3], tc.bar[4])

				assert.Equal(t, withOption, o.IsOption())
				assert.True(t, o.IsFilled())
				assert.Equal(t, tc.price, o.AvgFillPrice())
				assert.Equal(t, tc.cash, h.broker.Cash())
				assert.Equal(t, tc.shares, h.broker.Shares(testInstrument))
				assert.Equal(t, order.EventFilled, h.lastEvent().Type)
			}
		})
	}
}

func TestMarketOnClose(t *testing.T) {
	intraday := newHarness(t, bar.FrequencyMinute, Config{Cash: 1000})
	_, err := intraday.broker.CreateMarketOrder(order.ActionBuy, testInstrument, 1, true)
	assert.ErrorIs(t, err, exception.ErrMarketOnCloseIntraday)

	h := newHarness(t, bar.FrequencyDay, Config{Cash: 1000})
	o := h.submit(h.broker.CreateMarketOrder(order.ActionBuy, testInstrument, 1, true))
	h.push(day0, 50, 55, 45, 52, 100)
	assert.True(t, o.IsFilled())
	assert.Equal(t, 948.0, h.broker.Cash())
}

func TestUseAdjustedValues(t *testing.T) {
	f := feed.NewMemory(bar.FrequencyDay)
	bars, err := bar.NewBars(map[string]bar.Bar{testInstrument: {
		DateTime: day0, Open: 20, High: 20, Low: 20, Close: 20, AdjClose: 10, Volume: 100, Frequency: bar.FrequencyDay,
	}})
	require.NoError(t, err)
	require.NoError(t, f.Append(bars))

	b, err := New(f, Config{Cash: 1000, UseAdjustedValues: true})
	require.NoError(t, err)
	assert.True(t, b.UseAdjustedValues())

	o, err := b.CreateMarketOrder(order.ActionBuy, testInstrument, 1, false)
	require.NoError(t, err)
	require.NoError(t, b.SubmitOrder(o))

	_, err = f.Dispatch()
	require.NoError(t, err)
	assert.True(t, o.IsFilled())
	assert.Equal(t, 990.0, b.Cash())
	assert.Equal(t, 1000.0, b.Equity())
}

func TestCommissionIsCharged(t *testing.T) {
	comm, err := commission.NewTradePercentage(0.01)
	require.NoError(t, err)
	h := newHarness(t, bar.FrequencyMinute, Config{Cash: 1000, Commission: comm})
	o := h.submit(h.broker.CreateMarketOrder(order.ActionBuy, testInstrument, 10, false))

	h.push(minute(0, 0), 50, 55, 45, 50, 100)
	assert.True(t, o.IsFilled())
	assert.InDelta(t, 5.0, o.Commissions(), 1e-9)
	assert.InDelta(t, 495.0, h.broker.Cash(), 1e-9)
	assert.InDelta(t, 995.0, h.broker.Equity(), 1e-9)
}

func TestCashExcludingShorts(t *testing.T) {
	h := newHarness(t, bar.FrequencyMinute, Config{Cash: 1000})
	h.submit(h.broker.CreateMarketOrder(order.ActionSellShort, testInstrument, 2, false))

	h.push(minute(0, 0), 10, 12, 9, 12, 100)
	assert.Equal(t, 1020.0, h.broker.Cash())
	assert.Equal(t, -2.0, h.broker.Shares(testInstrument))
	assert.Equal(t, 996.0, h.broker.CashExcludingShorts())
	assert.Equal(t, 996.0, h.broker.Equity())
	assert.Equal(t, []string{testInstrument}, h.broker.ActiveInstruments())
}

func TestFlatPositionsAreRemoved(t *testing.T) {
	h := newHarness(t, bar.FrequencyMinute, Config{Cash: 1000})
	h.submit(h.broker.CreateMarketOrder(order.ActionBuy, testInstrument, 2, false))
	h.push(minute(0, 0), 10, 11, 9, 10, 100)
	assert.Equal(t, map[string]float64{testInstrument: 2}, h.broker.Positions())

	h.submit(h.broker.CreateMarketOrder(order.ActionSell, testInstrument, 2, false))
	h.push(minute(0, 1), 11, 12, 10, 11, 100)
	assert.Empty(t, h.broker.Positions())
	assert.Empty(t, h.broker.ActiveInstruments())
	assert.Equal(t, 1002.0, h.broker.Cash())
}

func TestCancelOrder(t *testing.T) {
	h := newHarness(t, bar.FrequencyMinute, Config{Cash: 1000})

	o1, err := h.broker.CreateLimitOrder(order.ActionBuy, testInstrument, 10, 1)
	require.NoError(t, err)
	assert.ErrorIs(t, h.broker.CancelOrder(o1), exception.ErrOrderNotActive)

	h.submit(o1, nil)
	assert.ErrorIs(t, h.broker.SubmitOrder(o1), exception.ErrOrderAlreadyProcessed)

	require.NoError(t, h.broker.CancelOrder(o1))
	assert.True(t, o1.IsCanceled())
	assert.Equal(t, order.EventCanceled, h.lastEvent().Type)
	assert.Equal(t, "User requested cancellation", h.lastEvent().Reason)
	assert.ErrorIs(t, h.broker.CancelOrder(o1), exception.ErrOrderNotActive)

	o2 := h.submit(h.broker.CreateMarketOrder(order.ActionBuy, testInstrument, 1, false))
	assert.Equal(t, uint64(2), o2.ID())
	h.push(minute(0, 0), 10, 11, 9, 10, 100)
	require.True(t, o2.IsFilled())
	assert.ErrorIs(t, h.broker.CancelOrder(o2), exception.ErrOrderAlreadyFilled)
}

func TestCancelFromEventHandler(t *testing.T) {
	h := newHarness(t, bar.FrequencyMinute, Config{Cash: 1000})
	o1 := h.submit(h.broker.CreateLimitOrder(order.ActionBuy, testInstrument, 1, 1))
	o2 := h.submit(h.broker.CreateLimitOrder(order.ActionBuy, testInstrument, 1, 1))

	h.broker.Subscribe(func(evt order.Event) {
		if evt.Type == order.EventAccepted && evt.Order == o1 {
			require.NoError(t, h.broker.CancelOrder(o2))
		}
	})

	h.push(minute(0, 0), 10, 11, 9, 10, 100)
	assert.True(t, o1.IsAccepted())
	assert.True(t, o2.IsCanceled())
	assert.Equal(t, []*order.Order{o1}, h.broker.ActiveOrders())
	assert.Equal(t, []order.EventType{
		order.EventSubmitted,
		order.EventSubmitted,
		order.EventAccepted,
		order.EventCanceled,
	}, h.eventTypes())
}

func TestActiveOrdersFor(t *testing.T) {
	h := newHarness(t, bar.FrequencyMinute, Config{Cash: 1000})
	a := h.submit(h.broker.CreateLimitOrder(order.ActionBuy, testInstrument, 1, 1))
	b := h.submit(h.broker.CreateLimitOrder(order.ActionBuy, "ibm", 1, 1))
	c := h.submit(h.broker.CreateLimitOrder(order.ActionSell, testInstrument, 100, 1))

	assert.Equal(t, []*order.Order{a, b, c}, h.broker.ActiveOrders())
	assert.Equal(t, []*order.Order{a, c}, h.broker.ActiveOrdersFor(testInstrument))
	assert.Equal(t, []*order.Order{b}, h.broker.ActiveOrdersFor("ibm"))
	assert.Empty(t, h.broker.ActiveOrdersFor("msft"))
}

func TestRiskDenied(t *testing.T) {
	m := obs.NewMetrics()
	h := newHarness(t, bar.FrequencyMinute, Config{
		Cash:    1000,
		Risk:    risk.NewEngine(risk.Config{MaxOrderQty: 5}),
		Metrics: m,
	})

	o, err := h.broker.CreateMarketOrder(order.ActionBuy, testInstrument, 10, false)
	require.NoError(t, err)
	assert.ErrorIs(t, h.broker.SubmitOrder(o), exception.ErrRiskDenied)
	assert.True(t, o.IsInitial())
	assert.Empty(t, h.broker.ActiveOrders())
	assert.Equal(t, uint64(1), m.Snapshot().RiskDenied)

	h.submit(h.broker.CreateMarketOrder(order.ActionBuy, testInstrument, 5, false))
}

// rejectingStrategy proposes full fills and then refuses to register them.
type rejectingStrategy struct{}

func (rejectingStrategy) OnBars(fill.Broker, bar.Bars) {}

func (rejectingStrategy) OnOrderFilled(fill.Broker, *order.Order, order.ExecutionInfo) error {
	return exception.ErrInvalidFillQuantity
}

func (rejectingStrategy) propose(o *order.Order) (fill.Info, bool) {
	return fill.Info{Price: 10, Quantity: o.Remaining()}, true
}

func (s rejectingStrategy) FillMarketOrder(_ fill.Broker, o *order.Order, _ bar.Bar) (fill.Info, bool) {
	return s.propose(o)
}

func (s rejectingStrategy) FillLimitOrder(_ fill.Broker, o *order.Order, _ bar.Bar) (fill.Info, bool) {
	return s.propose(o)
}

func (s rejectingStrategy) FillStopOrder(_ fill.Broker, o *order.Order, _ bar.Bar) (fill.Info, bool) {
	return s.propose(o)
}

func (s rejectingStrategy) FillStopLimitOrder(_ fill.Broker, o *order.Order, _ bar.Bar) (fill.Info, bool) {
	return s.propose(o)
}

func TestFillRegistrationFailureLeavesLedgerUntouched(t *testing.T) {
	h := newHarness(t, bar.FrequencyMinute, Config{Cash: 1000, FillStrategy: rejectingStrategy{}})
	o := h.submit(h.broker.CreateMarketOrder(order.ActionBuy, testInstrument, 5, false))

	err := h.dispatch(minute(0, 0), 10, 11, 9, 10, 100)
	require.ErrorIs(t, err, exception.ErrInvalidFillQuantity)

	assert.True(t, o.IsAccepted())
	assert.Zero(t, o.Filled())
	assert.Empty(t, o.Executions())
	assert.Equal(t, 1000.0, h.broker.Cash())
	assert.Empty(t, h.broker.Positions())
	assert.Equal(t, []order.EventType{order.EventSubmitted, order.EventAccepted}, h.eventTypes())
}

func TestSnapshotRoundTrip(t *testing.T) {
	h := newHarness(t, bar.FrequencyDay, Config{Cash: 1000})
	h.submit(h.broker.CreateMarketOrder(order.ActionBuy, testInstrument, 1, false))
	h.push(day0, 50, 55, 45, 52, 100)

	gtc, err := h.broker.CreateLimitOrder(order.ActionBuy, testInstrument, 1, 1)
	require.NoError(t, err)
	require.NoError(t, gtc.SetGoodTillCanceled(true))
	h.submit(gtc, nil)

	snap := h.broker.Snapshot()
	assert.Equal(t, day0, snap.DateTime)
	assert.Equal(t, 950.0, snap.Cash)
	assert.Equal(t, 1002.0, snap.Equity)
	assert.Equal(t, []PositionEntry{{Instrument: testInstrument, Shares: 1}}, snap.Positions)
	require.Len(t, snap.ActiveOrders, 1)
	assert.Equal(t, "submitted", snap.ActiveOrders[0].State)

	path := filepath.Join(t.TempDir(), "out", "snapshot.json")
	require.NoError(t, WriteSnapshot(path, snap))
	loaded, err := ReadSnapshot(path)
	require.NoError(t, err)
	assert.NoError(t, CompareSnapshots(snap, loaded))

	loaded.Positions[0].Shares = 2
	assert.Error(t, CompareSnapshots(snap, loaded))
	loaded.Cash = 1
	assert.Error(t, CompareSnapshots(snap, loaded))
}

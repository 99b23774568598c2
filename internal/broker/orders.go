package broker

import (
	"fmt"
	"sort"

	"backtest/internal/order"
	"backtest/internal/risk"
	"backtest/pkg/exception"
)

// CreateMarketOrder builds a market order. onClose requests a fill at the
// close of the next bar and is not supported on intraday feeds.
func (b *Broker) CreateMarketOrder(action order.Action, instrumentName string, quantity float64, onClose bool) (*order.Order, error) {
	if onClose && b.feed.IsIntraday() {
		return nil, exception.ErrMarketOnCloseIntraday
	}
	return order.NewMarket(action, instrumentName, quantity, onClose, b.instruments.Traits(instrumentName))
}

func (b *Broker) CreateLimitOrder(action order.Action, instrumentName string, limitPrice, quantity float64) (*order.Order, error) {
	return order.NewLimit(action, instrumentName, limitPrice, quantity, b.instruments.Traits(instrumentName))
}

func (b *Broker) CreateStopOrder(action order.Action, instrumentName string, stopPrice, quantity float64) (*order.Order, error) {
	return order.NewStop(action, instrumentName, stopPrice, quantity, b.instruments.Traits(instrumentName))
}

func (b *Broker) CreateStopLimitOrder(action order.Action, instrumentName string, stopPrice, limitPrice, quantity float64) (*order.Order, error) {
	return order.NewStopLimit(action, instrumentName, stopPrice, limitPrice, quantity, b.instruments.Traits(instrumentName))
}

// SubmitOrder registers an Initial order and moves it to Submitted. It is
// processed starting with the next bar set.
func (b *Broker) SubmitOrder(o *order.Order) error {
	if o == nil {
		return exception.ErrNilInstance
	}
	if !o.IsInitial() {
		return fmt.Errorf("%w: %s", exception.ErrOrderAlreadyProcessed, o)
	}

	if b.risk != nil {
		decision := b.risk.Evaluate(o, b.riskView(o.Instrument()))
		if !decision.Allowed() {
			b.metrics.IncRiskDenied()
			return fmt.Errorf("%w: %s (%s)", exception.ErrRiskDenied, decision.Reason, o)
		}
	}

	id := b.nextOrderID
	if _, ok := b.active.Get(orderKey(id)); ok {
		return fmt.Errorf("%w: id %d", exception.ErrDuplicateOrder, id)
	}
	if err := o.Submit(id, b.currentDateTime()); err != nil {
		return err
	}
	b.nextOrderID++
	b.active.Set(o)

	b.notify(order.Event{Type: order.EventSubmitted, Order: o})
	return nil
}

// CancelOrder cancels an active order at the user's request.
func (b *Broker) CancelOrder(o *order.Order) error {
	if o == nil {
		return exception.ErrNilInstance
	}
	if o.IsFilled() {
		return fmt.Errorf("%w: %s", exception.ErrOrderAlreadyFilled, o)
	}
	registered, ok := b.active.Get(o)
	if !ok || registered != o {
		return fmt.Errorf("%w: %s", exception.ErrOrderNotActive, o)
	}

	if err := o.Cancel(); err != nil {
		return err
	}
	b.active.Delete(o)
	b.notify(order.Event{Type: order.EventCanceled, Order: o, Reason: "User requested cancellation"})
	return nil
}

func (b *Broker) riskView(instrumentName string) risk.StateView {
	view := risk.StateView{
		Position: b.shares[instrumentName],
		Now:      b.currentDateTime(),
	}
	if bars, ok := b.feed.CurrentBars(); ok {
		if price, ok := b.closePrice(bars, instrumentName); ok {
			view.ReferencePrice = price
		}
	}
	return view
}

func (b *Broker) unregister(o *order.Order) {
	b.active.Delete(o)
}

// orderKey builds a registry lookup key for an id that may not be
// registered yet.
func orderKey(id uint64) *order.Order {
	return order.Key(id)
}

func sortedStrings(s []string) []string {
	sort.Strings(s)
	return s
}

package broker

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/yanun0323/logs"

	"backtest/internal/bar"
	"backtest/internal/fill"
	"backtest/internal/obs"
	"backtest/internal/order"
)

const reasonExpired = "Expired"

// OnBars processes the active orders against a new bar set. Orders submitted
// while it runs are not processed until the next bar set.
func (b *Broker) OnBars(dateTime time.Time, bars bar.Bars) error {
	start := time.Now()
	defer func() { b.metrics.ObserveBars(time.Since(start)) }()

	b.fillStrategy.OnBars(b, bars)

	for _, o := range b.active.Items() {
		br, ok := bars.Get(o.Instrument())
		if !ok {
			continue
		}
		if err := b.processOrder(o, br); err != nil {
			return fmt.Errorf("process order %d at %s: %w", o.ID(), dateTime, err)
		}
	}
	return nil
}

func (b *Broker) processOrder(o *order.Order, br bar.Bar) error {
	if o.IsSubmitted() {
		if err := o.Accept(br.DateTime); err != nil {
			return err
		}
		b.notify(order.Event{Type: order.EventAccepted, Order: o})
	}

	// Canceled from an event handler earlier in this loop.
	if !o.IsActive() {
		return nil
	}

	if !o.GoodTillCanceled() && br.Date().After(bar.DateOf(o.AcceptedAt())) {
		return b.expire(o)
	}

	if info, ok := fill.Process(b.fillStrategy, b, o, br); ok {
		if err := b.commitOrderExecution(o, br.DateTime, info); err != nil {
			return err
		}
	}

	if o.IsActive() && !o.GoodTillCanceled() && b.feed.Frequency() >= bar.FrequencyDay &&
		!br.Date().Before(bar.DateOf(o.AcceptedAt())) {
		return b.expire(o)
	}
	return nil
}

func (b *Broker) expire(o *order.Order) error {
	if err := o.Cancel(); err != nil {
		return err
	}
	b.unregister(o)
	b.metrics.IncExpired()
	b.notify(order.Event{Type: order.EventCanceled, Order: o, Reason: reasonExpired})
	return nil
}

// commitOrderExecution applies a fill to the order and the ledger. A fill
// that would leave the cash negative is skipped and retried on later bars.
// An error leaves both the order and the ledger untouched.
func (b *Broker) commitOrderExecution(o *order.Order, dateTime time.Time, info fill.Info) error {
	price := decimal.NewFromFloat(info.Price)
	quantity := decimal.NewFromFloat(info.Quantity)

	var (
		cost        decimal.Decimal
		sharesDelta float64
	)
	switch {
	case o.IsBuy():
		cost = price.Mul(quantity).Neg()
		sharesDelta = info.Quantity
	case o.IsSell():
		cost = price.Mul(quantity)
		sharesDelta = -info.Quantity
	default:
		return fmt.Errorf("commit order %d: unknown action %s", o.ID(), o.Action())
	}

	fee := b.commission.Calculate(o, info.Price, info.Quantity)
	cost = cost.Sub(decimal.NewFromFloat(fee))
	resultingCash := b.cash.Add(cost)

	if resultingCash.IsNegative() && !b.allowNegativeCash {
		logs.Debugf("not enough cash to fill %s order [%d] for %v share/s", o.Instrument(), o.ID(), o.Remaining())
		b.metrics.IncNoFill(obs.NoFillInsufficientCash)
		return nil
	}

	execution := order.ExecutionInfo{
		Price:      info.Price,
		Quantity:   info.Quantity,
		Commission: fee,
		DateTime:   dateTime,
	}
	if err := o.ValidateExecution(execution); err != nil {
		return err
	}
	if err := b.fillStrategy.OnOrderFilled(b, o, execution); err != nil {
		return err
	}
	if err := o.AddExecution(execution); err != nil {
		return err
	}

	b.cash = resultingCash
	b.applyFill(o, sharesDelta)

	switch {
	case o.IsFilled():
		b.unregister(o)
		b.notify(order.Event{Type: order.EventFilled, Order: o, Execution: &execution})
	case o.IsPartiallyFilled():
		b.notify(order.Event{Type: order.EventPartiallyFilled, Order: o, Execution: &execution})
	}
	return nil
}

// applyFill updates the position of the order's instrument. Flat positions
// are removed.
func (b *Broker) applyFill(o *order.Order, delta float64) {
	name := o.Instrument()
	next := o.Traits().RoundQuantity(b.shares[name] + delta)
	if next == 0 {
		delete(b.shares, name)
		return
	}
	b.shares[name] = next
}

package order

import (
	"fmt"
	"math"
	"time"

	"backtest/internal/instrument"
	"backtest/pkg/exception"
)

// Order is a single order and its lifecycle. Orders are built by the broker
// factories and owned by the broker from submission until they fill or get
// canceled.
type Order struct {
	id         uint64
	typ        Type
	action     Action
	instrument string
	quantity   float64
	traits     instrument.Traits

	option           *OptionMeta
	goodTillCanceled bool
	allOrNone        bool
	fillOnClose      bool
	limitPrice       float64
	stopPrice        float64
	stopHit          bool

	state       State
	submittedAt time.Time
	acceptedAt  time.Time

	filled       float64
	avgFillPrice float64
	commissions  float64
	executions   []ExecutionInfo
}

// NewMarket creates a market order. onClose requests a market-on-close fill.
func NewMarket(action Action, instrumentName string, quantity float64, onClose bool, traits instrument.Traits) (*Order, error) {
	o, err := newOrder(TypeMarket, action, instrumentName, quantity, traits)
	if err != nil {
		return nil, err
	}
	o.fillOnClose = onClose
	return o, nil
}

// NewLimit creates a limit order.
func NewLimit(action Action, instrumentName string, limitPrice, quantity float64, traits instrument.Traits) (*Order, error) {
	if err := validatePrice("limit", limitPrice); err != nil {
		return nil, err
	}
	o, err := newOrder(TypeLimit, action, instrumentName, quantity, traits)
	if err != nil {
		return nil, err
	}
	o.limitPrice = limitPrice
	return o, nil
}

// NewStop creates a stop order, which becomes a market order once the stop
// price is hit.
func NewStop(action Action, instrumentName string, stopPrice, quantity float64, traits instrument.Traits) (*Order, error) {
	if err := validatePrice("stop", stopPrice); err != nil {
		return nil, err
	}
	o, err := newOrder(TypeStop, action, instrumentName, quantity, traits)
	if err != nil {
		return nil, err
	}
	o.stopPrice = stopPrice
	return o, nil
}

// NewStopLimit creates a stop-limit order, which becomes a limit order once
// the stop price is hit.
func NewStopLimit(action Action, instrumentName string, stopPrice, limitPrice, quantity float64, traits instrument.Traits) (*Order, error) {
	if err := validatePrice("stop", stopPrice); err != nil {
		return nil, err
	}
	if err := validatePrice("limit", limitPrice); err != nil {
		return nil, err
	}
	o, err := newOrder(TypeStopLimit, action, instrumentName, quantity, traits)
	if err != nil {
		return nil, err
	}
	o.stopPrice = stopPrice
	o.limitPrice = limitPrice
	return o, nil
}

func newOrder(typ Type, action Action, instrumentName string, quantity float64, traits instrument.Traits) (*Order, error) {
	if action == ActionUnknown || action > ActionSellShort {
		return nil, fmt.Errorf("%w: %d", exception.ErrInvalidAction, action)
	}
	if instrumentName == "" {
		return nil, fmt.Errorf("%w: empty instrument", exception.ErrInvalidArgument)
	}
	if traits == nil {
		traits = instrument.IntegerTraits{}
	}
	rounded := traits.RoundQuantity(quantity)
	if math.IsNaN(rounded) || math.IsInf(rounded, 0) || rounded <= 0 {
		return nil, fmt.Errorf("%w: %v", exception.ErrInvalidQuantity, quantity)
	}
	return &Order{
		typ:        typ,
		action:     action,
		instrument: instrumentName,
		quantity:   rounded,
		traits:     traits,
		state:      StateInitial,
	}, nil
}

// Key returns a bare order carrying only id, for lookups in id-ordered
// collections.
func Key(id uint64) *Order {
	return &Order{id: id}
}

func validatePrice(name string, price float64) error {
	if math.IsNaN(price) || math.IsInf(price, 0) || price <= 0 {
		return fmt.Errorf("%w: %s price %v", exception.ErrInvalidPrice, name, price)
	}
	return nil
}

func (o *Order) ID() uint64                { return o.id }
func (o *Order) Type() Type                { return o.typ }
func (o *Order) Action() Action            { return o.action }
func (o *Order) Instrument() string        { return o.instrument }
func (o *Order) Quantity() float64         { return o.quantity }
func (o *Order) Traits() instrument.Traits { return o.traits }
func (o *Order) State() State              { return o.state }
func (o *Order) SubmittedAt() time.Time    { return o.submittedAt }
func (o *Order) AcceptedAt() time.Time     { return o.acceptedAt }
func (o *Order) GoodTillCanceled() bool    { return o.goodTillCanceled }
func (o *Order) AllOrNone() bool           { return o.allOrNone }
func (o *Order) FillOnClose() bool         { return o.fillOnClose }
func (o *Order) LimitPrice() float64       { return o.limitPrice }
func (o *Order) StopPrice() float64        { return o.stopPrice }
func (o *Order) StopHit() bool             { return o.stopHit }
func (o *Order) Filled() float64           { return o.filled }
func (o *Order) AvgFillPrice() float64     { return o.avgFillPrice }
func (o *Order) Commissions() float64      { return o.commissions }

func (o *Order) IsBuy() bool  { return o.action.IsBuy() }
func (o *Order) IsSell() bool { return o.action.IsSell() }

func (o *Order) IsInitial() bool         { return o.state == StateInitial }
func (o *Order) IsSubmitted() bool       { return o.state == StateSubmitted }
func (o *Order) IsAccepted() bool        { return o.state == StateAccepted }
func (o *Order) IsPartiallyFilled() bool { return o.state == StatePartiallyFilled }
func (o *Order) IsFilled() bool          { return o.state == StateFilled }
func (o *Order) IsCanceled() bool        { return o.state == StateCanceled }

// IsActive reports whether the order can still be processed or canceled.
func (o *Order) IsActive() bool {
	return isActive(o.state)
}

// IsTerminal reports whether the order reached Filled or Canceled.
func (o *Order) IsTerminal() bool {
	return isTerminal(o.state)
}

// Remaining returns the quantity left to fill.
func (o *Order) Remaining() float64 {
	return o.traits.RoundQuantity(o.quantity - o.filled)
}

// Option returns the option metadata, if any.
func (o *Order) Option() (OptionMeta, bool) {
	if o.option == nil {
		return OptionMeta{}, false
	}
	return *o.option, true
}

// IsOption reports whether the order carries option metadata.
func (o *Order) IsOption() bool {
	return o.option != nil
}

// Executions returns a copy of the fills applied so far, oldest first.
func (o *Order) Executions() []ExecutionInfo {
	return append([]ExecutionInfo(nil), o.executions...)
}

// LastExecution returns the most recent fill.
func (o *Order) LastExecution() (ExecutionInfo, bool) {
	if len(o.executions) == 0 {
		return ExecutionInfo{}, false
	}
	return o.executions[len(o.executions)-1], true
}

// SetGoodTillCanceled keeps the order alive across sessions.
func (o *Order) SetGoodTillCanceled(v bool) error {
	if err := o.requireInitial(); err != nil {
		return err
	}
	o.goodTillCanceled = v
	return nil
}

// SetAllOrNone forbids partial fills.
func (o *Order) SetAllOrNone(v bool) error {
	if err := o.requireInitial(); err != nil {
		return err
	}
	o.allOrNone = v
	return nil
}

// SetOptionMeta turns the order into an option order.
func (o *Order) SetOptionMeta(meta OptionMeta) error {
	if err := o.requireInitial(); err != nil {
		return err
	}
	if meta.Right != RightPut && meta.Right != RightCall {
		return fmt.Errorf("%w: option right %d", exception.ErrInvalidArgument, meta.Right)
	}
	if err := validatePrice("strike", meta.Strike); err != nil {
		return err
	}
	o.option = &meta
	return nil
}

// MarkStopHit latches the stop trigger. It never resets.
func (o *Order) MarkStopHit() {
	if o.typ == TypeStop || o.typ == TypeStopLimit {
		o.stopHit = true
	}
}

// Submit moves the order from Initial to Submitted.
func (o *Order) Submit(id uint64, dateTime time.Time) error {
	if o.state != StateInitial {
		return fmt.Errorf("%w: order %d is %s", exception.ErrOrderAlreadyProcessed, o.id, o.state)
	}
	if id == 0 {
		return fmt.Errorf("%w: order id must be > 0", exception.ErrInvalidArgument)
	}
	o.id = id
	o.submittedAt = dateTime
	o.state = StateSubmitted
	return nil
}

// Accept moves the order from Submitted to Accepted.
func (o *Order) Accept(dateTime time.Time) error {
	if err := o.switchState(StateAccepted); err != nil {
		return err
	}
	o.acceptedAt = dateTime
	return nil
}

// Cancel moves an active order to Canceled.
func (o *Order) Cancel() error {
	if o.state == StateFilled {
		return fmt.Errorf("%w: order %d", exception.ErrOrderAlreadyFilled, o.id)
	}
	return o.switchState(StateCanceled)
}

// ValidateExecution checks that info can be applied without changing anything.
func (o *Order) ValidateExecution(info ExecutionInfo) error {
	if o.state != StateAccepted && o.state != StatePartiallyFilled {
		return fmt.Errorf("%w: order %d is %s", exception.ErrInvalidTransition, o.id, o.state)
	}
	if info.Quantity <= 0 || math.IsNaN(info.Quantity) {
		return fmt.Errorf("%w: fill size %v", exception.ErrInvalidExecution, info.Quantity)
	}
	if remaining := o.Remaining(); info.Quantity > remaining {
		return fmt.Errorf("%w: %v left and %v filled", exception.ErrInvalidExecution, remaining, info.Quantity)
	}
	return nil
}

// AddExecution applies a fill and advances the state to PartiallyFilled or
// Filled.
func (o *Order) AddExecution(info ExecutionInfo) error {
	if err := o.ValidateExecution(info); err != nil {
		return err
	}

	total := o.avgFillPrice*o.filled + info.Price*info.Quantity
	o.filled = o.traits.RoundQuantity(o.filled + info.Quantity)
	if o.filled > 0 {
		o.avgFillPrice = total / o.filled
	}
	o.commissions += info.Commission
	o.executions = append(o.executions, info)

	if o.Remaining() == 0 {
		o.state = StateFilled
	} else {
		o.state = StatePartiallyFilled
	}
	return nil
}

func (o *Order) switchState(next State) error {
	if !canTransition(o.state, next) {
		return fmt.Errorf("%w: order %d %s -> %s", exception.ErrInvalidTransition, o.id, o.state, next)
	}
	o.state = next
	return nil
}

func (o *Order) requireInitial() error {
	if o.state != StateInitial {
		return fmt.Errorf("%w: order %d is %s", exception.ErrOrderAlreadyProcessed, o.id, o.state)
	}
	return nil
}

func (o *Order) String() string {
	return fmt.Sprintf("%s %s order [%d] %s %v (%s)", o.instrument, o.typ, o.id, o.action, o.quantity, o.state)
}

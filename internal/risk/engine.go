package risk

import (
	"math"
	"time"

	"backtest/internal/order"
)

// Action is the outcome of a risk evaluation.
type Action uint8

const (
	ActionAllow Action = iota
	ActionDeny
)

func (a Action) String() string {
	if a == ActionDeny {
		return "deny"
	}
	return "allow"
}

// Reason tells which limit denied an order.
type Reason uint8

const (
	ReasonNone Reason = iota
	ReasonKillSwitch
	ReasonRateLimit
	ReasonMaxQty
	ReasonPriceBand
	ReasonMaxNotional
	ReasonPositionLimit
)

func (r Reason) String() string {
	switch r {
	case ReasonKillSwitch:
		return "kill-switch"
	case ReasonRateLimit:
		return "rate-limit"
	case ReasonMaxQty:
		return "max-qty"
	case ReasonPriceBand:
		return "price-band"
	case ReasonMaxNotional:
		return "max-notional"
	case ReasonPositionLimit:
		return "position-limit"
	default:
		return "none"
	}
}

// Config defines simple pre-trade limits. Zero values disable a limit.
type Config struct {
	KillSwitch           bool          `json:"killSwitch"`
	MaxOrderQty          float64       `json:"maxOrderQty"`
	MaxOrderNotional     float64       `json:"maxOrderNotional"`
	MaxPosition          float64       `json:"maxPosition"`
	OrderRateLimit       int           `json:"orderRateLimit"`
	OrderRateWindow      time.Duration `json:"orderRateWindow"`
	MaxPriceDeviationBps float64       `json:"maxPriceDeviationBps"`
}

// StateView is what the broker knows about the order's instrument.
// Now is the simulated time of the submission.
type StateView struct {
	Position       float64
	ReferencePrice float64
	Now            time.Time
}

// Decision is the result of evaluating one order.
type Decision struct {
	Action      Action
	Reason      Reason
	Quantity    float64
	Notional    float64
	CurrentPos  float64
	ResultPos   float64
	MaxPos      float64
	MaxNotional float64
}

// Allowed reports whether the order may be submitted.
func (d Decision) Allowed() bool {
	return d.Action == ActionAllow
}

// Engine evaluates risk decisions.
type Engine struct {
	cfg             Config
	rateWindowStart time.Time
	rateCount       int
}

// NewEngine creates a risk engine with static limits.
func NewEngine(cfg Config) *Engine {
	return &Engine{cfg: cfg}
}

// Config returns the configured limits.
func (e *Engine) Config() Config {
	return e.cfg
}

// Evaluate applies the configured limits to an order about to be submitted.
func (e *Engine) Evaluate(o *order.Order, state StateView) Decision {
	decision := Decision{
		Action:      ActionAllow,
		Reason:      ReasonNone,
		Quantity:    o.Quantity(),
		CurrentPos:  state.Position,
		MaxPos:      e.cfg.MaxPosition,
		MaxNotional: e.cfg.MaxOrderNotional,
	}

	deny := func(reason Reason) Decision {
		decision.Action = ActionDeny
		decision.Reason = reason
		return decision
	}

	if e.cfg.KillSwitch {
		return deny(ReasonKillSwitch)
	}

	if e.cfg.OrderRateLimit > 0 && e.cfg.OrderRateWindow > 0 {
		if e.rateWindowStart.IsZero() || state.Now.Sub(e.rateWindowStart) >= e.cfg.OrderRateWindow {
			e.rateWindowStart = state.Now
			e.rateCount = 0
		}
		e.rateCount++
		if e.rateCount > e.cfg.OrderRateLimit {
			return deny(ReasonRateLimit)
		}
	}

	if e.cfg.MaxOrderQty > 0 && o.Quantity() > e.cfg.MaxOrderQty {
		return deny(ReasonMaxQty)
	}

	if e.cfg.MaxPriceDeviationBps > 0 && hasLimit(o) && state.ReferencePrice > 0 {
		diff := math.Abs(o.LimitPrice() - state.ReferencePrice)
		if diff*10000 > state.ReferencePrice*e.cfg.MaxPriceDeviationBps {
			return deny(ReasonPriceBand)
		}
	}

	decision.Notional = math.Abs(orderPrice(o, state.ReferencePrice) * o.Quantity())
	if e.cfg.MaxOrderNotional > 0 && decision.Notional > e.cfg.MaxOrderNotional {
		return deny(ReasonMaxNotional)
	}

	decision.ResultPos = applyAction(state.Position, o.Action(), o.Quantity())
	if e.cfg.MaxPosition > 0 && math.Abs(decision.ResultPos) > e.cfg.MaxPosition {
		return deny(ReasonPositionLimit)
	}

	return decision
}

func hasLimit(o *order.Order) bool {
	return o.Type() == order.TypeLimit || o.Type() == order.TypeStopLimit
}

// orderPrice is the best guess of the execution price before the order
// reaches a bar.
func orderPrice(o *order.Order, ref float64) float64 {
	switch o.Type() {
	case order.TypeLimit, order.TypeStopLimit:
		return o.LimitPrice()
	case order.TypeStop:
		return o.StopPrice()
	default:
		return ref
	}
}

func applyAction(pos float64, action order.Action, qty float64) float64 {
	switch {
	case action.IsBuy():
		return pos + qty
	case action.IsSell():
		return pos - qty
	default:
		return pos
	}
}

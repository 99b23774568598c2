package order

import "time"

// Type selects the fill algorithm applied to an order.
type Type uint16

const (
	TypeUnknown Type = iota
	TypeMarket
	TypeLimit
	TypeStop
	TypeStopLimit
)

func (t Type) String() string {
	switch t {
	case TypeMarket:
		return "market"
	case TypeLimit:
		return "limit"
	case TypeStop:
		return "stop"
	case TypeStopLimit:
		return "stop-limit"
	default:
		return "unknown"
	}
}

// ParseType resolves an order type name as written in config files.
func ParseType(name string) (Type, bool) {
	for _, t := range []Type{TypeMarket, TypeLimit, TypeStop, TypeStopLimit} {
		if t.String() == name {
			return t, true
		}
	}
	return TypeUnknown, false
}

// Action describes order direction.
type Action uint16

const (
	ActionUnknown Action = iota
	ActionBuy
	ActionBuyToCover
	ActionSell
	ActionSellShort
)

func (a Action) String() string {
	switch a {
	case ActionBuy:
		return "buy"
	case ActionBuyToCover:
		return "buy-to-cover"
	case ActionSell:
		return "sell"
	case ActionSellShort:
		return "sell-short"
	default:
		return "unknown"
	}
}

// IsBuy reports whether the action adds to the position.
func (a Action) IsBuy() bool {
	return a == ActionBuy || a == ActionBuyToCover
}

// IsSell reports whether the action reduces the position.
func (a Action) IsSell() bool {
	return a == ActionSell || a == ActionSellShort
}

// ParseAction resolves an action name as written in config files.
func ParseAction(name string) (Action, bool) {
	for _, a := range []Action{ActionBuy, ActionBuyToCover, ActionSell, ActionSellShort} {
		if a.String() == name {
			return a, true
		}
	}
	return ActionUnknown, false
}

// Right is the option right.
type Right uint16

const (
	RightUnknown Right = iota
	RightPut
	RightCall
)

func (r Right) String() string {
	switch r {
	case RightPut:
		return "put"
	case RightCall:
		return "call"
	default:
		return "unknown"
	}
}

// ParseRight resolves an option right name.
func ParseRight(name string) (Right, bool) {
	switch name {
	case RightPut.String():
		return RightPut, true
	case RightCall.String():
		return RightCall, true
	default:
		return RightUnknown, false
	}
}

// OptionMeta marks an order as an option order. Fill mechanics are the same
// as for the underlying order type.
type OptionMeta struct {
	Right  Right
	Strike float64
	Expiry time.Time
}

// ExecutionInfo records a single (partial) fill.
type ExecutionInfo struct {
	Price      float64
	Quantity   float64
	Commission float64
	DateTime   time.Time
}

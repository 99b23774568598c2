package order

// State tracks the lifecycle of an order.
type State uint16

const (
	StateInitial State = iota
	StateSubmitted
	StateAccepted
	StatePartiallyFilled
	StateFilled
	StateCanceled
)

func (s State) String() string {
	switch s {
	case StateInitial:
		return "initial"
	case StateSubmitted:
		return "submitted"
	case StateAccepted:
		return "accepted"
	case StatePartiallyFilled:
		return "partially-filled"
	case StateFilled:
		return "filled"
	case StateCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

var validTransitions = map[State][]State{
	StateInitial:         {StateSubmitted},
	StateSubmitted:       {StateAccepted, StateCanceled},
	StateAccepted:        {StatePartiallyFilled, StateFilled, StateCanceled},
	StatePartiallyFilled: {StatePartiallyFilled, StateFilled, StateCanceled},
}

func canTransition(from, to State) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func isTerminal(state State) bool {
	switch state {
	case StateFilled, StateCanceled:
		return true
	default:
		return false
	}
}

func isActive(state State) bool {
	switch state {
	case StateSubmitted, StateAccepted, StatePartiallyFilled:
		return true
	default:
		return false
	}
}

package order

// EventType is the kind of order lifecycle event.
type EventType uint16

const (
	EventUnknown EventType = iota
	EventSubmitted
	EventAccepted
	EventCanceled
	EventPartiallyFilled
	EventFilled
)

func (t EventType) String() string {
	switch t {
	case EventSubmitted:
		return "submitted"
	case EventAccepted:
		return "accepted"
	case EventCanceled:
		return "canceled"
	case EventPartiallyFilled:
		return "partially-filled"
	case EventFilled:
		return "filled"
	default:
		return "unknown"
	}
}

// Event is emitted by the broker on every order state change.
// Execution is set on fills, Reason on cancellations.
type Event struct {
	Type      EventType
	Order     *Order
	Execution *ExecutionInfo
	Reason    string
}

// Handler receives order events.
type Handler func(Event)

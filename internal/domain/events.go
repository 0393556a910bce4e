package domain

// OutputEvent is one flushed unit of sandbox output.
type OutputEvent struct {
	SessionID string
	Text      string
}

// InputKind distinguishes data from end-of-input.
type InputKind int

const (
	InputData InputKind = iota
	InputClose
)

func (k InputKind) String() string {
	if k == InputClose {
		return "close_input"
	}
	return "input"
}

// InputEvent is one unit of client-originated input.
type InputEvent struct {
	SessionID string
	Payload   string
	Kind      InputKind
}

// Delivery is the outcome of a best-effort delivery to a session.
// Delivery failures to vanished sessions are expected and never errors.
type Delivery int

const (
	Delivered Delivery = iota
	Dropped
)

func (d Delivery) String() string {
	if d == Dropped {
		return "dropped"
	}
	return "delivered"
}

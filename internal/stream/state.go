package stream

// State is the lifecycle state of a stream handle.
//
// States only move forward: idle → open → response-received →
// closed|failed → terminated. Closed and failed may also be reached from
// open. Terminated is absorbing.
type State uint8

const (
	// StateIdle: no transport stream attached yet.
	StateIdle State = iota
	// StateOpen: attached, no headers yet.
	StateOpen
	// StateResponseReceived: headers arrived.
	StateResponseReceived
	// StateClosed: the transport closed cleanly; teardown pending.
	StateClosed
	// StateFailed: an abort or transport error was observed; teardown pending.
	StateFailed
	// StateTerminated: teardown complete, references released.
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateOpen:
		return "open"
	case StateResponseReceived:
		return "response-received"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transport events are accepted.
func (s State) Terminal() bool {
	return s >= StateClosed
}

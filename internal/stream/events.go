package stream

import "sync"

// EventKind identifies a notification published by a Stream.
type EventKind uint8

const (
	// EventResponse carries the response headers.
	EventResponse EventKind = iota + 1
	// EventData carries one payload chunk.
	EventData
	// EventError carries the transport error that failed the stream.
	EventError
	// EventBackpressure reports that the peer asked us to slow down.
	// It always precedes the EventError for the same error.
	EventBackpressure
	// EventEnd is the last notification of a stream. Err is nil on a clean
	// close.
	EventEnd
)

func (k EventKind) String() string {
	switch k {
	case EventResponse:
		return "response"
	case EventData:
		return "data"
	case EventError:
		return "error"
	case EventBackpressure:
		return "backpressure"
	case EventEnd:
		return "end"
	default:
		return "unknown"
	}
}

// Event is a normalized stream notification.
type Event struct {
	Kind    EventKind
	Headers Headers
	Chunk   []byte
	Err     error
}

// Observer receives notifications. Observers run on whichever goroutine
// drains the queue and must not block; they may call back into the Stream.
type Observer func(Event)

type subscription struct {
	fn Observer
}

// notifier serializes notification delivery. Events are enqueued in the
// order they are produced and drained by a single goroutine at a time, so
// observers see a total order even when producers race. Once EventEnd has
// been delivered every observer is dropped and later events are discarded.
type notifier struct {
	mu        sync.Mutex
	observers []*subscription
	queue     []Event
	draining  bool
	ended     bool
	// onEnded runs on the draining goroutine once EventEnd has been
	// delivered to every observer.
	onEnded func()
}

func (n *notifier) subscribe(fn Observer) func() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.ended || fn == nil {
		return func() {}
	}
	sub := &subscription{fn: fn}
	n.observers = append(n.observers, sub)
	return func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		for i, o := range n.observers {
			if o == sub {
				n.observers = append(n.observers[:i:i], n.observers[i+1:]...)
				return
			}
		}
	}
}

// enqueue appends ev without delivering it. Callers may hold their own
// locks; delivery happens in drain.
func (n *notifier) enqueue(ev Event) {
	n.mu.Lock()
	if !n.ended {
		n.queue = append(n.queue, ev)
	}
	n.mu.Unlock()
}

// drain delivers queued events unless another goroutine is already doing
// so, in which case that goroutine will pick them up.
func (n *notifier) drain() {
	n.mu.Lock()
	if n.draining {
		n.mu.Unlock()
		return
	}
	n.draining = true
	for len(n.queue) > 0 && !n.ended {
		ev := n.queue[0]
		n.queue = n.queue[1:]
		observers := append([]*subscription(nil), n.observers...)
		if ev.Kind == EventEnd {
			n.ended = true
		}
		n.mu.Unlock()

		for _, o := range observers {
			o.fn(ev)
		}
		if ev.Kind == EventEnd && n.onEnded != nil {
			n.onEnded()
		}

		n.mu.Lock()
		if ev.Kind == EventEnd {
			n.observers = nil
			n.queue = nil
		}
	}
	n.draining = false
	n.mu.Unlock()
}

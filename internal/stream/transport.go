package stream

import "io"

// Transport is the raw transport-level stream a handle owns exclusively.
// Implementations live in the transport adapters; tests use fakes.
type Transport interface {
	// StreamID is the transport-assigned stream identifier.
	StreamID() uint32
	// RemoteAddr is the address of the peer on the underlying connection.
	RemoteAddr() string
	// Closed reports whether the transport considers the stream closed,
	// destroyed or aborted.
	Closed() bool
	// Close asks the transport to close the stream with code.
	Close(code ErrorCode) error
	// Listen registers the single listener that receives this stream's
	// events. Events must not be delivered before Listen is called.
	Listen(l TransportListener)
	// Unlisten removes the listener; no further events are delivered.
	Unlisten()
	// Resume signals that a consumer is present and payload may flow.
	// Calling it more than once, or after close, is harmless.
	Resume()
}

// Piper is implemented by transports that can hand their payload to an
// external reader. Reading from the returned body reports OnPipe; EOF or
// Close ends the stream.
type Piper interface {
	Pipe() (io.ReadCloser, error)
}

// TransportListener receives the raw, possibly racy signals of one stream.
type TransportListener interface {
	OnResponse(h Headers)
	OnData(chunk []byte)
	// OnPipe reports that the payload is being consumed directly from the
	// transport, bypassing the buffer.
	OnPipe()
	OnAborted()
	OnError(err error)
	OnClose()
}

// streamListener routes transport events to the owning Stream without
// exposing the handler methods on Stream itself.
type streamListener struct {
	s *Stream
}

func (l streamListener) OnResponse(h Headers) { l.s.handleResponse(h) }
func (l streamListener) OnData(chunk []byte)  { l.s.handleData(chunk) }
func (l streamListener) OnPipe()              { l.s.handlePipe() }
func (l streamListener) OnAborted()           { l.s.handleAborted() }
func (l streamListener) OnError(err error)    { l.s.handleError(err) }
func (l streamListener) OnClose()             { l.s.handleClose() }

package stream

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"

	"example.com/h2stream/internal/logger"
)

// Logger is the diagnostics sink a Stream writes to. *logger.Logger
// satisfies it.
type Logger interface {
	Debug(msg string, fields logger.LogFields)
	Warn(msg string, fields logger.LogFields)
	Error(msg string, fields logger.LogFields)
}

// Options configure a Stream. The zero value is usable.
type Options struct {
	// Identifier labels the stream in diagnostics. Defaults to "n/a".
	Identifier string
	Logger     Logger
	Clock      clock.Clock
	// LeakDelay defaults to DefaultLeakDelay.
	LeakDelay time.Duration
	Detector  *BackpressureDetector
	// OnLeak is called after the leak warning has been logged.
	OnLeak func(s *Stream)
}

// Stream owns exactly one transport stream and turns its raw signals into a
// single ordered lifecycle: response, data..., [backpressure], [error], end.
type Stream struct {
	id       string
	log      Logger
	detector *BackpressureDetector
	onLeak   func(*Stream)
	watchdog *Watchdog
	notify   notifier
	done     chan struct{}
	streamID atomic.Uint32

	mu        sync.Mutex
	state     State
	attached  bool
	transport Transport
	headers   Headers
	failed    bool
	cause     error
	buf       assembler
}

// New returns an unattached Stream.
func New(opts Options) *Stream {
	s := &Stream{
		id:       opts.Identifier,
		log:      opts.Logger,
		detector: opts.Detector,
		onLeak:   opts.OnLeak,
		done:     make(chan struct{}),
	}
	if s.id == "" {
		s.id = "n/a"
	}
	if s.log == nil {
		s.log = logger.Nop()
	}
	if s.detector == nil {
		s.detector = NewBackpressureDetector()
	}
	s.notify.onEnded = func() { close(s.done) }
	s.watchdog = NewWatchdog(opts.Clock, opts.LeakDelay, s.reportLeak)
	return s
}

// Attach starts lifecycle management of t. A handle accepts exactly one
// transport stream over its lifetime.
func (s *Stream) Attach(t Transport) error {
	if t == nil {
		return fmt.Errorf("attach: transport stream cannot be nil")
	}
	s.mu.Lock()
	if s.attached {
		s.mu.Unlock()
		return ErrAlreadyAttached
	}
	s.attached = true
	s.transport = t
	s.streamID.Store(t.StreamID())
	s.state = StateOpen
	s.mu.Unlock()

	s.log.Debug("Stream attached", s.fields(nil))
	t.Listen(streamListener{s: s})
	return nil
}

// Subscribe registers fn for every later notification. Subscribing after
// the end notification has no effect. The returned func unsubscribes.
func (s *Stream) Subscribe(fn Observer) (cancel func()) {
	return s.notify.subscribe(fn)
}

// ID returns the diagnostic identifier.
func (s *Stream) ID() string {
	return s.id
}

// StreamID returns the transport-assigned identifier captured at attach.
func (s *Stream) StreamID() uint32 {
	return s.streamID.Load()
}

// State returns the current lifecycle state.
func (s *Stream) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Failed reports whether an abort or transport error was ever observed.
func (s *Stream) Failed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failed
}

// Err returns the error that failed the stream, if any.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cause
}

// Headers returns a copy of the response headers, nil before they arrive.
func (s *Stream) Headers() Headers {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.headers.Clone()
}

// Done is closed once the end notification has been delivered to every
// observer.
func (s *Stream) Done() <-chan struct{} {
	return s.done
}

// IP returns the remote address of the underlying connection, or "" once
// the transport stream has been released.
func (s *Stream) IP() string {
	s.mu.Lock()
	t := s.transport
	s.mu.Unlock()
	if t == nil {
		return ""
	}
	return t.RemoteAddr()
}

// IsClosed reports whether the handle no longer holds a transport stream or
// the transport considers the stream closed.
func (s *Stream) IsClosed() bool {
	s.mu.Lock()
	t := s.transport
	s.mu.Unlock()
	return t == nil || t.Closed()
}

// End asks the transport to close the stream with code.
func (s *Stream) End(code ErrorCode) error {
	s.mu.Lock()
	t := s.transport
	attached := s.attached
	s.mu.Unlock()
	if !attached {
		return ErrNotAttached
	}
	if t == nil {
		return ErrStreamClosed
	}
	return t.Close(code)
}

// GetBuffer returns the deferred full payload of the stream.
//
// On a terminated handle it settles immediately: with ErrEndedAbnormally if
// the stream failed, otherwise with an empty payload. On a live handle the
// first call claims the read slot and settles at teardown; a call made
// while that read is outstanding is rejected with ErrStreamEnded at
// teardown instead of sharing the payload. Once Body took the payload
// every read is rejected with ErrBodyPiped.
func (s *Stream) GetBuffer() *Pending {
	s.mu.Lock()
	switch {
	case !s.attached:
		s.mu.Unlock()
		return settled(nil, ErrNotAttached)
	case s.state == StateTerminated:
		defer s.mu.Unlock()
		switch {
		case s.failed:
			return settled(nil, fmt.Errorf("%w: %w", ErrEndedAbnormally, s.cause))
		case s.buf.slot == slotPiped:
			return settled(nil, ErrBodyPiped)
		}
		return settled(nil, nil)
	}
	p, first := s.buf.claim()
	t := s.transport
	s.mu.Unlock()

	if first && t != nil {
		t.Resume()
	}
	return p
}

// Body hands the payload to the caller as a reader instead of buffering
// it. The transport must implement Piper. The first read counts as
// consumption for the leak watchdog; EOF or Close ends the stream.
func (s *Stream) Body() (io.ReadCloser, error) {
	s.mu.Lock()
	switch {
	case !s.attached:
		s.mu.Unlock()
		return nil, ErrNotAttached
	case s.transport == nil:
		s.mu.Unlock()
		return nil, ErrStreamClosed
	}
	p, ok := s.transport.(Piper)
	if !ok {
		s.mu.Unlock()
		return nil, ErrPipeUnsupported
	}
	if err := s.buf.pipe(); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	s.mu.Unlock()

	rc, err := p.Pipe()
	if err != nil {
		s.mu.Lock()
		if s.buf.slot == slotPiped {
			s.buf.slot = slotEmpty
		}
		s.mu.Unlock()
		return nil, err
	}
	return rc, nil
}

// ReadAll waits for the full payload. It is GetBuffer().Wait(ctx).
func (s *Stream) ReadAll(ctx context.Context) ([]byte, error) {
	return s.GetBuffer().Wait(ctx)
}

func (s *Stream) handleResponse(h Headers) {
	s.mu.Lock()
	if s.state != StateOpen {
		s.mu.Unlock()
		s.log.Debug("Ignoring response headers outside open state", s.fields(nil))
		return
	}
	s.headers = h.Clone()
	s.state = StateResponseReceived
	s.watchdog.Arm()
	s.notify.enqueue(Event{Kind: EventResponse, Headers: s.headers.Clone()})
	s.mu.Unlock()

	s.notify.drain()
}

func (s *Stream) handleData(chunk []byte) {
	s.mu.Lock()
	if s.state != StateResponseReceived {
		state := s.state
		s.mu.Unlock()
		s.log.Debug("Dropping payload chunk", s.fields(logger.LogFields{"state": state.String(), "bytes": len(chunk)}))
		return
	}
	s.watchdog.Disarm()
	c := bytes.Clone(chunk)
	s.buf.append(c)
	s.notify.enqueue(Event{Kind: EventData, Chunk: c})
	s.mu.Unlock()

	s.notify.drain()
}

func (s *Stream) handlePipe() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.state.Terminal() {
		s.watchdog.Disarm()
	}
}

// handleAborted fails the stream and tears it down right away; a transport
// is not guaranteed to follow an abort with close or error.
func (s *Stream) handleAborted() {
	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		return
	}
	s.failed = true
	s.state = StateFailed
	s.cause = NewStreamErrorWithCause(s.streamID.Load(), ErrCodeCancel, "aborted", ErrAborted)
	s.watchdog.Disarm()
	s.log.Warn("Stream aborted by peer", s.fields(nil))
	t := s.teardownLocked()
	s.mu.Unlock()

	s.release(t)
}

func (s *Stream) handleError(err error) {
	if err == nil {
		err = fmt.Errorf("unspecified transport error")
	}
	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		return
	}
	s.failed = true
	s.state = StateFailed
	s.cause = err
	s.watchdog.Disarm()
	if s.detector.IsBackpressure(err) {
		s.log.Warn("Peer signalled backpressure", s.fields(logger.LogFields{"error": err.Error()}))
		s.notify.enqueue(Event{Kind: EventBackpressure, Err: err})
	} else {
		s.log.Error("Stream error", s.fields(logger.LogFields{"error": err.Error()}))
	}
	s.notify.enqueue(Event{Kind: EventError, Err: err})
	t := s.teardownLocked()
	s.mu.Unlock()

	s.release(t)
}

func (s *Stream) handleClose() {
	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		return
	}
	s.watchdog.Disarm()
	if !s.failed {
		s.state = StateClosed
	}
	t := s.teardownLocked()
	s.mu.Unlock()

	s.release(t)
}

// teardownLocked settles outstanding reads, queues the end notification and
// releases the transport reference. It returns the released transport so
// the caller can unlisten outside the lock.
func (s *Stream) teardownLocked() Transport {
	t := s.transport
	s.transport = nil
	s.state = StateTerminated
	s.buf.finish(s.cause)
	s.notify.enqueue(Event{Kind: EventEnd, Err: s.cause})
	return t
}

// release unlistens and delivers the queued events. If another goroutine
// is draining, that goroutine delivers end and closes done.
func (s *Stream) release(t Transport) {
	if t != nil {
		t.Unlisten()
	}
	s.log.Debug("Stream terminated", s.fields(nil))
	s.notify.drain()
}

func (s *Stream) reportLeak() {
	// Teardown may win the race between the watchdog's check and here.
	if s.State().Terminal() {
		return
	}
	fields := s.fields(logger.LogFields{"delay_ms": s.watchdog.Delay().Milliseconds()})
	s.log.Warn("Stream response was received but its payload was never consumed; call GetBuffer or pipe the body to release the transport stream", fields)
	if s.onLeak != nil {
		s.onLeak(s)
	}
}

func (s *Stream) fields(extra logger.LogFields) logger.LogFields {
	f := logger.LogFields{"identifier": s.id, "stream_id": s.StreamID()}
	for k, v := range extra {
		f[k] = v
	}
	return f
}

// Package h2transport adapts golang.org/x/net/http2 client and server
// streams to the stream.Transport interface.
//
// Each adapter owns one goroutine that reads from the HTTP/2 body; that is
// the transport's own reader, the core never spawns goroutines. Payload only
// flows after Resume, so nothing is read before a consumer exists.
package h2transport

import (
	"errors"
	"io"
	"sync"
	"sync/atomic"

	"example.com/h2stream/internal/stream"
)

// ChunkSize is the read size used when pumping a body. It matches the
// default HTTP/2 max frame size.
const ChunkSize = 16 << 10

// ErrAlreadyConsumed is returned by Pipe when the body is already being
// delivered to the stream handle.
var ErrAlreadyConsumed = errors.New("body is already being consumed by the stream")

// x/net/http2 does not expose stream identifiers, so adapters number
// streams locally using the client-initiated (odd) sequence.
var lastID atomic.Uint32

func nextStreamID() uint32 {
	return lastID.Add(2) - 1
}

// terminal outcomes, delivered at most once per adapter.
type outcome int

const (
	outcomeClose outcome = iota
	outcomeError
	outcomeAbort
)

// base carries the listener bookkeeping shared by both adapters.
type base struct {
	id uint32

	mu        sync.Mutex
	listener  stream.TransportListener
	closed    bool
	finished  bool
	closing   bool
	closeCode stream.ErrorCode
	piped     bool
	pumping   bool

	resumeOnce sync.Once
	resumed    chan struct{}
	done       chan struct{}
}

func (b *base) init() {
	b.id = nextStreamID()
	b.resumed = make(chan struct{})
	b.done = make(chan struct{})
}

func (b *base) StreamID() uint32 { return b.id }

func (b *base) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

func (b *base) Unlisten() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listener = nil
}

// Resume lets the body pump start.
func (b *base) Resume() {
	b.resumeOnce.Do(func() { close(b.resumed) })
}

func (b *base) setListener(l stream.TransportListener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listener = l
}

func (b *base) emit(fn func(stream.TransportListener)) {
	b.mu.Lock()
	l := b.listener
	b.mu.Unlock()
	if l != nil {
		fn(l)
	}
}

// markClosing records a local close request. It returns false if the
// stream already finished.
func (b *base) markClosing(code stream.ErrorCode) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.finished {
		return false
	}
	b.closing = true
	b.closeCode = code
	b.closed = true
	return true
}

func (b *base) isClosing() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closing
}

// finish delivers the terminal outcome exactly once.
func (b *base) finish(o outcome, err error) {
	b.mu.Lock()
	if b.finished {
		b.mu.Unlock()
		return
	}
	b.finished = true
	b.closed = true
	close(b.done)
	b.mu.Unlock()

	b.emit(func(l stream.TransportListener) {
		switch o {
		case outcomeClose:
			l.OnClose()
		case outcomeError:
			l.OnError(err)
		case outcomeAbort:
			l.OnAborted()
		}
	})
}

// claimPump reports whether the pump may deliver the body to the listener.
// It fails once Pipe took the body.
func (b *base) claimPump() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.piped {
		return false
	}
	b.pumping = true
	return true
}

func (b *base) claimPipe() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pumping {
		return ErrAlreadyConsumed
	}
	b.piped = true
	return nil
}

// pump reads body in ChunkSize pieces until EOF or error. fail classifies
// read errors.
func (b *base) pump(body io.Reader, fail func(error)) {
	buf := make([]byte, ChunkSize)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			b.emit(func(l stream.TransportListener) { l.OnData(chunk) })
		}
		switch {
		case err == io.EOF:
			b.finish(outcomeClose, nil)
			return
		case err != nil:
			fail(err)
			return
		}
	}
}

// pipeReader hands the body to an external consumer. The first read
// reports the pipe to the listener; EOF and errors end the stream like
// the pump does.
type pipeReader struct {
	b     *base
	ready <-chan struct{}
	body  func() io.ReadCloser
	fail  func(error)
	once  sync.Once
}

func (p *pipeReader) Read(buf []byte) (int, error) {
	select {
	case <-p.ready:
	default:
		select {
		case <-p.ready:
		case <-p.b.done:
			return 0, io.ErrClosedPipe
		}
	}
	p.once.Do(func() {
		p.b.emit(func(l stream.TransportListener) { l.OnPipe() })
	})
	body := p.body()
	if body == nil {
		return 0, io.EOF
	}
	n, err := body.Read(buf)
	switch {
	case err == io.EOF:
		p.b.finish(outcomeClose, nil)
	case err != nil:
		p.fail(err)
	}
	return n, err
}

// Close releases the body and ends the stream if the consumer stopped
// before EOF.
func (p *pipeReader) Close() error {
	var err error
	if body := p.body(); body != nil {
		err = body.Close()
	}
	p.b.finish(outcomeClose, nil)
	return err
}

package testutil

import (
	"bytes"
	"errors"
	"io"
	"sync"

	"example.com/h2stream/internal/stream"
)

// FakeTransport is a stream.Transport driven by hand from tests. Like the
// real adapters, payload and the clean close only flow once Resume was
// called; until then Send and Finish are queued. Errors and aborts are
// delivered at once. Events emitted after Unlisten are dropped.
type FakeTransport struct {
	ID   uint32
	Addr string

	mu         sync.Mutex
	listener   stream.TransportListener
	closed     bool
	closeCodes []stream.ErrorCode
	resumed    int
	queued     []func()
	piped      *fakePipe
}

// NewFakeTransport returns a FakeTransport with the given stream ID.
func NewFakeTransport(id uint32) *FakeTransport {
	return &FakeTransport{ID: id, Addr: "198.51.100.7:50123"}
}

func (f *FakeTransport) StreamID() uint32   { return f.ID }
func (f *FakeTransport) RemoteAddr() string { return f.Addr }

func (f *FakeTransport) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *FakeTransport) Close(code stream.ErrorCode) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.closeCodes = append(f.closeCodes, code)
	return nil
}

func (f *FakeTransport) Listen(l stream.TransportListener) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listener = l
}

func (f *FakeTransport) Unlisten() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listener = nil
}

// Resume releases queued payload and close events.
func (f *FakeTransport) Resume() {
	f.mu.Lock()
	f.resumed++
	queued := f.queued
	f.queued = nil
	f.mu.Unlock()
	for _, fn := range queued {
		fn()
	}
}

// flowing runs fn now if payload may flow, otherwise queues it.
func (f *FakeTransport) flowing(fn func()) {
	f.mu.Lock()
	if f.resumed == 0 && f.piped == nil {
		f.queued = append(f.queued, fn)
		f.mu.Unlock()
		return
	}
	f.mu.Unlock()
	fn()
}

// Resumed returns how often Resume was called.
func (f *FakeTransport) Resumed() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.resumed
}

// CloseCodes returns the codes passed to Close.
func (f *FakeTransport) CloseCodes() []stream.ErrorCode {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]stream.ErrorCode(nil), f.closeCodes...)
}

func (f *FakeTransport) current() stream.TransportListener {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listener
}

// Respond delivers response headers.
func (f *FakeTransport) Respond(h stream.Headers) {
	if l := f.current(); l != nil {
		l.OnResponse(h)
	}
}

// Send delivers payload chunks, or writes them to the pipe once Pipe was
// called.
func (f *FakeTransport) Send(chunks ...[]byte) {
	f.flowing(func() {
		for _, c := range chunks {
			f.mu.Lock()
			p := f.piped
			f.mu.Unlock()
			if p != nil {
				p.write(c)
				continue
			}
			if l := f.current(); l != nil {
				l.OnData(c)
			}
		}
	})
}

// Finish closes the stream cleanly. With a pipe the close is reported when
// the reader reaches EOF.
func (f *FakeTransport) Finish() {
	f.flowing(func() {
		f.mu.Lock()
		p := f.piped
		if p == nil {
			f.closed = true
		}
		f.mu.Unlock()
		if p != nil {
			p.eof()
			return
		}
		if l := f.current(); l != nil {
			l.OnClose()
		}
	})
}

// Fail delivers err followed by close, like a reset stream.
func (f *FakeTransport) Fail(err error) {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	if l := f.current(); l != nil {
		l.OnError(err)
	}
	if l := f.current(); l != nil {
		l.OnClose()
	}
}

// Abort delivers an abort.
func (f *FakeTransport) Abort() {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	if l := f.current(); l != nil {
		l.OnAborted()
	}
}

// Pipe implements stream.Piper. Chunks sent afterwards are read from the
// returned body; the first read reports OnPipe.
func (f *FakeTransport) Pipe() (io.ReadCloser, error) {
	f.mu.Lock()
	if f.piped != nil {
		f.mu.Unlock()
		return nil, errors.New("already piped")
	}
	p := &fakePipe{f: f}
	p.cond = sync.NewCond(&p.mu)
	f.piped = p
	queued := f.queued
	f.queued = nil
	f.mu.Unlock()
	for _, fn := range queued {
		fn()
	}
	return p, nil
}

// fakePipe is the body handed out by FakeTransport.Pipe.
type fakePipe struct {
	f *FakeTransport

	mu       sync.Mutex
	cond     *sync.Cond
	buf      bytes.Buffer
	done     bool
	reported bool
	finished bool
}

func (p *fakePipe) write(b []byte) {
	p.mu.Lock()
	p.buf.Write(b)
	p.mu.Unlock()
	p.cond.Broadcast()
}

func (p *fakePipe) eof() {
	p.mu.Lock()
	p.done = true
	p.mu.Unlock()
	p.cond.Broadcast()
}

func (p *fakePipe) Read(b []byte) (int, error) {
	p.mu.Lock()
	report := !p.reported
	p.reported = true
	p.mu.Unlock()
	if report {
		if l := p.f.current(); l != nil {
			l.OnPipe()
		}
	}

	p.mu.Lock()
	for p.buf.Len() == 0 && !p.done {
		p.cond.Wait()
	}
	if p.buf.Len() > 0 {
		n, _ := p.buf.Read(b)
		p.mu.Unlock()
		return n, nil
	}
	p.mu.Unlock()
	p.close()
	return 0, io.EOF
}

// Close ends the stream like a consumer that stopped reading.
func (p *fakePipe) Close() error {
	p.eof()
	p.close()
	return nil
}

func (p *fakePipe) close() {
	p.mu.Lock()
	already := p.finished
	p.finished = true
	p.mu.Unlock()
	if already {
		return
	}
	p.f.mu.Lock()
	p.f.closed = true
	p.f.mu.Unlock()
	if l := p.f.current(); l != nil {
		l.OnClose()
	}
}

// AttachedStream returns a stream attached to a new FakeTransport that has
// already delivered headers h.
func AttachedStream(id uint32, h stream.Headers) (*stream.Stream, *FakeTransport) {
	s := stream.New(stream.Options{Identifier: "test"})
	ft := NewFakeTransport(id)
	if err := s.Attach(ft); err != nil {
		panic(err)
	}
	if h != nil {
		ft.Respond(h)
	}
	return s, ft
}

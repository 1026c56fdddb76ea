package stream

import (
	"bytes"
	"io"
	"sync"
)

// fakeTransport is a hand-driven Transport. Tests push raw events through
// the emit helpers; events sent after Unlisten are dropped like a real
// transport whose listeners were removed.
type fakeTransport struct {
	mu         sync.Mutex
	id         uint32
	addr       string
	listener   TransportListener
	closed     bool
	closeCodes []ErrorCode
	resumed    int
	unlistened bool
	closeErr   error
}

func newFakeTransport(id uint32) *fakeTransport {
	return &fakeTransport{id: id, addr: "192.0.2.10:443"}
}

func (f *fakeTransport) StreamID() uint32   { return f.id }
func (f *fakeTransport) RemoteAddr() string { return f.addr }

func (f *fakeTransport) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeTransport) Close(code ErrorCode) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closeCodes = append(f.closeCodes, code)
	f.closed = true
	return f.closeErr
}

func (f *fakeTransport) Listen(l TransportListener) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listener = l
}

func (f *fakeTransport) Unlisten() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listener = nil
	f.unlistened = true
}

func (f *fakeTransport) Resume() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resumed++
}

func (f *fakeTransport) resumeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.resumed
}

func (f *fakeTransport) wasUnlistened() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.unlistened
}

func (f *fakeTransport) current() TransportListener {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listener
}

func (f *fakeTransport) emitResponse(h Headers) {
	if l := f.current(); l != nil {
		l.OnResponse(h)
	}
}

func (f *fakeTransport) emitData(chunk []byte) {
	if l := f.current(); l != nil {
		l.OnData(chunk)
	}
}

func (f *fakeTransport) emitPipe() {
	if l := f.current(); l != nil {
		l.OnPipe()
	}
}

func (f *fakeTransport) emitAborted() {
	if l := f.current(); l != nil {
		l.OnAborted()
	}
}

func (f *fakeTransport) emitError(err error) {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	if l := f.current(); l != nil {
		l.OnError(err)
	}
}

func (f *fakeTransport) emitClose() {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	if l := f.current(); l != nil {
		l.OnClose()
	}
}

// pipeTransport is a fakeTransport that can hand its payload to a reader.
// The first Read reports OnPipe and EOF reports OnClose.
type pipeTransport struct {
	*fakeTransport
	payload []byte
	pipeErr error
	pipes   int
}

func newPipeTransport(id uint32, payload []byte) *pipeTransport {
	return &pipeTransport{fakeTransport: newFakeTransport(id), payload: payload}
}

func (p *pipeTransport) Pipe() (io.ReadCloser, error) {
	p.mu.Lock()
	p.pipes++
	err := p.pipeErr
	p.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return &fakeBody{t: p.fakeTransport, r: bytes.NewReader(p.payload)}, nil
}

type fakeBody struct {
	t       *fakeTransport
	r       *bytes.Reader
	started bool
	ended   bool
}

func (b *fakeBody) Read(p []byte) (int, error) {
	if !b.started {
		b.started = true
		b.t.emitPipe()
	}
	n, err := b.r.Read(p)
	if err == io.EOF {
		b.end()
	}
	return n, err
}

func (b *fakeBody) Close() error {
	b.end()
	return nil
}

func (b *fakeBody) end() {
	if !b.ended {
		b.ended = true
		b.t.emitClose()
	}
}

// recorder collects notifications in delivery order.
type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) observe(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) kinds() []EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]EventKind, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Kind)
	}
	return out
}

func (r *recorder) last() Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.events[len(r.events)-1]
}

// newAttachedStream returns a stream attached to a fresh fake transport with
// a recorder subscribed before attach.
func newAttachedStream(opts Options) (*Stream, *fakeTransport, *recorder) {
	s := New(opts)
	rec := &recorder{}
	s.Subscribe(rec.observe)
	ft := newFakeTransport(5)
	if err := s.Attach(ft); err != nil {
		panic(err)
	}
	return s, ft, rec
}

func jsonHeaders() Headers {
	return Headers{":status": {"200"}, "content-type": {"application/json"}}
}

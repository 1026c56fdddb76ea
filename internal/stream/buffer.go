package stream

import (
	"bytes"
	"context"
)

// Pending is the deferred result of a buffer read. It is settled exactly
// once.
type Pending struct {
	done chan struct{}
	data []byte
	err  error
}

func newPending() *Pending {
	return &Pending{done: make(chan struct{})}
}

func settled(data []byte, err error) *Pending {
	p := newPending()
	p.settle(data, err)
	return p
}

func (p *Pending) settle(data []byte, err error) {
	p.data, p.err = data, err
	close(p.done)
}

// Done is closed once the result is available.
func (p *Pending) Done() <-chan struct{} {
	return p.done
}

// Wait blocks until the result is available or ctx is done. The payload is
// nil when the stream ended cleanly without any.
func (p *Pending) Wait(ctx context.Context) ([]byte, error) {
	select {
	case <-p.done:
		return p.data, p.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Result returns the settled value without blocking; ok is false while the
// read is still outstanding.
func (p *Pending) Result() (data []byte, err error, ok bool) {
	select {
	case <-p.done:
		return p.data, p.err, true
	default:
		return nil, nil, false
	}
}

type slotState uint8

const (
	slotEmpty slotState = iota
	slotPending
	slotResolved
	// slotPiped means the payload goes to a Body reader instead.
	slotPiped
)

// assembler accumulates payload chunks for one stream and owns the single
// read slot. It is guarded by the owning Stream's mutex.
type assembler struct {
	buf  bytes.Buffer
	slot slotState
	// primary is the outstanding read; overlapping reads are parked in
	// extra and rejected with ErrStreamEnded at teardown.
	primary *Pending
	extra   []*Pending
}

// append copies chunk into the buffer. Bytes are never converted to text.
func (a *assembler) append(chunk []byte) {
	a.buf.Write(chunk)
}

// payload returns a copy of everything assembled so far, nil if empty.
func (a *assembler) payload() []byte {
	if a.buf.Len() == 0 {
		return nil
	}
	return bytes.Clone(a.buf.Bytes())
}

// claim registers a read. first is true when it took the empty slot.
func (a *assembler) claim() (p *Pending, first bool) {
	if a.slot == slotPiped {
		return settled(nil, ErrBodyPiped), false
	}
	p = newPending()
	if a.slot == slotEmpty {
		a.slot = slotPending
		a.primary = p
		return p, true
	}
	a.extra = append(a.extra, p)
	return p, false
}

// pipe hands the payload to an external reader. It fails once a buffer
// read claimed the slot.
func (a *assembler) pipe() error {
	switch a.slot {
	case slotEmpty:
		a.slot = slotPiped
		return nil
	case slotPiped:
		return ErrBodyPiped
	default:
		return ErrBodyBuffered
	}
}

// finish settles every outstanding read and drops the assembled bytes. err
// is nil on a clean end.
func (a *assembler) finish(err error) {
	if a.primary != nil {
		if err != nil {
			a.primary.settle(nil, err)
		} else {
			a.primary.settle(a.payload(), nil)
		}
		a.primary = nil
	}
	for _, p := range a.extra {
		p.settle(nil, ErrStreamEnded)
	}
	a.extra = nil
	a.buf = bytes.Buffer{}
	if a.slot != slotPiped {
		a.slot = slotResolved
	}
}

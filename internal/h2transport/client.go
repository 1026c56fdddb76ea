package h2transport

import (
	"context"
	"io"
	"net/http"
	"net/http/httptrace"
	"strconv"

	"example.com/h2stream/internal/stream"
)

// ClientStream is one request/response exchange over an HTTP/2 round
// tripper, seen from the client.
type ClientStream struct {
	base

	rt     http.RoundTripper
	req    *http.Request
	ctx    context.Context
	cancel context.CancelFunc

	remote string
	resp   *http.Response
	ready  chan struct{}
}

// NewClientStream prepares a stream for req. Nothing is sent until Listen.
func NewClientStream(rt http.RoundTripper, req *http.Request) *ClientStream {
	ctx, cancel := context.WithCancel(req.Context())
	c := &ClientStream{
		rt:     rt,
		req:    req,
		ctx:    ctx,
		cancel: cancel,
		ready:  make(chan struct{}),
	}
	c.init()
	return c
}

// RemoteAddr returns the address of the connection the request went out
// on, "" until one was obtained.
func (c *ClientStream) RemoteAddr() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remote
}

// Listen registers l and sends the request.
func (c *ClientStream) Listen(l stream.TransportListener) {
	c.setListener(l)
	go c.run()
}

// Close cancels the request. x/net/http2 resets the stream with CANCEL
// whatever code is given; the code is kept for diagnostics.
func (c *ClientStream) Close(code stream.ErrorCode) error {
	if !c.markClosing(code) {
		return nil
	}
	c.cancel()
	// The run goroutine may not have started yet or may be parked before
	// Resume; wake it so it can observe the cancellation.
	c.Resume()
	return nil
}

// Pipe returns the response body for direct consumption. Reads block until
// the response headers arrived.
func (c *ClientStream) Pipe() (io.ReadCloser, error) {
	if err := c.claimPipe(); err != nil {
		return nil, err
	}
	c.Resume()
	return &pipeReader{
		b:     &c.base,
		ready: c.ready,
		body: func() io.ReadCloser {
			c.mu.Lock()
			defer c.mu.Unlock()
			if c.resp == nil {
				return nil
			}
			return c.resp.Body
		},
		fail: c.fail,
	}, nil
}

func (c *ClientStream) run() {
	defer c.cancel()

	trace := &httptrace.ClientTrace{
		GotConn: func(info httptrace.GotConnInfo) {
			if addr := info.Conn.RemoteAddr(); addr != nil {
				c.mu.Lock()
				c.remote = addr.String()
				c.mu.Unlock()
			}
		},
	}
	req := c.req.Clone(httptrace.WithClientTrace(c.ctx, trace))

	resp, err := c.rt.RoundTrip(req)
	if err != nil {
		c.fail(err)
		return
	}

	h := stream.NewHeaders(resp.Header)
	h.Set(":status", strconv.Itoa(resp.StatusCode))
	c.mu.Lock()
	c.resp = resp
	c.mu.Unlock()
	c.emit(func(l stream.TransportListener) { l.OnResponse(h) })
	close(c.ready)

	select {
	case <-c.resumed:
	case <-c.ctx.Done():
	}
	if c.ctx.Err() != nil {
		resp.Body.Close()
		c.fail(c.ctx.Err())
		return
	}
	if !c.claimPump() {
		// Piped: the consumer owns the body; keep the request context
		// alive until it is done with it.
		select {
		case <-c.done:
		case <-c.ctx.Done():
			c.fail(c.ctx.Err())
		}
		return
	}
	defer resp.Body.Close()
	c.pump(resp.Body, c.fail)
}

// fail classifies a round trip or body read error.
func (c *ClientStream) fail(err error) {
	if c.isClosing() {
		c.finish(outcomeClose, nil)
		return
	}
	translated := TranslateError(err)
	if isCancel(translated) {
		c.finish(outcomeAbort, nil)
		return
	}
	c.finish(outcomeError, translated)
}

package h2transport

import (
	"io"
	"net/http"

	"example.com/h2stream/internal/stream"
)

// ServerStream is the request side of one HTTP/2 exchange, seen from the
// server. The response is written by the server through its
// http.ResponseWriter; this adapter only carries the request.
type ServerStream struct {
	base

	req   *http.Request
	ready chan struct{}
}

// NewServerStream wraps r.
func NewServerStream(r *http.Request) *ServerStream {
	s := &ServerStream{req: r, ready: make(chan struct{})}
	s.init()
	close(s.ready)
	return s
}

// RemoteAddr returns the client address.
func (s *ServerStream) RemoteAddr() string {
	return s.req.RemoteAddr
}

// RequestHeaders returns the request headers plus the :method, :path,
// :scheme and :authority pseudo-headers.
func (s *ServerStream) RequestHeaders() stream.Headers {
	h := stream.NewHeaders(s.req.Header)
	h.Set(":method", s.req.Method)
	h.Set(":path", s.req.URL.RequestURI())
	h.Set(":authority", s.req.Host)
	scheme := "http"
	if s.req.TLS != nil {
		scheme = "https"
	}
	h.Set(":scheme", scheme)
	return h
}

// Listen registers l and delivers the request headers before returning.
// A client reset seen through the request context is reported as an
// abort.
func (s *ServerStream) Listen(l stream.TransportListener) {
	s.setListener(l)
	s.emit(func(l stream.TransportListener) { l.OnResponse(s.RequestHeaders()) })

	go func() {
		ctx := s.req.Context()
		select {
		case <-s.resumed:
			if s.claimPump() {
				s.pump(s.req.Body, s.fail)
				return
			}
			select {
			case <-s.done:
			case <-ctx.Done():
				s.fail(ctx.Err())
			}
		case <-s.done:
		case <-ctx.Done():
			s.fail(ctx.Err())
		}
	}()
}

// Close ends the request side: the body is closed and the listener sees a
// clean close unless the stream already finished.
func (s *ServerStream) Close(code stream.ErrorCode) error {
	if !s.markClosing(code) {
		return nil
	}
	err := s.req.Body.Close()
	s.finish(outcomeClose, nil)
	return err
}

// Pipe returns the request body for direct consumption.
func (s *ServerStream) Pipe() (io.ReadCloser, error) {
	if err := s.claimPipe(); err != nil {
		return nil, err
	}
	return &pipeReader{
		b:     &s.base,
		ready: s.ready,
		body:  func() io.ReadCloser { return s.req.Body },
		fail:  s.fail,
	}, nil
}

func (s *ServerStream) fail(err error) {
	if s.isClosing() {
		s.finish(outcomeClose, nil)
		return
	}
	if s.req.Context().Err() != nil {
		s.finish(outcomeAbort, nil)
		return
	}
	translated := TranslateError(err)
	if isCancel(translated) {
		s.finish(outcomeAbort, nil)
		return
	}
	s.finish(outcomeError, translated)
}

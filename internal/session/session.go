// Package session opens HTTP/2 client streams and hands back their
// responses as message.Incoming values.
package session

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/multierr"
	"golang.org/x/net/http2"

	"example.com/h2stream/internal/config"
	"example.com/h2stream/internal/h2transport"
	"example.com/h2stream/internal/logger"
	"example.com/h2stream/internal/message"
	"example.com/h2stream/internal/metrics"
	"example.com/h2stream/internal/stream"
)

var (
	// ErrSessionClosed is returned by Do after Close.
	ErrSessionClosed = errors.New("session is closed")
	// ErrCleartextDisabled is returned for http:// URLs when
	// client.allow_http is off.
	ErrCleartextDisabled = errors.New("cleartext HTTP/2 is disabled; set client.allow_http to use http:// URLs")
)

// Session opens streams to HTTP/2 servers. It is safe for concurrent use.
type Session struct {
	cfg       *config.ClientConfig
	streamCfg *config.StreamConfig
	log       *logger.Logger
	metrics   *metrics.Metrics
	clk       clock.Clock
	tlsConfig *tls.Config
	rt        http.RoundTripper
	throttle  *Throttle
	detector  *stream.BackpressureDetector
	idle      []interface{ CloseIdleConnections() }

	mu     sync.Mutex
	live   map[*stream.Stream]struct{}
	closed bool
}

// Option customises a Session.
type Option func(*Session)

// WithClock replaces the wall clock used by the throttle and the leak
// watchdog.
func WithClock(clk clock.Clock) Option {
	return func(s *Session) { s.clk = clk }
}

// WithTLSConfig sets the TLS configuration for https:// URLs.
func WithTLSConfig(cfg *tls.Config) Option {
	return func(s *Session) { s.tlsConfig = cfg }
}

// WithRoundTripper replaces the HTTP/2 transports entirely.
func WithRoundTripper(rt http.RoundTripper) Option {
	return func(s *Session) { s.rt = rt }
}

// WithStreamConfig sets the per-stream tuning.
func WithStreamConfig(sc *config.StreamConfig) Option {
	return func(s *Session) { s.streamCfg = sc }
}

// New builds a session. A nil cfg gets defaults; a nil logger discards.
func New(cfg *config.ClientConfig, lg *logger.Logger, m *metrics.Metrics, opts ...Option) (*Session, error) {
	if cfg == nil {
		cfg = &config.ClientConfig{}
	}
	config.ApplyClientDefaults(cfg)
	if lg == nil {
		lg = logger.Nop()
	}

	s := &Session{
		cfg:     cfg,
		log:     lg,
		metrics: m,
		live:    make(map[*stream.Stream]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.clk == nil {
		s.clk = clock.New()
	}
	if s.streamCfg == nil {
		s.streamCfg = &config.StreamConfig{}
	}
	config.ApplyStreamDefaults(s.streamCfg)
	s.detector = stream.NewBackpressureDetector(s.streamCfg.BackpressureMarkers...)

	s.throttle = NewThrottle(s.clk, *cfg.MaxStreamsPerSecond, *cfg.MinStreamsPerSecond, *cfg.Burst, cfg.BackpressureCooldown.Value())
	s.throttle.OnChange(func(r float64) {
		s.metrics.SetThrottleRate(r)
		s.log.Info("Stream creation rate changed", logger.LogFields{"streams_per_second": r})
	})
	s.metrics.SetThrottleRate(s.throttle.Rate())

	if s.rt == nil {
		s.rt = s.newRoundTripper()
	}
	return s, nil
}

// newRoundTripper returns a scheme-routing round tripper over one h2
// transport and, when allowed, one prior-knowledge h2c transport.
func (s *Session) newRoundTripper() http.RoundTripper {
	secure := &http2.Transport{TLSClientConfig: s.tlsConfig}
	r := &schemeRouter{secure: secure}
	s.idle = append(s.idle, secure)

	if *s.cfg.AllowHTTP {
		cleartext := &http2.Transport{
			AllowHTTP: true,
			DialTLSContext: func(ctx context.Context, network, addr string, _ *tls.Config) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, network, addr)
			},
		}
		r.cleartext = cleartext
		s.idle = append(s.idle, cleartext)
	}
	return r
}

type schemeRouter struct {
	secure    http.RoundTripper
	cleartext http.RoundTripper
}

func (r *schemeRouter) RoundTrip(req *http.Request) (*http.Response, error) {
	switch req.URL.Scheme {
	case "https":
		return r.secure.RoundTrip(req)
	case "http":
		if r.cleartext == nil {
			return nil, ErrCleartextDisabled
		}
		return r.cleartext.RoundTrip(req)
	default:
		return nil, fmt.Errorf("unsupported URL scheme %q", req.URL.Scheme)
	}
}

// Throttle exposes the session's stream-creation throttle.
func (s *Session) Throttle() *Throttle {
	return s.throttle
}

// Live returns the number of streams that have not ended yet.
func (s *Session) Live() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.live)
}

// Do sends out as a request and waits for the response headers. The
// returned message's payload is read lazily; ctx bounds the whole
// exchange including that read. A nil out sends an empty request.
func (s *Session) Do(ctx context.Context, method, url string, out *message.Outgoing) (*message.Incoming, error) {
	if s.isClosed() {
		return nil, ErrSessionClosed
	}
	if err := s.throttle.Wait(ctx); err != nil {
		return nil, fmt.Errorf("waiting for stream slot: %w", err)
	}

	if out == nil {
		out = message.NewOutgoing()
	}
	if err := out.PrepareData(); err != nil {
		return nil, err
	}
	payload, err := out.Payload()
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.ContentLength = int64(len(payload))
	if len(payload) == 0 {
		req.Body = http.NoBody
	}
	for _, h := range out.GetHeaders() {
		for _, v := range h.Values {
			req.Header.Add(h.Name, v)
		}
	}

	id := uuid.NewString()
	lg := s.log.With(logger.LogFields{"method": method, "url": url})
	st := stream.New(stream.Options{
		Identifier: id,
		Logger:     lg,
		Clock:      s.clk,
		LeakDelay:  s.streamCfg.LeakWarningDelay.Value(),
		Detector:   s.detector,
		OnLeak:     func(*stream.Stream) { s.metrics.LeakWarning(metrics.SideClient) },
	})

	ready := make(chan struct{}, 1)
	signal := func() {
		select {
		case ready <- struct{}{}:
		default:
		}
	}
	st.Subscribe(func(ev stream.Event) {
		switch ev.Kind {
		case stream.EventResponse:
			signal()
		case stream.EventBackpressure:
			s.throttle.Backoff()
		case stream.EventEnd:
			s.forget(st)
			signal()
		}
	})
	if !s.track(st) {
		return nil, ErrSessionClosed
	}
	s.metrics.Observe(st, metrics.SideClient, s.clk)
	out.Attach(st)
	if err := st.Attach(h2transport.NewClientStream(s.rt, req)); err != nil {
		s.forget(st)
		return nil, err
	}

	timeout := s.clk.Timer(s.cfg.ResponseTimeout.Value())
	defer timeout.Stop()

	select {
	case <-ready:
	case <-ctx.Done():
		st.End(stream.ErrCodeCancel)
		return nil, ctx.Err()
	case <-timeout.C:
		st.End(stream.ErrCodeCancel)
		return nil, fmt.Errorf("no response headers within %s", s.cfg.ResponseTimeout.Value())
	}

	if st.Headers() == nil {
		if err := st.Err(); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("stream %s ended before response headers", id)
	}
	return message.NewIncoming(st), nil
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Session) track(st *stream.Stream) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.live[st] = struct{}{}
	return true
}

func (s *Session) forget(st *stream.Stream) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.live, st)
}

// Close cancels every live stream and closes idle connections. Streams
// that already ended in the meantime are not reported as errors.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	live := make([]*stream.Stream, 0, len(s.live))
	for st := range s.live {
		live = append(live, st)
	}
	s.mu.Unlock()

	var err error
	for _, st := range live {
		if endErr := st.End(stream.ErrCodeCancel); endErr != nil && !errors.Is(endErr, stream.ErrStreamClosed) {
			err = multierr.Append(err, fmt.Errorf("closing stream %s: %w", st.ID(), endErr))
		}
	}
	for _, c := range s.idle {
		c.CloseIdleConnections()
	}
	if len(live) > 0 {
		s.log.Info("Session closed", logger.LogFields{"cancelled_streams": len(live)})
	}
	return err
}

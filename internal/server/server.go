// Package server serves HTTP/2 requests as stream handles: every request
// is wrapped in a stream.Stream, routed to a Handler and answered with the
// handler's message.Outgoing.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/multierr"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
	"golang.org/x/sync/errgroup"

	"example.com/h2stream/internal/config"
	"example.com/h2stream/internal/h2transport"
	"example.com/h2stream/internal/logger"
	"example.com/h2stream/internal/message"
	"example.com/h2stream/internal/metrics"
	"example.com/h2stream/internal/stream"
	"example.com/h2stream/internal/util"
)

// Server manages the HTTP/2 listener, the optional metrics listener and
// graceful shutdown.
type Server struct {
	cfg       *config.Config
	log       *logger.Logger
	routes    RouteFinder
	clk       clock.Clock
	metrics   *metrics.Metrics
	gatherer  prometheus.Gatherer
	streamCfg *config.StreamConfig
	detector  *stream.BackpressureDetector

	httpServer    *http.Server
	metricsServer *http.Server

	mu          sync.Mutex
	addr        net.Addr
	metricsAddr net.Addr
}

// Option customises a Server.
type Option func(*Server)

// WithClock replaces the wall clock used for leak detection and access
// log durations.
func WithClock(clk clock.Clock) Option {
	return func(s *Server) { s.clk = clk }
}

// WithRegistry records stream metrics into reg and, when
// server.metrics_address is set, serves them from there.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(s *Server) {
		s.metrics = metrics.NewMetrics(reg)
		s.gatherer = reg
	}
}

// NewServer creates a new Server instance.
func NewServer(cfg *config.Config, lg *logger.Logger, routes RouteFinder, opts ...Option) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if cfg.Server == nil {
		return nil, fmt.Errorf("server configuration section (server) is missing")
	}
	if lg == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	if routes == nil {
		return nil, fmt.Errorf("router cannot be nil")
	}

	s := &Server{cfg: cfg, log: lg, routes: routes, streamCfg: cfg.Stream}
	for _, opt := range opts {
		opt(s)
	}
	if s.clk == nil {
		s.clk = clock.New()
	}
	if s.streamCfg == nil {
		s.streamCfg = &config.StreamConfig{}
		config.ApplyStreamDefaults(s.streamCfg)
	}
	s.detector = stream.NewBackpressureDetector(s.streamCfg.BackpressureMarkers...)

	h2s := &http2.Server{}
	s.httpServer = &http.Server{ReadHeaderTimeout: 10 * time.Second}
	if cfg.Server.TLSEnabled() {
		s.httpServer.Handler = http.HandlerFunc(s.serveStream)
		if err := http2.ConfigureServer(s.httpServer, h2s); err != nil {
			return nil, fmt.Errorf("configuring HTTP/2 over TLS: %w", err)
		}
	} else {
		s.httpServer.Handler = h2c.NewHandler(http.HandlerFunc(s.serveStream), h2s)
	}

	if cfg.Server.MetricsAddress != nil && *cfg.Server.MetricsAddress != "" {
		if s.gatherer == nil {
			return nil, fmt.Errorf("server.metrics_address is set but no metrics registry was provided")
		}
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
		s.metricsServer = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	}
	return s, nil
}

// Addr returns the address the server is listening on, nil before Serve.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// MetricsAddr returns the metrics listener address, nil if metrics are
// not served.
func (s *Server) MetricsAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.metricsAddr
}

// Run listens on server.address and serves until ctx is cancelled, then
// shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := util.Listen(*s.cfg.Server.Address)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled or a listener fails. On
// cancellation the server drains in-flight requests for up to
// server.graceful_shutdown_timeout.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	var metricsLn net.Listener
	if s.metricsServer != nil {
		var err error
		metricsLn, err = util.Listen(*s.cfg.Server.MetricsAddress)
		if err != nil {
			ln.Close()
			return fmt.Errorf("metrics listener: %w", err)
		}
	}

	s.mu.Lock()
	s.addr = ln.Addr()
	if metricsLn != nil {
		s.metricsAddr = metricsLn.Addr()
	}
	s.mu.Unlock()

	tlsEnabled := s.cfg.Server.TLSEnabled()
	s.log.Info("Server listening", logger.LogFields{"address": ln.Addr().String(), "tls": tlsEnabled})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		if tlsEnabled {
			err = s.httpServer.ServeTLS(ln, *s.cfg.Server.TLSCertFile, *s.cfg.Server.TLSKeyFile)
		} else {
			err = s.httpServer.Serve(ln)
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	if metricsLn != nil {
		s.log.Info("Serving metrics", logger.LogFields{"address": metricsLn.Addr().String()})
		g.Go(func() error {
			if err := s.metricsServer.Serve(metricsLn); !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		timeout := config.DefaultGracefulShutdownTimeout
		if s.cfg.Server.GracefulShutdownTimeout != nil {
			timeout = s.cfg.Server.GracefulShutdownTimeout.Value()
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		return s.Shutdown(shutdownCtx)
	})

	err := g.Wait()
	s.log.Info("Server stopped", logger.LogFields{"address": ln.Addr().String()})
	return err
}

// Shutdown stops accepting requests and waits for in-flight ones to
// finish or ctx to expire.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.httpServer.Shutdown(ctx)
	if s.metricsServer != nil {
		err = multierr.Append(err, s.metricsServer.Shutdown(ctx))
	}
	return err
}

// serveStream handles one request stream from start to finish.
func (s *Server) serveStream(w http.ResponseWriter, r *http.Request) {
	start := s.clk.Now()
	id := uuid.NewString()
	lg := s.log.With(logger.LogFields{"stream": id, "method": r.Method, "path": r.URL.Path})

	st := stream.New(stream.Options{
		Identifier: id,
		Logger:     lg,
		Clock:      s.clk,
		LeakDelay:  s.streamCfg.LeakWarningDelay.Value(),
		Detector:   s.detector,
		OnLeak:     func(*stream.Stream) { s.metrics.LeakWarning(metrics.SideServer) },
	})
	s.metrics.Observe(st, metrics.SideServer, s.clk)
	if err := st.Attach(h2transport.NewServerStream(r)); err != nil {
		lg.Error("Failed to attach request stream", logger.LogFields{"error": err.Error()})
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	in := message.NewIncoming(st)
	out := s.dispatch(r.Context(), lg, in)

	// The handler is done with the request; whatever it left unread is
	// discarded.
	if err := st.End(stream.ErrCodeNoError); err != nil && !errors.Is(err, stream.ErrStreamClosed) {
		lg.Debug("Closing request stream", logger.LogFields{"error": err.Error()})
	}

	status, n := s.writeResponse(w, lg, out, in.GetHeader("accept"))
	s.log.Access(logger.AccessEntry{
		RemoteAddr:    r.RemoteAddr,
		Method:        r.Method,
		Path:          r.URL.RequestURI(),
		Protocol:      r.Proto,
		StreamID:      st.StreamID(),
		Status:        status,
		ResponseBytes: n,
		Duration:      s.clk.Since(start),
		Err:           st.Err(),
	})
}

func (s *Server) dispatch(ctx context.Context, lg *logger.Logger, in *message.Incoming) *message.Outgoing {
	accept := in.GetHeader("accept")
	path := in.GetHeader(":path")
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}

	route, err := s.routes.FindRoute(path)
	if err != nil {
		lg.Error("Handler creation failed for request", logger.LogFields{"error": err.Error()})
		return newErrorResponse(http.StatusInternalServerError, accept, "Failed to initialize request handler.")
	}
	if route == nil {
		lg.Info("No route matched for request", nil)
		return newErrorResponse(http.StatusNotFound, accept, "The requested resource was not found.")
	}

	out := message.NewOutgoing()
	out.Attach(in.Stream())
	if err := route.Handler.ServeStream(ctx, in, out); err != nil {
		lg.Error("Handler failed", logger.LogFields{"handler_type": route.Route.HandlerType, "error": err.Error()})
		return newErrorResponse(http.StatusInternalServerError, accept, "")
	}
	return out
}

// writeResponse sends out and returns the status and the number of
// payload bytes written.
func (s *Server) writeResponse(w http.ResponseWriter, lg *logger.Logger, out *message.Outgoing, accept string) (int, int) {
	if err := out.PrepareData(); err != nil {
		lg.Error("Failed to prepare response payload", logger.LogFields{"error": err.Error()})
		out = newErrorResponse(http.StatusInternalServerError, accept, "")
		out.PrepareData()
	}
	payload, err := out.Payload()
	if err != nil {
		lg.Error("Failed to encode response payload", logger.LogFields{"error": err.Error()})
		out = newErrorResponse(http.StatusInternalServerError, accept, "")
		out.PrepareData()
		payload, _ = out.Payload()
	}

	h := w.Header()
	for _, f := range out.GetHeaders() {
		if strings.HasPrefix(f.Name, ":") {
			continue
		}
		for _, v := range f.Values {
			h.Add(f.Name, v)
		}
	}
	h.Set("content-length", strconv.Itoa(len(payload)))
	w.WriteHeader(out.Status())

	n, err := w.Write(payload)
	if err != nil {
		lg.Debug("Failed to write response payload", logger.LogFields{"error": err.Error(), "written": n})
	}
	return out.Status(), n
}

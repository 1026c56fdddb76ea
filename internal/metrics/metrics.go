// Package metrics exposes Prometheus collectors for stream lifecycles.
package metrics

import (
	"errors"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"example.com/h2stream/internal/stream"
)

// Namespace prefixes every metric name.
const Namespace = "h2stream"

// Sides label whether a stream was opened by us or by a peer.
const (
	SideClient = "client"
	SideServer = "server"
)

// Outcomes label how a stream ended.
const (
	OutcomeClean   = "clean"
	OutcomeFailed  = "failed"
	OutcomeAborted = "aborted"
)

// Metrics holds the collectors. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	streamsOpened     *prometheus.CounterVec
	streamsTerminated *prometheus.CounterVec
	streamsActive     *prometheus.GaugeVec
	backpressure      *prometheus.CounterVec
	leakWarnings      *prometheus.CounterVec
	payloadBytes      *prometheus.HistogramVec
	streamDuration    *prometheus.HistogramVec
	throttleRate      prometheus.Gauge
}

// NewMetrics registers the collectors with reg. Pass
// prometheus.DefaultRegisterer to expose them on the default handler.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		streamsOpened: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "streams_opened_total",
			Help:      "Streams attached to a lifecycle handle.",
		}, []string{"side"}),
		streamsTerminated: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "streams_terminated_total",
			Help:      "Streams torn down, by outcome.",
		}, []string{"side", "outcome"}),
		streamsActive: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "streams_active",
			Help:      "Streams attached and not yet torn down.",
		}, []string{"side"}),
		backpressure: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "backpressure_signals_total",
			Help:      "Peer-issued ENHANCE_YOUR_CALM signals.",
		}, []string{"side"}),
		leakWarnings: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "leak_warnings_total",
			Help:      "Streams whose payload sat unconsumed past the leak delay.",
		}, []string{"side"}),
		payloadBytes: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "payload_bytes",
			Help:      "Payload size delivered per stream.",
			Buckets:   prometheus.ExponentialBuckets(64, 4, 10),
		}, []string{"side"}),
		streamDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "stream_duration_seconds",
			Help:      "Time from attach to teardown.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"side", "outcome"}),
		throttleRate: f.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "throttle_streams_per_second",
			Help:      "Current stream creation rate allowed by the session throttle.",
		}),
	}
}

// Observe subscribes to s and records its lifecycle. Call it right after
// Attach. Durations are measured on clk; nil selects the wall clock.
func (m *Metrics) Observe(s *stream.Stream, side string, clk clock.Clock) {
	if m == nil {
		return
	}
	if clk == nil {
		clk = clock.New()
	}
	m.streamsOpened.WithLabelValues(side).Inc()
	m.streamsActive.WithLabelValues(side).Inc()

	start := clk.Now()
	var bytes int
	s.Subscribe(func(ev stream.Event) {
		switch ev.Kind {
		case stream.EventData:
			bytes += len(ev.Chunk)
		case stream.EventBackpressure:
			m.backpressure.WithLabelValues(side).Inc()
		case stream.EventEnd:
			outcome := Outcome(ev.Err)
			m.streamsActive.WithLabelValues(side).Dec()
			m.streamsTerminated.WithLabelValues(side, outcome).Inc()
			m.streamDuration.WithLabelValues(side, outcome).Observe(clk.Since(start).Seconds())
			m.payloadBytes.WithLabelValues(side).Observe(float64(bytes))
		}
	})
}

// LeakWarning counts one leak warning. It fits stream.Options.OnLeak via a
// closure.
func (m *Metrics) LeakWarning(side string) {
	if m == nil {
		return
	}
	m.leakWarnings.WithLabelValues(side).Inc()
}

// SetThrottleRate records the current throttle rate.
func (m *Metrics) SetThrottleRate(perSecond float64) {
	if m == nil {
		return
	}
	m.throttleRate.Set(perSecond)
}

// Outcome classifies the error a stream ended with.
func Outcome(err error) string {
	switch {
	case err == nil:
		return OutcomeClean
	case errors.Is(err, stream.ErrAborted):
		return OutcomeAborted
	default:
		return OutcomeFailed
	}
}

package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the voice bridge.
type Metrics struct {
	registry *prometheus.Registry

	CallsActive     prometheus.Gauge
	CallsTotal      *prometheus.CounterVec
	CallDuration    prometheus.Histogram
	AudioBytesTotal *prometheus.CounterVec

	FunctionCallsTotal *prometheus.CounterVec

	DroppedFramesTotal prometheus.Counter
}

// New creates a Metrics instance with all metrics registered on a private
// registry.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "voicebridge"
	}

	registry := prometheus.NewRegistry()

	callsActive := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "calls_active",
			Help:      "Number of active call sessions",
		},
	)

	callsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "calls_total",
			Help:      "Total call sessions by final status",
		},
		[]string{"status"},
	)

	callDuration := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "call_duration_seconds",
			Help:      "Call session duration in seconds",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800},
		},
	)

	audioBytesTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_bytes_total",
			Help:      "Total audio payload bytes relayed",
		},
		[]string{"direction"},
	)

	functionCallsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "function_calls_total",
			Help:      "Total AI function calls dispatched",
		},
		[]string{"name", "outcome"},
	)

	droppedFramesTotal := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dropped_frames_total",
			Help:      "Media frames dropped before the upstream session was ready",
		},
	)

	registry.MustRegister(
		callsActive,
		callsTotal,
		callDuration,
		audioBytesTotal,
		functionCallsTotal,
		droppedFramesTotal,
	)

	return &Metrics{
		registry:           registry,
		CallsActive:        callsActive,
		CallsTotal:         callsTotal,
		CallDuration:       callDuration,
		AudioBytesTotal:    audioBytesTotal,
		FunctionCallsTotal: functionCallsTotal,
		DroppedFramesTotal: droppedFramesTotal,
	}
}

// Handler returns the HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordCallStart records a call session starting.
func (m *Metrics) RecordCallStart() {
	if m == nil {
		return
	}
	m.CallsActive.Inc()
}

// RecordCallEnd records a call session ending with its final status.
func (m *Metrics) RecordCallEnd(status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.CallsActive.Dec()
	m.CallsTotal.WithLabelValues(status).Inc()
	m.CallDuration.Observe(duration.Seconds())
}

// RecordAudio records relayed audio payload bytes.
func (m *Metrics) RecordAudio(direction string, bytes int) {
	if m == nil {
		return
	}
	m.AudioBytesTotal.WithLabelValues(direction).Add(float64(bytes))
}

// RecordFunctionCall records a dispatched function call.
func (m *Metrics) RecordFunctionCall(name, outcome string) {
	if m == nil {
		return
	}
	m.FunctionCallsTotal.WithLabelValues(name, outcome).Inc()
}

// RecordDroppedFrame records a media frame dropped before upstream-ready.
func (m *Metrics) RecordDroppedFrame() {
	if m == nil {
		return
	}
	m.DroppedFramesTotal.Inc()
}

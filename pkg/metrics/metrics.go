// Package metrics counts pipeline activity, including every recoverable
// error, and exposes it in Prometheus format.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "bsstream"

// Metrics holds the pipeline collectors. Each instance has its own registry
// so several pipelines (and tests) can coexist in one process.
type Metrics struct {
	Registry *prometheus.Registry

	ChunksRead         prometheus.Counter
	BytesRead          prometheus.Counter
	ChunksDecoded      prometheus.Counter
	ChunksDropped      *prometheus.CounterVec
	ReadTimeouts       prometheus.Counter
	SamplesEmitted     prometheus.Counter
	SinkErrors         prometheus.Counter
	QueueDepth         prometheus.Gauge
	ProcessingDuration prometheus.Histogram
	State              prometheus.Gauge
}

// New creates and registers the collectors.
func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		ChunksRead: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunks_read_total",
			Help:      "Raw chunks read from the device and queued.",
		}),
		BytesRead: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_read_total",
			Help:      "Raw bytes read from the device.",
		}),
		ChunksDecoded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunks_decoded_total",
			Help:      "Chunks decoded and handed to the sink.",
		}),
		ChunksDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunks_dropped_total",
			Help:      "Chunks dropped by the processor, by reason.",
		}, []string{"reason"}),
		ReadTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "read_timeouts_total",
			Help:      "Device reads that returned no data within the read timeout.",
		}),
		SamplesEmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "samples_emitted_total",
			Help:      "Scaled samples handed to the sink.",
		}),
		SinkErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sink_errors_total",
			Help:      "Sink writes that failed.",
		}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Chunks waiting for the processor.",
		}),
		ProcessingDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "chunk_processing_seconds",
			Help:      "Time to decode, scale and sink one chunk.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 8),
		}),
		State: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "session_state",
			Help:      "Acquisition state (0 idle, 1 configuring, 2 streaming, 3 draining, 4 stopped).",
		}),
	}

	m.Registry.MustRegister(
		m.ChunksRead,
		m.BytesRead,
		m.ChunksDecoded,
		m.ChunksDropped,
		m.ReadTimeouts,
		m.SamplesEmitted,
		m.SinkErrors,
		m.QueueDepth,
		m.ProcessingDuration,
		m.State,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

// Handler returns an HTTP mux serving /metrics and /health.
func (m *Metrics) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	return mux
}

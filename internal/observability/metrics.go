// Package observability provides Prometheus metrics for the fetcher.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "bsc_fetcher"

// Metrics holds all Prometheus metrics for the fetcher.
type Metrics struct {
	gatherer prometheus.Gatherer

	// Provider metrics
	ProviderConnects   *prometheus.CounterVec
	ProviderFailures   *prometheus.CounterVec
	ProviderReconnects prometheus.Counter

	// Registry metrics
	ActiveWatches       prometheus.Gauge
	SubscribeFailures   prometheus.Counter
	ReconcileDurationMs prometheus.Histogram

	// Ingestion metrics
	LogsReceived      *prometheus.CounterVec
	DecodeFallbacks   *prometheus.CounterVec
	DecodeFailures    *prometheus.CounterVec
	PollBatchFailures prometheus.Counter
	LastPolledBlock   prometheus.Gauge

	// Pipeline metrics
	BuysEmitted         *prometheus.CounterVec
	DuplicatesDropped   prometheus.Counter
	InterpretDropped    *prometheus.CounterVec
	ProcessingLatencyMs prometheus.Histogram

	// Broadcast metrics
	Subscribers     prometheus.Gauge
	MessagesSent    *prometheus.CounterVec
	SubscriberDrops *prometheus.CounterVec
	ServerRestarts  prometheus.Counter

	// Discovery and pricing metrics
	PoolsDiscovered prometheus.Counter
	ReferencePrice  prometheus.Gauge
}

// NewMetrics registers all metrics with reg. A nil reg uses a private registry.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)

	return &Metrics{
		gatherer: reg,

		ProviderConnects: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "provider",
			Name:      "connects_total",
			Help:      "Successful verified provider connections by endpoint",
		}, []string{"endpoint"}),
		ProviderFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "provider",
			Name:      "failures_total",
			Help:      "Provider dial, verify, or transport failures by endpoint",
		}, []string{"endpoint"}),
		ProviderReconnects: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "provider",
			Name:      "reconnects_total",
			Help:      "Reconnect cycles triggered by disconnects",
		}),

		ActiveWatches: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "active_watches",
			Help:      "Number of active log watches",
		}),
		SubscribeFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "subscribe_failures_total",
			Help:      "Failed watch subscriptions during reconciliation",
		}),
		ReconcileDurationMs: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "reconcile_duration_ms",
			Help:      "Reconcile pass duration in milliseconds",
			Buckets:   []float64{5, 25, 100, 500, 1000, 5000, 15000},
		}),

		LogsReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingestion",
			Name:      "logs_received_total",
			Help:      "Raw logs received by watch kind",
		}, []string{"kind"}),
		DecodeFallbacks: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingestion",
			Name:      "decode_fallbacks_total",
			Help:      "Logs decoded by manual fallback after structured decode failed",
		}, []string{"kind"}),
		DecodeFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingestion",
			Name:      "decode_failures_total",
			Help:      "Logs that could not be decoded",
		}, []string{"kind"}),
		PollBatchFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingestion",
			Name:      "poll_batch_failures_total",
			Help:      "Range query batches that failed after retry",
		}),
		LastPolledBlock: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "ingestion",
			Name:      "last_polled_block",
			Help:      "Highest block processed by the poller",
		}),

		BuysEmitted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "buys_emitted_total",
			Help:      "Buy events broadcast by dex",
		}, []string{"dex"}),
		DuplicatesDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "duplicates_dropped_total",
			Help:      "Buy events suppressed by deduplication",
		}),
		InterpretDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "interpret_dropped_total",
			Help:      "Events dropped during interpretation by reason",
		}, []string{"reason"}),
		ProcessingLatencyMs: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "processing_latency_ms",
			Help:      "Per-log processing latency in milliseconds",
			Buckets:   []float64{1, 5, 25, 100, 250, 1000, 5000},
		}),

		Subscribers: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "broadcast",
			Name:      "subscribers",
			Help:      "Connected broadcast subscribers",
		}),
		MessagesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broadcast",
			Name:      "messages_sent_total",
			Help:      "Messages delivered to subscribers by type",
		}, []string{"type"}),
		SubscriberDrops: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broadcast",
			Name:      "subscriber_drops_total",
			Help:      "Subscribers removed by reason",
		}, []string{"reason"}),
		ServerRestarts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broadcast",
			Name:      "server_restarts_total",
			Help:      "Listener restarts after unexpected close",
		}),
		PoolsDiscovered: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "discovery",
			Name:      "pools_discovered_total",
			Help:      "Pools recorded by discovery",
		}),
		ReferencePrice: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pricing",
			Name:      "reference_price_usd",
			Help:      "Latest wrapped-native reference price in USD",
		}),
	}
}

// Handler returns the HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// OrDiscard returns m, or metrics bound to a throwaway registry when m is nil.
func OrDiscard(m *Metrics) *Metrics {
	if m != nil {
		return m
	}
	return NewMetrics(nil)
}

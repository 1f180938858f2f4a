// Package metrics exposes the pipeline's Prometheus instrumentation. It
// replaces a hand-rolled atomic-counter registry with the real client
// library, registered against a dedicated Registry rather than the global
// default so tests can construct throwaway instances.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Registry is the pipeline's Prometheus registry, exposed at /metrics.
var Registry = prometheus.NewRegistry()

func counter(name, help string) prometheus.Counter {
	c := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "nds",
		Name:      name,
		Help:      help,
	})
	Registry.MustRegister(c)
	return c
}

func gauge(name, help string) prometheus.Gauge {
	g := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "nds",
		Name:      name,
		Help:      help,
	})
	Registry.MustRegister(g)
	return g
}

func histogram(name, help string, buckets []float64) prometheus.Histogram {
	h := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "nds",
		Name:      name,
		Help:      help,
		Buckets:   buckets,
	})
	Registry.MustRegister(h)
	return h
}

func counterVec(name, help string, labels ...string) *prometheus.CounterVec {
	c := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "nds",
		Name:      name,
		Help:      help,
	}, labels)
	Registry.MustRegister(c)
	return c
}

var (
	// Capture
	PacketsReceived = counter("packets_received_total", "Packets normalised by the sniffer.")
	BytesReceived   = counter("bytes_received_total", "Bytes captured by the sniffer.")
	CaptureErrors   = counter("capture_errors_total", "Runtime read errors on the active capture backend.")
	BufferOverflows = counter("buffer_overflow_total", "Oldest-record drops from the bounded ingest buffer.")

	// Flow builder
	FlowsActive             = gauge("flows_active", "Flows currently tracked by the flow builder.")
	FlowsCompletedTotal     = counter("flows_completed_total", "Flows that reached the complete state.")
	FlowsCompletedIdle      = counter("flows_completed_idle_timeout_total", "Flows closed by idle timeout.")
	FlowsCompletedExplicit  = counter("flows_completed_explicit_total", "Flows closed by RST or bidirectional FIN+ACK.")
	FlowsCompletedHardCap   = counter("flows_completed_hard_cap_total", "Flows closed by the hard duration cap.")
	InferenceQueueDropped   = counter("inference_queue_dropped_total", "Completed flows dropped because the inference queue was full.")
	InferenceQueueDepth     = gauge("inference_queue_depth", "Current depth of the bounded inference queue.")

	// Inference
	InferenceDuration = histogram("inference_duration_seconds", "Wall-clock time of one preprocessing+predict+decide pass.",
		[]float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1})
	PredictorDegradedMode = gauge("predictor_degraded_mode", "1 when the artifact bundle failed to load and inference is skipped.")

	// Decision / persistence / publication
	DecisionsTotal     = counter("decisions_total", "Decisions emitted by the DecisionEngine.")
	DecisionsByKind    = counterVec("decisions_by_kind_total", "Decisions emitted by the DecisionEngine, partitioned by outcome.", "decision")
	AlertsCreatedTotal = counter("alerts_created_total", "Alerts persisted (decision != normal).")
	PersistFailures    = counter("persist_failures_total", "Flow persistence transactions that failed and were dropped.")
	PublishFailures    = counter("publish_failures_total", "Pub/sub publish attempts that failed.")
	PublishedTotal     = counter("published_total", "Alerts successfully published to the realtime channel.")
	GlobalThreatScore  = gauge("global_threat_score", "EMA-smoothed global threat score.")

	// Reputation enrichment
	ReputationCacheHits   = counter("reputation_cache_hits_total", "Reputation lookups served from cache.")
	ReputationDegradation = counter("reputation_degraded_total", "Reputation lookups that fell back to the unknown default.")

	// Broadcaster
	WSClientsConnected = gauge("ws_clients_connected", "WebSocket clients currently attached to /ws/alerts.")
	WSClientsEvicted   = counter("ws_clients_evicted_total", "WebSocket clients dropped for a full send queue or a write timeout.")
)

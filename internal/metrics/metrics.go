// Package metrics defines all Prometheus metrics for bngd.
// All metrics use the "bngd_" prefix.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "bngd"

// --- Sniffer Metrics ---

var (
	// SnifferPackets counts DHCP packets seen on the wire, by message type
	// and direction (client, server).
	SnifferPackets = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sniffer_packets_total",
		Help:      "Total DHCP packets captured, by message type and direction.",
	}, []string{"msg_type", "direction"})

	// SnifferRelayed counts packets forwarded by the relay, by direction
	// (upstream, downstream).
	SnifferRelayed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sniffer_relayed_total",
		Help:      "Total DHCP packets forwarded by the relay, by direction.",
	}, []string{"direction"})

	// SnifferDrops counts frames dropped during decode or relay checks.
	SnifferDrops = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sniffer_drops_total",
		Help:      "Total frames dropped before relaying, by reason.",
	}, []string{"reason"})

	// SnifferRestarts counts capture loop restarts after errors.
	SnifferRestarts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sniffer_restarts_total",
		Help:      "Total capture loop restarts after a socket error.",
	})
)

// --- Engine Metrics ---

var (
	// EventQueueDepth is the number of DHCP events waiting for the engine.
	EventQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "event_queue_depth",
		Help:      "Number of DHCP events waiting in the engine queue.",
	})

	// CommandQueueDepth is the number of commands waiting for the engine.
	CommandQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "command_queue_depth",
		Help:      "Number of commands waiting in the engine queue.",
	})

	// SessionsByStatus is a gauge of sessions per lifecycle status.
	SessionsByStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "sessions",
		Help:      "Number of sessions, by status.",
	}, []string{"status"})

	// SessionEvents counts session lifecycle transitions.
	SessionEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "session_events_total",
		Help:      "Total session lifecycle events, by type (start, stop, update, policy_apply).",
	}, []string{"type"})

	// Tombstones is a gauge of live tombstones.
	Tombstones = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "tombstones",
		Help:      "Number of live session tombstones.",
	})

	// ReconcileRuns counts reconcile passes by trigger (tick, dhcp).
	ReconcileRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "reconcile_runs_total",
		Help:      "Total reconcile passes, by trigger.",
	}, []string{"trigger"})

	// Authorizations counts RADIUS authorization outcomes.
	Authorizations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "authorizations_total",
		Help:      "Total authorization attempts, by outcome (accept, reject, timeout).",
	}, []string{"outcome"})

	// Terminations counts session terminations by cause.
	Terminations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "terminations_total",
		Help:      "Total session terminations, by cause.",
	}, []string{"cause"})
)

// --- RADIUS Metrics ---

var (
	// RadiusRequests counts RADIUS exchanges by kind and result.
	RadiusRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "radius_requests_total",
		Help:      "Total RADIUS requests, by kind (auth, acct) and result.",
	}, []string{"kind", "result"})

	// RadiusDuration tracks RADIUS exchange latency.
	RadiusDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "radius_request_duration_seconds",
		Help:      "RADIUS exchange duration in seconds.",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1.0, 2.0},
	}, []string{"kind"})
)

// --- Event Stream Metrics ---

var (
	// StreamEvents counts events appended to the stream by type.
	StreamEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "stream_events_total",
		Help:      "Total events appended to the event stream.",
	}, []string{"event_type"})

	// StreamRetries counts failed stream appends that were retried.
	StreamRetries = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "stream_retries_total",
		Help:      "Total event stream append retries.",
	})

	// StreamBufferDepth is the number of events waiting for the writer.
	StreamBufferDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "stream_buffer_depth",
		Help:      "Number of events buffered ahead of the stream writer.",
	})
)

// --- Datapath Metrics ---

var (
	// DatapathOperations counts rule and shaper operations by kind and result.
	DatapathOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "datapath_operations_total",
		Help:      "Total datapath operations, by kind (install, delete, allow, revoke, shape, unshape) and result.",
	}, []string{"kind", "result"})
)

// --- Router Metrics ---

var (
	// RoutersAlive is a gauge of access routers currently alive.
	RoutersAlive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "routers_alive",
		Help:      "Number of access routers currently considered alive.",
	})

	// RoutersTracked is a gauge of access routers in the inventory.
	RoutersTracked = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "routers_tracked",
		Help:      "Number of access routers in the inventory.",
	})

	// RouterPings counts liveness pings by result.
	RouterPings = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "router_pings_total",
		Help:      "Total access-router liveness pings, by result.",
	}, []string{"result"})
)

// --- CoA Metrics ---

var (
	// CoARequests counts CoA IPC requests by action and result.
	CoARequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "coa_requests_total",
		Help:      "Total CoA requests, by action and result.",
	}, []string{"action", "result"})
)

// --- API Metrics ---

var (
	// APIRequests counts HTTP API requests by method, path, and status.
	APIRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "api_requests_total",
		Help:      "Total HTTP API requests.",
	}, []string{"method", "path", "status"})

	// APIRequestDuration tracks API request latency.
	APIRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "api_request_duration_seconds",
		Help:      "HTTP API request duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "path"})
)

// --- Process Info ---

var (
	// BNGInfo is a constant gauge with daemon metadata.
	BNGInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "info",
		Help:      "Daemon build and identity info.",
	}, []string{"version", "bng_id"})

	// StartTime tracks daemon start time as a unix timestamp.
	StartTime = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "start_time_seconds",
		Help:      "Daemon start time as Unix timestamp.",
	})

	// CPUUsage is the most recent CPU utilization sample.
	CPUUsage = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "cpu_usage_percent",
		Help:      "CPU utilization from the latest health sample.",
	})

	// MemUsage is the most recent memory usage sample in MB.
	MemUsage = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "mem_usage_mb",
		Help:      "Memory usage in MB from the latest health sample.",
	})
)

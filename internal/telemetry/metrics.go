package telemetry

import "github.com/prometheus/client_golang/prometheus"

// LeasesAcquiredTotal counts successful Lease grants, by tenant.
var LeasesAcquiredTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "fabric",
		Subsystem: "leases",
		Name:      "acquired_total",
		Help:      "Total number of leases granted.",
	},
	[]string{"tenant"},
)

// LeasesContestedTotal counts Lease calls that returned no-work, whether the
// queue was empty or every candidate row was already claimed by a concurrent
// poller.
var LeasesContestedTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "fabric",
		Subsystem: "leases",
		Name:      "contested_total",
		Help:      "Total number of Lease calls that found no unclaimed work.",
	},
)

// TasksEscalatedTotal counts escalate-phase receipts emitted, by class.
var TasksEscalatedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "fabric",
		Subsystem: "tasks",
		Name:      "escalated_total",
		Help:      "Total number of tasks escalated, by escalation class.",
	},
	[]string{"class"},
)

// ReceiptsEmittedTotal counts the foreground result of each Emit call, by
// phase and outcome ("success", "duplicate", "validation_failed", "queued").
var ReceiptsEmittedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "fabric",
		Subsystem: "receipts",
		Name:      "emitted_total",
		Help:      "Total number of receipts emitted to the ledger.",
	},
	[]string{"phase", "outcome"},
)

// EmissionQueueDepth reports the current size of the emission client's
// overflow deque.
var EmissionQueueDepth = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "fabric",
		Subsystem: "emission",
		Name:      "queue_depth",
		Help:      "Current number of receipts waiting in the emission overflow queue.",
	},
)

// ReaperReclaimedTotal counts expired leases processed by the Expiry Reaper,
// by outcome ("requeued" or "expired").
var ReaperReclaimedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "fabric",
		Subsystem: "reaper",
		Name:      "reclaimed_total",
		Help:      "Total number of expired leases processed by the reaper.",
	},
	[]string{"outcome"},
)

// HTTPRequestDuration records request latency by method, route, and status.
// Not exposed over HTTP (no /metrics endpoint); scraped indirectly through
// whatever process manages this registry.
var HTTPRequestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "fabric",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request latency in seconds.",
		Buckets:   prometheus.DefBuckets,
	},
	[]string{"method", "route", "status"},
)

// All returns every fabric-specific collector, for registration into a
// *prometheus.Registry at startup.
func All() []prometheus.Collector {
	return []prometheus.Collector{
		LeasesAcquiredTotal,
		LeasesContestedTotal,
		TasksEscalatedTotal,
		ReceiptsEmittedTotal,
		EmissionQueueDepth,
		ReaperReclaimedTotal,
		HTTPRequestDuration,
	}
}

// NewRegistry builds a fresh Prometheus registry containing the given
// collectors alongside the Go runtime/process defaults.
func NewRegistry(collectors ...prometheus.Collector) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
	for _, c := range collectors {
		reg.MustRegister(c)
	}
	return reg
}

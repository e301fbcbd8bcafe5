package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Probe metrics
	ProbesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "netmon_probes_total",
			Help: "Total probes executed by kind and outcome",
		},
		[]string{"kind", "outcome"},
	)

	ProbeRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "netmon_probe_retries_total",
			Help: "Probe retries by kind",
		},
		[]string{"kind"},
	)

	// Queue metrics
	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "netmon_queue_depth",
			Help: "Tasks currently enqueued per queue",
		},
		[]string{"queue"},
	)

	TasksProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "netmon_tasks_processed_total",
			Help: "Tasks completed per queue and result",
		},
		[]string{"queue", "result"},
	)

	WorkerRecycles = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "netmon_worker_recycles_total",
			Help: "Worker recycles per queue (tasks_per_child reached)",
		},
		[]string{"queue"},
	)

	// Store metrics
	TSDBWriteDrops = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "netmon_tsdb_write_drops_total",
			Help: "Time-series writes dropped after exhausting retries",
		},
	)

	RelationalRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "netmon_relational_retries_total",
			Help: "Relational transactions retried after failure",
		},
	)

	CacheHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "netmon_cache_hits_total",
			Help: "Read cache hits and misses",
		},
		[]string{"outcome"},
	)

	// State machine / evaluator metrics
	StateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "netmon_state_transitions_total",
			Help: "Device state transitions by direction",
		},
		[]string{"direction"},
	)

	AlertsOpened = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "netmon_alerts_opened_total",
			Help: "Alert instances opened by severity",
		},
		[]string{"severity"},
	)

	AlertsResolved = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "netmon_alerts_resolved_total",
			Help: "Alert instances resolved",
		},
	)

	InvariantViolations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "netmon_invariant_violations_total",
			Help: "Internal invariant violations (logged and skipped)",
		},
		[]string{"kind"},
	)
)

// Register adds all collectors to the default registry. Call once at startup.
func Register() {
	prometheus.MustRegister(
		ProbesTotal,
		ProbeRetries,
		QueueDepth,
		TasksProcessed,
		WorkerRecycles,
		TSDBWriteDrops,
		RelationalRetries,
		CacheHits,
		StateTransitions,
		AlertsOpened,
		AlertsResolved,
		InvariantViolations,
	)
}

// Handler returns the HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

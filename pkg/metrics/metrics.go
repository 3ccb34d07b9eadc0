package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Sandbox metrics
	SandboxesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "burrow_sandboxes_total",
			Help: "Number of sandbox records by status",
		},
		[]string{"status"},
	)

	SandboxTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "burrow_sandbox_transitions_total",
			Help: "Total sandbox state transitions by target status and reason",
		},
		[]string{"status", "reason"},
	)

	// Pool metrics
	PoolEntriesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "burrow_pool_entries_total",
			Help: "Number of pool entries by kind and status",
		},
		[]string{"kind", "status"},
	)

	PoolAssignmentsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "burrow_pool_assignments_total",
			Help: "Pool assignments by kind (generic, repo) and outcome (hit, miss)",
		},
		[]string{"kind", "outcome"},
	)

	// Scheduler metrics
	SchedulerTaskDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "burrow_scheduler_task_duration_seconds",
			Help:    "Duration of scheduler task ticks",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"task"},
	)

	SchedulerTaskErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "burrow_scheduler_task_errors_total",
			Help: "Scheduler task tick errors",
		},
		[]string{"task"},
	)

	// Host gateway metrics
	HostRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "burrow_host_requests_total",
			Help: "Requests to the host daemon by operation and result",
		},
		[]string{"op", "result"},
	)

	// Agent metrics
	AgentIterationsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "burrow_agent_iterations_total",
			Help: "Total agent loop iterations",
		},
	)

	AgentCommandsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "burrow_agent_commands_total",
			Help: "Agent bash commands by result (ok, failed, blocked)",
		},
		[]string{"result"},
	)

	AgentTurnsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "burrow_agent_turns_total",
			Help: "Completed agent turns by outcome (done, stopped, error)",
		},
		[]string{"outcome"},
	)
)

func init() {
	prometheus.MustRegister(
		SandboxesTotal,
		SandboxTransitionsTotal,
		PoolEntriesTotal,
		PoolAssignmentsTotal,
		SchedulerTaskDuration,
		SchedulerTaskErrors,
		HostRequestsTotal,
		AgentIterationsTotal,
		AgentCommandsTotal,
		AgentTurnsTotal,
	)
}

// Handler returns the HTTP handler for the /metrics endpoint
func Handler() http.Handler {
	return promhttp.Handler()
}

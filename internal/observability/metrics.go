package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects the gateway's Prometheus metrics.
//
// Tracked series:
//   - RPC request counts and latency by method and outcome
//   - Tool invocation counts and latency by tool and status
//   - Approval request outcomes
//   - Task terminal states and queue depth
//   - Planner calls by provider and parse path
type Metrics struct {
	// RPCRequests counts dispatched JSON-RPC requests.
	// Labels: method, outcome (ok|error)
	RPCRequests *prometheus.CounterVec

	// RPCDuration measures handler latency in seconds.
	// Labels: method
	// Buckets: 1ms .. 30s
	RPCDuration *prometheus.HistogramVec

	// Invocations counts tool invocations by final status.
	// Labels: tool, status (completed|failed|awaiting_approval|rejected)
	Invocations *prometheus.CounterVec

	// InvocationDuration measures tool handler latency in seconds.
	// Labels: tool
	InvocationDuration *prometheus.HistogramVec

	// RunningInvocations gauges invocations currently holding a
	// concurrency slot.
	RunningInvocations prometheus.Gauge

	// Approvals counts approval request resolutions.
	// Labels: outcome (approved|rejected|expired)
	Approvals *prometheus.CounterVec

	// Tasks counts task terminal transitions.
	// Labels: state (DONE|FAILED|ABORTED)
	Tasks *prometheus.CounterVec

	// QueueDepth gauges queued tasks per channel-session key count.
	QueueDepth prometheus.Gauge

	// PlannerCalls counts planner invocations.
	// Labels: provider, path (json|markup|reply|fallback|error)
	PlannerCalls *prometheus.CounterVec
}

// NewMetrics registers and returns the gateway metric set on the given
// registerer. Passing nil uses the default registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		RPCRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "moonbot",
			Subsystem: "gateway",
			Name:      "rpc_requests_total",
			Help:      "JSON-RPC requests dispatched, by method and outcome.",
		}, []string{"method", "outcome"}),

		RPCDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "moonbot",
			Subsystem: "gateway",
			Name:      "rpc_duration_seconds",
			Help:      "JSON-RPC handler latency.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
		}, []string{"method"}),

		Invocations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "moonbot",
			Subsystem: "runtime",
			Name:      "invocations_total",
			Help:      "Tool invocations by tool and final status.",
		}, []string{"tool", "status"}),

		InvocationDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "moonbot",
			Subsystem: "runtime",
			Name:      "invocation_duration_seconds",
			Help:      "Tool handler latency.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
		}, []string{"tool"}),

		RunningInvocations: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "moonbot",
			Subsystem: "runtime",
			Name:      "running_invocations",
			Help:      "Invocations currently holding a concurrency slot.",
		}),

		Approvals: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "moonbot",
			Subsystem: "approvals",
			Name:      "resolutions_total",
			Help:      "Approval request resolutions by outcome.",
		}, []string{"outcome"}),

		Tasks: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "moonbot",
			Subsystem: "tasks",
			Name:      "terminal_total",
			Help:      "Tasks reaching a terminal state.",
		}, []string{"state"}),

		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "moonbot",
			Subsystem: "tasks",
			Name:      "queue_depth",
			Help:      "Tasks waiting in per-key queues.",
		}),

		PlannerCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "moonbot",
			Subsystem: "planner",
			Name:      "calls_total",
			Help:      "Planner invocations by provider and parse path.",
		}, []string{"provider", "path"}),
	}
}

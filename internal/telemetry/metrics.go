package telemetry

import "github.com/prometheus/client_golang/prometheus"

var InstancesLaunchedTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "chainowl",
		Subsystem: "instances",
		Name:      "launched_total",
		Help:      "Total number of instances launched.",
	},
)

var InstancesKilledTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "chainowl",
		Subsystem: "instances",
		Name:      "killed_total",
		Help:      "Total number of instances explicitly deleted.",
	},
)

var InstancesReapedTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "chainowl",
		Subsystem: "instances",
		Name:      "reaped_total",
		Help:      "Total number of expired instances removed by the reaper.",
	},
)

var InstanceLaunchDuration = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Namespace: "chainowl",
		Subsystem: "instances",
		Name:      "launch_duration_seconds",
		Help:      "Instance launch duration in seconds, priming included.",
		Buckets:   []float64{0.5, 1, 2.5, 5, 10, 20, 30, 60, 120},
	},
)

var ProxyForbiddenTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "chainowl",
		Subsystem: "proxy",
		Name:      "forbidden_total",
		Help:      "Total number of JSON-RPC requests rejected by the method filter.",
	},
)

var ProxyUpstreamErrorsTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "chainowl",
		Subsystem: "proxy",
		Name:      "upstream_errors_total",
		Help:      "Total number of failed upstream node calls.",
	},
)

var ProxyWSSessionsActive = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "chainowl",
		Subsystem: "proxy",
		Name:      "ws_sessions_active",
		Help:      "Number of live WebSocket relay sessions.",
	},
)

var HTTPRequestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "chainowl",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
	},
	[]string{"method", "path", "status"},
)

// All returns all chainowl metrics for registration.
func All() []prometheus.Collector {
	return []prometheus.Collector{
		InstancesLaunchedTotal,
		InstancesKilledTotal,
		InstancesReapedTotal,
		InstanceLaunchDuration,
		ProxyForbiddenTotal,
		ProxyUpstreamErrorsTotal,
		ProxyWSSessionsActive,
		HTTPRequestDuration,
	}
}

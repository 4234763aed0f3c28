package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// HTTPRequestDuration tracks admin/ingress HTTP request latency.
var HTTPRequestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "meterproxy",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	},
	[]string{"method", "path", "status"},
)

var RequestsAllowedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "meterproxy",
		Subsystem: "pipeline",
		Name:      "requests_allowed_total",
		Help:      "Total number of tool-call requests admitted past the pre-stage.",
	},
	[]string{"tool"},
)

var RequestsAbortedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "meterproxy",
		Subsystem: "pipeline",
		Name:      "requests_aborted_total",
		Help:      "Total number of requests aborted during the pre-stage, by reason.",
	},
	[]string{"reason"},
)

var CreditsDeductedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "meterproxy",
		Subsystem: "billing",
		Name:      "credits_deducted_total",
		Help:      "Total credits deducted, by tool.",
	},
	[]string{"tool"},
)

var BackendForwardDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "meterproxy",
		Subsystem: "backend",
		Name:      "forward_duration_seconds",
		Help:      "Latency of the forward-to-backend call.",
		Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	},
	[]string{"backend", "status"},
)

// All returns the meterproxy-specific metrics for registration.
func All() []prometheus.Collector {
	return []prometheus.Collector{
		HTTPRequestDuration,
		RequestsAllowedTotal,
		RequestsAbortedTotal,
		CreditsDeductedTotal,
		BackendForwardDuration,
	}
}

// NewRegistry creates a Prometheus registry with Go/process collectors, the
// shared metrics above, and any additional component-specific collectors.
func NewRegistry(extra ...prometheus.Collector) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	for _, c := range All() {
		reg.MustRegister(c)
	}
	for _, c := range extra {
		reg.MustRegister(c)
	}
	return reg
}

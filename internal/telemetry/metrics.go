package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// HTTPRequestDuration tracks HTTP request latency. Shared across all routes.
var HTTPRequestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "stepflow",
		Subsystem: "api",
		Name:      "request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	},
	[]string{"method", "path", "status"},
)

// StepsCompletedTotal is the counter for successful steps by service. It is
// registered with the metrics registry; no code in this repository increments it.
var StepsCompletedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "stepflow",
		Subsystem: "steps",
		Name:      "completed_total",
		Help:      "Total number of steps completed successfully, by service.",
	},
	[]string{"service"},
)

// StepsFailedTotal is the counter for step failures by service and error
// code. It is registered; no code in this repository increments it.
var StepsFailedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "stepflow",
		Subsystem: "steps",
		Name:      "failed_total",
		Help:      "Total number of steps that failed, by service and error code.",
	},
	[]string{"service", "error_code"},
)

// ServiceCallDuration is the histogram for outbound HTTP step-client call
// latency by service. It is registered; no code in this repository observes it.
var ServiceCallDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "stepflow",
		Subsystem: "service_call",
		Name:      "duration_seconds",
		Help:      "Outbound step service call duration in seconds.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
	},
	[]string{"service", "outcome"},
)

// LimiterWaitSeconds is the histogram for time spent acquiring a concurrency
// lease. It is registered; no code in this repository observes it.
var LimiterWaitSeconds = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "stepflow",
		Subsystem: "limiter",
		Name:      "wait_seconds",
		Help:      "Time spent waiting to acquire a concurrency lease, by service.",
		Buckets:   []float64{0, 0.5, 1, 2, 5, 10, 30, 60},
	},
	[]string{"service"},
)

// LimiterCurrentConcurrency reports the last-observed value of each service's
// counter, refreshed whenever the lease reaper runs.
var LimiterCurrentConcurrency = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "stepflow",
		Subsystem: "limiter",
		Name:      "current_concurrency",
		Help:      "Last-known live concurrency count per service, from the lease reaper.",
	},
	[]string{"service"},
)

// JobsPromotedTotal counts priority promotions.
var JobsPromotedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "stepflow",
		Subsystem: "jobs",
		Name:      "promoted_total",
		Help:      "Total number of jobs promoted to a higher priority, by target priority.",
	},
	[]string{"to_priority"},
)

// JobsStuckTotal counts jobs failed by the stuck-job detector.
var JobsStuckTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "stepflow",
		Subsystem: "jobs",
		Name:      "stuck_total",
		Help:      "Total number of jobs failed by the stuck-job detector.",
	},
)

// All returns all stepflow-specific metrics for registration.
func All() []prometheus.Collector {
	return []prometheus.Collector{
		StepsCompletedTotal,
		StepsFailedTotal,
		ServiceCallDuration,
		LimiterWaitSeconds,
		LimiterCurrentConcurrency,
		JobsPromotedTotal,
		JobsStuckTotal,
	}
}

// NewMetricsRegistry creates a Prometheus registry with Go/process collectors,
// the shared HTTPRequestDuration metric, and any additional service-specific
// collectors passed as arguments.
func NewMetricsRegistry(extra ...prometheus.Collector) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		HTTPRequestDuration,
	)
	for _, c := range extra {
		reg.MustRegister(c)
	}
	return reg
}

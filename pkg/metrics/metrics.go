package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	RateLimitAllowed = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "gogotex", Name: "rate_limit_allowed_total", Help: "Number of allowed requests by limiter type."},
		[]string{"limiter"},
	)
	RateLimitRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "gogotex", Name: "rate_limit_rejected_total", Help: "Number of rejected requests by limiter type."},
		[]string{"limiter"},
	)

	CompileJobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "gogotex", Name: "compile_jobs_total", Help: "Number of compile jobs reaching a terminal status, by status."},
		[]string{"status"},
	)
	CompileDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Namespace: "gogotex", Name: "compile_duration_seconds", Help: "Wall-clock duration of compile jobs reaching a terminal status.", Buckets: prometheus.DefBuckets},
		[]string{"status"},
	)
	CompileQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{Namespace: "gogotex", Name: "compile_queue_depth", Help: "Number of envelopes currently waiting in the compile queue."},
	)
	LogBusDroppedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{Namespace: "gogotex", Name: "logbus_dropped_total", Help: "Number of Log Bus events dropped because a subscriber was too slow to keep up."},
	)
)

func RegisterCollectors(reg prometheus.Registerer) {
	reg.MustRegister(RateLimitAllowed)
	reg.MustRegister(RateLimitRejected)
	reg.MustRegister(CompileJobsTotal)
	reg.MustRegister(CompileDurationSeconds)
	reg.MustRegister(CompileQueueDepth)
	reg.MustRegister(LogBusDroppedTotal)
}

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	Decisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gatewarden_decisions_total",
			Help: "Count of gateway verdicts (allowed/denied)",
		},
		[]string{"verdict"},
	)
	Denials = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gatewarden_denials_total",
			Help: "Denied requests by reason code",
		},
		[]string{"reason"},
	)
	PipelineDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "gatewarden_pipeline_duration_seconds",
			Help:    "Latency of the security pipeline, excluding the upstream",
			Buckets: []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5},
		},
	)
	SuspiciousRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gatewarden_suspicious_requests_total",
			Help: "Requests with at least one suspicion indicator",
		},
		[]string{"indicator"},
	)
	BansIssued = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gatewarden_bans_issued_total",
			Help: "Automatic bans by escalation reason",
		},
		[]string{"reason"},
	)
	CSRFIssued = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "gatewarden_csrf_tokens_issued_total",
			Help: "CSRF tokens minted",
		},
	)
	StoreErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gatewarden_store_errors_total",
			Help: "Backing store failures by pipeline step",
		},
		[]string{"step"},
	)
	EventsDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "gatewarden_audit_events_dropped_total",
			Help: "Audit events lost to store errors or the write budget",
		},
	)
	UpstreamErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gatewarden_upstream_errors_total",
			Help: "Forwarding failures by kind",
		},
		[]string{"kind"},
	)
	UpstreamLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "gatewarden_upstream_latency_seconds",
			Help:    "Round-trip time of proxied requests",
			Buckets: prometheus.DefBuckets,
		},
	)
	BuildInfo = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name:        "gatewarden_build_info",
			Help:        "Build info gauge with const labels",
			ConstLabels: prometheus.Labels{"version": "0.1.0"},
		},
	)
)

func MustRegister() {
	prometheus.MustRegister(Decisions, Denials, PipelineDuration, SuspiciousRequests, BansIssued, CSRFIssued, StoreErrors, EventsDropped, UpstreamErrors, UpstreamLatency, BuildInfo)
	BuildInfo.Set(1)
}

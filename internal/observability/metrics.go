package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "haulkind_dispatch"

var (
	QuotesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "quotes_total", Help: "Quotes computed by service type"},
		[]string{"service_type"},
	)
	JobTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "job_transitions_total", Help: "Job status transitions"},
		[]string{"from", "to"},
	)

	OffersCreatedTotal  = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "offers_created_total", Help: "Job offers issued to drivers"})
	OffersResolvedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "offers_resolved_total", Help: "Job offers reaching a terminal status"},
		[]string{"status"},
	)
	WavesTotal      = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "dispatch_waves_total", Help: "Dispatch waves issued"})
	NoCoverageTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "dispatch_no_coverage_total", Help: "Jobs ending in no_coverage"})
	AcceptLatency   = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "dispatch_accept_latency_seconds",
		Help:      "Time from offer creation to acceptance",
		Buckets:   []float64{1, 5, 15, 30, 60, 90, 120, 240},
	})
	SweepRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "sweep_runs_total", Help: "Offer expiry sweeps by result"},
		[]string{"result"},
	)
	NotifyFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "notify_failures_total", Help: "Best-effort notifications that failed"})

	PayoutsCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "payouts_created_total", Help: "Driver payouts created"})
	DriversOnline       = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "drivers_online", Help: "Number of online drivers"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)

package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "dispatch"

var (
	DispatchOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "outcomes_total", Help: "Dispatch calls by outcome and priority"},
		[]string{"outcome", "priority"},
	)
	DispatchLatency        = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: namespace, Name: "latency_seconds", Help: "End to end dispatch latency seconds"})
	CandidateSearchLatency = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: namespace, Name: "candidate_search_seconds", Help: "Candidate filter query latency seconds"})
	ClaimConflicts         = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "claim_conflicts_total", Help: "Claims lost to a concurrent dispatch"})
	DriversOnline          = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "drivers_online", Help: "Drivers with a live session"})

	ChannelSends = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "channel_sends_total", Help: "Offer emissions per channel and result"},
		[]string{"channel", "result"},
	)
	SafetyNetReoffers = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "safetynet_reoffers_total", Help: "Offers re-emitted by the safety net poller"})

	EventsRecorded = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "events_total", Help: "Dispatch events recorded by type"},
		[]string{"type"},
	)
	EventLatency = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: namespace, Name: "event_latency_seconds", Help: "Latency carried by dispatch events"})
	RecordErrors = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "record_errors_total", Help: "Dispatch events that could not be persisted"})

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

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Call lifecycle metrics
var (
	CallsInitiatedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "call_initiated_total",
		Help: "Total number of calls initiated from this node",
	}, []string{"call_type"})

	CallsAnsweredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "call_answered_total",
		Help: "Total number of calls answered",
	})

	CallsRejectedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "call_rejected_total",
		Help: "Total number of calls explicitly rejected",
	})

	CallsBusyRejectedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "call_busy_rejected_total",
		Help: "Total number of inbound calls auto-rejected while another call was active",
	})

	CallsMissedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "call_missed_total",
		Help: "Total number of calls that timed out while ringing",
	})

	CallsEndedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "call_ended_total",
		Help: "Total number of calls ended normally",
	})

	CallsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "call_active",
		Help: "Current number of tracked calls (ringing or answered)",
	})

	CallDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "call_duration_seconds",
		Help:    "Histogram of answered call duration in seconds",
		Buckets: []float64{5, 15, 30, 60, 120, 300, 600, 1800, 3600},
	})
)

// Signaling metrics
var (
	SignalsPublishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "signal_published_total",
		Help: "Total number of signaling messages published, by type and outcome",
	}, []string{"type", "status"})

	SignalDispatchDurationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "signal_dispatch_duration_seconds",
		Help:    "Histogram of time spent applying one inbound signaling message",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2.5},
	}, []string{"type"})

	CandidatesDeferredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "signal_candidates_deferred_total",
		Help: "Total number of ICE candidates buffered before a remote description was set",
	})

	CandidatesDiscardedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "signal_candidates_discarded_total",
		Help: "Total number of ICE candidates that failed to apply and were dropped",
	})

	NegotiationFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "negotiation_failures_total",
		Help: "Total number of negotiation sessions that failed fatally",
	})

	MediaFallbacksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "media_audio_fallback_total",
		Help: "Total number of video capture failures that fell back to audio only",
	})
)

// Push notification metrics
var (
	PushSendTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "push_send_total",
		Help: "Total number of push notification sends, by outcome",
	}, []string{"status"})
)

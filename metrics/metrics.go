package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Pipeline Prometheus metrics.
var (
	StageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "docsalud",
			Name:      "stage_duration_seconds",
			Help:      "Duration of a document processing stage in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"stage", "outcome"},
	)

	DocumentsProcessedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "docsalud",
			Name:      "documents_processed_total",
			Help:      "Documents that reached a terminal status",
		},
		[]string{"status"},
	)

	DocumentsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "docsalud",
			Name:      "documents_in_flight",
			Help:      "Documents currently being processed",
		},
	)

	ProviderCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "docsalud",
			Name:      "provider_calls_total",
			Help:      "Calls to classification and generation providers",
		},
		[]string{"capability", "provider", "status"},
	)

	AlertsCreatedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "docsalud",
			Name:      "alerts_created_total",
			Help:      "Alerts raised by the alert engine",
		},
		[]string{"alert_type", "severity"},
	)

	AnswersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "docsalud",
			Name:      "answers_total",
			Help:      "Answered questions by outcome",
		},
		[]string{"outcome"}, // "answered" / "no_context" / "degraded"
	)
)

var registerOnce sync.Once

// RegisterMetrics registers the collectors with the default registerer. Safe to call more than once.
func RegisterMetrics() {
	registerOnce.Do(func() {
		MustRegister(prometheus.DefaultRegisterer)
	})
}

// MustRegister registers the collectors with reg.
func MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(
		StageDuration,
		DocumentsProcessedTotal,
		DocumentsInFlight,
		ProviderCallsTotal,
		AlertsCreatedTotal,
		AnswersTotal,
	)
}

// ObserveStage records the duration of one stage run.
func ObserveStage(stage string, outcome string, started time.Time) {
	StageDuration.WithLabelValues(stage, outcome).Observe(time.Since(started).Seconds())
}

// ProviderObserver returns a callback for provider chains of the given capability.
func ProviderObserver(capability string) func(provider string, err error) {
	return func(provider string, err error) {
		status := "success"
		if err != nil {
			status = "error"
		}
		ProviderCallsTotal.WithLabelValues(capability, provider, status).Inc()
	}
}

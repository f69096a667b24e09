package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles the service's Prometheus collectors. A single instance is
// created in main and threaded to the components that record into it.
type Metrics struct {
	Detections       *prometheus.CounterVec
	DetectionSeconds *prometheus.HistogramVec
	ProviderProbes   *prometheus.CounterVec
	RateLimitRejects *prometheus.CounterVec
	WebhookOutcomes  *prometheus.CounterVec
	SchedulerRuns    *prometheus.CounterVec
}

func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Detections: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "provenance_detections_total",
			Help: "Completed detections by modality and verdict.",
		}, []string{"modality", "verdict"}),
		DetectionSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "provenance_detection_seconds",
			Help:    "End-to-end detection latency by modality.",
			Buckets: prometheus.DefBuckets,
		}, []string{"modality"}),
		ProviderProbes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "provenance_provider_probes_total",
			Help: "Provider probe outcomes by provider and status.",
		}, []string{"provider", "status"}),
		RateLimitRejects: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "provenance_ratelimit_rejections_total",
			Help: "Admission rejections by bucket and reason.",
		}, []string{"bucket", "reason"}),
		WebhookOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "provenance_webhook_deliveries_total",
			Help: "Webhook delivery outcomes.",
		}, []string{"outcome"}),
		SchedulerRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "provenance_scheduler_runs_total",
			Help: "Scheduler run outcomes.",
		}, []string{"status"}),
	}
}

// RecordVerdict maps a boolean verdict onto the label pair used everywhere.
func (m *Metrics) RecordVerdict(modality string, isAI bool) {
	verdict := "human"
	if isAI {
		verdict = "ai"
	}
	m.Detections.WithLabelValues(modality, verdict).Inc()
}

package metrics

import (
	"net/http"
	"time"

	"pettag-backend/sections/models"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "pettag"

// Metrics holds the service's prometheus collectors on a private registry
type Metrics struct {
	registry *prometheus.Registry

	paymentsProcessed    *prometheus.CounterVec
	webhooksRejected     *prometheus.CounterVec
	subscriptionsExpired *prometheus.CounterVec
	duplicatesDeleted    prometheus.Counter
	jobRuns              *prometheus.CounterVec
	jobDuration          *prometheus.HistogramVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		paymentsProcessed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "payments",
			Name:      "processed_total",
			Help:      "Payment events handled by the reconciliation engine",
		}, []string{"gateway", "outcome"}),
		webhooksRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "webhooks",
			Name:      "rejected_total",
			Help:      "Webhook deliveries rejected before reaching the engine",
		}, []string{"gateway", "reason"}),
		subscriptionsExpired: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "subscriptions",
			Name:      "expired_total",
			Help:      "Subscriptions moved to expired by the sweep",
		}, []string{"kind"}),
		duplicatesDeleted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "subscriptions",
			Name:      "duplicates_deleted_total",
			Help:      "Duplicate active subscriptions removed by the reconciler",
		}),
		jobRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "jobs",
			Name:      "runs_total",
			Help:      "Scheduled job runs by result",
		}, []string{"job", "result"}),
		jobDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "jobs",
			Name:      "duration_seconds",
			Help:      "Scheduled job run time",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
		}, []string{"job"}),
	}
}

func (m *Metrics) PaymentProcessed(gateway models.Gateway, outcome string) {
	m.paymentsProcessed.WithLabelValues(string(gateway), outcome).Inc()
}

func (m *Metrics) SubscriptionsExpired(kind models.SubscriptionType, n int) {
	m.subscriptionsExpired.WithLabelValues(string(kind)).Add(float64(n))
}

func (m *Metrics) DuplicatesDeleted(n int) {
	m.duplicatesDeleted.Add(float64(n))
}

func (m *Metrics) WebhookRejected(gateway models.Gateway, reason string) {
	m.webhooksRejected.WithLabelValues(string(gateway), reason).Inc()
}

// JobFinished records one scheduled run. result is "ok", "skipped" or "error".
func (m *Metrics) JobFinished(job, result string, took time.Duration) {
	m.jobRuns.WithLabelValues(job, result).Inc()
	m.jobDuration.WithLabelValues(job).Observe(took.Seconds())
}

// Handler serves the registry in the prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

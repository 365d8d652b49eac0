package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailhook_http_requests_total",
			Help: "Total HTTP requests by method, route, and status",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mailhook_http_request_duration_seconds",
			Help:    "HTTP request latency distribution",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		},
		[]string{"method", "route"},
	)

	inboundNotifications = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailhook_inbound_notifications_total",
			Help: "Inbound push deliveries by kind and response status",
		},
		[]string{"kind", "status"},
	)

	emailsIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailhook_emails_ingested_total",
			Help: "Ingest attempts by source and whether a new row was created",
		},
		[]string{"source", "result"},
	)

	emailsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailhook_emails_completed_total",
			Help: "Emails reaching a terminal status",
		},
		[]string{"status"},
	)

	objectFetches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailhook_object_fetches_total",
			Help: "Raw message fetches from object storage by result",
		},
		[]string{"result"},
	)

	webhookDeliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailhook_webhook_deliveries_total",
			Help: "Webhook delivery attempts by outcome",
		},
		[]string{"outcome"},
	)

	webhookLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mailhook_webhook_latency_seconds",
			Help:    "Webhook round trip time",
			Buckets: []float64{.05, .1, .25, .5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"outcome"},
	)

	subscriptionSuspensions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mailhook_subscription_suspensions_total",
			Help: "Subscriptions suspended after exhausting retries",
		},
	)

	deliveryConfirmations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailhook_delivery_confirmations_total",
			Help: "Consumer confirmations by status and whether they changed the row",
		},
		[]string{"status", "changed"},
	)

	reconcileRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailhook_reconcile_runs_total",
			Help: "Reconciliation sweeps by result",
		},
		[]string{"result"},
	)

	reconcileKeys = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailhook_reconcile_keys_total",
			Help: "Keys seen by reconciliation, by disposition",
		},
		[]string{"disposition"},
	)

	reconcileLastRun = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mailhook_reconcile_last_run_timestamp_seconds",
			Help: "Unix time of the last completed reconciliation sweep",
		},
	)

	sqsMessagesInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mailhook_sqs_messages_in_flight",
			Help: "Current messages being processed from SQS",
		},
	)

	ingestGuardHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mailhook_ingest_guard_hits_total",
			Help: "Ingests short-circuited by the Redis guard",
		},
	)

	rateLimitRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailhook_rate_limit_rejections_total",
			Help: "Requests rejected by rate limiter",
		},
		[]string{"route"},
	)
)

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordRequest records HTTP request metrics
func RecordRequest(method, route string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// RecordInboundNotification counts one push delivery and its response status.
func RecordInboundNotification(kind, status string) {
	inboundNotifications.WithLabelValues(kind, status).Inc()
}

// RecordIngest counts an ingest attempt.
func RecordIngest(source string, created bool) {
	result := "duplicate"
	if created {
		result = "created"
	}
	emailsIngested.WithLabelValues(source, result).Inc()
}

// RecordEmailCompleted counts an email reaching processed or failed.
func RecordEmailCompleted(status string) {
	emailsCompleted.WithLabelValues(status).Inc()
}

// RecordObjectFetch counts an object storage read.
func RecordObjectFetch(result string) {
	objectFetches.WithLabelValues(result).Inc()
}

// RecordWebhookDelivery records one delivery attempt.
func RecordWebhookDelivery(outcome string, latency time.Duration) {
	webhookDeliveries.WithLabelValues(outcome).Inc()
	webhookLatency.WithLabelValues(outcome).Observe(latency.Seconds())
}

// RecordWebhookSkipped counts a delivery skipped because the pair was
// already dispatched.
func RecordWebhookSkipped() {
	webhookDeliveries.WithLabelValues("skipped").Inc()
}

// RecordSuspension counts a subscription suspension.
func RecordSuspension() {
	subscriptionSuspensions.Inc()
}

// RecordConfirmation counts a consumer confirmation.
func RecordConfirmation(status string, changed bool) {
	deliveryConfirmations.WithLabelValues(status, strconv.FormatBool(changed)).Inc()
}

// RecordReconcileRun records the outcome of one sweep.
func RecordReconcileRun(result string, listed, orphaned, ingested, failed int) {
	reconcileRuns.WithLabelValues(result).Inc()
	reconcileKeys.WithLabelValues("listed").Add(float64(listed))
	reconcileKeys.WithLabelValues("orphaned").Add(float64(orphaned))
	reconcileKeys.WithLabelValues("ingested").Add(float64(ingested))
	reconcileKeys.WithLabelValues("failed").Add(float64(failed))
	if result != "skipped" {
		reconcileLastRun.SetToCurrentTime()
	}
}

// SetSQSMessagesInFlight sets the current in-flight message count
func SetSQSMessagesInFlight(count int) {
	sqsMessagesInFlight.Set(float64(count))
}

// RecordIngestGuardHit records an ingest answered from the Redis guard.
func RecordIngestGuardHit() {
	ingestGuardHits.Inc()
}

// RecordRateLimitRejection records a rate limit rejection
func RecordRateLimitRejection(route string) {
	rateLimitRejections.WithLabelValues(route).Inc()
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// Middleware returns HTTP middleware that records request metrics. Requests
// are labelled with the chi route pattern rather than the raw path so ids do
// not blow up label cardinality.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		RecordRequest(r.Method, RoutePattern(r), wrapped.status, time.Since(start))
	})
}

// RoutePattern returns the matched chi pattern, or "unmatched".
func RoutePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return "unmatched"
}

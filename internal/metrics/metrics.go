package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTP metrics
	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "opshub_http_requests_total",
			Help: "Total number of HTTP requests handled",
		},
		[]string{"method", "route", "status"},
	)

	HTTPDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "opshub_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	// Webhook ingestion metrics
	WebhooksReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "opshub_webhooks_received_total",
			Help: "Inbound webhook deliveries by source and outcome",
		},
		[]string{"source", "outcome"},
	)

	IngestJobs = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "opshub_ingest_jobs_total",
			Help: "Ingestion jobs processed by kind and status",
		},
		[]string{"kind", "status"},
	)

	IngestJobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "opshub_ingest_job_duration_seconds",
			Help:    "Ingestion job duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"kind"},
	)

	IngestQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "opshub_ingest_queue_depth",
			Help: "Jobs waiting in the ingestion queue",
		},
	)

	IngestInlineFallbacks = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "opshub_ingest_inline_fallbacks_total",
			Help: "Jobs run on the request goroutine because the queue was full",
		},
	)

	// Intelligence metrics
	Classifications = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "opshub_email_classifications_total",
			Help: "Emails classified by category",
		},
		[]string{"category"},
	)

	ClassificationReviews = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "opshub_email_classification_reviews_total",
			Help: "Classification approvals and dismissals",
		},
		[]string{"decision"},
	)

	LLMRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "opshub_llm_requests_total",
			Help: "LLM requests by operation and status",
		},
		[]string{"operation", "status"},
	)

	LLMLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "opshub_llm_request_duration_seconds",
			Help:    "LLM request latency in seconds",
			Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 20, 40},
		},
		[]string{"operation"},
	)

	LLMTokens = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "opshub_llm_tokens_total",
			Help: "LLM tokens consumed",
		},
		[]string{"operation", "direction"},
	)

	// Integration and background metrics
	OAuthRefreshes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "opshub_oauth_refreshes_total",
			Help: "OAuth token refresh attempts",
		},
		[]string{"provider", "status"},
	)

	SchedulerRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "opshub_scheduler_runs_total",
			Help: "Scheduled job executions",
		},
		[]string{"job", "status"},
	)

	AsyncWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "opshub_db_async_writes_total",
			Help: "Queued database writes by type and status",
		},
		[]string{"type", "status"},
	)

	ChatConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "opshub_chat_connections",
			Help: "Open chat WebSocket connections",
		},
	)
)

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

// RecordHTTPRequest records a completed request.
func RecordHTTPRequest(method, route string, code int, d time.Duration) {
	HTTPRequests.WithLabelValues(method, route, strconv.Itoa(code)).Inc()
	HTTPDuration.WithLabelValues(method, route).Observe(d.Seconds())
}

// RecordIngestJob records a finished ingestion job.
func RecordIngestJob(kind string, err error, d time.Duration) {
	IngestJobs.WithLabelValues(kind, status(err)).Inc()
	IngestJobDuration.WithLabelValues(kind).Observe(d.Seconds())
}

// RecordLLMRequest records one model call.
func RecordLLMRequest(operation string, err error, d time.Duration, inputTokens, outputTokens int64) {
	LLMRequests.WithLabelValues(operation, status(err)).Inc()
	LLMLatency.WithLabelValues(operation).Observe(d.Seconds())
	if inputTokens > 0 {
		LLMTokens.WithLabelValues(operation, "input").Add(float64(inputTokens))
	}
	if outputTokens > 0 {
		LLMTokens.WithLabelValues(operation, "output").Add(float64(outputTokens))
	}
}

func RecordOAuthRefresh(provider string, err error) {
	OAuthRefreshes.WithLabelValues(provider, status(err)).Inc()
}

func RecordSchedulerRun(job string, err error) {
	SchedulerRuns.WithLabelValues(job, status(err)).Inc()
}

func RecordAsyncWrite(writeType string, err error) {
	AsyncWrites.WithLabelValues(writeType, status(err)).Inc()
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus collectors for the application.
// Following the explicit dependency injection pattern, this struct
// is passed to all components that need to record metrics.
type Metrics struct {
	// Solana RPC Metrics
	solanaRPCCallsTotal    *prometheus.CounterVec
	solanaRPCCallDuration  *prometheus.HistogramVec
	solanaRPCRateLimitHits *prometheus.CounterVec
	solanaRPCRetries       *prometheus.CounterVec

	// Submission Metrics
	sendsTotal             *prometheus.CounterVec
	staleTokenRetriesTotal prometheus.Counter
	blockhashCacheTotal    *prometheus.CounterVec
	submissionsTotal       *prometheus.CounterVec
	submissionDuration     *prometheus.HistogramVec
	pollAttemptsTotal      *prometheus.CounterVec
	confirmationDuration   *prometheus.HistogramVec
	confirmationOutcomes   *prometheus.CounterVec

	// Workflow Metrics
	submitWorkflowDuration        *prometheus.HistogramVec
	submitWorkflowExecutionsTotal *prometheus.CounterVec
	submitActivityDuration        *prometheus.HistogramVec

	// Database Metrics
	dbQueryDuration   *prometheus.HistogramVec
	dbOperationsTotal *prometheus.CounterVec

	// HTTP Metrics
	httpRequestDuration *prometheus.HistogramVec
	httpRequestsTotal   *prometheus.CounterVec

	// NATS Metrics
	natsMessagesPublished *prometheus.CounterVec
	natsPublishDuration   *prometheus.HistogramVec
}

// NewMetrics creates a new Metrics instance and registers all collectors.
// If registry is nil, prometheus.DefaultRegisterer is used.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	factory := promauto.With(registry)

	return &Metrics{
		// Solana RPC Metrics
		solanaRPCCallsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "solana_rpc_calls_total",
				Help: "Total number of Solana RPC calls by method and status",
			},
			[]string{"method", "status", "endpoint"},
		),
		solanaRPCCallDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "solana_rpc_call_duration_seconds",
				Help:    "Duration of Solana RPC calls in seconds",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
			},
			[]string{"method", "endpoint"},
		),
		solanaRPCRateLimitHits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "solana_rpc_rate_limit_hits_total",
				Help: "Total number of Solana RPC rate limit hits (429 errors)",
			},
			[]string{"endpoint"},
		),
		solanaRPCRetries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "solana_rpc_retries_total",
				Help: "Total number of Solana RPC retry attempts",
			},
			[]string{"method", "reason"},
		),

		// Submission Metrics
		sendsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "txconfirm_sends_total",
				Help: "Total number of sendTransaction attempts by outcome",
			},
			[]string{"outcome"},
		),
		staleTokenRetriesTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "txconfirm_stale_token_retries_total",
				Help: "Total number of rebuild-and-resend retries after a stale blockhash rejection",
			},
		),
		blockhashCacheTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "txconfirm_blockhash_cache_total",
				Help: "Blockhash cache lookups by result (hit, miss, invalidated)",
			},
			[]string{"result"},
		),
		submissionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "txconfirm_submissions_total",
				Help: "Total number of submissions by outcome",
			},
			[]string{"outcome"},
		),
		submissionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "txconfirm_submission_duration_seconds",
				Help:    "End-to-end duration of submit-and-confirm in seconds",
				Buckets: []float64{0.5, 1, 2.5, 5, 10, 20, 30, 60, 120},
			},
			[]string{"outcome"},
		),
		pollAttemptsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "txconfirm_poll_attempts_total",
				Help: "Total number of status polls by observed level",
			},
			[]string{"level"},
		),
		confirmationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "txconfirm_confirmation_duration_seconds",
				Help:    "Time from send to terminal confirmation state in seconds",
				Buckets: []float64{0.4, 1, 2, 5, 10, 15, 30, 60},
			},
			[]string{"required", "outcome"},
		),
		confirmationOutcomes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "txconfirm_confirmation_outcomes_total",
				Help: "Total number of confirmation waits by terminal state",
			},
			[]string{"required", "outcome"},
		),

		// Workflow Metrics
		submitWorkflowDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "submit_workflow_duration_seconds",
				Help:    "Duration of submit workflow execution in seconds",
				Buckets: []float64{1, 5, 10, 30, 60, 120, 300},
			},
			[]string{"status"},
		),
		submitWorkflowExecutionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "submit_workflow_executions_total",
				Help: "Total number of submit workflow executions",
			},
			[]string{"status"},
		),
		submitActivityDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "submit_activity_duration_seconds",
				Help:    "Duration of submit workflow activities in seconds",
				Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"activity", "status"},
		),

		// Database Metrics
		dbQueryDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "db_query_duration_seconds",
				Help:    "Duration of database queries in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0},
			},
			[]string{"operation", "table"},
		),
		dbOperationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "db_operations_total",
				Help: "Total number of database operations",
			},
			[]string{"operation", "status"},
		),

		// HTTP Metrics
		httpRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 10, 30},
			},
			[]string{"handler", "method", "status"},
		),
		httpRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"handler", "method", "status"},
		),

		// NATS Metrics
		natsMessagesPublished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nats_messages_published_total",
				Help: "Total number of NATS messages published",
			},
			[]string{"subject", "status"},
		),
		natsPublishDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "nats_publish_duration_seconds",
				Help:    "Duration of NATS publish operations in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
			},
			[]string{"subject"},
		),
	}
}

// Solana RPC metric helpers

// RecordRPCCall records a Solana RPC call with duration.
func (m *Metrics) RecordRPCCall(method, status, endpoint string, duration float64) {
	m.solanaRPCCallsTotal.WithLabelValues(method, status, endpoint).Inc()
	m.solanaRPCCallDuration.WithLabelValues(method, endpoint).Observe(duration)
}

// RecordRateLimitHit records a rate limit hit (429 error).
func (m *Metrics) RecordRateLimitHit(endpoint string) {
	m.solanaRPCRateLimitHits.WithLabelValues(endpoint).Inc()
}

// RecordRPCRetry records a retry attempt.
func (m *Metrics) RecordRPCRetry(method, reason string) {
	m.solanaRPCRetries.WithLabelValues(method, reason).Inc()
}

// Submission metric helpers

// RecordSend records the outcome of one sendTransaction attempt
// ("accepted" or an error kind).
func (m *Metrics) RecordSend(outcome string) {
	m.sendsTotal.WithLabelValues(outcome).Inc()
}

// RecordStaleTokenRetry records a rebuild-and-resend after a stale blockhash.
func (m *Metrics) RecordStaleTokenRetry() {
	m.staleTokenRetriesTotal.Inc()
}

// RecordBlockhashCache records a blockhash cache lookup.
func (m *Metrics) RecordBlockhashCache(result string) {
	m.blockhashCacheTotal.WithLabelValues(result).Inc()
}

// RecordSubmission records a finished submit-and-confirm call.
func (m *Metrics) RecordSubmission(outcome string, duration float64) {
	m.submissionsTotal.WithLabelValues(outcome).Inc()
	m.submissionDuration.WithLabelValues(outcome).Observe(duration)
}

// RecordPollAttempt records one status poll and the level it observed.
func (m *Metrics) RecordPollAttempt(level string) {
	m.pollAttemptsTotal.WithLabelValues(level).Inc()
}

// RecordConfirmation records the terminal state of a confirmation wait.
func (m *Metrics) RecordConfirmation(required, outcome string, duration float64) {
	m.confirmationOutcomes.WithLabelValues(required, outcome).Inc()
	m.confirmationDuration.WithLabelValues(required, outcome).Observe(duration)
}

// Workflow metric helpers

// RecordWorkflowDuration records workflow execution duration.
func (m *Metrics) RecordWorkflowDuration(status string, duration float64) {
	m.submitWorkflowDuration.WithLabelValues(status).Observe(duration)
	m.submitWorkflowExecutionsTotal.WithLabelValues(status).Inc()
}

// RecordActivityDuration records activity execution duration.
func (m *Metrics) RecordActivityDuration(activity, status string, duration float64) {
	m.submitActivityDuration.WithLabelValues(activity, status).Observe(duration)
}

// Database metric helpers

// RecordDBQuery records a database query with duration.
func (m *Metrics) RecordDBQuery(operation, table string, duration float64, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	m.dbQueryDuration.WithLabelValues(operation, table).Observe(duration)
	m.dbOperationsTotal.WithLabelValues(operation, status).Inc()
}

// HTTP metric helpers

// RecordHTTPRequest records an HTTP request with duration.
func (m *Metrics) RecordHTTPRequest(handler, method string, statusCode int, duration float64) {
	status := statusCodeToString(statusCode)
	m.httpRequestDuration.WithLabelValues(handler, method, status).Observe(duration)
	m.httpRequestsTotal.WithLabelValues(handler, method, status).Inc()
}

// NATS metric helpers

// RecordNATSPublish records a NATS publish operation.
func (m *Metrics) RecordNATSPublish(subject, status string, duration float64) {
	m.natsMessagesPublished.WithLabelValues(subject, status).Inc()
	m.natsPublishDuration.WithLabelValues(subject).Observe(duration)
}

// Helper functions

func statusCodeToString(code int) string {
	// Group status codes by class
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500 && code < 600:
		return "5xx"
	default:
		return "unknown"
	}
}

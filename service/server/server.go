package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/brojonat/txconfirm/service/db"
	"github.com/brojonat/txconfirm/service/metrics"
	"github.com/brojonat/txconfirm/service/signer"
	"github.com/brojonat/txconfirm/service/solana"
	"github.com/brojonat/txconfirm/service/submitter"
	"github.com/brojonat/txconfirm/service/temporal"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// SubmissionService runs the submit-and-confirm flow.
type SubmissionService interface {
	Submit(ctx context.Context, req submitter.Request) (*submitter.Result, error)
}

// StatusService reports the live status of a signature.
type StatusService interface {
	GetStatus(ctx context.Context, handle solana.SubmissionHandle) (solana.ConfirmationStatus, error)
}

// Journal reads the submissions journal.
type Journal interface {
	GetSubmission(ctx context.Context, signature string) (*db.Submission, error)
	ListSubmissions(ctx context.Context, params db.ListSubmissionsParams) ([]*db.Submission, error)
}

// WorkflowService starts durable submissions and reports on them.
type WorkflowService interface {
	StartSubmission(ctx context.Context, requestID string, input temporal.SubmitInstructionInput) (string, error)
	SubmissionStatus(ctx context.Context, workflowID string) (*temporal.SubmissionWorkflowStatus, error)
}

// Server represents the HTTP server for the submission service.
type Server struct {
	addr      string
	submitter SubmissionService
	status    StatusService
	signers   []signer.Signer
	journal   Journal         // optional
	workflows WorkflowService // optional
	timeout   time.Duration
	metrics   *metrics.Metrics
	logger    *slog.Logger
	server    *http.Server
}

// New creates a new HTTP server with the given dependencies.
// Submissions are signed with signers, the server-held keys.
// The journal is optional - if nil, submission listing is unavailable and
// status lookups report the live cluster status only.
// The workflows service is optional - if nil, async submissions are rejected.
// The metrics is optional - if nil, the metrics endpoint won't be available.
func New(
	addr string,
	sub SubmissionService,
	status StatusService,
	signers []signer.Signer,
	journal Journal,
	workflows WorkflowService,
	confirmTimeout time.Duration,
	m *metrics.Metrics,
	logger *slog.Logger,
) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		addr:      addr,
		submitter: sub,
		status:    status,
		signers:   signers,
		journal:   journal,
		workflows: workflows,
		timeout:   confirmTimeout,
		metrics:   m,
		logger:    logger,
	}
}

// Handler builds the routed handler. It is exposed for tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Submission routes
	mux.Handle("POST /api/v1/submissions", handleSubmit(s.submitter, s.workflows, s.signers, s.timeout, s.logger))
	mux.Handle("GET /api/v1/submissions/{signature}", handleGetSubmission(s.status, s.journal, s.logger))

	if s.journal != nil {
		mux.Handle("GET /api/v1/submissions", handleListSubmissions(s.journal, s.logger))
	} else {
		s.logger.Warn("journal not configured, submission listing disabled")
	}

	if s.workflows != nil {
		mux.Handle("GET /api/v1/workflows/{workflow_id}", handleGetWorkflow(s.workflows, s.logger))
	}

	// Health check endpoint
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	// Prometheus metrics endpoint (if metrics collector is configured)
	if s.metrics != nil {
		mux.Handle("GET /metrics", promhttp.Handler())
		s.logger.Info("Prometheus metrics endpoint enabled")
	}

	return corsMiddleware(metrics.HTTPMetricsMiddleware(s.metrics)(mux))
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	// synchronous submissions hold the response open for the whole wait
	writeTimeout := maxConfirmTimeout + 15*time.Second

	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: writeTimeout,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("starting HTTP server", "addr", s.addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server failed: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// corsMiddleware adds CORS headers to all responses and handles OPTIONS preflight requests.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Set CORS headers for all requests
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Max-Age", "3600")

		// Handle preflight OPTIONS requests
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		// Pass through to next handler
		next.ServeHTTP(w, r)
	})
}

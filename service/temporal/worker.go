package temporal

import (
	"fmt"
	"log/slog"

	"github.com/brojonat/txconfirm/service/metrics"
	"github.com/brojonat/txconfirm/service/signer"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"
)

// WorkerConfig contains configuration for the Temporal worker.
type WorkerConfig struct {
	// Temporal connection settings
	TemporalHost      string
	TemporalNamespace string
	TaskQueue         string

	// Dependencies
	Submitter SubmitterInterface
	Signers   []signer.Signer
	Store     StoreInterface     // Optional: journal for RecordOutcome and reconcile
	Status    StatusInterface    // Optional: needed for reconcile
	Publisher PublisherInterface // Optional: submission events
	Metrics   *metrics.Metrics   // Optional: if nil, no metrics will be recorded
	Logger    *slog.Logger
}

// Worker wraps a Temporal worker and provides lifecycle management.
type Worker struct {
	client client.Client
	worker worker.Worker
	logger *slog.Logger
}

// NewWorker creates and configures a new Temporal worker.
// The worker will process workflows and activities on the configured task queue.
func NewWorker(config WorkerConfig) (*Worker, error) {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Submitter == nil {
		return nil, fmt.Errorf("submitter is required")
	}

	logger := config.Logger.With("component", "temporal_worker")

	logger.Info("creating temporal worker",
		"host", config.TemporalHost,
		"namespace", config.TemporalNamespace,
		"task_queue", config.TaskQueue,
	)

	// Connect to Temporal
	c, err := client.Dial(client.Options{
		HostPort:  config.TemporalHost,
		Namespace: config.TemporalNamespace,
		Logger:    newTemporalLogger(logger),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to temporal: %w", err)
	}

	// Create worker
	w := worker.New(c, config.TaskQueue, worker.Options{
		MaxConcurrentActivityExecutionSize:     10,
		MaxConcurrentWorkflowTaskExecutionSize: 10,
	})

	// Register workflows
	w.RegisterWorkflow(SubmitInstructionWorkflow)
	w.RegisterWorkflow(ReconcileSubmissionsWorkflow)
	logger.Info("registered workflows",
		"workflows", []string{"SubmitInstructionWorkflow", "ReconcileSubmissionsWorkflow"},
	)

	// Create activities instance with dependencies
	activities := NewActivities(
		config.Submitter,
		config.Signers,
		config.Store,
		config.Status,
		config.Publisher,
		config.Metrics,
		logger,
	)

	// Register activities
	// Activities are registered by name, matching the ExecuteActivity calls in the workflow
	w.RegisterActivity(activities.SubmitAndConfirm)
	w.RegisterActivity(activities.RecordOutcome)
	w.RegisterActivity(activities.ReconcileIndeterminate)

	logger.Info("registered activities",
		"activities", []string{"SubmitAndConfirm", "RecordOutcome", "ReconcileIndeterminate"},
	)

	return &Worker{
		client: c,
		worker: w,
		logger: logger,
	}, nil
}

// Client returns the SDK client the worker is connected with.
func (w *Worker) Client() client.Client {
	return w.client
}

// Start begins processing workflows and activities.
// This method blocks until Stop is called or an error occurs.
func (w *Worker) Start() error {
	w.logger.Info("starting temporal worker")
	err := w.worker.Run(worker.InterruptCh())
	if err != nil {
		w.logger.Error("worker stopped with error", "error", err)
		return fmt.Errorf("worker stopped with error: %w", err)
	}
	w.logger.Info("worker stopped gracefully")
	return nil
}

// Stop gracefully stops the worker.
func (w *Worker) Stop() {
	w.logger.Info("stopping temporal worker")
	w.worker.Stop()
	w.client.Close()
	w.logger.Info("temporal worker stopped")
}

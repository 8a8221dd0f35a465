package temporal

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/brojonat/txconfirm/service/txerr"
	enumspb "go.temporal.io/api/enums/v1"
	"go.temporal.io/sdk/client"
)

// ReconcileScheduleID is the schedule that re-queries timed-out submissions.
const ReconcileScheduleID = "reconcile-submissions"

// Client starts submission workflows and manages the reconcile schedule.
type Client struct {
	client    client.Client
	taskQueue string
	logger    *slog.Logger
}

// NewClient creates a new Temporal client.
func NewClient(host, namespace, taskQueue string, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}

	logger.Info("connecting to temporal",
		"host", host,
		"namespace", namespace,
		"task_queue", taskQueue,
	)

	c, err := client.Dial(client.Options{
		HostPort:  host,
		Namespace: namespace,
		Logger:    newTemporalLogger(logger),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Temporal: %w", err)
	}

	logger.Info("connected to temporal successfully")

	return NewClientFromSDK(c, taskQueue, logger), nil
}

// NewClientFromSDK wraps an existing SDK client.
func NewClientFromSDK(c client.Client, taskQueue string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		client:    c,
		taskQueue: taskQueue,
		logger:    logger,
	}
}

// StartSubmission starts a SubmitInstructionWorkflow and returns its workflow id.
// The id is deterministic in requestID and duplicates are rejected, so a
// request id submits at most once.
func (c *Client) StartSubmission(ctx context.Context, requestID string, input SubmitInstructionInput) (string, error) {
	if input.Timeout <= 0 {
		return "", txerr.Validation("submit", "confirmation timeout is required for durable submissions")
	}
	id := SubmissionWorkflowID(requestID)

	c.logger.Debug("starting submission workflow",
		"workflow_id", id,
		"program_id", input.ProgramID,
	)

	run, err := c.client.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		ID:                    id,
		TaskQueue:             c.taskQueue,
		WorkflowIDReusePolicy: enumspb.WORKFLOW_ID_REUSE_POLICY_REJECT_DUPLICATE,
	}, SubmitInstructionWorkflow, input)
	if err != nil {
		c.logger.Error("failed to start submission workflow",
			"workflow_id", id,
			"error", err,
		)
		return "", fmt.Errorf("failed to start workflow %q: %w", id, err)
	}

	c.logger.Info("submission workflow started",
		"workflow_id", run.GetID(),
		"run_id", run.GetRunID(),
	)
	return run.GetID(), nil
}

// GetSubmissionResult blocks until the workflow finishes and returns its result.
func (c *Client) GetSubmissionResult(ctx context.Context, workflowID string) (*SubmitInstructionResult, error) {
	var result SubmitInstructionResult
	if err := c.client.GetWorkflow(ctx, workflowID, "").Get(ctx, &result); err != nil {
		return nil, fmt.Errorf("workflow %q failed: %w", workflowID, err)
	}
	return &result, nil
}

// SubmissionWorkflowStatus is the state of a submission workflow. Result is
// set once the workflow has completed.
type SubmissionWorkflowStatus struct {
	WorkflowID string                   `json:"workflow_id"`
	Status     string                   `json:"status"`
	Result     *SubmitInstructionResult `json:"result,omitempty"`
}

// SubmissionStatus describes a submission workflow without blocking on it.
func (c *Client) SubmissionStatus(ctx context.Context, workflowID string) (*SubmissionWorkflowStatus, error) {
	desc, err := c.client.DescribeWorkflowExecution(ctx, workflowID, "")
	if err != nil {
		return nil, fmt.Errorf("failed to describe workflow %q: %w", workflowID, err)
	}

	status := desc.GetWorkflowExecutionInfo().GetStatus()
	out := &SubmissionWorkflowStatus{
		WorkflowID: workflowID,
		Status:     status.String(),
	}
	if status == enumspb.WORKFLOW_EXECUTION_STATUS_COMPLETED {
		result, err := c.GetSubmissionResult(ctx, workflowID)
		if err != nil {
			return nil, err
		}
		out.Result = result
	}
	return out, nil
}

// UpsertReconcileSchedule creates or updates the schedule that re-queries
// timed-out submissions every interval.
func (c *Client) UpsertReconcileSchedule(ctx context.Context, interval time.Duration, input ReconcileInput) error {
	c.logger.Debug("upserting reconcile schedule",
		"schedule_id", ReconcileScheduleID,
		"interval", interval,
	)

	// Try to get existing schedule
	handle := c.client.ScheduleClient().GetHandle(ctx, ReconcileScheduleID)
	if _, err := handle.Describe(ctx); err != nil {
		// Schedule doesn't exist or error getting it - create new one
		_, err := c.client.ScheduleClient().Create(ctx, client.ScheduleOptions{
			ID: ReconcileScheduleID,
			Spec: client.ScheduleSpec{
				Intervals: []client.ScheduleIntervalSpec{{Every: interval}},
			},
			Action: &client.ScheduleWorkflowAction{
				ID:        ReconcileScheduleID,
				Workflow:  ReconcileSubmissionsWorkflow,
				TaskQueue: c.taskQueue,
				Args:      []interface{}{input},
			},
			Memo: map[string]interface{}{
				"created_by": "txconfirm",
			},
		})
		if err != nil {
			c.logger.Error("failed to create schedule",
				"schedule_id", ReconcileScheduleID,
				"error", err,
			)
			return fmt.Errorf("failed to create schedule %q: %w", ReconcileScheduleID, err)
		}
		c.logger.Info("reconcile schedule created", "interval", interval)
		return nil
	}

	// Schedule exists - update the interval and input
	err := handle.Update(ctx, client.ScheduleUpdateOptions{
		DoUpdate: func(in client.ScheduleUpdateInput) (*client.ScheduleUpdate, error) {
			in.Description.Schedule.Spec.Intervals = []client.ScheduleIntervalSpec{
				{Every: interval},
			}
			if action, ok := in.Description.Schedule.Action.(*client.ScheduleWorkflowAction); ok {
				action.Args = []interface{}{input}
			}
			return &client.ScheduleUpdate{
				Schedule: &in.Description.Schedule,
			}, nil
		},
	})
	if err != nil {
		c.logger.Error("failed to update schedule",
			"schedule_id", ReconcileScheduleID,
			"error", err,
		)
		return fmt.Errorf("failed to update schedule %q: %w", ReconcileScheduleID, err)
	}

	c.logger.Info("reconcile schedule updated", "interval", interval)
	return nil
}

// Close closes the Temporal client connection.
func (c *Client) Close() {
	c.logger.Info("closing temporal client")
	c.client.Close()
}

// SubmissionWorkflowID is the workflow id for a submission request id.
func SubmissionWorkflowID(requestID string) string {
	return "submit-" + requestID
}

// temporalLogger adapts slog.Logger to Temporal's logger interface.
type temporalLogger struct {
	logger *slog.Logger
}

func newTemporalLogger(logger *slog.Logger) *temporalLogger {
	return &temporalLogger{logger: logger}
}

func (l *temporalLogger) Debug(msg string, keyvals ...interface{}) {
	l.logger.Debug(msg, keyvals...)
}

func (l *temporalLogger) Info(msg string, keyvals ...interface{}) {
	l.logger.Info(msg, keyvals...)
}

func (l *temporalLogger) Warn(msg string, keyvals ...interface{}) {
	l.logger.Warn(msg, keyvals...)
}

func (l *temporalLogger) Error(msg string, keyvals ...interface{}) {
	l.logger.Error(msg, keyvals...)
}

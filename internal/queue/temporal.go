package queue

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	enumspb "go.temporal.io/api/enums/v1"
	"go.temporal.io/api/serviceerror"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"
	"go.uber.org/zap"

	"github.com/sells-group/ainews/internal/config"
	"github.com/sells-group/ainews/internal/model"
)

// workflowStarter is the part of client.Client used to enqueue tasks.
type workflowStarter interface {
	ExecuteWorkflow(ctx context.Context, options client.StartWorkflowOptions, workflow interface{}, args ...interface{}) (client.WorkflowRun, error)
}

// Temporal is a Queue that starts one FetchTaskWorkflow per task. The task
// name is the workflow ID and duplicate IDs are rejected by the server.
type Temporal struct {
	c         workflowStarter
	closer    func()
	taskQueue string
}

// NewTemporal dials the Temporal frontend.
func NewTemporal(cfg config.TemporalConfig) (*Temporal, client.Client, error) {
	c, err := client.Dial(client.Options{HostPort: cfg.HostPort, Namespace: cfg.Namespace})
	if err != nil {
		return nil, nil, eris.Wrap(err, "queue: dial temporal")
	}
	return &Temporal{c: c, closer: c.Close, taskQueue: cfg.TaskQueue}, c, nil
}

// Enqueue implements Queue.
func (q *Temporal) Enqueue(ctx context.Context, name string, p model.TaskPayload) (EnqueueResult, error) {
	_, err := q.c.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		ID:                                       name,
		TaskQueue:                                q.taskQueue,
		WorkflowIDReusePolicy:                    enumspb.WORKFLOW_ID_REUSE_POLICY_REJECT_DUPLICATE,
		WorkflowExecutionErrorWhenAlreadyStarted: true,
	}, FetchTaskWorkflow, p)
	if err != nil {
		var started *serviceerror.WorkflowExecutionAlreadyStarted
		if errors.As(err, &started) {
			zap.L().Debug("queue: workflow already started", zap.String("task", name))
			return EnqueueAlreadyExists, nil
		}
		return EnqueueFailed, eris.Wrapf(err, "queue: start workflow %s", name)
	}
	return EnqueueOK, nil
}

// Close releases the client.
func (q *Temporal) Close() error {
	if q.closer != nil {
		q.closer()
	}
	return nil
}

// Activities hosts the activity implementations of the fetch workflow.
type Activities struct {
	Handler Handler
}

// FetchTask executes one fetch task through the handler.
func (a *Activities) FetchTask(ctx context.Context, p model.TaskPayload) error {
	data, err := json.Marshal(p)
	if err != nil {
		return temporal.NewNonRetryableApplicationError("marshal task", "bad_payload", err)
	}
	return a.Handler(ctx, data)
}

// FetchTaskWorkflow runs the fetch activity with bounded retries.
func FetchTaskWorkflow(ctx workflow.Context, p model.TaskPayload) error {
	ctx = workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 10 * time.Minute,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:    10 * time.Second,
			BackoffCoefficient: 2,
			MaximumInterval:    time.Minute,
			MaximumAttempts:    3,
		},
	})
	var a *Activities
	return workflow.ExecuteActivity(ctx, a.FetchTask, p).Get(ctx, nil)
}

// NewWorker registers the fetch workflow and its activity on taskQueue.
func NewWorker(c client.Client, taskQueue string, h Handler) worker.Worker {
	w := worker.New(c, taskQueue, worker.Options{})
	w.RegisterWorkflow(FetchTaskWorkflow)
	w.RegisterActivity(&Activities{Handler: h})
	return w
}

// Package queue connects the pipeline to external at-least-once transports:
// task queues for fetch work and publishers for saved-item events.
package queue

import (
	"context"

	"github.com/sells-group/ainews/internal/model"
)

// EnqueueResult is the outcome of submitting a named task.
type EnqueueResult int

const (
	EnqueueOK EnqueueResult = iota
	// EnqueueAlreadyExists means a task with the same name was accepted
	// before. Callers treat it as success.
	EnqueueAlreadyExists
	EnqueueFailed
)

func (r EnqueueResult) String() string {
	switch r {
	case EnqueueOK:
		return "ok"
	case EnqueueAlreadyExists:
		return "already_exists"
	default:
		return "failure"
	}
}

// Accepted reports whether the task is known to the queue.
func (r EnqueueResult) Accepted() bool {
	return r == EnqueueOK || r == EnqueueAlreadyExists
}

// Queue submits uniquely named fetch tasks.
type Queue interface {
	Enqueue(ctx context.Context, name string, p model.TaskPayload) (EnqueueResult, error)
}

// Publisher announces items for asynchronous processing.
type Publisher interface {
	// PublishSaved announces newly saved items to both enrichment and
	// vectorization.
	PublishSaved(ctx context.Context, msg model.SavedItems) error
	PublishEnrich(ctx context.Context, msg model.SavedItems) error
	PublishVectorize(ctx context.Context, msg model.SavedItems) error
}

// Handler processes one delivered payload. A nil return acknowledges it; an
// error requests redelivery.
type Handler func(ctx context.Context, payload []byte) error

// Subjects of the JetStream stream.
const (
	SubjectTasks     = "ainews.tasks"
	SubjectEnrich    = "ainews.enrich"
	SubjectVectorize = "ainews.vectorize"
)

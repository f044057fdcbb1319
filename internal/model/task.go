package model

import (
	"fmt"
	"time"
)

// TaskStatus represents the state of one (source, date) unit of fetch work.
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusSuccess   TaskStatus = "success"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCancelled TaskStatus = "cancelled"
)

// Task is one (source, date) unit of fetch work belonging to a run.
type Task struct {
	RunID         int64      `json:"run_id"`
	Source        Source     `json:"source"`
	Date          time.Time  `json:"date"`
	Status        TaskStatus `json:"status"`
	ArticlesSaved *int       `json:"articles_saved,omitempty"`
	ErrorMessage  string     `json:"error_message,omitempty"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// TaskKey identifies a task within a run.
type TaskKey struct {
	RunID  int64     `json:"run_id"`
	Source Source    `json:"source"`
	Date   time.Time `json:"date"`
}

// Name is the deterministic external dispatch name for the task. Re-submitting
// the same key yields the same name so queues can reject the duplicate.
func (k TaskKey) Name() string {
	return fmt.Sprintf("%s-%d-%s", k.Source, k.RunID, k.Date.Format(DateLayout))
}

// TaskCounts tallies the tasks of a run by status.
type TaskCounts struct {
	Total   int `json:"total"`
	Pending int `json:"pending"`
	Running int `json:"running"`
	Success int `json:"success"`
	Failed  int `json:"failed"`
}

// Completed is the number of tasks in a terminal state.
func (c TaskCounts) Completed() int {
	return c.Success + c.Failed
}

// Started reports whether any task has moved past pending.
func (c TaskCounts) Started() bool {
	return c.Running+c.Success+c.Failed > 0
}

package model

import "time"

// RunStatus represents the current state of an ingestion run.
type RunStatus string

const (
	RunStatusQueued    RunStatus = "queued"
	RunStatusRunning   RunStatus = "running"
	RunStatusSuccess   RunStatus = "success"
	RunStatusPartial   RunStatus = "partial"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// Terminal reports whether the status is final.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunStatusSuccess, RunStatusPartial, RunStatusFailed, RunStatusCancelled:
		return true
	}
	return false
}

// ActiveRunStatuses are the statuses counted against the admission cap.
var ActiveRunStatuses = []RunStatus{RunStatusQueued, RunStatusRunning}

// Run is one ingestion and enrichment campaign over a date range and source set.
type Run struct {
	ID              int64          `json:"id"`
	Status          RunStatus      `json:"status"`
	DateFrom        time.Time      `json:"date_from"`
	DateTo          time.Time      `json:"date_to"`
	Sources         []Source       `json:"sources"`
	TriggeredBy     string         `json:"triggered_by"`
	TotalTasks      *int           `json:"total_tasks,omitempty"`
	StartedAt       *time.Time     `json:"started_at,omitempty"`
	CompletedAt     *time.Time     `json:"completed_at,omitempty"`
	DurationSeconds *float64       `json:"duration_seconds,omitempty"`
	Result          *RunResult     `json:"result,omitempty"`
	Progress        map[string]any `json:"progress,omitempty"`
	ErrorMessage    string         `json:"error_message,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// External reports whether the run was fanned out to an external queue.
func (r *Run) External() bool {
	return r.TotalTasks != nil
}

// Dates returns every date in the run's inclusive range.
func (r *Run) Dates() []time.Time {
	return DateRange(r.DateFrom, r.DateTo)
}

// RunResult holds the final summary of a run.
type RunResult struct {
	Fetched        int               `json:"fetched"`
	New            int               `json:"new"`
	Saved          int               `json:"saved"`
	Enriched       int               `json:"enriched"`
	TasksSucceeded int               `json:"tasks_succeeded"`
	TasksFailed    int               `json:"tasks_failed"`
	TasksMissing   int               `json:"tasks_missing"`
	SourceErrors   map[string]string `json:"source_errors,omitempty"`
	DateFrom       string            `json:"date_from"`
	DateTo         string            `json:"date_to"`
}

// EnrichRatio is the share of saved items that were enriched. A run that
// saved nothing has a ratio of 1.
func (r *RunResult) EnrichRatio() float64 {
	if r.Saved == 0 {
		return 1
	}
	return float64(r.Enriched) / float64(r.Saved)
}

// DateLayout is the canonical encoding for digest and task dates.
const DateLayout = "2006-01-02"

// ParseDate parses a YYYY-MM-DD date at UTC midnight.
func ParseDate(s string) (time.Time, error) {
	return time.ParseInLocation(DateLayout, s, time.UTC)
}

// Day truncates t to its UTC calendar date.
func Day(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// DateRange returns each day from from to to inclusive. It returns nil when
// to precedes from.
func DateRange(from, to time.Time) []time.Time {
	from, to = Day(from), Day(to)
	if to.Before(from) {
		return nil
	}
	var out []time.Time
	for d := from; !d.After(to); d = d.AddDate(0, 0, 1) {
		out = append(out, d)
	}
	return out
}

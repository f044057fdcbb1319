package store

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/ainews/internal/model"
)

var (
	// ErrRunNotFound is returned when a run does not exist.
	ErrRunNotFound = eris.New("run not found")
	// ErrTooManyRuns is returned when the admission cap is reached.
	ErrTooManyRuns = eris.New("too many concurrent runs")
	// ErrInvalidTransition is returned when a guarded run update matched no row.
	ErrInvalidTransition = eris.New("invalid run transition")
)

// NewRun describes a run to create.
type NewRun struct {
	Status      model.RunStatus
	DateFrom    time.Time
	DateTo      time.Time
	Sources     []model.Source
	TriggeredBy string
	Progress    map[string]any
}

// Transition is a guarded run status change. Terminal targets stamp
// completed_at and duration; running stamps started_at once.
type Transition struct {
	To           model.RunStatus
	ErrorMessage string
	Result       *model.RunResult
}

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	Status      model.RunStatus `json:"status,omitempty"`
	TriggeredBy string          `json:"triggered_by,omitempty"`
	Since       time.Time       `json:"since,omitempty"`
	Limit       int             `json:"limit,omitempty"`
	Offset      int             `json:"offset,omitempty"`
}

// TaskUpdate is an upsert of one task's state.
type TaskUpdate struct {
	Key           model.TaskKey
	Status        model.TaskStatus
	ArticlesSaved *int
	ErrorMessage  string
}

// DLQFilter specifies criteria for listing dead-lettered items.
type DLQFilter struct {
	RetryCap int
	Source   model.Source
	Limit    int
	Offset   int
}

// VectorRecord is a stored item embedding.
type VectorRecord struct {
	ItemID int64
	Vector []float32
}

// Store defines the persistence interface for the ingestion pipeline.
type Store interface {
	// Runs
	CreateRun(ctx context.Context, nr NewRun, maxActive int) (*model.Run, error)
	GetRun(ctx context.Context, id int64) (*model.Run, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error)
	ActiveRuns(ctx context.Context) ([]model.Run, error)
	TransitionRun(ctx context.Context, id int64, from []model.RunStatus, t Transition) error
	MergeRunProgress(ctx context.Context, id int64, patch map[string]any) error
	SetTotalTasks(ctx context.Context, id int64, total int) error
	RunStatusCounts(ctx context.Context, since time.Time) (map[model.RunStatus]int, error)
	PurgeRun(ctx context.Context, id int64) error

	// Tasks
	UpsertTask(ctx context.Context, u TaskUpdate) error
	GetTask(ctx context.Context, key model.TaskKey) (*model.Task, error)
	ListTasks(ctx context.Context, runID int64) ([]model.Task, error)
	TaskCounts(ctx context.Context, runID int64) (model.TaskCounts, error)
	ExpireStaleTasks(ctx context.Context, runID int64, before time.Time, msg string) (int, error)

	// Items
	ExistingHashes(ctx context.Context, hashes []string) (map[string]bool, error)
	InsertItems(ctx context.Context, runID int64, items []model.NewItem) ([]int64, error)
	GetItems(ctx context.Context, ids []int64) ([]model.Item, error)
	PendingItemIDs(ctx context.Context, date time.Time) ([]int64, error)
	SaveEnrichment(ctx context.Context, id int64, e model.Enrichment) error
	MarkEnrichFailed(ctx context.Context, id int64) error
	RecentEnriched(ctx context.Context, since time.Time) ([]model.RelatedCandidate, error)
	SetRelated(ctx context.Context, id int64, related []int64) error
	RunItemCounts(ctx context.Context, runID int64) (saved, enriched int, err error)

	// Vectors
	SaveVector(ctx context.Context, itemID int64, vec []float32) error
	MarkVectorized(ctx context.Context, itemID int64, state model.EnrichState) error
	RecentVectors(ctx context.Context, since time.Time) ([]VectorRecord, error)

	// Scrub and DLQ
	StalePendingEnrich(ctx context.Context, before time.Time, limit int) ([]int64, error)
	StalePendingVectorize(ctx context.Context, before time.Time, limit int) ([]int64, error)
	ResetFailedEnrich(ctx context.Context, before time.Time, retryCap, limit int) ([]int64, error)
	ResetFailedVectorize(ctx context.Context, before time.Time, limit int) ([]int64, error)
	ListDLQ(ctx context.Context, filter DLQFilter) ([]model.DLQItem, error)
	CountDLQ(ctx context.Context, retryCap int) (int, error)
	RetryDLQ(ctx context.Context, ids []int64, retryCap int) ([]int64, error)

	// Lifecycle
	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}

func listLimit(n int) uint64 {
	if n <= 0 {
		return 100
	}
	return uint64(n)
}

func terminalStamp(to model.RunStatus, now time.Time) *time.Time {
	if to.Terminal() {
		return &now
	}
	return nil
}

func statusStrings(in []model.RunStatus) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = string(s)
	}
	return out
}

func sourceStrings(in []model.Source) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = string(s)
	}
	return out
}

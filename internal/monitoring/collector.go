package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/ainews/internal/model"
)

// MetricsSnapshot holds a point-in-time view of system health.
type MetricsSnapshot struct {
	// Runs created within the lookback window.
	RunsTotal     int     `json:"runs_total"`
	RunsSuccess   int     `json:"runs_success"`
	RunsPartial   int     `json:"runs_partial"`
	RunsFailed    int     `json:"runs_failed"`
	RunsCancelled int     `json:"runs_cancelled"`
	RunsActive    int     `json:"runs_active"`
	RunFailRate   float64 `json:"run_fail_rate"`

	// DLQ depth.
	DLQDepth int `json:"dlq_depth"`

	// Metadata.
	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// Finished is the number of runs that reached a non-cancelled terminal status.
func (s *MetricsSnapshot) Finished() int {
	return s.RunsSuccess + s.RunsPartial + s.RunsFailed
}

// StatsStore is the read access used by the collector.
type StatsStore interface {
	RunStatusCounts(ctx context.Context, since time.Time) (map[model.RunStatus]int, error)
	CountDLQ(ctx context.Context, retryCap int) (int, error)
}

// Collector gathers health figures from the store.
type Collector struct {
	store    StatsStore
	retryCap int
	metrics  *Metrics
}

// NewCollector creates a new metrics collector. Items with at least retryCap
// enrichment retries count toward the DLQ depth. m may be nil.
func NewCollector(st StatsStore, retryCap int, m *Metrics) *Collector {
	return &Collector{store: st, retryCap: retryCap, metrics: OrNoop(m)}
}

// Collect gathers a snapshot over the given lookback window and refreshes the
// active-run and DLQ gauges.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*MetricsSnapshot, error) {
	now := time.Now().UTC()
	snap := &MetricsSnapshot{
		LookbackHours: lookbackHours,
		CollectedAt:   now,
	}
	cutoff := now.Add(-time.Duration(lookbackHours) * time.Hour)

	counts, err := c.store.RunStatusCounts(ctx, cutoff)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: run status counts")
	}
	for status, n := range counts {
		snap.RunsTotal += n
		switch status {
		case model.RunStatusSuccess:
			snap.RunsSuccess += n
		case model.RunStatusPartial:
			snap.RunsPartial += n
		case model.RunStatusFailed:
			snap.RunsFailed += n
		case model.RunStatusCancelled:
			snap.RunsCancelled += n
		case model.RunStatusQueued, model.RunStatusRunning:
			snap.RunsActive += n
		}
	}
	if finished := snap.Finished(); finished > 0 {
		snap.RunFailRate = float64(snap.RunsFailed) / float64(finished)
	}

	dlqCount, err := c.store.CountDLQ(ctx, c.retryCap)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: count dlq")
	}
	snap.DLQDepth = dlqCount

	c.metrics.ActiveRuns.Set(float64(snap.RunsActive))
	c.metrics.DLQDepth.Set(float64(snap.DLQDepth))
	return snap, nil
}

// Package dispatch fans a run out into (source, date) tasks and executes
// them, either in process or through an external queue.
package dispatch

import (
	"slices"
	"strconv"
	"time"

	"github.com/sells-group/ainews/internal/model"
)

// Trending configures the auxiliary look-back dates fetched for a subset of
// sources ahead of a run's own range.
type Trending struct {
	Sources []model.Source
	Days    int
}

// Plan returns every task of run in execution order: trending dates first
// (oldest first), then the run's dates, each with sources in run order.
// Trending sources not selected by the run are ignored.
func Plan(run *model.Run, tr Trending) []model.TaskKey {
	var keys []model.TaskKey

	var trendSrc []model.Source
	for _, s := range run.Sources {
		if slices.Contains(tr.Sources, s) {
			trendSrc = append(trendSrc, s)
		}
	}
	if len(trendSrc) > 0 && tr.Days > 0 {
		from := model.Day(run.DateFrom)
		for i := tr.Days; i >= 1; i-- {
			d := from.AddDate(0, 0, -i)
			for _, s := range trendSrc {
				keys = append(keys, model.TaskKey{RunID: run.ID, Source: s, Date: d})
			}
		}
	}

	for _, d := range run.Dates() {
		for _, s := range run.Sources {
			keys = append(keys, model.TaskKey{RunID: run.ID, Source: s, Date: d})
		}
	}
	return keys
}

// byDate groups keys by date, keeping the order of first appearance.
func byDate(keys []model.TaskKey) ([]time.Time, map[time.Time][]model.TaskKey) {
	var dates []time.Time
	groups := make(map[time.Time][]model.TaskKey)
	for _, k := range keys {
		if _, ok := groups[k.Date]; !ok {
			dates = append(dates, k.Date)
		}
		groups[k.Date] = append(groups[k.Date], k)
	}
	return dates, groups
}

// TaskName is the deterministic external name of a task.
func TaskName(k model.TaskKey) string {
	return k.Name()
}

// RetryTaskName names a re-enqueued task: the task name plus a retry stamp.
func RetryTaskName(k model.TaskKey, stamp int64) string {
	return k.Name() + "-retry-" + strconv.FormatInt(stamp, 10)
}

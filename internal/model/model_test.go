package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunStatusTerminal(t *testing.T) {
	t.Parallel()

	tests := []struct {
		status   RunStatus
		terminal bool
	}{
		{RunStatusQueued, false},
		{RunStatusRunning, false},
		{RunStatusSuccess, true},
		{RunStatusPartial, true},
		{RunStatusFailed, true},
		{RunStatusCancelled, true},
	}

	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.terminal, tt.status.Terminal())
		})
	}
}

func TestDateRange(t *testing.T) {
	t.Parallel()

	from := time.Date(2026, 2, 1, 15, 0, 0, 0, time.UTC)
	to := time.Date(2026, 2, 3, 1, 0, 0, 0, time.UTC)

	days := DateRange(from, to)
	require.Len(t, days, 3)
	assert.Equal(t, "2026-02-01", days[0].Format(DateLayout))
	assert.Equal(t, "2026-02-03", days[2].Format(DateLayout))

	assert.Nil(t, DateRange(to, from))
}

func TestTaskKeyName(t *testing.T) {
	t.Parallel()

	d, err := ParseDate("2026-02-01")
	require.NoError(t, err)

	k := TaskKey{RunID: 42, Source: SourceHN, Date: d}
	assert.Equal(t, "hn-42-2026-02-01", k.Name())
	assert.Equal(t, k.Name(), TaskKey{RunID: 42, Source: SourceHN, Date: d}.Name())
}

func TestParseSources(t *testing.T) {
	t.Parallel()

	got, err := ParseSources([]string{"HN", "rss", "hn"})
	require.NoError(t, err)
	assert.Equal(t, []Source{SourceHN, SourceRSS}, got)

	all, err := ParseSources(nil)
	require.NoError(t, err)
	assert.Equal(t, AllSources, all)

	_, err = ParseSources([]string{"twitter"})
	assert.Error(t, err)
}

func TestTaskCounts(t *testing.T) {
	t.Parallel()

	c := TaskCounts{Total: 4, Pending: 1, Success: 2, Failed: 1}
	assert.Equal(t, 3, c.Completed())
	assert.True(t, c.Started())
	assert.False(t, TaskCounts{Total: 2, Pending: 2}.Started())
}

func TestEnrichRatio(t *testing.T) {
	t.Parallel()

	assert.InDelta(t, 1.0, (&RunResult{}).EnrichRatio(), 0.0001)
	assert.InDelta(t, 0.25, (&RunResult{Saved: 4, Enriched: 1}).EnrichRatio(), 0.0001)
}

//go:build !integration

package main

import (
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/ainews/internal/model"
)

func newRunFlags(t *testing.T, args ...string) *cobra.Command {
	t.Helper()
	c := &cobra.Command{}
	c.Flags().String("from", "", "")
	c.Flags().String("to", "", "")
	c.Flags().StringSlice("sources", nil, "")
	require.NoError(t, c.Flags().Parse(args))
	return c
}

func TestRunRequestFromFlags_Defaults(t *testing.T) {
	req, err := runRequestFromFlags(newRunFlags(t, "--from", "2026-03-01"))
	require.NoError(t, err)

	day := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, day, req.DateFrom)
	assert.Equal(t, day, req.DateTo)
	assert.Equal(t, model.AllSources, req.Sources)
	assert.Equal(t, "cli", req.TriggeredBy)
}

func TestRunRequestFromFlags_RangeAndSources(t *testing.T) {
	req, err := runRequestFromFlags(newRunFlags(t, "--from", "2026-03-01", "--to", "2026-03-03", "--sources", "hn,arxiv"))
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 3, 0, 0, 0, 0, time.UTC), req.DateTo)
	assert.Equal(t, []model.Source{model.SourceHN, model.SourceArxiv}, req.Sources)
}

func TestRunRequestFromFlags_Errors(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{"missing from", nil, "--from is required"},
		{"bad from", []string{"--from", "03/01/2026"}, "--from"},
		{"bad to", []string{"--from", "2026-03-01", "--to", "tomorrow"}, "--to"},
		{"bad source", []string{"--from", "2026-03-01", "--sources", "slashdot"}, "--sources"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := runRequestFromFlags(newRunFlags(t, tt.args...))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestParseIDs(t *testing.T) {
	id, err := parseRunID("42")
	require.NoError(t, err)
	assert.Equal(t, int64(42), id)

	_, err = parseRunID("abc")
	assert.Error(t, err)
	_, err = parseRunID("0")
	assert.Error(t, err)

	ids, err := parseItemIDs([]string{"3", "7"})
	require.NoError(t, err)
	assert.Equal(t, []int64{3, 7}, ids)

	ids, err = parseItemIDs(nil)
	require.NoError(t, err)
	assert.Empty(t, ids)

	_, err = parseItemIDs([]string{"3", "-1"})
	assert.Error(t, err)
}

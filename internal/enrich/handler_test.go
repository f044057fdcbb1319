package enrich

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/ainews/internal/model"
)

type mockEnricher struct {
	mock.Mock
}

func (m *mockEnricher) Enrich(ctx context.Context, req Request) (Outcome, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(Outcome), args.Error(1)
}

func TestHandleDelivery_Valid(t *testing.T) {
	e := &mockEnricher{}
	e.On("Enrich", mock.Anything, mock.MatchedBy(func(r Request) bool {
		return r.RunID == 4 && len(r.ItemIDs) == 2 && r.Date.Format(model.DateLayout) == "2026-03-01"
	})).Return(Outcome{Requested: 2, Enriched: 2}, nil)

	h := NewHandler(e)
	err := h.HandleDelivery(context.Background(), []byte(`{"run_id":4,"source":"hn","date":"2026-03-01","item_ids":[10,11]}`))
	require.NoError(t, err)
	e.AssertExpectations(t)
}

func TestHandleDelivery_NoDate(t *testing.T) {
	e := &mockEnricher{}
	e.On("Enrich", mock.Anything, mock.MatchedBy(func(r Request) bool {
		return r.Date.IsZero()
	})).Return(Outcome{Enriched: 1}, nil)

	require.NoError(t, NewHandler(e).HandleDelivery(context.Background(), []byte(`{"item_ids":[3]}`)))
	e.AssertExpectations(t)
}

func TestHandleDelivery_DropsBadPayloads(t *testing.T) {
	tests := []struct {
		name    string
		payload string
	}{
		{"malformed", `{"item_ids":`},
		{"empty ids", `{"item_ids":[]}`},
		{"missing ids", `{"run_id":1}`},
		{"non-positive id", `{"item_ids":[0]}`},
		{"bad date", `{"date":"01/03/2026","item_ids":[1]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := &mockEnricher{}
			err := NewHandler(e).HandleDelivery(context.Background(), []byte(tt.payload))
			assert.NoError(t, err)
			e.AssertNotCalled(t, "Enrich", mock.Anything, mock.Anything)
		})
	}
}

func TestHandleDelivery_EnrichErrorRequestsRedelivery(t *testing.T) {
	e := &mockEnricher{}
	e.On("Enrich", mock.Anything, mock.Anything).Return(Outcome{Skipped: 3, Aborted: true}, ErrBatchAborted)

	err := NewHandler(e).HandleDelivery(context.Background(), []byte(`{"item_ids":[1,2,3]}`))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrBatchAborted))
}

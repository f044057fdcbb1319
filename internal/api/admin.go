package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/ainews/internal/model"
	"github.com/sells-group/ainews/internal/runs"
	"github.com/sells-group/ainews/internal/store"
)

var validate = validator.New()

type createRunRequest struct {
	DateFrom    string   `json:"date_from" validate:"required,datetime=2006-01-02"`
	DateTo      string   `json:"date_to" validate:"required,datetime=2006-01-02"`
	Sources     []string `json:"sources" validate:"omitempty,dive,required"`
	TriggeredBy string   `json:"triggered_by" validate:"omitempty,max=64"`
}

type retryDLQRequest struct {
	IDs []int64 `json:"ids" validate:"omitempty,dive,gt=0"`
}

const (
	defaultPageSize = 50
	maxPageSize     = 500
)

func (s *Server) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	var req createRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	from, _ := model.ParseDate(req.DateFrom)
	to, _ := model.ParseDate(req.DateTo)
	sources, err := model.ParseSources(req.Sources)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	triggeredBy := req.TriggeredBy
	if triggeredBy == "" {
		triggeredBy = "admin"
	}

	run, err := s.deps.Runs.Create(r.Context(), runs.CreateRequest{
		DateFrom:    from,
		DateTo:      to,
		Sources:     sources,
		TriggeredBy: triggeredBy,
	})
	switch {
	case errors.Is(err, runs.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, store.ErrTooManyRuns):
		writeError(w, http.StatusTooManyRequests, err.Error())
		return
	case err != nil:
		zap.L().Error("api: create run", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to create run")
		return
	}

	if err := s.deps.Runs.Start(r.Context(), run); err != nil {
		zap.L().Error("api: start run", zap.Int64("run_id", run.ID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "run created but failed to start")
		return
	}
	writeJSON(w, http.StatusAccepted, run)
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, offset, err := pageParams(q.Get("limit"), q.Get("offset"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	filter := store.RunFilter{
		Status:      model.RunStatus(q.Get("status")),
		TriggeredBy: q.Get("triggered_by"),
		Limit:       limit,
		Offset:      offset,
	}
	if since := q.Get("since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be RFC3339")
			return
		}
		filter.Since = t
	}

	list, err := s.deps.Store.ListRuns(r.Context(), filter)
	if err != nil {
		zap.L().Error("api: list runs", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}
	if list == nil {
		list = []model.Run{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id, ok := runID(w, r)
	if !ok {
		return
	}
	run, err := s.deps.Store.GetRun(r.Context(), id)
	if err != nil {
		s.runError(w, id, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	id, ok := runID(w, r)
	if !ok {
		return
	}
	if _, err := s.deps.Store.GetRun(r.Context(), id); err != nil {
		s.runError(w, id, err)
		return
	}
	tasks, err := s.deps.Store.ListTasks(r.Context(), id)
	if err != nil {
		s.runError(w, id, err)
		return
	}
	if tasks == nil {
		tasks = []model.Task{}
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	id, ok := runID(w, r)
	if !ok {
		return
	}
	if err := s.deps.Runs.Cancel(r.Context(), id); err != nil {
		if errors.Is(err, runs.ErrNotActive) {
			writeError(w, http.StatusConflict, "run is not active")
			return
		}
		s.runError(w, id, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"id": id, "status": "cancelling"})
}

func (s *Server) handleRetryTasks(w http.ResponseWriter, r *http.Request) {
	id, ok := runID(w, r)
	if !ok {
		return
	}
	rep, err := s.deps.Runs.RetryTasks(r.Context(), id)
	if err != nil {
		if errors.Is(err, runs.ErrNotActive) || errors.Is(err, runs.ErrNotExternal) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		s.runError(w, id, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"id": id, "requeue": rep})
}

func (s *Server) handleListDLQ(w http.ResponseWriter, r *http.Request) {
	if s.deps.Scrubber == nil {
		writeError(w, http.StatusServiceUnavailable, "scrubber not configured")
		return
	}
	q := r.URL.Query()
	limit, offset, err := pageParams(q.Get("limit"), q.Get("offset"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var src model.Source
	if v := q.Get("source"); v != "" {
		if src, err = model.ParseSource(v); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	items, err := s.deps.Scrubber.DLQ(r.Context(), src, limit, offset)
	if err != nil {
		zap.L().Error("api: list dlq", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list dlq")
		return
	}
	if items == nil {
		items = []model.DLQItem{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"retry_cap": s.deps.Scrubber.RetryCap(),
		"items":     items,
	})
}

func (s *Server) handleRetryDLQ(w http.ResponseWriter, r *http.Request) {
	if s.deps.Scrubber == nil {
		writeError(w, http.StatusServiceUnavailable, "scrubber not configured")
		return
	}
	var req retryDLQRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}
	if err := validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ids, err := s.deps.Scrubber.RetryDLQ(r.Context(), req.IDs)
	if err != nil {
		zap.L().Error("api: retry dlq", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to retry dlq")
		return
	}
	if ids == nil {
		ids = []int64{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"retried": ids})
}

func (s *Server) runError(w http.ResponseWriter, id int64, err error) {
	if errors.Is(err, store.ErrRunNotFound) {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	zap.L().Error("api: run lookup", zap.Int64("run_id", id), zap.Error(err))
	writeError(w, http.StatusInternalServerError, "internal error")
}

func runID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid run id")
		return 0, false
	}
	return id, true
}

func pageParams(limitStr, offsetStr string) (limit, offset int, err error) {
	limit = defaultPageSize
	if limitStr != "" {
		if limit, err = strconv.Atoi(limitStr); err != nil || limit <= 0 {
			return 0, 0, eris.New("limit must be a positive integer")
		}
	}
	limit = min(limit, maxPageSize)
	if offsetStr != "" {
		if offset, err = strconv.Atoi(offsetStr); err != nil || offset < 0 {
			return 0, 0, eris.New("offset must be a non-negative integer")
		}
	}
	return limit, offset, nil
}

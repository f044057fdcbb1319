package api

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"

	"go.uber.org/zap"
)

// maxPushBytes bounds a pushed message body.
const maxPushBytes = 1 << 20

// pushEnvelope is the push-subscription wrapper; Data arrives base64 encoded.
type pushEnvelope struct {
	Message struct {
		Data      []byte `json:"data"`
		MessageID string `json:"messageId"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

// unwrapPush returns the message payload of a push envelope, or body itself
// when it is not wrapped.
func unwrapPush(body []byte) []byte {
	if !bytes.Contains(body, []byte(`"message"`)) {
		return body
	}
	var env pushEnvelope
	if err := json.Unmarshal(body, &env); err != nil || len(env.Message.Data) == 0 {
		return body
	}
	return env.Message.Data
}

// handlePush adapts a DeliveryHandler to HTTP. A 2xx acknowledges the
// delivery; a 5xx asks the sender to retry.
func (s *Server) handlePush(name string, h DeliveryHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if h == nil {
			writeError(w, http.StatusServiceUnavailable, name+" handler not configured")
			return
		}
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxPushBytes))
		if err != nil {
			// Oversized or truncated bodies will not improve on retry.
			zap.L().Warn("api: dropping unreadable push", zap.String("route", name), zap.Error(err))
			writeJSON(w, http.StatusOK, map[string]string{"status": "acked_bad_payload"})
			return
		}
		if err := h.HandleDelivery(r.Context(), unwrapPush(body)); err != nil {
			zap.L().Warn("api: push delivery failed", zap.String("route", name), zap.Error(err))
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

func (s *Server) handleFinalizeRuns(w http.ResponseWriter, r *http.Request) {
	if s.deps.Reconciler == nil {
		writeError(w, http.StatusServiceUnavailable, "reconciler not configured")
		return
	}
	rep, err := s.deps.Reconciler.Reconcile(r.Context())
	if err != nil {
		zap.L().Error("api: reconcile failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (s *Server) handleScrubOrphans(w http.ResponseWriter, r *http.Request) {
	if s.deps.Scrubber == nil {
		writeError(w, http.StatusServiceUnavailable, "scrubber not configured")
		return
	}
	rep, err := s.deps.Scrubber.Scrub(r.Context())
	if err != nil {
		zap.L().Error("api: scrub failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/corvynix/voxctl/internal/orchestrator"
	"github.com/corvynix/voxctl/internal/risk"
	"github.com/corvynix/voxctl/pkg/models"
)

type queryRequest struct {
	Query string `json:"query"`
}

type confirmRequest struct {
	ConfirmationID string `json:"confirmationID"`
	Response       string `json:"response"`
}

// decodeQuery reads and validates the shared {query} body, enforcing the
// §6 500-character limit with a 413 on overflow.
func decodeQuery(w http.ResponseWriter, r *http.Request) (string, bool) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxQueryBytes+1))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "bad_request", "could not read request body")
		return "", false
	}
	if len(body) > maxQueryBytes {
		writeJSONError(w, http.StatusRequestEntityTooLarge, "query_too_large", "request body exceeds the allowed size")
		return "", false
	}

	var req queryRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return "", false
	}
	if len(req.Query) > 500 {
		writeJSONError(w, http.StatusRequestEntityTooLarge, "query_too_large", "query exceeds 500 characters")
		return "", false
	}
	if req.Query == "" {
		writeJSONError(w, http.StatusBadRequest, "bad_request", "query is required")
		return "", false
	}
	return req.Query, true
}

func requireUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	user := userID(r)
	if user == "" {
		writeJSONError(w, http.StatusBadRequest, "missing_user", "X-User-ID header is required")
		return "", false
	}
	return user, true
}

// handleVoiceQuery implements POST /voice/query.
func (s *Server) handleVoiceQuery(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}
	query, ok := decodeQuery(w, r)
	if !ok {
		return
	}

	result, err := s.facade.ProcessQuery(r.Context(), user, query, orchestrator.Options{})
	if err != nil {
		s.writeProcessError(w, err)
		return
	}

	if s.activity != nil {
		s.activity.RecordCommand(query, result.Reply, result.Success)
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(result)
}

// handleVoiceQueryStream implements POST /voice/query/stream: an SSE
// stream of `progress`/`error` events terminated by a single `done`.
func (s *Server) handleVoiceQueryStream(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}
	query, ok := decodeQuery(w, r)
	if !ok {
		return
	}

	flusher, canFlush := w.(http.Flusher)
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	if canFlush {
		flusher.Flush()
	}

	writeEvent := func(event string, payload any) {
		data, err := json.Marshal(payload)
		if err != nil {
			return
		}
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
		if canFlush {
			flusher.Flush()
		}
	}

	onProgress := func(e models.ProgressEvent) {
		switch e.Kind {
		case models.ProgressError:
			writeEvent("error", e)
		case models.ProgressDone:
			writeEvent("done", e)
		default:
			writeEvent("progress", e)
		}
	}

	result, err := s.facade.ProcessQuery(r.Context(), user, query, orchestrator.Options{OnProgress: onProgress})
	if err != nil {
		writeEvent("error", map[string]string{"message": err.Error()})
		writeEvent("done", map[string]bool{"ok": false})
		return
	}

	if s.activity != nil {
		s.activity.RecordCommand(query, result.Reply, result.Success)
	}
}

// handleVoiceConfirm implements POST /voice/confirm.
func (s *Server) handleVoiceConfirm(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxQueryBytes))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "bad_request", "could not read request body")
		return
	}
	var req confirmRequest
	if err := json.Unmarshal(body, &req); err != nil || req.ConfirmationID == "" {
		writeJSONError(w, http.StatusBadRequest, "bad_request", "confirmationID and response are required")
		return
	}

	result, err := s.facade.Confirm(r.Context(), user, req.ConfirmationID, req.Response, nil)
	if err != nil {
		switch {
		case errors.Is(err, risk.ErrConfirmationNotFound):
			writeJSONError(w, http.StatusNotFound, "confirmation_not_found", err.Error())
		case errors.Is(err, risk.ErrConfirmationMismatch):
			writeJSONError(w, http.StatusConflict, "confirmation_mismatch", err.Error())
		default:
			s.writeProcessError(w, err)
		}
		return
	}

	if s.activity != nil {
		s.activity.RecordCommand("", result.Reply, result.Success)
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(result)
}

// handleCapabilities implements GET /voice/capabilities.
func (s *Server) handleCapabilities(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}
	registry := s.facade.Capabilities(user)

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(registry)
}

// handleActivity implements GET /activity, paginated via ?before=<RFC3339>
// and ?limit=<n>.
func (s *Server) handleActivity(w http.ResponseWriter, r *http.Request) {
	var before time.Time
	if v := r.URL.Query().Get("before"); v != "" {
		parsed, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, "bad_request", "before must be RFC3339")
			return
		}
		before = parsed
	}

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}

	var items []models.ActivityItem
	if s.activity != nil {
		items = s.activity.List(before, limit)
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"items": items})
}

func (s *Server) writeProcessError(w http.ResponseWriter, err error) {
	if errors.Is(err, orchestrator.ErrQueryInProgress) {
		writeJSONError(w, http.StatusConflict, "query_in_progress", err.Error())
		return
	}
	writeJSONError(w, http.StatusInternalServerError, "internal_error", err.Error())
}

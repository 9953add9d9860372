package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/oversight-hq/oversight/internal/domain"
)

// submitRequestBody is the wire shape of POST /request. Kind-specific fields
// are flattened; unused ones are simply omitted by callers.
type submitRequestBody struct {
	Kind           domain.Kind `json:"kind"`
	ToolName       string      `json:"tool_name"`
	Prompt         string      `json:"prompt"`
	Choices        []string    `json:"choices,omitempty"`
	OldContent     string      `json:"old_content,omitempty"`
	NewContent     string      `json:"new_content,omitempty"`
	TimeoutSeconds int         `json:"timeout_seconds,omitempty"`
}

type postResponseBody struct {
	RequestID string `json:"request_id"`
	Value     any    `json:"value"`
}

// responseStatusBody is the wire shape of GET /response/{id}.
type responseStatusBody struct {
	Status     domain.Status `json:"status"`
	Value      any           `json:"value,omitempty"`
	AnsweredAt *time.Time    `json:"answered_at,omitempty"`
}

func (s *Server) handleSubmitRequest(w http.ResponseWriter, r *http.Request) {
	var body submitRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, r, domain.NewValidationError("invalid request body: %v", err))
		return
	}
	if body.Prompt == "" {
		s.writeError(w, r, domain.NewValidationError("prompt is required"))
		return
	}

	req, err := domain.NewRequest(body.Kind, body.ToolName, body.Prompt, domain.Payload{
		Choices:    body.Choices,
		OldContent: body.OldContent,
		NewContent: body.NewContent,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	ttl := s.defaultTTL
	if body.TimeoutSeconds > 0 {
		ttl = time.Duration(body.TimeoutSeconds) * time.Second
	}
	if err := s.registry.Create(req, ttl); err != nil {
		s.writeError(w, r, err)
		return
	}

	AddLogField(r.Context(), "hitl_request_id", req.ID)
	s.writeJSON(w, http.StatusCreated, map[string]string{"id": req.ID})
}

func (s *Server) handleListPending(w http.ResponseWriter, r *http.Request) {
	pending := s.registry.ListPending()
	s.writeJSON(w, http.StatusOK, pending)
}

// handleNextRequest long-polls for the oldest pending request. 204 when the
// wait elapses with nothing pending.
func (s *Server) handleNextRequest(w http.ResponseWriter, r *http.Request) {
	wait := parseWait(r, 30*time.Second)
	ctx, cancel := context.WithTimeout(r.Context(), wait)
	defer cancel()

	req, err := s.registry.NextPending(ctx)
	if err != nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	s.writeJSON(w, http.StatusOK, req)
}

func (s *Server) handlePostResponse(w http.ResponseWriter, r *http.Request) {
	var body postResponseBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, r, domain.NewValidationError("invalid response body: %v", err))
		return
	}
	if body.RequestID == "" {
		s.writeError(w, r, domain.NewValidationError("request_id is required"))
		return
	}

	req, err := s.registry.Get(body.RequestID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	// Shape-check the value against the request's kind before touching
	// registry state.
	value, err := domain.ValidateValue(req.Kind, body.Value)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.Kind == domain.KindChoice {
		if err := domain.ValidateChoiceValue(req.Payload.Choices, value.(string)); err != nil {
			s.writeError(w, r, err)
			return
		}
	}

	if err := s.registry.Complete(body.RequestID, value); err != nil {
		s.writeError(w, r, err)
		return
	}

	AddLogField(r.Context(), "hitl_request_id", body.RequestID)
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleGetResponse(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if wait := parseWait(r, 0); wait > 0 {
		ctx, cancel := context.WithTimeout(r.Context(), wait)
		defer cancel()
		// Wait returns the current state either way; a still-pending
		// status after the wait is a valid answer.
		if _, _, err := s.registry.Wait(ctx, id); err != nil {
			s.writeError(w, r, err)
			return
		}
	}

	status, resp, err := s.registry.GetResponse(id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	body := responseStatusBody{Status: status}
	if resp != nil {
		body.Value = resp.Value
		body.AnsweredAt = &resp.AnsweredAt
	}
	s.writeJSON(w, http.StatusOK, body)
}

// handleTimeoutRequest is the client's best-effort notification that its wait
// expired. Already-terminal requests are a 200 no-op; the registry resolves
// the race in favor of whichever event landed first.
func (s *Server) handleTimeoutRequest(w http.ResponseWriter, r *http.Request) {
	s.closeRequest(w, r, s.registry.MarkTimedOut)
}

// handleCancelRequest records that the caller abandoned its wait.
func (s *Server) handleCancelRequest(w http.ResponseWriter, r *http.Request) {
	s.closeRequest(w, r, s.registry.Cancel)
}

func (s *Server) closeRequest(w http.ResponseWriter, r *http.Request, transition func(string) error) {
	id := chi.URLParam(r, "id")
	if err := transition(id); err != nil {
		s.writeError(w, r, err)
		return
	}
	status, _, err := s.registry.GetResponse(id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"status": status})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"pending": s.registry.PendingCount(),
	})
}

// parseWait reads the wait query parameter in seconds, clamped to maxWait.
func parseWait(r *http.Request, fallback time.Duration) time.Duration {
	raw := r.URL.Query().Get("wait")
	if raw == "" {
		return min(fallback, maxWait)
	}
	secs, err := strconv.Atoi(raw)
	if err != nil || secs <= 0 {
		return min(fallback, maxWait)
	}
	return min(time.Duration(secs)*time.Second, maxWait)
}

type errorEnvelope struct {
	Error *domain.BrokerError `json:"error"`
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	AddError(r.Context(), err)

	var be *domain.BrokerError
	if !errors.As(err, &be) {
		be = &domain.BrokerError{Type: domain.ErrorTypeServer, Message: err.Error()}
	}
	s.writeJSON(w, domain.StatusCodeFor(be), errorEnvelope{Error: be})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("write response", slog.String("error", err.Error()))
	}
}

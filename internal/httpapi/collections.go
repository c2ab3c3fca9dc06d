package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/antoniostano/coachd/internal/collection"
	"github.com/antoniostano/coachd/internal/lease"
	"github.com/antoniostano/coachd/internal/orchestrator"
	"github.com/antoniostano/coachd/internal/trigger"
)

// collectionView is the client-facing snapshot of a session.
type collectionView struct {
	SessionID    string                      `json:"sessionId"`
	Flow         string                      `json:"flow"`
	State        collection.State            `json:"state"`
	Progress     collection.ProgressReport   `json:"progress"`
	Todo         collection.TodoList         `json:"todoList"`
	TurnCount    int                         `json:"turnCount"`
	StartedAt    time.Time                   `json:"startedAt"`
	LastActivity time.Time                   `json:"lastActivity"`
	CancelReason string                      `json:"cancelReason,omitempty"`
	Generation   collection.GenerationStatus `json:"generationStatus"`
}

func newCollectionView(s *collection.Session) collectionView {
	return collectionView{
		SessionID:    s.ID,
		Flow:         s.Flow,
		State:        s.State(),
		Progress:     s.Progress(),
		Todo:         s.Todo,
		TurnCount:    s.TurnCount,
		StartedAt:    s.StartedAt,
		LastActivity: s.LastActivity,
		CancelReason: s.CancelReason,
		Generation:   s.GenerationStatus(),
	}
}

type collectionRequest struct {
	UserID string `json:"userId"`
	Reason string `json:"reason,omitempty"`
}

type callbackRequest struct {
	SessionID string `json:"sessionId"`
	JobID     string `json:"jobId"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
}

func (s *Server) handleActiveCollection(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(r.URL.Query().Get("user_id"))
	coachID := strings.TrimSpace(r.URL.Query().Get("coach_id"))
	if userID == "" || coachID == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "query parameters user_id and coach_id are required")
		return
	}
	sess, err := s.orchestrator.Active(r.Context(), userID, coachID)
	if err != nil {
		s.respondOrchestratorError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, newCollectionView(sess))
}

func (s *Server) handleCancelCollection(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeCollectionRequest(w, r)
	if !ok {
		return
	}
	sess, err := s.orchestrator.Cancel(r.Context(), req.UserID, chi.URLParam(r, "id"), req.Reason)
	if err != nil {
		s.respondOrchestratorError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, newCollectionView(sess))
}

func (s *Server) handleClearField(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeCollectionRequest(w, r)
	if !ok {
		return
	}
	sess, err := s.orchestrator.ClearField(r.Context(), req.UserID, chi.URLParam(r, "id"), chi.URLParam(r, "field"))
	if err != nil {
		s.respondOrchestratorError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, newCollectionView(sess))
}

func (s *Server) handleRetryGeneration(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeCollectionRequest(w, r)
	if !ok {
		return
	}
	res, err := s.orchestrator.RetryGeneration(r.Context(), req.UserID, chi.URLParam(r, "id"))
	if err != nil {
		s.respondOrchestratorError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"triggered":         res.Triggered,
		"alreadyGenerating": res.AlreadyGenerating,
		"existingResultId":  res.ExistingResultID,
		"jobId":             res.JobID,
		"status":            res.Status,
	})
}

func (s *Server) handleGenerationCallback(w http.ResponseWriter, r *http.Request) {
	var req callbackRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.SessionID) == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "sessionId is required")
		return
	}
	if err := s.orchestrator.CompleteGeneration(r.Context(), req.SessionID, req.JobID, req.Status, req.Error); err != nil {
		s.respondOrchestratorError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "recorded"})
}

func decodeCollectionRequest(w http.ResponseWriter, r *http.Request) (collectionRequest, bool) {
	var req collectionRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return req, false
	}
	if req.UserID = strings.TrimSpace(req.UserID); req.UserID == "" {
		req.UserID = strings.TrimSpace(r.URL.Query().Get("user_id"))
	}
	if req.UserID == "" {
		respondError(w, http.StatusBadRequest, "missing_user_id", "userId is required")
		return req, false
	}
	return req, true
}

func (s *Server) respondOrchestratorError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, collection.ErrNotFound):
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
	case errors.Is(err, lease.ErrBusy):
		respondError(w, http.StatusConflict, "session_busy", err.Error())
	case errors.Is(err, collection.ErrUnknownField):
		respondError(w, http.StatusBadRequest, "unknown_field", err.Error())
	case errors.Is(err, orchestrator.ErrSessionClosed):
		respondError(w, http.StatusConflict, "session_closed", err.Error())
	case errors.Is(err, orchestrator.ErrNotComplete):
		respondError(w, http.StatusConflict, "not_complete", err.Error())
	case errors.Is(err, trigger.ErrInvalidStatus):
		respondError(w, http.StatusBadRequest, "invalid_status", err.Error())
	default:
		s.logger.Error("collection request failed", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "internal_error", "internal error")
	}
}

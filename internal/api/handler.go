package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/plasticity/resultsync/internal/fallback"
	"github.com/plasticity/resultsync/internal/models"
	"github.com/plasticity/resultsync/internal/queue"
	"github.com/plasticity/resultsync/internal/results"
	"github.com/plasticity/resultsync/pkg/logger"
)

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// AppendTrialRequest is the body of POST /sessions/{id}/trials.
type AppendTrialRequest struct {
	Index     int                  `json:"index"`
	TrialData map[string]any       `json:"trialData"`
	Score     models.StandardScore `json:"score"`
}

// PendingResponse lists the queued actions.
type PendingResponse struct {
	Pending int            `json:"pending"`
	Actions []queue.Action `json:"actions"`
}

// FlushResponse reports a manual flush.
type FlushResponse struct {
	Drained bool `json:"drained"`
	Pending int  `json:"pending"`
}

// Handler holds all HTTP handlers
type Handler struct {
	results *results.Service
	logger  *logger.Logger
}

// NewHandler creates a new handler
func NewHandler(svc *results.Service, logger *logger.Logger) *Handler {
	return &Handler{
		results: svc,
		logger:  logger,
	}
}

// Router wraps Routes in the standard middleware stack.
func (h *Handler) Router(timeout time.Duration) http.Handler {
	r := chi.NewRouter()
	r.Use(RequestIDMiddleware)
	r.Use(middleware.RealIP)
	r.Use(LoggingMiddleware(h.logger))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(timeout))
	r.Use(IdentityMiddleware)
	r.Mount("/", h.Routes())
	return r
}

// Routes sets up all routes
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/health", h.Health)

	r.Route("/sessions", func(r chi.Router) {
		r.Post("/", h.CreateSession)
		r.Get("/{id}", h.GetSession)
		r.Post("/{id}/trials", h.AppendTrial)
		r.Post("/{id}/finalize", h.FinalizeSession)
	})

	r.Post("/selftest", h.SelfTest)

	r.Route("/sync", func(r chi.Router) {
		r.Get("/pending", h.Pending)
		r.Post("/flush", h.Flush)
		r.Post("/online", h.Online)
	})

	return r
}

// Health handles health check requests
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, map[string]any{
		"status":        "ok",
		"minimalSchema": h.results.MinimalSchema(),
		"trialTable":    h.results.TrialTableAvailable(),
	})
}

// CreateSession handles session start requests
func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	var req models.CreateSessionParams
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}

	created, err := h.results.CreateSession(r.Context(), req)
	if err != nil {
		h.fail(w, r, "failed to create session", err)
		return
	}

	h.logger.Info("Session created",
		logger.F("session_id", created.ID),
		logger.F("game_id", req.GameID),
		logger.F("queued", created.Queued),
		logger.F("request_id", GetRequestID(r.Context())),
	)
	h.respondJSON(w, http.StatusCreated, created)
}

// AppendTrial handles trial writes
func (h *Handler) AppendTrial(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")

	var req AppendTrialRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}

	if err := h.results.AppendTrial(r.Context(), sessionID, req.Index, req.TrialData, req.Score); err != nil {
		h.fail(w, r, "failed to append trial", err)
		return
	}

	h.respondJSON(w, http.StatusAccepted, map[string]any{"sessionId": sessionID, "index": req.Index})
}

// FinalizeSession handles session completion
func (h *Handler) FinalizeSession(w http.ResponseWriter, r *http.Request) {
	var req models.FinalizeSessionParams
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	req.SessionID = chi.URLParam(r, "id")

	payload, err := h.results.FinalizeSession(r.Context(), req)
	if err != nil {
		h.fail(w, r, "failed to finalize session", err)
		return
	}

	h.respondJSON(w, http.StatusOK, payload)
}

// GetSession returns a session with its trials
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	view, err := h.results.GetSessionWithTrials(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, "failed to load session", err)
		return
	}
	h.respondJSON(w, http.StatusOK, view)
}

// SelfTest runs the synthetic end-to-end session
func (h *Handler) SelfTest(w http.ResponseWriter, r *http.Request) {
	out, err := h.results.RunSelfTest(r.Context())
	if err != nil {
		h.fail(w, r, "self-test failed", err)
		return
	}
	h.respondJSON(w, http.StatusOK, out)
}

// Pending lists the queued actions
func (h *Handler) Pending(w http.ResponseWriter, r *http.Request) {
	actions, err := h.results.Pending(r.Context())
	if err != nil {
		h.fail(w, r, "failed to read pending queue", err)
		return
	}
	if actions == nil {
		actions = []queue.Action{}
	}
	h.respondJSON(w, http.StatusOK, PendingResponse{Pending: len(actions), Actions: actions})
}

// Flush replays the queue now
func (h *Handler) Flush(w http.ResponseWriter, r *http.Request) {
	drained, err := h.results.Flush(r.Context())
	if err != nil && !errors.Is(err, queue.ErrFlushInProgress) {
		h.fail(w, r, "flush failed", err)
		return
	}
	actions, err := h.results.Pending(r.Context())
	if err != nil {
		h.fail(w, r, "failed to read pending queue", err)
		return
	}
	h.respondJSON(w, http.StatusOK, FlushResponse{Drained: drained, Pending: len(actions)})
}

// Online signals restored connectivity
func (h *Handler) Online(w http.ResponseWriter, r *http.Request) {
	h.results.ConnectivityRestored()
	h.respondJSON(w, http.StatusAccepted, map[string]string{"status": "scheduled"})
}

// fail maps a service error to its status code and logs server faults.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, errorMsg string, err error) {
	var identityErr *results.IdentityError
	var validationErr *models.ValidationError
	var notFoundErr *results.NotFoundError

	switch {
	case errors.As(err, &identityErr):
		h.respondError(w, http.StatusUnauthorized, errorMsg, err.Error())
	case errors.As(err, &validationErr):
		h.respondError(w, http.StatusBadRequest, errorMsg, err.Error())
	case errors.As(err, &notFoundErr):
		h.respondError(w, http.StatusNotFound, errorMsg, err.Error())
	default:
		h.logger.Error(errorMsg, logger.Err(err), logger.F("request_id", GetRequestID(r.Context())))
		h.respondError(w, http.StatusInternalServerError, errorMsg, fallback.RLSHint(err))
	}
}

// respondJSON sends a JSON response
func (h *Handler) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// respondError sends an error response
func (h *Handler) respondError(w http.ResponseWriter, status int, errorMsg, message string) {
	h.respondJSON(w, status, ErrorResponse{
		Error:   errorMsg,
		Message: message,
	})
}

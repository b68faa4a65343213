package task

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/amplifier/amplifier-go-backend/internal/auth"
	"github.com/amplifier/amplifier-go-backend/internal/events"
)

// streamHeartbeat is how often an idle event stream sends a comment line.
const streamHeartbeat = 15 * time.Second

// Handler provides HTTP handlers for the task endpoints.
type Handler struct {
	svc *Service
	bus *events.RedisBus
}

// NewHandler creates a new task handler. bus may be nil, in which case the
// event stream endpoint is unavailable.
func NewHandler(svc *Service, bus *events.RedisBus) *Handler {
	return &Handler{svc: svc, bus: bus}
}

// Routes returns a chi.Router with all task routes mounted.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Post("/", h.HandleCreate)
	r.Get("/", h.HandleList)
	r.Get("/active", h.HandleActive)
	r.Get("/{id}", h.HandleGet)
	r.Post("/{id}/cancel", h.HandleCancel)
	r.Post("/{id}/rating", h.HandleRate)
	r.Get("/{id}/events", h.HandleEvents)
	return r
}

// HandleCreate handles POST /api/tasks.
func (h *Handler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerFrom(w, r)
	if !ok {
		return
	}

	var req CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid request body")
		return
	}

	resp, err := h.svc.Create(r.Context(), caller, req)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, createResponse{TaskID: resp.ID, Task: resp})
}

// HandleGet handles GET /api/tasks/{id}.
func (h *Handler) HandleGet(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerFrom(w, r)
	if !ok {
		return
	}
	id, ok := taskID(w, r)
	if !ok {
		return
	}

	resp, err := h.svc.Get(r.Context(), caller, id)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// HandleList handles GET /api/tasks.
func (h *Handler) HandleList(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerFrom(w, r)
	if !ok {
		return
	}

	limit := defaultListLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}

	tasks, err := h.svc.List(r.Context(), caller, limit)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, listResponse{Data: tasks})
}

// HandleActive handles GET /api/tasks/active.
func (h *Handler) HandleActive(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerFrom(w, r)
	if !ok {
		return
	}

	resp, err := h.svc.PollActive(r.Context(), caller)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, activeResponse{Task: resp})
}

// HandleCancel handles POST /api/tasks/{id}/cancel.
func (h *Handler) HandleCancel(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerFrom(w, r)
	if !ok {
		return
	}
	id, ok := taskID(w, r)
	if !ok {
		return
	}

	resp, err := h.svc.Cancel(r.Context(), caller, id)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, resp)
}

// HandleRate handles POST /api/tasks/{id}/rating.
func (h *Handler) HandleRate(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerFrom(w, r)
	if !ok {
		return
	}
	id, ok := taskID(w, r)
	if !ok {
		return
	}

	var req RateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid request body")
		return
	}

	resp, err := h.svc.Rate(r.Context(), caller, id, req)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// HandleEvents handles GET /api/tasks/{id}/events as a Server-Sent Events
// stream. The stream ends after the task's terminal event.
func (h *Handler) HandleEvents(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerFrom(w, r)
	if !ok {
		return
	}
	id, ok := taskID(w, r)
	if !ok {
		return
	}
	if h.bus == nil {
		writeError(w, http.StatusServiceUnavailable, "UNAVAILABLE", "event streaming is not configured")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "INTERNAL", "streaming unsupported")
		return
	}

	ctx := r.Context()
	if _, err := h.svc.Get(ctx, caller, id); err != nil {
		handleServiceError(w, err)
		return
	}

	sub, err := h.bus.Subscribe(ctx, id)
	if err != nil {
		slog.Error("task: subscribe events", slog.String("task_id", id.String()), slog.String("error", err.Error()))
		writeError(w, http.StatusServiceUnavailable, "UNAVAILABLE", "event stream unavailable")
		return
	}
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	// Re-read after subscribing so a task that ended in between still gets
	// its final state.
	current, err := h.svc.Get(ctx, caller, id)
	if err == nil {
		writeEvent(w, "snapshot", current)
		flusher.Flush()
		if isTerminal(current.Status) {
			return
		}
	}

	heartbeat := time.NewTicker(streamHeartbeat)
	defer heartbeat.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		case ev, open := <-sub.Events():
			if !open {
				return
			}
			writeEvent(w, string(ev.Type), ev)
			flusher.Flush()
			if ev.Type.Terminal() {
				return
			}
		}
	}
}

func writeEvent(w http.ResponseWriter, name string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, data)
}

func isTerminal(status string) bool {
	switch status {
	case "completed", "failed", "cancelled", "timedOut":
		return true
	}
	return false
}

// --- response types ---

type createResponse struct {
	TaskID uuid.UUID     `json:"task_id"`
	Task   *TaskResponse `json:"task"`
}

type listResponse struct {
	Data []TaskResponse `json:"data"`
}

type activeResponse struct {
	Task *TaskResponse `json:"task"`
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// --- helpers ---

func callerFrom(w http.ResponseWriter, r *http.Request) (Caller, bool) {
	claims := auth.ClaimsFromContext(r.Context())
	if claims == nil {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing auth")
		return Caller{}, false
	}
	return Caller{OwnerID: claims.OwnerID, FirmID: claims.FirmID}, true
}

func taskID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid task id")
		return uuid.Nil, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorBody{Error: errorDetail{Code: code, Message: msg}})
}

func handleServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		writeError(w, http.StatusNotFound, "NOT_FOUND", "task not found")
	case errors.Is(err, ErrForbidden):
		writeError(w, http.StatusForbidden, "FORBIDDEN", "not authorized to access this task")
	case errors.Is(err, ErrAlreadyRunning):
		writeError(w, http.StatusConflict, "ALREADY_RUNNING", err.Error())
	case errors.Is(err, ErrNotTerminal):
		writeError(w, http.StatusConflict, "CONFLICT", err.Error())
	case errors.Is(err, ErrValidation):
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error())
	default:
		slog.Error("task handler error", "error", err)
		writeError(w, http.StatusInternalServerError, "INTERNAL", "internal server error")
	}
}

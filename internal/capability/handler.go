package capability

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
)

// Handler exposes the capability catalog to operators.
type Handler struct {
	registry Registry
}

// NewHandler creates a new capability handler.
func NewHandler(r Registry) *Handler {
	return &Handler{registry: r}
}

// HandleList handles GET /api/capabilities. It returns the catalog the model is
// offered on every turn.
func (h *Handler) HandleList(w http.ResponseWriter, r *http.Request) {
	defs, err := h.registry.List(r.Context())
	if err != nil {
		if errors.Is(err, ErrUnavailable) {
			writeError(w, http.StatusServiceUnavailable, "UNAVAILABLE", "capability registry unavailable")
			return
		}
		slog.Error("capability: list", slog.String("error", err.Error()))
		writeError(w, http.StatusBadGateway, "UPSTREAM", "failed to list capabilities")
		return
	}
	writeJSON(w, http.StatusOK, listResponse{Data: defs})
}

type listResponse struct {
	Data []Definition `json:"data"`
}

// --- helpers ---

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorBody{Error: errorDetail{Code: code, Message: msg}})
}

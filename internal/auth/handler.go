package auth

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

// Handler provides HTTP handlers for auth endpoints.
type Handler struct {
	svc *Service
}

// NewHandler creates a new auth handler.
func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// meResponse is the JSON response for GET /api/auth/me.
type meResponse struct {
	OwnerID   string `json:"owner_id"`
	FirmID    string `json:"firm_id"`
	ExpiresAt string `json:"expires_at"`
}

// HandleMe handles GET /api/auth/me: it echoes the identity the token carries.
func (h *Handler) HandleMe(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())
	if claims == nil {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing auth")
		return
	}
	writeJSON(w, http.StatusOK, meResponse{
		OwnerID:   claims.OwnerID,
		FirmID:    claims.FirmID,
		ExpiresAt: claims.ExpiresAt.UTC().Format("2006-01-02T15:04:05Z"),
	})
}

// refreshResponse is the JSON response for POST /api/auth/refresh.
type refreshResponse struct {
	Token string `json:"token"`
}

// HandleRefresh handles POST /api/auth/refresh: it trades a valid token for a
// new one carrying the same identity and a fresh expiry. Long-running task
// streams use it before their token lapses.
func (h *Handler) HandleRefresh(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())
	if claims == nil {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing auth")
		return
	}
	token, err := h.svc.IssueToken(claims.OwnerID, claims.FirmID)
	if err != nil {
		slog.Error("auth: refresh token", slog.String("owner_id", claims.OwnerID), slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "INTERNAL", "could not issue token")
		return
	}
	writeJSON(w, http.StatusOK, refreshResponse{Token: token})
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

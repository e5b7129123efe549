package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/stafflink-ai/employee-stream/internal/auth"
	"github.com/stafflink-ai/employee-stream/internal/model"
	"github.com/stafflink-ai/employee-stream/pkg/logger"
)

// AuthHandler handles credential issuance and refresh.
type AuthHandler struct {
	store  *auth.Store
	logger *logger.Logger
}

// NewAuthHandler creates an auth handler.
func NewAuthHandler(store *auth.Store, log *logger.Logger) *AuthHandler {
	return &AuthHandler{store: store, logger: log}
}

type loginRequest struct {
	TenantID string `json:"tenant_id"`
	UserID   string `json:"user_id"`
}

type sessionResponse struct {
	Session sessionPayload `json:"session"`
}

type sessionPayload struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresAt    int64  `json:"expires_at"`
}

// Login handles POST /auth/login. It issues a development session for the
// given identity; production deployments put a real identity provider in
// front of the gateway instead.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.TenantID == "" || req.UserID == "" {
		writeError(w, http.StatusBadRequest, "tenant_id and user_id are required")
		return
	}

	session, err := h.store.Issue(auth.Identity{UserID: req.UserID, TenantID: req.TenantID})
	if err != nil {
		h.logger.Errorw("failed to issue session", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to issue session")
		return
	}

	writeJSON(w, http.StatusOK, toSessionResponse(session))
}

// Refresh handles POST /auth/refresh. A rejected refresh token is a
// definitive 401: the client treats it as a logout.
func (h *AuthHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	var req model.RefreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.RefreshToken == "" {
		writeError(w, http.StatusBadRequest, "refresh_token is required")
		return
	}

	session, err := h.store.Rotate(req.RefreshToken)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidRefreshToken) {
			writeError(w, http.StatusUnauthorized, "refresh token rejected")
			return
		}
		h.logger.Errorw("failed to rotate session", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to refresh session")
		return
	}

	writeJSON(w, http.StatusOK, toSessionResponse(session))
}

func toSessionResponse(s model.Session) sessionResponse {
	return sessionResponse{Session: sessionPayload{
		AccessToken:  s.AccessToken,
		RefreshToken: s.RefreshToken,
		ExpiresAt:    s.ExpiresAt,
	}}
}

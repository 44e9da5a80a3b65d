package auth

import (
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/taskmesh/backend/internal/httpx"
	"github.com/taskmesh/backend/internal/middleware"
	"github.com/taskmesh/backend/internal/protocol"
)

// Request/response bodies use snake_case JSON.

type RegisterRequest struct {
	Email       string `json:"email"`
	Password    string `json:"password"`
	DisplayName string `json:"display_name"`
}

type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type LoginResponse struct {
	Token string `json:"token"`
}

type APIKeyRequest struct {
	Label string `json:"label"`
}

type APIKeyResponse struct {
	ID    string `json:"id"`
	Key   string `json:"key"`
	Label string `json:"label"`
}

type Handler struct {
	svc Service
	log *slog.Logger
}

func NewHandler(svc Service, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{svc: svc, log: log}
}

func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, h.log, err)
		return
	}
	acc, err := h.svc.Register(r.Context(), req.Email, req.Password, req.DisplayName)
	if err != nil {
		httpx.WriteError(w, h.log, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, acc)
}

func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, h.log, err)
		return
	}
	token, err := h.svc.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		httpx.WriteError(w, h.log, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, LoginResponse{Token: token})
}

// CreateAPIKey mints a key for the JWT-authenticated account. The raw key is
// returned exactly once.
func (h *Handler) CreateAPIKey(w http.ResponseWriter, r *http.Request) {
	acc := middleware.AccountFromCtx(r.Context())
	if acc == nil {
		httpx.WriteError(w, h.log, protocol.E(protocol.KindUnauthorized, "authentication required"))
		return
	}
	var req APIKeyRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, h.log, err)
		return
	}
	key, raw, err := h.svc.IssueAPIKey(r.Context(), acc.ID, req.Label)
	if err != nil {
		httpx.WriteError(w, h.log, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, APIKeyResponse{ID: key.ID.String(), Key: raw, Label: key.Label})
}

// RevokeAPIKey handles DELETE /api/v1/api-keys/{id}.
func (h *Handler) RevokeAPIKey(w http.ResponseWriter, r *http.Request) {
	acc := middleware.AccountFromCtx(r.Context())
	if acc == nil {
		httpx.WriteError(w, h.log, protocol.E(protocol.KindUnauthorized, "authentication required"))
		return
	}
	keyID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		httpx.WriteError(w, h.log, protocol.E(protocol.KindInvalidInput, "invalid key id"))
		return
	}
	if err := h.svc.RevokeAPIKey(r.Context(), acc.ID, keyID); err != nil {
		httpx.WriteError(w, h.log, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

package relay

import (
	"encoding/base64"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/taskmesh/backend/internal/httpx"
	"github.com/taskmesh/backend/internal/middleware"
	"github.com/taskmesh/backend/internal/protocol"
)

type sendRequest struct {
	TargetDomain string `json:"target_domain"`
	// Payload is base64; relay payloads are opaque bytes.
	Payload string `json:"payload"`
}

type domainRequest struct {
	Name   string `json:"name"`
	RPCURL string `json:"rpc_url"`
}

type validatorRequest struct {
	Account string `json:"account"`
}

type feesRequest struct {
	BaseFee    int64 `json:"base_fee"`
	PerByteFee int64 `json:"per_byte_fee"`
}

// Handler serves /api/v1/messages and the relay admin surface.
type Handler struct {
	svc *Service
	log *slog.Logger
}

func NewHandler(svc *Service, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{svc: svc, log: log}
}

// Send handles POST /api/v1/messages.
func (h *Handler) Send(w http.ResponseWriter, r *http.Request) {
	acc := middleware.AccountFromCtx(r.Context())
	if acc == nil {
		httpx.WriteError(w, h.log, protocol.E(protocol.KindUnauthorized, "authentication required"))
		return
	}
	var req sendRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, h.log, err)
		return
	}
	payload, err := base64.StdEncoding.DecodeString(req.Payload)
	if err != nil {
		httpx.WriteError(w, h.log, protocol.E(protocol.KindInvalidInput, "payload must be base64"))
		return
	}
	msg, err := h.svc.Send(r.Context(), acc.ID, req.TargetDomain, payload)
	if err != nil {
		httpx.WriteError(w, h.log, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, msg)
}

// Get handles GET /api/v1/messages/{id}.
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := messageID(r)
	if !ok {
		httpx.WriteError(w, h.log, protocol.E(protocol.KindInvalidInput, "invalid message id"))
		return
	}
	msg, err := h.svc.Get(r.Context(), id)
	if err != nil {
		httpx.WriteError(w, h.log, err)
		return
	}
	if msg.IsZero() {
		httpx.WriteError(w, h.log, protocol.E(protocol.KindNotFound, "message %d not found", id))
		return
	}
	httpx.WriteJSON(w, http.StatusOK, msg)
}

// Process handles POST /api/v1/messages/{id}/process. The authenticated
// account itself must be an allow-listed validator; the service rejects
// everyone else.
func (h *Handler) Process(w http.ResponseWriter, r *http.Request) {
	id, ok := messageID(r)
	if !ok {
		httpx.WriteError(w, h.log, protocol.E(protocol.KindInvalidInput, "invalid message id"))
		return
	}
	acc := middleware.AccountFromCtx(r.Context())
	if acc == nil {
		httpx.WriteError(w, h.log, protocol.E(protocol.KindUnauthorized, "authentication required"))
		return
	}
	msg, err := h.svc.Process(r.Context(), acc.ID, id)
	if err != nil {
		httpx.WriteError(w, h.log, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, msg)
}

// --- admin surface ---

// AddDomain handles POST /api/v1/relay/domains.
func (h *Handler) AddDomain(w http.ResponseWriter, r *http.Request) {
	var req domainRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, h.log, err)
		return
	}
	if err := h.svc.AddDomain(r.Context(), req.Name, req.RPCURL); err != nil {
		httpx.WriteError(w, h.log, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// RemoveDomain handles DELETE /api/v1/relay/domains/{name}.
func (h *Handler) RemoveDomain(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if err := h.svc.RemoveDomain(r.Context(), name); err != nil {
		httpx.WriteError(w, h.log, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// AddValidator handles POST /api/v1/relay/validators.
func (h *Handler) AddValidator(w http.ResponseWriter, r *http.Request) {
	var req validatorRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, h.log, err)
		return
	}
	account, err := uuid.Parse(req.Account)
	if err != nil {
		httpx.WriteError(w, h.log, protocol.E(protocol.KindInvalidInput, "invalid account"))
		return
	}
	if err := h.svc.AddValidator(r.Context(), account); err != nil {
		httpx.WriteError(w, h.log, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// RemoveValidator handles DELETE /api/v1/relay/validators/{account}.
func (h *Handler) RemoveValidator(w http.ResponseWriter, r *http.Request) {
	account, err := uuid.Parse(r.PathValue("account"))
	if err != nil {
		httpx.WriteError(w, h.log, protocol.E(protocol.KindInvalidInput, "invalid account"))
		return
	}
	if err := h.svc.RemoveValidator(r.Context(), account); err != nil {
		httpx.WriteError(w, h.log, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// UpdateFees handles PUT /api/v1/relay/fees.
func (h *Handler) UpdateFees(w http.ResponseWriter, r *http.Request) {
	var req feesRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, h.log, err)
		return
	}
	if err := h.svc.UpdateFees(r.Context(), req.BaseFee, req.PerByteFee); err != nil {
		httpx.WriteError(w, h.log, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func messageID(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

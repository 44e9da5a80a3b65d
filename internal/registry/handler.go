package registry

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/taskmesh/backend/internal/httpx"
	"github.com/taskmesh/backend/internal/middleware"
	"github.com/taskmesh/backend/internal/protocol"
)

type registerRequest struct {
	Name          string          `json:"name"`
	Capabilities  []string        `json:"capabilities"`
	AutonomyLevel int             `json:"autonomy_level"`
	StakeAmount   int64           `json:"stake_amount"`
	Manifest      json.RawMessage `json:"manifest,omitempty"`
}

type stakeRequest struct {
	Amount int64 `json:"amount"`
}

type reputationRequest struct {
	Delta int `json:"delta"`
}

// Handler serves /api/v1/agents.
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

// Register handles POST /api/v1/agents.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	acc := middleware.AccountFromCtx(r.Context())
	if acc == nil {
		httpx.WriteError(w, h.log, protocol.E(protocol.KindUnauthorized, "authentication required"))
		return
	}
	var req registerRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, h.log, err)
		return
	}
	agent, err := h.svc.Register(r.Context(), acc.ID, RegisterInput{
		Name:          req.Name,
		Capabilities:  req.Capabilities,
		AutonomyLevel: req.AutonomyLevel,
		StakeAmount:   req.StakeAmount,
		Manifest:      req.Manifest,
	})
	if err != nil {
		httpx.WriteError(w, h.log, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, agent)
}

// Get handles GET /api/v1/agents/{id}.
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		httpx.WriteError(w, h.log, protocol.E(protocol.KindInvalidInput, "invalid agent id"))
		return
	}
	agent, err := h.svc.Get(r.Context(), id)
	if err != nil {
		httpx.WriteError(w, h.log, err)
		return
	}
	if agent.IsZero() {
		httpx.WriteError(w, h.log, protocol.E(protocol.KindNotFound, "agent %d not found", id))
		return
	}
	httpx.WriteJSON(w, http.StatusOK, agent)
}

// List handles GET /api/v1/agents, scoped to the caller's agents.
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	acc := middleware.AccountFromCtx(r.Context())
	if acc == nil {
		httpx.WriteError(w, h.log, protocol.E(protocol.KindUnauthorized, "authentication required"))
		return
	}
	agents, err := h.svc.ListByOwner(r.Context(), acc.ID)
	if err != nil {
		httpx.WriteError(w, h.log, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, agents)
}

// AddStake handles POST /api/v1/agents/{id}/stake.
func (h *Handler) AddStake(w http.ResponseWriter, r *http.Request) {
	acc := middleware.AccountFromCtx(r.Context())
	if acc == nil {
		httpx.WriteError(w, h.log, protocol.E(protocol.KindUnauthorized, "authentication required"))
		return
	}
	id, ok := pathID(r)
	if !ok {
		httpx.WriteError(w, h.log, protocol.E(protocol.KindInvalidInput, "invalid agent id"))
		return
	}
	var req stakeRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, h.log, err)
		return
	}
	agent, err := h.svc.AddStake(r.Context(), acc.ID, id, req.Amount)
	if err != nil {
		httpx.WriteError(w, h.log, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, agent)
}

// Deactivate handles POST /api/v1/agents/{id}/deactivate.
func (h *Handler) Deactivate(w http.ResponseWriter, r *http.Request) {
	acc := middleware.AccountFromCtx(r.Context())
	if acc == nil {
		httpx.WriteError(w, h.log, protocol.E(protocol.KindUnauthorized, "authentication required"))
		return
	}
	id, ok := pathID(r)
	if !ok {
		httpx.WriteError(w, h.log, protocol.E(protocol.KindInvalidInput, "invalid agent id"))
		return
	}
	agent, err := h.svc.Deactivate(r.Context(), acc.ID, id)
	if err != nil {
		httpx.WriteError(w, h.log, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, agent)
}

// AdjustReputation handles POST /api/v1/agents/{id}/reputation. Admin only,
// enforced by routing middleware.
func (h *Handler) AdjustReputation(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		httpx.WriteError(w, h.log, protocol.E(protocol.KindInvalidInput, "invalid agent id"))
		return
	}
	var req reputationRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, h.log, err)
		return
	}
	agent, err := h.svc.AdjustReputation(r.Context(), id, req.Delta)
	if err != nil {
		httpx.WriteError(w, h.log, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, agent)
}

func pathID(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

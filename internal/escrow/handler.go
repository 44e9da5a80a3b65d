package escrow

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/taskmesh/backend/internal/httpx"
	"github.com/taskmesh/backend/internal/middleware"
	"github.com/taskmesh/backend/internal/protocol"
)

type createTaskRequest struct {
	Description          string    `json:"description"`
	RequiredCapabilities []string  `json:"required_capabilities"`
	Reward               int64     `json:"reward"`
	Deadline             time.Time `json:"deadline"`
}

type assignRequest struct {
	AgentID int64 `json:"agent_id"`
}

type completeRequest struct {
	ResultHash string `json:"result_hash"`
}

// Handler serves /api/v1/tasks.
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

// Create handles POST /api/v1/tasks.
func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	acc := middleware.AccountFromCtx(r.Context())
	if acc == nil {
		httpx.WriteError(w, h.log, protocol.E(protocol.KindUnauthorized, "authentication required"))
		return
	}
	var req createTaskRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, h.log, err)
		return
	}
	task, err := h.svc.Create(r.Context(), acc.ID, req.Description, req.RequiredCapabilities, req.Reward, req.Deadline)
	if err != nil {
		httpx.WriteError(w, h.log, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, task)
}

// Get handles GET /api/v1/tasks/{id}.
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := taskID(r)
	if !ok {
		httpx.WriteError(w, h.log, protocol.E(protocol.KindInvalidInput, "invalid task id"))
		return
	}
	task, err := h.svc.Get(r.Context(), id)
	if err != nil {
		httpx.WriteError(w, h.log, err)
		return
	}
	if task.IsZero() {
		httpx.WriteError(w, h.log, protocol.E(protocol.KindNotFound, "task %d not found", id))
		return
	}
	httpx.WriteJSON(w, http.StatusOK, task)
}

// Assign handles POST /api/v1/tasks/{id}/assign.
func (h *Handler) Assign(w http.ResponseWriter, r *http.Request) {
	acc := middleware.AccountFromCtx(r.Context())
	if acc == nil {
		httpx.WriteError(w, h.log, protocol.E(protocol.KindUnauthorized, "authentication required"))
		return
	}
	id, ok := taskID(r)
	if !ok {
		httpx.WriteError(w, h.log, protocol.E(protocol.KindInvalidInput, "invalid task id"))
		return
	}
	var req assignRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, h.log, err)
		return
	}
	task, err := h.svc.Assign(r.Context(), acc.ID, id, req.AgentID)
	if err != nil {
		httpx.WriteError(w, h.log, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, task)
}

// Complete handles POST /api/v1/tasks/{id}/complete.
func (h *Handler) Complete(w http.ResponseWriter, r *http.Request) {
	acc := middleware.AccountFromCtx(r.Context())
	if acc == nil {
		httpx.WriteError(w, h.log, protocol.E(protocol.KindUnauthorized, "authentication required"))
		return
	}
	id, ok := taskID(r)
	if !ok {
		httpx.WriteError(w, h.log, protocol.E(protocol.KindInvalidInput, "invalid task id"))
		return
	}
	var req completeRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, h.log, err)
		return
	}
	task, err := h.svc.Complete(r.Context(), acc.ID, id, req.ResultHash)
	if err != nil {
		httpx.WriteError(w, h.log, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, task)
}

// Expire handles POST /api/v1/tasks/{id}/expire. Any caller may sweep an
// overdue task.
func (h *Handler) Expire(w http.ResponseWriter, r *http.Request) {
	id, ok := taskID(r)
	if !ok {
		httpx.WriteError(w, h.log, protocol.E(protocol.KindInvalidInput, "invalid task id"))
		return
	}
	task, err := h.svc.Expire(r.Context(), id)
	if err != nil {
		httpx.WriteError(w, h.log, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, task)
}

// Cancel handles POST /api/v1/tasks/{id}/cancel.
func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	acc := middleware.AccountFromCtx(r.Context())
	if acc == nil {
		httpx.WriteError(w, h.log, protocol.E(protocol.KindUnauthorized, "authentication required"))
		return
	}
	id, ok := taskID(r)
	if !ok {
		httpx.WriteError(w, h.log, protocol.E(protocol.KindInvalidInput, "invalid task id"))
		return
	}
	task, err := h.svc.Cancel(r.Context(), acc.ID, id)
	if err != nil {
		httpx.WriteError(w, h.log, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, task)
}

func taskID(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

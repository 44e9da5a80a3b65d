// Package escrow owns the task lifecycle and reward custody. Exactly one
// payout shape occurs per task: completion pays the reward to the agent
// owner and retains the platform fee; cancellation and expiry refund
// reward plus fee to the creator. Never both, never neither.
package escrow

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/taskmesh/backend/internal/config"
	"github.com/taskmesh/backend/internal/ledger"
	"github.com/taskmesh/backend/internal/models"
	"github.com/taskmesh/backend/internal/protocol"
)

// Store is the minimal task repository interface the service needs.
type Store interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Insert(ctx context.Context, tx pgx.Tx, t *models.Task) error
	Get(ctx context.Context, id int64) (models.Task, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, id int64) (models.Task, error)
	MarkAssigned(ctx context.Context, tx pgx.Tx, id, agentID int64) (bool, error)
	MarkCompleted(ctx context.Context, tx pgx.Tx, id int64, resultHash string, at time.Time) (bool, error)
	MarkFailed(ctx context.Context, tx pgx.Tx, id int64, at time.Time) (bool, error)
	MarkCancelled(ctx context.Context, tx pgx.Tx, id int64, at time.Time) (bool, error)
	ListExpired(ctx context.Context, now time.Time, limit int) ([]int64, error)
}

// AgentDirectory resolves and locks agents during assignment and completion.
type AgentDirectory interface {
	GetForUpdate(ctx context.Context, tx pgx.Tx, id int64) (models.Agent, error)
	TouchActive(ctx context.Context, tx pgx.Tx, id int64) error
}

// Recorder appends protocol events inside the mutation's transaction.
type Recorder interface {
	Append(ctx context.Context, tx pgx.Tx, kind, entityType string, entityID int64, payload any) error
}

// Service implements the task escrow manager.
type Service struct {
	store  Store
	agents AgentDirectory
	ledger ledger.Service
	events Recorder
	params config.Params
}

func NewService(store Store, agents AgentDirectory, ledger ledger.Service, events Recorder, params config.Params) *Service {
	return &Service{store: store, agents: agents, ledger: ledger, events: events, params: params}
}

// FeeFor returns the platform fee snapshotted for a reward under the
// service's parameter set.
func (s *Service) FeeFor(reward int64) int64 {
	return reward * s.params.PlatformFeeBps / 10000
}

// Create escrows reward + fee from the caller and opens a pending task.
func (s *Service) Create(ctx context.Context, caller uuid.UUID, description string, requiredCaps []string, reward int64, deadline time.Time) (models.Task, error) {
	if strings.TrimSpace(description) == "" {
		return models.Task{}, protocol.E(protocol.KindInvalidInput, "task description must not be empty")
	}
	if reward <= 0 {
		return models.Task{}, protocol.E(protocol.KindInvalidInput, "reward must be positive, got %d", reward)
	}
	if !deadline.After(time.Now()) {
		return models.Task{}, protocol.E(protocol.KindInvalidInput, "deadline must be in the future")
	}

	task := models.Task{
		Creator:              caller,
		Description:          description,
		RequiredCapabilities: normalizeCapabilities(requiredCaps),
		Reward:               reward,
		PlatformFee:          s.FeeFor(reward),
		Deadline:             deadline,
		Status:               models.TaskStatusPending,
	}

	tx, err := s.store.Begin(ctx)
	if err != nil {
		return models.Task{}, err
	}
	defer tx.Rollback(ctx)

	if err := s.store.Insert(ctx, tx, &task); err != nil {
		return models.Task{}, err
	}
	if err := s.ledger.Transfer(ctx, tx, ledger.TxEscrowLock, caller, models.EscrowCustodyAccountID, task.Escrowed()); err != nil {
		return models.Task{}, err
	}
	if err := s.events.Append(ctx, tx, models.EventTaskCreated, models.EntityTask, task.ID, map[string]any{
		"task_id":               task.ID,
		"creator":               task.Creator,
		"reward":                task.Reward,
		"platform_fee":          task.PlatformFee,
		"deadline":              task.Deadline,
		"required_capabilities": task.RequiredCapabilities,
	}); err != nil {
		return models.Task{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return models.Task{}, err
	}
	return task, nil
}

// Assign moves a pending task to in_progress under the given agent. The
// caller must own the agent and the agent must be active. At most one
// assignment ever succeeds per task.
func (s *Service) Assign(ctx context.Context, caller uuid.UUID, taskID, agentID int64) (models.Task, error) {
	tx, err := s.store.Begin(ctx)
	if err != nil {
		return models.Task{}, err
	}
	defer tx.Rollback(ctx)

	task, err := s.store.GetForUpdate(ctx, tx, taskID)
	if err != nil {
		return models.Task{}, err
	}
	if task.IsZero() {
		return models.Task{}, protocol.E(protocol.KindNotFound, "task %d does not exist", taskID)
	}
	if task.Status != models.TaskStatusPending {
		return models.Task{}, protocol.E(protocol.KindNotAvailable, "task %d is %s", taskID, task.Status)
	}
	if !time.Now().Before(task.Deadline) {
		return models.Task{}, protocol.E(protocol.KindExpired, "task %d deadline has passed", taskID)
	}

	agent, err := s.agents.GetForUpdate(ctx, tx, agentID)
	if err != nil {
		return models.Task{}, err
	}
	if agent.IsZero() {
		return models.Task{}, protocol.E(protocol.KindNotFound, "agent %d does not exist", agentID)
	}
	if agent.Owner != caller {
		return models.Task{}, protocol.E(protocol.KindUnauthorized, "caller does not own agent %d", agentID)
	}
	if !agent.IsActive {
		return models.Task{}, protocol.E(protocol.KindInactiveAgent, "agent %d is deactivated", agentID)
	}
	if s.params.EnforceCapabilityMatch && !agent.HasCapabilities(task.RequiredCapabilities) {
		return models.Task{}, protocol.E(protocol.KindInvalidInput, "agent %d lacks required capabilities", agentID)
	}

	ok, err := s.store.MarkAssigned(ctx, tx, taskID, agentID)
	if err != nil {
		return models.Task{}, err
	}
	if !ok {
		return models.Task{}, protocol.E(protocol.KindNotAvailable, "task %d was assigned concurrently", taskID)
	}
	if err := s.agents.TouchActive(ctx, tx, agentID); err != nil {
		return models.Task{}, err
	}
	if err := s.events.Append(ctx, tx, models.EventTaskAssigned, models.EntityTask, taskID, map[string]any{
		"task_id":  taskID,
		"agent_id": agentID,
		"status":   models.TaskStatusInProgress,
	}); err != nil {
		return models.Task{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return models.Task{}, err
	}
	task.Status = models.TaskStatusInProgress
	task.AssignedAgentID = agentID
	return task, nil
}

// Complete releases the reward to the assigned agent's owner and retains
// the fee with the platform. Caller must own the assigned agent.
func (s *Service) Complete(ctx context.Context, caller uuid.UUID, taskID int64, resultHash string) (models.Task, error) {
	if strings.TrimSpace(resultHash) == "" {
		return models.Task{}, protocol.E(protocol.KindInvalidInput, "result hash must not be empty")
	}

	tx, err := s.store.Begin(ctx)
	if err != nil {
		return models.Task{}, err
	}
	defer tx.Rollback(ctx)

	task, err := s.store.GetForUpdate(ctx, tx, taskID)
	if err != nil {
		return models.Task{}, err
	}
	if task.IsZero() {
		return models.Task{}, protocol.E(protocol.KindNotFound, "task %d does not exist", taskID)
	}
	if task.Status != models.TaskStatusInProgress {
		return models.Task{}, protocol.E(protocol.KindWrongState, "task %d is %s", taskID, task.Status)
	}
	if !time.Now().Before(task.Deadline) {
		return models.Task{}, protocol.E(protocol.KindExpired, "task %d deadline has passed", taskID)
	}

	agent, err := s.agents.GetForUpdate(ctx, tx, task.AssignedAgentID)
	if err != nil {
		return models.Task{}, err
	}
	if agent.IsZero() || agent.Owner != caller {
		return models.Task{}, protocol.E(protocol.KindUnauthorized, "caller does not own the assigned agent")
	}

	now := time.Now()
	ok, err := s.store.MarkCompleted(ctx, tx, taskID, resultHash, now)
	if err != nil {
		return models.Task{}, err
	}
	if !ok {
		return models.Task{}, protocol.E(protocol.KindWrongState, "task %d left in_progress concurrently", taskID)
	}
	if err := s.ledger.Transfer(ctx, tx, ledger.TxRewardRelease, models.EscrowCustodyAccountID, agent.Owner, task.Reward); err != nil {
		return models.Task{}, err
	}
	if task.PlatformFee > 0 {
		if err := s.ledger.Transfer(ctx, tx, ledger.TxFeeRetained, models.EscrowCustodyAccountID, models.PlatformAccountID, task.PlatformFee); err != nil {
			return models.Task{}, err
		}
	}
	if err := s.agents.TouchActive(ctx, tx, task.AssignedAgentID); err != nil {
		return models.Task{}, err
	}
	if err := s.events.Append(ctx, tx, models.EventTaskCompleted, models.EntityTask, taskID, map[string]any{
		"task_id":      taskID,
		"agent_id":     task.AssignedAgentID,
		"result_hash":  resultHash,
		"reward_paid":  task.Reward,
		"fee_retained": task.PlatformFee,
	}); err != nil {
		return models.Task{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return models.Task{}, err
	}
	task.Status = models.TaskStatusCompleted
	task.ResultHash = resultHash
	task.CompletedAt = &now
	return task, nil
}

// Expire fails a live task whose deadline has passed and refunds reward +
// fee to the creator. Anyone may call it; only the first call has effect.
func (s *Service) Expire(ctx context.Context, taskID int64) (models.Task, error) {
	tx, err := s.store.Begin(ctx)
	if err != nil {
		return models.Task{}, err
	}
	defer tx.Rollback(ctx)

	task, err := s.store.GetForUpdate(ctx, tx, taskID)
	if err != nil {
		return models.Task{}, err
	}
	if task.IsZero() {
		return models.Task{}, protocol.E(protocol.KindNotFound, "task %d does not exist", taskID)
	}
	if task.Terminal() {
		return models.Task{}, protocol.E(protocol.KindWrongState, "task %d is already %s", taskID, task.Status)
	}
	if time.Now().Before(task.Deadline) {
		return models.Task{}, protocol.E(protocol.KindNotAvailable, "task %d has not reached its deadline", taskID)
	}

	return s.failAndRefund(ctx, tx, task, models.EventTaskFailed)
}

// Cancel refunds a still-pending task to its creator.
func (s *Service) Cancel(ctx context.Context, caller uuid.UUID, taskID int64) (models.Task, error) {
	tx, err := s.store.Begin(ctx)
	if err != nil {
		return models.Task{}, err
	}
	defer tx.Rollback(ctx)

	task, err := s.store.GetForUpdate(ctx, tx, taskID)
	if err != nil {
		return models.Task{}, err
	}
	if task.IsZero() {
		return models.Task{}, protocol.E(protocol.KindNotFound, "task %d does not exist", taskID)
	}
	if task.Creator != caller {
		return models.Task{}, protocol.E(protocol.KindUnauthorized, "caller did not create task %d", taskID)
	}
	if task.Status != models.TaskStatusPending {
		return models.Task{}, protocol.E(protocol.KindWrongState, "task %d is %s", taskID, task.Status)
	}

	now := time.Now()
	ok, err := s.store.MarkCancelled(ctx, tx, taskID, now)
	if err != nil {
		return models.Task{}, err
	}
	if !ok {
		return models.Task{}, protocol.E(protocol.KindWrongState, "task %d left pending concurrently", taskID)
	}
	if err := s.ledger.Transfer(ctx, tx, ledger.TxEscrowRefund, models.EscrowCustodyAccountID, task.Creator, task.Escrowed()); err != nil {
		return models.Task{}, err
	}
	if err := s.events.Append(ctx, tx, models.EventTaskCancelled, models.EntityTask, taskID, map[string]any{
		"task_id":  taskID,
		"refunded": task.Escrowed(),
	}); err != nil {
		return models.Task{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return models.Task{}, err
	}
	task.Status = models.TaskStatusCancelled
	task.CompletedAt = &now
	return task, nil
}

// failAndRefund finishes an expiry inside the caller's transaction: status
// flip first, then the full refund, one atomic unit.
func (s *Service) failAndRefund(ctx context.Context, tx pgx.Tx, task models.Task, eventKind string) (models.Task, error) {
	now := time.Now()
	ok, err := s.store.MarkFailed(ctx, tx, task.ID, now)
	if err != nil {
		return models.Task{}, err
	}
	if !ok {
		return models.Task{}, protocol.E(protocol.KindWrongState, "task %d reached a terminal state concurrently", task.ID)
	}
	// The creator bears no platform fee when work is never delivered.
	if err := s.ledger.Transfer(ctx, tx, ledger.TxEscrowRefund, models.EscrowCustodyAccountID, task.Creator, task.Escrowed()); err != nil {
		return models.Task{}, err
	}
	if err := s.events.Append(ctx, tx, eventKind, models.EntityTask, task.ID, map[string]any{
		"task_id":  task.ID,
		"refunded": task.Escrowed(),
		"status":   models.TaskStatusFailed,
	}); err != nil {
		return models.Task{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return models.Task{}, err
	}
	task.Status = models.TaskStatusFailed
	task.CompletedAt = &now
	return task, nil
}

// Get is a pure point read. Unknown ids yield the zero Task, not an error.
func (s *Service) Get(ctx context.Context, taskID int64) (models.Task, error) {
	return s.store.Get(ctx, taskID)
}

// ListExpired surfaces live tasks past their deadline for the sweeper.
func (s *Service) ListExpired(ctx context.Context, limit int) ([]int64, error) {
	return s.store.ListExpired(ctx, time.Now(), limit)
}

func normalizeCapabilities(capabilities []string) []string {
	out := make([]string, 0, len(capabilities))
	for _, c := range capabilities {
		c = strings.ToLower(strings.TrimSpace(c))
		if c != "" {
			out = append(out, c)
		}
	}
	return out
}

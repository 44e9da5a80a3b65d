// Package registry owns agent identity, custodied stake, capabilities, and
// reputation. It is simultaneously a directory and an escrow: an active
// agent's stake is held by the registry custody account and returned in full
// on deactivation.
package registry

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/taskmesh/backend/internal/config"
	"github.com/taskmesh/backend/internal/ledger"
	"github.com/taskmesh/backend/internal/models"
	"github.com/taskmesh/backend/internal/protocol"
)

// Store is the minimal repository interface the service needs.
type Store interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	ReserveName(ctx context.Context, tx pgx.Tx, name string) error
	Insert(ctx context.Context, tx pgx.Tx, a *models.Agent) error
	Get(ctx context.Context, id int64) (models.Agent, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, id int64) (models.Agent, error)
	ListByOwner(ctx context.Context, owner uuid.UUID) ([]models.Agent, error)
	AddStake(ctx context.Context, tx pgx.Tx, id int64, amount int64) error
	Deactivate(ctx context.Context, tx pgx.Tx, id int64) error
	SetReputation(ctx context.Context, tx pgx.Tx, id int64, score int) error
}

// Recorder appends protocol events inside the mutation's transaction.
type Recorder interface {
	Append(ctx context.Context, tx pgx.Tx, kind, entityType string, entityID int64, payload any) error
}

// Service implements the agent registry operations.
type Service struct {
	store  Store
	ledger ledger.Service
	events Recorder
	params config.Params
}

func NewService(store Store, ledger ledger.Service, events Recorder, params config.Params) *Service {
	return &Service{store: store, ledger: ledger, events: events, params: params}
}

// RegisterInput is everything a caller supplies at registration. Manifest is
// an optional capability manifest validated against the embedded schema.
type RegisterInput struct {
	Name          string
	Capabilities  []string
	AutonomyLevel int
	StakeAmount   int64
	Manifest      json.RawMessage
}

// Register creates an agent, debits the stake into registry custody, and
// emits agent.registered. The name reservation is permanent.
func (s *Service) Register(ctx context.Context, caller uuid.UUID, in RegisterInput) (models.Agent, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return models.Agent{}, protocol.E(protocol.KindInvalidInput, "agent name must not be empty")
	}
	if in.AutonomyLevel < 0 || in.AutonomyLevel > models.MaxAutonomyLevel {
		return models.Agent{}, protocol.E(protocol.KindInvalidInput, "autonomy level %d outside 0..%d", in.AutonomyLevel, models.MaxAutonomyLevel)
	}
	caps := normalizeCapabilities(in.Capabilities)
	if len(caps) == 0 {
		return models.Agent{}, protocol.E(protocol.KindInvalidInput, "capability set must not be empty")
	}
	if in.StakeAmount < s.params.MinimumStake {
		return models.Agent{}, protocol.E(protocol.KindInvalidInput, "stake %d below minimum %d", in.StakeAmount, s.params.MinimumStake)
	}
	if len(in.Manifest) > 0 {
		if err := ValidateManifest(in.Manifest); err != nil {
			return models.Agent{}, err
		}
	}

	agent := models.Agent{
		Owner:         caller,
		Name:          name,
		Capabilities:  caps,
		AutonomyLevel: in.AutonomyLevel,
		StakeAmount:   in.StakeAmount,
		Reputation:    models.InitialReputation,
		IsActive:      true,
	}

	tx, err := s.store.Begin(ctx)
	if err != nil {
		return models.Agent{}, err
	}
	defer tx.Rollback(ctx)

	if err := s.store.ReserveName(ctx, tx, name); err != nil {
		return models.Agent{}, err
	}
	if err := s.store.Insert(ctx, tx, &agent); err != nil {
		return models.Agent{}, err
	}
	if err := s.ledger.Transfer(ctx, tx, ledger.TxStakeDeposit, caller, models.RegistryCustodyAccountID, in.StakeAmount); err != nil {
		return models.Agent{}, err
	}
	if err := s.events.Append(ctx, tx, models.EventAgentRegistered, models.EntityAgent, agent.ID, map[string]any{
		"agent_id":       agent.ID,
		"owner":          agent.Owner,
		"name":           agent.Name,
		"capabilities":   agent.Capabilities,
		"autonomy_level": agent.AutonomyLevel,
		"stake_amount":   agent.StakeAmount,
	}); err != nil {
		return models.Agent{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return models.Agent{}, err
	}
	return agent, nil
}

// AddStake tops up an active agent's custodied stake. Owner-only.
func (s *Service) AddStake(ctx context.Context, caller uuid.UUID, agentID, amount int64) (models.Agent, error) {
	if amount <= 0 {
		return models.Agent{}, protocol.E(protocol.KindInvalidInput, "stake top-up must be positive, got %d", amount)
	}

	tx, err := s.store.Begin(ctx)
	if err != nil {
		return models.Agent{}, err
	}
	defer tx.Rollback(ctx)

	agent, err := s.store.GetForUpdate(ctx, tx, agentID)
	if err != nil {
		return models.Agent{}, err
	}
	if agent.IsZero() {
		return models.Agent{}, protocol.E(protocol.KindNotFound, "agent %d does not exist", agentID)
	}
	if agent.Owner != caller {
		return models.Agent{}, protocol.E(protocol.KindUnauthorized, "caller does not own agent %d", agentID)
	}
	if !agent.IsActive {
		return models.Agent{}, protocol.E(protocol.KindInactiveAgent, "agent %d is deactivated", agentID)
	}

	if err := s.ledger.Transfer(ctx, tx, ledger.TxStakeDeposit, caller, models.RegistryCustodyAccountID, amount); err != nil {
		return models.Agent{}, err
	}
	if err := s.store.AddStake(ctx, tx, agentID, amount); err != nil {
		return models.Agent{}, err
	}
	agent.StakeAmount += amount
	if err := s.events.Append(ctx, tx, models.EventAgentStakeAdded, models.EntityAgent, agentID, map[string]any{
		"agent_id":     agentID,
		"added":        amount,
		"stake_amount": agent.StakeAmount,
	}); err != nil {
		return models.Agent{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return models.Agent{}, err
	}
	return agent, nil
}

// Deactivate permanently retires an agent, returning the entire stake to the
// owner. There is no reactivation path and the name stays reserved.
func (s *Service) Deactivate(ctx context.Context, caller uuid.UUID, agentID int64) (models.Agent, error) {
	tx, err := s.store.Begin(ctx)
	if err != nil {
		return models.Agent{}, err
	}
	defer tx.Rollback(ctx)

	agent, err := s.store.GetForUpdate(ctx, tx, agentID)
	if err != nil {
		return models.Agent{}, err
	}
	if agent.IsZero() {
		return models.Agent{}, protocol.E(protocol.KindNotFound, "agent %d does not exist", agentID)
	}
	if agent.Owner != caller {
		return models.Agent{}, protocol.E(protocol.KindUnauthorized, "caller does not own agent %d", agentID)
	}
	if !agent.IsActive {
		return models.Agent{}, protocol.E(protocol.KindAlreadyInactive, "agent %d is already deactivated", agentID)
	}

	returned := agent.StakeAmount
	if err := s.store.Deactivate(ctx, tx, agentID); err != nil {
		return models.Agent{}, err
	}
	if returned > 0 {
		if err := s.ledger.Transfer(ctx, tx, ledger.TxStakeReturn, models.RegistryCustodyAccountID, caller, returned); err != nil {
			return models.Agent{}, err
		}
	}
	if err := s.events.Append(ctx, tx, models.EventAgentDeactivated, models.EntityAgent, agentID, map[string]any{
		"agent_id":       agentID,
		"stake_returned": returned,
	}); err != nil {
		return models.Agent{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return models.Agent{}, err
	}
	agent.IsActive = false
	agent.StakeAmount = 0
	return agent, nil
}

// AdjustReputation applies an admin-gated delta. Reputation has no in-core
// earn/burn path; external reviewers feed it through this operation.
func (s *Service) AdjustReputation(ctx context.Context, agentID int64, delta int) (models.Agent, error) {
	tx, err := s.store.Begin(ctx)
	if err != nil {
		return models.Agent{}, err
	}
	defer tx.Rollback(ctx)

	agent, err := s.store.GetForUpdate(ctx, tx, agentID)
	if err != nil {
		return models.Agent{}, err
	}
	if agent.IsZero() {
		return models.Agent{}, protocol.E(protocol.KindNotFound, "agent %d does not exist", agentID)
	}

	score := agent.Reputation + delta
	if score < 0 {
		score = 0
	}
	if err := s.store.SetReputation(ctx, tx, agentID, score); err != nil {
		return models.Agent{}, err
	}
	if err := s.events.Append(ctx, tx, models.EventAgentReputationSet, models.EntityAgent, agentID, map[string]any{
		"agent_id":         agentID,
		"delta":            delta,
		"reputation_score": score,
	}); err != nil {
		return models.Agent{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return models.Agent{}, err
	}
	agent.Reputation = score
	return agent, nil
}

// Get is a pure point read. Unknown ids yield the zero Agent, not an error.
func (s *Service) Get(ctx context.Context, agentID int64) (models.Agent, error) {
	return s.store.Get(ctx, agentID)
}

// ListByOwner returns every agent the account registered.
func (s *Service) ListByOwner(ctx context.Context, owner uuid.UUID) ([]models.Agent, error) {
	return s.store.ListByOwner(ctx, owner)
}

// normalizeCapabilities lowercases and dedupes capability tags so matching
// is case-insensitive.
func normalizeCapabilities(capabilities []string) []string {
	seen := make(map[string]bool, len(capabilities))
	out := make([]string, 0, len(capabilities))
	for _, c := range capabilities {
		c = strings.ToLower(strings.TrimSpace(c))
		if c == "" || seen[c] {
			continue
		}
		seen[c] = true
		out = append(out, c)
	}
	return out
}

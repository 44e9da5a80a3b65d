package models

import (
	"encoding/json"
	"time"
)

// Event kinds, one per state-changing protocol operation. External indexers
// rebuild their views solely from these plus point reads.
const (
	EventAgentRegistered     = "agent.registered"
	EventAgentStakeAdded     = "agent.stake_added"
	EventAgentDeactivated    = "agent.deactivated"
	EventAgentReputationSet  = "agent.reputation_adjusted"
	EventTaskCreated         = "task.created"
	EventTaskAssigned        = "task.assigned"
	EventTaskCompleted       = "task.completed"
	EventTaskFailed          = "task.failed"
	EventTaskCancelled       = "task.cancelled"
	EventMessageSent         = "message.sent"
	EventMessageProcessed    = "message.processed"
	EventValidatorAdded      = "relay.validator_added"
	EventValidatorRemoved    = "relay.validator_removed"
	EventDomainAdded         = "relay.domain_added"
	EventDomainRemoved       = "relay.domain_removed"
	EventRelayFeesUpdated    = "relay.fees_updated"
)

// Entity types referenced by events.
const (
	EntityAgent   = "agent"
	EntityTask    = "task"
	EntityMessage = "message"
	EntityRelay   = "relay"
)

// Event is one append-only log record. The payload includes the entity id
// and every field the operation changed.
type Event struct {
	ID         int64           `json:"id"`
	Kind       string          `json:"kind"`
	EntityType string          `json:"entity_type"`
	EntityID   int64           `json:"entity_id"`
	Payload    json.RawMessage `json:"payload"`
	CreatedAt  time.Time       `json:"created_at"`
}

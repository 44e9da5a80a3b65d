package models

import (
	"time"

	"github.com/google/uuid"
)

// InitialReputation is assigned to every agent at registration.
const InitialReputation = 100

// MaxAutonomyLevel bounds the informational autonomy weighting.
const MaxAutonomyLevel = 1000

// Agent is a registered, staked worker identity. IDs are sequential and
// never reused; names are reserved forever, even after deactivation.
type Agent struct {
	ID            int64     `json:"id"`
	Owner         uuid.UUID `json:"owner"`
	Name          string    `json:"name"`
	Capabilities  []string  `json:"capabilities"`
	AutonomyLevel int       `json:"autonomy_level"`
	StakeAmount   int64     `json:"stake_amount"`
	Reputation    int       `json:"reputation_score"`
	IsActive      bool      `json:"is_active"`
	CreatedAt     time.Time `json:"created_at"`
	LastActiveAt  time.Time `json:"last_active_at"`
}

// IsZero reports whether the agent is the not-found sentinel.
func (a Agent) IsZero() bool { return a.ID == 0 }

// HasCapabilities reports whether the agent's capability set covers every
// required capability.
func (a Agent) HasCapabilities(required []string) bool {
	have := make(map[string]bool, len(a.Capabilities))
	for _, c := range a.Capabilities {
		have[c] = true
	}
	for _, r := range required {
		if !have[r] {
			return false
		}
	}
	return true
}

package models

import (
	"time"

	"github.com/google/uuid"
)

// Message is an outbound cross-domain payload. The fee is computed from the
// payload size at send time and never changes afterwards, even if relay
// rates are updated later.
type Message struct {
	ID           int64      `json:"id"`
	Sender       uuid.UUID  `json:"sender"`
	TargetDomain string     `json:"target_domain"`
	Payload      []byte     `json:"payload"`
	Fee          int64      `json:"fee"`
	SentAt       time.Time  `json:"sent_at"`
	Processed    bool       `json:"processed"`
	ProcessedBy  *uuid.UUID `json:"processed_by,omitempty"`
	ProcessedAt  *time.Time `json:"processed_at,omitempty"`
}

// IsZero reports whether the message is the not-found sentinel.
func (m Message) IsZero() bool { return m.ID == 0 }

// Domain is an allow-listed target ledger the relay may forward to. Domains
// are toggled, never deleted, so message history stays resolvable.
type Domain struct {
	Name      string    `json:"name"`
	RPCURL    string    `json:"rpc_url"`
	Enabled   bool      `json:"enabled"`
	CreatedAt time.Time `json:"created_at"`
}

// RelayValidator is an allow-listed account permitted to attest message
// delivery and collect the validator share of the stored fee.
type RelayValidator struct {
	Account   uuid.UUID `json:"account"`
	Enabled   bool      `json:"enabled"`
	CreatedAt time.Time `json:"created_at"`
}

package models

import (
	"time"

	"github.com/google/uuid"
)

// Account roles.
const (
	RoleOwner = "owner"
	RoleAdmin = "admin"
)

// System custody accounts. Fixed UUIDs so the ledger can be seeded
// deterministically across environments.
var (
	RegistryCustodyAccountID = uuid.MustParse("00000000-0000-0000-0000-000000000001")
	EscrowCustodyAccountID   = uuid.MustParse("00000000-0000-0000-0000-000000000002")
	RelayCustodyAccountID    = uuid.MustParse("00000000-0000-0000-0000-000000000003")
	PlatformAccountID        = uuid.MustParse("00000000-0000-0000-0000-000000000004")
)

// Account is a ledger-holding identity. Agents, task creators, and relay
// senders are all accounts; agents additionally carry a registry entry.
type Account struct {
	ID          uuid.UUID `json:"id"`
	Email       string    `json:"email"`
	DisplayName string    `json:"display_name"`
	Role        string    `json:"role"`
	CreatedAt   time.Time `json:"created_at"`
}

// APIKey authenticates programmatic callers. Only the SHA-256 hash of the
// key material is stored.
type APIKey struct {
	ID        uuid.UUID  `json:"id"`
	AccountID uuid.UUID  `json:"account_id"`
	KeyHash   string     `json:"-"`
	Label     string     `json:"label"`
	CreatedAt time.Time  `json:"created_at"`
	RevokedAt *time.Time `json:"revoked_at,omitempty"`
}

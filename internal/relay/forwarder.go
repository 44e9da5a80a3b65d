package relay

import (
	"context"

	"github.com/taskmesh/backend/internal/models"
)

// Forwarder hands a stored message's payload to its target domain. The
// registry trusts the delivery layer: a forwarded message is settled even if
// the far side ultimately discards it, and senders are never refunded for
// downstream failures.
type Forwarder interface {
	Forward(ctx context.Context, domain models.Domain, msg models.Message) (receipt string, err error)
}

package execution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/riverqueue/river"

	"github.com/taskmesh/backend/internal/models"
	"github.com/taskmesh/backend/internal/protocol"
	"github.com/taskmesh/backend/internal/relay"
)

// DeliverMessageArgs carries one stored message to its target domain.
type DeliverMessageArgs struct {
	MessageID int64 `json:"message_id"`
}

func (DeliverMessageArgs) Kind() string { return "deliver_message" }

// RelayService is the slice of the relay service the delivery worker needs.
type RelayService interface {
	Get(ctx context.Context, id int64) (models.Message, error)
	GetDomain(ctx context.Context, name string) (models.Domain, error)
	Process(ctx context.Context, validator uuid.UUID, messageID int64) (models.Message, error)
}

// DeliverMessageWorker forwards the payload and then settles the message
// under the operator's validator account. Settlement is not retried once
// another validator has claimed it.
type DeliverMessageWorker struct {
	river.WorkerDefaults[DeliverMessageArgs]
	relay     RelayService
	forwarder relay.Forwarder
	validator uuid.UUID
	logger    *slog.Logger
}

func NewDeliverMessageWorker(r RelayService, f relay.Forwarder, validator uuid.UUID, logger *slog.Logger) *DeliverMessageWorker {
	return &DeliverMessageWorker{relay: r, forwarder: f, validator: validator, logger: logger}
}

func (w *DeliverMessageWorker) Work(ctx context.Context, job *river.Job[DeliverMessageArgs]) error {
	msg, err := w.relay.Get(ctx, job.Args.MessageID)
	if err != nil {
		return err
	}
	if msg.IsZero() {
		return fmt.Errorf("message %d not found", job.Args.MessageID)
	}
	if msg.Processed {
		return nil
	}

	domain, err := w.relay.GetDomain(ctx, msg.TargetDomain)
	if err != nil {
		return err
	}
	if domain.Name == "" {
		return fmt.Errorf("domain %q not found for message %d", msg.TargetDomain, msg.ID)
	}

	receipt, err := w.forwarder.Forward(ctx, domain, msg)
	if err != nil {
		// River retries with backoff; fee settlement waits for a delivery
		// that actually went out.
		return fmt.Errorf("forward message %d: %w", msg.ID, err)
	}
	w.logger.Info("message forwarded", "message_id", msg.ID, "domain", domain.Name, "receipt", receipt)

	if _, err := w.relay.Process(ctx, w.validator, msg.ID); err != nil {
		if errors.Is(err, protocol.ErrAlreadyProcessed) {
			return nil
		}
		return err
	}
	return nil
}

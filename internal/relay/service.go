package relay

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/taskmesh/backend/internal/config"
	"github.com/taskmesh/backend/internal/ledger"
	"github.com/taskmesh/backend/internal/models"
	"github.com/taskmesh/backend/internal/protocol"
)

// Store is the slice of Repository the relay service needs.
type Store interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Insert(ctx context.Context, tx pgx.Tx, m *models.Message) error
	Get(ctx context.Context, id int64) (models.Message, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, id int64) (models.Message, error)
	MarkProcessed(ctx context.Context, tx pgx.Tx, id int64, validator uuid.UUID, at time.Time) (bool, error)
	ListUnprocessed(ctx context.Context, limit int) ([]int64, error)
	UpsertDomain(ctx context.Context, tx pgx.Tx, name, rpcURL string) error
	DisableDomain(ctx context.Context, tx pgx.Tx, name string) (bool, error)
	GetDomain(ctx context.Context, name string) (models.Domain, error)
	DomainEnabled(ctx context.Context, tx pgx.Tx, name string) (bool, error)
	UpsertValidator(ctx context.Context, tx pgx.Tx, account uuid.UUID) error
	DisableValidator(ctx context.Context, tx pgx.Tx, account uuid.UUID) (bool, error)
	ValidatorEnabled(ctx context.Context, tx pgx.Tx, account uuid.UUID) (bool, error)
	Fees(ctx context.Context, tx pgx.Tx) (int64, int64, error)
	UpdateFees(ctx context.Context, tx pgx.Tx, baseFee, perByteFee int64) error
}

// Recorder appends protocol events inside the caller's transaction.
type Recorder interface {
	Append(ctx context.Context, tx pgx.Tx, kind, entityType string, entityID int64, payload any) error
}

// EnqueueDelivery schedules an asynchronous delivery attempt for a stored
// message, inside the same transaction that stored it.
type EnqueueDelivery func(ctx context.Context, tx pgx.Tx, messageID int64) error

// MaxPayloadBytes bounds relay payloads; larger blobs belong off-chain.
const MaxPayloadBytes = 64 * 1024

type Service struct {
	store           Store
	ledger          ledger.Service
	events          Recorder
	enqueueDelivery EnqueueDelivery
	params          config.Params
	logger          *slog.Logger
}

func NewService(store Store, l ledger.Service, events Recorder, enqueue EnqueueDelivery, params config.Params, logger *slog.Logger) *Service {
	return &Service{store: store, ledger: l, events: events, enqueueDelivery: enqueue, params: params, logger: logger}
}

// Send stores a message bound for another domain and collects the relay fee
// up front. The fee is computed from the pricing in force at send time and
// never changes afterwards, even if pricing does.
func (s *Service) Send(ctx context.Context, sender uuid.UUID, targetDomain string, payload []byte) (models.Message, error) {
	if targetDomain == "" {
		return models.Message{}, protocol.E(protocol.KindInvalidInput, "target domain is required")
	}
	if len(payload) == 0 {
		return models.Message{}, protocol.E(protocol.KindInvalidInput, "payload is empty")
	}
	if len(payload) > MaxPayloadBytes {
		return models.Message{}, protocol.E(protocol.KindInvalidInput, "payload exceeds %d bytes", MaxPayloadBytes)
	}

	tx, err := s.store.Begin(ctx)
	if err != nil {
		return models.Message{}, protocol.Wrap(protocol.KindInternal, err, "begin send")
	}
	defer tx.Rollback(ctx)

	enabled, err := s.store.DomainEnabled(ctx, tx, targetDomain)
	if err != nil {
		return models.Message{}, protocol.Wrap(protocol.KindInternal, err, "check domain")
	}
	if !enabled {
		return models.Message{}, protocol.E(protocol.KindUnsupportedDomain, "domain %q is not supported", targetDomain)
	}

	baseFee, perByteFee, err := s.store.Fees(ctx, tx)
	if err != nil {
		return models.Message{}, protocol.Wrap(protocol.KindInternal, err, "load fees")
	}

	msg := models.Message{
		Sender:       sender,
		TargetDomain: targetDomain,
		Payload:      payload,
		Fee:          baseFee + int64(len(payload))*perByteFee,
	}
	if err := s.store.Insert(ctx, tx, &msg); err != nil {
		return models.Message{}, protocol.Wrap(protocol.KindInternal, err, "insert message")
	}

	if err := s.ledger.Transfer(ctx, tx, ledger.TxRelayFee, sender, models.RelayCustodyAccountID, msg.Fee); err != nil {
		return models.Message{}, err
	}

	if err := s.events.Append(ctx, tx, models.EventMessageSent, models.EntityMessage, msg.ID, map[string]any{
		"sender":        sender,
		"target_domain": targetDomain,
		"fee":           msg.Fee,
		"payload_bytes": len(payload),
	}); err != nil {
		return models.Message{}, protocol.Wrap(protocol.KindInternal, err, "record event")
	}

	if s.enqueueDelivery != nil {
		if err := s.enqueueDelivery(ctx, tx, msg.ID); err != nil {
			return models.Message{}, protocol.Wrap(protocol.KindInternal, err, "enqueue delivery")
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return models.Message{}, protocol.Wrap(protocol.KindInternal, err, "commit send")
	}

	s.logger.Info("message accepted",
		"message_id", msg.ID, "target_domain", targetDomain, "fee", msg.Fee)
	return msg, nil
}

// Process marks a message delivered and settles its fee: the attesting
// validator earns half, the platform keeps the rest. A message settles at
// most once no matter how many validators race for it.
func (s *Service) Process(ctx context.Context, validator uuid.UUID, messageID int64) (models.Message, error) {
	tx, err := s.store.Begin(ctx)
	if err != nil {
		return models.Message{}, protocol.Wrap(protocol.KindInternal, err, "begin process")
	}
	defer tx.Rollback(ctx)

	allowed, err := s.store.ValidatorEnabled(ctx, tx, validator)
	if err != nil {
		return models.Message{}, protocol.Wrap(protocol.KindInternal, err, "check validator")
	}
	if !allowed {
		return models.Message{}, protocol.E(protocol.KindUnauthorized, "account is not a relay validator")
	}

	msg, err := s.store.GetForUpdate(ctx, tx, messageID)
	if err != nil {
		return models.Message{}, protocol.Wrap(protocol.KindInternal, err, "load message")
	}
	if msg.IsZero() {
		return models.Message{}, protocol.E(protocol.KindNotFound, "message %d not found", messageID)
	}
	if msg.Processed {
		return models.Message{}, protocol.E(protocol.KindAlreadyProcessed, "message %d already processed", messageID)
	}

	now := time.Now().UTC()
	ok, err := s.store.MarkProcessed(ctx, tx, messageID, validator, now)
	if err != nil {
		return models.Message{}, protocol.Wrap(protocol.KindInternal, err, "mark processed")
	}
	if !ok {
		return models.Message{}, protocol.E(protocol.KindAlreadyProcessed, "message %d already processed", messageID)
	}

	validatorShare := msg.Fee * s.params.ValidatorShareBps / 10000
	platformShare := msg.Fee - validatorShare
	if validatorShare > 0 {
		if err := s.ledger.Transfer(ctx, tx, ledger.TxValidatorReward, models.RelayCustodyAccountID, validator, validatorShare); err != nil {
			return models.Message{}, err
		}
	}
	if platformShare > 0 {
		if err := s.ledger.Transfer(ctx, tx, ledger.TxRelayFee, models.RelayCustodyAccountID, models.PlatformAccountID, platformShare); err != nil {
			return models.Message{}, err
		}
	}

	if err := s.events.Append(ctx, tx, models.EventMessageProcessed, models.EntityMessage, messageID, map[string]any{
		"validator":       validator,
		"validator_share": validatorShare,
		"platform_share":  platformShare,
	}); err != nil {
		return models.Message{}, protocol.Wrap(protocol.KindInternal, err, "record event")
	}

	if err := tx.Commit(ctx); err != nil {
		return models.Message{}, protocol.Wrap(protocol.KindInternal, err, "commit process")
	}

	msg.Processed = true
	msg.ProcessedBy = &validator
	msg.ProcessedAt = &now
	s.logger.Info("message processed",
		"message_id", messageID, "validator", validator, "validator_share", validatorShare)
	return msg, nil
}

// Get returns a message, or the zero Message when the id is unknown.
func (s *Service) Get(ctx context.Context, id int64) (models.Message, error) {
	return s.store.Get(ctx, id)
}

// GetDomain returns a domain configuration for delivery workers.
func (s *Service) GetDomain(ctx context.Context, name string) (models.Domain, error) {
	return s.store.GetDomain(ctx, name)
}

// ListUnprocessed returns pending message ids oldest first.
func (s *Service) ListUnprocessed(ctx context.Context, limit int) ([]int64, error) {
	return s.store.ListUnprocessed(ctx, limit)
}

// AddDomain allow-lists a target domain. Admin only, enforced at the
// boundary.
func (s *Service) AddDomain(ctx context.Context, name, rpcURL string) error {
	if name == "" || rpcURL == "" {
		return protocol.E(protocol.KindInvalidInput, "domain name and rpc url are required")
	}
	tx, err := s.store.Begin(ctx)
	if err != nil {
		return protocol.Wrap(protocol.KindInternal, err, "begin add domain")
	}
	defer tx.Rollback(ctx)

	if err := s.store.UpsertDomain(ctx, tx, name, rpcURL); err != nil {
		return protocol.Wrap(protocol.KindInternal, err, "upsert domain")
	}
	if err := s.events.Append(ctx, tx, models.EventDomainAdded, models.EntityRelay, 0, map[string]any{
		"domain": name,
	}); err != nil {
		return protocol.Wrap(protocol.KindInternal, err, "record event")
	}
	return tx.Commit(ctx)
}

// RemoveDomain disables a target domain for future sends.
func (s *Service) RemoveDomain(ctx context.Context, name string) error {
	tx, err := s.store.Begin(ctx)
	if err != nil {
		return protocol.Wrap(protocol.KindInternal, err, "begin remove domain")
	}
	defer tx.Rollback(ctx)

	ok, err := s.store.DisableDomain(ctx, tx, name)
	if err != nil {
		return protocol.Wrap(protocol.KindInternal, err, "disable domain")
	}
	if !ok {
		return protocol.E(protocol.KindNotFound, "domain %q is not enabled", name)
	}
	if err := s.events.Append(ctx, tx, models.EventDomainRemoved, models.EntityRelay, 0, map[string]any{
		"domain": name,
	}); err != nil {
		return protocol.Wrap(protocol.KindInternal, err, "record event")
	}
	return tx.Commit(ctx)
}

// AddValidator allow-lists an attestation account.
func (s *Service) AddValidator(ctx context.Context, account uuid.UUID) error {
	if account == uuid.Nil {
		return protocol.E(protocol.KindInvalidInput, "validator account is required")
	}
	tx, err := s.store.Begin(ctx)
	if err != nil {
		return protocol.Wrap(protocol.KindInternal, err, "begin add validator")
	}
	defer tx.Rollback(ctx)

	if err := s.store.UpsertValidator(ctx, tx, account); err != nil {
		return protocol.Wrap(protocol.KindInternal, err, "upsert validator")
	}
	if err := s.events.Append(ctx, tx, models.EventValidatorAdded, models.EntityRelay, 0, map[string]any{
		"account": account,
	}); err != nil {
		return protocol.Wrap(protocol.KindInternal, err, "record event")
	}
	return tx.Commit(ctx)
}

// RemoveValidator revokes an attestation account.
func (s *Service) RemoveValidator(ctx context.Context, account uuid.UUID) error {
	tx, err := s.store.Begin(ctx)
	if err != nil {
		return protocol.Wrap(protocol.KindInternal, err, "begin remove validator")
	}
	defer tx.Rollback(ctx)

	ok, err := s.store.DisableValidator(ctx, tx, account)
	if err != nil {
		return protocol.Wrap(protocol.KindInternal, err, "disable validator")
	}
	if !ok {
		return protocol.E(protocol.KindNotFound, "account is not an enabled validator")
	}
	if err := s.events.Append(ctx, tx, models.EventValidatorRemoved, models.EntityRelay, 0, map[string]any{
		"account": account,
	}); err != nil {
		return protocol.Wrap(protocol.KindInternal, err, "record event")
	}
	return tx.Commit(ctx)
}

// UpdateFees changes send pricing going forward. Fees on already stored
// messages are unaffected.
func (s *Service) UpdateFees(ctx context.Context, baseFee, perByteFee int64) error {
	if baseFee < 0 || perByteFee < 0 {
		return protocol.E(protocol.KindInvalidInput, "fees must be non-negative")
	}
	tx, err := s.store.Begin(ctx)
	if err != nil {
		return protocol.Wrap(protocol.KindInternal, err, "begin update fees")
	}
	defer tx.Rollback(ctx)

	if err := s.store.UpdateFees(ctx, tx, baseFee, perByteFee); err != nil {
		return protocol.Wrap(protocol.KindInternal, err, "update fees")
	}
	if err := s.events.Append(ctx, tx, models.EventRelayFeesUpdated, models.EntityRelay, 0, map[string]any{
		"base_fee":     baseFee,
		"per_byte_fee": perByteFee,
	}); err != nil {
		return protocol.Wrap(protocol.KindInternal, err, "record event")
	}
	return tx.Commit(ctx)
}

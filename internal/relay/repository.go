package relay

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/taskmesh/backend/internal/models"
)

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

func (r *Repository) Begin(ctx context.Context) (pgx.Tx, error) {
	return r.pool.Begin(ctx)
}

// --- messages ---

// Insert persists a new unprocessed message and fills in id and sent_at.
func (r *Repository) Insert(ctx context.Context, tx pgx.Tx, m *models.Message) error {
	return tx.QueryRow(ctx, `
		INSERT INTO messages (sender, target_domain, payload, fee)
		VALUES ($1, $2, $3, $4)
		RETURNING id, sent_at
	`, m.Sender, m.TargetDomain, m.Payload, m.Fee).Scan(&m.ID, &m.SentAt)
}

const messageColumns = `id, sender, target_domain, payload, fee, sent_at, processed, processed_by, processed_at`

func scanMessage(row pgx.Row) (models.Message, error) {
	var m models.Message
	err := row.Scan(&m.ID, &m.Sender, &m.TargetDomain, &m.Payload, &m.Fee,
		&m.SentAt, &m.Processed, &m.ProcessedBy, &m.ProcessedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Message{}, nil
	}
	if err != nil {
		return models.Message{}, err
	}
	return m, nil
}

// Get returns the message, or the zero Message when the id is unknown.
func (r *Repository) Get(ctx context.Context, id int64) (models.Message, error) {
	return scanMessage(r.pool.QueryRow(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = $1`, id))
}

// GetForUpdate locks the message row for the duration of tx.
func (r *Repository) GetForUpdate(ctx context.Context, tx pgx.Tx, id int64) (models.Message, error) {
	return scanMessage(tx.QueryRow(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = $1 FOR UPDATE`, id))
}

// MarkProcessed flips the processed flag exactly once.
func (r *Repository) MarkProcessed(ctx context.Context, tx pgx.Tx, id int64, validator uuid.UUID, at time.Time) (bool, error) {
	result, err := tx.Exec(ctx, `
		UPDATE messages SET processed = TRUE, processed_by = $1, processed_at = $2
		WHERE id = $3 AND processed = FALSE
	`, validator, at, id)
	if err != nil {
		return false, err
	}
	return result.RowsAffected() > 0, nil
}

// ListUnprocessed returns the oldest unprocessed message ids, for the
// delivery worker.
func (r *Repository) ListUnprocessed(ctx context.Context, limit int) ([]int64, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id FROM messages WHERE processed = FALSE ORDER BY id ASC LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// --- domains ---

// UpsertDomain adds a domain to the allow-list or re-enables it with a new
// endpoint. Domain rows are toggled, never deleted, so message history stays
// resolvable.
func (r *Repository) UpsertDomain(ctx context.Context, tx pgx.Tx, name, rpcURL string) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO relay_domains (name, rpc_url, enabled) VALUES ($1, $2, TRUE)
		ON CONFLICT (name) DO UPDATE SET rpc_url = EXCLUDED.rpc_url, enabled = TRUE
	`, name, rpcURL)
	return err
}

// DisableDomain removes a domain from the allow-list.
func (r *Repository) DisableDomain(ctx context.Context, tx pgx.Tx, name string) (bool, error) {
	result, err := tx.Exec(ctx, `
		UPDATE relay_domains SET enabled = FALSE WHERE name = $1 AND enabled = TRUE
	`, name)
	if err != nil {
		return false, err
	}
	return result.RowsAffected() > 0, nil
}

// GetDomain returns the domain, or the zero Domain when unknown.
func (r *Repository) GetDomain(ctx context.Context, name string) (models.Domain, error) {
	var d models.Domain
	err := r.pool.QueryRow(ctx, `
		SELECT name, rpc_url, enabled, created_at FROM relay_domains WHERE name = $1
	`, name).Scan(&d.Name, &d.RPCURL, &d.Enabled, &d.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Domain{}, nil
	}
	if err != nil {
		return models.Domain{}, err
	}
	return d, nil
}

// DomainEnabled checks the allow-list inside tx.
func (r *Repository) DomainEnabled(ctx context.Context, tx pgx.Tx, name string) (bool, error) {
	var enabled bool
	err := tx.QueryRow(ctx, `SELECT enabled FROM relay_domains WHERE name = $1`, name).Scan(&enabled)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return enabled, nil
}

// --- validators ---

// UpsertValidator allow-lists an account for delivery attestation.
func (r *Repository) UpsertValidator(ctx context.Context, tx pgx.Tx, account uuid.UUID) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO relay_validators (account, enabled) VALUES ($1, TRUE)
		ON CONFLICT (account) DO UPDATE SET enabled = TRUE
	`, account)
	return err
}

// DisableValidator revokes an account's attestation rights.
func (r *Repository) DisableValidator(ctx context.Context, tx pgx.Tx, account uuid.UUID) (bool, error) {
	result, err := tx.Exec(ctx, `
		UPDATE relay_validators SET enabled = FALSE WHERE account = $1 AND enabled = TRUE
	`, account)
	if err != nil {
		return false, err
	}
	return result.RowsAffected() > 0, nil
}

// ValidatorEnabled checks the allow-list inside tx.
func (r *Repository) ValidatorEnabled(ctx context.Context, tx pgx.Tx, account uuid.UUID) (bool, error) {
	var enabled bool
	err := tx.QueryRow(ctx, `SELECT enabled FROM relay_validators WHERE account = $1`, account).Scan(&enabled)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return enabled, nil
}

// --- fee parameters ---

// Fees returns the current send-time pricing inside tx.
func (r *Repository) Fees(ctx context.Context, tx pgx.Tx) (baseFee, perByteFee int64, err error) {
	err = tx.QueryRow(ctx, `SELECT base_fee, per_byte_fee FROM relay_params WHERE id = 1`).
		Scan(&baseFee, &perByteFee)
	return baseFee, perByteFee, err
}

// UpdateFees changes pricing for later sends only; stored message fees are
// immutable.
func (r *Repository) UpdateFees(ctx context.Context, tx pgx.Tx, baseFee, perByteFee int64) error {
	_, err := tx.Exec(ctx, `UPDATE relay_params SET base_fee = $1, per_byte_fee = $2 WHERE id = 1`, baseFee, perByteFee)
	return err
}

// SeedFees inserts the initial pricing row if missing.
func (r *Repository) SeedFees(ctx context.Context, baseFee, perByteFee int64) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO relay_params (id, base_fee, per_byte_fee) VALUES (1, $1, $2)
		ON CONFLICT (id) DO NOTHING
	`, baseFee, perByteFee)
	return err
}

package registry

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/taskmesh/backend/internal/models"
	"github.com/taskmesh/backend/internal/protocol"
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

// ReserveName claims a name forever. The agent_names table is insert-only;
// deactivation never frees a reservation.
func (r *Repository) ReserveName(ctx context.Context, tx pgx.Tx, name string) error {
	_, err := tx.Exec(ctx, `INSERT INTO agent_names (name) VALUES ($1)`, name)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return protocol.E(protocol.KindInvalidInput, "agent name %q is already taken", name)
		}
		return err
	}
	return nil
}

// Insert persists a new agent and fills in its sequential id and timestamps.
func (r *Repository) Insert(ctx context.Context, tx pgx.Tx, a *models.Agent) error {
	return tx.QueryRow(ctx, `
		INSERT INTO agents (owner, name, capabilities, autonomy_level, stake_amount, reputation_score, is_active)
		VALUES ($1, $2, $3, $4, $5, $6, TRUE)
		RETURNING id, created_at, last_active_at
	`, a.Owner, a.Name, a.Capabilities, a.AutonomyLevel, a.StakeAmount, a.Reputation).
		Scan(&a.ID, &a.CreatedAt, &a.LastActiveAt)
}

const agentColumns = `id, owner, name, capabilities, autonomy_level, stake_amount, reputation_score, is_active, created_at, last_active_at`

func scanAgent(row pgx.Row) (models.Agent, error) {
	var a models.Agent
	err := row.Scan(&a.ID, &a.Owner, &a.Name, &a.Capabilities, &a.AutonomyLevel,
		&a.StakeAmount, &a.Reputation, &a.IsActive, &a.CreatedAt, &a.LastActiveAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Agent{}, nil
	}
	if err != nil {
		return models.Agent{}, err
	}
	return a, nil
}

// Get returns the agent, or the zero Agent when the id is unknown.
func (r *Repository) Get(ctx context.Context, id int64) (models.Agent, error) {
	return scanAgent(r.pool.QueryRow(ctx, `SELECT `+agentColumns+` FROM agents WHERE id = $1`, id))
}

// GetForUpdate locks the agent row for the duration of tx.
func (r *Repository) GetForUpdate(ctx context.Context, tx pgx.Tx, id int64) (models.Agent, error) {
	return scanAgent(tx.QueryRow(ctx, `SELECT `+agentColumns+` FROM agents WHERE id = $1 FOR UPDATE`, id))
}

// ListByOwner returns every agent registered by the account, newest first.
func (r *Repository) ListByOwner(ctx context.Context, owner uuid.UUID) ([]models.Agent, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+agentColumns+` FROM agents WHERE owner = $1 ORDER BY id DESC
	`, owner)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []models.Agent
	for rows.Next() {
		var a models.Agent
		if err := rows.Scan(&a.ID, &a.Owner, &a.Name, &a.Capabilities, &a.AutonomyLevel,
			&a.StakeAmount, &a.Reputation, &a.IsActive, &a.CreatedAt, &a.LastActiveAt); err != nil {
			return nil, err
		}
		list = append(list, a)
	}
	return list, rows.Err()
}

// AddStake increments the custodied stake and refreshes last_active_at.
func (r *Repository) AddStake(ctx context.Context, tx pgx.Tx, id int64, amount int64) error {
	_, err := tx.Exec(ctx, `
		UPDATE agents SET stake_amount = stake_amount + $1, last_active_at = now() WHERE id = $2
	`, amount, id)
	return err
}

// Deactivate flips the agent inactive and zeroes its stake.
func (r *Repository) Deactivate(ctx context.Context, tx pgx.Tx, id int64) error {
	_, err := tx.Exec(ctx, `
		UPDATE agents SET is_active = FALSE, stake_amount = 0, last_active_at = now() WHERE id = $1
	`, id)
	return err
}

// SetReputation stores the adjusted score.
func (r *Repository) SetReputation(ctx context.Context, tx pgx.Tx, id int64, score int) error {
	_, err := tx.Exec(ctx, `UPDATE agents SET reputation_score = $1 WHERE id = $2`, score, id)
	return err
}

// TouchActive refreshes last_active_at, used when an agent takes or
// completes work.
func (r *Repository) TouchActive(ctx context.Context, tx pgx.Tx, id int64) error {
	_, err := tx.Exec(ctx, `UPDATE agents SET last_active_at = now() WHERE id = $1`, id)
	return err
}

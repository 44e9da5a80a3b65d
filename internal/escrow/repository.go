package escrow

import (
	"context"
	"errors"
	"time"

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

// Insert persists a new pending task and fills in its id and created_at.
func (r *Repository) Insert(ctx context.Context, tx pgx.Tx, t *models.Task) error {
	return tx.QueryRow(ctx, `
		INSERT INTO tasks (creator, description, required_capabilities, reward, platform_fee, deadline, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at
	`, t.Creator, t.Description, t.RequiredCapabilities, t.Reward, t.PlatformFee, t.Deadline, t.Status).
		Scan(&t.ID, &t.CreatedAt)
}

const taskColumns = `id, creator, description, required_capabilities, reward, platform_fee, deadline, assigned_agent_id, status, result_hash, created_at, completed_at`

func scanTask(row pgx.Row) (models.Task, error) {
	var t models.Task
	err := row.Scan(&t.ID, &t.Creator, &t.Description, &t.RequiredCapabilities, &t.Reward,
		&t.PlatformFee, &t.Deadline, &t.AssignedAgentID, &t.Status, &t.ResultHash,
		&t.CreatedAt, &t.CompletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Task{}, nil
	}
	if err != nil {
		return models.Task{}, err
	}
	return t, nil
}

// Get returns the task, or the zero Task when the id is unknown.
func (r *Repository) Get(ctx context.Context, id int64) (models.Task, error) {
	return scanTask(r.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id))
}

// GetForUpdate locks the task row for the duration of tx, serializing every
// mutation of the same task.
func (r *Repository) GetForUpdate(ctx context.Context, tx pgx.Tx, id int64) (models.Task, error) {
	return scanTask(tx.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1 FOR UPDATE`, id))
}

// MarkAssigned flips pending -> in_progress. The status condition makes
// racing assignments lose even without the row lock.
func (r *Repository) MarkAssigned(ctx context.Context, tx pgx.Tx, id, agentID int64) (bool, error) {
	result, err := tx.Exec(ctx, `
		UPDATE tasks SET status = $1, assigned_agent_id = $2
		WHERE id = $3 AND status = $4
	`, models.TaskStatusInProgress, agentID, id, models.TaskStatusPending)
	if err != nil {
		return false, err
	}
	return result.RowsAffected() > 0, nil
}

// MarkCompleted flips in_progress -> completed and stores the result hash.
func (r *Repository) MarkCompleted(ctx context.Context, tx pgx.Tx, id int64, resultHash string, at time.Time) (bool, error) {
	result, err := tx.Exec(ctx, `
		UPDATE tasks SET status = $1, result_hash = $2, completed_at = $3
		WHERE id = $4 AND status = $5
	`, models.TaskStatusCompleted, resultHash, at, id, models.TaskStatusInProgress)
	if err != nil {
		return false, err
	}
	return result.RowsAffected() > 0, nil
}

// MarkFailed flips a live task to failed. Valid from pending (unassigned
// expiry) and in_progress.
func (r *Repository) MarkFailed(ctx context.Context, tx pgx.Tx, id int64, at time.Time) (bool, error) {
	result, err := tx.Exec(ctx, `
		UPDATE tasks SET status = $1, completed_at = $2
		WHERE id = $3 AND status IN ($4, $5)
	`, models.TaskStatusFailed, at, id, models.TaskStatusPending, models.TaskStatusInProgress)
	if err != nil {
		return false, err
	}
	return result.RowsAffected() > 0, nil
}

// MarkCancelled flips pending -> cancelled.
func (r *Repository) MarkCancelled(ctx context.Context, tx pgx.Tx, id int64, at time.Time) (bool, error) {
	result, err := tx.Exec(ctx, `
		UPDATE tasks SET status = $1, completed_at = $2
		WHERE id = $3 AND status = $4
	`, models.TaskStatusCancelled, at, id, models.TaskStatusPending)
	if err != nil {
		return false, err
	}
	return result.RowsAffected() > 0, nil
}

// ListExpired returns ids of live tasks whose deadline has passed, oldest
// first. Consumed by the expiry sweeper.
func (r *Repository) ListExpired(ctx context.Context, now time.Time, limit int) ([]int64, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id FROM tasks
		WHERE status IN ($1, $2) AND deadline <= $3
		ORDER BY deadline ASC LIMIT $4
	`, models.TaskStatusPending, models.TaskStatusInProgress, now, limit)
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

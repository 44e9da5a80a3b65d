package auth

import (
	"context"
	"errors"

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

// Create inserts a new account and returns it with generated fields filled.
func (r *Repository) Create(ctx context.Context, email, passwordHash, displayName, role string) (models.Account, error) {
	acc := models.Account{Email: email, DisplayName: displayName, Role: role}
	err := r.pool.QueryRow(ctx, `
		INSERT INTO auth_accounts (email, password_hash, display_name, role)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at
	`, email, passwordHash, displayName, role).Scan(&acc.ID, &acc.CreatedAt)
	if err != nil {
		return models.Account{}, err
	}
	return acc, nil
}

// GetByEmail returns the account and its password hash for login. Returns
// the zero Account when the email is unknown.
func (r *Repository) GetByEmail(ctx context.Context, email string) (models.Account, string, error) {
	var acc models.Account
	var passwordHash string
	err := r.pool.QueryRow(ctx, `
		SELECT id, email, display_name, role, created_at, password_hash
		FROM auth_accounts WHERE email = $1
	`, email).Scan(&acc.ID, &acc.Email, &acc.DisplayName, &acc.Role, &acc.CreatedAt, &passwordHash)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Account{}, "", nil
	}
	if err != nil {
		return models.Account{}, "", err
	}
	return acc, passwordHash, nil
}

// Get returns the account by id, or the zero Account when unknown.
func (r *Repository) Get(ctx context.Context, id uuid.UUID) (models.Account, error) {
	var acc models.Account
	err := r.pool.QueryRow(ctx, `
		SELECT id, email, display_name, role, created_at
		FROM auth_accounts WHERE id = $1
	`, id).Scan(&acc.ID, &acc.Email, &acc.DisplayName, &acc.Role, &acc.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Account{}, nil
	}
	if err != nil {
		return models.Account{}, err
	}
	return acc, nil
}

// CreateAPIKey stores the hash of freshly issued key material.
func (r *Repository) CreateAPIKey(ctx context.Context, accountID uuid.UUID, keyHash, label string) (models.APIKey, error) {
	key := models.APIKey{AccountID: accountID, KeyHash: keyHash, Label: label}
	err := r.pool.QueryRow(ctx, `
		INSERT INTO api_keys (account_id, key_hash, label)
		VALUES ($1, $2, $3)
		RETURNING id, created_at
	`, accountID, keyHash, label).Scan(&key.ID, &key.CreatedAt)
	if err != nil {
		return models.APIKey{}, err
	}
	return key, nil
}

// FindByKeyHash resolves an unrevoked API key hash to its account.
func (r *Repository) FindByKeyHash(ctx context.Context, keyHash string) (models.Account, error) {
	var acc models.Account
	err := r.pool.QueryRow(ctx, `
		SELECT a.id, a.email, a.display_name, a.role, a.created_at
		FROM api_keys k
		JOIN auth_accounts a ON a.id = k.account_id
		WHERE k.key_hash = $1 AND k.revoked_at IS NULL
	`, keyHash).Scan(&acc.ID, &acc.Email, &acc.DisplayName, &acc.Role, &acc.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Account{}, nil
	}
	if err != nil {
		return models.Account{}, err
	}
	return acc, nil
}

// RevokeAPIKey marks a key unusable. Returns false if the key was not an
// active key of the account.
func (r *Repository) RevokeAPIKey(ctx context.Context, accountID, keyID uuid.UUID) (bool, error) {
	result, err := r.pool.Exec(ctx, `
		UPDATE api_keys SET revoked_at = now()
		WHERE id = $1 AND account_id = $2 AND revoked_at IS NULL
	`, keyID, accountID)
	if err != nil {
		return false, err
	}
	return result.RowsAffected() > 0, nil
}

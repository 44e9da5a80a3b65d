package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/taskmesh/backend/internal/metrics"
	"github.com/taskmesh/backend/internal/models"
	"github.com/taskmesh/backend/internal/protocol"
)

// Transfer journal tx_type values.
const (
	TxStakeDeposit    = "STAKE_DEPOSIT"
	TxStakeReturn     = "STAKE_RETURN"
	TxEscrowLock      = "ESCROW_LOCK"
	TxRewardRelease   = "REWARD_RELEASE"
	TxFeeRetained     = "FEE_RETAINED"
	TxEscrowRefund    = "ESCROW_REFUND"
	TxRelayFee        = "RELAY_FEE"
	TxValidatorReward = "VALIDATOR_REWARD"
	TxDeposit         = "DEPOSIT"
)

// Repository is the Postgres implementation of the fungible balance ledger
// the protocol consumes. Every movement is a conditional debit plus a
// journal row in the caller's transaction, so a transfer either lands whole
// or not at all.
type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Transfer moves amount from one account to another within tx. Returns
// InsufficientBalance when the debit side cannot cover the amount.
func (r *Repository) Transfer(ctx context.Context, tx pgx.Tx, txType string, from, to uuid.UUID, amount int64) error {
	if amount <= 0 {
		return protocol.E(protocol.KindInvalidInput, "transfer amount must be positive, got %d", amount)
	}
	result, err := tx.Exec(ctx, `
		UPDATE accounts SET balance = balance - $1 WHERE id = $2 AND balance >= $1
	`, amount, from)
	if err != nil {
		return fmt.Errorf("debit account %s: %w", from, err)
	}
	if result.RowsAffected() == 0 {
		return protocol.E(protocol.KindInsufficientBalance, "account %s cannot cover %d", from, amount)
	}
	// Credit side may be an account that has never held funds before.
	if _, err := tx.Exec(ctx, `
		INSERT INTO accounts (id, balance) VALUES ($2, $1)
		ON CONFLICT (id) DO UPDATE SET balance = accounts.balance + EXCLUDED.balance
	`, amount, to); err != nil {
		return fmt.Errorf("credit account %s: %w", to, err)
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO transfers (tx_type, debit_account_id, credit_account_id, amount)
		VALUES ($1, $2, $3, $4)
	`, txType, from, to, amount); err != nil {
		return err
	}
	metrics.LedgerTransfers.WithLabelValues(txType).Inc()
	return nil
}

// BalanceOf returns the current balance, or 0 for unknown accounts.
func (r *Repository) BalanceOf(ctx context.Context, account uuid.UUID) (int64, error) {
	var balance int64
	err := r.pool.QueryRow(ctx, `SELECT balance FROM accounts WHERE id = $1`, account).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return balance, nil
}

// Deposit credits an account outside any protocol flow (faucet / top-up).
func (r *Repository) Deposit(ctx context.Context, account uuid.UUID, amount int64) error {
	if amount <= 0 {
		return protocol.E(protocol.KindInvalidInput, "deposit amount must be positive, got %d", amount)
	}
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)
	if _, err := tx.Exec(ctx, `
		INSERT INTO accounts (id, balance) VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE SET balance = accounts.balance + EXCLUDED.balance
	`, account, amount); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO transfers (tx_type, debit_account_id, credit_account_id, amount)
		VALUES ($1, $2, $3, $4)
	`, TxDeposit, models.PlatformAccountID, account, amount); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// EnsureSystemAccounts seeds the fixed custody accounts. Idempotent.
func (r *Repository) EnsureSystemAccounts(ctx context.Context) error {
	system := []uuid.UUID{
		models.RegistryCustodyAccountID,
		models.EscrowCustodyAccountID,
		models.RelayCustodyAccountID,
		models.PlatformAccountID,
	}
	for _, id := range system {
		if _, err := r.pool.Exec(ctx, `
			INSERT INTO accounts (id, balance, is_system) VALUES ($1, 0, TRUE)
			ON CONFLICT (id) DO NOTHING
		`, id); err != nil {
			return fmt.Errorf("seed system account %s: %w", id, err)
		}
	}
	return nil
}

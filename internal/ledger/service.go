// Package ledger consumes the minimal fungible-balance ledger the protocol
// depends on. The core never reimplements token accounting; it calls this
// boundary and assumes transfers are atomic and fail loudly.
package ledger

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// Service is the ledger boundary consumed by the registry, escrow, and
// relay. Transfers thread the caller's transaction so a debit always commits
// or aborts together with the state transition that pays for it.
type Service interface {
	Transfer(ctx context.Context, tx pgx.Tx, txType string, from, to uuid.UUID, amount int64) error
	BalanceOf(ctx context.Context, account uuid.UUID) (int64, error)
	Deposit(ctx context.Context, account uuid.UUID, amount int64) error
}

type service struct {
	repo *Repository
}

func NewService(repo *Repository) Service {
	return &service{repo: repo}
}

var _ Service = (*service)(nil)

func (s *service) Transfer(ctx context.Context, tx pgx.Tx, txType string, from, to uuid.UUID, amount int64) error {
	return s.repo.Transfer(ctx, tx, txType, from, to, amount)
}

func (s *service) BalanceOf(ctx context.Context, account uuid.UUID) (int64, error) {
	return s.repo.BalanceOf(ctx, account)
}

func (s *service) Deposit(ctx context.Context, account uuid.UUID, amount int64) error {
	return s.repo.Deposit(ctx, account, amount)
}

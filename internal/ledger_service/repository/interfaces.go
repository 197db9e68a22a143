package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/muselab/genledger/internal/ledger_service/domain"
)

// Querier is the common surface of pgxpool.Pool and pgx.Tx, so repository
// methods can run inside or outside a transaction.
type Querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// BalanceRepository persists per-user account balances.
type BalanceRepository interface {
	// GetForUpdate locks the balance row for the duration of the enclosing
	// transaction, serializing balance mutation per user.
	GetForUpdate(ctx context.Context, q Querier, userID uuid.UUID) (*domain.AccountBalance, error)
	Get(ctx context.Context, q Querier, userID uuid.UUID) (*domain.AccountBalance, error)
	// Create inserts a zero-balance row if none exists. Returns true if a row
	// was inserted, false if the account already existed.
	Create(ctx context.Context, q Querier, userID uuid.UUID) (bool, error)
	// SetBalance writes the new balance and bumps the optimistic version.
	SetBalance(ctx context.Context, q Querier, userID uuid.UUID, newBalance int64) error
}

// TransactionRepository persists the append-only ledger audit trail.
type TransactionRepository interface {
	Create(ctx context.Context, q Querier, txn *domain.Transaction) (*domain.Transaction, error)
	GetByID(ctx context.Context, q Querier, id uuid.UUID) (*domain.Transaction, error)
	GetByUserID(ctx context.Context, q Querier, userID uuid.UUID, limit, offset int) ([]domain.Transaction, int, error)
	// GetRefundForJob returns the refund transaction recorded for the given
	// job, or domain.ErrTransactionNotFound if the job was never refunded.
	GetRefundForJob(ctx context.Context, q Querier, jobID uuid.UUID) (*domain.Transaction, error)
}

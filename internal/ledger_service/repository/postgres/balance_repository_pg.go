package postgres

import (
	"context"
	"errors"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/muselab/genledger/internal/ledger_service/domain"
	"github.com/muselab/genledger/internal/ledger_service/repository"
)

type pgBalanceRepository struct {
	logger *slog.Logger
}

// NewPgBalanceRepository creates a BalanceRepository backed by PostgreSQL.
func NewPgBalanceRepository(logger *slog.Logger) repository.BalanceRepository {
	return &pgBalanceRepository{logger: logger.With("component", "balance_repository_pg")}
}

const balanceColumns = `user_id, balance, version, created_at, updated_at`

func (r *pgBalanceRepository) GetForUpdate(ctx context.Context, q repository.Querier, userID uuid.UUID) (*domain.AccountBalance, error) {
	query := `SELECT ` + balanceColumns + ` FROM account_balances WHERE user_id = $1 FOR UPDATE`
	return r.scanOne(ctx, q, query, userID)
}

func (r *pgBalanceRepository) Get(ctx context.Context, q repository.Querier, userID uuid.UUID) (*domain.AccountBalance, error) {
	query := `SELECT ` + balanceColumns + ` FROM account_balances WHERE user_id = $1`
	return r.scanOne(ctx, q, query, userID)
}

func (r *pgBalanceRepository) scanOne(ctx context.Context, q repository.Querier, query string, userID uuid.UUID) (*domain.AccountBalance, error) {
	b := &domain.AccountBalance{}
	err := q.QueryRow(ctx, query, userID).Scan(&b.UserID, &b.Balance, &b.Version, &b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrAccountNotFound
		}
		return nil, err
	}
	return b, nil
}

func (r *pgBalanceRepository) Create(ctx context.Context, q repository.Querier, userID uuid.UUID) (bool, error) {
	query := `
		INSERT INTO account_balances (user_id, balance, version, created_at, updated_at)
		VALUES ($1, 0, 0, now(), now())
		ON CONFLICT (user_id) DO NOTHING
	`
	tag, err := q.Exec(ctx, query, userID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *pgBalanceRepository) SetBalance(ctx context.Context, q repository.Querier, userID uuid.UUID, newBalance int64) error {
	query := `
		UPDATE account_balances
		SET balance = $2, version = version + 1, updated_at = now()
		WHERE user_id = $1
	`
	tag, err := q.Exec(ctx, query, userID, newBalance)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrAccountNotFound
	}
	return nil
}

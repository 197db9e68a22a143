package postgres

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/muselab/genledger/internal/ledger_service/domain"
	"github.com/muselab/genledger/internal/ledger_service/repository"
)

type pgTransactionRepository struct {
	logger *slog.Logger
}

// NewPgTransactionRepository creates a TransactionRepository backed by PostgreSQL.
func NewPgTransactionRepository(logger *slog.Logger) repository.TransactionRepository {
	return &pgTransactionRepository{logger: logger.With("component", "transaction_repository_pg")}
}

const transactionColumns = `id, user_id, amount, balance_before, balance_after, kind, related_job_id, description, created_at`

func (r *pgTransactionRepository) Create(ctx context.Context, q repository.Querier, txn *domain.Transaction) (*domain.Transaction, error) {
	if txn.ID == uuid.Nil {
		txn.ID = uuid.New()
	}
	txn.CreatedAt = time.Now().UTC()

	query := `
		INSERT INTO ledger_transactions (id, user_id, amount, balance_before, balance_after,
		                                 kind, related_job_id, description, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err := q.Exec(ctx, query,
		txn.ID, txn.UserID, txn.Amount, txn.BalanceBefore, txn.BalanceAfter,
		txn.Kind, txn.RelatedJobID, txn.Description, txn.CreatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		// 23505 on the partial refund index means another path already
		// refunded this job.
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, domain.ErrDuplicateRefund
		}
		return nil, err
	}
	return txn, nil
}

func (r *pgTransactionRepository) GetByID(ctx context.Context, q repository.Querier, id uuid.UUID) (*domain.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM ledger_transactions WHERE id = $1`
	return r.scanOne(q.QueryRow(ctx, query, id))
}

func (r *pgTransactionRepository) GetRefundForJob(ctx context.Context, q repository.Querier, jobID uuid.UUID) (*domain.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM ledger_transactions WHERE related_job_id = $1 AND kind = $2`
	return r.scanOne(q.QueryRow(ctx, query, jobID, domain.TransactionKindRefund))
}

func (r *pgTransactionRepository) scanOne(row pgx.Row) (*domain.Transaction, error) {
	txn := &domain.Transaction{}
	err := row.Scan(
		&txn.ID, &txn.UserID, &txn.Amount, &txn.BalanceBefore, &txn.BalanceAfter,
		&txn.Kind, &txn.RelatedJobID, &txn.Description, &txn.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrTransactionNotFound
		}
		return nil, err
	}
	return txn, nil
}

func (r *pgTransactionRepository) GetByUserID(ctx context.Context, q repository.Querier, userID uuid.UUID, limit, offset int) ([]domain.Transaction, int, error) {
	var total int
	if err := q.QueryRow(ctx, `SELECT COUNT(*) FROM ledger_transactions WHERE user_id = $1`, userID).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `
		SELECT ` + transactionColumns + `
		FROM ledger_transactions
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`
	rows, err := q.Query(ctx, query, userID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var transactions []domain.Transaction
	for rows.Next() {
		var txn domain.Transaction
		err := rows.Scan(
			&txn.ID, &txn.UserID, &txn.Amount, &txn.BalanceBefore, &txn.BalanceAfter,
			&txn.Kind, &txn.RelatedJobID, &txn.Description, &txn.CreatedAt,
		)
		if err != nil {
			return nil, 0, err
		}
		transactions = append(transactions, txn)
	}
	if err = rows.Err(); err != nil {
		return nil, 0, err
	}

	return transactions, total, nil
}

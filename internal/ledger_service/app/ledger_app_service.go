package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/muselab/genledger/internal/ledger_service/domain"
	"github.com/muselab/genledger/internal/ledger_service/repository"
)

// DB is the database surface the ledger service needs: plain queries plus the
// ability to open a transaction. Satisfied by *pgxpool.Pool.
type DB interface {
	repository.Querier
	Begin(ctx context.Context) (pgx.Tx, error)
}

// ReserveResult is the outcome of CheckAndReserve. Insufficient funds is a
// normal outcome (Granted=false with the Deficit populated), not an error.
type ReserveResult struct {
	Granted       bool
	BalanceAfter  int64
	Deficit       int64
	TransactionID uuid.UUID
}

// LedgerService owns all balance mutation. Every mutating operation locks the
// user's balance row and commits the balance update together with its audit
// transaction in a single database transaction.
type LedgerService struct {
	db          DB
	balanceRepo repository.BalanceRepository
	txnRepo     repository.TransactionRepository
	logger      *slog.Logger
}

func NewLedgerService(
	db DB,
	balanceRepo repository.BalanceRepository,
	txnRepo repository.TransactionRepository,
	logger *slog.Logger,
) *LedgerService {
	return &LedgerService{
		db:          db,
		balanceRepo: balanceRepo,
		txnRepo:     txnRepo,
		logger:      logger.With("service", "ledger"),
	}
}

// CheckAndReserve atomically verifies balance >= amount and, if so, debits the
// amount and writes a charge transaction. A missing account is treated as a
// zero balance; no row is created and nothing is mutated on a shortfall.
func (s *LedgerService) CheckAndReserve(ctx context.Context, userID uuid.UUID, amount int64, relatedJobID uuid.UUID, description string) (*ReserveResult, error) {
	if amount <= 0 {
		return nil, domain.ErrInvalidAmount
	}

	var result *ReserveResult
	txErr := pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		balance, err := s.balanceRepo.GetForUpdate(ctx, tx, userID)
		if err != nil {
			if errors.Is(err, domain.ErrAccountNotFound) {
				result = &ReserveResult{Granted: false, BalanceAfter: 0, Deficit: amount}
				return nil
			}
			return fmt.Errorf("balance lookup failed: %w", err)
		}

		if balance.Balance < amount {
			result = &ReserveResult{
				Granted:      false,
				BalanceAfter: balance.Balance,
				Deficit:      amount - balance.Balance,
			}
			return nil
		}

		newBalance := balance.Balance - amount
		if err := s.balanceRepo.SetBalance(ctx, tx, userID, newBalance); err != nil {
			return fmt.Errorf("balance update failed: %w", err)
		}

		txn := &domain.Transaction{
			UserID:        userID,
			Amount:        -amount,
			BalanceBefore: balance.Balance,
			BalanceAfter:  newBalance,
			Kind:          domain.TransactionKindCharge,
			RelatedJobID:  &relatedJobID,
			Description:   description,
		}
		created, err := s.txnRepo.Create(ctx, tx, txn)
		if err != nil {
			return fmt.Errorf("charge transaction failed: %w", err)
		}

		result = &ReserveResult{
			Granted:       true,
			BalanceAfter:  newBalance,
			TransactionID: created.ID,
		}
		return nil
	})
	if txErr != nil {
		return nil, txErr
	}

	if result.Granted {
		s.logger.InfoContext(ctx, "Credits reserved",
			"user_id", userID, "amount", amount, "balance_after", result.BalanceAfter, "job_id", relatedJobID)
	} else {
		s.logger.InfoContext(ctx, "Insufficient credits",
			"user_id", userID, "required", amount, "balance", result.BalanceAfter, "deficit", result.Deficit)
	}
	return result, nil
}

// Refund credits amount back to the user for a failed or cancelled job.
// Idempotent by relatedJobID: a second refund for the same job is a no-op
// returning the original transaction id. Never blocked by balance.
func (s *LedgerService) Refund(ctx context.Context, userID uuid.UUID, amount int64, relatedJobID uuid.UUID, description string) (uuid.UUID, error) {
	var txnID uuid.UUID
	txErr := pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		var err error
		txnID, err = s.RefundTx(ctx, tx, userID, amount, relatedJobID, description)
		return err
	})
	if txErr != nil {
		return uuid.Nil, txErr
	}
	return txnID, nil
}

// RefundTx is Refund running inside an existing transaction. The orchestrator
// uses it to commit a job's terminal transition and its compensating refund as
// one atomic unit.
func (s *LedgerService) RefundTx(ctx context.Context, tx pgx.Tx, userID uuid.UUID, amount int64, relatedJobID uuid.UUID, description string) (uuid.UUID, error) {
	if amount <= 0 {
		return uuid.Nil, domain.ErrInvalidAmount
	}

	balance, err := s.lockOrCreate(ctx, tx, userID)
	if err != nil {
		return uuid.Nil, err
	}

	// The balance row is locked, so this check and the insert below cannot
	// race another refund for the same user.
	existing, err := s.txnRepo.GetRefundForJob(ctx, tx, relatedJobID)
	if err == nil {
		s.logger.InfoContext(ctx, "Refund already issued, returning original transaction",
			"user_id", userID, "job_id", relatedJobID, "transaction_id", existing.ID)
		return existing.ID, nil
	}
	if !errors.Is(err, domain.ErrTransactionNotFound) {
		return uuid.Nil, fmt.Errorf("refund lookup failed: %w", err)
	}

	newBalance := balance.Balance + amount
	if err := s.balanceRepo.SetBalance(ctx, tx, userID, newBalance); err != nil {
		return uuid.Nil, fmt.Errorf("balance update failed: %w", err)
	}

	txn := &domain.Transaction{
		UserID:        userID,
		Amount:        amount,
		BalanceBefore: balance.Balance,
		BalanceAfter:  newBalance,
		Kind:          domain.TransactionKindRefund,
		RelatedJobID:  &relatedJobID,
		Description:   description,
	}
	created, err := s.txnRepo.Create(ctx, tx, txn)
	if err != nil {
		return uuid.Nil, fmt.Errorf("refund transaction failed: %w", err)
	}

	s.logger.InfoContext(ctx, "Refund issued",
		"user_id", userID, "amount", amount, "job_id", relatedJobID, "balance_after", newBalance)
	return created.ID, nil
}

// Grant credits the user with a purchase or administrative grant.
func (s *LedgerService) Grant(ctx context.Context, userID uuid.UUID, amount int64, kind domain.TransactionKind, description string) (uuid.UUID, error) {
	if amount <= 0 {
		return uuid.Nil, domain.ErrInvalidAmount
	}
	if !kind.GrantKind() {
		return uuid.Nil, fmt.Errorf("kind %q is not a grant kind", kind)
	}

	var txnID uuid.UUID
	txErr := pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		balance, err := s.lockOrCreate(ctx, tx, userID)
		if err != nil {
			return err
		}

		newBalance := balance.Balance + amount
		if err := s.balanceRepo.SetBalance(ctx, tx, userID, newBalance); err != nil {
			return fmt.Errorf("balance update failed: %w", err)
		}

		txn := &domain.Transaction{
			UserID:        userID,
			Amount:        amount,
			BalanceBefore: balance.Balance,
			BalanceAfter:  newBalance,
			Kind:          kind,
			Description:   description,
		}
		created, err := s.txnRepo.Create(ctx, tx, txn)
		if err != nil {
			return fmt.Errorf("grant transaction failed: %w", err)
		}
		txnID = created.ID
		return nil
	})
	if txErr != nil {
		return uuid.Nil, txErr
	}

	s.logger.InfoContext(ctx, "Credits granted", "user_id", userID, "amount", amount, "kind", kind)
	return txnID, nil
}

// EnsureAccount creates the user's balance row if it does not exist, applying
// the starting grant as an admin_grant transaction. Calling it for an existing
// account is a no-op.
func (s *LedgerService) EnsureAccount(ctx context.Context, userID uuid.UUID, startingGrant int64) (*domain.AccountBalance, error) {
	txErr := pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		created, err := s.balanceRepo.Create(ctx, tx, userID)
		if err != nil {
			return fmt.Errorf("account creation failed: %w", err)
		}
		if !created || startingGrant <= 0 {
			return nil
		}

		balance, err := s.balanceRepo.GetForUpdate(ctx, tx, userID)
		if err != nil {
			return fmt.Errorf("balance lookup failed: %w", err)
		}
		if err := s.balanceRepo.SetBalance(ctx, tx, userID, balance.Balance+startingGrant); err != nil {
			return fmt.Errorf("balance update failed: %w", err)
		}
		txn := &domain.Transaction{
			UserID:        userID,
			Amount:        startingGrant,
			BalanceBefore: balance.Balance,
			BalanceAfter:  balance.Balance + startingGrant,
			Kind:          domain.TransactionKindAdminGrant,
			Description:   "starting credit grant",
		}
		if _, err := s.txnRepo.Create(ctx, tx, txn); err != nil {
			return fmt.Errorf("starting grant transaction failed: %w", err)
		}
		s.logger.InfoContext(ctx, "Account created with starting grant", "user_id", userID, "amount", startingGrant)
		return nil
	})
	if txErr != nil {
		return nil, txErr
	}

	return s.balanceRepo.Get(ctx, s.db, userID)
}

// GetBalance returns the user's committed balance.
func (s *LedgerService) GetBalance(ctx context.Context, userID uuid.UUID) (int64, error) {
	balance, err := s.balanceRepo.Get(ctx, s.db, userID)
	if err != nil {
		return 0, err
	}
	return balance.Balance, nil
}

// GetTransactions returns a page of the user's audit trail, newest first,
// along with the total number of transactions.
func (s *LedgerService) GetTransactions(ctx context.Context, userID uuid.UUID, page, pageSize int) ([]domain.Transaction, int, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 100 {
		pageSize = 20
	}
	return s.txnRepo.GetByUserID(ctx, s.db, userID, pageSize, (page-1)*pageSize)
}

// lockOrCreate locks the user's balance row, creating it first if absent.
// Refunds and grants must succeed even for accounts that have no row yet.
func (s *LedgerService) lockOrCreate(ctx context.Context, tx pgx.Tx, userID uuid.UUID) (*domain.AccountBalance, error) {
	balance, err := s.balanceRepo.GetForUpdate(ctx, tx, userID)
	if err == nil {
		return balance, nil
	}
	if !errors.Is(err, domain.ErrAccountNotFound) {
		return nil, fmt.Errorf("balance lookup failed: %w", err)
	}
	if _, err := s.balanceRepo.Create(ctx, tx, userID); err != nil {
		return nil, fmt.Errorf("account creation failed: %w", err)
	}
	balance, err = s.balanceRepo.GetForUpdate(ctx, tx, userID)
	if err != nil {
		return nil, fmt.Errorf("balance lookup after create failed: %w", err)
	}
	return balance, nil
}

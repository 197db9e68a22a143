package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/muselab/genledger/internal/orchestrator_service/domain"
	"github.com/muselab/genledger/internal/orchestrator_service/repository"
)

// ErrDuplicateIdempotencyKey signals a concurrent submission with the same
// (user_id, idempotency_key). Callers re-read and return the existing job.
var ErrDuplicateIdempotencyKey = errors.New("job with idempotency key already exists")

type pgJobRepository struct {
	logger *slog.Logger
}

// NewPgJobRepository creates a JobRepository backed by PostgreSQL.
func NewPgJobRepository(logger *slog.Logger) repository.JobRepository {
	return &pgJobRepository{logger: logger.With("component", "job_repository_pg")}
}

const jobColumns = `id, user_id, provider, operation_kind, idempotency_key, external_job_id,
	       cost_charged, status, progress, result_payload, failure_reason,
	       created_at, updated_at, terminal_at`

func (r *pgJobRepository) Create(ctx context.Context, q repository.Querier, job *domain.GenerationJob) (*domain.GenerationJob, error) {
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	now := time.Now().UTC()
	job.CreatedAt = now
	job.UpdatedAt = now
	job.Status = domain.JobStatusPending

	query := `
		INSERT INTO generation_jobs (id, user_id, provider, operation_kind, idempotency_key,
		                             cost_charged, status, progress, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	_, err := q.Exec(ctx, query,
		job.ID, job.UserID, job.Provider, job.OperationKind, job.IdempotencyKey,
		job.CostCharged, job.Status, job.Progress, job.CreatedAt, job.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, ErrDuplicateIdempotencyKey
		}
		return nil, fmt.Errorf("failed to insert job: %w", err)
	}
	return job, nil
}

func (r *pgJobRepository) GetByID(ctx context.Context, q repository.Querier, id uuid.UUID) (*domain.GenerationJob, error) {
	query := `SELECT ` + jobColumns + ` FROM generation_jobs WHERE id = $1`
	return r.scanOne(q.QueryRow(ctx, query, id))
}

func (r *pgJobRepository) GetByUserAndKey(ctx context.Context, q repository.Querier, userID uuid.UUID, idempotencyKey string) (*domain.GenerationJob, error) {
	query := `SELECT ` + jobColumns + ` FROM generation_jobs WHERE user_id = $1 AND idempotency_key = $2`
	return r.scanOne(q.QueryRow(ctx, query, userID, idempotencyKey))
}

func (r *pgJobRepository) GetByExternalID(ctx context.Context, q repository.Querier, provider, externalJobID string) (*domain.GenerationJob, error) {
	query := `SELECT ` + jobColumns + ` FROM generation_jobs WHERE provider = $1 AND external_job_id = $2`
	return r.scanOne(q.QueryRow(ctx, query, provider, externalJobID))
}

func (r *pgJobRepository) scanOne(row pgx.Row) (*domain.GenerationJob, error) {
	job := &domain.GenerationJob{}
	err := row.Scan(
		&job.ID, &job.UserID, &job.Provider, &job.OperationKind, &job.IdempotencyKey, &job.ExternalJobID,
		&job.CostCharged, &job.Status, &job.Progress, &job.ResultPayload, &job.FailureReason,
		&job.CreatedAt, &job.UpdatedAt, &job.TerminalAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrJobNotFound
		}
		return nil, err
	}
	return job, nil
}

func (r *pgJobRepository) AttachExternalID(ctx context.Context, q repository.Querier, id uuid.UUID, externalJobID string) error {
	query := `
		UPDATE generation_jobs
		SET external_job_id = $2, updated_at = now()
		WHERE id = $1 AND status = 'pending'
	`
	_, err := q.Exec(ctx, query, id, externalJobID)
	return err
}

func (r *pgJobRepository) UpdateProgress(ctx context.Context, q repository.Querier, id uuid.UUID, progress int) error {
	query := `
		UPDATE generation_jobs
		SET progress = GREATEST(progress, $2), updated_at = now()
		WHERE id = $1 AND status = 'pending'
	`
	_, err := q.Exec(ctx, query, id, progress)
	return err
}

func (r *pgJobRepository) MarkSucceeded(ctx context.Context, q repository.Querier, id uuid.UUID, result json.RawMessage) (bool, error) {
	query := `
		UPDATE generation_jobs
		SET status = 'succeeded', progress = 100, result_payload = $2,
		    updated_at = now(), terminal_at = now()
		WHERE id = $1 AND status = 'pending'
	`
	tag, err := q.Exec(ctx, query, id, result)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *pgJobRepository) MarkFailed(ctx context.Context, q repository.Querier, id uuid.UUID, reason string) (bool, error) {
	return r.markTerminal(ctx, q, id, domain.JobStatusFailed, reason)
}

func (r *pgJobRepository) MarkCancelled(ctx context.Context, q repository.Querier, id uuid.UUID, reason string) (bool, error) {
	return r.markTerminal(ctx, q, id, domain.JobStatusCancelled, reason)
}

// markTerminal transitions a pending job to the given terminal status. The
// WHERE clause makes the first caller win; losers see zero rows affected.
func (r *pgJobRepository) markTerminal(ctx context.Context, q repository.Querier, id uuid.UUID, status domain.JobStatus, reason string) (bool, error) {
	query := `
		UPDATE generation_jobs
		SET status = $2, failure_reason = $3, updated_at = now(), terminal_at = now()
		WHERE id = $1 AND status = 'pending'
	`
	tag, err := q.Exec(ctx, query, id, status, reason)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

package repository

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/muselab/genledger/internal/orchestrator_service/domain"
)

// Querier is the common surface of pgxpool.Pool and pgx.Tx, so repository
// methods can run inside or outside a transaction.
type Querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// JobRepository persists generation jobs. All terminal transitions are
// conditional on the job still being pending and report whether this call won
// the transition.
type JobRepository interface {
	Create(ctx context.Context, q Querier, job *domain.GenerationJob) (*domain.GenerationJob, error)
	GetByID(ctx context.Context, q Querier, id uuid.UUID) (*domain.GenerationJob, error)
	GetByUserAndKey(ctx context.Context, q Querier, userID uuid.UUID, idempotencyKey string) (*domain.GenerationJob, error)
	GetByExternalID(ctx context.Context, q Querier, provider, externalJobID string) (*domain.GenerationJob, error)
	// AttachExternalID records the provider's job id once submission
	// succeeds. A no-op if the job already left pending.
	AttachExternalID(ctx context.Context, q Querier, id uuid.UUID, externalJobID string) error
	// UpdateProgress bumps progress on a still-pending job; progress for
	// terminal jobs is dropped.
	UpdateProgress(ctx context.Context, q Querier, id uuid.UUID, progress int) error
	MarkSucceeded(ctx context.Context, q Querier, id uuid.UUID, result json.RawMessage) (bool, error)
	MarkFailed(ctx context.Context, q Querier, id uuid.UUID, reason string) (bool, error)
	MarkCancelled(ctx context.Context, q Querier, id uuid.UUID, reason string) (bool, error)
}

// WebhookDeliveryRepository deduplicates provider callbacks.
type WebhookDeliveryRepository interface {
	// Insert records the delivery, returning domain.ErrDuplicateDelivery
	// when the (provider, delivery_id) pair was already seen.
	Insert(ctx context.Context, q Querier, delivery *domain.WebhookDelivery) error
}

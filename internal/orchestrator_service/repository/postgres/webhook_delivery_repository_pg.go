package postgres

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/muselab/genledger/internal/orchestrator_service/domain"
	"github.com/muselab/genledger/internal/orchestrator_service/repository"
)

type pgWebhookDeliveryRepository struct {
	logger *slog.Logger
}

// NewPgWebhookDeliveryRepository creates a WebhookDeliveryRepository backed by
// PostgreSQL.
func NewPgWebhookDeliveryRepository(logger *slog.Logger) repository.WebhookDeliveryRepository {
	return &pgWebhookDeliveryRepository{logger: logger.With("component", "webhook_delivery_repository_pg")}
}

func (r *pgWebhookDeliveryRepository) Insert(ctx context.Context, q repository.Querier, delivery *domain.WebhookDelivery) error {
	if delivery.ID == uuid.Nil {
		delivery.ID = uuid.New()
	}
	delivery.ReceivedAt = time.Now().UTC()

	query := `
		INSERT INTO webhook_deliveries (id, provider, delivery_id, external_job_id, received_at)
		VALUES ($1, $2, $3, $4, $5)
	`
	_, err := q.Exec(ctx, query,
		delivery.ID, delivery.Provider, delivery.DeliveryID, delivery.ExternalJobID, delivery.ReceivedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return domain.ErrDuplicateDelivery
		}
		return err
	}
	return nil
}

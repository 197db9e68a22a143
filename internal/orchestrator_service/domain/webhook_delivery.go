package domain

import (
	"time"

	"github.com/google/uuid"
)

// WebhookDelivery records one received provider callback. The unique
// (provider, delivery_id) pair makes redelivered callbacks no-ops.
type WebhookDelivery struct {
	ID            uuid.UUID `json:"id"`
	Provider      string    `json:"provider"`
	DeliveryID    string    `json:"delivery_id"`
	ExternalJobID string    `json:"external_job_id"`
	ReceivedAt    time.Time `json:"received_at"`
}

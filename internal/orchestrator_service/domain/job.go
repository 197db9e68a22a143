package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// JobStatus is the lifecycle state of a generation job. The only transitions
// are pending -> succeeded, pending -> failed and pending -> cancelled; a
// terminal status never changes again.
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusSucceeded JobStatus = "succeeded"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// Terminal reports whether the status is final.
func (s JobStatus) Terminal() bool {
	return s == JobStatusSucceeded || s == JobStatusFailed || s == JobStatusCancelled
}

// GenerationJob tracks one asynchronous generation request from submission to
// its terminal state. CostCharged is the amount debited at submission and the
// exact amount refunded on failure or cancellation.
type GenerationJob struct {
	ID             uuid.UUID       `json:"id"`
	UserID         uuid.UUID       `json:"user_id"`
	Provider       string          `json:"provider"`
	OperationKind  OperationKind   `json:"operation_kind"`
	IdempotencyKey string          `json:"idempotency_key"`
	ExternalJobID  *string         `json:"external_job_id,omitempty"`
	CostCharged    int64           `json:"cost_charged"`
	Status         JobStatus       `json:"status"`
	Progress       int             `json:"progress"`
	ResultPayload  json.RawMessage `json:"result_payload,omitempty"`
	FailureReason  *string         `json:"failure_reason,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
	TerminalAt     *time.Time      `json:"terminal_at,omitempty"`
}

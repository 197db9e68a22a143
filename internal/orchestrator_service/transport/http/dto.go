package http

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	ledgerdomain "github.com/muselab/genledger/internal/ledger_service/domain"
	"github.com/muselab/genledger/internal/orchestrator_service/domain"
)

type SubmitOperationRequestDTO struct {
	OperationKind  string          `json:"operation_kind" validate:"required"`
	IdempotencyKey string          `json:"idempotency_key" validate:"omitempty,max=128"`
	Spec           json.RawMessage `json:"spec"`
}

type SubmitOperationResponseDTO struct {
	JobID        uuid.UUID `json:"job_id"`
	Status       string    `json:"status"`
	CostCharged  int64     `json:"cost_charged"`
	BalanceAfter int64     `json:"balance_after"`
}

type JobResponseDTO struct {
	JobID         uuid.UUID       `json:"job_id"`
	Status        string          `json:"status"`
	OperationKind string          `json:"operation_kind"`
	Provider      string          `json:"provider"`
	Progress      int             `json:"progress"`
	CostCharged   int64           `json:"cost_charged"`
	Result        json.RawMessage `json:"result,omitempty"`
	FailureReason *string         `json:"failure_reason,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

func jobToDTO(job *domain.GenerationJob) JobResponseDTO {
	return JobResponseDTO{
		JobID:         job.ID,
		Status:        string(job.Status),
		OperationKind: string(job.OperationKind),
		Provider:      job.Provider,
		Progress:      job.Progress,
		CostCharged:   job.CostCharged,
		Result:        job.ResultPayload,
		FailureReason: job.FailureReason,
		CreatedAt:     job.CreatedAt,
		UpdatedAt:     job.UpdatedAt,
	}
}

type CreateAccountRequestDTO struct {
	UserID uuid.UUID `json:"user_id" validate:"required"`
}

type BalanceResponseDTO struct {
	UserID  uuid.UUID `json:"user_id"`
	Balance int64     `json:"balance"`
}

type GrantRequestDTO struct {
	Amount      int64  `json:"amount" validate:"required,gt=0"`
	Kind        string `json:"kind" validate:"required,oneof=admin_grant purchase"`
	Description string `json:"description" validate:"omitempty,max=256"`
}

type GrantResponseDTO struct {
	TransactionID uuid.UUID `json:"transaction_id"`
}

type TransactionDTO struct {
	ID            uuid.UUID  `json:"id"`
	Amount        int64      `json:"amount"`
	BalanceBefore int64      `json:"balance_before"`
	BalanceAfter  int64      `json:"balance_after"`
	Kind          string     `json:"kind"`
	RelatedJobID  *uuid.UUID `json:"related_job_id,omitempty"`
	Description   string     `json:"description,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

type TransactionListResponseDTO struct {
	Transactions []TransactionDTO `json:"transactions"`
	Total        int              `json:"total"`
	Page         int              `json:"page"`
	PageSize     int              `json:"page_size"`
}

func transactionToDTO(txn ledgerdomain.Transaction) TransactionDTO {
	return TransactionDTO{
		ID:            txn.ID,
		Amount:        txn.Amount,
		BalanceBefore: txn.BalanceBefore,
		BalanceAfter:  txn.BalanceAfter,
		Kind:          string(txn.Kind),
		RelatedJobID:  txn.RelatedJobID,
		Description:   txn.Description,
		CreatedAt:     txn.CreatedAt,
	}
}

type ErrorResponseDTO struct {
	Error   string `json:"error"`
	Deficit int64  `json:"deficit,omitempty"`
	Status  string `json:"status,omitempty"`
}

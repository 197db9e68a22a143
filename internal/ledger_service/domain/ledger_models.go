package domain

import (
	"time"

	"github.com/google/uuid"
)

// TransactionKind defines the nature of a ledger transaction.
type TransactionKind string

const (
	TransactionKindCharge     TransactionKind = "charge"
	TransactionKindRefund     TransactionKind = "refund"
	TransactionKindAdminGrant TransactionKind = "admin_grant"
	TransactionKindPurchase   TransactionKind = "purchase"
)

// Valid reports whether the kind is one of the known transaction kinds.
func (k TransactionKind) Valid() bool {
	switch k {
	case TransactionKindCharge, TransactionKindRefund, TransactionKindAdminGrant, TransactionKindPurchase:
		return true
	}
	return false
}

// GrantKind reports whether the kind may be used for Grant operations.
func (k TransactionKind) GrantKind() bool {
	return k == TransactionKindAdminGrant || k == TransactionKindPurchase
}

// AccountBalance is a user's prepaid credit balance.
// Balance is in credits (smallest billable unit) and is never negative at any
// committed state. All mutation goes through the ledger service.
type AccountBalance struct {
	UserID    uuid.UUID `json:"user_id"`
	Balance   int64     `json:"balance"`
	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Transaction is an immutable audit record of a single balance mutation.
// Amount is signed: negative for debits, positive for credits/refunds.
// Invariant: BalanceAfter = BalanceBefore + Amount.
type Transaction struct {
	ID            uuid.UUID       `json:"id"`
	UserID        uuid.UUID       `json:"user_id"`
	Amount        int64           `json:"amount"`
	BalanceBefore int64           `json:"balance_before"`
	BalanceAfter  int64           `json:"balance_after"`
	Kind          TransactionKind `json:"kind"`
	RelatedJobID  *uuid.UUID      `json:"related_job_id,omitempty"`
	Description   string          `json:"description,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

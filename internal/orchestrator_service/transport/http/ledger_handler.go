package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	chi_middleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	ledgerdomain "github.com/muselab/genledger/internal/ledger_service/domain"
)

// CreditLedger is the slice of the ledger service the HTTP endpoints use.
type CreditLedger interface {
	EnsureAccount(ctx context.Context, userID uuid.UUID, startingGrant int64) (*ledgerdomain.AccountBalance, error)
	GetBalance(ctx context.Context, userID uuid.UUID) (int64, error)
	GetTransactions(ctx context.Context, userID uuid.UUID, page, pageSize int) ([]ledgerdomain.Transaction, int, error)
	Grant(ctx context.Context, userID uuid.UUID, amount int64, kind ledgerdomain.TransactionKind, description string) (uuid.UUID, error)
}

// LedgerHandler serves account and credit-ledger endpoints.
type LedgerHandler struct {
	ledger        CreditLedger
	startingGrant int64
	logger        *slog.Logger
	validate      *validator.Validate
}

func NewLedgerHandler(ledger CreditLedger, startingGrant int64, logger *slog.Logger, validate *validator.Validate) *LedgerHandler {
	return &LedgerHandler{
		ledger:        ledger,
		startingGrant: startingGrant,
		logger:        logger.With("component", "ledger_handler"),
		validate:      validate,
	}
}

func (h *LedgerHandler) CreateAccount(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := h.logger.With("request_id", chi_middleware.GetReqID(ctx))

	var reqDTO CreateAccountRequestDTO
	if err := json.NewDecoder(r.Body).Decode(&reqDTO); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.validate.StructCtx(ctx, reqDTO); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("validation error: %s", err))
		return
	}

	balance, err := h.ledger.EnsureAccount(ctx, reqDTO.UserID, h.startingGrant)
	if err != nil {
		logger.ErrorContext(ctx, "Account creation failed", "error", err, "user_id", reqDTO.UserID)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	writeJSON(w, http.StatusCreated, BalanceResponseDTO{UserID: balance.UserID, Balance: balance.Balance})
}

func (h *LedgerHandler) GetBalance(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := h.logger.With("request_id", chi_middleware.GetReqID(ctx))

	userID, err := uuid.Parse(chi.URLParam(r, "userID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid user id")
		return
	}

	balance, err := h.ledger.GetBalance(ctx, userID)
	if err != nil {
		if errors.Is(err, ledgerdomain.ErrAccountNotFound) {
			writeError(w, http.StatusNotFound, "account not found")
			return
		}
		logger.ErrorContext(ctx, "Balance lookup failed", "error", err, "user_id", userID)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	writeJSON(w, http.StatusOK, BalanceResponseDTO{UserID: userID, Balance: balance})
}

func (h *LedgerHandler) GetTransactions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := h.logger.With("request_id", chi_middleware.GetReqID(ctx))

	userID, err := uuid.Parse(chi.URLParam(r, "userID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid user id")
		return
	}
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	pageSize, _ := strconv.Atoi(r.URL.Query().Get("page_size"))
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 20
	}

	transactions, total, err := h.ledger.GetTransactions(ctx, userID, page, pageSize)
	if err != nil {
		logger.ErrorContext(ctx, "Transaction listing failed", "error", err, "user_id", userID)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	dtos := make([]TransactionDTO, 0, len(transactions))
	for _, txn := range transactions {
		dtos = append(dtos, transactionToDTO(txn))
	}
	writeJSON(w, http.StatusOK, TransactionListResponseDTO{
		Transactions: dtos,
		Total:        total,
		Page:         page,
		PageSize:     pageSize,
	})
}

func (h *LedgerHandler) GrantCredits(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := h.logger.With("request_id", chi_middleware.GetReqID(ctx))

	userID, err := uuid.Parse(chi.URLParam(r, "userID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid user id")
		return
	}

	var reqDTO GrantRequestDTO
	if err := json.NewDecoder(r.Body).Decode(&reqDTO); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.validate.StructCtx(ctx, reqDTO); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("validation error: %s", err))
		return
	}

	txnID, err := h.ledger.Grant(ctx, userID, reqDTO.Amount, ledgerdomain.TransactionKind(reqDTO.Kind), reqDTO.Description)
	if err != nil {
		if errors.Is(err, ledgerdomain.ErrInvalidAmount) {
			writeError(w, http.StatusBadRequest, "amount must be positive")
			return
		}
		logger.ErrorContext(ctx, "Grant failed", "error", err, "user_id", userID)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	writeJSON(w, http.StatusCreated, GrantResponseDTO{TransactionID: txnID})
}

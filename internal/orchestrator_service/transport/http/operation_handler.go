package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chi_middleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/muselab/genledger/internal/orchestrator_service/domain"
)

// JobOrchestrator is the slice of the orchestrator the operation endpoints
// use. An interface so handler tests can mock it.
type JobOrchestrator interface {
	SubmitOperation(ctx context.Context, userID uuid.UUID, kind domain.OperationKind, idempotencyKey string, input json.RawMessage) (*domain.GenerationJob, int64, error)
	GetJob(ctx context.Context, userID, jobID uuid.UUID) (*domain.GenerationJob, error)
	Cancel(ctx context.Context, userID, jobID uuid.UUID) (*domain.GenerationJob, error)
}

// OperationHandler serves the generation-job endpoints. Caller identity comes
// from the X-User-ID header set by the upstream gateway.
type OperationHandler struct {
	orchestrator JobOrchestrator
	logger       *slog.Logger
	validate     *validator.Validate
}

func NewOperationHandler(orchestrator JobOrchestrator, logger *slog.Logger, validate *validator.Validate) *OperationHandler {
	return &OperationHandler{
		orchestrator: orchestrator,
		logger:       logger.With("component", "operation_handler"),
		validate:     validate,
	}
}

func userIDFromHeader(r *http.Request) (uuid.UUID, error) {
	raw := r.Header.Get("X-User-ID")
	if raw == "" {
		return uuid.Nil, errors.New("missing X-User-ID header")
	}
	return uuid.Parse(raw)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, ErrorResponseDTO{Error: message})
}

func (h *OperationHandler) SubmitOperation(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := h.logger.With("request_id", chi_middleware.GetReqID(ctx))

	userID, err := userIDFromHeader(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "missing or invalid X-User-ID header")
		return
	}

	var reqDTO SubmitOperationRequestDTO
	if err := json.NewDecoder(r.Body).Decode(&reqDTO); err != nil {
		logger.WarnContext(ctx, "Failed to decode submit request", "error", err)
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.validate.StructCtx(ctx, reqDTO); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("validation error: %s", err))
		return
	}

	job, balanceAfter, err := h.orchestrator.SubmitOperation(ctx, userID, domain.OperationKind(reqDTO.OperationKind), reqDTO.IdempotencyKey, reqDTO.Spec)
	if err != nil {
		var insufficientErr *domain.InsufficientCreditError
		var submissionErr *domain.ProviderSubmissionError
		switch {
		case errors.Is(err, domain.ErrUnknownOperation):
			writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown operation kind %q", reqDTO.OperationKind))
		case errors.As(err, &insufficientErr):
			writeJSON(w, http.StatusPaymentRequired, ErrorResponseDTO{
				Error:   insufficientErr.Error(),
				Deficit: insufficientErr.Deficit,
			})
		case errors.As(err, &submissionErr):
			writeError(w, http.StatusBadGateway, submissionErr.Error())
		default:
			logger.ErrorContext(ctx, "Submission failed", "error", err, "user_id", userID)
			writeError(w, http.StatusInternalServerError, "internal server error")
		}
		return
	}

	writeJSON(w, http.StatusAccepted, SubmitOperationResponseDTO{
		JobID:        job.ID,
		Status:       string(job.Status),
		CostCharged:  job.CostCharged,
		BalanceAfter: balanceAfter,
	})
}

func (h *OperationHandler) GetJob(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := h.logger.With("request_id", chi_middleware.GetReqID(ctx))

	userID, err := userIDFromHeader(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "missing or invalid X-User-ID header")
		return
	}
	jobID, err := uuid.Parse(chi.URLParam(r, "jobID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid job id")
		return
	}

	job, err := h.orchestrator.GetJob(ctx, userID, jobID)
	if err != nil {
		if errors.Is(err, domain.ErrJobNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		logger.ErrorContext(ctx, "Failed to fetch job", "error", err, "job_id", jobID)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	writeJSON(w, http.StatusOK, jobToDTO(job))
}

func (h *OperationHandler) CancelJob(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := h.logger.With("request_id", chi_middleware.GetReqID(ctx))

	userID, err := userIDFromHeader(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "missing or invalid X-User-ID header")
		return
	}
	jobID, err := uuid.Parse(chi.URLParam(r, "jobID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid job id")
		return
	}

	job, err := h.orchestrator.Cancel(ctx, userID, jobID)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrJobNotFound):
			writeError(w, http.StatusNotFound, "job not found")
		case errors.Is(err, domain.ErrJobAlreadyTerminal):
			writeJSON(w, http.StatusConflict, ErrorResponseDTO{
				Error:  "job already in terminal status",
				Status: string(job.Status),
			})
		default:
			logger.ErrorContext(ctx, "Cancellation failed", "error", err, "job_id", jobID)
			writeError(w, http.StatusInternalServerError, "internal server error")
		}
		return
	}
	writeJSON(w, http.StatusOK, jobToDTO(job))
}

package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	ledgerdomain "github.com/muselab/genledger/internal/ledger_service/domain"
	"github.com/muselab/genledger/internal/orchestrator_service/adapters/provider"
	"github.com/muselab/genledger/internal/orchestrator_service/domain"
)

// --- Mocks ---

type MockJobOrchestrator struct {
	mock.Mock
}

func (m *MockJobOrchestrator) SubmitOperation(ctx context.Context, userID uuid.UUID, kind domain.OperationKind, idempotencyKey string, input json.RawMessage) (*domain.GenerationJob, int64, error) {
	args := m.Called(ctx, userID, kind, idempotencyKey, input)
	if args.Get(0) == nil {
		return nil, 0, args.Error(2)
	}
	return args.Get(0).(*domain.GenerationJob), args.Get(1).(int64), args.Error(2)
}

func (m *MockJobOrchestrator) GetJob(ctx context.Context, userID, jobID uuid.UUID) (*domain.GenerationJob, error) {
	args := m.Called(ctx, userID, jobID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.GenerationJob), args.Error(1)
}

func (m *MockJobOrchestrator) Cancel(ctx context.Context, userID, jobID uuid.UUID) (*domain.GenerationJob, error) {
	args := m.Called(ctx, userID, jobID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.GenerationJob), args.Error(1)
}

type MockLedgerAPI struct {
	mock.Mock
}

func (m *MockLedgerAPI) EnsureAccount(ctx context.Context, userID uuid.UUID, startingGrant int64) (*ledgerdomain.AccountBalance, error) {
	args := m.Called(ctx, userID, startingGrant)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*ledgerdomain.AccountBalance), args.Error(1)
}

func (m *MockLedgerAPI) GetBalance(ctx context.Context, userID uuid.UUID) (int64, error) {
	args := m.Called(ctx, userID)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockLedgerAPI) GetTransactions(ctx context.Context, userID uuid.UUID, page, pageSize int) ([]ledgerdomain.Transaction, int, error) {
	args := m.Called(ctx, userID, page, pageSize)
	if args.Get(0) == nil {
		return nil, args.Int(1), args.Error(2)
	}
	return args.Get(0).([]ledgerdomain.Transaction), args.Int(1), args.Error(2)
}

func (m *MockLedgerAPI) Grant(ctx context.Context, userID uuid.UUID, amount int64, kind ledgerdomain.TransactionKind, description string) (uuid.UUID, error) {
	args := m.Called(ctx, userID, amount, kind, description)
	return args.Get(0).(uuid.UUID), args.Error(1)
}

type MockCallbackProcessor struct {
	mock.Mock
}

func (m *MockCallbackProcessor) HandleCallback(ctx context.Context, providerName string, r *http.Request, body []byte) error {
	args := m.Called(ctx, providerName, r, body)
	return args.Error(0)
}

// --- Setup ---

type handlerTestComponents struct {
	router       http.Handler
	orchestrator *MockJobOrchestrator
	ledger       *MockLedgerAPI
	callbacks    *MockCallbackProcessor
}

func setupHandlerTest(t *testing.T) handlerTestComponents {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	validate := validator.New()

	orchestrator := new(MockJobOrchestrator)
	ledger := new(MockLedgerAPI)
	callbacks := new(MockCallbackProcessor)

	router := NewRouter(
		NewOperationHandler(orchestrator, logger, validate),
		NewLedgerHandler(ledger, 100, logger, validate),
		NewCallbackHandler(callbacks, logger),
	)
	return handlerTestComponents{router: router, orchestrator: orchestrator, ledger: ledger, callbacks: callbacks}
}

func testJob(userID uuid.UUID, status domain.JobStatus) *domain.GenerationJob {
	return &domain.GenerationJob{
		ID:            uuid.New(),
		UserID:        userID,
		Provider:      domain.ProviderHarmonia,
		OperationKind: domain.OpMusicGenerate,
		CostCharged:   6,
		Status:        status,
		CreatedAt:     time.Now().UTC(),
		UpdatedAt:     time.Now().UTC(),
	}
}

// --- Tests ---

func TestOperationHandler_SubmitOperation(t *testing.T) {
	userID := uuid.New()

	newSubmitRequest := func(body string, withUser bool) *http.Request {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/operations", bytes.NewBufferString(body))
		req.Header.Set("Content-Type", "application/json")
		if withUser {
			req.Header.Set("X-User-ID", userID.String())
		}
		return req
	}

	t.Run("Accepted", func(t *testing.T) {
		c := setupHandlerTest(t)
		job := testJob(userID, domain.JobStatusPending)

		c.orchestrator.On("SubmitOperation", mock.Anything, userID, domain.OpMusicGenerate, "key-1", mock.Anything).
			Return(job, int64(94), nil).Once()

		rr := httptest.NewRecorder()
		c.router.ServeHTTP(rr, newSubmitRequest(`{"operation_kind":"music_generate","idempotency_key":"key-1","spec":{"prompt":"x"}}`, true))

		require.Equal(t, http.StatusAccepted, rr.Code)
		var resp SubmitOperationResponseDTO
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
		assert.Equal(t, job.ID, resp.JobID)
		assert.Equal(t, "pending", resp.Status)
		assert.Equal(t, int64(6), resp.CostCharged)
		assert.Equal(t, int64(94), resp.BalanceAfter)
	})

	t.Run("InsufficientCredits_402", func(t *testing.T) {
		c := setupHandlerTest(t)

		c.orchestrator.On("SubmitOperation", mock.Anything, userID, domain.OpMusicGenerate, "", mock.Anything).
			Return(nil, int64(0), &domain.InsufficientCreditError{Required: 6, Balance: 2, Deficit: 4}).Once()

		rr := httptest.NewRecorder()
		c.router.ServeHTTP(rr, newSubmitRequest(`{"operation_kind":"music_generate"}`, true))

		require.Equal(t, http.StatusPaymentRequired, rr.Code)
		var resp ErrorResponseDTO
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
		assert.Equal(t, int64(4), resp.Deficit)
	})

	t.Run("UnknownOperation_400", func(t *testing.T) {
		c := setupHandlerTest(t)

		c.orchestrator.On("SubmitOperation", mock.Anything, userID, domain.OperationKind("hologram"), "", mock.Anything).
			Return(nil, int64(0), domain.ErrUnknownOperation).Once()

		rr := httptest.NewRecorder()
		c.router.ServeHTTP(rr, newSubmitRequest(`{"operation_kind":"hologram"}`, true))
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})

	t.Run("ProviderFailure_502", func(t *testing.T) {
		c := setupHandlerTest(t)

		c.orchestrator.On("SubmitOperation", mock.Anything, userID, domain.OpMusicGenerate, "", mock.Anything).
			Return(nil, int64(0), &domain.ProviderSubmissionError{Provider: "harmonia", Err: errors.New("upstream 503")}).Once()

		rr := httptest.NewRecorder()
		c.router.ServeHTTP(rr, newSubmitRequest(`{"operation_kind":"music_generate"}`, true))
		assert.Equal(t, http.StatusBadGateway, rr.Code)
	})

	t.Run("MissingUserHeader_400", func(t *testing.T) {
		c := setupHandlerTest(t)
		rr := httptest.NewRecorder()
		c.router.ServeHTTP(rr, newSubmitRequest(`{"operation_kind":"music_generate"}`, false))
		assert.Equal(t, http.StatusBadRequest, rr.Code)
		c.orchestrator.AssertNotCalled(t, "SubmitOperation", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("MissingOperationKind_400", func(t *testing.T) {
		c := setupHandlerTest(t)
		rr := httptest.NewRecorder()
		c.router.ServeHTTP(rr, newSubmitRequest(`{"spec":{}}`, true))
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})
}

func TestOperationHandler_GetJob(t *testing.T) {
	userID := uuid.New()

	t.Run("Found", func(t *testing.T) {
		c := setupHandlerTest(t)
		job := testJob(userID, domain.JobStatusSucceeded)
		job.ResultPayload = json.RawMessage(`{"audio_url":"https://cdn.example.com/a.mp3"}`)

		c.orchestrator.On("GetJob", mock.Anything, userID, job.ID).Return(job, nil).Once()

		req := httptest.NewRequest(http.MethodGet, "/api/v1/operations/"+job.ID.String(), nil)
		req.Header.Set("X-User-ID", userID.String())
		rr := httptest.NewRecorder()
		c.router.ServeHTTP(rr, req)

		require.Equal(t, http.StatusOK, rr.Code)
		var resp JobResponseDTO
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
		assert.Equal(t, "succeeded", resp.Status)
		assert.NotEmpty(t, resp.Result)
	})

	t.Run("NotFound_404", func(t *testing.T) {
		c := setupHandlerTest(t)
		jobID := uuid.New()

		c.orchestrator.On("GetJob", mock.Anything, userID, jobID).Return(nil, domain.ErrJobNotFound).Once()

		req := httptest.NewRequest(http.MethodGet, "/api/v1/operations/"+jobID.String(), nil)
		req.Header.Set("X-User-ID", userID.String())
		rr := httptest.NewRecorder()
		c.router.ServeHTTP(rr, req)
		assert.Equal(t, http.StatusNotFound, rr.Code)
	})

	t.Run("InvalidJobID_400", func(t *testing.T) {
		c := setupHandlerTest(t)
		req := httptest.NewRequest(http.MethodGet, "/api/v1/operations/not-a-uuid", nil)
		req.Header.Set("X-User-ID", userID.String())
		rr := httptest.NewRecorder()
		c.router.ServeHTTP(rr, req)
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})
}

func TestOperationHandler_CancelJob(t *testing.T) {
	userID := uuid.New()

	t.Run("Cancelled", func(t *testing.T) {
		c := setupHandlerTest(t)
		job := testJob(userID, domain.JobStatusCancelled)

		c.orchestrator.On("Cancel", mock.Anything, userID, job.ID).Return(job, nil).Once()

		req := httptest.NewRequest(http.MethodPost, "/api/v1/operations/"+job.ID.String()+"/cancel", nil)
		req.Header.Set("X-User-ID", userID.String())
		rr := httptest.NewRecorder()
		c.router.ServeHTTP(rr, req)

		require.Equal(t, http.StatusOK, rr.Code)
		var resp JobResponseDTO
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
		assert.Equal(t, "cancelled", resp.Status)
	})

	t.Run("AlreadyTerminal_409", func(t *testing.T) {
		c := setupHandlerTest(t)
		job := testJob(userID, domain.JobStatusSucceeded)

		c.orchestrator.On("Cancel", mock.Anything, userID, job.ID).
			Return(job, domain.ErrJobAlreadyTerminal).Once()

		req := httptest.NewRequest(http.MethodPost, "/api/v1/operations/"+job.ID.String()+"/cancel", nil)
		req.Header.Set("X-User-ID", userID.String())
		rr := httptest.NewRecorder()
		c.router.ServeHTTP(rr, req)

		require.Equal(t, http.StatusConflict, rr.Code)
		var resp ErrorResponseDTO
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
		assert.Equal(t, "succeeded", resp.Status)
	})
}

func TestCallbackHandler_HandleProviderCallback(t *testing.T) {
	t.Run("Processed_200", func(t *testing.T) {
		c := setupHandlerTest(t)
		body := []byte(`{"callbackType":"complete"}`)

		c.callbacks.On("HandleCallback", mock.Anything, "harmonia", mock.Anything, body).Return(nil).Once()

		req := httptest.NewRequest(http.MethodPost, "/callbacks/harmonia", bytes.NewReader(body))
		rr := httptest.NewRecorder()
		c.router.ServeHTTP(rr, req)
		assert.Equal(t, http.StatusOK, rr.Code)
	})

	t.Run("InvalidSignature_400", func(t *testing.T) {
		c := setupHandlerTest(t)
		body := []byte(`{}`)

		c.callbacks.On("HandleCallback", mock.Anything, "renderforge", mock.Anything, body).
			Return(provider.ErrInvalidWebhook).Once()

		req := httptest.NewRequest(http.MethodPost, "/callbacks/renderforge", bytes.NewReader(body))
		rr := httptest.NewRecorder()
		c.router.ServeHTTP(rr, req)
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})

	t.Run("UnknownProvider_404", func(t *testing.T) {
		c := setupHandlerTest(t)

		c.callbacks.On("HandleCallback", mock.Anything, "nonexistent", mock.Anything, mock.Anything).
			Return(domain.ErrUnknownProvider).Once()

		req := httptest.NewRequest(http.MethodPost, "/callbacks/nonexistent", bytes.NewReader([]byte(`{}`)))
		rr := httptest.NewRecorder()
		c.router.ServeHTTP(rr, req)
		assert.Equal(t, http.StatusNotFound, rr.Code)
	})
}

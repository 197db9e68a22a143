package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/muselab/genledger/internal/orchestrator_service/domain"
)

// MockProvider is a simulated provider for development and tests. Submissions
// always succeed with a fresh external id; Poll reports whatever status the
// mock was configured with.
type MockProvider struct {
	logger     *slog.Logger
	pollStatus domain.StatusUpdate
	failSubmit bool
}

func NewMockProvider(logger *slog.Logger) *MockProvider {
	return &MockProvider{
		logger:     logger.With("provider", domain.ProviderMock),
		pollStatus: domain.StatusUpdate{Status: domain.CanonicalStatusProgress, Progress: 50},
	}
}

func (p *MockProvider) Name() string { return domain.ProviderMock }

// SetPollStatus configures what Poll returns.
func (p *MockProvider) SetPollStatus(update domain.StatusUpdate) { p.pollStatus = update }

// FailSubmissions makes every Submit return an error.
func (p *MockProvider) FailSubmissions(fail bool) { p.failSubmit = fail }

func (p *MockProvider) Submit(ctx context.Context, req SubmitRequest) (*SubmitResult, error) {
	if p.failSubmit {
		return nil, fmt.Errorf("mock provider rejected submission")
	}
	externalID := uuid.NewString()
	p.logger.InfoContext(ctx, "Mock task created", "job_id", req.JobID, "task_id", externalID)
	return &SubmitResult{ExternalJobID: externalID}, nil
}

func (p *MockProvider) Poll(ctx context.Context, externalJobID string) (*domain.StatusUpdate, error) {
	update := p.pollStatus
	return &update, nil
}

type mockCallback struct {
	ExternalJobID string          `json:"external_job_id"`
	DeliveryID    string          `json:"delivery_id"`
	Status        string          `json:"status"`
	Progress      int             `json:"progress"`
	Payload       json.RawMessage `json:"payload"`
	Reason        string          `json:"reason"`
}

func (p *MockProvider) ParseWebhook(r *http.Request, body []byte) (*domain.WebhookEvent, error) {
	var callback mockCallback
	if err := json.Unmarshal(body, &callback); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidWebhook, err)
	}
	if callback.ExternalJobID == "" {
		return nil, fmt.Errorf("%w: missing external job id", ErrInvalidWebhook)
	}
	return &domain.WebhookEvent{
		ExternalJobID: callback.ExternalJobID,
		DeliveryID:    callback.DeliveryID,
		Update: domain.StatusUpdate{
			Status:   domain.CanonicalStatus(callback.Status),
			Progress: callback.Progress,
			Payload:  callback.Payload,
			Reason:   callback.Reason,
		},
	}, nil
}

package provider

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/muselab/genledger/internal/orchestrator_service/domain"
)

// RenderforgeProvider integrates the Renderforge image and video API. Tasks
// live under /v1/tasks; callbacks are authenticated with an HMAC-SHA256
// signature over the raw body.
type RenderforgeProvider struct {
	logger         *slog.Logger
	httpClient     *http.Client
	baseURL        string
	apiKey         string
	callbackSecret string
}

func NewRenderforgeProvider(logger *slog.Logger, baseURL, apiKey, callbackSecret string, httpClient *http.Client) *RenderforgeProvider {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &RenderforgeProvider{
		logger:         logger.With("provider", domain.ProviderRenderforge),
		httpClient:     httpClient,
		baseURL:        baseURL,
		apiKey:         apiKey,
		callbackSecret: callbackSecret,
	}
}

func (p *RenderforgeProvider) Name() string { return domain.ProviderRenderforge }

type renderforgeTask struct {
	ID       string          `json:"id"`
	Status   string          `json:"status"`
	Progress float64         `json:"progress"`
	Output   json.RawMessage `json:"output"`
	Failure  string          `json:"failure"`
}

func (p *RenderforgeProvider) Submit(ctx context.Context, req SubmitRequest) (*SubmitResult, error) {
	payload := map[string]any{
		"operation":   string(req.OperationKind),
		"callbackUrl": req.CallbackURL,
	}
	if len(req.Input) > 0 {
		var input map[string]any
		if err := json.Unmarshal(req.Input, &input); err != nil {
			return nil, fmt.Errorf("invalid input document: %w", err)
		}
		payload["input"] = input
	}

	reqBytes, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal renderforge request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/tasks", bytes.NewReader(reqBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to create renderforge request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Api-Key", p.apiKey)

	httpResp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("renderforge request failed: %w", err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read renderforge response: %w", err)
	}
	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		p.logger.WarnContext(ctx, "Renderforge submission rejected",
			"status_code", httpResp.StatusCode, "job_id", req.JobID, "body_len", len(respBody))
		return nil, fmt.Errorf("renderforge returned status %d", httpResp.StatusCode)
	}

	var task renderforgeTask
	if err := json.Unmarshal(respBody, &task); err != nil {
		return nil, fmt.Errorf("failed to parse renderforge response: %w", err)
	}
	if task.ID == "" {
		return nil, fmt.Errorf("renderforge response missing task id")
	}

	p.logger.InfoContext(ctx, "Renderforge task created", "job_id", req.JobID, "task_id", task.ID)
	return &SubmitResult{ExternalJobID: task.ID}, nil
}

func (p *RenderforgeProvider) Poll(ctx context.Context, externalJobID string) (*domain.StatusUpdate, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/v1/tasks/"+externalJobID, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create renderforge poll request: %w", err)
	}
	httpReq.Header.Set("X-Api-Key", p.apiKey)

	httpResp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("renderforge poll failed: %w", err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read renderforge poll response: %w", err)
	}
	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		return nil, fmt.Errorf("renderforge poll returned status %d", httpResp.StatusCode)
	}

	var task renderforgeTask
	if err := json.Unmarshal(respBody, &task); err != nil {
		return nil, fmt.Errorf("failed to parse renderforge task: %w", err)
	}
	return renderforgeTaskToUpdate(task)
}

func renderforgeTaskToUpdate(task renderforgeTask) (*domain.StatusUpdate, error) {
	switch task.Status {
	case "PENDING":
		return &domain.StatusUpdate{Status: domain.CanonicalStatusProgress, Progress: 5}, nil
	case "RUNNING":
		progress := int(task.Progress * 100)
		if progress < 5 {
			progress = 5
		}
		return &domain.StatusUpdate{Status: domain.CanonicalStatusProgress, Progress: progress}, nil
	case "SUCCEEDED":
		return &domain.StatusUpdate{Status: domain.CanonicalStatusSucceeded, Progress: 100, Payload: task.Output}, nil
	case "FAILED":
		reason := task.Failure
		if reason == "" {
			reason = "task failed"
		}
		return &domain.StatusUpdate{Status: domain.CanonicalStatusFailed, Reason: reason}, nil
	case "CANCELLED":
		return &domain.StatusUpdate{Status: domain.CanonicalStatusFailed, Reason: "cancelled by provider"}, nil
	default:
		return nil, fmt.Errorf("unknown renderforge status %q", task.Status)
	}
}

// ParseWebhook verifies the hex HMAC-SHA256 signature Renderforge sends in
// X-Renderforge-Signature and normalizes the task document. The provider's
// X-Delivery-Id header is the deduplication key.
func (p *RenderforgeProvider) ParseWebhook(r *http.Request, body []byte) (*domain.WebhookEvent, error) {
	signature := r.Header.Get("X-Renderforge-Signature")
	if signature == "" {
		return nil, fmt.Errorf("%w: missing signature", ErrInvalidWebhook)
	}
	mac := hmac.New(sha256.New, []byte(p.callbackSecret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return nil, fmt.Errorf("%w: signature mismatch", ErrInvalidWebhook)
	}

	var task renderforgeTask
	if err := json.Unmarshal(body, &task); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidWebhook, err)
	}
	if task.ID == "" {
		return nil, fmt.Errorf("%w: missing task id", ErrInvalidWebhook)
	}

	update, err := renderforgeTaskToUpdate(task)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidWebhook, err)
	}
	return &domain.WebhookEvent{
		ExternalJobID: task.ID,
		DeliveryID:    r.Header.Get("X-Delivery-Id"),
		Update:        *update,
	}, nil
}

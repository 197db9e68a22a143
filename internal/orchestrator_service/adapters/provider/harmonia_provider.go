package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/muselab/genledger/internal/orchestrator_service/domain"
)

// HarmoniaProvider integrates the Harmonia music generation API. Every
// response arrives in a {code, msg, data} envelope; task status is delivered
// both by signed callbacks and by the record-info polling endpoint.
type HarmoniaProvider struct {
	logger         *slog.Logger
	httpClient     *http.Client
	baseURL        string
	apiKey         string
	callbackSecret string
}

func NewHarmoniaProvider(logger *slog.Logger, baseURL, apiKey, callbackSecret string, httpClient *http.Client) *HarmoniaProvider {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &HarmoniaProvider{
		logger:         logger.With("provider", domain.ProviderHarmonia),
		httpClient:     httpClient,
		baseURL:        baseURL,
		apiKey:         apiKey,
		callbackSecret: callbackSecret,
	}
}

func (p *HarmoniaProvider) Name() string { return domain.ProviderHarmonia }

var harmoniaEndpoints = map[domain.OperationKind]string{
	domain.OpMusicGenerate:      "/api/v1/generate",
	domain.OpMusicExtend:        "/api/v1/generate/extend",
	domain.OpMusicCover:         "/api/v1/generate/upload-cover",
	domain.OpMusicSeparateVocal: "/api/v1/vocal-removal/generate",
	domain.OpMusicSplitStemFull: "/api/v1/vocal-separation/generate",
}

type harmoniaEnvelope struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

type harmoniaTaskData struct {
	TaskID string `json:"taskId"`
}

type harmoniaRecordInfo struct {
	TaskID       string          `json:"taskId"`
	Status       string          `json:"status"`
	Response     json.RawMessage `json:"response"`
	ErrorMessage string          `json:"errorMessage"`
}

type harmoniaCallback struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
	Data struct {
		CallbackType string          `json:"callbackType"`
		TaskID       string          `json:"task_id"`
		Data         json.RawMessage `json:"data"`
	} `json:"data"`
}

func (p *HarmoniaProvider) Submit(ctx context.Context, req SubmitRequest) (*SubmitResult, error) {
	endpoint, ok := harmoniaEndpoints[req.OperationKind]
	if !ok {
		return nil, fmt.Errorf("operation %s not supported by harmonia", req.OperationKind)
	}

	// The callback URL travels inside the request body, alongside whatever
	// parameters the caller supplied.
	payload := map[string]any{}
	if len(req.Input) > 0 {
		if err := json.Unmarshal(req.Input, &payload); err != nil {
			return nil, fmt.Errorf("invalid input document: %w", err)
		}
	}
	payload["callBackUrl"] = req.CallbackURL

	reqBytes, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal harmonia request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+endpoint, bytes.NewReader(reqBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to create harmonia request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)

	httpResp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("harmonia request failed: %w", err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read harmonia response: %w", err)
	}
	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		p.logger.WarnContext(ctx, "Harmonia submission rejected",
			"status_code", httpResp.StatusCode, "job_id", req.JobID, "body_len", len(respBody))
		return nil, fmt.Errorf("harmonia returned status %d", httpResp.StatusCode)
	}

	var envelope harmoniaEnvelope
	if err := json.Unmarshal(respBody, &envelope); err != nil {
		return nil, fmt.Errorf("failed to parse harmonia response: %w", err)
	}
	if envelope.Code != 200 {
		return nil, fmt.Errorf("harmonia error %d: %s", envelope.Code, envelope.Msg)
	}

	var task harmoniaTaskData
	if err := json.Unmarshal(envelope.Data, &task); err != nil || task.TaskID == "" {
		return nil, fmt.Errorf("harmonia response missing taskId")
	}

	p.logger.InfoContext(ctx, "Harmonia task created", "job_id", req.JobID, "task_id", task.TaskID)
	return &SubmitResult{ExternalJobID: task.TaskID}, nil
}

func (p *HarmoniaProvider) Poll(ctx context.Context, externalJobID string) (*domain.StatusUpdate, error) {
	url := p.baseURL + "/api/v1/generate/record-info?taskId=" + externalJobID
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create harmonia poll request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)

	httpResp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("harmonia poll failed: %w", err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read harmonia poll response: %w", err)
	}
	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		return nil, fmt.Errorf("harmonia poll returned status %d", httpResp.StatusCode)
	}

	var envelope harmoniaEnvelope
	if err := json.Unmarshal(respBody, &envelope); err != nil {
		return nil, fmt.Errorf("failed to parse harmonia poll response: %w", err)
	}
	if envelope.Code != 200 {
		return nil, fmt.Errorf("harmonia error %d: %s", envelope.Code, envelope.Msg)
	}

	var record harmoniaRecordInfo
	if err := json.Unmarshal(envelope.Data, &record); err != nil {
		return nil, fmt.Errorf("failed to parse harmonia record info: %w", err)
	}
	return harmoniaStatusToUpdate(record)
}

func harmoniaStatusToUpdate(record harmoniaRecordInfo) (*domain.StatusUpdate, error) {
	switch record.Status {
	case "PENDING":
		return &domain.StatusUpdate{Status: domain.CanonicalStatusProgress, Progress: 10}, nil
	case "TEXT_SUCCESS":
		return &domain.StatusUpdate{Status: domain.CanonicalStatusProgress, Progress: 40}, nil
	case "FIRST_SUCCESS":
		return &domain.StatusUpdate{Status: domain.CanonicalStatusProgress, Progress: 70}, nil
	case "SUCCESS":
		return &domain.StatusUpdate{Status: domain.CanonicalStatusSucceeded, Progress: 100, Payload: record.Response}, nil
	case "CREATE_TASK_FAILED", "GENERATE_AUDIO_FAILED", "SENSITIVE_WORD_ERROR", "CALLBACK_EXCEPTION":
		reason := record.ErrorMessage
		if reason == "" {
			reason = record.Status
		}
		return &domain.StatusUpdate{Status: domain.CanonicalStatusFailed, Reason: reason}, nil
	default:
		return nil, fmt.Errorf("unknown harmonia status %q", record.Status)
	}
}

// ParseWebhook verifies the HS256 token Harmonia sends in X-Callback-Token
// and normalizes the callback stages (text, first, complete, error).
func (p *HarmoniaProvider) ParseWebhook(r *http.Request, body []byte) (*domain.WebhookEvent, error) {
	tokenString := r.Header.Get("X-Callback-Token")
	if tokenString == "" {
		return nil, fmt.Errorf("%w: missing callback token", ErrInvalidWebhook)
	}
	_, err := jwt.Parse(tokenString, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return []byte(p.callbackSecret), nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidWebhook, err)
	}

	var callback harmoniaCallback
	if err := json.Unmarshal(body, &callback); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidWebhook, err)
	}
	if callback.Data.TaskID == "" {
		return nil, fmt.Errorf("%w: missing task id", ErrInvalidWebhook)
	}

	event := &domain.WebhookEvent{ExternalJobID: callback.Data.TaskID}
	switch callback.Data.CallbackType {
	case "text":
		event.Update = domain.StatusUpdate{Status: domain.CanonicalStatusProgress, Progress: 40}
	case "first":
		event.Update = domain.StatusUpdate{Status: domain.CanonicalStatusProgress, Progress: 70}
	case "complete":
		event.Update = domain.StatusUpdate{Status: domain.CanonicalStatusSucceeded, Progress: 100, Payload: callback.Data.Data}
	case "error":
		reason := callback.Msg
		if reason == "" {
			reason = "generation failed"
		}
		event.Update = domain.StatusUpdate{Status: domain.CanonicalStatusFailed, Reason: reason}
	default:
		return nil, fmt.Errorf("%w: unknown callback type %q", ErrInvalidWebhook, callback.Data.CallbackType)
	}
	return event, nil
}

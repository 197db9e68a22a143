package provider

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"

	"github.com/muselab/genledger/internal/orchestrator_service/domain"
)

// ErrInvalidWebhook marks a callback that failed authentication or could not
// be parsed. The ingress handler rejects these before anything is recorded.
var ErrInvalidWebhook = errors.New("invalid webhook payload or signature")

// SubmitRequest holds what an adapter needs to start a generation task.
// Input is the caller-supplied, provider-specific parameter document.
type SubmitRequest struct {
	JobID         uuid.UUID
	OperationKind domain.OperationKind
	Input         json.RawMessage
	CallbackURL   string
}

// SubmitResult is a successful task submission.
type SubmitResult struct {
	ExternalJobID string
}

// Adapter translates between one provider's API and the canonical job model.
type Adapter interface {
	Name() string
	// Submit starts the task and returns the provider's job id.
	Submit(ctx context.Context, req SubmitRequest) (*SubmitResult, error)
	// Poll fetches the task's current status from the provider.
	Poll(ctx context.Context, externalJobID string) (*domain.StatusUpdate, error)
	// ParseWebhook authenticates the callback and normalizes it. A returned
	// event with an empty DeliveryID gets one derived from the body by the
	// ingress handler.
	ParseWebhook(r *http.Request, body []byte) (*domain.WebhookEvent, error)
}

// Registry resolves adapters by provider name.
type Registry struct {
	adapters map[string]Adapter
}

func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[string]Adapter, len(adapters))}
	for _, a := range adapters {
		r.adapters[a.Name()] = a
	}
	return r
}

func (r *Registry) Get(name string) (Adapter, error) {
	a, ok := r.adapters[name]
	if !ok {
		return nil, domain.ErrUnknownProvider
	}
	return a, nil
}

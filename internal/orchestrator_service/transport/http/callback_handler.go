package http

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chi_middleware "github.com/go-chi/chi/v5/middleware"

	"github.com/muselab/genledger/internal/orchestrator_service/adapters/provider"
	"github.com/muselab/genledger/internal/orchestrator_service/domain"
)

const maxCallbackBodySize = 1 << 20 // 1 MB

// CallbackProcessor authenticates, deduplicates and reconciles one provider
// callback.
type CallbackProcessor interface {
	HandleCallback(ctx context.Context, providerName string, r *http.Request, body []byte) error
}

// CallbackHandler is the provider webhook ingress. Once a delivery is durably
// recorded the provider gets a 2xx, whatever the signal turned out to mean;
// non-2xx responses are reserved for unauthenticated or malformed callbacks.
type CallbackHandler struct {
	orchestrator CallbackProcessor
	logger       *slog.Logger
}

func NewCallbackHandler(orchestrator CallbackProcessor, logger *slog.Logger) *CallbackHandler {
	return &CallbackHandler{
		orchestrator: orchestrator,
		logger:       logger.With("component", "callback_handler"),
	}
}

func (h *CallbackHandler) HandleProviderCallback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	providerName := chi.URLParam(r, "provider")
	logger := h.logger.With("request_id", chi_middleware.GetReqID(ctx), "provider", providerName)

	r.Body = http.MaxBytesReader(w, r.Body, maxCallbackBodySize)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		logger.WarnContext(ctx, "Failed to read callback body", "error", err)
		http.Error(w, "error reading request body", http.StatusBadRequest)
		return
	}

	if err := h.orchestrator.HandleCallback(ctx, providerName, r, body); err != nil {
		switch {
		case errors.Is(err, domain.ErrUnknownProvider):
			http.Error(w, "unknown provider", http.StatusNotFound)
		case errors.Is(err, provider.ErrInvalidWebhook):
			logger.WarnContext(ctx, "Rejected callback", "error", err)
			http.Error(w, "invalid callback", http.StatusBadRequest)
		default:
			logger.ErrorContext(ctx, "Callback processing failed", "error", err)
			http.Error(w, "internal server error", http.StatusInternalServerError)
		}
		return
	}

	w.WriteHeader(http.StatusOK)
}

package http

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chi_middleware "github.com/go-chi/chi/v5/middleware"
)

// NewRouter assembles the public API: generation operations, the credit
// ledger and the provider callback ingress.
func NewRouter(operationHandler *OperationHandler, ledgerHandler *LedgerHandler, callbackHandler *CallbackHandler) http.Handler {
	r := chi.NewRouter()

	r.Use(chi_middleware.RequestID)
	r.Use(chi_middleware.RealIP)
	r.Use(chi_middleware.Recoverer)
	r.Use(chi_middleware.Timeout(60 * time.Second))
	r.Use(PrometheusMetricsMiddleware)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/operations", func(r chi.Router) {
			r.Post("/", operationHandler.SubmitOperation)
			r.Get("/{jobID}", operationHandler.GetJob)
			r.Post("/{jobID}/cancel", operationHandler.CancelJob)
		})
		r.Post("/accounts", ledgerHandler.CreateAccount)
		r.Route("/ledger/{userID}", func(r chi.Router) {
			r.Get("/balance", ledgerHandler.GetBalance)
			r.Get("/transactions", ledgerHandler.GetTransactions)
			r.Post("/grants", ledgerHandler.GrantCredits)
		})
	})

	r.Post("/callbacks/{provider}", callbackHandler.HandleProviderCallback)

	return r
}

package rest

import (
	"database/sql"
	"log/slog"

	"github.com/go-chi/chi"
	chiMiddleware "github.com/go-chi/chi/middleware"

	"github.com/dmpolin/connect-billing/internal/billing"
	"github.com/dmpolin/connect-billing/internal/entitlement"
	"github.com/dmpolin/connect-billing/internal/transport/middleware"
)

func RegisterAllRoutes(router *chi.Mux, db *sql.DB, billingHandler *billing.Handler, webhookHandler *billing.WebhookHandler, entitlementHandler *entitlement.Handler, logger *slog.Logger) {
	healthHandler := NewHealthHandler(db)

	// Apply global middleware
	router.Use(middleware.CORS)
	router.Use(chiMiddleware.RequestID)
	router.Use(middleware.LoggingMiddleware(logger))
	router.Use(middleware.RecoveryMiddleware(logger))

	router.Route("/api/v1", func(r chi.Router) {
		// Health check route
		r.Get("/health", healthHandler.healthCheckHandler)
		r.Get("/ping", healthHandler.pingHandler)

		// Gateway webhooks. Unauthenticated by contract; both always
		// respond 200 so the gateway does not hammer retries.
		if webhookHandler != nil {
			r.Post("/gateway/callback", webhookHandler.HandleCallback)
			r.Post("/gateway/timeout", webhookHandler.HandleTimeout)
		}

		if billingHandler != nil {
			r.Route("/payments", func(pr chi.Router) {
				pr.Post("/", billingHandler.InitiatePayment)      // POST /payments
				pr.Get("/{id}", billingHandler.GetPayment)        // GET /payments/:id
				pr.Post("/{id}/void", billingHandler.VoidPayment) // POST /payments/:id/void
			})
		}

		if entitlementHandler != nil {
			r.Route("/entitlements", func(er chi.Router) {
				er.Post("/", entitlementHandler.Provision)              // POST /entitlements
				er.Get("/{identity}", entitlementHandler.GetByIdentity) // GET /entitlements/:identity
			})
		}
	})
}

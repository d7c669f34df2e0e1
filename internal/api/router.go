/**
 * @description
 * This file sets up the HTTP router for the billing-service using the
 * go-chi/chi router. It defines the API routes, applies middleware for
 * logging, CORS and authentication, and maps the routes to their handlers.
 */
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates a new Chi router and registers the billing-service
// routes. The webhook endpoint stays outside the auth group; it is
// authenticated by HMAC signature instead.
func NewRouter(h *BillingHandlers, webhook *WebhookHandler, serviceJWTSecret string) *chi.Mux {
	r := chi.NewRouter()

	// Setup middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health check endpoint
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("Billing service is healthy"))
	})

	// Gateway webhook endpoint, HMAC-verified
	r.Post("/webhooks/pagbank", webhook.ServeHTTP)

	// Protected operator routes
	r.Group(func(r chi.Router) {
		r.Use(ServiceAuthMiddleware(serviceJWTSecret))

		r.Route("/jobs", func(r chi.Router) {
			r.Post("/invoice-generation", h.LaunchInvoiceGenerationHandler)
			r.Post("/recurrent-billing", h.LaunchRecurrentBillingHandler)
			r.Post("/fallback-sweep", h.LaunchFallbackSweepHandler)
			r.Post("/status-reconciliation", h.LaunchStatusReconciliationHandler)
			r.Get("/", h.ListJobRunsHandler)
			r.Get("/{jobID}", h.GetJobRunHandler)
			r.Post("/{jobID}/cancel", h.CancelJobRunHandler)
		})

		r.Route("/contracts/{contractID}", func(r chi.Router) {
			r.Post("/billing/schedule", h.CreateScheduleHandler)
			r.Get("/billing/schedule", h.GetScheduleHandler)
			r.Delete("/billing/schedule", h.DeactivateScheduleHandler)
			r.Post("/billing/manual", h.SetupManualBillingHandler)
			r.Post("/billing/recurrent", h.SetupRecurrentBillingHandler)
			r.Get("/invoices", h.ListInvoicesHandler)
		})

		r.Route("/invoices/{invoiceID}", func(r chi.Router) {
			r.Post("/mark-paid", h.MarkInvoicePaidHandler)
			r.Post("/cancel", h.CancelInvoiceHandler)
			r.Post("/checkout", h.CreateCheckoutHandler)
		})
	})

	return r
}

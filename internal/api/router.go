/**
 * @description
 * This file sets up the HTTP router for the payout-service. It defines the API
 * endpoints, associates them with their corresponding handlers, and applies any
 * necessary middleware, such as for authentication.
 *
 * @dependencies
 * - net/http: Standard Go library for HTTP functionality.
 * - github.com/go-chi/chi/v5: A lightweight and idiomatic router for Go.
 */

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// PayoutRoutes creates and returns a new router for the payout service.
func PayoutRoutes(h *PayoutHandlers, jwksURL, internalAPIKey string) http.Handler {
	r := chi.NewRouter()

	// Add standard middleware for logging, panic recovery, and timeouts.
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	// Health check endpoint
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	})

	// Webhook intake. Signature verification happens at the edge; the internal
	// key keeps this endpoint off the public surface.
	r.Group(func(r chi.Router) {
		r.Use(RequireInternalKey(internalAPIKey))
		r.Post("/webhooks/events", h.WebhookEventHandler)
	})

	// Settlement is authorized by the admin credential alone, not user auth.
	r.Post("/requests/{ledgerID}/settle", h.SettleHandler)

	// Group routes that require authentication.
	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(jwksURL))

		// Payout account endpoints
		r.Post("/accounts", h.RegisterAccountHandler)
		r.Get("/accounts", h.ListAccountsHandler)
		r.Get("/accounts/default", h.GetDefaultAccountHandler)
		r.Delete("/accounts/{accountID}", h.DisableAccountHandler)
		r.Post("/accounts/onboarding", h.OnboardingLinkHandler)

		// Payout ledger endpoints
		r.Post("/requests", h.CreatePayoutRequestHandler)
		r.Get("/requests", h.ListPayoutRequestsHandler)
		r.Get("/requests/{ledgerID}", h.GetPayoutRequestHandler)
		r.Post("/requests/{ledgerID}/transfer-report", h.ReportTransferHandler)
	})

	return r
}

package router

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/inaiurai/consumables/internal/handlers"
	"github.com/inaiurai/consumables/internal/middleware"
)

// Deps carries everything the router mounts.
type Deps struct {
	Consumables   *handlers.ConsumablesHandler
	Webhooks      *handlers.WebhookHandler
	WebhookSecret string
	Health        http.HandlerFunc
	Logger        *slog.Logger
}

// New returns an http.Handler that serves the API under /api/v1.
func New(d Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestLogger(d.Logger))
	r.Use(chimw.Recoverer)

	if d.Health != nil {
		r.Get("/health", d.Health)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/users/{userID}/consumables", func(r chi.Router) {
			r.Use(middleware.UserScope)
			r.Get("/balance", d.Consumables.GetBalance)
			r.Post("/purchases", d.Consumables.RecordPurchase)
			r.Get("/purchases", d.Consumables.ListPurchases)
			r.Post("/usages", d.Consumables.RecordUsage)
			r.Get("/usages", d.Consumables.ListUsages)
		})

		r.With(middleware.WebhookSignature(d.WebhookSecret)).
			Post("/webhooks/revenuecat", d.Webhooks.RevenueCat)
	})

	return r
}

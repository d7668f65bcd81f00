package main

import (
	"log/slog"
	"net/http"

	"github.com/rs/cors"

	"github.com/inaiurai/consumables/internal/config"
	"github.com/inaiurai/consumables/internal/handlers"
	"github.com/inaiurai/consumables/internal/router"
	"github.com/inaiurai/consumables/internal/services"
)

// buildHTTPHandler wires the consumables and webhook handlers into the router
// and wraps it in CORS. enqueue is nil when webhooks are processed inline.
func buildHTTPHandler(
	cfg config.Config,
	svc *services.ConsumablesService,
	validator *services.Validator,
	db handlers.Pinger,
	enqueue handlers.EnqueuePurchaseFunc,
	logger *slog.Logger,
) http.Handler {
	consumablesHandler := &handlers.ConsumablesHandler{
		Service:   svc,
		Validator: validator,
		Logger:    logger,
	}
	webhookHandler := &handlers.WebhookHandler{
		Service:   svc,
		Products:  cfg.Products,
		Validator: validator,
		Enqueue:   enqueue,
		Logger:    logger,
	}

	apiRouter := router.New(router.Deps{
		Consumables:   consumablesHandler,
		Webhooks:      webhookHandler,
		WebhookSecret: cfg.RevenueCatWebhookSecret,
		Health:        handlers.Health(db),
		Logger:        logger,
	})

	return cors.New(cors.Options{
		AllowedOrigins: cfg.AllowedOrigins(),
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Signature"},
	}).Handler(apiRouter)
}

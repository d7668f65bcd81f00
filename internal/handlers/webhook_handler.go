package handlers

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/inaiurai/consumables/internal/execution"
	"github.com/inaiurai/consumables/internal/models"
	"github.com/inaiurai/consumables/internal/services"
	"github.com/inaiurai/consumables/internal/webhook"
)

const (
	StatusIgnored          = "ignored"
	StatusProcessed        = "processed"
	StatusAlreadyProcessed = "already_processed"
	StatusQueued           = "queued"
)

// WebhookPurchaser applies a verified webhook purchase.
type WebhookPurchaser interface {
	RecordPurchaseFromWebhook(ctx context.Context, userID, transactionID string, credits int, source models.Source, productID string, priceCents int, currency string) (services.WebhookPurchaseResult, error)
}

// EnqueuePurchaseFunc enqueues a webhook purchase for background processing.
// Provided by main using river.Client.Insert.
type EnqueuePurchaseFunc func(ctx context.Context, args execution.WebhookPurchaseArgs) error

// WebhookHandler serves POST /api/v1/webhooks/revenuecat. The route must be
// wrapped in middleware.WebhookSignature, which verifies the raw body.
type WebhookHandler struct {
	Service   WebhookPurchaser
	Products  map[string]int
	Validator *services.Validator
	// Enqueue, when set, defers the purchase to a River job and answers 202.
	Enqueue EnqueuePurchaseFunc
	Logger  *slog.Logger
}

type webhookResponse struct {
	Status    string `json:"status"`
	RequestID string `json:"request_id"`
	Balance   *int   `json:"balance,omitempty"`
}

// RevenueCat handles a signed RevenueCat delivery.
// Validate envelope -> parse purchase -> map product to credits -> apply inline or enqueue.
func (h *WebhookHandler) RevenueCat(w http.ResponseWriter, r *http.Request) {
	logger := h.logger()
	requestID := chimw.GetReqID(r.Context())
	if requestID == "" {
		requestID = uuid.NewString()
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, `{"error":"failed to read body"}`, http.StatusBadRequest)
		return
	}
	if h.Validator != nil {
		if err := h.Validator.ValidateWebhookEvent(body); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
	}
	var ev webhook.RevenueCatEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}

	purchase, ok := webhook.ParsePurchaseEvent(ev)
	if !ok {
		logger.Debug("webhook event ignored", "request_id", requestID, "type", ev.Event.Type)
		writeJSON(w, http.StatusOK, webhookResponse{Status: StatusIgnored, RequestID: requestID})
		return
	}
	if purchase.UserID == "" || purchase.TransactionID == "" {
		http.Error(w, `{"error":"app_user_id and transaction_id are required"}`, http.StatusBadRequest)
		return
	}

	credits, known := h.Products[purchase.ProductID]
	if !known {
		logger.Warn("webhook purchase for unknown product ignored",
			"request_id", requestID,
			"product_id", purchase.ProductID,
			"transaction_id", purchase.TransactionID,
		)
		writeJSON(w, http.StatusOK, webhookResponse{Status: StatusIgnored, RequestID: requestID})
		return
	}

	if h.Enqueue != nil {
		args := execution.WebhookPurchaseArgs{
			UserID:        purchase.UserID,
			TransactionID: purchase.TransactionID,
			ProductID:     purchase.ProductID,
			Credits:       credits,
			Source:        purchase.Source,
			PriceCents:    purchase.PriceCents,
			Currency:      purchase.Currency,
			RequestID:     requestID,
		}
		if err := h.Enqueue(r.Context(), args); err != nil {
			logger.Error("enqueue webhook purchase failed", "request_id", requestID, "transaction_id", purchase.TransactionID, "error", err)
			http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusAccepted, webhookResponse{Status: StatusQueued, RequestID: requestID})
		return
	}

	res, err := h.Service.RecordPurchaseFromWebhook(r.Context(), purchase.UserID, purchase.TransactionID, credits, purchase.Source, purchase.ProductID, purchase.PriceCents, purchase.Currency)
	if err != nil {
		logger.Error("webhook purchase failed", "request_id", requestID, "transaction_id", purchase.TransactionID, "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}

	status := StatusProcessed
	if res.AlreadyProcessed {
		status = StatusAlreadyProcessed
	}
	logger.Info("webhook purchase handled",
		"request_id", requestID,
		"user_id", purchase.UserID,
		"transaction_id", purchase.TransactionID,
		"status", status,
	)
	writeJSON(w, http.StatusOK, webhookResponse{Status: status, RequestID: requestID, Balance: &res.Balance})
}

func (h *WebhookHandler) logger() *slog.Logger {
	if h.Logger == nil {
		return slog.Default()
	}
	return h.Logger
}

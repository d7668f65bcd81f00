package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/inaiurai/consumables/internal/middleware"
	"github.com/inaiurai/consumables/internal/models"
	"github.com/inaiurai/consumables/internal/repository"
	"github.com/inaiurai/consumables/internal/services"
)

const (
	// MaxHistoryLimit caps the page size of history listings.
	MaxHistoryLimit = 200

	maxRequestBodyBytes = 64 << 10
)

// ConsumablesService is the subset of the balance service the handler needs.
type ConsumablesService interface {
	GetBalance(ctx context.Context, userID string) (services.BalanceResponse, error)
	RecordPurchase(ctx context.Context, userID string, req services.PurchaseRequest) (services.BalanceResponse, error)
	RecordUsage(ctx context.Context, userID string, filename *string) (services.UseResponse, error)
	GetPurchaseHistory(ctx context.Context, userID string, limit, offset int) ([]*models.Purchase, error)
	GetUsageHistory(ctx context.Context, userID string, limit, offset int) ([]*models.Usage, error)
}

// ConsumablesHandler serves /api/v1/users/{userID}/consumables endpoints.
// Routes must be wrapped in middleware.UserScope.
type ConsumablesHandler struct {
	Service   ConsumablesService
	Validator *services.Validator
	Logger    *slog.Logger
}

type usageRequest struct {
	Filename *string `json:"filename"`
}

type purchaseHistoryResponse struct {
	Purchases []*models.Purchase `json:"purchases"`
	Limit     int                `json:"limit"`
	Offset    int                `json:"offset"`
}

type usageHistoryResponse struct {
	Usages []*models.Usage `json:"usages"`
	Limit  int             `json:"limit"`
	Offset int             `json:"offset"`
}

// GetBalance handles GET .../consumables/balance.
func (h *ConsumablesHandler) GetBalance(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserIDFromCtx(r.Context())
	res, err := h.Service.GetBalance(r.Context(), userID)
	if err != nil {
		h.internalError(w, "get balance failed", userID, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// RecordPurchase handles POST .../consumables/purchases.
func (h *ConsumablesHandler) RecordPurchase(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserIDFromCtx(r.Context())

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBodyBytes))
	if err != nil {
		http.Error(w, `{"error":"failed to read body"}`, http.StatusBadRequest)
		return
	}
	if h.Validator != nil {
		if err := h.Validator.ValidatePurchaseRequest(body); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
	}
	var req services.PurchaseRequest
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}

	res, err := h.Service.RecordPurchase(r.Context(), userID, req)
	if errors.Is(err, repository.ErrDuplicateTransaction) {
		http.Error(w, `{"error":"transaction_ref_id already recorded"}`, http.StatusConflict)
		return
	}
	if err != nil {
		h.internalError(w, "record purchase failed", userID, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// RecordUsage handles POST .../consumables/usages. The body is optional.
// A refused deduction answers 402 with the current balance.
func (h *ConsumablesHandler) RecordUsage(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserIDFromCtx(r.Context())

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBodyBytes))
	if err != nil {
		http.Error(w, `{"error":"failed to read body"}`, http.StatusBadRequest)
		return
	}
	var req usageRequest
	if len(body) > 0 {
		if h.Validator != nil {
			if err := h.Validator.ValidateUsageRequest(body); err != nil {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
				return
			}
		}
		if err := json.Unmarshal(body, &req); err != nil {
			http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
			return
		}
	}

	res, err := h.Service.RecordUsage(r.Context(), userID, req.Filename)
	if err != nil {
		h.internalError(w, "record usage failed", userID, err)
		return
	}
	if !res.Success {
		writeJSON(w, http.StatusPaymentRequired, res)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// ListPurchases handles GET .../consumables/purchases?limit=&offset=.
func (h *ConsumablesHandler) ListPurchases(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserIDFromCtx(r.Context())
	limit, offset, ok := parsePage(w, r)
	if !ok {
		return
	}
	list, err := h.Service.GetPurchaseHistory(r.Context(), userID, limit, offset)
	if err != nil {
		h.internalError(w, "list purchases failed", userID, err)
		return
	}
	if list == nil {
		list = []*models.Purchase{}
	}
	writeJSON(w, http.StatusOK, purchaseHistoryResponse{Purchases: list, Limit: limit, Offset: offset})
}

// ListUsages handles GET .../consumables/usages?limit=&offset=.
func (h *ConsumablesHandler) ListUsages(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserIDFromCtx(r.Context())
	limit, offset, ok := parsePage(w, r)
	if !ok {
		return
	}
	list, err := h.Service.GetUsageHistory(r.Context(), userID, limit, offset)
	if err != nil {
		h.internalError(w, "list usages failed", userID, err)
		return
	}
	if list == nil {
		list = []*models.Usage{}
	}
	writeJSON(w, http.StatusOK, usageHistoryResponse{Usages: list, Limit: limit, Offset: offset})
}

// parsePage reads limit and offset. A missing limit means the service
// default; numeric limits are clamped to [1, MaxHistoryLimit].
func parsePage(w http.ResponseWriter, r *http.Request) (limit, offset int, ok bool) {
	limit = services.DefaultHistoryLimit
	q := r.URL.Query()
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			http.Error(w, `{"error":"limit must be an integer"}`, http.StatusBadRequest)
			return 0, 0, false
		}
		limit = max(1, min(n, MaxHistoryLimit))
	}
	if raw := q.Get("offset"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			http.Error(w, `{"error":"offset must be a non-negative integer"}`, http.StatusBadRequest)
			return 0, 0, false
		}
		offset = n
	}
	return limit, offset, true
}

func (h *ConsumablesHandler) internalError(w http.ResponseWriter, msg, userID string, err error) {
	logger := h.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Error(msg, "user_id", userID, "error", err)
	http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

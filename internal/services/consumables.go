package services

import (
	"context"
	"errors"
	"log/slog"

	"github.com/inaiurai/consumables/internal/models"
	"github.com/inaiurai/consumables/internal/repository"
)

const (
	DefaultHistoryLimit = 50

	EventPurchaseRecorded = "consumables.purchase.recorded"
	EventUsageRecorded    = "consumables.usage.recorded"
)

// BalanceStore is the persisted per-user balance. Increment and
// GuardedDecrement must each be a single atomic conditional statement.
type BalanceStore interface {
	GetOrCreate(ctx context.Context, userID string, freeCredits int) (b *models.Balance, created bool, err error)
	Increment(ctx context.Context, userID string, amount int) (newBalance int, err error)
	GuardedDecrement(ctx context.Context, userID string, amount int) (newBalance int, ok bool, err error)
}

// Ledger is the append-only purchase and usage audit log.
type Ledger interface {
	AppendPurchase(ctx context.Context, p *models.Purchase) error
	AppendUsage(ctx context.Context, u *models.Usage) error
	ListPurchases(ctx context.Context, userID string, limit, offset int) ([]*models.Purchase, error)
	ListUsages(ctx context.Context, userID string, limit, offset int) ([]*models.Usage, error)
	FindPurchaseByTransactionRef(ctx context.Context, transactionID string) (*models.Purchase, error)
}

// EventPublisher receives domain events after a balance mutation is committed.
type EventPublisher interface {
	Publish(ctx context.Context, exchange, routingKey string, body interface{}) error
}

type BalanceResponse struct {
	Balance        int `json:"balance"`
	InitialCredits int `json:"initial_credits"`
}

type UseResponse struct {
	Balance int  `json:"balance"`
	Success bool `json:"success"`
}

type PurchaseRequest struct {
	Credits          int           `json:"credits"`
	Source           models.Source `json:"source"`
	TransactionRefID *string       `json:"transaction_ref_id,omitempty"`
	ProductID        *string       `json:"product_id,omitempty"`
	PriceCents       *int          `json:"price_cents,omitempty"`
	Currency         *string       `json:"currency,omitempty"`
}

type WebhookPurchaseResult struct {
	AlreadyProcessed bool `json:"already_processed"`
	Balance          int  `json:"balance"`
}

// PurchaseRecordedEvent is published after a purchase has been applied.
type PurchaseRecordedEvent struct {
	UserID           string        `json:"user_id"`
	Credits          int           `json:"credits"`
	Source           models.Source `json:"source"`
	TransactionRefID *string       `json:"transaction_ref_id,omitempty"`
	Balance          int           `json:"balance"`
}

// UsageRecordedEvent is published after a credit has been consumed.
type UsageRecordedEvent struct {
	UserID   string  `json:"user_id"`
	Filename *string `json:"filename,omitempty"`
	Balance  int     `json:"balance"`
}

// ConsumablesService applies purchases and usages to per-user credit balances.
// It holds no locks: all coordination between concurrent calls happens in the
// store's conditional updates.
type ConsumablesService struct {
	Balances    BalanceStore
	Ledger      Ledger
	FreeCredits int

	// Optional. When nil no events are published.
	Events   EventPublisher
	Exchange string
	Logger   *slog.Logger
}

// NewConsumablesService returns a ConsumablesService granting freeCredits on first access.
func NewConsumablesService(balances BalanceStore, ledger Ledger, freeCredits int, logger *slog.Logger) *ConsumablesService {
	if logger == nil {
		logger = slog.Default()
	}
	return &ConsumablesService{Balances: balances, Ledger: ledger, FreeCredits: freeCredits, Logger: logger}
}

// WithEvents enables best-effort event publication to exchange.
func (s *ConsumablesService) WithEvents(events EventPublisher, exchange string) *ConsumablesService {
	s.Events = events
	s.Exchange = exchange
	return s
}

// GetBalance returns the user's balance, creating it with the configured free
// credits on first access. A positive grant is also written as a free purchase.
func (s *ConsumablesService) GetBalance(ctx context.Context, userID string) (BalanceResponse, error) {
	b, created, err := s.Balances.GetOrCreate(ctx, userID, s.FreeCredits)
	if err != nil {
		return BalanceResponse{}, err
	}
	if created && s.FreeCredits > 0 {
		grant := &models.Purchase{
			UserID:  userID,
			Credits: s.FreeCredits,
			Source:  models.SourceFree,
		}
		if err := s.Ledger.AppendPurchase(ctx, grant); err != nil {
			return BalanceResponse{}, err
		}
	}
	return BalanceResponse{Balance: b.Balance, InitialCredits: b.InitialCredits}, nil
}

// RecordPurchase appends a purchase record and then atomically adds its
// credits to the balance. Credits are applied as given.
func (s *ConsumablesService) RecordPurchase(ctx context.Context, userID string, req PurchaseRequest) (BalanceResponse, error) {
	current, err := s.GetBalance(ctx, userID)
	if err != nil {
		return BalanceResponse{}, err
	}

	p := &models.Purchase{
		UserID:           userID,
		Credits:          req.Credits,
		Source:           req.Source,
		TransactionRefID: req.TransactionRefID,
		ProductID:        req.ProductID,
		PriceCents:       req.PriceCents,
		Currency:         req.Currency,
	}
	if err := s.Ledger.AppendPurchase(ctx, p); err != nil {
		return BalanceResponse{}, err
	}

	newBalance, err := s.Balances.Increment(ctx, userID, req.Credits)
	if err != nil {
		return BalanceResponse{}, err
	}

	s.publish(ctx, EventPurchaseRecorded, PurchaseRecordedEvent{
		UserID:           userID,
		Credits:          req.Credits,
		Source:           req.Source,
		TransactionRefID: req.TransactionRefID,
		Balance:          newBalance,
	})
	return BalanceResponse{Balance: newBalance, InitialCredits: current.InitialCredits}, nil
}

// RecordUsage deducts one credit. When the deduction is refused (no credits
// left, or no balance row yet) it reports the current balance with
// Success=false and writes no usage record.
func (s *ConsumablesService) RecordUsage(ctx context.Context, userID string, filename *string) (UseResponse, error) {
	newBalance, ok, err := s.Balances.GuardedDecrement(ctx, userID, 1)
	if err != nil {
		return UseResponse{}, err
	}
	if !ok {
		current, err := s.GetBalance(ctx, userID)
		if err != nil {
			return UseResponse{}, err
		}
		return UseResponse{Balance: current.Balance, Success: false}, nil
	}

	if err := s.Ledger.AppendUsage(ctx, &models.Usage{UserID: userID, Filename: filename}); err != nil {
		return UseResponse{}, err
	}

	s.publish(ctx, EventUsageRecorded, UsageRecordedEvent{UserID: userID, Filename: filename, Balance: newBalance})
	return UseResponse{Balance: newBalance, Success: true}, nil
}

// GetPurchaseHistory lists purchases most recent first. limit <= 0 means the default of 50.
func (s *ConsumablesService) GetPurchaseHistory(ctx context.Context, userID string, limit, offset int) ([]*models.Purchase, error) {
	limit, offset = normalizePage(limit, offset)
	return s.Ledger.ListPurchases(ctx, userID, limit, offset)
}

// GetUsageHistory lists usages most recent first. limit <= 0 means the default of 50.
func (s *ConsumablesService) GetUsageHistory(ctx context.Context, userID string, limit, offset int) ([]*models.Usage, error) {
	limit, offset = normalizePage(limit, offset)
	return s.Ledger.ListUsages(ctx, userID, limit, offset)
}

// RecordPurchaseFromWebhook records a provider purchase at most once per
// transactionID. Redeliveries, including ones racing the first delivery,
// report AlreadyProcessed with the current balance.
func (s *ConsumablesService) RecordPurchaseFromWebhook(
	ctx context.Context,
	userID, transactionID string,
	credits int,
	source models.Source,
	productID string,
	priceCents int,
	currency string,
) (WebhookPurchaseResult, error) {
	existing, err := s.Ledger.FindPurchaseByTransactionRef(ctx, transactionID)
	if err != nil {
		return WebhookPurchaseResult{}, err
	}
	if existing != nil {
		return s.alreadyProcessed(ctx, userID)
	}

	res, err := s.RecordPurchase(ctx, userID, PurchaseRequest{
		Credits:          credits,
		Source:           source,
		TransactionRefID: &transactionID,
		ProductID:        &productID,
		PriceCents:       &priceCents,
		Currency:         &currency,
	})
	if errors.Is(err, repository.ErrDuplicateTransaction) {
		// A concurrent delivery inserted the same reference after our lookup.
		// The purchase row is written before the increment, so nothing was applied.
		s.logger().Info("concurrent webhook delivery deduplicated", "user_id", userID, "transaction_id", transactionID)
		return s.alreadyProcessed(ctx, userID)
	}
	if err != nil {
		return WebhookPurchaseResult{}, err
	}
	return WebhookPurchaseResult{AlreadyProcessed: false, Balance: res.Balance}, nil
}

func (s *ConsumablesService) alreadyProcessed(ctx context.Context, userID string) (WebhookPurchaseResult, error) {
	bal, err := s.GetBalance(ctx, userID)
	if err != nil {
		return WebhookPurchaseResult{}, err
	}
	return WebhookPurchaseResult{AlreadyProcessed: true, Balance: bal.Balance}, nil
}

func (s *ConsumablesService) publish(ctx context.Context, routingKey string, body interface{}) {
	if s.Events == nil {
		return
	}
	if err := s.Events.Publish(ctx, s.Exchange, routingKey, body); err != nil {
		s.logger().Warn("publish event failed", "routing_key", routingKey, "error", err)
	}
}

func (s *ConsumablesService) logger() *slog.Logger {
	if s.Logger == nil {
		return slog.Default()
	}
	return s.Logger
}

func normalizePage(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

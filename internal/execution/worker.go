package execution

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/riverqueue/river"

	"github.com/inaiurai/consumables/internal/models"
	"github.com/inaiurai/consumables/internal/services"
)

// WebhookPurchaseArgs is a verified, parsed webhook purchase waiting to be
// applied. Jobs are unique per transaction id, so a redelivered webhook that
// arrives while the first job is still pending is not enqueued twice.
type WebhookPurchaseArgs struct {
	UserID        string        `json:"user_id"`
	TransactionID string        `json:"transaction_id" river:"unique"`
	ProductID     string        `json:"product_id"`
	Credits       int           `json:"credits"`
	Source        models.Source `json:"source"`
	PriceCents    int           `json:"price_cents"`
	Currency      string        `json:"currency"`
	RequestID     string        `json:"request_id"`
}

func (WebhookPurchaseArgs) Kind() string { return "consumables_webhook_purchase" }

func (WebhookPurchaseArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{UniqueOpts: river.UniqueOpts{ByArgs: true}}
}

// PurchaseRecorder defines the contract the worker needs to apply a purchase.
type PurchaseRecorder interface {
	RecordPurchaseFromWebhook(ctx context.Context, userID, transactionID string, credits int, source models.Source, productID string, priceCents int, currency string) (services.WebhookPurchaseResult, error)
}

type WebhookPurchaseWorker struct {
	river.WorkerDefaults[WebhookPurchaseArgs]
	recorder PurchaseRecorder
	logger   *slog.Logger
}

func NewWebhookPurchaseWorker(recorder PurchaseRecorder, logger *slog.Logger) *WebhookPurchaseWorker {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookPurchaseWorker{recorder: recorder, logger: logger}
}

// Work applies the purchase. Errors are returned so River retries the job;
// retries are safe because the service deduplicates on the transaction id.
func (w *WebhookPurchaseWorker) Work(ctx context.Context, job *river.Job[WebhookPurchaseArgs]) error {
	args := job.Args

	res, err := w.recorder.RecordPurchaseFromWebhook(ctx, args.UserID, args.TransactionID, args.Credits, args.Source, args.ProductID, args.PriceCents, args.Currency)
	if err != nil {
		return fmt.Errorf("failed to record webhook purchase %s: %w", args.TransactionID, err)
	}

	w.logger.Info("webhook purchase applied",
		"request_id", args.RequestID,
		"user_id", args.UserID,
		"transaction_id", args.TransactionID,
		"already_processed", res.AlreadyProcessed,
		"balance", res.Balance,
	)
	return nil
}

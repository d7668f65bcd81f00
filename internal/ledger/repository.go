package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/inaiurai/consumables/internal/models"
	"github.com/inaiurai/consumables/internal/repository"
)

// Repository stores the append-only purchase and usage audit records.
type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const purchaseColumns = `id, user_id, credits, source, transaction_ref_id, product_id, price_cents, currency, created_at`

// AppendPurchase inserts p and fills in its ID and CreatedAt. A reused
// transaction_ref_id yields repository.ErrDuplicateTransaction.
func (r *Repository) AppendPurchase(ctx context.Context, p *models.Purchase) error {
	err := r.pool.QueryRow(ctx, `
		INSERT INTO consumable_purchases (user_id, credits, source, transaction_ref_id, product_id, price_cents, currency)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at
	`, p.UserID, p.Credits, string(p.Source), p.TransactionRefID, p.ProductID, p.PriceCents, p.Currency).Scan(&p.ID, &p.CreatedAt)
	if repository.IsUniqueViolation(err, repository.PurchaseTxRefConstraint) {
		return repository.ErrDuplicateTransaction
	}
	if err != nil {
		return fmt.Errorf("append purchase: %w", err)
	}
	return nil
}

// AppendUsage inserts u and fills in its ID and CreatedAt.
func (r *Repository) AppendUsage(ctx context.Context, u *models.Usage) error {
	err := r.pool.QueryRow(ctx, `
		INSERT INTO consumable_usages (user_id, filename)
		VALUES ($1, $2)
		RETURNING id, created_at
	`, u.UserID, u.Filename).Scan(&u.ID, &u.CreatedAt)
	if err != nil {
		return fmt.Errorf("append usage: %w", err)
	}
	return nil
}

// ListPurchases returns the user's purchases, most recent first.
func (r *Repository) ListPurchases(ctx context.Context, userID string, limit, offset int) ([]*models.Purchase, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+purchaseColumns+`
		FROM consumable_purchases WHERE user_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2 OFFSET $3
	`, userID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	list := []*models.Purchase{}
	for rows.Next() {
		p, err := scanPurchase(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, p)
	}
	return list, rows.Err()
}

// ListUsages returns the user's usages, most recent first.
func (r *Repository) ListUsages(ctx context.Context, userID string, limit, offset int) ([]*models.Usage, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, user_id, filename, created_at
		FROM consumable_usages WHERE user_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2 OFFSET $3
	`, userID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	list := []*models.Usage{}
	for rows.Next() {
		var u models.Usage
		if err := rows.Scan(&u.ID, &u.UserID, &u.Filename, &u.CreatedAt); err != nil {
			return nil, err
		}
		list = append(list, &u)
	}
	return list, rows.Err()
}

// FindPurchaseByTransactionRef returns the purchase recorded for transactionID, or nil if none.
func (r *Repository) FindPurchaseByTransactionRef(ctx context.Context, transactionID string) (*models.Purchase, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+purchaseColumns+`
		FROM consumable_purchases WHERE transaction_ref_id = $1
	`, transactionID)
	p, err := scanPurchase(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

func scanPurchase(row pgx.Row) (*models.Purchase, error) {
	var p models.Purchase
	var source string
	err := row.Scan(&p.ID, &p.UserID, &p.Credits, &source, &p.TransactionRefID, &p.ProductID, &p.PriceCents, &p.Currency, &p.CreatedAt)
	if err != nil {
		return nil, err
	}
	p.Source = models.Source(source)
	return &p, nil
}

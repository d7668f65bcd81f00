package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/inaiurai/consumables/internal/models"
)

type BalanceRepo struct {
	pool *pgxpool.Pool
}

func NewBalanceRepo(pool *pgxpool.Pool) *BalanceRepo {
	return &BalanceRepo{pool: pool}
}

func (r *BalanceRepo) GetByUserID(ctx context.Context, userID string) (*models.Balance, error) {
	var b models.Balance
	err := r.pool.QueryRow(ctx, `
		SELECT user_id, balance, initial_credits, created_at, updated_at
		FROM consumable_balances WHERE user_id = $1
	`, userID).Scan(&b.UserID, &b.Balance, &b.InitialCredits, &b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// GetOrCreate returns the user's balance row, inserting it with freeCredits on
// first access. created is true only for the caller whose insert won; a caller
// that loses a concurrent insert re-reads the winner's row.
func (r *BalanceRepo) GetOrCreate(ctx context.Context, userID string, freeCredits int) (*models.Balance, bool, error) {
	b, err := r.GetByUserID(ctx, userID)
	if err == nil {
		return b, false, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, err
	}

	var created models.Balance
	err = r.pool.QueryRow(ctx, `
		INSERT INTO consumable_balances (user_id, balance, initial_credits)
		VALUES ($1, $2, $2)
		ON CONFLICT (user_id) DO NOTHING
		RETURNING user_id, balance, initial_credits, created_at, updated_at
	`, userID, freeCredits).Scan(&created.UserID, &created.Balance, &created.InitialCredits, &created.CreatedAt, &created.UpdatedAt)
	if err == nil {
		return &created, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, fmt.Errorf("insert balance: %w", err)
	}

	// Lost the race: another writer inserted between our read and insert.
	b, err = r.GetByUserID(ctx, userID)
	if err != nil {
		return nil, false, err
	}
	return b, false, nil
}

// Increment atomically adds amount to the balance and returns the new value.
func (r *BalanceRepo) Increment(ctx context.Context, userID string, amount int) (newBalance int, err error) {
	err = r.pool.QueryRow(ctx, `
		UPDATE consumable_balances SET balance = balance + $1, updated_at = now()
		WHERE user_id = $2
		RETURNING balance
	`, amount, userID).Scan(&newBalance)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("increment balance: %w", err)
	}
	return newBalance, nil
}

// GuardedDecrement atomically deducts amount only if the row exists and
// balance >= amount. ok is false when the guard did not match.
func (r *BalanceRepo) GuardedDecrement(ctx context.Context, userID string, amount int) (newBalance int, ok bool, err error) {
	err = r.pool.QueryRow(ctx, `
		UPDATE consumable_balances SET balance = balance - $1, updated_at = now()
		WHERE user_id = $2 AND balance >= $1
		RETURNING balance
	`, amount, userID).Scan(&newBalance)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("decrement balance: %w", err)
	}
	return newBalance, true, nil
}

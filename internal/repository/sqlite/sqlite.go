/*
Package sqlite provides a SQLite-backed balance store and ledger.

It is used for local runs and single-node deployments (DATABASE_DRIVER=sqlite)
and mirrors the Postgres repositories statement for statement. Every balance
mutation is one conditional UPDATE ... RETURNING, so the non-negative balance
invariant holds without any locking in Go.

Timestamps are stored as fixed-width UTC text so that ORDER BY created_at
sorts chronologically.

USAGE:

	store, err := sqlite.New("./consumables.db")
	if err != nil {
		log.Fatal(err)
	}
	defer store.Close()

	svc := services.NewConsumablesService(store, store, freeCredits, logger)
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/inaiurai/consumables/internal/models"
	"github.com/inaiurai/consumables/internal/repository"
	"github.com/inaiurai/consumables/internal/services"
)

var (
	_ services.BalanceStore = (*Store)(nil)
	_ services.Ledger       = (*Store)(nil)
)

const timeFormat = "2006-01-02T15:04:05.000000000Z"

// Store implements services.BalanceStore and services.Ledger.
type Store struct {
	db *sql.DB
}

// New opens (or creates) the database at dbPath and migrates the schema.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection: serializes writers and keeps ":memory:" a single database.
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS consumable_balances (
		user_id TEXT PRIMARY KEY,
		balance INTEGER NOT NULL DEFAULT 0 CHECK (balance >= 0),
		initial_credits INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS consumable_purchases (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id TEXT NOT NULL,
		credits INTEGER NOT NULL,
		source TEXT NOT NULL,
		transaction_ref_id TEXT UNIQUE,
		product_id TEXT,
		price_cents INTEGER,
		currency TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_consumable_purchases_user_created
		ON consumable_purchases(user_id, created_at DESC, id DESC);

	CREATE TABLE IF NOT EXISTS consumable_usages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id TEXT NOT NULL,
		filename TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_consumable_usages_user_created
		ON consumable_usages(user_id, created_at DESC, id DESC);
	`
	_, err := s.db.Exec(schema)
	return err
}

// ==================== Balance Store ====================

func (s *Store) GetOrCreate(ctx context.Context, userID string, freeCredits int) (*models.Balance, bool, error) {
	b, err := s.getBalance(ctx, userID)
	if err == nil {
		return b, false, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, false, err
	}

	now := formatTime(time.Now())
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO consumable_balances (user_id, balance, initial_credits, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (user_id) DO NOTHING
		RETURNING user_id, balance, initial_credits, created_at, updated_at
	`, userID, freeCredits, freeCredits, now, now)
	created, err := scanBalance(row)
	if err == nil {
		return created, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, false, fmt.Errorf("failed to create balance: %w", err)
	}

	b, err = s.getBalance(ctx, userID)
	if err != nil {
		return nil, false, err
	}
	return b, false, nil
}

func (s *Store) Increment(ctx context.Context, userID string, amount int) (int, error) {
	var newBalance int
	err := s.db.QueryRowContext(ctx, `
		UPDATE consumable_balances SET balance = balance + ?, updated_at = ?
		WHERE user_id = ?
		RETURNING balance
	`, amount, formatTime(time.Now()), userID).Scan(&newBalance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, repository.ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("failed to increment balance: %w", err)
	}
	return newBalance, nil
}

func (s *Store) GuardedDecrement(ctx context.Context, userID string, amount int) (int, bool, error) {
	var newBalance int
	err := s.db.QueryRowContext(ctx, `
		UPDATE consumable_balances SET balance = balance - ?, updated_at = ?
		WHERE user_id = ? AND balance >= ?
		RETURNING balance
	`, amount, formatTime(time.Now()), userID, amount).Scan(&newBalance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to decrement balance: %w", err)
	}
	return newBalance, true, nil
}

func (s *Store) getBalance(ctx context.Context, userID string) (*models.Balance, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT user_id, balance, initial_credits, created_at, updated_at
		FROM consumable_balances WHERE user_id = ?
	`, userID)
	return scanBalance(row)
}

// ==================== Ledger ====================

func (s *Store) AppendPurchase(ctx context.Context, p *models.Purchase) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO consumable_purchases
		(user_id, credits, source, transaction_ref_id, product_id, price_cents, currency, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, p.UserID, p.Credits, string(p.Source), p.TransactionRefID, p.ProductID, p.PriceCents, p.Currency, formatTime(now))
	if err != nil {
		if isUniqueConstraintError(err) {
			return repository.ErrDuplicateTransaction
		}
		return fmt.Errorf("failed to append purchase: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	p.ID = id
	p.CreatedAt = now
	return nil
}

func (s *Store) AppendUsage(ctx context.Context, u *models.Usage) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO consumable_usages (user_id, filename, created_at) VALUES (?, ?, ?)
	`, u.UserID, u.Filename, formatTime(now))
	if err != nil {
		return fmt.Errorf("failed to append usage: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	u.ID = id
	u.CreatedAt = now
	return nil
}

func (s *Store) ListPurchases(ctx context.Context, userID string, limit, offset int) ([]*models.Purchase, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, credits, source, transaction_ref_id, product_id, price_cents, currency, created_at
		FROM consumable_purchases WHERE user_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ? OFFSET ?
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

func (s *Store) ListUsages(ctx context.Context, userID string, limit, offset int) ([]*models.Usage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, filename, created_at
		FROM consumable_usages WHERE user_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ? OFFSET ?
	`, userID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	list := []*models.Usage{}
	for rows.Next() {
		var u models.Usage
		var filename sql.NullString
		var createdAt string
		if err := rows.Scan(&u.ID, &u.UserID, &filename, &createdAt); err != nil {
			return nil, err
		}
		if filename.Valid {
			u.Filename = &filename.String
		}
		if u.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		list = append(list, &u)
	}
	return list, rows.Err()
}

func (s *Store) FindPurchaseByTransactionRef(ctx context.Context, transactionID string) (*models.Purchase, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, credits, source, transaction_ref_id, product_id, price_cents, currency, created_at
		FROM consumable_purchases WHERE transaction_ref_id = ?
	`, transactionID)
	p, err := scanPurchase(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

// ==================== Helpers ====================

type scanner interface {
	Scan(dest ...any) error
}

func scanBalance(row scanner) (*models.Balance, error) {
	var b models.Balance
	var createdAt, updatedAt string
	if err := row.Scan(&b.UserID, &b.Balance, &b.InitialCredits, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	var err error
	if b.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if b.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &b, nil
}

func scanPurchase(row scanner) (*models.Purchase, error) {
	var p models.Purchase
	var source, createdAt string
	var txRef, productID, currency sql.NullString
	var priceCents sql.NullInt64
	err := row.Scan(&p.ID, &p.UserID, &p.Credits, &source, &txRef, &productID, &priceCents, &currency, &createdAt)
	if err != nil {
		return nil, err
	}
	p.Source = models.Source(source)
	p.TransactionRefID = nullStringPtr(txRef)
	p.ProductID = nullStringPtr(productID)
	p.Currency = nullStringPtr(currency)
	if priceCents.Valid {
		v := int(priceCents.Int64)
		p.PriceCents = &v
	}
	if p.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	return &p, nil
}

func nullStringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeFormat, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q: %w", s, err)
	}
	return t, nil
}

func isUniqueConstraintError(err error) bool {
	var sqliteErr sqlite3.Error
	return errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
}

package repository

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PurchaseTxRefConstraint is the unique index guarding webhook idempotency.
const PurchaseTxRefConstraint = "consumable_purchases_transaction_ref_id_key"

const schema = `
CREATE TABLE IF NOT EXISTS consumable_balances (
	user_id         VARCHAR(128) PRIMARY KEY,
	balance         INTEGER      NOT NULL DEFAULT 0 CHECK (balance >= 0),
	initial_credits INTEGER      NOT NULL DEFAULT 0,
	created_at      TIMESTAMPTZ  NOT NULL DEFAULT now(),
	updated_at      TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS consumable_purchases (
	id                 BIGSERIAL    PRIMARY KEY,
	user_id            VARCHAR(128) NOT NULL,
	credits            INTEGER      NOT NULL,
	source             VARCHAR(20)  NOT NULL,
	transaction_ref_id VARCHAR(255),
	product_id         VARCHAR(255),
	price_cents        INTEGER,
	currency           VARCHAR(10),
	created_at         TIMESTAMPTZ  NOT NULL DEFAULT now(),
	CONSTRAINT consumable_purchases_transaction_ref_id_key UNIQUE (transaction_ref_id)
);
CREATE INDEX IF NOT EXISTS consumable_purchases_user_created_idx
	ON consumable_purchases (user_id, created_at DESC, id DESC);

CREATE TABLE IF NOT EXISTS consumable_usages (
	id         BIGSERIAL    PRIMARY KEY,
	user_id    VARCHAR(128) NOT NULL,
	filename   VARCHAR(500),
	created_at TIMESTAMPTZ  NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS consumable_usages_user_created_idx
	ON consumable_usages (user_id, created_at DESC, id DESC);
`

// Migrate creates the consumables tables if they do not exist.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, schema)
	return err
}

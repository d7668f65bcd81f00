package models

import "time"

// Source identifies where purchased credits came from. Store names the
// webhook mapping does not know are passed through as-is.
type Source string

const (
	SourceWeb    Source = "web"
	SourceApple  Source = "apple"
	SourceGoogle Source = "google"
	SourceFree   Source = "free"
)

// Purchase is an append-only audit entry for credits added to a balance.
type Purchase struct {
	ID               int64     `json:"id"`
	UserID           string    `json:"user_id"`
	Credits          int       `json:"credits"`
	Source           Source    `json:"source"`
	TransactionRefID *string   `json:"transaction_ref_id"`
	ProductID        *string   `json:"product_id"`
	PriceCents       *int      `json:"price_cents"`
	Currency         *string   `json:"currency"`
	CreatedAt        time.Time `json:"created_at"`
}

package models

import "time"

// Usage is an append-only audit entry for one consumed credit.
type Usage struct {
	ID        int64     `json:"id"`
	UserID    string    `json:"user_id"`
	Filename  *string   `json:"filename"`
	CreatedAt time.Time `json:"created_at"`
}

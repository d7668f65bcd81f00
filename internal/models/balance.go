package models

import "time"

// Balance is the per-user consumable credit balance row.
type Balance struct {
	UserID         string    `json:"user_id"`
	Balance        int       `json:"balance"`
	InitialCredits int       `json:"initial_credits"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

package repository

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
)

func TestIsUniqueViolation(t *testing.T) {
	dup := &pgconn.PgError{Code: "23505", ConstraintName: PurchaseTxRefConstraint}

	cases := []struct {
		name       string
		err        error
		constraint string
		want       bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "plain error", err: errors.New("boom"), want: false},
		{name: "any unique violation", err: dup, want: true},
		{name: "named constraint", err: dup, constraint: PurchaseTxRefConstraint, want: true},
		{name: "other constraint", err: dup, constraint: "consumable_balances_pkey", want: false},
		{name: "wrapped", err: fmt.Errorf("insert: %w", dup), constraint: PurchaseTxRefConstraint, want: true},
		{name: "check violation", err: &pgconn.PgError{Code: "23514"}, want: false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := IsUniqueViolation(tc.err, tc.constraint); got != tc.want {
				t.Errorf("got %v, want %v", got, tc.want)
			}
		})
	}
}

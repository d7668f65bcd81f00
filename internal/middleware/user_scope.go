package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
)

type contextKey string

const ctxUserIDKey contextKey = "user_id"

// MaxUserIDLength matches the width of the user_id column.
const MaxUserIDLength = 128

// UserScope reads the {userID} route parameter and stores it in the request
// context. Ids are opaque: blank, padded or oversized ids are rejected, never
// rewritten.
func UserScope(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := chi.URLParam(r, "userID")
		if strings.TrimSpace(userID) == "" {
			http.Error(w, `{"error":"user id is required"}`, http.StatusBadRequest)
			return
		}
		if strings.TrimSpace(userID) != userID {
			http.Error(w, `{"error":"user id must not have surrounding whitespace"}`, http.StatusBadRequest)
			return
		}
		if len(userID) > MaxUserIDLength {
			http.Error(w, `{"error":"user id is too long"}`, http.StatusBadRequest)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithUserID(r.Context(), userID)))
	})
}

// UserIDFromCtx returns the user id set by UserScope, or "" if not set.
func UserIDFromCtx(ctx context.Context) string {
	id, _ := ctx.Value(ctxUserIDKey).(string)
	return id
}

// WithUserID returns a copy of ctx carrying userID.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, ctxUserIDKey, userID)
}

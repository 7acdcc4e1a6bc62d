package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

type contextKey int

const viewerKey contextKey = 0

// Middleware resolves the viewer from an optional Authorization header.
// No header means an anonymous request and the handler decides whether that
// is acceptable; a header that fails verification is rejected outright.
func (t *TokenIssuer) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if header == "" {
			next.ServeHTTP(w, r)
			return
		}

		tokenString := strings.TrimPrefix(header, "Bearer ")
		if tokenString == header {
			unauthorized(w)
			return
		}

		accountID, err := t.Parse(tokenString)
		if err != nil {
			unauthorized(w)
			return
		}

		next.ServeHTTP(w, r.WithContext(WithViewer(r.Context(), accountID)))
	})
}

// WithViewer stamps the authenticated account onto the context.
func WithViewer(ctx context.Context, accountID uuid.UUID) context.Context {
	return context.WithValue(ctx, viewerKey, accountID)
}

// ViewerFrom returns the authenticated account, if any.
func ViewerFrom(ctx context.Context) (uuid.UUID, bool) {
	id, ok := ctx.Value(viewerKey).(uuid.UUID)
	return id, ok
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(map[string]string{"error": "Invalid or expired token"})
}

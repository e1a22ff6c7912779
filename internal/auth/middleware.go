package auth

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/aegisai/aegis/internal/apperr"
)

// ContextKey is the key type for context values.
type ContextKey string

// UserContextKey is the context key for the authenticated identity.
const UserContextKey ContextKey = "user"

// Middleware guards HTTP routes with access token validation.
type Middleware struct {
	jwtManager *JWTManager
}

// NewMiddleware creates a new authentication middleware.
func NewMiddleware(jwtManager *JWTManager) *Middleware {
	return &Middleware{jwtManager: jwtManager}
}

// Require wraps a handler so it only runs with a valid access token.
func (m *Middleware) Require(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			writeAuthError(w, apperr.E(apperr.AuthRequired, "Not authenticated", nil))
			return
		}

		token, err := ExtractBearerToken(authHeader)
		if err != nil {
			writeAuthError(w, err)
			return
		}

		userCtx, err := m.jwtManager.ValidateAccessToken(token)
		if err != nil {
			writeAuthError(w, err)
			return
		}

		ctx := context.WithValue(r.Context(), UserContextKey, userCtx)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetUserContext extracts the authenticated identity from a context.
func GetUserContext(ctx context.Context) (*UserContext, error) {
	userCtx, ok := ctx.Value(UserContextKey).(*UserContext)
	if !ok {
		return nil, apperr.E(apperr.AuthRequired, "Not authenticated", nil)
	}
	return userCtx, nil
}

func writeAuthError(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(apperr.Status(err))
	_ = json.NewEncoder(w).Encode(map[string]string{"detail": apperr.Message(err)})
}

package auth

import (
	"github.com/google/uuid"
)

// UserContext is the authenticated identity attached to a request.
type UserContext struct {
	UserID uuid.UUID `json:"user_id"`
	Email  string    `json:"email"`
	Name   string    `json:"name"`
}

// TokenPair is returned by register, login, google and refresh.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
}

// RegisterRequest creates a local email/password account.
type RegisterRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Name     string `json:"name"`
}

// LoginRequest authenticates a local account.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// RefreshRequest exchanges a refresh token for a new pair.
type RefreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// GoogleLoginRequest authenticates with a Google ID token.
type GoogleLoginRequest struct {
	IDToken string `json:"id_token"`
}

// GoogleClaims is the subset of the tokeninfo payload we act on.
type GoogleClaims struct {
	Subject       string
	Email         string
	EmailVerified bool
	Name          string
}

package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/aegisai/aegis/internal/apperr"
)

const tokeninfoURL = "https://oauth2.googleapis.com/tokeninfo"

// GoogleVerifier validates Google ID tokens.
type GoogleVerifier interface {
	Verify(ctx context.Context, idToken string) (*GoogleClaims, error)
}

// googleVerifier checks ID tokens against Google's tokeninfo endpoint.
type googleVerifier struct {
	clientID string
	endpoint string
	client   *http.Client
}

func newGoogleVerifier(clientID string) *googleVerifier {
	return &googleVerifier{
		clientID: clientID,
		endpoint: tokeninfoURL,
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

// tokeninfo reports everything as strings.
type tokeninfoPayload struct {
	Audience      string `json:"aud"`
	Issuer        string `json:"iss"`
	Subject       string `json:"sub"`
	Email         string `json:"email"`
	EmailVerified string `json:"email_verified"`
	Name          string `json:"name"`
}

func (g *googleVerifier) Verify(ctx context.Context, idToken string) (*GoogleClaims, error) {
	if g.clientID == "" {
		return nil, apperr.E(apperr.InvalidInput, "Google OAuth is not configured", nil)
	}
	if len(idToken) < 20 {
		return nil, apperr.E(apperr.AuthInvalid, "Invalid Google token", nil)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		g.endpoint+"?id_token="+url.QueryEscape(idToken), nil)
	if err != nil {
		return nil, fmt.Errorf("build tokeninfo request: %w", err)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, apperr.E(apperr.UpstreamFailed, "Google token verification failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, apperr.E(apperr.AuthInvalid, "Invalid Google token", nil)
	}

	var payload tokeninfoPayload
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, apperr.E(apperr.AuthInvalid, "Invalid Google token", err)
	}

	if payload.Audience != g.clientID {
		return nil, apperr.E(apperr.AuthInvalid, "Invalid Google token audience", nil)
	}
	if payload.Issuer != "accounts.google.com" && payload.Issuer != "https://accounts.google.com" {
		return nil, apperr.E(apperr.AuthInvalid, "Invalid Google token issuer", nil)
	}

	return &GoogleClaims{
		Subject:       payload.Subject,
		Email:         normalizeEmail(payload.Email),
		EmailVerified: payload.EmailVerified == "true",
		Name:          payload.Name,
	}, nil
}

package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/aegisai/aegis/internal/apperr"
)

// uniqueViolation is the Postgres error code for duplicate keys.
const uniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && string(pqErr.Code) == uniqueViolation
}

// CreateUser inserts a user, mapping duplicate emails to Conflict.
func (c *Client) CreateUser(ctx context.Context, u *User) error {
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	now := time.Now()
	u.CreatedAt = now
	u.UpdatedAt = now
	u.Email = strings.ToLower(strings.TrimSpace(u.Email))

	err := c.exec(ctx, `
		INSERT INTO users (id, email, password_hash, name, google_sub, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		u.ID, u.Email, u.PasswordHash, u.Name, u.GoogleSub, u.CreatedAt, u.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return apperr.E(apperr.Conflict, "email already registered", err)
	}
	if err != nil {
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

// UserByEmail returns the user for an email, or NotFound.
func (c *Client) UserByEmail(ctx context.Context, email string) (*User, error) {
	var u User
	err := c.get(ctx, &u, `
		SELECT id, email, password_hash, name, google_sub, created_at, updated_at
		FROM users WHERE email = $1`,
		strings.ToLower(strings.TrimSpace(email)),
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.E(apperr.NotFound, "user not found", nil)
	}
	if err != nil {
		return nil, fmt.Errorf("user by email: %w", err)
	}
	return &u, nil
}

// UserByID returns the user for an id, or NotFound.
func (c *Client) UserByID(ctx context.Context, id uuid.UUID) (*User, error) {
	var u User
	err := c.get(ctx, &u, `
		SELECT id, email, password_hash, name, google_sub, created_at, updated_at
		FROM users WHERE id = $1`, id,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.E(apperr.NotFound, "user not found", nil)
	}
	if err != nil {
		return nil, fmt.Errorf("user by id: %w", err)
	}
	return &u, nil
}

// LinkGoogleSub attaches a Google subject to an existing account.
func (c *Client) LinkGoogleSub(ctx context.Context, userID uuid.UUID, sub string) error {
	if err := c.exec(ctx, `
		UPDATE users SET google_sub = $2, updated_at = $3 WHERE id = $1`,
		userID, sub, time.Now(),
	); err != nil {
		return fmt.Errorf("link google sub: %w", err)
	}
	return nil
}

// SaveRefreshToken persists a hashed refresh token.
func (c *Client) SaveRefreshToken(ctx context.Context, t *RefreshToken) error {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	t.CreatedAt = time.Now()
	if err := c.exec(ctx, `
		INSERT INTO refresh_tokens (id, user_id, token_hash, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		t.ID, t.UserID, t.TokenHash, t.ExpiresAt, t.CreatedAt,
	); err != nil {
		return fmt.Errorf("save refresh token: %w", err)
	}
	return nil
}

// RefreshTokenByHash returns an unrevoked, unexpired token by hash.
func (c *Client) RefreshTokenByHash(ctx context.Context, tokenHash string) (*RefreshToken, error) {
	var t RefreshToken
	err := c.get(ctx, &t, `
		SELECT id, user_id, token_hash, expires_at, revoked_at, created_at
		FROM refresh_tokens
		WHERE token_hash = $1 AND revoked_at IS NULL AND expires_at > $2`,
		tokenHash, time.Now(),
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.E(apperr.AuthInvalid, "invalid refresh token", nil)
	}
	if err != nil {
		return nil, fmt.Errorf("refresh token by hash: %w", err)
	}
	return &t, nil
}

// RevokeRefreshToken marks one token revoked.
func (c *Client) RevokeRefreshToken(ctx context.Context, tokenHash string) error {
	if err := c.exec(ctx, `
		UPDATE refresh_tokens SET revoked_at = $2
		WHERE token_hash = $1 AND revoked_at IS NULL`,
		tokenHash, time.Now(),
	); err != nil {
		return fmt.Errorf("revoke refresh token: %w", err)
	}
	return nil
}

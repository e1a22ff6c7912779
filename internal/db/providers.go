package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/aegisai/aegis/internal/apperr"
	"github.com/aegisai/aegis/internal/llm"
)

const providerColumns = `id, user_id, provider_type, encrypted_api_key, endpoint_url,
	model, api_version, is_valid, last_validated_at, created_at, updated_at`

// CreateProvider inserts a provider credential set.
func (c *Client) CreateProvider(ctx context.Context, p *Provider) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	now := time.Now()
	p.CreatedAt = now
	p.UpdatedAt = now
	if err := c.exec(ctx, `
		INSERT INTO providers (id, user_id, provider_type, encrypted_api_key,
			endpoint_url, model, api_version, is_valid, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		p.ID, p.UserID, p.ProviderType, p.EncryptedAPIKey,
		p.EndpointURL, p.Model, p.APIVersion, p.IsValid, p.CreatedAt, p.UpdatedAt,
	); err != nil {
		return fmt.Errorf("create provider: %w", err)
	}
	return nil
}

// ListProviders returns a user's providers, newest first.
func (c *Client) ListProviders(ctx context.Context, userID uuid.UUID) ([]Provider, error) {
	var providers []Provider
	if err := c.selectAll(ctx, &providers, `
		SELECT `+providerColumns+` FROM providers
		WHERE user_id = $1 ORDER BY created_at DESC`, userID,
	); err != nil {
		return nil, fmt.Errorf("list providers: %w", err)
	}
	return providers, nil
}

// ProviderByID returns a provider owned by the given user, or NotFound.
func (c *Client) ProviderByID(ctx context.Context, id, userID uuid.UUID) (*Provider, error) {
	var p Provider
	err := c.get(ctx, &p, `
		SELECT `+providerColumns+` FROM providers
		WHERE id = $1 AND user_id = $2`, id, userID,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.E(apperr.NotFound, "provider not found", nil)
	}
	if err != nil {
		return nil, fmt.Errorf("provider by id: %w", err)
	}
	return &p, nil
}

// UpdateProvider replaces the mutable fields and resets validity, since
// changed credentials need re-validation.
func (c *Client) UpdateProvider(ctx context.Context, p *Provider) error {
	p.UpdatedAt = time.Now()
	if err := c.exec(ctx, `
		UPDATE providers SET provider_type = $3, encrypted_api_key = $4,
			endpoint_url = $5, model = $6, api_version = $7,
			is_valid = false, last_validated_at = NULL, updated_at = $8
		WHERE id = $1 AND user_id = $2`,
		p.ID, p.UserID, p.ProviderType, p.EncryptedAPIKey,
		p.EndpointURL, p.Model, p.APIVersion, p.UpdatedAt,
	); err != nil {
		return fmt.Errorf("update provider: %w", err)
	}
	return nil
}

// DeleteProvider removes a provider owned by the given user.
func (c *Client) DeleteProvider(ctx context.Context, id, userID uuid.UUID) error {
	if err := c.exec(ctx, `
		DELETE FROM providers WHERE id = $1 AND user_id = $2`, id, userID,
	); err != nil {
		return fmt.Errorf("delete provider: %w", err)
	}
	return nil
}

// SetProviderValidity records the outcome of a credential check.
func (c *Client) SetProviderValidity(ctx context.Context, id uuid.UUID, valid bool) error {
	now := time.Now()
	if err := c.exec(ctx, `
		UPDATE providers SET is_valid = $2, last_validated_at = $3, updated_at = $3
		WHERE id = $1`, id, valid, now,
	); err != nil {
		return fmt.Errorf("set provider validity: %w", err)
	}
	return nil
}

// ResolvedProvider decrypts a provider row into gateway credentials.
func (c *Client) ResolvedProvider(p *Provider) (llm.Provider, error) {
	apiKey, err := c.dec.Decrypt(p.EncryptedAPIKey)
	if err != nil {
		return llm.Provider{}, apperr.E(apperr.BadCiphertext, "provider key decryption failed", err)
	}
	resolved := llm.Provider{Kind: p.ProviderType, APIKey: apiKey}
	if p.EndpointURL != nil {
		resolved.BaseURL = *p.EndpointURL
	}
	if p.Model != nil {
		resolved.Model = *p.Model
	}
	if p.APIVersion != nil {
		resolved.APIVersion = *p.APIVersion
	}
	return resolved, nil
}

// ValidProvider returns the owner's first validated provider, decrypted.
// It satisfies the firewall's provider lookup.
func (c *Client) ValidProvider(ctx context.Context, ownerID string) (llm.Provider, bool, error) {
	id, err := uuid.Parse(ownerID)
	if err != nil {
		return llm.Provider{}, false, fmt.Errorf("parse owner id: %w", err)
	}
	var p Provider
	err = c.get(ctx, &p, `
		SELECT `+providerColumns+` FROM providers
		WHERE user_id = $1 AND is_valid = true
		ORDER BY created_at ASC LIMIT 1`, id,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return llm.Provider{}, false, nil
	}
	if err != nil {
		return llm.Provider{}, false, fmt.Errorf("valid provider: %w", err)
	}
	resolved, err := c.ResolvedProvider(&p)
	if err != nil {
		return llm.Provider{}, false, err
	}
	return resolved, true, nil
}

package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/aegisai/aegis/internal/apperr"
	"github.com/aegisai/aegis/internal/models"
)

const projectColumns = `id, user_id, name, description, business_scope, allowed_intents,
	restricted_intents, api_key_hash, api_key_prefix, is_active,
	created_at, updated_at`

// CreateProject inserts a project.
func (c *Client) CreateProject(ctx context.Context, p *Project) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	now := time.Now()
	p.CreatedAt = now
	p.UpdatedAt = now
	p.IsActive = true
	if err := c.exec(ctx, `
		INSERT INTO projects (id, user_id, name, description, business_scope,
			allowed_intents, restricted_intents,
			api_key_hash, api_key_prefix, is_active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		p.ID, p.UserID, p.Name, p.Description, p.BusinessScope,
		p.AllowedIntents, p.RestrictedIntents,
		p.APIKeyHash, p.APIKeyPrefix, p.IsActive, p.CreatedAt, p.UpdatedAt,
	); err != nil {
		return fmt.Errorf("create project: %w", err)
	}
	return nil
}

// ListProjects returns a user's projects, newest first.
func (c *Client) ListProjects(ctx context.Context, userID uuid.UUID) ([]Project, error) {
	var projects []Project
	if err := c.selectAll(ctx, &projects, `
		SELECT `+projectColumns+` FROM projects
		WHERE user_id = $1 ORDER BY created_at DESC`, userID,
	); err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	return projects, nil
}

// ProjectByID returns a project owned by the given user, or NotFound.
func (c *Client) ProjectByID(ctx context.Context, id, userID uuid.UUID) (*Project, error) {
	var p Project
	err := c.get(ctx, &p, `
		SELECT `+projectColumns+` FROM projects
		WHERE id = $1 AND user_id = $2`, id, userID,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.E(apperr.NotFound, "project not found", nil)
	}
	if err != nil {
		return nil, fmt.Errorf("project by id: %w", err)
	}
	return &p, nil
}

// UpdateProject replaces the mutable project fields.
func (c *Client) UpdateProject(ctx context.Context, p *Project) error {
	p.UpdatedAt = time.Now()
	if err := c.exec(ctx, `
		UPDATE projects SET name = $3, description = $4, business_scope = $5,
			allowed_intents = $6, restricted_intents = $7,
			is_active = $8, updated_at = $9
		WHERE id = $1 AND user_id = $2`,
		p.ID, p.UserID, p.Name, p.Description, p.BusinessScope,
		p.AllowedIntents, p.RestrictedIntents,
		p.IsActive, p.UpdatedAt,
	); err != nil {
		return fmt.Errorf("update project: %w", err)
	}
	return nil
}

// DeleteProject removes a project and everything hanging off it.
func (c *Client) DeleteProject(ctx context.Context, id, userID uuid.UUID) error {
	if err := c.exec(ctx, `
		DELETE FROM projects WHERE id = $1 AND user_id = $2`, id, userID,
	); err != nil {
		return fmt.Errorf("delete project: %w", err)
	}
	return nil
}

// SetProjectAPIKey stores a freshly generated key hash and prefix.
func (c *Client) SetProjectAPIKey(ctx context.Context, id uuid.UUID, keyHash, keyPrefix string) error {
	if err := c.exec(ctx, `
		UPDATE projects SET api_key_hash = $2, api_key_prefix = $3, updated_at = $4
		WHERE id = $1`, id, keyHash, keyPrefix, time.Now(),
	); err != nil {
		return fmt.Errorf("set project api key: %w", err)
	}
	return nil
}

// ResolveAPIKey maps an API key hash to an active project and its owner.
func (c *Client) ResolveAPIKey(ctx context.Context, keyHash string) (string, string, bool, error) {
	var row struct {
		ID     uuid.UUID `db:"id"`
		UserID uuid.UUID `db:"user_id"`
	}
	err := c.get(ctx, &row, `
		SELECT id, user_id FROM projects
		WHERE api_key_hash = $1 AND is_active = true`, keyHash,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return "", "", false, nil
	}
	if err != nil {
		return "", "", false, fmt.Errorf("resolve api key: %w", err)
	}
	return row.ID.String(), row.UserID.String(), true, nil
}

// ProjectScope returns the scope fields the firewall and judge evaluate
// against.
func (c *Client) ProjectScope(ctx context.Context, projectID string) (models.ProjectScope, bool, error) {
	id, err := uuid.Parse(projectID)
	if err != nil {
		return models.ProjectScope{}, false, fmt.Errorf("parse project id: %w", err)
	}
	var p Project
	err = c.get(ctx, &p, `
		SELECT `+projectColumns+` FROM projects WHERE id = $1`, id,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return models.ProjectScope{}, false, nil
	}
	if err != nil {
		return models.ProjectScope{}, false, fmt.Errorf("project scope: %w", err)
	}
	return models.ProjectScope{
		ProjectName:       p.Name,
		BusinessScope:     p.BusinessScope,
		AllowedIntents:    p.AllowedIntents,
		RestrictedIntents: p.RestrictedIntents,
	}, true, nil
}

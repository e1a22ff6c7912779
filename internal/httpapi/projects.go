package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/aegisai/aegis/internal/apperr"
	"github.com/aegisai/aegis/internal/auth"
	"github.com/aegisai/aegis/internal/db"
	"github.com/aegisai/aegis/internal/llm"
)

type projectRequest struct {
	Name              *string   `json:"name"`
	Description       *string   `json:"description"`
	BusinessScope     *string   `json:"business_scope"`
	AllowedIntents    *[]string `json:"allowed_intents"`
	RestrictedIntents *[]string `json:"restricted_intents"`
}

type projectResponse struct {
	ID                string    `json:"id"`
	Name              string    `json:"name"`
	Description       string    `json:"description"`
	BusinessScope     string    `json:"business_scope"`
	AllowedIntents    []string  `json:"allowed_intents"`
	RestrictedIntents []string  `json:"restricted_intents"`
	APIKeyPrefix      *string   `json:"api_key_prefix"`
	IsActive          bool      `json:"is_active"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`

	// APIKey is populated only in the create and regenerate responses.
	APIKey string `json:"api_key,omitempty"`
}

func projectToResponse(p *db.Project) projectResponse {
	return projectResponse{
		ID:                p.ID.String(),
		Name:              p.Name,
		Description:       p.Description,
		BusinessScope:     p.BusinessScope,
		AllowedIntents:    p.AllowedIntents,
		RestrictedIntents: p.RestrictedIntents,
		APIKeyPrefix:      p.APIKeyPrefix,
		IsActive:          p.IsActive,
		CreatedAt:         p.CreatedAt,
		UpdatedAt:         p.UpdatedAt,
	}
}

func (s *Server) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	uc, err := s.user(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	var req projectRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if req.Name == nil || *req.Name == "" {
		s.writeError(w, apperr.E(apperr.InvalidInput, "name is required", nil))
		return
	}

	key, keyHash, keyPrefix, err := auth.GenerateAPIKey()
	if err != nil {
		s.writeError(w, err)
		return
	}
	p := &db.Project{
		UserID:       uc.UserID,
		Name:         *req.Name,
		APIKeyHash:   &keyHash,
		APIKeyPrefix: &keyPrefix,
	}
	if req.Description != nil {
		p.Description = *req.Description
	}
	if req.BusinessScope != nil {
		p.BusinessScope = *req.BusinessScope
	}
	if req.AllowedIntents != nil {
		p.AllowedIntents = pq.StringArray(*req.AllowedIntents)
	}
	if req.RestrictedIntents != nil {
		p.RestrictedIntents = pq.StringArray(*req.RestrictedIntents)
	}
	if err := s.store.CreateProject(r.Context(), p); err != nil {
		s.writeError(w, err)
		return
	}

	resp := projectToResponse(p)
	resp.APIKey = key
	writeJSON(w, http.StatusCreated, resp)
}

func (s *Server) handleListProjects(w http.ResponseWriter, r *http.Request) {
	uc, err := s.user(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	rows, err := s.store.ListProjects(r.Context(), uc.UserID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	out := make([]projectResponse, 0, len(rows))
	for i := range rows {
		out = append(out, projectToResponse(&rows[i]))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetProject(w http.ResponseWriter, r *http.Request) {
	uc, err := s.user(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	id, err := pathUUID(r, "id")
	if err != nil {
		s.writeError(w, err)
		return
	}
	p, err := s.store.ProjectByID(r.Context(), id, uc.UserID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, projectToResponse(p))
}

func (s *Server) handleUpdateProject(w http.ResponseWriter, r *http.Request) {
	uc, err := s.user(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	id, err := pathUUID(r, "id")
	if err != nil {
		s.writeError(w, err)
		return
	}
	p, err := s.store.ProjectByID(r.Context(), id, uc.UserID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	var req projectRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}

	scopeChanged := false
	if req.Name != nil && *req.Name != "" {
		p.Name = *req.Name
		scopeChanged = true
	}
	if req.Description != nil {
		p.Description = *req.Description
	}
	if req.BusinessScope != nil {
		p.BusinessScope = *req.BusinessScope
		scopeChanged = true
	}
	if req.AllowedIntents != nil {
		p.AllowedIntents = pq.StringArray(*req.AllowedIntents)
		scopeChanged = true
	}
	if req.RestrictedIntents != nil {
		p.RestrictedIntents = pq.StringArray(*req.RestrictedIntents)
		scopeChanged = true
	}
	if err := s.store.UpdateProject(r.Context(), p); err != nil {
		s.writeError(w, err)
		return
	}
	if scopeChanged {
		if err := s.cache.InvalidateScope(r.Context(), p.ID.String()); err != nil {
			s.logger.Warn("scope cache invalidation failed", zap.Error(err))
		}
	}
	writeJSON(w, http.StatusOK, projectToResponse(p))
}

func (s *Server) handleDeleteProject(w http.ResponseWriter, r *http.Request) {
	uc, err := s.user(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	id, err := pathUUID(r, "id")
	if err != nil {
		s.writeError(w, err)
		return
	}
	p, err := s.store.ProjectByID(r.Context(), id, uc.UserID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.store.DeleteProject(r.Context(), id, uc.UserID); err != nil {
		s.writeError(w, err)
		return
	}
	if p.APIKeyHash != nil {
		if err := s.cache.InvalidateAuth(r.Context(), *p.APIKeyHash); err != nil {
			s.logger.Warn("auth cache invalidation failed", zap.Error(err))
		}
	}
	if err := s.cache.InvalidateProject(r.Context(), p.ID.String()); err != nil {
		s.logger.Warn("project cache invalidation failed", zap.Error(err))
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRegenerateAPIKey(w http.ResponseWriter, r *http.Request) {
	uc, err := s.user(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	id, err := pathUUID(r, "id")
	if err != nil {
		s.writeError(w, err)
		return
	}
	p, err := s.store.ProjectByID(r.Context(), id, uc.UserID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	// Drop the cached entry for the old key before it stops resolving.
	if p.APIKeyHash != nil {
		if err := s.cache.InvalidateAuth(r.Context(), *p.APIKeyHash); err != nil {
			s.logger.Warn("auth cache invalidation failed", zap.Error(err))
		}
	}
	key, keyHash, keyPrefix, err := auth.GenerateAPIKey()
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.store.SetProjectAPIKey(r.Context(), id, keyHash, keyPrefix); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"api_key":        key,
		"api_key_prefix": keyPrefix,
		"message":        "API key regenerated. Store it securely — it won't be shown again.",
	})
}

const analyzeScopePrompt = `Analyze and structure the following AI project scope definition. Deduplicate, categorize, and return a clean JSON object with keys: 'business_scope_summary', 'allowed_intents' (array), 'restricted_intents' (array), 'risk_areas' (array), 'recommendations' (array).

Business Scope:
%s

Allowed Intents:
%s

Restricted Intents:
%s`

func (s *Server) handleAnalyzeScope(w http.ResponseWriter, r *http.Request) {
	uc, err := s.user(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	id, err := pathUUID(r, "id")
	if err != nil {
		s.writeError(w, err)
		return
	}
	p, err := s.store.ProjectByID(r.Context(), id, uc.UserID)
	if err != nil {
		s.writeError(w, err)
		return
	}

	provider, found, err := s.store.ValidProvider(r.Context(), uc.UserID.String())
	if err != nil {
		s.writeError(w, err)
		return
	}
	if !found {
		s.writeError(w, apperr.E(apperr.InvalidInput, "No valid model provider configured", nil))
		return
	}

	allowed, _ := json.Marshal([]string(p.AllowedIntents))
	restricted, _ := json.Marshal([]string(p.RestrictedIntents))
	prompt := fmt.Sprintf(analyzeScopePrompt, p.BusinessScope, allowed, restricted)

	resp, err := s.gateway.Chat(r.Context(), provider, llm.ChatRequest{
		Messages: []llm.Message{{Role: "user", Content: prompt}},
		JSONMode: true,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}

	var structured map[string]any
	if err := json.Unmarshal([]byte(resp.Content), &structured); err != nil {
		s.writeError(w, apperr.E(apperr.UpstreamFailed, "model returned malformed scope analysis", err))
		return
	}
	writeJSON(w, http.StatusOK, structured)
}

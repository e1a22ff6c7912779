package httpapi

import (
	"net/http"
	"time"

	"github.com/aegisai/aegis/internal/apperr"
	"github.com/aegisai/aegis/internal/db"
	"github.com/aegisai/aegis/internal/llm"
	"github.com/aegisai/aegis/internal/vault"
)

var providerTypes = map[string]bool{
	llm.ProviderOpenAI:      true,
	llm.ProviderAzureOpenAI: true,
	llm.ProviderGroq:        true,
}

type providerRequest struct {
	ProviderType string  `json:"provider_type"`
	APIKey       string  `json:"api_key"`
	EndpointURL  *string `json:"endpoint_url"`
	Model        *string `json:"model"`
	APIVersion   *string `json:"api_version"`
}

type providerResponse struct {
	ID              string     `json:"id"`
	ProviderType    string     `json:"provider_type"`
	APIKeyMasked    string     `json:"api_key_masked"`
	EndpointURL     *string    `json:"endpoint_url"`
	Model           *string    `json:"model"`
	APIVersion      *string    `json:"api_version"`
	IsValid         bool       `json:"is_valid"`
	LastValidatedAt *time.Time `json:"last_validated_at"`
	CreatedAt       time.Time  `json:"created_at"`
}

func (s *Server) providerResponse(p *db.Provider) providerResponse {
	masked := "***"
	if key, err := s.vault.Decrypt(p.EncryptedAPIKey); err == nil {
		masked = vault.MaskSecret(key)
	}
	return providerResponse{
		ID:              p.ID.String(),
		ProviderType:    p.ProviderType,
		APIKeyMasked:    masked,
		EndpointURL:     p.EndpointURL,
		Model:           p.Model,
		APIVersion:      p.APIVersion,
		IsValid:         p.IsValid,
		LastValidatedAt: p.LastValidatedAt,
		CreatedAt:       p.CreatedAt,
	}
}

func validateProviderRequest(req *providerRequest) error {
	if !providerTypes[req.ProviderType] {
		return apperr.E(apperr.InvalidInput, "unsupported provider_type", nil)
	}
	if req.APIKey == "" {
		return apperr.E(apperr.InvalidInput, "api_key is required", nil)
	}
	if req.ProviderType == llm.ProviderAzureOpenAI && (req.EndpointURL == nil || *req.EndpointURL == "") {
		return apperr.E(apperr.InvalidInput, "endpoint_url is required for Azure OpenAI providers", nil)
	}
	return nil
}

func (s *Server) handleCreateProvider(w http.ResponseWriter, r *http.Request) {
	uc, err := s.user(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	var req providerRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if err := validateProviderRequest(&req); err != nil {
		s.writeError(w, err)
		return
	}
	encrypted, err := s.vault.Encrypt(req.APIKey)
	if err != nil {
		s.writeError(w, err)
		return
	}
	p := &db.Provider{
		UserID:          uc.UserID,
		ProviderType:    req.ProviderType,
		EncryptedAPIKey: encrypted,
		EndpointURL:     req.EndpointURL,
		Model:           req.Model,
		APIVersion:      req.APIVersion,
	}
	if err := s.store.CreateProvider(r.Context(), p); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, s.providerResponse(p))
}

func (s *Server) handleListProviders(w http.ResponseWriter, r *http.Request) {
	uc, err := s.user(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	rows, err := s.store.ListProviders(r.Context(), uc.UserID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	out := make([]providerResponse, 0, len(rows))
	for i := range rows {
		out = append(out, s.providerResponse(&rows[i]))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetProvider(w http.ResponseWriter, r *http.Request) {
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
	p, err := s.store.ProviderByID(r.Context(), id, uc.UserID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.providerResponse(p))
}

func (s *Server) handleUpdateProvider(w http.ResponseWriter, r *http.Request) {
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
	p, err := s.store.ProviderByID(r.Context(), id, uc.UserID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	var req providerRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if req.ProviderType != "" {
		if !providerTypes[req.ProviderType] {
			s.writeError(w, apperr.E(apperr.InvalidInput, "unsupported provider_type", nil))
			return
		}
		p.ProviderType = req.ProviderType
	}
	if req.APIKey != "" {
		encrypted, err := s.vault.Encrypt(req.APIKey)
		if err != nil {
			s.writeError(w, err)
			return
		}
		p.EncryptedAPIKey = encrypted
	}
	if req.EndpointURL != nil {
		p.EndpointURL = req.EndpointURL
	}
	if req.Model != nil {
		p.Model = req.Model
	}
	if req.APIVersion != nil {
		p.APIVersion = req.APIVersion
	}
	if p.ProviderType == llm.ProviderAzureOpenAI && (p.EndpointURL == nil || *p.EndpointURL == "") {
		s.writeError(w, apperr.E(apperr.InvalidInput, "endpoint_url is required for Azure OpenAI providers", nil))
		return
	}
	// Credential or endpoint changes invalidate the last validation result.
	p.IsValid = false
	if err := s.store.UpdateProvider(r.Context(), p); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.providerResponse(p))
}

func (s *Server) handleDeleteProvider(w http.ResponseWriter, r *http.Request) {
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
	if err := s.store.DeleteProvider(r.Context(), id, uc.UserID); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleValidateProvider(w http.ResponseWriter, r *http.Request) {
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
	p, err := s.store.ProviderByID(r.Context(), id, uc.UserID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	resolved, err := s.store.ResolvedProvider(p)
	if err != nil {
		s.writeError(w, err)
		return
	}
	start := time.Now()
	valErr := s.gateway.ValidateCredentials(r.Context(), resolved)
	latency := time.Since(start).Milliseconds()

	valid := valErr == nil
	message := "Credentials are valid"
	if valErr != nil {
		message = apperr.Message(valErr)
	}
	if err := s.store.SetProviderValidity(r.Context(), id, valid); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"provider_id": id,
		"is_valid":    valid,
		"message":     message,
		"latency_ms":  latency,
	})
}

package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aegisai/aegis/internal/apperr"
	"github.com/aegisai/aegis/internal/db"
	"github.com/aegisai/aegis/internal/engine"
	"github.com/aegisai/aegis/internal/models"
	"github.com/aegisai/aegis/internal/vault"
)

// Each experiment type carries its own strategy vocabulary.
var (
	adversarialStrategies = map[string]bool{
		string(models.StrategyOWASPLLMTop10): true,
		string(models.StrategyOWASPAgentic):  true,
		string(models.StrategyAdaptive):      true,
	}
	behaviouralStrategies = map[string]bool{
		string(models.StrategyUserInteraction): true,
		string(models.StrategyFunctional):      true,
		string(models.StrategyScopeValidation): true,
	}
	experimentIntensities = map[string]bool{
		string(models.IntensityBasic):      true,
		string(models.IntensityModerate):   true,
		string(models.IntensityAggressive): true,
	}
	targetAuthTypes = map[string]bool{
		"bearer":  true,
		"api_key": true,
		"basic":   true,
	}
)

type createExperimentRequest struct {
	Name           string               `json:"name"`
	Description    string               `json:"description"`
	ProviderID     string               `json:"provider_id"`
	ExperimentType string               `json:"experiment_type"`
	Strategy       string               `json:"strategy"`
	Intensity      string               `json:"intensity"`
	MultiTurn      bool                 `json:"multi_turn"`
	Language       string               `json:"language"`
	TargetConfig   *engine.TargetConfig `json:"target_config"`
}

// validate normalizes the request in place and returns the first
// violation. The credential stays in cleartext here; the handler
// encrypts it before persisting.
func (req *createExperimentRequest) validate() error {
	if req.Name == "" {
		return apperr.E(apperr.InvalidInput, "name is required", nil)
	}
	if req.ProviderID == "" {
		return apperr.E(apperr.InvalidInput, "provider_id is required", nil)
	}
	if req.ExperimentType == "" {
		req.ExperimentType = string(models.ModeAdversarial)
	}
	switch req.ExperimentType {
	case string(models.ModeAdversarial):
		if req.Strategy == "" {
			req.Strategy = string(models.StrategyOWASPLLMTop10)
		}
		if !adversarialStrategies[req.Strategy] {
			return apperr.E(apperr.InvalidInput,
				fmt.Sprintf("invalid strategy %q for adversarial experiments", req.Strategy), nil)
		}
	case string(models.ModeBehavioural):
		if req.Strategy == "" {
			req.Strategy = string(models.StrategyUserInteraction)
		}
		if !behaviouralStrategies[req.Strategy] {
			return apperr.E(apperr.InvalidInput,
				fmt.Sprintf("invalid strategy %q for behavioural experiments", req.Strategy), nil)
		}
	default:
		return apperr.E(apperr.InvalidInput, "invalid experiment_type", nil)
	}
	if req.Strategy == string(models.StrategyAdaptive) && !req.MultiTurn {
		return apperr.E(apperr.InvalidInput, "strategy 'adaptive' requires multi_turn mode", nil)
	}
	if req.Intensity == "" {
		req.Intensity = string(models.IntensityModerate)
	}
	if !experimentIntensities[req.Intensity] {
		return apperr.E(apperr.InvalidInput, "invalid intensity", nil)
	}
	if req.Language == "" {
		req.Language = "en"
	}
	return req.validateTarget()
}

func (req *createExperimentRequest) validateTarget() error {
	if req.TargetConfig == nil {
		return apperr.E(apperr.InvalidInput, "target_config is required", nil)
	}
	t := req.TargetConfig
	if t.EndpointURL == "" {
		return apperr.E(apperr.InvalidInput, "endpoint_url is required", nil)
	}
	if t.Method == "" {
		t.Method = "POST"
	}
	if t.Method != "POST" && t.Method != "PUT" {
		return apperr.E(apperr.InvalidInput, "method must be POST or PUT", nil)
	}
	if !strings.Contains(t.PayloadTemplate, "{{prompt}}") {
		return apperr.E(apperr.InvalidInput, "payload_template must contain the {{prompt}} placeholder", nil)
	}
	if t.ResponseJSONPath == "" {
		t.ResponseJSONPath = "$.response"
	}
	if t.TimeoutSeconds == 0 {
		t.TimeoutSeconds = 30
	}
	if t.TimeoutSeconds < 5 || t.TimeoutSeconds > 120 {
		return apperr.E(apperr.InvalidInput, "timeout_seconds must be between 5 and 120", nil)
	}
	if t.AuthType == "none" {
		t.AuthType = ""
		t.AuthValue = ""
	}
	if t.AuthType != "" {
		if !targetAuthTypes[t.AuthType] {
			return apperr.E(apperr.InvalidInput, "invalid auth_type", nil)
		}
		if t.AuthValue == "" {
			return apperr.E(apperr.InvalidInput, "auth_value is required when auth_type is set", nil)
		}
	}
	if req.MultiTurn {
		if t.ThreadEndpointURL == "" {
			return apperr.E(apperr.InvalidInput, "thread_endpoint_url required for multi_turn mode", nil)
		}
		if t.ThreadIDPath == "" {
			return apperr.E(apperr.InvalidInput, "thread_id_path required for multi_turn mode", nil)
		}
	}
	return nil
}

type experimentResponse struct {
	ID             string     `json:"id"`
	ProjectID      string     `json:"project_id"`
	ProviderID     string     `json:"provider_id"`
	Name           string     `json:"name"`
	Description    string     `json:"description"`
	ExperimentType string     `json:"experiment_type"`
	Strategy       string     `json:"strategy"`
	Intensity      string     `json:"intensity"`
	MultiTurn      bool       `json:"multi_turn"`
	Language       string     `json:"language"`
	TargetConfig   db.JSONB   `json:"target_config"`
	Status         string     `json:"status"`
	TotalTests     int        `json:"total_tests"`
	CompletedTests int        `json:"completed_tests"`
	ErrorMessage   *string    `json:"error_message"`
	StartedAt      *time.Time `json:"started_at"`
	FinishedAt     *time.Time `json:"finished_at"`
	CreatedAt      time.Time  `json:"created_at"`
}

func experimentToResponse(e *db.Experiment) experimentResponse {
	return experimentResponse{
		ID:             e.ID.String(),
		ProjectID:      e.ProjectID.String(),
		ProviderID:     e.ProviderID.String(),
		Name:           e.Name,
		Description:    e.Description,
		ExperimentType: e.ExperimentType,
		Strategy:       e.Strategy,
		Intensity:      e.Intensity,
		MultiTurn:      e.MultiTurn,
		Language:       e.Language,
		TargetConfig:   maskTargetConfig(e.TargetConfig),
		Status:         e.Status,
		TotalTests:     e.TotalTests,
		CompletedTests: e.CompletedTests,
		ErrorMessage:   e.ErrorMessage,
		StartedAt:      e.StartedAt,
		FinishedAt:     e.FinishedAt,
		CreatedAt:      e.CreatedAt,
	}
}

// maskTargetConfig redacts the stored credential token before the
// config leaves the API.
func maskTargetConfig(cfg db.JSONB) db.JSONB {
	if cfg == nil {
		return nil
	}
	out := make(db.JSONB, len(cfg))
	for k, v := range cfg {
		out[k] = v
	}
	if raw, ok := out["auth_value"].(string); ok && raw != "" {
		out["auth_value"] = vault.MaskSecret(raw)
	}
	return out
}

// targetConfigJSONB converts a validated target config to the stored
// JSONB shape.
func targetConfigJSONB(t *engine.TargetConfig) (db.JSONB, error) {
	encoded, err := json.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("encode target config: %w", err)
	}
	var payload db.JSONB
	if err := json.Unmarshal(encoded, &payload); err != nil {
		return nil, fmt.Errorf("decode target config: %w", err)
	}
	return payload, nil
}

func (s *Server) handleCreateExperiment(w http.ResponseWriter, r *http.Request) {
	uc, err := s.user(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	projectID, err := pathUUID(r, "id")
	if err != nil {
		s.writeError(w, err)
		return
	}
	if _, err := s.store.ProjectByID(r.Context(), projectID, uc.UserID); err != nil {
		s.writeError(w, err)
		return
	}

	var req createExperimentRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if err := req.validate(); err != nil {
		s.writeError(w, err)
		return
	}

	providerID, err := uuid.Parse(req.ProviderID)
	if err != nil {
		s.writeError(w, apperr.E(apperr.InvalidInput, "invalid provider_id", nil))
		return
	}
	// Fail fast instead of letting the run error out minutes later.
	provider, err := s.store.ProviderByID(r.Context(), providerID, uc.UserID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if !provider.IsValid {
		s.writeError(w, apperr.E(apperr.InvalidInput, "No valid model provider configured", nil))
		return
	}

	// The target credential never hits the database in cleartext.
	if req.TargetConfig.AuthValue != "" {
		token, err := s.vault.Encrypt(req.TargetConfig.AuthValue)
		if err != nil {
			s.writeError(w, err)
			return
		}
		req.TargetConfig.AuthValue = token
	}
	targetJSON, err := targetConfigJSONB(req.TargetConfig)
	if err != nil {
		s.writeError(w, err)
		return
	}

	e := &db.Experiment{
		ProjectID:      projectID,
		CreatedBy:      uc.UserID,
		ProviderID:     providerID,
		Name:           req.Name,
		Description:    req.Description,
		ExperimentType: req.ExperimentType,
		Strategy:       req.Strategy,
		Intensity:      req.Intensity,
		MultiTurn:      req.MultiTurn,
		Language:       req.Language,
		TargetConfig:   targetJSON,
	}
	if err := s.store.CreateExperiment(r.Context(), e); err != nil {
		s.writeError(w, err)
		return
	}

	go func(id uuid.UUID) {
		if err := s.runner.Run(context.Background(), id); err != nil {
			s.logger.Error("experiment run failed",
				zap.String("experiment_id", id.String()), zap.Error(err))
		}
	}(e.ID)

	writeJSON(w, http.StatusCreated, experimentToResponse(e))
}

func (s *Server) handleListExperiments(w http.ResponseWriter, r *http.Request) {
	uc, err := s.user(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	projectID, err := pathUUID(r, "id")
	if err != nil {
		s.writeError(w, err)
		return
	}
	if _, err := s.store.ProjectByID(r.Context(), projectID, uc.UserID); err != nil {
		s.writeError(w, err)
		return
	}
	page := queryInt(r, "page", 1)
	pageSize := queryInt(r, "page_size", 20)
	rows, total, err := s.store.ListExperiments(r.Context(), projectID, page, pageSize)
	if err != nil {
		s.writeError(w, err)
		return
	}
	items := make([]experimentResponse, 0, len(rows))
	for i := range rows {
		items = append(items, experimentToResponse(&rows[i]))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items":     items,
		"total":     total,
		"page":      page,
		"page_size": pageSize,
	})
}

// ownedExperiment loads an experiment under a project after checking the
// caller owns the project.
func (s *Server) ownedExperiment(r *http.Request, userID uuid.UUID) (*db.Experiment, error) {
	projectID, err := pathUUID(r, "id")
	if err != nil {
		return nil, err
	}
	if _, err := s.store.ProjectByID(r.Context(), projectID, userID); err != nil {
		return nil, err
	}
	experimentID, err := pathUUID(r, "eid")
	if err != nil {
		return nil, err
	}
	e, err := s.store.ExperimentByID(r.Context(), experimentID)
	if err != nil {
		return nil, err
	}
	if e.ProjectID != projectID {
		return nil, apperr.E(apperr.NotFound, "experiment not found", nil)
	}
	return e, nil
}

func (s *Server) handleGetExperiment(w http.ResponseWriter, r *http.Request) {
	uc, err := s.user(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	e, err := s.ownedExperiment(r, uc.UserID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, experimentToResponse(e))
}

func (s *Server) handleExperimentStatus(w http.ResponseWriter, r *http.Request) {
	uc, err := s.user(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	e, err := s.ownedExperiment(r, uc.UserID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.experimentProgress(r.Context(), e))
}

// experimentProgress prefers the live Redis counter over the batched
// database column.
func (s *Server) experimentProgress(ctx context.Context, e *db.Experiment) map[string]any {
	completed, total := e.CompletedTests, e.TotalTests
	if done, t, found, err := s.cache.GetProgress(ctx, e.ID.String()); err == nil && found {
		completed, total = done, t
	}
	percent := 0.0
	if total > 0 {
		percent = float64(completed) / float64(total) * 100
	}
	return map[string]any{
		"experiment_id": e.ID,
		"status":        e.Status,
		"completed":     completed,
		"total":         total,
		"percentage":    percent,
	}
}

func (s *Server) handleCancelExperiment(w http.ResponseWriter, r *http.Request) {
	uc, err := s.user(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	e, err := s.ownedExperiment(r, uc.UserID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	switch e.Status {
	case string(models.ExperimentPending):
		cancelled, err := s.store.CancelPending(r.Context(), e.ID)
		if err != nil {
			s.writeError(w, err)
			return
		}
		if !cancelled {
			// Lost the race with the runner; fall back to the flag.
			if err := s.cache.RequestCancel(r.Context(), e.ID.String()); err != nil {
				s.writeError(w, err)
				return
			}
		}
	case string(models.ExperimentRunning):
		if err := s.cache.RequestCancel(r.Context(), e.ID.String()); err != nil {
			s.writeError(w, err)
			return
		}
	default:
		s.writeError(w, apperr.E(apperr.Conflict, "Experiment is not cancellable", nil))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":     e.ID,
		"status": models.ExperimentCancelled,
	})
}

func (s *Server) handleDeleteExperiment(w http.ResponseWriter, r *http.Request) {
	uc, err := s.user(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	e, err := s.ownedExperiment(r, uc.UserID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.store.DeleteExperiment(r.Context(), e.ID); err != nil {
		if apperr.Is(err, apperr.Conflict) {
			err = apperr.E(apperr.Conflict, "Cannot delete a running experiment. Cancel it first.", nil)
		}
		s.writeError(w, err)
		return
	}
	if err := s.cache.ClearExperiment(r.Context(), e.ID.String()); err != nil {
		s.logger.Warn("progress cleanup failed", zap.Error(err))
	}
	w.WriteHeader(http.StatusNoContent)
}

package httpapi

import (
	"fmt"
	"net"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aegisai/aegis/internal/apperr"
	"github.com/aegisai/aegis/internal/db"
	"github.com/aegisai/aegis/internal/firewall"
)

const (
	ruleTypeBlockPattern = "block_pattern"
	ruleTypeAllowPattern = "allow_pattern"
	ruleTypeCustomPolicy = "custom_policy"

	maxRuleNameLen    = 200
	maxRulePatternLen = 2000
	maxRulePolicyLen  = 5000
	maxRulePriority   = 1000
)

var ruleTypes = map[string]bool{
	ruleTypeBlockPattern: true,
	ruleTypeAllowPattern: true,
	ruleTypeCustomPolicy: true,
}

// ---- evaluation ----

type evaluateRequest struct {
	Prompt      string `json:"prompt"`
	AgentPrompt string `json:"agent_prompt"`
}

func (s *Server) handleFirewallEvaluate(w http.ResponseWriter, r *http.Request) {
	projectID := r.PathValue("projectID")
	if _, err := uuid.Parse(projectID); err != nil {
		s.writeError(w, apperr.E(apperr.InvalidInput, "invalid project id", nil))
		return
	}
	apiKey, err := bearerToken(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	var req evaluateRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if strings.TrimSpace(req.Prompt) == "" {
		s.writeError(w, apperr.E(apperr.InvalidInput, "prompt is required", nil))
		return
	}

	verdict, err := s.fw.Evaluate(r.Context(), firewall.Request{
		ProjectID:   projectID,
		APIKey:      apiKey,
		Prompt:      req.Prompt,
		AgentPrompt: req.AgentPrompt,
		IPAddress:   clientIP(r),
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, verdict)
}

func bearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", apperr.E(apperr.AuthRequired, "Not authenticated", nil)
	}
	if !strings.HasPrefix(header, "Bearer ") {
		return "", apperr.E(apperr.AuthRequired, "invalid authorization header", nil)
	}
	return strings.TrimPrefix(header, "Bearer "), nil
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return strings.TrimSpace(strings.Split(fwd, ",")[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// ---- rules ----

type ruleRequest struct {
	Name     *string `json:"name"`
	RuleType *string `json:"rule_type"`
	Pattern  *string `json:"pattern"`
	Policy   *string `json:"policy"`
	Priority *int    `json:"priority"`
	IsActive *bool   `json:"is_active"`
}

type ruleResponse struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	RuleType  string    `json:"rule_type"`
	Pattern   *string   `json:"pattern"`
	Policy    *string   `json:"policy"`
	Priority  int       `json:"priority"`
	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func ruleToResponse(row *db.FirewallRuleRow) ruleResponse {
	return ruleResponse{
		ID:        row.ID,
		Name:      row.Name,
		RuleType:  row.RuleType,
		Pattern:   row.Pattern,
		Policy:    row.Policy,
		Priority:  row.Priority,
		IsActive:  row.IsActive,
		CreatedAt: row.CreatedAt,
		UpdatedAt: row.UpdatedAt,
	}
}

// validateRule enforces the type-dependent field contract on a fully
// merged rule.
func validateRule(row *db.FirewallRuleRow) error {
	if row.Name == "" || len(row.Name) > maxRuleNameLen {
		return apperr.Errorf(apperr.InvalidInput, "name must be 1-%d characters", maxRuleNameLen)
	}
	if !ruleTypes[row.RuleType] {
		return apperr.E(apperr.InvalidInput, "rule_type must be block_pattern, allow_pattern, or custom_policy", nil)
	}
	if row.Priority < 0 || row.Priority > maxRulePriority {
		return apperr.Errorf(apperr.InvalidInput, "priority must be 0-%d", maxRulePriority)
	}
	switch row.RuleType {
	case ruleTypeBlockPattern, ruleTypeAllowPattern:
		if row.Policy != nil {
			return apperr.E(apperr.InvalidInput, "FIELD_NOT_APPLICABLE", nil)
		}
		if row.Pattern == nil || *row.Pattern == "" {
			return apperr.E(apperr.InvalidInput, "PATTERN_REQUIRED", nil)
		}
		if len(*row.Pattern) > maxRulePatternLen {
			return apperr.Errorf(apperr.InvalidInput, "pattern must be at most %d characters", maxRulePatternLen)
		}
		if _, err := regexp.Compile(*row.Pattern); err != nil {
			return apperr.E(apperr.InvalidInput, "INVALID_REGEX", err)
		}
	case ruleTypeCustomPolicy:
		if row.Pattern != nil {
			return apperr.E(apperr.InvalidInput, "FIELD_NOT_APPLICABLE", nil)
		}
		if row.Policy == nil || *row.Policy == "" {
			return apperr.E(apperr.InvalidInput, "POLICY_REQUIRED", nil)
		}
		if len(*row.Policy) > maxRulePolicyLen {
			return apperr.Errorf(apperr.InvalidInput, "policy must be at most %d characters", maxRulePolicyLen)
		}
	}
	return nil
}

func (s *Server) handleCreateRule(w http.ResponseWriter, r *http.Request) {
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
	var req ruleRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	row := &db.FirewallRuleRow{
		ProjectID: projectID,
		Pattern:   req.Pattern,
		Policy:    req.Policy,
		IsActive:  true,
	}
	if req.Name != nil {
		row.Name = *req.Name
	}
	if req.RuleType != nil {
		row.RuleType = *req.RuleType
	}
	if req.Priority != nil {
		row.Priority = *req.Priority
	}
	if req.IsActive != nil {
		row.IsActive = *req.IsActive
	}
	if err := validateRule(row); err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.store.CreateFirewallRule(r.Context(), row); err != nil {
		s.writeError(w, err)
		return
	}
	s.invalidateRules(r, projectID)
	writeJSON(w, http.StatusCreated, ruleToResponse(row))
}

func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
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
	rows, err := s.store.ListFirewallRules(r.Context(), projectID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	out := make([]ruleResponse, 0, len(rows))
	for i := range rows {
		out = append(out, ruleToResponse(&rows[i]))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleUpdateRule(w http.ResponseWriter, r *http.Request) {
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
	ruleID, err := pathUUID(r, "rid")
	if err != nil {
		s.writeError(w, err)
		return
	}
	row, err := s.store.FirewallRuleByID(r.Context(), ruleID, projectID)
	if err != nil {
		if apperr.Is(err, apperr.NotFound) {
			err = apperr.E(apperr.NotFound, "RULE_NOT_FOUND", nil)
		}
		s.writeError(w, err)
		return
	}
	var req ruleRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if req.Name == nil && req.RuleType == nil && req.Pattern == nil &&
		req.Policy == nil && req.Priority == nil && req.IsActive == nil {
		s.writeError(w, apperr.E(apperr.InvalidInput, "NO_FIELDS_TO_UPDATE", nil))
		return
	}
	if req.Name != nil {
		row.Name = *req.Name
	}
	if req.RuleType != nil {
		row.RuleType = *req.RuleType
	}
	if req.Pattern != nil {
		row.Pattern = req.Pattern
	}
	if req.Policy != nil {
		row.Policy = req.Policy
	}
	if req.Priority != nil {
		row.Priority = *req.Priority
	}
	if req.IsActive != nil {
		row.IsActive = *req.IsActive
	}
	// A type switch drops the now-inapplicable field instead of failing.
	switch row.RuleType {
	case ruleTypeCustomPolicy:
		if req.RuleType != nil && req.Pattern == nil {
			row.Pattern = nil
		}
	case ruleTypeBlockPattern, ruleTypeAllowPattern:
		if req.RuleType != nil && req.Policy == nil {
			row.Policy = nil
		}
	}
	if err := validateRule(row); err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.store.UpdateFirewallRule(r.Context(), row); err != nil {
		s.writeError(w, err)
		return
	}
	s.invalidateRules(r, projectID)
	writeJSON(w, http.StatusOK, ruleToResponse(row))
}

func (s *Server) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
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
	ruleID, err := pathUUID(r, "rid")
	if err != nil {
		s.writeError(w, err)
		return
	}
	if _, err := s.store.FirewallRuleByID(r.Context(), ruleID, projectID); err != nil {
		if apperr.Is(err, apperr.NotFound) {
			err = apperr.E(apperr.NotFound, "RULE_NOT_FOUND", nil)
		}
		s.writeError(w, err)
		return
	}
	if err := s.store.DeleteFirewallRule(r.Context(), ruleID, projectID); err != nil {
		s.writeError(w, err)
		return
	}
	s.invalidateRules(r, projectID)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) invalidateRules(r *http.Request, projectID uuid.UUID) {
	if err := s.cache.InvalidateRules(r.Context(), projectID.String()); err != nil {
		s.logger.Warn("rules cache invalidation failed", zap.Error(err))
	}
}

// ---- logs and stats ----

type firewallLogResponse struct {
	ID              uuid.UUID  `json:"id"`
	MatchedRuleID   *uuid.UUID `json:"matched_rule_id"`
	PromptHash      string     `json:"prompt_hash"`
	PromptPreview   *string    `json:"prompt_preview"`
	AgentPromptHash *string    `json:"agent_prompt_hash"`
	VerdictStatus   bool       `json:"verdict_status"`
	FailCategory    *string    `json:"fail_category"`
	Explanation     *string    `json:"explanation"`
	Confidence      *float64   `json:"confidence"`
	LatencyMs       int64      `json:"latency_ms"`
	IPAddress       *string    `json:"ip_address"`
	CreatedAt       time.Time  `json:"created_at"`
}

func (s *Server) handleFirewallLogs(w http.ResponseWriter, r *http.Request) {
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
	cursor, err := db.DecodeCursor(r.URL.Query().Get("cursor"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	q := db.FirewallLogsQuery{
		ProjectID: projectID,
		Cursor:    cursor,
		PageSize:  queryInt(r, "page_size", 20),
	}
	switch r.URL.Query().Get("verdict") {
	case "passed":
		v := true
		q.VerdictFilter = &v
	case "blocked":
		v := false
		q.VerdictFilter = &v
	}
	rows, next, err := s.store.FirewallLogsPage(r.Context(), q)
	if err != nil {
		s.writeError(w, err)
		return
	}
	items := make([]firewallLogResponse, 0, len(rows))
	for _, row := range rows {
		items = append(items, firewallLogResponse{
			ID:              row.ID,
			MatchedRuleID:   row.MatchedRuleID,
			PromptHash:      row.PromptHash,
			PromptPreview:   row.PromptPreview,
			AgentPromptHash: row.AgentPromptHash,
			VerdictStatus:   row.VerdictStatus,
			FailCategory:    row.FailCategory,
			Explanation:     row.Explanation,
			Confidence:      row.Confidence,
			LatencyMs:       row.LatencyMs,
			IPAddress:       row.IPAddress,
			CreatedAt:       row.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items":       items,
		"next_cursor": next,
	})
}

var statsPeriods = map[string]time.Duration{
	"24h": 24 * time.Hour,
	"7d":  7 * 24 * time.Hour,
	"30d": 30 * 24 * time.Hour,
}

func (s *Server) handleFirewallStats(w http.ResponseWriter, r *http.Request) {
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
	period := r.URL.Query().Get("period")
	if period == "" {
		period = "24h"
	}
	window, ok := statsPeriods[period]
	if !ok {
		s.writeError(w, apperr.E(apperr.InvalidInput, "period must be 24h, 7d, or 30d", nil))
		return
	}
	stats, err := s.store.FirewallStatsForProject(r.Context(), projectID, window)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"project_id": projectID,
		"period":     period,
		"stats":      stats,
	})
}

// ---- integration ----

const (
	pythonSnippetTemplate = `import requests

response = requests.post(
    "%[1]s",
    headers={"Authorization": "Bearer YOUR_API_KEY"},
    json={"prompt": "User message here"}
)
verdict = response.json()
if verdict["status"]:
    # Safe - proceed to your AI
    pass
else:
    # Blocked - handle accordingly
    print(f"Blocked: {verdict['fail_category']} - {verdict['explanation']}")`

	javascriptSnippetTemplate = `const response = await fetch("%[1]s", {
  method: "POST",
  headers: {
    "Authorization": "Bearer YOUR_API_KEY",
    "Content-Type": "application/json"
  },
  body: JSON.stringify({ prompt: "User message here" })
});
const verdict = await response.json();
if (verdict.status) {
  // Safe - proceed to your AI
} else {
  // Blocked - handle accordingly
  console.log(` + "`Blocked: ${verdict.fail_category} - ${verdict.explanation}`" + `);
}`

	curlSnippetTemplate = `curl -X POST %[1]s \
  -H "Authorization: Bearer YOUR_API_KEY" \
  -H "Content-Type: application/json" \
  -d '{"prompt": "User message here"}'`
)

func (s *Server) handleFirewallIntegration(w http.ResponseWriter, r *http.Request) {
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
	p, err := s.store.ProjectByID(r.Context(), projectID, uc.UserID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	endpointURL := fmt.Sprintf("%s/firewall/%s", s.cfg.APIV1Prefix, p.ID)
	keyPrefix := ""
	if p.APIKeyPrefix != nil {
		keyPrefix = *p.APIKeyPrefix
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"endpoint_url":       endpointURL,
		"api_key_prefix":     keyPrefix,
		"rate_limit":         s.cfg.FirewallRateLimitPerMinute,
		"python_snippet":     fmt.Sprintf(pythonSnippetTemplate, endpointURL),
		"javascript_snippet": fmt.Sprintf(javascriptSnippetTemplate, endpointURL),
		"curl_snippet":       fmt.Sprintf(curlSnippetTemplate, endpointURL),
	})
}

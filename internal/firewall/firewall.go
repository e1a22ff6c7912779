// Package firewall implements the runtime prompt firewall: a layered
// pipeline of cached API-key auth, sliding-window rate limiting,
// deterministic pattern rules, and an LLM judge as the final arbiter.
package firewall

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aegisai/aegis/internal/apperr"
	"github.com/aegisai/aegis/internal/llm"
	"github.com/aegisai/aegis/internal/metrics"
	"github.com/aegisai/aegis/internal/models"
)

const (
	judgeMaxTokens = 500

	defaultRateLimit  = 100
	defaultLogTimeout = 5 * time.Second

	promptPreviewLen = 200
)

// Rule types.
const (
	RuleBlockPattern = "block_pattern"
	RuleAllowPattern = "allow_pattern"
	RuleCustomPolicy = "custom_policy"
)

// Request is one firewall evaluation call as received from an integration.
type Request struct {
	// ProjectID is the path parameter; it must match the project the
	// API key resolves to.
	ProjectID   string
	APIKey      string
	Prompt      string
	AgentPrompt string
	IPAddress   string
}

// Verdict is the firewall's decision on a single prompt. FailCategory
// and MatchedRule serialize as null when absent.
type Verdict struct {
	Status       bool    `json:"status"`
	FailCategory *string `json:"fail_category"`
	Explanation  string  `json:"explanation"`
	Confidence   float64 `json:"confidence"`
	MatchedRule  *string `json:"matched_rule"`
	LatencyMs    int64   `json:"latency_ms"`
}

// Rule is one firewall rule, in cache-serialized form.
type Rule struct {
	ID       uuid.UUID `json:"id" db:"id"`
	Name     string    `json:"name" db:"name"`
	RuleType string    `json:"rule_type" db:"rule_type"`
	Pattern  string    `json:"pattern" db:"pattern"`
	Policy   string    `json:"policy" db:"policy"`
}

// LogEntry is a persisted record of one evaluation.
type LogEntry struct {
	ProjectID       uuid.UUID
	MatchedRuleID   *uuid.UUID
	PromptHash      string
	PromptPreview   string
	AgentPromptHash string
	VerdictStatus   bool
	FailCategory    string
	Explanation     string
	Confidence      float64
	LatencyMs       int64
	IPAddress       string
}

// RateLimitError carries the Retry-After hint for the HTTP layer.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded, retry after %s", e.RetryAfter)
}

// Store is the database surface the firewall depends on.
type Store interface {
	// ResolveAPIKey maps an API key hash to an active project.
	ResolveAPIKey(ctx context.Context, keyHash string) (projectID, organizationID string, found bool, err error)
	ProjectScope(ctx context.Context, projectID string) (models.ProjectScope, bool, error)
	// ActiveRules returns the project's active rules ordered by priority.
	ActiveRules(ctx context.Context, projectID string) ([]Rule, error)
	// ValidProvider returns the organization's first validated LLM provider.
	ValidProvider(ctx context.Context, organizationID string) (llm.Provider, bool, error)
	InsertFirewallLog(ctx context.Context, entry LogEntry) error
}

// Cache is the Redis surface, satisfied by *kv.Store.
type Cache interface {
	AuthCacheGet(ctx context.Context, keyHash string) (payload string, found, negative bool, err error)
	AuthCacheSet(ctx context.Context, keyHash, payload string) error
	AuthCacheSetNegative(ctx context.Context, keyHash string) error
	ScopeCacheGet(ctx context.Context, projectID string) (string, bool, error)
	ScopeCacheSet(ctx context.Context, projectID, payload string) error
	RulesCacheGet(ctx context.Context, projectID string) (string, bool, error)
	RulesCacheSet(ctx context.Context, projectID, payload string) error
	AllowRate(ctx context.Context, projectID string, limit int) (allowed bool, retryAfter time.Duration)
}

// ChatClient sends chat completions to an upstream provider.
type ChatClient interface {
	Chat(ctx context.Context, p llm.Provider, req llm.ChatRequest) (*llm.ChatResponse, error)
}

// Config tunes the firewall service.
type Config struct {
	RateLimitPerMinute int
	// JudgeModel overrides the provider default for the LLM judge.
	JudgeModel string
}

// Service runs the evaluation pipeline.
type Service struct {
	store      Store
	cache      Cache
	chat       ChatClient
	logger     *zap.Logger
	rateLimit  int
	judgeModel string
	logTimeout time.Duration

	wg sync.WaitGroup
}

// New builds a firewall Service.
func New(store Store, cache Cache, chat ChatClient, cfg Config, logger *zap.Logger) *Service {
	rl := cfg.RateLimitPerMinute
	if rl <= 0 {
		rl = defaultRateLimit
	}
	return &Service{
		store:      store,
		cache:      cache,
		chat:       chat,
		logger:     logger,
		rateLimit:  rl,
		judgeModel: cfg.JudgeModel,
		logTimeout: defaultLogTimeout,
	}
}

// Close waits for in-flight log writes to drain.
func (s *Service) Close() {
	s.wg.Wait()
}

type authEntry struct {
	ProjectID      string `json:"project_id"`
	OrganizationID string `json:"organization_id"`
}

// Evaluate runs the full pipeline: auth, rate limit, scope, rules,
// pattern fast path, LLM judge, async log write.
func (s *Service) Evaluate(ctx context.Context, req Request) (*Verdict, error) {
	start := time.Now()

	auth, err := s.authenticate(ctx, req.APIKey)
	if err != nil {
		return nil, err
	}
	if auth.ProjectID != req.ProjectID {
		return nil, apperr.E(apperr.NotFound, "PROJECT_NOT_FOUND", nil)
	}

	if allowed, retryAfter := s.cache.AllowRate(ctx, auth.ProjectID, s.rateLimit); !allowed {
		metrics.FirewallRateLimited.Inc()
		return nil, apperr.E(apperr.RateLimited, "RATE_LIMIT_EXCEEDED", &RateLimitError{RetryAfter: retryAfter})
	}

	scope, err := s.loadScope(ctx, auth.ProjectID)
	if err != nil {
		return nil, err
	}
	rules, err := s.loadRules(ctx, auth.ProjectID)
	if err != nil {
		return nil, err
	}

	verdict, matchedRuleID := evaluatePatternRules(req.Prompt, rules)
	stage := "pattern"
	if verdict == nil {
		stage = "llm"
		verdict, err = s.judgeWithLLM(ctx, auth.OrganizationID, scope, rules, req.Prompt, req.AgentPrompt)
		if err != nil {
			return nil, err
		}
	}
	verdict.LatencyMs = time.Since(start).Milliseconds()

	outcome := "blocked"
	if verdict.Status {
		outcome = "allowed"
	}
	metrics.FirewallDecisions.WithLabelValues(outcome, stage).Inc()
	metrics.FirewallLatency.Observe(time.Since(start).Seconds())

	s.logAsync(buildLogEntry(auth.ProjectID, req, verdict, matchedRuleID))
	return verdict, nil
}

// authenticate resolves a raw API key to its project, consulting the
// auth cache first. Unknown keys are negatively cached so repeated
// garbage does not hammer the database.
func (s *Service) authenticate(ctx context.Context, rawKey string) (authEntry, error) {
	sum := sha256.Sum256([]byte(rawKey))
	keyHash := hex.EncodeToString(sum[:])

	payload, found, negative, err := s.cache.AuthCacheGet(ctx, keyHash)
	if err != nil {
		s.logger.Warn("auth cache unavailable", zap.Error(err))
	}
	if found {
		metrics.FirewallCacheHits.WithLabelValues("auth", "hit").Inc()
		if negative {
			return authEntry{}, apperr.E(apperr.AuthInvalid, "Invalid API key", nil)
		}
		var entry authEntry
		if umErr := json.Unmarshal([]byte(payload), &entry); umErr == nil {
			return entry, nil
		}
	} else {
		metrics.FirewallCacheHits.WithLabelValues("auth", "miss").Inc()
	}

	projectID, orgID, ok, err := s.store.ResolveAPIKey(ctx, keyHash)
	if err != nil {
		return authEntry{}, apperr.E(apperr.Internal, "api key lookup failed", err)
	}
	if !ok {
		if cErr := s.cache.AuthCacheSetNegative(ctx, keyHash); cErr != nil {
			s.logger.Debug("negative auth cache write failed", zap.Error(cErr))
		}
		return authEntry{}, apperr.E(apperr.AuthInvalid, "Invalid API key", nil)
	}

	entry := authEntry{ProjectID: projectID, OrganizationID: orgID}
	if raw, mErr := json.Marshal(entry); mErr == nil {
		if cErr := s.cache.AuthCacheSet(ctx, keyHash, string(raw)); cErr != nil {
			s.logger.Debug("auth cache write failed", zap.Error(cErr))
		}
	}
	return entry, nil
}

func (s *Service) loadScope(ctx context.Context, projectID string) (models.ProjectScope, error) {
	cached, found, err := s.cache.ScopeCacheGet(ctx, projectID)
	if err != nil {
		s.logger.Warn("scope cache unavailable", zap.Error(err))
	}
	if found {
		metrics.FirewallCacheHits.WithLabelValues("scope", "hit").Inc()
		var scope models.ProjectScope
		if umErr := json.Unmarshal([]byte(cached), &scope); umErr == nil {
			return scope, nil
		}
	} else {
		metrics.FirewallCacheHits.WithLabelValues("scope", "miss").Inc()
	}

	scope, ok, err := s.store.ProjectScope(ctx, projectID)
	if err != nil {
		return models.ProjectScope{}, apperr.E(apperr.Internal, "scope lookup failed", err)
	}
	if !ok {
		return models.ProjectScope{}, apperr.E(apperr.NotFound, "PROJECT_NOT_FOUND", nil)
	}
	if raw, mErr := json.Marshal(scope); mErr == nil {
		if cErr := s.cache.ScopeCacheSet(ctx, projectID, string(raw)); cErr != nil {
			s.logger.Debug("scope cache write failed", zap.Error(cErr))
		}
	}
	return scope, nil
}

func (s *Service) loadRules(ctx context.Context, projectID string) ([]Rule, error) {
	cached, found, err := s.cache.RulesCacheGet(ctx, projectID)
	if err != nil {
		s.logger.Warn("rules cache unavailable", zap.Error(err))
	}
	if found {
		metrics.FirewallCacheHits.WithLabelValues("rules", "hit").Inc()
		var rules []Rule
		if umErr := json.Unmarshal([]byte(cached), &rules); umErr == nil {
			return rules, nil
		}
	} else {
		metrics.FirewallCacheHits.WithLabelValues("rules", "miss").Inc()
	}

	rules, err := s.store.ActiveRules(ctx, projectID)
	if err != nil {
		return nil, apperr.E(apperr.Internal, "rules lookup failed", err)
	}
	if raw, mErr := json.Marshal(rules); mErr == nil {
		if cErr := s.cache.RulesCacheSet(ctx, projectID, string(raw)); cErr != nil {
			s.logger.Debug("rules cache write failed", zap.Error(cErr))
		}
	}
	return rules, nil
}

// evaluatePatternRules applies block/allow patterns in priority order and
// returns the verdict of the first match, or nil when none match.
// Rules with invalid regexes are skipped.
func evaluatePatternRules(prompt string, rules []Rule) (*Verdict, *uuid.UUID) {
	for i := range rules {
		rule := &rules[i]
		if rule.Pattern == "" {
			continue
		}
		switch rule.RuleType {
		case RuleBlockPattern, RuleAllowPattern:
		default:
			continue
		}
		re, err := regexp.Compile("(?i)" + rule.Pattern)
		if err != nil {
			continue
		}
		if !re.MatchString(prompt) {
			continue
		}
		if rule.RuleType == RuleBlockPattern {
			category := "restriction"
			return &Verdict{
				Status:       false,
				FailCategory: &category,
				Explanation:  "Blocked by pattern rule: " + rule.Name,
				Confidence:   1.0,
				MatchedRule:  &rule.Name,
			}, &rule.ID
		}
		return &Verdict{
			Status:      true,
			Explanation: "Allowed by pattern rule: " + rule.Name,
			Confidence:  1.0,
			MatchedRule: &rule.Name,
		}, &rule.ID
	}
	return nil, nil
}

// judgeWithLLM runs the deep evaluation against the organization's first
// validated provider, enforcing custom policy rules in the system prompt.
func (s *Service) judgeWithLLM(ctx context.Context, organizationID string, scope models.ProjectScope, rules []Rule, prompt, agentPrompt string) (*Verdict, error) {
	provider, found, err := s.store.ValidProvider(ctx, organizationID)
	if err != nil {
		return nil, apperr.E(apperr.Internal, "provider lookup failed", err)
	}
	if !found {
		return nil, apperr.E(apperr.InvalidInput, "NO_PROVIDER_CONFIGURED", nil)
	}

	var policies []string
	for _, r := range rules {
		if r.RuleType == RuleCustomPolicy && r.Policy != "" {
			policies = append(policies, r.Policy)
		}
	}

	resp, err := s.chat.Chat(ctx, provider, llm.ChatRequest{
		Messages: []llm.Message{
			{Role: "system", Content: buildJudgePrompt(scope, policies, agentPrompt)},
			{Role: "user", Content: prompt},
		},
		Temperature: 0.0,
		MaxTokens:   judgeMaxTokens,
		JSONMode:    true,
		Model:       s.judgeModel,
	})
	if err != nil {
		return nil, apperr.E(apperr.UpstreamFailed, "EVALUATION_FAILED", err)
	}

	verdict, err := parseJudgeVerdict(resp.Content)
	if err != nil {
		return nil, apperr.E(apperr.UpstreamFailed, "EVALUATION_FAILED", err)
	}
	return verdict, nil
}

// buildJudgePrompt constructs the system prompt for the LLM judge.
func buildJudgePrompt(scope models.ProjectScope, policies []string, agentPrompt string) string {
	business := scope.BusinessScope
	if business == "" {
		business = "Not defined"
	}
	allowed, _ := json.Marshal(emptyIfNil(scope.AllowedIntents))
	restricted, _ := json.Marshal(emptyIfNil(scope.RestrictedIntents))

	parts := []string{
		"You are an AI Firewall judge. Evaluate whether the user prompt is safe and within scope.",
		`Respond ONLY with a JSON object: {"status": bool, "fail_category": str|null, "explanation": str, "confidence": float}`,
		"",
		"Business scope: " + business,
		"Allowed intents: " + string(allowed),
		"Restricted intents: " + string(restricted),
	}
	if len(policies) > 0 {
		parts = append(parts, "", "Custom policies to enforce:")
		for i, p := range policies {
			parts = append(parts, fmt.Sprintf("  %d. %s", i+1, p))
		}
	}
	if agentPrompt != "" {
		parts = append(parts, "", "Agent/system prompt context: "+agentPrompt)
	}
	parts = append(parts,
		"",
		"fail_category values when status=false:",
		`  - "off_topic": prompt is outside the defined business scope`,
		`  - "violation": prompt violates allowed intents`,
		`  - "restriction": prompt attempts a restricted action`,
		"",
		"If the prompt is safe and within scope, set status=true and fail_category=null.",
	)
	return strings.Join(parts, "\n")
}

func parseJudgeVerdict(content string) (*Verdict, error) {
	var raw struct {
		Status       *bool    `json:"status"`
		FailCategory string   `json:"fail_category"`
		Explanation  string   `json:"explanation"`
		Confidence   *float64 `json:"confidence"`
	}
	if err := json.Unmarshal([]byte(content), &raw); err != nil {
		return nil, fmt.Errorf("parse judge verdict: %w", err)
	}

	v := &Verdict{Status: true, Explanation: "Evaluation complete.", Confidence: 0.5}
	if raw.Status != nil {
		v.Status = *raw.Status
	}
	if !v.Status && raw.FailCategory != "" {
		v.FailCategory = &raw.FailCategory
	}
	if raw.Explanation != "" {
		v.Explanation = raw.Explanation
	}
	if raw.Confidence != nil {
		v.Confidence = math.Max(0, math.Min(1, *raw.Confidence))
	}
	return v, nil
}

func buildLogEntry(projectID string, req Request, verdict *Verdict, matchedRuleID *uuid.UUID) LogEntry {
	entry := LogEntry{
		MatchedRuleID: matchedRuleID,
		PromptHash:    sha256Hex(req.Prompt),
		PromptPreview: preview(req.Prompt, promptPreviewLen),
		VerdictStatus: verdict.Status,
		Explanation:   verdict.Explanation,
		Confidence:    verdict.Confidence,
		LatencyMs:     verdict.LatencyMs,
		IPAddress:     req.IPAddress,
	}
	if verdict.FailCategory != nil {
		entry.FailCategory = *verdict.FailCategory
	}
	if id, err := uuid.Parse(projectID); err == nil {
		entry.ProjectID = id
	}
	if req.AgentPrompt != "" {
		entry.AgentPromptHash = sha256Hex(req.AgentPrompt)
	}
	return entry
}

// logAsync persists the evaluation record without blocking the response.
func (s *Service) logAsync(entry LogEntry) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), s.logTimeout)
		defer cancel()
		if err := s.store.InsertFirewallLog(ctx, entry); err != nil {
			s.logger.Warn("firewall log write failed",
				zap.String("project_id", entry.ProjectID.String()), zap.Error(err))
		}
	}()
}

func sha256Hex(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

func preview(text string, limit int) string {
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}
	return string(runes[:limit])
}

func emptyIfNil(items []string) []string {
	if items == nil {
		return []string{}
	}
	return items
}

package firewall

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/aegisai/aegis/internal/apperr"
	"github.com/aegisai/aegis/internal/kv"
	"github.com/aegisai/aegis/internal/llm"
	"github.com/aegisai/aegis/internal/models"
)

type fakeStore struct {
	mu sync.Mutex

	keyHash   string
	projectID string
	orgID     string
	scope     models.ProjectScope
	rules     []Rule
	provider  *llm.Provider

	keyLookups  int
	ruleLookups int
	logs        []LogEntry
}

func (f *fakeStore) ResolveAPIKey(_ context.Context, keyHash string) (string, string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keyLookups++
	if keyHash == f.keyHash {
		return f.projectID, f.orgID, true, nil
	}
	return "", "", false, nil
}

func (f *fakeStore) ProjectScope(_ context.Context, projectID string) (models.ProjectScope, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if projectID != f.projectID {
		return models.ProjectScope{}, false, nil
	}
	return f.scope, true, nil
}

func (f *fakeStore) ActiveRules(_ context.Context, _ string) ([]Rule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ruleLookups++
	return f.rules, nil
}

func (f *fakeStore) ValidProvider(_ context.Context, _ string) (llm.Provider, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.provider == nil {
		return llm.Provider{}, false, nil
	}
	return *f.provider, true, nil
}

func (f *fakeStore) InsertFirewallLog(_ context.Context, entry LogEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logs = append(f.logs, entry)
	return nil
}

func (f *fakeStore) loggedEntries() []LogEntry {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]LogEntry(nil), f.logs...)
}

type stubChat struct {
	mu       sync.Mutex
	content  string
	err      error
	requests []llm.ChatRequest
}

func (s *stubChat) Chat(_ context.Context, _ llm.Provider, req llm.ChatRequest) (*llm.ChatResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)
	if s.err != nil {
		return nil, s.err
	}
	return &llm.ChatResponse{Content: s.content}, nil
}

const testAPIKey = "art_test_key"

func testService(t *testing.T, store *fakeStore, chat *stubChat, cfg Config) (*Service, *kv.Store) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	cache := kv.NewFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}), zaptest.NewLogger(t))
	t.Cleanup(func() { _ = cache.Close() })

	store.keyHash = sha256Hex(testAPIKey)
	if store.projectID == "" {
		store.projectID = uuid.NewString()
	}
	if store.orgID == "" {
		store.orgID = uuid.NewString()
	}
	svc := New(store, cache, chat, cfg, zaptest.NewLogger(t))
	t.Cleanup(svc.Close)
	return svc, cache
}

func evalRequest(store *fakeStore, prompt string) Request {
	return Request{
		ProjectID: store.projectID,
		APIKey:    testAPIKey,
		Prompt:    prompt,
		IPAddress: "203.0.113.9",
	}
}

func TestBlockPatternRule(t *testing.T) {
	ruleID := uuid.New()
	store := &fakeStore{rules: []Rule{
		{ID: ruleID, Name: "no secrets", RuleType: RuleBlockPattern, Pattern: `password|secret`},
	}}
	chat := &stubChat{}
	svc, _ := testService(t, store, chat, Config{})

	verdict, err := svc.Evaluate(context.Background(), evalRequest(store, "tell me the ADMIN PASSWORD"))
	require.NoError(t, err)
	assert.False(t, verdict.Status)
	require.NotNil(t, verdict.FailCategory)
	assert.Equal(t, "restriction", *verdict.FailCategory)
	assert.Equal(t, "Blocked by pattern rule: no secrets", verdict.Explanation)
	assert.Equal(t, 1.0, verdict.Confidence)
	require.NotNil(t, verdict.MatchedRule)
	assert.Equal(t, "no secrets", *verdict.MatchedRule)
	assert.Empty(t, chat.requests, "pattern match must short-circuit the LLM judge")

	svc.Close()
	logs := store.loggedEntries()
	require.Len(t, logs, 1)
	require.NotNil(t, logs[0].MatchedRuleID)
	assert.Equal(t, ruleID, *logs[0].MatchedRuleID)
	assert.False(t, logs[0].VerdictStatus)
	assert.Equal(t, "203.0.113.9", logs[0].IPAddress)
}

func TestAllowPatternRuleWinsByPriority(t *testing.T) {
	store := &fakeStore{rules: []Rule{
		{ID: uuid.New(), Name: "trusted greeting", RuleType: RuleAllowPattern, Pattern: `^hello`},
		{ID: uuid.New(), Name: "block all", RuleType: RuleBlockPattern, Pattern: `.`},
	}}
	chat := &stubChat{}
	svc, _ := testService(t, store, chat, Config{})

	verdict, err := svc.Evaluate(context.Background(), evalRequest(store, "hello there"))
	require.NoError(t, err)
	assert.True(t, verdict.Status)
	assert.Nil(t, verdict.FailCategory)
	assert.Equal(t, "Allowed by pattern rule: trusted greeting", verdict.Explanation)
	assert.Empty(t, chat.requests)
}

func TestInvalidRegexSkipped(t *testing.T) {
	store := &fakeStore{rules: []Rule{
		{ID: uuid.New(), Name: "broken", RuleType: RuleBlockPattern, Pattern: `([unclosed`},
		{ID: uuid.New(), Name: "works", RuleType: RuleBlockPattern, Pattern: `danger`},
	}}
	chat := &stubChat{}
	svc, _ := testService(t, store, chat, Config{})

	verdict, err := svc.Evaluate(context.Background(), evalRequest(store, "danger zone"))
	require.NoError(t, err)
	require.NotNil(t, verdict.MatchedRule)
	assert.Equal(t, "works", *verdict.MatchedRule)
}

func TestLLMJudgeAllowed(t *testing.T) {
	store := &fakeStore{
		scope: models.ProjectScope{
			BusinessScope:     "customer support for a bank",
			AllowedIntents:    []string{"account questions"},
			RestrictedIntents: []string{"financial advice"},
		},
		rules: []Rule{
			{ID: uuid.New(), Name: "tone", RuleType: RuleCustomPolicy, Policy: "Never discuss competitors"},
		},
		provider: &llm.Provider{Kind: llm.ProviderOpenAI, APIKey: "sk-x"},
	}
	chat := &stubChat{content: `{"status": true, "fail_category": null, "explanation": "On topic.", "confidence": 0.92}`}
	svc, _ := testService(t, store, chat, Config{JudgeModel: "gpt-4o-mini"})

	verdict, err := svc.Evaluate(context.Background(), evalRequest(store, "how do I reset my card PIN?"))
	require.NoError(t, err)
	assert.True(t, verdict.Status)
	assert.Nil(t, verdict.FailCategory)
	assert.Equal(t, "On topic.", verdict.Explanation)
	assert.Equal(t, 0.92, verdict.Confidence)

	require.Len(t, chat.requests, 1)
	req := chat.requests[0]
	assert.Equal(t, 0.0, req.Temperature)
	assert.Equal(t, 500, req.MaxTokens)
	assert.True(t, req.JSONMode)
	assert.Equal(t, "gpt-4o-mini", req.Model)
	require.Len(t, req.Messages, 2)
	system := req.Messages[0].Content
	assert.Contains(t, system, "You are an AI Firewall judge.")
	assert.Contains(t, system, "Business scope: customer support for a bank")
	assert.Contains(t, system, `["account questions"]`)
	assert.Contains(t, system, "Custom policies to enforce:")
	assert.Contains(t, system, "1. Never discuss competitors")
	assert.Equal(t, "how do I reset my card PIN?", req.Messages[1].Content)
}

func TestLLMJudgeBlockKeepsFailCategory(t *testing.T) {
	store := &fakeStore{provider: &llm.Provider{Kind: llm.ProviderOpenAI, APIKey: "sk-x"}}
	chat := &stubChat{content: `{"status": false, "fail_category": "off_topic", "explanation": "Out of scope.", "confidence": 0.8}`}
	svc, _ := testService(t, store, chat, Config{})

	verdict, err := svc.Evaluate(context.Background(), evalRequest(store, "write me a poem"))
	require.NoError(t, err)
	assert.False(t, verdict.Status)
	require.NotNil(t, verdict.FailCategory)
	assert.Equal(t, "off_topic", *verdict.FailCategory)
}

func TestLLMJudgePassClearsFailCategory(t *testing.T) {
	store := &fakeStore{provider: &llm.Provider{Kind: llm.ProviderOpenAI, APIKey: "sk-x"}}
	chat := &stubChat{content: `{"status": true, "fail_category": "violation", "explanation": "ok"}`}
	svc, _ := testService(t, store, chat, Config{})

	verdict, err := svc.Evaluate(context.Background(), evalRequest(store, "hi"))
	require.NoError(t, err)
	assert.True(t, verdict.Status)
	assert.Nil(t, verdict.FailCategory)
	assert.Equal(t, 0.5, verdict.Confidence)
}

func TestLLMJudgeClampsConfidence(t *testing.T) {
	store := &fakeStore{provider: &llm.Provider{Kind: llm.ProviderOpenAI, APIKey: "sk-x"}}
	chat := &stubChat{content: `{"status": false, "fail_category": "violation", "explanation": "bad", "confidence": 7.5}`}
	svc, _ := testService(t, store, chat, Config{})

	verdict, err := svc.Evaluate(context.Background(), evalRequest(store, "do something bad"))
	require.NoError(t, err)
	assert.Equal(t, 1.0, verdict.Confidence)

	chat.content = `{"status": true, "explanation": "ok", "confidence": -0.3}`
	verdict, err = svc.Evaluate(context.Background(), evalRequest(store, "hello again"))
	require.NoError(t, err)
	assert.Equal(t, 0.0, verdict.Confidence)
}

func TestVerdictSerializesNullFields(t *testing.T) {
	raw, err := json.Marshal(Verdict{Status: true, Explanation: "ok", Confidence: 0.9})
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"fail_category":null`)
	assert.Contains(t, string(raw), `"matched_rule":null`)

	category := "off_topic"
	raw, err = json.Marshal(Verdict{Status: false, FailCategory: &category})
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"fail_category":"off_topic"`)
}

func TestNoProviderConfigured(t *testing.T) {
	store := &fakeStore{}
	svc, _ := testService(t, store, &stubChat{}, Config{})

	_, err := svc.Evaluate(context.Background(), evalRequest(store, "anything"))
	require.Error(t, err)
	assert.Equal(t, apperr.InvalidInput, apperr.KindOf(err))
	assert.Equal(t, "NO_PROVIDER_CONFIGURED", apperr.Message(err))
}

func TestLLMFailureMapsToUpstream(t *testing.T) {
	store := &fakeStore{provider: &llm.Provider{Kind: llm.ProviderOpenAI, APIKey: "sk-x"}}
	chat := &stubChat{err: errors.New("connection refused")}
	svc, _ := testService(t, store, chat, Config{})

	_, err := svc.Evaluate(context.Background(), evalRequest(store, "anything"))
	require.Error(t, err)
	assert.Equal(t, apperr.UpstreamFailed, apperr.KindOf(err))
	assert.Equal(t, "EVALUATION_FAILED", apperr.Message(err))
}

func TestInvalidAPIKeyNegativelyCached(t *testing.T) {
	store := &fakeStore{}
	svc, _ := testService(t, store, &stubChat{}, Config{})
	req := evalRequest(store, "hi")
	req.APIKey = "wrong"

	for i := 0; i < 3; i++ {
		_, err := svc.Evaluate(context.Background(), req)
		require.Error(t, err)
		assert.Equal(t, apperr.AuthInvalid, apperr.KindOf(err))
	}
	assert.Equal(t, 1, store.keyLookups, "repeated bad keys must be served from the negative cache")
}

func TestAuthResolutionCached(t *testing.T) {
	store := &fakeStore{provider: &llm.Provider{Kind: llm.ProviderOpenAI, APIKey: "sk-x"}}
	chat := &stubChat{content: `{"status": true}`}
	svc, _ := testService(t, store, chat, Config{})

	for i := 0; i < 3; i++ {
		_, err := svc.Evaluate(context.Background(), evalRequest(store, "hi"))
		require.NoError(t, err)
	}
	assert.Equal(t, 1, store.keyLookups)
}

func TestProjectIDMismatch(t *testing.T) {
	store := &fakeStore{}
	svc, _ := testService(t, store, &stubChat{}, Config{})
	req := evalRequest(store, "hi")
	req.ProjectID = uuid.NewString()

	_, err := svc.Evaluate(context.Background(), req)
	require.Error(t, err)
	assert.Equal(t, apperr.NotFound, apperr.KindOf(err))
	assert.Equal(t, "PROJECT_NOT_FOUND", apperr.Message(err))
}

func TestRateLimitExceeded(t *testing.T) {
	store := &fakeStore{rules: []Rule{
		{ID: uuid.New(), Name: "allow all", RuleType: RuleAllowPattern, Pattern: `.`},
	}}
	svc, _ := testService(t, store, &stubChat{}, Config{RateLimitPerMinute: 2})
	req := evalRequest(store, "hi")

	for i := 0; i < 2; i++ {
		_, err := svc.Evaluate(context.Background(), req)
		require.NoError(t, err)
	}
	_, err := svc.Evaluate(context.Background(), req)
	require.Error(t, err)
	assert.Equal(t, apperr.RateLimited, apperr.KindOf(err))

	var rle *RateLimitError
	require.True(t, errors.As(err, &rle))
	assert.GreaterOrEqual(t, rle.RetryAfter, time.Second)
}

func TestRulesCachedAcrossCalls(t *testing.T) {
	store := &fakeStore{rules: []Rule{
		{ID: uuid.New(), Name: "allow all", RuleType: RuleAllowPattern, Pattern: `.`},
	}}
	svc, _ := testService(t, store, &stubChat{}, Config{})
	req := evalRequest(store, "hi")

	for i := 0; i < 3; i++ {
		_, err := svc.Evaluate(context.Background(), req)
		require.NoError(t, err)
	}
	assert.Equal(t, 1, store.ruleLookups)
}

func TestLogEntryHashesAndPreview(t *testing.T) {
	store := &fakeStore{rules: []Rule{
		{ID: uuid.New(), Name: "allow all", RuleType: RuleAllowPattern, Pattern: `.`},
	}}
	svc, _ := testService(t, store, &stubChat{}, Config{})

	longPrompt := strings.Repeat("x", 500)
	req := evalRequest(store, longPrompt)
	req.AgentPrompt = "You are a helpdesk bot."
	_, err := svc.Evaluate(context.Background(), req)
	require.NoError(t, err)

	svc.Close()
	logs := store.loggedEntries()
	require.Len(t, logs, 1)
	entry := logs[0]
	assert.Equal(t, sha256Hex(longPrompt), entry.PromptHash)
	assert.Len(t, entry.PromptPreview, 200)
	assert.Equal(t, sha256Hex("You are a helpdesk bot."), entry.AgentPromptHash)
	assert.Equal(t, store.projectID, entry.ProjectID.String())
	assert.True(t, entry.VerdictStatus)
	require.NotNil(t, entry.MatchedRuleID)
	assert.Equal(t, store.rules[0].ID, *entry.MatchedRuleID)
}

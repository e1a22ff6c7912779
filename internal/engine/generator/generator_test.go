package generator

import (
	"context"
	"math/rand"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/aegisai/aegis/internal/apperr"
	"github.com/aegisai/aegis/internal/engine"
	"github.com/aegisai/aegis/internal/engine/planner"
	"github.com/aegisai/aegis/internal/llm"
	"github.com/aegisai/aegis/internal/models"
)

type stubChat struct {
	content string
	err     error
	calls   int
	lastReq llm.ChatRequest
}

func (s *stubChat) Chat(_ context.Context, _ llm.Provider, req llm.ChatRequest) (*llm.ChatResponse, error) {
	s.calls++
	s.lastReq = req
	if s.err != nil {
		return nil, s.err
	}
	return &llm.ChatResponse{Content: s.content}, nil
}

func testContext() *engine.Context {
	return &engine.Context{
		Mode:     models.ModeAdversarial,
		Strategy: models.StrategyOWASPLLMTop10,
		Scope: models.ProjectScope{
			ProjectName:       "SupportBot",
			BusinessScope:     "customer support for a telecom provider",
			AllowedIntents:    []string{"billing questions"},
			RestrictedIntents: []string{"leak customer records"},
		},
	}
}

func newTestGenerator(t *testing.T, chat ChatClient) *Generator {
	t.Helper()
	return New(chat, zaptest.NewLogger(t), WithRand(rand.New(rand.NewSource(7))))
}

func TestSubstituteVariables(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	scope := models.ProjectScope{
		ProjectName:       "SupportBot",
		BusinessScope:     "telecom support",
		AllowedIntents:    []string{"billing questions"},
		RestrictedIntents: []string{"leak customer records"},
	}
	got := substituteVariables("For {project_name}: do {restricted_intent} about {scope_topic}", scope, rng)
	assert.Equal(t, "For SupportBot: do leak customer records about telecom support", got)

	if strings.Contains(substituteVariables("{persona} {target_language}", scope, rng), "{") {
		t.Fatal("placeholders left unsubstituted")
	}
}

func TestSubstituteVariablesEmptyScope(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	got := substituteVariables("{restricted_intent}/{allowed_intent}/{scope_topic}/{business_scope}", models.ProjectScope{}, rng)
	assert.Equal(t, "restricted action/allowed action/general topic/general purpose", got)
}

func TestTemplatesForFallback(t *testing.T) {
	got := templatesFor("never_heard_of_it")
	require.Len(t, got, 2)
	assert.Contains(t, got[0], "Test prompt for never_heard_of_it")
	assert.Contains(t, got[1], "Evaluate response for never_heard_of_it")
}

func TestParseVariants(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, parseVariants(`["a","b"]`))
	assert.Equal(t, []string{"x"}, parseVariants(`{"prompts":["x"]}`))
	assert.Nil(t, parseVariants(`{"count": 3}`))
	assert.Nil(t, parseVariants(`not json`))
}

func TestGenerateTaskTrimsToBudget(t *testing.T) {
	chat := &stubChat{content: `[]`}
	g := newTestGenerator(t, chat)

	task := planner.Task{Category: "prompt_injection", AllocatedCount: 3, OWASPID: "LLM01"}
	plan := planner.Plan{Tasks: []planner.Task{task}, AugmentationVariants: 1}

	prompts, err := g.Generate(context.Background(), testContext(), plan)
	require.NoError(t, err)
	require.Len(t, prompts, 3)
	for i, p := range prompts {
		assert.Equal(t, i, p.Sequence)
		assert.Equal(t, models.OriginTemplateDirect, p.Origin)
		assert.Equal(t, "LLM01", p.OWASPID)
		assert.Equal(t, models.SeverityHigh, p.SeverityHint)
	}
	// Budget already covered by templates, so no augmentation call.
	assert.Zero(t, chat.calls)
}

func TestGenerateAugmentsRemainingBudget(t *testing.T) {
	chat := &stubChat{content: `["variant one", "variant two"]`}
	g := newTestGenerator(t, chat)

	task := planner.Task{Category: "model_theft", AllocatedCount: 10, OWASPID: "LLM10"}
	plan := planner.Plan{Tasks: []planner.Task{task}, AugmentationVariants: 2}

	prompts, err := g.Generate(context.Background(), testContext(), plan)
	require.NoError(t, err)
	require.Len(t, prompts, 5)

	assert.Equal(t, 1, chat.calls)
	assert.True(t, chat.lastReq.JSONMode)
	assert.Equal(t, 0.8, chat.lastReq.Temperature)
	assert.Equal(t, 2000, chat.lastReq.MaxTokens)

	augmented := 0
	for _, p := range prompts {
		if p.Origin == models.OriginLLMAugmented {
			augmented++
		}
	}
	assert.Equal(t, 2, augmented)
}

func TestGenerateAugmentationFailureDegrades(t *testing.T) {
	chat := &stubChat{err: apperr.E(apperr.UpstreamFailed, "boom", nil)}
	g := newTestGenerator(t, chat)

	task := planner.Task{Category: "model_theft", AllocatedCount: 10, OWASPID: "LLM10"}
	plan := planner.Plan{Tasks: []planner.Task{task}, AugmentationVariants: 2}

	prompts, err := g.Generate(context.Background(), testContext(), plan)
	require.NoError(t, err)
	// Template set alone survives a failed augmentation call.
	assert.Len(t, prompts, 3)
}

func TestGenerateRateLimitExhaustionAborts(t *testing.T) {
	chat := &stubChat{err: apperr.E(apperr.RateLimitExceeded, "retries exhausted", nil)}
	g := newTestGenerator(t, chat)

	task := planner.Task{Category: "model_theft", AllocatedCount: 10, OWASPID: "LLM10"}
	plan := planner.Plan{Tasks: []planner.Task{task}, AugmentationVariants: 2}

	_, err := g.Generate(context.Background(), testContext(), plan)
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.RateLimitExceeded))
}

func TestGenerateConverterVariants(t *testing.T) {
	chat := &stubChat{content: `[]`}
	g := newTestGenerator(t, chat)

	task := planner.Task{Category: "prompt_injection", AllocatedCount: 16, OWASPID: "LLM01"}
	plan := planner.Plan{
		Tasks:                []planner.Task{task},
		ConvertersEnabled:    true,
		ConverterProbability: 1.0,
		MaxConverterChain:    1,
	}

	prompts, err := g.Generate(context.Background(), testContext(), plan)
	require.NoError(t, err)

	converted := 0
	for _, p := range prompts {
		if p.Origin == models.OriginConverterVariant {
			converted++
			assert.NotEmpty(t, p.Converter)
			assert.True(t, strings.HasSuffix(p.PromptID, "_conv"), "prompt id %q", p.PromptID)
			assert.Contains(t, p.Tags, p.Converter)
		}
	}
	// Every base prompt spawns one variant at probability 1, minus any that
	// deduplicate against their source text.
	assert.Greater(t, converted, 0)
	assert.LessOrEqual(t, len(prompts), 16)
}

func TestGenerateSequencesContiguousAcrossTasks(t *testing.T) {
	chat := &stubChat{content: `[]`}
	g := newTestGenerator(t, chat)

	plan := planner.Plan{Tasks: []planner.Task{
		{Category: "model_theft", AllocatedCount: 3, OWASPID: "LLM10"},
		{Category: "overreliance", AllocatedCount: 4, OWASPID: "LLM09"},
	}}

	prompts, err := g.Generate(context.Background(), testContext(), plan)
	require.NoError(t, err)
	require.Len(t, prompts, 7)
	for i, p := range prompts {
		assert.Equal(t, i, p.Sequence)
	}
}

func TestGenerateAdaptiveConversations(t *testing.T) {
	chat := &stubChat{content: `[]`}
	g := newTestGenerator(t, chat)

	ec := testContext()
	ec.Strategy = models.StrategyAdaptive
	plan := planner.Plan{
		Tasks:         []planner.Task{{Category: "adaptive_escalation", AllocatedCount: 6, OWASPID: "LLM01"}},
		AdaptiveTurns: 5,
	}

	prompts, err := g.Generate(context.Background(), ec, plan)
	require.NoError(t, err)
	require.Len(t, prompts, 6)

	for _, p := range prompts {
		require.Len(t, p.Turns, 5)
		assert.Equal(t, p.Turns[4].Text, p.Text)
		assert.Equal(t, models.SeverityHigh, p.SeverityHint)
		assert.Contains(t, p.Tags, "multi_turn")
		for i, turn := range p.Turns {
			assert.Equal(t, i+1, turn.Turn)
			assert.Equal(t, i >= 2, turn.Adaptive)
			assert.NotContains(t, turn.Text, "{restricted_intent}")
		}
	}
	assert.Zero(t, chat.calls)
}

func TestDeduplicate(t *testing.T) {
	in := []models.AttackPrompt{
		{Text: "Hello world"},
		{Text: "  hello WORLD  "},
		{Text: "something else"},
	}
	out := deduplicate(in)
	require.Len(t, out, 2)
	assert.Equal(t, "Hello world", out[0].Text)
	assert.Equal(t, "something else", out[1].Text)
}

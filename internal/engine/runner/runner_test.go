package runner

import (
	"context"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/aegisai/aegis/internal/apperr"
	"github.com/aegisai/aegis/internal/engine"
	"github.com/aegisai/aegis/internal/engine/judge"
	"github.com/aegisai/aegis/internal/engine/planner"
	"github.com/aegisai/aegis/internal/engine/scorer"
	"github.com/aegisai/aegis/internal/llm"
	"github.com/aegisai/aegis/internal/models"
)

type fakeStore struct {
	ec              *engine.Context
	loadErr         error
	running         bool
	progressTotal   int
	progressDone    int
	saved           []Record
	representatives []uuid.UUID
	analytics       *scorer.Analytics
	finalStatus     models.ExperimentStatus
	finalMessage    string
	finalCompleted  int
}

func (f *fakeStore) LoadContext(context.Context, uuid.UUID) (*engine.Context, error) {
	if f.loadErr != nil {
		return nil, f.loadErr
	}
	return f.ec, nil
}

func (f *fakeStore) MarkRunning(_ context.Context, _ uuid.UUID, total int) error {
	f.running = true
	f.progressTotal = total
	return nil
}

func (f *fakeStore) SetProgressTotal(_ context.Context, _ uuid.UUID, total int) error {
	f.progressTotal = total
	return nil
}

func (f *fakeStore) SetProgressCompleted(_ context.Context, _ uuid.UUID, completed int) error {
	f.progressDone = completed
	return nil
}

func (f *fakeStore) SaveRecord(_ context.Context, _ uuid.UUID, rec Record) (uuid.UUID, error) {
	f.saved = append(f.saved, rec)
	return uuid.New(), nil
}

func (f *fakeStore) MarkRepresentatives(_ context.Context, ids []uuid.UUID) error {
	f.representatives = ids
	return nil
}

func (f *fakeStore) SaveAnalytics(_ context.Context, _ uuid.UUID, a scorer.Analytics) error {
	f.analytics = &a
	return nil
}

func (f *fakeStore) Finish(_ context.Context, _ uuid.UUID, status models.ExperimentStatus, msg string, completed int) error {
	f.finalStatus = status
	f.finalMessage = msg
	f.finalCompleted = completed
	return nil
}

type fakeProgress struct {
	cancelAfterChecks int
	checks            int
	lastDone          int
	cleared           bool
}

func (f *fakeProgress) SetProgress(_ context.Context, _ string, done, _ int) error {
	f.lastDone = done
	return nil
}

func (f *fakeProgress) CancelRequested(context.Context, string) bool {
	f.checks++
	return f.cancelAfterChecks > 0 && f.checks > f.cancelAfterChecks
}

func (f *fakeProgress) ClearExperiment(context.Context, string) error {
	f.cleared = true
	return nil
}

type fakeGateway struct {
	validateErr  error
	insightCalls int
}

func (f *fakeGateway) Chat(context.Context, llm.Provider, llm.ChatRequest) (*llm.ChatResponse, error) {
	f.insightCalls++
	return &llm.ChatResponse{Content: `{"insights":[{"severity":"info","title":"t","description":"d","recommendation":"r"}]}`}, nil
}

func (f *fakeGateway) ValidateCredentials(context.Context, llm.Provider) error {
	return f.validateErr
}

type fakeGenerator struct {
	prompts []models.AttackPrompt
	err     error
}

func (f *fakeGenerator) Generate(context.Context, *engine.Context, planner.Plan) ([]models.AttackPrompt, error) {
	return f.prompts, f.err
}

type fakeExecutor struct {
	err   error
	calls int
}

func (f *fakeExecutor) SendPrompt(_ context.Context, _ engine.TargetConfig, _ llm.Provider, prompt, _ string) (string, int64, error) {
	f.calls++
	if f.err != nil {
		return "", 5, f.err
	}
	return "reply to " + prompt, 5, nil
}

func (f *fakeExecutor) InitThread(context.Context, engine.TargetConfig) string { return "th-1" }

type fakeJudge struct {
	verdict models.Verdict
	inputs  []judge.Input
}

func (f *fakeJudge) Evaluate(_ context.Context, _ *engine.Context, in judge.Input) models.Verdict {
	f.inputs = append(f.inputs, in)
	v := f.verdict
	if v.Status == "" {
		v = models.Verdict{Status: models.VerdictPass, Confidence: 0.9, RiskCategory: in.RiskCategory}
	}
	return v
}

func makePrompts(n int) []models.AttackPrompt {
	prompts := make([]models.AttackPrompt, n)
	for i := range prompts {
		prompts[i] = models.AttackPrompt{
			PromptID: fmt.Sprintf("prompt_injection_%04d", i),
			Sequence: i,
			Category: "prompt_injection",
			OWASPID:  "LLM01",
			Text:     fmt.Sprintf("attack %d", i),
			Origin:   models.OriginTemplateDirect,
		}
	}
	return prompts
}

func testRunContext() *engine.Context {
	return &engine.Context{
		ExperimentID: uuid.New(),
		Mode:         models.ModeAdversarial,
		Strategy:     models.StrategyOWASPLLMTop10,
		Intensity:    models.IntensityBasic,
		TotalTests:   500,
		Scope:        models.ProjectScope{ProjectName: "SupportBot"},
	}
}

func noSleep(context.Context, time.Duration) error { return nil }

func newTestRunner(t *testing.T, store *fakeStore, progress *fakeProgress, gw *fakeGateway, gen *fakeGenerator, exec *fakeExecutor, j *fakeJudge) *Runner {
	t.Helper()
	return New(store, progress, gw, gen, exec, j,
		zaptest.NewLogger(t),
		Config{BatchSize: 10, InterRequestDelay: time.Millisecond},
		WithSleep(noSleep),
		WithRand(rand.New(rand.NewSource(1))))
}

func TestRunCompletes(t *testing.T) {
	ec := testRunContext()
	store := &fakeStore{ec: ec}
	progress := &fakeProgress{}
	gw := &fakeGateway{}
	exec := &fakeExecutor{}
	j := &fakeJudge{}
	r := newTestRunner(t, store, progress, gw, &fakeGenerator{prompts: makePrompts(25)}, exec, j)

	require.NoError(t, r.Run(context.Background(), ec.ExperimentID))

	assert.True(t, store.running)
	assert.Equal(t, models.ExperimentCompleted, store.finalStatus)
	assert.Equal(t, 25, store.finalCompleted)
	assert.Len(t, store.saved, 25)
	assert.Equal(t, 25, store.progressTotal)
	assert.Equal(t, 25, progress.lastDone)
	assert.True(t, progress.cleared)

	require.NotNil(t, store.analytics)
	assert.Equal(t, 25, store.analytics.TotalTests)
	assert.Equal(t, 25, store.analytics.Passed)
	assert.NotEmpty(t, store.analytics.Insights)

	// All tests passed, so the representative set is capped by the pool.
	assert.NotEmpty(t, store.representatives)
}

func TestRunLoadFailure(t *testing.T) {
	store := &fakeStore{loadErr: apperr.E(apperr.NotFound, "experiment not found", nil)}
	r := newTestRunner(t, store, &fakeProgress{}, &fakeGateway{}, &fakeGenerator{}, &fakeExecutor{}, &fakeJudge{})

	require.Error(t, r.Run(context.Background(), uuid.New()))
	assert.Equal(t, models.ExperimentFailed, store.finalStatus)
	assert.Contains(t, store.finalMessage, "experiment not found")
}

func TestRunValidationFailure(t *testing.T) {
	ec := testRunContext()
	store := &fakeStore{ec: ec}
	gw := &fakeGateway{validateErr: apperr.E(apperr.AuthInvalid, "bad key", nil)}
	r := newTestRunner(t, store, &fakeProgress{}, gw, &fakeGenerator{prompts: makePrompts(5)}, &fakeExecutor{}, &fakeJudge{})

	require.Error(t, r.Run(context.Background(), ec.ExperimentID))
	assert.Equal(t, models.ExperimentFailed, store.finalStatus)
	assert.Contains(t, store.finalMessage, "Provider validation failed")
	assert.Empty(t, store.saved)
}

func TestRunGenerationRateLimit(t *testing.T) {
	ec := testRunContext()
	store := &fakeStore{ec: ec}
	gen := &fakeGenerator{err: apperr.E(apperr.RateLimitExceeded, "retries exhausted", nil)}
	r := newTestRunner(t, store, &fakeProgress{}, &fakeGateway{}, gen, &fakeExecutor{}, &fakeJudge{})

	require.Error(t, r.Run(context.Background(), ec.ExperimentID))
	assert.Equal(t, models.ExperimentFailed, store.finalStatus)
	assert.Contains(t, store.finalMessage, "Rate limit exceeded during prompt generation")
}

func TestRunCancelledAtBatchBoundary(t *testing.T) {
	ec := testRunContext()
	store := &fakeStore{ec: ec}
	progress := &fakeProgress{cancelAfterChecks: 1}
	r := newTestRunner(t, store, progress, &fakeGateway{}, &fakeGenerator{prompts: makePrompts(30)}, &fakeExecutor{}, &fakeJudge{})

	err := r.Run(context.Background(), ec.ExperimentID)
	require.Error(t, err)

	assert.Equal(t, models.ExperimentCancelled, store.finalStatus)
	assert.Equal(t, "Experiment cancelled by user", store.finalMessage)
	// First batch ran before the cancel flag was seen.
	assert.Equal(t, 10, store.finalCompleted)
	assert.Len(t, store.saved, 10)
	// Partial analytics still computed.
	require.NotNil(t, store.analytics)
	assert.Equal(t, 10, store.analytics.TotalTests)
	assert.True(t, progress.cleared)
}

func TestRunCancelledTinyRunSkipsInsights(t *testing.T) {
	ec := testRunContext()
	store := &fakeStore{ec: ec}
	progress := &fakeProgress{cancelAfterChecks: 1}
	gw := &fakeGateway{}
	r := New(store, progress, gw, &fakeGenerator{prompts: makePrompts(10)}, &fakeExecutor{}, &fakeJudge{},
		zaptest.NewLogger(t),
		Config{BatchSize: 5, InterRequestDelay: 0},
		WithSleep(noSleep),
		WithRand(rand.New(rand.NewSource(1))))

	_ = r.Run(context.Background(), ec.ExperimentID)

	assert.Equal(t, models.ExperimentCancelled, store.finalStatus)
	assert.Equal(t, 5, store.finalCompleted)
	require.NotNil(t, store.analytics)
	assert.Empty(t, store.analytics.Insights)
	assert.Zero(t, gw.insightCalls)
}

func TestRunErrorThresholdAborts(t *testing.T) {
	ec := testRunContext()
	store := &fakeStore{ec: ec}
	exec := &fakeExecutor{err: apperr.E(apperr.UpstreamFailed, "target down", nil)}
	j := &fakeJudge{verdict: models.Verdict{Status: models.VerdictError, Confidence: 0}}
	r := newTestRunner(t, store, &fakeProgress{}, &fakeGateway{}, &fakeGenerator{prompts: makePrompts(200)}, exec, j)

	err := r.Run(context.Background(), ec.ExperimentID)
	require.Error(t, err)

	assert.Equal(t, models.ExperimentFailed, store.finalStatus)
	assert.Contains(t, store.finalMessage, "Error threshold exceeded")
	// The window must fill before the threshold can trip.
	assert.Equal(t, 50, store.finalCompleted)
}

func TestRunTargetRateLimitAborts(t *testing.T) {
	ec := testRunContext()
	store := &fakeStore{ec: ec}
	exec := &fakeExecutor{err: apperr.E(apperr.RateLimitExceeded, "target rate limit exhausted retries", nil)}
	r := newTestRunner(t, store, &fakeProgress{}, &fakeGateway{}, &fakeGenerator{prompts: makePrompts(20)}, exec, &fakeJudge{})

	err := r.Run(context.Background(), ec.ExperimentID)
	require.Error(t, err)

	assert.Equal(t, models.ExperimentFailed, store.finalStatus)
	assert.Contains(t, store.finalMessage, "Rate limit exceeded")
	// The run aborts on the first rate-limited prompt instead of
	// recording it as a failed response and moving on.
	assert.Equal(t, 1, exec.calls)
	assert.Empty(t, store.saved)
}

func TestRunMultiTurnConversation(t *testing.T) {
	ec := testRunContext()
	ec.MultiTurn = true
	store := &fakeStore{ec: ec}
	exec := &fakeExecutor{}
	j := &fakeJudge{}

	prompt := models.AttackPrompt{
		PromptID: "adaptive_crescendo_0000",
		Category: "adaptive_escalation",
		OWASPID:  "LLM01",
		Text:     "final push",
		Tags:     []string{"multi_turn", "crescendo", "adaptive"},
		Turns: []models.ConversationTurn{
			{Role: "establish_rapport", Text: "hi", Turn: 1},
			{Role: "final_push", Text: "final push", Adaptive: true, Turn: 2},
		},
	}
	r := newTestRunner(t, store, &fakeProgress{}, &fakeGateway{}, &fakeGenerator{prompts: []models.AttackPrompt{prompt}}, exec, j)

	require.NoError(t, r.Run(context.Background(), ec.ExperimentID))
	assert.Equal(t, 2, exec.calls)

	require.Len(t, j.inputs, 1)
	in := j.inputs[0]
	assert.Equal(t, "crescendo", in.EscalationStrategy)
	require.Len(t, in.Conversation, 4)
	assert.Equal(t, "user", in.Conversation[0].Role)
	assert.Equal(t, "assistant", in.Conversation[1].Role)

	require.Len(t, store.saved, 1)
	assert.Equal(t, "reply to final push", store.saved[0].Response)
}

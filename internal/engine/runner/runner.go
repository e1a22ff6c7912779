// Package runner orchestrates an experiment end to end: plan, generate,
// execute in batches, judge, sample representatives, and score.
package runner

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aegisai/aegis/internal/apperr"
	"github.com/aegisai/aegis/internal/engine"
	"github.com/aegisai/aegis/internal/engine/judge"
	"github.com/aegisai/aegis/internal/engine/planner"
	"github.com/aegisai/aegis/internal/engine/sampler"
	"github.com/aegisai/aegis/internal/engine/scorer"
	"github.com/aegisai/aegis/internal/llm"
	"github.com/aegisai/aegis/internal/metrics"
	"github.com/aegisai/aegis/internal/models"
)

const (
	errorWindowSize     = 50
	errorWindowMaxRate  = 0.60
	insightMinCompleted = 10
)

// Record is one executed and judged test case handed to persistence.
type Record struct {
	Prompt       models.AttackPrompt
	Response     string
	ResponseOK   bool
	Conversation []judge.Turn
	LatencyMs    int64
	Verdict      models.Verdict
}

// Store persists experiment lifecycle transitions and results.
type Store interface {
	LoadContext(ctx context.Context, experimentID uuid.UUID) (*engine.Context, error)
	MarkRunning(ctx context.Context, experimentID uuid.UUID, total int) error
	SetProgressTotal(ctx context.Context, experimentID uuid.UUID, total int) error
	SetProgressCompleted(ctx context.Context, experimentID uuid.UUID, completed int) error
	SaveRecord(ctx context.Context, experimentID uuid.UUID, rec Record) (uuid.UUID, error)
	MarkRepresentatives(ctx context.Context, testCaseIDs []uuid.UUID) error
	SaveAnalytics(ctx context.Context, experimentID uuid.UUID, analytics scorer.Analytics) error
	Finish(ctx context.Context, experimentID uuid.UUID, status models.ExperimentStatus, errorMessage string, completed int) error
}

// Progress mirrors the Redis-side progress and cancellation surface.
type Progress interface {
	SetProgress(ctx context.Context, experimentID string, done, total int) error
	CancelRequested(ctx context.Context, experimentID string) bool
	ClearExperiment(ctx context.Context, experimentID string) error
}

// Gateway is the provider surface the runner needs directly.
type Gateway interface {
	Chat(ctx context.Context, p llm.Provider, req llm.ChatRequest) (*llm.ChatResponse, error)
	ValidateCredentials(ctx context.Context, p llm.Provider) error
}

// PromptSource turns a plan into attack prompts.
type PromptSource interface {
	Generate(ctx context.Context, ec *engine.Context, plan planner.Plan) ([]models.AttackPrompt, error)
}

// TargetClient delivers prompts to the system under test.
type TargetClient interface {
	SendPrompt(ctx context.Context, target engine.TargetConfig, provider llm.Provider, prompt, threadID string) (string, int64, error)
	InitThread(ctx context.Context, target engine.TargetConfig) string
}

// Evaluator scores target responses.
type Evaluator interface {
	Evaluate(ctx context.Context, ec *engine.Context, in judge.Input) models.Verdict
}

// Pacer spaces outbound requests per provider kind.
type Pacer interface {
	Delay(provider string, estimatedTokens int) time.Duration
}

// Config carries the engine loop knobs.
type Config struct {
	BatchSize         int
	InterRequestDelay time.Duration
}

// Runner drives one experiment at a time through the full pipeline.
type Runner struct {
	store     Store
	progress  Progress
	gateway   Gateway
	generator PromptSource
	executor  TargetClient
	judge     Evaluator
	logger    *zap.Logger
	cfg       Config
	pacer     Pacer
	rng       *rand.Rand
	sleep     func(ctx context.Context, d time.Duration) error
}

// Option configures a Runner.
type Option func(*Runner)

// WithRand pins the sampling random source.
func WithRand(rng *rand.Rand) Option {
	return func(r *Runner) { r.rng = rng }
}

// WithSleep replaces the pacing sleeper, for tests.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(r *Runner) { r.sleep = fn }
}

// WithPacer installs a provider-aware pacer. Without one the flat
// InterRequestDelay applies.
func WithPacer(p Pacer) Option {
	return func(r *Runner) { r.pacer = p }
}

func New(store Store, progress Progress, gateway Gateway, generator PromptSource, executor TargetClient, evaluator Evaluator, logger *zap.Logger, cfg Config, opts ...Option) *Runner {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	r := &Runner{
		store:     store,
		progress:  progress,
		gateway:   gateway,
		generator: generator,
		executor:  executor,
		judge:     evaluator,
		logger:    logger,
		cfg:       cfg,
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
		sleep:     sleepContext,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run executes one experiment to a terminal status. Pipeline failures are
// recorded on the experiment row; the returned error reports them to the
// caller for logging only.
func (r *Runner) Run(ctx context.Context, experimentID uuid.UUID) error {
	start := time.Now()
	id := experimentID.String()
	logger := r.logger.With(zap.String("experiment_id", id))

	ec, err := r.store.LoadContext(ctx, experimentID)
	if err != nil {
		logger.Error("failed to load experiment context", zap.Error(err))
		r.finish(ctx, experimentID, models.ExperimentFailed, err.Error(), 0)
		return err
	}
	metrics.ExperimentsStarted.WithLabelValues(string(ec.Intensity)).Inc()

	if err := r.store.MarkRunning(ctx, experimentID, ec.TotalTests); err != nil {
		logger.Error("failed to mark experiment running", zap.Error(err))
		return err
	}
	_ = r.progress.SetProgress(ctx, id, 0, ec.TotalTests)

	if err := r.gateway.ValidateCredentials(ctx, ec.Provider); err != nil {
		msg := "Provider validation failed: " + err.Error()
		logger.Error("provider validation failed", zap.Error(err))
		r.finish(ctx, experimentID, models.ExperimentFailed, msg, 0)
		return apperr.E(apperr.AuthInvalid, msg, err)
	}

	plan := planner.Build(ec)

	prompts, err := r.generator.Generate(ctx, ec, plan)
	if err != nil {
		msg := "Prompt generation failed: " + err.Error()
		if apperr.Is(err, apperr.RateLimitExceeded) {
			msg = "Rate limit exceeded during prompt generation: " + err.Error()
		}
		logger.Error("prompt generation failed", zap.Error(err))
		r.finish(ctx, experimentID, models.ExperimentFailed, msg, 0)
		return err
	}

	actualTotal := len(prompts)
	_ = r.store.SetProgressTotal(ctx, experimentID, actualTotal)
	logger.Info("experiment plan ready",
		zap.Int("prompt_count", actualTotal),
		zap.String("strategy", string(ec.Strategy)),
		zap.String("intensity", string(ec.Intensity)))

	completed, records, candidates, failureReason := r.executeLoop(ctx, ec, prompts)

	// Representatives are chosen even on partial runs.
	if len(candidates) > 0 {
		repIDs := sampler.Select(candidates, ec.Intensity, r.rng)
		if err := r.store.MarkRepresentatives(ctx, repIDs); err != nil {
			logger.Warn("failed to mark representatives", zap.Error(err))
		}
	}

	duration := time.Since(start)
	if len(records) > 0 {
		analytics := scorer.Compute(records, int64(duration.Seconds()))
		if failureReason == "" || completed >= insightMinCompleted {
			analytics.Insights = scorer.GenerateInsights(ctx, r.gateway, logger, ec, analytics)
		}
		if err := r.store.SaveAnalytics(ctx, experimentID, analytics); err != nil {
			logger.Warn("failed to persist analytics", zap.Error(err))
		}
	}

	status := models.ExperimentCompleted
	if failureReason != "" {
		status = models.ExperimentFailed
		if strings.Contains(strings.ToLower(failureReason), "cancelled") {
			status = models.ExperimentCancelled
		}
	}
	r.finish(ctx, experimentID, status, failureReason, completed)
	metrics.ExperimentDuration.Observe(duration.Seconds())

	_ = r.progress.ClearExperiment(ctx, id)

	logger.Info("experiment finished",
		zap.String("status", string(status)),
		zap.Int("completed", completed),
		zap.Duration("duration", duration))
	if failureReason != "" {
		return apperr.E(apperr.Internal, failureReason, nil)
	}
	return nil
}

// executeLoop runs the batched execute-and-judge loop. It returns the
// completed count, scored records, sampler candidates, and a failure
// reason when the loop stopped early.
func (r *Runner) executeLoop(ctx context.Context, ec *engine.Context, prompts []models.AttackPrompt) (int, []scorer.Result, []sampler.Candidate, string) {
	id := ec.ExperimentID.String()
	completed := 0
	var records []scorer.Result
	var candidates []sampler.Candidate
	var failureReason string
	window := make([]bool, 0, errorWindowSize)

	for batchStart := 0; batchStart < len(prompts); batchStart += r.cfg.BatchSize {
		if r.progress.CancelRequested(ctx, id) {
			failureReason = "Experiment cancelled by user"
			break
		}

		batchEnd := batchStart + r.cfg.BatchSize
		if batchEnd > len(prompts) {
			batchEnd = len(prompts)
		}

		for _, prompt := range prompts[batchStart:batchEnd] {
			if err := r.sleep(ctx, r.requestDelay(ec)); err != nil {
				failureReason = "Execution aborted: " + err.Error()
				break
			}

			rec, execErr := r.executeOne(ctx, ec, prompt)
			if execErr != nil && apperr.Is(execErr, apperr.RateLimitExceeded) {
				failureReason = "Rate limit exceeded: " + execErr.Error()
				break
			}

			if err := r.sleep(ctx, r.requestDelay(ec)); err != nil {
				failureReason = "Execution aborted: " + err.Error()
				break
			}

			in := judge.Input{
				Prompt:            prompt.Text,
				Response:          rec.Response,
				RiskCategory:      prompt.Category,
				ExpectedBehaviour: prompt.ExpectedBehaviour,
			}
			if len(rec.Conversation) > 0 {
				in.Conversation = rec.Conversation
				in.EscalationStrategy = escalationTag(prompt)
			}
			rec.Verdict = r.judge.Evaluate(ctx, ec, in)
			metrics.TestCasesExecuted.WithLabelValues(string(rec.Verdict.Status)).Inc()

			testCaseID, err := r.store.SaveRecord(ctx, ec.ExperimentID, rec)
			if err != nil {
				r.logger.Error("failed to persist test case",
					zap.String("experiment_id", id), zap.Error(err))
				failureReason = fmt.Sprintf("Execution failed after %d tests: %v", completed, err)
				break
			}

			records = append(records, scorer.Result{
				Status:       rec.Verdict.Status,
				Severity:     rec.Verdict.Severity,
				RiskCategory: prompt.Category,
				OWASPID:      prompt.OWASPID,
				Confidence:   &rec.Verdict.Confidence,
				LatencyMs:    rec.LatencyMs,
			})
			candidates = append(candidates, sampler.Candidate{
				ID:           testCaseID,
				Status:       rec.Verdict.Status,
				Severity:     rec.Verdict.Severity,
				RiskCategory: prompt.Category,
				Confidence:   rec.Verdict.Confidence,
			})
			completed++

			isError := !rec.ResponseOK || rec.Verdict.Status == models.VerdictError
			window = append(window, isError)
			if len(window) > errorWindowSize {
				window = window[1:]
			}
			if len(window) >= errorWindowSize {
				errCount := 0
				for _, e := range window {
					if e {
						errCount++
					}
				}
				if rate := float64(errCount) / float64(len(window)); rate > errorWindowMaxRate {
					failureReason = fmt.Sprintf("Error threshold exceeded: %.0f%% errors in last %d tests", rate*100, errorWindowSize)
					break
				}
			}
		}

		if failureReason != "" {
			break
		}

		_ = r.progress.SetProgress(ctx, id, completed, len(prompts))
		_ = r.store.SetProgressCompleted(ctx, ec.ExperimentID, completed)
	}

	return completed, records, candidates, failureReason
}

// executeOne sends a single prompt, running the full conversation plan
// for multi-turn experiments. A RateLimitExceeded error from the target
// is returned so the loop can abort the run instead of recording it as
// an ordinary failed response.
func (r *Runner) executeOne(ctx context.Context, ec *engine.Context, prompt models.AttackPrompt) (Record, error) {
	rec := Record{Prompt: prompt}

	if len(prompt.Turns) > 0 && ec.MultiTurn {
		threadID := ""
		if ec.Target.ThreadEndpointURL != "" {
			threadID = r.executor.InitThread(ctx, ec.Target)
		}
		rec.ResponseOK = true
		for _, turn := range prompt.Turns {
			rec.Conversation = append(rec.Conversation, judge.Turn{Role: "user", Content: turn.Text})
			text, latency, err := r.executor.SendPrompt(ctx, ec.Target, ec.Provider, turn.Text, threadID)
			rec.LatencyMs += latency
			if err != nil {
				if apperr.Is(err, apperr.RateLimitExceeded) {
					return rec, err
				}
				rec.ResponseOK = false
				text = ""
			}
			rec.Conversation = append(rec.Conversation, judge.Turn{Role: "assistant", Content: text})
			rec.Response = text
		}
		return rec, nil
	}

	text, latency, err := r.executor.SendPrompt(ctx, ec.Target, ec.Provider, prompt.Text, "")
	rec.Response = text
	rec.LatencyMs = latency
	rec.ResponseOK = err == nil
	if err != nil && apperr.Is(err, apperr.RateLimitExceeded) {
		return rec, err
	}
	return rec, nil
}

// escalationTag pulls the escalation strategy out of the prompt's tags.
func escalationTag(prompt models.AttackPrompt) string {
	for _, tag := range prompt.Tags {
		switch tag {
		case "crescendo", "context_manipulation", "persona_hijack":
			return tag
		}
	}
	return "adaptive"
}

func (r *Runner) finish(ctx context.Context, experimentID uuid.UUID, status models.ExperimentStatus, errorMessage string, completed int) {
	if err := r.store.Finish(ctx, experimentID, status, errorMessage, completed); err != nil {
		r.logger.Error("failed to finalise experiment",
			zap.String("experiment_id", experimentID.String()),
			zap.String("status", string(status)),
			zap.Error(err))
	}
	metrics.ExperimentsFinished.WithLabelValues(string(status)).Inc()
}

func (r *Runner) requestDelay(ec *engine.Context) time.Duration {
	if r.pacer != nil {
		return r.pacer.Delay(ec.Provider.Kind, 0)
	}
	return r.cfg.InterRequestDelay
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

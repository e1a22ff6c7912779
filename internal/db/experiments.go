package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/aegisai/aegis/internal/apperr"
	"github.com/aegisai/aegis/internal/engine"
	"github.com/aegisai/aegis/internal/engine/runner"
	"github.com/aegisai/aegis/internal/engine/scorer"
	"github.com/aegisai/aegis/internal/models"
)

const experimentColumns = `id, project_id, created_by, provider_id, name, description,
	experiment_type, strategy, intensity, multi_turn, language, target_config,
	status, total_tests, completed_tests, error_message, analytics,
	started_at, finished_at, created_at`

// CreateExperiment inserts an experiment in pending state.
func (c *Client) CreateExperiment(ctx context.Context, e *Experiment) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	e.Status = string(models.ExperimentPending)
	e.CreatedAt = time.Now()
	if err := c.exec(ctx, `
		INSERT INTO experiments (id, project_id, created_by, provider_id, name,
			description, experiment_type, strategy, intensity, multi_turn,
			language, target_config, status, total_tests, completed_tests, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		e.ID, e.ProjectID, e.CreatedBy, e.ProviderID, e.Name,
		e.Description, e.ExperimentType, e.Strategy, e.Intensity, e.MultiTurn,
		e.Language, e.TargetConfig, e.Status, e.TotalTests, e.CompletedTests, e.CreatedAt,
	); err != nil {
		return fmt.Errorf("create experiment: %w", err)
	}
	return nil
}

// ListExperiments returns one page of a project's experiments, newest
// first, plus the total count for page arithmetic.
func (c *Client) ListExperiments(ctx context.Context, projectID uuid.UUID, page, pageSize int) ([]Experiment, int, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 100 {
		pageSize = 20
	}
	var total int
	if err := c.get(ctx, &total, `
		SELECT COUNT(*) FROM experiments WHERE project_id = $1`, projectID,
	); err != nil {
		return nil, 0, fmt.Errorf("count experiments: %w", err)
	}
	var experiments []Experiment
	if err := c.selectAll(ctx, &experiments, `
		SELECT `+experimentColumns+` FROM experiments
		WHERE project_id = $1
		ORDER BY created_at DESC LIMIT $2 OFFSET $3`,
		projectID, pageSize, (page-1)*pageSize,
	); err != nil {
		return nil, 0, fmt.Errorf("list experiments: %w", err)
	}
	return experiments, total, nil
}

// ExperimentByID returns an experiment, or NotFound.
func (c *Client) ExperimentByID(ctx context.Context, id uuid.UUID) (*Experiment, error) {
	var e Experiment
	err := c.get(ctx, &e, `
		SELECT `+experimentColumns+` FROM experiments WHERE id = $1`, id,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.E(apperr.NotFound, "experiment not found", nil)
	}
	if err != nil {
		return nil, fmt.Errorf("experiment by id: %w", err)
	}
	return &e, nil
}

// DeleteExperiment removes an experiment unless it is still running.
func (c *Client) DeleteExperiment(ctx context.Context, id uuid.UUID) error {
	e, err := c.ExperimentByID(ctx, id)
	if err != nil {
		return err
	}
	if e.Status == string(models.ExperimentRunning) {
		return apperr.E(apperr.Conflict, "experiment is running", nil)
	}
	if err := c.exec(ctx, `DELETE FROM experiments WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete experiment: %w", err)
	}
	return nil
}

// CancelPending flips a pending experiment straight to cancelled.
// Returns false when the experiment was not pending.
func (c *Client) CancelPending(ctx context.Context, id uuid.UUID) (bool, error) {
	var cancelled bool
	err := c.cb.Execute(ctx, func() error {
		res, execErr := c.db.ExecContext(ctx, `
			UPDATE experiments SET status = $2, finished_at = $3
			WHERE id = $1 AND status = $4`,
			id, models.ExperimentCancelled, time.Now(), models.ExperimentPending,
		)
		if execErr != nil {
			return execErr
		}
		n, execErr := res.RowsAffected()
		cancelled = n > 0
		return execErr
	})
	if err != nil {
		return false, fmt.Errorf("cancel pending experiment: %w", err)
	}
	return cancelled, nil
}

// LoadContext assembles the immutable run state: experiment settings,
// the experiment's target config with its credential decrypted, the
// project's scope, and the experiment's provider, decrypted.
func (c *Client) LoadContext(ctx context.Context, experimentID uuid.UUID) (*engine.Context, error) {
	var row struct {
		ID                uuid.UUID      `db:"id"`
		ExperimentType    string         `db:"experiment_type"`
		Strategy          string         `db:"strategy"`
		Intensity         string         `db:"intensity"`
		MultiTurn         bool           `db:"multi_turn"`
		Language          string         `db:"language"`
		TotalTests        int            `db:"total_tests"`
		CreatedBy         uuid.UUID      `db:"created_by"`
		ProviderID        uuid.UUID      `db:"provider_id"`
		TargetConfig      JSONB          `db:"target_config"`
		ProjectName       string         `db:"project_name"`
		BusinessScope     string         `db:"business_scope"`
		AllowedIntents    pq.StringArray `db:"allowed_intents"`
		RestrictedIntents pq.StringArray `db:"restricted_intents"`
	}
	err := c.get(ctx, &row, `
		SELECT e.id, e.experiment_type, e.strategy, e.intensity, e.multi_turn,
			e.language, e.total_tests, e.created_by, e.provider_id, e.target_config,
			p.name AS project_name, p.business_scope, p.allowed_intents,
			p.restricted_intents
		FROM experiments e
		JOIN projects p ON p.id = e.project_id
		WHERE e.id = $1`, experimentID,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.E(apperr.NotFound, "experiment not found", nil)
	}
	if err != nil {
		return nil, fmt.Errorf("load experiment context: %w", err)
	}

	target, err := targetConfig(row.TargetConfig)
	if err != nil {
		return nil, err
	}
	target.ApplyDefaults()
	if target.AuthValue != "" {
		plain, decErr := c.dec.Decrypt(target.AuthValue)
		if decErr != nil {
			return nil, apperr.E(apperr.BadCiphertext, "target credential decryption failed", decErr)
		}
		target.AuthValue = plain
	}

	stored, err := c.ProviderByID(ctx, row.ProviderID, row.CreatedBy)
	if err != nil {
		return nil, err
	}
	provider, err := c.ResolvedProvider(stored)
	if err != nil {
		return nil, err
	}

	return &engine.Context{
		ExperimentID: row.ID,
		Mode:         models.Mode(row.ExperimentType),
		Strategy:     models.Strategy(row.Strategy),
		MultiTurn:    row.MultiTurn,
		Intensity:    models.Intensity(row.Intensity),
		Language:     row.Language,
		TotalTests:   row.TotalTests,
		Target:       target,
		Scope: models.ProjectScope{
			ProjectName:       row.ProjectName,
			BusinessScope:     row.BusinessScope,
			AllowedIntents:    row.AllowedIntents,
			RestrictedIntents: row.RestrictedIntents,
		},
		Provider:  provider,
		CreatedBy: row.CreatedBy,
	}, nil
}

// targetConfig decodes the stored JSONB target description.
func targetConfig(raw JSONB) (engine.TargetConfig, error) {
	var target engine.TargetConfig
	if raw == nil {
		return target, nil
	}
	bytes, err := json.Marshal(raw)
	if err != nil {
		return target, fmt.Errorf("encode target config: %w", err)
	}
	if err := json.Unmarshal(bytes, &target); err != nil {
		return target, fmt.Errorf("decode target config: %w", err)
	}
	return target, nil
}

// MarkRunning transitions an experiment to running and pins its total.
func (c *Client) MarkRunning(ctx context.Context, experimentID uuid.UUID, total int) error {
	if err := c.exec(ctx, `
		UPDATE experiments SET status = $2, total_tests = $3, started_at = $4
		WHERE id = $1`,
		experimentID, models.ExperimentRunning, total, time.Now(),
	); err != nil {
		return fmt.Errorf("mark experiment running: %w", err)
	}
	return nil
}

// SetProgressTotal updates total_tests after generation settles the
// real prompt count.
func (c *Client) SetProgressTotal(ctx context.Context, experimentID uuid.UUID, total int) error {
	if err := c.exec(ctx, `
		UPDATE experiments SET total_tests = $2 WHERE id = $1`,
		experimentID, total,
	); err != nil {
		return fmt.Errorf("set progress total: %w", err)
	}
	return nil
}

// SetProgressCompleted updates completed_tests at batch boundaries.
func (c *Client) SetProgressCompleted(ctx context.Context, experimentID uuid.UUID, completed int) error {
	if err := c.exec(ctx, `
		UPDATE experiments SET completed_tests = $2 WHERE id = $1`,
		experimentID, completed,
	); err != nil {
		return fmt.Errorf("set progress completed: %w", err)
	}
	return nil
}

// SaveRecord persists one executed test case and returns its id.
func (c *Client) SaveRecord(ctx context.Context, experimentID uuid.UUID, rec runner.Record) (uuid.UUID, error) {
	row := TestCaseRow{
		ID:            uuid.New(),
		ExperimentID:  experimentID,
		PromptID:      rec.Prompt.PromptID,
		Sequence:      rec.Prompt.Sequence,
		Category:      rec.Prompt.Category,
		OWASPID:       nullableString(rec.Prompt.OWASPID),
		Prompt:        rec.Prompt.Text,
		Origin:        string(rec.Prompt.Origin),
		Converter:     nullableString(rec.Prompt.Converter),
		Response:      nullableString(rec.Response),
		VerdictStatus: string(rec.Verdict.Status),
		RiskCategory:  rec.Verdict.RiskCategory,
		Explanation:   rec.Verdict.Explanation,
		LatencyMs:     rec.LatencyMs,
		CreatedAt:     time.Now(),
	}
	if rec.Verdict.Severity != nil {
		sev := string(*rec.Verdict.Severity)
		row.Severity = &sev
	}
	confidence := rec.Verdict.Confidence
	row.Confidence = &confidence
	if len(rec.Conversation) > 0 {
		turns := make([]interface{}, 0, len(rec.Conversation))
		for _, t := range rec.Conversation {
			turns = append(turns, map[string]interface{}{"role": t.Role, "content": t.Content})
		}
		row.Conversation = JSONB{"turns": turns}
	}

	if err := c.exec(ctx, `
		INSERT INTO test_cases (id, experiment_id, prompt_id, sequence, category,
			owasp_id, prompt, origin, converter, response, verdict_status,
			severity, risk_category, explanation, confidence, latency_ms,
			is_representative, conversation, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14,
			$15, $16, $17, $18, $19)`,
		row.ID, row.ExperimentID, row.PromptID, row.Sequence, row.Category,
		row.OWASPID, row.Prompt, row.Origin, row.Converter, row.Response,
		row.VerdictStatus, row.Severity, row.RiskCategory, row.Explanation,
		row.Confidence, row.LatencyMs, row.IsRepresentative, row.Conversation,
		row.CreatedAt,
	); err != nil {
		return uuid.Nil, fmt.Errorf("save test case: %w", err)
	}
	return row.ID, nil
}

// MarkRepresentatives flags the sampled test cases.
func (c *Client) MarkRepresentatives(ctx context.Context, testCaseIDs []uuid.UUID) error {
	if len(testCaseIDs) == 0 {
		return nil
	}
	if err := c.exec(ctx, `
		UPDATE test_cases SET is_representative = true
		WHERE id = ANY($1)`, pq.Array(testCaseIDs),
	); err != nil {
		return fmt.Errorf("mark representatives: %w", err)
	}
	return nil
}

// SaveAnalytics stores the computed analytics payload as JSONB.
func (c *Client) SaveAnalytics(ctx context.Context, experimentID uuid.UUID, analytics scorer.Analytics) error {
	encoded, err := json.Marshal(analytics)
	if err != nil {
		return fmt.Errorf("encode analytics: %w", err)
	}
	var payload JSONB
	if err := json.Unmarshal(encoded, &payload); err != nil {
		return fmt.Errorf("decode analytics: %w", err)
	}
	if err := c.exec(ctx, `
		UPDATE experiments SET analytics = $2 WHERE id = $1`,
		experimentID, payload,
	); err != nil {
		return fmt.Errorf("save analytics: %w", err)
	}
	return nil
}

// Finish records the terminal state of an experiment.
func (c *Client) Finish(ctx context.Context, experimentID uuid.UUID, status models.ExperimentStatus, errorMessage string, completed int) error {
	if err := c.exec(ctx, `
		UPDATE experiments SET status = $2, error_message = $3,
			completed_tests = $4, finished_at = $5
		WHERE id = $1`,
		experimentID, status, nullableString(errorMessage), completed, time.Now(),
	); err != nil {
		return fmt.Errorf("finish experiment: %w", err)
	}
	return nil
}

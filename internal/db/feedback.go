package db

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/aegisai/aegis/internal/apperr"
)

// UpsertFeedback inserts or replaces a user's feedback on a test case.
// created reports whether a new row was inserted rather than updated.
func (c *Client) UpsertFeedback(ctx context.Context, f *FeedbackRow) (created bool, err error) {
	if f.ID == uuid.Nil {
		f.ID = uuid.New()
	}
	now := time.Now()
	f.CreatedAt = now
	f.UpdatedAt = now

	// xmax = 0 only on freshly inserted tuples.
	var inserted bool
	err = c.cb.Execute(ctx, func() error {
		return c.db.QueryRowContext(ctx, `
			INSERT INTO feedback (id, test_case_id, user_id, vote, correction, comment,
				created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (test_case_id, user_id) DO UPDATE SET
				vote = EXCLUDED.vote,
				correction = EXCLUDED.correction,
				comment = EXCLUDED.comment,
				updated_at = EXCLUDED.updated_at
			RETURNING id, (xmax = 0)`,
			f.ID, f.TestCaseID, f.UserID, f.Vote, f.Correction, f.Comment,
			f.CreatedAt, f.UpdatedAt,
		).Scan(&f.ID, &inserted)
	})
	if err != nil {
		return false, fmt.Errorf("upsert feedback: %w", err)
	}
	return inserted, nil
}

// DeleteFeedback removes a user's feedback on a test case, or NotFound
// when none exists.
func (c *Client) DeleteFeedback(ctx context.Context, testCaseID, userID uuid.UUID) error {
	var deleted bool
	err := c.cb.Execute(ctx, func() error {
		res, execErr := c.db.ExecContext(ctx, `
			DELETE FROM feedback WHERE test_case_id = $1 AND user_id = $2`,
			testCaseID, userID,
		)
		if execErr != nil {
			return execErr
		}
		n, execErr := res.RowsAffected()
		deleted = n > 0
		return execErr
	})
	if err != nil {
		return fmt.Errorf("delete feedback: %w", err)
	}
	if !deleted {
		return apperr.E(apperr.NotFound, "feedback not found", nil)
	}
	return nil
}

// FeedbackSummary aggregates feedback across one experiment's test cases.
type FeedbackSummary struct {
	TotalTestCases int64            `json:"total_test_cases"`
	WithFeedback   int64            `json:"with_feedback"`
	CoveragePct    float64          `json:"coverage_pct"`
	Upvotes        int64            `json:"upvotes"`
	Downvotes      int64            `json:"downvotes"`
	Corrections    map[string]int64 `json:"corrections"`
}

// FeedbackSummaryForExperiment computes coverage and vote breakdowns.
func (c *Client) FeedbackSummaryForExperiment(ctx context.Context, experimentID uuid.UUID) (*FeedbackSummary, error) {
	summary := &FeedbackSummary{Corrections: map[string]int64{}}

	var counts struct {
		Total        int64 `db:"total"`
		WithFeedback int64 `db:"with_feedback"`
		Upvotes      int64 `db:"upvotes"`
		Downvotes    int64 `db:"downvotes"`
	}
	if err := c.get(ctx, &counts, `
		SELECT COUNT(DISTINCT tc.id) AS total,
			COUNT(DISTINCT f.test_case_id) AS with_feedback,
			COUNT(*) FILTER (WHERE f.vote = 'up') AS upvotes,
			COUNT(*) FILTER (WHERE f.vote = 'down') AS downvotes
		FROM test_cases tc
		LEFT JOIN feedback f ON f.test_case_id = tc.id
		WHERE tc.experiment_id = $1`, experimentID,
	); err != nil {
		return nil, fmt.Errorf("feedback summary counts: %w", err)
	}
	summary.TotalTestCases = counts.Total
	summary.WithFeedback = counts.WithFeedback
	summary.Upvotes = counts.Upvotes
	summary.Downvotes = counts.Downvotes
	if counts.Total > 0 {
		summary.CoveragePct = float64(counts.WithFeedback) / float64(counts.Total) * 100
	}

	var corrections []struct {
		Correction string `db:"correction"`
		Count      int64  `db:"count"`
	}
	if err := c.selectAll(ctx, &corrections, `
		SELECT f.correction, COUNT(*) AS count
		FROM feedback f
		JOIN test_cases tc ON tc.id = f.test_case_id
		WHERE tc.experiment_id = $1 AND f.correction IS NOT NULL
		GROUP BY f.correction`, experimentID,
	); err != nil {
		return nil, fmt.Errorf("feedback summary corrections: %w", err)
	}
	for _, row := range corrections {
		summary.Corrections[row.Correction] = row.Count
	}
	return summary, nil
}

package db

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// DashboardSummary is the aggregate view across a user's projects.
type DashboardSummary struct {
	TotalProjects       int              `json:"total_projects"`
	TotalExperiments    int              `json:"total_experiments"`
	ExperimentsByStatus map[string]int64 `json:"experiments_by_status"`
	TotalTestCases      int64            `json:"total_test_cases"`
	OverallPassRate     float64          `json:"overall_pass_rate"`
	RecentExperiments   []Experiment     `json:"recent_experiments"`
}

// DashboardSummaryForUser aggregates counts, pass rate, and the five most
// recent experiments across everything the user owns.
func (c *Client) DashboardSummaryForUser(ctx context.Context, userID uuid.UUID) (*DashboardSummary, error) {
	summary := &DashboardSummary{ExperimentsByStatus: map[string]int64{}}

	if err := c.get(ctx, &summary.TotalProjects, `
		SELECT COUNT(*) FROM projects WHERE user_id = $1`, userID,
	); err != nil {
		return nil, fmt.Errorf("dashboard project count: %w", err)
	}

	var statuses []struct {
		Status string `db:"status"`
		Count  int64  `db:"count"`
	}
	if err := c.selectAll(ctx, &statuses, `
		SELECT e.status, COUNT(*) AS count
		FROM experiments e
		JOIN projects p ON p.id = e.project_id
		WHERE p.user_id = $1
		GROUP BY e.status`, userID,
	); err != nil {
		return nil, fmt.Errorf("dashboard experiment statuses: %w", err)
	}
	for _, row := range statuses {
		summary.ExperimentsByStatus[row.Status] = row.Count
		summary.TotalExperiments += int(row.Count)
	}

	var cases struct {
		Total  int64 `db:"total"`
		Passed int64 `db:"passed"`
	}
	if err := c.get(ctx, &cases, `
		SELECT COUNT(*) AS total,
			COUNT(*) FILTER (WHERE tc.verdict_status = 'pass') AS passed
		FROM test_cases tc
		JOIN experiments e ON e.id = tc.experiment_id
		JOIN projects p ON p.id = e.project_id
		WHERE p.user_id = $1`, userID,
	); err != nil {
		return nil, fmt.Errorf("dashboard test case counts: %w", err)
	}
	summary.TotalTestCases = cases.Total
	if cases.Total > 0 {
		summary.OverallPassRate = float64(cases.Passed) / float64(cases.Total) * 100
	}

	if err := c.selectAll(ctx, &summary.RecentExperiments, `
		SELECT e.id, e.project_id, e.created_by, e.name, e.experiment_type,
			e.strategy, e.intensity, e.multi_turn, e.language, e.status,
			e.total_tests, e.completed_tests, e.error_message, e.analytics,
			e.started_at, e.finished_at, e.created_at
		FROM experiments e
		JOIN projects p ON p.id = e.project_id
		WHERE p.user_id = $1
		ORDER BY e.created_at DESC LIMIT 5`, userID,
	); err != nil {
		return nil, fmt.Errorf("dashboard recent experiments: %w", err)
	}
	return summary, nil
}

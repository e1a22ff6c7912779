package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/aegisai/aegis/internal/apperr"
	"github.com/aegisai/aegis/internal/firewall"
)

const firewallRuleColumns = `id, project_id, name, rule_type, pattern, policy, priority,
	is_active, created_at, updated_at`

const firewallLogColumns = `id, project_id, matched_rule_id, prompt_hash, prompt_preview,
	agent_prompt_hash, verdict_status, fail_category, explanation, confidence,
	latency_ms, ip_address, created_at`

// CreateFirewallRule inserts a rule.
func (c *Client) CreateFirewallRule(ctx context.Context, r *FirewallRuleRow) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	now := time.Now()
	r.CreatedAt = now
	r.UpdatedAt = now
	if err := c.exec(ctx, `
		INSERT INTO firewall_rules (id, project_id, name, rule_type, pattern, policy,
			priority, is_active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		r.ID, r.ProjectID, r.Name, r.RuleType, r.Pattern, r.Policy,
		r.Priority, r.IsActive, r.CreatedAt, r.UpdatedAt,
	); err != nil {
		return fmt.Errorf("create firewall rule: %w", err)
	}
	return nil
}

// ListFirewallRules returns all of a project's rules, priority ascending.
func (c *Client) ListFirewallRules(ctx context.Context, projectID uuid.UUID) ([]FirewallRuleRow, error) {
	var rules []FirewallRuleRow
	if err := c.selectAll(ctx, &rules, `
		SELECT `+firewallRuleColumns+` FROM firewall_rules
		WHERE project_id = $1 ORDER BY priority ASC, created_at ASC`, projectID,
	); err != nil {
		return nil, fmt.Errorf("list firewall rules: %w", err)
	}
	return rules, nil
}

// FirewallRuleByID returns one rule scoped to a project, or NotFound.
func (c *Client) FirewallRuleByID(ctx context.Context, id, projectID uuid.UUID) (*FirewallRuleRow, error) {
	var r FirewallRuleRow
	err := c.get(ctx, &r, `
		SELECT `+firewallRuleColumns+` FROM firewall_rules
		WHERE id = $1 AND project_id = $2`, id, projectID,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.E(apperr.NotFound, "firewall rule not found", nil)
	}
	if err != nil {
		return nil, fmt.Errorf("firewall rule by id: %w", err)
	}
	return &r, nil
}

// UpdateFirewallRule replaces a rule's mutable fields.
func (c *Client) UpdateFirewallRule(ctx context.Context, r *FirewallRuleRow) error {
	r.UpdatedAt = time.Now()
	if err := c.exec(ctx, `
		UPDATE firewall_rules SET name = $3, rule_type = $4, pattern = $5,
			policy = $6, priority = $7, is_active = $8, updated_at = $9
		WHERE id = $1 AND project_id = $2`,
		r.ID, r.ProjectID, r.Name, r.RuleType, r.Pattern, r.Policy,
		r.Priority, r.IsActive, r.UpdatedAt,
	); err != nil {
		return fmt.Errorf("update firewall rule: %w", err)
	}
	return nil
}

// DeleteFirewallRule removes a rule.
func (c *Client) DeleteFirewallRule(ctx context.Context, id, projectID uuid.UUID) error {
	if err := c.exec(ctx, `
		DELETE FROM firewall_rules WHERE id = $1 AND project_id = $2`, id, projectID,
	); err != nil {
		return fmt.Errorf("delete firewall rule: %w", err)
	}
	return nil
}

// ActiveRules returns a project's active rules in evaluation order,
// shaped for the firewall pipeline and its Redis cache.
func (c *Client) ActiveRules(ctx context.Context, projectID string) ([]firewall.Rule, error) {
	id, err := uuid.Parse(projectID)
	if err != nil {
		return nil, fmt.Errorf("parse project id: %w", err)
	}
	var rows []FirewallRuleRow
	if err := c.selectAll(ctx, &rows, `
		SELECT `+firewallRuleColumns+` FROM firewall_rules
		WHERE project_id = $1 AND is_active = true
		ORDER BY priority ASC, created_at ASC`, id,
	); err != nil {
		return nil, fmt.Errorf("active firewall rules: %w", err)
	}
	rules := make([]firewall.Rule, 0, len(rows))
	for _, row := range rows {
		rule := firewall.Rule{ID: row.ID, Name: row.Name, RuleType: row.RuleType}
		if row.Pattern != nil {
			rule.Pattern = *row.Pattern
		}
		if row.Policy != nil {
			rule.Policy = *row.Policy
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

// InsertFirewallLog hands the entry to the async writer; the firewall
// response never waits on Postgres.
func (c *Client) InsertFirewallLog(_ context.Context, entry firewall.LogEntry) error {
	c.writer.enqueue(entry)
	return nil
}

// batchInsertFirewallLogs writes one multi-row insert for a flushed batch.
func (c *Client) batchInsertFirewallLogs(ctx context.Context, entries []firewall.LogEntry) error {
	if len(entries) == 0 {
		return nil
	}
	values := make([]string, 0, len(entries))
	args := make([]interface{}, 0, len(entries)*13)
	now := time.Now()
	for i, e := range entries {
		base := i * 13
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7,
			base+8, base+9, base+10, base+11, base+12, base+13,
		))
		args = append(args,
			uuid.New(), e.ProjectID, e.MatchedRuleID, e.PromptHash,
			nullableString(e.PromptPreview), nullableString(e.AgentPromptHash),
			e.VerdictStatus, nullableString(e.FailCategory),
			nullableString(e.Explanation), e.Confidence, e.LatencyMs,
			nullableString(e.IPAddress), now,
		)
	}
	query := `
		INSERT INTO firewall_logs (id, project_id, matched_rule_id, prompt_hash,
			prompt_preview, agent_prompt_hash, verdict_status, fail_category,
			explanation, confidence, latency_ms, ip_address, created_at)
		VALUES ` + strings.Join(values, ", ")
	if err := c.exec(ctx, query, args...); err != nil {
		return fmt.Errorf("batch insert firewall logs: %w", err)
	}
	return nil
}

// FirewallLogsQuery selects one keyset page of a project's logs.
type FirewallLogsQuery struct {
	ProjectID     uuid.UUID
	Cursor        *Cursor
	PageSize      int
	VerdictFilter *bool
}

// FirewallLogsPage returns one page of logs, newest first.
func (c *Client) FirewallLogsPage(ctx context.Context, q FirewallLogsQuery) ([]FirewallLogRow, string, error) {
	pageSize := clampPageSize(q.PageSize)

	where := []string{"project_id = $1"}
	args := []interface{}{q.ProjectID}
	if q.VerdictFilter != nil {
		args = append(args, *q.VerdictFilter)
		where = append(where, fmt.Sprintf("verdict_status = $%d", len(args)))
	}
	if q.Cursor != nil {
		args = append(args, q.Cursor.Sort, q.Cursor.ID)
		where = append(where, fmt.Sprintf("(created_at, id) < ($%d, $%d)", len(args)-1, len(args)))
	}
	args = append(args, pageSize+1)

	query := fmt.Sprintf(`
		SELECT %s FROM firewall_logs
		WHERE %s
		ORDER BY created_at DESC, id DESC LIMIT $%d`,
		firewallLogColumns, strings.Join(where, " AND "), len(args),
	)

	var rows []FirewallLogRow
	if err := c.selectAll(ctx, &rows, query, args...); err != nil {
		return nil, "", fmt.Errorf("firewall logs page: %w", err)
	}

	next := ""
	if len(rows) > pageSize {
		rows = rows[:pageSize]
		last := rows[len(rows)-1]
		next = Cursor{Sort: last.CreatedAt, ID: last.ID}.Encode()
	}
	return rows, next, nil
}

// FirewallStats aggregates a project's firewall traffic over a window.
type FirewallStats struct {
	TotalRequests     int64                `json:"total_requests"`
	Allowed           int64                `json:"allowed"`
	Blocked           int64                `json:"blocked"`
	PassRate          float64              `json:"pass_rate"`
	AvgLatencyMs      float64              `json:"avg_latency_ms"`
	P95LatencyMs      float64              `json:"p95_latency_ms"`
	P99LatencyMs      float64              `json:"p99_latency_ms"`
	CategoryBreakdown map[string]int64     `json:"category_breakdown"`
	DailySeries       []FirewallDailyPoint `json:"daily_series"`
}

// FirewallDailyPoint is one day of firewall traffic.
type FirewallDailyPoint struct {
	Date    string `json:"date" db:"day"`
	Total   int64  `json:"total" db:"total"`
	Blocked int64  `json:"blocked" db:"blocked"`
}

// FirewallStatsForProject computes totals, latency percentiles, blocked
// category breakdown, and a daily series since the window start.
func (c *Client) FirewallStatsForProject(ctx context.Context, projectID uuid.UUID, window time.Duration) (*FirewallStats, error) {
	since := time.Now().Add(-window)
	stats := &FirewallStats{CategoryBreakdown: map[string]int64{}}

	var agg struct {
		Total   int64    `db:"total"`
		Allowed int64    `db:"allowed"`
		AvgMs   *float64 `db:"avg_ms"`
		P95Ms   *float64 `db:"p95_ms"`
		P99Ms   *float64 `db:"p99_ms"`
	}
	if err := c.get(ctx, &agg, `
		SELECT COUNT(*) AS total,
			COUNT(*) FILTER (WHERE verdict_status) AS allowed,
			AVG(latency_ms) AS avg_ms,
			percentile_cont(0.95) WITHIN GROUP (ORDER BY latency_ms) AS p95_ms,
			percentile_cont(0.99) WITHIN GROUP (ORDER BY latency_ms) AS p99_ms
		FROM firewall_logs
		WHERE project_id = $1 AND created_at >= $2`, projectID, since,
	); err != nil {
		return nil, fmt.Errorf("firewall stats aggregate: %w", err)
	}
	stats.TotalRequests = agg.Total
	stats.Allowed = agg.Allowed
	stats.Blocked = agg.Total - agg.Allowed
	if agg.Total > 0 {
		stats.PassRate = float64(agg.Allowed) / float64(agg.Total) * 100
	}
	if agg.AvgMs != nil {
		stats.AvgLatencyMs = *agg.AvgMs
	}
	if agg.P95Ms != nil {
		stats.P95LatencyMs = *agg.P95Ms
	}
	if agg.P99Ms != nil {
		stats.P99LatencyMs = *agg.P99Ms
	}

	var categories []struct {
		Category string `db:"fail_category"`
		Count    int64  `db:"count"`
	}
	if err := c.selectAll(ctx, &categories, `
		SELECT fail_category, COUNT(*) AS count
		FROM firewall_logs
		WHERE project_id = $1 AND created_at >= $2
			AND NOT verdict_status AND fail_category IS NOT NULL
		GROUP BY fail_category`, projectID, since,
	); err != nil {
		return nil, fmt.Errorf("firewall stats categories: %w", err)
	}
	for _, row := range categories {
		stats.CategoryBreakdown[row.Category] = row.Count
	}

	if err := c.selectAll(ctx, &stats.DailySeries, `
		SELECT to_char(date_trunc('day', created_at), 'YYYY-MM-DD') AS day,
			COUNT(*) AS total,
			COUNT(*) FILTER (WHERE NOT verdict_status) AS blocked
		FROM firewall_logs
		WHERE project_id = $1 AND created_at >= $2
		GROUP BY day ORDER BY day`, projectID, since,
	); err != nil {
		return nil, fmt.Errorf("firewall stats daily series: %w", err)
	}
	return stats, nil
}

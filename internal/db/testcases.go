package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/aegisai/aegis/internal/apperr"
)

const testCaseColumns = `id, experiment_id, prompt_id, sequence, category, owasp_id,
	prompt, origin, converter, response, verdict_status, severity, risk_category,
	explanation, confidence, latency_ms, is_representative, conversation, created_at`

// resultSortKeys whitelists client-facing sort keys for result pages.
var resultSortKeys = map[string]string{
	"created_at": "created_at",
	"latency_ms": "latency_ms",
	"confidence": "confidence",
	"sequence":   "sequence",
}

// ResultsQuery selects one keyset page of an experiment's test cases.
type ResultsQuery struct {
	ExperimentID       uuid.UUID
	SortBy             string
	Cursor             *Cursor
	PageSize           int
	VerdictFilter      string
	CategoryFilter     string
	OnlyRepresentative bool
}

// ResultsPage returns one descending page plus the cursor for the next
// one, empty when this was the last page. It fetches pageSize+1 rows to
// detect the end without a count query.
func (c *Client) ResultsPage(ctx context.Context, q ResultsQuery) ([]TestCaseRow, string, error) {
	column, err := sortColumn(q.SortBy, resultSortKeys)
	if err != nil {
		return nil, "", err
	}
	pageSize := clampPageSize(q.PageSize)

	where := []string{"experiment_id = $1"}
	args := []interface{}{q.ExperimentID}
	if q.VerdictFilter != "" {
		args = append(args, q.VerdictFilter)
		where = append(where, fmt.Sprintf("verdict_status = $%d", len(args)))
	}
	if q.CategoryFilter != "" {
		args = append(args, q.CategoryFilter)
		where = append(where, fmt.Sprintf("category = $%d", len(args)))
	}
	if q.OnlyRepresentative {
		where = append(where, "is_representative = true")
	}
	if q.Cursor != nil {
		args = append(args, q.Cursor.Sort, q.Cursor.ID)
		where = append(where, fmt.Sprintf("(%s, id) < ($%d, $%d)", column, len(args)-1, len(args)))
	}
	args = append(args, pageSize+1)

	query := fmt.Sprintf(`
		SELECT %s FROM test_cases
		WHERE %s
		ORDER BY %s DESC, id DESC LIMIT $%d`,
		testCaseColumns, strings.Join(where, " AND "), column, len(args),
	)

	var rows []TestCaseRow
	if err := c.selectAll(ctx, &rows, query, args...); err != nil {
		return nil, "", fmt.Errorf("results page: %w", err)
	}

	next := ""
	if len(rows) > pageSize {
		rows = rows[:pageSize]
		last := rows[len(rows)-1]
		next = Cursor{Sort: testCaseSortValue(last, column), ID: last.ID}.Encode()
	}
	return rows, next, nil
}

func testCaseSortValue(row TestCaseRow, column string) interface{} {
	switch column {
	case "latency_ms":
		return row.LatencyMs
	case "confidence":
		return row.Confidence
	case "sequence":
		return row.Sequence
	default:
		return row.CreatedAt
	}
}

// TestCaseByID returns one test case, or NotFound.
func (c *Client) TestCaseByID(ctx context.Context, id uuid.UUID) (*TestCaseRow, error) {
	var row TestCaseRow
	err := c.get(ctx, &row, `
		SELECT `+testCaseColumns+` FROM test_cases WHERE id = $1`, id,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.E(apperr.NotFound, "test case not found", nil)
	}
	if err != nil {
		return nil, fmt.Errorf("test case by id: %w", err)
	}
	return &row, nil
}

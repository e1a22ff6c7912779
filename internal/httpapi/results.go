package httpapi

import (
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/aegisai/aegis/internal/apperr"
	"github.com/aegisai/aegis/internal/db"
	"github.com/aegisai/aegis/internal/models"
)

// experimentForUser loads the experiment named by {eid} and verifies the
// caller owns its project.
func (s *Server) experimentForUser(r *http.Request, userID uuid.UUID) (*db.Experiment, error) {
	experimentID, err := pathUUID(r, "eid")
	if err != nil {
		return nil, err
	}
	e, err := s.store.ExperimentByID(r.Context(), experimentID)
	if err != nil {
		return nil, err
	}
	if _, err := s.store.ProjectByID(r.Context(), e.ProjectID, userID); err != nil {
		return nil, apperr.E(apperr.NotFound, "experiment not found", nil)
	}
	return e, nil
}

type testCaseResponse struct {
	ID               uuid.UUID `json:"id"`
	PromptID         string    `json:"prompt_id"`
	Sequence         int       `json:"sequence"`
	Category         string    `json:"category"`
	OWASPID          *string   `json:"owasp_id"`
	Prompt           string    `json:"prompt"`
	Origin           string    `json:"origin"`
	Converter        *string   `json:"converter"`
	Response         *string   `json:"response"`
	VerdictStatus    string    `json:"verdict_status"`
	Severity         *string   `json:"severity"`
	RiskCategory     string    `json:"risk_category"`
	Explanation      string    `json:"explanation"`
	Confidence       *float64  `json:"confidence"`
	LatencyMs        int64     `json:"latency_ms"`
	IsRepresentative bool      `json:"is_representative"`
	Conversation     db.JSONB  `json:"conversation,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

func testCaseToResponse(row *db.TestCaseRow) testCaseResponse {
	return testCaseResponse{
		ID:               row.ID,
		PromptID:         row.PromptID,
		Sequence:         row.Sequence,
		Category:         row.Category,
		OWASPID:          row.OWASPID,
		Prompt:           row.Prompt,
		Origin:           row.Origin,
		Converter:        row.Converter,
		Response:         row.Response,
		VerdictStatus:    row.VerdictStatus,
		Severity:         row.Severity,
		RiskCategory:     row.RiskCategory,
		Explanation:      row.Explanation,
		Confidence:       row.Confidence,
		LatencyMs:        row.LatencyMs,
		IsRepresentative: row.IsRepresentative,
		Conversation:     row.Conversation,
		CreatedAt:        row.CreatedAt,
	}
}

func (s *Server) handleListLogs(w http.ResponseWriter, r *http.Request) {
	uc, err := s.user(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	e, err := s.experimentForUser(r, uc.UserID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	cursor, err := db.DecodeCursor(r.URL.Query().Get("cursor"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	q := db.ResultsQuery{
		ExperimentID:       e.ID,
		SortBy:             r.URL.Query().Get("sort_by"),
		Cursor:             cursor,
		PageSize:           queryInt(r, "page_size", 20),
		VerdictFilter:      r.URL.Query().Get("verdict"),
		CategoryFilter:     r.URL.Query().Get("category"),
		OnlyRepresentative: r.URL.Query().Get("representative") == "true",
	}
	rows, next, err := s.store.ResultsPage(r.Context(), q)
	if err != nil {
		s.writeError(w, err)
		return
	}
	items := make([]testCaseResponse, 0, len(rows))
	for i := range rows {
		items = append(items, testCaseToResponse(&rows[i]))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items":       items,
		"next_cursor": next,
	})
}

func (s *Server) handleLogDetail(w http.ResponseWriter, r *http.Request) {
	uc, err := s.user(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	e, err := s.experimentForUser(r, uc.UserID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	testCaseID, err := pathUUID(r, "tcid")
	if err != nil {
		s.writeError(w, err)
		return
	}
	row, err := s.store.TestCaseByID(r.Context(), testCaseID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if row.ExperimentID != e.ID {
		s.writeError(w, apperr.E(apperr.NotFound, "test case not found", nil))
		return
	}
	writeJSON(w, http.StatusOK, testCaseToResponse(row))
}

func isTerminalStatus(status string) bool {
	switch status {
	case string(models.ExperimentCompleted),
		string(models.ExperimentFailed),
		string(models.ExperimentCancelled):
		return true
	}
	return false
}

func (s *Server) handleExperimentDashboard(w http.ResponseWriter, r *http.Request) {
	uc, err := s.user(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	e, err := s.experimentForUser(r, uc.UserID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if !isTerminalStatus(e.Status) {
		s.writeError(w, apperr.E(apperr.InvalidInput, "EXPERIMENT_NOT_COMPLETED", nil))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"experiment_id":   e.ID,
		"name":            e.Name,
		"status":          e.Status,
		"total_tests":     e.TotalTests,
		"completed_tests": e.CompletedTests,
		"started_at":      e.StartedAt,
		"finished_at":     e.FinishedAt,
		"analytics":       e.Analytics,
	})
}

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	uc, err := s.user(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	summary, err := s.store.DashboardSummaryForUser(r.Context(), uc.UserID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	recent := make([]experimentResponse, 0, len(summary.RecentExperiments))
	for i := range summary.RecentExperiments {
		recent = append(recent, experimentToResponse(&summary.RecentExperiments[i]))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"total_projects":        summary.TotalProjects,
		"total_experiments":     summary.TotalExperiments,
		"experiments_by_status": summary.ExperimentsByStatus,
		"total_test_cases":      summary.TotalTestCases,
		"overall_pass_rate":     summary.OverallPassRate,
		"recent_experiments":    recent,
	})
}

package httpapi

import (
	"net/http"

	"github.com/aegisai/aegis/internal/apperr"
	"github.com/aegisai/aegis/internal/db"
	"github.com/aegisai/aegis/internal/models"
)

var feedbackCorrections = map[string]bool{
	"pass":   true,
	"low":    true,
	"medium": true,
	"high":   true,
}

type feedbackRequest struct {
	Vote       string  `json:"vote"`
	Correction *string `json:"correction"`
	Comment    *string `json:"comment"`
}

func validateFeedbackRequest(req *feedbackRequest) error {
	if req.Vote != "up" && req.Vote != "down" {
		return apperr.E(apperr.InvalidInput, "vote must be 'up' or 'down'", nil)
	}
	if req.Correction != nil {
		if !feedbackCorrections[*req.Correction] {
			return apperr.E(apperr.InvalidInput, "correction must be one of pass, low, medium, high", nil)
		}
		if req.Vote == "up" {
			return apperr.E(apperr.InvalidInput, "a correction requires a downvote", nil)
		}
	}
	return nil
}

func (s *Server) handleSubmitFeedback(w http.ResponseWriter, r *http.Request) {
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
	if e.Status != string(models.ExperimentCompleted) {
		s.writeError(w, apperr.E(apperr.InvalidInput, "EXPERIMENT_NOT_COMPLETED", nil))
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

	var req feedbackRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if err := validateFeedbackRequest(&req); err != nil {
		s.writeError(w, err)
		return
	}

	f := &db.FeedbackRow{
		TestCaseID: testCaseID,
		UserID:     uc.UserID,
		Vote:       req.Vote,
		Correction: req.Correction,
		Comment:    req.Comment,
	}
	created, err := s.store.UpsertFeedback(r.Context(), f)
	if err != nil {
		s.writeError(w, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, map[string]any{
		"id":           f.ID,
		"test_case_id": f.TestCaseID,
		"vote":         f.Vote,
		"correction":   f.Correction,
		"comment":      f.Comment,
		"created":      created,
	})
}

func (s *Server) handleDeleteFeedback(w http.ResponseWriter, r *http.Request) {
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
	if err := s.store.DeleteFeedback(r.Context(), testCaseID, uc.UserID); err != nil {
		if apperr.Is(err, apperr.NotFound) {
			err = apperr.E(apperr.NotFound, "FEEDBACK_NOT_FOUND", nil)
		}
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleFeedbackSummary(w http.ResponseWriter, r *http.Request) {
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
	summary, err := s.store.FeedbackSummaryForExperiment(r.Context(), e.ID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

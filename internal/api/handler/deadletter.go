package handler

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	mw "github.com/exstacyagency/workflows/internal/api/middleware"
	"github.com/exstacyagency/workflows/internal/api/response"
	"github.com/exstacyagency/workflows/internal/engine"
	"github.com/exstacyagency/workflows/pkg/models"
)

// Bulk dead-letter action names accepted in the URL.
const (
	ActionDismissAll        = "dismiss_all"
	ActionClearAttemptsAll  = "clear_attempts_all"
	ActionRetryAllTransient = "retry_all_transient"
)

// NewListDeadLettersHandler returns an http.HandlerFunc for
// GET /api/v1/projects/{projectID}/dead-letters.
func NewListDeadLettersHandler(dlm *engine.DeadLetterManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := mw.GetUserID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing user", nil)
			return
		}

		projectID, err := uuid.Parse(chi.URLParam(r, "projectID"))
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "projectID must be a valid UUID", nil)
			return
		}

		includeDismissed, _ := strconv.ParseBool(r.URL.Query().Get("include_dismissed"))

		jobs, err := dlm.List(r.Context(), userID, projectID, includeDismissed)
		if err != nil {
			writeEngineError(w, err)
			return
		}
		if jobs == nil {
			jobs = []*models.Job{}
		}
		response.Collection(w, jobs, response.PaginationMeta{
			Page:    1,
			Limit:   dlm.BatchSize(),
			Total:   len(jobs),
			HasNext: len(jobs) == dlm.BatchSize(),
		})
	}
}

// NewRetryJobHandler returns an http.HandlerFunc for
// POST /api/v1/jobs/{jobID}/retry.
func NewRetryJobHandler(dlm *engine.DeadLetterManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := mw.GetUserID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing user", nil)
			return
		}

		jobID, err := uuid.Parse(chi.URLParam(r, "jobID"))
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "jobID must be a valid UUID", nil)
			return
		}

		job, err := dlm.Retry(r.Context(), userID, jobID)
		if err != nil {
			writeEngineError(w, err)
			return
		}
		response.JSON(w, job)
	}
}

// NewBulkDeadLetterHandler returns an http.HandlerFunc for
// POST /api/v1/projects/{projectID}/dead-letters/{action}.
func NewBulkDeadLetterHandler(dlm *engine.DeadLetterManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := mw.GetUserID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing user", nil)
			return
		}

		projectID, err := uuid.Parse(chi.URLParam(r, "projectID"))
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "projectID must be a valid UUID", nil)
			return
		}

		var result engine.BulkResult
		switch chi.URLParam(r, "action") {
		case ActionDismissAll:
			result, err = dlm.DismissAll(r.Context(), userID, projectID)
		case ActionClearAttemptsAll:
			result, err = dlm.ClearAttemptsAll(r.Context(), userID, projectID)
		case ActionRetryAllTransient:
			result, err = dlm.RetryAllTransient(r.Context(), userID, projectID)
		default:
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST",
				"action must be one of dismiss_all, clear_attempts_all, retry_all_transient", nil)
			return
		}
		if err != nil {
			writeEngineError(w, err)
			return
		}
		response.JSON(w, result)
	}
}

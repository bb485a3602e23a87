// Package handler contains the HTTP handlers over the orchestration engine.
package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	mw "github.com/exstacyagency/workflows/internal/api/middleware"
	"github.com/exstacyagency/workflows/internal/api/response"
	"github.com/exstacyagency/workflows/internal/engine"
	"github.com/exstacyagency/workflows/pkg/models"
)

// startJobRequest is the body of POST /api/v1/jobs.
type startJobRequest struct {
	ProjectID  string          `json:"project_id"`
	Type       string          `json:"type"`
	RunID      string          `json:"run_id,omitempty"`
	AttemptKey string          `json:"attempt_key,omitempty"`
	Payload    json.RawMessage `json:"payload"`
}

// startJobResponse wraps the stable job snapshot plus the reused marker.
type startJobResponse struct {
	Job    any  `json:"job"`
	Reused bool `json:"reused"`
}

// NewStartJobHandler returns an http.HandlerFunc for POST /api/v1/jobs.
// Job starts carry their own per-user rate budget in addition to the
// global per-credential middleware limit.
func NewStartJobHandler(eng *engine.Engine, limiter *engine.RateLimiter, startPerMin int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := mw.GetUserID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing user", nil)
			return
		}

		if d := limiter.Check(r.Context(), "jobs:start:"+userID.String(), startPerMin, time.Minute); !d.Allowed {
			w.Header().Set("Retry-After", "60")
			response.Error(w, http.StatusTooManyRequests, "RATE_LIMIT_EXCEEDED", d.Reason, nil)
			return
		}

		var req startJobRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}

		projectID, err := uuid.Parse(req.ProjectID)
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "project_id must be a valid UUID", nil)
			return
		}
		if !models.ValidJobType(req.Type) {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "type must be a known job type", nil)
			return
		}
		if len(req.Payload) == 0 {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "payload is required", nil)
			return
		}
		if err := models.ValidatePayload(req.Type, req.Payload); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error(), nil)
			return
		}

		var runID *uuid.UUID
		if req.RunID != "" {
			id, err := uuid.Parse(req.RunID)
			if err != nil {
				response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "run_id must be a valid UUID", nil)
				return
			}
			runID = &id
		}

		result, err := eng.StartJob(r.Context(), engine.StartRequest{
			UserID:     userID,
			ProjectID:  projectID,
			RunID:      runID,
			Type:       req.Type,
			Payload:    req.Payload,
			AttemptKey: req.AttemptKey,
		})
		if err != nil {
			writeEngineError(w, err)
			return
		}

		body := startJobResponse{Job: result.Job, Reused: result.Reused}
		if result.Reused {
			response.JSON(w, body)
			return
		}
		response.Accepted(w, body)
	}
}

// jobStatusView is the slim poll body served from the status hot cache
// while a job is in flight. Terminal polls return the full record.
type jobStatusView struct {
	ID     uuid.UUID `json:"id"`
	Status string    `json:"status"`
}

// NewPollJobHandler returns an http.HandlerFunc for GET /api/v1/jobs/{jobID}.
// In-flight polls are answered from the Redis status hot cache; the first
// terminal poll falls through to Postgres for the full record.
func NewPollJobHandler(eng *engine.Engine) http.HandlerFunc {
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

		if status, ok := eng.PollStatus(r.Context(), userID, jobID); ok {
			response.JSON(w, jobStatusView{ID: jobID, Status: status})
			return
		}

		job, err := eng.GetJob(r.Context(), userID, jobID)
		if err != nil {
			writeEngineError(w, err)
			return
		}
		response.JSON(w, job)
	}
}

// writeEngineError maps engine taxonomy errors to HTTP responses. Every
// known kind carries its structured data; nothing known degrades to an
// opaque 500.
func writeEngineError(w http.ResponseWriter, err error) {
	var upgrade *engine.UpgradeRequiredError
	var quota *engine.QuotaExceededError
	var conc *engine.ConcurrencyExceededError
	var invalid *engine.InvalidTransitionError
	var limited *engine.RateLimitedError

	switch {
	case errors.Is(err, engine.ErrUnauthorized):
		response.Error(w, http.StatusUnauthorized, "UNAUTHORIZED", "Authentication required", nil)
	case errors.Is(err, engine.ErrProjectNotFound):
		response.Error(w, http.StatusNotFound, "NOT_FOUND", "Project not found", nil)
	case errors.Is(err, engine.ErrJobNotFound):
		response.Error(w, http.StatusNotFound, "NOT_FOUND", "Job not found", nil)
	case errors.As(err, &upgrade):
		response.Error(w, http.StatusPaymentRequired, "UPGRADE_REQUIRED", upgrade.Error(),
			map[string]any{"required_plan": upgrade.RequiredPlan})
	case errors.As(err, &quota):
		response.Error(w, http.StatusTooManyRequests, "QUOTA_EXCEEDED", quota.Error(),
			map[string]any{"metric": quota.Metric, "limit": quota.Limit, "used": quota.Used})
	case errors.As(err, &conc):
		response.Error(w, http.StatusTooManyRequests, "CONCURRENCY_EXCEEDED", conc.Error(),
			map[string]any{"active": conc.Active, "ceiling": conc.Ceiling})
	case errors.As(err, &limited):
		w.Header().Set("Retry-After", "60")
		response.Error(w, http.StatusTooManyRequests, "RATE_LIMIT_EXCEEDED", limited.Reason, nil)
	case errors.As(err, &invalid):
		response.Error(w, http.StatusConflict, "INVALID_TRANSITION", invalid.Error(),
			map[string]any{"from": invalid.From, "to": invalid.To})
	default:
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "An unexpected error occurred", nil)
	}
}

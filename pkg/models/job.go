// Package models contains shared data models used across the workflows codebase.
package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

const (
	JobStatusPending   = "pending"
	JobStatusRunning   = "running"
	JobStatusCompleted = "completed"
	JobStatusFailed    = "failed"
)

// Job types, one per pipeline stage a user can trigger.
const (
	JobTypeResearchCollection = "research_collection"
	JobTypePatternAnalysis    = "pattern_analysis"
	JobTypeScriptGeneration   = "script_generation"
	JobTypeImageGeneration    = "image_generation"
	JobTypeVideoGeneration    = "video_generation"
)

// Job is the durable record of one asynchronous unit of pipeline work.
// The API returns a job id on POST /api/v1/jobs; the client polls
// GET /api/v1/jobs/{job_id} until status is completed or failed.
//
// UserID and ProjectID are immutable after creation. IdempotencyKey is
// unique within (user_id, project_id, type), not globally.
type Job struct {
	ID             uuid.UUID       `db:"id"              json:"id"`
	UserID         uuid.UUID       `db:"user_id"         json:"-"`
	ProjectID      uuid.UUID       `db:"project_id"      json:"project_id"`
	RunID          *uuid.UUID      `db:"run_id"          json:"run_id,omitempty"`
	Type           string          `db:"type"            json:"type"`
	Status         string          `db:"status"          json:"status"`
	IdempotencyKey string          `db:"idempotency_key" json:"-"`
	Payload        json.RawMessage `db:"payload"         json:"payload"`
	ResultSummary  *string         `db:"result_summary"  json:"result_summary,omitempty"`
	ErrorMessage   *string         `db:"error_message"   json:"error,omitempty"`
	CurrentStep    *string         `db:"current_step"    json:"current_step,omitempty"`
	Dismissed      bool            `db:"dismissed"       json:"dismissed"`
	Attempts       int             `db:"attempts"        json:"attempts"`
	NextRunAt      *time.Time      `db:"next_run_at"     json:"next_run_at,omitempty"`
	CreatedAt      time.Time       `db:"created_at"      json:"created_at"`
	UpdatedAt      time.Time       `db:"updated_at"      json:"updated_at"`
}

// Terminal reports whether the job has reached a final status.
func (j *Job) Terminal() bool {
	return j.Status == JobStatusCompleted || j.Status == JobStatusFailed
}

// ValidJobType reports whether t is a known job type.
func ValidJobType(t string) bool {
	switch t {
	case JobTypeResearchCollection, JobTypePatternAnalysis,
		JobTypeScriptGeneration, JobTypeImageGeneration, JobTypeVideoGeneration:
		return true
	}
	return false
}

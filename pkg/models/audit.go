package models

import (
	"time"

	"github.com/google/uuid"
)

// Audit event names recorded by the engine.
const (
	AuditJobCreated = "job.created"
	AuditJobFailed  = "job.failed"
	AuditJobRetried = "job.retried"
)

// AuditEvent is a fire-and-forget observability record. Failures to write
// one never block or fail the primary operation.
type AuditEvent struct {
	ID        uuid.UUID  `db:"id"         json:"id"`
	UserID    uuid.UUID  `db:"user_id"    json:"user_id"`
	JobID     *uuid.UUID `db:"job_id"     json:"job_id,omitempty"`
	Event     string     `db:"event"      json:"event"`
	Fields    []byte     `db:"fields"     json:"fields,omitempty"`
	CreatedAt time.Time  `db:"created_at" json:"created_at"`
}

// Package audit provides a fire-and-forget observability sink. Recording
// failures never block or fail the primary operation.
package audit

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/exstacyagency/workflows/internal/store"
	"github.com/exstacyagency/workflows/pkg/models"
	"github.com/google/uuid"
)

const recordTimeout = 5 * time.Second

// Recorder writes audit events to the store in the background.
type Recorder struct {
	store store.Store
}

func NewRecorder(s store.Store) *Recorder {
	return &Recorder{store: s}
}

// Record persists an audit event asynchronously. Field values must be
// JSON-marshalable; unmarshalable fields are dropped with a warning.
func (r *Recorder) Record(event string, userID uuid.UUID, jobID *uuid.UUID, fields map[string]any) {
	var raw []byte
	if len(fields) > 0 {
		var err error
		raw, err = json.Marshal(fields)
		if err != nil {
			slog.Warn("audit fields not marshalable", "event", event, "error", err)
			raw = nil
		}
	}

	ev := &models.AuditEvent{
		ID:        uuid.New(),
		UserID:    userID,
		JobID:     jobID,
		Event:     event,
		Fields:    raw,
		CreatedAt: time.Now().UTC(),
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
		defer cancel()
		if err := r.store.CreateAuditEvent(ctx, ev); err != nil {
			slog.Warn("audit record failed", "event", event, "error", err)
		}
	}()
}

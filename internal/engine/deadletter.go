package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/exstacyagency/workflows/internal/audit"
	"github.com/exstacyagency/workflows/internal/store"
	"github.com/exstacyagency/workflows/pkg/models"
	"github.com/google/uuid"
)

// permanentFailureMarkers identify failures that no retry can fix without
// a configuration or authorization change. Substring matching against the
// stored error message is a known rough edge; the list is the single
// source of truth and nothing infers intent beyond it.
var permanentFailureMarkers = []string{
	"missing dependencies",
	"must be set",
	"not configured",
	"forbidden",
	"unauthorized",
	"required",
}

// IsPermanentFailure classifies a failure message. Anything that matches
// no marker is transient and safe to include in bulk retries.
func IsPermanentFailure(msg string) bool {
	lower := strings.ToLower(msg)
	for _, marker := range permanentFailureMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// DeadLetterManager gives operators and end users a way to recover failed
// jobs without redeploying. All bulk actions are capped per request and
// rate-limited per user; bulk actions get a stricter budget than single
// retries because they can re-trigger many paid external calls at once.
type DeadLetterManager struct {
	store   store.Store
	limiter *RateLimiter
	audit   *audit.Recorder

	batchSize   int
	retryPerMin int
	bulkPerMin  int
}

// DeadLetterOptions configures the manager's caps and budgets.
type DeadLetterOptions struct {
	BatchSize         int
	RetriesPerMinute  int
	BulkActionsPerMin int
}

func NewDeadLetterManager(s store.Store, limiter *RateLimiter, rec *audit.Recorder, opts DeadLetterOptions) *DeadLetterManager {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	if opts.RetriesPerMinute <= 0 {
		opts.RetriesPerMinute = 20
	}
	if opts.BulkActionsPerMin <= 0 {
		opts.BulkActionsPerMin = 5
	}
	return &DeadLetterManager{
		store:       s,
		limiter:     limiter,
		audit:       rec,
		batchSize:   opts.BatchSize,
		retryPerMin: opts.RetriesPerMinute,
		bulkPerMin:  opts.BulkActionsPerMin,
	}
}

// BulkResult reports how many jobs a bulk action touched. A job whose
// conditional update affected zero rows (status changed concurrently, or
// a permanent failure excluded from retry) counts as skipped, never as an
// error.
type BulkResult struct {
	Updated int `json:"updated"`
	Skipped int `json:"skipped"`
}

// BatchSize returns the per-request cap applied to listings and bulk actions.
func (m *DeadLetterManager) BatchSize() int { return m.batchSize }

// List returns the project's active dead letters, capped at the batch size.
func (m *DeadLetterManager) List(ctx context.Context, userID, projectID uuid.UUID, includeDismissed bool) ([]*models.Job, error) {
	if err := m.requireProject(ctx, userID, projectID); err != nil {
		return nil, err
	}
	return m.store.ListFailedJobs(ctx, store.DeadLetterFilter{
		ProjectID:        projectID,
		IncludeDismissed: includeDismissed,
		Limit:            m.batchSize,
	})
}

// Retry re-arms a single job back to pending with an immediate next run.
// Allowed only when the job is failed, or pending with its backoff timer
// already elapsed; anything else is an InvalidTransitionError.
func (m *DeadLetterManager) Retry(ctx context.Context, userID, jobID uuid.UUID) (*models.Job, error) {
	if userID == uuid.Nil {
		return nil, ErrUnauthorized
	}

	if d := m.limiter.Check(ctx, fmt.Sprintf("deadletter:retry:%s", userID), m.retryPerMin, time.Minute); !d.Allowed {
		return nil, &RateLimitedError{Reason: d.Reason}
	}

	job, err := m.store.GetJob(ctx, jobID, userID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, err
	}

	ok, err := m.store.RearmJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &InvalidTransitionError{JobID: jobID, From: job.Status, To: models.JobStatusPending}
	}

	m.audit.Record(models.AuditJobRetried, userID, &jobID, map[string]any{"type": job.Type})

	job, err = m.store.GetJob(ctx, jobID, userID)
	if err != nil {
		return nil, err
	}
	return job, nil
}

// DismissAll hides every non-dismissed failed job in the project from the
// active dead-letter view without changing status.
func (m *DeadLetterManager) DismissAll(ctx context.Context, userID, projectID uuid.UUID) (BulkResult, error) {
	return m.bulk(ctx, userID, projectID, false, func(ctx context.Context, job *models.Job) (bool, error) {
		return m.store.DismissFailedJob(ctx, job.ID)
	})
}

// ClearAttemptsAll resets retry-attempt counters and backoff timers for
// every failed job in the project without changing status.
func (m *DeadLetterManager) ClearAttemptsAll(ctx context.Context, userID, projectID uuid.UUID) (BulkResult, error) {
	return m.bulk(ctx, userID, projectID, true, func(ctx context.Context, job *models.Job) (bool, error) {
		return m.store.ClearJobAttempts(ctx, job.ID)
	})
}

// RetryAllTransient re-arms every non-dismissed, non-permanent failed job
// in the project to pending with an immediate next run. Permanent failures
// are skipped and counted.
func (m *DeadLetterManager) RetryAllTransient(ctx context.Context, userID, projectID uuid.UUID) (BulkResult, error) {
	return m.bulk(ctx, userID, projectID, false, func(ctx context.Context, job *models.Job) (bool, error) {
		if job.ErrorMessage != nil && IsPermanentFailure(*job.ErrorMessage) {
			return false, nil
		}
		return m.store.RearmJob(ctx, job.ID)
	})
}

// bulk runs one conditional update per failed job in the project, within
// the batch cap and the stricter bulk rate budget.
func (m *DeadLetterManager) bulk(ctx context.Context, userID, projectID uuid.UUID, includeDismissed bool, update func(context.Context, *models.Job) (bool, error)) (BulkResult, error) {
	if err := m.requireProject(ctx, userID, projectID); err != nil {
		return BulkResult{}, err
	}

	if d := m.limiter.Check(ctx, fmt.Sprintf("deadletter:bulk:%s", userID), m.bulkPerMin, time.Minute); !d.Allowed {
		return BulkResult{}, &RateLimitedError{Reason: d.Reason}
	}

	jobs, err := m.store.ListFailedJobs(ctx, store.DeadLetterFilter{
		ProjectID:        projectID,
		IncludeDismissed: includeDismissed,
		Limit:            m.batchSize,
	})
	if err != nil {
		return BulkResult{}, err
	}

	var result BulkResult
	for _, job := range jobs {
		ok, err := update(ctx, job)
		if err != nil {
			return result, err
		}
		if ok {
			result.Updated++
		} else {
			result.Skipped++
		}
	}
	return result, nil
}

func (m *DeadLetterManager) requireProject(ctx context.Context, userID, projectID uuid.UUID) error {
	if userID == uuid.Nil {
		return ErrUnauthorized
	}
	owns, err := m.store.OwnsProject(ctx, userID, projectID)
	if err != nil {
		return fmt.Errorf("check project ownership: %w", err)
	}
	if !owns {
		return ErrProjectNotFound
	}
	return nil
}

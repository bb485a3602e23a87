package store

import (
	"context"
	"errors"
	"time"

	"github.com/exstacyagency/workflows/pkg/models"
	"github.com/google/uuid"
)

var ErrNotFound = errors.New("resource not found")
var ErrDuplicateKey = errors.New("duplicate key violation")

// Store is the data access interface. All database operations go through here.
type Store interface {
	Ping(ctx context.Context) error
	GetDefaultUser(ctx context.Context) (*models.User, error)

	GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error)
	UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error
	CreateAPIKey(ctx context.Context, key *models.APIKey) error
	ListAPIKeys(ctx context.Context, userID uuid.UUID) ([]*models.APIKey, error)
	RevokeAPIKey(ctx context.Context, id uuid.UUID, userID uuid.UUID) error

	CreateProject(ctx context.Context, project *models.Project) error
	OwnsProject(ctx context.Context, userID, projectID uuid.UUID) (bool, error)

	GetSubscription(ctx context.Context, userID uuid.UUID) (*models.Subscription, error)
	UpsertSubscription(ctx context.Context, sub *models.Subscription) error

	CreateJob(ctx context.Context, job *models.Job) error
	GetJob(ctx context.Context, id uuid.UUID, userID uuid.UUID) (*models.Job, error)
	FindJobByIdempotencyKey(ctx context.Context, scope IdempotencyScope, key string) (*models.Job, error)
	CountActiveJobs(ctx context.Context, userID uuid.UUID) (int, error)
	TransitionJob(ctx context.Context, id uuid.UUID, from, to string, opts ...JobUpdateOption) (bool, error)
	RearmJob(ctx context.Context, id uuid.UUID) (bool, error)
	ListFailedJobs(ctx context.Context, filter DeadLetterFilter) ([]*models.Job, error)
	DismissFailedJob(ctx context.Context, id uuid.UUID) (bool, error)
	ClearJobAttempts(ctx context.Context, id uuid.UUID) (bool, error)
	ListStaleRunningJobs(ctx context.Context, olderThan time.Time, limit int) ([]*models.Job, error)

	ReserveQuota(ctx context.Context, userID uuid.UUID, periodKey, metric string, amount int, limit *int) (int, bool, error)
	RollbackQuota(ctx context.Context, userID uuid.UUID, periodKey, metric string, amount int) (int, bool, error)
	GetQuotaUsed(ctx context.Context, userID uuid.UUID, periodKey, metric string) (int, error)

	CreateAuditEvent(ctx context.Context, event *models.AuditEvent) error
}

// IdempotencyScope is the uniqueness scope for idempotency keys. Two
// different users, projects, or types may share a literal key string
// without collision.
type IdempotencyScope struct {
	UserID    uuid.UUID
	ProjectID uuid.UUID
	Type      string
}

// DeadLetterFilter selects failed jobs for dead-letter listing and bulk
// actions. Limit caps work per request and is always enforced.
type DeadLetterFilter struct {
	ProjectID        uuid.UUID
	IncludeDismissed bool
	Limit            int
}

// JobUpdate collects the optional fields a status transition writes in the
// same statement as the status change itself.
type JobUpdate struct {
	ErrorMessage  *string
	ResultSummary *string
	CurrentStep   *string
	IncrAttempts  bool
}

type JobUpdateOption func(*JobUpdate)

func WithErrorMessage(msg string) JobUpdateOption {
	return func(p *JobUpdate) {
		p.ErrorMessage = &msg
	}
}

func WithResultSummary(summary string) JobUpdateOption {
	return func(p *JobUpdate) {
		p.ResultSummary = &summary
	}
}

func WithCurrentStep(step string) JobUpdateOption {
	return func(p *JobUpdate) {
		p.CurrentStep = &step
	}
}

func WithAttemptIncrement() JobUpdateOption {
	return func(p *JobUpdate) {
		p.IncrAttempts = true
	}
}

package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/exstacyagency/workflows/internal/audit"
	"github.com/exstacyagency/workflows/internal/cache"
	"github.com/exstacyagency/workflows/internal/store"
	"github.com/exstacyagency/workflows/pkg/models"
	"github.com/google/uuid"
)

const jobStatusCacheTTL = 30 * time.Minute

// Engine turns a user-initiated request into a durable, uniquely
// identified unit of asynchronous work, guards it against duplication,
// over-concurrency, and quota overrun, and executes it through the job
// state machine.
//
// Admission order is fixed: ownership, plan gate, concurrency guard,
// idempotency resolver (short-circuits), quota reserve, create. Every
// admission failure happens before any row is created or quota reserved,
// so it leaves no partial state.
type Engine struct {
	store    store.Store
	cache    cache.Cache
	provider models.PipelineProvider
	audit    *audit.Recorder

	ledger   *Ledger
	plans    *PlanGate
	guard    *ConcurrencyGuard
	resolver *IdempotencyResolver

	invocationTimeout time.Duration
}

// Options configures engine construction.
type Options struct {
	MaxActiveJobsPerUser int
	SweepMode            bool
	InvocationTimeout    time.Duration
	// Now overrides the clock used for billing period keys; nil means
	// time.Now.
	Now func() time.Time
}

// New wires the engine from its collaborators.
func New(s store.Store, c cache.Cache, provider models.PipelineProvider, rec *audit.Recorder, opts Options) *Engine {
	if opts.MaxActiveJobsPerUser <= 0 {
		opts.MaxActiveJobsPerUser = 5
	}
	if opts.InvocationTimeout <= 0 {
		opts.InvocationTimeout = 5 * time.Minute
	}
	return &Engine{
		store:             s,
		cache:             c,
		provider:          provider,
		audit:             rec,
		ledger:            NewLedger(s, opts.Now),
		plans:             NewPlanGate(s),
		guard:             NewConcurrencyGuard(s, opts.MaxActiveJobsPerUser, opts.SweepMode),
		resolver:          NewIdempotencyResolver(s),
		invocationTimeout: opts.InvocationTimeout,
	}
}

// Ledger exposes the quota ledger for administrative surfaces.
func (e *Engine) Ledger() *Ledger { return e.ledger }

// StartRequest describes one "start operation X" call. AttemptKey lets a
// client deliberately create a new job for otherwise identical input; it
// participates in the idempotency fingerprint.
type StartRequest struct {
	UserID     uuid.UUID
	ProjectID  uuid.UUID
	RunID      *uuid.UUID
	Type       string
	Payload    json.RawMessage
	AttemptKey string
}

// StartResult is the outcome of an admission. Reused is true when an
// existing job with the same idempotency fingerprint was returned instead
// of creating a duplicate; that is a success, not an error.
type StartResult struct {
	Job    *models.Job
	Reused bool
}

// StartJob runs the full admission pipeline and, on success, persists a
// pending job and hands it off for asynchronous execution.
func (e *Engine) StartJob(ctx context.Context, req StartRequest) (*StartResult, error) {
	if req.UserID == uuid.Nil {
		return nil, ErrUnauthorized
	}
	if !models.ValidJobType(req.Type) {
		return nil, fmt.Errorf("unknown job type %q", req.Type)
	}
	if err := models.ValidatePayload(req.Type, req.Payload); err != nil {
		return nil, err
	}

	// Ownership first: a caller probing someone else's project learns
	// nothing beyond "not found", never plan or quota details.
	owns, err := e.store.OwnsProject(ctx, req.UserID, req.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("check project ownership: %w", err)
	}
	if !owns {
		return nil, ErrProjectNotFound
	}

	planID, err := e.plans.AssertMinPlan(ctx, req.UserID, MinPlanForJobType(req.Type))
	if err != nil {
		return nil, err
	}

	if err := e.guard.Enforce(ctx, req.UserID); err != nil {
		return nil, err
	}

	canonical, err := canonicalPayload(req.Type, req.Payload)
	if err != nil {
		return nil, err
	}
	runID := ""
	if req.RunID != nil {
		runID = req.RunID.String()
	}
	key := DeriveIdempotencyKey(req.ProjectID.String(), req.Type, runID, req.AttemptKey, canonical)
	scope := store.IdempotencyScope{UserID: req.UserID, ProjectID: req.ProjectID, Type: req.Type}

	if existing, err := e.resolver.Resolve(ctx, scope, key); err != nil {
		return nil, err
	} else if existing != nil {
		return &StartResult{Job: existing, Reused: true}, nil
	}

	metric, ok := models.MetricForJobType(req.Type)
	if !ok {
		return nil, fmt.Errorf("no quota metric for job type %q", req.Type)
	}
	amount := models.QuotaAmount(req.Type, req.Payload)

	reservation, err := e.ledger.Reserve(ctx, req.UserID, planID, metric, amount)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	job := &models.Job{
		ID:             uuid.New(),
		UserID:         req.UserID,
		ProjectID:      req.ProjectID,
		RunID:          req.RunID,
		Type:           req.Type,
		Status:         models.JobStatusPending,
		IdempotencyKey: key,
		Payload:        req.Payload,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if err := e.store.CreateJob(ctx, job); err != nil {
		if errors.Is(err, store.ErrDuplicateKey) {
			// Lost the insert race to a concurrent duplicate. The winner
			// is authoritative; release our reservation and return it.
			if rbErr := e.ledger.Rollback(ctx, reservation); rbErr != nil {
				slog.Error("rollback after duplicate insert failed", "job_type", req.Type, "error", rbErr)
			}
			winner, rerr := e.resolver.Resolve(ctx, scope, key)
			if rerr != nil {
				return nil, rerr
			}
			if winner == nil {
				return nil, fmt.Errorf("duplicate insert but winner not found for key %s", key)
			}
			return &StartResult{Job: winner, Reused: true}, nil
		}
		if rbErr := e.ledger.Rollback(ctx, reservation); rbErr != nil {
			slog.Error("rollback after failed create failed", "job_type", req.Type, "error", rbErr)
		}
		return nil, err
	}

	_ = e.cache.SetJobStatus(ctx, job.UserID, job.ID, models.JobStatusPending, jobStatusCacheTTL)
	e.audit.Record(models.AuditJobCreated, req.UserID, &job.ID, map[string]any{
		"type":       req.Type,
		"project_id": req.ProjectID,
		"metric":     metric,
		"amount":     amount,
	})

	go e.execute(job, reservation)

	return &StartResult{Job: job, Reused: false}, nil
}

// GetJob returns a job snapshot within the caller's scope.
func (e *Engine) GetJob(ctx context.Context, userID, jobID uuid.UUID) (*models.Job, error) {
	if userID == uuid.Nil {
		return nil, ErrUnauthorized
	}
	job, err := e.store.GetJob(ctx, jobID, userID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrJobNotFound
	}
	return job, err
}

// PollStatus serves a poll from the Redis status hot cache without touching
// Postgres. ok is false on a miss, a cache error, or a terminal status;
// terminal polls fall through to GetJob so the caller gets the full record
// with its result summary or error message.
func (e *Engine) PollStatus(ctx context.Context, userID, jobID uuid.UUID) (string, bool) {
	if userID == uuid.Nil {
		return "", false
	}
	status, ok, err := e.cache.GetJobStatus(ctx, userID, jobID)
	if err != nil {
		slog.Warn("job status cache read failed", "job_id", jobID, "error", err)
		return "", false
	}
	if !ok || status == models.JobStatusCompleted || status == models.JobStatusFailed {
		return "", false
	}
	return status, true
}

// execute drives one job through the state machine around the external
// invocation. It runs in its own goroutine, recovers panics, and always
// leaves the job in a terminal status. No lock is held across the provider
// call: the job is durably running before Invoke and transitions happen
// strictly after it returns.
func (e *Engine) execute(job *models.Job, reservation models.Reservation) {
	ctx := context.Background()

	defer func() {
		if r := recover(); r != nil {
			slog.Error("panic in job execution", "error", r, "job_id", job.ID)
			e.failJob(ctx, job, reservation, models.JobStatusRunning, fmt.Sprintf("panic: %v", r))
		}
	}()

	ok, err := e.store.TransitionJob(ctx, job.ID, models.JobStatusPending, models.JobStatusRunning,
		store.WithAttemptIncrement())
	if err != nil {
		// The job never started. Release the reservation and push the job
		// onto the dead-letter surface instead of leaving it stranded
		// pending with its quota held.
		slog.Error("transition to running failed", "job_id", job.ID, "error", err)
		e.failJob(ctx, job, reservation, models.JobStatusPending, fmt.Sprintf("start execution: %v", err))
		return
	}
	if !ok {
		// Someone else picked the job up or it is no longer pending.
		// Losing this race is benign; the winner owns the lifecycle.
		slog.Warn("job no longer pending, skipping execution", "job_id", job.ID)
		return
	}
	_ = e.cache.SetJobStatus(ctx, job.UserID, job.ID, models.JobStatusRunning, jobStatusCacheTTL)

	invokeCtx, cancel := context.WithTimeout(ctx, e.invocationTimeout)
	defer cancel()

	result, err := e.provider.Invoke(invokeCtx, models.InvocationRequest{
		JobType: job.Type,
		Payload: job.Payload,
	})
	if err != nil {
		e.failJob(ctx, job, reservation, models.JobStatusRunning, err.Error())
		return
	}

	ok, err = e.store.TransitionJob(ctx, job.ID, models.JobStatusRunning, models.JobStatusCompleted,
		store.WithResultSummary(result.Summary))
	if err != nil {
		slog.Error("transition to completed failed", "job_id", job.ID, "error", err)
		return
	}
	if !ok {
		slog.Error("invalid transition to completed", "job_id", job.ID,
			"error", &InvalidTransitionError{JobID: job.ID, From: models.JobStatusRunning, To: models.JobStatusCompleted})
		return
	}
	_ = e.cache.SetJobStatus(ctx, job.UserID, job.ID, models.JobStatusCompleted, jobStatusCacheTTL)
}

// failJob rolls back the quota reservation and marks the job failed from
// the given status. The rollback happens first so a reservation is never
// left dangling behind a failed job.
func (e *Engine) failJob(ctx context.Context, job *models.Job, reservation models.Reservation, from, msg string) {
	if err := e.ledger.Rollback(ctx, reservation); err != nil {
		slog.Error("quota rollback on failure failed", "job_id", job.ID, "error", err)
	}

	ok, err := e.store.TransitionJob(ctx, job.ID, from, models.JobStatusFailed,
		store.WithErrorMessage(msg))
	if err != nil {
		slog.Error("transition to failed failed", "job_id", job.ID, "error", err)
		return
	}
	if !ok {
		slog.Error("invalid transition to failed", "job_id", job.ID,
			"error", &InvalidTransitionError{JobID: job.ID, From: from, To: models.JobStatusFailed})
		return
	}
	_ = e.cache.SetJobStatus(ctx, job.UserID, job.ID, models.JobStatusFailed, jobStatusCacheTTL)
	e.audit.Record(models.AuditJobFailed, job.UserID, &job.ID, map[string]any{
		"type":  job.Type,
		"error": msg,
	})
}

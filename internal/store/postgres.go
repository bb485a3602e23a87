package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/exstacyagency/workflows/pkg/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const jobColumns = `id, user_id, project_id, run_id, type, status, idempotency_key, payload,
	 result_summary, error_message, current_step, dismissed, attempts, next_run_at, created_at, updated_at`

// PostgresStore implements the Store interface using pgx/v5.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// --- Users ---

func (s *PostgresStore) GetDefaultUser(ctx context.Context) (*models.User, error) {
	var u models.User
	err := s.pool.QueryRow(ctx,
		`SELECT id, email, created_at, updated_at FROM users WHERE email = 'default@workflows.local' LIMIT 1`,
	).Scan(&u.ID, &u.Email, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get default user: %w", err)
	}
	return &u, nil
}

// --- API Keys ---

func (s *PostgresStore) GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, name, key_hash, key_prefix, scopes, last_used_at, deleted_at, created_at, updated_at
		 FROM api_keys WHERE key_prefix = $1 AND deleted_at IS NULL`, prefix)
	if err != nil {
		return nil, fmt.Errorf("get api key by prefix: %w", err)
	}
	defer rows.Close()

	var keys []*models.APIKey
	for rows.Next() {
		var k models.APIKey
		if err := rows.Scan(&k.ID, &k.UserID, &k.Name, &k.KeyHash, &k.KeyPrefix, &k.Scopes,
			&k.LastUsedAt, &k.DeletedAt, &k.CreatedAt, &k.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		keys = append(keys, &k)
	}
	return keys, rows.Err()
}

func (s *PostgresStore) UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE api_keys SET last_used_at = NOW(), updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("update api key last used: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateAPIKey(ctx context.Context, key *models.APIKey) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO api_keys (id, user_id, name, key_hash, key_prefix, scopes, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		key.ID, key.UserID, key.Name, key.KeyHash, key.KeyPrefix, key.Scopes, key.CreatedAt, key.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create api key: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListAPIKeys(ctx context.Context, userID uuid.UUID) ([]*models.APIKey, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, name, key_hash, key_prefix, scopes, last_used_at, deleted_at, created_at, updated_at
		 FROM api_keys WHERE user_id = $1 AND deleted_at IS NULL ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	defer rows.Close()

	var keys []*models.APIKey
	for rows.Next() {
		var k models.APIKey
		if err := rows.Scan(&k.ID, &k.UserID, &k.Name, &k.KeyHash, &k.KeyPrefix, &k.Scopes,
			&k.LastUsedAt, &k.DeletedAt, &k.CreatedAt, &k.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		keys = append(keys, &k)
	}
	return keys, rows.Err()
}

func (s *PostgresStore) RevokeAPIKey(ctx context.Context, id uuid.UUID, userID uuid.UUID) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE api_keys SET deleted_at = NOW(), updated_at = NOW()
		 WHERE id = $1 AND user_id = $2 AND deleted_at IS NULL`, id, userID)
	if err != nil {
		return fmt.Errorf("revoke api key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Projects ---

func (s *PostgresStore) CreateProject(ctx context.Context, project *models.Project) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO projects (id, user_id, name, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		project.ID, project.UserID, project.Name, project.CreatedAt, project.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create project: %w", err)
	}
	return nil
}

func (s *PostgresStore) OwnsProject(ctx context.Context, userID, projectID uuid.UUID) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM projects WHERE id = $1 AND user_id = $2)`,
		projectID, userID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check project ownership: %w", err)
	}
	return exists, nil
}

// --- Subscriptions ---

func (s *PostgresStore) GetSubscription(ctx context.Context, userID uuid.UUID) (*models.Subscription, error) {
	var sub models.Subscription
	err := s.pool.QueryRow(ctx,
		`SELECT id, user_id, plan_id, status, current_period_end, created_at, updated_at
		 FROM subscriptions WHERE user_id = $1`, userID,
	).Scan(&sub.ID, &sub.UserID, &sub.PlanID, &sub.Status, &sub.CurrentPeriodEnd,
		&sub.CreatedAt, &sub.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get subscription: %w", err)
	}
	return &sub, nil
}

func (s *PostgresStore) UpsertSubscription(ctx context.Context, sub *models.Subscription) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO subscriptions (id, user_id, plan_id, status, current_period_end, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (user_id) DO UPDATE SET
		   plan_id = EXCLUDED.plan_id,
		   status = EXCLUDED.status,
		   current_period_end = EXCLUDED.current_period_end,
		   updated_at = NOW()`,
		sub.ID, sub.UserID, sub.PlanID, sub.Status, sub.CurrentPeriodEnd, sub.CreatedAt, sub.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert subscription: %w", err)
	}
	return nil
}

// --- Jobs ---

func (s *PostgresStore) CreateJob(ctx context.Context, job *models.Job) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO jobs (id, user_id, project_id, run_id, type, status, idempotency_key, payload,
		   dismissed, attempts, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		job.ID, job.UserID, job.ProjectID, job.RunID, job.Type, job.Status,
		job.IdempotencyKey, job.Payload, job.Dismissed, job.Attempts, job.CreatedAt, job.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create job: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetJob(ctx context.Context, id uuid.UUID, userID uuid.UUID) (*models.Job, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = $1 AND user_id = $2`, id, userID)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

func (s *PostgresStore) FindJobByIdempotencyKey(ctx context.Context, scope IdempotencyScope, key string) (*models.Job, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM jobs
		 WHERE user_id = $1 AND project_id = $2 AND type = $3 AND idempotency_key = $4`,
		scope.UserID, scope.ProjectID, scope.Type, key)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find job by idempotency key: %w", err)
	}
	return job, nil
}

func (s *PostgresStore) CountActiveJobs(ctx context.Context, userID uuid.UUID) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM jobs WHERE user_id = $1 AND status IN ('pending', 'running')`,
		userID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count active jobs: %w", err)
	}
	return count, nil
}

// TransitionJob performs a compare-and-swap on job status. The update only
// applies if the current status equals from; zero rows affected means the
// caller lost a race or requested an invalid edge, reported as false with
// no error. Accompanying fields are written in the same statement so a
// transition is never partially visible.
func (s *PostgresStore) TransitionJob(ctx context.Context, id uuid.UUID, from, to string, opts ...JobUpdateOption) (bool, error) {
	params := &JobUpdate{}
	for _, opt := range opts {
		opt(params)
	}

	query := `UPDATE jobs SET status = $3, updated_at = NOW()`
	args := []any{id, from, to}
	argIdx := 4

	if params.ErrorMessage != nil {
		query += fmt.Sprintf(", error_message = $%d", argIdx)
		args = append(args, *params.ErrorMessage)
		argIdx++
	}
	if params.ResultSummary != nil {
		query += fmt.Sprintf(", result_summary = $%d", argIdx)
		args = append(args, *params.ResultSummary)
		argIdx++
	}
	if params.CurrentStep != nil {
		query += fmt.Sprintf(", current_step = $%d", argIdx)
		args = append(args, *params.CurrentStep)
		argIdx++
	}
	if params.IncrAttempts {
		query += ", attempts = attempts + 1"
	}

	query += " WHERE id = $1 AND status = $2"

	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("transition job: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// RearmJob re-arms a job back to pending for the next pickup cycle. The
// edge is allowed only from failed, or from pending whose backoff timer
// has already elapsed. Clears the error and the dismissed flag and makes
// the job immediately runnable.
func (s *PostgresStore) RearmJob(ctx context.Context, id uuid.UUID) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET status = 'pending', error_message = NULL, dismissed = FALSE,
		   next_run_at = NOW(), updated_at = NOW()
		 WHERE id = $1 AND (status = 'failed'
		   OR (status = 'pending' AND next_run_at IS NOT NULL AND next_run_at <= NOW()))`,
		id)
	if err != nil {
		return false, fmt.Errorf("rearm job: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) ListFailedJobs(ctx context.Context, filter DeadLetterFilter) ([]*models.Job, error) {
	conditions := []string{"project_id = $1", "status = 'failed'"}
	if !filter.IncludeDismissed {
		conditions = append(conditions, "dismissed = FALSE")
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 20
	}

	query := fmt.Sprintf(
		`SELECT %s FROM jobs WHERE %s ORDER BY updated_at DESC LIMIT $2`,
		jobColumns, strings.Join(conditions, " AND "))

	rows, err := s.pool.Query(ctx, query, filter.ProjectID, limit)
	if err != nil {
		return nil, fmt.Errorf("list failed jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan failed job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func (s *PostgresStore) DismissFailedJob(ctx context.Context, id uuid.UUID) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET dismissed = TRUE, updated_at = NOW()
		 WHERE id = $1 AND status = 'failed' AND dismissed = FALSE`, id)
	if err != nil {
		return false, fmt.Errorf("dismiss failed job: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) ClearJobAttempts(ctx context.Context, id uuid.UUID) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET attempts = 0, next_run_at = NULL, updated_at = NOW()
		 WHERE id = $1 AND status = 'failed'`, id)
	if err != nil {
		return false, fmt.Errorf("clear job attempts: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) ListStaleRunningJobs(ctx context.Context, olderThan time.Time, limit int) ([]*models.Job, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+jobColumns+` FROM jobs
		 WHERE status = 'running' AND updated_at < $1
		 ORDER BY updated_at ASC LIMIT $2`, olderThan, limit)
	if err != nil {
		return nil, fmt.Errorf("list stale running jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan stale job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// --- Quota Records ---

// ReserveQuota atomically increments used for (user, period, metric) by
// amount, but only if the result stays within limit. A nil limit means the
// metric is unlimited for the plan; used is still tracked. Returns the new
// used value and whether the reservation fit. The upsert takes a row lock,
// so two concurrent reservations for the same tuple serialize and never
// both succeed when only one fits.
func (s *PostgresStore) ReserveQuota(ctx context.Context, userID uuid.UUID, periodKey, metric string, amount int, limit *int) (int, bool, error) {
	if amount <= 0 {
		return 0, false, fmt.Errorf("reserve quota: amount must be positive, got %d", amount)
	}

	if limit == nil {
		var used int
		err := s.pool.QueryRow(ctx,
			`INSERT INTO quota_records (user_id, period_key, metric, used)
			 VALUES ($1, $2, $3, $4)
			 ON CONFLICT (user_id, period_key, metric) DO UPDATE
			   SET used = quota_records.used + EXCLUDED.used, updated_at = NOW()
			 RETURNING used`,
			userID, periodKey, metric, amount).Scan(&used)
		if err != nil {
			return 0, false, fmt.Errorf("reserve quota: %w", err)
		}
		return used, true, nil
	}

	if amount > *limit {
		used, err := s.GetQuotaUsed(ctx, userID, periodKey, metric)
		if err != nil {
			return 0, false, err
		}
		return used, false, nil
	}

	var used int
	err := s.pool.QueryRow(ctx,
		`INSERT INTO quota_records (user_id, period_key, metric, used)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (user_id, period_key, metric) DO UPDATE
		   SET used = quota_records.used + EXCLUDED.used, updated_at = NOW()
		   WHERE quota_records.used + EXCLUDED.used <= $5
		 RETURNING used`,
		userID, periodKey, metric, amount, *limit).Scan(&used)
	if errors.Is(err, pgx.ErrNoRows) {
		// The conditional upsert matched nothing: over the limit.
		current, gerr := s.GetQuotaUsed(ctx, userID, periodKey, metric)
		if gerr != nil {
			return 0, false, gerr
		}
		return current, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("reserve quota: %w", err)
	}
	return used, true, nil
}

// RollbackQuota decrements used by amount, clamped at zero. Returns the
// new used value and whether clamping occurred; callers log a clamp as an
// anomaly rather than ignoring it. A rollback against a missing row is
// reported as clamped with used zero.
func (s *PostgresStore) RollbackQuota(ctx context.Context, userID uuid.UUID, periodKey, metric string, amount int) (int, bool, error) {
	if amount <= 0 {
		return 0, false, fmt.Errorf("rollback quota: amount must be positive, got %d", amount)
	}

	var used, prev int
	err := s.pool.QueryRow(ctx,
		`UPDATE quota_records q
		 SET used = GREATEST(q.used - $4, 0), updated_at = NOW()
		 FROM (SELECT used FROM quota_records
		       WHERE user_id = $1 AND period_key = $2 AND metric = $3
		       FOR UPDATE) prev
		 WHERE q.user_id = $1 AND q.period_key = $2 AND q.metric = $3
		 RETURNING q.used, prev.used`,
		userID, periodKey, metric, amount).Scan(&used, &prev)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, true, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("rollback quota: %w", err)
	}
	return used, prev < amount, nil
}

func (s *PostgresStore) GetQuotaUsed(ctx context.Context, userID uuid.UUID, periodKey, metric string) (int, error) {
	var used int
	err := s.pool.QueryRow(ctx,
		`SELECT used FROM quota_records WHERE user_id = $1 AND period_key = $2 AND metric = $3`,
		userID, periodKey, metric).Scan(&used)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get quota used: %w", err)
	}
	return used, nil
}

// --- Audit Events ---

func (s *PostgresStore) CreateAuditEvent(ctx context.Context, event *models.AuditEvent) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO audit_events (id, user_id, job_id, event, fields, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		event.ID, event.UserID, event.JobID, event.Event, event.Fields, event.CreatedAt)
	if err != nil {
		return fmt.Errorf("create audit event: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*models.Job, error) {
	var j models.Job
	err := row.Scan(&j.ID, &j.UserID, &j.ProjectID, &j.RunID, &j.Type, &j.Status,
		&j.IdempotencyKey, &j.Payload, &j.ResultSummary, &j.ErrorMessage, &j.CurrentStep,
		&j.Dismissed, &j.Attempts, &j.NextRunAt, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &j, nil
}

// isDuplicateKeyError checks if a pgx error is a unique constraint violation.
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" // unique_violation
	}
	return false
}

package engine_test

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/exstacyagency/workflows/internal/cache"
	"github.com/exstacyagency/workflows/internal/store"
	"github.com/exstacyagency/workflows/pkg/models"
)

// mockStore is an in-memory store.Store with the same conditional-update
// semantics as the Postgres implementation: status transitions are CAS,
// quota reserves are checked against the limit atomically, and zero-row
// updates report false without error.
type mockStore struct {
	mu sync.Mutex

	jobs     map[uuid.UUID]*models.Job
	projects map[uuid.UUID]uuid.UUID // projectID -> owner userID
	subs     map[uuid.UUID]*models.Subscription
	quotas   map[string]int // "userID|periodKey|metric" -> used
	events   []*models.AuditEvent

	// Error injection, one per method that tests need to break.
	reserveErr    error
	createJobErr  error
	countErr      error
	listFailedErr error

	// createJobHook runs under the lock before the insert; a non-nil
	// return aborts the insert with that error. Used to stage races.
	createJobHook func(*models.Job) error

	// transitionHook runs under the lock before a status transition; a
	// non-nil return aborts the update with that error.
	transitionHook func(id uuid.UUID, from, to string) error
}

func newMockStore() *mockStore {
	return &mockStore{
		jobs:     make(map[uuid.UUID]*models.Job),
		projects: make(map[uuid.UUID]uuid.UUID),
		subs:     make(map[uuid.UUID]*models.Subscription),
		quotas:   make(map[string]int),
	}
}

func quotaKey(userID uuid.UUID, periodKey, metric string) string {
	return fmt.Sprintf("%s|%s|%s", userID, periodKey, metric)
}

func cloneJob(j *models.Job) *models.Job {
	c := *j
	return &c
}

func (m *mockStore) addProject(userID uuid.UUID) uuid.UUID {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := uuid.New()
	m.projects[id] = userID
	return id
}

func (m *mockStore) addSubscription(userID uuid.UUID, planID, status string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs[userID] = &models.Subscription{
		ID:     uuid.New(),
		UserID: userID,
		PlanID: planID,
		Status: status,
	}
}

func (m *mockStore) addJob(j *models.Job) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if j.ID == uuid.Nil {
		j.ID = uuid.New()
	}
	m.jobs[j.ID] = cloneJob(j)
}

func (m *mockStore) jobSnapshot(id uuid.UUID) *models.Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil
	}
	return cloneJob(j)
}

func (m *mockStore) quotaUsed(userID uuid.UUID, periodKey, metric string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.quotas[quotaKey(userID, periodKey, metric)]
}

func (m *mockStore) auditEvents() []*models.AuditEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*models.AuditEvent, len(m.events))
	copy(out, m.events)
	return out
}

func (m *mockStore) Ping(ctx context.Context) error { return nil }

func (m *mockStore) GetDefaultUser(ctx context.Context) (*models.User, error) {
	return nil, store.ErrNotFound
}

func (m *mockStore) GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error) {
	return nil, nil
}

func (m *mockStore) UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error { return nil }

func (m *mockStore) CreateAPIKey(ctx context.Context, key *models.APIKey) error { return nil }

func (m *mockStore) ListAPIKeys(ctx context.Context, userID uuid.UUID) ([]*models.APIKey, error) {
	return nil, nil
}

func (m *mockStore) RevokeAPIKey(ctx context.Context, id uuid.UUID, userID uuid.UUID) error {
	return nil
}

func (m *mockStore) CreateProject(ctx context.Context, project *models.Project) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.projects[project.ID] = project.UserID
	return nil
}

func (m *mockStore) OwnsProject(ctx context.Context, userID, projectID uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	owner, ok := m.projects[projectID]
	return ok && owner == userID, nil
}

func (m *mockStore) GetSubscription(ctx context.Context, userID uuid.UUID) (*models.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.subs[userID]
	if !ok {
		return nil, store.ErrNotFound
	}
	c := *sub
	return &c, nil
}

func (m *mockStore) UpsertSubscription(ctx context.Context, sub *models.Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *sub
	m.subs[sub.UserID] = &c
	return nil
}

func (m *mockStore) CreateJob(ctx context.Context, job *models.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createJobErr != nil {
		return m.createJobErr
	}
	if m.createJobHook != nil {
		if err := m.createJobHook(job); err != nil {
			return err
		}
	}
	for _, existing := range m.jobs {
		if existing.UserID == job.UserID && existing.ProjectID == job.ProjectID &&
			existing.Type == job.Type && existing.IdempotencyKey == job.IdempotencyKey {
			return store.ErrDuplicateKey
		}
	}
	m.jobs[job.ID] = cloneJob(job)
	return nil
}

func (m *mockStore) GetJob(ctx context.Context, id uuid.UUID, userID uuid.UUID) (*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok || j.UserID != userID {
		return nil, store.ErrNotFound
	}
	return cloneJob(j), nil
}

func (m *mockStore) FindJobByIdempotencyKey(ctx context.Context, scope store.IdempotencyScope, key string) (*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, j := range m.jobs {
		if j.UserID == scope.UserID && j.ProjectID == scope.ProjectID &&
			j.Type == scope.Type && j.IdempotencyKey == key {
			return cloneJob(j), nil
		}
	}
	return nil, store.ErrNotFound
}

func (m *mockStore) CountActiveJobs(ctx context.Context, userID uuid.UUID) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.countErr != nil {
		return 0, m.countErr
	}
	count := 0
	for _, j := range m.jobs {
		if j.UserID == userID && (j.Status == models.JobStatusPending || j.Status == models.JobStatusRunning) {
			count++
		}
	}
	return count, nil
}

func (m *mockStore) TransitionJob(ctx context.Context, id uuid.UUID, from, to string, opts ...store.JobUpdateOption) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.transitionHook != nil {
		if err := m.transitionHook(id, from, to); err != nil {
			return false, err
		}
	}
	j, ok := m.jobs[id]
	if !ok || j.Status != from {
		return false, nil
	}
	j.Status = to
	j.UpdatedAt = time.Now().UTC()
	applyJobOptions(j, opts)
	return true, nil
}

func (m *mockStore) RearmJob(ctx context.Context, id uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return false, nil
	}
	now := time.Now().UTC()
	retryable := j.Status == models.JobStatusFailed ||
		(j.Status == models.JobStatusPending && j.NextRunAt != nil && !j.NextRunAt.After(now))
	if !retryable {
		return false, nil
	}
	j.Status = models.JobStatusPending
	j.ErrorMessage = nil
	j.Dismissed = false
	j.NextRunAt = &now
	j.UpdatedAt = now
	return true, nil
}

func (m *mockStore) ListFailedJobs(ctx context.Context, filter store.DeadLetterFilter) ([]*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listFailedErr != nil {
		return nil, m.listFailedErr
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 20
	}
	var out []*models.Job
	for _, j := range m.jobs {
		if len(out) >= limit {
			break
		}
		if j.ProjectID != filter.ProjectID || j.Status != models.JobStatusFailed {
			continue
		}
		if !filter.IncludeDismissed && j.Dismissed {
			continue
		}
		out = append(out, cloneJob(j))
	}
	return out, nil
}

func (m *mockStore) DismissFailedJob(ctx context.Context, id uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok || j.Status != models.JobStatusFailed || j.Dismissed {
		return false, nil
	}
	j.Dismissed = true
	j.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (m *mockStore) ClearJobAttempts(ctx context.Context, id uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok || j.Status != models.JobStatusFailed {
		return false, nil
	}
	j.Attempts = 0
	j.NextRunAt = nil
	j.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (m *mockStore) ListStaleRunningJobs(ctx context.Context, olderThan time.Time, limit int) ([]*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit <= 0 {
		limit = 100
	}
	var out []*models.Job
	for _, j := range m.jobs {
		if len(out) >= limit {
			break
		}
		if j.Status == models.JobStatusRunning && j.UpdatedAt.Before(olderThan) {
			out = append(out, cloneJob(j))
		}
	}
	return out, nil
}

func (m *mockStore) ReserveQuota(ctx context.Context, userID uuid.UUID, periodKey, metric string, amount int, limit *int) (int, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.reserveErr != nil {
		return 0, false, m.reserveErr
	}
	if amount <= 0 {
		return 0, false, fmt.Errorf("reserve quota: amount must be positive, got %d", amount)
	}
	key := quotaKey(userID, periodKey, metric)
	used := m.quotas[key]
	if limit != nil && used+amount > *limit {
		return used, false, nil
	}
	m.quotas[key] = used + amount
	return m.quotas[key], true, nil
}

func (m *mockStore) RollbackQuota(ctx context.Context, userID uuid.UUID, periodKey, metric string, amount int) (int, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if amount <= 0 {
		return 0, false, fmt.Errorf("rollback quota: amount must be positive, got %d", amount)
	}
	key := quotaKey(userID, periodKey, metric)
	used, ok := m.quotas[key]
	if !ok {
		return 0, true, nil
	}
	next := used - amount
	clamped := next < 0
	if clamped {
		next = 0
	}
	m.quotas[key] = next
	return next, clamped, nil
}

func (m *mockStore) GetQuotaUsed(ctx context.Context, userID uuid.UUID, periodKey, metric string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.quotas[quotaKey(userID, periodKey, metric)], nil
}

func (m *mockStore) CreateAuditEvent(ctx context.Context, event *models.AuditEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *event
	m.events = append(m.events, &c)
	return nil
}

func applyJobOptions(j *models.Job, opts []store.JobUpdateOption) {
	var u store.JobUpdate
	for _, opt := range opts {
		opt(&u)
	}
	if u.ErrorMessage != nil {
		j.ErrorMessage = u.ErrorMessage
	}
	if u.ResultSummary != nil {
		j.ResultSummary = u.ResultSummary
	}
	if u.CurrentStep != nil {
		j.CurrentStep = u.CurrentStep
	}
	if u.IncrAttempts {
		j.Attempts++
	}
}

var _ store.Store = (*mockStore)(nil)

// mockCache is an in-memory cache.Cache with per-key counters for the rate
// limiter and optional error injection to exercise fail-open paths. Job
// statuses are keyed by the same owner-scoped key the Redis cache uses.
type mockCache struct {
	mu       sync.Mutex
	values   map[string][]byte
	statuses map[string]string
	counters map[string]int64

	incrErr error
}

func newMockCache() *mockCache {
	return &mockCache{
		values:   make(map[string][]byte),
		statuses: make(map[string]string),
		counters: make(map[string]int64),
	}
}

func (c *mockCache) jobStatus(userID, jobID uuid.UUID) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.statuses[cache.JobStatusKey(userID, jobID)]
	return s, ok
}

func (c *mockCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values[key] = value
	return nil
}

func (c *mockCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.values[key]
	return v, ok, nil
}

func (c *mockCache) Delete(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.values, key)
	return nil
}

func (c *mockCache) Ping(ctx context.Context) error { return nil }

func (c *mockCache) SetJobStatus(ctx context.Context, userID, jobID uuid.UUID, status string, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.statuses[cache.JobStatusKey(userID, jobID)] = status
	return nil
}

func (c *mockCache) GetJobStatus(ctx context.Context, userID, jobID uuid.UUID) (string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.statuses[cache.JobStatusKey(userID, jobID)]
	return s, ok, nil
}

func (c *mockCache) IncrWithExpiry(ctx context.Context, key string, expiry time.Duration) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.incrErr != nil {
		return 0, c.incrErr
	}
	c.counters[key]++
	return c.counters[key], nil
}

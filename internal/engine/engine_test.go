package engine_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/exstacyagency/workflows/internal/audit"
	"github.com/exstacyagency/workflows/internal/engine"
	"github.com/exstacyagency/workflows/internal/pipeline/mock"
	"github.com/exstacyagency/workflows/internal/store"
	"github.com/exstacyagency/workflows/pkg/models"
)

const (
	waitFor = 2 * time.Second
	tick    = 10 * time.Millisecond
)

type testEnv struct {
	store  *mockStore
	cache  *mockCache
	eng    *engine.Engine
	userID uuid.UUID
	projID uuid.UUID
}

func newTestEnv(t *testing.T, provider models.PipelineProvider, opts engine.Options) *testEnv {
	t.Helper()
	ms := newMockStore()
	mc := newMockCache()
	userID := uuid.New()
	return &testEnv{
		store:  ms,
		cache:  mc,
		eng:    engine.New(ms, mc, provider, audit.NewRecorder(ms), opts),
		userID: userID,
		projID: ms.addProject(userID),
	}
}

func researchRequest(env *testEnv) engine.StartRequest {
	return engine.StartRequest{
		UserID:    env.userID,
		ProjectID: env.projID,
		Type:      models.JobTypeResearchCollection,
		Payload:   json.RawMessage(`{"query":"coffee gadgets"}`),
	}
}

func waitForStatus(t *testing.T, ms *mockStore, jobID uuid.UUID, status string) *models.Job {
	t.Helper()
	require.Eventually(t, func() bool {
		j := ms.jobSnapshot(jobID)
		return j != nil && j.Status == status
	}, waitFor, tick, "job %s never reached %s", jobID, status)
	return ms.jobSnapshot(jobID)
}

func TestStartJob_SuccessfulLifecycle(t *testing.T) {
	env := newTestEnv(t, mock.NewProvider(), engine.Options{})

	result, err := env.eng.StartJob(context.Background(), researchRequest(env))
	require.NoError(t, err)
	require.NotNil(t, result.Job)
	assert.False(t, result.Reused)
	assert.Equal(t, models.JobStatusPending, result.Job.Status)
	assert.NotEmpty(t, result.Job.IdempotencyKey)

	job := waitForStatus(t, env.store, result.Job.ID, models.JobStatusCompleted)
	assert.Equal(t, 1, job.Attempts)
	require.NotNil(t, job.ResultSummary)
	assert.Contains(t, *job.ResultSummary, "research_collection")

	// Quota stays consumed on success; the reserve was the commit.
	periodKey := engine.PeriodKey(time.Now())
	assert.Equal(t, 1, env.store.quotaUsed(env.userID, periodKey, models.MetricResearchQueries))

	// Status cache follows the state machine to its terminal value.
	status, ok, err := env.cache.GetJobStatus(context.Background(), env.userID, job.ID)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, models.JobStatusCompleted, status)
}

func TestStartJob_DuplicateRequestReusesJob(t *testing.T) {
	env := newTestEnv(t, mock.NewProvider(), engine.Options{})
	ctx := context.Background()

	first, err := env.eng.StartJob(ctx, researchRequest(env))
	require.NoError(t, err)

	second, err := env.eng.StartJob(ctx, researchRequest(env))
	require.NoError(t, err)
	assert.True(t, second.Reused)
	assert.Equal(t, first.Job.ID, second.Job.ID)

	// The duplicate reserved nothing.
	periodKey := engine.PeriodKey(time.Now())
	assert.Equal(t, 1, env.store.quotaUsed(env.userID, periodKey, models.MetricResearchQueries))
}

func TestStartJob_AttemptKeyForcesNewJob(t *testing.T) {
	env := newTestEnv(t, mock.NewProvider(), engine.Options{})
	ctx := context.Background()

	first, err := env.eng.StartJob(ctx, researchRequest(env))
	require.NoError(t, err)

	req := researchRequest(env)
	req.AttemptKey = "attempt-2"
	second, err := env.eng.StartJob(ctx, req)
	require.NoError(t, err)
	assert.False(t, second.Reused)
	assert.NotEqual(t, first.Job.ID, second.Job.ID)
}

func TestStartJob_EquivalentPayloadsShareFingerprint(t *testing.T) {
	env := newTestEnv(t, mock.NewProvider(), engine.Options{})
	ctx := context.Background()

	first, err := env.eng.StartJob(ctx, researchRequest(env))
	require.NoError(t, err)

	// Unknown fields and formatting differences canonicalize away.
	req := researchRequest(env)
	req.Payload = json.RawMessage(`{ "query": "coffee gadgets", "client_request_id": "abc" }`)
	second, err := env.eng.StartJob(ctx, req)
	require.NoError(t, err)
	assert.True(t, second.Reused)
	assert.Equal(t, first.Job.ID, second.Job.ID)
}

func TestStartJob_Unauthorized(t *testing.T) {
	env := newTestEnv(t, mock.NewProvider(), engine.Options{})

	req := researchRequest(env)
	req.UserID = uuid.Nil
	_, err := env.eng.StartJob(context.Background(), req)
	assert.ErrorIs(t, err, engine.ErrUnauthorized)
}

func TestStartJob_UnknownType(t *testing.T) {
	env := newTestEnv(t, mock.NewProvider(), engine.Options{})

	req := researchRequest(env)
	req.Type = "mystery"
	_, err := env.eng.StartJob(context.Background(), req)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown job type")
}

func TestStartJob_InvalidPayload(t *testing.T) {
	env := newTestEnv(t, mock.NewProvider(), engine.Options{})

	req := researchRequest(env)
	req.Payload = json.RawMessage(`{"query":""}`)
	_, err := env.eng.StartJob(context.Background(), req)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "query is required")
}

func TestStartJob_UnownedProjectIsNotFound(t *testing.T) {
	env := newTestEnv(t, mock.NewProvider(), engine.Options{})
	otherProject := env.store.addProject(uuid.New())

	req := researchRequest(env)
	req.ProjectID = otherProject
	_, err := env.eng.StartJob(context.Background(), req)
	assert.ErrorIs(t, err, engine.ErrProjectNotFound)
}

func TestStartJob_OwnershipCheckedBeforePlanGate(t *testing.T) {
	// A FREE user poking at someone else's project with a video request
	// sees "not found", not "upgrade required": ownership wins.
	env := newTestEnv(t, mock.NewProvider(), engine.Options{})
	otherProject := env.store.addProject(uuid.New())

	req := engine.StartRequest{
		UserID:    env.userID,
		ProjectID: otherProject,
		Type:      models.JobTypeVideoGeneration,
		Payload:   json.RawMessage(`{"storyboard_id":"sb-1","scene_index":0}`),
	}
	_, err := env.eng.StartJob(context.Background(), req)
	assert.ErrorIs(t, err, engine.ErrProjectNotFound)
}

func TestStartJob_VideoRequiresGrowthPlan(t *testing.T) {
	env := newTestEnv(t, mock.NewProvider(), engine.Options{})

	req := engine.StartRequest{
		UserID:    env.userID,
		ProjectID: env.projID,
		Type:      models.JobTypeVideoGeneration,
		Payload:   json.RawMessage(`{"storyboard_id":"sb-1","scene_index":0}`),
	}
	_, err := env.eng.StartJob(context.Background(), req)

	var upgradeErr *engine.UpgradeRequiredError
	require.ErrorAs(t, err, &upgradeErr)
	assert.Equal(t, models.PlanGrowth, upgradeErr.RequiredPlan)

	// With an active GROWTH subscription the same request is admitted.
	env.store.addSubscription(env.userID, models.PlanGrowth, models.SubscriptionStatusActive)
	result, err := env.eng.StartJob(context.Background(), req)
	require.NoError(t, err)
	waitForStatus(t, env.store, result.Job.ID, models.JobStatusCompleted)
}

func TestStartJob_ConcurrencyCeiling(t *testing.T) {
	env := newTestEnv(t, mock.NewBlockingProvider(), engine.Options{
		MaxActiveJobsPerUser: 2,
		InvocationTimeout:    time.Hour,
	})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		req := researchRequest(env)
		req.AttemptKey = uuid.NewString()
		_, err := env.eng.StartJob(ctx, req)
		require.NoError(t, err)
	}

	req := researchRequest(env)
	req.AttemptKey = uuid.NewString()
	_, err := env.eng.StartJob(ctx, req)

	var concErr *engine.ConcurrencyExceededError
	require.ErrorAs(t, err, &concErr)
	assert.Equal(t, 2, concErr.Active)
	assert.Equal(t, 2, concErr.Ceiling)
}

func TestStartJob_QuotaExceeded(t *testing.T) {
	env := newTestEnv(t, mock.NewProvider(), engine.Options{MaxActiveJobsPerUser: 100})
	ctx := context.Background()

	// FREE allows 10 research queries per period.
	for i := 0; i < 10; i++ {
		req := researchRequest(env)
		req.AttemptKey = uuid.NewString()
		_, err := env.eng.StartJob(ctx, req)
		require.NoError(t, err)
	}

	req := researchRequest(env)
	req.AttemptKey = uuid.NewString()
	_, err := env.eng.StartJob(ctx, req)

	var quotaErr *engine.QuotaExceededError
	require.ErrorAs(t, err, &quotaErr)
	assert.Equal(t, models.MetricResearchQueries, quotaErr.Metric)
	assert.Equal(t, 10, quotaErr.Limit)
}

func TestStartJob_ImageFramesReserveMultipleUnits(t *testing.T) {
	env := newTestEnv(t, mock.NewProvider(), engine.Options{})

	req := engine.StartRequest{
		UserID:    env.userID,
		ProjectID: env.projID,
		Type:      models.JobTypeImageGeneration,
		Payload:   json.RawMessage(`{"storyboard_id":"sb-1","scene_index":0,"frames":3}`),
	}
	result, err := env.eng.StartJob(context.Background(), req)
	require.NoError(t, err)
	waitForStatus(t, env.store, result.Job.ID, models.JobStatusCompleted)

	periodKey := engine.PeriodKey(time.Now())
	assert.Equal(t, 3, env.store.quotaUsed(env.userID, periodKey, models.MetricImageJobs))
}

func TestStartJob_FailureRollsBackQuota(t *testing.T) {
	env := newTestEnv(t, mock.NewFailingProvider(errors.New("upstream timeout")), engine.Options{})

	result, err := env.eng.StartJob(context.Background(), researchRequest(env))
	require.NoError(t, err)

	job := waitForStatus(t, env.store, result.Job.ID, models.JobStatusFailed)
	require.NotNil(t, job.ErrorMessage)
	assert.Equal(t, "upstream timeout", *job.ErrorMessage)
	assert.Equal(t, 1, job.Attempts)

	// The reservation was released before the job went failed.
	periodKey := engine.PeriodKey(time.Now())
	assert.Equal(t, 0, env.store.quotaUsed(env.userID, periodKey, models.MetricResearchQueries))

	// The failure lands in the audit trail.
	require.Eventually(t, func() bool {
		for _, ev := range env.store.auditEvents() {
			if ev.Event == models.AuditJobFailed {
				return true
			}
		}
		return false
	}, waitFor, tick)
}

func TestStartJob_PanicInProviderFailsJob(t *testing.T) {
	provider := &mock.MockProvider{
		Name_: "panicking",
		InvokeFunc: func(context.Context, models.InvocationRequest) (models.InvocationResult, error) {
			panic("boom")
		},
	}
	env := newTestEnv(t, provider, engine.Options{})

	result, err := env.eng.StartJob(context.Background(), researchRequest(env))
	require.NoError(t, err)

	job := waitForStatus(t, env.store, result.Job.ID, models.JobStatusFailed)
	require.NotNil(t, job.ErrorMessage)
	assert.Contains(t, *job.ErrorMessage, "panic: boom")
}

func TestStartJob_InsertRaceReturnsWinner(t *testing.T) {
	env := newTestEnv(t, mock.NewProvider(), engine.Options{})
	ctx := context.Background()

	// Stage a lost insert race: the first CreateJob call plants a winner
	// row with the same fingerprint and reports a duplicate key.
	var winnerID uuid.UUID
	staged := false
	env.store.createJobHook = func(job *models.Job) error {
		if staged {
			return nil
		}
		staged = true
		winner := cloneJob(job)
		winner.ID = uuid.New()
		winnerID = winner.ID
		env.store.jobs[winner.ID] = winner
		return store.ErrDuplicateKey
	}

	result, err := env.eng.StartJob(ctx, researchRequest(env))
	require.NoError(t, err)
	assert.True(t, result.Reused)
	assert.Equal(t, winnerID, result.Job.ID)

	// The loser's reservation was rolled back; only the winner's own
	// accounting (none, in this staged race) remains.
	periodKey := engine.PeriodKey(time.Now())
	assert.Equal(t, 0, env.store.quotaUsed(env.userID, periodKey, models.MetricResearchQueries))
}

func TestStartJob_StoreErrorsSurfaceWrapped(t *testing.T) {
	ctx := context.Background()

	t.Run("active job count fails", func(t *testing.T) {
		env := newTestEnv(t, mock.NewProvider(), engine.Options{})
		env.store.countErr = errors.New("connection refused")

		_, err := env.eng.StartJob(ctx, researchRequest(env))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "count active jobs")
	})

	t.Run("quota reserve fails", func(t *testing.T) {
		env := newTestEnv(t, mock.NewProvider(), engine.Options{})
		env.store.reserveErr = errors.New("connection refused")

		_, err := env.eng.StartJob(ctx, researchRequest(env))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "reserve researchQueries")
	})
}

func TestStartJob_CreateFailureReleasesReservation(t *testing.T) {
	env := newTestEnv(t, mock.NewProvider(), engine.Options{})
	env.store.createJobErr = errors.New("connection refused")

	_, err := env.eng.StartJob(context.Background(), researchRequest(env))
	require.Error(t, err)

	periodKey := engine.PeriodKey(time.Now())
	assert.Equal(t, 0, env.store.quotaUsed(env.userID, periodKey, models.MetricResearchQueries))
}

func TestStartJob_TransitionErrorReleasesReservationAndFailsJob(t *testing.T) {
	env := newTestEnv(t, mock.NewProvider(), engine.Options{})
	env.store.transitionHook = func(_ uuid.UUID, _, to string) error {
		if to == models.JobStatusRunning {
			return errors.New("connection reset by peer")
		}
		return nil
	}

	result, err := env.eng.StartJob(context.Background(), researchRequest(env))
	require.NoError(t, err)

	job := waitForStatus(t, env.store, result.Job.ID, models.JobStatusFailed)
	require.NotNil(t, job.ErrorMessage)
	assert.Contains(t, *job.ErrorMessage, "start execution")
	assert.Contains(t, *job.ErrorMessage, "connection reset by peer")

	// The reservation is released, and the job is recoverable through the
	// dead-letter surface like any other failure.
	periodKey := engine.PeriodKey(time.Now())
	assert.Equal(t, 0, env.store.quotaUsed(env.userID, periodKey, models.MetricResearchQueries))

	ok, err := env.store.RearmJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestPollStatus_InFlightServedFromCache(t *testing.T) {
	env := newTestEnv(t, mock.NewBlockingProvider(), engine.Options{InvocationTimeout: time.Hour})
	ctx := context.Background()

	result, err := env.eng.StartJob(ctx, researchRequest(env))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		s, ok := env.cache.jobStatus(env.userID, result.Job.ID)
		return ok && s == models.JobStatusRunning
	}, waitFor, tick)

	// Drop the row to prove the poll never reaches the store.
	env.store.mu.Lock()
	delete(env.store.jobs, result.Job.ID)
	env.store.mu.Unlock()

	status, ok := env.eng.PollStatus(ctx, env.userID, result.Job.ID)
	assert.True(t, ok)
	assert.Equal(t, models.JobStatusRunning, status)

	// Another user's poll misses: the owner is part of the cache key.
	_, ok = env.eng.PollStatus(ctx, uuid.New(), result.Job.ID)
	assert.False(t, ok)
}

func TestPollStatus_TerminalFallsThrough(t *testing.T) {
	env := newTestEnv(t, mock.NewProvider(), engine.Options{})
	ctx := context.Background()

	result, err := env.eng.StartJob(ctx, researchRequest(env))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		s, ok := env.cache.jobStatus(env.userID, result.Job.ID)
		return ok && s == models.JobStatusCompleted
	}, waitFor, tick)

	// Terminal statuses are never served slim; the caller needs the full
	// record with its result summary.
	_, ok := env.eng.PollStatus(ctx, env.userID, result.Job.ID)
	assert.False(t, ok)
}

func TestGetJob_ScopedToOwner(t *testing.T) {
	env := newTestEnv(t, mock.NewProvider(), engine.Options{})

	result, err := env.eng.StartJob(context.Background(), researchRequest(env))
	require.NoError(t, err)

	job, err := env.eng.GetJob(context.Background(), env.userID, result.Job.ID)
	require.NoError(t, err)
	assert.Equal(t, result.Job.ID, job.ID)

	_, err = env.eng.GetJob(context.Background(), uuid.New(), result.Job.ID)
	assert.ErrorIs(t, err, engine.ErrJobNotFound)

	_, err = env.eng.GetJob(context.Background(), uuid.Nil, result.Job.ID)
	assert.ErrorIs(t, err, engine.ErrUnauthorized)
}

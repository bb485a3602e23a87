// Package engine implements the job orchestration and admission-control
// core: plan gating, concurrency bounding, idempotent job creation, quota
// metering, the job status state machine, and dead-letter remediation.
package engine

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ErrUnauthorized means no identity was resolved for the caller. No job is
// ever created for an unauthorized request.
var ErrUnauthorized = errors.New("unauthorized")

// ErrProjectNotFound covers both "does not exist" and "not owned by the
// caller". The two are deliberately indistinguishable from outside so a
// caller cannot probe for the existence of other users' projects.
var ErrProjectNotFound = errors.New("project not found")

// ErrJobNotFound is returned when a job id does not resolve within the
// caller's scope.
var ErrJobNotFound = errors.New("job not found")

// UpgradeRequiredError means the caller's plan tier is below the minimum
// for the requested operation. RequiredPlan lets the caller render a
// precise upgrade prompt.
type UpgradeRequiredError struct {
	RequiredPlan string
}

func (e *UpgradeRequiredError) Error() string {
	return fmt.Sprintf("plan upgrade required: operation needs at least %s", e.RequiredPlan)
}

// QuotaExceededError means a reservation did not fit under the plan limit.
// No state was mutated.
type QuotaExceededError struct {
	Metric string
	Limit  int
	Used   int
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("quota exceeded for %s: %d/%d used", e.Metric, e.Used, e.Limit)
}

// ConcurrencyExceededError means the caller already has the maximum number
// of active jobs. Recoverable once one of them reaches a terminal status.
type ConcurrencyExceededError struct {
	Active  int
	Ceiling int
}

func (e *ConcurrencyExceededError) Error() string {
	return fmt.Sprintf("too many active jobs: %d/%d", e.Active, e.Ceiling)
}

// InvalidTransitionError reports a state-machine edge that is not allowed,
// including re-arm attempts on jobs that are not in a retryable status.
// Always logged, never silently swallowed.
type InvalidTransitionError struct {
	JobID uuid.UUID
	From  string
	To    string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid job status transition: %s -> %s (job %s)", e.From, e.To, e.JobID)
}

// RateLimitedError means a per-user admission budget was exhausted.
type RateLimitedError struct {
	Reason string
}

func (e *RateLimitedError) Error() string {
	return e.Reason
}

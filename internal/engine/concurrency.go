package engine

import (
	"context"
	"fmt"

	"github.com/exstacyagency/workflows/internal/store"
	"github.com/google/uuid"
)

// ConcurrencyGuard bounds simultaneously active (pending or running) jobs
// per user. The count is computed fresh on every check and never cached
// across requests. This is a point-in-time check, not a lock: two racing
// admissions can both pass, bounded by one extra concurrent job, which is
// acceptable over-admission rather than a correctness violation.
type ConcurrencyGuard struct {
	store   store.Store
	ceiling int
	// sweepMode bypasses the guard entirely; sweep deployments perform no
	// real external work.
	sweepMode bool
}

func NewConcurrencyGuard(s store.Store, ceiling int, sweepMode bool) *ConcurrencyGuard {
	return &ConcurrencyGuard{store: s, ceiling: ceiling, sweepMode: sweepMode}
}

// Enforce rejects the admission with ConcurrencyExceededError when the
// user is at or above the ceiling.
func (g *ConcurrencyGuard) Enforce(ctx context.Context, userID uuid.UUID) error {
	if g.sweepMode {
		return nil
	}

	active, err := g.store.CountActiveJobs(ctx, userID)
	if err != nil {
		return fmt.Errorf("count active jobs: %w", err)
	}
	if active >= g.ceiling {
		return &ConcurrencyExceededError{Active: active, Ceiling: g.ceiling}
	}
	return nil
}

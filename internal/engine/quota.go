package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/exstacyagency/workflows/internal/billing"
	"github.com/exstacyagency/workflows/internal/store"
	"github.com/exstacyagency/workflows/pkg/models"
	"github.com/google/uuid"
)

// Ledger meters named quota metrics per user per billing period. A
// successful Reserve is the commit; callers that fail after reserving must
// roll the reservation back explicitly.
type Ledger struct {
	store store.Store
	now   func() time.Time
}

// NewLedger creates a Ledger. now defaults to time.Now when nil.
func NewLedger(s store.Store, now func() time.Time) *Ledger {
	if now == nil {
		now = time.Now
	}
	return &Ledger{store: s, now: now}
}

// PeriodKey maps an instant to its billing period identifier, at calendar
// month granularity in UTC. A pure function of t: any two calls within the
// same month agree.
func PeriodKey(t time.Time) string {
	return t.UTC().Format("2006-01")
}

// PeriodKeyForNow returns the billing period key for the current time.
func (l *Ledger) PeriodKeyForNow() string {
	return PeriodKey(l.now())
}

// Reserve atomically increments usage for (user, current period, metric)
// by amount if it fits under the plan's limit, and returns the reservation
// descriptor. Fails with QuotaExceededError without mutating state when it
// does not fit. Metrics with no configured limit are unlimited; usage is
// still tracked.
func (l *Ledger) Reserve(ctx context.Context, userID uuid.UUID, planID, metric string, amount int) (models.Reservation, error) {
	periodKey := l.PeriodKeyForNow()
	limit := billing.LimitFor(planID, metric)

	used, ok, err := l.store.ReserveQuota(ctx, userID, periodKey, metric, amount, limit)
	if err != nil {
		return models.Reservation{}, fmt.Errorf("reserve %s: %w", metric, err)
	}
	if !ok {
		return models.Reservation{}, &QuotaExceededError{Metric: metric, Limit: *limit, Used: used}
	}

	return models.Reservation{
		UserID:    userID,
		PeriodKey: periodKey,
		Metric:    metric,
		Amount:    amount,
	}, nil
}

// Rollback decrements usage by the reserved amount, clamped at zero. A
// clamp means usage accounting drifted and is logged as an anomaly rather
// than silently ignored.
func (l *Ledger) Rollback(ctx context.Context, res models.Reservation) error {
	used, clamped, err := l.store.RollbackQuota(ctx, res.UserID, res.PeriodKey, res.Metric, res.Amount)
	if err != nil {
		return fmt.Errorf("rollback %s: %w", res.Metric, err)
	}
	if clamped {
		slog.Warn("quota rollback clamped at zero",
			"user_id", res.UserID,
			"period_key", res.PeriodKey,
			"metric", res.Metric,
			"amount", res.Amount,
			"used", used,
		)
	}
	return nil
}

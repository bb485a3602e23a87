package models

import (
	"time"

	"github.com/google/uuid"
)

// Plan tiers form a total order: FREE < GROWTH < SCALE.
const (
	PlanFree   = "FREE"
	PlanGrowth = "GROWTH"
	PlanScale  = "SCALE"
)

const SubscriptionStatusActive = "active"

var planRank = map[string]int{
	PlanFree:   0,
	PlanGrowth: 1,
	PlanScale:  2,
}

// PlanAtLeast reports whether plan meets or exceeds minPlan in the tier order.
// Unknown plan ids are treated as FREE.
func PlanAtLeast(plan, minPlan string) bool {
	return planRank[plan] >= planRank[minPlan]
}

// ValidPlan reports whether p is a known plan id.
func ValidPlan(p string) bool {
	_, ok := planRank[p]
	return ok
}

// Subscription is owned by the billing subsystem; the engine only reads
// PlanID and Status.
type Subscription struct {
	ID               uuid.UUID `db:"id"                 json:"id"`
	UserID           uuid.UUID `db:"user_id"            json:"user_id"`
	PlanID           string    `db:"plan_id"            json:"plan_id"`
	Status           string    `db:"status"             json:"status"`
	CurrentPeriodEnd time.Time `db:"current_period_end" json:"current_period_end"`
	CreatedAt        time.Time `db:"created_at"         json:"created_at"`
	UpdatedAt        time.Time `db:"updated_at"         json:"updated_at"`
}

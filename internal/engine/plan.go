package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/exstacyagency/workflows/internal/store"
	"github.com/exstacyagency/workflows/pkg/models"
	"github.com/google/uuid"
)

// PlanGate resolves a user's subscription tier and asserts operation
// minimums. Call sites always run this after resource-ownership checks so
// plan information never leaks to callers who do not own the target.
type PlanGate struct {
	store store.Store
}

func NewPlanGate(s store.Store) *PlanGate {
	return &PlanGate{store: s}
}

// AssertMinPlan returns the user's plan id if their subscription is active
// and at least minPlan in the FREE < GROWTH < SCALE order. A missing,
// inactive, or insufficient subscription fails with the required plan
// attached. Users without any subscription row are treated as FREE.
func (g *PlanGate) AssertMinPlan(ctx context.Context, userID uuid.UUID, minPlan string) (string, error) {
	sub, err := g.store.GetSubscription(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		if models.PlanAtLeast(models.PlanFree, minPlan) {
			return models.PlanFree, nil
		}
		return "", &UpgradeRequiredError{RequiredPlan: minPlan}
	}
	if err != nil {
		return "", fmt.Errorf("load subscription: %w", err)
	}

	if sub.Status != models.SubscriptionStatusActive {
		if models.PlanAtLeast(models.PlanFree, minPlan) {
			return models.PlanFree, nil
		}
		return "", &UpgradeRequiredError{RequiredPlan: minPlan}
	}

	if !models.PlanAtLeast(sub.PlanID, minPlan) {
		return "", &UpgradeRequiredError{RequiredPlan: minPlan}
	}
	return sub.PlanID, nil
}

// minPlanForJobType is the tier floor per operation. Video rendering is
// the expensive path and needs a paid plan.
var minPlanForJobType = map[string]string{
	models.JobTypeResearchCollection: models.PlanFree,
	models.JobTypePatternAnalysis:    models.PlanFree,
	models.JobTypeScriptGeneration:   models.PlanFree,
	models.JobTypeImageGeneration:    models.PlanFree,
	models.JobTypeVideoGeneration:    models.PlanGrowth,
}

// MinPlanForJobType returns the minimum plan tier for starting a job of
// the given type.
func MinPlanForJobType(jobType string) string {
	if p, ok := minPlanForJobType[jobType]; ok {
		return p
	}
	return models.PlanFree
}

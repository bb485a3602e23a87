// Package billing exposes the static plan/limit catalog consumed by the
// admission engine. Plan definitions themselves are owned by the billing
// subsystem; this table only answers "what is the limit for this metric on
// this plan".
package billing

import "github.com/exstacyagency/workflows/pkg/models"

// planLimits maps planID -> metric -> per-billing-period limit. A metric
// absent for a plan is unlimited: reservations always succeed and usage is
// still tracked for observability.
var planLimits = map[string]map[string]int{
	models.PlanFree: {
		models.MetricResearchQueries:     10,
		models.MetricPatternAnalysisJobs: 5,
		models.MetricImageJobs:           20,
		models.MetricVideoJobs:           3,
	},
	models.PlanGrowth: {
		models.MetricResearchQueries:     100,
		models.MetricPatternAnalysisJobs: 50,
		models.MetricImageJobs:           200,
		models.MetricVideoJobs:           30,
	},
	models.PlanScale: {
		// Research and analysis are unlimited on SCALE.
		models.MetricImageJobs: 1000,
		models.MetricVideoJobs: 150,
	},
}

// LimitFor returns the per-period limit for a metric on a plan, or nil if
// the metric is unlimited for that plan. Unknown plans get FREE limits.
func LimitFor(planID, metric string) *int {
	limits, ok := planLimits[planID]
	if !ok {
		limits = planLimits[models.PlanFree]
	}
	if limit, ok := limits[metric]; ok {
		l := limit
		return &l
	}
	return nil
}

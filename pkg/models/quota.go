package models

import (
	"time"

	"github.com/google/uuid"
)

// Quota metrics, one per countable resource metered per billing period.
const (
	MetricResearchQueries     = "researchQueries"
	MetricPatternAnalysisJobs = "patternAnalysisJobs"
	MetricImageJobs           = "imageJobs"
	MetricVideoJobs           = "videoJobs"
)

// QuotaRecord is one usage counter row per (user_id, period_key, metric).
// The limit is resolved from the user's plan at check time and never stored
// on the record. Rows are created lazily on first reservation and reset
// only by explicit administrative action.
type QuotaRecord struct {
	UserID    uuid.UUID `db:"user_id"    json:"user_id"`
	PeriodKey string    `db:"period_key" json:"period_key"`
	Metric    string    `db:"metric"     json:"metric"`
	Used      int       `db:"used"       json:"used"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// Reservation describes a successful quota reserve. Callers that fail
// after reserving must roll it back with exactly these coordinates.
type Reservation struct {
	UserID    uuid.UUID
	PeriodKey string
	Metric    string
	Amount    int
}

// MetricForJobType maps a job type to the quota metric it consumes.
func MetricForJobType(jobType string) (string, bool) {
	switch jobType {
	case JobTypeResearchCollection:
		return MetricResearchQueries, true
	case JobTypePatternAnalysis:
		return MetricPatternAnalysisJobs, true
	case JobTypeScriptGeneration:
		// Script generation is metered with pattern analysis.
		return MetricPatternAnalysisJobs, true
	case JobTypeImageGeneration:
		return MetricImageJobs, true
	case JobTypeVideoGeneration:
		return MetricVideoJobs, true
	}
	return "", false
}

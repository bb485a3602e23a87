package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/exstacyagency/workflows/internal/store"
	"github.com/exstacyagency/workflows/pkg/models"
)

// DeriveIdempotencyKey fingerprints the semantically significant fields of
// a request. Parts are joined with an unambiguous separator and hashed, so
// two logically identical requests always collide and incidental fields
// (timestamps, request ids) never participate. Empty parts are kept so
// ["a",""] and ["","a"] stay distinct.
func DeriveIdempotencyKey(parts ...string) string {
	sum := sha256.Sum256([]byte(strings.Join(parts, "\x1f")))
	return hex.EncodeToString(sum[:])
}

// canonicalPayload reduces a payload to its per-type significant fields by
// round-tripping through the typed shape. Unknown fields and formatting
// differences drop out, so re-serialized client requests fingerprint
// identically.
func canonicalPayload(jobType string, payload []byte) (string, error) {
	var typed any
	switch jobType {
	case models.JobTypeResearchCollection:
		typed = &models.ResearchPayload{}
	case models.JobTypePatternAnalysis:
		typed = &models.PatternAnalysisPayload{}
	case models.JobTypeScriptGeneration:
		typed = &models.ScriptPayload{}
	case models.JobTypeImageGeneration:
		typed = &models.ImagePayload{}
	case models.JobTypeVideoGeneration:
		typed = &models.VideoPayload{}
	default:
		return "", fmt.Errorf("unknown job type %q", jobType)
	}

	if err := json.Unmarshal(payload, typed); err != nil {
		return "", fmt.Errorf("decode payload: %w", err)
	}
	out, err := json.Marshal(typed)
	if err != nil {
		return "", fmt.Errorf("canonicalize payload: %w", err)
	}
	return string(out), nil
}

// IdempotencyResolver finds a prior job for a request fingerprint instead
// of creating a duplicate.
type IdempotencyResolver struct {
	store store.Store
}

func NewIdempotencyResolver(s store.Store) *IdempotencyResolver {
	return &IdempotencyResolver{store: s}
}

// Resolve returns the existing job with the given key in scope, or nil if
// none exists. A hit is returned as-is regardless of its current status;
// callers surface it as "reused" rather than creating a duplicate.
func (r *IdempotencyResolver) Resolve(ctx context.Context, scope store.IdempotencyScope, key string) (*models.Job, error) {
	job, err := r.store.FindJobByIdempotencyKey(ctx, scope, key)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("resolve idempotency key: %w", err)
	}
	return job, nil
}

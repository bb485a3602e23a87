package models

import (
	"encoding/json"
	"fmt"
)

// Payload field shapes per job type. The engine itself stays oblivious to
// payload contents beyond what quota bookkeeping needs; everything else is
// passed through to the pipeline provider untouched.

// ResearchPayload drives a research collection pass.
type ResearchPayload struct {
	Query      string `json:"query"`
	MaxResults int    `json:"max_results,omitempty"`
}

// PatternAnalysisPayload analyzes collected research rows for a run.
type PatternAnalysisPayload struct {
	ResearchRowIDs []string `json:"research_row_ids,omitempty"`
}

// ScriptPayload generates a script from an analysis.
type ScriptPayload struct {
	ProductID string `json:"product_id,omitempty"`
	Tone      string `json:"tone,omitempty"`
}

// ImagePayload generates one or more still frames for a storyboard scene.
// Frames defaults to 1; a two-frame job reserves 2 quota units.
type ImagePayload struct {
	StoryboardID string `json:"storyboard_id"`
	SceneIndex   int    `json:"scene_index"`
	Frames       int    `json:"frames,omitempty"`
	Prompt       string `json:"prompt,omitempty"`
}

// VideoPayload renders a video segment from generated frames.
type VideoPayload struct {
	StoryboardID string `json:"storyboard_id"`
	SceneIndex   int    `json:"scene_index"`
	DurationSecs int    `json:"duration_secs,omitempty"`
}

// QuotaAmount returns how many quota units a job of the given type and
// payload reserves. Image jobs reserve one unit per frame; everything else
// reserves a single unit. Malformed payloads fall back to 1 so a bad
// client body can never reserve zero.
func QuotaAmount(jobType string, payload []byte) int {
	if jobType != JobTypeImageGeneration {
		return 1
	}
	var p ImagePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return 1
	}
	if p.Frames <= 1 {
		return 1
	}
	return p.Frames
}

// ValidatePayload checks that the payload decodes into the shape expected
// for the job type and carries its required fields.
func ValidatePayload(jobType string, payload []byte) error {
	switch jobType {
	case JobTypeResearchCollection:
		var p ResearchPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return fmt.Errorf("decode research payload: %w", err)
		}
		if p.Query == "" {
			return fmt.Errorf("research payload: query is required")
		}
	case JobTypePatternAnalysis:
		var p PatternAnalysisPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return fmt.Errorf("decode pattern analysis payload: %w", err)
		}
	case JobTypeScriptGeneration:
		var p ScriptPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return fmt.Errorf("decode script payload: %w", err)
		}
	case JobTypeImageGeneration:
		var p ImagePayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return fmt.Errorf("decode image payload: %w", err)
		}
		if p.StoryboardID == "" {
			return fmt.Errorf("image payload: storyboard_id is required")
		}
	case JobTypeVideoGeneration:
		var p VideoPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return fmt.Errorf("decode video payload: %w", err)
		}
		if p.StoryboardID == "" {
			return fmt.Errorf("video payload: storyboard_id is required")
		}
	default:
		return fmt.Errorf("unknown job type %q", jobType)
	}
	return nil
}

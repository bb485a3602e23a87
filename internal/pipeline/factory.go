// Package pipeline constructs the external AI content pipeline backend.
// The engine only ever sees models.PipelineProvider.
package pipeline

import (
	"fmt"

	"github.com/exstacyagency/workflows/internal/config"
	"github.com/exstacyagency/workflows/internal/pipeline/anthropic"
	"github.com/exstacyagency/workflows/internal/pipeline/mock"
	"github.com/exstacyagency/workflows/internal/pipeline/openai"
	"github.com/exstacyagency/workflows/pkg/models"
)

// NewProvider constructs the configured pipeline provider.
// Called once at server startup.
func NewProvider(cfg config.PipelineConfig) (models.PipelineProvider, error) {
	switch cfg.Provider {
	case "openai":
		return openai.NewProvider(cfg.OpenAI), nil
	case "anthropic":
		return anthropic.NewProvider(cfg.Anthropic), nil
	case "mock":
		return mock.NewProvider(), nil
	default:
		return nil, fmt.Errorf("unknown pipeline provider %q: must be one of openai, anthropic, mock", cfg.Provider)
	}
}

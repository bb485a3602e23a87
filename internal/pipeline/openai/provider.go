package openai

import (
	"context"

	"github.com/exstacyagency/workflows/internal/config"
	"github.com/exstacyagency/workflows/pkg/models"
)

// Provider implements models.PipelineProvider using OpenAI.
type Provider struct {
	cfg config.OpenAIConfig
}

func NewProvider(cfg config.OpenAIConfig) *Provider {
	return &Provider{cfg: cfg}
}

func (p *Provider) Name() string { return "openai" }

func (p *Provider) Invoke(_ context.Context, _ models.InvocationRequest) (models.InvocationResult, error) {
	panic("openai.Provider.Invoke not yet implemented")
}

var _ models.PipelineProvider = (*Provider)(nil)

package anthropic

import (
	"context"

	"github.com/exstacyagency/workflows/internal/config"
	"github.com/exstacyagency/workflows/pkg/models"
)

// Provider implements models.PipelineProvider using Anthropic.
type Provider struct {
	cfg config.AnthropicConfig
}

func NewProvider(cfg config.AnthropicConfig) *Provider {
	return &Provider{cfg: cfg}
}

func (p *Provider) Name() string { return "anthropic" }

func (p *Provider) Invoke(_ context.Context, _ models.InvocationRequest) (models.InvocationResult, error) {
	panic("anthropic.Provider.Invoke not yet implemented")
}

var _ models.PipelineProvider = (*Provider)(nil)

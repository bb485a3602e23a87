package pipeline_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/exstacyagency/workflows/internal/config"
	"github.com/exstacyagency/workflows/internal/pipeline"
)

func TestNewProvider_Mock(t *testing.T) {
	p, err := pipeline.NewProvider(config.PipelineConfig{Provider: "mock"})
	require.NoError(t, err)
	assert.Equal(t, "mock", p.Name())
}

func TestNewProvider_Unknown(t *testing.T) {
	_, err := pipeline.NewProvider(config.PipelineConfig{Provider: "carrier-pigeon"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown pipeline provider")
}

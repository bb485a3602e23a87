package mock

import (
	"context"
	"fmt"

	"github.com/exstacyagency/workflows/pkg/models"
)

// MockProvider satisfies models.PipelineProvider for testing.
type MockProvider struct {
	Name_      string
	InvokeFunc func(ctx context.Context, req models.InvocationRequest) (models.InvocationResult, error)
}

func (m *MockProvider) Name() string { return m.Name_ }

func (m *MockProvider) Invoke(ctx context.Context, req models.InvocationRequest) (models.InvocationResult, error) {
	if m.InvokeFunc != nil {
		return m.InvokeFunc(ctx, req)
	}
	return models.InvocationResult{}, nil
}

// NewProvider returns a MockProvider with a sensible default response.
func NewProvider() *MockProvider {
	return &MockProvider{
		Name_: "mock",
		InvokeFunc: func(_ context.Context, req models.InvocationRequest) (models.InvocationResult, error) {
			return models.InvocationResult{
				Summary: fmt.Sprintf("mock %s result", req.JobType),
			}, nil
		},
	}
}

// NewFailingProvider returns a MockProvider that always returns the given error.
func NewFailingProvider(err error) *MockProvider {
	return &MockProvider{
		Name_: "mock-failing",
		InvokeFunc: func(_ context.Context, _ models.InvocationRequest) (models.InvocationResult, error) {
			return models.InvocationResult{}, err
		},
	}
}

// NewBlockingProvider returns a MockProvider that blocks until context is cancelled.
func NewBlockingProvider() *MockProvider {
	return &MockProvider{
		Name_: "mock-blocking",
		InvokeFunc: func(ctx context.Context, _ models.InvocationRequest) (models.InvocationResult, error) {
			<-ctx.Done()
			return models.InvocationResult{}, ctx.Err()
		},
	}
}

// Compile-time check that MockProvider implements PipelineProvider.
var _ models.PipelineProvider = (*MockProvider)(nil)

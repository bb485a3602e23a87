package models

import "context"

// PipelineProvider is the core interface every pipeline backend must
// implement. The engine never calls a specific provider directly — always
// inject this interface. Invoke is called strictly after the job row is
// durably persisted, and never inside any lock scope.
type PipelineProvider interface {
	// Invoke executes one unit of pipeline work and returns its result.
	Invoke(ctx context.Context, req InvocationRequest) (InvocationResult, error)
	// Name returns the provider identifier (e.g., "openai", "mock").
	Name() string
}

// InvocationRequest is the input handed to a provider for one job.
type InvocationRequest struct {
	JobType string
	Payload []byte
}

// InvocationResult is the terminal output of a provider call.
type InvocationResult struct {
	Summary string
}

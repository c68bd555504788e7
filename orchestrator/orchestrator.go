// Package orchestrator wraps the container stack orchestrator the fleet
// runs on. The tool only consumes the interface below; the production
// adapter shells out to the docker compose CLI.
package orchestrator

import "context"

// Orchestrator is the external collaborator that actually starts, stops
// and scales instance stacks. All methods are fallible external calls.
type Orchestrator interface {
	// ListDeployedNames returns the stack names the orchestrator currently
	// has declared, running or not.
	ListDeployedNames(ctx context.Context) (map[string]bool, error)

	// ReportedImages returns the image references the orchestrator reports
	// running for the given stack, one entry per container.
	ReportedImages(ctx context.Context, stackName string) ([]string, error)

	// CurrentReplicas returns the actual replica count per logical service.
	CurrentReplicas(ctx context.Context, stackName string) (map[string]int, error)

	// Deploy starts (or updates) the stack from its deployment descriptor.
	Deploy(ctx context.Context, configFile, stackName string) error

	// Remove tears the stack down.
	Remove(ctx context.Context, stackName string) error

	// SetReplicas scales one service of a running stack.
	SetReplicas(ctx context.Context, stackName, service string, replicas int) error
}

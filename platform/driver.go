// Package platform defines the platform-driver contract every hosting
// backend (bare process, container, orchestrator pod) implements, and the
// port-allocation pool shared by the drivers that need one.
package platform

import (
	"context"

	"github.com/instanceforge/controlplane/messages"
)

// Driver is the capability set a platform-sharded worker drives an
// instance through. Implementations: process, container, pod — one per
// messages.PlatformKind.
type Driver interface {
	// Start launches id with the given declared configuration and returns
	// the resulting runtime info.
	Start(ctx context.Context, id string, config messages.DeclaredConfiguration) (messages.RuntimeInfo, error)

	// Stop requests graceful termination of id. Idempotent: stopping an
	// already-stopped or unknown instance is not an error.
	Stop(ctx context.Context, id string) (messages.RuntimeInfo, error)

	// Restart stops then starts id using its last-known configuration.
	Restart(ctx context.Context, id string) (messages.RuntimeInfo, error)

	// Status queries current runtime info for id.
	Status(ctx context.Context, id string) (messages.RuntimeInfo, error)

	// ListAll returns runtime info for every instance this driver is
	// currently tracking.
	ListAll(ctx context.Context) ([]messages.RuntimeInfo, error)

	// Available reports whether the underlying platform backend is
	// reachable (e.g. the Docker daemon, the Kubernetes API server).
	Available(ctx context.Context) bool

	// Allocate reserves a network binding for a new instance, drawing a
	// port from allocator.
	Allocate(allocator *PortAllocator) (messages.ServerBinding, error)
}

package controlplane

import (
	"context"

	"github.com/swarmguard/servedag/internal/executor"
	"github.com/swarmguard/servedag/internal/registry"
)

// Handle is a client obtained from GetHandle. It behaves like the HTTP edge
// for one fixed pipeline but bypasses HTTP, driving the same traversal
// directly against the router.
type Handle struct {
	pipeline string
	dep      registry.Dependency
	exec     *executor.Executor
}

// Run submits payload, a map from source service name to that service's
// input, and returns the sink's result. It mirrors the POST /{path} request
// shape from the HTTP edge.
func (h *Handle) Run(ctx context.Context, payload map[string]any) (any, error) {
	source := func(service string) (any, bool) {
		v, ok := payload[service]
		return v, ok
	}
	return h.exec.Run(ctx, h.pipeline, h.dep, source)
}

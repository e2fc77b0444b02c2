// Package registry holds the pipeline registry and DAG: backends, services,
// their link state, pipelines (DAGs of service names), and the HTTP routing
// table. It is mutated only by the control plane and read via point-in-time
// snapshots by the HTTP edge.
package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Service is an abstract compute endpoint with a batch cap, linked to
// exactly one backend once LinkService is called.
type Service struct {
	Name         string
	MaxBatchSize int
	Backend      string
	Linked       bool
}

// Backend is a named pool of worker instances; the registry only tracks its
// existence for validation, the router owns the actual worker handles.
type Backend struct {
	Tag string
}

// Registry is the single coordinator owning backend/service/pipeline state.
// All mutation happens under mu; reads taken for a snapshot copy out so the
// caller never observes a registry value changing under it.
type Registry struct {
	mu sync.RWMutex

	backends  map[string]*Backend
	services  map[string]*Service
	pipelines map[string]*Pipeline
	routes    map[string]string // HTTP path -> pipeline name

	tracer trace.Tracer
}

func New() *Registry {
	return &Registry{
		backends:  make(map[string]*Backend),
		services:  make(map[string]*Service),
		pipelines: make(map[string]*Pipeline),
		routes:    make(map[string]string),
		tracer:    otel.Tracer("servedag-registry"),
	}
}

// CreateBackend registers a new backend tag. Re-registering an existing tag
// is a no-op so control-plane retries stay idempotent.
func (r *Registry) CreateBackend(tag string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.backends[tag]; ok {
		return nil
	}
	r.backends[tag] = &Backend{Tag: tag}
	return nil
}

// CreateService registers a new service with the given batch cap.
func (r *Registry) CreateService(name string, maxBatchSize int) error {
	if maxBatchSize < 1 {
		return fmt.Errorf("max_batch_size must be >= 1, got %d", maxBatchSize)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if svc, ok := r.services[name]; ok {
		svc.MaxBatchSize = maxBatchSize
		return nil
	}
	r.services[name] = &Service{Name: name, MaxBatchSize: maxBatchSize}
	return nil
}

// LinkService binds a service to a backend tag (the 1:1 linked case; see
// SPEC_FULL's open-questions note on traffic splitting).
func (r *Registry) LinkService(service, backendTag string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	svc, ok := r.services[service]
	if !ok {
		return fmt.Errorf("%w: service %s", ErrUnknownName, service)
	}
	if _, ok := r.backends[backendTag]; !ok {
		return fmt.Errorf("%w: backend %s", ErrUnknownName, backendTag)
	}
	svc.Backend = backendTag
	svc.Linked = true
	return nil
}

// Service returns a copy of a service's current configuration.
func (r *Registry) Service(name string) (Service, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	svc, ok := r.services[name]
	if !ok {
		return Service{}, fmt.Errorf("%w: service %s", ErrUnknownName, name)
	}
	return *svc, nil
}

// CreatePipeline starts a new building-state pipeline.
func (r *Registry) CreatePipeline(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.pipelines[name]; ok {
		return nil
	}
	r.pipelines[name] = newPipeline(name)
	return nil
}

// AddNode adds a service vertex to a pipeline under construction.
func (r *Registry) AddNode(pipelineName, service string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.pipelines[pipelineName]
	if !ok {
		return fmt.Errorf("%w: pipeline %s", ErrUnknownName, pipelineName)
	}
	if _, ok := r.services[service]; !ok {
		return fmt.Errorf("%w: service %s", ErrUnknownName, service)
	}
	return p.addNode(service)
}

// AddEdge declares that src's output feeds dst's input.
func (r *Registry) AddEdge(pipelineName, src, dst string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.pipelines[pipelineName]
	if !ok {
		return fmt.Errorf("%w: pipeline %s", ErrUnknownName, pipelineName)
	}
	for _, svc := range []string{src, dst} {
		if _, ok := r.services[svc]; !ok {
			return fmt.Errorf("%w: service %s", ErrUnknownName, svc)
		}
	}
	return p.addEdge(src, dst)
}

// Provision validates and freezes a pipeline's DAG: every referenced service
// must be linked, the graph must be acyclic, and node_order/successors are
// computed once and never change afterward.
func (r *Registry) Provision(ctx context.Context, pipelineName string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, span := r.tracer.Start(ctx, "registry.provision",
		trace.WithAttributes(attribute.String("pipeline", pipelineName)))
	defer span.End()

	p, ok := r.pipelines[pipelineName]
	if !ok {
		return fmt.Errorf("%w: pipeline %s", ErrUnknownName, pipelineName)
	}
	if p.State == PipelineProvisioned {
		return fmt.Errorf("%w: pipeline %s", ErrAlreadyProvisioned, pipelineName)
	}

	for node := range p.nodes {
		svc, ok := r.services[node]
		if !ok {
			return fmt.Errorf("%w: service %s", ErrUnknownName, node)
		}
		if !svc.Linked {
			return fmt.Errorf("%w: service %s", ErrNotLinked, node)
		}
	}

	return p.provision()
}

// GetDependency returns the frozen node_order/successors for a provisioned
// pipeline.
func (r *Registry) GetDependency(pipelineName string) (Dependency, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.pipelines[pipelineName]
	if !ok {
		return Dependency{}, fmt.Errorf("%w: pipeline %s", ErrUnknownName, pipelineName)
	}
	if p.State != PipelineProvisioned {
		return Dependency{}, fmt.Errorf("pipeline %s is not provisioned", pipelineName)
	}
	return p.dependency(), nil
}

// ListPipelineService returns a snapshot of every provisioned pipeline's
// dependency graph, keyed by pipeline name — the HTTP edge's pipeline table.
func (r *Registry) ListPipelineService() map[string]Dependency {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]Dependency, len(r.pipelines))
	for name, p := range r.pipelines {
		if p.State == PipelineProvisioned {
			out[name] = p.dependency()
		}
	}
	return out
}

// RegisterEndpoint binds an HTTP path to a provisioned pipeline.
func (r *Registry) RegisterEndpoint(path, pipelineName string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.pipelines[pipelineName]
	if !ok {
		return fmt.Errorf("%w: pipeline %s", ErrUnknownName, pipelineName)
	}
	if p.State != PipelineProvisioned {
		return fmt.Errorf("pipeline %s must be provisioned before registering a route", pipelineName)
	}
	r.routes[path] = pipelineName
	return nil
}

// ListService returns a snapshot of the HTTP routing table (path -> pipeline).
func (r *Registry) ListService() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]string, len(r.routes))
	for k, v := range r.routes {
		out[k] = v
	}
	return out
}

// PipelineNames returns the registered pipeline names in sorted order.
func (r *Registry) PipelineNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.pipelines))
	for name := range r.pipelines {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

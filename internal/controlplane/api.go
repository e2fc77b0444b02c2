// Package controlplane exposes the mutation surface over one registry and
// one router: backend/service/pipeline lifecycle, linking, provisioning,
// and route registration. Every operation returns only after its mutation
// is observable by subsequent reads.
package controlplane

import (
	"context"
	"log/slog"
	"time"

	"github.com/swarmguard/servedag/internal/audit"
	"github.com/swarmguard/servedag/internal/eventbus"
	"github.com/swarmguard/servedag/internal/executor"
	"github.com/swarmguard/servedag/internal/registry"
	"github.com/swarmguard/servedag/internal/router"
)

// ControlPlane wraps a registry and router with the operations in the
// external control surface. It carries no state of its own beyond the
// audit/eventbus collaborators, both optional.
type ControlPlane struct {
	reg   *registry.Registry
	ro    *router.Router
	audit *audit.Log
	bus   *eventbus.Bus
}

// New builds a control plane over an existing registry and router. audit
// and bus may both be nil; every recording call degrades to a no-op.
func New(reg *registry.Registry, ro *router.Router, auditLog *audit.Log, bus *eventbus.Bus) *ControlPlane {
	return &ControlPlane{reg: reg, ro: ro, audit: auditLog, bus: bus}
}

func (cp *ControlPlane) record(kind, subject string, detail map[string]any, err error) {
	ev := audit.Event{Kind: kind, Subject: subject, Detail: detail, Timestamp: time.Now()}
	if err != nil {
		ev.Err = err.Error()
	}
	if cp.audit != nil {
		if recErr := cp.audit.Record(ev); recErr != nil {
			// Best-effort only; never fails the caller's mutation.
			slog.Warn("audit: record failed", "kind", kind, "error", recErr)
		}
	}
	if cp.bus != nil && err == nil {
		cp.bus.Publish(context.Background(), kind, ev)
	}
}

// CreateBackend registers a backend tag.
func (cp *ControlPlane) CreateBackend(tag string) error {
	err := cp.reg.CreateBackend(tag)
	cp.record("backend_created", tag, nil, err)
	return err
}

// CreateService registers a service with its batch cap and wires the same
// cap into the router so EnqueueRequest/PollBatch can see it immediately.
func (cp *ControlPlane) CreateService(name string, maxBatchSize int) error {
	if err := cp.reg.CreateService(name, maxBatchSize); err != nil {
		cp.record("service_created", name, nil, err)
		return err
	}
	err := cp.ro.SetMaxBatch(name, maxBatchSize)
	cp.record("service_created", name, map[string]any{"max_batch_size": maxBatchSize}, err)
	return err
}

// LinkService binds service to backendTag in both the registry (for
// provisioning validation) and the router (for dispatch).
func (cp *ControlPlane) LinkService(service, backendTag string) error {
	if err := cp.reg.LinkService(service, backendTag); err != nil {
		cp.record("service_linked", service, nil, err)
		return err
	}
	cp.ro.Link(service, backendTag)
	cp.record("service_linked", service, map[string]any{"backend": backendTag}, nil)
	return nil
}

// CreatePipeline starts a new building-state pipeline.
func (cp *ControlPlane) CreatePipeline(name string) error {
	err := cp.reg.CreatePipeline(name)
	cp.record("pipeline_created", name, nil, err)
	return err
}

// AddService adds a service vertex to a pipeline under construction
// (add_node in the registry's terms).
func (cp *ControlPlane) AddService(pipeline, service string) error {
	err := cp.reg.AddNode(pipeline, service)
	cp.record("pipeline_add_service", pipeline, map[string]any{"service": service}, err)
	return err
}

// AddServiceDependencies declares that src's output feeds dst's input
// within pipeline (add_edge in the registry's terms).
func (cp *ControlPlane) AddServiceDependencies(pipeline, src, dst string) error {
	err := cp.reg.AddEdge(pipeline, src, dst)
	cp.record("pipeline_add_edge", pipeline, map[string]any{"src": src, "dst": dst}, err)
	return err
}

// ProvisionPipeline freezes a pipeline's DAG.
func (cp *ControlPlane) ProvisionPipeline(ctx context.Context, pipeline string) error {
	err := cp.reg.Provision(ctx, pipeline)
	cp.record("pipeline_provisioned", pipeline, nil, err)
	return err
}

// RegisterEndpoint binds an HTTP path to a provisioned pipeline.
func (cp *ControlPlane) RegisterEndpoint(path, pipeline string) error {
	err := cp.reg.RegisterEndpoint(path, pipeline)
	cp.record("endpoint_registered", path, map[string]any{"pipeline": pipeline}, err)
	return err
}

// GetHandle returns an in-process client for pipeline that bypasses HTTP
// entirely, reading the pipeline's current dependency snapshot directly
// from the registry.
func (cp *ControlPlane) GetHandle(pipeline string) (*Handle, error) {
	dep, err := cp.reg.GetDependency(pipeline)
	if err != nil {
		return nil, err
	}
	return &Handle{
		pipeline: pipeline,
		dep:      dep,
		exec:     executor.New(cp.ro),
	}, nil
}

// Package executor drives one inbound request through a provisioned
// pipeline's frozen topology, submitting each stage to the router and
// stitching results along the recorded successor edges.
package executor

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/swarmguard/servedag/internal/registry"
	"github.com/swarmguard/servedag/internal/router"
)

// Submitter is the subset of the router the executor drives requests
// through. Implemented by *router.Router.
type Submitter interface {
	EnqueueRequest(service string, input any) (*router.Future, error)
}

// SourceInput resolves the request-level payload for a source stage (one
// with no predecessors in the DAG). It returns ok=false when no payload was
// supplied for that stage.
type SourceInput func(service string) (any, bool)

// Executor walks a provisioned pipeline's topology for a single request.
type Executor struct {
	router Submitter
	tracer trace.Tracer
	stage  metric.Float64Histogram
}

func New(ro Submitter) *Executor {
	meter := otel.Meter("servedag-executor")
	stage, _ := meter.Float64Histogram("servedag_stage_duration_ms")
	return &Executor{
		router: ro,
		tracer: otel.Tracer("servedag-executor"),
		stage:  stage,
	}
}

// Run processes dep.NodeOrder in order, accumulating each node's completed
// predecessors into a typed inbox, and returns the result of the first sink
// reached (a node with no successors). Stages are not fanned out
// concurrently within one request: they run strictly in topological order.
func (e *Executor) Run(ctx context.Context, pipeline string, dep registry.Dependency, source SourceInput) (any, error) {
	ctx, span := e.tracer.Start(ctx, "executor.run",
		trace.WithAttributes(attribute.String("pipeline", pipeline)))
	defer span.End()

	// inbox[node] accumulates predecessor_service -> value. A node with
	// predecessors receives this map itself as its input, so the order of its
	// predecessors is not fixed in-process; only encoding/json, which sorts
	// map keys, serializes them in service_name order.
	inbox := make(map[string]map[string]any, len(dep.NodeOrder))

	for _, node := range dep.NodeOrder {
		preds := inbox[node]

		var stageInput any
		if len(preds) == 0 {
			val, ok := source(node)
			if !ok {
				err := fmt.Errorf("%w: stage %s", ErrMissingStageInput, node)
				span.SetStatus(codes.Error, err.Error())
				return nil, err
			}
			stageInput = val
		} else {
			stageInput = preds
		}

		result, err := e.runStage(ctx, node, stageInput)
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}

		successors := dep.Successors[node]
		if len(successors) == 0 {
			return result, nil
		}

		for _, succ := range successors {
			if inbox[succ] == nil {
				inbox[succ] = make(map[string]any)
			}
			inbox[succ][node] = result
		}
	}

	return nil, fmt.Errorf("pipeline %s has no reachable sink", pipeline)
}

func (e *Executor) runStage(ctx context.Context, node string, input any) (any, error) {
	_, span := e.tracer.Start(ctx, "executor.stage",
		trace.WithAttributes(attribute.String("service", node)))
	defer span.End()

	fut, err := e.router.EnqueueRequest(node, input)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	start := time.Now()
	result, err := fut.Wait(ctx)
	e.stage.Record(ctx, float64(time.Since(start).Milliseconds()),
		metric.WithAttributes(attribute.String("service", node)))
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return result, nil
}

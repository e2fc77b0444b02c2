package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/swarmguard/servedag/internal/registry"
)

// Snapshotter is the point-in-time view the edge refreshes from. Implemented
// by *registry.Registry.
type Snapshotter interface {
	ListService() map[string]string
	ListPipelineService() map[string]registry.Dependency
}

// Edge is the HTTP entry point: it serves the routing snapshot at GET /,
// runs a pipeline for GET/POST /{path}, and periodically refreshes its
// local copies of the routing and pipeline tables from the registry.
// Between refreshes it serves stale data.
type Edge struct {
	reg      Snapshotter
	exec     *Executor
	cron     *cron.Cron
	interval time.Duration

	mu       sync.RWMutex
	routes   map[string]string
	pipeline map[string]registry.Dependency

	tracer   trace.Tracer
	requests metric.Int64Counter
}

// NewEdge builds the HTTP edge. Call Start before serving traffic and Stop
// during shutdown.
func NewEdge(reg Snapshotter, exec *Executor, interval time.Duration) *Edge {
	meter := otel.Meter("servedag-edge")
	requests, _ := meter.Int64Counter("servedag_http_requests_total")

	e := &Edge{
		reg:      reg,
		exec:     exec,
		cron:     cron.New(),
		interval: interval,
		routes:   make(map[string]string),
		pipeline: make(map[string]registry.Dependency),
		tracer:   otel.Tracer("servedag-edge"),
		requests: requests,
	}
	e.refresh()
	return e
}

// Start launches the periodic snapshot refresher.
func (e *Edge) Start() {
	spec := fmt.Sprintf("@every %ds", int(e.interval/time.Second))
	if _, err := e.cron.AddFunc(spec, e.refresh); err != nil {
		slog.Error("edge: failed to schedule snapshot refresh", "error", err)
	}
	e.cron.Start()
}

// Stop cancels the snapshot refresher. In-flight requests are not affected.
func (e *Edge) Stop(ctx context.Context) {
	stopCtx := e.cron.Stop()
	select {
	case <-stopCtx.Done():
	case <-ctx.Done():
	}
}

func (e *Edge) refresh() {
	routes := e.reg.ListService()
	pipelines := e.reg.ListPipelineService()
	e.mu.Lock()
	e.routes = routes
	e.pipeline = pipelines
	e.mu.Unlock()
}

func (e *Edge) snapshot() (map[string]string, map[string]registry.Dependency) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.routes, e.pipeline
}

// ServeHTTP implements the surface described in SPEC_FULL §6: GET / lists
// the routing table, GET/POST /{path} runs the bound pipeline.
func (e *Edge) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/")
	routes, pipelines := e.snapshot()

	if path == "" {
		e.requests.Add(r.Context(), 1, metric.WithAttributes(attribute.String("path", "/")))
		writeJSON(w, http.StatusOK, routes)
		return
	}

	pipelineName, ok := routes["/"+path]
	if !ok {
		e.requests.Add(r.Context(), 1, metric.WithAttributes(attribute.String("path", path), attribute.String("outcome", "not_found")))
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": fmt.Sprintf("path /%s not found; see / for the routing table", path),
		})
		return
	}

	dep, ok := pipelines[pipelineName]
	if !ok {
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": fmt.Sprintf("pipeline %s is registered but not yet provisioned in this snapshot", pipelineName),
		})
		return
	}

	ctx, span := e.tracer.Start(r.Context(), "edge.request",
		trace.WithAttributes(attribute.String("path", path), attribute.String("pipeline", pipelineName)))
	defer span.End()

	var source SourceInput
	switch r.Method {
	case http.MethodGet:
		var meta any = map[string]string{"path": path, "method": r.Method}
		source = func(string) (any, bool) { return meta, true }
	case http.MethodPost:
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
			return
		}
		source = func(service string) (any, bool) {
			v, ok := body[service]
			return v, ok
		}
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	result, err := e.exec.Run(ctx, pipelineName, dep, source)
	if err != nil {
		e.requests.Add(ctx, 1, metric.WithAttributes(attribute.String("path", path), attribute.String("outcome", "error")))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error: " + err.Error()})
		return
	}

	e.requests.Add(ctx, 1, metric.WithAttributes(attribute.String("path", path), attribute.String("outcome", "ok")))
	writeJSON(w, http.StatusOK, map[string]any{"result": result})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

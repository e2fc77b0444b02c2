package router

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Worker is a backend compute instance. It cycles idle -> fetching ->
// executing -> reporting -> idle against a single Router for as long as Run
// is driven, calling Callable exactly once per batch.
type Worker struct {
	ID         string
	BackendTag string
	Callable   Callable
}

// Run blocks, repeatedly polling the router for work, until ctx is
// cancelled. A Callable error fails the whole batch uniformly; it is never
// retried by the worker itself.
func (w *Worker) Run(ctx context.Context, ro *Router) {
	tracer := otel.Tracer("servedag-router")
	log := slog.With("worker", w.ID, "backend", w.BackendTag)

	ro.RegisterWorker(w.ID, w.BackendTag)
	log.Info("worker started")

	for {
		inputs, token, err := ro.PollBatch(ctx, w.ID)
		if err != nil {
			if ctx.Err() != nil {
				log.Info("worker stopping")
				return
			}
			log.Error("poll batch failed", "error", err)
			continue
		}

		w.execute(ctx, tracer, ro, token, inputs)
	}
}

func (w *Worker) execute(ctx context.Context, tracer trace.Tracer, ro *Router, token BatchToken, inputs []any) {
	execCtx, span := tracer.Start(ctx, "worker.execute_batch",
		trace.WithAttributes(
			attribute.String("worker", w.ID),
			attribute.Int("batch_size", len(inputs)),
		))
	defer span.End()

	start := time.Now()
	results, err := w.Callable(execCtx, inputs)
	span.SetAttributes(attribute.Int64("duration_ms", time.Since(start).Milliseconds()))
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		ro.CompleteBatch(token, nil, err)
		return
	}
	ro.CompleteBatch(token, results, nil)
}

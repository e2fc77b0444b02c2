// Package router owns per-service FIFO request queues and the pool of
// worker handles registered against each backend tag. It performs greedy,
// size-bounded batching and guarantees at most one in-flight batch per
// worker.
package router

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Callable is the opaque, batch-aware user compute function a backend
// worker drives. It is invoked exactly once per batch with the entire input
// list, matching the "called once with the entire list" contract in
// SPEC_FULL's worker-shell note.
type Callable func(ctx context.Context, batch []any) ([]any, error)

// Router is the single coordinator for queues and worker assignment. Every
// mutation of queues/links/worker-pool state happens under mu.
type Router struct {
	mu sync.Mutex

	queues          map[string][]*pendingEntry // service -> FIFO queue
	maxBatch        map[string]int             // service -> max_batch_size
	serviceBackend  map[string]string          // service -> backend tag
	backendServices map[string][]string        // backend tag -> linked services (sorted)
	stageTimeout    map[string]time.Duration    // service -> optional stage timeout (0 = disabled)

	idleWorkers map[string][]string // backend tag -> registered worker IDs; not consulted by PollBatch (no round-robin: whichever worker polls first takes the batch)
	workerTag   map[string]string   // worker ID -> backend tag

	inFlight map[string]*inFlightBatch // batch token id -> batch

	wake chan struct{} // closed and replaced on every state change workers might care about

	tracer     trace.Tracer
	batchSize  metric.Int64Histogram
	queueDepth metric.Int64Histogram
	failures   metric.Int64Counter
}

// New creates an empty router.
func New() *Router {
	meter := otel.Meter("servedag-router")
	batchSize, _ := meter.Int64Histogram("servedag_batch_size")
	queueDepth, _ := meter.Int64Histogram("servedag_queue_depth")
	failures, _ := meter.Int64Counter("servedag_batch_failures_total")

	return &Router{
		queues:          make(map[string][]*pendingEntry),
		maxBatch:        make(map[string]int),
		serviceBackend:  make(map[string]string),
		backendServices: make(map[string][]string),
		stageTimeout:    make(map[string]time.Duration),
		idleWorkers:     make(map[string][]string),
		workerTag:       make(map[string]string),
		inFlight:        make(map[string]*inFlightBatch),
		wake:            make(chan struct{}),
		tracer:          otel.Tracer("servedag-router"),
		batchSize:       batchSize,
		queueDepth:      queueDepth,
		failures:        failures,
	}
}

// broadcast wakes every goroutine blocked in PollBatch. Caller must hold mu.
func (ro *Router) broadcast() {
	close(ro.wake)
	ro.wake = make(chan struct{})
}

// SetMaxBatch sets a service's batch cap; must be >= 1.
func (ro *Router) SetMaxBatch(service string, n int) error {
	if n < 1 {
		return fmt.Errorf("max_batch_size must be >= 1, got %d", n)
	}
	ro.mu.Lock()
	defer ro.mu.Unlock()
	ro.maxBatch[service] = n
	if _, ok := ro.queues[service]; !ok {
		ro.queues[service] = nil
	}
	return nil
}

// SetStageTimeout configures an optional per-service timeout; 0 disables it
// (the default).
func (ro *Router) SetStageTimeout(service string, d time.Duration) {
	ro.mu.Lock()
	defer ro.mu.Unlock()
	ro.stageTimeout[service] = d
}

// Link binds subsequent dispatches for service to workers of backendTag.
func (ro *Router) Link(service, backendTag string) {
	ro.mu.Lock()
	defer ro.mu.Unlock()
	ro.serviceBackend[service] = backendTag
	for _, s := range ro.backendServices[backendTag] {
		if s == service {
			return
		}
	}
	ro.backendServices[backendTag] = append(ro.backendServices[backendTag], service)
	sort.Strings(ro.backendServices[backendTag])
}

// RegisterWorker makes a worker instance available to receive batches for
// its backend tag. A worker belongs to exactly one backend.
func (ro *Router) RegisterWorker(workerID, backendTag string) {
	ro.mu.Lock()
	defer ro.mu.Unlock()
	ro.workerTag[workerID] = backendTag
	ro.idleWorkers[backendTag] = append(ro.idleWorkers[backendTag], workerID)
}

// EnqueueRequest appends a Pending Entry to service's queue and returns a
// Future that resolves once the entry's batch completes. It never blocks.
func (ro *Router) EnqueueRequest(service string, input any) (*Future, error) {
	ro.mu.Lock()
	defer ro.mu.Unlock()

	if _, ok := ro.maxBatch[service]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownService, service)
	}

	f := newFuture()
	ro.queues[service] = append(ro.queues[service], &pendingEntry{
		service: service,
		input:   input,
		future:  f,
	})
	ro.queueDepth.Record(context.Background(), int64(len(ro.queues[service])),
		metric.WithAttributes(attribute.String("service", service)))
	ro.broadcast()
	return f, nil
}

// PollBatch is called by an idle worker. It blocks until a service linked
// to the worker's backend has at least one queued entry, then greedily pops
// up to that service's max_batch_size contiguous entries.
func (ro *Router) PollBatch(ctx context.Context, workerID string) ([]any, BatchToken, error) {
	for {
		ro.mu.Lock()
		tag, ok := ro.workerTag[workerID]
		if !ok {
			ro.mu.Unlock()
			return nil, BatchToken{}, fmt.Errorf("unregistered worker: %s", workerID)
		}

		for _, service := range ro.backendServices[tag] {
			q := ro.queues[service]
			if len(q) == 0 {
				continue
			}
			n := ro.maxBatch[service]
			if n > len(q) {
				n = len(q)
			}
			entries := q[:n]
			ro.queues[service] = q[n:]

			token := BatchToken{id: uuid.NewString()}
			batch := &inFlightBatch{service: service, entries: entries}
			if d := ro.stageTimeout[service]; d > 0 {
				batch.timer = time.AfterFunc(d, func() { ro.timeoutBatch(token) })
			}
			ro.inFlight[token.id] = batch

			ro.batchSize.Record(context.Background(), int64(n), metric.WithAttributes(attribute.String("service", service)))
			ro.mu.Unlock()

			inputs := make([]any, n)
			for i, e := range entries {
				inputs[i] = e.input
			}
			return inputs, token, nil
		}

		wake := ro.wake
		ro.mu.Unlock()

		select {
		case <-wake:
		case <-ctx.Done():
			return nil, BatchToken{}, ctx.Err()
		}
	}
}

// CompleteBatch resolves every entry in the batch with the matching result
// by index, or, if batchErr is set, resolves all entries with that same
// failure. A batch that already timed out is a no-op: its late results are
// discarded.
func (ro *Router) CompleteBatch(token BatchToken, results []any, batchErr error) {
	ro.mu.Lock()
	batch, ok := ro.inFlight[token.id]
	if !ok || batch.completed {
		ro.mu.Unlock()
		return
	}
	batch.completed = true
	if batch.timer != nil {
		batch.timer.Stop()
	}
	delete(ro.inFlight, token.id)
	entries := batch.entries
	service := batch.service
	ro.mu.Unlock()

	if batchErr != nil {
		ro.failures.Add(context.Background(), 1, metric.WithAttributes(attribute.String("service", service)))
		for _, e := range entries {
			e.future.resolve(Result{Err: batchErr})
		}
		return
	}

	if len(results) != len(entries) {
		err := fmt.Errorf("%w: handler returned %d results for a batch of %d", ErrUserCodeFailure, len(results), len(entries))
		ro.failures.Add(context.Background(), 1, metric.WithAttributes(attribute.String("service", service)))
		for _, e := range entries {
			e.future.resolve(Result{Err: err})
		}
		return
	}

	for i, e := range entries {
		e.future.resolve(Result{Value: results[i]})
	}
}

func (ro *Router) timeoutBatch(token BatchToken) {
	ro.CompleteBatch(token, nil, ErrStageTimeout)
}

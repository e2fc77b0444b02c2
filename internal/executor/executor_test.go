package executor

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/swarmguard/servedag/internal/registry"
	"github.com/swarmguard/servedag/internal/router"
)

// harness wires a registry + router together, as cmd/servedag/main.go does
// at startup; each test starts its own workers with startWorker.
type harness struct {
	reg *registry.Registry
	ro  *router.Router
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return &harness{reg: registry.New(), ro: router.New()}
}

func (h *harness) startWorker(ctx context.Context, t *testing.T, id, backend string, fn router.Callable) {
	t.Helper()
	w := &router.Worker{ID: id, BackendTag: backend, Callable: fn}
	go w.Run(ctx, h.ro)
}

func must(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// linearPipeline builds A(max 2, doubles ints) -> B(max 4, adds 1), routed at
// /p, matching scenario 1 in SPEC_FULL §8.
func (h *harness) linearPipeline(ctx context.Context, t *testing.T) {
	t.Helper()
	must(t, h.reg.CreateBackend("cpu-a"))
	must(t, h.reg.CreateBackend("cpu-b"))
	must(t, h.reg.CreateService("A", 2))
	must(t, h.reg.CreateService("B", 4))
	must(t, h.reg.LinkService("A", "cpu-a"))
	must(t, h.reg.LinkService("B", "cpu-b"))
	h.ro.Link("A", "cpu-a")
	h.ro.Link("B", "cpu-b")
	must(t, h.ro.SetMaxBatch("A", 2))
	must(t, h.ro.SetMaxBatch("B", 4))
	must(t, h.reg.CreatePipeline("p"))
	must(t, h.reg.AddNode("p", "A"))
	must(t, h.reg.AddNode("p", "B"))
	must(t, h.reg.AddEdge("p", "A", "B"))
	must(t, h.reg.Provision(ctx, "p"))
	must(t, h.reg.RegisterEndpoint("/p", "p"))
}

func TestLinearTwoStagePipeline(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	h := newHarness(t)
	h.linearPipeline(ctx, t)

	h.startWorker(ctx, t, "a1", "cpu-a", func(_ context.Context, batch []any) ([]any, error) {
		out := make([]any, len(batch))
		for i, v := range batch {
			out[i] = v.(int) * 2
		}
		return out, nil
	})
	h.startWorker(ctx, t, "b1", "cpu-b", func(_ context.Context, batch []any) ([]any, error) {
		out := make([]any, len(batch))
		for i, v := range batch {
			preds := v.(map[string]any)
			out[i] = preds["A"].(int) + 1
		}
		return out, nil
	})

	exec := New(h.ro)
	dep, err := h.reg.GetDependency("p")
	must(t, err)

	source := func(service string) (any, bool) {
		if service == "A" {
			return 3, true
		}
		return nil, false
	}

	result, err := exec.Run(ctx, "p", dep, source)
	must(t, err)
	if result.(int) != 7 {
		t.Fatalf("expected 7, got %v", result)
	}
}

func TestBatchingUnderConcurrency(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	h := newHarness(t)
	h.linearPipeline(ctx, t)

	var batchCount int32
	h.startWorker(ctx, t, "a1", "cpu-a", func(_ context.Context, batch []any) ([]any, error) {
		atomic.AddInt32(&batchCount, 1)
		out := make([]any, len(batch))
		for i, v := range batch {
			out[i] = v.(int) * 2
		}
		return out, nil
	})
	h.startWorker(ctx, t, "b1", "cpu-b", func(_ context.Context, batch []any) ([]any, error) {
		out := make([]any, len(batch))
		for i, v := range batch {
			preds := v.(map[string]any)
			out[i] = preds["A"].(int) + 1
		}
		return out, nil
	})

	dep, err := h.reg.GetDependency("p")
	must(t, err)
	exec := New(h.ro)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			source := func(service string) (any, bool) {
				if service == "A" {
					return i, true
				}
				return nil, false
			}
			if _, err := exec.Run(ctx, "p", dep, source); err != nil {
				t.Errorf("request %d failed: %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	if c := atomic.LoadInt32(&batchCount); c > 5 {
		t.Fatalf("expected at most ceil(10/2)=5 batches to backend A, observed %d", c)
	}
}

func TestFanInJoin(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	h := newHarness(t)
	must(t, h.reg.CreateBackend("cpu-sources"))
	must(t, h.reg.CreateBackend("cpu-sink"))
	for _, svc := range []string{"X", "Y"} {
		must(t, h.reg.CreateService(svc, 1))
		must(t, h.reg.LinkService(svc, "cpu-sources"))
		h.ro.Link(svc, "cpu-sources")
		must(t, h.ro.SetMaxBatch(svc, 1))
	}
	must(t, h.reg.CreateService("Z", 1))
	must(t, h.reg.LinkService("Z", "cpu-sink"))
	h.ro.Link("Z", "cpu-sink")
	must(t, h.ro.SetMaxBatch("Z", 1))

	must(t, h.reg.CreatePipeline("q"))
	must(t, h.reg.AddEdge("q", "X", "Z"))
	must(t, h.reg.AddEdge("q", "Y", "Z"))
	must(t, h.reg.Provision(ctx, "q"))

	identity := func(_ context.Context, batch []any) ([]any, error) { return batch, nil }
	h.startWorker(ctx, t, "x1", "cpu-sources", identity)

	h.startWorker(ctx, t, "z1", "cpu-sink", func(_ context.Context, batch []any) ([]any, error) {
		zInput := batch[0].(map[string]any)
		sum := zInput["X"].(int) + zInput["Y"].(int)
		return []any{sum}, nil
	})

	dep, err := h.reg.GetDependency("q")
	must(t, err)
	exec := New(h.ro)

	source := func(service string) (any, bool) {
		switch service {
		case "X":
			return 1, true
		case "Y":
			return 2, true
		default:
			return nil, false
		}
	}
	result, err := exec.Run(ctx, "q", dep, source)
	must(t, err)
	if result.(int) != 3 {
		t.Fatalf("expected Z to sum X+Y=3, got %v", result)
	}
}

func TestMissingSourceInput(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	h := newHarness(t)
	must(t, h.reg.CreateBackend("cpu"))
	must(t, h.reg.CreateBackend("cpu-y"))
	for _, svc := range []string{"X", "Y", "Z"} {
		backend := "cpu"
		if svc == "Y" {
			backend = "cpu-y"
		}
		must(t, h.reg.CreateService(svc, 1))
		must(t, h.reg.LinkService(svc, backend))
		h.ro.Link(svc, backend)
		must(t, h.ro.SetMaxBatch(svc, 1))
	}
	must(t, h.reg.CreatePipeline("q"))
	must(t, h.reg.AddEdge("q", "X", "Z"))
	must(t, h.reg.AddEdge("q", "Y", "Z"))
	must(t, h.reg.Provision(ctx, "q"))

	var yCalled int32
	identity := func(_ context.Context, batch []any) ([]any, error) { return batch, nil }
	h.startWorker(ctx, t, "x1", "cpu", identity)
	h.startWorker(ctx, t, "y1", "cpu-y", func(ctx context.Context, batch []any) ([]any, error) {
		atomic.AddInt32(&yCalled, 1)
		return identity(ctx, batch)
	})

	dep, err := h.reg.GetDependency("q")
	must(t, err)
	exec := New(h.ro)

	source := func(service string) (any, bool) {
		if service == "X" {
			return 1, true
		}
		return nil, false
	}
	_, err = exec.Run(ctx, "q", dep, source)
	if err == nil {
		t.Fatalf("expected missing-input error")
	}
	if atomic.LoadInt32(&yCalled) != 0 {
		t.Fatalf("Y's backend must not be called when its input is missing")
	}
}

func TestUserCodeFailureThenRecovery(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	h := newHarness(t)
	must(t, h.reg.CreateBackend("cpu"))
	must(t, h.reg.CreateService("A", 1))
	must(t, h.reg.LinkService("A", "cpu"))
	h.ro.Link("A", "cpu")
	must(t, h.ro.SetMaxBatch("A", 1))
	must(t, h.reg.CreatePipeline("p"))
	must(t, h.reg.AddNode("p", "A"))
	must(t, h.reg.Provision(ctx, "p"))

	h.startWorker(ctx, t, "a1", "cpu", func(_ context.Context, batch []any) ([]any, error) {
		v := batch[0].(int)
		if v < 0 {
			return nil, fmt.Errorf("negative input: %d", v)
		}
		return []any{v * 2}, nil
	})

	dep, err := h.reg.GetDependency("p")
	must(t, err)
	exec := New(h.ro)

	failSource := func(string) (any, bool) { return -1, true }
	if _, err := exec.Run(ctx, "p", dep, failSource); err == nil {
		t.Fatalf("expected user-code failure for negative input")
	}

	okSource := func(string) (any, bool) { return 2, true }
	result, err := exec.Run(ctx, "p", dep, okSource)
	must(t, err)
	if result.(int) != 4 {
		t.Fatalf("worker should remain usable after a failed batch, got %v", result)
	}
}

func TestUnknownPathReturns404(t *testing.T) {
	h := newHarness(t)
	edge := NewEdge(h.reg, New(h.ro), time.Second)

	req := httptest.NewRequest(http.MethodGet, "/does-not-exist", nil)
	w := httptest.NewRecorder()
	edge.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "/") {
		t.Fatalf("expected 404 body to name / as the index, got %q", w.Body.String())
	}
}

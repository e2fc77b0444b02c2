package registry

import (
	"context"
	"errors"
	"testing"
)

func setupLinear(t *testing.T) *Registry {
	t.Helper()
	r := New()
	must(t, r.CreateBackend("cpu-a"))
	must(t, r.CreateBackend("cpu-b"))
	must(t, r.CreateService("A", 2))
	must(t, r.CreateService("B", 4))
	must(t, r.LinkService("A", "cpu-a"))
	must(t, r.LinkService("B", "cpu-b"))
	must(t, r.CreatePipeline("p"))
	must(t, r.AddNode("p", "A"))
	must(t, r.AddNode("p", "B"))
	must(t, r.AddEdge("p", "A", "B"))
	return r
}

func must(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestProvisionTopologicalCorrectness(t *testing.T) {
	r := setupLinear(t)
	must(t, r.Provision(context.Background(), "p"))

	dep, err := r.GetDependency("p")
	must(t, err)

	idx := make(map[string]int, len(dep.NodeOrder))
	for i, n := range dep.NodeOrder {
		idx[n] = i
	}
	if idx["A"] >= idx["B"] {
		t.Fatalf("expected A before B in node_order, got %v", dep.NodeOrder)
	}
	if got := dep.Successors["A"]; len(got) != 1 || got[0] != "B" {
		t.Fatalf("expected A's successors to be [B], got %v", got)
	}
}

func TestDAGFreezeAfterProvision(t *testing.T) {
	r := setupLinear(t)
	must(t, r.Provision(context.Background(), "p"))

	before, _ := r.GetDependency("p")

	if err := r.AddNode("p", "A"); !errors.Is(err, ErrPipelineFrozen) {
		t.Fatalf("expected ErrPipelineFrozen, got %v", err)
	}
	if err := r.AddEdge("p", "A", "B"); !errors.Is(err, ErrPipelineFrozen) {
		t.Fatalf("expected ErrPipelineFrozen, got %v", err)
	}

	after, _ := r.GetDependency("p")
	if len(before.NodeOrder) != len(after.NodeOrder) {
		t.Fatalf("node_order changed after a rejected mutation")
	}
}

func TestAcyclicityRejectsCycle(t *testing.T) {
	r := New()
	must(t, r.CreateBackend("cpu"))
	must(t, r.CreateService("A", 1))
	must(t, r.CreateService("B", 1))
	must(t, r.LinkService("A", "cpu"))
	must(t, r.LinkService("B", "cpu"))
	must(t, r.CreatePipeline("cyclic"))
	must(t, r.AddEdge("cyclic", "A", "B"))
	must(t, r.AddEdge("cyclic", "B", "A"))

	err := r.Provision(context.Background(), "cyclic")
	if !errors.Is(err, ErrCyclicPipeline) {
		t.Fatalf("expected ErrCyclicPipeline, got %v", err)
	}

	if _, err := r.GetDependency("cyclic"); err == nil {
		t.Fatalf("expected cyclic pipeline to remain unprovisioned")
	}
}

func TestProvisionRejectsUnlinkedService(t *testing.T) {
	r := New()
	must(t, r.CreateService("A", 1))
	must(t, r.CreatePipeline("p"))
	must(t, r.AddNode("p", "A"))

	err := r.Provision(context.Background(), "p")
	if !errors.Is(err, ErrNotLinked) {
		t.Fatalf("expected ErrNotLinked, got %v", err)
	}
}

func TestProvisionTwiceFails(t *testing.T) {
	r := setupLinear(t)
	must(t, r.Provision(context.Background(), "p"))
	err := r.Provision(context.Background(), "p")
	if !errors.Is(err, ErrAlreadyProvisioned) {
		t.Fatalf("expected ErrAlreadyProvisioned, got %v", err)
	}
}

func TestIdempotentSnapshots(t *testing.T) {
	r := setupLinear(t)
	must(t, r.Provision(context.Background(), "p"))
	must(t, r.RegisterEndpoint("/p", "p"))

	first := r.ListService()
	firstDeps := r.ListPipelineService()
	second := r.ListService()
	secondDeps := r.ListPipelineService()

	if len(first) != len(second) || first["/p"] != second["/p"] {
		t.Fatalf("routing snapshots differ across consecutive refreshes: %v vs %v", first, second)
	}
	if len(firstDeps["p"].NodeOrder) != len(secondDeps["p"].NodeOrder) {
		t.Fatalf("pipeline snapshots differ across consecutive refreshes")
	}
}

func TestUnknownNameErrors(t *testing.T) {
	r := New()
	if err := r.LinkService("ghost", "cpu"); !errors.Is(err, ErrUnknownName) {
		t.Fatalf("expected ErrUnknownName, got %v", err)
	}
	if err := r.AddNode("ghost-pipeline", "A"); !errors.Is(err, ErrUnknownName) {
		t.Fatalf("expected ErrUnknownName, got %v", err)
	}
}

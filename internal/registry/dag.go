package registry

import (
	"fmt"
	"sort"
)

// PipelineState tracks whether a pipeline's DAG can still be mutated.
type PipelineState string

const (
	PipelineBuilding    PipelineState = "building"
	PipelineProvisioned PipelineState = "provisioned"
)

// Pipeline is a DAG over service names. Before provisioning it is mutable
// (AddNode/AddEdge); afterwards node_order and successors are frozen and any
// further mutation fails with ErrPipelineFrozen.
type Pipeline struct {
	Name  string
	State PipelineState

	nodes map[string]struct{}
	edges map[string]map[string]struct{} // src -> set(dst)

	// Frozen at provisioning time.
	NodeOrder  []string
	Successors map[string][]string
}

func newPipeline(name string) *Pipeline {
	return &Pipeline{
		Name:  name,
		State: PipelineBuilding,
		nodes: make(map[string]struct{}),
		edges: make(map[string]map[string]struct{}),
	}
}

func (p *Pipeline) addNode(service string) error {
	if p.State == PipelineProvisioned {
		return fmt.Errorf("%w: pipeline %s", ErrPipelineFrozen, p.Name)
	}
	p.nodes[service] = struct{}{}
	return nil
}

func (p *Pipeline) addEdge(src, dst string) error {
	if p.State == PipelineProvisioned {
		return fmt.Errorf("%w: pipeline %s", ErrPipelineFrozen, p.Name)
	}
	p.nodes[src] = struct{}{}
	p.nodes[dst] = struct{}{}
	if p.edges[src] == nil {
		p.edges[src] = make(map[string]struct{})
	}
	p.edges[src][dst] = struct{}{}
	return nil
}

// Sources returns the service names with no predecessor, in sorted order.
func (p *Pipeline) Sources() []string {
	hasPred := make(map[string]bool)
	for _, dsts := range p.edges {
		for dst := range dsts {
			hasPred[dst] = true
		}
	}
	var out []string
	for n := range p.nodes {
		if !hasPred[n] {
			out = append(out, n)
		}
	}
	sort.Strings(out)
	return out
}

// provision computes a deterministic topological order via Kahn's algorithm
// (ties broken by service name) and freezes the per-node successor lists.
// It returns ErrCyclicPipeline, leaving the pipeline unmutated, if the graph
// is not acyclic.
func (p *Pipeline) provision() error {
	indeg := make(map[string]int, len(p.nodes))
	for n := range p.nodes {
		indeg[n] = 0
	}
	for _, dsts := range p.edges {
		for dst := range dsts {
			indeg[dst]++
		}
	}

	successors := make(map[string][]string, len(p.nodes))
	for n := range p.nodes {
		dsts := make([]string, 0, len(p.edges[n]))
		for d := range p.edges[n] {
			dsts = append(dsts, d)
		}
		sort.Strings(dsts)
		successors[n] = dsts
	}

	var ready []string
	for n, d := range indeg {
		if d == 0 {
			ready = append(ready, n)
		}
	}
	sort.Strings(ready)

	order := make([]string, 0, len(p.nodes))
	for len(ready) > 0 {
		sort.Strings(ready)
		n := ready[0]
		ready = ready[1:]
		order = append(order, n)
		for _, child := range successors[n] {
			indeg[child]--
			if indeg[child] == 0 {
				ready = append(ready, child)
			}
		}
	}

	if len(order) != len(p.nodes) {
		return fmt.Errorf("%w: %s", ErrCyclicPipeline, p.Name)
	}

	p.NodeOrder = order
	p.Successors = successors
	p.State = PipelineProvisioned
	return nil
}

// Dependency is the snapshot shape handed to the HTTP edge / executor.
type Dependency struct {
	NodeOrder  []string            `json:"node_order"`
	Successors map[string][]string `json:"successors"`
}

func (p *Pipeline) dependency() Dependency {
	succ := make(map[string][]string, len(p.Successors))
	for k, v := range p.Successors {
		cp := make([]string, len(v))
		copy(cp, v)
		succ[k] = cp
	}
	return Dependency{
		NodeOrder:  append([]string(nil), p.NodeOrder...),
		Successors: succ,
	}
}

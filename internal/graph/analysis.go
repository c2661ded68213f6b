package graph

import (
	"container/heap"
	"sort"

	"github.com/pkg/errors"
)

// Cone is the backward closure of a set of values.
type Cone struct {
	// Ops in deterministic topological order.
	Ops []OpRef
	// Leaves are values in the cone without a producer, ascending.
	Leaves []ValueRef
}

// Cone returns every operation and leaf the given values depend on.
func (g *Graph) Cone(outputs ...ValueRef) (Cone, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	for _, v := range outputs {
		if _, err := g.value(v); err != nil {
			return Cone{}, err
		}
	}
	ops, leaves := g.coneLocked(outputs)
	return Cone{Ops: g.topoOrderLocked(ops), Leaves: leaves}, nil
}

func (g *Graph) coneLocked(outputs []ValueRef) ([]OpRef, []ValueRef) {
	seenV := make(map[ValueRef]bool)
	seenO := make(map[OpRef]bool)
	var ops []OpRef
	var leaves []ValueRef
	stack := append([]ValueRef(nil), outputs...)
	for len(stack) > 0 {
		v := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seenV[v] {
			continue
		}
		seenV[v] = true
		p := g.nodes[v].producer
		if p == NoOp {
			leaves = append(leaves, v)
			continue
		}
		if !seenO[p] {
			seenO[p] = true
			ops = append(ops, p)
			stack = append(stack, g.nodes[p].inputs...)
		}
	}
	sortValues(leaves)
	return ops, leaves
}

// TopoOrder sorts ops so every producer precedes its consumers. Among ops
// whose dependencies are satisfied, the earliest created runs first.
func (g *Graph) TopoOrder(ops []OpRef) ([]OpRef, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	for _, o := range ops {
		if _, err := g.operation(o); err != nil {
			return nil, err
		}
	}
	order := g.topoOrderLocked(ops)
	if len(order) != len(dedupOps(ops)) {
		return nil, errors.Wrap(ErrCycleDetected, "topological sort did not cover every operation")
	}
	return order, nil
}

func (g *Graph) topoOrderLocked(ops []OpRef) []OpRef {
	in := make(map[OpRef]bool, len(ops))
	for _, o := range ops {
		in[o] = true
	}

	indeg := make(map[OpRef]int, len(in))
	dependents := make(map[OpRef][]OpRef, len(in))
	for o := range in {
		deps := make(map[OpRef]bool)
		for _, v := range g.nodes[o].inputs {
			p := g.nodes[v].producer
			if p != NoOp && in[p] && !deps[p] {
				deps[p] = true
				dependents[p] = append(dependents[p], o)
			}
		}
		indeg[o] = len(deps)
	}

	ready := &opHeap{}
	for o := range in {
		if indeg[o] == 0 {
			heap.Push(ready, o)
		}
	}
	order := make([]OpRef, 0, len(in))
	for ready.Len() > 0 {
		o := heap.Pop(ready).(OpRef)
		order = append(order, o)
		for _, d := range dependents[o] {
			indeg[d]--
			if indeg[d] == 0 {
				heap.Push(ready, d)
			}
		}
	}
	return order
}

func (g *Graph) liveOpsLocked() []OpRef {
	var ops []OpRef
	for i := range g.nodes {
		if g.nodes[i].kind == opNode && !g.nodes[i].detached {
			ops = append(ops, OpRef(i))
		}
	}
	return ops
}

// Ancestors returns every value v transitively depends on, v excluded.
func (g *Graph) Ancestors(v ValueRef) []ValueRef {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if !g.inRange(NodeID(v)) {
		return nil
	}
	seen := make(map[ValueRef]bool)
	var stack []ValueRef
	if p := g.nodes[v].producer; p != NoOp {
		stack = append(stack, g.nodes[p].inputs...)
	}
	for len(stack) > 0 {
		u := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[u] {
			continue
		}
		seen[u] = true
		if p := g.nodes[u].producer; p != NoOp {
			stack = append(stack, g.nodes[p].inputs...)
		}
	}
	out := make([]ValueRef, 0, len(seen))
	for u := range seen {
		out = append(out, u)
	}
	sortValues(out)
	return out
}

// Downstream returns the set of live operations reachable forward from
// the given values.
func (g *Graph) Downstream(values ...ValueRef) map[OpRef]bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	reach := make(map[OpRef]bool)
	stack := append([]ValueRef(nil), values...)
	for len(stack) > 0 {
		v := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if !g.inRange(NodeID(v)) {
			continue
		}
		for _, c := range g.nodes[v].consumers {
			if reach[c] || g.nodes[c].detached {
				continue
			}
			reach[c] = true
			stack = append(stack, g.nodes[c].outputs...)
		}
	}
	return reach
}

type opHeap []OpRef

func (h opHeap) Len() int           { return len(h) }
func (h opHeap) Less(i, j int) bool { return h[i] < h[j] }
func (h opHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *opHeap) Push(x any)        { *h = append(*h, x.(OpRef)) }
func (h *opHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

func dedupOps(ops []OpRef) map[OpRef]bool {
	m := make(map[OpRef]bool, len(ops))
	for _, o := range ops {
		m[o] = true
	}
	return m
}

func sortValues(vs []ValueRef) {
	sort.Slice(vs, func(i, j int) bool { return vs[i] < vs[j] })
}

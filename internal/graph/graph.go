// Package graph implements the dataflow graph: an arena of operation and
// value nodes addressed by handles, with shape inference at construction
// time and structural queries used by differentiation, planning and caching.
//
// A Graph follows a single-writer discipline. Queries are safe to run
// concurrently with each other; mutations must not overlap with anything
// else touching the same graph.
package graph

import (
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/born-ml/dataflow/internal/tensor"
)

// Graph is a directed acyclic dataflow graph.
type Graph struct {
	mu sync.RWMutex

	id    uuid.UUID
	nodes []node

	valueNames map[string]ValueRef
	opNames    map[string]OpRef

	// epoch increases on every removal or compaction.
	epoch uint64

	observers    []observerEntry
	nextObserver int
}

// New creates an empty graph with a fresh identity.
func New() *Graph {
	return &Graph{
		id:         uuid.New(),
		valueNames: make(map[string]ValueRef),
		opNames:    make(map[string]OpRef),
	}
}

// ID returns the graph's identity.
func (g *Graph) ID() uuid.UUID {
	return g.id
}

// Epoch returns the structural epoch. Derived artifacts recorded at an older
// epoch may reference removed or renumbered nodes.
func (g *Graph) Epoch() uint64 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.epoch
}

// NumNodes returns the arena size, detached nodes included.
func (g *Graph) NumNodes() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.nodes)
}

func (g *Graph) value(v ValueRef) (*node, error) {
	if v < 0 || int(v) >= len(g.nodes) || g.nodes[v].kind != valueNode {
		return nil, errors.Wrapf(ErrInvalidReference, "%s is not a value", v)
	}
	n := &g.nodes[v]
	if n.detached {
		return nil, errors.Wrapf(ErrInvalidReference, "value %q (%s) is detached", n.name, v)
	}
	return n, nil
}

func (g *Graph) operation(o OpRef) (*node, error) {
	if o < 0 || int(o) >= len(g.nodes) || g.nodes[o].kind != opNode {
		return nil, errors.Wrapf(ErrInvalidReference, "%s is not an operation", o)
	}
	n := &g.nodes[o]
	if n.detached {
		return nil, errors.Wrapf(ErrInvalidReference, "operation %q (%s) is detached", n.name, o)
	}
	return n, nil
}

// Validate returns an error if v is not a live value.
func (g *Graph) Validate(v ValueRef) error {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, err := g.value(v)
	return err
}

// IsDetached reports whether id names a removed node.
func (g *Graph) IsDetached(id NodeID) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return id >= 0 && int(id) < len(g.nodes) && g.nodes[id].detached
}

// Spec returns the declared spec of v. The zero Spec is returned for
// invalid handles.
func (g *Graph) Spec(v ValueRef) tensor.Spec {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if !g.inRange(NodeID(v)) {
		return tensor.Spec{}
	}
	return g.nodes[v].spec.Clone()
}

// Kind returns the kind of value v.
func (g *Graph) Kind(v ValueRef) ValueKind {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if !g.inRange(NodeID(v)) {
		return Placeholder
	}
	return g.nodes[v].vkind
}

// Name returns the unique name of value v.
func (g *Graph) Name(v ValueRef) string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if !g.inRange(NodeID(v)) {
		return ""
	}
	return g.nodes[v].name
}

// OpName returns the unique name of operation o.
func (g *Graph) OpName(o OpRef) string {
	return g.Name(ValueRef(o))
}

// Producer returns the operation producing v and the output index, or NoOp.
func (g *Graph) Producer(v ValueRef) (OpRef, int) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if !g.inRange(NodeID(v)) {
		return NoOp, 0
	}
	n := &g.nodes[v]
	return n.producer, n.outIndex
}

// Consumers returns the live operations reading v, in creation order.
func (g *Graph) Consumers(v ValueRef) []OpRef {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if !g.inRange(NodeID(v)) {
		return nil
	}
	return append([]OpRef(nil), g.nodes[v].consumers...)
}

// Operator returns the operator of o.
func (g *Graph) Operator(o OpRef) Operator {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if !g.inRange(NodeID(o)) {
		return nil
	}
	return g.nodes[o].op
}

// Inputs returns the input values of o.
func (g *Graph) Inputs(o OpRef) []ValueRef {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if !g.inRange(NodeID(o)) {
		return nil
	}
	return append([]ValueRef(nil), g.nodes[o].inputs...)
}

// Outputs returns the output values of o.
func (g *Graph) Outputs(o OpRef) []ValueRef {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if !g.inRange(NodeID(o)) {
		return nil
	}
	return append([]ValueRef(nil), g.nodes[o].outputs...)
}

// ConstantValue returns the tensor held by a Constant value.
func (g *Graph) ConstantValue(v ValueRef) *tensor.RawTensor {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if !g.inRange(NodeID(v)) {
		return nil
	}
	return g.nodes[v].constant
}

// InitializerOf returns the initializer of a Parameter, or nil.
func (g *Graph) InitializerOf(v ValueRef) Initializer {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if !g.inRange(NodeID(v)) {
		return nil
	}
	return g.nodes[v].init
}

// ValueByName looks a live value up by name.
func (g *Graph) ValueByName(name string) (ValueRef, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	v, ok := g.valueNames[name]
	return v, ok
}

// OpByName looks a live operation up by name.
func (g *Graph) OpByName(name string) (OpRef, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	o, ok := g.opNames[name]
	return o, ok
}

// Values returns live values of the given kinds in creation order; no kinds
// means all.
func (g *Graph) Values(kinds ...ValueKind) []ValueRef {
	g.mu.RLock()
	defer g.mu.RUnlock()
	var out []ValueRef
	for i := range g.nodes {
		n := &g.nodes[i]
		if n.kind != valueNode || n.detached {
			continue
		}
		if len(kinds) == 0 || containsKind(kinds, n.vkind) {
			out = append(out, ValueRef(i))
		}
	}
	return out
}

// Ops returns live operations in creation order.
func (g *Graph) Ops() []OpRef {
	g.mu.RLock()
	defer g.mu.RUnlock()
	var out []OpRef
	for i := range g.nodes {
		if g.nodes[i].kind == opNode && !g.nodes[i].detached {
			out = append(out, OpRef(i))
		}
	}
	return out
}

func (g *Graph) inRange(id NodeID) bool {
	return id >= 0 && int(id) < len(g.nodes)
}

func containsKind(kinds []ValueKind, k ValueKind) bool {
	for _, kk := range kinds {
		if kk == k {
			return true
		}
	}
	return false
}

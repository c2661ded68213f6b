package graph

import (
	"sort"

	"github.com/pkg/errors"

	"github.com/born-ml/dataflow/internal/tensor"
)

// specOverlay holds tentative spec refinements so a failed propagation
// leaves the graph untouched.
type specOverlay map[ValueRef]tensor.Spec

func (g *Graph) specOf(ov specOverlay, v ValueRef) tensor.Spec {
	if s, ok := ov[v]; ok {
		return s
	}
	return g.nodes[v].spec
}

// commit applies the overlay and returns the values whose spec changed,
// in ascending order.
func (ov specOverlay) commit(g *Graph) []ValueRef {
	var changed []ValueRef
	for v, s := range ov {
		if !g.nodes[v].spec.Equal(s) {
			g.nodes[v].spec = s
			changed = append(changed, v)
		}
	}
	sort.Slice(changed, func(i, j int) bool { return changed[i] < changed[j] })
	return changed
}

// propagate re-infers consumers of refined values until no spec changes.
// Refinement only replaces Unknown axes, so it terminates.
func (g *Graph) propagate(ov specOverlay, refined []ValueRef) error {
	pending := make(map[OpRef]bool)
	push := func(v ValueRef) {
		for _, c := range g.nodes[v].consumers {
			if !g.nodes[c].detached {
				pending[c] = true
			}
		}
	}
	for _, v := range refined {
		push(v)
	}

	for len(pending) > 0 {
		o := minOp(pending)
		delete(pending, o)

		n := &g.nodes[o]
		in := make([]tensor.Spec, len(n.inputs))
		for i, v := range n.inputs {
			in[i] = g.specOf(ov, v)
		}
		out, err := inferShapes(n.op, in)
		if err != nil {
			return errors.WithMessagef(err, "operation %q", n.name)
		}
		if len(out) != len(n.outputs) {
			return errors.Wrapf(ErrShapeMismatch, "operation %q now infers %d outputs, has %d", n.name, len(out), len(n.outputs))
		}
		for i, v := range n.outputs {
			cur := g.specOf(ov, v)
			merged, err := tensor.MergeSpec(cur, out[i])
			if err != nil {
				return errors.WithMessagef(err, "operation %q output %d", n.name, i)
			}
			if !merged.Equal(cur) {
				ov[v] = merged
				push(v)
			}
		}
	}
	return nil
}

func minOp(set map[OpRef]bool) OpRef {
	best := NoOp
	for o := range set {
		if best == NoOp || o < best {
			best = o
		}
	}
	return best
}

// Reinfer re-runs shape inference over every live operation in topological
// order and merges the results into the declared specs. On a fully
// propagated graph it changes nothing.
func (g *Graph) Reinfer() error {
	g.mu.Lock()
	ov := specOverlay{}
	var err error
	for _, o := range g.topoOrderLocked(g.liveOpsLocked()) {
		n := &g.nodes[o]
		in := make([]tensor.Spec, len(n.inputs))
		for i, v := range n.inputs {
			in[i] = g.specOf(ov, v)
		}
		var out []tensor.Spec
		out, err = inferShapes(n.op, in)
		if err != nil {
			err = errors.WithMessagef(err, "operation %q", n.name)
			break
		}
		for i, v := range n.outputs {
			if i >= len(out) {
				err = errors.Wrapf(ErrShapeMismatch, "operation %q infers %d outputs, has %d", n.name, len(out), len(n.outputs))
				break
			}
			var merged tensor.Spec
			merged, err = tensor.MergeSpec(g.specOf(ov, v), out[i])
			if err != nil {
				err = errors.WithMessagef(err, "operation %q output %d", n.name, i)
				break
			}
			ov[v] = merged
		}
		if err != nil {
			break
		}
	}
	if err != nil {
		g.mu.Unlock()
		return err
	}

	changed := ov.commit(g)
	var obs []Observer
	var m Mutation
	if len(changed) > 0 {
		nodes := make([]NodeID, len(changed))
		for i, v := range changed {
			nodes[i] = NodeID(v)
		}
		m = Mutation{Graph: g.id, Kind: MutationAdded, Epoch: g.epoch, Nodes: nodes}
		obs = g.snapshotObservers()
	}
	g.mu.Unlock()

	notify(obs, m)
	return nil
}

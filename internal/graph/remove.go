package graph

import (
	"sort"

	"github.com/pkg/errors"
)

// RemoveSubgraph detaches the given nodes together with everything that can
// no longer be computed without them: consumers of removed values, outputs
// of removed operations, and the producer of a removed value (with its
// other outputs). It returns the detached IDs in ascending order.
//
// Detached handles stay valid for IsDetached queries until Compact.
func (g *Graph) RemoveSubgraph(ids ...NodeID) ([]NodeID, error) {
	g.mu.Lock()
	for _, id := range ids {
		if !g.inRange(id) || g.nodes[id].detached {
			g.mu.Unlock()
			return nil, errors.Wrapf(ErrInvalidReference, "node %d", id)
		}
	}

	marked := make(map[NodeID]bool)
	stack := append([]NodeID(nil), ids...)
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if marked[id] {
			continue
		}
		marked[id] = true
		n := &g.nodes[id]
		if n.kind == valueNode {
			if n.producer != NoOp {
				stack = append(stack, NodeID(n.producer))
			}
			for _, c := range n.consumers {
				stack = append(stack, NodeID(c))
			}
		} else {
			for _, out := range n.outputs {
				stack = append(stack, NodeID(out))
			}
		}
	}

	removed, m, obs := g.detachLocked(marked)
	g.mu.Unlock()

	notify(obs, m)
	return removed, nil
}

// Prune detaches every node that none of retain depends on and returns the
// detached IDs.
func (g *Graph) Prune(retain ...ValueRef) ([]NodeID, error) {
	g.mu.Lock()
	for _, v := range retain {
		if _, err := g.value(v); err != nil {
			g.mu.Unlock()
			return nil, err
		}
	}

	keep := make(map[NodeID]bool)
	ops, leaves := g.coneLocked(retain)
	for _, v := range leaves {
		keep[NodeID(v)] = true
	}
	for _, o := range ops {
		keep[NodeID(o)] = true
		for _, v := range g.nodes[o].outputs {
			keep[NodeID(v)] = true
		}
	}

	marked := make(map[NodeID]bool)
	for i := range g.nodes {
		if !g.nodes[i].detached && !keep[NodeID(i)] {
			marked[NodeID(i)] = true
		}
	}
	if len(marked) == 0 {
		g.mu.Unlock()
		return nil, nil
	}

	removed, m, obs := g.detachLocked(marked)
	g.mu.Unlock()

	notify(obs, m)
	return removed, nil
}

func (g *Graph) detachLocked(marked map[NodeID]bool) ([]NodeID, Mutation, []Observer) {
	removed := make([]NodeID, 0, len(marked))
	for id := range marked {
		removed = append(removed, id)
	}
	sort.Slice(removed, func(i, j int) bool { return removed[i] < removed[j] })

	for _, id := range removed {
		n := &g.nodes[id]
		n.detached = true
		if n.kind == valueNode {
			delete(g.valueNames, n.name)
			continue
		}
		delete(g.opNames, n.name)
		for _, in := range n.inputs {
			if marked[NodeID(in)] {
				continue
			}
			g.nodes[in].consumers = removeOp(g.nodes[in].consumers, OpRef(id))
		}
	}
	g.epoch++

	m := Mutation{Graph: g.id, Kind: MutationRemoved, Epoch: g.epoch, Nodes: removed}
	return removed, m, g.snapshotObservers()
}

func removeOp(ops []OpRef, o OpRef) []OpRef {
	out := ops[:0]
	for _, x := range ops {
		if x != o {
			out = append(out, x)
		}
	}
	return out
}

// Compact drops detached nodes from the arena and renumbers the rest,
// preserving creation order. It returns the old-to-new ID mapping; every
// handle obtained before the call must be translated through it.
func (g *Graph) Compact() map[NodeID]NodeID {
	g.mu.Lock()
	remap := make(map[NodeID]NodeID, len(g.nodes))
	live := make([]node, 0, len(g.nodes))
	for i := range g.nodes {
		if g.nodes[i].detached {
			continue
		}
		remap[NodeID(i)] = NodeID(len(live))
		live = append(live, g.nodes[i])
	}

	g.valueNames = make(map[string]ValueRef, len(live))
	g.opNames = make(map[string]OpRef, len(live))
	for i := range live {
		n := &live[i]
		if n.kind == valueNode {
			if n.producer != NoOp {
				n.producer = OpRef(remap[NodeID(n.producer)])
			}
			consumers := make([]OpRef, len(n.consumers))
			for j, c := range n.consumers {
				consumers[j] = OpRef(remap[NodeID(c)])
			}
			n.consumers = consumers
			g.valueNames[n.name] = ValueRef(i)
			continue
		}
		inputs := make([]ValueRef, len(n.inputs))
		for j, v := range n.inputs {
			inputs[j] = ValueRef(remap[NodeID(v)])
		}
		outputs := make([]ValueRef, len(n.outputs))
		for j, v := range n.outputs {
			outputs[j] = ValueRef(remap[NodeID(v)])
		}
		n.inputs, n.outputs = inputs, outputs
		g.opNames[n.name] = OpRef(i)
	}
	g.nodes = live
	g.epoch++

	m := Mutation{Graph: g.id, Kind: MutationCompacted, Epoch: g.epoch, Remap: remap}
	obs := g.snapshotObservers()
	g.mu.Unlock()

	notify(obs, m)
	return remap
}

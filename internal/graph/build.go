package graph

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/born-ml/dataflow/internal/tensor"
)

// maxAutoNameLen bounds generated names like "add(x,mul(y,z))".
const maxAutoNameLen = 48

// NewInput adds a leaf bound by the caller at every execution.
func (g *Graph) NewInput(name string, spec tensor.Spec) (ValueRef, error) {
	return g.addLeaf(name, "input", Input, spec, nil, nil)
}

// NewParameter adds a leaf bound by the caller. init may be nil.
func (g *Graph) NewParameter(name string, spec tensor.Spec, init Initializer) (ValueRef, error) {
	return g.addLeaf(name, "param", Parameter, spec, nil, init)
}

// NewConstant adds a leaf that carries its own value.
func (g *Graph) NewConstant(name string, value *tensor.RawTensor) (ValueRef, error) {
	if value == nil {
		return NoValue, errors.New("constant value is nil")
	}
	return g.addLeaf(name, "const", Constant, value.Spec(), value, nil)
}

// NewValue adds a placeholder that receives a producer later through
// AddOperationInto.
func (g *Graph) NewValue(name string, spec tensor.Spec) (ValueRef, error) {
	return g.addLeaf(name, "value", Placeholder, spec, nil, nil)
}

func (g *Graph) addLeaf(name, fallback string, kind ValueKind, spec tensor.Spec, value *tensor.RawTensor, init Initializer) (ValueRef, error) {
	if err := spec.Shape.Validate(); err != nil {
		return NoValue, errors.Wrapf(err, "%s %q", kind, name)
	}

	g.mu.Lock()
	if name == "" {
		name = fallback
	}
	id := ValueRef(len(g.nodes))
	g.nodes = append(g.nodes, node{
		kind:     valueNode,
		name:     g.uniqueValueName(name),
		vkind:    kind,
		spec:     spec.Clone(),
		producer: NoOp,
		constant: value,
		init:     init,
	})
	g.valueNames[g.nodes[id].name] = id
	m := Mutation{Graph: g.id, Kind: MutationAdded, Epoch: g.epoch, Nodes: []NodeID{NodeID(id)}}
	obs := g.snapshotObservers()
	g.mu.Unlock()

	notify(obs, m)
	return id, nil
}

// AddOperation adds op applied to inputs and returns its new output values.
// Output specs come from op.InferShapes.
func (g *Graph) AddOperation(op Operator, inputs ...ValueRef) ([]ValueRef, error) {
	o, err := g.addOperation("", op, inputs, nil)
	if err != nil {
		return nil, err
	}
	return g.Outputs(o), nil
}

// AddNamedOperation is AddOperation with an explicit operation name.
func (g *Graph) AddNamedOperation(name string, op Operator, inputs ...ValueRef) ([]ValueRef, error) {
	o, err := g.addOperation(name, op, inputs, nil)
	if err != nil {
		return nil, err
	}
	return g.Outputs(o), nil
}

// AddOperationInto adds op writing into existing placeholder values.
//
// It fails with ErrCycleDetected if an input transitively depends on one of
// the outputs, ErrMultipleProducers if an output is not an unproduced
// placeholder, and ErrShapeMismatch if the inferred specs contradict the
// declared ones or refinements contradict downstream consumers. On error the
// graph is unchanged.
func (g *Graph) AddOperationInto(op Operator, inputs, outputs []ValueRef) (OpRef, error) {
	if len(outputs) == 0 {
		return NoOp, errors.New("AddOperationInto needs at least one output")
	}
	return g.addOperation("", op, inputs, outputs)
}

func (g *Graph) addOperation(name string, op Operator, inputs, into []ValueRef) (OpRef, error) {
	if op == nil {
		return NoOp, errors.New("operator is nil")
	}

	g.mu.Lock()
	opID, m, err := g.addOperationLocked(name, op, inputs, into)
	var obs []Observer
	if err == nil {
		obs = g.snapshotObservers()
	}
	g.mu.Unlock()

	if err != nil {
		return NoOp, err
	}
	notify(obs, m)
	return opID, nil
}

func (g *Graph) addOperationLocked(name string, op Operator, inputs, into []ValueRef) (OpRef, Mutation, error) {
	inSpecs := make([]tensor.Spec, len(inputs))
	for i, in := range inputs {
		n, err := g.value(in)
		if err != nil {
			return NoOp, Mutation{}, errors.WithMessagef(err, "%s input %d", op.Type(), i)
		}
		inSpecs[i] = n.spec
	}
	if a, ok := op.(Arity); ok && a.NumInputs() != len(inputs) {
		return NoOp, Mutation{}, errors.Wrapf(ErrArity, "%s expects %d inputs, got %d", op.Type(), a.NumInputs(), len(inputs))
	}

	inferred, err := inferShapes(op, inSpecs)
	if err != nil {
		return NoOp, Mutation{}, err
	}

	ov := specOverlay{}
	if into != nil {
		if err := g.checkInto(op, inputs, into, inferred, ov); err != nil {
			return NoOp, Mutation{}, err
		}
		if err := g.propagate(ov, into); err != nil {
			return NoOp, Mutation{}, errors.WithMessagef(err, "propagating %s outputs", op.Type())
		}
	}

	// Commit.
	opID := OpRef(len(g.nodes))
	if name == "" {
		name = g.autoName(op, inputs)
	}
	g.nodes = append(g.nodes, node{
		kind:   opNode,
		name:   g.uniqueOpName(name),
		op:     op,
		inputs: append([]ValueRef(nil), inputs...),
	})
	g.opNames[g.nodes[opID].name] = opID
	added := []NodeID{NodeID(opID)}

	outputs := into
	if outputs == nil {
		outputs = make([]ValueRef, len(inferred))
		base := g.nodes[opID].name
		for i, spec := range inferred {
			vname := base
			if len(inferred) > 1 {
				vname = base + ":" + strconv.Itoa(i)
			}
			v := ValueRef(len(g.nodes))
			g.nodes = append(g.nodes, node{
				kind:     valueNode,
				name:     g.uniqueValueName(vname),
				vkind:    Intermediate,
				spec:     spec,
				producer: opID,
				outIndex: i,
			})
			g.valueNames[g.nodes[v].name] = v
			outputs[i] = v
			added = append(added, NodeID(v))
		}
	} else {
		for i, v := range outputs {
			n := &g.nodes[v]
			n.producer = opID
			n.outIndex = i
			n.vkind = Intermediate
			added = append(added, NodeID(v))
		}
	}
	g.nodes[opID].outputs = append([]ValueRef(nil), outputs...)

	for _, in := range inputs {
		c := g.nodes[in].consumers
		if len(c) == 0 || c[len(c)-1] != opID {
			g.nodes[in].consumers = append(c, opID)
		}
	}
	for _, v := range ov.commit(g) {
		added = append(added, NodeID(v))
	}

	return opID, Mutation{Graph: g.id, Kind: MutationAdded, Epoch: g.epoch, Nodes: added}, nil
}

func (g *Graph) checkInto(op Operator, inputs, into []ValueRef, inferred []tensor.Spec, ov specOverlay) error {
	if len(into) != len(inferred) {
		return errors.Wrapf(ErrShapeMismatch, "%s produces %d outputs, %d given", op.Type(), len(inferred), len(into))
	}
	seen := make(map[ValueRef]bool, len(into))
	for i, v := range into {
		n, err := g.value(v)
		if err != nil {
			return errors.WithMessagef(err, "%s output %d", op.Type(), i)
		}
		if seen[v] {
			return errors.Wrapf(ErrMultipleProducers, "value %q listed twice as output of %s", n.name, op.Type())
		}
		seen[v] = true
		if n.producer != NoOp {
			return errors.Wrapf(ErrMultipleProducers, "value %q is already produced by %q", n.name, g.nodes[n.producer].name)
		}
		if n.vkind != Placeholder {
			return errors.Wrapf(ErrMultipleProducers, "value %q is a %s; only placeholders accept a producer", n.name, n.vkind)
		}
		merged, err := tensor.MergeSpec(n.spec, inferred[i])
		if err != nil {
			return errors.WithMessagef(err, "%s output %d into %q", op.Type(), i, n.name)
		}
		ov[v] = merged
	}
	if v, ok := g.dependsOnAny(inputs, seen); ok {
		return errors.Wrapf(ErrCycleDetected, "input of %s depends on its output %q", op.Type(), g.nodes[v].name)
	}
	return nil
}

// dependsOnAny walks producers upward from roots and reports the first
// value of targets it reaches.
func (g *Graph) dependsOnAny(roots []ValueRef, targets map[ValueRef]bool) (ValueRef, bool) {
	visited := make(map[ValueRef]bool)
	stack := append([]ValueRef(nil), roots...)
	for len(stack) > 0 {
		v := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if targets[v] {
			return v, true
		}
		if visited[v] {
			continue
		}
		visited[v] = true
		if p := g.nodes[v].producer; p != NoOp {
			stack = append(stack, g.nodes[p].inputs...)
		}
	}
	return NoValue, false
}

func inferShapes(op Operator, in []tensor.Spec) ([]tensor.Spec, error) {
	out, err := op.InferShapes(in)
	if err != nil {
		if errors.Is(err, tensor.ErrShapeMismatch) {
			return nil, errors.WithMessagef(err, "%s", op.Type())
		}
		return nil, errors.Wrapf(tensor.ErrShapeMismatch, "%s: %v", op.Type(), err)
	}
	for i, s := range out {
		if err := s.Shape.Validate(); err != nil {
			return nil, errors.Wrapf(tensor.ErrShapeMismatch, "%s output %d: %v", op.Type(), i, err)
		}
	}
	return out, nil
}

// SetName renames a value or operation. Names are unique per node kind.
func (g *Graph) SetName(id NodeID, name string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.inRange(id) || g.nodes[id].detached {
		return errors.Wrapf(ErrInvalidReference, "node %d", id)
	}
	n := &g.nodes[id]
	if n.name == name {
		return nil
	}
	if n.kind == valueNode {
		if _, taken := g.valueNames[name]; taken {
			return errors.Errorf("value name %q already in use", name)
		}
		delete(g.valueNames, n.name)
		g.valueNames[name] = ValueRef(id)
	} else {
		if _, taken := g.opNames[name]; taken {
			return errors.Errorf("operation name %q already in use", name)
		}
		delete(g.opNames, n.name)
		g.opNames[name] = OpRef(id)
	}
	n.name = name
	return nil
}

func (g *Graph) autoName(op Operator, inputs []ValueRef) string {
	names := make([]string, len(inputs))
	for i, in := range inputs {
		names[i] = g.nodes[in].name
	}
	name := strings.ToLower(op.Type()) + "(" + strings.Join(names, ",") + ")"
	if len(name) > maxAutoNameLen {
		return strings.ToLower(op.Type())
	}
	return name
}

func (g *Graph) uniqueValueName(base string) string {
	return uniqueName(base, func(s string) bool { _, ok := g.valueNames[s]; return ok })
}

func (g *Graph) uniqueOpName(base string) string {
	return uniqueName(base, func(s string) bool { _, ok := g.opNames[s]; return ok })
}

func uniqueName(base string, taken func(string) bool) string {
	if !taken(base) {
		return base
	}
	for i := 1; ; i++ {
		candidate := base + "_" + strconv.Itoa(i)
		if !taken(candidate) {
			return candidate
		}
	}
}

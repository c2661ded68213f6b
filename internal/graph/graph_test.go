package graph

import (
	"bytes"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/dataflow/internal/tensor"
)

// elemOp unifies all input shapes like an elementwise operator.
type elemOp struct {
	kind  string
	arity int
}

func (o elemOp) Type() string   { return o.kind }
func (o elemOp) NumInputs() int { return o.arity }

func (o elemOp) InferShapes(in []tensor.Spec) ([]tensor.Spec, error) {
	s := in[0].Shape
	for _, x := range in[1:] {
		var err error
		if s, err = tensor.Unify(s, x.Shape, tensor.BroadcastTrailing); err != nil {
			return nil, err
		}
	}
	return []tensor.Spec{{DType: in[0].DType, Shape: s}}, nil
}

func (o elemOp) Compute(*ComputeContext, []*tensor.RawTensor) ([]*tensor.RawTensor, error) {
	return nil, errors.New("not executable")
}

func (o elemOp) AppendFingerprint(b []byte) []byte { return append(b, o.kind...) }

// splitOp has two outputs and no fingerprint.
type splitOp struct{}

func (splitOp) Type() string { return "Split" }

func (splitOp) InferShapes(in []tensor.Spec) ([]tensor.Spec, error) {
	return []tensor.Spec{in[0].Clone(), in[0].Clone()}, nil
}

func (splitOp) Compute(*ComputeContext, []*tensor.RawTensor) ([]*tensor.RawTensor, error) {
	return nil, errors.New("not executable")
}

var (
	add = elemOp{kind: "Add", arity: 2}
	neg = elemOp{kind: "Neg", arity: 1}
)

func f32(dims ...int) tensor.Spec { return tensor.NewSpec(tensor.Float32, dims...) }

func mustInput(t *testing.T, g *Graph, name string, spec tensor.Spec) ValueRef {
	t.Helper()
	v, err := g.NewInput(name, spec)
	require.NoError(t, err)
	return v
}

func mustOp(t *testing.T, g *Graph, op Operator, in ...ValueRef) ValueRef {
	t.Helper()
	out, err := g.AddOperation(op, in...)
	require.NoError(t, err)
	require.Len(t, out, 1)
	return out[0]
}

func TestAddOperationInfersShapes(t *testing.T) {
	g := New()
	x := mustInput(t, g, "x", f32(4, 1))
	y := mustInput(t, g, "y", f32(3))
	z := mustOp(t, g, add, x, y)

	assert.Equal(t, f32(4, 3), g.Spec(z))
	assert.Equal(t, "add(x,y)", g.Name(z))
	assert.Equal(t, Intermediate, g.Kind(z))

	p, idx := g.Producer(z)
	require.NotEqual(t, NoOp, p)
	assert.Equal(t, 0, idx)
	assert.Equal(t, []ValueRef{x, y}, g.Inputs(p))
	assert.Equal(t, []OpRef{p}, g.Consumers(x))

	found, ok := g.ValueByName("add(x,y)")
	require.True(t, ok)
	assert.Equal(t, z, found)
	op, ok := g.OpByName(g.OpName(p))
	require.True(t, ok)
	assert.Equal(t, p, op)
	_, ok = g.OpByName("missing")
	assert.False(t, ok)

	// Second identical op gets a unique name.
	z2 := mustOp(t, g, add, x, y)
	assert.Equal(t, "add(x,y)_1", g.Name(z2))
}

func TestConcurrentQueries(t *testing.T) {
	g := New()
	x := mustInput(t, g, "x", f32(4, 3))
	y := mustInput(t, g, "y", f32(3))
	z := mustOp(t, g, neg, mustOp(t, g, add, x, y))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				_, err := g.Cone(z)
				assert.NoError(t, err)
				assert.Equal(t, f32(4, 3), g.Spec(z))
				assert.Len(t, g.Values(Input), 2)
				found, ok := g.ValueByName("x")
				assert.True(t, ok)
				assert.Equal(t, x, found)
			}
		}()
	}
	wg.Wait()
}

func TestAddOperationErrors(t *testing.T) {
	g := New()
	x := mustInput(t, g, "x", f32(3, 4))
	y := mustInput(t, g, "y", f32(3, 5))

	_, err := g.AddOperation(add, x, y)
	assert.ErrorIs(t, err, ErrShapeMismatch)

	_, err = g.AddOperation(add, x)
	assert.ErrorIs(t, err, ErrArity)

	_, err = g.AddOperation(neg, ValueRef(99))
	assert.ErrorIs(t, err, ErrInvalidReference)

	// Failed additions leave no trace.
	assert.Len(t, g.Ops(), 0)
}

func TestMultiOutputNames(t *testing.T) {
	g := New()
	x := mustInput(t, g, "x", f32(2))
	outs, err := g.AddNamedOperation("split", splitOp{}, x)
	require.NoError(t, err)
	require.Len(t, outs, 2)
	assert.Equal(t, "split:0", g.Name(outs[0]))
	assert.Equal(t, "split:1", g.Name(outs[1]))
	_, idx := g.Producer(outs[1])
	assert.Equal(t, 1, idx)
}

func TestAddOperationIntoRejectsCycle(t *testing.T) {
	g := New()
	p, err := g.NewValue("p", f32(2))
	require.NoError(t, err)
	y := mustOp(t, g, neg, p)
	before := g.NumNodes()

	_, err = g.AddOperationInto(neg, []ValueRef{y}, []ValueRef{p})
	assert.ErrorIs(t, err, ErrCycleDetected)
	assert.Equal(t, before, g.NumNodes())

	prod, _ := g.Producer(p)
	assert.Equal(t, NoOp, prod)

	// An op reading its own output is the shortest cycle.
	_, err = g.AddOperationInto(neg, []ValueRef{p}, []ValueRef{p})
	assert.ErrorIs(t, err, ErrCycleDetected)
}

func TestAddOperationIntoPropagates(t *testing.T) {
	g := New()
	p, err := g.NewValue("p", f32(tensor.Unknown, 4))
	require.NoError(t, err)
	q := mustOp(t, g, neg, p)
	assert.Equal(t, f32(tensor.Unknown, 4), g.Spec(q))

	var events []Mutation
	g.Observe(ObserverFunc(func(m Mutation) { events = append(events, m) }))

	a := mustInput(t, g, "a", f32(2, 4))
	o, err := g.AddOperationInto(neg, []ValueRef{a}, []ValueRef{p})
	require.NoError(t, err)

	assert.Equal(t, f32(2, 4), g.Spec(p))
	assert.Equal(t, f32(2, 4), g.Spec(q))
	assert.Equal(t, Intermediate, g.Kind(p))
	prod, _ := g.Producer(p)
	assert.Equal(t, o, prod)

	require.Len(t, events, 2)
	assert.Contains(t, events[1].Nodes, NodeID(q))
}

func TestAddOperationIntoConflictIsAtomic(t *testing.T) {
	g := New()
	p, err := g.NewValue("p", f32(tensor.Unknown))
	require.NoError(t, err)
	fixed := mustInput(t, g, "fixed", f32(3))
	mustOp(t, g, add, p, fixed)

	a := mustInput(t, g, "a", f32(5))
	_, err = g.AddOperationInto(neg, []ValueRef{a}, []ValueRef{p})
	assert.ErrorIs(t, err, ErrShapeMismatch)
	assert.Equal(t, f32(tensor.Unknown), g.Spec(p))
	assert.Equal(t, Placeholder, g.Kind(p))
}

func TestAddOperationIntoMultipleProducers(t *testing.T) {
	g := New()
	x := mustInput(t, g, "x", f32(2))
	y := mustOp(t, g, neg, x)

	_, err := g.AddOperationInto(neg, []ValueRef{x}, []ValueRef{y})
	assert.ErrorIs(t, err, ErrMultipleProducers)

	in := mustInput(t, g, "in", f32(2))
	_, err = g.AddOperationInto(neg, []ValueRef{x}, []ValueRef{in})
	assert.ErrorIs(t, err, ErrMultipleProducers)
}

func TestReinferIsIdempotent(t *testing.T) {
	g := New()
	x := mustInput(t, g, "x", f32(4, 1))
	y := mustInput(t, g, "y", f32(tensor.Unknown, 1, 3))
	z := mustOp(t, g, add, x, y)
	w := mustOp(t, g, neg, z)

	before := map[ValueRef]tensor.Spec{}
	for _, v := range g.Values() {
		before[v] = g.Spec(v)
	}
	require.NoError(t, g.Reinfer())
	require.NoError(t, g.Reinfer())
	for _, v := range g.Values() {
		assert.Equal(t, before[v], g.Spec(v), g.Name(v))
	}
	assert.Equal(t, f32(tensor.Unknown, 4, 3), g.Spec(w))
}

func TestTopoOrderCreationTies(t *testing.T) {
	g := New()
	x := mustInput(t, g, "x", f32(2))
	a := mustOp(t, g, neg, x)
	b := mustOp(t, g, neg, x)
	c := mustOp(t, g, add, b, a)

	cone, err := g.Cone(c)
	require.NoError(t, err)
	pa, _ := g.Producer(a)
	pb, _ := g.Producer(b)
	pc, _ := g.Producer(c)
	assert.Equal(t, []OpRef{pa, pb, pc}, cone.Ops)
	assert.Equal(t, []ValueRef{x}, cone.Leaves)

	order, err := g.TopoOrder([]OpRef{pc, pb, pa})
	require.NoError(t, err)
	assert.Equal(t, []OpRef{pa, pb, pc}, order)

	assert.Equal(t, []ValueRef{x, a, b}, g.Ancestors(c))
	assert.True(t, g.Downstream(x)[pc])
}

func TestRemoveSubgraphCascades(t *testing.T) {
	g := New()
	x := mustInput(t, g, "x", f32(2))
	y := mustInput(t, g, "y", f32(2))
	a := mustOp(t, g, neg, x)
	b := mustOp(t, g, add, a, y)
	c := mustOp(t, g, neg, y)

	var got Mutation
	cancel := g.Observe(ObserverFunc(func(m Mutation) { got = m }))
	defer cancel()

	epoch := g.Epoch()
	removed, err := g.RemoveSubgraph(NodeID(a))
	require.NoError(t, err)

	assert.Greater(t, g.Epoch(), epoch)
	assert.Equal(t, MutationRemoved, got.Kind)
	assert.Equal(t, removed, got.Nodes)
	assert.True(t, g.IsDetached(NodeID(a)))
	assert.True(t, g.IsDetached(NodeID(b)))
	assert.False(t, g.IsDetached(NodeID(c)))
	assert.False(t, g.IsDetached(NodeID(x)))

	pc, _ := g.Producer(c)
	assert.Equal(t, []OpRef{pc}, g.Consumers(y))
	assert.ErrorIs(t, g.Validate(b), ErrInvalidReference)

	_, ok := g.ValueByName(g.Name(b))
	assert.False(t, ok)
}

func TestPruneAndCompact(t *testing.T) {
	g := New()
	x := mustInput(t, g, "x", f32(2))
	unused := mustInput(t, g, "unused", f32(2))
	mustOp(t, g, neg, unused)
	keep := mustOp(t, g, neg, x)

	removed, err := g.Prune(keep)
	require.NoError(t, err)
	assert.Len(t, removed, 3)

	remap := g.Compact()
	assert.Equal(t, 3, g.NumNodes())

	nx := ValueRef(remap[NodeID(x)])
	nk := ValueRef(remap[NodeID(keep)])
	assert.Equal(t, "x", g.Name(nx))
	p, _ := g.Producer(nk)
	assert.Equal(t, []ValueRef{nx}, g.Inputs(p))
	_, gone := remap[NodeID(unused)]
	assert.False(t, gone)

	got, ok := g.ValueByName("x")
	require.True(t, ok)
	assert.Equal(t, nx, got)
}

func TestStructuralHashes(t *testing.T) {
	g := New()
	x := mustInput(t, g, "x", f32(2))
	y := mustInput(t, g, "y", f32(2))
	a := mustOp(t, g, add, x, y)
	b := mustOp(t, g, add, x, y)
	c := mustOp(t, g, add, y, x)

	h, err := g.StructuralHashes(a, b, c)
	require.NoError(t, err)
	assert.Equal(t, h[a], h[b])
	assert.NotEqual(t, h[a], h[c])

	s1, err := g.AddOperation(splitOp{}, x)
	require.NoError(t, err)
	s2, err := g.AddOperation(splitOp{}, x)
	require.NoError(t, err)
	hs, err := g.StructuralHashes(s1[0], s2[0], s1[1])
	require.NoError(t, err)
	assert.NotEqual(t, hs[s1[0]], hs[s2[0]], "operators without fingerprint hash by identity")
	assert.NotEqual(t, hs[s1[0]], hs[s1[1]])
}

func TestConstantsAndParameters(t *testing.T) {
	g := New()
	c, err := g.NewConstant("", tensor.MustFromSlice([]float32{1, 2}, tensor.Shape{2}))
	require.NoError(t, err)
	assert.Equal(t, Constant, g.Kind(c))
	assert.Equal(t, "const", g.Name(c))
	assert.NotNil(t, g.ConstantValue(c))

	p, err := g.NewParameter("w", f32(2), nil)
	require.NoError(t, err)
	assert.Equal(t, []ValueRef{p}, g.Values(Parameter))
	assert.True(t, Parameter.IsBindable())
	assert.False(t, Constant.IsBindable())

	_, err = g.NewInput("bad", f32(0))
	assert.Error(t, err)

	require.NoError(t, g.SetName(NodeID(p), "weights"))
	_, ok := g.ValueByName("weights")
	assert.True(t, ok)
	assert.Error(t, g.SetName(NodeID(c), "weights"))
}

func TestWriteDOT(t *testing.T) {
	g := New()
	x := mustInput(t, g, "x", f32(2))
	y := mustOp(t, g, neg, x)

	var buf bytes.Buffer
	require.NoError(t, g.WriteDOT(&buf, DOTOptions{Outputs: []ValueRef{y}}))
	out := buf.String()
	assert.Contains(t, out, "digraph DAG {")
	assert.Contains(t, out, "lightblue")
	assert.Contains(t, out, "-> Op1")
}

package autodiff_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/dataflow/internal/autodiff"
	"github.com/born-ml/dataflow/internal/exec"
	"github.com/born-ml/dataflow/internal/graph"
	"github.com/born-ml/dataflow/internal/ops"
	"github.com/born-ml/dataflow/internal/plan"
	"github.com/born-ml/dataflow/internal/tensor"
)

func f32(dims ...int) tensor.Spec { return tensor.NewSpec(tensor.Float32, dims...) }

func apply(t *testing.T, g *graph.Graph, op graph.Operator, in ...graph.ValueRef) graph.ValueRef {
	t.Helper()
	v, err := ops.Apply(g, op, in...)
	require.NoError(t, err)
	return v
}

func run(t *testing.T, g *graph.Graph, b exec.Bindings, outs ...graph.ValueRef) exec.Values {
	t.Helper()
	p, err := plan.New(g, outs)
	require.NoError(t, err)
	res, err := exec.New().Execute(context.Background(), p, b)
	require.NoError(t, err)
	return res
}

func producerType(g *graph.Graph, v graph.ValueRef) string {
	op, _ := g.Producer(v)
	if op == graph.NoOp {
		return ""
	}
	return g.Operator(op).Type()
}

func TestMatMulGradientShapes(t *testing.T) {
	g := graph.New()
	a, _ := g.NewInput("A", f32(4, 8))
	b, _ := g.NewInput("B", f32(8, 2))
	c := apply(t, g, &ops.MatMul{}, a, b)

	grads, err := autodiff.Differentiate(g, []graph.ValueRef{c}, []graph.ValueRef{a, b})
	require.NoError(t, err)
	da, db := grads.Accumulator(a), grads.Accumulator(b)
	assert.Equal(t, g.Spec(a), g.Spec(da))
	assert.Equal(t, g.Spec(b), g.Spec(db))

	av := make([]float32, 32)
	for i := range av {
		av[i] = float32(i%5) - 2
	}
	bv := make([]float32, 16)
	for i := range bv {
		bv[i] = float32(i) * 0.5
	}
	res := run(t, g, exec.Bindings{
		a: tensor.MustFromSlice(av, tensor.Shape{4, 8}),
		b: tensor.MustFromSlice(bv, tensor.Shape{8, 2}),
	}, c, da, db)

	assert.Equal(t, tensor.Shape{4, 2}, res[c].Shape())
	// d(sum C)/dA[i,k] = sum_j B[k,j]; d(sum C)/dB[k,j] = sum_i A[i,k].
	for i := 0; i < 4; i++ {
		for k := 0; k < 8; k++ {
			assert.InDelta(t, bv[k*2]+bv[k*2+1], res[da].AsFloat32()[i*8+k], 1e-5)
		}
	}
	for k := 0; k < 8; k++ {
		var col float32
		for i := 0; i < 4; i++ {
			col += av[i*8+k]
		}
		for j := 0; j < 2; j++ {
			assert.InDelta(t, col, res[db].AsFloat32()[k*2+j], 1e-5)
		}
	}
}

func TestAccumulatesMultiplePaths(t *testing.T) {
	g := graph.New()
	x, _ := g.NewInput("x", f32(3))
	f := apply(t, g, ops.Exp(), x)
	h := apply(t, g, ops.Neg(), x)
	y := apply(t, g, ops.Add(tensor.BroadcastTrailing), f, h)

	grads, err := autodiff.Differentiate(g, []graph.ValueRef{y}, []graph.ValueRef{x})
	require.NoError(t, err)
	dx := grads.Accumulator(x)
	assert.Equal(t, 2, grads.Contributions(x))
	assert.Equal(t, "AddN", producerType(g, dx))
	assert.Equal(t, "grad(x)", g.Name(dx))

	res := run(t, g, exec.Bindings{x: tensor.MustFromSlice([]float32{0, 1, -2}, tensor.Shape{3})}, dx)
	// exp(x) - 1
	assert.InDeltaSlice(t, []float32{0, 1.7182817, -0.86466473}, res[dx].AsFloat32(), 1e-5)
}

func TestUnreachableGetsZeros(t *testing.T) {
	g := graph.New()
	x, _ := g.NewInput("x", f32(2))
	z, _ := g.NewInput("z", f32(3, 2))
	y := apply(t, g, ops.Exp(), x)

	grads, err := autodiff.Differentiate(g, []graph.ValueRef{y}, []graph.ValueRef{x, z})
	require.NoError(t, err)
	dz := grads.Accumulator(z)
	assert.Equal(t, 0, grads.Contributions(z))
	assert.Equal(t, g.Spec(z), g.Spec(dz))
	assert.Equal(t, []graph.ValueRef{x, z}, grads.Wrt())
	assert.Equal(t, []graph.ValueRef{grads.Accumulator(x), dz}, grads.Values())

	res := run(t, g, exec.Bindings{
		x: tensor.MustFromSlice([]float32{1, 2}, tensor.Shape{2}),
		z: tensor.MustFromSlice([]float32{1, 2, 3, 4, 5, 6}, tensor.Shape{3, 2}),
	}, dz)
	assert.Equal(t, make([]float32, 6), res[dz].AsFloat32())
}

func TestBroadcastGradientIsReduced(t *testing.T) {
	g := graph.New()
	a, _ := g.NewInput("a", f32(2, 3))
	b, _ := g.NewInput("b", f32(3))
	y := apply(t, g, ops.Mul(tensor.BroadcastTrailing), a, b)

	grads, err := autodiff.Differentiate(g, []graph.ValueRef{y}, []graph.ValueRef{a, b})
	require.NoError(t, err)
	db := grads.Accumulator(b)
	assert.Equal(t, f32(3), g.Spec(db))

	res := run(t, g, exec.Bindings{
		a: tensor.MustFromSlice([]float32{1, 2, 3, 4, 5, 6}, tensor.Shape{2, 3}),
		b: tensor.MustFromSlice([]float32{7, 8, 9}, tensor.Shape{3}),
	}, db, grads.Accumulator(a))
	assert.Equal(t, []float32{5, 7, 9}, res[db].AsFloat32())
	assert.Equal(t, []float32{7, 8, 9, 7, 8, 9}, res[grads.Accumulator(a)].AsFloat32())
}

func TestNonDifferentiableOnPath(t *testing.T) {
	g := graph.New()
	a, _ := g.NewInput("a", f32(2))
	b, _ := g.NewInput("b", f32(2))
	y := apply(t, g, ops.MinBack(), a, b, b)

	_, err := autodiff.Differentiate(g, []graph.ValueRef{y}, []graph.ValueRef{a})
	require.Error(t, err)
	assert.True(t, errors.Is(err, autodiff.ErrNonDifferentiableOp))
	assert.Contains(t, err.Error(), "MinBack")
}

func TestNonDifferentiableOffPathIsIgnored(t *testing.T) {
	g := graph.New()
	x, _ := g.NewInput("x", f32(2))
	c, _ := g.NewInput("c", f32(2))
	mask := apply(t, g, ops.MinBack(), c, c, c)
	y := apply(t, g, ops.Mul(tensor.BroadcastTrailing), x, mask)

	grads, err := autodiff.Differentiate(g, []graph.ValueRef{y}, []graph.ValueRef{x})
	require.NoError(t, err)
	assert.Equal(t, 1, grads.Contributions(x))
}

func TestSecondOrderThroughNonDifferentiableRule(t *testing.T) {
	g := graph.New()
	x, _ := g.NewInput("x", f32(8))
	y := apply(t, g, &ops.MulDiv{Epsilon: ops.DefaultMulDivEpsilon}, x)

	first, err := autodiff.Differentiate(g, []graph.ValueRef{y}, []graph.ValueRef{x})
	require.NoError(t, err)
	assert.Equal(t, "MulDivBack", producerType(g, first.Accumulator(x)))

	_, err = autodiff.Differentiate(g, []graph.ValueRef{first.Accumulator(x)}, []graph.ValueRef{x})
	assert.True(t, errors.Is(err, autodiff.ErrNonDifferentiableOp), "%v", err)
}

func TestSecondOrder(t *testing.T) {
	g := graph.New()
	x, _ := g.NewInput("x", f32(3))
	sq := apply(t, g, ops.Mul(tensor.BroadcastTrailing), x, x)
	y := apply(t, g, ops.Mul(tensor.BroadcastTrailing), sq, x)

	first, err := autodiff.Differentiate(g, []graph.ValueRef{y}, []graph.ValueRef{x})
	require.NoError(t, err)
	dx := first.Accumulator(x)
	second, err := autodiff.Differentiate(g, []graph.ValueRef{dx}, []graph.ValueRef{x})
	require.NoError(t, err)
	ddx := second.Accumulator(x)

	res := run(t, g, exec.Bindings{x: tensor.MustFromSlice([]float32{1, 2, -1}, tensor.Shape{3})}, dx, ddx)
	// 3x^2 and 6x
	assert.InDeltaSlice(t, []float32{3, 12, 3}, res[dx].AsFloat32(), 1e-5)
	assert.InDeltaSlice(t, []float32{6, 12, -6}, res[ddx].AsFloat32(), 1e-5)
}

func TestExplicitSeed(t *testing.T) {
	g := graph.New()
	x, _ := g.NewInput("x", f32(2))
	s, _ := g.NewInput("s", f32(2))
	y := apply(t, g, ops.Scale(3), x)

	grads, err := autodiff.Differentiate(g, []graph.ValueRef{y}, []graph.ValueRef{x}, autodiff.WithSeed(y, s))
	require.NoError(t, err)
	dx := grads.Accumulator(x)
	res := run(t, g, exec.Bindings{
		x: tensor.MustFromSlice([]float32{5, 6}, tensor.Shape{2}),
		s: tensor.MustFromSlice([]float32{1, -2}, tensor.Shape{2}),
	}, dx)
	assert.Equal(t, []float32{3, -6}, res[dx].AsFloat32())

	bad, _ := g.NewInput("bad", f32(3))
	_, err = autodiff.Differentiate(g, []graph.ValueRef{y}, []graph.ValueRef{x}, autodiff.WithSeed(y, bad))
	assert.True(t, errors.Is(err, tensor.ErrShapeMismatch), "%v", err)
}

func TestInvalidHandles(t *testing.T) {
	g := graph.New()
	x, _ := g.NewInput("x", f32(2))
	y := apply(t, g, ops.Neg(), x)
	_, err := g.RemoveSubgraph(y.ID())
	require.NoError(t, err)

	_, err = autodiff.Differentiate(g, []graph.ValueRef{y}, []graph.ValueRef{x})
	assert.True(t, errors.Is(err, graph.ErrInvalidReference), "%v", err)
}

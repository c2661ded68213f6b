package session

import (
	"context"
	"errors"
	"testing"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/dataflow/internal/config"
	"github.com/born-ml/dataflow/internal/exec"
	"github.com/born-ml/dataflow/internal/graph"
	"github.com/born-ml/dataflow/internal/ops"
	"github.com/born-ml/dataflow/internal/tensor"
)

// linear builds y = x·w + b with w initialized to ones and b to 0.5.
func linear(t *testing.T) (*graph.Graph, graph.ValueRef, graph.ValueRef, graph.ValueRef, graph.ValueRef) {
	t.Helper()
	g := graph.New()
	x, err := g.NewInput("x", tensor.NewSpec(tensor.Float32, tensor.Unknown, 3))
	require.NoError(t, err)
	w, err := g.NewParameter("w", tensor.NewSpec(tensor.Float32, 3, 2), ops.Fill{Value: 1})
	require.NoError(t, err)
	b, err := g.NewParameter("b", tensor.NewSpec(tensor.Float32, 2), ops.Fill{Value: 0.5})
	require.NoError(t, err)
	h, err := ops.Apply(g, &ops.MatMul{}, x, w)
	require.NoError(t, err)
	y, err := ops.Apply(g, ops.Add(tensor.BroadcastTrailing), h, b)
	require.NoError(t, err)
	return g, x, w, b, y
}

func newSession(t *testing.T, g *graph.Graph, mutate func(*config.Session)) *Session {
	t.Helper()
	cfg := config.DefaultConfig().Session
	if mutate != nil {
		mutate(&cfg)
	}
	s, err := New(g, cfg, logr.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestRunUsesInitializedParameters(t *testing.T) {
	g, x, _, _, y := linear(t)
	s := newSession(t, g, nil)

	res, err := s.Run(context.Background(), []graph.ValueRef{y}, exec.Bindings{
		x: tensor.MustFromSlice([]float32{1, 2, 3, -1, 0, 1}, tensor.Shape{2, 3}),
	})
	require.NoError(t, err)
	assert.Equal(t, []float32{6.5, 6.5, 0.5, 0.5}, res[y].AsFloat32())
}

func TestPlansAreMemoized(t *testing.T) {
	g, x, _, _, y := linear(t)
	s := newSession(t, g, nil)

	p1, err := s.Plan([]graph.ValueRef{y})
	require.NoError(t, err)
	p2, err := s.Plan([]graph.ValueRef{y})
	require.NoError(t, err)
	assert.Same(t, p1, p2)

	extra, err := ops.Apply(g, ops.Neg(), x)
	require.NoError(t, err)
	_, err = g.RemoveSubgraph(extra.ID())
	require.NoError(t, err)

	p3, err := s.Plan([]graph.ValueRef{y})
	require.NoError(t, err)
	assert.NotSame(t, p1, p3, "stale plans are rebuilt")
	assert.False(t, p3.Stale())
}

func TestGradientsAndParameterUpdates(t *testing.T) {
	g, x, w, b, y := linear(t)
	s := newSession(t, g, nil)
	ctx := context.Background()
	in := exec.Bindings{x: tensor.MustFromSlice([]float32{1, 2, 3, -1, 0, 1}, tensor.Shape{2, 3})}

	grads, err := s.Gradients(ctx, []graph.ValueRef{y}, []graph.ValueRef{w, b}, in)
	require.NoError(t, err)
	// dw[k,j] = sum_i x[i,k]; db[j] = rows.
	assert.Equal(t, []float32{0, 0, 2, 2, 4, 4}, grads[w].AsFloat32())
	assert.Equal(t, []float32{2, 2}, grads[b].AsFloat32())

	gb1, err := s.Differentiate([]graph.ValueRef{y}, []graph.ValueRef{w, b})
	require.NoError(t, err)
	n := g.NumNodes()
	gb2, err := s.Differentiate([]graph.ValueRef{y}, []graph.ValueRef{w, b})
	require.NoError(t, err)
	assert.Equal(t, gb1.Values(), gb2.Values())
	assert.Equal(t, n, g.NumNodes(), "gradient graph is built once")

	// One SGD step on b.
	bv, err := s.Parameter(b)
	require.NoError(t, err)
	next := bv.Clone()
	for i, d := range grads[b].AsFloat32() {
		next.AsFloat32()[i] -= 0.25 * d
	}
	require.NoError(t, s.SetParameter(b, next))

	res, err := s.Run(ctx, []graph.ValueRef{y}, in)
	require.NoError(t, err)
	assert.Equal(t, []float32{6, 6, 0, 0}, res[y].AsFloat32())

	err = s.SetParameter(b, tensor.MustFromSlice([]float32{1, 2, 3}, tensor.Shape{3}))
	assert.True(t, errors.Is(err, exec.ErrShapeMismatch))
	err = s.SetParameter(x, next)
	assert.True(t, errors.Is(err, graph.ErrInvalidReference))
	err = s.SetParameter(b, nil)
	assert.True(t, errors.Is(err, exec.ErrMissingBinding))
	cur, err := s.Parameter(b)
	require.NoError(t, err)
	assert.Equal(t, []float32{0, 0}, cur.AsFloat32(), "rejected updates keep the last value")
}

func TestExplicitBindingsOverrideParameters(t *testing.T) {
	g, x, w, _, y := linear(t)
	s := newSession(t, g, func(c *config.Session) { c.CacheCapacity = 0 })
	assert.Nil(t, s.Cache())

	res, err := s.Run(context.Background(), []graph.ValueRef{y}, exec.Bindings{
		x: tensor.MustFromSlice([]float32{1, 1, 1}, tensor.Shape{1, 3}),
		w: tensor.MustFromSlice([]float32{1, 0, 0, 1, 0, 0}, tensor.Shape{3, 2}),
	})
	require.NoError(t, err)
	assert.Equal(t, []float32{1.5, 1.5}, res[y].AsFloat32())
	assert.Equal(t, uint64(0), s.Stats().Hits)
}

func TestCacheAcrossRuns(t *testing.T) {
	g, x, _, _, y := linear(t)
	s := newSession(t, g, func(c *config.Session) { c.Concurrent = false })
	in := exec.Bindings{x: tensor.MustFromSlice([]float32{1, 2, 3}, tensor.Shape{1, 3})}

	first, err := s.Run(context.Background(), []graph.ValueRef{y}, in)
	require.NoError(t, err)
	second, err := s.Run(context.Background(), []graph.ValueRef{y}, in)
	require.NoError(t, err)
	assert.True(t, tensor.Identical(first[y], second[y]))
	assert.Equal(t, uint64(1), s.Stats().Hits)
}

func TestInitialBindings(t *testing.T) {
	g, _, w, b, _ := linear(t)
	_, err := g.NewParameter("free", tensor.NewSpec(tensor.Float32, 2), nil)
	require.NoError(t, err)
	s := newSession(t, g, nil)

	init, err := s.InitialBindings()
	require.NoError(t, err)
	assert.Len(t, init, 2)
	assert.Equal(t, []float32{1, 1, 1, 1, 1, 1}, init[w].AsFloat32())
	assert.Equal(t, []float32{0.5, 0.5}, init[b].AsFloat32())
}

func TestClose(t *testing.T) {
	g, _, _, _, y := linear(t)
	s := newSession(t, g, nil)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	_, err := s.Run(context.Background(), []graph.ValueRef{y}, nil)
	assert.True(t, errors.Is(err, ErrClosed))
	_, err = s.Differentiate([]graph.ValueRef{y}, nil)
	assert.True(t, errors.Is(err, ErrClosed))
}

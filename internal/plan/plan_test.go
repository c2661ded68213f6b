package plan_test

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

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

func stepOps(p *plan.Plan) []graph.OpRef {
	var out []graph.OpRef
	for _, s := range p.Steps() {
		out = append(out, s.Op)
	}
	return out
}

// checkPlan asserts the dependency order and slot safety properties.
func checkPlan(t *testing.T, p *plan.Plan) {
	t.Helper()
	done := make(map[graph.ValueRef]bool)
	for _, l := range p.Leaves() {
		done[l.Value] = true
	}
	for i, s := range p.Steps() {
		for _, in := range s.Inputs {
			assert.Truef(t, done[in], "step %d (%s) reads %s before it is computed", i, s.Name, in)
			if j, ok := p.ProducerStep(in); ok {
				assert.Less(t, p.Steps()[j].Wave, s.Wave, "producer wave precedes consumer wave")
			}
		}
		for _, out := range s.Outputs {
			done[out] = true
		}
	}

	for _, slot := range p.Slots() {
		if slot.Pinned {
			assert.Len(t, slot.Values, 1, "pinned slot %d is shared", slot.ID)
		}
		for a := 0; a < len(slot.Values); a++ {
			for b := a + 1; b < len(slot.Values); b++ {
				ia, _ := p.Interval(slot.Values[a])
				ib, _ := p.Interval(slot.Values[b])
				assert.Falsef(t, ia.Overlaps(ib), "slot %d: %s %v overlaps %s %v",
					slot.ID, slot.Values[a], ia, slot.Values[b], ib)
			}
		}
	}
}

func TestChainReusesSlots(t *testing.T) {
	g := graph.New()
	x, err := g.NewInput("x", f32(2, 3))
	require.NoError(t, err)
	a := apply(t, g, ops.Neg(), x)
	b := apply(t, g, ops.Neg(), a)
	c := apply(t, g, ops.Neg(), b)
	d := apply(t, g, ops.Neg(), c)

	p, err := plan.New(g, []graph.ValueRef{d})
	require.NoError(t, err)
	checkPlan(t, p)

	slotOf := func(v graph.ValueRef) int {
		s, ok := p.SlotOf(v)
		require.True(t, ok)
		return s
	}
	assert.Equal(t, slotOf(a), slotOf(c), "c reuses a's slot once a is dead")
	assert.NotEqual(t, slotOf(a), slotOf(b))
	assert.True(t, p.Slots()[slotOf(d)].Pinned)
	assert.Len(t, p.Slots(), 3)
	assert.Equal(t, 96, p.TotalBytes())
	assert.Equal(t, 72, p.PeakBytes())
	assert.Less(t, p.PeakBytes(), p.TotalBytes())

	_, ok := p.SlotOf(x)
	assert.False(t, ok, "leaves have no slot")

	none, err := plan.New(g, []graph.ValueRef{d}, plan.WithReuse(plan.ReuseNone))
	require.NoError(t, err)
	assert.Len(t, none.Slots(), 4)
	assert.Equal(t, none.TotalBytes(), none.PeakBytes())
}

func TestOrderIsMinimalAndDeterministic(t *testing.T) {
	g := graph.New()
	x, _ := g.NewInput("x", f32(4))
	y, _ := g.NewInput("y", f32(4))
	// Created first, independent of x.
	late := apply(t, g, ops.Neg(), y)
	a := apply(t, g, ops.Exp(), x)
	// Not requested, so not planned.
	apply(t, g, ops.Neg(), a)
	sum := apply(t, g, ops.Add(tensor.BroadcastTrailing), a, late)

	p, err := plan.New(g, []graph.ValueRef{sum})
	require.NoError(t, err)
	checkPlan(t, p)

	prodLate, _ := g.Producer(late)
	prodA, _ := g.Producer(a)
	prodSum, _ := g.Producer(sum)
	want := []graph.OpRef{prodLate, prodA, prodSum}
	if diff := cmp.Diff(want, stepOps(p)); diff != "" {
		t.Errorf("step order mismatch (-want +got):\n%s", diff)
	}

	again, err := plan.New(g, []graph.ValueRef{sum})
	require.NoError(t, err)
	assert.Empty(t, cmp.Diff(stepOps(p), stepOps(again)))
}

func TestConcurrentWaves(t *testing.T) {
	g := graph.New()
	x, _ := g.NewInput("x", f32(8))
	a := apply(t, g, ops.Neg(), x)
	b := apply(t, g, ops.Exp(), x)
	c := apply(t, g, ops.Add(tensor.BroadcastTrailing), a, b)
	d := apply(t, g, ops.ReLU(), c)

	p, err := plan.New(g, []graph.ValueRef{d}, plan.WithConcurrency(true))
	require.NoError(t, err)
	checkPlan(t, p)
	assert.True(t, p.Concurrent())
	if diff := cmp.Diff([][]int{{0, 1}, {2}, {3}}, p.Waves()); diff != "" {
		t.Errorf("waves mismatch (-want +got):\n%s", diff)
	}

	sa, _ := p.SlotOf(a)
	sb, _ := p.SlotOf(b)
	assert.NotEqual(t, sa, sb, "values of one wave never share a slot")
}

func TestFirstFitReusesLargerSlot(t *testing.T) {
	g := graph.New()
	x, _ := g.NewInput("x", f32(4, 4))
	like, _ := g.NewInput("like", f32(4))
	a := apply(t, g, ops.Neg(), x)
	b := apply(t, g, ops.Neg(), a)
	// c is [4] and fits in a's [4,4] slot.
	c := apply(t, g, ops.SumLike(), b, like)
	d := apply(t, g, ops.Neg(), c)

	exact, err := plan.New(g, []graph.ValueRef{d})
	require.NoError(t, err)
	checkPlan(t, exact)
	sa, _ := exact.SlotOf(a)
	sc, _ := exact.SlotOf(c)
	assert.NotEqual(t, sa, sc)

	ff, err := plan.New(g, []graph.ValueRef{d}, plan.WithReuse(plan.ReuseFirstFit))
	require.NoError(t, err)
	checkPlan(t, ff)
	sa, _ = ff.SlotOf(a)
	sc, _ = ff.SlotOf(c)
	assert.Equal(t, sa, sc)
	assert.Less(t, ff.PeakBytes(), exact.PeakBytes())
}

func TestUnreachableOutput(t *testing.T) {
	g := graph.New()
	x, _ := g.NewInput("x", f32(2))
	hole, _ := g.NewValue("hole", f32(2))
	y := apply(t, g, ops.Add(tensor.BroadcastTrailing), x, hole)

	_, err := plan.New(g, []graph.ValueRef{y})
	assert.True(t, errors.Is(err, plan.ErrUnreachableOutput), "placeholder in cone: %v", err)

	z := apply(t, g, ops.Neg(), x)
	_, err = g.RemoveSubgraph(z.ID())
	require.NoError(t, err)
	_, err = plan.New(g, []graph.ValueRef{z})
	assert.True(t, errors.Is(err, plan.ErrUnreachableOutput), "detached output: %v", err)
}

func TestStaleAfterRemoval(t *testing.T) {
	g := graph.New()
	x, _ := g.NewInput("x", f32(2))
	y := apply(t, g, ops.Neg(), x)
	other := apply(t, g, ops.Exp(), x)

	p, err := plan.New(g, []graph.ValueRef{y})
	require.NoError(t, err)
	assert.False(t, p.Stale())

	apply(t, g, ops.ReLU(), x)
	assert.False(t, p.Stale(), "additions do not invalidate plans")

	_, err = g.RemoveSubgraph(other.ID())
	require.NoError(t, err)
	assert.True(t, p.Stale())
}

func TestParseReuse(t *testing.T) {
	for _, r := range []plan.Reuse{plan.ReuseExact, plan.ReuseFirstFit, plan.ReuseNone} {
		got, err := plan.ParseReuse(r.String())
		require.NoError(t, err)
		assert.Equal(t, r, got)
	}
	_, err := plan.ParseReuse("greedy")
	assert.Error(t, err)
}

// TestRandomGraphs checks the ordering and slot safety properties on
// random DAGs under every policy.
func TestRandomGraphs(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for iter := 0; iter < 25; iter++ {
		g := graph.New()
		var vals []graph.ValueRef
		for i := 0; i < 3; i++ {
			v, err := g.NewInput("", f32(3))
			require.NoError(t, err)
			vals = append(vals, v)
		}
		for i := 0; i < 30; i++ {
			a := vals[rng.Intn(len(vals))]
			if rng.Intn(2) == 0 {
				vals = append(vals, apply(t, g, ops.Neg(), a))
			} else {
				b := vals[rng.Intn(len(vals))]
				vals = append(vals, apply(t, g, ops.Add(tensor.BroadcastTrailing), a, b))
			}
		}
		outs := []graph.ValueRef{vals[len(vals)-1], vals[len(vals)/2]}

		for _, reuse := range []plan.Reuse{plan.ReuseExact, plan.ReuseFirstFit, plan.ReuseNone} {
			for _, conc := range []bool{false, true} {
				p, err := plan.New(g, outs, plan.WithReuse(reuse), plan.WithConcurrency(conc))
				require.NoError(t, err)
				checkPlan(t, p)
				assert.LessOrEqual(t, p.PeakBytes(), p.TotalBytes())
			}
		}
	}
}

// Package gradcheck compares the gradient subgraphs built by autodiff with
// central finite differences of the forward computation.
package gradcheck

import (
	"context"
	"fmt"
	"maps"
	"math"

	"github.com/pkg/errors"

	"github.com/born-ml/dataflow/internal/autodiff"
	"github.com/born-ml/dataflow/internal/exec"
	"github.com/born-ml/dataflow/internal/graph"
	"github.com/born-ml/dataflow/internal/plan"
	"github.com/born-ml/dataflow/internal/tensor"
)

// ErrGradientMismatch is returned when an analytic gradient element is
// outside tolerance of its numeric estimate.
var ErrGradientMismatch = errors.New("gradient mismatch")

// Option configures Check.
type Option func(*config)

type config struct {
	step       float64
	atol, rtol float64
	expectZero map[graph.ValueRef]bool
}

// WithStep sets the finite-difference step. The default is 1e-3.
func WithStep(h float64) Option {
	return func(c *config) { c.step = h }
}

// WithTolerance accepts |analytic-numeric| <= atol + rtol*|numeric|. The
// defaults are 1e-3 and 1e-2.
func WithTolerance(atol, rtol float64) Option {
	return func(c *config) { c.atol, c.rtol = atol, rtol }
}

// ExpectZero additionally requires the analytic gradients of vs to be
// exactly zero.
func ExpectZero(vs ...graph.ValueRef) Option {
	return func(c *config) {
		for _, v := range vs {
			c.expectZero[v] = true
		}
	}
}

// Mismatch is one element outside tolerance.
type Mismatch struct {
	Value    graph.ValueRef
	Name     string
	Index    int
	Analytic float64
	Numeric  float64
}

func (m Mismatch) String() string {
	return fmt.Sprintf("%s[%d]: analytic %g, numeric %g", m.Name, m.Index, m.Analytic, m.Numeric)
}

// Report summarizes a check.
type Report struct {
	Checked    int
	MaxAbsDiff float64
	Mismatches []Mismatch
	// Gradients holds the analytic gradients by wrt value.
	Gradients exec.Values
}

// Check differentiates the sum of output's elements with respect to wrt and
// compares every element of every gradient with a central difference. Each
// wrt value must be an input or parameter bound in b; g is extended with
// the gradient subgraph.
func Check(ctx context.Context, g *graph.Graph, output graph.ValueRef, wrt []graph.ValueRef, b exec.Bindings, opts ...Option) (Report, error) {
	cfg := config{step: 1e-3, atol: 1e-3, rtol: 1e-2, expectZero: make(map[graph.ValueRef]bool)}
	for _, opt := range opts {
		opt(&cfg)
	}
	for _, v := range wrt {
		if b[v] == nil {
			return Report{}, errors.Wrapf(exec.ErrMissingBinding, "gradcheck perturbs %q", g.Name(v))
		}
	}

	binding, err := autodiff.Differentiate(g, []graph.ValueRef{output}, wrt)
	if err != nil {
		return Report{}, err
	}
	e := exec.New(exec.WithWorkers(1))

	gp, err := plan.New(g, binding.Values())
	if err != nil {
		return Report{}, err
	}
	grads, err := e.Execute(ctx, gp, b)
	if err != nil {
		return Report{}, errors.WithMessage(err, "analytic gradients")
	}

	fp, err := plan.New(g, []graph.ValueRef{output})
	if err != nil {
		return Report{}, err
	}
	loss := func(bb exec.Bindings) (float64, error) {
		res, err := e.Execute(ctx, fp, bb)
		if err != nil {
			return 0, err
		}
		var s float64
		for _, v := range tensor.Float64s(res[output]) {
			s += v
		}
		return s, nil
	}

	rep := Report{Gradients: make(exec.Values, len(wrt))}
	for _, v := range wrt {
		analytic := tensor.Float64s(grads[binding.Accumulator(v)])
		rep.Gradients[v] = grads[binding.Accumulator(v)]
		base := b[v]
		at := tensor.Float64s(base)
		for i := range analytic {
			numeric, err := central(b, v, base, i, at[i], cfg.step, loss)
			if err != nil {
				return rep, err
			}
			rep.Checked++
			diff := math.Abs(analytic[i] - numeric)
			rep.MaxAbsDiff = math.Max(rep.MaxAbsDiff, diff)
			bad := diff > cfg.atol+cfg.rtol*math.Abs(numeric)
			if cfg.expectZero[v] && analytic[i] != 0 {
				bad = true
			}
			if bad {
				rep.Mismatches = append(rep.Mismatches, Mismatch{
					Value: v, Name: g.Name(v), Index: i, Analytic: analytic[i], Numeric: numeric,
				})
			}
		}
	}

	if n := len(rep.Mismatches); n > 0 {
		return rep, errors.Wrapf(ErrGradientMismatch, "%d of %d elements, first %s", n, rep.Checked, rep.Mismatches[0])
	}
	return rep, nil
}

func central(b exec.Bindings, v graph.ValueRef, base *tensor.RawTensor, i int, x, h float64,
	loss func(exec.Bindings) (float64, error)) (float64, error) {
	eval := func(at float64) (float64, error) {
		p := base.Clone()
		tensor.SetFloat64(p, i, at)
		bb := maps.Clone(b)
		bb[v] = p
		return loss(bb)
	}
	plus, err := eval(x + h)
	if err != nil {
		return 0, err
	}
	minus, err := eval(x - h)
	if err != nil {
		return 0, err
	}
	return (plus - minus) / (2 * h), nil
}

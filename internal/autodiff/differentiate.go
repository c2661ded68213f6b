package autodiff

import (
	"github.com/pkg/errors"

	"github.com/born-ml/dataflow/internal/graph"
	"github.com/born-ml/dataflow/internal/tensor"
)

// Option configures Differentiate.
type Option func(*options)

type options struct {
	seeds map[graph.ValueRef]graph.ValueRef
}

// WithSeed uses seed as the starting gradient of output instead of ones.
// seed must have output's spec.
func WithSeed(output, seed graph.ValueRef) Option {
	return func(o *options) {
		if o.seeds == nil {
			o.seeds = make(map[graph.ValueRef]graph.ValueRef)
		}
		o.seeds[output] = seed
	}
}

// Binding maps each differentiated value to the value carrying its
// accumulated gradient.
type Binding struct {
	wrt           []graph.ValueRef
	grads         map[graph.ValueRef]graph.ValueRef
	contributions map[graph.ValueRef]int
}

// Accumulator returns the gradient value of v, or graph.NoValue if v was
// not differentiated.
func (b Binding) Accumulator(v graph.ValueRef) graph.ValueRef {
	if a, ok := b.grads[v]; ok {
		return a
	}
	return graph.NoValue
}

// Contributions returns the number of gradient terms summed into v's
// accumulator. Zero means v is unreachable from the outputs.
func (b Binding) Contributions(v graph.ValueRef) int {
	return b.contributions[v]
}

// Wrt returns the differentiated values in request order.
func (b Binding) Wrt() []graph.ValueRef {
	return append([]graph.ValueRef(nil), b.wrt...)
}

// Values returns the gradient values in request order.
func (b Binding) Values() []graph.ValueRef {
	out := make([]graph.ValueRef, len(b.wrt))
	for i, v := range b.wrt {
		out[i] = b.grads[v]
	}
	return out
}

// Differentiate extends g with operations computing the gradient of the
// sum of outputs with respect to each value in wrt.
//
// Each output is seeded with ones unless WithSeed supplies a seed. A wrt
// value with no path to any output gets a zero gradient. An operation on a
// path from wrt to the outputs that has no gradient rule fails the call
// with ErrNonDifferentiableOp; operations added before the failure remain
// in the graph and can be removed with Prune.
func Differentiate(g *graph.Graph, outputs, wrt []graph.ValueRef, opts ...Option) (Binding, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	for _, v := range append(append([]graph.ValueRef(nil), outputs...), wrt...) {
		if err := g.Validate(v); err != nil {
			return Binding{}, err
		}
	}

	cone, err := g.Cone(outputs...)
	if err != nil {
		return Binding{}, err
	}
	d := &differentiator{
		g:        g,
		wrt:      make(map[graph.ValueRef]bool, len(wrt)),
		down:     g.Downstream(wrt...),
		contribs: make(map[graph.ValueRef][]graph.ValueRef),
		acc:      make(map[graph.ValueRef]graph.ValueRef),
	}
	for _, v := range wrt {
		d.wrt[v] = true
	}

	for _, out := range outputs {
		if !d.needsGrad(out) {
			continue
		}
		seed, err := d.seed(out, o.seeds)
		if err != nil {
			return Binding{}, err
		}
		d.contribs[out] = append(d.contribs[out], seed)
	}

	for i := len(cone.Ops) - 1; i >= 0; i-- {
		op := cone.Ops[i]
		if !d.down[op] {
			continue
		}
		if err := d.visit(op); err != nil {
			return Binding{}, err
		}
	}

	return d.bind(wrt)
}

type differentiator struct {
	g    *graph.Graph
	wrt  map[graph.ValueRef]bool
	down map[graph.OpRef]bool

	contribs map[graph.ValueRef][]graph.ValueRef
	acc      map[graph.ValueRef]graph.ValueRef
}

// needsGrad reports whether v lies on a path from a wrt value.
func (d *differentiator) needsGrad(v graph.ValueRef) bool {
	if d.wrt[v] {
		return true
	}
	p, _ := d.g.Producer(v)
	return p != graph.NoOp && d.down[p]
}

func (d *differentiator) seed(out graph.ValueRef, seeds map[graph.ValueRef]graph.ValueRef) (graph.ValueRef, error) {
	if s, ok := seeds[out]; ok {
		if err := d.g.Validate(s); err != nil {
			return graph.NoValue, errors.WithMessage(err, "seed")
		}
		if _, err := tensor.MergeSpec(d.g.Spec(s), d.g.Spec(out)); err != nil {
			return graph.NoValue, errors.WithMessagef(err, "seed for %s", d.g.Name(out))
		}
		return s, nil
	}
	outs, err := d.g.AddNamedOperation("seed("+d.g.Name(out)+")", OnesLike, out)
	if err != nil {
		return graph.NoValue, err
	}
	return outs[0], nil
}

// visit invokes op's gradient rule with its accumulated output gradients
// and records the resulting input contributions.
func (d *differentiator) visit(op graph.OpRef) error {
	operator := d.g.Operator(op)
	rule, ok := operator.(graph.Differentiable)
	if !ok {
		return errors.Wrapf(ErrNonDifferentiableOp, "%s (%s)", operator.Type(), d.g.OpName(op))
	}

	outs := d.g.Outputs(op)
	grads := make([]graph.ValueRef, len(outs))
	flowing := false
	for j, out := range outs {
		a, err := d.accumulate(out)
		if err != nil {
			return err
		}
		grads[j] = a
		flowing = flowing || a != graph.NoValue
	}
	if !flowing {
		return nil
	}
	if err := d.fillMissing(outs, grads); err != nil {
		return err
	}

	inputs := d.g.Inputs(op)
	needs := make([]bool, len(inputs))
	for i, in := range inputs {
		needs[i] = d.needsGrad(in)
	}

	res, err := rule.Gradient(graph.NewGradientContext(d.g, op, grads, needs))
	if err != nil {
		return errors.WithMessagef(err, "gradient of %s", d.g.OpName(op))
	}
	if len(res) != len(inputs) {
		return errors.Errorf("gradient of %s: %d results for %d inputs", d.g.OpName(op), len(res), len(inputs))
	}
	for i, r := range res {
		if !needs[i] || r == graph.NoValue {
			continue
		}
		if _, err := tensor.MergeSpec(d.g.Spec(r), d.g.Spec(inputs[i])); err != nil {
			return errors.WithMessagef(err, "gradient of %s input %d", d.g.OpName(op), i)
		}
		d.contribs[inputs[i]] = append(d.contribs[inputs[i]], r)
	}
	return nil
}

// fillMissing binds zeros to outputs of a multi-output op that received no
// gradient.
func (d *differentiator) fillMissing(outs, grads []graph.ValueRef) error {
	for j, out := range outs {
		if grads[j] != graph.NoValue {
			continue
		}
		z, err := d.g.AddOperation(ZerosLike, out)
		if err != nil {
			return err
		}
		grads[j] = z[0]
	}
	return nil
}

// accumulate returns the single value holding v's total gradient, inserting
// an AddN when there are several contributions. Every consumer of v is
// visited before v's producer, so the total is final when first requested.
func (d *differentiator) accumulate(v graph.ValueRef) (graph.ValueRef, error) {
	if a, ok := d.acc[v]; ok {
		return a, nil
	}
	cs := d.contribs[v]
	a := graph.NoValue
	switch len(cs) {
	case 0:
	case 1:
		a = cs[0]
	default:
		outs, err := d.g.AddNamedOperation("grad("+d.g.Name(v)+")", AddN{}, cs...)
		if err != nil {
			return graph.NoValue, errors.WithMessagef(err, "accumulating gradient of %s", d.g.Name(v))
		}
		a = outs[0]
	}
	d.acc[v] = a
	return a, nil
}

func (d *differentiator) bind(wrt []graph.ValueRef) (Binding, error) {
	b := Binding{
		wrt:           append([]graph.ValueRef(nil), wrt...),
		grads:         make(map[graph.ValueRef]graph.ValueRef, len(wrt)),
		contributions: make(map[graph.ValueRef]int, len(wrt)),
	}
	for _, v := range wrt {
		if _, done := b.grads[v]; done {
			continue
		}
		a, err := d.accumulate(v)
		if err != nil {
			return Binding{}, err
		}
		if a == graph.NoValue {
			z, err := d.g.AddNamedOperation("zero_grad("+d.g.Name(v)+")", ZerosLike, v)
			if err != nil {
				return Binding{}, err
			}
			a = z[0]
		}
		b.grads[v] = a
		b.contributions[v] = len(d.contribs[v])
	}
	return b, nil
}

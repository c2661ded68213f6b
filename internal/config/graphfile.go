package config

import (
	"github.com/hashicorp/hcl/v2"
	"github.com/pkg/errors"

	"github.com/born-ml/dataflow/internal/graph"
	"github.com/born-ml/dataflow/internal/ops"
	"github.com/born-ml/dataflow/internal/tensor"
)

type leafBlock struct {
	Name  string `hcl:"name,label"`
	DType string `hcl:"dtype,optional"`
	Shape []int  `hcl:"shape"`
}

type parameterBlock struct {
	Name  string   `hcl:"name,label"`
	DType string   `hcl:"dtype,optional"`
	Shape []int    `hcl:"shape"`
	Init  *string  `hcl:"init,optional"`
	Seed  *int64   `hcl:"seed,optional"`
	Value *float64 `hcl:"value,optional"`
	Low   *float64 `hcl:"low,optional"`
	High  *float64 `hcl:"high,optional"`
	Mean  *float64 `hcl:"mean,optional"`
	Std   *float64 `hcl:"std,optional"`
}

type constantBlock struct {
	Name   string    `hcl:"name,label"`
	DType  string    `hcl:"dtype,optional"`
	Shape  []int     `hcl:"shape"`
	Values []float64 `hcl:"values"`
}

type opBlock struct {
	Name   string   `hcl:"name,label"`
	Kind   string   `hcl:"kind"`
	Inputs []string `hcl:"inputs"`
	// Remain holds the operator attributes.
	Remain hcl.Body `hcl:",remain"`
}

// LeafSpec declares an input.
type LeafSpec struct {
	Name string
	Spec tensor.Spec
}

// ParameterSpec declares a parameter and how to initialize it.
type ParameterSpec struct {
	Name string
	Spec tensor.Spec
	Init graph.Initializer
}

// ConstantSpec declares a constant.
type ConstantSpec struct {
	Name  string
	Value *tensor.RawTensor
}

// OpSpec declares one operation. Its outputs are named after the op.
type OpSpec struct {
	Name   string
	Kind   string
	Inputs []string
	Attrs  ops.Attributes
}

// GraphSpec is a decoded graph description.
type GraphSpec struct {
	Inputs     []LeafSpec
	Parameters []ParameterSpec
	Constants  []ConstantSpec
	Ops        []OpSpec
	// Outputs and Wrt name the values to compute and to differentiate
	// the outputs with respect to.
	Outputs []string
	Wrt     []string
}

func (root *fileRoot) graph(ectx *hcl.EvalContext) (*GraphSpec, error) {
	if len(root.Inputs)+len(root.Parameters)+len(root.Constants)+len(root.Ops) == 0 {
		return nil, nil
	}
	gs := &GraphSpec{Outputs: root.Outputs, Wrt: root.Wrt}
	for _, b := range root.Inputs {
		spec, err := leafSpec(b.DType, b.Shape)
		if err != nil {
			return nil, errors.WithMessagef(err, "input %q", b.Name)
		}
		gs.Inputs = append(gs.Inputs, LeafSpec{Name: b.Name, Spec: spec})
	}
	for _, b := range root.Parameters {
		p, err := b.decode()
		if err != nil {
			return nil, errors.WithMessagef(err, "parameter %q", b.Name)
		}
		gs.Parameters = append(gs.Parameters, p)
	}
	for _, b := range root.Constants {
		c, err := b.decode()
		if err != nil {
			return nil, errors.WithMessagef(err, "constant %q", b.Name)
		}
		gs.Constants = append(gs.Constants, c)
	}
	for _, b := range root.Ops {
		attrs, diags := b.Remain.JustAttributes()
		if diags.HasErrors() {
			return nil, errors.Errorf("op %q: %s", b.Name, diags.Error())
		}
		op := OpSpec{Name: b.Name, Kind: b.Kind, Inputs: b.Inputs, Attrs: make(ops.Attributes, len(attrs))}
		for name, attr := range attrs {
			v, diags := attr.Expr.Value(ectx)
			if diags.HasErrors() {
				return nil, errors.Errorf("op %q attribute %q: %s", b.Name, name, diags.Error())
			}
			op.Attrs[name] = v
		}
		gs.Ops = append(gs.Ops, op)
	}
	return gs, nil
}

func leafSpec(dtype string, shape []int) (tensor.Spec, error) {
	dt := tensor.Float32
	if dtype != "" {
		var err error
		if dt, err = tensor.ParseDataType(dtype); err != nil {
			return tensor.Spec{}, err
		}
	}
	s := tensor.Shape(shape)
	if err := s.Validate(); err != nil {
		return tensor.Spec{}, err
	}
	return tensor.Spec{DType: dt, Shape: s}, nil
}

func (b *parameterBlock) decode() (ParameterSpec, error) {
	spec, err := leafSpec(b.DType, b.Shape)
	if err != nil {
		return ParameterSpec{}, err
	}
	if !spec.IsKnown() {
		return ParameterSpec{}, errors.Errorf("shape %s must be fully known", spec.Shape)
	}
	get := func(p *float64, def float64) float64 {
		if p == nil {
			return def
		}
		return *p
	}
	var seed int64
	if b.Seed != nil {
		seed = *b.Seed
	}

	kind := "fill"
	if b.Init != nil {
		kind = *b.Init
	}
	var init graph.Initializer
	switch kind {
	case "fill":
		init = ops.Fill{Value: get(b.Value, 0)}
	case "uniform":
		init = ops.Uniform{Low: get(b.Low, -1), High: get(b.High, 1), Seed: seed}
	case "normal":
		init = ops.Normal{Mean: get(b.Mean, 0), Std: get(b.Std, 1), Seed: seed}
	case "xavier":
		init = ops.Xavier{Seed: seed}
	default:
		return ParameterSpec{}, errors.Errorf("unknown initializer %q", kind)
	}
	return ParameterSpec{Name: b.Name, Spec: spec, Init: init}, nil
}

func (b *constantBlock) decode() (ConstantSpec, error) {
	spec, err := leafSpec(b.DType, b.Shape)
	if err != nil {
		return ConstantSpec{}, err
	}
	t, err := tensor.NewRaw(spec.Shape, spec.DType)
	if err != nil {
		return ConstantSpec{}, err
	}
	if len(b.Values) != t.NumElements() {
		return ConstantSpec{}, errors.Errorf("%d values for shape %s", len(b.Values), spec.Shape)
	}
	for i, v := range b.Values {
		tensor.SetFloat64(t, i, v)
	}
	return ConstantSpec{Name: b.Name, Value: t}, nil
}

// Model is a graph built from a GraphSpec.
type Model struct {
	Graph   *graph.Graph
	Outputs []graph.ValueRef
	Wrt     []graph.ValueRef
}

// Value looks up a value by name.
func (m *Model) Value(name string) (graph.ValueRef, bool) {
	return m.Graph.ValueByName(name)
}

// Build adds the described nodes to g. Ops may appear in any order; they
// are added once all their inputs exist.
func (gs *GraphSpec) Build(g *graph.Graph, reg *ops.Registry) (*Model, error) {
	for _, in := range gs.Inputs {
		if _, err := g.NewInput(in.Name, in.Spec); err != nil {
			return nil, errors.WithMessagef(err, "input %q", in.Name)
		}
	}
	for _, p := range gs.Parameters {
		if _, err := g.NewParameter(p.Name, p.Spec, p.Init); err != nil {
			return nil, errors.WithMessagef(err, "parameter %q", p.Name)
		}
	}
	for _, c := range gs.Constants {
		if _, err := g.NewConstant(c.Name, c.Value); err != nil {
			return nil, errors.WithMessagef(err, "constant %q", c.Name)
		}
	}

	pending := append([]OpSpec(nil), gs.Ops...)
	for len(pending) > 0 {
		var next []OpSpec
		for _, o := range pending {
			inputs, ok := resolve(g, o.Inputs)
			if !ok {
				next = append(next, o)
				continue
			}
			op, err := reg.New(o.Kind, o.Attrs)
			if err != nil {
				return nil, errors.WithMessagef(err, "op %q", o.Name)
			}
			if _, err := g.AddNamedOperation(o.Name, op, inputs...); err != nil {
				return nil, errors.WithMessagef(err, "op %q", o.Name)
			}
		}
		if len(next) == len(pending) {
			return nil, errors.Wrapf(graph.ErrCycleDetected, "op %q: inputs %v are undefined or cyclic", next[0].Name, next[0].Inputs)
		}
		pending = next
	}

	m := &Model{Graph: g}
	var err error
	if m.Outputs, err = lookup(g, gs.Outputs); err != nil {
		return nil, errors.WithMessage(err, "outputs")
	}
	if m.Wrt, err = lookup(g, gs.Wrt); err != nil {
		return nil, errors.WithMessage(err, "wrt")
	}
	return m, nil
}

func resolve(g *graph.Graph, names []string) ([]graph.ValueRef, bool) {
	out := make([]graph.ValueRef, len(names))
	for i, n := range names {
		v, ok := g.ValueByName(n)
		if !ok {
			return nil, false
		}
		out[i] = v
	}
	return out, true
}

func lookup(g *graph.Graph, names []string) ([]graph.ValueRef, error) {
	out, ok := resolve(g, names)
	if !ok {
		for _, n := range names {
			if _, found := g.ValueByName(n); !found {
				return nil, errors.Wrapf(graph.ErrInvalidReference, "no value named %q", n)
			}
		}
	}
	return out, nil
}

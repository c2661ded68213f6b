package ops

import (
	"sort"

	"github.com/pkg/errors"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/convert"
	"github.com/zclconf/go-cty/cty/gocty"

	"github.com/born-ml/dataflow/internal/graph"
	"github.com/born-ml/dataflow/internal/tensor"
)

// ErrUnknownOperator is returned by Registry.New for unregistered kinds.
var ErrUnknownOperator = errors.New("unknown operator")

// Attributes are operator parameters as decoded from a graph description.
type Attributes map[string]cty.Value

// Has reports whether name is set to a known, non-null value.
func (a Attributes) Has(name string) bool {
	v, ok := a[name]
	return ok && v.IsKnown() && !v.IsNull()
}

// Float returns the numeric attribute name, or def when unset.
func (a Attributes) Float(name string, def float64) (float64, error) {
	if !a.Has(name) {
		return def, nil
	}
	var f float64
	if err := gocty.FromCtyValue(a[name], &f); err != nil {
		return 0, errors.Wrapf(err, "attribute %q", name)
	}
	return f, nil
}

// Bool returns the boolean attribute name, or def when unset.
func (a Attributes) Bool(name string, def bool) (bool, error) {
	if !a.Has(name) {
		return def, nil
	}
	var b bool
	if err := gocty.FromCtyValue(a[name], &b); err != nil {
		return false, errors.Wrapf(err, "attribute %q", name)
	}
	return b, nil
}

// String returns the string attribute name, or def when unset.
func (a Attributes) String(name, def string) (string, error) {
	if !a.Has(name) {
		return def, nil
	}
	var s string
	if err := gocty.FromCtyValue(a[name], &s); err != nil {
		return "", errors.Wrapf(err, "attribute %q", name)
	}
	return s, nil
}

// Ints returns the integer list attribute name, or nil when unset.
func (a Attributes) Ints(name string) ([]int, error) {
	if !a.Has(name) {
		return nil, nil
	}
	// HCL list literals decode as tuples.
	v, err := convert.Convert(a[name], cty.List(cty.Number))
	if err != nil {
		return nil, errors.Wrapf(err, "attribute %q", name)
	}
	var out []int
	if err := gocty.FromCtyValue(v, &out); err != nil {
		return nil, errors.Wrapf(err, "attribute %q", name)
	}
	return out, nil
}

// Factory builds an operator from its attributes.
type Factory func(attrs Attributes) (graph.Operator, error)

// Registry maps operator kind names to factories.
type Registry struct {
	factories map[string]Factory
	rule      tensor.BroadcastRule
}

// NewRegistry creates a registry holding every operator of this package.
// Elementwise operators use rule unless their "broadcast" attribute says
// otherwise.
func NewRegistry(rule tensor.BroadcastRule) *Registry {
	r := &Registry{
		factories: make(map[string]Factory),
		rule:      rule,
	}
	r.registerElementwise()
	r.registerLinalg()
	r.registerShapeOps()
	return r
}

// Register adds or replaces the factory for kind.
func (r *Registry) Register(kind string, f Factory) {
	r.factories[kind] = f
}

// New builds an operator of the given kind.
func (r *Registry) New(kind string, attrs Attributes) (graph.Operator, error) {
	f, ok := r.factories[kind]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownOperator, "%q", kind)
	}
	op, err := f(attrs)
	if err != nil {
		return nil, errors.WithMessagef(err, "operator %s", kind)
	}
	return op, nil
}

// SupportedOps returns the registered kinds in sorted order.
func (r *Registry) SupportedOps() []string {
	kinds := make([]string, 0, len(r.factories))
	for k := range r.factories {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

func (r *Registry) broadcastRule(attrs Attributes) (tensor.BroadcastRule, error) {
	s, err := attrs.String("broadcast", "")
	if err != nil || s == "" {
		return r.rule, err
	}
	return tensor.ParseBroadcastRule(s)
}

func (r *Registry) registerElementwise() {
	binary := map[string]func(tensor.BroadcastRule) graph.Operator{
		"Add": Add,
		"Sub": Sub,
		"Mul": Mul,
		"Div": Div,
		"Min": Min,
		"Max": Max,
	}
	for kind, ctor := range binary {
		ctor := ctor
		r.Register(kind, func(attrs Attributes) (graph.Operator, error) {
			rule, err := r.broadcastRule(attrs)
			if err != nil {
				return nil, err
			}
			return ctor(rule), nil
		})
	}

	unary := map[string]func() graph.Operator{
		"Neg":      Neg,
		"Exp":      Exp,
		"ReLU":     ReLU,
		"Step":     Step,
		"Identity": Identity,
		"MinBack":  MinBack,
	}
	for kind, ctor := range unary {
		ctor := ctor
		r.Register(kind, func(Attributes) (graph.Operator, error) { return ctor(), nil })
	}

	r.Register("Scale", func(attrs Attributes) (graph.Operator, error) {
		f, err := attrs.Float("factor", 1)
		if err != nil {
			return nil, err
		}
		return Scale(f), nil
	})
	r.Register("MulDiv", func(attrs Attributes) (graph.Operator, error) {
		eps, err := attrs.Float("epsilon", DefaultMulDivEpsilon)
		if err != nil {
			return nil, err
		}
		return &MulDiv{Epsilon: eps}, nil
	})
	r.Register("MulDivBack", func(attrs Attributes) (graph.Operator, error) {
		eps, err := attrs.Float("epsilon", DefaultMulDivEpsilon)
		if err != nil {
			return nil, err
		}
		return &MulDivBack{Epsilon: eps}, nil
	})
}

func (r *Registry) registerLinalg() {
	r.Register("MatMul", func(attrs Attributes) (graph.Operator, error) {
		ta, err := attrs.Bool("trans_a", false)
		if err != nil {
			return nil, err
		}
		tb, err := attrs.Bool("trans_b", false)
		if err != nil {
			return nil, err
		}
		return &MatMul{TransA: ta, TransB: tb}, nil
	})
}

func (r *Registry) registerShapeOps() {
	r.Register("Transpose", func(attrs Attributes) (graph.Operator, error) {
		perm, err := attrs.Ints("perm")
		if err != nil {
			return nil, err
		}
		return &Transpose{Perm: perm}, nil
	})
	r.Register("Sum", func(Attributes) (graph.Operator, error) { return Sum(), nil })
	r.Register("SumLike", func(Attributes) (graph.Operator, error) { return SumLike(), nil })
	r.Register("BroadcastLike", func(Attributes) (graph.Operator, error) { return BroadcastLike(), nil })
}

package graph

import (
	"github.com/born-ml/dataflow/internal/parallel"
	"github.com/born-ml/dataflow/internal/tensor"
)

// Operator is the contract every operation kind implements.
//
// The core calls InferShapes when the operation is added to a graph and
// again at execution time with concrete input specs, and Compute when a plan
// runs. It never inspects operator internals otherwise.
type Operator interface {
	// Type is the operator kind, e.g. "MatMul".
	Type() string
	// InferShapes derives output specs from input specs. Input shapes may
	// contain tensor.Unknown axes.
	InferShapes(inputs []tensor.Spec) ([]tensor.Spec, error)
	// Compute evaluates the operation on concrete tensors and returns freshly
	// allocated outputs.
	Compute(cc *ComputeContext, inputs []*tensor.RawTensor) ([]*tensor.RawTensor, error)
}

// Arity is implemented by operators with a fixed input count.
type Arity interface {
	NumInputs() int
}

// InPlace is implemented by operators that can write into preallocated
// outputs. Outputs are zeroed and have the concrete inferred shapes.
type InPlace interface {
	ComputeInto(cc *ComputeContext, inputs, outputs []*tensor.RawTensor) error
}

// Differentiable is implemented by operators with a gradient rule.
//
// Gradient builds graph structure computing the contribution of this
// operation to each input's gradient and returns one value per input.
// NoValue means the input receives no contribution.
type Differentiable interface {
	Gradient(gc *GradientContext) ([]ValueRef, error)
}

// Fingerprinter is implemented by operators whose attributes take part in
// structural hashing. Operators that do not implement it hash by identity,
// so two distinct instances never share cache entries.
type Fingerprinter interface {
	AppendFingerprint(b []byte) []byte
}

// Volatile is implemented by operators whose results must never be cached.
type Volatile interface {
	Volatile() bool
}

// Initializer produces the starting value of a parameter.
type Initializer interface {
	Initialize(spec tensor.Spec) (*tensor.RawTensor, error)
}

// ComputeContext carries per-execution resources to operator kernels.
type ComputeContext struct {
	Parallel parallel.Config
}

// DefaultComputeContext uses parallel.DefaultConfig.
func DefaultComputeContext() *ComputeContext {
	return &ComputeContext{Parallel: parallel.DefaultConfig()}
}

// GradientContext is handed to Differentiable.Gradient.
type GradientContext struct {
	Graph *Graph
	Op    OpRef

	Inputs  []ValueRef
	Outputs []ValueRef
	// OutputGrads holds one gradient per output. Outputs that did not
	// receive a gradient are bound to zeros.
	OutputGrads []ValueRef

	needs []bool
}

// NewGradientContext builds a context for op. needs marks inputs that are
// on a path to a differentiated value; nil means all inputs.
func NewGradientContext(g *Graph, op OpRef, outputGrads []ValueRef, needs []bool) *GradientContext {
	return &GradientContext{
		Graph:       g,
		Op:          op,
		Inputs:      g.Inputs(op),
		Outputs:     g.Outputs(op),
		OutputGrads: outputGrads,
		needs:       needs,
	}
}

// NeedsGrad reports whether input i requires a gradient. Rules may skip
// building structure for inputs that do not.
func (gc *GradientContext) NeedsGrad(i int) bool {
	return gc.needs == nil || gc.needs[i]
}

// Spec returns the declared spec of v.
func (gc *GradientContext) Spec(v ValueRef) tensor.Spec {
	return gc.Graph.Spec(v)
}

// Name returns the operation's name, useful for naming gradient nodes.
func (gc *GradientContext) Name() string {
	return gc.Graph.OpName(gc.Op)
}

// Package ops is the reference operator library: elementwise arithmetic,
// matrix products, reductions and shape manipulation implemented on the
// CPU kernels, each with shape inference and (where one exists) a gradient
// rule expressed as graph structure.
package ops

import (
	"math"

	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/born-ml/dataflow/internal/backend/cpu"
	"github.com/born-ml/dataflow/internal/graph"
	"github.com/born-ml/dataflow/internal/tensor"
)

// kernel is implemented by every operator in this package.
type kernel interface {
	graph.Operator
	graph.InPlace
}

// run allocates outputs from the concrete inferred specs and delegates to
// ComputeInto. All operators here implement Compute this way.
func run(op kernel, cc *graph.ComputeContext, inputs []*tensor.RawTensor) ([]*tensor.RawTensor, error) {
	specs := make([]tensor.Spec, len(inputs))
	for i, in := range inputs {
		specs[i] = in.Spec()
	}
	outSpecs, err := op.InferShapes(specs)
	if err != nil {
		return nil, err
	}
	outputs := make([]*tensor.RawTensor, len(outSpecs))
	for i, s := range outSpecs {
		if outputs[i], err = tensor.NewRaw(s.Shape, s.DType); err != nil {
			return nil, errors.Wrapf(err, "%s output %d", op.Type(), i)
		}
	}
	if err := op.ComputeInto(cc, inputs, outputs); err != nil {
		return nil, err
	}
	return outputs, nil
}

func backend(cc *graph.ComputeContext) *cpu.CPUBackend {
	if cc == nil {
		return cpu.New(graph.DefaultComputeContext().Parallel)
	}
	return cpu.New(cc.Parallel)
}

// Apply adds op to g and returns its single output.
func Apply(g *graph.Graph, op graph.Operator, inputs ...graph.ValueRef) (graph.ValueRef, error) {
	outs, err := g.AddOperation(op, inputs...)
	if err != nil {
		return graph.NoValue, err
	}
	if len(outs) != 1 {
		return graph.NoValue, errors.Errorf("%s has %d outputs, expected 1", op.Type(), len(outs))
	}
	return outs[0], nil
}

// reduceGrad sums grad back to the shape of like, undoing broadcasting.
// When both specs are identical and fully known no operation is added.
func reduceGrad(g *graph.Graph, grad, like graph.ValueRef) (graph.ValueRef, error) {
	gs, ls := g.Spec(grad), g.Spec(like)
	if gs.Equal(ls) && gs.IsKnown() {
		return grad, nil
	}
	return Apply(g, SumLike(), grad, like)
}

func sameDType(op string, in []tensor.Spec) error {
	for _, s := range in[1:] {
		if s.DType != in[0].DType {
			return errors.Wrapf(tensor.ErrShapeMismatch, "%s: mixed dtypes %s and %s", op, in[0].DType, s.DType)
		}
	}
	return nil
}

func appendFloat(b []byte, v float64) []byte {
	return protowire.AppendFixed64(b, math.Float64bits(v))
}

func appendBool(b []byte, v bool) []byte {
	return protowire.AppendVarint(b, protowire.EncodeBool(v))
}

package autodiff

import (
	"math"

	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/born-ml/dataflow/internal/backend/cpu"
	"github.com/born-ml/dataflow/internal/graph"
	"github.com/born-ml/dataflow/internal/tensor"
)

// AddN sums any number of inputs of one spec. Differentiate inserts it
// wherever a value receives more than one gradient contribution.
type AddN struct{}

func (AddN) Type() string                      { return "AddN" }
func (AddN) AppendFingerprint(b []byte) []byte { return b }

func (AddN) InferShapes(in []tensor.Spec) ([]tensor.Spec, error) {
	if len(in) == 0 {
		return nil, errors.Wrap(graph.ErrArity, "AddN needs at least one input")
	}
	out := in[0].Clone()
	for _, s := range in[1:] {
		var err error
		if out, err = tensor.MergeSpec(out, s); err != nil {
			return nil, err
		}
	}
	return []tensor.Spec{out}, nil
}

func (op AddN) Compute(cc *graph.ComputeContext, inputs []*tensor.RawTensor) ([]*tensor.RawTensor, error) {
	out, err := tensor.NewRaw(inputs[0].Shape(), inputs[0].DType())
	if err != nil {
		return nil, err
	}
	if err := op.ComputeInto(cc, inputs, []*tensor.RawTensor{out}); err != nil {
		return nil, err
	}
	return []*tensor.RawTensor{out}, nil
}

func (AddN) ComputeInto(cc *graph.ComputeContext, inputs, outputs []*tensor.RawTensor) error {
	if cc == nil {
		cc = graph.DefaultComputeContext()
	}
	return cpu.New(cc.Parallel).AddN(outputs[0], inputs...)
}

// Gradient passes the output gradient to every term.
func (AddN) Gradient(gc *graph.GradientContext) ([]graph.ValueRef, error) {
	grads := make([]graph.ValueRef, len(gc.Inputs))
	for i := range grads {
		grads[i] = gc.OutputGrads[0]
	}
	return grads, nil
}

// FillLike produces a tensor with the spec of its input and every element
// set to Value. The input's contents are never read.
type FillLike struct {
	Value float64
}

// ZerosLike and OnesLike are the fills Differentiate inserts.
var (
	ZerosLike = FillLike{Value: 0}
	OnesLike  = FillLike{Value: 1}
)

func (op FillLike) Type() string   { return "FillLike" }
func (op FillLike) NumInputs() int { return 1 }

func (op FillLike) AppendFingerprint(b []byte) []byte {
	return protowire.AppendFixed64(b, math.Float64bits(op.Value))
}

func (op FillLike) InferShapes(in []tensor.Spec) ([]tensor.Spec, error) {
	return []tensor.Spec{in[0].Clone()}, nil
}

func (op FillLike) Compute(_ *graph.ComputeContext, inputs []*tensor.RawTensor) ([]*tensor.RawTensor, error) {
	out, err := tensor.Full(inputs[0].Shape(), inputs[0].DType(), op.Value)
	if err != nil {
		return nil, err
	}
	return []*tensor.RawTensor{out}, nil
}

func (op FillLike) ComputeInto(_ *graph.ComputeContext, _, outputs []*tensor.RawTensor) error {
	tensor.Fill(outputs[0], op.Value)
	return nil
}

// Gradient is zero: the output does not depend on the input's values.
func (op FillLike) Gradient(gc *graph.GradientContext) ([]graph.ValueRef, error) {
	return []graph.ValueRef{graph.NoValue}, nil
}

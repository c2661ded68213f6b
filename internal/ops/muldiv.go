package ops

import (
	"github.com/pkg/errors"

	"github.com/born-ml/dataflow/internal/graph"
	"github.com/born-ml/dataflow/internal/tensor"
)

// DefaultMulDivEpsilon softens the divisor magnitude in MulDiv.
const DefaultMulDivEpsilon = 0.1

// MulDiv reads the last axis in groups of four (a,b,c,d), treats them as
// the complex numbers a+bi and c+di, and writes their product followed by
// their quotient. Elements past the last full group pass through.
type MulDiv struct {
	Epsilon float64
}

func (op *MulDiv) Type() string   { return "MulDiv" }
func (op *MulDiv) NumInputs() int { return 1 }

func (op *MulDiv) AppendFingerprint(b []byte) []byte { return appendFloat(b, op.Epsilon) }

func (op *MulDiv) InferShapes(in []tensor.Spec) ([]tensor.Spec, error) {
	if !in[0].DType.IsFloat() {
		return nil, errors.Errorf("MulDiv: float input required, got %s", in[0].DType)
	}
	return []tensor.Spec{in[0].Clone()}, nil
}

func (op *MulDiv) Compute(cc *graph.ComputeContext, inputs []*tensor.RawTensor) ([]*tensor.RawTensor, error) {
	return run(op, cc, inputs)
}

func (op *MulDiv) ComputeInto(cc *graph.ComputeContext, inputs, outputs []*tensor.RawTensor) error {
	return backend(cc).MulDiv(outputs[0], inputs[0], op.Epsilon)
}

func (op *MulDiv) Gradient(gc *graph.GradientContext) ([]graph.ValueRef, error) {
	dx, err := Apply(gc.Graph, &MulDivBack{Epsilon: op.Epsilon}, gc.Inputs[0], gc.OutputGrads[0])
	if err != nil {
		return nil, err
	}
	return []graph.ValueRef{dx}, nil
}

// MulDivBack computes the input gradient of MulDiv from (input, output
// gradient). It has no gradient rule of its own.
type MulDivBack struct {
	Epsilon float64
}

func (op *MulDivBack) Type() string   { return "MulDivBack" }
func (op *MulDivBack) NumInputs() int { return 2 }

func (op *MulDivBack) AppendFingerprint(b []byte) []byte { return appendFloat(b, op.Epsilon) }

func (op *MulDivBack) InferShapes(in []tensor.Spec) ([]tensor.Spec, error) {
	if err := sameDType(op.Type(), in); err != nil {
		return nil, err
	}
	spec, err := tensor.MergeSpec(in[0], in[1])
	if err != nil {
		return nil, err
	}
	return []tensor.Spec{spec}, nil
}

func (op *MulDivBack) Compute(cc *graph.ComputeContext, inputs []*tensor.RawTensor) ([]*tensor.RawTensor, error) {
	return run(op, cc, inputs)
}

func (op *MulDivBack) ComputeInto(cc *graph.ComputeContext, inputs, outputs []*tensor.RawTensor) error {
	return backend(cc).MulDivGrad(outputs[0], inputs[0], inputs[1], op.Epsilon)
}

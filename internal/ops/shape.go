package ops

import (
	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/born-ml/dataflow/internal/backend/cpu"
	"github.com/born-ml/dataflow/internal/graph"
	"github.com/born-ml/dataflow/internal/tensor"
)

// Transpose permutes axes. A nil Perm reverses them.
type Transpose struct {
	Perm []int
}

func (op *Transpose) Type() string   { return "Transpose" }
func (op *Transpose) NumInputs() int { return 1 }

func (op *Transpose) AppendFingerprint(b []byte) []byte {
	b = protowire.AppendVarint(b, uint64(len(op.Perm)))
	for _, p := range op.Perm {
		b = protowire.AppendVarint(b, uint64(p))
	}
	return b
}

func (op *Transpose) InferShapes(in []tensor.Spec) ([]tensor.Spec, error) {
	shape, err := cpu.PermuteShape(in[0].Shape, op.Perm)
	if err != nil {
		return nil, err
	}
	return []tensor.Spec{{DType: in[0].DType, Shape: shape}}, nil
}

func (op *Transpose) Compute(cc *graph.ComputeContext, inputs []*tensor.RawTensor) ([]*tensor.RawTensor, error) {
	return run(op, cc, inputs)
}

func (op *Transpose) ComputeInto(cc *graph.ComputeContext, inputs, outputs []*tensor.RawTensor) error {
	return backend(cc).Transpose(outputs[0], inputs[0], op.Perm)
}

func (op *Transpose) Gradient(gc *graph.GradientContext) ([]graph.ValueRef, error) {
	dx, err := Apply(gc.Graph, &Transpose{Perm: cpu.InversePerm(op.Perm)}, gc.OutputGrads[0])
	if err != nil {
		return nil, err
	}
	return []graph.ValueRef{dx}, nil
}

// sumOp reduces every element to a rank-0 total.
type sumOp struct{}

// Sum returns the sum of all elements as a scalar.
func Sum() graph.Operator { return sumOp{} }

func (sumOp) Type() string                      { return "Sum" }
func (sumOp) NumInputs() int                    { return 1 }
func (sumOp) AppendFingerprint(b []byte) []byte { return b }

func (sumOp) InferShapes(in []tensor.Spec) ([]tensor.Spec, error) {
	return []tensor.Spec{tensor.NewSpec(in[0].DType)}, nil
}

func (op sumOp) Compute(cc *graph.ComputeContext, inputs []*tensor.RawTensor) ([]*tensor.RawTensor, error) {
	return run(op, cc, inputs)
}

func (sumOp) ComputeInto(cc *graph.ComputeContext, inputs, outputs []*tensor.RawTensor) error {
	return backend(cc).SumTo(outputs[0], inputs[0])
}

func (sumOp) Gradient(gc *graph.GradientContext) ([]graph.ValueRef, error) {
	dx, err := Apply(gc.Graph, BroadcastLike(), gc.OutputGrads[0], gc.Inputs[0])
	if err != nil {
		return nil, err
	}
	return []graph.ValueRef{dx}, nil
}

// sumLikeOp sums its first input over the axes along which the second
// input would be broadcast to reach it. Only the second input's shape is
// read.
type sumLikeOp struct{}

// SumLike reduces x to the shape of like. It undoes BroadcastLike.
func SumLike() graph.Operator { return sumLikeOp{} }

func (sumLikeOp) Type() string                      { return "SumLike" }
func (sumLikeOp) NumInputs() int                    { return 2 }
func (sumLikeOp) AppendFingerprint(b []byte) []byte { return b }

func (op sumLikeOp) InferShapes(in []tensor.Spec) ([]tensor.Spec, error) {
	if err := sameDType(op.Type(), in); err != nil {
		return nil, err
	}
	if err := broadcastsTo(in[1].Shape, in[0].Shape); err != nil {
		return nil, errors.WithMessage(err, "sumlike")
	}
	return []tensor.Spec{in[1].Clone()}, nil
}

func (op sumLikeOp) Compute(cc *graph.ComputeContext, inputs []*tensor.RawTensor) ([]*tensor.RawTensor, error) {
	return run(op, cc, inputs)
}

func (sumLikeOp) ComputeInto(cc *graph.ComputeContext, inputs, outputs []*tensor.RawTensor) error {
	return backend(cc).SumTo(outputs[0], inputs[0])
}

func (sumLikeOp) Gradient(gc *graph.GradientContext) ([]graph.ValueRef, error) {
	grads := []graph.ValueRef{graph.NoValue, graph.NoValue}
	if gc.NeedsGrad(0) {
		dx, err := Apply(gc.Graph, BroadcastLike(), gc.OutputGrads[0], gc.Inputs[0])
		if err != nil {
			return nil, err
		}
		grads[0] = dx
	}
	return grads, nil
}

// broadcastLikeOp stretches its first input to the shape of the second.
type broadcastLikeOp struct{}

// BroadcastLike broadcasts x to the shape of like under trailing-axis rules.
func BroadcastLike() graph.Operator { return broadcastLikeOp{} }

func (broadcastLikeOp) Type() string                      { return "BroadcastLike" }
func (broadcastLikeOp) NumInputs() int                    { return 2 }
func (broadcastLikeOp) AppendFingerprint(b []byte) []byte { return b }

func (op broadcastLikeOp) InferShapes(in []tensor.Spec) ([]tensor.Spec, error) {
	if err := sameDType(op.Type(), in); err != nil {
		return nil, err
	}
	if err := broadcastsTo(in[0].Shape, in[1].Shape); err != nil {
		return nil, errors.WithMessage(err, "broadcastlike")
	}
	return []tensor.Spec{in[1].Clone()}, nil
}

func (op broadcastLikeOp) Compute(cc *graph.ComputeContext, inputs []*tensor.RawTensor) ([]*tensor.RawTensor, error) {
	return run(op, cc, inputs)
}

func (broadcastLikeOp) ComputeInto(cc *graph.ComputeContext, inputs, outputs []*tensor.RawTensor) error {
	return backend(cc).BroadcastTo(outputs[0], inputs[0])
}

func (broadcastLikeOp) Gradient(gc *graph.GradientContext) ([]graph.ValueRef, error) {
	grads := []graph.ValueRef{graph.NoValue, graph.NoValue}
	if gc.NeedsGrad(0) {
		dx, err := Apply(gc.Graph, SumLike(), gc.OutputGrads[0], gc.Inputs[0])
		if err != nil {
			return nil, err
		}
		grads[0] = dx
	}
	return grads, nil
}

// broadcastsTo checks that from stretches to exactly to. Unknown axes are
// accepted on either side.
func broadcastsTo(from, to tensor.Shape) error {
	u, err := tensor.Unify(from, to, tensor.BroadcastTrailing)
	if err != nil {
		return err
	}
	if len(u) != len(to) {
		return &tensor.ShapeError{A: from.Clone(), B: to.Clone(), Axis: -1, Reason: "rank exceeds target"}
	}
	for i := range to {
		if to[i] != tensor.Unknown && u[i] != tensor.Unknown && u[i] != to[i] {
			return &tensor.ShapeError{A: from.Clone(), B: to.Clone(), Axis: i, Reason: "does not broadcast"}
		}
	}
	return nil
}

// identityOp passes its input through unchanged.
type identityOp struct{}

// Identity copies x.
func Identity() graph.Operator { return identityOp{} }

func (identityOp) Type() string                      { return "Identity" }
func (identityOp) NumInputs() int                    { return 1 }
func (identityOp) AppendFingerprint(b []byte) []byte { return b }

func (identityOp) InferShapes(in []tensor.Spec) ([]tensor.Spec, error) {
	return []tensor.Spec{in[0].Clone()}, nil
}

func (op identityOp) Compute(cc *graph.ComputeContext, inputs []*tensor.RawTensor) ([]*tensor.RawTensor, error) {
	return run(op, cc, inputs)
}

func (identityOp) ComputeInto(_ *graph.ComputeContext, inputs, outputs []*tensor.RawTensor) error {
	return outputs[0].CopyFrom(inputs[0])
}

func (identityOp) Gradient(gc *graph.GradientContext) ([]graph.ValueRef, error) {
	return []graph.ValueRef{gc.OutputGrads[0]}, nil
}

package ops

import (
	"github.com/born-ml/dataflow/internal/backend/cpu"
	"github.com/born-ml/dataflow/internal/graph"
	"github.com/born-ml/dataflow/internal/tensor"
)

// MatMul is the 2D matrix product op(A) @ op(B), where op transposes the
// operand when the corresponding flag is set.
type MatMul struct {
	TransA bool
	TransB bool
}

func (op *MatMul) Type() string   { return "MatMul" }
func (op *MatMul) NumInputs() int { return 2 }

func (op *MatMul) AppendFingerprint(b []byte) []byte {
	return appendBool(appendBool(b, op.TransA), op.TransB)
}

func (op *MatMul) InferShapes(in []tensor.Spec) ([]tensor.Spec, error) {
	if err := sameDType(op.Type(), in); err != nil {
		return nil, err
	}
	m, _, n, err := cpu.MatMulShape(in[0].Shape, in[1].Shape, op.TransA, op.TransB)
	if err != nil {
		return nil, err
	}
	return []tensor.Spec{tensor.NewSpec(in[0].DType, m, n)}, nil
}

func (op *MatMul) Compute(cc *graph.ComputeContext, inputs []*tensor.RawTensor) ([]*tensor.RawTensor, error) {
	return run(op, cc, inputs)
}

func (op *MatMul) ComputeInto(cc *graph.ComputeContext, inputs, outputs []*tensor.RawTensor) error {
	return backend(cc).MatMul(outputs[0], inputs[0], inputs[1], op.TransA, op.TransB)
}

// Gradient of C = op(A) @ op(B) with output gradient G:
//
//	C = A  @ B   dA = G  @ Bᵀ   dB = Aᵀ @ G
//	C = Aᵀ @ B   dA = B  @ Gᵀ   dB = A  @ G
//	C = A  @ Bᵀ  dA = G  @ B    dB = Gᵀ @ A
//	C = Aᵀ @ Bᵀ  dA = Bᵀ @ Gᵀ   dB = Gᵀ @ Aᵀ
func (op *MatMul) Gradient(gc *graph.GradientContext) ([]graph.ValueRef, error) {
	a, b := gc.Inputs[0], gc.Inputs[1]
	grad := gc.OutputGrads[0]

	type term struct {
		op   *MatMul
		l, r graph.ValueRef
	}
	var da, db term
	switch {
	case !op.TransA && !op.TransB:
		da = term{&MatMul{TransB: true}, grad, b}
		db = term{&MatMul{TransA: true}, a, grad}
	case op.TransA && !op.TransB:
		da = term{&MatMul{TransB: true}, b, grad}
		db = term{&MatMul{}, a, grad}
	case !op.TransA && op.TransB:
		da = term{&MatMul{}, grad, b}
		db = term{&MatMul{TransA: true}, grad, a}
	default:
		da = term{&MatMul{TransA: true, TransB: true}, b, grad}
		db = term{&MatMul{TransA: true, TransB: true}, grad, a}
	}

	grads := []graph.ValueRef{graph.NoValue, graph.NoValue}
	var err error
	if gc.NeedsGrad(0) {
		if grads[0], err = Apply(gc.Graph, da.op, da.l, da.r); err != nil {
			return nil, err
		}
	}
	if gc.NeedsGrad(1) {
		if grads[1], err = Apply(gc.Graph, db.op, db.l, db.r); err != nil {
			return nil, err
		}
	}
	return grads, nil
}

package ops

import (
	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/born-ml/dataflow/internal/backend/cpu"
	"github.com/born-ml/dataflow/internal/graph"
	"github.com/born-ml/dataflow/internal/tensor"
)

// binaryOp is an elementwise binary operator with broadcasting.
type binaryOp struct {
	kind cpu.BinaryOp
	rule tensor.BroadcastRule
}

var binaryNames = map[cpu.BinaryOp]string{
	cpu.OpAdd: "Add",
	cpu.OpSub: "Sub",
	cpu.OpMul: "Mul",
	cpu.OpDiv: "Div",
	cpu.OpMin: "Min",
	cpu.OpMax: "Max",
}

// Add returns a + b.
func Add(rule tensor.BroadcastRule) graph.Operator { return &binaryOp{kind: cpu.OpAdd, rule: rule} }

// Sub returns a - b.
func Sub(rule tensor.BroadcastRule) graph.Operator { return &binaryOp{kind: cpu.OpSub, rule: rule} }

// Mul returns a * b.
func Mul(rule tensor.BroadcastRule) graph.Operator { return &binaryOp{kind: cpu.OpMul, rule: rule} }

// Div returns a / b.
func Div(rule tensor.BroadcastRule) graph.Operator { return &binaryOp{kind: cpu.OpDiv, rule: rule} }

// Min returns the elementwise minimum. The gradient flows to the strictly
// smaller operand; ties route no gradient to either side.
func Min(rule tensor.BroadcastRule) graph.Operator { return &binaryOp{kind: cpu.OpMin, rule: rule} }

// Max returns the elementwise maximum, routing gradient like Min.
func Max(rule tensor.BroadcastRule) graph.Operator { return &binaryOp{kind: cpu.OpMax, rule: rule} }

func (op *binaryOp) Type() string   { return binaryNames[op.kind] }
func (op *binaryOp) NumInputs() int { return 2 }

func (op *binaryOp) AppendFingerprint(b []byte) []byte {
	b = protowire.AppendVarint(b, uint64(op.kind))
	return protowire.AppendVarint(b, uint64(op.rule))
}

func (op *binaryOp) InferShapes(in []tensor.Spec) ([]tensor.Spec, error) {
	if err := sameDType(op.Type(), in); err != nil {
		return nil, err
	}
	shape, err := tensor.Unify(in[0].Shape, in[1].Shape, op.rule)
	if err != nil {
		return nil, err
	}
	return []tensor.Spec{{DType: in[0].DType, Shape: shape}}, nil
}

func (op *binaryOp) Compute(cc *graph.ComputeContext, inputs []*tensor.RawTensor) ([]*tensor.RawTensor, error) {
	return run(op, cc, inputs)
}

func (op *binaryOp) ComputeInto(cc *graph.ComputeContext, inputs, outputs []*tensor.RawTensor) error {
	return backend(cc).Binary(op.kind, outputs[0], inputs[0], inputs[1])
}

func (op *binaryOp) Gradient(gc *graph.GradientContext) ([]graph.ValueRef, error) {
	g := gc.Graph
	a, b := gc.Inputs[0], gc.Inputs[1]
	grad := gc.OutputGrads[0]
	var da, db graph.ValueRef
	var err error

	switch op.kind {
	case cpu.OpAdd:
		da, db = grad, grad
	case cpu.OpSub:
		da = grad
		if gc.NeedsGrad(1) {
			db, err = Apply(g, Neg(), grad)
		}
	case cpu.OpMul:
		if gc.NeedsGrad(0) {
			da, err = Apply(g, Mul(op.rule), grad, b)
		}
		if err == nil && gc.NeedsGrad(1) {
			db, err = Apply(g, Mul(op.rule), grad, a)
		}
	case cpu.OpDiv:
		if gc.NeedsGrad(0) {
			da, err = Apply(g, Div(op.rule), grad, b)
		}
		if err == nil && gc.NeedsGrad(1) {
			db, err = divisorGrad(g, op.rule, grad, a, b)
		}
	case cpu.OpMin:
		if gc.NeedsGrad(0) {
			da, err = Apply(g, MinBack(), a, b, grad)
		}
		if err == nil && gc.NeedsGrad(1) {
			db, err = Apply(g, MinBack(), b, a, grad)
		}
	case cpu.OpMax:
		// a > b is b < a.
		if gc.NeedsGrad(0) {
			da, err = Apply(g, MinBack(), b, a, grad)
		}
		if err == nil && gc.NeedsGrad(1) {
			db, err = Apply(g, MinBack(), a, b, grad)
		}
	default:
		return nil, errors.Errorf("%s has no gradient rule", op.Type())
	}
	if err != nil {
		return nil, err
	}

	grads := []graph.ValueRef{graph.NoValue, graph.NoValue}
	if gc.NeedsGrad(0) {
		if grads[0], err = reduceGrad(g, da, a); err != nil {
			return nil, err
		}
	}
	if gc.NeedsGrad(1) {
		if grads[1], err = reduceGrad(g, db, b); err != nil {
			return nil, err
		}
	}
	return grads, nil
}

// divisorGrad builds -grad * a / (b * b).
func divisorGrad(g *graph.Graph, rule tensor.BroadcastRule, grad, a, b graph.ValueRef) (graph.ValueRef, error) {
	num, err := Apply(g, Mul(rule), grad, a)
	if err != nil {
		return graph.NoValue, err
	}
	den, err := Apply(g, Mul(rule), b, b)
	if err != nil {
		return graph.NoValue, err
	}
	q, err := Apply(g, Div(rule), num, den)
	if err != nil {
		return graph.NoValue, err
	}
	return Apply(g, Neg(), q)
}

// unaryOp is an elementwise unary operator.
type unaryOp struct {
	kind cpu.UnaryOp
}

var unaryNames = map[cpu.UnaryOp]string{
	cpu.OpNeg:  "Neg",
	cpu.OpExp:  "Exp",
	cpu.OpReLU: "ReLU",
	cpu.OpStep: "Step",
}

// Neg returns -x.
func Neg() graph.Operator { return &unaryOp{kind: cpu.OpNeg} }

// Exp returns e^x.
func Exp() graph.Operator { return &unaryOp{kind: cpu.OpExp} }

// ReLU returns max(x, 0).
func ReLU() graph.Operator { return &unaryOp{kind: cpu.OpReLU} }

// Step returns 1 where x > 0 and 0 elsewhere. Its gradient is zero.
func Step() graph.Operator { return &unaryOp{kind: cpu.OpStep} }

func (op *unaryOp) Type() string   { return unaryNames[op.kind] }
func (op *unaryOp) NumInputs() int { return 1 }

func (op *unaryOp) AppendFingerprint(b []byte) []byte {
	return protowire.AppendVarint(b, uint64(op.kind))
}

func (op *unaryOp) InferShapes(in []tensor.Spec) ([]tensor.Spec, error) {
	return []tensor.Spec{in[0].Clone()}, nil
}

func (op *unaryOp) Compute(cc *graph.ComputeContext, inputs []*tensor.RawTensor) ([]*tensor.RawTensor, error) {
	return run(op, cc, inputs)
}

func (op *unaryOp) ComputeInto(cc *graph.ComputeContext, inputs, outputs []*tensor.RawTensor) error {
	return backend(cc).Unary(op.kind, outputs[0], inputs[0])
}

func (op *unaryOp) Gradient(gc *graph.GradientContext) ([]graph.ValueRef, error) {
	g := gc.Graph
	grad := gc.OutputGrads[0]
	var dx graph.ValueRef
	var err error
	switch op.kind {
	case cpu.OpNeg:
		dx, err = Apply(g, Neg(), grad)
	case cpu.OpExp:
		dx, err = Apply(g, Mul(tensor.BroadcastTrailing), grad, gc.Outputs[0])
	case cpu.OpReLU:
		var mask graph.ValueRef
		if mask, err = Apply(g, Step(), gc.Inputs[0]); err == nil {
			dx, err = Apply(g, Mul(tensor.BroadcastTrailing), grad, mask)
		}
	case cpu.OpStep:
		dx = graph.NoValue
	}
	if err != nil {
		return nil, err
	}
	return []graph.ValueRef{dx}, nil
}

// scaleOp multiplies by a constant factor.
type scaleOp struct {
	factor float64
}

// Scale returns x * factor.
func Scale(factor float64) graph.Operator { return &scaleOp{factor: factor} }

func (op *scaleOp) Type() string   { return "Scale" }
func (op *scaleOp) NumInputs() int { return 1 }

func (op *scaleOp) AppendFingerprint(b []byte) []byte { return appendFloat(b, op.factor) }

func (op *scaleOp) InferShapes(in []tensor.Spec) ([]tensor.Spec, error) {
	return []tensor.Spec{in[0].Clone()}, nil
}

func (op *scaleOp) Compute(cc *graph.ComputeContext, inputs []*tensor.RawTensor) ([]*tensor.RawTensor, error) {
	return run(op, cc, inputs)
}

func (op *scaleOp) ComputeInto(cc *graph.ComputeContext, inputs, outputs []*tensor.RawTensor) error {
	return backend(cc).Scale(outputs[0], inputs[0], op.factor)
}

func (op *scaleOp) Gradient(gc *graph.GradientContext) ([]graph.ValueRef, error) {
	dx, err := Apply(gc.Graph, Scale(op.factor), gc.OutputGrads[0])
	if err != nil {
		return nil, err
	}
	return []graph.ValueRef{dx}, nil
}

// minBackOp computes (a < b) ? grad : 0. It has no gradient rule.
type minBackOp struct{}

// MinBack routes grad to positions where a is strictly smaller than b.
func MinBack() graph.Operator { return minBackOp{} }

func (minBackOp) Type() string                      { return "MinBack" }
func (minBackOp) NumInputs() int                    { return 3 }
func (minBackOp) AppendFingerprint(b []byte) []byte { return b }

func (op minBackOp) InferShapes(in []tensor.Spec) ([]tensor.Spec, error) {
	if err := sameDType(op.Type(), in); err != nil {
		return nil, err
	}
	for _, s := range in[:2] {
		if _, err := tensor.Unify(s.Shape, in[2].Shape, tensor.BroadcastTrailing); err != nil {
			return nil, err
		}
	}
	return []tensor.Spec{in[2].Clone()}, nil
}

func (op minBackOp) Compute(cc *graph.ComputeContext, inputs []*tensor.RawTensor) ([]*tensor.RawTensor, error) {
	return run(op, cc, inputs)
}

func (minBackOp) ComputeInto(cc *graph.ComputeContext, inputs, outputs []*tensor.RawTensor) error {
	return backend(cc).SelectLess(outputs[0], inputs[0], inputs[1], inputs[2])
}

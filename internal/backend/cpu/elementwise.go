package cpu

import (
	"math"

	"github.com/pkg/errors"

	"github.com/born-ml/dataflow/internal/parallel"
	"github.com/born-ml/dataflow/internal/tensor"
)

// BinaryOp selects an elementwise binary kernel.
type BinaryOp int

// Binary kernels.
const (
	OpAdd BinaryOp = iota
	OpSub
	OpMul
	OpDiv
	OpMin
	OpMax
)

func (op BinaryOp) String() string {
	switch op {
	case OpAdd:
		return "add"
	case OpSub:
		return "sub"
	case OpMul:
		return "mul"
	case OpDiv:
		return "div"
	case OpMin:
		return "min"
	case OpMax:
		return "max"
	default:
		return "unknown"
	}
}

// UnaryOp selects an elementwise unary kernel.
type UnaryOp int

// Unary kernels.
const (
	OpNeg UnaryOp = iota
	OpExp
	OpReLU
	// OpStep is 1 where x > 0 and 0 elsewhere (ReLU derivative).
	OpStep
)

func (op UnaryOp) String() string {
	switch op {
	case OpNeg:
		return "neg"
	case OpExp:
		return "exp"
	case OpReLU:
		return "relu"
	case OpStep:
		return "step"
	default:
		return "unknown"
	}
}

// Binary computes dst = a op b with trailing-axis broadcasting.
func (cpu *CPUBackend) Binary(op BinaryOp, dst, a, b *tensor.RawTensor) error {
	out, err := tensor.Unify(a.Shape(), b.Shape(), tensor.BroadcastTrailing)
	if err != nil {
		return errors.WithMessage(err, op.String())
	}
	if err := sameDType(op.String(), a, b); err != nil {
		return err
	}
	if err := checkDst(op.String(), dst, out, a.DType()); err != nil {
		return err
	}
	bi := newBroadcastIndex(out, a.Shape(), b.Shape())

	switch a.DType() {
	case tensor.Float32:
		binaryTyped(cpu.cfg, bi, binaryFunc[float32](op), dst.AsFloat32(), a.AsFloat32(), b.AsFloat32())
	case tensor.Float64:
		binaryTyped(cpu.cfg, bi, binaryFunc[float64](op), dst.AsFloat64(), a.AsFloat64(), b.AsFloat64())
	case tensor.Int32:
		binaryTyped(cpu.cfg, bi, binaryFunc[int32](op), dst.AsInt32(), a.AsInt32(), b.AsInt32())
	case tensor.Int64:
		binaryTyped(cpu.cfg, bi, binaryFunc[int64](op), dst.AsInt64(), a.AsInt64(), b.AsInt64())
	case tensor.Uint8:
		binaryTyped(cpu.cfg, bi, binaryFunc[uint8](op), dst.AsUint8(), a.AsUint8(), b.AsUint8())
	default:
		return errors.Wrapf(ErrUnsupportedDType, "%s: %s", op, a.DType())
	}
	return nil
}

func binaryFunc[T Numeric](op BinaryOp) func(x, y T) T {
	switch op {
	case OpAdd:
		return func(x, y T) T { return x + y }
	case OpSub:
		return func(x, y T) T { return x - y }
	case OpMul:
		return func(x, y T) T { return x * y }
	case OpDiv:
		return func(x, y T) T { return x / y }
	case OpMin:
		return func(x, y T) T { return min(x, y) }
	case OpMax:
		return func(x, y T) T { return max(x, y) }
	default:
		panic("unknown binary op " + op.String())
	}
}

func binaryTyped[T Numeric](cfg parallel.Config, bi *broadcastIndex, f func(x, y T) T, dst, a, b []T) {
	parallel.ForBlocks(len(dst), func(start, end int) {
		for i := start; i < end; i++ {
			dst[i] = f(a[bi.at(0, i)], b[bi.at(1, i)])
		}
	}, cfg)
}

// Unary computes dst = op(a).
func (cpu *CPUBackend) Unary(op UnaryOp, dst, a *tensor.RawTensor) error {
	if err := checkDst(op.String(), dst, a.Shape(), a.DType()); err != nil {
		return err
	}
	switch a.DType() {
	case tensor.Float32:
		unaryTyped(cpu.cfg, unaryFunc[float32](op), dst.AsFloat32(), a.AsFloat32())
	case tensor.Float64:
		unaryTyped(cpu.cfg, unaryFunc[float64](op), dst.AsFloat64(), a.AsFloat64())
	case tensor.Int32:
		unaryTyped(cpu.cfg, unaryFunc[int32](op), dst.AsInt32(), a.AsInt32())
	case tensor.Int64:
		unaryTyped(cpu.cfg, unaryFunc[int64](op), dst.AsInt64(), a.AsInt64())
	default:
		return errors.Wrapf(ErrUnsupportedDType, "%s: %s", op, a.DType())
	}
	return nil
}

func unaryFunc[T Numeric](op UnaryOp) func(x T) T {
	switch op {
	case OpNeg:
		return func(x T) T { return -x }
	case OpExp:
		return func(x T) T { return T(math.Exp(float64(x))) }
	case OpReLU:
		return func(x T) T { return max(x, 0) }
	default:
		return func(x T) T {
			if x > 0 {
				return 1
			}
			return 0
		}
	}
}

func unaryTyped[T Numeric](cfg parallel.Config, f func(x T) T, dst, a []T) {
	parallel.ForBlocks(len(dst), func(start, end int) {
		for i := start; i < end; i++ {
			dst[i] = f(a[i])
		}
	}, cfg)
}

// Scale computes dst = a * factor.
func (cpu *CPUBackend) Scale(dst, a *tensor.RawTensor, factor float64) error {
	if err := checkDst("scale", dst, a.Shape(), a.DType()); err != nil {
		return err
	}
	switch a.DType() {
	case tensor.Float32:
		f := float32(factor)
		unaryTyped(cpu.cfg, func(x float32) float32 { return x * f }, dst.AsFloat32(), a.AsFloat32())
	case tensor.Float64:
		unaryTyped(cpu.cfg, func(x float64) float64 { return x * factor }, dst.AsFloat64(), a.AsFloat64())
	case tensor.Int32:
		unaryTyped(cpu.cfg, func(x int32) int32 { return int32(float64(x) * factor) }, dst.AsInt32(), a.AsInt32())
	case tensor.Int64:
		unaryTyped(cpu.cfg, func(x int64) int64 { return int64(float64(x) * factor) }, dst.AsInt64(), a.AsInt64())
	default:
		return errors.Wrapf(ErrUnsupportedDType, "scale: %s", a.DType())
	}
	return nil
}

// SelectLess computes dst = (a < b) ? x : 0 with all three operands
// broadcast to dst's shape.
func (cpu *CPUBackend) SelectLess(dst, a, b, x *tensor.RawTensor) error {
	if err := sameDType("select", a, b, x); err != nil {
		return err
	}
	out := dst.Shape()
	for _, s := range []tensor.Shape{a.Shape(), b.Shape(), x.Shape()} {
		if u, err := tensor.Unify(s, out, tensor.BroadcastTrailing); err != nil || !u.Equal(out) {
			return errors.Wrapf(tensor.ErrShapeMismatch, "select: %s does not broadcast to %s", s, out)
		}
	}
	if err := checkDst("select", dst, out, a.DType()); err != nil {
		return err
	}
	bi := newBroadcastIndex(out, a.Shape(), b.Shape(), x.Shape())

	switch a.DType() {
	case tensor.Float32:
		selectLessTyped(cpu.cfg, bi, dst.AsFloat32(), a.AsFloat32(), b.AsFloat32(), x.AsFloat32())
	case tensor.Float64:
		selectLessTyped(cpu.cfg, bi, dst.AsFloat64(), a.AsFloat64(), b.AsFloat64(), x.AsFloat64())
	case tensor.Int32:
		selectLessTyped(cpu.cfg, bi, dst.AsInt32(), a.AsInt32(), b.AsInt32(), x.AsInt32())
	case tensor.Int64:
		selectLessTyped(cpu.cfg, bi, dst.AsInt64(), a.AsInt64(), b.AsInt64(), x.AsInt64())
	default:
		return errors.Wrapf(ErrUnsupportedDType, "select: %s", a.DType())
	}
	return nil
}

func selectLessTyped[T Numeric](cfg parallel.Config, bi *broadcastIndex, dst, a, b, x []T) {
	parallel.ForBlocks(len(dst), func(start, end int) {
		for i := start; i < end; i++ {
			if a[bi.at(0, i)] < b[bi.at(1, i)] {
				dst[i] = x[bi.at(2, i)]
			} else {
				dst[i] = 0
			}
		}
	}, cfg)
}

// AddN computes dst = sum(inputs). All inputs must have dst's shape.
func (cpu *CPUBackend) AddN(dst *tensor.RawTensor, inputs ...*tensor.RawTensor) error {
	for _, in := range inputs {
		if err := checkDst("addn", in, dst.Shape(), dst.DType()); err != nil {
			return err
		}
	}
	switch dst.DType() {
	case tensor.Float32:
		addNTyped(cpu.cfg, dst.AsFloat32(), inputs, (*tensor.RawTensor).AsFloat32)
	case tensor.Float64:
		addNTyped(cpu.cfg, dst.AsFloat64(), inputs, (*tensor.RawTensor).AsFloat64)
	case tensor.Int32:
		addNTyped(cpu.cfg, dst.AsInt32(), inputs, (*tensor.RawTensor).AsInt32)
	case tensor.Int64:
		addNTyped(cpu.cfg, dst.AsInt64(), inputs, (*tensor.RawTensor).AsInt64)
	default:
		return errors.Wrapf(ErrUnsupportedDType, "addn: %s", dst.DType())
	}
	return nil
}

func addNTyped[T Numeric](cfg parallel.Config, dst []T, inputs []*tensor.RawTensor, view func(*tensor.RawTensor) []T) {
	srcs := make([][]T, len(inputs))
	for i, in := range inputs {
		srcs[i] = view(in)
	}
	parallel.ForBlocks(len(dst), func(start, end int) {
		for i := start; i < end; i++ {
			var sum T
			for _, s := range srcs {
				sum += s[i]
			}
			dst[i] = sum
		}
	}, cfg)
}

package cpu

import (
	"github.com/pkg/errors"

	"github.com/born-ml/dataflow/internal/tensor"
)

// SumTo reduces a onto dst's shape by summing over the axes dst would be
// broadcast along. dst's shape must broadcast to a's shape; a rank-0 dst
// sums every element.
//
// Example:
//
//	a: [2,3,4], dst: [3,1] -> dst[j,0] = sum over i,k of a[i,j,k]
func (cpu *CPUBackend) SumTo(dst, a *tensor.RawTensor) error {
	in := a.Shape()
	if u, err := tensor.Unify(dst.Shape(), in, tensor.BroadcastTrailing); err != nil || !u.Equal(in) {
		return errors.Wrapf(tensor.ErrShapeMismatch, "sumto: %s does not broadcast to %s", dst.Shape(), in)
	}
	if dst.DType() != a.DType() {
		return errors.Errorf("sumto: dtype %s into %s", a.DType(), dst.DType())
	}

	inStrides := in.ComputeStrides()
	dstStrides := computeBroadcastStridesForShape(dst.Shape(), in)

	switch a.DType() {
	case tensor.Float32:
		sumToTyped(dst.AsFloat32(), a.AsFloat32(), inStrides, dstStrides)
	case tensor.Float64:
		sumToTyped(dst.AsFloat64(), a.AsFloat64(), inStrides, dstStrides)
	case tensor.Int32:
		sumToTyped(dst.AsInt32(), a.AsInt32(), inStrides, dstStrides)
	case tensor.Int64:
		sumToTyped(dst.AsInt64(), a.AsInt64(), inStrides, dstStrides)
	default:
		return errors.Wrapf(ErrUnsupportedDType, "sumto: %s", a.DType())
	}
	return nil
}

func sumToTyped[T Numeric](dst, a []T, inStrides, dstStrides []int) {
	for i := range dst {
		dst[i] = 0
	}
	for i, v := range a {
		dst[computeFlatIndex(i, inStrides, dstStrides)] += v
	}
}

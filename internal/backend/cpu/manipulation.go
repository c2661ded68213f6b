package cpu

import (
	"github.com/pkg/errors"

	"github.com/born-ml/dataflow/internal/parallel"
	"github.com/born-ml/dataflow/internal/tensor"
)

// PermuteShape applies perm to shape. A nil perm reverses the axes.
func PermuteShape(shape tensor.Shape, perm []int) (tensor.Shape, error) {
	if perm == nil {
		perm = reversePerm(len(shape))
	}
	if len(perm) != len(shape) {
		return nil, errors.Wrapf(tensor.ErrShapeMismatch, "transpose: perm %v for rank %d", perm, len(shape))
	}
	seen := make([]bool, len(perm))
	out := make(tensor.Shape, len(perm))
	for i, p := range perm {
		if p < 0 || p >= len(perm) || seen[p] {
			return nil, errors.Errorf("transpose: invalid permutation %v", perm)
		}
		seen[p] = true
		out[i] = shape[p]
	}
	return out, nil
}

// InversePerm returns the permutation undoing perm. A nil perm stays nil
// (axis reversal is its own inverse).
func InversePerm(perm []int) []int {
	if perm == nil {
		return nil
	}
	inv := make([]int, len(perm))
	for i, p := range perm {
		inv[p] = i
	}
	return inv
}

func reversePerm(n int) []int {
	perm := make([]int, n)
	for i := range perm {
		perm[i] = n - 1 - i
	}
	return perm
}

// Transpose computes dst = a with axes permuted by perm.
func (cpu *CPUBackend) Transpose(dst, a *tensor.RawTensor, perm []int) error {
	if perm == nil {
		perm = reversePerm(len(a.Shape()))
	}
	out, err := PermuteShape(a.Shape(), perm)
	if err != nil {
		return err
	}
	if err := checkDst("transpose", dst, out, a.DType()); err != nil {
		return err
	}

	// Strides of a, reordered to walk dst in row-major order.
	inStrides := a.Shape().ComputeStrides()
	src := make([]int, len(perm))
	for i, p := range perm {
		src[i] = inStrides[p]
	}
	outStrides := out.ComputeStrides()

	elem := a.DType().Size()
	in, res := a.Data(), dst.Data()
	parallel.ForBlocks(dst.NumElements(), func(start, end int) {
		for i := start; i < end; i++ {
			j := computeFlatIndex(i, outStrides, src)
			copy(res[i*elem:(i+1)*elem], in[j*elem:(j+1)*elem])
		}
	}, cpu.cfg)
	return nil
}

// BroadcastTo computes dst = a stretched to dst's shape.
func (cpu *CPUBackend) BroadcastTo(dst, a *tensor.RawTensor) error {
	out := dst.Shape()
	if u, err := tensor.Unify(a.Shape(), out, tensor.BroadcastTrailing); err != nil || !u.Equal(out) {
		return errors.Wrapf(tensor.ErrShapeMismatch, "broadcast: %s does not broadcast to %s", a.Shape(), out)
	}
	if dst.DType() != a.DType() {
		return errors.Errorf("broadcast: dtype %s into %s", a.DType(), dst.DType())
	}
	bi := newBroadcastIndex(out, a.Shape())
	elem := a.DType().Size()
	in, res := a.Data(), dst.Data()
	parallel.ForBlocks(dst.NumElements(), func(start, end int) {
		for i := start; i < end; i++ {
			j := bi.at(0, i)
			copy(res[i*elem:(i+1)*elem], in[j*elem:(j+1)*elem])
		}
	}, cpu.cfg)
	return nil
}

package cpu

import (
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
	"gonum.org/v1/gonum/blas/blas64"

	"github.com/born-ml/dataflow/internal/parallel"
	"github.com/born-ml/dataflow/internal/tensor"
)

// MatMulShape returns the [M,N] result shape of op(a) @ op(b) for 2D
// operands, where op transposes when the flag is set.
func MatMulShape(a, b tensor.Shape, transA, transB bool) (m, k, n int, err error) {
	if len(a) != 2 || len(b) != 2 {
		return 0, 0, 0, errors.Wrapf(tensor.ErrShapeMismatch, "matmul: only 2D tensors supported, got %dD and %dD", len(a), len(b))
	}
	m, k = a[0], a[1]
	if transA {
		m, k = k, m
	}
	kb, n := b[0], b[1]
	if transB {
		kb, n = n, kb
	}
	if k != kb && k != tensor.Unknown && kb != tensor.Unknown {
		return 0, 0, 0, &tensor.ShapeError{A: a.Clone(), B: b.Clone(), Axis: 1, Reason: "inner dimensions differ"}
	}
	if k == tensor.Unknown {
		k = kb
	}
	return m, k, n, nil
}

// MatMul computes dst = op(a) @ op(b).
//
// Float types go through gonum BLAS Gemm, split into row blocks of the
// result that run in parallel. Integer types use a direct triple loop.
func (cpu *CPUBackend) MatMul(dst, a, b *tensor.RawTensor, transA, transB bool) error {
	m, k, n, err := MatMulShape(a.Shape(), b.Shape(), transA, transB)
	if err != nil {
		return err
	}
	if err := sameDType("matmul", a, b); err != nil {
		return err
	}
	if err := checkDst("matmul", dst, tensor.Shape{m, n}, a.DType()); err != nil {
		return err
	}

	switch a.DType() {
	case tensor.Float32:
		gemm32(cpu.cfg, dst.AsFloat32(), a.AsFloat32(), b.AsFloat32(), m, k, n, transA, transB)
	case tensor.Float64:
		gemm64(cpu.cfg, dst.AsFloat64(), a.AsFloat64(), b.AsFloat64(), m, k, n, transA, transB)
	case tensor.Int32:
		matmulNaive(dst.AsInt32(), a.AsInt32(), b.AsInt32(), m, k, n, transA, transB)
	case tensor.Int64:
		matmulNaive(dst.AsInt64(), a.AsInt64(), b.AsInt64(), m, k, n, transA, transB)
	default:
		return errors.Wrapf(ErrUnsupportedDType, "matmul: %s", a.DType())
	}
	return nil
}

func blasTrans(t bool) blas.Transpose {
	if t {
		return blas.Trans
	}
	return blas.NoTrans
}

// rowBlock describes rows [start,end) of op(A) as a General view over the
// stored matrix. Stored A is m×k, or k×m when transposed.
func rowBlockDims(start, end, m, k int, transA bool) (rows, cols, stride, offset int) {
	if transA {
		return k, end - start, m, start
	}
	return end - start, k, k, start * k
}

func gemm32(cfg parallel.Config, c, a, b []float32, m, k, n int, transA, transB bool) {
	bRows, bCols := k, n
	if transB {
		bRows, bCols = n, k
	}
	bm := blas32.General{Rows: bRows, Cols: bCols, Stride: bCols, Data: b}
	parallel.ForBlocks(m, func(start, end int) {
		rows, cols, stride, off := rowBlockDims(start, end, m, k, transA)
		am := blas32.General{Rows: rows, Cols: cols, Stride: stride, Data: a[off:]}
		cm := blas32.General{Rows: end - start, Cols: n, Stride: n, Data: c[start*n : end*n]}
		blas32.Gemm(blasTrans(transA), blasTrans(transB), 1, am, bm, 0, cm)
	}, rowConfig(cfg, k*n))
}

func gemm64(cfg parallel.Config, c, a, b []float64, m, k, n int, transA, transB bool) {
	bRows, bCols := k, n
	if transB {
		bRows, bCols = n, k
	}
	bm := blas64.General{Rows: bRows, Cols: bCols, Stride: bCols, Data: b}
	parallel.ForBlocks(m, func(start, end int) {
		rows, cols, stride, off := rowBlockDims(start, end, m, k, transA)
		am := blas64.General{Rows: rows, Cols: cols, Stride: stride, Data: a[off:]}
		cm := blas64.General{Rows: end - start, Cols: n, Stride: n, Data: c[start*n : end*n]}
		blas64.Gemm(blasTrans(transA), blasTrans(transB), 1, am, bm, 0, cm)
	}, rowConfig(cfg, k*n))
}

// rowConfig scales MinChunkSize from elements to rows, so a block carries
// roughly the same amount of work as an elementwise chunk.
func rowConfig(cfg parallel.Config, workPerRow int) parallel.Config {
	if workPerRow <= 0 {
		return cfg
	}
	cfg.MinChunkSize = max(1, cfg.MinChunkSize*cfg.MinChunkSize/workPerRow)
	return cfg
}

func matmulNaive[T Numeric](c, a, b []T, m, k, n int, transA, transB bool) {
	at := func(i, p int) T {
		if transA {
			return a[p*m+i]
		}
		return a[i*k+p]
	}
	bt := func(p, j int) T {
		if transB {
			return b[j*k+p]
		}
		return b[p*n+j]
	}
	for i := 0; i < m; i++ {
		for j := 0; j < n; j++ {
			var sum T
			for p := 0; p < k; p++ {
				sum += at(i, p) * bt(p, j)
			}
			c[i*n+j] = sum
		}
	}
}

// Package cpu implements the CPU kernels behind the reference operators.
//
// Kernels write into caller-provided destination tensors so the executor can
// hand them slot-backed views. Destinations must already have the result
// shape and dtype; kernels never allocate results themselves.
package cpu

import (
	"github.com/pkg/errors"

	"github.com/born-ml/dataflow/internal/parallel"
	"github.com/born-ml/dataflow/internal/tensor"
)

// ErrUnsupportedDType is returned by kernels that do not handle a dtype.
var ErrUnsupportedDType = errors.New("unsupported dtype")

// Numeric constrains kernels operating on arithmetic element types.
type Numeric interface {
	~float32 | ~float64 | ~int32 | ~int64 | ~uint8
}

// Float constrains kernels that need transcendental functions.
type Float interface {
	~float32 | ~float64
}

// CPUBackend runs kernels with the given intra-operator parallelism.
type CPUBackend struct {
	cfg parallel.Config
}

// New creates a CPU backend.
func New(cfg parallel.Config) *CPUBackend {
	return &CPUBackend{cfg: cfg}
}

// Name returns the backend name.
func (cpu *CPUBackend) Name() string {
	return "CPU"
}

// Config returns the parallelism settings.
func (cpu *CPUBackend) Config() parallel.Config {
	return cpu.cfg
}

func checkDst(op string, dst *tensor.RawTensor, shape tensor.Shape, dtype tensor.DataType) error {
	if dst.DType() != dtype || !dst.Shape().Equal(shape) {
		return errors.Wrapf(tensor.ErrShapeMismatch, "%s: destination is %s, want %s%s", op, dst.Spec(), dtype, shape)
	}
	return nil
}

func sameDType(op string, ts ...*tensor.RawTensor) error {
	for _, t := range ts[1:] {
		if t.DType() != ts[0].DType() {
			return errors.Errorf("%s: mixed dtypes %s and %s", op, ts[0].DType(), t.DType())
		}
	}
	return nil
}

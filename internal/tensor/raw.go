package tensor

import (
	"fmt"
	"unsafe"

	"github.com/pkg/errors"
)

// RawTensor is a dense row-major tensor with a concrete shape.
//
// A RawTensor either owns its bytes or is a view over memory owned by
// someone else (an executor slot). Views must not outlive their owner; use
// Clone to detach.
type RawTensor struct {
	data   []byte
	shape  Shape
	stride []int
	dtype  DataType
}

// NewRaw allocates a zero-filled tensor.
func NewRaw(shape Shape, dtype DataType) (*RawTensor, error) {
	if err := shape.ValidateConcrete(); err != nil {
		return nil, errors.Wrap(err, "invalid shape")
	}
	return &RawTensor{
		data:   make([]byte, shape.NumElements()*dtype.Size()),
		shape:  shape.Clone(),
		stride: shape.ComputeStrides(),
		dtype:  dtype,
	}, nil
}

// NewRawView wraps the prefix of buf as a tensor without copying.
func NewRawView(buf []byte, shape Shape, dtype DataType) (*RawTensor, error) {
	if err := shape.ValidateConcrete(); err != nil {
		return nil, errors.Wrap(err, "invalid shape")
	}
	size := shape.NumElements() * dtype.Size()
	if len(buf) < size {
		return nil, errors.Errorf("view of %s%s needs %d bytes, buffer has %d", dtype, shape, size, len(buf))
	}
	return &RawTensor{
		data:   buf[:size:size],
		shape:  shape.Clone(),
		stride: shape.ComputeStrides(),
		dtype:  dtype,
	}, nil
}

// Shape returns the tensor's shape.
func (r *RawTensor) Shape() Shape {
	return r.shape
}

// Strides returns the tensor's memory strides.
func (r *RawTensor) Strides() []int {
	return r.stride
}

// DType returns the tensor's data type.
func (r *RawTensor) DType() DataType {
	return r.dtype
}

// Spec returns the concrete spec of the tensor.
func (r *RawTensor) Spec() Spec {
	return Spec{DType: r.dtype, Shape: r.shape.Clone()}
}

// NumElements returns the total number of elements.
func (r *RawTensor) NumElements() int {
	return r.shape.NumElements()
}

// ByteSize returns the total memory size in bytes.
func (r *RawTensor) ByteSize() int {
	return len(r.data)
}

// Data returns the raw byte slice.
func (r *RawTensor) Data() []byte {
	return r.data
}

// AsFloat32 interprets the data as []float32.
// Panics if the tensor's dtype is not Float32.
func (r *RawTensor) AsFloat32() []float32 {
	r.mustBe(Float32)
	//nolint:gosec // unsafe.Slice for zero-copy access, length derived from the shape
	return unsafe.Slice((*float32)(unsafe.Pointer(&r.data[0])), r.NumElements())
}

// AsFloat64 interprets the data as []float64.
// Panics if the tensor's dtype is not Float64.
func (r *RawTensor) AsFloat64() []float64 {
	r.mustBe(Float64)
	//nolint:gosec // unsafe.Slice for zero-copy access, length derived from the shape
	return unsafe.Slice((*float64)(unsafe.Pointer(&r.data[0])), r.NumElements())
}

// AsInt32 interprets the data as []int32.
func (r *RawTensor) AsInt32() []int32 {
	r.mustBe(Int32)
	//nolint:gosec // unsafe.Slice for zero-copy access, length derived from the shape
	return unsafe.Slice((*int32)(unsafe.Pointer(&r.data[0])), r.NumElements())
}

// AsInt64 interprets the data as []int64.
func (r *RawTensor) AsInt64() []int64 {
	r.mustBe(Int64)
	//nolint:gosec // unsafe.Slice for zero-copy access, length derived from the shape
	return unsafe.Slice((*int64)(unsafe.Pointer(&r.data[0])), r.NumElements())
}

// AsUint8 interprets the data as []uint8.
func (r *RawTensor) AsUint8() []uint8 {
	r.mustBe(Uint8)
	return r.data
}

// AsBool interprets the data as []bool.
func (r *RawTensor) AsBool() []bool {
	r.mustBe(Bool)
	//nolint:gosec // unsafe.Slice for zero-copy access, length derived from the shape
	return unsafe.Slice((*bool)(unsafe.Pointer(&r.data[0])), r.NumElements())
}

func (r *RawTensor) mustBe(dt DataType) {
	if r.dtype != dt {
		panic(fmt.Sprintf("tensor dtype is %s, not %s", r.dtype, dt))
	}
}

// Clone returns a deep copy that owns its memory.
func (r *RawTensor) Clone() *RawTensor {
	data := make([]byte, len(r.data))
	copy(data, r.data)
	return &RawTensor{
		data:   data,
		shape:  r.shape.Clone(),
		stride: append([]int(nil), r.stride...),
		dtype:  r.dtype,
	}
}

// CopyFrom overwrites r with the contents of src. Type and shape must match.
func (r *RawTensor) CopyFrom(src *RawTensor) error {
	if src.dtype != r.dtype || !src.shape.Equal(r.shape) {
		return errors.Wrapf(ErrShapeMismatch, "copy %s into %s", src.Spec(), r.Spec())
	}
	copy(r.data, src.data)
	return nil
}

// Zero clears the tensor memory.
func (r *RawTensor) Zero() {
	clear(r.data)
}

// String renders dtype and shape, not contents.
func (r *RawTensor) String() string {
	return fmt.Sprintf("RawTensor(%s)", r.Spec())
}

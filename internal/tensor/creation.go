package tensor

import (
	"bytes"
	"math"

	"github.com/pkg/errors"
)

// FromSlice creates a tensor holding a copy of data.
func FromSlice[T DType](data []T, shape Shape) (*RawTensor, error) {
	if shape.NumElements() != len(data) {
		return nil, errors.Errorf("data length %d does not match shape %s", len(data), shape)
	}
	raw, err := NewRaw(shape, TypeOf[T]())
	if err != nil {
		return nil, err
	}
	copy(asSlice[T](raw), data)
	return raw, nil
}

// MustFromSlice is FromSlice that panics on error, for tests and literals.
func MustFromSlice[T DType](data []T, shape Shape) *RawTensor {
	raw, err := FromSlice(data, shape)
	if err != nil {
		panic(err)
	}
	return raw
}

// Scalar creates a rank-0 tensor.
func Scalar[T DType](v T) *RawTensor {
	return MustFromSlice([]T{v}, Shape{})
}

// Zeros creates a zero-filled tensor.
func Zeros(shape Shape, dtype DataType) (*RawTensor, error) {
	return NewRaw(shape, dtype)
}

// Full creates a tensor with every element set to value.
func Full(shape Shape, dtype DataType, value float64) (*RawTensor, error) {
	raw, err := NewRaw(shape, dtype)
	if err != nil {
		return nil, err
	}
	Fill(raw, value)
	return raw, nil
}

// Ones creates a tensor filled with ones.
func Ones(shape Shape, dtype DataType) (*RawTensor, error) {
	return Full(shape, dtype, 1)
}

// Fill sets every element of r to value, converted to r's dtype.
func Fill(r *RawTensor, value float64) {
	switch r.dtype {
	case Float32:
		fillSlice(r.AsFloat32(), float32(value))
	case Float64:
		fillSlice(r.AsFloat64(), value)
	case Int32:
		fillSlice(r.AsInt32(), int32(value))
	case Int64:
		fillSlice(r.AsInt64(), int64(value))
	case Uint8:
		fillSlice(r.AsUint8(), uint8(value))
	case Bool:
		fillSlice(r.AsBool(), value != 0)
	}
}

func fillSlice[T DType](s []T, v T) {
	for i := range s {
		s[i] = v
	}
}

// Float64s returns a copy of r's elements converted to float64.
func Float64s(r *RawTensor) []float64 {
	out := make([]float64, r.NumElements())
	switch r.dtype {
	case Float32:
		for i, v := range r.AsFloat32() {
			out[i] = float64(v)
		}
	case Float64:
		copy(out, r.AsFloat64())
	case Int32:
		for i, v := range r.AsInt32() {
			out[i] = float64(v)
		}
	case Int64:
		for i, v := range r.AsInt64() {
			out[i] = float64(v)
		}
	case Uint8:
		for i, v := range r.AsUint8() {
			out[i] = float64(v)
		}
	case Bool:
		for i, v := range r.AsBool() {
			if v {
				out[i] = 1
			}
		}
	}
	return out
}

// SetFloat64 writes element i of r, converting from float64.
func SetFloat64(r *RawTensor, i int, v float64) {
	switch r.dtype {
	case Float32:
		r.AsFloat32()[i] = float32(v)
	case Float64:
		r.AsFloat64()[i] = v
	case Int32:
		r.AsInt32()[i] = int32(v)
	case Int64:
		r.AsInt64()[i] = int64(v)
	case Uint8:
		r.AsUint8()[i] = uint8(v)
	case Bool:
		r.AsBool()[i] = v != 0
	}
}

// Identical reports whether a and b have the same type, shape and bytes.
func Identical(a, b *RawTensor) bool {
	return a.dtype == b.dtype && a.shape.Equal(b.shape) && bytes.Equal(a.data, b.data)
}

// AllClose reports whether a and b have the same shape and every pair of
// elements differs by at most atol + rtol*|b|.
func AllClose(a, b *RawTensor, rtol, atol float64) bool {
	if !a.shape.Equal(b.shape) {
		return false
	}
	av, bv := Float64s(a), Float64s(b)
	for i := range av {
		if math.Abs(av[i]-bv[i]) > atol+rtol*math.Abs(bv[i]) {
			return false
		}
	}
	return true
}

func asSlice[T DType](r *RawTensor) []T {
	var zero T
	switch any(zero).(type) {
	case float32:
		return any(r.AsFloat32()).([]T)
	case float64:
		return any(r.AsFloat64()).([]T)
	case int32:
		return any(r.AsInt32()).([]T)
	case int64:
		return any(r.AsInt64()).([]T)
	case uint8:
		return any(r.AsUint8()).([]T)
	default:
		return any(r.AsBool()).([]T)
	}
}

// Values returns r's storage as []T without copying. T must match r's dtype.
func Values[T DType](r *RawTensor) []T {
	return asSlice[T](r)
}

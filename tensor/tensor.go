// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package tensor provides the shape and type system of the dataflow engine.
//
// A Spec pairs a DataType with a Shape whose axes may be Unknown. Specs
// only refine: Merge combines two partial descriptions of the same value,
// Unify computes the result shape of a broadcasting elementwise operation.
//
// Example:
//
//	a := tensor.NewSpec(tensor.Float32, tensor.Unknown, 3)
//	b := tensor.NewSpec(tensor.Float32, 3)
//	s, err := tensor.Unify(a.Shape, b.Shape, tensor.BroadcastTrailing) // [?, 3]
//
//	x := tensor.MustFromSlice([]float32{1, 2, 3, 4, 5, 6}, tensor.Shape{2, 3})
//	ok := a.Accepts(x.Spec()) // true
package tensor

import (
	"github.com/born-ml/dataflow/internal/tensor"
)

// DType is a constraint for tensor element types.
// Supported types: float32, float64, int32, int64, uint8, bool.
type DType = tensor.DType

// DataType represents the element type of a tensor.
type DataType = tensor.DataType

// Data type constants.
const (
	Float32 DataType = tensor.Float32
	Float64 DataType = tensor.Float64
	Int32   DataType = tensor.Int32
	Int64   DataType = tensor.Int64
	Uint8   DataType = tensor.Uint8
	Bool    DataType = tensor.Bool
)

// Unknown marks an axis whose extent is not yet known.
const Unknown = tensor.Unknown

// Shape represents the dimensions of a tensor, possibly with Unknown axes.
type Shape = tensor.Shape

// Spec is a data type together with a shape.
type Spec = tensor.Spec

// BroadcastRule selects how elementwise shapes combine.
type BroadcastRule = tensor.BroadcastRule

// Broadcast rules.
const (
	BroadcastTrailing BroadcastRule = tensor.BroadcastTrailing
	BroadcastNone     BroadcastRule = tensor.BroadcastNone
)

// RawTensor is a dense, contiguous, row-major tensor.
type RawTensor = tensor.RawTensor

// ShapeError describes a shape conflict.
type ShapeError = tensor.ShapeError

// ErrShapeMismatch is wrapped by every shape conflict.
var ErrShapeMismatch = tensor.ErrShapeMismatch

// NewSpec creates a spec from a data type and dimensions.
func NewSpec(dt DataType, dims ...int) Spec {
	return tensor.NewSpec(dt, dims...)
}

// Unify returns the broadcast result of a and b under rule.
func Unify(a, b Shape, rule BroadcastRule) (Shape, error) {
	return tensor.Unify(a, b, rule)
}

// Merge combines two descriptions of the same shape, keeping every known
// axis.
func Merge(a, b Shape) (Shape, error) {
	return tensor.Merge(a, b)
}

// MergeSpec is Merge for specs; data types must match.
func MergeSpec(a, b Spec) (Spec, error) {
	return tensor.MergeSpec(a, b)
}

// NewRaw allocates a zeroed tensor.
func NewRaw(shape Shape, dtype DataType) (*RawTensor, error) {
	return tensor.NewRaw(shape, dtype)
}

// FromSlice creates a tensor from data, which must hold exactly
// shape.NumElements() elements.
func FromSlice[T DType](data []T, shape Shape) (*RawTensor, error) {
	return tensor.FromSlice(data, shape)
}

// MustFromSlice is like FromSlice but panics on error.
func MustFromSlice[T DType](data []T, shape Shape) *RawTensor {
	return tensor.MustFromSlice(data, shape)
}

// Zeros creates a zero-filled tensor.
func Zeros(shape Shape, dtype DataType) (*RawTensor, error) {
	return tensor.Zeros(shape, dtype)
}

// Ones creates a tensor filled with ones.
func Ones(shape Shape, dtype DataType) (*RawTensor, error) {
	return tensor.Ones(shape, dtype)
}

// Full creates a tensor filled with value.
func Full(shape Shape, dtype DataType, value float64) (*RawTensor, error) {
	return tensor.Full(shape, dtype, value)
}

// Values returns a typed view of r's data.
func Values[T DType](r *RawTensor) []T {
	return tensor.Values[T](r)
}

// Float64s converts every element of r to float64.
func Float64s(r *RawTensor) []float64 {
	return tensor.Float64s(r)
}

// Identical reports whether a and b have the same spec and bytes.
func Identical(a, b *RawTensor) bool {
	return tensor.Identical(a, b)
}

// AllClose reports whether a and b agree within rtol and atol.
func AllClose(a, b *RawTensor, rtol, atol float64) bool {
	return tensor.AllClose(a, b, rtol, atol)
}

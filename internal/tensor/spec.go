package tensor

import "fmt"

// Spec is the declared element type and (possibly partial) shape of a value.
type Spec struct {
	DType DataType
	Shape Shape
}

// NewSpec is a shorthand for Spec{DType: dt, Shape: Shape(dims)}.
func NewSpec(dt DataType, dims ...int) Spec {
	return Spec{DType: dt, Shape: Shape(dims).Clone()}
}

// ByteSize returns the storage size, or Unknown for partial shapes.
func (s Spec) ByteSize() int {
	n := s.Shape.NumElements()
	if n == Unknown {
		return Unknown
	}
	return n * s.DType.Size()
}

// IsKnown reports whether the shape is fully resolved.
func (s Spec) IsKnown() bool {
	return s.Shape.IsKnown()
}

// Clone returns a deep copy.
func (s Spec) Clone() Spec {
	return Spec{DType: s.DType, Shape: s.Shape.Clone()}
}

// Equal compares type and shape, Unknown axes included.
func (s Spec) Equal(o Spec) bool {
	return s.DType == o.DType && s.Shape.Equal(o.Shape)
}

// Accepts reports whether a concrete spec satisfies this declaration.
func (s Spec) Accepts(concrete Spec) bool {
	return s.DType == concrete.DType && s.Shape.Compatible(concrete.Shape)
}

// MergeSpec refines two declarations of the same value.
func MergeSpec(a, b Spec) (Spec, error) {
	if a.DType != b.DType {
		return Spec{}, &ShapeError{A: a.Shape, B: b.Shape, Axis: -1,
			Reason: fmt.Sprintf("dtype %s vs %s", a.DType, b.DType)}
	}
	shape, err := Merge(a.Shape, b.Shape)
	if err != nil {
		return Spec{}, err
	}
	return Spec{DType: a.DType, Shape: shape}, nil
}

func (s Spec) String() string {
	return s.DType.String() + s.Shape.String()
}

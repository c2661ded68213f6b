package tensor

import (
	"errors"
	"fmt"
)

// ErrShapeMismatch is returned when two shapes cannot be unified or merged.
var ErrShapeMismatch = errors.New("shape mismatch")

// ShapeError describes the first incompatible axis between two shapes.
type ShapeError struct {
	A, B Shape
	// Axis is -1 when the ranks differ under a rule that forbids it.
	Axis   int
	Reason string
}

func (e *ShapeError) Error() string {
	if e.Axis < 0 {
		return fmt.Sprintf("%s: %v vs %v: %s", ErrShapeMismatch, e.A, e.B, e.Reason)
	}
	return fmt.Sprintf("%s: %v vs %v at axis %d: %s", ErrShapeMismatch, e.A, e.B, e.Axis, e.Reason)
}

// Unwrap lets errors.Is match ErrShapeMismatch.
func (e *ShapeError) Unwrap() error {
	return ErrShapeMismatch
}

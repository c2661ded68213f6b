package tensor

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Unknown marks an axis whose extent is not resolved yet.
const Unknown = -1

// Shape represents the dimensions of a tensor. Declared shapes may contain
// Unknown axes; shapes of materialized tensors never do.
type Shape []int

// BroadcastRule selects how Unify treats axes of different extent.
type BroadcastRule int

const (
	// BroadcastTrailing aligns shapes on trailing axes; missing leading axes
	// and size-1 axes stretch (NumPy semantics).
	BroadcastTrailing BroadcastRule = iota
	// BroadcastNone requires equal rank and equal (or unknown) extents.
	BroadcastNone
)

// String returns the rule name used in configuration files.
func (r BroadcastRule) String() string {
	switch r {
	case BroadcastTrailing:
		return "trailing"
	case BroadcastNone:
		return "none"
	default:
		return "unknown"
	}
}

// ParseBroadcastRule is the inverse of BroadcastRule.String.
func ParseBroadcastRule(s string) (BroadcastRule, error) {
	switch s {
	case "", "trailing", "numpy":
		return BroadcastTrailing, nil
	case "none", "exact":
		return BroadcastNone, nil
	}
	return 0, errors.Errorf("unknown broadcast rule %q", s)
}

// NumElements returns the total number of elements, or Unknown when any
// axis is unresolved.
func (s Shape) NumElements() int {
	n := 1
	for _, dim := range s {
		if dim == Unknown {
			return Unknown
		}
		n *= dim
	}
	return n
}

// IsKnown reports whether every axis is resolved.
func (s Shape) IsKnown() bool {
	for _, dim := range s {
		if dim == Unknown {
			return false
		}
	}
	return true
}

// Rank returns the number of axes.
func (s Shape) Rank() int {
	return len(s)
}

// Validate checks that every axis is positive or Unknown.
func (s Shape) Validate() error {
	for i, dim := range s {
		if dim <= 0 && dim != Unknown {
			return errors.Errorf("invalid dimension at index %d: %d (must be > 0)", i, dim)
		}
	}
	return nil
}

// ValidateConcrete checks that every axis is resolved and positive.
func (s Shape) ValidateConcrete() error {
	for i, dim := range s {
		if dim <= 0 {
			return errors.Errorf("invalid dimension at index %d: %d (must be > 0)", i, dim)
		}
	}
	return nil
}

// Equal checks if two shapes are identical, Unknown axes included.
func (s Shape) Equal(other Shape) bool {
	if len(s) != len(other) {
		return false
	}
	for i := range s {
		if s[i] != other[i] {
			return false
		}
	}
	return true
}

// Compatible reports whether the concrete shape c satisfies s, treating
// Unknown axes of s as wildcards.
func (s Shape) Compatible(c Shape) bool {
	if len(s) != len(c) {
		return false
	}
	for i := range s {
		if s[i] != Unknown && s[i] != c[i] {
			return false
		}
	}
	return true
}

// Clone returns a copy of the shape.
func (s Shape) Clone() Shape {
	if s == nil {
		return nil
	}
	clone := make(Shape, len(s))
	copy(clone, s)
	return clone
}

// ComputeStrides calculates row-major strides for a concrete shape.
func (s Shape) ComputeStrides() []int {
	strides := make([]int, len(s))
	if len(s) == 0 {
		return strides
	}

	strides[len(s)-1] = 1
	for i := len(s) - 2; i >= 0; i-- {
		strides[i] = strides[i+1] * s[i+1]
	}
	return strides
}

// String renders the shape as [4,?,2].
func (s Shape) String() string {
	var sb strings.Builder
	sb.WriteByte('[')
	for i, dim := range s {
		if i > 0 {
			sb.WriteByte(',')
		}
		if dim == Unknown {
			sb.WriteByte('?')
		} else {
			sb.WriteString(strconv.Itoa(dim))
		}
	}
	sb.WriteByte(']')
	return sb.String()
}

// Unify computes the shape two operands combine into under rule.
//
// Unknown axes match anything. Under BroadcastTrailing a known 1 against an
// Unknown stays Unknown, while a known k > 1 against an Unknown resolves to k.
//
// Examples (trailing):
//
//	[3,1]  + [3,5]  -> [3,5]
//	[5]    + [2,5]  -> [2,5]
//	[?,4]  + [8,1]  -> [8,4]
//	[3,4]  + [3,5]  -> ErrShapeMismatch
func Unify(a, b Shape, rule BroadcastRule) (Shape, error) {
	if rule == BroadcastNone {
		return Merge(a, b)
	}

	maxLen := maxInt(len(a), len(b))
	result := make(Shape, maxLen)

	for i := 0; i < maxLen; i++ {
		aIdx := len(a) - 1 - i
		bIdx := len(b) - 1 - i

		aDim := 1
		if aIdx >= 0 {
			aDim = a[aIdx]
		}
		bDim := 1
		if bIdx >= 0 {
			bDim = b[bIdx]
		}

		out := maxLen - 1 - i
		switch {
		case aDim == bDim:
			result[out] = aDim
		case aDim == Unknown:
			result[out] = unifyUnknown(bDim)
		case bDim == Unknown:
			result[out] = unifyUnknown(aDim)
		case aDim == 1:
			result[out] = bDim
		case bDim == 1:
			result[out] = aDim
		default:
			return nil, &ShapeError{A: a.Clone(), B: b.Clone(), Axis: out, Reason: "extents differ and neither is 1"}
		}
	}

	return result, nil
}

func unifyUnknown(known int) int {
	if known == 1 {
		return Unknown
	}
	return known
}

// Merge refines two descriptions of the same value into one. Ranks must be
// equal; an Unknown axis takes the other side's extent and known extents
// must agree.
func Merge(a, b Shape) (Shape, error) {
	if len(a) != len(b) {
		return nil, &ShapeError{A: a.Clone(), B: b.Clone(), Axis: -1, Reason: "rank differs"}
	}
	result := make(Shape, len(a))
	for i := range a {
		switch {
		case a[i] == b[i]:
			result[i] = a[i]
		case a[i] == Unknown:
			result[i] = b[i]
		case b[i] == Unknown:
			result[i] = a[i]
		default:
			return nil, &ShapeError{A: a.Clone(), B: b.Clone(), Axis: i, Reason: "extents differ"}
		}
	}
	return result, nil
}

// Refines reports whether s is at least as resolved as base and agrees with
// it on every known axis.
func (s Shape) Refines(base Shape) bool {
	return base.Compatible(s)
}

// maxInt returns the maximum of two integers.
func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

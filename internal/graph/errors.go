package graph

import (
	"errors"

	"github.com/born-ml/dataflow/internal/tensor"
)

// Construction errors.
var (
	// ErrCycleDetected is returned when an operation would make one of its
	// inputs depend on its own outputs.
	ErrCycleDetected = errors.New("cycle detected")

	// ErrInvalidReference is returned for handles that do not name a live
	// node of the expected kind.
	ErrInvalidReference = errors.New("invalid node reference")

	// ErrMultipleProducers is returned when a value would get a second
	// producing operation, or a bound leaf would get one at all.
	ErrMultipleProducers = errors.New("value already has a producer")

	// ErrArity is returned when an operator receives the wrong number of inputs.
	ErrArity = errors.New("wrong number of inputs")

	// ErrShapeMismatch is re-exported so graph callers need a single import.
	ErrShapeMismatch = tensor.ErrShapeMismatch
)

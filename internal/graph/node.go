package graph

import (
	"strconv"

	"github.com/born-ml/dataflow/internal/tensor"
)

// NodeID indexes the graph's node arena. IDs are assigned in creation order.
type NodeID int

// ValueRef is a handle to a value node.
type ValueRef NodeID

// OpRef is a handle to an operation node.
type OpRef NodeID

// NoValue and NoOp are the zero handles.
const (
	NoValue ValueRef = -1
	NoOp    OpRef    = -1
)

// ID returns the underlying arena index.
func (v ValueRef) ID() NodeID { return NodeID(v) }

// ID returns the underlying arena index.
func (o OpRef) ID() NodeID { return NodeID(o) }

func (v ValueRef) String() string { return "v" + strconv.Itoa(int(v)) }

func (o OpRef) String() string { return "op" + strconv.Itoa(int(o)) }

// ValueKind classifies value nodes.
type ValueKind int

const (
	// Intermediate values are produced by an operation.
	Intermediate ValueKind = iota
	// Input values are bound by the caller for every execution.
	Input
	// Parameter values are bound by the caller and may carry an initializer.
	Parameter
	// Constant values carry their tensor inside the graph.
	Constant
	// Placeholder values await a producer (see AddOperationInto).
	Placeholder
)

// String returns the kind name.
func (k ValueKind) String() string {
	switch k {
	case Intermediate:
		return "intermediate"
	case Input:
		return "input"
	case Parameter:
		return "parameter"
	case Constant:
		return "constant"
	case Placeholder:
		return "placeholder"
	default:
		return "unknown"
	}
}

// IsBindable reports whether executions take this value from bindings.
func (k ValueKind) IsBindable() bool {
	return k == Input || k == Parameter
}

type nodeKind uint8

const (
	valueNode nodeKind = iota + 1
	opNode
)

type node struct {
	kind     nodeKind
	name     string
	detached bool

	// value nodes
	vkind     ValueKind
	spec      tensor.Spec
	producer  OpRef
	outIndex  int
	consumers []OpRef
	constant  *tensor.RawTensor
	init      Initializer

	// operation nodes
	op      Operator
	inputs  []ValueRef
	outputs []ValueRef
}

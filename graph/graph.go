// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package graph provides the dataflow graph: an arena of value and
// operation nodes with shape inference at construction time.
//
// Nodes are addressed by typed handles. Operations are plug-ins that
// implement Operator and optionally InPlace, Differentiable and
// Fingerprinter. A graph rejects cycles, multiple producers and shape
// conflicts when nodes are added. Only one goroutine may mutate a graph,
// and not while plans built from it are executing.
//
// Example:
//
//	g := graph.New()
//	x, _ := g.NewInput("x", tensor.NewSpec(tensor.Float32, tensor.Unknown, 4))
//	w, _ := g.NewParameter("w", tensor.NewSpec(tensor.Float32, 4, 2), ops.Xavier{})
//	y, _ := ops.Apply(g, &ops.MatMul{}, x, w) // float32[?, 2]
package graph

import (
	"github.com/born-ml/dataflow/internal/graph"
)

// Graph is a dataflow graph with a single writer: queries may run
// concurrently, but a mutation must not overlap any other access.
type Graph = graph.Graph

// Handles.
type (
	NodeID   = graph.NodeID
	ValueRef = graph.ValueRef
	OpRef    = graph.OpRef
)

// Null handles.
const (
	NoValue ValueRef = graph.NoValue
	NoOp    OpRef    = graph.NoOp
)

// ValueKind classifies value nodes.
type ValueKind = graph.ValueKind

// Value kinds.
const (
	Intermediate ValueKind = graph.Intermediate
	Input        ValueKind = graph.Input
	Parameter    ValueKind = graph.Parameter
	Constant     ValueKind = graph.Constant
	Placeholder  ValueKind = graph.Placeholder
)

// Operator contract and its optional extensions.
type (
	Operator        = graph.Operator
	Arity           = graph.Arity
	InPlace         = graph.InPlace
	Differentiable  = graph.Differentiable
	Fingerprinter   = graph.Fingerprinter
	Volatile        = graph.Volatile
	Initializer     = graph.Initializer
	ComputeContext  = graph.ComputeContext
	GradientContext = graph.GradientContext
)

// Mutation events.
type (
	Mutation     = graph.Mutation
	MutationKind = graph.MutationKind
	Observer     = graph.Observer
	ObserverFunc = graph.ObserverFunc
)

// Mutation kinds.
const (
	MutationAdded     MutationKind = graph.MutationAdded
	MutationRemoved   MutationKind = graph.MutationRemoved
	MutationCompacted MutationKind = graph.MutationCompacted
)

// Cone is the set of operations and leaves an output set depends on.
type Cone = graph.Cone

// DOTOptions controls WriteDOT.
type DOTOptions = graph.DOTOptions

// Errors.
var (
	ErrCycleDetected     = graph.ErrCycleDetected
	ErrInvalidReference  = graph.ErrInvalidReference
	ErrMultipleProducers = graph.ErrMultipleProducers
	ErrArity             = graph.ErrArity
	ErrShapeMismatch     = graph.ErrShapeMismatch
)

// New creates an empty graph.
func New() *Graph {
	return graph.New()
}

// DefaultComputeContext returns the context used when none is configured.
func DefaultComputeContext() *ComputeContext {
	return graph.DefaultComputeContext()
}

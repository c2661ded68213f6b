// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package ops provides the reference operator library.
//
// The operators run on CPU kernels and follow the graph.Operator contract,
// so the engine treats them like any other plug-in. A Registry builds them
// by kind name from graph description files.
package ops

import (
	"github.com/born-ml/dataflow/internal/graph"
	"github.com/born-ml/dataflow/internal/ops"
	"github.com/born-ml/dataflow/internal/tensor"
)

// Operators with attributes.
type (
	MatMul     = ops.MatMul
	Transpose  = ops.Transpose
	MulDiv     = ops.MulDiv
	MulDivBack = ops.MulDivBack
)

// Parameter initializers.
type (
	Fill    = ops.Fill
	Uniform = ops.Uniform
	Normal  = ops.Normal
	Xavier  = ops.Xavier
)

// Registry maps operator kind names to factories.
type (
	Registry   = ops.Registry
	Factory    = ops.Factory
	Attributes = ops.Attributes
)

// ErrUnknownOperator is returned by Registry.New for unregistered kinds.
var ErrUnknownOperator = ops.ErrUnknownOperator

// NewRegistry creates a registry of every reference operator.
func NewRegistry(rule tensor.BroadcastRule) *Registry { return ops.NewRegistry(rule) }

// Apply adds op to g and returns its single output.
func Apply(g *graph.Graph, op graph.Operator, inputs ...graph.ValueRef) (graph.ValueRef, error) {
	return ops.Apply(g, op, inputs...)
}

// Operator constructors.
var (
	Add   = ops.Add
	Sub   = ops.Sub
	Mul   = ops.Mul
	Div   = ops.Div
	Min   = ops.Min
	Max   = ops.Max
	Neg   = ops.Neg
	Exp   = ops.Exp
	ReLU  = ops.ReLU
	Step  = ops.Step
	Scale = ops.Scale

	Sum           = ops.Sum
	SumLike       = ops.SumLike
	BroadcastLike = ops.BroadcastLike
	Identity      = ops.Identity
	MinBack       = ops.MinBack
)

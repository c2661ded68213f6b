// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package autodiff synthesizes gradient subgraphs by reverse-mode
// differentiation.
//
// Differentiate adds the gradient of the sum of the outputs with respect
// to each requested value to the same graph and returns a Binding from
// each of those values to its gradient. Gradients are ordinary values, so
// they can be planned, executed, cached and differentiated again.
//
// Example:
//
//	gb, err := autodiff.Differentiate(g, []graph.ValueRef{loss}, []graph.ValueRef{w, b})
//	dw := gb.Accumulator(w)
package autodiff

import (
	"github.com/born-ml/dataflow/internal/autodiff"
	"github.com/born-ml/dataflow/internal/graph"
)

// Binding maps differentiated values to their gradient values.
type Binding = autodiff.Binding

// Option configures Differentiate.
type Option = autodiff.Option

// ErrNonDifferentiableOp is returned when a path to a differentiated value
// crosses an operator without a gradient rule.
var ErrNonDifferentiableOp = autodiff.ErrNonDifferentiableOp

// Differentiate builds gradient structure for outputs with respect to wrt.
func Differentiate(g *graph.Graph, outputs, wrt []graph.ValueRef, opts ...Option) (Binding, error) {
	return autodiff.Differentiate(g, outputs, wrt, opts...)
}

// WithSeed uses seed instead of ones as the incoming gradient of output.
func WithSeed(output, seed graph.ValueRef) Option {
	return autodiff.WithSeed(output, seed)
}

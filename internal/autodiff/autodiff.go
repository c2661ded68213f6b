// Package autodiff synthesizes gradient subgraphs by reverse-mode
// differentiation.
//
// Differentiate walks the operations between the requested outputs and the
// values to differentiate with respect to in reverse topological order and
// asks each operator's gradient rule to add the structure computing its
// inputs' gradients. Contributions reaching one value are summed by an
// inserted AddN. The result is ordinary graph structure:
//
//	b, _ := autodiff.Differentiate(g, []graph.ValueRef{loss}, []graph.ValueRef{w})
//	dw := b.Accumulator(w) // plan and execute like any other value
//
// Because gradients are graph values, differentiating them again yields
// higher-order derivatives.
package autodiff

import "errors"

// ErrNonDifferentiableOp is returned when gradient must flow through an
// operator that declares no gradient rule.
var ErrNonDifferentiableOp = errors.New("operation is not differentiable")

// Copyright 2026 The Symflow Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"

	"github.com/symflow/symflow/backends/shapeinference"
	"github.com/symflow/symflow/types/shapes"
)

// Higher-order derivatives. These are pure graph compositions: Jacobian runs
// one reverse-mode pass per output component, Hessian differentiates the
// gradient a second time, and divergence/curl are linear combinations of
// Jacobian entries.

// Jacobian creates nodes computing the Jacobian of output with respect to
// each node in gradientNodes: one matrix per gradient node, with one row per
// output component and one column per input component (both in row-major
// order of the respective shapes).
//
// The output and gradient node shapes must be fully resolved, since the
// number of reverse-mode passes is the output's size.
func Jacobian(output *Node, gradientNodes ...*Node) []*Node {
	g := validateBuildingGraphFromInputs(append([]*Node{output}, gradientNodes...)...)
	outputShape := output.Shape()
	if err := g.Solver().CheckFullyResolved(outputShape); err != nil {
		panic(errors.WithMessagef(err, "Jacobian requires a fully resolved output shape"))
	}
	if !outputShape.DType.IsFloat() {
		exceptions.Panicf("Jacobian requires a float output, got %s", outputShape)
	}
	outputSize := outputShape.Size()
	flat := output
	if outputShape.Rank() != 1 {
		flat = Reshape(output, outputSize)
	}

	rows := make([][]*Node, len(gradientNodes))
	for component := 0; component < outputSize; component++ {
		scalarComponent := Reshape(Slice(flat, []int{component}, []int{component + 1}))
		grads := Gradient(scalarComponent, gradientNodes...)
		for ii, grad := range grads {
			gradShape := grad.Shape()
			if err := g.Solver().CheckFullyResolved(gradShape); err != nil {
				panic(errors.WithMessagef(err, "Jacobian with respect to node #%d of unresolved shape", gradientNodes[ii].id))
			}
			rows[ii] = append(rows[ii], Reshape(grad, 1, gradShape.Size()))
		}
	}

	jacobians := make([]*Node, len(gradientNodes))
	for ii, nodeRows := range rows {
		jacobians[ii] = Concatenate(0, nodeRows...)
	}
	return jacobians
}

// Hessian creates nodes computing the matrix of second derivatives of the
// scalar output with respect to each node in gradientNodes: one square
// matrix per gradient node, indexed by its components (row-major).
func Hessian(output *Node, gradientNodes ...*Node) []*Node {
	grads := Gradient(output, gradientNodes...)
	hessians := make([]*Node, len(gradientNodes))
	for ii, grad := range grads {
		hessians[ii] = Jacobian(grad, gradientNodes[ii])[0]
	}
	return hessians
}

// Divergence creates a node computing the divergence of the vector field
// with respect to x: the sum of d field[i] / d x[i], the trace of the
// field's Jacobian. Both field and x must be vectors of the same dimension.
func Divergence(field, x *Node) *Node {
	g := validateBuildingGraphFromInputs(field, x)
	if field.Rank() != 1 || x.Rank() != 1 {
		exceptions.Panicf("Divergence requires vector-valued field and input, got field %s and x %s",
			field.Shape(), x.Shape())
	}
	if _, err := g.solver.UnifyDims(field.Shape().Dimensions[0], x.Shape().Dimensions[0]); err != nil {
		panic(errors.WithMessagef(err, "Divergence requires field and x of the same dimension, got %s and %s",
			field.Shape(), x.Shape()))
	}
	jacobian := Jacobian(field, x)[0]
	n := jacobian.Shape().Dimensions[0]
	indexShape := shapes.Make(dtypes.Int32, n, n)
	diagonal := ConvertDType(Equal(Iota(g, indexShape, 0), Iota(g, indexShape, 1)), field.DType())
	return ReduceAllSum(Mul(jacobian, diagonal))
}

// Curl creates a node computing the curl of a 3-dimensional vector field
// with respect to a 3-dimensional x, as the standard antisymmetric
// combination of the field's partial derivatives. The result is again a
// 3-vector.
func Curl(field, x *Node) *Node {
	g := validateBuildingGraphFromInputs(field, x)
	for _, operand := range []*Node{field, x} {
		resolved := g.solver.Resolve(operand.shape)
		if resolved.Rank() != 1 || resolved.Dimensions[0] != 3 {
			panic(errors.Wrapf(shapeinference.ErrDimensionMismatch,
				"Curl is only defined for 3-dimensional vector fields, got field %s and x %s",
				field.Shape(), x.Shape()))
		}
	}
	jacobian := Jacobian(field, x)[0]
	entry := func(i, j int) *Node {
		return Reshape(Slice(jacobian, []int{i, j}, []int{i + 1, j + 1}), 1)
	}
	return Concatenate(0,
		Sub(entry(2, 1), entry(1, 2)),
		Sub(entry(0, 2), entry(2, 0)),
		Sub(entry(1, 0), entry(0, 1)))
}

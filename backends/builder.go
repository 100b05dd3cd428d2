// Copyright 2026 The Symflow Authors. SPDX-License-Identifier: Apache-2.0

package backends

import (
	"github.com/gomlx/gopjrt/dtypes"

	"github.com/symflow/symflow/types/shapes"
)

// Op is a reference to an operation created by a Builder. It is opaque to the
// caller: only the Builder that created it knows its concrete type.
type Op any

// Builder defines a computation to be compiled by the backend, one operation
// at a time. Operations are created bottom-up: every input Op must have been
// returned by the same Builder.
//
// Methods panic (with an error value carrying a stack trace) on invalid
// inputs; shapes fed to a Builder are expected to be fully known -- symbolic
// shape resolution happens in the graph package before lowering.
type Builder interface {
	// Name of the computation being built.
	Name() string

	// Parameter registers an input to the computation with the given name and
	// shape. Parameters are fed in creation order at execution time.
	Parameter(name string, shape shapes.Shape) Op

	// Constant creates a constant value from a flat slice (of the Go type
	// corresponding to shape.DType) and its shape.
	Constant(flat any, shape shapes.Shape) Op

	// Iota creates a tensor of the given shape whose values count up along
	// the given axis.
	Iota(shape shapes.Shape, axis int) Op

	// Unary element-wise operations.
	Neg(x Op) Op
	Abs(x Op) Op
	Sign(x Op) Op
	Exp(x Op) Op
	Log(x Op) Op
	Sqrt(x Op) Op
	Tanh(x Op) Op
	Logistic(x Op) Op
	LogicalNot(x Op) Op

	// Binary element-wise operations, with the documented broadcasting rule.
	Add(lhs, rhs Op) Op
	Sub(lhs, rhs Op) Op
	Mul(lhs, rhs Op) Op
	Div(lhs, rhs Op) Op
	Pow(lhs, rhs Op) Op
	Max(lhs, rhs Op) Op
	Min(lhs, rhs Op) Op

	// Comparisons, yielding Bool.
	Equal(lhs, rhs Op) Op
	NotEqual(lhs, rhs Op) Op
	GreaterThan(lhs, rhs Op) Op
	GreaterOrEqual(lhs, rhs Op) Op
	LessThan(lhs, rhs Op) Op
	LessOrEqual(lhs, rhs Op) Op

	// Where selects elementwise from onTrue/onFalse according to condition
	// (a Bool tensor, broadcast against the operands).
	Where(condition, onTrue, onFalse Op) Op

	// Structural operations.
	Reshape(x Op, dimensions ...int) Op
	Transpose(x Op, permutation ...int) Op
	Broadcast(x Op, dimensions ...int) Op
	Concatenate(axis int, operands ...Op) Op
	Slice(x Op, starts, limits, strides []int) Op
	Reverse(x Op, axes ...int) Op
	ConvertDType(x Op, dtype dtypes.DType) Op

	// Reductions over the given axes; reduced axes are removed from the
	// shape. An empty axes list reduces over all axes.
	ReduceSum(x Op, axes ...int) Op
	ReduceMax(x Op, axes ...int) Op
	ReduceMin(x Op, axes ...int) Op

	// Dot computes vector·vector, matrix·vector or matrix·matrix products,
	// following the rank of its operands.
	Dot(lhs, rhs Op) Op

	// Identity returns a pass-through of x.
	Identity(x Op) Op

	// Compile the computation with the given outputs. The Builder cannot be
	// used after Compile is called.
	Compile(outputs ...Op) (Executable, error)

	// OpShape returns the (fully known) shape of an operation created by this
	// builder.
	OpShape(op Op) shapes.Shape
}

// Copyright 2026 The Symflow Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"

	"github.com/symflow/symflow/backends"
	"github.com/symflow/symflow/backends/shapeinference"
	"github.com/symflow/symflow/types/shapes"
	"github.com/symflow/symflow/types/tensors"
)

// UnknownDim marks a dimension as not yet known when declaring parameter
// shapes: each occurrence becomes a fresh dimension variable, to be bound by
// later unifications (or to fail compilation if still free).
const UnknownDim = -1

// Parameter registers an input of the computation. The shape must be ranked,
// but individual dimensions may be UnknownDim: they are resolved during
// graph construction as the parameter gets used, and must be fully resolved
// by Compile time.
//
// Parameter names must be unique within a graph; values are bound per
// parameter at Run time.
func Parameter(g *Graph, name string, shape shapes.Shape) *Node {
	g.AssertBuilding()
	if shape.Unranked {
		exceptions.Panicf("Parameter %q: parameters require a ranked shape (individual dimensions may be unknown)", name)
	}
	if name == "" {
		exceptions.Panicf("parameters require a non-empty name")
	}
	if _, found := g.parameterNameToHandle[name]; found {
		exceptions.Panicf("Graph %q already has a parameter named %q", g.name, name)
	}
	dims := slices.Clone(shape.Dimensions)
	for ii, dim := range dims {
		if dim <= 0 {
			dims[ii] = g.solver.NewDimVar()
		}
	}
	handle := ParameterHandle(len(g.parameters))
	node := &Node{
		graph:  g,
		opType: backends.OpTypeParameter,
		shape:  shapes.Make(shape.DType, dims...),
		data:   &nodeParameter{name: name, handle: handle},
	}
	g.registerNode(node)
	g.parameters = append(g.parameters, node)
	g.parameterNameToHandle[name] = handle
	return node
}

// ConstTensor returns a constant node for the given tensor. The tensor is
// kept by the graph and must not be mutated afterwards.
func ConstTensor(g *Graph, value *tensors.Tensor) *Node {
	g.AssertBuilding()
	value.AssertValid()
	return g.newNode(backends.OpTypeConstant, value.Shape(), nil, &nodeConstant{value: value})
}

// Const returns a constant node for the given Go value: a scalar or
// (multi-dimensional) slice of one of the supported numeric types (or bool).
func Const(g *Graph, value any) *Node {
	return ConstTensor(g, tensors.FromAnyValue(value))
}

// Scalar returns a constant scalar node with value converted to the given
// dtype. Scalar constants are cached per graph, so repeated uses of the same
// value share one node.
func Scalar(g *Graph, dtype dtypes.DType, value float64) *Node {
	g.AssertBuilding()
	key := scalarKey{dtype: dtype, value: value}
	if node, found := g.scalars[key]; found {
		return node
	}
	node := ConstTensor(g, tensors.FromAnyValue(shapes.CastAsDType(value, dtype)))
	g.scalars[key] = node
	return node
}

// ScalarZero returns a constant scalar node with value 0 of the given dtype.
func ScalarZero(g *Graph, dtype dtypes.DType) *Node { return Scalar(g, dtype, 0) }

// ScalarOne returns a constant scalar node with value 1 of the given dtype.
func ScalarOne(g *Graph, dtype dtypes.DType) *Node { return Scalar(g, dtype, 1) }

// addUnaryOp adds an element-wise operation with a single input.
func addUnaryOp(opType backends.OpType, x *Node) *Node {
	g := validateBuildingGraphFromInputs(x)
	shape, err := shapeinference.UnaryOp(opType, x.shape)
	if err != nil {
		panic(errors.WithMessagef(err, "building %s(%s)", opType, x.Shape()))
	}
	return g.newNode(opType, shape, []*Node{x}, nil)
}

// addBinaryOp adds an element-wise operation with two inputs, broadcasting
// them together.
func addBinaryOp(opType backends.OpType, lhs, rhs *Node) *Node {
	g := validateBuildingGraphFromInputs(lhs, rhs)
	shape, err := shapeinference.BinaryOp(g.solver, opType, lhs.shape, rhs.shape)
	if err != nil {
		panic(errors.WithMessagef(err, "building %s(%s, %s)", opType, lhs.Shape(), rhs.Shape()))
	}
	return g.newNode(opType, shape, []*Node{lhs, rhs}, nil)
}

func addComparisonOp(opType backends.OpType, lhs, rhs *Node) *Node {
	g := validateBuildingGraphFromInputs(lhs, rhs)
	shape, err := shapeinference.ComparisonOp(g.solver, opType, lhs.shape, rhs.shape)
	if err != nil {
		panic(errors.WithMessagef(err, "building %s(%s, %s)", opType, lhs.Shape(), rhs.Shape()))
	}
	return g.newNode(opType, shape, []*Node{lhs, rhs}, nil)
}

// Neg returns the element-wise negation of x.
func Neg(x *Node) *Node { return addUnaryOp(backends.OpTypeNeg, x) }

// Abs returns the element-wise absolute value of x.
func Abs(x *Node) *Node { return addUnaryOp(backends.OpTypeAbs, x) }

// Sign returns the element-wise sign of x: -1, 0 or +1.
func Sign(x *Node) *Node { return addUnaryOp(backends.OpTypeSign, x) }

// Exp returns e^x element-wise.
func Exp(x *Node) *Node { return addUnaryOp(backends.OpTypeExp, x) }

// Log returns the natural logarithm of x element-wise.
func Log(x *Node) *Node { return addUnaryOp(backends.OpTypeLog, x) }

// Sqrt returns the square root of x element-wise.
func Sqrt(x *Node) *Node { return addUnaryOp(backends.OpTypeSqrt, x) }

// Tanh returns the hyperbolic tangent of x element-wise.
func Tanh(x *Node) *Node { return addUnaryOp(backends.OpTypeTanh, x) }

// Logistic returns 1/(1+e^-x), the sigmoid of x, element-wise.
func Logistic(x *Node) *Node { return addUnaryOp(backends.OpTypeLogistic, x) }

// Sigmoid is an alias for Logistic.
func Sigmoid(x *Node) *Node { return Logistic(x) }

// LogicalNot returns the negation of a boolean x element-wise.
func LogicalNot(x *Node) *Node { return addUnaryOp(backends.OpTypeLogicalNot, x) }

// Add returns lhs+rhs element-wise, with broadcasting.
//
// Binary operations broadcast like NumPy: dimensions are aligned from the
// trailing end, a dimension of size 1 stretches to match the other operand,
// and an unknown dimension unifies with (and is bound by) the matching one.
func Add(lhs, rhs *Node) *Node { return addBinaryOp(backends.OpTypeAdd, lhs, rhs) }

// Sub returns lhs-rhs element-wise, with broadcasting.
func Sub(lhs, rhs *Node) *Node { return addBinaryOp(backends.OpTypeSub, lhs, rhs) }

// Mul returns lhs*rhs element-wise, with broadcasting.
func Mul(lhs, rhs *Node) *Node { return addBinaryOp(backends.OpTypeMul, lhs, rhs) }

// Div returns lhs/rhs element-wise, with broadcasting.
func Div(lhs, rhs *Node) *Node { return addBinaryOp(backends.OpTypeDiv, lhs, rhs) }

// Pow returns lhs^rhs element-wise, with broadcasting.
func Pow(lhs, rhs *Node) *Node { return addBinaryOp(backends.OpTypePow, lhs, rhs) }

// Max returns the element-wise maximum of lhs and rhs, with broadcasting.
func Max(lhs, rhs *Node) *Node { return addBinaryOp(backends.OpTypeMax, lhs, rhs) }

// Min returns the element-wise minimum of lhs and rhs, with broadcasting.
func Min(lhs, rhs *Node) *Node { return addBinaryOp(backends.OpTypeMin, lhs, rhs) }

// Equal returns lhs==rhs element-wise as booleans, with broadcasting.
func Equal(lhs, rhs *Node) *Node { return addComparisonOp(backends.OpTypeEqual, lhs, rhs) }

// NotEqual returns lhs!=rhs element-wise as booleans, with broadcasting.
func NotEqual(lhs, rhs *Node) *Node { return addComparisonOp(backends.OpTypeNotEqual, lhs, rhs) }

// GreaterThan returns lhs>rhs element-wise as booleans, with broadcasting.
func GreaterThan(lhs, rhs *Node) *Node { return addComparisonOp(backends.OpTypeGreaterThan, lhs, rhs) }

// GreaterOrEqual returns lhs>=rhs element-wise as booleans, with
// broadcasting.
func GreaterOrEqual(lhs, rhs *Node) *Node {
	return addComparisonOp(backends.OpTypeGreaterOrEqual, lhs, rhs)
}

// LessThan returns lhs<rhs element-wise as booleans, with broadcasting.
func LessThan(lhs, rhs *Node) *Node { return addComparisonOp(backends.OpTypeLessThan, lhs, rhs) }

// LessOrEqual returns lhs<=rhs element-wise as booleans, with broadcasting.
func LessOrEqual(lhs, rhs *Node) *Node { return addComparisonOp(backends.OpTypeLessOrEqual, lhs, rhs) }

// Where returns, element-wise, onTrue where condition holds and onFalse
// elsewhere. The condition must be boolean; all three operands broadcast
// together.
func Where(condition, onTrue, onFalse *Node) *Node {
	g := validateBuildingGraphFromInputs(condition, onTrue, onFalse)
	shape, err := shapeinference.WhereOp(g.solver, condition.shape, onTrue.shape, onFalse.shape)
	if err != nil {
		panic(errors.WithMessagef(err, "building Where(%s, %s, %s)",
			condition.Shape(), onTrue.Shape(), onFalse.Shape()))
	}
	return g.newNode(backends.OpTypeWhere, shape, []*Node{condition, onTrue, onFalse}, nil)
}

// Identity returns a node that is a pass-through of x.
func Identity(x *Node) *Node {
	g := validateBuildingGraphFromInputs(x)
	return g.newNode(backends.OpTypeIdentity, x.shape, []*Node{x}, nil)
}

// StopGradient returns a pass-through of x that blocks back-propagation:
// gradients do not flow through it, as if x were a constant.
func StopGradient(x *Node) *Node {
	g := validateBuildingGraphFromInputs(x)
	node := g.newNode(backends.OpTypeIdentity, x.shape, []*Node{x}, &nodeStopGradient{})
	node.stopGradient = true
	return node
}

// AssertShape checks x against the given dimensions, binding any still
// unknown dimension of x along the way. Use UnknownDim to accept (and leave
// open) a dimension. It panics, at construction time, if a known dimension
// or the rank conflicts; on success it returns x itself, so it can be used
// inline in expressions.
func AssertShape(x *Node, dimensions ...int) *Node {
	g := validateBuildingGraphFromInputs(x)
	dims := slices.Clone(dimensions)
	for ii, dim := range dims {
		if dim <= 0 {
			dims[ii] = g.solver.NewDimVar()
		}
	}
	want := shapes.Make(x.DType(), dims...)
	if _, err := g.solver.Unify(x.shape, want); err != nil {
		panic(errors.WithMessagef(err, "AssertShape: node #%d (%s) has shape %s, want %s",
			x.id, x.opType, x.Shape(), shapes.Make(x.DType(), dimensions...)))
	}
	return x
}

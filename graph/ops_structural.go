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
	"github.com/symflow/symflow/types/xslices"
)

// Reshape returns x reorganized to the given dimensions, which must multiply
// to x's size. The target dimensions must be known.
func Reshape(x *Node, dimensions ...int) *Node {
	g := validateBuildingGraphFromInputs(x)
	shape, err := shapeinference.ReshapeOp(g.solver, x.shape, dimensions)
	if err != nil {
		panic(errors.WithMessagef(err, "building Reshape(%s, %v)", x.Shape(), dimensions))
	}
	return g.newNode(backends.OpTypeReshape, shape, []*Node{x}, &nodeDims{dimensions: slices.Clone(dimensions)})
}

// ReshapeWithShape reshapes x to the dimensions of the given shape; the
// dtype of shape is ignored, only its dimensions matter.
func ReshapeWithShape(x *Node, shape shapes.Shape) *Node {
	g := validateBuildingGraphFromInputs(x)
	resolved := g.solver.Resolve(shape)
	return Reshape(x, resolved.Dimensions...)
}

// Transpose returns x with its axes permuted: output axis ii comes from
// input axis permutation[ii]. The permutation must have one entry per axis.
func Transpose(x *Node, permutation ...int) *Node {
	g := validateBuildingGraphFromInputs(x)
	shape, err := shapeinference.TransposeOp(g.solver, x.shape, permutation)
	if err != nil {
		panic(errors.WithMessagef(err, "building Transpose(%s, %v)", x.Shape(), permutation))
	}
	return g.newNode(backends.OpTypeTranspose, shape, []*Node{x}, &nodeAxes{axes: slices.Clone(permutation)})
}

// BroadcastToDims broadcasts x to the given dimensions. x must either be a
// scalar or have the same rank, with each axis either matching or of
// dimension 1 (which is then stretched).
func BroadcastToDims(x *Node, dimensions ...int) *Node {
	g := validateBuildingGraphFromInputs(x)
	shape, err := shapeinference.BroadcastToOp(g.solver, x.shape, dimensions)
	if err != nil {
		panic(errors.WithMessagef(err, "building Broadcast(%s, %v)", x.Shape(), dimensions))
	}
	return g.newNode(backends.OpTypeBroadcast, shape, []*Node{x}, &nodeDims{dimensions: slices.Clone(dimensions)})
}

// BroadcastToShape broadcasts x to the dimensions of the given shape; the
// dtype of shape is ignored, only its dimensions matter.
func BroadcastToShape(x *Node, shape shapes.Shape) *Node {
	g := validateBuildingGraphFromInputs(x)
	resolved := g.solver.Resolve(shape)
	return BroadcastToDims(x, resolved.Dimensions...)
}

// Concatenate joins the operands along the given axis. All operands must
// have the same dtype and rank, and matching dimensions outside the
// concatenation axis.
func Concatenate(axis int, operands ...*Node) *Node {
	g := validateBuildingGraphFromInputs(operands...)
	operandShapes := make([]shapes.Shape, len(operands))
	for ii, operand := range operands {
		operandShapes[ii] = operand.shape
	}
	shape, err := shapeinference.ConcatenateOp(g.solver, operandShapes, axis)
	if err != nil {
		panic(errors.WithMessagef(err, "building Concatenate(axis=%d) of %d operands", axis, len(operands)))
	}
	if len(operands) == 1 {
		return operands[0]
	}
	adjusted := shapes.AdjustAxisToRank(axis, operands[0].Rank())
	return g.newNode(backends.OpTypeConcatenate, shape, operands, &nodeConcat{axis: adjusted})
}

// Slice extracts the hyper-rectangle [starts, limits) from x, one pair per
// axis. The dimensions of x must be resolved by the time Slice is built.
func Slice(x *Node, starts, limits []int) *Node {
	return SliceWithStrides(x, starts, limits, nil)
}

// SliceWithStrides is a Slice that takes every strides[axis]-th element,
// starting at starts[axis]. A nil strides means stride 1 on every axis.
func SliceWithStrides(x *Node, starts, limits, strides []int) *Node {
	g := validateBuildingGraphFromInputs(x)
	if strides == nil {
		strides = slices.Repeat([]int{1}, len(starts))
	}
	shape, err := shapeinference.SliceOp(g.solver, x.shape, starts, limits, strides)
	if err != nil {
		panic(errors.WithMessagef(err, "building Slice(%s, starts=%v, limits=%v, strides=%v)",
			x.Shape(), starts, limits, strides))
	}
	data := &nodeSlice{starts: slices.Clone(starts), limits: slices.Clone(limits), strides: slices.Clone(strides)}
	return g.newNode(backends.OpTypeSlice, shape, []*Node{x}, data)
}

// Reverse returns x with the values along the given axes reversed. The shape
// is unchanged.
func Reverse(x *Node, axes ...int) *Node {
	g := validateBuildingGraphFromInputs(x)
	shape, err := shapeinference.ReverseOp(x.shape, axes)
	if err != nil {
		panic(errors.WithMessagef(err, "building Reverse(%s, %v)", x.Shape(), axes))
	}
	adjusted := make([]int, len(axes))
	for ii, axis := range axes {
		adjusted[ii] = shapes.AdjustAxisToRank(axis, x.Rank())
	}
	slices.Sort(adjusted)
	return g.newNode(backends.OpTypeReverse, shape, []*Node{x}, &nodeAxes{axes: adjusted})
}

// ConvertDType converts x to the given dtype, element-wise. If the dtype is
// unchanged x itself is returned.
func ConvertDType(x *Node, dtype dtypes.DType) *Node {
	g := validateBuildingGraphFromInputs(x)
	if x.DType() == dtype {
		return x
	}
	shape, err := shapeinference.ConvertOp(x.shape, dtype)
	if err != nil {
		panic(errors.WithMessagef(err, "building ConvertDType(%s, %s)", x.Shape(), dtype))
	}
	return g.newNode(backends.OpTypeConvertDType, shape, []*Node{x}, &nodeConvert{dtype: dtype})
}

func addReduceOp(opType backends.OpType, x *Node, axes []int) *Node {
	g := validateBuildingGraphFromInputs(x)
	shape, err := shapeinference.ReduceOp(g.solver, x.shape, axes)
	if err != nil {
		panic(errors.WithMessagef(err, "building %s(%s, axes=%v)", opType, x.Shape(), axes))
	}
	adjusted := make([]int, len(axes))
	for ii, axis := range axes {
		adjusted[ii] = shapes.AdjustAxisToRank(axis, x.Rank())
	}
	slices.Sort(adjusted)
	return g.newNode(opType, shape, []*Node{x}, &nodeAxes{axes: adjusted})
}

// ReduceSum sums x over the given axes, which are removed from the shape.
// No axes means reducing over all of them, down to a scalar.
func ReduceSum(x *Node, axes ...int) *Node {
	return addReduceOp(backends.OpTypeReduceSum, x, axes)
}

// ReduceAllSum sums all elements of x into a scalar.
func ReduceAllSum(x *Node) *Node { return ReduceSum(x) }

// ReduceMax takes the maximum of x over the given axes, which are removed
// from the shape. No axes means reducing over all of them.
func ReduceMax(x *Node, axes ...int) *Node {
	return addReduceOp(backends.OpTypeReduceMax, x, axes)
}

// ReduceAllMax takes the maximum over all elements of x into a scalar.
func ReduceAllMax(x *Node) *Node { return ReduceMax(x) }

// ReduceMin takes the minimum of x over the given axes, which are removed
// from the shape. No axes means reducing over all of them.
func ReduceMin(x *Node, axes ...int) *Node {
	return addReduceOp(backends.OpTypeReduceMin, x, axes)
}

// ReduceAllMin takes the minimum over all elements of x into a scalar.
func ReduceAllMin(x *Node) *Node { return ReduceMin(x) }

// ReduceMean takes the mean of x over the given axes, which are removed from
// the shape. No axes means the mean over all elements. The reduced
// dimensions must be resolved, so the element count is known.
func ReduceMean(x *Node, axes ...int) *Node {
	g := validateBuildingGraphFromInputs(x)
	resolved := g.solver.Resolve(x.shape)
	if len(axes) == 0 {
		axes = xslices.Iota(0, resolved.Rank())
	}
	count := 1
	for _, axis := range axes {
		adjusted := shapes.AdjustAxisToRank(axis, resolved.Rank())
		dim := resolved.Dim(adjusted)
		if !shapes.IsKnown(dim) {
			panic(errors.Wrapf(shapeinference.ErrShapeUnderdetermined,
				"building ReduceMean(%s, axes=%v): dimension of axis %d is not yet known", resolved, axes, adjusted))
		}
		count *= dim
	}
	sum := ReduceSum(x, axes...)
	return Div(sum, Scalar(g, x.DType(), float64(count)))
}

// Dot computes the dot product of lhs and rhs: vector·vector yields a
// scalar, matrix·vector a vector, matrix·matrix a matrix. The contracted
// dimensions are unified.
func Dot(lhs, rhs *Node) *Node {
	g := validateBuildingGraphFromInputs(lhs, rhs)
	shape, err := shapeinference.DotOp(g.solver, lhs.shape, rhs.shape)
	if err != nil {
		panic(errors.WithMessagef(err, "building Dot(%s, %s)", lhs.Shape(), rhs.Shape()))
	}
	return g.newNode(backends.OpTypeDot, shape, []*Node{lhs, rhs}, nil)
}

// MatMul is an alias for Dot for rank-2 operands.
func MatMul(lhs, rhs *Node) *Node { return Dot(lhs, rhs) }

// Iota creates a tensor of the given shape whose values count up from 0
// along the given axis. The shape must be fully known.
func Iota(g *Graph, shape shapes.Shape, axis int) *Node {
	g.AssertBuilding()
	outputShape, err := shapeinference.IotaOp(shape, axis)
	if err != nil {
		panic(errors.WithMessagef(err, "building Iota(%s, axis=%d)", shape, axis))
	}
	if !outputShape.IsFullyKnown() {
		exceptions.Panicf("Iota requires a fully known shape, got %s", shape)
	}
	return g.newNode(backends.OpTypeIota, outputShape, nil, &nodeIota{axis: shapes.AdjustAxisToRank(axis, shape.Rank())})
}

// IotaFull creates a tensor of the given (fully known) shape whose values
// count up from 0 over all its elements, in row-major order.
func IotaFull(g *Graph, shape shapes.Shape) *Node {
	g.AssertBuilding()
	if !shape.IsFullyKnown() {
		exceptions.Panicf("IotaFull requires a fully known shape, got %s", shape)
	}
	if shape.IsScalar() {
		return ScalarZero(g, shape.DType)
	}
	flat := Iota(g, shapes.Make(shape.DType, shape.Size()), 0)
	return Reshape(flat, shape.Dimensions...)
}

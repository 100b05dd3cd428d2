// Copyright 2026 The Symflow Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"slices"

	"github.com/gomlx/exceptions"

	"github.com/symflow/symflow/types/shapes"
)

// AddScalar converts scalar to a constant with x's dtype and adds it to x.
func AddScalar(x *Node, scalar float64) *Node {
	g := validateBuildingGraphFromInputs(x)
	return Add(x, Scalar(g, x.DType(), scalar))
}

// MulScalar converts scalar to a constant with x's dtype and multiplies x by
// it.
func MulScalar(x *Node, scalar float64) *Node {
	g := validateBuildingGraphFromInputs(x)
	return Mul(x, Scalar(g, x.DType(), scalar))
}

// DivScalar converts scalar to a constant with x's dtype and divides x by
// it.
func DivScalar(x *Node, scalar float64) *Node {
	g := validateBuildingGraphFromInputs(x)
	if scalar == 0 {
		exceptions.Panicf("DivScalar: division by zero")
	}
	return Div(x, Scalar(g, x.DType(), scalar))
}

// PowScalar converts scalar to a constant with x's dtype and raises x to it.
func PowScalar(x *Node, scalar float64) *Node {
	g := validateBuildingGraphFromInputs(x)
	return Pow(x, Scalar(g, x.DType(), scalar))
}

// MaxScalar returns the element-wise maximum of x and the given scalar.
func MaxScalar(x *Node, scalar float64) *Node {
	g := validateBuildingGraphFromInputs(x)
	return Max(x, Scalar(g, x.DType(), scalar))
}

// MinScalar returns the element-wise minimum of x and the given scalar.
func MinScalar(x *Node, scalar float64) *Node {
	g := validateBuildingGraphFromInputs(x)
	return Min(x, Scalar(g, x.DType(), scalar))
}

// OnePlus returns 1+x.
func OnePlus(x *Node) *Node { return AddScalar(x, 1) }

// OneMinus returns 1-x.
func OneMinus(x *Node) *Node {
	g := validateBuildingGraphFromInputs(x)
	return Sub(ScalarOne(g, x.DType()), x)
}

// MinusOne returns x-1.
func MinusOne(x *Node) *Node { return AddScalar(x, -1) }

// Square returns x*x.
func Square(x *Node) *Node { return Mul(x, x) }

// Inverse returns 1/x.
func Inverse(x *Node) *Node {
	g := validateBuildingGraphFromInputs(x)
	return Div(ScalarOne(g, x.DType()), x)
}

// NonNegativeIndicator returns 1 where x >= 0, and 0 elsewhere, in x's
// dtype.
func NonNegativeIndicator(x *Node) *Node {
	g := validateBuildingGraphFromInputs(x)
	return ConvertDType(GreaterOrEqual(x, ScalarZero(g, x.DType())), x.DType())
}

// NonPositiveIndicator returns 1 where x <= 0, and 0 elsewhere, in x's
// dtype.
func NonPositiveIndicator(x *Node) *Node {
	g := validateBuildingGraphFromInputs(x)
	return ConvertDType(LessOrEqual(x, ScalarZero(g, x.DType())), x.DType())
}

// SignPlusOrMinus returns the sign of x with the convention that
// SignPlusOrMinus(0) is +1, so the result is always -1 or +1.
func SignPlusOrMinus(x *Node) *Node {
	return AddScalar(MulScalar(NonNegativeIndicator(x), 2), -1)
}

// Zeros creates a node of the given (fully known) shape filled with zeros.
func Zeros(g *Graph, shape shapes.Shape) *Node {
	g.AssertBuilding()
	if shape.IsScalar() {
		return ScalarZero(g, shape.DType)
	}
	return BroadcastToDims(ScalarZero(g, shape.DType), g.solver.Resolve(shape).Dimensions...)
}

// Ones creates a node of the given (fully known) shape filled with ones.
func Ones(g *Graph, shape shapes.Shape) *Node {
	g.AssertBuilding()
	if shape.IsScalar() {
		return ScalarOne(g, shape.DType)
	}
	return BroadcastToDims(ScalarOne(g, shape.DType), g.solver.Resolve(shape).Dimensions...)
}

// ZerosLike returns a node shaped like x filled with zeros. It works even
// when x's dimensions are not yet resolved.
func ZerosLike(x *Node) *Node {
	g := validateBuildingGraphFromInputs(x)
	return Mul(x, ScalarZero(g, x.DType()))
}

// OnesLike returns a node shaped like x filled with ones. It works even when
// x's dimensions are not yet resolved.
func OnesLike(x *Node) *Node { return OnePlus(ZerosLike(x)) }

// InsertAxes returns x with new axes of dimension 1 inserted at the given
// positions, given relative to x's shape: an axis value of k inserts before
// x's axis k, and -1 appends at the end. x's dimensions must be resolved.
func InsertAxes(x *Node, axes ...int) *Node {
	g := validateBuildingGraphFromInputs(x)
	resolved := g.solver.Resolve(x.shape)
	rank := resolved.Rank()
	positions := make([]int, len(axes))
	for ii, axis := range axes {
		if axis < 0 {
			axis = rank + 1 + axis
		}
		if axis < 0 || axis > rank {
			exceptions.Panicf("InsertAxes: axis %d out of range for shape %s", axes[ii], resolved)
		}
		positions[ii] = axis
	}
	slices.Sort(positions)
	newDims := make([]int, 0, rank+len(axes))
	next := 0
	for axis := 0; axis <= rank; axis++ {
		for next < len(positions) && positions[next] == axis {
			newDims = append(newDims, 1)
			next++
		}
		if axis < rank {
			newDims = append(newDims, resolved.Dimensions[axis])
		}
	}
	return Reshape(x, newDims...)
}

// ExpandAxes is an alias for InsertAxes.
func ExpandAxes(x *Node, axes ...int) *Node { return InsertAxes(x, axes...) }

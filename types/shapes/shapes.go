// Copyright 2026 The Symflow Authors. SPDX-License-Identifier: Apache-2.0

// Package shapes defines Shape, the representation of the dimensionality of a
// tensor -- either a concrete value or the expected output of a node in a
// computation graph.
//
// A Shape holds a DType (the type of the unit element, an enumeration defined
// in github.com/gomlx/gopjrt/dtypes) and an ordered sequence of dimensions.
// Each dimension is either:
//
//   - Known: a positive integer, the usual case;
//   - A dimension variable: a negative handle minted by the shape inference
//     solver (see the shapeinference package), standing for a dimension not
//     yet determined -- e.g. a batch size discovered later during graph
//     construction;
//
// and a whole Shape may instead be marked Unranked ("unknown-rank"), in which
// case even the number of axes is undetermined.
//
// ## Glossary
//
//   - Rank: number of axes (dimensions) of a tensor.
//   - Axis: the index of a dimension. A scalar has rank 0.
//   - Dimension: the size of a tensor along one axis.
//   - DType: the data type of the unit element in a tensor.
//
// Shapes with variables only appear during graph construction: by the time a
// graph is compiled every dimension must have been resolved to a known value,
// or compilation fails.
package shapes

import (
	"fmt"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"slices"
)

// Shape represents the shape of either a concrete tensor or the expected
// output of a computation graph node.
//
// Use Make to create one. Dimensions may contain negative dimension-variable
// handles while shape inference is still running; see package documentation.
type Shape struct {
	DType      dtypes.DType
	Dimensions []int

	// Unranked marks a shape whose rank is not (yet) known. Dimensions must
	// be empty if set.
	Unranked bool
}

// HasShape is implemented by any value with an associated Shape -- tensors,
// graph nodes and Shape itself.
type HasShape interface {
	Shape() Shape
}

// Make returns a Shape with the given dimensions. Dimensions must be positive
// (known) or negative (dimension-variable handles); zero is invalid.
func Make(dtype dtypes.DType, dimensions ...int) Shape {
	s := Shape{DType: dtype, Dimensions: slices.Clone(dimensions)}
	for _, dim := range dimensions {
		if dim == 0 {
			exceptions.Panicf("shapes.Make(%s): cannot create a shape with a zero-sized axis", s)
		}
	}
	return s
}

// Scalar returns a scalar Shape for the given Go type.
func Scalar[T dtypes.Number]() Shape {
	return Shape{DType: dtypes.FromGenericsType[T]()}
}

// Of returns a scalar Shape of the given dtype.
func Of(dtype dtypes.DType) Shape {
	return Shape{DType: dtype}
}

// UnknownRank returns a shape of the given dtype whose rank is undetermined.
// It unifies with any shape of the same dtype.
func UnknownRank(dtype dtypes.DType) Shape {
	return Shape{DType: dtype, Unranked: true}
}

// Invalid returns an invalid Shape. Invalid().Ok() == false.
func Invalid() Shape {
	return Shape{DType: dtypes.InvalidDType}
}

// Ok returns whether this is a valid Shape: the zero value Shape{} is not.
func (s Shape) Ok() bool { return s.DType != dtypes.InvalidDType }

// Rank of the shape, the number of axes. Scalars have rank 0. It panics for
// unranked shapes, which have no defined rank.
func (s Shape) Rank() int {
	if s.Unranked {
		exceptions.Panicf("Shape.Rank() called on an unknown-rank shape (%s)", s)
	}
	return len(s.Dimensions)
}

// IsScalar returns whether the shape represents a scalar: a known rank of 0.
func (s Shape) IsScalar() bool { return s.Ok() && !s.Unranked && len(s.Dimensions) == 0 }

// Dim returns the dimension of the given axis. Negative axes count from the
// end, so Dim(-1) is the last axis. Panics if out-of-bounds.
func (s Shape) Dim(axis int) int {
	adjusted := AdjustAxisToRank(axis, s.Rank())
	if adjusted < 0 || adjusted >= s.Rank() {
		exceptions.Panicf("Shape.Dim(%d) out-of-bounds for rank %d (shape=%s)", axis, s.Rank(), s)
	}
	return s.Dimensions[adjusted]
}

// AdjustAxisToRank converts negative axis values to the corresponding
// non-negative axis, given the rank. It does not bounds-check the result.
func AdjustAxisToRank(axis, rank int) int {
	if axis < 0 {
		return axis + rank
	}
	return axis
}

// IsKnown returns whether dim is a concrete (positive) dimension, as opposed
// to a dimension-variable handle.
func IsKnown(dim int) bool { return dim > 0 }

// IsVariable returns whether dim is a dimension-variable handle.
func IsVariable(dim int) bool { return dim < 0 }

// IsFullyKnown returns whether the rank and every dimension are concrete.
func (s Shape) IsFullyKnown() bool {
	if s.Unranked {
		return false
	}
	for _, dim := range s.Dimensions {
		if !IsKnown(dim) {
			return false
		}
	}
	return true
}

// HasDimVariables returns whether any dimension is still a variable handle.
func (s Shape) HasDimVariables() bool {
	for _, dim := range s.Dimensions {
		if IsVariable(dim) {
			return true
		}
	}
	return false
}

// Size returns the number of elements of DType for this shape, the product of
// all dimensions. Scalars have size 1. Shapes that are not fully known have
// no defined size, and -1 is returned.
func (s Shape) Size() int {
	if !s.IsFullyKnown() {
		return -1
	}
	size := 1
	for _, dim := range s.Dimensions {
		size *= dim
	}
	return size
}

// Memory returns the number of bytes needed to store a tensor of this shape.
// -1 if the shape is not fully known.
func (s Shape) Memory() int64 {
	size := s.Size()
	if size < 0 {
		return -1
	}
	return int64(s.DType.Memory()) * int64(size)
}

// Shape returns a shallow copy of itself, implementing the HasShape interface.
func (s Shape) Shape() Shape { return s }

// Clone returns a deep copy of the shape.
func (s Shape) Clone() Shape {
	return Shape{DType: s.DType, Dimensions: slices.Clone(s.Dimensions), Unranked: s.Unranked}
}

// Equal compares dtype, rank and dimensions. Dimension variables compare by
// handle identity -- two different variables are not equal even if they later
// resolve to the same value; resolve shapes first when that matters.
func (s Shape) Equal(s2 Shape) bool {
	if s.DType != s2.DType || s.Unranked != s2.Unranked {
		return false
	}
	return slices.Equal(s.Dimensions, s2.Dimensions)
}

// EqualDimensions compares rank and dimensions, ignoring dtypes.
func (s Shape) EqualDimensions(s2 Shape) bool {
	if s.Unranked != s2.Unranked {
		return false
	}
	return slices.Equal(s.Dimensions, s2.Dimensions)
}

// DimAsString formats one dimension: known dimensions print as their value,
// variable handles as "x1", "x2", ....
func DimAsString(dim int) string {
	if IsVariable(dim) {
		return fmt.Sprintf("x%d", -dim)
	}
	return fmt.Sprintf("%d", dim)
}

// String implements fmt.Stringer. E.g.: "(Float32)[2 x3 4]" where "x3" is an
// unresolved dimension variable.
func (s Shape) String() string {
	if !s.Ok() {
		return "(invalid shape)"
	}
	if s.Unranked {
		return fmt.Sprintf("(%s)[?...]", s.DType)
	}
	if s.IsScalar() {
		return fmt.Sprintf("(%s)", s.DType)
	}
	parts := make([]string, 0, len(s.Dimensions))
	for _, dim := range s.Dimensions {
		parts = append(parts, DimAsString(dim))
	}
	return fmt.Sprintf("(%s)[%s]", s.DType, strings.Join(parts, " "))
}

// ConcatenateDimensions of two shapes: the resulting rank is the sum of both
// ranks. Both must have the same dtype and known rank. If either is a scalar,
// the result is a copy of the other. Used to combine output and input shapes
// when assembling jacobians.
func ConcatenateDimensions(s1, s2 Shape) Shape {
	if !s1.Ok() || !s2.Ok() || s1.Unranked || s2.Unranked || s1.DType != s2.DType {
		return Invalid()
	}
	if s1.IsScalar() {
		return s2.Clone()
	}
	if s2.IsScalar() {
		return s1.Clone()
	}
	shape := Shape{DType: s1.DType, Dimensions: make([]int, 0, s1.Rank()+s2.Rank())}
	shape.Dimensions = append(shape.Dimensions, s1.Dimensions...)
	shape.Dimensions = append(shape.Dimensions, s2.Dimensions...)
	return shape
}

// Copyright 2026 The Symflow Authors. SPDX-License-Identifier: Apache-2.0

// Package shapeinference computes the shape resulting from each operation of
// the catalogue, and validates its inputs.
//
// Unlike a plain per-op checker, rules here run against a Solver: shapes may
// contain dimension variables (see types/shapes), and every rule unifies its
// operands' dimensions through the solver, so constraints propagate both ways
// across the whole graph as it is built.
//
// # Broadcasting
//
// Binary element-wise operations use NumPy-style trailing-dimension
// alignment: the lower-rank operand is right-aligned against the higher-rank
// one and missing leading axes behave as size 1. Per aligned axis, the
// dimensions must be equal, or one of them must be 1 (the result takes the
// other). A dimension variable aligned against a known dimension other than 1
// is bound to it; aligned against 1, the variable is carried through
// unchanged (broadcasting is only decided once the variable resolves).
// Scalars broadcast with everything.
package shapeinference

import (
	"slices"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"

	"github.com/symflow/symflow/backends"
	"github.com/symflow/symflow/types/shapes"
)

// BinaryOp returns the output shape for the standard binary element-wise
// operations (Add, Sub, Mul, Div, Pow, Max, Min), applying the broadcasting
// rule documented in the package comment.
func BinaryOp(solver *Solver, opType backends.OpType, lhs, rhs shapes.Shape) (shapes.Shape, error) {
	switch opType {
	case backends.OpTypeAdd, backends.OpTypeSub, backends.OpTypeMul, backends.OpTypeDiv,
		backends.OpTypePow, backends.OpTypeMax, backends.OpTypeMin:
	default:
		return shapes.Invalid(), errors.Errorf("operation %s is not a standard binary operation", opType)
	}
	if err := checkNumeric(opType, lhs); err != nil {
		return shapes.Invalid(), err
	}
	if lhs.DType != rhs.DType {
		return shapes.Invalid(), errors.Errorf("data types for %s must match, got %s and %s", opType, lhs, rhs)
	}
	return BroadcastShapes(solver, lhs, rhs)
}

// ComparisonOp returns the broadcast shape with dtype set to Bool, for the
// comparison operations (Equal, NotEqual, GreaterThan, ...).
func ComparisonOp(solver *Solver, opType backends.OpType, lhs, rhs shapes.Shape) (shapes.Shape, error) {
	switch opType {
	case backends.OpTypeEqual, backends.OpTypeNotEqual, backends.OpTypeGreaterThan,
		backends.OpTypeGreaterOrEqual, backends.OpTypeLessThan, backends.OpTypeLessOrEqual:
	default:
		return shapes.Invalid(), errors.Errorf("operation %s is not a comparison", opType)
	}
	if lhs.DType != rhs.DType {
		return shapes.Invalid(), errors.Errorf("data types for %s must match, got %s and %s", opType, lhs, rhs)
	}
	output, err := BroadcastShapes(solver, lhs, rhs)
	if err != nil {
		return shapes.Invalid(), err
	}
	output.DType = dtypes.Bool
	return output, nil
}

// UnaryOp returns the output shape for element-wise unary operations: the
// operand shape, after validating the dtype class the operation accepts.
func UnaryOp(opType backends.OpType, operand shapes.Shape) (shapes.Shape, error) {
	switch opType {
	case backends.OpTypeNeg, backends.OpTypeAbs, backends.OpTypeSign:
		if err := checkNumeric(opType, operand); err != nil {
			return shapes.Invalid(), err
		}
	case backends.OpTypeExp, backends.OpTypeLog, backends.OpTypeSqrt,
		backends.OpTypeTanh, backends.OpTypeLogistic:
		if !operand.DType.IsFloat() {
			return shapes.Invalid(), errors.Errorf("%s requires a float operand, got %s", opType, operand)
		}
	case backends.OpTypeLogicalNot:
		if operand.DType != dtypes.Bool {
			return shapes.Invalid(), errors.Errorf("%s requires a Bool operand, got %s", opType, operand)
		}
	default:
		return shapes.Invalid(), errors.Errorf("operation %s is not a standard unary operation", opType)
	}
	return operand, nil
}

func checkNumeric(opType backends.OpType, operand shapes.Shape) error {
	if !operand.DType.IsFloat() && !operand.DType.IsInt() {
		return errors.Errorf("%s requires a numeric operand, got %s", opType, operand)
	}
	return nil
}

// BroadcastShapes applies the NumPy-style trailing-alignment broadcasting
// rule to two shapes, unifying aligned dimension variables through the
// solver. See the package comment for the exact rule.
func BroadcastShapes(solver *Solver, lhs, rhs shapes.Shape) (shapes.Shape, error) {
	if lhs.Unranked || rhs.Unranked {
		// Broadcasting of an unknown-rank operand stays unknown-rank.
		return shapes.UnknownRank(lhs.DType), nil
	}
	lhs, rhs = solver.Resolve(lhs), solver.Resolve(rhs)
	if lhs.IsScalar() {
		return rhs, nil
	}
	if rhs.IsScalar() {
		return lhs, nil
	}
	rank := max(lhs.Rank(), rhs.Rank())
	output := shapes.Shape{DType: lhs.DType, Dimensions: make([]int, rank)}
	for axis := rank - 1; axis >= 0; axis-- {
		lhsAxis := axis - (rank - lhs.Rank())
		rhsAxis := axis - (rank - rhs.Rank())
		lhsDim, rhsDim := 1, 1
		if lhsAxis >= 0 {
			lhsDim = lhs.Dimensions[lhsAxis]
		}
		if rhsAxis >= 0 {
			rhsDim = rhs.Dimensions[rhsAxis]
		}
		switch {
		case lhsDim == 1:
			output.Dimensions[axis] = rhsDim
		case rhsDim == 1:
			output.Dimensions[axis] = lhsDim
		default:
			dim, err := solver.UnifyDims(lhsDim, rhsDim)
			if err != nil {
				return shapes.Invalid(), errors.WithMessagef(err,
					"shapes %s and %s cannot be broadcast together (axis %d)", lhs, rhs, axis)
			}
			output.Dimensions[axis] = dim
		}
	}
	return output, nil
}

// WhereOp returns the output shape of Where(condition, onTrue, onFalse):
// condition must be Bool, and the three operands broadcast together.
func WhereOp(solver *Solver, condition, onTrue, onFalse shapes.Shape) (shapes.Shape, error) {
	if condition.DType != dtypes.Bool {
		return shapes.Invalid(), errors.Errorf("Where condition must be Bool, got %s", condition)
	}
	if onTrue.DType != onFalse.DType {
		return shapes.Invalid(), errors.Errorf("Where branches must share a dtype, got %s and %s", onTrue, onFalse)
	}
	output, err := BroadcastShapes(solver, onTrue, onFalse)
	if err != nil {
		return shapes.Invalid(), err
	}
	condAsValue := condition.Clone()
	condAsValue.DType = output.DType
	return BroadcastShapes(solver, output, condAsValue)
}

// ReduceOp returns the shape of a reduction (ReduceSum, ReduceMax, ReduceMin)
// of the operand over the given axes: the reduced axes are removed. An empty
// axes list reduces all axes, yielding a scalar. The operand must have a
// known rank.
func ReduceOp(solver *Solver, operand shapes.Shape, axes []int) (shapes.Shape, error) {
	if operand.Unranked {
		return shapes.Invalid(), errors.Wrapf(ErrShapeUnderdetermined,
			"cannot reduce an unknown-rank operand (%s)", operand)
	}
	if len(axes) == 0 {
		return shapes.Of(operand.DType), nil
	}
	operand = solver.Resolve(operand)
	reduced := make([]bool, operand.Rank())
	for _, axis := range axes {
		adjusted := shapes.AdjustAxisToRank(axis, operand.Rank())
		if adjusted < 0 || adjusted >= operand.Rank() {
			return shapes.Invalid(), errors.Errorf("reduce axis %d out-of-range for %s", axis, operand)
		}
		if reduced[adjusted] {
			return shapes.Invalid(), errors.Errorf("reduce axis %d repeated for %s", axis, operand)
		}
		reduced[adjusted] = true
	}
	output := shapes.Shape{DType: operand.DType}
	for axis, dim := range operand.Dimensions {
		if !reduced[axis] {
			output.Dimensions = append(output.Dimensions, dim)
		}
	}
	return output, nil
}

// ReshapeOp checks a reshape of operand to the given (all known) dimensions.
// When the operand is fully known, the total sizes must match; an operand
// with open dimension variables defers the size check to graph finalization.
func ReshapeOp(solver *Solver, operand shapes.Shape, dimensions []int) (shapes.Shape, error) {
	for _, dim := range dimensions {
		if !shapes.IsKnown(dim) {
			return shapes.Invalid(), errors.Errorf("Reshape target dimensions must be known and positive, got %v", dimensions)
		}
	}
	output := shapes.Make(operand.DType, dimensions...)
	operand = solver.Resolve(operand)
	if operand.IsFullyKnown() && operand.Size() != output.Size() {
		return shapes.Invalid(), errors.Wrapf(ErrDimensionMismatch,
			"cannot reshape %s (%d elements) to %v (%d elements)", operand, operand.Size(), dimensions, output.Size())
	}
	return output, nil
}

// TransposeOp returns the shape of operand with its axes permuted:
// output axis i takes the operand dimension permutation[i].
func TransposeOp(solver *Solver, operand shapes.Shape, permutation []int) (shapes.Shape, error) {
	if operand.Unranked {
		return shapes.Invalid(), errors.Wrapf(ErrShapeUnderdetermined,
			"cannot transpose an unknown-rank operand (%s)", operand)
	}
	if len(permutation) != operand.Rank() {
		return shapes.Invalid(), errors.Errorf("Transpose permutation %v must have one entry per axis of %s",
			permutation, operand)
	}
	operand = solver.Resolve(operand)
	seen := make([]bool, operand.Rank())
	output := shapes.Shape{DType: operand.DType, Dimensions: make([]int, operand.Rank())}
	for axis, source := range permutation {
		if source < 0 || source >= operand.Rank() || seen[source] {
			return shapes.Invalid(), errors.Errorf("invalid Transpose permutation %v for %s", permutation, operand)
		}
		seen[source] = true
		output.Dimensions[axis] = operand.Dimensions[source]
	}
	return output, nil
}

// BroadcastToOp checks an explicit broadcast of operand to the target
// dimensions: the operand must be a scalar, or have the same rank with each
// axis either matching (unified) or of dimension 1.
func BroadcastToOp(solver *Solver, operand shapes.Shape, dimensions []int) (shapes.Shape, error) {
	output := shapes.Shape{DType: operand.DType, Dimensions: slices.Clone(dimensions)}
	if operand.IsScalar() {
		return output, nil
	}
	if operand.Unranked {
		return output, nil
	}
	if operand.Rank() != len(dimensions) {
		return shapes.Invalid(), errors.Wrapf(ErrRankMismatch,
			"cannot broadcast %s to dimensions %v", operand, dimensions)
	}
	operand = solver.Resolve(operand)
	for axis, dim := range operand.Dimensions {
		if dim == 1 {
			continue
		}
		unified, err := solver.UnifyDims(dim, dimensions[axis])
		if err != nil {
			return shapes.Invalid(), errors.WithMessagef(err,
				"cannot broadcast %s to dimensions %v (axis %d)", operand, dimensions, axis)
		}
		output.Dimensions[axis] = unified
	}
	return output, nil
}

// ConcatenateOp returns the shape of concatenating the operands along the
// given axis. All non-concatenation dimensions unify pairwise; the
// concatenation dimension is the sum when all are known, and a fresh
// dimension variable otherwise (a sum over open variables cannot be
// represented, so it stays open until the operands resolve -- and then only
// dynamically; Compile will reject it if still open).
func ConcatenateOp(solver *Solver, operands []shapes.Shape, axis int) (shapes.Shape, error) {
	if len(operands) == 0 {
		return shapes.Invalid(), errors.Errorf("Concatenate requires at least one operand")
	}
	first := solver.Resolve(operands[0])
	if first.Unranked {
		return shapes.Invalid(), errors.Wrapf(ErrShapeUnderdetermined,
			"cannot concatenate unknown-rank operand (%s)", first)
	}
	adjusted := shapes.AdjustAxisToRank(axis, first.Rank())
	if adjusted < 0 || adjusted >= first.Rank() {
		return shapes.Invalid(), errors.Errorf("Concatenate axis %d out-of-range for %s", axis, first)
	}
	output := first.Clone()
	concatDim := first.Dimensions[adjusted]
	allKnown := shapes.IsKnown(concatDim)
	total := concatDim
	for _, operand := range operands[1:] {
		operand = solver.Resolve(operand)
		if operand.DType != first.DType {
			return shapes.Invalid(), errors.Errorf("Concatenate operands must share a dtype, got %s and %s", first, operand)
		}
		if operand.Unranked || operand.Rank() != first.Rank() {
			return shapes.Invalid(), errors.Wrapf(ErrRankMismatch,
				"Concatenate operands must share a rank, got %s and %s", first, operand)
		}
		for otherAxis := range output.Dimensions {
			if otherAxis == adjusted {
				continue
			}
			dim, err := solver.UnifyDims(output.Dimensions[otherAxis], operand.Dimensions[otherAxis])
			if err != nil {
				return shapes.Invalid(), errors.WithMessagef(err,
					"Concatenate operands disagree on axis %d (%s vs %s)", otherAxis, first, operand)
			}
			output.Dimensions[otherAxis] = dim
		}
		if !shapes.IsKnown(operand.Dimensions[adjusted]) {
			allKnown = false
		} else if allKnown {
			total += operand.Dimensions[adjusted]
		}
	}
	if allKnown {
		output.Dimensions[adjusted] = total
	} else {
		output.Dimensions[adjusted] = solver.NewDimVar()
	}
	return output, nil
}

// SliceOp returns the shape of slicing operand with the given starts, limits
// and strides, one per axis. The sliced axes must already be resolved to
// known dimensions.
func SliceOp(solver *Solver, operand shapes.Shape, starts, limits, strides []int) (shapes.Shape, error) {
	if operand.Unranked {
		return shapes.Invalid(), errors.Wrapf(ErrShapeUnderdetermined,
			"cannot slice an unknown-rank operand (%s)", operand)
	}
	rank := operand.Rank()
	if len(starts) != rank || len(limits) != rank || len(strides) != rank {
		return shapes.Invalid(), errors.Errorf(
			"Slice requires starts/limits/strides with one entry per axis of %s, got %v/%v/%v",
			operand, starts, limits, strides)
	}
	operand = solver.Resolve(operand)
	output := shapes.Shape{DType: operand.DType, Dimensions: make([]int, rank)}
	for axis := range rank {
		dim := operand.Dimensions[axis]
		if !shapes.IsKnown(dim) {
			return shapes.Invalid(), errors.Wrapf(ErrShapeUnderdetermined,
				"cannot slice axis %d of %s before its dimension resolves", axis, operand)
		}
		start, limit, stride := starts[axis], limits[axis], strides[axis]
		if stride <= 0 {
			return shapes.Invalid(), errors.Errorf("Slice stride must be positive, got %d for axis %d", stride, axis)
		}
		if start < 0 || limit > dim || start >= limit {
			return shapes.Invalid(), errors.Errorf(
				"invalid Slice range [%d:%d] for axis %d of %s", start, limit, axis, operand)
		}
		output.Dimensions[axis] = (limit - start + stride - 1) / stride
	}
	return output, nil
}

// ReverseOp returns the operand shape: reversing elements along axes does not
// change it. It validates the axes.
func ReverseOp(operand shapes.Shape, axes []int) (shapes.Shape, error) {
	if operand.Unranked {
		return shapes.Invalid(), errors.Wrapf(ErrShapeUnderdetermined,
			"cannot reverse an unknown-rank operand (%s)", operand)
	}
	for _, axis := range axes {
		adjusted := shapes.AdjustAxisToRank(axis, operand.Rank())
		if adjusted < 0 || adjusted >= operand.Rank() {
			return shapes.Invalid(), errors.Errorf("Reverse axis %d out-of-range for %s", axis, operand)
		}
	}
	return operand, nil
}

// DotOp returns the shape of a dot product, following the rank of the
// operands: vector·vector is a scalar, matrix·vector a vector, and
// matrix·matrix a matrix. The contracted dimensions are unified.
func DotOp(solver *Solver, lhs, rhs shapes.Shape) (shapes.Shape, error) {
	if lhs.DType != rhs.DType {
		return shapes.Invalid(), errors.Errorf("Dot operands must share a dtype, got %s and %s", lhs, rhs)
	}
	if lhs.Unranked || rhs.Unranked {
		return shapes.Invalid(), errors.Wrapf(ErrShapeUnderdetermined,
			"Dot requires known-rank operands, got %s and %s", lhs, rhs)
	}
	lhs, rhs = solver.Resolve(lhs), solver.Resolve(rhs)
	contract := func(a, b int) error {
		_, err := solver.UnifyDims(a, b)
		if err != nil {
			return errors.WithMessagef(err, "Dot contraction dimensions of %s and %s", lhs, rhs)
		}
		return nil
	}
	switch {
	case lhs.Rank() == 1 && rhs.Rank() == 1:
		if err := contract(lhs.Dimensions[0], rhs.Dimensions[0]); err != nil {
			return shapes.Invalid(), err
		}
		return shapes.Of(lhs.DType), nil
	case lhs.Rank() == 2 && rhs.Rank() == 1:
		if err := contract(lhs.Dimensions[1], rhs.Dimensions[0]); err != nil {
			return shapes.Invalid(), err
		}
		return shapes.Shape{DType: lhs.DType, Dimensions: []int{solver.ResolveDim(lhs.Dimensions[0])}}, nil
	case lhs.Rank() == 2 && rhs.Rank() == 2:
		if err := contract(lhs.Dimensions[1], rhs.Dimensions[0]); err != nil {
			return shapes.Invalid(), err
		}
		return shapes.Shape{DType: lhs.DType,
			Dimensions: []int{solver.ResolveDim(lhs.Dimensions[0]), solver.ResolveDim(rhs.Dimensions[1])}}, nil
	}
	return shapes.Invalid(), errors.Errorf("Dot accepts vector·vector, matrix·vector or matrix·matrix, got %s and %s", lhs, rhs)
}

// ConvertOp returns the operand shape with the new dtype.
func ConvertOp(operand shapes.Shape, dtype dtypes.DType) (shapes.Shape, error) {
	if dtype == dtypes.InvalidDType {
		return shapes.Invalid(), errors.Errorf("ConvertDType to an invalid dtype from %s", operand)
	}
	output := operand.Clone()
	output.DType = dtype
	return output, nil
}

// IotaOp validates an Iota of the given shape counting along the given axis.
func IotaOp(shape shapes.Shape, axis int) (shapes.Shape, error) {
	if shape.Unranked || shape.IsScalar() {
		return shapes.Invalid(), errors.Errorf("Iota requires a ranked, non-scalar shape, got %s", shape)
	}
	adjusted := shapes.AdjustAxisToRank(axis, shape.Rank())
	if adjusted < 0 || adjusted >= shape.Rank() {
		return shapes.Invalid(), errors.Errorf("Iota axis %d out-of-range for %s", axis, shape)
	}
	return shape, nil
}

// Copyright 2026 The Symflow Authors. SPDX-License-Identifier: Apache-2.0

package purego

import (
	"math"

	"github.com/pkg/errors"
	"github.com/x448/float16"

	"github.com/symflow/symflow/backends"
	"github.com/symflow/symflow/internal/workerspool"
	"github.com/symflow/symflow/types/shapes"
)

// broadcastStrides returns, for each output axis, the stride into the operand
// flat data, aligning the operand's axes to the trailing axes of the output.
// Missing leading axes and size-1 axes get stride 0, so they broadcast.
func broadcastStrides(operand, output shapes.Shape) []int {
	outRank := output.Rank()
	strides := make([]int, outRank)
	opRank := operand.Rank()
	stride := 1
	for opAxis := opRank - 1; opAxis >= 0; opAxis-- {
		outAxis := opAxis + (outRank - opRank)
		if operand.Dimensions[opAxis] != 1 {
			strides[outAxis] = stride
		}
		stride *= operand.Dimensions[opAxis]
	}
	return strides
}

// broadcastLoop iterates over every position of the output dimensions,
// advancing lhs/rhs flat indices by their per-axis strides, and stores
// fn(lhs, rhs) elementwise. Large outputs are split into chunks run on the
// workers pool, each chunk reseeding its counters from its flat start index.
func broadcastLoop[T, O any](workers *workerspool.Pool, out []O, lhs, rhs []T, dims, lhsStrides, rhsStrides []int, fn func(a, b T) O) {
	rank := len(dims)
	if rank == 0 {
		out[0] = fn(lhs[0], rhs[0])
		return
	}
	workers.ParallelFor(len(out), minParallelChunk, func(start, end int) {
		// Decompose the flat start index into row-major counters.
		counters := make([]int, rank)
		lhsIdx, rhsIdx := 0, 0
		remainder := start
		for axis := rank - 1; axis >= 0; axis-- {
			counters[axis] = remainder % dims[axis]
			remainder /= dims[axis]
			lhsIdx += counters[axis] * lhsStrides[axis]
			rhsIdx += counters[axis] * rhsStrides[axis]
		}
		for i := start; i < end; i++ {
			out[i] = fn(lhs[lhsIdx], rhs[rhsIdx])
			for axis := rank - 1; axis >= 0; axis-- {
				counters[axis]++
				lhsIdx += lhsStrides[axis]
				rhsIdx += rhsStrides[axis]
				if counters[axis] < dims[axis] {
					break
				}
				counters[axis] = 0
				lhsIdx -= lhsStrides[axis] * dims[axis]
				rhsIdx -= rhsStrides[axis] * dims[axis]
			}
		}
	})
}

func binaryFuncFloat[T float32 | float64](opType backends.OpType) func(a, b T) T {
	switch opType {
	case backends.OpTypeAdd:
		return func(a, b T) T { return a + b }
	case backends.OpTypeSub:
		return func(a, b T) T { return a - b }
	case backends.OpTypeMul:
		return func(a, b T) T { return a * b }
	case backends.OpTypeDiv:
		return func(a, b T) T { return a / b }
	case backends.OpTypePow:
		return func(a, b T) T { return T(math.Pow(float64(a), float64(b))) }
	case backends.OpTypeMax:
		return func(a, b T) T { return max(a, b) }
	case backends.OpTypeMin:
		return func(a, b T) T { return min(a, b) }
	}
	return nil
}

func binaryFuncInt[T int32 | int64](opType backends.OpType) func(a, b T) T {
	switch opType {
	case backends.OpTypeAdd:
		return func(a, b T) T { return a + b }
	case backends.OpTypeSub:
		return func(a, b T) T { return a - b }
	case backends.OpTypeMul:
		return func(a, b T) T { return a * b }
	case backends.OpTypeDiv:
		return func(a, b T) T { return a / b }
	case backends.OpTypePow:
		return intPow[T]
	case backends.OpTypeMax:
		return func(a, b T) T { return max(a, b) }
	case backends.OpTypeMin:
		return func(a, b T) T { return min(a, b) }
	}
	return nil
}

// intPow by squaring. Negative exponents yield 0 (integer division
// semantics), except for base 1 and -1.
func intPow[T int32 | int64](base, exp T) T {
	if exp < 0 {
		switch base {
		case 1:
			return 1
		case -1:
			if exp%2 == 0 {
				return 1
			}
			return -1
		}
		return 0
	}
	result := T(1)
	for exp > 0 {
		if exp&1 == 1 {
			result *= base
		}
		base *= base
		exp >>= 1
	}
	return result
}

func (e *Executable) execBinary(node *Node, lhs, rhs *Buffer) (*Buffer, error) {
	out := e.backend.getBuffer(node.shape)
	dims := node.shape.Dimensions
	lhsStrides := broadcastStrides(lhs.shape, node.shape)
	rhsStrides := broadcastStrides(rhs.shape, node.shape)
	switch lhsFlat := lhs.flat.(type) {
	case []float32:
		fn := binaryFuncFloat[float32](node.opType)
		broadcastLoop(e.backend.workers, out.flat.([]float32), lhsFlat, rhs.flat.([]float32), dims, lhsStrides, rhsStrides, fn)
	case []float64:
		fn := binaryFuncFloat[float64](node.opType)
		broadcastLoop(e.backend.workers, out.flat.([]float64), lhsFlat, rhs.flat.([]float64), dims, lhsStrides, rhsStrides, fn)
	case []float16.Float16:
		fn := binaryFuncFloat[float32](node.opType)
		promoted := make([]float32, len(out.flat.([]float16.Float16)))
		broadcastLoop(e.backend.workers, promoted, float16ToFloat32(lhsFlat), float16ToFloat32(rhs.flat.([]float16.Float16)),
			dims, lhsStrides, rhsStrides, fn)
		float32ToFloat16(out.flat.([]float16.Float16), promoted)
	case []int32:
		fn := binaryFuncInt[int32](node.opType)
		broadcastLoop(e.backend.workers, out.flat.([]int32), lhsFlat, rhs.flat.([]int32), dims, lhsStrides, rhsStrides, fn)
	case []int64:
		fn := binaryFuncInt[int64](node.opType)
		broadcastLoop(e.backend.workers, out.flat.([]int64), lhsFlat, rhs.flat.([]int64), dims, lhsStrides, rhsStrides, fn)
	default:
		e.backend.putBuffer(out)
		return nil, errors.Errorf("%s is not defined for dtype %s", node.opType, lhs.shape.DType)
	}
	return out, nil
}

func comparisonFunc[T int32 | int64 | float32 | float64](opType backends.OpType) func(a, b T) bool {
	switch opType {
	case backends.OpTypeEqual:
		return func(a, b T) bool { return a == b }
	case backends.OpTypeNotEqual:
		return func(a, b T) bool { return a != b }
	case backends.OpTypeGreaterThan:
		return func(a, b T) bool { return a > b }
	case backends.OpTypeGreaterOrEqual:
		return func(a, b T) bool { return a >= b }
	case backends.OpTypeLessThan:
		return func(a, b T) bool { return a < b }
	case backends.OpTypeLessOrEqual:
		return func(a, b T) bool { return a <= b }
	}
	return nil
}

func (e *Executable) execComparison(node *Node, lhs, rhs *Buffer) (*Buffer, error) {
	out := e.backend.getBuffer(node.shape)
	outFlat := out.flat.([]bool)
	dims := node.shape.Dimensions
	lhsStrides := broadcastStrides(lhs.shape, node.shape)
	rhsStrides := broadcastStrides(rhs.shape, node.shape)
	switch lhsFlat := lhs.flat.(type) {
	case []float32:
		broadcastLoop(e.backend.workers, outFlat, lhsFlat, rhs.flat.([]float32), dims, lhsStrides, rhsStrides, comparisonFunc[float32](node.opType))
	case []float64:
		broadcastLoop(e.backend.workers, outFlat, lhsFlat, rhs.flat.([]float64), dims, lhsStrides, rhsStrides, comparisonFunc[float64](node.opType))
	case []float16.Float16:
		broadcastLoop(e.backend.workers, outFlat, float16ToFloat32(lhsFlat), float16ToFloat32(rhs.flat.([]float16.Float16)),
			dims, lhsStrides, rhsStrides, comparisonFunc[float32](node.opType))
	case []int32:
		broadcastLoop(e.backend.workers, outFlat, lhsFlat, rhs.flat.([]int32), dims, lhsStrides, rhsStrides, comparisonFunc[int32](node.opType))
	case []int64:
		broadcastLoop(e.backend.workers, outFlat, lhsFlat, rhs.flat.([]int64), dims, lhsStrides, rhsStrides, comparisonFunc[int64](node.opType))
	case []bool:
		var fn func(a, b bool) bool
		switch node.opType {
		case backends.OpTypeEqual:
			fn = func(a, b bool) bool { return a == b }
		case backends.OpTypeNotEqual:
			fn = func(a, b bool) bool { return a != b }
		default:
			e.backend.putBuffer(out)
			return nil, errors.Errorf("%s is not defined for dtype Bool", node.opType)
		}
		broadcastLoop(e.backend.workers, outFlat, lhsFlat, rhs.flat.([]bool), dims, lhsStrides, rhsStrides, fn)
	default:
		e.backend.putBuffer(out)
		return nil, errors.Errorf("%s is not defined for dtype %s", node.opType, lhs.shape.DType)
	}
	return out, nil
}

// execWhere selects elementwise from onTrue/onFalse, broadcasting all three
// operands against the output shape.
func (e *Executable) execWhere(node *Node, condition, onTrue, onFalse *Buffer) (*Buffer, error) {
	out := e.backend.getBuffer(node.shape)
	dims := node.shape.Dimensions
	condStrides := broadcastStrides(condition.shape, node.shape)
	trueStrides := broadcastStrides(onTrue.shape, node.shape)
	falseStrides := broadcastStrides(onFalse.shape, node.shape)
	condFlat := condition.flat.([]bool)
	switch trueFlat := onTrue.flat.(type) {
	case []float32:
		whereLoop(out.flat.([]float32), condFlat, trueFlat, onFalse.flat.([]float32), dims, condStrides, trueStrides, falseStrides)
	case []float64:
		whereLoop(out.flat.([]float64), condFlat, trueFlat, onFalse.flat.([]float64), dims, condStrides, trueStrides, falseStrides)
	case []float16.Float16:
		whereLoop(out.flat.([]float16.Float16), condFlat, trueFlat, onFalse.flat.([]float16.Float16), dims, condStrides, trueStrides, falseStrides)
	case []int32:
		whereLoop(out.flat.([]int32), condFlat, trueFlat, onFalse.flat.([]int32), dims, condStrides, trueStrides, falseStrides)
	case []int64:
		whereLoop(out.flat.([]int64), condFlat, trueFlat, onFalse.flat.([]int64), dims, condStrides, trueStrides, falseStrides)
	case []bool:
		whereLoop(out.flat.([]bool), condFlat, trueFlat, onFalse.flat.([]bool), dims, condStrides, trueStrides, falseStrides)
	default:
		e.backend.putBuffer(out)
		return nil, errors.Errorf("Where is not defined for dtype %s", onTrue.shape.DType)
	}
	return out, nil
}

func whereLoop[T any](out []T, cond []bool, onTrue, onFalse []T, dims, condStrides, trueStrides, falseStrides []int) {
	rank := len(dims)
	if rank == 0 {
		if cond[0] {
			out[0] = onTrue[0]
		} else {
			out[0] = onFalse[0]
		}
		return
	}
	counters := make([]int, rank)
	condIdx, trueIdx, falseIdx := 0, 0, 0
	for i := range out {
		if cond[condIdx] {
			out[i] = onTrue[trueIdx]
		} else {
			out[i] = onFalse[falseIdx]
		}
		for axis := rank - 1; axis >= 0; axis-- {
			counters[axis]++
			condIdx += condStrides[axis]
			trueIdx += trueStrides[axis]
			falseIdx += falseStrides[axis]
			if counters[axis] < dims[axis] {
				break
			}
			counters[axis] = 0
			condIdx -= condStrides[axis] * dims[axis]
			trueIdx -= trueStrides[axis] * dims[axis]
			falseIdx -= falseStrides[axis] * dims[axis]
		}
	}
}

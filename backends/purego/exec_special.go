// Copyright 2026 The Symflow Authors. SPDX-License-Identifier: Apache-2.0

package purego

import (
	"math"

	"github.com/pkg/errors"
	"github.com/x448/float16"

	"github.com/symflow/symflow/backends"
	"github.com/symflow/symflow/types/shapes"
)

// rowMajorStrides of a fully known shape.
func rowMajorStrides(shape shapes.Shape) []int {
	rank := shape.Rank()
	strides := make([]int, rank)
	stride := 1
	for axis := rank - 1; axis >= 0; axis-- {
		strides[axis] = stride
		stride *= shape.Dimensions[axis]
	}
	return strides
}

// gather copies in[mapping[i]] to out[i].
func gather[T any](out, in []T, mapping []int) {
	for i, j := range mapping {
		out[i] = in[j]
	}
}

// gatherFlat dispatches gather on the dtype of the flat slices. out and in
// must be slices of the same element type.
func gatherFlat(out, in any, mapping []int) {
	switch inFlat := in.(type) {
	case []bool:
		gather(out.([]bool), inFlat, mapping)
	case []int32:
		gather(out.([]int32), inFlat, mapping)
	case []int64:
		gather(out.([]int64), inFlat, mapping)
	case []float16.Float16:
		gather(out.([]float16.Float16), inFlat, mapping)
	case []float32:
		gather(out.([]float32), inFlat, mapping)
	case []float64:
		gather(out.([]float64), inFlat, mapping)
	}
}

// indexMapping builds, for each flat output position, the flat input position
// it reads from, given per-output-axis input strides and start offset.
func indexMapping(outDims, inStrides []int, offset int) []int {
	size := 1
	for _, dim := range outDims {
		size *= dim
	}
	mapping := make([]int, size)
	rank := len(outDims)
	if rank == 0 {
		mapping[0] = offset
		return mapping
	}
	counters := make([]int, rank)
	inIdx := offset
	for i := range mapping {
		mapping[i] = inIdx
		for axis := rank - 1; axis >= 0; axis-- {
			counters[axis]++
			inIdx += inStrides[axis]
			if counters[axis] < outDims[axis] {
				break
			}
			counters[axis] = 0
			inIdx -= inStrides[axis] * outDims[axis]
		}
	}
	return mapping
}

func (e *Executable) execTranspose(node *Node, input *Buffer) (*Buffer, error) {
	out := e.backend.getBuffer(node.shape)
	permutation := node.data.(*nodeAxes).axes
	inStrides := rowMajorStrides(input.shape)
	// Output axis i reads input axis permutation[i].
	outStrides := make([]int, len(permutation))
	for outAxis, inAxis := range permutation {
		outStrides[outAxis] = inStrides[inAxis]
	}
	gatherFlat(out.flat, input.flat, indexMapping(node.shape.Dimensions, outStrides, 0))
	return out, nil
}

func (e *Executable) execReverse(node *Node, input *Buffer) (*Buffer, error) {
	out := e.backend.getBuffer(node.shape)
	strides := rowMajorStrides(input.shape)
	offset := 0
	for _, axis := range node.data.(*nodeAxes).axes {
		// Reversed axes walk backwards from their last position.
		offset += strides[axis] * (input.shape.Dimensions[axis] - 1)
		strides[axis] = -strides[axis]
	}
	gatherFlat(out.flat, input.flat, indexMapping(node.shape.Dimensions, strides, offset))
	return out, nil
}

func (e *Executable) execSlice(node *Node, input *Buffer) (*Buffer, error) {
	out := e.backend.getBuffer(node.shape)
	params := node.data.(*nodeSlice)
	inStrides := rowMajorStrides(input.shape)
	offset := 0
	strides := make([]int, len(inStrides))
	for axis, inStride := range inStrides {
		offset += params.starts[axis] * inStride
		strides[axis] = inStride * params.strides[axis]
	}
	gatherFlat(out.flat, input.flat, indexMapping(node.shape.Dimensions, strides, offset))
	return out, nil
}

func (e *Executable) execBroadcast(node *Node, input *Buffer) (*Buffer, error) {
	out := e.backend.getBuffer(node.shape)
	strides := broadcastStrides(input.shape, node.shape)
	gatherFlat(out.flat, input.flat, indexMapping(node.shape.Dimensions, strides, 0))
	return out, nil
}

func (e *Executable) execConcatenate(node *Node, inputs []*Buffer) (*Buffer, error) {
	out := e.backend.getBuffer(node.shape)
	axis := node.data.(*nodeAxes).axes[0]
	outStrides := rowMajorStrides(node.shape)
	axisOffset := 0
	for _, input := range inputs {
		// Each operand fills out[..., axisOffset:axisOffset+dim, ...]: build
		// the output position each of its flat elements lands on.
		mapping := make([]int, input.shape.Size())
		counters := make([]int, input.shape.Rank())
		outIdx := axisOffset * outStrides[axis]
		for i := range mapping {
			mapping[i] = outIdx
			for a := input.shape.Rank() - 1; a >= 0; a-- {
				counters[a]++
				outIdx += outStrides[a]
				if counters[a] < input.shape.Dimensions[a] {
					break
				}
				counters[a] = 0
				outIdx -= outStrides[a] * input.shape.Dimensions[a]
			}
		}
		scatterFlat(out.flat, input.flat, mapping)
		axisOffset += input.shape.Dimensions[axis]
	}
	return out, nil
}

// scatter copies in[i] to out[mapping[i]].
func scatter[T any](out, in []T, mapping []int) {
	for i, j := range mapping {
		out[j] = in[i]
	}
}

func scatterFlat(out, in any, mapping []int) {
	switch inFlat := in.(type) {
	case []bool:
		scatter(out.([]bool), inFlat, mapping)
	case []int32:
		scatter(out.([]int32), inFlat, mapping)
	case []int64:
		scatter(out.([]int64), inFlat, mapping)
	case []float16.Float16:
		scatter(out.([]float16.Float16), inFlat, mapping)
	case []float32:
		scatter(out.([]float32), inFlat, mapping)
	case []float64:
		scatter(out.([]float64), inFlat, mapping)
	}
}

func (e *Executable) execIota(node *Node) (*Buffer, error) {
	out := e.backend.getBuffer(node.shape)
	axis := node.data.(*nodeIota).axis
	strides := rowMajorStrides(node.shape)
	stride, dim := strides[axis], node.shape.Dimensions[axis]
	counts := make([]int, node.shape.Size())
	for i := range counts {
		counts[i] = (i / stride) % dim
	}
	switch outFlat := out.flat.(type) {
	case []int32:
		for i, v := range counts {
			outFlat[i] = int32(v)
		}
	case []int64:
		for i, v := range counts {
			outFlat[i] = int64(v)
		}
	case []float16.Float16:
		for i, v := range counts {
			outFlat[i] = float16.Fromfloat32(float32(v))
		}
	case []float32:
		for i, v := range counts {
			outFlat[i] = float32(v)
		}
	case []float64:
		for i, v := range counts {
			outFlat[i] = float64(v)
		}
	default:
		e.backend.putBuffer(out)
		return nil, errors.Errorf("Iota is not defined for dtype %s", node.shape.DType)
	}
	return out, nil
}

// execConvertDType converts elementwise between dtypes, going through
// float64. Bool converts to 0/1, and to Bool anything non-zero is true.
func (e *Executable) execConvertDType(node *Node, input *Buffer) (*Buffer, error) {
	out := e.backend.getBuffer(node.shape)
	values := make([]float64, input.shape.Size())
	switch inFlat := input.flat.(type) {
	case []bool:
		for i, v := range inFlat {
			if v {
				values[i] = 1
			}
		}
	case []int32:
		for i, v := range inFlat {
			values[i] = float64(v)
		}
	case []int64:
		for i, v := range inFlat {
			values[i] = float64(v)
		}
	case []float16.Float16:
		for i, v := range inFlat {
			values[i] = float64(v.Float32())
		}
	case []float32:
		for i, v := range inFlat {
			values[i] = float64(v)
		}
	case []float64:
		copy(values, inFlat)
	default:
		e.backend.putBuffer(out)
		return nil, errors.Errorf("ConvertDType from dtype %s is not supported", input.shape.DType)
	}
	switch outFlat := out.flat.(type) {
	case []bool:
		for i, v := range values {
			outFlat[i] = v != 0
		}
	case []int32:
		for i, v := range values {
			outFlat[i] = int32(v)
		}
	case []int64:
		for i, v := range values {
			outFlat[i] = int64(v)
		}
	case []float16.Float16:
		for i, v := range values {
			outFlat[i] = float16.Fromfloat32(float32(v))
		}
	case []float32:
		for i, v := range values {
			outFlat[i] = float32(v)
		}
	case []float64:
		copy(outFlat, values)
	default:
		e.backend.putBuffer(out)
		return nil, errors.Errorf("ConvertDType to dtype %s is not supported", node.shape.DType)
	}
	return out, nil
}

// reduceLoop combines input elements into their output position. outStrides
// has one entry per input axis; reduced axes get stride 0.
func reduceLoop[T any](out, in []T, inDims, outStrides []int, combine func(a, b T) T) {
	rank := len(inDims)
	if rank == 0 {
		out[0] = combine(out[0], in[0])
		return
	}
	counters := make([]int, rank)
	outIdx := 0
	for _, v := range in {
		out[outIdx] = combine(out[outIdx], v)
		for axis := rank - 1; axis >= 0; axis-- {
			counters[axis]++
			outIdx += outStrides[axis]
			if counters[axis] < inDims[axis] {
				break
			}
			counters[axis] = 0
			outIdx -= outStrides[axis] * inDims[axis]
		}
	}
}

func reduceNumeric[T int32 | int64 | float32 | float64](opType backends.OpType, neutral T, out, in []T, inDims, outStrides []int) {
	for i := range out {
		out[i] = neutral
	}
	var combine func(a, b T) T
	switch opType {
	case backends.OpTypeReduceSum:
		combine = func(a, b T) T { return a + b }
	case backends.OpTypeReduceMax:
		combine = func(a, b T) T { return max(a, b) }
	case backends.OpTypeReduceMin:
		combine = func(a, b T) T { return min(a, b) }
	}
	reduceLoop(out, in, inDims, outStrides, combine)
}

func (e *Executable) execReduce(node *Node, input *Buffer) (*Buffer, error) {
	out := e.backend.getBuffer(node.shape)
	axes := node.data.(*nodeAxes).axes
	reduced := make([]bool, input.shape.Rank())
	for _, axis := range axes {
		reduced[axis] = true
	}
	// Strides into the output, indexed by input axis; reduced axes don't
	// advance the output position.
	outStrides := make([]int, input.shape.Rank())
	stride := 1
	for axis := input.shape.Rank() - 1; axis >= 0; axis-- {
		if !reduced[axis] {
			outStrides[axis] = stride
			stride *= input.shape.Dimensions[axis]
		}
	}
	inDims := input.shape.Dimensions
	opType := node.opType
	switch inFlat := input.flat.(type) {
	case []int32:
		reduceNumeric(opType, reduceNeutralInt[int32](opType), out.flat.([]int32), inFlat, inDims, outStrides)
	case []int64:
		reduceNumeric(opType, reduceNeutralInt[int64](opType), out.flat.([]int64), inFlat, inDims, outStrides)
	case []float32:
		reduceNumeric(opType, reduceNeutralFloat[float32](opType), out.flat.([]float32), inFlat, inDims, outStrides)
	case []float64:
		reduceNumeric(opType, reduceNeutralFloat[float64](opType), out.flat.([]float64), inFlat, inDims, outStrides)
	case []float16.Float16:
		promoted := make([]float32, node.shape.Size())
		reduceNumeric(opType, reduceNeutralFloat[float32](opType), promoted, float16ToFloat32(inFlat), inDims, outStrides)
		float32ToFloat16(out.flat.([]float16.Float16), promoted)
	default:
		e.backend.putBuffer(out)
		return nil, errors.Errorf("%s is not defined for dtype %s", opType, input.shape.DType)
	}
	return out, nil
}

func reduceNeutralFloat[T float32 | float64](opType backends.OpType) T {
	switch opType {
	case backends.OpTypeReduceMax:
		return T(math.Inf(-1))
	case backends.OpTypeReduceMin:
		return T(math.Inf(1))
	}
	return 0
}

func reduceNeutralInt[T int32 | int64](opType backends.OpType) T {
	var minValue, maxValue T
	switch any(minValue).(type) {
	case int32:
		minValue, maxValue = T(math.MinInt32), T(math.MaxInt32)
	case int64:
		var lo, hi int64 = math.MinInt64, math.MaxInt64
		minValue, maxValue = T(lo), T(hi)
	}
	switch opType {
	case backends.OpTypeReduceMax:
		return minValue
	case backends.OpTypeReduceMin:
		return maxValue
	}
	return 0
}

// dotLoop computes the dot product for the supported rank combinations:
// vector·vector, matrix·vector and matrix·matrix.
func dotLoop[T int32 | int64 | float32 | float64](out, lhs, rhs []T, lhsShape, rhsShape shapes.Shape) {
	switch {
	case lhsShape.Rank() == 1 && rhsShape.Rank() == 1:
		var acc T
		for i, v := range lhs {
			acc += v * rhs[i]
		}
		out[0] = acc
	case lhsShape.Rank() == 2 && rhsShape.Rank() == 1:
		rows, cols := lhsShape.Dimensions[0], lhsShape.Dimensions[1]
		for r := range rows {
			var acc T
			for c := range cols {
				acc += lhs[r*cols+c] * rhs[c]
			}
			out[r] = acc
		}
	default: // matrix·matrix
		rows, inner := lhsShape.Dimensions[0], lhsShape.Dimensions[1]
		cols := rhsShape.Dimensions[1]
		for r := range rows {
			for c := range cols {
				var acc T
				for k := range inner {
					acc += lhs[r*inner+k] * rhs[k*cols+c]
				}
				out[r*cols+c] = acc
			}
		}
	}
}

func (e *Executable) execDot(node *Node, lhs, rhs *Buffer) (*Buffer, error) {
	out := e.backend.getBuffer(node.shape)
	switch lhsFlat := lhs.flat.(type) {
	case []int32:
		dotLoop(out.flat.([]int32), lhsFlat, rhs.flat.([]int32), lhs.shape, rhs.shape)
	case []int64:
		dotLoop(out.flat.([]int64), lhsFlat, rhs.flat.([]int64), lhs.shape, rhs.shape)
	case []float32:
		dotLoop(out.flat.([]float32), lhsFlat, rhs.flat.([]float32), lhs.shape, rhs.shape)
	case []float64:
		dotLoop(out.flat.([]float64), lhsFlat, rhs.flat.([]float64), lhs.shape, rhs.shape)
	case []float16.Float16:
		promoted := make([]float32, node.shape.Size())
		dotLoop(promoted, float16ToFloat32(lhsFlat), float16ToFloat32(rhs.flat.([]float16.Float16)), lhs.shape, rhs.shape)
		float32ToFloat16(out.flat.([]float16.Float16), promoted)
	default:
		e.backend.putBuffer(out)
		return nil, errors.Errorf("Dot is not defined for dtype %s", lhs.shape.DType)
	}
	return out, nil
}

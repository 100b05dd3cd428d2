// Copyright 2026 The Symflow Authors. SPDX-License-Identifier: Apache-2.0

package purego

import (
	"math"

	"github.com/pkg/errors"
	"github.com/x448/float16"

	"github.com/symflow/symflow/backends"
	"github.com/symflow/symflow/internal/workerspool"
)

// minParallelChunk is the smallest per-worker slice worth the goroutine
// overhead of splitting an elementwise loop.
const minParallelChunk = 4096

// unaryLoop applies fn elementwise, splitting large inputs across the
// workers pool.
func unaryLoop[T any](workers *workerspool.Pool, out, in []T, fn func(T) T) {
	workers.ParallelFor(len(in), minParallelChunk, func(start, end int) {
		for i := start; i < end; i++ {
			out[i] = fn(in[i])
		}
	})
}

// unaryFuncFloat returns the elementwise function for float operands.
func unaryFuncFloat[T float32 | float64](opType backends.OpType) func(T) T {
	switch opType {
	case backends.OpTypeNeg:
		return func(v T) T { return -v }
	case backends.OpTypeAbs:
		return func(v T) T {
			if v < 0 {
				return -v
			}
			return v
		}
	case backends.OpTypeSign:
		return func(v T) T {
			if v > 0 {
				return 1
			}
			if v < 0 {
				return -1
			}
			return 0
		}
	case backends.OpTypeExp:
		return func(v T) T { return T(math.Exp(float64(v))) }
	case backends.OpTypeLog:
		return func(v T) T { return T(math.Log(float64(v))) }
	case backends.OpTypeSqrt:
		return func(v T) T { return T(math.Sqrt(float64(v))) }
	case backends.OpTypeTanh:
		return func(v T) T { return T(math.Tanh(float64(v))) }
	case backends.OpTypeLogistic:
		return func(v T) T { return T(1.0 / (1.0 + math.Exp(-float64(v)))) }
	}
	return nil
}

// unaryFuncInt returns the elementwise function for integer operands, only
// defined for Neg, Abs and Sign.
func unaryFuncInt[T int32 | int64](opType backends.OpType) func(T) T {
	switch opType {
	case backends.OpTypeNeg:
		return func(v T) T { return -v }
	case backends.OpTypeAbs:
		return func(v T) T {
			if v < 0 {
				return -v
			}
			return v
		}
	case backends.OpTypeSign:
		return func(v T) T {
			if v > 0 {
				return 1
			}
			if v < 0 {
				return -1
			}
			return 0
		}
	}
	return nil
}

func (e *Executable) execUnary(node *Node, input *Buffer) (*Buffer, error) {
	workers := e.backend.workers
	out := e.backend.getBuffer(node.shape)
	switch in := input.flat.(type) {
	case []float32:
		fn := unaryFuncFloat[float32](node.opType)
		if fn == nil {
			break
		}
		unaryLoop(workers, out.flat.([]float32), in, fn)
		return out, nil
	case []float64:
		fn := unaryFuncFloat[float64](node.opType)
		if fn == nil {
			break
		}
		unaryLoop(workers, out.flat.([]float64), in, fn)
		return out, nil
	case []float16.Float16:
		fn := unaryFuncFloat[float32](node.opType)
		if fn == nil {
			break
		}
		promoted := float16ToFloat32(in)
		unaryLoop(workers, promoted, promoted, fn)
		float32ToFloat16(out.flat.([]float16.Float16), promoted)
		return out, nil
	case []int32:
		fn := unaryFuncInt[int32](node.opType)
		if fn == nil {
			break
		}
		unaryLoop(workers, out.flat.([]int32), in, fn)
		return out, nil
	case []int64:
		fn := unaryFuncInt[int64](node.opType)
		if fn == nil {
			break
		}
		unaryLoop(workers, out.flat.([]int64), in, fn)
		return out, nil
	case []bool:
		if node.opType == backends.OpTypeLogicalNot {
			unaryLoop(workers, out.flat.([]bool), in, func(v bool) bool { return !v })
			return out, nil
		}
	}
	e.backend.putBuffer(out)
	return nil, errors.Errorf("%s is not defined for dtype %s", node.opType, input.shape.DType)
}

func float16ToFloat32(in []float16.Float16) []float32 {
	out := make([]float32, len(in))
	for i, v := range in {
		out[i] = v.Float32()
	}
	return out
}

func float32ToFloat16(out []float16.Float16, in []float32) {
	for i, v := range in {
		out[i] = float16.Fromfloat32(v)
	}
}

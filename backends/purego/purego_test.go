// Copyright 2026 The Symflow Authors. SPDX-License-Identifier: Apache-2.0

package purego

import (
	"context"
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/symflow/symflow/backends"
	"github.com/symflow/symflow/types/shapes"
)

func newTestBackend(t *testing.T) *Backend {
	t.Helper()
	backend, err := New("")
	require.NoError(t, err)
	return backend.(*Backend)
}

// run compiles the single-output computation built by fn and executes it with
// the given flat inputs.
func run(t *testing.T, fn func(b backends.Builder) backends.Op, inputs ...*Buffer) *Buffer {
	t.Helper()
	backend := newTestBackend(t)
	builder := backend.Builder(t.Name())
	output := fn(builder)
	exec, err := builder.Compile(output)
	require.NoError(t, err)
	defer exec.Finalize()
	backendInputs := make([]backends.Buffer, len(inputs))
	for i, in := range inputs {
		backendInputs[i] = in
	}
	outputs, err := exec.Execute(context.Background(), backendInputs)
	require.NoError(t, err)
	require.Len(t, outputs, 1)
	return outputs[0].(*Buffer)
}

func bufferOf[T dtypes.Supported](t *testing.T, backend *Backend, flat []T, dims ...int) *Buffer {
	t.Helper()
	buf, err := backend.BufferFromFlatData(flat, shapes.Make(dtypes.FromGenericsType[T](), dims...))
	require.NoError(t, err)
	return buf.(*Buffer)
}

func flatOf[T dtypes.Supported](t *testing.T, buf *Buffer) []T {
	t.Helper()
	flat := make([]T, buf.shape.Size())
	require.NoError(t, (&Backend{}).BufferToFlatData(buf, flat))
	return flat
}

func TestExecuteArithmetic(t *testing.T) {
	backend := newTestBackend(t)
	x := bufferOf(t, backend, []float32{1, 2, 3, 4, 5, 6}, 2, 3)
	out := run(t, func(b backends.Builder) backends.Op {
		p := b.Parameter("x", shapes.Make(dtypes.Float32, 2, 3))
		c := b.Constant([]float32{10}, shapes.Of(dtypes.Float32))
		return b.Add(b.Mul(p, p), c)
	}, x)
	assert.Equal(t, []float32{11, 14, 19, 26, 35, 46}, flatOf[float32](t, out))
}

func TestExecuteBroadcasting(t *testing.T) {
	backend := newTestBackend(t)
	matrix := bufferOf(t, backend, []float64{1, 2, 3, 4, 5, 6}, 2, 3)
	row := bufferOf(t, backend, []float64{10, 20, 30}, 3)
	out := run(t, func(b backends.Builder) backends.Op {
		m := b.Parameter("m", shapes.Make(dtypes.Float64, 2, 3))
		r := b.Parameter("r", shapes.Make(dtypes.Float64, 3))
		return b.Add(m, r)
	}, matrix, row)
	assert.Equal(t, []float64{11, 22, 33, 14, 25, 36}, flatOf[float64](t, out))

	// Size-1 axes expand on both sides.
	col := bufferOf(t, backend, []float64{1, 2}, 2, 1)
	row2 := bufferOf(t, backend, []float64{10, 20, 30}, 1, 3)
	out = run(t, func(b backends.Builder) backends.Op {
		c := b.Parameter("c", shapes.Make(dtypes.Float64, 2, 1))
		r := b.Parameter("r", shapes.Make(dtypes.Float64, 1, 3))
		return b.Mul(c, r)
	}, col, row2)
	assert.Equal(t, []float64{10, 20, 30, 20, 40, 60}, flatOf[float64](t, out))
}

func TestExecuteComparisonAndWhere(t *testing.T) {
	backend := newTestBackend(t)
	x := bufferOf(t, backend, []float32{-2, -1, 0, 1}, 4)
	out := run(t, func(b backends.Builder) backends.Op {
		p := b.Parameter("x", shapes.Make(dtypes.Float32, 4))
		zero := b.Constant([]float32{0}, shapes.Of(dtypes.Float32))
		return b.Where(b.GreaterThan(p, zero), p, b.Neg(p))
	}, x)
	assert.Equal(t, []float32{2, 1, 0, 1}, flatOf[float32](t, out))
}

func TestExecuteUnary(t *testing.T) {
	backend := newTestBackend(t)
	x := bufferOf(t, backend, []float64{0, 1, 4}, 3)
	out := run(t, func(b backends.Builder) backends.Op {
		return b.Sqrt(b.Parameter("x", shapes.Make(dtypes.Float64, 3)))
	}, x)
	assert.Equal(t, []float64{0, 1, 2}, flatOf[float64](t, out))

	y := bufferOf(t, backend, []int32{-5, 0, 3}, 3)
	out = run(t, func(b backends.Builder) backends.Op {
		return b.Sign(b.Parameter("y", shapes.Make(dtypes.Int32, 3)))
	}, y)
	assert.Equal(t, []int32{-1, 0, 1}, flatOf[int32](t, out))
}

func TestExecuteStructural(t *testing.T) {
	backend := newTestBackend(t)
	x := bufferOf(t, backend, []int64{1, 2, 3, 4, 5, 6}, 2, 3)

	out := run(t, func(b backends.Builder) backends.Op {
		return b.Transpose(b.Parameter("x", shapes.Make(dtypes.Int64, 2, 3)), 1, 0)
	}, x)
	assert.Equal(t, []int{3, 2}, out.shape.Dimensions)
	assert.Equal(t, []int64{1, 4, 2, 5, 3, 6}, flatOf[int64](t, out))

	x = bufferOf(t, backend, []int64{1, 2, 3, 4, 5, 6}, 2, 3)
	out = run(t, func(b backends.Builder) backends.Op {
		return b.Reverse(b.Parameter("x", shapes.Make(dtypes.Int64, 2, 3)), 1)
	}, x)
	assert.Equal(t, []int64{3, 2, 1, 6, 5, 4}, flatOf[int64](t, out))

	x = bufferOf(t, backend, []int64{1, 2, 3, 4, 5, 6}, 2, 3)
	out = run(t, func(b backends.Builder) backends.Op {
		return b.Reshape(b.Parameter("x", shapes.Make(dtypes.Int64, 2, 3)), 3, 2)
	}, x)
	assert.Equal(t, []int{3, 2}, out.shape.Dimensions)
	assert.Equal(t, []int64{1, 2, 3, 4, 5, 6}, flatOf[int64](t, out))

	x = bufferOf(t, backend, []int64{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, 10)
	out = run(t, func(b backends.Builder) backends.Op {
		return b.Slice(b.Parameter("x", shapes.Make(dtypes.Int64, 10)), []int{2}, []int{8}, []int{2})
	}, x)
	assert.Equal(t, []int64{2, 4, 6}, flatOf[int64](t, out))
}

func TestExecuteConcatenateAndBroadcastTo(t *testing.T) {
	backend := newTestBackend(t)
	a := bufferOf(t, backend, []float32{1, 2, 3, 4}, 2, 2)
	b2 := bufferOf(t, backend, []float32{5, 6}, 2, 1)
	out := run(t, func(b backends.Builder) backends.Op {
		pa := b.Parameter("a", shapes.Make(dtypes.Float32, 2, 2))
		pb := b.Parameter("b", shapes.Make(dtypes.Float32, 2, 1))
		return b.Concatenate(1, pa, pb)
	}, a, b2)
	assert.Equal(t, []int{2, 3}, out.shape.Dimensions)
	assert.Equal(t, []float32{1, 2, 5, 3, 4, 6}, flatOf[float32](t, out))

	scalar := bufferOf(t, backend, []float32{7})
	out = run(t, func(b backends.Builder) backends.Op {
		return b.Broadcast(b.Parameter("s", shapes.Of(dtypes.Float32)), 2, 2)
	}, scalar)
	assert.Equal(t, []float32{7, 7, 7, 7}, flatOf[float32](t, out))
}

func TestExecuteReduce(t *testing.T) {
	backend := newTestBackend(t)
	x := bufferOf(t, backend, []float32{1, 2, 3, 4, 5, 6}, 2, 3)
	out := run(t, func(b backends.Builder) backends.Op {
		return b.ReduceSum(b.Parameter("x", shapes.Make(dtypes.Float32, 2, 3)), 1)
	}, x)
	assert.Equal(t, []float32{6, 15}, flatOf[float32](t, out))

	x = bufferOf(t, backend, []float32{1, 2, 3, 4, 5, 6}, 2, 3)
	out = run(t, func(b backends.Builder) backends.Op {
		return b.ReduceSum(b.Parameter("x", shapes.Make(dtypes.Float32, 2, 3)))
	}, x)
	assert.True(t, out.shape.IsScalar())
	assert.Equal(t, []float32{21}, flatOf[float32](t, out))

	x = bufferOf(t, backend, []float32{1, 5, 3, 4, 2, 6}, 2, 3)
	out = run(t, func(b backends.Builder) backends.Op {
		return b.ReduceMax(b.Parameter("x", shapes.Make(dtypes.Float32, 2, 3)), 0)
	}, x)
	assert.Equal(t, []float32{4, 5, 6}, flatOf[float32](t, out))
}

func TestExecuteDot(t *testing.T) {
	backend := newTestBackend(t)
	v1 := bufferOf(t, backend, []float64{1, 2, 3}, 3)
	v2 := bufferOf(t, backend, []float64{4, 5, 6}, 3)
	out := run(t, func(b backends.Builder) backends.Op {
		a := b.Parameter("a", shapes.Make(dtypes.Float64, 3))
		c := b.Parameter("b", shapes.Make(dtypes.Float64, 3))
		return b.Dot(a, c)
	}, v1, v2)
	assert.Equal(t, []float64{32}, flatOf[float64](t, out))

	m := bufferOf(t, backend, []float64{1, 2, 3, 4}, 2, 2)
	n := bufferOf(t, backend, []float64{5, 6, 7, 8}, 2, 2)
	out = run(t, func(b backends.Builder) backends.Op {
		a := b.Parameter("a", shapes.Make(dtypes.Float64, 2, 2))
		c := b.Parameter("b", shapes.Make(dtypes.Float64, 2, 2))
		return b.Dot(a, c)
	}, m, n)
	assert.Equal(t, []float64{19, 22, 43, 50}, flatOf[float64](t, out))
}

func TestExecuteIotaAndConvert(t *testing.T) {
	out := run(t, func(b backends.Builder) backends.Op {
		return b.Iota(shapes.Make(dtypes.Int32, 2, 3), 1)
	})
	assert.Equal(t, []int32{0, 1, 2, 0, 1, 2}, flatOf[int32](t, out))

	out = run(t, func(b backends.Builder) backends.Op {
		iota := b.Iota(shapes.Make(dtypes.Int32, 4), 0)
		return b.ConvertDType(iota, dtypes.Float64)
	})
	assert.Equal(t, dtypes.Float64, out.shape.DType)
	assert.Equal(t, []float64{0, 1, 2, 3}, flatOf[float64](t, out))
}

func TestExecuteContextCancellation(t *testing.T) {
	backend := newTestBackend(t)
	builder := backend.Builder("canceled")
	x := builder.Parameter("x", shapes.Make(dtypes.Float32, 2))
	out := builder.Neg(x)
	exec, err := builder.Compile(out)
	require.NoError(t, err)
	defer exec.Finalize()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	input := bufferOf(t, backend, []float32{1, 2}, 2)
	_, err = exec.Execute(ctx, []backends.Buffer{input})
	require.ErrorIs(t, err, context.Canceled)
}

func TestExecuteInputValidation(t *testing.T) {
	backend := newTestBackend(t)
	builder := backend.Builder("validation")
	x := builder.Parameter("x", shapes.Make(dtypes.Float32, 2))
	exec, err := builder.Compile(builder.Neg(x))
	require.NoError(t, err)

	_, err = exec.Execute(context.Background(), nil)
	require.Error(t, err)

	wrongShape := bufferOf(t, backend, []float32{1, 2, 3}, 3)
	_, err = exec.Execute(context.Background(), []backends.Buffer{wrongShape})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `parameter "x"`)
}

func TestBuilderPanicsOnBadShapes(t *testing.T) {
	backend := newTestBackend(t)
	builder := backend.Builder("panics")
	x := builder.Parameter("x", shapes.Make(dtypes.Float32, 2, 3))
	y := builder.Parameter("y", shapes.Make(dtypes.Float32, 2, 4))
	require.Panics(t, func() { builder.Add(x, y) })
	require.Panics(t, func() { builder.Parameter("v", shapes.Make(dtypes.Float32, -1)) })

	other := backend.Builder("other")
	require.Panics(t, func() { other.Neg(x) })
}

func TestBufferRoundTrip(t *testing.T) {
	backend := newTestBackend(t)
	shape := shapes.Make(dtypes.Float32, 2, 2)
	buf, err := backend.BufferFromFlatData([]float32{1, 2, 3, 4}, shape)
	require.NoError(t, err)

	gotShape, err := backend.BufferShape(buf)
	require.NoError(t, err)
	assert.True(t, shape.Equal(gotShape))

	flat := make([]float32, 4)
	require.NoError(t, backend.BufferToFlatData(buf, flat))
	assert.Equal(t, []float32{1, 2, 3, 4}, flat)

	require.NoError(t, backend.BufferFinalize(buf))
	require.Error(t, backend.BufferToFlatData(buf, flat))
}

func TestBackendRegistration(t *testing.T) {
	backend, err := backends.NewWithConfig(BackendName)
	require.NoError(t, err)
	assert.Equal(t, BackendName, backend.Name())
}

// Copyright 2026 The Symflow Authors. SPDX-License-Identifier: Apache-2.0

package graph_test

import (
	"context"
	"testing"
	"time"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/symflow/symflow/backends"
	"github.com/symflow/symflow/backends/shapeinference"
	. "github.com/symflow/symflow/graph"
	"github.com/symflow/symflow/types/shapes"
	"github.com/symflow/symflow/types/tensors"

	_ "github.com/symflow/symflow/backends/purego"
)

func newTestBackend(t *testing.T) backends.Backend {
	t.Helper()
	return must.M1(backends.NewWithConfig("purego"))
}

func TestNodeDeduplication(t *testing.T) {
	g := NewGraph(newTestBackend(t), "dedup")
	x := Parameter(g, "x", shapes.Make(dtypes.Float32, 3))
	y := Parameter(g, "y", shapes.Make(dtypes.Float32, 3))

	// Building the same expression twice yields the identical node.
	sum1 := Add(x, y)
	sum2 := Add(x, y)
	assert.Same(t, sum1, sum2)

	// Operand order matters.
	assert.NotSame(t, sum1, Add(y, x))

	// Static parameters take part in the identity.
	assert.Same(t, ReduceSum(x, 0), ReduceSum(x, 0))
	assert.Same(t, Reverse(x, 0), Reverse(x, 0))
	assert.NotSame(t, ReduceSum(x, 0), ReduceMax(x, 0))

	// Scalar constants are cached per value and dtype.
	assert.Same(t, Scalar(g, dtypes.Float32, 7), Scalar(g, dtypes.Float32, 7))
	assert.NotSame(t, Scalar(g, dtypes.Float32, 7), Scalar(g, dtypes.Float64, 7))

	// A composite expression built twice is one subgraph.
	numNodes := g.NumNodes()
	expr1 := Tanh(Mul(sum1, x))
	expr2 := Tanh(Mul(Add(x, y), x))
	assert.Same(t, expr1, expr2)
	assert.Equal(t, numNodes+2, g.NumNodes())
}

func TestDuplicateParameterName(t *testing.T) {
	g := NewGraph(newTestBackend(t), "params")
	_ = Parameter(g, "x", shapes.Make(dtypes.Float32))
	err := exceptions.TryCatch[error](func() {
		_ = Parameter(g, "x", shapes.Make(dtypes.Float32, 2))
	})
	require.Error(t, err)
}

func TestShapeConflictAtConstruction(t *testing.T) {
	g := NewGraph(newTestBackend(t), "conflict")
	x := Parameter(g, "x", shapes.Make(dtypes.Float32, 3))
	y := Parameter(g, "y", shapes.Make(dtypes.Float32, 4))
	err := exceptions.TryCatch[error](func() {
		_ = Add(x, y)
	})
	require.ErrorIs(t, err, shapeinference.ErrDimensionMismatch)
	// The graph survives the failed node and remains usable.
	z := Add(x, x)
	require.NoError(t, exceptions.TryCatch[error](func() { g.Compile(z) }))
}

func TestAssertShapeBindsDimensions(t *testing.T) {
	g := NewGraph(newTestBackend(t), "bind")
	x := Parameter(g, "x", shapes.Make(dtypes.Float32, UnknownDim, 3))
	require.False(t, x.Shape().IsFullyKnown())

	// Binding the open dimension is retroactively visible on the node.
	AssertShape(x, 5, 3)
	require.True(t, x.Shape().IsFullyKnown())
	assert.Equal(t, []int{5, 3}, x.Shape().Dimensions)

	// A second, conflicting assertion fails.
	err := exceptions.TryCatch[error](func() { AssertShape(x, 6, 3) })
	require.ErrorIs(t, err, shapeinference.ErrDimensionMismatch)

	// Rank conflicts are also caught.
	err = exceptions.TryCatch[error](func() { AssertShape(x, 5, 3, 1) })
	require.ErrorIs(t, err, shapeinference.ErrRankMismatch)
}

func TestDimensionsBindAcrossOperations(t *testing.T) {
	g := NewGraph(newTestBackend(t), "across")
	x := Parameter(g, "x", shapes.Make(dtypes.Float32, UnknownDim))
	y := Parameter(g, "y", shapes.Make(dtypes.Float32, 11))

	// Adding x and y unifies their dimensions, resolving x.
	sum := Add(x, y)
	assert.Equal(t, []int{11}, sum.Shape().Dimensions)
	assert.Equal(t, []int{11}, x.Shape().Dimensions)
}

func TestCompileRequiresResolvedShapes(t *testing.T) {
	g := NewGraph(newTestBackend(t), "unresolved")
	x := Parameter(g, "x", shapes.Make(dtypes.Float32, UnknownDim))
	doubled := MulScalar(x, 2)
	err := exceptions.TryCatch[error](func() { g.Compile(doubled) })
	require.ErrorIs(t, err, shapeinference.ErrShapeUnderdetermined)
}

func TestCompileAndRun(t *testing.T) {
	g := NewGraph(newTestBackend(t), "run")
	x := Parameter(g, "x", shapes.Make(dtypes.Float64, 3))
	y := Parameter(g, "y", shapes.Make(dtypes.Float64, 3))
	g.Compile(ReduceAllSum(Mul(x, y)), Sub(x, y))

	results, err := g.Run(
		tensors.FromValue([]float64{1, 2, 3}),
		tensors.FromValue([]float64{4, 5, 6}))
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, 32.0, tensors.ToScalar[float64](results[0]))
	assert.Equal(t, []float64{-3, -3, -3}, tensors.CopyFlatData[float64](results[1]))

	// A compiled graph can no longer grow.
	err = exceptions.TryCatch[error](func() { _ = Neg(x) })
	require.Error(t, err)
}

func TestRunUnboundVariable(t *testing.T) {
	g := NewGraph(newTestBackend(t), "unbound")
	x := Parameter(g, "x", shapes.Make(dtypes.Float32, 2))
	y := Parameter(g, "y", shapes.Make(dtypes.Float32, 2))
	g.Compile(Add(x, y))

	// Missing positional value.
	_, err := g.Run(tensors.FromValue([]float32{1, 2}))
	require.ErrorIs(t, err, ErrUnboundVariable)

	// Missing binding in a params map.
	_, err = g.RunWithMap(context.Background(), ParamsMap{
		x: tensors.FromValue([]float32{1, 2}),
	})
	require.ErrorIs(t, err, ErrUnboundVariable)
	assert.Contains(t, err.Error(), "y")
}

func TestRunShapeCheck(t *testing.T) {
	g := NewGraph(newTestBackend(t), "shapecheck")
	x := Parameter(g, "x", shapes.Make(dtypes.Float32, 2))
	g.Compile(Neg(x))
	_, err := g.Run(tensors.FromValue([]float32{1, 2, 3}))
	require.Error(t, err)
}

func TestRunTimeout(t *testing.T) {
	g := NewGraph(newTestBackend(t), "timeout")
	x := Parameter(g, "x", shapes.Make(dtypes.Float32, 2))
	g.Compile(Exp(Neg(x)))

	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()
	_, err := g.RunWithContext(ctx, tensors.FromValue([]float32{1, 2}))
	require.ErrorIs(t, err, ErrEvaluationTimeout)

	// The graph is untouched: a fresh run succeeds.
	results, err := g.Run(tensors.FromValue([]float32{0, 0}))
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 1}, tensors.CopyFlatData[float32](results[0]))
}

func TestGraphString(t *testing.T) {
	g := NewGraph(newTestBackend(t), "pretty")
	x := Parameter(g, "x", shapes.Make(dtypes.Float32, 2, 3))
	_ = ReduceSum(Mul(x, x), 1)
	str := g.String()
	assert.Contains(t, str, "Parameter")
	assert.Contains(t, str, "ReduceSum")
	assert.Contains(t, str, "[2 3]")
}

// Copyright 2026 The Symflow Authors. SPDX-License-Identifier: Apache-2.0

package shapes

import (
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMake(t *testing.T) {
	s := Make(dtypes.Float32, 2, 3)
	assert.Equal(t, 2, s.Rank())
	assert.Equal(t, 6, s.Size())
	assert.True(t, s.IsFullyKnown())
	assert.False(t, s.HasDimVariables())
	assert.Equal(t, int64(24), s.Memory())

	require.Panics(t, func() { Make(dtypes.Float32, 2, 0) })
}

func TestScalar(t *testing.T) {
	s := Scalar[float64]()
	assert.True(t, s.IsScalar())
	assert.Equal(t, 0, s.Rank())
	assert.Equal(t, 1, s.Size())
	assert.Equal(t, dtypes.Float64, s.DType)
	assert.True(t, s.Equal(Of(dtypes.Float64)))
}

func TestDim(t *testing.T) {
	s := Make(dtypes.Int32, 5, 7, 11)
	assert.Equal(t, 5, s.Dim(0))
	assert.Equal(t, 11, s.Dim(-1))
	assert.Equal(t, 7, s.Dim(-2))
	require.Panics(t, func() { s.Dim(3) })
	require.Panics(t, func() { s.Dim(-4) })
}

func TestDimVariables(t *testing.T) {
	// -1 is a dimension-variable handle.
	s := Make(dtypes.Float32, -1, 3)
	assert.True(t, s.HasDimVariables())
	assert.False(t, s.IsFullyKnown())
	assert.Equal(t, -1, s.Size())
	assert.Equal(t, int64(-1), s.Memory())
	assert.Equal(t, "(Float32)[x1 3]", s.String())
}

func TestUnknownRank(t *testing.T) {
	s := UnknownRank(dtypes.Float32)
	assert.False(t, s.IsFullyKnown())
	assert.False(t, s.IsScalar())
	assert.True(t, s.Ok())
	require.Panics(t, func() { s.Rank() })
}

func TestEqual(t *testing.T) {
	assert.True(t, Make(dtypes.Float32, 2, 3).Equal(Make(dtypes.Float32, 2, 3)))
	assert.False(t, Make(dtypes.Float32, 2, 3).Equal(Make(dtypes.Float64, 2, 3)))
	assert.False(t, Make(dtypes.Float32, 2, 3).Equal(Make(dtypes.Float32, 3, 2)))
	assert.False(t, Make(dtypes.Float32, 2).Equal(UnknownRank(dtypes.Float32)))
	assert.True(t, Make(dtypes.Float32, 2, 3).EqualDimensions(Make(dtypes.Int64, 2, 3)))
}

func TestString(t *testing.T) {
	assert.Equal(t, "(Float32)[2 3]", Make(dtypes.Float32, 2, 3).String())
	assert.Equal(t, "(Int64)", Of(dtypes.Int64).String())
	assert.Equal(t, "(Float64)[?...]", UnknownRank(dtypes.Float64).String())
	assert.Equal(t, "(invalid shape)", Invalid().String())
}

func TestConcatenateDimensions(t *testing.T) {
	got := ConcatenateDimensions(Make(dtypes.Float32, 2, 3), Make(dtypes.Float32, 4))
	assert.Equal(t, []int{2, 3, 4}, got.Dimensions)

	got = ConcatenateDimensions(Of(dtypes.Float32), Make(dtypes.Float32, 4))
	assert.Equal(t, []int{4}, got.Dimensions)

	assert.False(t, ConcatenateDimensions(Make(dtypes.Float32, 2), Make(dtypes.Float64, 2)).Ok())
}

func TestCheckAndAssertDims(t *testing.T) {
	s := Make(dtypes.Float32, 2, 3)
	require.NoError(t, CheckDims(s, 2, 3))
	require.NoError(t, CheckDims(s, -1, 3)) // -1 matches any dimension.
	require.Error(t, CheckDims(s, 2, 4))
	require.Error(t, CheckDims(s, 2))
	require.NoError(t, CheckRank(s, 2))
	require.Error(t, CheckScalar(s))

	assert.NotPanics(t, func() { AssertDims(s, -1, 3) })
	assert.Panics(t, func() { AssertDims(s, 4, 3) })
	assert.Panics(t, func() { AssertScalar(s) })
	assert.NotPanics(t, func() { AssertScalar(Of(dtypes.Bool)) })
}

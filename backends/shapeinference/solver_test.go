// Copyright 2026 The Symflow Authors. SPDX-License-Identifier: Apache-2.0

package shapeinference

import (
	"fmt"
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/symflow/symflow/types/shapes"
)

func TestSolver_UnifyKnownDims(t *testing.T) {
	s := NewSolver()
	dim, err := s.UnifyDims(3, 3)
	require.NoError(t, err)
	assert.Equal(t, 3, dim)

	_, err = s.UnifyDims(3, 4)
	require.ErrorIs(t, err, ErrDimensionMismatch)
}

func TestSolver_BindVariable(t *testing.T) {
	s := NewSolver()
	v := s.NewDimVar()
	assert.Less(t, v, 0)
	assert.Equal(t, v, s.ResolveDim(v))

	dim, err := s.UnifyDims(v, 7)
	require.NoError(t, err)
	assert.Equal(t, 7, dim)
	assert.Equal(t, 7, s.ResolveDim(v))

	// A bound variable behaves like its value.
	_, err = s.UnifyDims(v, 8)
	require.ErrorIs(t, err, ErrDimensionMismatch)
}

func TestSolver_RetroactiveResolution(t *testing.T) {
	// Unifying two open variables and later binding one must resolve both,
	// including shapes built before the binding.
	s := NewSolver()
	v1, v2 := s.NewDimVar(), s.NewDimVar()
	earlier := shapes.Make(dtypes.Float32, v1, 3)

	_, err := s.UnifyDims(v1, v2)
	require.NoError(t, err)
	_, err = s.UnifyDims(v2, 5)
	require.NoError(t, err)

	assert.Equal(t, 5, s.ResolveDim(v1))
	assert.Equal(t, 5, s.ResolveDim(v2))
	resolved := s.Resolve(earlier)
	assert.Equal(t, []int{5, 3}, resolved.Dimensions)
	require.NoError(t, s.CheckFullyResolved(resolved))
}

func TestSolver_UnifyShapes(t *testing.T) {
	s := NewSolver()
	v := s.NewDimVar()
	a := shapes.Make(dtypes.Float32, 2, v)
	b := shapes.Make(dtypes.Float32, 2, 9)

	got, err := s.Unify(a, b)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 9}, got.Dimensions)

	// Commutativity: unifying in either order yields the same shape.
	s2 := NewSolver()
	v2 := s2.NewDimVar()
	got2, err := s2.Unify(shapes.Make(dtypes.Float32, 2, 9), shapes.Make(dtypes.Float32, 2, v2))
	require.NoError(t, err)
	assert.True(t, got.Equal(got2), "Unify(a, b)=%s but Unify(b, a)=%s", got, got2)

	// Idempotency: re-unifying the result with either operand is a no-op.
	again, err := s.Unify(got, a)
	require.NoError(t, err)
	assert.True(t, got.Equal(again))
}

func TestSolver_UnifyErrors(t *testing.T) {
	s := NewSolver()
	_, err := s.Unify(shapes.Make(dtypes.Float32, 2), shapes.Make(dtypes.Float32, 2, 3))
	require.ErrorIs(t, err, ErrRankMismatch)

	_, err = s.Unify(shapes.Make(dtypes.Float32, 2, 3), shapes.Make(dtypes.Float32, 2, 4))
	require.ErrorIs(t, err, ErrDimensionMismatch)
	assert.Contains(t, err.Error(), "axis 1")

	_, err = s.Unify(shapes.Make(dtypes.Float32, 2), shapes.Make(dtypes.Float64, 2))
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrRankMismatch)
	assert.NotErrorIs(t, err, ErrDimensionMismatch)
}

func TestSolver_UnifyUnranked(t *testing.T) {
	s := NewSolver()
	got, err := s.Unify(shapes.UnknownRank(dtypes.Float32), shapes.Make(dtypes.Float32, 4, 2))
	require.NoError(t, err)
	assert.Equal(t, []int{4, 2}, got.Dimensions)
	assert.False(t, got.Unranked)
}

func TestSolver_CheckFullyResolved(t *testing.T) {
	s := NewSolver()
	v := s.NewDimVar()
	open := shapes.Make(dtypes.Float32, 2, v)
	err := s.CheckFullyResolved(open)
	require.ErrorIs(t, err, ErrShapeUnderdetermined)

	err = s.CheckFullyResolved(shapes.UnknownRank(dtypes.Float32))
	require.ErrorIs(t, err, ErrShapeUnderdetermined)

	_, err = s.UnifyDims(v, 6)
	require.NoError(t, err)
	require.NoError(t, s.CheckFullyResolved(open))
}

func TestSolver_ManyVariables(t *testing.T) {
	// Chain v0=v1=...=vN then bind the far end; all must resolve.
	s := NewSolver()
	const n = 1000
	vars := make([]int, n)
	for i := range vars {
		vars[i] = s.NewDimVar()
	}
	for i := 1; i < n; i++ {
		_, err := s.UnifyDims(vars[i-1], vars[i])
		require.NoError(t, err)
	}
	_, err := s.UnifyDims(vars[n-1], 17)
	require.NoError(t, err)
	for i, v := range vars {
		require.Equal(t, 17, s.ResolveDim(v), fmt.Sprintf("variable #%d", i))
	}
}

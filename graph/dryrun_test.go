// Copyright 2026 The Symflow Authors. SPDX-License-Identifier: Apache-2.0

package graph_test

import (
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/require"

	"github.com/symflow/symflow/backends/shapeinference"
	. "github.com/symflow/symflow/graph"
	"github.com/symflow/symflow/types/shapes"
)

// imagePipeline stands in for a model definition with a hard-coded shape
// check on its input.
func imagePipeline(_ *Graph, inputs []*Node) *Node {
	image := AssertShape(inputs[0], 474, 712, 3)
	gray := ReduceMean(image, -1)
	return ReduceAllSum(gray)
}

func TestDryRunAcceptsDeclaredShape(t *testing.T) {
	backend := newTestBackend(t)
	err := DryRun(backend, imagePipeline, shapes.Make(dtypes.Float32, 474, 712, 3))
	require.NoError(t, err)
}

func TestDryRunRejectsWrongDimension(t *testing.T) {
	backend := newTestBackend(t)
	err := DryRun(backend, imagePipeline, shapes.Make(dtypes.Float32, 475, 712, 3))
	require.ErrorIs(t, err, shapeinference.ErrDimensionMismatch)
}

func TestDryRunRejectsWrongRank(t *testing.T) {
	backend := newTestBackend(t)
	err := DryRun(backend, imagePipeline, shapes.Make(dtypes.Float32, 474, 712))
	require.ErrorIs(t, err, shapeinference.ErrRankMismatch)
}

func TestDryRunBindsUnknownDimensions(t *testing.T) {
	// The declared shape leaves the leading dimension open; the pipeline's
	// own AssertShape binds it, so the check passes.
	backend := newTestBackend(t)
	err := DryRun(backend, imagePipeline, shapes.Make(dtypes.Float32, UnknownDim, 712, 3))
	require.NoError(t, err)
}

func TestDryRunReportsUnresolvedShapes(t *testing.T) {
	backend := newTestBackend(t)
	err := DryRun(backend, func(_ *Graph, inputs []*Node) *Node {
		return MulScalar(inputs[0], 2)
	}, shapes.Make(dtypes.Float32, UnknownDim, 3))
	require.ErrorIs(t, err, shapeinference.ErrShapeUnderdetermined)
}

func TestDryRunReportsMissingGradient(t *testing.T) {
	backend := newTestBackend(t)
	err := DryRun(backend, func(_ *Graph, inputs []*Node) *Node {
		x := inputs[0]
		strided := SliceWithStrides(x, []int{0}, []int{4}, []int{2})
		loss := ReduceAllSum(strided)
		return Gradient(loss, x)[0]
	}, shapes.Make(dtypes.Float64, 4))
	require.ErrorIs(t, err, ErrNoGradientDefined)
}

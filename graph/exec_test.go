// Copyright 2026 The Symflow Authors. SPDX-License-Identifier: Apache-2.0

package graph_test

import (
	"math/rand"
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	. "github.com/symflow/symflow/graph"
	"github.com/symflow/symflow/types/shapes"
	"github.com/symflow/symflow/types/tensors"
)

func TestExecCachesPerShape(t *testing.T) {
	backend := newTestBackend(t)
	length := NewExec(backend, func(x *Node) *Node {
		return Sqrt(ReduceAllSum(Mul(x, x)))
	}).WithName("length")
	defer length.Finalize()

	assert.Equal(t, 5.0, tensors.ToScalar[float64](length.Call([]float64{3, 4})[0]))
	assert.Equal(t, 1, length.NumCompiledGraphs())

	// Same shape reuses the compiled graph.
	assert.Equal(t, 13.0, tensors.ToScalar[float64](length.Call([]float64{5, 12})[0]))
	assert.Equal(t, 1, length.NumCompiledGraphs())

	// A new shape compiles a new graph.
	assert.Equal(t, 3.0, tensors.ToScalar[float64](length.Call([]float64{1, 2, 2})[0]))
	assert.Equal(t, 2, length.NumCompiledGraphs())

	// So does a new dtype.
	assert.Equal(t, float32(5), tensors.ToScalar[float32](length.Call([]float32{3, 4})[0]))
	assert.Equal(t, 3, length.NumCompiledGraphs())
}

func TestExecNoInputs(t *testing.T) {
	backend := newTestBackend(t)
	iota := NewExec(backend, func(g *Graph) *Node {
		return IotaFull(g, shapes.Make(dtypes.Int32, 2, 3))
	})
	defer iota.Finalize()
	result := iota.Call()[0]
	assert.Equal(t, []int32{0, 1, 2, 3, 4, 5}, tensors.CopyFlatData[int32](result))
}

func TestExecMaxCache(t *testing.T) {
	backend := newTestBackend(t)
	double := NewExec(backend, func(x *Node) *Node {
		return MulScalar(x, 2)
	}).SetMaxCache(2)
	defer double.Finalize()

	_ = double.Call([]float32{1})
	_ = double.Call([]float32{1, 2})
	_, err := double.CallWithContext(t.Context(), []float32{1, 2, 3})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "limit")
}

func TestExecBuildError(t *testing.T) {
	backend := newTestBackend(t)
	bad := NewExec(backend, func(x *Node) *Node {
		return Dot(x, x) // Rank 0 inputs are not accepted by Dot.
	})
	defer bad.Finalize()
	_, err := bad.CallWithContext(t.Context(), 1.0)
	require.Error(t, err)
}

// TestGradientDescentConvergence fits linear coefficients on synthetic data
// by plain gradient descent, minimizing loss(coeffs) = sum((xs.coeffs-y)^2).
func TestGradientDescentConvergence(t *testing.T) {
	backend := newTestBackend(t)
	rng := rand.New(rand.NewSource(42))

	const (
		numExamples  = 100
		numFeatures  = 3
		learningRate = 0.002
		numSteps     = 300
	)
	trueCoeffs := []float64{2.5, -1.5, 0.5}
	xsFlat := make([]float64, numExamples*numFeatures)
	for ii := range xsFlat {
		xsFlat[ii] = rng.Float64()*2 - 1
	}
	ys := make([]float64, numExamples)
	for row := 0; row < numExamples; row++ {
		for col := 0; col < numFeatures; col++ {
			ys[row] += xsFlat[row*numFeatures+col] * trueCoeffs[col]
		}
	}
	xs := tensors.FromFlatDataAndDimensions(xsFlat, numExamples, numFeatures)
	y := tensors.FromValue(ys)

	step := NewExec(backend, func(inputs []*Node) *Node {
		coeffs, xsNode, yNode := inputs[0], inputs[1], inputs[2]
		predictions := Dot(xsNode, coeffs)
		residual := Sub(predictions, yNode)
		loss := ReduceAllSum(Square(residual))
		gradient := Gradient(loss, coeffs)[0]
		return Sub(coeffs, MulScalar(gradient, learningRate))
	}).WithName("gradient-descent-step")
	defer step.Finalize()

	coeffs := tensors.FromValue([]float64{0, 0, 0})
	for ii := 0; ii < numSteps; ii++ {
		coeffs = step.Call(coeffs, xs, y)[0]
	}
	require.Equal(t, 1, step.NumCompiledGraphs())

	fitted := tensors.CopyFlatData[float64](coeffs)
	for ii, want := range trueCoeffs {
		assert.InDelta(t, want, fitted[ii], 1e-3)
	}
}

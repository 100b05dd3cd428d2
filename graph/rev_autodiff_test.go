// Copyright 2026 The Symflow Authors. SPDX-License-Identifier: Apache-2.0

package graph_test

import (
	"testing"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	. "github.com/symflow/symflow/graph"
	"github.com/symflow/symflow/types/shapes"
	"github.com/symflow/symflow/types/tensors"
)

func TestGradientScalar(t *testing.T) {
	// f(x) = x^2 + 4x, f'(x) = 2x + 4, so f'(3) = 10.
	backend := newTestBackend(t)
	gradFn := NewExec(backend, func(x *Node) *Node {
		f := Add(Mul(x, x), MulScalar(x, 4))
		return Gradient(f, x)[0]
	})
	defer gradFn.Finalize()
	result := gradFn.Call(3.0)[0]
	assert.Equal(t, 10.0, tensors.ToScalar[float64](result))
}

func TestGradientVector(t *testing.T) {
	// f(xs) = sum(xs * xs * reverse(xs)).
	// For xs = [3, 4, 5]: df/dx0 = 2*x0*x2 + x2^2 = 55,
	// df/dx1 = 3*x1^2 = 48, df/dx2 = x0^2 + 2*x2*x0 = 39.
	backend := newTestBackend(t)
	gradFn := NewExec(backend, func(xs *Node) *Node {
		f := ReduceAllSum(Mul(Mul(xs, xs), Reverse(xs, 0)))
		return Gradient(f, xs)[0]
	})
	defer gradFn.Finalize()
	result := gradFn.Call([]float64{3, 4, 5})[0]
	assert.Equal(t, []float64{55, 48, 39}, tensors.CopyFlatData[float64](result))
}

func TestGradientOfUnaryOps(t *testing.T) {
	backend := newTestBackend(t)
	for _, test := range []struct {
		name   string
		fn     func(x *Node) *Node
		at     float64
		want   float64
		within float64
	}{
		{"Exp", Exp, 1.0, 2.718281828, 1e-6},
		{"Log", Log, 2.0, 0.5, 1e-9},
		{"Sqrt", Sqrt, 4.0, 0.25, 1e-9},
		{"Tanh", Tanh, 0.0, 1.0, 1e-9},
		{"Logistic", Logistic, 0.0, 0.25, 1e-9},
		{"Neg", Neg, 3.0, -1.0, 0},
		{"Abs", Abs, -2.0, -1.0, 0},
	} {
		t.Run(test.name, func(t *testing.T) {
			gradFn := NewExec(backend, func(x *Node) *Node {
				return Gradient(test.fn(x), x)[0]
			})
			defer gradFn.Finalize()
			got := tensors.ToScalar[float64](gradFn.Call(test.at)[0])
			assert.InDelta(t, test.want, got, test.within)
		})
	}
}

func TestGradientBroadcast(t *testing.T) {
	// f(m, v) = sum(m * v) with v broadcast over the rows of m: the
	// gradient with respect to v is the column sums of m.
	backend := newTestBackend(t)
	gradFn := NewExec(backend, func(m, v *Node) *Node {
		f := ReduceAllSum(Mul(m, v))
		return Gradient(f, v)[0]
	})
	defer gradFn.Finalize()
	result := gradFn.Call(
		[][]float64{{1, 2}, {3, 4}, {5, 6}},
		[]float64{1, 1})[0]
	assert.Equal(t, []float64{9, 12}, tensors.CopyFlatData[float64](result))
}

func TestGradientDot(t *testing.T) {
	backend := newTestBackend(t)

	// d(a.b)/da = b.
	vecGrad := NewExec(backend, func(a, b *Node) *Node {
		return Gradient(Dot(a, b), a)[0]
	})
	defer vecGrad.Finalize()
	result := vecGrad.Call([]float64{1, 2}, []float64{5, 7})[0]
	assert.Equal(t, []float64{5, 7}, tensors.CopyFlatData[float64](result))

	// d(sum(M.v))/dv: each v[j] contributes the column sum of M.
	matGrad := NewExec(backend, func(m, v *Node) *Node {
		return Gradient(ReduceAllSum(Dot(m, v)), v)[0]
	})
	defer matGrad.Finalize()
	result = matGrad.Call([][]float64{{1, 2}, {3, 4}}, []float64{1, 1})[0]
	assert.Equal(t, []float64{4, 6}, tensors.CopyFlatData[float64](result))
}

func TestGradientWhereAndMax(t *testing.T) {
	backend := newTestBackend(t)

	// Max(x, 0) routes the adjoint to x only where x >= 0.
	reluGrad := NewExec(backend, func(x *Node) *Node {
		return Gradient(ReduceAllSum(MaxScalar(x, 0)), x)[0]
	})
	defer reluGrad.Finalize()
	result := reluGrad.Call([]float64{-2, 3, -1, 5})[0]
	assert.Equal(t, []float64{0, 1, 0, 1}, tensors.CopyFlatData[float64](result))

	// Where passes the adjoint to the selected branch.
	whereGrad := NewExec(backend, func(x, y *Node) *Node {
		selected := Where(GreaterThan(x, y), x, y)
		return Gradient(ReduceAllSum(selected), x)[0]
	})
	defer whereGrad.Finalize()
	result = whereGrad.Call([]float64{1, 5}, []float64{3, 2})[0]
	assert.Equal(t, []float64{0, 1}, tensors.CopyFlatData[float64](result))
}

func TestGradientConcatenateAndSlice(t *testing.T) {
	backend := newTestBackend(t)

	// Only the sliced window of x receives gradient.
	sliceGrad := NewExec(backend, func(x *Node) *Node {
		window := Slice(x, []int{1}, []int{3})
		return Gradient(ReduceAllSum(Mul(window, window)), x)[0]
	})
	defer sliceGrad.Finalize()
	result := sliceGrad.Call([]float64{1, 2, 3, 4})[0]
	assert.Equal(t, []float64{0, 4, 6, 0}, tensors.CopyFlatData[float64](result))

	// Concatenate splits the adjoint back to its operands.
	concatGrad := NewExec(backend, func(inputs []*Node) []*Node {
		a, b := inputs[0], inputs[1]
		joined := Concatenate(0, a, b)
		weights := Const(joined.Graph(), []float64{1, 2, 3})
		return Gradient(ReduceAllSum(Mul(joined, weights)), a, b)
	})
	defer concatGrad.Finalize()
	results := concatGrad.Call(
		tensors.FromValue([]float64{10}),
		tensors.FromValue([]float64{20, 30}))
	assert.Equal(t, []float64{1}, tensors.CopyFlatData[float64](results[0]))
	assert.Equal(t, []float64{2, 3}, tensors.CopyFlatData[float64](results[1]))
}

func TestGradientStopGradient(t *testing.T) {
	backend := newTestBackend(t)
	gradFn := NewExec(backend, func(x *Node) *Node {
		f := ReduceAllSum(Mul(StopGradient(x), x))
		return Gradient(f, x)[0]
	})
	defer gradFn.Finalize()
	// Only the un-stopped factor contributes: d(c*x)/dx = c with c = x
	// frozen.
	result := gradFn.Call([]float64{2, 3})[0]
	assert.Equal(t, []float64{2, 3}, tensors.CopyFlatData[float64](result))
}

func TestGradientUnreachableInputIsZero(t *testing.T) {
	backend := newTestBackend(t)
	gradFn := NewExec(backend, func(x, y *Node) *Node {
		f := ReduceAllSum(Mul(x, x)) // y plays no part.
		return Gradient(f, y)[0]
	})
	defer gradFn.Finalize()
	result := gradFn.Call([]float64{1, 2}, []float64{5, 6})[0]
	assert.Equal(t, []float64{0, 0}, tensors.CopyFlatData[float64](result))
}

func TestGradientRequiresScalarOutput(t *testing.T) {
	g := NewGraph(newTestBackend(t), "nonscalar")
	x := Parameter(g, "x", shapes.Make(dtypes.Float64, 3))
	err := exceptions.TryCatch[error](func() {
		_ = Gradient(Mul(x, x), x)
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Jacobian")
}

func TestNoGradientDefined(t *testing.T) {
	g := NewGraph(newTestBackend(t), "nograd")
	x := Parameter(g, "x", shapes.Make(dtypes.Float64, 4))
	strided := SliceWithStrides(x, []int{0}, []int{4}, []int{2})
	f := ReduceAllSum(strided)
	err := exceptions.TryCatch[error](func() {
		_ = Gradient(f, x)
	})
	require.ErrorIs(t, err, ErrNoGradientDefined)

	// The failed differentiation leaves the graph usable.
	require.NoError(t, exceptions.TryCatch[error](func() { g.Compile(f) }))
}

func TestSecondOrderGradient(t *testing.T) {
	// f(x) = x^3; f'(x) = 3x^2, f''(x) = 6x.
	backend := newTestBackend(t)
	gradFn := NewExec(backend, func(x *Node) *Node {
		f := Mul(Mul(x, x), x)
		df := Gradient(f, x)[0]
		return Gradient(df, x)[0]
	})
	defer gradFn.Finalize()
	result := gradFn.Call(2.0)[0]
	assert.Equal(t, 12.0, tensors.ToScalar[float64](result))
}

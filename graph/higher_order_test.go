// Copyright 2026 The Symflow Authors. SPDX-License-Identifier: Apache-2.0

package graph_test

import (
	"testing"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/symflow/symflow/backends/shapeinference"
	. "github.com/symflow/symflow/graph"
	"github.com/symflow/symflow/types/shapes"
	"github.com/symflow/symflow/types/tensors"
)

func TestJacobian(t *testing.T) {
	// y_i = x_i^2: the Jacobian is diagonal with 2*x_i.
	backend := newTestBackend(t)
	jacFn := NewExec(backend, func(x *Node) *Node {
		return Jacobian(Square(x), x)[0]
	})
	defer jacFn.Finalize()
	result := jacFn.Call([]float64{1, 2, 3})[0]
	assert.Equal(t, []int{3, 3}, result.Shape().Dimensions)
	assert.Equal(t, []float64{
		2, 0, 0,
		0, 4, 0,
		0, 0, 6,
	}, tensors.CopyFlatData[float64](result))
}

func TestJacobianNonSquare(t *testing.T) {
	// y = M.x for a constant M: the Jacobian is M itself.
	backend := newTestBackend(t)
	jacFn := NewExec(backend, func(x *Node) *Node {
		m := Const(x.Graph(), [][]float64{{1, 2, 3}, {4, 5, 6}})
		return Jacobian(Dot(m, x), x)[0]
	})
	defer jacFn.Finalize()
	result := jacFn.Call([]float64{1, 1, 1})[0]
	assert.Equal(t, []int{2, 3}, result.Shape().Dimensions)
	assert.Equal(t, []float64{1, 2, 3, 4, 5, 6}, tensors.CopyFlatData[float64](result))
}

func TestHessian(t *testing.T) {
	// f(x) = sum(x^2) has Hessian 2*I.
	backend := newTestBackend(t)
	hessFn := NewExec(backend, func(x *Node) *Node {
		return Hessian(ReduceAllSum(Square(x)), x)[0]
	})
	defer hessFn.Finalize()
	result := hessFn.Call([]float64{1, 2, 3})[0]
	assert.Equal(t, []float64{
		2, 0, 0,
		0, 2, 0,
		0, 0, 2,
	}, tensors.CopyFlatData[float64](result))

	// f(x0, x1) = x0*x1 has an off-diagonal Hessian.
	crossFn := NewExec(backend, func(x *Node) *Node {
		x0 := Reshape(Slice(x, []int{0}, []int{1}))
		x1 := Reshape(Slice(x, []int{1}, []int{2}))
		return Hessian(Mul(x0, x1), x)[0]
	})
	defer crossFn.Finalize()
	result = crossFn.Call([]float64{3, 5})[0]
	assert.Equal(t, []float64{
		0, 1,
		1, 0,
	}, tensors.CopyFlatData[float64](result))
}

func TestDivergence(t *testing.T) {
	// F(x) = x^2 element-wise: div F = sum(2*x_i) = 12 at [1, 2, 3].
	backend := newTestBackend(t)
	divFn := NewExec(backend, func(x *Node) *Node {
		return Divergence(Square(x), x)
	})
	defer divFn.Finalize()
	result := divFn.Call([]float64{1, 2, 3})[0]
	assert.Equal(t, 12.0, tensors.ToScalar[float64](result))

	// The identity field has divergence equal to the dimension.
	idFn := NewExec(backend, func(x *Node) *Node {
		return Divergence(Identity(x), x)
	})
	defer idFn.Finalize()
	result = idFn.Call([]float64{7, 8, 9, 10})[0]
	assert.Equal(t, 4.0, tensors.ToScalar[float64](result))
}

func TestCurl(t *testing.T) {
	// F(x) = (-x1, x0, 0) is a rotation field: curl F = (0, 0, 2).
	backend := newTestBackend(t)
	curlFn := NewExec(backend, func(x *Node) *Node {
		x0 := Slice(x, []int{0}, []int{1})
		x1 := Slice(x, []int{1}, []int{2})
		zero := ZerosLike(x0)
		field := Concatenate(0, Neg(x1), x0, zero)
		return Curl(field, x)
	})
	defer curlFn.Finalize()
	result := curlFn.Call([]float64{1, 2, 3})[0]
	assert.Equal(t, []float64{0, 0, 2}, tensors.CopyFlatData[float64](result))
}

func TestCurlRequires3Vector(t *testing.T) {
	g := NewGraph(newTestBackend(t), "curl2d")
	x := Parameter(g, "x", shapes.Make(dtypes.Float64, 2))
	err := exceptions.TryCatch[error](func() {
		_ = Curl(Identity(x), x)
	})
	require.ErrorIs(t, err, shapeinference.ErrDimensionMismatch)
}

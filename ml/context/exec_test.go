// Copyright 2026 The Symflow Authors. SPDX-License-Identifier: Apache-2.0

package context_test

import (
	gocontext "context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/symflow/symflow/graph"
	"github.com/symflow/symflow/ml/context"
	"github.com/symflow/symflow/types/tensors"
)

func TestExecVariableUpdates(t *testing.T) {
	backend := newTestBackend(t)
	ctx := context.New()
	e := context.NewExec(backend, ctx, func(ctx *context.Context, g *graph.Graph) *graph.Node {
		counter := ctx.Checked(false).VariableWithValue("counter", int32(0))
		updated := graph.AddScalar(counter.ValueGraph(g), 1)
		counter.SetValueGraph(updated)
		return updated
	})
	defer e.Finalize()

	for step := int32(1); step <= 3; step++ {
		results := e.Call()
		require.Len(t, results, 1)
		assert.Equal(t, step, tensors.ToScalar[int32](results[0]))
	}
	require.Equal(t, 1, e.NumCompiledGraphs())

	counter := ctx.GetVariable("counter")
	require.NotNil(t, counter)
	assert.Equal(t, int32(3), tensors.ToScalar[int32](counter.MustValue()))
}

func TestExecReusesVariablesAcrossShapes(t *testing.T) {
	backend := newTestBackend(t)
	ctx := context.New()
	e := context.NewExec(backend, ctx, func(ctx *context.Context, x *graph.Node) *graph.Node {
		scale := ctx.VariableWithValue("scale", float32(2))
		return graph.Mul(x, scale.ValueGraph(x.Graph()))
	})
	defer e.Finalize()

	results := e.Call([]float32{1, 2, 3})
	require.True(t, results[0].Equal(tensors.FromValue([]float32{2, 4, 6})))

	// A new input shape builds a second graph sharing the same variable.
	results = e.Call([][]float32{{1, 2}, {3, 4}})
	require.True(t, results[0].Equal(tensors.FromValue([][]float32{{2, 4}, {6, 8}})))
	require.Equal(t, 2, e.NumCompiledGraphs())
	require.Equal(t, 1, ctx.NumVariables())
}

func TestExecInitializesVariables(t *testing.T) {
	backend := newTestBackend(t)
	ctx := context.New().WithInitializer(context.ConstantOf(10))
	e := context.NewExec(backend, ctx, func(ctx *context.Context, x *graph.Node) *graph.Node {
		v := ctx.VariableWithShape("offset", x.Shape())
		return graph.Add(x, v.ValueGraph(x.Graph()))
	})
	defer e.Finalize()

	results := e.Call([]float64{1, 2})
	require.True(t, results[0].Equal(tensors.FromValue([]float64{11, 12})))
	require.False(t, ctx.NeedsInitialization())
}

func TestTrainableVariablesGradients(t *testing.T) {
	backend := newTestBackend(t)
	ctx := context.New()
	w := ctx.VariableWithValue("w", []float64{1, 2})
	b := ctx.VariableWithValue("b", 5.0).SetTrainable(false)

	g := graph.NewGraph(backend, "grads")
	wNode := w.ValueGraph(g)
	loss := graph.ReduceAllSum(graph.Add(graph.Mul(wNode, wNode), b.ValueGraph(g)))
	grads := ctx.BuildTrainableVariablesGradientsGraph(loss)
	require.Len(t, grads, 1) // Only the trainable variable.

	g.Compile(grads[0])
	params := make(graph.ParamsMap)
	ctx.ExecSetVariablesInParams(params, g)
	results, err := g.RunWithMap(gocontext.Background(), params)
	require.NoError(t, err)
	require.True(t, results[0].Equal(tensors.FromValue([]float64{2, 4}))) // d(w²)/dw = 2w
}

func TestExecGradientDescent(t *testing.T) {
	backend := newTestBackend(t)
	xs := []float64{-2, -1, -0.5, 0.5, 1, 2, 3, 4}
	ys := make([]float64, len(xs))
	for i, x := range xs {
		ys[i] = 3 * x
	}

	ctx := context.New()
	step := context.NewExec(backend, ctx, func(ctx *context.Context, x, y *graph.Node) *graph.Node {
		ctx = ctx.Checked(false)
		w := ctx.VariableWithValue("w", 0.0)
		wNode := w.ValueGraph(x.Graph())
		residual := graph.Sub(graph.Mul(x, wNode), y)
		loss := graph.ReduceAllSum(graph.Square(residual))
		grads := ctx.BuildTrainableVariablesGradientsGraph(loss)
		w.SetValueGraph(graph.Sub(wNode, graph.MulScalar(grads[0], 0.01)))
		return loss
	})
	defer step.Finalize()

	var loss float64
	for range 100 {
		loss = tensors.ToScalar[float64](step.Call(xs, ys)[0])
	}
	require.Equal(t, 1, step.NumCompiledGraphs())
	assert.InDelta(t, 0.0, loss, 1e-6)

	w := ctx.GetVariable("w")
	require.NotNil(t, w)
	assert.InDelta(t, 3.0, tensors.ToScalar[float64](w.MustValue()), 1e-4)
}

func TestExecOnce(t *testing.T) {
	backend := newTestBackend(t)
	results, err := context.ExecOnce(backend,
		nil, // A fresh context is created on demand.
		func(ctx *context.Context, x *graph.Node) *graph.Node {
			v := ctx.VariableWithValue("two", 2.0)
			return graph.Pow(x, v.ValueGraph(x.Graph()))
		},
		[]float64{1, 2, 3})
	require.NoError(t, err)
	require.True(t, results[0].Equal(tensors.FromValue([]float64{1, 4, 9})))
}

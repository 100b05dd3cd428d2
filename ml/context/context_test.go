// Copyright 2026 The Symflow Authors. SPDX-License-Identifier: Apache-2.0

package context_test

import (
	"testing"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/symflow/symflow/backends"
	"github.com/symflow/symflow/backends/shapeinference"
	"github.com/symflow/symflow/ml/context"
	"github.com/symflow/symflow/types/shapes"
	"github.com/symflow/symflow/types/tensors"

	_ "github.com/symflow/symflow/backends/purego"
)

func newTestBackend(t *testing.T) backends.Backend {
	t.Helper()
	return must.M1(backends.NewWithConfig("purego"))
}

func TestScopes(t *testing.T) {
	ctx := context.New()
	require.Equal(t, context.RootScope, ctx.Scope())

	ctxA := ctx.In("a")
	require.Equal(t, "/a", ctxA.Scope())
	require.Equal(t, "/a/b", ctxA.In("b").Scope())
	require.Equal(t, "/a/layer_3", ctxA.Inf("layer_%d", 3).Scope())

	// Changing scope doesn't affect the original reference.
	require.Equal(t, context.RootScope, ctx.Scope())

	require.Equal(t, "/x/y", ctx.InAbsPath("/x/y").Scope())

	err := exceptions.TryCatch[error](func() { ctx.In("a/b") })
	require.Error(t, err)
	err = exceptions.TryCatch[error](func() { ctx.In("") })
	require.Error(t, err)

	require.Equal(t, "a_b", context.EscapeScopeName("a/b"))
}

func TestJoinAndSplitScope(t *testing.T) {
	require.Equal(t, "/a/b/w", context.JoinScope("/a/b", "w"))
	require.Equal(t, "/w", context.JoinScope("/", "w"))

	scope, name := context.SplitScope("/a/b/w")
	require.Equal(t, "/a/b", scope)
	require.Equal(t, "w", name)

	scope, name = context.SplitScope("/w")
	require.Equal(t, context.RootScope, scope)
	require.Equal(t, "w", name)

	scope, name = context.SplitScope("w")
	require.Equal(t, "", scope)
	require.Equal(t, "w", name)
}

func TestScopedParams(t *testing.T) {
	ctx := context.New()
	ctx.SetParam("learning_rate", 0.1)
	ctx.In("layer").SetParam("learning_rate", 0.01)
	ctx.SetParams(map[string]any{"momentum": 0.9})

	// Upward lookup from a nested scope.
	assert.Equal(t, 0.01, context.GetParamOr(ctx.In("layer").In("nested"), "learning_rate", 0.0))
	assert.Equal(t, 0.1, context.GetParamOr(ctx.In("other"), "learning_rate", 0.0))
	assert.Equal(t, 0.9, context.GetParamOr(ctx.In("layer"), "momentum", 0.0))
	assert.Equal(t, 7.0, context.GetParamOr(ctx, "unset", 7.0))

	_, found := ctx.GetParam("unset")
	assert.False(t, found)
}

func TestVariableDuplicateName(t *testing.T) {
	ctx := context.New()
	ctx.VariableWithValue("w", []float32{1, 2, 3})

	err := exceptions.TryCatch[error](func() {
		ctx.VariableWithValue("w", []float32{4, 5, 6})
	})
	require.ErrorIs(t, err, context.ErrDuplicateVariableName)

	// The same name in a different scope is fine.
	err = exceptions.TryCatch[error](func() {
		ctx.In("layer").VariableWithValue("w", []float32{4, 5, 6})
	})
	require.NoError(t, err)
	require.Equal(t, 2, ctx.NumVariables())

	// Reuse returns the existing variable and keeps its value.
	v := ctx.Reuse().VariableWithValue("w", []float32{7, 8, 9})
	require.Equal(t, "/w", v.ScopeAndName())
	require.True(t, v.MustValue().Equal(tensors.FromValue([]float32{1, 2, 3})))

	// Unchecked contexts reuse silently too.
	v2 := ctx.Checked(false).VariableWithValue("w", []float32{7, 8, 9})
	require.Same(t, v, v2)

	// Reuse of a variable that doesn't exist fails.
	err = exceptions.TryCatch[error](func() {
		ctx.Reuse().VariableWithValue("unknown", 1.0)
	})
	require.Error(t, err)

	// Reuse with a different shape fails.
	err = exceptions.TryCatch[error](func() {
		ctx.Reuse().VariableWithValue("w", []float32{1, 2})
	})
	require.ErrorIs(t, err, shapeinference.ErrDimensionMismatch)
}

func TestVariableWithShape(t *testing.T) {
	ctx := context.New()
	v := ctx.VariableWithShape("w", shapes.Make(dtypes.Float64, 2, 2))
	require.Equal(t, shapes.Make(dtypes.Float64, 2, 2), v.Shape())
	require.Equal(t, dtypes.Float64, v.DType())
	require.False(t, v.HasValue())
	require.True(t, ctx.NeedsInitialization())

	// Variables must have fully known shapes.
	err := exceptions.TryCatch[error](func() {
		ctx.VariableWithShape("open", shapes.Shape{DType: dtypes.Float32, Dimensions: []int{-1, 3}})
	})
	require.ErrorIs(t, err, shapeinference.ErrShapeUnderdetermined)
}

func TestInitializeVariables(t *testing.T) {
	backend := newTestBackend(t)
	ctx := context.New()
	zeros := ctx.VariableWithShape("zeros", shapes.Make(dtypes.Float32, 3))
	threes := ctx.WithInitializer(context.ConstantOf(3)).
		VariableWithShape("threes", shapes.Make(dtypes.Float32, 2, 2))
	uniform := ctx.WithInitializer(context.RandomUniform(42, -1, 1)).
		VariableWithShape("uniform", shapes.Make(dtypes.Float64, 100))

	require.NoError(t, ctx.InitializeVariables(backend))
	require.False(t, ctx.NeedsInitialization())

	require.True(t, zeros.MustValue().Equal(tensors.FromValue([]float32{0, 0, 0})))
	require.True(t, threes.MustValue().Equal(tensors.FromValue([][]float32{{3, 3}, {3, 3}})))
	for _, sample := range tensors.CopyFlatData[float64](uniform.MustValue()) {
		require.GreaterOrEqual(t, sample, -1.0)
		require.Less(t, sample, 1.0)
	}

	// Initializing again is a no-op.
	before := threes.MustValue()
	require.NoError(t, ctx.InitializeVariables(backend))
	require.Same(t, before, threes.MustValue())
}

func TestEnumerateVariables(t *testing.T) {
	ctx := context.New()
	ctx.VariableWithValue("a", 1.0)
	ctx.In("layer").VariableWithValue("b", []float32{1, 2})
	ctx.In("layer").In("nested").VariableWithValue("c", 3.0)

	var all []string
	for v := range ctx.IterVariables() {
		all = append(all, v.ScopeAndName())
	}
	require.Equal(t, []string{"/a", "/layer/b", "/layer/nested/c"}, all)

	var inScope []string
	for v := range ctx.In("layer").IterVariablesInScope() {
		inScope = append(inScope, v.ScopeAndName())
	}
	require.Equal(t, []string{"/layer/b", "/layer/nested/c"}, inScope)

	require.Equal(t, 3, ctx.NumVariables())
	require.Equal(t, 4, ctx.NumParameters()) // 1 + 2 + 1 entries.
	require.Equal(t, int64(8+2*4+8), ctx.Memory())
	require.Contains(t, ctx.String(), "3 variables")
}

func TestGetVariable(t *testing.T) {
	ctx := context.New()
	v := ctx.In("layer").VariableWithValue("w", []float32{1, 2})

	require.Same(t, v, ctx.GetVariableByScopeAndName("/layer", "w"))
	require.Same(t, v, ctx.In("layer").GetVariable("w"))
	require.Nil(t, ctx.GetVariable("w"))
	require.Nil(t, ctx.InspectVariableIfLoaded("/other", "w"))
}

func TestVariableParameterName(t *testing.T) {
	ctx := context.New()
	v := ctx.In("layer").VariableWithValue("w", 1.0)
	paramName := v.ParameterName()
	require.Equal(t, "var:/layer/w", paramName)

	scope, name := context.VariableScopeAndNameFromParameterName(paramName)
	require.Equal(t, "/layer", scope)
	require.Equal(t, "w", name)

	scope, name = context.VariableScopeAndNameFromParameterName("not-a-variable")
	require.Empty(t, scope)
	require.Empty(t, name)
}

// mapLoader serves variable values from a map keyed by scope-and-name.
type mapLoader struct {
	values map[string]*tensors.Tensor
}

func (l *mapLoader) LoadVariable(_ *context.Context, scope, name string) (*tensors.Tensor, bool) {
	value, found := l.values[context.JoinScope(scope, name)]
	return value, found
}

func TestLoader(t *testing.T) {
	ctx := context.New()
	ctx.SetLoader(&mapLoader{values: map[string]*tensors.Tensor{
		"/layer/w": tensors.FromValue([]float32{7, 8, 9}),
	}})

	// A loaded value counts as existing, so creation needs Reuse.
	v := ctx.In("layer").Reuse().VariableWithShape("w", shapes.Make(dtypes.Float32, 3))
	require.True(t, v.HasValue())
	require.True(t, v.MustValue().Equal(tensors.FromValue([]float32{7, 8, 9})))

	// The loaded value must match the declared shape.
	err := exceptions.TryCatch[error](func() {
		ctx.SetLoader(&mapLoader{values: map[string]*tensors.Tensor{
			"/layer/b": tensors.FromValue([]float32{7, 8, 9}),
		}})
		ctx.In("layer").Reuse().VariableWithShape("b", shapes.Make(dtypes.Float32, 2))
	})
	require.ErrorIs(t, err, shapeinference.ErrDimensionMismatch)

	// Variables not present in the loader are created as usual.
	v2 := ctx.In("layer").VariableWithValue("fresh", []float32{1})
	require.True(t, v2.MustValue().Equal(tensors.FromValue([]float32{1})))
}

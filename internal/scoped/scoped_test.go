// Copyright 2026 The Symflow Authors. SPDX-License-Identifier: Apache-2.0

package scoped_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/symflow/symflow/internal/scoped"
)

func TestScopedParams(t *testing.T) {
	p := scoped.New("/")

	//	Scope: "/": { "x":10, "y": 20, "z": 40 }
	//	Scope: "/a": { "y": 30 }
	//	Scope: "/a/b": { "x": 100 }
	p.Set("/", "x", 10)
	p.Set("/", "y", 20)
	p.Set("/", "z", 40)
	p.Set("/a", "y", 30)
	p.Set("/a/b", "x", 100)

	value, found := p.Get("/a/b", "x")
	assert.True(t, found)
	assert.Equal(t, 100, value.(int))

	value, found = p.Get("/a/b", "y")
	assert.True(t, found)
	assert.Equal(t, 30, value.(int))

	value, found = p.Get("/a/b", "z")
	assert.True(t, found)
	assert.Equal(t, 40, value.(int))

	_, found = p.Get("/a/b", "w")
	assert.False(t, found)

	// Lookup from a scope that was never set falls back to the root.
	value, found = p.Get("/d/e/f", "z")
	assert.True(t, found)
	assert.Equal(t, 40, value.(int))

	want := []struct {
		scope string
		key   string
		value int
	}{
		{"/", "x", 10},
		{"/", "y", 20},
		{"/", "z", 40},
		{"/a", "y", 30},
		{"/a/b", "x", 100},
	}
	pos := 0
	p.Enumerate(func(scope, key string, valueAny any) {
		require.Less(t, pos, len(want))
		require.Equal(t, want[pos].scope, scope)
		require.Equal(t, want[pos].key, key)
		require.Equal(t, want[pos].value, valueAny.(int))
		pos++
	})
	require.Equal(t, len(want), pos)
}

func TestScopedParamsClone(t *testing.T) {
	p := scoped.New("/")
	p.Set("/", "x", 10)
	p.Set("/a", "x", 20)

	p2 := p.Clone()
	p2.Set("/a", "x", 30)

	value, found := p.Get("/a", "x")
	require.True(t, found)
	assert.Equal(t, 20, value.(int))
	value, found = p2.Get("/a", "x")
	require.True(t, found)
	assert.Equal(t, 30, value.(int))
}

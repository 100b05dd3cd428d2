// Copyright 2026 The Symflow Authors. SPDX-License-Identifier: Apache-2.0

package context

import (
	"math/rand"

	"github.com/symflow/symflow/graph"
	"github.com/symflow/symflow/types/shapes"
	"github.com/symflow/symflow/types/tensors"
)

// VariableInitializer builds the node with the initial value of a variable of
// the given shape. It runs inside the variable initialization graph, see
// Context.InitializeVariables.
type VariableInitializer func(g *Graph, shape shapes.Shape) *Node

// Zeros returns an initializer that sets the variable to zeros. It is the
// default initializer of a new Context.
func Zeros() VariableInitializer {
	return func(g *Graph, shape shapes.Shape) *Node {
		return graph.Zeros(g, shape)
	}
}

// Ones returns an initializer that sets the variable to ones.
func Ones() VariableInitializer {
	return func(g *Graph, shape shapes.Shape) *Node {
		return graph.Ones(g, shape)
	}
}

// ConstantOf returns an initializer that sets every entry of the variable to
// the given value, converted to the variable dtype.
func ConstantOf(value float64) VariableInitializer {
	return func(g *Graph, shape shapes.Shape) *Node {
		scalar := graph.Scalar(g, shape.DType, value)
		if shape.IsScalar() {
			return scalar
		}
		return graph.BroadcastToDims(scalar, shape.Dimensions...)
	}
}

// RandomUniform returns an initializer that fills the variable with values
// uniformly sampled from [min, max). The sequence of values is deterministic
// for a given seed, but depends on the order in which variables are
// initialized.
func RandomUniform(seed int64, min, max float64) VariableInitializer {
	rng := rand.New(rand.NewSource(seed))
	return func(g *Graph, shape shapes.Shape) *Node {
		flat := make([]float64, shape.Size())
		for i := range flat {
			flat[i] = min + rng.Float64()*(max-min)
		}
		values := tensors.FromFlatDataAndDimensions(flat, shape.Dimensions...)
		return graph.ConvertDType(graph.ConstTensor(g, values), shape.DType)
	}
}

// RandomNormal returns an initializer that fills the variable with values
// sampled from a normal distribution with the given standard deviation and
// mean 0. The sequence of values is deterministic for a given seed, but
// depends on the order in which variables are initialized.
func RandomNormal(seed int64, stddev float64) VariableInitializer {
	rng := rand.New(rand.NewSource(seed))
	return func(g *Graph, shape shapes.Shape) *Node {
		flat := make([]float64, shape.Size())
		for i := range flat {
			flat[i] = rng.NormFloat64() * stddev
		}
		values := tensors.FromFlatDataAndDimensions(flat, shape.Dimensions...)
		return graph.ConvertDType(graph.ConstTensor(g, values), shape.DType)
	}
}

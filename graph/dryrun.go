// Copyright 2026 The Symflow Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"context"
	"fmt"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"

	"github.com/symflow/symflow/backends"
	"github.com/symflow/symflow/types/shapes"
	"github.com/symflow/symflow/types/tensors"
)

// DryRun statically checks a graph building function: it builds the graph
// with parameters of the declared shapes, compiles it and runs it once on
// zero-valued dummy tensors, and reports any error raised along the way --
// shape conflicts, missing gradient rules, unresolved dimensions -- without
// requiring real data. A nil result means the definition is consistent for
// inputs of those shapes.
//
// Construction-time panics are caught and returned as errors, so a DryRun
// over a broken definition reports it instead of crashing the caller. Check
// the returned error with errors.Is against the shapeinference and graph
// sentinels to tell the failure classes apart.
func DryRun(backend backends.Backend, graphFn func(g *Graph, inputs []*Node) *Node, argShapes ...shapes.Shape) error {
	var g *Graph
	err := exceptions.TryCatch[error](func() {
		g = NewGraph(backend, "dryrun")
		inputs := make([]*Node, len(argShapes))
		for ii, shape := range argShapes {
			inputs[ii] = Parameter(g, fmt.Sprintf("arg#%d", ii), shape)
		}
		output := graphFn(g, inputs)
		if output == nil {
			exceptions.Panicf("dry-run graph function returned a nil output")
		}
		g.Compile(output)
	})
	if err != nil {
		if g != nil {
			g.Finalize()
		}
		return errors.WithMessage(err, "dry-run")
	}
	defer g.Finalize()

	dummies := make([]*tensors.Tensor, len(g.parameters))
	for ii, param := range g.parameters {
		dummies[ii] = tensors.FromShape(param.Shape())
	}
	defer func() {
		for _, dummy := range dummies {
			dummy.Finalize()
		}
	}()
	if _, err := g.RunWithContext(context.Background(), dummies...); err != nil {
		return errors.WithMessage(err, "dry-run")
	}
	return nil
}

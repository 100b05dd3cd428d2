// Copyright 2026 The Symflow Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"

	"github.com/symflow/symflow/backends"
	"github.com/symflow/symflow/types/tensors"
	"github.com/symflow/symflow/types/xslices"
)

// ExecGraphFn is the set of function signatures accepted by NewExec: a graph
// building function taking nodes (or the graph itself, for functions without
// inputs) and returning the output node(s).
type ExecGraphFn interface {
	func(*Graph) *Node |
		func(*Node) *Node |
		func(*Node, *Node) *Node |
		func(*Node, *Node, *Node) *Node |
		func([]*Node) *Node |
		func([]*Node) []*Node
}

// DefaultExecMaxCache is the default limit of compiled graphs kept by an
// Exec, one per distinct combination of input shapes.
const DefaultExecMaxCache = 32

// Exec compiles and executes computation graphs on demand, based on the
// shapes of the inputs.
//
// It wraps a graph building function: the first Call with a given
// combination of input shapes builds and compiles the graph, later calls
// with the same shapes reuse the compiled executable.
//
//	length := NewExec(backend, func(x *Node) *Node {
//		return Sqrt(ReduceAllSum(Mul(x, x)))
//	})
//	result := length.Call([]float32{3, 4})[0] // 5
//
// Exec is safe for concurrent use: the cache is locked and each compiled
// graph can execute concurrently.
type Exec struct {
	backend   backends.Backend
	name      string
	graphFn   func(*Graph, []*Node) []*Node
	numInputs int // -1 when graphFn takes a slice of nodes.

	mu       sync.Mutex
	cache    map[string]*Graph
	maxCache int
}

// NewExec creates an Exec for the given graph building function.
func NewExec[F ExecGraphFn](backend backends.Backend, graphFn F) *Exec {
	exec := &Exec{
		backend:  backend,
		name:     "exec",
		cache:    make(map[string]*Graph),
		maxCache: DefaultExecMaxCache,
	}
	switch fn := any(graphFn).(type) {
	case func(*Graph) *Node:
		exec.numInputs = 0
		exec.graphFn = func(g *Graph, _ []*Node) []*Node { return []*Node{fn(g)} }
	case func(*Node) *Node:
		exec.numInputs = 1
		exec.graphFn = func(_ *Graph, inputs []*Node) []*Node { return []*Node{fn(inputs[0])} }
	case func(*Node, *Node) *Node:
		exec.numInputs = 2
		exec.graphFn = func(_ *Graph, inputs []*Node) []*Node { return []*Node{fn(inputs[0], inputs[1])} }
	case func(*Node, *Node, *Node) *Node:
		exec.numInputs = 3
		exec.graphFn = func(_ *Graph, inputs []*Node) []*Node {
			return []*Node{fn(inputs[0], inputs[1], inputs[2])}
		}
	case func([]*Node) *Node:
		exec.numInputs = -1
		exec.graphFn = func(_ *Graph, inputs []*Node) []*Node { return []*Node{fn(inputs)} }
	case func([]*Node) []*Node:
		exec.numInputs = -1
		exec.graphFn = func(_ *Graph, inputs []*Node) []*Node { return fn(inputs) }
	}
	return exec
}

// WithName sets the name used for the graphs built by this Exec, for
// logging and error messages. Returns the Exec for chaining.
func (e *Exec) WithName(name string) *Exec {
	e.name = name
	return e
}

// SetMaxCache changes the limit of compiled graphs kept. Returns the Exec
// for chaining.
func (e *Exec) SetMaxCache(size int) *Exec {
	e.maxCache = size
	return e
}

// NumCompiledGraphs returns how many distinct graphs this Exec has compiled
// so far.
func (e *Exec) NumCompiledGraphs() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.cache)
}

// Call converts each argument to a tensor (if not one already), executes the
// graph compiled for the arguments' shapes, and returns all outputs. It
// panics on error; see CallWithContext for the error-returning version.
func (e *Exec) Call(args ...any) []*tensors.Tensor {
	results, err := e.CallWithContext(context.Background(), args...)
	if err != nil {
		panic(errors.WithMessagef(err, "Exec %q", e.name))
	}
	return results
}

// CallWithContext executes the graph compiled for the arguments' shapes with
// the context bounding the execution time.
func (e *Exec) CallWithContext(ctx context.Context, args ...any) ([]*tensors.Tensor, error) {
	if e.graphFn == nil {
		return nil, errors.Errorf("Exec %q was not created with NewExec", e.name)
	}
	if e.numInputs >= 0 && len(args) != e.numInputs {
		return nil, errors.Errorf("Exec %q: graph function takes %d inputs, got %d arguments",
			e.name, e.numInputs, len(args))
	}
	inputs := make([]*tensors.Tensor, len(args))
	for ii, arg := range args {
		if t, ok := arg.(*tensors.Tensor); ok {
			inputs[ii] = t
			continue
		}
		var err error
		err = exceptions.TryCatch[error](func() {
			inputs[ii] = tensors.FromAnyValue(arg)
		})
		if err != nil {
			return nil, errors.WithMessagef(err, "Exec %q: converting argument #%d", e.name, ii)
		}
	}
	g, err := e.graphForInputs(inputs)
	if err != nil {
		return nil, err
	}
	return g.RunWithContext(ctx, inputs...)
}

// graphForInputs returns the graph compiled for the given input shapes,
// building it on first use.
func (e *Exec) graphForInputs(inputs []*tensors.Tensor) (*Graph, error) {
	key := strings.Join(xslices.Map(inputs, func(t *tensors.Tensor) string {
		return t.Shape().String()
	}), "|")

	e.mu.Lock()
	defer e.mu.Unlock()
	if g, found := e.cache[key]; found {
		return g, nil
	}
	if len(e.cache) >= e.maxCache {
		return nil, errors.Errorf(
			"Exec %q: exceeded the limit of %d compiled graphs -- use SetMaxCache if more are really needed",
			e.name, e.maxCache)
	}

	var g *Graph
	err := exceptions.TryCatch[error](func() {
		g = NewGraph(e.backend, fmt.Sprintf("%s#%d", e.name, len(e.cache)))
		parameters := make([]*Node, len(inputs))
		for ii, input := range inputs {
			parameters[ii] = Parameter(g, fmt.Sprintf("arg#%d", ii), input.Shape())
		}
		outputs := e.graphFn(g, parameters)
		g.Compile(outputs...)
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "Exec %q: building graph for inputs %s", e.name, key)
	}
	e.cache[key] = g
	return g, nil
}

// Finalize frees all compiled graphs held by the Exec.
func (e *Exec) Finalize() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for key, g := range e.cache {
		g.Finalize()
		delete(e.cache, key)
	}
}

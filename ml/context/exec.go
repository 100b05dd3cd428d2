// Copyright 2026 The Symflow Authors. SPDX-License-Identifier: Apache-2.0

package context

import (
	gocontext "context"
	"fmt"
	"strings"
	"sync"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"

	"github.com/symflow/symflow/backends"
	"github.com/symflow/symflow/graph"
	"github.com/symflow/symflow/types/tensors"
	"github.com/symflow/symflow/types/xslices"
)

// ExecGraphFn is the set of function signatures accepted by NewExec: a graph
// building function taking a Context and nodes (or the graph itself, for
// functions without inputs) and returning the output node(s).
type ExecGraphFn interface {
	func(*Context, *Graph) *Node |
		func(*Context, *Node) *Node |
		func(*Context, *Node, *Node) *Node |
		func(*Context, *Node, *Node, *Node) *Node |
		func(*Context, []*Node) *Node |
		func(*Context, []*Node) []*Node
}

// Exec compiles and executes computation graphs built with a Context, one
// graph per distinct combination of input shapes, like graph.Exec. On top of
// that it handles the context variables:
//
//   - Variables used by the graph function are fed automatically as extra
//     inputs, and initialized first (see Context.InitializeVariables) if
//     needed.
//   - Variables updated in the graph with Variable.SetValueGraph become extra
//     outputs, copied back to the variable after each execution.
//
// That makes optimization loops read naturally: the graph function computes a
// loss, derives gradients with Context.BuildTrainableVariablesGradientsGraph
// and sets the updated weights with SetValueGraph; calling the Exec
// repeatedly trains the variables.
//
// The Context is automatically marked for Reuse after the first graph is
// built, so building the same function for new input shapes shares the
// variables already created.
type Exec struct {
	backend backends.Backend
	name    string
	ctx     *Context
	graphFn func(*Context, *Graph, []*Node) []*Node

	numInputs int // -1 when graphFn takes a slice of nodes.

	mu       sync.Mutex
	cache    map[string]*execEntry
	maxCache int
}

// execEntry is one compiled graph with the variable plumbing discovered while
// building it.
type execEntry struct {
	graph *graph.Graph

	// args are the parameter nodes of the positional inputs.
	args []*Node

	// numOutputs are the outputs of the graph function; the graph itself has
	// len(sideOutputs) extra outputs appended.
	numOutputs int

	// sideInputs are the variables read by the graph, fed at execution.
	sideInputs []*Variable

	// sideOutputs are the variables updated in the graph with SetValueGraph,
	// in the order their value nodes were appended to the outputs.
	sideOutputs []*Variable
}

// NewExec creates an Exec for the given context and graph building function.
// If ctx is nil a new empty context is created.
func NewExec[F ExecGraphFn](backend backends.Backend, ctx *Context, graphFn F) *Exec {
	if ctx == nil {
		ctx = New()
	}
	exec := &Exec{
		backend:  backend,
		name:     "context.exec",
		ctx:      ctx,
		cache:    make(map[string]*execEntry),
		maxCache: graph.DefaultExecMaxCache,
	}
	switch fn := any(graphFn).(type) {
	case func(*Context, *Graph) *Node:
		exec.numInputs = 0
		exec.graphFn = func(ctx *Context, g *Graph, _ []*Node) []*Node { return []*Node{fn(ctx, g)} }
	case func(*Context, *Node) *Node:
		exec.numInputs = 1
		exec.graphFn = func(ctx *Context, _ *Graph, inputs []*Node) []*Node { return []*Node{fn(ctx, inputs[0])} }
	case func(*Context, *Node, *Node) *Node:
		exec.numInputs = 2
		exec.graphFn = func(ctx *Context, _ *Graph, inputs []*Node) []*Node {
			return []*Node{fn(ctx, inputs[0], inputs[1])}
		}
	case func(*Context, *Node, *Node, *Node) *Node:
		exec.numInputs = 3
		exec.graphFn = func(ctx *Context, _ *Graph, inputs []*Node) []*Node {
			return []*Node{fn(ctx, inputs[0], inputs[1], inputs[2])}
		}
	case func(*Context, []*Node) *Node:
		exec.numInputs = -1
		exec.graphFn = func(ctx *Context, _ *Graph, inputs []*Node) []*Node { return []*Node{fn(ctx, inputs)} }
	case func(*Context, []*Node) []*Node:
		exec.numInputs = -1
		exec.graphFn = func(ctx *Context, _ *Graph, inputs []*Node) []*Node { return fn(ctx, inputs) }
	}
	return exec
}

// WithName sets the name used for the graphs built by this Exec, for logging
// and error messages. Returns the Exec for chaining.
func (e *Exec) WithName(name string) *Exec {
	e.name = name
	return e
}

// SetMaxCache changes the limit of compiled graphs kept. Returns the Exec for
// chaining.
func (e *Exec) SetMaxCache(size int) *Exec {
	e.maxCache = size
	return e
}

// Context returns the context used by this Exec.
func (e *Exec) Context() *Context {
	return e.ctx
}

// NumCompiledGraphs returns how many distinct graphs this Exec has compiled
// so far.
func (e *Exec) NumCompiledGraphs() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.cache)
}

// Call converts each argument to a tensor (if not one already), executes the
// graph compiled for the arguments' shapes, and returns the graph function
// outputs. Variables updated in the graph are written back before returning.
// It panics on error; see CallWithContext for the error-returning version.
func (e *Exec) Call(args ...any) []*tensors.Tensor {
	results, err := e.CallWithContext(gocontext.Background(), args...)
	if err != nil {
		panic(errors.WithMessagef(err, "Exec %q", e.name))
	}
	return results
}

// CallWithContext executes the graph compiled for the arguments' shapes with
// the context bounding the execution time.
func (e *Exec) CallWithContext(ctx gocontext.Context, args ...any) ([]*tensors.Tensor, error) {
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
		err := exceptions.TryCatch[error](func() {
			inputs[ii] = tensors.FromAnyValue(arg)
		})
		if err != nil {
			return nil, errors.WithMessagef(err, "Exec %q: converting argument #%d", e.name, ii)
		}
	}

	entry, err := e.entryForInputs(inputs)
	if err != nil {
		return nil, err
	}

	// Variables created while building the graph may still need their
	// initializer graphs run.
	if e.ctx.NeedsInitialization() {
		if err = e.ctx.InitializeVariables(e.backend); err != nil {
			return nil, errors.WithMessagef(err, "Exec %q: initializing variables", e.name)
		}
	}

	params := make(graph.ParamsMap, len(entry.args)+len(entry.sideInputs))
	for ii, node := range entry.args {
		params[node] = inputs[ii]
	}
	err = exceptions.TryCatch[error](func() {
		e.ctx.ExecSetVariablesInParams(params, entry.graph)
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "Exec %q", e.name)
	}

	results, err := entry.graph.RunWithMap(ctx, params)
	if err != nil {
		return nil, err
	}

	// Write updated variable values back.
	for ii, v := range entry.sideOutputs {
		if err = v.SetValue(results[entry.numOutputs+ii]); err != nil {
			return nil, errors.WithMessagef(err, "Exec %q: updating variable %q", e.name, v.ScopeAndName())
		}
	}
	return results[:entry.numOutputs], nil
}

// entryForInputs returns the compiled graph entry for the given input
// shapes, building the graph on first use.
func (e *Exec) entryForInputs(inputs []*tensors.Tensor) (*execEntry, error) {
	key := strings.Join(xslices.Map(inputs, func(t *tensors.Tensor) string {
		return t.Shape().String()
	}), "|")

	e.mu.Lock()
	defer e.mu.Unlock()
	if entry, found := e.cache[key]; found {
		return entry, nil
	}
	if len(e.cache) >= e.maxCache {
		return nil, errors.Errorf(
			"Exec %q: exceeded the limit of %d compiled graphs -- use SetMaxCache if more are really needed",
			e.name, e.maxCache)
	}

	entry := &execEntry{}
	err := exceptions.TryCatch[error](func() {
		g := graph.NewGraph(e.backend, fmt.Sprintf("%s#%d", e.name, len(e.cache)))
		entry.graph = g
		entry.args = make([]*Node, len(inputs))
		for ii, input := range inputs {
			entry.args[ii] = graph.Parameter(g, fmt.Sprintf("arg#%d", ii), input.Shape())
		}
		outputs := e.graphFn(e.ctx, g, entry.args)
		entry.numOutputs = len(outputs)

		// Discover the variable plumbing: every used variable is a side
		// input, every variable changed with SetValueGraph also becomes a
		// side output.
		for _, v := range e.ctx.data.variables {
			if !v.InUseByGraph(g) {
				continue
			}
			entry.sideInputs = append(entry.sideInputs, v)
			if v.ChangedInGraph(g) {
				entry.sideOutputs = append(entry.sideOutputs, v)
				outputs = append(outputs, v.ValueGraph(g))
			}
		}
		g.Compile(outputs...)
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "Exec %q: building graph for inputs [%s]", e.name, key)
	}
	e.cache[key] = entry

	// Graphs built from now on reuse the variables created by this one.
	e.ctx = e.ctx.Reuse()
	return entry, nil
}

// ExecOnce builds the graph for the given arguments, executes it once and
// frees it. A shortcut for NewExec, Exec.CallWithContext and Exec.Finalize.
func ExecOnce[F ExecGraphFn](backend backends.Backend, ctx *Context, graphFn F, args ...any) ([]*tensors.Tensor, error) {
	e := NewExec(backend, ctx, graphFn)
	defer e.Finalize()
	return e.CallWithContext(gocontext.Background(), args...)
}

// Finalize frees all compiled graphs held by the Exec. The context and its
// variables are untouched.
func (e *Exec) Finalize() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for key, entry := range e.cache {
		entry.graph.Finalize()
		delete(e.cache, key)
	}
}

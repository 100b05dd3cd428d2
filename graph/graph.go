// Copyright 2026 The Symflow Authors. SPDX-License-Identifier: Apache-2.0

// Package graph builds lazy tensor computations as directed acyclic graphs
// of symbolic nodes.
//
// A Graph is created for a backends.Backend and populated bottom-up with op
// constructors (Add, Mul, ReduceSum, ...). Every constructor runs shape
// inference immediately: dimensions may still be unknown while building (they
// are tracked as variables by a shapeinference.Solver and may be bound
// retroactively, e.g. by AssertShape), but rank and dimension conflicts
// surface at construction time, before any data is available.
//
// Structurally identical expressions are collapsed into a single node, so
// building the same operation twice with the same inputs and parameters
// returns the identical *Node.
//
// Once the desired outputs are built, Graph.Compile lowers the graph to the
// backend and Graph.Run executes it with concrete tensors substituted for
// the parameters. Gradient, Jacobian, Hessian, Divergence and Curl build
// derivative subgraphs of an existing graph; see rev_autodiff.go.
//
// Graph construction is single-threaded: constructors mutate the shared
// solver state and the deduplication table, so only one goroutine may extend
// a given graph at a time. A compiled graph is immutable and may be run
// concurrently from many goroutines.
//
// Errors during construction are reported as panics carrying an error value
// with a stack trace (see github.com/gomlx/exceptions); Run returns errors.
package graph

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/symflow/symflow/backends"
	"github.com/symflow/symflow/backends/shapeinference"
	"github.com/symflow/symflow/types/tensors"
)

// Errors returned (wrapped) by the evaluation side of the package. Shape
// errors raised during construction are the sentinels in the
// shapeinference package.
var (
	// ErrNoGradientDefined is raised when differentiation reaches an
	// operation with no registered gradient rule.
	ErrNoGradientDefined = errors.New("no gradient defined for operation")

	// ErrUnboundVariable is returned by Run when a parameter of the graph
	// has no concrete value bound to it.
	ErrUnboundVariable = errors.New("unbound variable")

	// ErrBackendExecution wraps errors reported by the backend while
	// executing a compiled graph.
	ErrBackendExecution = errors.New("backend execution failed")

	// ErrEvaluationTimeout is returned by Run when the context deadline
	// expires before execution completes. The graph itself is unaffected
	// and can be run again.
	ErrEvaluationTimeout = errors.New("evaluation timed out")
)

// GraphId is a unique identifier of a Graph within the process, assigned at
// creation. Callers keeping per-graph state (e.g. the context package) use it
// as a map key.
type GraphId int

// NodeId is a unique identifier of a Node within a Graph, ordered by
// creation: a node's inputs always have smaller ids.
type NodeId int

// InvalidNodeId is returned for nodes not attached to a graph.
const InvalidNodeId = NodeId(-1)

// ParameterHandle is the index of a parameter within a Graph, in creation
// order. It is also the position of the corresponding value in Run's inputs.
type ParameterHandle int

// InvalidParameterHandle represents an invalid (or non-existent) parameter.
const InvalidParameterHandle = ParameterHandle(-1)

type graphStatus int

const (
	statusBuilding graphStatus = iota
	statusCompiled
	statusFinalized
)

// Graph with the operations and dependencies needed to run a computation.
type Graph struct {
	backend backends.Backend
	id      GraphId
	name    string
	status  graphStatus

	solver *shapeinference.Solver

	nodes                 []*Node
	parameters            []*Node
	parameterNameToHandle map[string]ParameterHandle

	// scalars caches the scalar constants of the graph, to avoid
	// duplicates.
	scalars map[scalarKey]*Node

	// dedup indexes nodes for common-subexpression elimination.
	dedup map[nodeDedupKey][]*Node

	// Set by Compile.
	executable backends.Executable
	outputs    []*Node
}

type scalarKey struct {
	dtype dtypes.DType
	value float64
}

var nextGraphId atomic.Int64

// NewGraph constructs an empty Graph backed by the given backend. If name is
// empty a default one is generated.
func NewGraph(backend backends.Backend, name string) *Graph {
	if name == "" {
		name = "graph"
	}
	return &Graph{
		backend:               backend,
		id:                    GraphId(nextGraphId.Add(1)),
		name:                  name,
		solver:                shapeinference.NewSolver(),
		parameterNameToHandle: make(map[string]ParameterHandle),
		scalars:               make(map[scalarKey]*Node),
		dedup:                 make(map[nodeDedupKey][]*Node),
	}
}

// GraphId returns the unique id of this Graph.
func (g *Graph) GraphId() GraphId { return g.id }

// Name of the computation this Graph defines.
func (g *Graph) Name() string { return g.name }

// Backend this Graph is built for.
func (g *Graph) Backend() backends.Backend { return g.backend }

// Solver tracking this graph's unknown dimensions. Exposed for inspection;
// op constructors manage it.
func (g *Graph) Solver() *shapeinference.Solver { return g.solver }

// NumNodes returns the number of nodes created so far.
func (g *Graph) NumNodes() int { return len(g.nodes) }

// NumParameters returns the number of parameters created so far.
func (g *Graph) NumParameters() int { return len(g.parameters) }

// IsCompiled returns whether Compile has already been called.
func (g *Graph) IsCompiled() bool { return g.status == statusCompiled }

// IsValid returns whether the Graph hasn't been finalized.
func (g *Graph) IsValid() bool { return g != nil && g.status != statusFinalized }

// AssertValid panics if the graph is nil or has been finalized.
func (g *Graph) AssertValid() {
	if g == nil {
		exceptions.Panicf("the Graph is nil")
	}
	if g.status == statusFinalized {
		exceptions.Panicf("Graph %q has been finalized and can no longer be used", g.name)
	}
}

// AssertBuilding panics if the graph is not in the building phase: nodes can
// only be added before Compile is called.
func (g *Graph) AssertBuilding() {
	g.AssertValid()
	if g.status != statusBuilding {
		exceptions.Panicf("Graph %q has already been compiled and can no longer be changed", g.name)
	}
}

// AssertCompiled panics if the graph has not been compiled yet.
func (g *Graph) AssertCompiled() {
	g.AssertValid()
	if g.status != statusCompiled {
		exceptions.Panicf("Graph %q has not yet been compiled", g.name)
	}
}

// Finalize frees the compiled computation (if any) and invalidates the
// Graph. Not required, the garbage collector handles graphs like any other
// value, but it releases backend resources immediately.
func (g *Graph) Finalize() {
	if g == nil || g.status == statusFinalized {
		return
	}
	if g.executable != nil {
		g.executable.Finalize()
		g.executable = nil
	}
	g.nodes = nil
	g.parameters = nil
	g.parameterNameToHandle = nil
	g.scalars = nil
	g.dedup = nil
	g.outputs = nil
	g.status = statusFinalized
}

// registerNode assigns the node its id and appends it to the graph.
func (g *Graph) registerNode(node *Node) {
	node.id = NodeId(len(g.nodes))
	g.nodes = append(g.nodes, node)
}

// NodeById returns the node with the given id, which must exist.
func (g *Graph) NodeById(id NodeId) *Node {
	g.AssertValid()
	if id < 0 || int(id) >= len(g.nodes) {
		exceptions.Panicf("Graph %q has no node with id %d", g.name, id)
	}
	return g.nodes[id]
}

// Compile finalizes the graph with the given outputs: every node reachable
// from the outputs (and every parameter) must have a fully resolved shape by
// now, otherwise it panics wrapping shapeinference.ErrShapeUnderdetermined.
// The graph is then lowered node by node to the backend and the compiled
// executable kept for Run.
func (g *Graph) Compile(outputs ...*Node) {
	g.AssertBuilding()
	if len(outputs) == 0 {
		exceptions.Panicf("Graph %q: Compile requires at least one output", g.name)
	}
	for ii, output := range outputs {
		if output.graph != g {
			exceptions.Panicf("Graph %q: Compile output #%d belongs to a different graph", g.name, ii)
		}
	}
	startTime := time.Now()

	reachable := g.markReachable(outputs)
	for _, node := range g.nodes {
		if !reachable[node.id] && node.opType != backends.OpTypeParameter {
			continue
		}
		resolved := g.solver.Resolve(node.shape)
		if err := g.solver.CheckFullyResolved(resolved); err != nil {
			panic(errors.WithMessagef(err, "Graph %q: cannot compile, node #%d (%s) has unresolved shape", g.name, node.id, node.opType))
		}
	}

	builder := g.backend.Builder(g.name)
	lowered := make([]backends.Op, len(g.nodes))
	// Parameters are lowered first, in handle order, so the executable's
	// input order matches the graph's parameter order.
	for _, param := range g.parameters {
		lowered[param.id] = g.lowerNode(builder, param, lowered)
	}
	for _, node := range g.nodes {
		if !reachable[node.id] || node.opType == backends.OpTypeParameter {
			continue
		}
		lowered[node.id] = g.lowerNode(builder, node, lowered)
	}
	outputOps := make([]backends.Op, len(outputs))
	for ii, output := range outputs {
		outputOps[ii] = lowered[output.id]
	}
	executable, err := builder.Compile(outputOps...)
	if err != nil {
		panic(errors.WithMessagef(err, "Graph %q: backend failed to compile", g.name))
	}
	g.executable = executable
	g.outputs = outputs
	g.status = statusCompiled
	if klog.V(1).Enabled() {
		klog.Infof("graph %q: compiled %d nodes (%d parameters, %d outputs) in %s",
			g.name, len(g.nodes), len(g.parameters), len(outputs), time.Since(startTime))
	}
}

// markReachable returns, indexed by NodeId, whether each node is an ancestor
// of (or is) one of the outputs.
func (g *Graph) markReachable(outputs []*Node) []bool {
	reachable := make([]bool, len(g.nodes))
	var visit func(node *Node)
	visit = func(node *Node) {
		if reachable[node.id] {
			return
		}
		reachable[node.id] = true
		for _, input := range node.inputs {
			visit(input)
		}
	}
	for _, output := range outputs {
		visit(output)
	}
	return reachable
}

// ParamsMap binds concrete tensors to parameter nodes for RunWithMap.
type ParamsMap map[*Node]*tensors.Tensor

// Run executes the compiled graph with the given inputs, one per parameter
// in creation order. It is a shortcut to RunWithContext with a background
// context.
func (g *Graph) Run(inputs ...*tensors.Tensor) ([]*tensors.Tensor, error) {
	return g.RunWithContext(context.Background(), inputs...)
}

// RunWithContext executes the compiled graph with the given inputs, one per
// parameter in creation order.
//
// The context bounds the execution: if its deadline expires mid-run the
// result is an error wrapping ErrEvaluationTimeout and the graph is left
// untouched, ready to be run again.
func (g *Graph) RunWithContext(ctx context.Context, inputs ...*tensors.Tensor) ([]*tensors.Tensor, error) {
	g.AssertCompiled()
	if len(inputs) != len(g.parameters) {
		return nil, errors.Wrapf(ErrUnboundVariable, "graph %q takes %d parameters, got %d values",
			g.name, len(g.parameters), len(inputs))
	}
	for ii, input := range inputs {
		if input == nil {
			return nil, errors.Wrapf(ErrUnboundVariable, "graph %q: parameter %q (#%d) is nil",
				g.name, g.parameters[ii].ParameterName(), ii)
		}
	}
	return g.execute(ctx, inputs)
}

// RunWithMap executes the compiled graph with parameter values given per
// node. Every parameter of the graph must be bound, otherwise it returns an
// error wrapping ErrUnboundVariable before anything executes.
func (g *Graph) RunWithMap(ctx context.Context, params ParamsMap) ([]*tensors.Tensor, error) {
	g.AssertCompiled()
	inputs := make([]*tensors.Tensor, len(g.parameters))
	for ii, param := range g.parameters {
		value, found := params[param]
		if !found || value == nil {
			return nil, errors.Wrapf(ErrUnboundVariable, "graph %q: no value bound for parameter %q",
				g.name, param.ParameterName())
		}
		inputs[ii] = value
	}
	return g.execute(ctx, inputs)
}

func (g *Graph) execute(ctx context.Context, inputs []*tensors.Tensor) ([]*tensors.Tensor, error) {
	// Check the value shapes before transferring anything to the backend.
	for ii, input := range inputs {
		want := g.solver.Resolve(g.parameters[ii].shape)
		if !input.Shape().Equal(want) {
			return nil, errors.Errorf("graph %q: parameter %q requires shape %s, got %s",
				g.name, g.parameters[ii].ParameterName(), want, input.Shape())
		}
	}
	buffers := make([]backends.Buffer, len(inputs))
	defer func() {
		for _, buffer := range buffers {
			if buffer != nil {
				_ = g.backend.BufferFinalize(buffer)
			}
		}
	}()
	for ii, input := range inputs {
		var err error
		input.ConstFlatData(func(flat any) {
			buffers[ii], err = g.backend.BufferFromFlatData(flat, input.Shape())
		})
		if err != nil {
			return nil, errors.WithMessagef(err, "graph %q: transferring parameter #%d to backend %q",
				g.name, ii, g.backend.Name())
		}
	}

	outputBuffers, err := g.executable.Execute(ctx, buffers)
	if err != nil {
		if ctxErr := ctx.Err(); errors.Is(ctxErr, context.DeadlineExceeded) {
			return nil, errors.Wrapf(ErrEvaluationTimeout, "graph %q: %v", g.name, err)
		}
		return nil, errors.Wrapf(ErrBackendExecution, "graph %q on backend %q: %v", g.name, g.backend.Name(), err)
	}

	results := make([]*tensors.Tensor, len(outputBuffers))
	for ii, buffer := range outputBuffers {
		shape, shapeErr := g.backend.BufferShape(buffer)
		if shapeErr != nil {
			return nil, errors.Wrapf(ErrBackendExecution, "graph %q: reading output #%d shape: %v", g.name, ii, shapeErr)
		}
		t := tensors.FromShape(shape)
		var dataErr error
		t.MutableFlatData(func(flat any) {
			dataErr = g.backend.BufferToFlatData(buffer, flat)
		})
		if dataErr != nil {
			return nil, errors.Wrapf(ErrBackendExecution, "graph %q: transferring output #%d: %v", g.name, ii, dataErr)
		}
		_ = g.backend.BufferFinalize(buffer)
		results[ii] = t
	}
	return results, nil
}

// String returns a multi-line description of the graph, one line per node.
func (g *Graph) String() string {
	if g == nil {
		return "Graph(nil)"
	}
	var sb strings.Builder
	_, _ = fmt.Fprintf(&sb, "Graph %q: %d nodes\n", g.name, len(g.nodes))
	for _, node := range g.nodes {
		_, _ = fmt.Fprintf(&sb, "\t#%d\t%s\n", node.id, node)
	}
	return sb.String()
}

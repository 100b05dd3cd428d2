// Copyright 2026 The Symflow Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"fmt"
	"reflect"
	"slices"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"

	"github.com/symflow/symflow/backends"
	"github.com/symflow/symflow/types/shapes"
	"github.com/symflow/symflow/types/tensors"
)

// Node is a value of a Graph: the symbolic result of one operation applied
// to earlier nodes. Nodes are immutable once created and shared: a node may
// be the input of any number of later nodes, forming a DAG.
//
// A node's shape may still contain unknown dimensions while the graph is
// being built; Shape always returns the current best resolution, so a
// dimension bound retroactively (by a later unification) is visible through
// nodes created earlier.
type Node struct {
	graph  *Graph
	id     NodeId
	opType backends.OpType
	inputs []*Node

	// shape as inferred at creation, possibly with unresolved dimension
	// variables. Read through Shape.
	shape shapes.Shape

	// data holds the operation's static parameters, nil for pure
	// element-wise ops. One of the node*-prefixed types below.
	data any

	stopGradient bool
	customVJP    VJP
}

// Graph that owns this node.
func (n *Node) Graph() *Graph { return n.graph }

// Id is the unique id of this node within its graph.
func (n *Node) Id() NodeId {
	if n == nil || n.graph == nil {
		return InvalidNodeId
	}
	return n.id
}

// Type of the operation this node represents.
func (n *Node) Type() backends.OpType { return n.opType }

// Inputs of this node. The returned slice is owned by the node and must not
// be modified.
func (n *Node) Inputs() []*Node { return n.inputs }

// NumInputs returns the number of inputs of this node.
func (n *Node) NumInputs() int { return len(n.inputs) }

// Shape of the node's value, with all dimension bindings known so far
// applied. Dimensions still unknown print as "x1", "x2", ...
func (n *Node) Shape() shapes.Shape {
	n.AssertValid()
	return n.graph.solver.Resolve(n.shape)
}

// DType of the node's value.
func (n *Node) DType() dtypes.DType { return n.shape.DType }

// Rank of the node's value.
func (n *Node) Rank() int { return n.shape.Rank() }

// IsScalar returns whether the node's value is a scalar.
func (n *Node) IsScalar() bool { return n.shape.IsScalar() }

// AssertValid panics if the node or its graph are invalid.
func (n *Node) AssertValid() {
	if n == nil {
		exceptions.Panicf("the Node is nil")
	}
	n.graph.AssertValid()
}

// IsConstant returns whether this node is a constant.
func (n *Node) IsConstant() bool { return n.opType == backends.OpTypeConstant }

// IsParameter returns whether this node is a parameter.
func (n *Node) IsParameter() bool { return n.opType == backends.OpTypeParameter }

// ParameterName returns the name the parameter was created with. It panics
// if the node is not a parameter.
func (n *Node) ParameterName() string {
	return n.parameterData().name
}

// ParameterHandle returns the position of this parameter in the graph's
// inputs. It panics if the node is not a parameter.
func (n *Node) ParameterHandle() ParameterHandle {
	return n.parameterData().handle
}

func (n *Node) parameterData() *nodeParameter {
	n.AssertValid()
	if n.opType != backends.OpTypeParameter {
		exceptions.Panicf("node #%d is a %s, not a parameter", n.id, n.opType)
	}
	return n.data.(*nodeParameter)
}

// ConstantValue returns the tensor held by a constant node, or nil if the
// node is not a constant. The tensor is owned by the graph, don't mutate it.
func (n *Node) ConstantValue() *tensors.Tensor {
	if n.opType != backends.OpTypeConstant {
		return nil
	}
	return n.data.(*nodeConstant).value
}

// IsStopGradient returns whether this node blocks back-propagation of
// gradients through it.
func (n *Node) IsStopGradient() bool { return n.stopGradient }

// String implements fmt.Stringer.
func (n *Node) String() string {
	if n == nil {
		return "Node(nil)"
	}
	var sb strings.Builder
	sb.WriteString(n.opType.String())
	switch data := n.data.(type) {
	case *nodeParameter:
		_, _ = fmt.Fprintf(&sb, "[%q]", data.name)
	case *nodeAxes:
		_, _ = fmt.Fprintf(&sb, "[axes=%v]", data.axes)
	case *nodeConcat:
		_, _ = fmt.Fprintf(&sb, "[axis=%d]", data.axis)
	case *nodeIota:
		_, _ = fmt.Fprintf(&sb, "[axis=%d]", data.axis)
	case *nodeSlice:
		_, _ = fmt.Fprintf(&sb, "[starts=%v, limits=%v, strides=%v]", data.starts, data.limits, data.strides)
	}
	sb.WriteString("(")
	for ii, input := range n.inputs {
		if ii > 0 {
			sb.WriteString(", ")
		}
		_, _ = fmt.Fprintf(&sb, "#%d", input.id)
	}
	sb.WriteString(")")
	_, _ = fmt.Fprintf(&sb, " -> %s", n.Shape())
	return sb.String()
}

// Static parameters attached to nodes. Types implementing nodeDataComparable
// take part in expression deduplication; the others (parameters and
// non-scalar constants) are never deduplicated.

type nodeParameter struct {
	name   string
	handle ParameterHandle
}

type nodeConstant struct {
	value *tensors.Tensor
}

type nodeIota struct {
	axis int
}

// nodeAxes is shared by Transpose (the permutation), Reverse and the
// reductions (the axes operated on).
type nodeAxes struct {
	axes []int
}

type nodeConcat struct {
	axis int
}

type nodeSlice struct {
	starts, limits, strides []int
}

type nodeDims struct {
	dimensions []int
}

type nodeConvert struct {
	dtype dtypes.DType
}

type nodeStopGradient struct{}

// nodeDataComparable is implemented by node data types that support
// deduplication: nodes with equal inputs and equivalent data collapse into
// one.
type nodeDataComparable interface {
	// Equal returns whether this data is semantically equivalent to other,
	// which is guaranteed to be of the same concrete type.
	Equal(other nodeDataComparable) bool
}

func (d *nodeIota) Equal(other nodeDataComparable) bool {
	return d.axis == other.(*nodeIota).axis
}

func (d *nodeAxes) Equal(other nodeDataComparable) bool {
	return slices.Equal(d.axes, other.(*nodeAxes).axes)
}

func (d *nodeConcat) Equal(other nodeDataComparable) bool {
	return d.axis == other.(*nodeConcat).axis
}

func (d *nodeSlice) Equal(other nodeDataComparable) bool {
	o := other.(*nodeSlice)
	return slices.Equal(d.starts, o.starts) && slices.Equal(d.limits, o.limits) && slices.Equal(d.strides, o.strides)
}

func (d *nodeDims) Equal(other nodeDataComparable) bool {
	return slices.Equal(d.dimensions, other.(*nodeDims).dimensions)
}

func (d *nodeConvert) Equal(other nodeDataComparable) bool {
	return d.dtype == other.(*nodeConvert).dtype
}

func (d *nodeStopGradient) Equal(nodeDataComparable) bool { return true }

// nodeDedupKey indexes deduplication candidates by operation type and input
// structure for fast lookup.
type nodeDedupKey struct {
	opType     backends.OpType
	numInputs  int
	firstInput *Node // nil if there are no inputs.
}

func makeNodeDedupKey(opType backends.OpType, inputs []*Node) nodeDedupKey {
	key := nodeDedupKey{opType: opType, numInputs: len(inputs)}
	if len(inputs) > 0 {
		key.firstInput = inputs[0]
	}
	return key
}

// findDuplicateNode returns an existing node matching the operation, inputs
// and data, or nil.
func (g *Graph) findDuplicateNode(opType backends.OpType, inputs []*Node, data any) *Node {
	candidates := g.dedup[makeNodeDedupKey(opType, inputs)]
	for _, candidate := range candidates {
		if !nodesEqual(candidate.inputs, inputs) {
			continue
		}
		if nodeDataEqual(candidate.data, data) {
			return candidate
		}
	}
	return nil
}

func nodesEqual(a, b []*Node) bool {
	if len(a) != len(b) {
		return false
	}
	for ii := range a {
		if a[ii] != b[ii] {
			return false
		}
	}
	return true
}

func nodeDataEqual(a, b any) bool {
	if a == nil && b == nil {
		return true
	}
	if a == nil || b == nil {
		return false
	}
	if reflect.TypeOf(a) != reflect.TypeOf(b) {
		return false
	}
	if comparable, ok := a.(nodeDataComparable); ok {
		return comparable.Equal(b.(nodeDataComparable))
	}
	// Non-comparable data is never deduplicated.
	return false
}

// newNode is the single place where graph structure is created: it either
// returns an existing structurally identical node or allocates, registers
// and indexes a new one.
func (g *Graph) newNode(opType backends.OpType, shape shapes.Shape, inputs []*Node, data any) *Node {
	g.AssertBuilding()
	if found := g.findDuplicateNode(opType, inputs, data); found != nil {
		return found
	}
	node := &Node{
		graph:  g,
		opType: opType,
		inputs: slices.Clone(inputs),
		shape:  shape,
		data:   data,
	}
	g.registerNode(node)
	key := makeNodeDedupKey(opType, node.inputs)
	g.dedup[key] = append(g.dedup[key], node)
	return node
}

// validateBuildingGraphFromInputs panics unless all nodes are valid, belong
// to the same graph and that graph is still building. It returns the common
// graph.
func validateBuildingGraphFromInputs(inputs ...*Node) *Graph {
	if len(inputs) == 0 {
		exceptions.Panicf("operation requires at least one input node")
	}
	var g *Graph
	for ii, input := range inputs {
		if input == nil {
			exceptions.Panicf("input node #%d is nil", ii)
		}
		input.AssertValid()
		if g == nil {
			g = input.graph
		} else if input.graph != g {
			exceptions.Panicf("input node #%d belongs to a different graph (%q != %q)",
				ii, input.graph.name, g.name)
		}
	}
	g.AssertBuilding()
	return g
}

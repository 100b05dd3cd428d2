// Copyright 2026 The Symflow Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"

	"github.com/symflow/symflow/backends"
	"github.com/symflow/symflow/types/shapes"
	"github.com/symflow/symflow/types/xslices"
)

// This file implements reverse-mode automatic differentiation using VJPs
// (vector-Jacobian products).
//
// Conventions:
//
//   - root node: the scalar output whose gradient is requested.
//   - selected nodes: the nodes with respect to which the gradient of the
//     root is calculated (typically parameters or weights).
//   - VJP / adjoint: the accumulated reverse gradient of the root with
//     respect to the node being processed. Adjoints are generated in reverse
//     node order, from the root back to its ancestors; the adjoint of a node
//     is the sum of the VJPs pushed to it by all its consumers.
//
// The nodes created while back-propagating are ordinary graph nodes: the
// result of Gradient is part of the same graph and can be compiled, run or
// differentiated again.

// VJP is a gradient rule: given a node, the adjoint v of the root with
// respect to the node's output, and the shape of the root, it returns one
// adjoint per input of the node. A nil entry means no gradient flows to that
// input (e.g. the indices of a selection).
type VJP func(node, v *Node, outputShape shapes.Shape) []*Node

// VJPRegistration maps each operation type to its gradient rule. When
// implementing new operations, or for experimentation, it can be changed
// dynamically.
var VJPRegistration = map[backends.OpType]VJP{
	backends.OpTypeConstant:  nilVJP,
	backends.OpTypeParameter: nilVJP,
	backends.OpTypeIota:      nilVJP,
	backends.OpTypeIdentity:  noOpVJP,

	backends.OpTypeNeg:      negVJP,
	backends.OpTypeAbs:      absVJP,
	backends.OpTypeSign:     zeroVJP,
	backends.OpTypeExp:      expVJP,
	backends.OpTypeLog:      logVJP,
	backends.OpTypeSqrt:     sqrtVJP,
	backends.OpTypeTanh:     tanhVJP,
	backends.OpTypeLogistic: logisticVJP,

	backends.OpTypeAdd: addVJP,
	backends.OpTypeSub: subVJP,
	backends.OpTypeMul: mulVJP,
	backends.OpTypeDiv: divVJP,
	backends.OpTypePow: powVJP,
	backends.OpTypeMax: minMaxVJP,
	backends.OpTypeMin: minMaxVJP,

	// Logical and comparison operations don't back-propagate any gradient.
	backends.OpTypeLogicalNot:     zeroVJP,
	backends.OpTypeEqual:          zeroVJP,
	backends.OpTypeNotEqual:       zeroVJP,
	backends.OpTypeGreaterThan:    zeroVJP,
	backends.OpTypeGreaterOrEqual: zeroVJP,
	backends.OpTypeLessThan:       zeroVJP,
	backends.OpTypeLessOrEqual:    zeroVJP,

	backends.OpTypeWhere:        whereVJP,
	backends.OpTypeConvertDType: convertDTypeVJP,
	backends.OpTypeReshape:      reshapeVJP,
	backends.OpTypeTranspose:    transposeVJP,
	backends.OpTypeBroadcast:    broadcastVJP,
	backends.OpTypeConcatenate:  concatenateVJP,
	backends.OpTypeSlice:        sliceVJP,
	backends.OpTypeReverse:      reverseVJP,
	backends.OpTypeReduceSum:    reduceSumVJP,
	backends.OpTypeReduceMax:    reduceMaxVJP,
	backends.OpTypeReduceMin:    reduceMinVJP,
	backends.OpTypeDot:          dotVJP,
}

// reverseGraph stores the consumer links and adjoint bookkeeping of the
// graph during one differentiation pass.
type reverseGraph struct {
	Graph        *Graph
	Root         *Node
	ReverseNodes []*reverseNode
}

type reverseNode struct {
	Node *Node

	// Consumers are the nodes whose inputs include this node.
	Consumers []*reverseNode

	// Selected indicates this is one of the nodes the gradient is requested
	// for.
	Selected bool

	// Included is true for ancestors of the root. Nodes not included are
	// irrelevant for the pass.
	Included bool

	// Useful is true when this node is on a path from the root to one of
	// the selected nodes; only useful nodes get adjoints.
	Useful bool

	// AccumulatedVJP is the gradient of the root with respect to this
	// node's output, summed over all its consumers.
	AccumulatedVJP *Node
}

// Gradient creates new nodes computing the gradient of output with respect
// to each node in gradientNodes. The output must be a float scalar (see
// Jacobian for vector-valued outputs); each returned gradient is shaped like
// the corresponding gradient node.
//
// Nodes unreachable from output (or cut off by StopGradient) get a
// zero-valued gradient. An operation without a registered gradient rule on
// the back-propagation path panics wrapping ErrNoGradientDefined; the
// original graph stays intact and reusable either way.
func Gradient(output *Node, gradientNodes ...*Node) []*Node {
	allInputs := make([]*Node, 0, len(gradientNodes)+1)
	allInputs = append(allInputs, output)
	allInputs = append(allInputs, gradientNodes...)
	g := validateBuildingGraphFromInputs(allInputs...)

	outputShape := output.Shape()
	if outputShape.Rank() > 0 {
		exceptions.Panicf("Gradient requires a scalar output, got %s -- see Jacobian for vector-valued outputs", outputShape)
	}
	if !outputShape.DType.IsFloat() {
		exceptions.Panicf("Gradient requires a float output, got %s", outputShape)
	}

	rg := newReverseGraph(g, output, gradientNodes)
	rg.ReverseNodes[output.id].AccumulatedVJP = ScalarOne(g, outputShape.DType)

	needGradientForNode := func(node *Node) bool {
		if node.stopGradient {
			return false
		}
		rNode := rg.ReverseNodes[node.id]
		return rNode.Included && rNode.Useful
	}

	// Back-propagate from the root in reverse node order: by the time a
	// node is reached, every consumer has already pushed its VJP.
	for nodeIdx := output.id; nodeIdx >= 0; nodeIdx-- {
		node := g.nodes[nodeIdx]
		rNode := rg.ReverseNodes[nodeIdx]
		if !needGradientForNode(node) {
			continue
		}
		needInputs := false
		for _, input := range node.inputs {
			if needGradientForNode(input) {
				needInputs = true
				break
			}
		}
		if !needInputs {
			continue
		}
		if rNode.AccumulatedVJP == nil {
			// No gradient arrived at this node, e.g. all consumers were
			// behind a StopGradient.
			continue
		}

		vjpFn := node.customVJP
		if vjpFn == nil {
			var found bool
			vjpFn, found = VJPRegistration[node.opType]
			if !found {
				panic(errors.Wrapf(ErrNoGradientDefined,
					"operation %s (node #%d) reached while differentiating", node.opType, node.id))
			}
		}
		inputVJPs := vjpFn(node, rNode.AccumulatedVJP, outputShape)
		if len(inputVJPs) != len(node.inputs) {
			exceptions.Panicf("gradient rule for %s returned %d adjoints for %d inputs",
				node.opType, len(inputVJPs), len(node.inputs))
		}
		for ii, input := range node.inputs {
			vjp := inputVJPs[ii]
			if vjp == nil {
				continue
			}
			if _, err := g.solver.Unify(vjp.shape, input.shape); err != nil {
				panic(errors.WithMessagef(err,
					"gradient of %s (node #%d): adjoint for input #%d has shape %s, input has shape %s",
					node.opType, node.id, ii, vjp.Shape(), input.Shape()))
			}
			rInput := rg.ReverseNodes[input.id]
			if rInput.AccumulatedVJP == nil {
				rInput.AccumulatedVJP = vjp
			} else {
				rInput.AccumulatedVJP = Add(rInput.AccumulatedVJP, vjp)
			}
		}
	}

	gradients := make([]*Node, len(gradientNodes))
	for ii, node := range gradientNodes {
		rNode := rg.ReverseNodes[node.id]
		if rNode.AccumulatedVJP == nil {
			// No path from the output to this node (possibly severed by a
			// StopGradient): the gradient is zero.
			gradients[ii] = ZerosLike(node)
		} else {
			gradients[ii] = rNode.AccumulatedVJP
		}
	}
	return gradients
}

func newReverseGraph(g *Graph, root *Node, gradientNodes []*Node) *reverseGraph {
	numNodes := len(g.nodes)
	rg := &reverseGraph{
		Graph:        g,
		Root:         root,
		ReverseNodes: make([]*reverseNode, numNodes),
	}
	numConsumers := make([]int, numNodes)
	for ii, node := range g.nodes {
		rg.ReverseNodes[ii] = &reverseNode{Node: node}
		for _, input := range node.inputs {
			numConsumers[input.id]++
		}
	}
	for ii, node := range g.nodes {
		rNode := rg.ReverseNodes[ii]
		if rNode.Consumers == nil {
			rNode.Consumers = make([]*reverseNode, 0, numConsumers[ii])
		}
		for _, input := range node.inputs {
			rInput := rg.ReverseNodes[input.id]
			rInput.Consumers = append(rInput.Consumers, rNode)
		}
	}

	// Mark ancestors of root as Included.
	recursivePathFromRoot(rg, root)

	// Mark gradient nodes as selected, and every node on a path from them
	// towards the root as Useful.
	for _, selected := range gradientNodes {
		rNode := rg.ReverseNodes[selected.id]
		rNode.Selected = true
		recursiveMarkAsUseful(rg, rNode)
	}
	return rg
}

func recursivePathFromRoot(rg *reverseGraph, node *Node) {
	rNode := rg.ReverseNodes[node.id]
	if rNode.Included {
		return
	}
	rNode.Included = true
	for _, input := range node.inputs {
		recursivePathFromRoot(rg, input)
	}
}

func recursiveMarkAsUseful(rg *reverseGraph, rNode *reverseNode) {
	if !rNode.Included || rNode.Useful {
		return
	}
	rNode.Useful = true
	for _, consumer := range rNode.Consumers {
		recursiveMarkAsUseful(rg, consumer)
	}
}

// nilVJP is used for operations without differentiable inputs.
func nilVJP(node, _ *Node, _ shapes.Shape) []*Node {
	return make([]*Node, len(node.inputs))
}

// noOpVJP passes the adjoint through unchanged.
func noOpVJP(_, v *Node, _ shapes.Shape) []*Node {
	return []*Node{v}
}

// zeroVJP back-propagates no gradient to any input, equivalent to a
// StopGradient on the operation.
func zeroVJP(node, _ *Node, _ shapes.Shape) []*Node {
	return make([]*Node, len(node.inputs))
}

// vjpForDefaultBroadcast reverses the implicit broadcasting of the
// element-wise binary operations: the adjoint is reduce-summed over the
// broadcast dimensions and reshaped back to the input's shape.
func vjpForDefaultBroadcast(node, input, v *Node) *Node {
	_ = validateBuildingGraphFromInputs(node, input, v)
	inputShape := input.Shape()
	vShape := v.Shape()
	if inputShape.Equal(node.Shape()) {
		return v
	}
	if input.IsScalar() {
		return ReduceAllSum(v)
	}

	// Dimensions align from the trailing end: leading extra axes of v were
	// created by the broadcast, as were the axes where input has dimension
	// 1 against a larger one.
	rankDiff := vShape.Rank() - inputShape.Rank()
	var reduceAxes []int
	for axis := 0; axis < rankDiff; axis++ {
		reduceAxes = append(reduceAxes, axis)
	}
	for axis, dim := range inputShape.Dimensions {
		if dim == 1 && vShape.Dimensions[axis+rankDiff] != 1 {
			reduceAxes = append(reduceAxes, axis+rankDiff)
		}
	}
	reduced := v
	if len(reduceAxes) > 0 {
		reduced = ReduceSum(v, reduceAxes...)
	}
	if !reduced.Shape().Equal(inputShape) {
		// Reduced axes of size 1 were dropped, restore them.
		reduced = ReshapeWithShape(reduced, inputShape)
	}
	return reduced
}

func negVJP(_, v *Node, _ shapes.Shape) []*Node {
	return []*Node{Neg(v)}
}

func absVJP(node, v *Node, _ shapes.Shape) []*Node {
	// The derivative at 0 is undefined; SignPlusOrMinus takes the positive
	// side, so the limits of Abs behave consistently.
	return []*Node{Mul(v, SignPlusOrMinus(node.inputs[0]))}
}

func expVJP(node, v *Node, _ shapes.Shape) []*Node {
	return []*Node{Mul(v, node)}
}

func logVJP(node, v *Node, _ shapes.Shape) []*Node {
	return []*Node{Mul(v, Inverse(node.inputs[0]))}
}

func sqrtVJP(node, v *Node, _ shapes.Shape) []*Node {
	// d(x^0.5)/dx = 0.5/sqrt(x)
	return []*Node{Mul(v, MulScalar(Inverse(node), 0.5))}
}

func tanhVJP(node, v *Node, _ shapes.Shape) []*Node {
	tanhX := node
	return []*Node{Mul(v, OneMinus(Square(tanhX)))}
}

func logisticVJP(node, v *Node, _ shapes.Shape) []*Node {
	// dsigma(x)/dx = sigma(x) * (1 - sigma(x))
	return []*Node{Mul(v, Mul(node, OneMinus(node)))}
}

func addVJP(node, v *Node, _ shapes.Shape) []*Node {
	return []*Node{
		vjpForDefaultBroadcast(node, node.inputs[0], v),
		vjpForDefaultBroadcast(node, node.inputs[1], v),
	}
}

func subVJP(node, v *Node, _ shapes.Shape) []*Node {
	return []*Node{
		vjpForDefaultBroadcast(node, node.inputs[0], v),
		Neg(vjpForDefaultBroadcast(node, node.inputs[1], v)),
	}
}

// broadcastForVJP stretches an input to the node's shape, so products with
// the adjoint are element-wise.
func broadcastForVJP(node, input *Node) *Node {
	if input.Shape().Equal(node.Shape()) {
		return input
	}
	if input.IsScalar() || input.Rank() == node.Rank() {
		return BroadcastToShape(input, node.Shape())
	}
	// Trailing alignment: insert leading axes first.
	leading := xslices.SliceWithValue(node.Rank()-input.Rank(), 0)
	return BroadcastToShape(InsertAxes(input, leading...), node.Shape())
}

// F(a,b) = a*b  ->  v*dF/da = v*b ; v*dF/db = v*a
func mulVJP(node, v *Node, _ shapes.Shape) []*Node {
	a := broadcastForVJP(node, node.inputs[0])
	b := broadcastForVJP(node, node.inputs[1])
	return []*Node{
		vjpForDefaultBroadcast(node, node.inputs[0], Mul(v, b)),
		vjpForDefaultBroadcast(node, node.inputs[1], Mul(v, a)),
	}
}

// F(a,b) = a/b  ->  v*dF/da = v/b ; v*dF/db = -v*a/b^2
func divVJP(node, v *Node, _ shapes.Shape) []*Node {
	a := broadcastForVJP(node, node.inputs[0])
	b := broadcastForVJP(node, node.inputs[1])
	return []*Node{
		vjpForDefaultBroadcast(node, node.inputs[0], Div(v, b)),
		vjpForDefaultBroadcast(node, node.inputs[1], Neg(Mul(v, Div(a, Mul(b, b))))),
	}
}

// F(a,b) = a^b  ->  v*dF/da = v*b*a^(b-1) ; v*dF/db = v*log(a)*a^b
//
// The gradient with respect to b breaks (NaN) for negative a.
func powVJP(node, v *Node, _ shapes.Shape) []*Node {
	a := broadcastForVJP(node, node.inputs[0])
	b := broadcastForVJP(node, node.inputs[1])
	powAB := node
	dA := Mul(v, Mul(b, Pow(a, AddScalar(b, -1))))
	dB := Mul(v, Mul(Log(a), powAB))
	return []*Node{
		vjpForDefaultBroadcast(node, node.inputs[0], dA),
		vjpForDefaultBroadcast(node, node.inputs[1], dB),
	}
}

func minMaxVJP(node, v *Node, _ shapes.Shape) []*Node {
	// The adjoint is pushed to whichever side won. NonNegativeIndicator(0)
	// is 1, so on ties the first operand takes the gradient.
	a := broadcastForVJP(node, node.inputs[0])
	b := broadcastForVJP(node, node.inputs[1])
	side0Indicator := NonNegativeIndicator(Sub(a, b))
	side1Indicator := OneMinus(side0Indicator)
	if node.opType == backends.OpTypeMin {
		side0Indicator, side1Indicator = side1Indicator, side0Indicator
	}
	return []*Node{
		vjpForDefaultBroadcast(node, node.inputs[0], Mul(v, side0Indicator)),
		vjpForDefaultBroadcast(node, node.inputs[1], Mul(v, side1Indicator)),
	}
}

func whereVJP(node, v *Node, _ shapes.Shape) []*Node {
	condition := node.inputs[0]
	zeros := ZerosLike(v)
	ifTrueVJP := Where(condition, v, zeros)
	ifFalseVJP := Where(condition, zeros, v)
	return []*Node{
		nil, // No gradient with respect to the condition.
		vjpForDefaultBroadcast(node, node.inputs[1], ifTrueVJP),
		vjpForDefaultBroadcast(node, node.inputs[2], ifFalseVJP),
	}
}

// convertDTypeVJP converts the adjoint back to the input's dtype.
func convertDTypeVJP(node, v *Node, _ shapes.Shape) []*Node {
	return []*Node{ConvertDType(v, node.inputs[0].DType())}
}

func reshapeVJP(node, v *Node, _ shapes.Shape) []*Node {
	return []*Node{ReshapeWithShape(v, node.inputs[0].Shape())}
}

// transposeVJP transposes the adjoint with the inverse permutation.
func transposeVJP(node, v *Node, _ shapes.Shape) []*Node {
	permutation := node.data.(*nodeAxes).axes
	inverse := make([]int, len(permutation))
	for to, from := range permutation {
		inverse[from] = to
	}
	return []*Node{Transpose(v, inverse...)}
}

// broadcastVJP reduce-sums the adjoint over the broadcast dimensions.
func broadcastVJP(node, v *Node, _ shapes.Shape) []*Node {
	x := node.inputs[0]
	if x.IsScalar() {
		return []*Node{ReduceAllSum(v)}
	}
	xShape := x.Shape()
	var reduceAxes []int
	for axis, dim := range xShape.Dimensions {
		if dim == 1 && node.Shape().Dimensions[axis] != 1 {
			reduceAxes = append(reduceAxes, axis)
		}
	}
	vjp := v
	if len(reduceAxes) > 0 {
		vjp = ReduceSum(v, reduceAxes...)
		vjp = ReshapeWithShape(vjp, xShape)
	}
	return []*Node{vjp}
}

// concatenateVJP slices the adjoint back apart along the concatenation axis.
func concatenateVJP(node, v *Node, _ shapes.Shape) []*Node {
	concatAxis := node.data.(*nodeConcat).axis
	shape := node.Shape()
	vjps := make([]*Node, 0, len(node.inputs))

	starts, limits := make([]int, shape.Rank()), make([]int, shape.Rank())
	for axis := 0; axis < shape.Rank(); axis++ {
		starts[axis], limits[axis] = 0, shape.Dimensions[axis]
	}
	concatStart := 0
	for _, input := range node.inputs {
		concatEnd := concatStart + input.Shape().Dimensions[concatAxis]
		starts[concatAxis], limits[concatAxis] = concatStart, concatEnd
		concatStart = concatEnd
		vjps = append(vjps, Slice(v, starts, limits))
	}
	return vjps
}

// sliceVJP places the adjoint back into a zero tensor shaped like the input,
// by concatenating zero-filled blocks around it, axis by axis. Strided
// slices have no gradient defined.
func sliceVJP(node, v *Node, _ shapes.Shape) []*Node {
	g := node.graph
	data := node.data.(*nodeSlice)
	for _, stride := range data.strides {
		if stride != 1 {
			panic(errors.Wrapf(ErrNoGradientDefined, "strided Slice (strides=%v)", data.strides))
		}
	}
	x := node.inputs[0]
	xShape := x.Shape()
	dtype := x.DType()

	vjp := v
	for axis := 0; axis < xShape.Rank(); axis++ {
		before := data.starts[axis]
		after := xShape.Dimensions[axis] - data.limits[axis]
		if before == 0 && after == 0 {
			continue
		}
		pieces := make([]*Node, 0, 3)
		if before > 0 {
			dims := xslices.Copy(vjp.Shape().Dimensions)
			dims[axis] = before
			pieces = append(pieces, Zeros(g, shapes.Make(dtype, dims...)))
		}
		pieces = append(pieces, vjp)
		if after > 0 {
			dims := xslices.Copy(vjp.Shape().Dimensions)
			dims[axis] = after
			pieces = append(pieces, Zeros(g, shapes.Make(dtype, dims...)))
		}
		vjp = Concatenate(axis, pieces...)
	}
	return []*Node{vjp}
}

func reverseVJP(node, v *Node, _ shapes.Shape) []*Node {
	axes := node.data.(*nodeAxes).axes
	return []*Node{Reverse(v, axes...)}
}

// reducedShape returns the input's shape with the reduced axes set to
// dimension 1, and the list of reduced axes.
func reducedShape(node *Node) (shapes.Shape, []int) {
	x := node.inputs[0]
	axes := node.data.(*nodeAxes).axes
	if len(axes) == 0 {
		axes = xslices.Iota(0, x.Rank())
	}
	newShape := node.graph.solver.Resolve(x.shape).Clone()
	for _, axis := range axes {
		newShape.Dimensions[axis] = 1
	}
	return newShape, axes
}

func reduceSumVJP(node, v *Node, _ shapes.Shape) []*Node {
	// Re-create the reduced dimensions with size 1 and broadcast the
	// adjoint over them.
	x := node.inputs[0]
	newShape, _ := reducedShape(node)
	expandedV := ReshapeWithShape(v, newShape)
	return []*Node{BroadcastToShape(expandedV, x.Shape())}
}

func reduceMaxVJP(node, v *Node, _ shapes.Shape) []*Node {
	return reduceMaxOrMinVJP(node, v, true)
}

func reduceMinVJP(node, v *Node, _ shapes.Shape) []*Node {
	return reduceMaxOrMinVJP(node, v, false)
}

func reduceMaxOrMinVJP(node, v *Node, isMax bool) []*Node {
	// The adjoint only flows to the positions holding the extreme value.
	x := node.inputs[0]
	newShape, _ := reducedShape(node)
	extremeAtInputRank := BroadcastToShape(ReshapeWithShape(node, newShape), x.Shape())
	var indicator *Node
	if isMax {
		indicator = NonNegativeIndicator(Sub(x, extremeAtInputRank))
	} else {
		indicator = NonPositiveIndicator(Sub(x, extremeAtInputRank))
	}
	expandedV := BroadcastToShape(ReshapeWithShape(v, newShape), x.Shape())
	return []*Node{Mul(expandedV, indicator)}
}

func dotVJP(node, v *Node, _ shapes.Shape) []*Node {
	lhs, rhs := node.inputs[0], node.inputs[1]

	// Case 1: vector x vector -> scalar.
	if lhs.Rank() == 1 && rhs.Rank() == 1 {
		return []*Node{
			Mul(v, rhs),
			Mul(v, lhs),
		}
	}

	// Case 2: matrix[i,j] x vector[j] -> vector[i].
	if lhs.Rank() == 2 && rhs.Rank() == 1 {
		expandedV := BroadcastToShape(InsertAxes(v, -1), lhs.Shape())
		return []*Node{
			Mul(expandedV, InsertAxes(rhs, 0)),
			ReduceSum(Mul(expandedV, lhs), 0),
		}
	}

	// Case 3: matrix[i,j] x matrix[j,k] -> matrix[i,k].
	if lhs.Rank() != 2 || rhs.Rank() != 2 {
		exceptions.Panicf("Dot with unsupported combination of ranks: %s, %s", lhs.Shape(), rhs.Shape())
	}
	dimI, dimK := node.Shape().Dimensions[0], node.Shape().Dimensions[1]
	dimJ := lhs.Shape().Dimensions[1]
	expandedV := BroadcastToShape(InsertAxes(v, 1), shapes.Make(node.DType(), dimI, dimJ, dimK))
	return []*Node{
		ReduceSum(Mul(expandedV, InsertAxes(rhs, 0)), 2),
		ReduceSum(Mul(expandedV, InsertAxes(lhs, -1)), 0),
	}
}

// Copyright 2026 The Symflow Authors. SPDX-License-Identifier: Apache-2.0

package purego

import (
	"reflect"
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"

	"github.com/symflow/symflow/backends"
	"github.com/symflow/symflow/backends/shapeinference"
	"github.com/symflow/symflow/types/shapes"
)

// Builder accumulates the computation graph being defined for the purego
// backend.
type Builder struct {
	name     string
	backend  *Backend
	compiled bool

	// solver validates the shapes fed to the builder. Shapes here are always
	// fully known, so it never accumulates open variables.
	solver *shapeinference.Solver

	// nodes are only created once their inputs exist, so the slice is a
	// topological order of the graph. The executor relies on that.
	nodes   []*Node
	inputs  []*Node
	outputs []*Node
}

var _ backends.Builder = (*Builder)(nil)

func newBuilder(backend *Backend, name string) *Builder {
	return &Builder{
		name:    name,
		backend: backend,
		solver:  shapeinference.NewSolver(),
	}
}

// Name implements backends.Builder.
func (b *Builder) Name() string { return b.name }

// Node in the purego computation graph.
type Node struct {
	builderIdx int
	opType     backends.OpType
	shape      shapes.Shape
	builder    *Builder
	inputs     []*Node

	// data holds the op-specific static parameters.
	data any
}

// Static parameters per op type.
type (
	nodeParameter struct{ name string }
	nodeConstant  struct{ flat any }
	nodeIota      struct{ axis int }
	nodeAxes      struct{ axes []int } // Transpose, Reverse, Reduce*, Concatenate (one axis).
	nodeSlice     struct{ starts, limits, strides []int }
)

func (b *Builder) newNode(opType backends.OpType, shape shapes.Shape, inputs ...*Node) *Node {
	n := &Node{
		builder:    b,
		opType:     opType,
		builderIdx: len(b.nodes),
		shape:      shape,
		inputs:     slices.Clone(inputs),
	}
	b.nodes = append(b.nodes, n)
	return n
}

// checkOps validates that the ops were created by this builder and that the
// builder has not been compiled yet.
func (b *Builder) checkOps(opName string, ops ...backends.Op) []*Node {
	if b.compiled {
		exceptions.Panicf("cannot add op (%s) to builder %q, it has already been compiled", opName, b.name)
	}
	nodes := make([]*Node, len(ops))
	for idx, op := range ops {
		if op == nil {
			exceptions.Panicf("%s: input op #%d is nil", opName, idx)
		}
		node, ok := op.(*Node)
		if !ok {
			exceptions.Panicf("%s: input op #%d was not created by the %s backend", opName, idx, BackendName)
		}
		if node.builder != b {
			exceptions.Panicf("%s: input op #%d was created by builder %q, cannot use it with builder %q",
				opName, idx, node.builder.name, b.name)
		}
		nodes[idx] = node
	}
	return nodes
}

// OpShape returns the shape of an op created by this builder.
func (b *Builder) OpShape(op backends.Op) shapes.Shape {
	return b.checkOps("OpShape", op)[0].shape
}

func (b *Builder) checkKnownShape(opName string, shape shapes.Shape) {
	if !shape.IsFullyKnown() {
		exceptions.Panicf("%s: backend requires fully known shapes, got %s", opName, shape)
	}
}

// Parameter registers an input to the computation.
func (b *Builder) Parameter(name string, shape shapes.Shape) backends.Op {
	b.checkOps("Parameter")
	b.checkKnownShape("Parameter", shape)
	n := b.newNode(backends.OpTypeParameter, shape.Clone())
	n.data = &nodeParameter{name: name}
	b.inputs = append(b.inputs, n)
	return n
}

// Constant creates a constant from a flat slice and its shape. The data is
// copied.
func (b *Builder) Constant(flat any, shape shapes.Shape) backends.Op {
	b.checkOps("Constant")
	b.checkKnownShape("Constant", shape)
	flatV := reflect.ValueOf(flat)
	if flatV.Kind() != reflect.Slice {
		exceptions.Panicf("Constant: flat data should be a slice, not %T", flat)
	}
	if dtypes.FromGoType(flatV.Type().Elem()) != shape.DType {
		exceptions.Panicf("Constant: flat data %T does not match shape %s", flat, shape)
	}
	if flatV.Len() != shape.Size() {
		exceptions.Panicf("Constant: flat data has %d elements, shape %s requires %d", flatV.Len(), shape, shape.Size())
	}
	flatCopy := reflect.MakeSlice(flatV.Type(), flatV.Len(), flatV.Len())
	reflect.Copy(flatCopy, flatV)
	n := b.newNode(backends.OpTypeConstant, shape.Clone())
	n.data = &nodeConstant{flat: flatCopy.Interface()}
	return n
}

// Iota creates a tensor of the given shape whose values count up along the
// given axis.
func (b *Builder) Iota(shape shapes.Shape, axis int) backends.Op {
	b.checkOps("Iota")
	b.checkKnownShape("Iota", shape)
	outShape, err := shapeinference.IotaOp(shape, axis)
	if err != nil {
		panic(err)
	}
	n := b.newNode(backends.OpTypeIota, outShape)
	n.data = &nodeIota{axis: shapes.AdjustAxisToRank(axis, shape.Rank())}
	return n
}

func (b *Builder) addUnaryOp(opType backends.OpType, x backends.Op) backends.Op {
	operand := b.checkOps(opType.String(), x)[0]
	shape, err := shapeinference.UnaryOp(opType, operand.shape)
	if err != nil {
		panic(err)
	}
	return b.newNode(opType, shape, operand)
}

func (b *Builder) Neg(x backends.Op) backends.Op  { return b.addUnaryOp(backends.OpTypeNeg, x) }
func (b *Builder) Abs(x backends.Op) backends.Op  { return b.addUnaryOp(backends.OpTypeAbs, x) }
func (b *Builder) Sign(x backends.Op) backends.Op { return b.addUnaryOp(backends.OpTypeSign, x) }
func (b *Builder) Exp(x backends.Op) backends.Op  { return b.addUnaryOp(backends.OpTypeExp, x) }
func (b *Builder) Log(x backends.Op) backends.Op  { return b.addUnaryOp(backends.OpTypeLog, x) }
func (b *Builder) Sqrt(x backends.Op) backends.Op { return b.addUnaryOp(backends.OpTypeSqrt, x) }
func (b *Builder) Tanh(x backends.Op) backends.Op { return b.addUnaryOp(backends.OpTypeTanh, x) }
func (b *Builder) Logistic(x backends.Op) backends.Op {
	return b.addUnaryOp(backends.OpTypeLogistic, x)
}
func (b *Builder) LogicalNot(x backends.Op) backends.Op {
	return b.addUnaryOp(backends.OpTypeLogicalNot, x)
}

func (b *Builder) addBinaryOp(opType backends.OpType, lhsOp, rhsOp backends.Op) backends.Op {
	inputs := b.checkOps(opType.String(), lhsOp, rhsOp)
	lhs, rhs := inputs[0], inputs[1]
	shape, err := shapeinference.BinaryOp(b.solver, opType, lhs.shape, rhs.shape)
	if err != nil {
		panic(err)
	}
	return b.newNode(opType, shape, lhs, rhs)
}

func (b *Builder) Add(lhs, rhs backends.Op) backends.Op { return b.addBinaryOp(backends.OpTypeAdd, lhs, rhs) }
func (b *Builder) Sub(lhs, rhs backends.Op) backends.Op { return b.addBinaryOp(backends.OpTypeSub, lhs, rhs) }
func (b *Builder) Mul(lhs, rhs backends.Op) backends.Op { return b.addBinaryOp(backends.OpTypeMul, lhs, rhs) }
func (b *Builder) Div(lhs, rhs backends.Op) backends.Op { return b.addBinaryOp(backends.OpTypeDiv, lhs, rhs) }
func (b *Builder) Pow(lhs, rhs backends.Op) backends.Op { return b.addBinaryOp(backends.OpTypePow, lhs, rhs) }
func (b *Builder) Max(lhs, rhs backends.Op) backends.Op { return b.addBinaryOp(backends.OpTypeMax, lhs, rhs) }
func (b *Builder) Min(lhs, rhs backends.Op) backends.Op { return b.addBinaryOp(backends.OpTypeMin, lhs, rhs) }

func (b *Builder) addComparisonOp(opType backends.OpType, lhsOp, rhsOp backends.Op) backends.Op {
	inputs := b.checkOps(opType.String(), lhsOp, rhsOp)
	lhs, rhs := inputs[0], inputs[1]
	shape, err := shapeinference.ComparisonOp(b.solver, opType, lhs.shape, rhs.shape)
	if err != nil {
		panic(err)
	}
	return b.newNode(opType, shape, lhs, rhs)
}

func (b *Builder) Equal(lhs, rhs backends.Op) backends.Op {
	return b.addComparisonOp(backends.OpTypeEqual, lhs, rhs)
}
func (b *Builder) NotEqual(lhs, rhs backends.Op) backends.Op {
	return b.addComparisonOp(backends.OpTypeNotEqual, lhs, rhs)
}
func (b *Builder) GreaterThan(lhs, rhs backends.Op) backends.Op {
	return b.addComparisonOp(backends.OpTypeGreaterThan, lhs, rhs)
}
func (b *Builder) GreaterOrEqual(lhs, rhs backends.Op) backends.Op {
	return b.addComparisonOp(backends.OpTypeGreaterOrEqual, lhs, rhs)
}
func (b *Builder) LessThan(lhs, rhs backends.Op) backends.Op {
	return b.addComparisonOp(backends.OpTypeLessThan, lhs, rhs)
}
func (b *Builder) LessOrEqual(lhs, rhs backends.Op) backends.Op {
	return b.addComparisonOp(backends.OpTypeLessOrEqual, lhs, rhs)
}

// Where selects elementwise from onTrue/onFalse according to condition.
func (b *Builder) Where(conditionOp, onTrueOp, onFalseOp backends.Op) backends.Op {
	inputs := b.checkOps("Where", conditionOp, onTrueOp, onFalseOp)
	condition, onTrue, onFalse := inputs[0], inputs[1], inputs[2]
	shape, err := shapeinference.WhereOp(b.solver, condition.shape, onTrue.shape, onFalse.shape)
	if err != nil {
		panic(err)
	}
	return b.newNode(backends.OpTypeWhere, shape, condition, onTrue, onFalse)
}

// Reshape the operand to the given dimensions. The total size must match.
func (b *Builder) Reshape(x backends.Op, dimensions ...int) backends.Op {
	operand := b.checkOps("Reshape", x)[0]
	shape, err := shapeinference.ReshapeOp(b.solver, operand.shape, dimensions)
	if err != nil {
		panic(err)
	}
	return b.newNode(backends.OpTypeReshape, shape, operand)
}

// Transpose the operand axes according to the permutation.
func (b *Builder) Transpose(x backends.Op, permutation ...int) backends.Op {
	operand := b.checkOps("Transpose", x)[0]
	shape, err := shapeinference.TransposeOp(b.solver, operand.shape, permutation)
	if err != nil {
		panic(err)
	}
	n := b.newNode(backends.OpTypeTranspose, shape, operand)
	n.data = &nodeAxes{axes: slices.Clone(permutation)}
	return n
}

// Broadcast the operand to the given dimensions. The operand must be a scalar
// or have the same rank, with each axis matching or of dimension 1.
func (b *Builder) Broadcast(x backends.Op, dimensions ...int) backends.Op {
	operand := b.checkOps("Broadcast", x)[0]
	shape, err := shapeinference.BroadcastToOp(b.solver, operand.shape, dimensions)
	if err != nil {
		panic(err)
	}
	return b.newNode(backends.OpTypeBroadcast, shape, operand)
}

// Concatenate the operands along the given axis.
func (b *Builder) Concatenate(axis int, operands ...backends.Op) backends.Op {
	inputs := b.checkOps("Concatenate", operands...)
	inputShapes := make([]shapes.Shape, len(inputs))
	for i, input := range inputs {
		inputShapes[i] = input.shape
	}
	shape, err := shapeinference.ConcatenateOp(b.solver, inputShapes, axis)
	if err != nil {
		panic(err)
	}
	if !shape.IsFullyKnown() {
		panic(errors.Errorf("Concatenate: backend requires fully known shapes, got %s", shape))
	}
	n := b.newNode(backends.OpTypeConcatenate, shape, inputs...)
	n.data = &nodeAxes{axes: []int{shapes.AdjustAxisToRank(axis, shape.Rank())}}
	return n
}

// Slice the operand with starts/limits/strides, one per axis.
func (b *Builder) Slice(x backends.Op, starts, limits, strides []int) backends.Op {
	operand := b.checkOps("Slice", x)[0]
	shape, err := shapeinference.SliceOp(b.solver, operand.shape, starts, limits, strides)
	if err != nil {
		panic(err)
	}
	n := b.newNode(backends.OpTypeSlice, shape, operand)
	n.data = &nodeSlice{
		starts:  slices.Clone(starts),
		limits:  slices.Clone(limits),
		strides: slices.Clone(strides),
	}
	return n
}

// Reverse the elements of the operand along the given axes.
func (b *Builder) Reverse(x backends.Op, axes ...int) backends.Op {
	operand := b.checkOps("Reverse", x)[0]
	shape, err := shapeinference.ReverseOp(operand.shape, axes)
	if err != nil {
		panic(err)
	}
	adjusted := make([]int, len(axes))
	for i, axis := range axes {
		adjusted[i] = shapes.AdjustAxisToRank(axis, shape.Rank())
	}
	n := b.newNode(backends.OpTypeReverse, shape, operand)
	n.data = &nodeAxes{axes: adjusted}
	return n
}

// ConvertDType converts the operand elementwise to the given dtype.
func (b *Builder) ConvertDType(x backends.Op, dtype dtypes.DType) backends.Op {
	operand := b.checkOps("ConvertDType", x)[0]
	shape, err := shapeinference.ConvertOp(operand.shape, dtype)
	if err != nil {
		panic(err)
	}
	if shape.DType == operand.shape.DType {
		return operand
	}
	return b.newNode(backends.OpTypeConvertDType, shape, operand)
}

func (b *Builder) addReduceOp(opType backends.OpType, x backends.Op, axes []int) backends.Op {
	operand := b.checkOps(opType.String(), x)[0]
	shape, err := shapeinference.ReduceOp(b.solver, operand.shape, axes)
	if err != nil {
		panic(err)
	}
	if len(axes) == 0 {
		// Reduce over all axes.
		axes = make([]int, operand.shape.Rank())
		for i := range axes {
			axes[i] = i
		}
	} else {
		adjusted := make([]int, len(axes))
		for i, axis := range axes {
			adjusted[i] = shapes.AdjustAxisToRank(axis, operand.shape.Rank())
		}
		axes = adjusted
	}
	n := b.newNode(opType, shape, operand)
	n.data = &nodeAxes{axes: axes}
	return n
}

func (b *Builder) ReduceSum(x backends.Op, axes ...int) backends.Op {
	return b.addReduceOp(backends.OpTypeReduceSum, x, axes)
}
func (b *Builder) ReduceMax(x backends.Op, axes ...int) backends.Op {
	return b.addReduceOp(backends.OpTypeReduceMax, x, axes)
}
func (b *Builder) ReduceMin(x backends.Op, axes ...int) backends.Op {
	return b.addReduceOp(backends.OpTypeReduceMin, x, axes)
}

// Dot computes vector·vector, matrix·vector or matrix·matrix products.
func (b *Builder) Dot(lhsOp, rhsOp backends.Op) backends.Op {
	inputs := b.checkOps("Dot", lhsOp, rhsOp)
	lhs, rhs := inputs[0], inputs[1]
	shape, err := shapeinference.DotOp(b.solver, lhs.shape, rhs.shape)
	if err != nil {
		panic(err)
	}
	return b.newNode(backends.OpTypeDot, shape, lhs, rhs)
}

// Identity returns a pass-through of x.
func (b *Builder) Identity(x backends.Op) backends.Op {
	return b.checkOps("Identity", x)[0]
}

// Compile the computation with the given outputs.
func (b *Builder) Compile(outputs ...backends.Op) (backends.Executable, error) {
	if len(outputs) == 0 {
		return nil, errors.Errorf("Compile: computation %q has no outputs", b.name)
	}
	b.outputs = b.checkOps("Compile", outputs...)
	b.compiled = true
	return newExecutable(b), nil
}

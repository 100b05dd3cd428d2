// Copyright 2026 The Symflow Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"github.com/gomlx/exceptions"

	"github.com/symflow/symflow/backends"
)

// lowerNode emits the backend operation for one node. All input nodes must
// have been lowered already (guaranteed by id order) and all shapes fully
// resolved.
func (g *Graph) lowerNode(builder backends.Builder, node *Node, lowered []backends.Op) backends.Op {
	in := func(ii int) backends.Op { return lowered[node.inputs[ii].id] }
	shape := g.solver.Resolve(node.shape)

	switch node.opType {
	case backends.OpTypeParameter:
		data := node.data.(*nodeParameter)
		return builder.Parameter(data.name, shape)
	case backends.OpTypeConstant:
		data := node.data.(*nodeConstant)
		var op backends.Op
		data.value.ConstFlatData(func(flat any) {
			op = builder.Constant(flat, shape)
		})
		return op
	case backends.OpTypeIota:
		return builder.Iota(shape, node.data.(*nodeIota).axis)

	case backends.OpTypeNeg:
		return builder.Neg(in(0))
	case backends.OpTypeAbs:
		return builder.Abs(in(0))
	case backends.OpTypeSign:
		return builder.Sign(in(0))
	case backends.OpTypeExp:
		return builder.Exp(in(0))
	case backends.OpTypeLog:
		return builder.Log(in(0))
	case backends.OpTypeSqrt:
		return builder.Sqrt(in(0))
	case backends.OpTypeTanh:
		return builder.Tanh(in(0))
	case backends.OpTypeLogistic:
		return builder.Logistic(in(0))
	case backends.OpTypeLogicalNot:
		return builder.LogicalNot(in(0))

	case backends.OpTypeAdd:
		return builder.Add(in(0), in(1))
	case backends.OpTypeSub:
		return builder.Sub(in(0), in(1))
	case backends.OpTypeMul:
		return builder.Mul(in(0), in(1))
	case backends.OpTypeDiv:
		return builder.Div(in(0), in(1))
	case backends.OpTypePow:
		return builder.Pow(in(0), in(1))
	case backends.OpTypeMax:
		return builder.Max(in(0), in(1))
	case backends.OpTypeMin:
		return builder.Min(in(0), in(1))

	case backends.OpTypeEqual:
		return builder.Equal(in(0), in(1))
	case backends.OpTypeNotEqual:
		return builder.NotEqual(in(0), in(1))
	case backends.OpTypeGreaterThan:
		return builder.GreaterThan(in(0), in(1))
	case backends.OpTypeGreaterOrEqual:
		return builder.GreaterOrEqual(in(0), in(1))
	case backends.OpTypeLessThan:
		return builder.LessThan(in(0), in(1))
	case backends.OpTypeLessOrEqual:
		return builder.LessOrEqual(in(0), in(1))

	case backends.OpTypeWhere:
		return builder.Where(in(0), in(1), in(2))

	case backends.OpTypeReshape:
		return builder.Reshape(in(0), shape.Dimensions...)
	case backends.OpTypeTranspose:
		return builder.Transpose(in(0), node.data.(*nodeAxes).axes...)
	case backends.OpTypeBroadcast:
		return builder.Broadcast(in(0), shape.Dimensions...)
	case backends.OpTypeConcatenate:
		operands := make([]backends.Op, len(node.inputs))
		for ii := range node.inputs {
			operands[ii] = in(ii)
		}
		return builder.Concatenate(node.data.(*nodeConcat).axis, operands...)
	case backends.OpTypeSlice:
		data := node.data.(*nodeSlice)
		return builder.Slice(in(0), data.starts, data.limits, data.strides)
	case backends.OpTypeReverse:
		return builder.Reverse(in(0), node.data.(*nodeAxes).axes...)
	case backends.OpTypeConvertDType:
		return builder.ConvertDType(in(0), node.data.(*nodeConvert).dtype)

	case backends.OpTypeReduceSum:
		return builder.ReduceSum(in(0), node.data.(*nodeAxes).axes...)
	case backends.OpTypeReduceMax:
		return builder.ReduceMax(in(0), node.data.(*nodeAxes).axes...)
	case backends.OpTypeReduceMin:
		return builder.ReduceMin(in(0), node.data.(*nodeAxes).axes...)

	case backends.OpTypeDot:
		return builder.Dot(in(0), in(1))
	case backends.OpTypeIdentity:
		return builder.Identity(in(0))
	}
	exceptions.Panicf("Graph %q: don't know how to lower operation %s (node #%d)", g.name, node.opType, node.id)
	return nil
}

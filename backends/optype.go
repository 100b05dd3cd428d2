// Copyright 2026 The Symflow Authors. SPDX-License-Identifier: Apache-2.0

package backends

// OpType enumerates the operations of the compute-kernel catalogue. Every
// node in a computation graph carries one, and backends implement one kernel
// per OpType.
type OpType int

const (
	OpTypeInvalid OpType = iota

	// Sources.
	OpTypeParameter
	OpTypeConstant
	OpTypeIota

	// Unary element-wise.
	OpTypeNeg
	OpTypeAbs
	OpTypeSign
	OpTypeExp
	OpTypeLog
	OpTypeSqrt
	OpTypeTanh
	OpTypeLogistic
	OpTypeLogicalNot

	// Binary element-wise, with broadcasting.
	OpTypeAdd
	OpTypeSub
	OpTypeMul
	OpTypeDiv
	OpTypePow
	OpTypeMax
	OpTypeMin

	// Comparisons, with broadcasting; outputs are Bool.
	OpTypeEqual
	OpTypeNotEqual
	OpTypeGreaterThan
	OpTypeGreaterOrEqual
	OpTypeLessThan
	OpTypeLessOrEqual

	// Selection.
	OpTypeWhere

	// Structural.
	OpTypeReshape
	OpTypeTranspose
	OpTypeBroadcast
	OpTypeConcatenate
	OpTypeSlice
	OpTypeReverse
	OpTypeConvertDType

	// Reductions.
	OpTypeReduceSum
	OpTypeReduceMax
	OpTypeReduceMin

	// Contractions.
	OpTypeDot

	// Identity is used for ops that only exist at the graph level, like
	// StopGradient and shape assertions: backends see a pass-through.
	OpTypeIdentity

	opTypeLast
)

var opTypeNames = [...]string{
	OpTypeInvalid:        "Invalid",
	OpTypeParameter:      "Parameter",
	OpTypeConstant:       "Constant",
	OpTypeIota:           "Iota",
	OpTypeNeg:            "Neg",
	OpTypeAbs:            "Abs",
	OpTypeSign:           "Sign",
	OpTypeExp:            "Exp",
	OpTypeLog:            "Log",
	OpTypeSqrt:           "Sqrt",
	OpTypeTanh:           "Tanh",
	OpTypeLogistic:       "Logistic",
	OpTypeLogicalNot:     "LogicalNot",
	OpTypeAdd:            "Add",
	OpTypeSub:            "Sub",
	OpTypeMul:            "Mul",
	OpTypeDiv:            "Div",
	OpTypePow:            "Pow",
	OpTypeMax:            "Max",
	OpTypeMin:            "Min",
	OpTypeEqual:          "Equal",
	OpTypeNotEqual:       "NotEqual",
	OpTypeGreaterThan:    "GreaterThan",
	OpTypeGreaterOrEqual: "GreaterOrEqual",
	OpTypeLessThan:       "LessThan",
	OpTypeLessOrEqual:    "LessOrEqual",
	OpTypeWhere:          "Where",
	OpTypeReshape:        "Reshape",
	OpTypeTranspose:      "Transpose",
	OpTypeBroadcast:      "Broadcast",
	OpTypeConcatenate:    "Concatenate",
	OpTypeSlice:          "Slice",
	OpTypeReverse:        "Reverse",
	OpTypeConvertDType:   "ConvertDType",
	OpTypeReduceSum:      "ReduceSum",
	OpTypeReduceMax:      "ReduceMax",
	OpTypeReduceMin:      "ReduceMin",
	OpTypeDot:            "Dot",
	OpTypeIdentity:       "Identity",
}

// String implements fmt.Stringer.
func (op OpType) String() string {
	if op < 0 || int(op) >= len(opTypeNames) {
		return "UnknownOpType"
	}
	return opTypeNames[op]
}

// NumOpTypes is the number of defined operation types.
const NumOpTypes = int(opTypeLast)

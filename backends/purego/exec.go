// Copyright 2026 The Symflow Authors. SPDX-License-Identifier: Apache-2.0

package purego

import (
	"context"
	"slices"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/symflow/symflow/backends"
	"github.com/symflow/symflow/types/shapes"
)

// Executable holds a frozen Builder. The graph is assumed valid: all shape
// and dtype checking happened in the Builder, the executor doesn't duplicate
// checks.
type Executable struct {
	backend *Backend
	builder *Builder

	// numNodesToProcess is max(outputs)+1; nodes above it are never needed.
	numNodesToProcess int

	// numUses counts how many times each node result is consumed, outputs
	// included. Intermediate buffers are released as soon as their count
	// drops to zero during execution.
	numUses []int
}

var _ backends.Executable = (*Executable)(nil)

func newExecutable(builder *Builder) *Executable {
	var numNodesToProcess int
	for _, output := range builder.outputs {
		numNodesToProcess = max(numNodesToProcess, output.builderIdx+1)
	}
	e := &Executable{
		backend:           builder.backend,
		builder:           builder,
		numNodesToProcess: numNodesToProcess,
		numUses:           make([]int, numNodesToProcess),
	}
	for _, output := range e.builder.outputs {
		e.countNodeUses(output)
		e.numUses[output.builderIdx]++
	}
	return e
}

// countNodeUses recursively counts how many times each node is consumed.
func (e *Executable) countNodeUses(node *Node) {
	for _, input := range node.inputs {
		e.numUses[input.builderIdx]++
		if e.numUses[input.builderIdx] == 1 {
			e.countNodeUses(input)
		}
	}
}

// Inputs returns the parameter names and shapes in creation order.
func (e *Executable) Inputs() (names []string, inputShapes []shapes.Shape) {
	if len(e.builder.inputs) == 0 {
		return
	}
	names = make([]string, len(e.builder.inputs))
	inputShapes = make([]shapes.Shape, len(e.builder.inputs))
	for ii, node := range e.builder.inputs {
		names[ii] = node.data.(*nodeParameter).name
		inputShapes[ii] = node.shape
	}
	return
}

// Outputs returns the output shapes in the order given to Compile.
func (e *Executable) Outputs() []shapes.Shape {
	outputShapes := make([]shapes.Shape, len(e.builder.outputs))
	for ii, node := range e.builder.outputs {
		outputShapes[ii] = node.shape
	}
	return outputShapes
}

// Finalize immediately frees the resources associated with the executable.
func (e *Executable) Finalize() {
	if e.builder == nil {
		return
	}
	e.builder.nodes = nil
	e.builder.inputs = nil
	e.builder.outputs = nil
	e.builder = nil
}

// Execute the computation with the given input buffers, in parameter order.
//
// Nodes execute sequentially in graph order; ctx is checked between nodes,
// and a canceled context abandons the run returning ctx.Err().
func (e *Executable) Execute(ctx context.Context, inputs []backends.Buffer) ([]backends.Buffer, error) {
	if e.builder == nil {
		return nil, errors.Errorf("Execute: executable has been finalized")
	}
	if len(inputs) != len(e.builder.inputs) {
		return nil, errors.Errorf("Execute: computation %q expected %d inputs, got %d",
			e.builder.name, len(e.builder.inputs), len(inputs))
	}
	results := make([]*Buffer, e.numNodesToProcess)
	owned := make([]bool, e.numNodesToProcess)
	for ii, input := range inputs {
		buf, err := e.backend.checkBuffer(input)
		if err != nil {
			return nil, errors.WithMessagef(err, "Execute: input buffer #%d", ii)
		}
		paramNode := e.builder.inputs[ii]
		if !buf.shape.Equal(paramNode.shape) {
			return nil, errors.Errorf("Execute: parameter %q (input #%d) for %q: expected shape %s, got %s",
				paramNode.data.(*nodeParameter).name, ii, e.builder.name, paramNode.shape, buf.shape)
		}
		results[paramNode.builderIdx] = buf
	}

	klog.V(2).Infof("purego: executing %q (%d nodes, %d inputs)",
		e.builder.name, e.numNodesToProcess, len(inputs))

	remaining := slices.Clone(e.numUses)
	for idx := range e.numNodesToProcess {
		node := e.builder.nodes[idx]
		if e.numUses[idx] == 0 || node.opType == backends.OpTypeParameter {
			continue
		}
		if err := ctx.Err(); err != nil {
			e.releaseAll(results, owned)
			klog.V(1).Infof("purego: execution of %q abandoned: %v", e.builder.name, err)
			return nil, err
		}
		inputBuffers := make([]*Buffer, len(node.inputs))
		for ii, input := range node.inputs {
			inputBuffers[ii] = results[input.builderIdx]
		}
		out, err := e.executeNode(node, inputBuffers)
		if err != nil {
			e.releaseAll(results, owned)
			return nil, errors.WithMessagef(err, "Execute: computation %q, node #%d (%s)",
				e.builder.name, idx, node.opType)
		}
		results[idx] = out
		owned[idx] = true
		// Release intermediate buffers that are no longer needed.
		for _, input := range node.inputs {
			inIdx := input.builderIdx
			remaining[inIdx]--
			if remaining[inIdx] == 0 && owned[inIdx] {
				e.backend.putBuffer(results[inIdx])
				results[inIdx] = nil
			}
		}
	}

	outputs := make([]backends.Buffer, len(e.builder.outputs))
	for ii, outputNode := range e.builder.outputs {
		outIdx := outputNode.builderIdx
		buf := results[outIdx]
		if buf == nil {
			e.releaseAll(results, owned)
			return nil, errors.Errorf("Execute: output #%d (%s) was not computed, this is a bug", ii, outputNode.opType)
		}
		remaining[outIdx]--
		if owned[outIdx] && remaining[outIdx] == 0 {
			// Transfer ownership of the buffer to the caller.
			results[outIdx] = nil
			outputs[ii] = buf
		} else {
			// Parameter pass-through or a node used by multiple outputs.
			outputs[ii] = e.backend.cloneBuffer(buf)
		}
	}
	e.releaseAll(results, owned)
	return outputs, nil
}

func (e *Executable) releaseAll(results []*Buffer, owned []bool) {
	for idx, buf := range results {
		if buf != nil && owned[idx] {
			e.backend.putBuffer(buf)
			results[idx] = nil
		}
	}
}

// executeNode dispatches one node to its kernel. The returned buffer is owned
// by the executor.
func (e *Executable) executeNode(node *Node, inputs []*Buffer) (*Buffer, error) {
	switch node.opType {
	case backends.OpTypeConstant:
		out := e.backend.getBuffer(node.shape)
		copyFlat(out.flat, node.data.(*nodeConstant).flat)
		return out, nil
	case backends.OpTypeIota:
		return e.execIota(node)
	case backends.OpTypeNeg, backends.OpTypeAbs, backends.OpTypeSign,
		backends.OpTypeExp, backends.OpTypeLog, backends.OpTypeSqrt,
		backends.OpTypeTanh, backends.OpTypeLogistic, backends.OpTypeLogicalNot:
		return e.execUnary(node, inputs[0])
	case backends.OpTypeAdd, backends.OpTypeSub, backends.OpTypeMul,
		backends.OpTypeDiv, backends.OpTypePow, backends.OpTypeMax, backends.OpTypeMin:
		return e.execBinary(node, inputs[0], inputs[1])
	case backends.OpTypeEqual, backends.OpTypeNotEqual,
		backends.OpTypeGreaterThan, backends.OpTypeGreaterOrEqual,
		backends.OpTypeLessThan, backends.OpTypeLessOrEqual:
		return e.execComparison(node, inputs[0], inputs[1])
	case backends.OpTypeWhere:
		return e.execWhere(node, inputs[0], inputs[1], inputs[2])
	case backends.OpTypeReshape:
		out := e.backend.getBuffer(node.shape)
		copyFlat(out.flat, inputs[0].flat)
		return out, nil
	case backends.OpTypeTranspose:
		return e.execTranspose(node, inputs[0])
	case backends.OpTypeBroadcast:
		return e.execBroadcast(node, inputs[0])
	case backends.OpTypeConcatenate:
		return e.execConcatenate(node, inputs)
	case backends.OpTypeSlice:
		return e.execSlice(node, inputs[0])
	case backends.OpTypeReverse:
		return e.execReverse(node, inputs[0])
	case backends.OpTypeConvertDType:
		return e.execConvertDType(node, inputs[0])
	case backends.OpTypeReduceSum, backends.OpTypeReduceMax, backends.OpTypeReduceMin:
		return e.execReduce(node, inputs[0])
	case backends.OpTypeDot:
		return e.execDot(node, inputs[0], inputs[1])
	}
	return nil, errors.Errorf("operation %s is not implemented by the %s backend", node.opType, BackendName)
}

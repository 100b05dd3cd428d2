// Copyright 2026 The Symflow Authors. SPDX-License-Identifier: Apache-2.0

package context

import (
	"fmt"
	"strings"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"

	"github.com/symflow/symflow/graph"
	"github.com/symflow/symflow/types/shapes"
	"github.com/symflow/symflow/types/tensors"
	"github.com/symflow/symflow/types/xslices"
)

// Variable is a value shared among computation graphs, or across multiple
// executions of the same graph. It is defined in a scope of a Context.
//
// The materialized value can be accessed in between graph executions with
// Value and SetValue. During graph building, Variable.ValueGraph returns the
// graph Node holding the variable's current value: initially a parameter
// node fed with the concrete value at execution time, possibly replaced by
// SetValueGraph (e.g. when applying a gradient-descent update).
//
// Variables created without a value are materialized only when
// Context.InitializeVariables runs their initializer graphs.
type Variable struct {
	ctx         *Context
	name, scope string

	// Trainable indicates whether the variable is returned by
	// Context.BuildTrainableVariablesGradientsGraph. Optimizers skip
	// variables with Trainable set to false.
	Trainable bool

	shape shapes.Shape

	// initializer is set while the variable has no value yet.
	initializer VariableInitializer

	value *tensors.Tensor

	// graphToNodes maps each graph in which this variable was used to its
	// parameter node and current value node.
	graphToNodes map[graph.GraphId]*variableNodes
}

// variableNodes holds the parameter node (fed to the graph at execution) and
// the current value node for one graph. They differ if the variable value was
// changed during graph building with Variable.SetValueGraph.
type variableNodes struct {
	paramNode, valueNode *Node
}

// Name of the variable within its scope.
func (v *Variable) Name() string {
	if v == nil {
		return "<nil>"
	}
	return v.name
}

// Scope where the variable was created.
func (v *Variable) Scope() string {
	if v == nil {
		return "<nil>"
	}
	return v.scope
}

// String implements fmt.Stringer.
func (v *Variable) String() string {
	if v == nil || !v.shape.Ok() {
		return "<invalid variable>"
	}
	return v.ScopeAndName()
}

// Shape of the variable.
func (v *Variable) Shape() shapes.Shape {
	if v == nil {
		return shapes.Shape{}
	}
	return v.shape
}

// DType of the variable.
func (v *Variable) DType() dtypes.DType {
	if v == nil {
		return dtypes.InvalidDType
	}
	return v.shape.DType
}

// CheckValid returns an error if the variable is nil or its shape was never
// set.
func (v *Variable) CheckValid() error {
	if v == nil {
		return errors.New("context.Variable is nil")
	}
	if !v.shape.Ok() {
		return errors.Errorf("context.Variable %q has no shape", v.name)
	}
	return nil
}

// AssertValid panics if the variable is in an invalid state.
func (v *Variable) AssertValid() {
	if err := v.CheckValid(); err != nil {
		panic(err)
	}
}

// HasValue returns whether the variable holds a materialized value already.
// Variables created with VariableWithShape have no value until
// Context.InitializeVariables runs.
func (v *Variable) HasValue() bool {
	return v != nil && v.value != nil
}

// VariableParameterPrefix prefixes graph parameter names created for
// variables, keeping them apart from positional arguments.
const VariableParameterPrefix = "var:"

// ScopeAndName returns the fully qualified name of the variable.
func (v *Variable) ScopeAndName() string {
	return JoinScope(v.Scope(), v.Name())
}

// ParameterName returns the name used for the graph parameter node that feeds
// this variable. It is unique per variable and reversible, see
// VariableScopeAndNameFromParameterName.
func (v *Variable) ParameterName() string {
	v.AssertValid()
	return VariableParameterNameFromScopeAndName(v.scope, v.name)
}

// VariableParameterNameFromScopeAndName builds the Variable.ParameterName for
// the given scope and name.
func VariableParameterNameFromScopeAndName(scope, name string) string {
	return fmt.Sprintf("%s%s%s%s", VariableParameterPrefix, scope, ScopeSeparator, name)
}

// VariableScopeAndNameFromParameterName extracts the scope and name encoded
// in a variable's parameter name. It returns empty strings if parameterName
// was not created by VariableParameterNameFromScopeAndName.
func VariableScopeAndNameFromParameterName(parameterName string) (scope, name string) {
	if !strings.HasPrefix(parameterName, VariableParameterPrefix) {
		return
	}
	parts := strings.Split(parameterName[len(VariableParameterPrefix):], ScopeSeparator)
	if len(parts) == 1 {
		return
	}
	name = xslices.Last(parts)
	if len(parts) > 2 {
		scope = strings.Join(parts[:len(parts)-1], ScopeSeparator)
	} else {
		scope = RootScope
	}
	return
}

// Value returns the tensor holding the variable value, to manipulate the
// value in Go. When building a computation graph use Variable.ValueGraph
// instead.
func (v *Variable) Value() (*tensors.Tensor, error) {
	if err := v.CheckValid(); err != nil {
		return nil, err
	}
	if v.value == nil {
		return nil, errors.Errorf("variable %q has no value: it needs Context.InitializeVariables", v.ScopeAndName())
	}
	return v.value, nil
}

// MustValue returns the tensor holding the variable value, panicking on
// error. See Variable.Value.
func (v *Variable) MustValue() *tensors.Tensor {
	value, err := v.Value()
	if err != nil {
		panic(err)
	}
	return value
}

// SetValue replaces the tensor holding the variable value. The variable shape
// must match; setting nil resets the variable and marks the context as
// needing initialization again.
func (v *Variable) SetValue(value *tensors.Tensor) error {
	if err := v.CheckValid(); err != nil {
		return err
	}
	if value == nil {
		v.value = nil
		v.ctx.data.needsInitialization = true
		return nil
	}
	if !value.Shape().Equal(v.shape) {
		return errors.Errorf("cannot set variable %q (shape %s) to a value shaped %s",
			v.ScopeAndName(), v.shape, value.Shape())
	}
	v.value = value
	return nil
}

// Reset drops the variable value, preserving the shape. The variable is
// reinitialized the next time a graph using it executes.
func (v *Variable) Reset() {
	v.value = nil
	v.ctx.data.needsInitialization = true
}

// SetTrainable sets the trainable status and returns the variable, so calls
// can be chained.
func (v *Variable) SetTrainable(trainable bool) *Variable {
	v.AssertValid()
	v.Trainable = trainable
	return v
}

// InUseByGraph returns whether the variable was used when building the given
// graph.
func (v *Variable) InUseByGraph(g *Graph) bool {
	v.AssertValid()
	_, found := v.graphToNodes[g.GraphId()]
	return found
}

// ChangedInGraph returns whether the variable is in use and had its value
// node replaced (by SetValueGraph) while building the given graph.
func (v *Variable) ChangedInGraph(g *Graph) bool {
	v.AssertValid()
	nodes, found := v.graphToNodes[g.GraphId()]
	if !found {
		return false
	}
	return nodes.paramNode != nodes.valueNode
}

// ValueGraph returns the Node holding the current value of the variable in
// the given graph, creating its parameter node on first use.
//
// It is a graph building function: it panics on error.
func (v *Variable) ValueGraph(g *Graph) *Node {
	v.AssertValid()
	nodes, found := v.graphToNodes[g.GraphId()]
	if found {
		return nodes.valueNode
	}
	return v.paramNode(g)
}

// SetValueGraph sets the value node of the variable for the given graph.
//
// A graph building function can use this to update variable values, for
// instance to apply weights updates during gradient descent: Exec includes
// the last value set as an extra output of the execution and copies it back
// to the variable after each run.
//
// It is a graph building function: it panics on error.
func (v *Variable) SetValueGraph(value *Node) {
	v.AssertValid()
	g := value.Graph()
	g.AssertValid()
	nodes, found := v.graphToNodes[g.GraphId()]
	if !found {
		// Registers the parameter node first, marking the variable as in
		// use by the graph.
		v.paramNode(g)
		nodes = v.graphToNodes[g.GraphId()]
	}
	nodes.valueNode = value
}

// paramNode returns the graph parameter node fed with the variable value at
// execution time, creating it on first use for the graph.
func (v *Variable) paramNode(g *Graph) *Node {
	nodes, found := v.graphToNodes[g.GraphId()]
	if found {
		return nodes.paramNode
	}
	node := graph.Parameter(g, v.ParameterName(), v.shape)
	v.graphToNodes[g.GraphId()] = &variableNodes{paramNode: node, valueNode: node}
	return node
}

// Finalize drops the variable value and graph associations. The variable is
// left unusable; normally one calls Context.Finalize instead.
func (v *Variable) Finalize() {
	if v.value != nil {
		v.value.Finalize()
		v.value = nil
	}
	v.shape = shapes.Invalid()
	clear(v.graphToNodes)
}

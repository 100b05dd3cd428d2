// Copyright 2026 The Symflow Authors. SPDX-License-Identifier: Apache-2.0

// Package context organizes variables and hyperparameters shared among
// computation graphs.
//
// A model (or any lazy computation) can spawn multiple graphs, e.g. one for a
// training step and one for inference, and all of them should share the same
// variable values. The Context holds those variables, organized in "scopes".
//
// The Context object itself is a thin reference: it carries the current scope
// (similar to a current directory) and a pointer to the shared data. Changing
// scope with Context.In returns a new Context referring to the same data, so
// scope restoration is by value:
//
//	func Layer(ctx *context.Context, x *Node) *Node {
//		ctx = ctx.In("layer")  // Affects only this reference.
//		w := ctx.VariableWithShape("weights", shape)
//		...
//	}
//
// Variable creation is checked by default: creating a variable that already
// exists in the same scope panics wrapping ErrDuplicateVariableName, unless
// the context is marked Context.Reuse (or checking is disabled with
// Context.Checked(false)).
package context

import (
	"fmt"
	"iter"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"

	"github.com/symflow/symflow/backends"
	"github.com/symflow/symflow/backends/shapeinference"
	"github.com/symflow/symflow/graph"
	"github.com/symflow/symflow/internal/scoped"
	"github.com/symflow/symflow/types/shapes"
	"github.com/symflow/symflow/types/tensors"
)

// ErrDuplicateVariableName is the cause of the panic when a variable is
// created twice in the same scope on a checked, non-reuse context.
var ErrDuplicateVariableName = errors.New("variable already exists in scope")

const (
	// ScopeSeparator is used between levels of scope. Scope names cannot
	// contain this character.
	ScopeSeparator = "/"

	// RootScope is the scope at the very root.
	RootScope = ScopeSeparator
)

// Context organizes variables and hyperparameters in scopes. It is a thin
// scoped reference to a shared data component: see the package documentation.
type Context struct {
	// scope for variable creation and parameter lookups.
	scope string

	// reuse of variables, if set to true.
	reuse bool

	// checked access to variables: whether creation checks reuse. If set to
	// false, reuse is irrelevant.
	checked bool

	// initializer builds initial values for variables created without one.
	initializer VariableInitializer

	data *contextData
}

// scopedVariableMap maps a name to a variable within one scope.
type scopedVariableMap map[string]*Variable

// contextData is the component shared among all Context references.
type contextData struct {
	// params holds scoped hyperparameters: the Context is agnostic about
	// their semantics, values are interpreted by whoever reads them (e.g.
	// "learning_rate" by an optimization loop).
	params *scoped.Params

	// variablesMap organizes variables per scope.
	variablesMap map[string]scopedVariableMap

	// variables lists all variables in creation order.
	variables []*Variable

	// loader, if set, is consulted for previous values of new variables.
	loader Loader

	// needsInitialization is set when a variable is created without a
	// value, and cleared by InitializeVariables.
	needsInitialization bool
}

// Loader can be implemented by any library providing stored values of
// variables, e.g. a checkpoint reader. Loaded values are checked against the
// shape declared at variable creation.
//
// Loader implementations provide values on demand, as variables are created,
// even if they load everything up front.
type Loader interface {
	// LoadVariable returns the stored value for the variable identified by
	// scope and name, or found=false if there is none, in which case
	// creation proceeds as usual.
	LoadVariable(ctx *Context, scope, name string) (value *tensors.Tensor, found bool)
}

// New returns an empty context in the root scope, associated with freshly
// created data.
//
// Variables created without a value are zero-initialized by default; set
// another default with Context.WithInitializer.
func New() *Context {
	ctx := &Context{
		scope:   RootScope,
		checked: true,
		data: &contextData{
			params:       scoped.New(ScopeSeparator),
			variablesMap: make(map[string]scopedVariableMap),
		},
	}
	ctx.initializer = Zeros()
	return ctx
}

// copy creates a copy of the Context reference, sharing the same data.
func (ctx *Context) copy() *Context {
	ctx2 := &Context{}
	*ctx2 = *ctx
	return ctx2
}

// JoinScope joins a scope and a name into a single string.
// See also SplitScope.
func JoinScope(scope, name string) string {
	if strings.HasSuffix(scope, ScopeSeparator) {
		return scope + name
	}
	if scope == "" {
		return name
	}
	return scope + ScopeSeparator + name
}

// SplitScope splits a combined string, typically created by JoinScope, back
// into scope and name. If no scope is encoded, scope is returned empty.
func SplitScope(scopeAndName string) (scope, name string) {
	if !strings.HasPrefix(scopeAndName, ScopeSeparator) {
		return "", scopeAndName
	}
	separationIdx := strings.LastIndex(scopeAndName, ScopeSeparator)
	name = scopeAndName[separationIdx+1:]
	if separationIdx == 0 {
		scope = RootScope
	} else {
		scope = scopeAndName[:separationIdx]
	}
	return
}

// EscapeScopeName replaces any ScopeSeparator in the string by "_".
func EscapeScopeName(scopeName string) string {
	return strings.ReplaceAll(scopeName, ScopeSeparator, "_")
}

// Scope returns the full current scope path.
func (ctx *Context) Scope() string {
	return ctx.scope
}

// In returns a new reference to the Context under the given sub-scope. No
// ScopeSeparator ("/") is allowed in scope.
func (ctx *Context) In(scope string) *Context {
	if scope == "" {
		exceptions.Panicf("cannot use empty scope for Context.In()")
	}
	if strings.Contains(scope, ScopeSeparator) {
		exceptions.Panicf("cannot use separator %q in scope element %q", ScopeSeparator, scope)
	}
	if ctx.scope == RootScope {
		return ctx.InAbsPath(RootScope + scope)
	}
	return ctx.InAbsPath(ctx.scope + ScopeSeparator + scope)
}

// Inf is a shortcut for Context.In combined with fmt.Sprintf.
func (ctx *Context) Inf(format string, args ...any) *Context {
	return ctx.In(fmt.Sprintf(format, args...))
}

// InAbsPath returns a new reference to the Context in the given absolute
// scope path. It must start with ScopeSeparator; use RootScope for the root.
func (ctx *Context) InAbsPath(scopePath string) *Context {
	if !strings.HasPrefix(scopePath, ScopeSeparator) {
		exceptions.Panicf("absolute scope path must start with separator %q, instead got %q", ScopeSeparator, scopePath)
	}
	if _, found := ctx.data.variablesMap[scopePath]; !found {
		ctx.data.variablesMap[scopePath] = make(scopedVariableMap)
	}
	ctx2 := ctx.copy()
	ctx2.scope = scopePath
	return ctx2
}

// Reuse returns a new reference to the Context marked for reuse of
// variables: creating a variable that already exists returns the existing
// one, and creating one that doesn't exist panics.
// Irrelevant if IsChecked is false.
func (ctx *Context) Reuse() *Context {
	if ctx.reuse {
		return ctx
	}
	ctx2 := ctx.copy()
	ctx2.reuse = true
	return ctx2
}

// Unique returns a new reference to the Context marked to only allow new
// variables. This is the default. Irrelevant if IsChecked is false.
func (ctx *Context) Unique() *Context {
	if !ctx.reuse {
		return ctx
	}
	ctx2 := ctx.copy()
	ctx2.reuse = false
	return ctx2
}

// IsReuse returns whether the Context is marked for variable reuse.
func (ctx *Context) IsReuse() bool { return ctx.reuse }

// Checked returns a new reference with the checked flag set accordingly. If
// checked is false, variables are dynamically reused or created as needed,
// without reuse checks. Usually checking is kept on while building models, to
// prevent scopes overstepping on each other, and disabled for supporting
// variables (optimizer slots, metrics).
func (ctx *Context) Checked(checked bool) *Context {
	if ctx.checked == checked {
		return ctx
	}
	ctx2 := ctx.copy()
	ctx2.checked = checked
	return ctx2
}

// IsChecked returns whether the context is checking variable reuse rules.
func (ctx *Context) IsChecked() bool { return ctx.checked }

// WithInitializer returns a new reference to the Context with the default
// variable initializer set. It affects only variables created through this
// reference (and references derived from it).
func (ctx *Context) WithInitializer(initializer VariableInitializer) *Context {
	if initializer == nil {
		exceptions.Panicf("Context.WithInitializer passed a nil initializer")
	}
	ctx2 := ctx.copy()
	ctx2.initializer = initializer
	return ctx2
}

// GetParam returns the value for the given param key, searching successively
// from the current scope up to the root scope.
//
// E.g.: if the current scope is "/a/b", it searches "/a/b", then "/a" and
// finally "/", returning the first result found.
func (ctx *Context) GetParam(key string) (value any, found bool) {
	return ctx.data.params.Get(ctx.scope, key)
}

// GetParamOr returns the value for the given param key, searching from the
// current scope up to the root, or defaultValue if the key is not set (or set
// to nil). It panics if the stored value is not of type T.
func GetParamOr[T any](ctx *Context, key string, defaultValue T) T {
	valueAny, found := ctx.GetParam(key)
	if !found || valueAny == nil {
		return defaultValue
	}
	value, ok := valueAny.(T)
	if !ok {
		exceptions.Panicf("GetParamOr[%T](ctx, %q): value in scope %q is a %T and cannot be used as %T",
			defaultValue, key, ctx.scope, valueAny, defaultValue)
	}
	return value
}

// SetParam sets the given param in the current scope. It is visible (by
// GetParam) within this scope and descendant scopes, but not by others.
func (ctx *Context) SetParam(key string, value any) {
	ctx.data.params.Set(ctx.scope, key, value)
}

// SetParams sets a collection of parameters in the current scope. A shortcut
// for multiple calls to Context.SetParam.
func (ctx *Context) SetParams(keyValues map[string]any) {
	for key, value := range keyValues {
		ctx.data.params.Set(ctx.scope, key, value)
	}
}

// EnumerateParams calls fn on every parameter of every scope, in
// deterministic order.
func (ctx *Context) EnumerateParams(fn func(scope, key string, value any)) {
	ctx.data.params.Enumerate(fn)
}

// GetVariableByScopeAndName returns the variable with the given name in the
// given scope, or nil if it was never created. It is not affected by reuse
// checks.
//
// If a Loader is attached and holds a value for the variable, the variable is
// materialized from it.
func (ctx *Context) GetVariableByScopeAndName(scope, name string) *Variable {
	if scopeVars, ok := ctx.data.variablesMap[scope]; ok {
		if v, found := scopeVars[name]; found {
			return v
		}
	}
	loader := ctx.data.loader
	if loader == nil {
		return nil
	}
	value, found := loader.LoadVariable(ctx, scope, name)
	if !found {
		return nil
	}
	v := &Variable{
		ctx:          ctx,
		name:         name,
		scope:        scope,
		shape:        value.Shape(),
		value:        value,
		Trainable:    true,
		graphToNodes: make(map[graph.GraphId]*variableNodes),
	}
	ctx.InAbsPath(scope).setVariableInScope(name, v)
	return v
}

// GetVariable returns the variable with the given name in the current scope,
// or nil if it was never created. It is not affected by reuse checks.
func (ctx *Context) GetVariable(name string) *Variable {
	return ctx.GetVariableByScopeAndName(ctx.scope, name)
}

// InspectVariableIfLoaded returns the variable if it was already materialized
// but, unlike GetVariableByScopeAndName, doesn't attempt to load it.
func (ctx *Context) InspectVariableIfLoaded(scope, name string) *Variable {
	scopeVars, ok := ctx.data.variablesMap[scope]
	if !ok {
		return nil
	}
	return scopeVars[name]
}

func (ctx *Context) setVariableInScope(name string, v *Variable) {
	vSet, found := ctx.data.variablesMap[ctx.scope]
	if !found {
		vSet = make(scopedVariableMap)
		ctx.data.variablesMap[ctx.scope] = vSet
	}
	vSet[name] = v
	ctx.data.variables = append(ctx.data.variables, v)
}

// checkCreation enforces the reuse discipline for a variable creation and
// returns the pre-existing variable, if any.
func (ctx *Context) checkCreation(name string) *Variable {
	v := ctx.GetVariableByScopeAndName(ctx.scope, name)
	if ctx.checked && ctx.reuse && v == nil {
		exceptions.Panicf("requested variable %q in scope %q with Context.Reuse set, but the variable does not exist",
			name, ctx.scope)
	}
	if ctx.checked && !ctx.reuse && v != nil {
		panic(errors.Wrapf(ErrDuplicateVariableName,
			"variable %q in scope %q: if reuse was deliberate, use Context.Reuse() or Context.Checked(false)",
			name, ctx.scope))
	}
	return v
}

// VariableWithShape creates or returns an existing variable with the given
// shape in the current scope. The shape must be fully known. New variables
// are marked trainable and are materialized by the context's initializer on
// the next InitializeVariables call.
//
// If a Loader is configured and holds a value for this variable, the loaded
// value is used; its shape must match the one given here.
//
// On a checked context (the default) this panics wrapping
// ErrDuplicateVariableName if the variable already exists and the context is
// not marked Reuse, and panics if the context is marked Reuse but the
// variable doesn't exist.
func (ctx *Context) VariableWithShape(name string, shape shapes.Shape) *Variable {
	if !shape.IsFullyKnown() {
		panic(errors.Wrapf(shapeinference.ErrShapeUnderdetermined,
			"variable %q in scope %q must have a fully known shape, got %s", name, ctx.scope, shape))
	}
	v := ctx.checkCreation(name)
	if v != nil {
		if !shape.Equal(v.shape) {
			panic(errors.Wrapf(shapeinference.ErrDimensionMismatch,
				"variable %q in scope %q has shape %s, requested with shape %s",
				name, ctx.scope, v.shape, shape))
		}
		v.initializer = ctx.initializer
		return v
	}

	v = &Variable{
		ctx:          ctx,
		name:         name,
		scope:        ctx.scope,
		shape:        shape,
		Trainable:    true,
		initializer:  ctx.initializer,
		graphToNodes: make(map[graph.GraphId]*variableNodes),
	}
	ctx.setVariableInScope(name, v)
	ctx.data.needsInitialization = true
	return v
}

func valueToTensor(value any) *tensors.Tensor {
	if tensorValue, ok := value.(*tensors.Tensor); ok {
		return tensorValue
	}
	if node, ok := value.(*Node); ok {
		exceptions.Panicf("a graph node is not a concrete value, provide a Go value or a tensor -- *Node given: %s", node)
	}
	return tensors.FromAnyValue(value)
}

// VariableWithValue creates or returns a variable initialized with the given
// value in the current scope. The value must be concrete: a tensor or a Go
// value convertible to one. If the variable already exists (on a Reuse or
// unchecked context), its current value is kept.
//
// The reuse discipline is the same as for VariableWithShape.
func (ctx *Context) VariableWithValue(name string, value any) *Variable {
	v := ctx.checkCreation(name)

	var valueT *tensors.Tensor
	err := exceptions.TryCatch[error](func() { valueT = valueToTensor(value) })
	if err != nil {
		panic(errors.WithMessagef(err, "failed to parse value %v for variable %q in scope %q",
			value, name, ctx.scope))
	}

	if v != nil {
		if !valueT.Shape().Equal(v.shape) {
			panic(errors.Wrapf(shapeinference.ErrDimensionMismatch,
				"variable %q in scope %q has shape %s, requested with a value shaped %s",
				name, ctx.scope, v.shape, valueT.Shape()))
		}
		return v
	}

	v = &Variable{
		ctx:          ctx,
		name:         name,
		scope:        ctx.scope,
		shape:        valueT.Shape(),
		value:        valueT,
		Trainable:    true,
		graphToNodes: make(map[graph.GraphId]*variableNodes),
	}
	ctx.setVariableInScope(name, v)
	return v
}

// EnumerateVariables calls fn for each variable in the context, in creation
// order. Variables held only by a Loader and never materialized are not
// listed.
func (ctx *Context) EnumerateVariables(fn func(v *Variable)) {
	for _, v := range ctx.data.variables {
		fn(v)
	}
}

// IterVariables iterates over each variable in the context, in creation
// order.
func (ctx *Context) IterVariables() iter.Seq[*Variable] {
	return func(yield func(*Variable) bool) {
		for _, v := range ctx.data.variables {
			if !yield(v) {
				return
			}
		}
	}
}

// IterVariablesInScope is like IterVariables but only yields variables under
// the current scope.
func (ctx *Context) IterVariablesInScope() iter.Seq[*Variable] {
	baseScope := ctx.scope
	baseScopeWithSeparator := baseScope + ScopeSeparator
	if baseScope == RootScope {
		baseScopeWithSeparator = baseScope
	}
	return func(yield func(*Variable) bool) {
		for _, v := range ctx.data.variables {
			if v.scope == baseScope || strings.HasPrefix(v.scope, baseScopeWithSeparator) {
				if !yield(v) {
					return
				}
			}
		}
	}
}

// NumVariables returns the number of variables in this Context.
func (ctx *Context) NumVariables() int {
	return len(ctx.data.variables)
}

// NumParameters returns the total size (number of entries) summed over all
// variables. It ignores the DType, a float64 counts as much as a uint8.
func (ctx *Context) NumParameters() int {
	total := 0
	for _, v := range ctx.data.variables {
		total += v.shape.Size()
	}
	return total
}

// Memory returns the total number of bytes summed across all variables. Only
// the raw data is counted, not associated structures.
func (ctx *Context) Memory() int64 {
	total := int64(0)
	for _, v := range ctx.data.variables {
		total += v.shape.Memory()
	}
	return total
}

// String returns a one line summary of the context contents.
func (ctx *Context) String() string {
	return fmt.Sprintf("Context[scope=%q, %d variables, %d parameters, %s]",
		ctx.scope, ctx.NumVariables(), ctx.NumParameters(), humanize.Bytes(uint64(ctx.Memory())))
}

// NeedsInitialization returns whether there are variables created without a
// value that were not yet initialized.
func (ctx *Context) NeedsInitialization() bool {
	return ctx.data.needsInitialization
}

// InitializeVariables materializes every variable in the Context that doesn't
// have a value yet, by building and running their initializer graphs once on
// the given backend. Variables created with VariableWithValue (or loaded) are
// not touched.
func (ctx *Context) InitializeVariables(backend backends.Backend) error {
	var variablesToInitialize []*Variable
	for _, v := range ctx.data.variables {
		if !v.HasValue() {
			variablesToInitialize = append(variablesToInitialize, v)
		}
	}
	if len(variablesToInitialize) == 0 {
		ctx.data.needsInitialization = false
		return nil
	}

	var g *graph.Graph
	err := exceptions.TryCatch[error](func() {
		g = graph.NewGraph(backend, "variable-initialization")
		initialValues := make([]*Node, 0, len(variablesToInitialize))
		for _, v := range variablesToInitialize {
			if v.initializer == nil {
				exceptions.Panicf("variable %q has no value and no initializer configured", v.ScopeAndName())
			}
			initialValues = append(initialValues, v.initializer(g, v.shape))
		}
		g.Compile(initialValues...)
	})
	if err != nil {
		return errors.WithMessage(err, "failed to build variable initialization graph")
	}
	defer g.Finalize()

	values, err := g.Run()
	if err != nil {
		return errors.WithMessage(err, "failed to run variable initialization graph")
	}
	for ii, v := range variablesToInitialize {
		if err = v.SetValue(values[ii]); err != nil {
			return errors.WithMessagef(err, "initializer for variable %q", v.ScopeAndName())
		}
	}
	ctx.data.needsInitialization = false
	return nil
}

// ExecSetVariablesInParams adds the values of all variables used by the graph
// to the given ParamsMap. It is used by executor implementations (see Exec),
// not normally needed by end users.
func (ctx *Context) ExecSetVariablesInParams(params graph.ParamsMap, g *Graph) {
	g.AssertValid()
	for _, v := range ctx.data.variables {
		if !v.InUseByGraph(g) {
			continue
		}
		if v.value == nil {
			exceptions.Panicf("variable %q used by graph %q but not initialized", v.ScopeAndName(), g.Name())
		}
		params[v.graphToNodes[g.GraphId()].paramNode] = v.value
	}
}

// BuildTrainableVariablesGradientsGraph returns the gradient of loss with
// respect to each trainable variable used in loss's graph, in variable
// creation order. Variables with Trainable set to false are skipped.
//
// Typically used by an optimization loop. If the variable value was replaced
// during graph building with Variable.SetValueGraph, the gradient is with
// respect to the replaced value node.
func (ctx *Context) BuildTrainableVariablesGradientsGraph(loss *Node) []*Node {
	g := loss.Graph()
	var trainableNodes []*Node
	for _, v := range ctx.data.variables {
		if v.Trainable && v.InUseByGraph(g) {
			trainableNodes = append(trainableNodes, v.ValueGraph(g))
		}
	}
	return graph.Gradient(loss, trainableNodes...)
}

// SetLoader configures the Loader consulted whenever a new variable is
// created (or looked up): if the loader holds a value for it, that value is
// used instead of running the initializer.
func (ctx *Context) SetLoader(loader Loader) {
	ctx.data.loader = loader
}

// Loader returns the currently configured Loader, or nil.
func (ctx *Context) Loader() Loader {
	return ctx.data.loader
}

// Finalize releases all variables. The context is left unusable; only call
// this if the context is no longer used by any executor.
func (ctx *Context) Finalize() {
	for _, v := range ctx.data.variables {
		v.Finalize()
	}
	ctx.data.variables = nil
	ctx.data.variablesMap = nil
	ctx.data.loader = nil
	ctx.data.needsInitialization = true
}

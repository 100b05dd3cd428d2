// Copyright 2026 The Symflow Authors. SPDX-License-Identifier: Apache-2.0

// Package scoped provides a mapping from a string key to any data type where
// the keys live in "scopes" organized as a path: looking up a key searches
// from the current scope up to the root scope.
package scoped

import (
	"strings"

	"github.com/symflow/symflow/types/xslices"
)

// Params maps string keys to values, per scope. Reading a key searches the
// current scope first and then each parent scope up to the root, returning
// the first hit.
//
// Example, with the following contents:
//
//	Scope: "/": { "x":10, "y": 20, "z": 40 }
//	Scope: "/a": { "y": 30 }
//	Scope: "/a/b": { "x": 100 }
//
//	Params.Get("/a/b", "x") -> 100
//	Params.Get("/a/b", "y") -> 30
//	Params.Get("/a/b", "z") -> 40
//	Params.Get("/a/b", "w") -> not found
//
// Scope paths start with the separator, and the root scope is the separator
// itself. The context package uses Params to store scoped hyperparameters.
type Params struct {
	Separator  string
	scopeToMap map[string]map[string]any
}

// New creates an empty Params with the given scope separator.
func New(scopeSeparator string) *Params {
	return &Params{
		Separator:  scopeSeparator,
		scopeToMap: make(map[string]map[string]any),
	}
}

// Clone returns a deep copy of the Params.
func (p *Params) Clone() *Params {
	newParams := New(p.Separator)
	for scope, dataMap := range p.scopeToMap {
		newParams.scopeToMap[scope] = make(map[string]any, len(dataMap))
		for key, value := range dataMap {
			newParams.scopeToMap[scope][key] = value
		}
	}
	return newParams
}

// Set sets the value for the given key in the given scope.
func (p *Params) Set(scope, key string, value any) {
	dataMap, found := p.scopeToMap[scope]
	if !found {
		dataMap = make(map[string]any)
		p.scopeToMap[scope] = dataMap
	}
	dataMap[key] = value
}

// Get retrieves the value for the given key in the given scope or any parent
// scope. E.g.: Get("/a/b", "k") searches scopes "/a/b", "/a" and "/" in order.
func (p *Params) Get(scope, key string) (value any, found bool) {
	scopeParts := strings.Split(scope, p.Separator)
	for ii := len(scopeParts) - 1; ii >= 0; ii-- {
		var dataMap map[string]any
		dataMap, found = p.scopeToMap[scope]
		if found && dataMap != nil {
			value, found = dataMap[key]
			if found {
				return
			}
		}
		scope = scope[:len(scope)-len(scopeParts[ii])]
		if ii > 1 {
			// Strip the trailing separator, except for the root scope.
			scope = scope[:len(scope)-len(p.Separator)]
		}
	}
	return nil, false
}

// Enumerate calls fn for every (scope, key, value) stored, in deterministic
// order.
func (p *Params) Enumerate(fn func(scope, key string, value any)) {
	for _, scope := range xslices.SortedKeys(p.scopeToMap) {
		keyValues := p.scopeToMap[scope]
		for _, key := range xslices.SortedKeys(keyValues) {
			fn(scope, key, keyValues[key])
		}
	}
}

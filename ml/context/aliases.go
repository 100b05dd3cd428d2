// Copyright 2026 The Symflow Authors. SPDX-License-Identifier: Apache-2.0

package context

// Aliases of the core types, so signatures in this package read naturally.
//
// The graph package cannot be dot-imported here because of conflicting
// symbols (Exec, NewExec).

import (
	"github.com/symflow/symflow/backends"
	"github.com/symflow/symflow/graph"
)

// Backend is an alias to backends.Backend.
type Backend = backends.Backend

// Graph is an alias to graph.Graph.
type Graph = graph.Graph

// Node is an alias to graph.Node.
type Node = graph.Node

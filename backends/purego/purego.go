// Copyright 2026 The Symflow Authors. SPDX-License-Identifier: Apache-2.0

// Package purego implements the reference backend: a portable, pure Go
// interpreter for computation graphs.
//
// It is not fast, but it has no external dependencies and implements every
// operation of the backends catalogue. It serves both as the default
// execution engine and as the reference implementation backends are tested
// against.
package purego

import (
	"sync"

	"github.com/symflow/symflow/backends"
	"github.com/symflow/symflow/internal/workerspool"
)

// BackendName to be used in SYMFLOW_BACKEND to select this backend.
const BackendName = "purego"

func init() {
	backends.Register(BackendName, New)
}

// New constructs a new purego Backend. There are no configurations, the
// string is ignored.
func New(_ string) (backends.Backend, error) {
	return &Backend{workers: workerspool.New()}, nil
}

// Backend implements the backends.Backend interface interpreting the graph
// directly.
type Backend struct {
	// bufferPools maps bufferPoolKey to *sync.Pool of *Buffer, reused across
	// executions.
	bufferPools sync.Map

	// workers bounds the goroutines used by elementwise kernels.
	workers *workerspool.Pool
}

var _ backends.Backend = (*Backend)(nil)

// Name of the backend.
func (b *Backend) Name() string { return BackendName }

// Description of the backend for pretty-printing.
func (b *Backend) Description() string {
	return "Pure Go reference interpreter"
}

// Builder creates a new builder used to define a new named computation.
func (b *Backend) Builder(name string) backends.Builder {
	return newBuilder(b, name)
}

// Finalize releases all associated resources immediately.
func (b *Backend) Finalize() {
	b.bufferPools = sync.Map{}
}

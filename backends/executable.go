// Copyright 2026 The Symflow Authors. SPDX-License-Identifier: Apache-2.0

package backends

import (
	"context"

	"github.com/symflow/symflow/types/shapes"
)

// Executable is a compiled computation ready to run.
type Executable interface {
	// Inputs returns the parameter names and shapes, in the order they were
	// created by Builder.Parameter.
	Inputs() (names []string, inputShapes []shapes.Shape)

	// Outputs returns the output shapes, in the order given to Compile.
	Outputs() []shapes.Shape

	// Execute the computation with the given input buffers, in parameter
	// order, returning one buffer per output.
	//
	// Execution observes ctx: if it is canceled or its deadline expires, the
	// run is abandoned and ctx.Err() returned. Graph execution is the only
	// blocking operation in this module.
	Execute(ctx context.Context, inputs []Buffer) ([]Buffer, error)

	// Finalize immediately frees the resources associated with the
	// executable.
	Finalize()
}

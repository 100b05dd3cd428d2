// Copyright 2026 The Symflow Authors. SPDX-License-Identifier: Apache-2.0

package backends

import "github.com/symflow/symflow/types/shapes"

// Buffer represents data (a tensor) stored wherever the backend executes --
// host memory for the reference interpreter, device memory for accelerators.
// It is opaque to the rest of the module.
type Buffer any

// DataInterface is the Backend sub-interface that transfers buffers to and
// from the backend.
type DataInterface interface {
	// BufferShape returns the shape of the buffer.
	BufferShape(buffer Buffer) (shapes.Shape, error)

	// BufferFromFlatData transfers a flat Go slice (of the type corresponding
	// to shape.DType) to the backend, returning the corresponding Buffer.
	BufferFromFlatData(flat any, shape shapes.Shape) (Buffer, error)

	// BufferToFlatData transfers the buffer contents into the given flat
	// slice, which must have exactly shape.Size() elements.
	BufferToFlatData(buffer Buffer, flat any) error

	// BufferFinalize tells the backend the buffer is no longer needed. A
	// finalized buffer must never be used again.
	BufferFinalize(buffer Buffer) error
}

// Copyright 2026 The Symflow Authors. SPDX-License-Identifier: Apache-2.0

package purego

import (
	"reflect"
	"sync"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"

	"github.com/symflow/symflow/backends"
	"github.com/symflow/symflow/types/shapes"
)

var _ backends.DataInterface = (*Backend)(nil)

// Buffer for the purego backend holds a shape and its flat data, stored as a
// slice of the Go type corresponding to shape.DType.
type Buffer struct {
	shape shapes.Shape
	valid bool
	flat  any
}

type bufferPoolKey struct {
	dtype  dtypes.DType
	length int
}

func (b *Backend) getBufferPool(dtype dtypes.DType, length int) *sync.Pool {
	key := bufferPoolKey{dtype: dtype, length: length}
	poolInterface, ok := b.bufferPools.Load(key)
	if !ok {
		poolInterface, _ = b.bufferPools.LoadOrStore(key, &sync.Pool{
			New: func() any {
				return &Buffer{
					flat:  reflect.MakeSlice(reflect.SliceOf(dtype.GoType()), length, length).Interface(),
					shape: shapes.Make(dtype, length),
				}
			},
		})
	}
	return poolInterface.(*sync.Pool)
}

// getBuffer returns a buffer of the given shape from the pool, with
// unspecified contents.
func (b *Backend) getBuffer(shape shapes.Shape) *Buffer {
	size := shape.Size()
	if size == 0 {
		size = 1
	}
	buf := b.getBufferPool(shape.DType, size).Get().(*Buffer)
	buf.shape = shape.Clone()
	buf.valid = true
	return buf
}

// putBuffer returns the buffer to the pool. Any references to it must be
// dropped after this.
func (b *Backend) putBuffer(buffer *Buffer) {
	if buffer == nil || !buffer.shape.Ok() {
		return
	}
	buffer.valid = false
	b.getBufferPool(buffer.shape.DType, buffer.shape.Size()).Put(buffer)
}

func (b *Backend) cloneBuffer(buffer *Buffer) *Buffer {
	clone := b.getBuffer(buffer.shape)
	copyFlat(clone.flat, buffer.flat)
	return clone
}

// copyFlat assumes both flat slices are of the same underlying type.
func copyFlat(flatDst, flatSrc any) {
	reflect.Copy(reflect.ValueOf(flatDst), reflect.ValueOf(flatSrc))
}

func (b *Backend) checkBuffer(buffer backends.Buffer) (*Buffer, error) {
	buf, ok := buffer.(*Buffer)
	if !ok {
		return nil, errors.Errorf("buffer was not created by the %s backend", BackendName)
	}
	if !buf.valid || buf.flat == nil {
		return nil, errors.Errorf("buffer (%p) is invalid, likely used after being finalized", buf)
	}
	return buf, nil
}

// BufferShape returns the shape of the buffer.
func (b *Backend) BufferShape(buffer backends.Buffer) (shapes.Shape, error) {
	buf, err := b.checkBuffer(buffer)
	if err != nil {
		return shapes.Invalid(), err
	}
	return buf.shape, nil
}

// BufferFromFlatData copies a flat slice of the Go type corresponding to
// shape.DType into a new backend buffer.
func (b *Backend) BufferFromFlatData(flat any, shape shapes.Shape) (backends.Buffer, error) {
	if !shape.IsFullyKnown() {
		return nil, errors.Errorf("cannot create a buffer for shape %s with unresolved dimensions", shape)
	}
	flatV := reflect.ValueOf(flat)
	if flatV.Kind() != reflect.Slice {
		return nil, errors.Errorf("flat data should be a slice, not %T", flat)
	}
	if dtypes.FromGoType(flatV.Type().Elem()) != shape.DType {
		return nil, errors.Errorf("flat data %T does not match shape %s", flat, shape)
	}
	if flatV.Len() != shape.Size() {
		return nil, errors.Errorf("flat data has %d elements, shape %s requires %d", flatV.Len(), shape, shape.Size())
	}
	buf := b.getBuffer(shape)
	copyFlat(buf.flat, flat)
	return buf, nil
}

// BufferToFlatData copies the buffer contents into the given flat slice.
func (b *Backend) BufferToFlatData(buffer backends.Buffer, flat any) error {
	buf, err := b.checkBuffer(buffer)
	if err != nil {
		return err
	}
	flatV := reflect.ValueOf(flat)
	if flatV.Kind() != reflect.Slice {
		return errors.Errorf("flat data should be a slice, not %T", flat)
	}
	if flatV.Len() != buf.shape.Size() {
		return errors.Errorf("flat data has %d elements, buffer shape %s requires %d",
			flatV.Len(), buf.shape, buf.shape.Size())
	}
	copyFlat(flat, buf.flat)
	return nil
}

// BufferFinalize returns the buffer storage to the backend pool.
func (b *Backend) BufferFinalize(buffer backends.Buffer) error {
	buf, err := b.checkBuffer(buffer)
	if err != nil {
		return err
	}
	b.putBuffer(buf)
	return nil
}

// Copyright 2026 The Symflow Authors. SPDX-License-Identifier: Apache-2.0

// Package tensors implements Tensor, a multi-dimensional array of one of the
// supported dtypes.
//
// A Tensor is defined by its shape (see types/shapes) and its content, stored
// as a flat slice of the Go type corresponding to the shape's dtype, in
// row-major order. Tensors are the inputs and outputs of compiled computation
// graphs.
//
// There are various ways to construct a Tensor:
//
//   - FromShape(shape): a tensor of the given shape, filled with zeros.
//   - FromScalar(value): a scalar tensor, dtype inferred from the value.
//   - FromScalarAndDimensions(value, dims...): given dimensions, filled with
//     the value.
//   - FromFlatDataAndDimensions(data, dims...): given dimensions, contents
//     copied from the flat data slice.
//   - FromValue([][]float32{{1, 2}, {3, 4}}): from a scalar or
//     multi-dimensional slice; sub-slices must be regular (same lengths).
//   - FromAnyValue(any): non-generic version of FromValue; a *Tensor input
//     is returned unchanged.
package tensors

import (
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"

	"github.com/symflow/symflow/types/shapes"
	"github.com/symflow/symflow/types/xslices"
)

// Tensor is a multi-dimensional array of one of the supported dtypes. The
// shape is immutable after construction; the contents can be mutated with
// MutableFlatData.
//
// Concurrent accesses are serialized with an internal mutex.
type Tensor struct {
	shape shapes.Shape

	// mu protects flat, but not shape, which is immutable until the
	// tensor is finalized.
	mu   sync.Mutex
	flat any // Slice of the Go type for the dtype of the shape.
}

// FromShape returns a Tensor of the given shape, with the data initialized
// with zeros. The shape must be valid and fully known.
func FromShape(shape shapes.Shape) *Tensor {
	if !shape.Ok() {
		panic(errors.New("invalid shape"))
	}
	if !shape.IsFullyKnown() {
		exceptions.Panicf("cannot allocate a tensor for shape %s with unresolved dimensions", shape)
	}
	flatV := reflect.MakeSlice(reflect.SliceOf(shape.DType.GoType()), shape.Size(), shape.Size())
	return &Tensor{
		shape: shape,
		flat:  flatV.Interface(),
	}
}

// Shape of the tensor, includes the DType.
func (t *Tensor) Shape() shapes.Shape { return t.shape }

// DType of the tensor's shape.
func (t *Tensor) DType() dtypes.DType { return t.shape.DType }

// Rank of the tensor's shape.
func (t *Tensor) Rank() int { return t.shape.Rank() }

// IsScalar returns whether the tensor holds a single value.
func (t *Tensor) IsScalar() bool { return t.shape.IsScalar() }

// Size returns the number of elements in the tensor.
func (t *Tensor) Size() int { return t.shape.Size() }

// Memory returns the number of bytes used to store the tensor data.
func (t *Tensor) Memory() int64 { return t.shape.Memory() }

// Ok returns whether the Tensor is in a valid state: not nil and not yet
// finalized.
func (t *Tensor) Ok() bool {
	return t != nil && t.shape.Ok() && t.flat != nil
}

// AssertValid panics if the tensor is nil, finalized or has an invalid shape.
func (t *Tensor) AssertValid() {
	if t == nil {
		panic(errors.New("Tensor is nil"))
	}
	if !t.shape.Ok() {
		panic(errors.New("Tensor shape is invalid"))
	}
	if t.flat == nil {
		panic(errors.New("Tensor has already been finalized"))
	}
}

// Finalize immediately frees the tensor data and leaves the Tensor in an
// invalid state. The shape is cleared also.
func (t *Tensor) Finalize() {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.flat = nil
	t.shape = shapes.Invalid()
}

// ConstFlatData calls accessFn with the flattened data as a slice of the Go
// type corresponding to the dtype. Even scalars have a flat representation of
// one element. The Tensor is locked until accessFn returns.
//
// The slice is the actual tensor data, not a copy, and must not be changed.
// See Tensor.MutableFlatData for mutable access.
func (t *Tensor) ConstFlatData(accessFn func(flat any)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.AssertValid()
	accessFn(t.flat)
}

// MutableFlatData calls accessFn with the flattened data as a slice of the Go
// type corresponding to the dtype, whose contents may be changed until
// accessFn returns. The Tensor is locked until accessFn returns.
func (t *Tensor) MutableFlatData(accessFn func(flat any)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.AssertValid()
	accessFn(t.flat)
}

// ConstFlatData is the generics version of Tensor.ConstFlatData. It panics if
// T doesn't match the tensor's dtype.
func ConstFlatData[T dtypes.Supported](t *Tensor, accessFn func(flat []T)) {
	if t.shape.DType != dtypes.FromGenericsType[T]() {
		var v T
		exceptions.Panicf("ConstFlatData[%T] is incompatible with Tensor's dtype %s", v, t.shape.DType)
	}
	t.ConstFlatData(func(anyFlat any) {
		accessFn(anyFlat.([]T))
	})
}

// MutableFlatData is the generics version of Tensor.MutableFlatData. It
// panics if T doesn't match the tensor's dtype.
func MutableFlatData[T dtypes.Supported](t *Tensor, accessFn func(flat []T)) {
	if t.shape.DType != dtypes.FromGenericsType[T]() {
		var v T
		exceptions.Panicf("MutableFlatData[%T] is incompatible with Tensor's dtype %s", v, t.shape.DType)
	}
	t.MutableFlatData(func(anyFlat any) {
		accessFn(anyFlat.([]T))
	})
}

// CopyFlatData returns a copy of the flat data of the tensor. It panics if T
// doesn't match the tensor's dtype.
func CopyFlatData[T dtypes.Supported](t *Tensor) []T {
	var flatCopy []T
	ConstFlatData(t, func(flat []T) {
		flatCopy = xslices.Copy(flat)
	})
	return flatCopy
}

// AssignFlatData copies the values in fromFlat to the tensor storage. It
// panics if the dtype or the size doesn't match.
func AssignFlatData[T dtypes.Supported](toTensor *Tensor, fromFlat []T) {
	MutableFlatData(toTensor, func(toFlat []T) {
		if len(toFlat) != len(fromFlat) {
			var v T
			exceptions.Panicf("AssignFlatData[%T] is trying to store %d values into shape %s, which requires %d values",
				v, len(fromFlat), toTensor.Shape(), toTensor.Shape().Size())
		}
		copy(toFlat, fromFlat)
	})
}

// ToScalar returns the scalar value of the tensor. It panics if T doesn't
// match the dtype, or if the tensor is not a scalar.
func ToScalar[T dtypes.Supported](t *Tensor) T {
	if !t.shape.IsScalar() {
		var v T
		exceptions.Panicf("ToScalar[%T] requires scalar Tensor, got shape %s instead", v, t.shape)
	}
	var value T
	ConstFlatData(t, func(flat []T) {
		value = flat[0]
	})
	return value
}

// Clone returns a deep copy of the tensor.
func (t *Tensor) Clone() *Tensor {
	var clone *Tensor
	t.ConstFlatData(func(flat any) {
		clone = FromShape(t.shape)
		reflect.Copy(reflect.ValueOf(clone.flat), reflect.ValueOf(flat))
	})
	return clone
}

// LayoutStrides return the strides for each axis. Handy when manipulating the
// flat data.
func (t *Tensor) LayoutStrides() (strides []int) {
	rank := t.shape.Rank()
	if rank == 0 {
		return
	}
	strides = make([]int, rank)
	currentStride := 1
	for axis := rank - 1; axis >= 0; axis-- {
		strides[axis] = currentStride
		currentStride *= t.shape.Dimensions[axis]
	}
	return
}

// Equal checks whether t == other element-wise. Tensors with different shapes
// are not equal. It panics if either tensor is invalid.
//
// Slow implementation, fine for small tensors.
func (t *Tensor) Equal(other *Tensor) bool {
	t.AssertValid()
	other.AssertValid()
	if t == other {
		return true
	}
	if !t.shape.Equal(other.shape) {
		return false
	}
	equal := true
	t.ConstFlatData(func(flat0 any) {
		other.ConstFlatData(func(flat1 any) {
			v0, v1 := reflect.ValueOf(flat0), reflect.ValueOf(flat1)
			for i := range v0.Len() {
				if !v0.Index(i).Equal(v1.Index(i)) {
					equal = false
					return
				}
			}
		})
	})
	return equal
}

// InDelta checks whether Abs(t - other) < delta for every element. Tensors
// with different shapes are not within delta of each other. It panics if
// either tensor is invalid or if the dtype is not a float.
//
// Slow implementation, fine for small tensors.
func (t *Tensor) InDelta(other *Tensor, delta float64) bool {
	t.AssertValid()
	other.AssertValid()
	if t == other {
		return true
	}
	if !t.shape.Equal(other.shape) {
		return false
	}
	if !t.shape.DType.IsFloat() {
		exceptions.Panicf("Tensor.InDelta requires a float dtype, got %s", t.shape)
	}
	inDelta := true
	flat0 := t.floatFlat()
	flat1 := other.floatFlat()
	for i, value := range flat0 {
		diff := value - flat1[i]
		if diff < -delta || diff > delta {
			inDelta = false
			break
		}
	}
	return inDelta
}

// floatFlat returns the flat data converted to float64, for any float dtype.
func (t *Tensor) floatFlat() []float64 {
	result := make([]float64, t.Size())
	t.ConstFlatData(func(flat any) {
		v := reflect.ValueOf(flat)
		for i := range result {
			result[i] = toFloat64(v.Index(i).Interface())
		}
	})
	return result
}

// MaxSizeForString is the largest tensor whose values String() will print.
var MaxSizeForString = 500

// String prints the shape and, for small tensors, the values.
func (t *Tensor) String() string {
	if t == nil {
		return "Tensor(nil)"
	}
	if !t.Ok() {
		return "Tensor(invalid)"
	}
	if t.Size() > MaxSizeForString {
		return fmt.Sprintf("Tensor(%s): (... too large, %d values ...)", t.shape, t.Size())
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Tensor(%s): %v", t.shape, t.Value())
	return b.String()
}

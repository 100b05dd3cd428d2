// Copyright 2026 The Symflow Authors. SPDX-License-Identifier: Apache-2.0

package tensors

import (
	"fmt"
	"reflect"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"github.com/x448/float16"

	"github.com/symflow/symflow/types/shapes"
	"github.com/symflow/symflow/types/xslices"
)

// MultiDimensionSlice lists the Go types a Tensor can be converted to/from.
// There are no recursions in generics' constraint definitions, so we
// enumerate up to 4 levels of slices.
type MultiDimensionSlice interface {
	bool | int32 | int64 | float16.Float16 | float32 | float64 |
		[]bool | []int32 | []int64 | []float16.Float16 | []float32 | []float64 |
		[][]bool | [][]int32 | [][]int64 | [][]float16.Float16 | [][]float32 | [][]float64 |
		[][][]bool | [][][]int32 | [][][]int64 | [][][]float16.Float16 | [][][]float32 | [][][]float64 |
		[][][][]bool | [][][][]int32 | [][][][]int64 | [][][][]float16.Float16 | [][][][]float32 | [][][][]float64
}

// FromScalar creates a scalar tensor with the given value. The DType is
// inferred from the value.
func FromScalar[T dtypes.Supported](value T) *Tensor {
	return FromScalarAndDimensions(value)
}

// FromScalarAndDimensions creates a tensor with the given dimensions, filled
// with the given scalar value replicated everywhere. The DType is inferred
// from the value.
func FromScalarAndDimensions[T dtypes.Supported](value T, dimensions ...int) *Tensor {
	shape := shapes.Make(dtypes.FromGenericsType[T](), dimensions...)
	t := FromShape(shape)
	MutableFlatData(t, func(flat []T) {
		xslices.FillSlice(flat, value)
	})
	return t
}

// FromFlatDataAndDimensions creates a tensor with the given dimensions,
// filled with the flattened values given in data, in row-major order. The
// data is copied. The DType is inferred from the data type.
func FromFlatDataAndDimensions[T dtypes.Supported](data []T, dimensions ...int) *Tensor {
	shape := shapes.Make(dtypes.FromGenericsType[T](), dimensions...)
	if len(data) != shape.Size() {
		exceptions.Panicf("FromFlatDataAndDimensions(%s): data size is %d, but dimensions size is %d",
			shape, len(data), shape.Size())
	}
	t := FromShape(shape)
	MutableFlatData(t, func(flat []T) {
		copy(flat, data)
	})
	return t
}

// FromValue returns a tensor constructed from the given multi-dimension slice
// (or scalar). For rank above 1, all sub-slices must have the same length.
//
// It panics if the shape is not regular. Notice FromFlatDataAndDimensions is
// much faster if speed is a concern.
func FromValue[S MultiDimensionSlice](value S) *Tensor {
	return FromAnyValue(value)
}

// FromAnyValue is a non-generic version of FromValue. The input is expected
// to be a scalar or a slice of slices with homogeneous dimensions. If the
// input is already a *Tensor, it is returned unchanged.
//
// It panics if the value type is unsupported or the shape is not regular.
func FromAnyValue(value any) *Tensor {
	if t, ok := value.(*Tensor); ok {
		return t
	}
	shape, err := shapeForValue(value)
	if err != nil {
		panic(errors.Wrapf(err, "cannot create shape from %T", value))
	}
	t := FromShape(shape)
	t.MutableFlatData(func(flatAny any) {
		flatV := reflect.ValueOf(flatAny)
		if shape.IsScalar() {
			flatV.Index(0).Set(reflect.ValueOf(value))
			return
		}
		copySlicesRecursively(flatV, reflect.ValueOf(value), t.LayoutStrides())
	})
	return t
}

// Value returns a multidimensional slice (or a scalar, for scalar shapes)
// containing a copy of the values stored in the tensor. Expensive, usually
// only used for small tensors in tests and to print results.
func (t *Tensor) Value() any {
	var mdSlice any
	t.ConstFlatData(func(flat any) {
		srcV := reflect.ValueOf(flat)
		if t.shape.IsScalar() {
			mdSlice = srcV.Index(0).Interface()
			return
		}
		flatCopyV := reflect.MakeSlice(srcV.Type(), t.Size(), t.Size())
		reflect.Copy(flatCopyV, srcV)
		if t.shape.Rank() == 1 {
			mdSlice = flatCopyV.Interface()
			return
		}
		mdSlice = convertDataToSlices(flatCopyV, t.shape.Dimensions...).Interface()
	})
	return mdSlice
}

// copySlicesRecursively copies values of a multi-dimension slice to a flat
// data slice, given the strides for each dimension.
func copySlicesRecursively(data reflect.Value, mdSlice reflect.Value, strides []int) {
	if len(strides) == 1 {
		reflect.Copy(data, mdSlice)
		return
	}
	subStrides := strides[1:]
	for ii := range mdSlice.Len() {
		subData := data.Slice(ii*strides[0], (ii+1)*strides[0])
		copySlicesRecursively(subData, mdSlice.Index(ii), subStrides)
	}
}

// convertDataToSlices takes data as a flat slice and creates multidimensional
// slices of the given dimensions pointing into it.
func convertDataToSlices(dataV reflect.Value, dimensions ...int) reflect.Value {
	if len(dimensions) <= 1 {
		return dataV
	}
	resultT := dataV.Type().Elem()
	for range dimensions {
		resultT = reflect.SliceOf(resultT)
	}
	strides := make([]int, len(dimensions))
	currentStride := 1
	for axis := len(dimensions) - 1; axis >= 0; axis-- {
		strides[axis] = currentStride
		currentStride *= dimensions[axis]
	}
	return createSlicesRecursively(resultT, dataV, dimensions, strides)
}

func createSlicesRecursively(resultT reflect.Type, data reflect.Value, dimensions []int, strides []int) reflect.Value {
	if len(strides) == 1 {
		return data
	}
	numElements := dimensions[0]
	slice := reflect.MakeSlice(resultT, numElements, numElements)
	subStrides := strides[1:]
	subDimensions := dimensions[1:]
	subResultT := resultT.Elem()
	for ii := range numElements {
		subData := data.Slice(ii*strides[0], (ii+1)*strides[0])
		slice.Index(ii).Set(createSlicesRecursively(subResultT, subData, subDimensions, subStrides))
	}
	return slice
}

func shapeForValue(v any) (shape shapes.Shape, err error) {
	err = shapeForValueRecursive(&shape, reflect.ValueOf(v), reflect.TypeOf(v))
	return
}

func shapeForValueRecursive(shape *shapes.Shape, v reflect.Value, t reflect.Type) error {
	if t.Kind() == reflect.Slice {
		t = t.Elem()
		shape.Dimensions = append(shape.Dimensions, v.Len())
		shapePrefix := shape.Clone()

		// The first element is the reference.
		if v.Len() == 0 {
			return errors.Errorf("value with empty slice not valid for Tensor conversion, zero-sized dimensions cannot be represented with Go slices")
		}
		if err := shapeForValueRecursive(shape, v.Index(0), t); err != nil {
			return err
		}

		// The other elements must have the same shape as the first one.
		for ii := 1; ii < v.Len(); ii++ {
			shapeTest := shapePrefix.Clone()
			if err := shapeForValueRecursive(&shapeTest, v.Index(ii), t); err != nil {
				return err
			}
			if !shape.Equal(shapeTest) {
				return fmt.Errorf("sub-slices have irregular shapes, found shapes %q and %q", shape, shapeTest)
			}
		}
	} else if t.Kind() == reflect.Pointer {
		return fmt.Errorf("cannot convert Pointer (%s) to a concrete tensor value", t)
	} else {
		shape.DType = dtypes.FromGoType(t)
		if shape.DType == dtypes.InvalidDType {
			return fmt.Errorf("cannot convert type %s to a concrete tensor type", t)
		}
	}
	return nil
}

// toFloat64 converts one element of any float dtype to float64.
func toFloat64(value any) float64 {
	switch v := value.(type) {
	case float16.Float16:
		return float64(v.Float32())
	case float32:
		return float64(v)
	case float64:
		return v
	}
	exceptions.Panicf("value %v (%T) is not of a float dtype", value, value)
	return 0
}

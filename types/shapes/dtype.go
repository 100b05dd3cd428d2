// Copyright 2026 The Symflow Authors. SPDX-License-Identifier: Apache-2.0

package shapes

import (
	"reflect"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/x448/float16"
)

// CastAsDType converts a scalar Go value (any numeric or bool type) to the Go
// value used to represent the given dtype. Used to materialize scalar
// constants of the graph's various dtypes from plain Go literals.
func CastAsDType(value any, dtype dtypes.DType) any {
	if b, ok := value.(bool); ok {
		if dtype == dtypes.Bool {
			return b
		}
		f := 0.0
		if b {
			f = 1.0
		}
		value = f
	}
	v := reflect.ValueOf(value)
	var f float64
	switch {
	case v.CanFloat():
		f = v.Float()
	case v.CanInt():
		f = float64(v.Int())
	case v.CanUint():
		f = float64(v.Uint())
	default:
		exceptions.Panicf("cannot cast value %v (%T) to DType %s", value, value, dtype)
	}
	switch dtype {
	case dtypes.Bool:
		return f != 0
	case dtypes.Int32:
		return int32(f)
	case dtypes.Int64:
		return int64(f)
	case dtypes.Float16:
		return float16.Fromfloat32(float32(f))
	case dtypes.Float32:
		return float32(f)
	case dtypes.Float64:
		return f
	}
	exceptions.Panicf("unsupported DType %s for CastAsDType", dtype)
	return nil
}

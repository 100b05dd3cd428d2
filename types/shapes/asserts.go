// Copyright 2026 The Symflow Authors. SPDX-License-Identifier: Apache-2.0

package shapes

import (
	"github.com/pkg/errors"
)

// This file implements shape checks ("asserts") usable on anything that has a
// shape. They serve both as validation and as documentation of the expected
// shapes when building complex graphs.

// CheckDims checks whether the shape has the given dimensions and rank. A -1
// in dimensions means the axis can take any value, and it is not checked.
func CheckDims(shaped HasShape, dimensions ...int) error {
	shape := shaped.Shape()
	if shape.Unranked {
		return errors.Errorf("shape %s has unknown rank, expected dimensions %v", shape, dimensions)
	}
	if shape.Rank() != len(dimensions) {
		return errors.Errorf("shape %s has rank %d, expected rank %d (dimensions %v)",
			shape, shape.Rank(), len(dimensions), dimensions)
	}
	for axis, want := range dimensions {
		if want == -1 {
			continue
		}
		if shape.Dimensions[axis] != want {
			return errors.Errorf("shape %s does not match expected dimensions %v (axis %d: %s != %d)",
				shape, dimensions, axis, DimAsString(shape.Dimensions[axis]), want)
		}
	}
	return nil
}

// CheckRank checks whether the shape has the given rank.
func CheckRank(shaped HasShape, rank int) error {
	shape := shaped.Shape()
	if shape.Unranked {
		return errors.Errorf("shape %s has unknown rank, expected rank %d", shape, rank)
	}
	if shape.Rank() != rank {
		return errors.Errorf("shape %s has rank %d, expected rank %d", shape, shape.Rank(), rank)
	}
	return nil
}

// CheckScalar checks whether the shape is a scalar.
func CheckScalar(shaped HasShape) error {
	return CheckRank(shaped, 0)
}

// AssertDims panics if the shape doesn't match the given dimensions. A -1
// means the axis is unchecked. See CheckDims.
func AssertDims(shaped HasShape, dimensions ...int) {
	if err := CheckDims(shaped, dimensions...); err != nil {
		panic(err)
	}
}

// AssertRank panics if the shape doesn't have the given rank. See CheckRank.
func AssertRank(shaped HasShape, rank int) {
	if err := CheckRank(shaped, rank); err != nil {
		panic(err)
	}
}

// AssertScalar panics if the shape is not a scalar.
func AssertScalar(shaped HasShape) {
	if err := CheckScalar(shaped); err != nil {
		panic(err)
	}
}

// Copyright 2026 The Symflow Authors. SPDX-License-Identifier: Apache-2.0

// Package xslices holds small generic slice and map helpers used across the
// module.
package xslices

import (
	"slices"

	"golang.org/x/exp/constraints"
)

// Iota returns a slice of the given size, where slice[i] = start + i.
func Iota[T constraints.Integer](start T, size int) []T {
	result := make([]T, size)
	for i := range result {
		result[i] = start + T(i)
	}
	return result
}

// SliceWithValue returns a slice of the given size filled with value.
func SliceWithValue[T any](size int, value T) []T {
	result := make([]T, size)
	for i := range result {
		result[i] = value
	}
	return result
}

// SortedKeys returns the keys of a map in sorted order.
func SortedKeys[K constraints.Ordered, V any](m map[K]V) []K {
	keys := make([]K, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// Map applies fn to each element of in, returning the resulting slice.
func Map[In, Out any](in []In, fn func(In) Out) []Out {
	out := make([]Out, len(in))
	for i, v := range in {
		out[i] = fn(v)
	}
	return out
}

// Last returns the last element of a slice. It panics on empty slices.
func Last[T any](s []T) T {
	return s[len(s)-1]
}

// Copy returns a newly allocated copy of the slice.
func Copy[T any](s []T) []T {
	result := make([]T, len(s))
	copy(result, s)
	return result
}

// FillSlice sets every element of the slice to value.
func FillSlice[T any](s []T, value T) {
	for i := range s {
		s[i] = value
	}
}

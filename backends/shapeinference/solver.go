// Copyright 2026 The Symflow Authors. SPDX-License-Identifier: Apache-2.0

package shapeinference

import (
	"strings"

	"github.com/pkg/errors"

	"github.com/symflow/symflow/types/shapes"
)

// Errors reported by shape inference. They are wrapped (with pkg/errors) with
// the details of the operation in conflict, so test for them with errors.Is.
var (
	// ErrRankMismatch: two shapes with known but different ranks were unified.
	ErrRankMismatch = errors.New("rank mismatch")

	// ErrDimensionMismatch: two known, different dimensions were unified.
	ErrDimensionMismatch = errors.New("dimension mismatch")

	// ErrShapeUnderdetermined: a dimension variable survived to a point where
	// a concrete value is required -- usually graph finalization.
	ErrShapeUnderdetermined = errors.New("shape underdetermined")
)

// Solver owns the dimension variables of one computation graph and unifies
// shapes against each other.
//
// It is an arena of union-find cells addressed by index: a Shape stores a
// negative handle (see shapes.IsVariable), never a pointer into the arena, so
// shapes stay plain values while all mutable unification state lives here.
// Binding a variable affects every other occurrence of it transitively --
// shape inference is global, not single-pass: a batch dimension discovered
// late in the graph retroactively resolves the same variable used earlier.
//
// A Solver is not safe for concurrent use; graph construction is
// single-threaded (the Graph serializes access).
type Solver struct {
	// parent[i] == i for class roots.
	parent []int32

	// value[i] > 0 when the class rooted at i is bound to a known dimension.
	// Only meaningful at roots.
	value []int
}

// NewSolver returns an empty Solver.
func NewSolver() *Solver {
	return &Solver{}
}

// NumVariables returns how many dimension variables were created.
func (s *Solver) NumVariables() int { return len(s.parent) }

// NewDimVar mints a fresh, unbound dimension variable and returns its
// (negative) handle, usable inside shapes.Shape.Dimensions.
func (s *Solver) NewDimVar() int {
	idx := int32(len(s.parent))
	s.parent = append(s.parent, idx)
	s.value = append(s.value, 0)
	return handleForIndex(idx)
}

func handleForIndex(idx int32) int { return -int(idx) - 1 }

func indexForHandle(dim int) int32 { return int32(-dim - 1) }

// find returns the root of the class containing idx, with path compression.
func (s *Solver) find(idx int32) int32 {
	root := idx
	for s.parent[root] != root {
		root = s.parent[root]
	}
	for s.parent[idx] != root {
		s.parent[idx], idx = root, s.parent[idx]
	}
	return root
}

// ResolveDim returns the most specific form of a dimension: its bound value
// if known, otherwise the canonical handle of its variable class.
func (s *Solver) ResolveDim(dim int) int {
	if !shapes.IsVariable(dim) {
		return dim
	}
	root := s.find(indexForHandle(dim))
	if v := s.value[root]; v > 0 {
		return v
	}
	return handleForIndex(root)
}

// UnifyDims unifies two dimensions and returns the most specific result:
//
//   - Known vs. equal Known: that value; different Knowns fail with
//     ErrDimensionMismatch.
//   - Known vs. Variable: binds the variable's class to the known value.
//   - Variable vs. Variable: merges the two classes.
func (s *Solver) UnifyDims(a, b int) (int, error) {
	a, b = s.ResolveDim(a), s.ResolveDim(b)
	switch {
	case shapes.IsKnown(a) && shapes.IsKnown(b):
		if a != b {
			return 0, errors.Wrapf(ErrDimensionMismatch, "dimensions %d and %d", a, b)
		}
		return a, nil
	case shapes.IsKnown(a): // b is a variable.
		s.value[s.find(indexForHandle(b))] = a
		return a, nil
	case shapes.IsKnown(b): // a is a variable.
		s.value[s.find(indexForHandle(a))] = b
		return b, nil
	default: // Both variables: merge classes.
		rootA, rootB := s.find(indexForHandle(a)), s.find(indexForHandle(b))
		if rootA == rootB {
			return handleForIndex(rootA), nil
		}
		// Attach the younger class under the older one, keeping handles stable.
		if rootA > rootB {
			rootA, rootB = rootB, rootA
		}
		s.parent[rootB] = rootA
		return handleForIndex(rootA), nil
	}
}

// Unify merges two shape descriptions into the most specific shape consistent
// with both:
//
//   - An unknown-rank shape unifies with anything, yielding the other.
//   - Equal-rank shapes unify elementwise (see UnifyDims).
//   - Different known ranks fail with ErrRankMismatch.
//
// Unify is commutative in its result and idempotent: unifying the result with
// either operand again succeeds and yields the same shape.
func (s *Solver) Unify(a, b shapes.Shape) (shapes.Shape, error) {
	if !a.Ok() || !b.Ok() {
		return shapes.Invalid(), errors.Errorf("cannot unify invalid shapes %s and %s", a, b)
	}
	if a.DType != b.DType {
		return shapes.Invalid(), errors.Errorf("cannot unify shapes with different dtypes: %s and %s", a, b)
	}
	if a.Unranked {
		return s.Resolve(b), nil
	}
	if b.Unranked {
		return s.Resolve(a), nil
	}
	if a.Rank() != b.Rank() {
		return shapes.Invalid(), errors.Wrapf(ErrRankMismatch, "shapes %s and %s", a, b)
	}
	result := shapes.Shape{DType: a.DType, Dimensions: make([]int, a.Rank())}
	for axis := range a.Dimensions {
		dim, err := s.UnifyDims(a.Dimensions[axis], b.Dimensions[axis])
		if err != nil {
			return shapes.Invalid(), errors.WithMessagef(err, "unifying axis %d of %s and %s", axis, a, b)
		}
		result.Dimensions[axis] = dim
	}
	return result, nil
}

// Resolve substitutes every bound dimension variable in the shape with its
// value, and canonicalizes the handles of any still-unbound variables.
func (s *Solver) Resolve(sh shapes.Shape) shapes.Shape {
	if sh.Unranked || !sh.HasDimVariables() {
		return sh
	}
	resolved := sh.Clone()
	for axis, dim := range resolved.Dimensions {
		resolved.Dimensions[axis] = s.ResolveDim(dim)
	}
	return resolved
}

// CheckFullyResolved returns ErrShapeUnderdetermined (wrapped with the
// offending axes) if the shape still carries an unbound dimension variable or
// has unknown rank.
func (s *Solver) CheckFullyResolved(sh shapes.Shape) error {
	if sh.Unranked {
		return errors.Wrapf(ErrShapeUnderdetermined, "shape %s has unknown rank", sh)
	}
	var open []string
	for _, dim := range sh.Dimensions {
		if dim = s.ResolveDim(dim); shapes.IsVariable(dim) {
			open = append(open, shapes.DimAsString(dim))
		}
	}
	if len(open) > 0 {
		return errors.Wrapf(ErrShapeUnderdetermined, "shape %s has unresolved dimension variables (%s)",
			s.Resolve(sh), strings.Join(open, ", "))
	}
	return nil
}

// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package tensors implements a `Tensor`, a dense multi-dimensional array of float32 values, used to hold
// model parameters, optimizer state and gradients.
//
// Values are always kept in memory as float32. When persisted they can be stored as float32 or, for
// compact inference exports, as float16 (see WriteRaw and ReadRaw).
//
// There are a few ways to construct a Tensor:
//
//   - FromShape(dimensions ...int): zero-valued tensor with the given dimensions.
//   - FromFlatDataAndDimensions(data, dimensions...): wraps (doesn't copy) the flat data.
//   - FromScalar(value): a tensor with no dimensions.
package tensors

import (
	"fmt"
	"math"
	"slices"

	"github.com/gomlx/exceptions"
	"golang.org/x/exp/constraints"
)

// Tensor is a dense multi-dimensional array of float32, stored flat in row-major order.
type Tensor struct {
	dimensions []int
	flat       []float32
}

// Size returns the number of elements for the given dimensions. A scalar (no dimensions) has size 1.
func Size(dimensions ...int) int {
	size := 1
	for _, dim := range dimensions {
		size *= dim
	}
	return size
}

// FromShape returns a zero-valued tensor with the given dimensions.
func FromShape(dimensions ...int) *Tensor {
	for _, dim := range dimensions {
		if dim < 0 {
			exceptions.Panicf("tensors.FromShape(%v): negative dimension", dimensions)
		}
	}
	return &Tensor{
		dimensions: slices.Clone(dimensions),
		flat:       make([]float32, Size(dimensions...)),
	}
}

// FromFlatDataAndDimensions creates a tensor that takes ownership of `data` (it is not copied).
// It panics if the size of data doesn't match the dimensions.
func FromFlatDataAndDimensions(data []float32, dimensions ...int) *Tensor {
	if len(data) != Size(dimensions...) {
		exceptions.Panicf("tensors.FromFlatDataAndDimensions: %d values given for dimensions %v (size %d)",
			len(data), dimensions, Size(dimensions...))
	}
	return &Tensor{dimensions: slices.Clone(dimensions), flat: data}
}

// FromScalar returns a tensor with no dimensions holding value.
func FromScalar[T constraints.Integer | constraints.Float](value T) *Tensor {
	return &Tensor{flat: []float32{float32(value)}}
}

// Dimensions returns a copy of the tensor dimensions.
func (t *Tensor) Dimensions() []int {
	return slices.Clone(t.dimensions)
}

// Rank is the number of dimensions.
func (t *Tensor) Rank() int { return len(t.dimensions) }

// Size is the number of elements.
func (t *Tensor) Size() int { return len(t.flat) }

// Flat returns the underlying flat data. Changes to it change the tensor.
func (t *Tensor) Flat() []float32 { return t.flat }

// Scalar returns the first (and for scalars, only) value of the tensor.
func (t *Tensor) Scalar() float32 {
	if len(t.flat) == 0 {
		exceptions.Panicf("tensors.Scalar() on an empty tensor with dimensions %v", t.dimensions)
	}
	return t.flat[0]
}

// SameShape returns whether both tensors have the same dimensions.
func (t *Tensor) SameShape(other *Tensor) bool {
	return slices.Equal(t.dimensions, other.dimensions)
}

// Clone returns a deep copy of the tensor.
func (t *Tensor) Clone() *Tensor {
	return &Tensor{dimensions: slices.Clone(t.dimensions), flat: slices.Clone(t.flat)}
}

// CopyFrom copies the values of `from` into t. It panics if the shapes differ.
func (t *Tensor) CopyFrom(from *Tensor) {
	if !t.SameShape(from) {
		exceptions.Panicf("tensors.CopyFrom: shape %v differs from source shape %v", t.dimensions, from.dimensions)
	}
	copy(t.flat, from.flat)
}

// AllFinite returns false if any value is NaN or infinite.
func (t *Tensor) AllFinite() bool {
	for _, v := range t.flat {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return false
		}
	}
	return true
}

// Equal returns whether the tensors have the same shape and exact same values.
func (t *Tensor) Equal(other *Tensor) bool {
	return t.SameShape(other) && slices.Equal(t.flat, other.flat)
}

// InDelta returns whether the tensors have the same shape and all values are within delta.
func (t *Tensor) InDelta(other *Tensor, delta float64) bool {
	if !t.SameShape(other) {
		return false
	}
	for ii, v := range t.flat {
		if math.Abs(float64(v)-float64(other.flat[ii])) > delta {
			return false
		}
	}
	return true
}

// String implements fmt.Stringer. Large tensors are summarized.
func (t *Tensor) String() string {
	const maxValues = 8
	if len(t.flat) <= maxValues {
		return fmt.Sprintf("Tensor%v%v", t.dimensions, t.flat)
	}
	return fmt.Sprintf("Tensor%v[%v ...]", t.dimensions, t.flat[:maxValues])
}

// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package initializers include several weight initializers, used to create the parameters of a model
// on its first initialization. They implement the VariableInitializer type.
package initializers

import (
	"math"
	"math/rand/v2"

	"github.com/captionlab/captrain/types/tensors"
)

// VariableInitializer fills the value of a newly created variable, using rng as the source of randomness.
type VariableInitializer func(rng *rand.Rand, value *tensors.Tensor)

// Zero initializes variables with zero.
func Zero(_ *rand.Rand, value *tensors.Tensor) {
	clear(value.Flat())
}

// One initializes variables with one.
func One(_ *rand.Rand, value *tensors.Tensor) {
	flat := value.Flat()
	for ii := range flat {
		flat[ii] = 1
	}
}

// RandomNormalFn returns an initializer that generates random normal values with the given standard deviation
// and mean set to 0.
func RandomNormalFn(stddev float64) VariableInitializer {
	return func(rng *rand.Rand, value *tensors.Tensor) {
		flat := value.Flat()
		for ii := range flat {
			flat[ii] = float32(rng.NormFloat64() * stddev)
		}
	}
}

// RandomUniformFn return an initializer that generates a random uniform values from [min, max).
func RandomUniformFn(min, max float64) VariableInitializer {
	return func(rng *rand.Rand, value *tensors.Tensor) {
		flat := value.Flat()
		for ii := range flat {
			flat[ii] = float32(rng.Float64()*(max-min) + min)
		}
	}
}

// XavierUniform (aka. Glorot uniform) initializes a weights matrix shaped [fanIn, fanOut] with values
// uniformly sampled from [-limit, limit), with `limit = sqrt(6 / (fanIn + fanOut))`.
//
// Variables of rank other than 2 use their size as both fan-in and fan-out.
func XavierUniform(rng *rand.Rand, value *tensors.Tensor) {
	fanIn, fanOut := value.Size(), value.Size()
	if dims := value.Dimensions(); len(dims) == 2 {
		fanIn, fanOut = dims[0], dims[1]
	}
	if fanIn+fanOut == 0 {
		return
	}
	limit := math.Sqrt(6.0 / float64(fanIn+fanOut))
	RandomUniformFn(-limit, limit)(rng, value)
}

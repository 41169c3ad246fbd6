// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package optimizers

import (
	"math"
)

// This file implements learning rate schedules. See also package cosineschedule.

// StepsPerEpoch returns the number of steps (batches) in one epoch over sampleCount samples: the last
// short batch counts as a step.
func StepsPerEpoch(sampleCount, batchSize int) int64 {
	if batchSize <= 0 || sampleCount <= 0 {
		return 0
	}
	return int64((sampleCount + batchSize - 1) / batchSize)
}

// Constant learning rate schedule.
func Constant(learningRate float64) Schedule {
	return ScheduleFunc(func(int64) float64 { return learningRate })
}

// ExponentialDecay multiplies the learning rate by decayRate after every decaySteps steps (staircase):
// `learningRate * decayRate^floor(step/decaySteps)`.
func ExponentialDecay(learningRate, decayRate float64, decaySteps int64) Schedule {
	if decaySteps <= 0 {
		return Constant(learningRate)
	}
	return ScheduleFunc(func(step int64) float64 {
		return learningRate * math.Pow(decayRate, float64(step/decaySteps))
	})
}

// PiecewiseDecay returns values[i] for boundaries[i-1] <= step < boundaries[i]. There must be exactly one
// more value than boundaries, and boundaries must be increasing.
func PiecewiseDecay(boundaries []int64, values []float64) Schedule {
	return ScheduleFunc(func(step int64) float64 {
		for ii, boundary := range boundaries {
			if step < boundary {
				return values[ii]
			}
		}
		return values[len(values)-1]
	})
}

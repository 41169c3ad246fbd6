// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package cosineschedule cosine annealing schedule for the learning rate.
// See details https://paperswithcode.com/method/cosine-annealing.
//
// See New for details and example of usage.
package cosineschedule

import (
	"math"

	"github.com/captionlab/captrain/ml/train/failures"
	"github.com/captionlab/captrain/ml/train/optimizers"
)

// Config is returned by New to configure the cosine annealing schedule
// strategy. When finished to configure, call `Done`.
type Config struct {
	learningRate, minLearningRate float64
	periodNumSteps                int64
}

// New creates a configuration to apply a cosine annealing schedule for the learning rate.
//
// This is slightly different in the sense that $T_i$ is fixed to what here is called [PeriodInSteps].
//
// Example with only one cycle over the whole training:
//
//	steps := optimizers.StepsPerEpoch(sampleCount, batchSize) * int64(maxEpoch)
//	schedule, err := cosineschedule.New(baseLR).PeriodInSteps(steps).Done()
func New(learningRate float64) *Config {
	return &Config{learningRate: learningRate, periodNumSteps: -1}
}

// PeriodInSteps sets the number of steps for one period of the cosine schedule. The effective
// learning rate decreases over the given period of training steps, and then is restarted at
// each new period.
//
// It's common to use only one period (so no annealing, just a cosine schedule), in which case
// just set to the number of steps that will be used for training.
//
// The default is -1, which will trigger an error in Done, so it must be defined.
// If set to 0, the cosine annealing schedule is disabled and the learning rate is constant.
func (opt *Config) PeriodInSteps(periodSteps int64) *Config {
	opt.periodNumSteps = periodSteps
	return opt
}

// MinLearningRate at the end of the cosine cycle. Defaults to 0.0.
func (opt *Config) MinLearningRate(minLearningRate float64) *Config {
	opt.minLearningRate = minLearningRate
	return opt
}

// Done finalizes the configuration and returns the schedule.
func (opt *Config) Done() (optimizers.Schedule, error) {
	if opt.learningRate <= 0 {
		return nil, failures.Configurationf("learning rate for cosine schedule must be > 0, got %g", opt.learningRate)
	}
	if opt.periodNumSteps < 0 {
		return nil, failures.Configurationf("period of the cosine schedule in number of steps was not set, or set to < 0")
	}
	if opt.periodNumSteps == 0 {
		return optimizers.Constant(opt.learningRate), nil
	}
	lrValue, lrMinValue, period := opt.learningRate, opt.minLearningRate, float64(opt.periodNumSteps)
	return optimizers.ScheduleFunc(func(step int64) float64 {
		cycle := float64(step) / period
		cycle -= math.Floor(cycle) // Take only the fractional part: so always in range `[0.0, 1.0)`.
		lr := (math.Cos(cycle*math.Pi) + 1) / 2
		return lr*(lrValue-lrMinValue) + lrMinValue // Now from lrMin to lrMax
	}), nil
}

// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package optimizers implements the optimizers used to update the trainable parameters of a model from
// their gradients. They all implement optimizers.Interface.
//
// Optimizers keep their state (moments, global step, current learning rate) as non-trainable variables
// in the parameter store, under the "/optimizers" scope, so it is saved and restored along with the
// parameters by the rolling checkpoint.
package optimizers

import (
	"maps"
	"math"
	"slices"
	"strings"

	"github.com/captionlab/captrain/ml/store"
	"github.com/captionlab/captrain/ml/train/failures"
	"github.com/captionlab/captrain/types/tensors"
	"github.com/pkg/errors"
)

// Interface implemented by optimizer implementations.
type Interface interface {
	// Update applies one training step to the trainable variables, given their gradients keyed by variable
	// name. It is called with the store write lock held.
	//
	// It increments the global step and returns the learning rate used for the step.
	// Gradients for variables that are not trainable are an error: nothing is updated in that case.
	Update(w *store.Writer, grads map[string]*tensors.Tensor) (learningRate float64, err error)
}

// Schedule of the learning rate, as a function of the number of steps already applied.
type Schedule interface {
	LearningRate(step int64) float64
}

// ScheduleFunc adapts a function to a Schedule.
type ScheduleFunc func(step int64) float64

// LearningRate implements Schedule.
func (fn ScheduleFunc) LearningRate(step int64) float64 { return fn(step) }

var (
	// KnownOptimizers is a map of known optimizers by name to their default constructors, given the
	// learning rate schedule and the gradient clip value (0 disables clipping).
	KnownOptimizers = map[string]func(schedule Schedule, clip float64) Interface{
		"sgd":    func(schedule Schedule, clip float64) Interface { return StochasticGradientDescent(schedule, clip) },
		"adam":   func(schedule Schedule, clip float64) Interface { return Adam().Schedule(schedule).ClipGradientByValue(clip).Done() },
		"adamax": func(schedule Schedule, clip float64) Interface { return Adam().Adamax().Schedule(schedule).ClipGradientByValue(clip).Done() },
	}
)

const (
	// Scope reserved for optimizers.
	Scope = "optimizers"

	// GlobalStepVariableName as stored in the Store, in the optimizers scope.
	GlobalStepVariableName = "global_step"

	// LearningRateVariableName as stored in the Store, in the optimizers scope.
	LearningRateVariableName = "learning_rate"
)

// ByName returns an optimizer given the name, or a configuration error if it doesn't exist.
func ByName(name string, schedule Schedule, clip float64) (Interface, error) {
	builder, found := KnownOptimizers[name]
	if !found {
		return nil, failures.Configurationf("unknown optimizer %q, valid values are %q",
			name, slices.Sorted(maps.Keys(KnownOptimizers)))
	}
	return builder(schedule, clip), nil
}

// GlobalStepName is the full name of the global step variable.
var GlobalStepName = store.JoinName(Scope, GlobalStepVariableName)

// LearningRateName is the full name of the learning rate variable, holding the rate of the last step.
var LearningRateName = store.JoinName(Scope, LearningRateVariableName)

// GetGlobalStep returns the number of training steps applied so far, 0 if the variable doesn't exist yet.
func GetGlobalStep(r store.Reader) int64 {
	v, found := r.Get(GlobalStepName)
	if !found {
		return 0
	}
	return int64(v.Scalar())
}

// IncrementGlobalStep creates (if not there yet) the global step counter, increments it and returns it:
// its first returned value will be 1.
func IncrementGlobalStep(w *store.Writer) (int64, error) {
	v, err := w.Create(GlobalStepName, nil, false)
	if err != nil {
		return 0, err
	}
	value, _ := w.Mutable(v.Name())
	value.Flat()[0]++
	return int64(value.Flat()[0]), nil
}

// setLearningRate records the learning rate used in the last step.
func setLearningRate(w *store.Writer, lr float64) error {
	return w.Set(LearningRateName, tensors.FromScalar(lr), false)
}

// ClipGradientByValue clips every value of grad to [-clip, +clip], in place. A clip of 0 is a no-op.
func ClipGradientByValue(grad *tensors.Tensor, clip float64) {
	if clip == 0 {
		return
	}
	lo, hi := float32(-clip), float32(clip)
	flat := grad.Flat()
	for ii, v := range flat {
		flat[ii] = min(max(v, lo), hi)
	}
}

// checkGradients verifies that every gradient corresponds to an existing trainable variable of the same shape.
func checkGradients(w *store.Writer, grads map[string]*tensors.Tensor) error {
	if len(grads) == 0 {
		return errors.New("optimizer got no gradients, are there any trainable variables ?")
	}
	for name, grad := range grads {
		value, found := w.Get(name)
		if !found {
			return errors.Errorf("optimizer got gradient for unknown variable %q", name)
		}
		if !w.IsTrainable(name) {
			return errors.Errorf("optimizer got gradient for variable %q, which is not trainable", name)
		}
		if !value.SameShape(grad) {
			return errors.Errorf("gradient for variable %q has dimensions %v, variable has %v",
				name, grad.Dimensions(), value.Dimensions())
		}
	}
	return nil
}

// stateName returns the name of an optimizer state variable associated with the trainable variable
// `varName`: e.g. "/optimizers/adam/decoder/out/weights_1st_moment".
func stateName(scope, varName, suffix string) string {
	return store.ScopeSeparator + strings.Join([]string{Scope, scope}, store.ScopeSeparator) + varName + "_" + suffix
}

// sgd implements Interface for plain stochastic gradient descent.
type sgd struct {
	schedule Schedule
	clip     float64
}

// SgdDefaultLearningRate is the default learning rate used by StochasticGradientDescent if no schedule is given.
const SgdDefaultLearningRate = 0.1

// StochasticGradientDescent creates an optimizer that performs SGD, with the learning rate given by the
// schedule and a decay given by: `learning_rate = schedule_learning_rate / Sqrt(global_step)`.
func StochasticGradientDescent(schedule Schedule, clip float64) Interface {
	if schedule == nil {
		schedule = Constant(SgdDefaultLearningRate)
	}
	return &sgd{schedule: schedule, clip: clip}
}

// Update implements Interface.
func (o *sgd) Update(w *store.Writer, grads map[string]*tensors.Tensor) (float64, error) {
	if err := checkGradients(w, grads); err != nil {
		return 0, err
	}
	step, err := IncrementGlobalStep(w)
	if err != nil {
		return 0, err
	}
	lr := o.schedule.LearningRate(step-1) / math.Sqrt(float64(step))
	for name, grad := range grads {
		ClipGradientByValue(grad, o.clip)
		value, _ := w.Mutable(name)
		flat := value.Flat()
		for ii, g := range grad.Flat() {
			flat[ii] -= float32(lr) * g
		}
	}
	return lr, setLearningRate(w, lr)
}

// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package train

import (
	"slices"
	"time"

	"github.com/captionlab/captrain/ml/train/metrics"
	"github.com/pkg/errors"
)

// Priority for hooks, the lowest values are run first. Defaults to 0, but negative
// values are ok.
type Priority int

// OnStartFn is the type of OnStart hooks.
type OnStartFn func(loop *Loop) error

// OnStepFn is the type of OnStep hooks, called with the loss and learning rate of the step just finished.
type OnStepFn func(loop *Loop, loss, learningRate float64) error

// OnEpochEndFn is the type of OnEpochEnd hooks, called after the epoch was evaluated and checkpointed.
type OnEpochEndFn func(loop *Loop, epoch EpochMetrics) error

// OnEndFn is the type of OnEnd hooks, called after the last epoch.
type OnEndFn func(loop *Loop, history []EpochMetrics) error

// hooks registered in a Loop.
type hooks struct {
	onStart    *priorityHooks[*hookWithName[OnStartFn]]
	onStep     *priorityHooks[*hookWithName[OnStepFn]]
	onEpochEnd *priorityHooks[*hookWithName[OnEpochEndFn]]
	onEnd      *priorityHooks[*hookWithName[OnEndFn]]
}

func newHooks() hooks {
	return hooks{
		onStart:    newPriorityHooks[*hookWithName[OnStartFn]](),
		onStep:     newPriorityHooks[*hookWithName[OnStepFn]](),
		onEpochEnd: newPriorityHooks[*hookWithName[OnEpochEndFn]](),
		onEnd:      newPriorityHooks[*hookWithName[OnEndFn]](),
	}
}

// start of loop, after the parameters are bound.
// It calls the appropriate hooks.
func (loop *Loop) start() (err error) {
	loop.onStart.Enumerate(func(hook *hookWithName[OnStartFn]) {
		if err != nil {
			// After the first error stop.
			return
		}
		err = hook.fn(loop)
		if err != nil {
			err = errors.WithMessagef(err, "OnStart(hook %q)", hook.name)
		}
	})
	return
}

// step calls the OnStep hooks after a training step.
func (loop *Loop) step(loss, learningRate float64, elapsed time.Duration) (err error) {
	loop.stepDurations.Update(float64(elapsed), 1)
	loop.LastLoss, loop.LastLearningRate = loss, learningRate
	loop.onStep.Enumerate(func(hook *hookWithName[OnStepFn]) {
		if err != nil {
			return
		}
		err = hook.fn(loop, loss, learningRate)
		if err != nil {
			err = errors.WithMessagef(err, "OnStep(hook %q)", hook.name)
		}
	})
	return
}

// epochEnd calls the OnEpochEnd hooks.
func (loop *Loop) epochEnd(epoch EpochMetrics) (err error) {
	loop.onEpochEnd.Enumerate(func(hook *hookWithName[OnEpochEndFn]) {
		if err != nil {
			return
		}
		err = hook.fn(loop, epoch)
		if err != nil {
			err = errors.WithMessagef(err, "OnEpochEnd(hook %q)", hook.name)
		}
	})
	return
}

// end of loop, called once after the last epoch.
func (loop *Loop) end() (err error) {
	loop.onEnd.Enumerate(func(hook *hookWithName[OnEndFn]) {
		if err != nil {
			return
		}
		err = hook.fn(loop, loop.History)
		if err != nil {
			err = errors.WithMessagef(err, "OnEnd(hook %q)", hook.name)
		}
	})
	return
}

// MedianTrainStepDuration returns the (approximate) median duration of the training steps of the current run.
// It returns 1 millisecond if no training step was recorded (to avoid potential division by 0).
func (loop *Loop) MedianTrainStepDuration() time.Duration {
	if loop.stepDurations.Count() == 0 {
		// Return something different than 0 to avoid division by 0.
		return time.Millisecond
	}
	return time.Duration(loop.stepDurations.Value())
}

// newStepDurations creates the streaming median of the step durations.
func newStepDurations() *metrics.StreamingMedianMetric {
	return metrics.NewMedianMetric("Median Step Duration", "~step", metrics.DurationMetricType,
		func(value float64) string { return time.Duration(value).String() })
}

// OnStart adds a hook with given priority and name (for error reporting) to the start of a loop, called once
// the parameters are initialized or restored.
func (loop *Loop) OnStart(name string, priority Priority, fn OnStartFn) {
	loop.onStart.Add(priority, &hookWithName[OnStartFn]{
		name: name,
		fn:   fn,
	})
}

// OnStep adds a hook with given priority and name (for error reporting) to each step of a loop.
// The function `fn` is called after each Trainer.RunStep.
func (loop *Loop) OnStep(name string, priority Priority, fn OnStepFn) {
	loop.onStep.Add(priority, &hookWithName[OnStepFn]{
		name: name,
		fn:   fn,
	})
}

// OnEpochEnd adds a hook with given priority and name (for error reporting), called at the end of each epoch,
// after it was evaluated and checkpointed.
func (loop *Loop) OnEpochEnd(name string, priority Priority, fn OnEpochEndFn) {
	loop.onEpochEnd.Add(priority, &hookWithName[OnEpochEndFn]{
		name: name,
		fn:   fn,
	})
}

// OnEnd adds a hook with given priority and name (for error reporting) to the end of a loop,
// after the last epoch. It is not called if the loop is aborted.
func (loop *Loop) OnEnd(name string, priority Priority, fn OnEndFn) {
	loop.onEnd.Add(priority, &hookWithName[OnEndFn]{
		name: name,
		fn:   fn,
	})
}

// hookWithName stores a hook name and function.
type hookWithName[F any] struct {
	name string
	fn   F
}

// priorityHooks organizes hooks for type F per priority.
type priorityHooks[H any] struct {
	hooks map[Priority][]H
}

func newPriorityHooks[H any]() *priorityHooks[H] {
	return &priorityHooks[H]{
		hooks: make(map[Priority][]H),
	}
}

// Add hook at the given priority.
func (h *priorityHooks[H]) Add(priority Priority, hook H) {
	h.hooks[priority] = append(h.hooks[priority], hook)
}

// Enumerate will call fn for all registered hooks in priority order.
func (h *priorityHooks[H]) Enumerate(fn func(hook H)) {
	keys := make([]Priority, 0, len(h.hooks))
	for key := range h.hooks {
		keys = append(keys, key)
	}
	slices.Sort(keys)
	for _, key := range keys {
		for _, hook := range h.hooks[key] {
			fn(hook)
		}
	}
}

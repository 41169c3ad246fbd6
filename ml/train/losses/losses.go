// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package losses have standard losses computed over float64 rows, with their gradients, for models
// implemented with analytic gradients.
package losses

import (
	"math"
	"slices"

	"github.com/pkg/errors"
)

// Softmax replaces the logits by their softmax probabilities, in a numerically stable way.
func Softmax(logits []float64) {
	if len(logits) == 0 {
		return
	}
	maxLogit := slices.Max(logits)
	var sum float64
	for ii, v := range logits {
		logits[ii] = math.Exp(v - maxLogit)
		sum += logits[ii]
	}
	for ii := range logits {
		logits[ii] /= sum
	}
}

// SparseCategoricalCrossEntropyLogits returns the cross-entropy loss of the logits, given the label.
// The label is provided in "sparse" format, that is, an integer number from 0 to len(logits)-1.
//
// If grad is not nil, it must have the same length as logits, and it's set to the gradient of the loss
// with respect to the logits, multiplied by scale.
func SparseCategoricalCrossEntropyLogits(logits []float64, label int, grad []float64, scale float64) (float64, error) {
	if label < 0 || label >= len(logits) {
		return 0, errors.Errorf("label %d out of range for %d logits", label, len(logits))
	}
	if grad != nil && len(grad) != len(logits) {
		return 0, errors.Errorf("gradient has length %d, expected %d", len(grad), len(logits))
	}
	probs := grad
	if probs == nil {
		probs = make([]float64, len(logits))
	}
	copy(probs, logits)
	Softmax(probs)
	loss := -math.Log(math.Max(probs[label], math.SmallestNonzeroFloat64))
	if grad != nil {
		for ii := range grad {
			grad[ii] *= scale
		}
		grad[label] -= scale
	}
	return loss, nil
}

// MeanSquaredError returns the mean squared error between labels and predictions.
// If grad is not nil it's set to the gradient of the loss with respect to the predictions.
func MeanSquaredError(labels, predictions, grad []float64) (float64, error) {
	if len(labels) != len(predictions) {
		return 0, errors.Errorf("%d labels for %d predictions", len(labels), len(predictions))
	}
	if len(labels) == 0 {
		return 0, nil
	}
	n := float64(len(labels))
	var loss float64
	for ii, label := range labels {
		diff := predictions[ii] - label
		loss += diff * diff / n
		if grad != nil {
			grad[ii] = 2 * diff / n
		}
	}
	return loss, nil
}

// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package failures defines the kinds of fatal errors raised while training.
//
// Errors are created wrapping one of the sentinel values, so callers can classify them with errors.Is:
//
//	if errors.Is(err, failures.ErrNumericDivergence) {
//		// Inspect data / learning rate, then resume from the last rolling checkpoint.
//	}
//
// None of these errors are retried: they all stop the training run.
package failures

import (
	"github.com/pkg/errors"
)

var (
	// ErrConfiguration is returned for invalid settings, like an unknown data split or learning rate strategy.
	ErrConfiguration = errors.New("configuration error")

	// ErrNumericDivergence is returned when a training step produces a non-finite loss.
	ErrNumericDivergence = errors.New("numeric divergence")

	// ErrCheckpointNotFound is returned when resuming a run whose checkpoint is missing.
	ErrCheckpointNotFound = errors.New("checkpoint not found")

	// ErrInvalidArgument is returned for API misuse, like a malformed list of inference export targets.
	ErrInvalidArgument = errors.New("invalid argument")
)

// Configurationf returns an error wrapping ErrConfiguration.
func Configurationf(format string, args ...any) error {
	return errors.Wrapf(ErrConfiguration, format, args...)
}

// NumericDivergencef returns an error wrapping ErrNumericDivergence.
func NumericDivergencef(format string, args ...any) error {
	return errors.Wrapf(ErrNumericDivergence, format, args...)
}

// CheckpointNotFoundf returns an error wrapping ErrCheckpointNotFound.
func CheckpointNotFoundf(format string, args ...any) error {
	return errors.Wrapf(ErrCheckpointNotFound, format, args...)
}

// InvalidArgumentf returns an error wrapping ErrInvalidArgument.
func InvalidArgumentf(format string, args ...any) error {
	return errors.Wrapf(ErrInvalidArgument, format, args...)
}

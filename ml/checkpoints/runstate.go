// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package checkpoints

import (
	"time"

	"github.com/google/uuid"
)

// RunState is the state of a training run that survives process restarts: it is saved in the metadata of
// every checkpoint, and read back from the rolling checkpoint when a run is resumed.
//
// It's a plain value: the orchestrator passes it into each step and gets the updated copy back.
type RunState struct {
	// RunID identifies the run, it's created on a fresh run and kept across resumes.
	RunID string `json:"run_id"`

	// Epoch is the last completed epoch, 0 for a fresh run.
	Epoch int `json:"epoch"`

	// BestBLEU is the highest dev BLEU score seen so far.
	BestBLEU float64 `json:"best_bleu"`

	// IsFirstInit is true for a fresh run, and false when resuming from a rolling checkpoint.
	IsFirstInit bool `json:"is_first_init"`

	// TrainEncoder is whether the encoder was trainable when the state was saved.
	TrainEncoder bool `json:"train_encoder"`

	// GlobalStep is the total number of training steps applied.
	GlobalStep int64 `json:"global_step"`

	UpdatedAt time.Time `json:"updated_at"`
}

// NewRunState returns the state of a fresh run, with a new RunID.
func NewRunState() RunState {
	return RunState{
		RunID:       uuid.NewString(),
		IsFirstInit: true,
	}
}

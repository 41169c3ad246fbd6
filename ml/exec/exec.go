// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package exec runs the artifacts built by package program against the parameters in a store.Store.
//
// A Trainer runs the training artifact: it is the only writer of the parameters. An Evaluator runs the
// evaluation artifact and only reads the parameters, through the store read-only view, so it always sees
// the values left by the last completed training step.
//
// Each step is split into contiguous shards, one per "place" (the number of parallel replicas), executed
// concurrently on a workerspool.Pool. Gradients of the shards are averaged, weighted by the shard sizes.
package exec

import (
	"context"
	"fmt"

	"github.com/captionlab/captrain/internal/workerspool"
	"github.com/captionlab/captrain/ml/program"
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
)

// shard is the range [start, end) of examples of a batch.
type shard struct {
	start, end int
}

// splitShards splits n examples into at most numPlaces contiguous shards of nearly equal sizes.
// Empty shards are never returned.
func splitShards(n, numPlaces int) []shard {
	numPlaces = max(min(numPlaces, n), 1)
	shards := make([]shard, 0, numPlaces)
	start := 0
	for ii := range numPlaces {
		size := n / numPlaces
		if ii < n%numPlaces {
			size++
		}
		if size == 0 {
			continue
		}
		shards = append(shards, shard{start, start + size})
		start += size
	}
	return shards
}

// engine holds what is common to the Trainer and the Evaluator.
type engine struct {
	artifact  *program.Artifact
	numPlaces int
	pool      *workerspool.Pool
}

func newEngine(artifact *program.Artifact, numPlaces int, mode program.Mode) (engine, error) {
	if artifact == nil {
		return engine{}, errors.New("exec: nil artifact")
	}
	if artifact.Mode() != mode {
		return engine{}, errors.Errorf("exec: artifact %s has mode %s, expected %s", artifact.Name(), artifact.Mode(), mode)
	}
	if numPlaces <= 0 {
		numPlaces = 1
	}
	return engine{artifact: artifact, numPlaces: numPlaces, pool: workerspool.New(numPlaces)}, nil
}

// Artifact executed.
func (e *engine) Artifact() *program.Artifact { return e.artifact }

// NumPlaces is the number of shards each batch is split into.
func (e *engine) NumPlaces() int { return e.numPlaces }

// runShards runs fn for every shard in parallel, converting panics of the model into errors.
func (e *engine) runShards(ctx context.Context, shards []shard, fn func(idx int, s shard) error) error {
	return e.pool.Run(ctx, len(shards), func(_ context.Context, idx int) error {
		var err error
		panicErr := exceptions.TryCatch[error](func() { err = fn(idx, shards[idx]) })
		if panicErr != nil {
			return errors.WithMessagef(panicErr, "model %q panicked on shard %d", e.artifact.Model().Name(), idx)
		}
		return err
	})
}

func (e *engine) String() string {
	return fmt.Sprintf("%s on %d place(s)", e.artifact.Name(), e.numPlaces)
}

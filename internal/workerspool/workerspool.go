// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package workerspool bounds the number of goroutines used to run the shards of a step in parallel.
package workerspool

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// Pool of workers. Create it with New.
type Pool struct {
	// maxParallelism is the limit of tasks running at the same time.
	maxParallelism int
}

// New returns a new Pool that runs at most maxParallelism tasks at the same time.
// Values < 1 are taken as 1: tasks still run in their own goroutine, one at a time.
func New(maxParallelism int) *Pool {
	return &Pool{maxParallelism: max(maxParallelism, 1)}
}

// MaxParallelism is the limit of tasks running concurrently.
func (w *Pool) MaxParallelism() int {
	return w.maxParallelism
}

// Run executes task for every index in [0, numTasks), with at most MaxParallelism running at the same time,
// and waits for all of them to finish.
//
// It returns the first error returned by a task: the context passed to the other tasks is then cancelled,
// and tasks not yet started are skipped. If ctx is cancelled before all tasks are started, it returns
// ctx.Err() after the started tasks finish.
func (w *Pool) Run(ctx context.Context, numTasks int, task func(ctx context.Context, idx int) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	g, groupCtx := errgroup.WithContext(ctx)
	g.SetLimit(w.maxParallelism)
	skipped := false
	for idx := range numTasks {
		if groupCtx.Err() != nil {
			skipped = true
			break
		}
		g.Go(func() error { return task(groupCtx, idx) })
	}
	if err := g.Wait(); err != nil {
		return err
	}
	if skipped {
		// Only reachable when the parent was cancelled: a failed task would have returned above.
		return ctx.Err()
	}
	return nil
}

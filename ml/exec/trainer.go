// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package exec

import (
	"context"
	"math"
	"math/rand/v2"

	"github.com/captionlab/captrain/ml/data"
	"github.com/captionlab/captrain/ml/program"
	"github.com/captionlab/captrain/ml/store"
	"github.com/captionlab/captrain/ml/train/failures"
	"github.com/captionlab/captrain/ml/train/optimizers"
	"github.com/captionlab/captrain/types/tensors"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Trainer executes the training artifact: one forward+backward+update per step.
type Trainer struct {
	engine
	params *store.Mutable
	bound  bool
}

// NewTrainer creates a Trainer for the training artifact, the only writer of params.
func NewTrainer(artifact *program.Artifact, params *store.Mutable, numPlaces int) (*Trainer, error) {
	e, err := newEngine(artifact, numPlaces, program.Training)
	if err != nil {
		return nil, err
	}
	return &Trainer{engine: e, params: params}, nil
}

// Bind checks that all the parameters of the artifact are in the store, and marks them as trainable or frozen
// according to the artifact. It must be called after the parameters are loaded or initialized, and RunStep
// calls it automatically the first time.
func (t *Trainer) Bind() error {
	for _, name := range t.artifact.Parameters() {
		if t.params.Variable(name) == nil {
			return errors.Errorf("parameter %q of %s not initialized or loaded", name, t.artifact.Name())
		}
		if err := t.params.SetTrainable(name, t.artifact.IsTrainable(name)); err != nil {
			return err
		}
	}
	t.bound = true
	return nil
}

type shardResult struct {
	loss  float64
	grads map[string]*tensors.Tensor
}

// RunStep runs one training step over the batch and returns the loss (mean over the examples) and the
// learning rate used.
//
// If the loss or the gradients are not finite, it returns an error wrapping failures.ErrNumericDivergence and
// the parameters are left unchanged.
func (t *Trainer) RunStep(ctx context.Context, batch *data.Batch) (loss, learningRate float64, err error) {
	if !t.bound {
		if err = t.Bind(); err != nil {
			return
		}
	}
	n := batch.Len()
	if n == 0 {
		return 0, 0, errors.New("Trainer.RunStep: empty batch")
	}
	shards := splitShards(n, t.numPlaces)
	results := make([]shardResult, len(shards))
	model := t.artifact.Model()
	wrt := t.artifact.Trainable()

	// Forward and backward passes only read the parameters.
	var globalStep int64
	err = t.params.View(func(params store.Reader) error {
		globalStep = optimizers.GetGlobalStep(params)
		return t.runShards(ctx, shards, func(idx int, s shard) error {
			rng := rand.New(rand.NewPCG(t.artifact.RandomSeed(), uint64(globalStep)<<16|uint64(idx)))
			sub := batch.Slice(s.start, s.end)
			shardLoss, grads, err := model.Loss(params, sub.Features, sub.Targets, wrt, rng)
			if err != nil {
				return err
			}
			results[idx] = shardResult{loss: shardLoss, grads: grads}
			return nil
		})
	})
	if err != nil {
		return 0, 0, errors.WithMessagef(err, "training step %d failed", globalStep+1)
	}

	// Average loss and gradients, weighted by shard size.
	grads := make(map[string]*tensors.Tensor, len(wrt))
	for idx, s := range shards {
		weight := float64(s.end-s.start) / float64(n)
		loss += weight * results[idx].loss
		for _, name := range wrt {
			g, found := results[idx].grads[name]
			if !found {
				return 0, 0, errors.Errorf("model %q returned no gradient for trainable parameter %q", model.Name(), name)
			}
			acc, found := grads[name]
			if !found {
				acc = tensors.FromShape(g.Dimensions()...)
				grads[name] = acc
			}
			if !acc.SameShape(g) {
				return 0, 0, errors.Errorf("gradient for %q has dimensions %v, expected %v", name, g.Dimensions(), acc.Dimensions())
			}
			accFlat := acc.Flat()
			for ii, v := range g.Flat() {
				accFlat[ii] += float32(weight) * v
			}
		}
	}

	if math.IsNaN(loss) || math.IsInf(loss, 0) {
		return loss, 0, failures.NumericDivergencef("loss is %g at global step %d", loss, globalStep+1)
	}
	for name, g := range grads {
		if !g.AllFinite() {
			return loss, 0, failures.NumericDivergencef("gradient of %q is not finite at global step %d", name, globalStep+1)
		}
	}

	err = t.params.Update(func(w *store.Writer) (err error) {
		learningRate, err = t.artifact.Optimizer().Update(w, grads)
		return
	})
	if err != nil {
		return loss, 0, errors.WithMessagef(err, "failed to apply update of step %d", globalStep+1)
	}
	klog.V(3).Infof("step %d: loss=%g lr=%g (%d shards)", globalStep+1, loss, learningRate, len(shards))
	return loss, learningRate, nil
}

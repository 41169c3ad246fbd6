// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package exec

import (
	"context"

	"github.com/captionlab/captrain/ml/program"
	"github.com/captionlab/captrain/ml/store"
	"github.com/pkg/errors"
)

// Evaluator executes the evaluation artifact: forward pass and greedy decoding, never changing parameters.
type Evaluator struct {
	engine
	params *store.ReadOnly
}

// NewEvaluator creates an Evaluator for the evaluation artifact. Pass the read-only view of the store
// shared with the Trainer.
func NewEvaluator(artifact *program.Artifact, params *store.ReadOnly, numPlaces int) (*Evaluator, error) {
	e, err := newEngine(artifact, numPlaces, program.Evaluation)
	if err != nil {
		return nil, err
	}
	return &Evaluator{engine: e, params: params}, nil
}

// RunEval decodes one caption (token ids) per example of features, in order.
func (e *Evaluator) RunEval(ctx context.Context, features [][]float32) ([][]int32, error) {
	n := len(features)
	if n == 0 {
		return nil, nil
	}
	shards := splitShards(n, e.numPlaces)
	captions := make([][]int32, n)
	model := e.artifact.Model()
	err := e.params.View(func(params store.Reader) error {
		return e.runShards(ctx, shards, func(_ int, s shard) error {
			decoded, err := model.Decode(params, features[s.start:s.end])
			if err != nil {
				return err
			}
			if len(decoded) != s.end-s.start {
				return errors.Errorf("model %q decoded %d captions for %d examples", model.Name(), len(decoded), s.end-s.start)
			}
			copy(captions[s.start:s.end], decoded)
			return nil
		})
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "evaluation with %s failed", e.artifact.Name())
	}
	return captions, nil
}

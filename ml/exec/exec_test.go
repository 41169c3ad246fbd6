// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package exec

import (
	"context"
	"math"
	"math/rand/v2"
	"strings"
	"testing"

	"github.com/captionlab/captrain/ml/data"
	"github.com/captionlab/captrain/ml/program"
	"github.com/captionlab/captrain/ml/store"
	"github.com/captionlab/captrain/ml/train/failures"
	"github.com/captionlab/captrain/ml/train/optimizers"
	"github.com/captionlab/captrain/types/tensors"
	"github.com/gomlx/exceptions"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// linearModel predicts `w*x + b` for the first feature x, with squared error against the first target token.
type linearModel struct{}

func (linearModel) Name() string { return "linear" }

func (linearModel) Parameters() []program.ParamSpec {
	return []program.ParamSpec{
		{Name: "/encoder/b", Dimensions: []int{1}, SubNetwork: "encoder"},
		{Name: "/decoder/w", Dimensions: []int{1}, SubNetwork: "decoder"},
	}
}

func (m linearModel) FirstInit(mut *store.Mutable, rng *rand.Rand) error {
	return program.CreateParameters(mut, m.Parameters(), rng)
}

func (linearModel) values(params store.Reader) (w, b float64) {
	wT, _ := params.Get("/decoder/w")
	bT, _ := params.Get("/encoder/b")
	return float64(wT.Flat()[0]), float64(bT.Flat()[0])
}

func (m linearModel) Loss(params store.Reader, features [][]float32, targets [][]int32, wrt []string, _ *rand.Rand) (
	float64, map[string]*tensors.Tensor, error) {
	w, b := m.values(params)
	if features[0][0] == -1 {
		exceptions.Panicf("feature -1 not supported")
	}
	var loss, gradW, gradB float64
	n := float64(len(features))
	for ii, f := range features {
		x := float64(f[0])
		diff := w*x + b - float64(targets[ii][0])
		loss += diff * diff / n
		gradW += 2 * diff * x / n
		gradB += 2 * diff / n
	}
	grads := make(map[string]*tensors.Tensor)
	for _, name := range wrt {
		if name == "/decoder/w" {
			grads[name] = tensors.FromFlatDataAndDimensions([]float32{float32(gradW)}, 1)
		} else {
			grads[name] = tensors.FromFlatDataAndDimensions([]float32{float32(gradB)}, 1)
		}
	}
	return loss, grads, nil
}

func (m linearModel) Decode(params store.Reader, features [][]float32) ([][]int32, error) {
	w, b := m.values(params)
	captions := make([][]int32, len(features))
	for ii, f := range features {
		captions[ii] = []int32{int32(math.Round(w*float64(f[0]) + b))}
	}
	return captions, nil
}

func (linearModel) SubNetwork(name string) bool { return strings.HasPrefix(name, "/encoder/") }

func setup(t *testing.T, trainEncoder bool, numPlaces int) (*store.Store, *Trainer, *Evaluator) {
	builder := program.NewBuilder(linearModel{}).Optimizer("sgd").LearningRate(0.1).TrainEncoder(trainEncoder)
	trainArtifact, err := builder.BuildTraining()
	require.NoError(t, err)
	evalArtifact, err := builder.BuildEval()
	require.NoError(t, err)
	st := store.New()
	require.NoError(t, linearModel{}.FirstInit(st.Mutable(), rand.New(rand.NewPCG(0, 0))))
	trainer, err := NewTrainer(trainArtifact, st.Mutable(), numPlaces)
	require.NoError(t, err)
	evaluator, err := NewEvaluator(evalArtifact, st.ReadOnly(), numPlaces)
	require.NoError(t, err)
	return st, trainer, evaluator
}

func makeBatch(xs ...float32) *data.Batch {
	batch := &data.Batch{}
	for _, x := range xs {
		batch.Features = append(batch.Features, []float32{x})
		batch.Targets = append(batch.Targets, []int32{int32(2 * x)})
	}
	return batch
}

func TestSplitShards(t *testing.T) {
	assert.Equal(t, []shard{{0, 3}, {3, 5}, {5, 7}}, splitShards(7, 3))
	assert.Equal(t, []shard{{0, 1}, {1, 2}}, splitShards(2, 4))
	assert.Equal(t, []shard{{0, 5}}, splitShards(5, 0))
}

func TestShardsAverageLikeOneBatch(t *testing.T) {
	batch := makeBatch(1, 2, 3, 4, 5)
	st1, trainer1, _ := setup(t, true, 1)
	st3, trainer3, _ := setup(t, true, 3)
	for range 3 {
		loss1, lr1, err := trainer1.RunStep(context.Background(), batch)
		require.NoError(t, err)
		loss3, lr3, err := trainer3.RunStep(context.Background(), batch)
		require.NoError(t, err)
		assert.InDelta(t, loss1, loss3, 1e-4)
		assert.Equal(t, lr1, lr3)
	}
	w1, _ := st1.ReadOnly().Get("/decoder/w")
	w3, _ := st3.ReadOnly().Get("/decoder/w")
	assert.True(t, w1.InDelta(w3, 1e-5))
	assert.Equal(t, int64(3), optimizers.GetGlobalStep(st3.ReadOnly()))
}

func TestTrainAndEvaluate(t *testing.T) {
	st, trainer, evaluator := setup(t, true, 2)
	batch := makeBatch(1, 2, 3, 0.5)
	var lastLoss float64
	for step := range 200 {
		loss, _, err := trainer.RunStep(context.Background(), batch)
		require.NoError(t, err)
		if step == 0 {
			lastLoss = loss
		}
	}
	loss, _, err := trainer.RunStep(context.Background(), batch)
	require.NoError(t, err)
	assert.Less(t, loss, lastLoss)

	// Evaluator sees the trained weights, and doesn't change them.
	before := st.ReadOnly().Names()
	captions, err := evaluator.RunEval(context.Background(), [][]float32{{1}, {2}, {3}})
	require.NoError(t, err)
	w, b := linearModel{}.values(st.ReadOnly())
	for ii, x := range []float64{1, 2, 3} {
		assert.Equal(t, []int32{int32(math.Round(w*x + b))}, captions[ii])
	}
	assert.InDelta(t, 2.0, w, 0.5)
	assert.Equal(t, before, st.ReadOnly().Names())
}

func TestFrozenEncoder(t *testing.T) {
	st, trainer, _ := setup(t, false, 1)
	_, _, err := trainer.RunStep(context.Background(), makeBatch(1, 2))
	require.NoError(t, err)
	b, _ := st.ReadOnly().Get("/encoder/b")
	assert.Equal(t, float32(0), b.Flat()[0])
	w, _ := st.ReadOnly().Get("/decoder/w")
	assert.NotEqual(t, float32(0), w.Flat()[0])
	assert.False(t, st.Mutable().Variable("/encoder/b").Trainable())
}

func TestNumericDivergence(t *testing.T) {
	st, trainer, _ := setup(t, true, 2)
	_, _, err := trainer.RunStep(context.Background(), makeBatch(1, 2))
	require.NoError(t, err)
	snapshot := make(map[string]*tensors.Tensor)
	for _, name := range st.ReadOnly().Names() {
		v, _ := st.ReadOnly().Get(name)
		snapshot[name] = v.Clone()
	}

	inf := float32(math.Inf(1))
	_, _, err = trainer.RunStep(context.Background(), makeBatch(1, inf))
	require.ErrorIs(t, err, failures.ErrNumericDivergence)

	// Parameters and optimizer state are untouched.
	for name, want := range snapshot {
		got, _ := st.ReadOnly().Get(name)
		assert.True(t, want.Equal(got), "variable %q changed", name)
	}
	assert.Equal(t, int64(1), optimizers.GetGlobalStep(st.ReadOnly()))
}

func TestModelPanicBecomesError(t *testing.T) {
	_, trainer, _ := setup(t, true, 2)
	_, _, err := trainer.RunStep(context.Background(), makeBatch(1, 2, -1))
	require.ErrorContains(t, err, "feature -1 not supported")

	_, _, err = trainer.RunStep(context.Background(), &data.Batch{})
	require.Error(t, err)

	_, err = NewTrainer(nil, nil, 1)
	require.Error(t, err)
}

func TestCancelledContext(t *testing.T) {
	st, trainer, evaluator := setup(t, true, 2)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err := trainer.RunStep(ctx, makeBatch(1, 2, 3))
	require.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, optimizers.GetGlobalStep(st.ReadOnly()), "no update should be applied")

	captions, err := evaluator.RunEval(ctx, [][]float32{{1}, {2}, {3}})
	require.ErrorIs(t, err, context.Canceled)
	assert.Nil(t, captions)
}

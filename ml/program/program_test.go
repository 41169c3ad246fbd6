// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package program

import (
	"math/rand/v2"
	"strings"
	"testing"

	"github.com/captionlab/captrain/ml/program/initializers"
	"github.com/captionlab/captrain/ml/store"
	"github.com/captionlab/captrain/ml/train/failures"
	"github.com/captionlab/captrain/types/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeModel has one encoder and one decoder parameter, and doesn't compute anything.
type fakeModel struct{}

func (fakeModel) Name() string { return "fake" }

func (fakeModel) Parameters() []ParamSpec {
	return []ParamSpec{
		{Name: "/encoder/w", Dimensions: []int{2, 3}, SubNetwork: "encoder", Initializer: initializers.One},
		{Name: "/decoder/w", Dimensions: []int{3}, SubNetwork: "decoder"},
	}
}

func (m fakeModel) FirstInit(mut *store.Mutable, rng *rand.Rand) error {
	return CreateParameters(mut, m.Parameters(), rng)
}

func (fakeModel) Loss(store.Reader, [][]float32, [][]int32, []string, *rand.Rand) (float64, map[string]*tensors.Tensor, error) {
	return 0, nil, nil
}

func (fakeModel) Decode(store.Reader, [][]float32) ([][]int32, error) { return nil, nil }

func (fakeModel) SubNetwork(name string) bool { return strings.HasPrefix(name, "/encoder/") }

func TestBuildArtifacts(t *testing.T) {
	builder := NewBuilder(fakeModel{}).BatchSize(4).SampleCount(10).MaxEpoch(2).LearningRate(0.01)
	train, err := builder.BuildTraining()
	require.NoError(t, err)
	eval, err := builder.BuildEval()
	require.NoError(t, err)

	// Same parameters, disjoint namespaces.
	assert.Equal(t, train.Parameters(), eval.Parameters())
	assert.Equal(t, []string{"/decoder/w", "/encoder/w"}, train.Parameters())
	assert.Equal(t, "fake/train", train.Namespace())
	assert.Equal(t, "fake/eval", eval.Namespace())
	for _, name := range train.Inputs() {
		assert.NotContains(t, eval.Inputs(), name)
	}
	assert.Equal(t, []string{"fake/train/loss", "fake/train/learning_rate"}, train.Outputs())
	assert.True(t, eval.HasOutput(eval.Output(OutputCaption)))
	assert.False(t, eval.HasOutput(OutputCaption))

	// Training has an optimizer and all parameters trainable; evaluation has no gradient machinery.
	assert.NotNil(t, train.Optimizer())
	assert.Nil(t, eval.Optimizer())
	assert.Equal(t, train.Parameters(), train.Trainable())
	assert.Empty(t, eval.Trainable())
	assert.Equal(t, uint64(GraphRandomSeed), train.RandomSeed())
	assert.Equal(t, Training, train.Mode())
	assert.Equal(t, Evaluation, eval.Mode())

	// Frozen encoder.
	train, err = builder.TrainEncoder(false).BuildTraining()
	require.NoError(t, err)
	assert.Equal(t, []string{"/decoder/w"}, train.Trainable())
	assert.False(t, train.IsTrainable("/encoder/w"))
}

func TestBuildValidation(t *testing.T) {
	for name, builder := range map[string]*Builder{
		"batch size":      NewBuilder(fakeModel{}).BatchSize(0),
		"strategy":        NewBuilder(fakeModel{}).Schedule("linear_warmup"),
		"negative clip":   NewBuilder(fakeModel{}).GradientClip(-1),
		"sample count":    NewBuilder(fakeModel{}).Schedule(StrategyCosineDecay),
		"optimizer":       NewBuilder(fakeModel{}).Optimizer("lbfgs"),
		"learning rate":   NewBuilder(fakeModel{}).LearningRate(0),
		"empty namespace": NewBuilder(fakeModel{}).Namespace(""),
	} {
		_, err := builder.BuildTraining()
		require.ErrorIs(t, err, failures.ErrConfiguration, "case %q", name)
	}
}

func TestBuilderSchedules(t *testing.T) {
	// 10 samples, batch 4: 3 steps per epoch, 2 epochs: 6 steps in total.
	builder := NewBuilder(fakeModel{}).BatchSize(4).SampleCount(10).MaxEpoch(2).LearningRate(1)

	schedule, err := builder.Schedule(StrategyExponentialDecay).DecayRate(0.5).newSchedule()
	require.NoError(t, err)
	assert.Equal(t, 1.0, schedule.LearningRate(2))
	assert.Equal(t, 0.5, schedule.LearningRate(3))

	schedule, err = builder.Schedule(StrategyPiecewiseDecay).newSchedule()
	require.NoError(t, err)
	assert.Equal(t, 1.0, schedule.LearningRate(2))
	assert.Equal(t, 0.1, schedule.LearningRate(3))
	assert.Equal(t, 0.01, schedule.LearningRate(5))

	schedule, err = builder.Schedule(StrategyCosineDecay).newSchedule()
	require.NoError(t, err)
	assert.InDelta(t, 1.0, schedule.LearningRate(0), 1e-9)
	assert.InDelta(t, 0.5, schedule.LearningRate(3), 1e-9)
}

func TestCreateParameters(t *testing.T) {
	st := store.New()
	m := st.Mutable()
	require.NoError(t, fakeModel{}.FirstInit(m, rand.New(rand.NewPCG(1, 1))))
	w, found := m.Get("/encoder/w")
	require.True(t, found)
	assert.Equal(t, []int{2, 3}, w.Dimensions())
	assert.Equal(t, float32(1), w.Flat()[5])
	assert.True(t, m.Variable("/decoder/w").Trainable())
}

// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tinycap

import (
	"math"
	"math/rand/v2"
	"slices"
	"testing"

	"github.com/captionlab/captrain/internal/config"
	"github.com/captionlab/captrain/ml/store"
	"github.com/captionlab/captrain/ml/train/failures"
	"github.com/captionlab/captrain/types/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mapReader implements store.Reader over a map, so tests can perturb parameters freely.
type mapReader map[string]*tensors.Tensor

func (r mapReader) Get(name string) (*tensors.Tensor, bool) {
	t, found := r[name]
	return t, found
}

func (r mapReader) Names() []string {
	names := make([]string, 0, len(r))
	for name := range r {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

func smallConfig() config.ModelConfig {
	return config.ModelConfig{FeatureDim: 3, HiddenDim: 4, VocabSize: 8, MaxCaptionLen: 4}
}

// newParams creates a model and its freshly initialized parameters.
func newParams(t *testing.T, cfg config.ModelConfig) (*Model, mapReader) {
	model, err := New(cfg)
	require.NoError(t, err)
	st := store.New()
	require.NoError(t, model.FirstInit(st.Mutable(), rand.New(rand.NewPCG(42, 0))))
	params := mapReader{}
	st.Mutable().Enumerate(func(v *store.Variable) { params[v.Name()] = v.Value().Clone() })
	return model, params
}

var (
	testFeatures = [][]float32{{1, 0, 0.5}, {0, 1, -0.5}}
	testTargets  = [][]int32{{1, 5, 2}, {1, 6, 7, 2}}
)

func allNames(model *Model) []string {
	var names []string
	for _, spec := range model.Parameters() {
		names = append(names, spec.Name)
	}
	return names
}

func TestNew(t *testing.T) {
	model, err := New(smallConfig())
	require.NoError(t, err)
	assert.Equal(t, "tinycap", model.Name())
	assert.True(t, model.SubNetwork(EncoderWeights))
	assert.True(t, model.SubNetwork(EncoderBiases))
	assert.False(t, model.SubNetwork(OutputWeights))
	assert.False(t, model.SubNetwork("/encoderx/w"))
	assert.Len(t, model.Parameters(), 5)

	for _, modify := range []func(c *config.ModelConfig){
		func(c *config.ModelConfig) { c.FeatureDim = 0 },
		func(c *config.ModelConfig) { c.HiddenDim = -1 },
		func(c *config.ModelConfig) { c.VocabSize = 2 },
		func(c *config.ModelConfig) { c.MaxCaptionLen = 0 },
		func(c *config.ModelConfig) { c.DropoutRate = 1 },
	} {
		cfg := smallConfig()
		modify(&cfg)
		_, err := New(cfg)
		assert.ErrorIs(t, err, failures.ErrConfiguration)
	}
}

func TestGradients(t *testing.T) {
	model, params := newParams(t, smallConfig())
	wrt := allNames(model)
	_, grads, err := model.Loss(params, testFeatures, testTargets, wrt, nil)
	require.NoError(t, err)
	require.Len(t, grads, len(wrt))

	const eps = 1e-2
	for _, name := range wrt {
		value := params[name]
		require.Equal(t, value.Dimensions(), grads[name].Dimensions(), "gradient of %q", name)
		for ii := range value.Size() {
			original := value.Flat()[ii]
			value.Flat()[ii] = original + eps
			lossPlus, _, err := model.Loss(params, testFeatures, testTargets, nil, nil)
			require.NoError(t, err)
			value.Flat()[ii] = original - eps
			lossMinus, _, err := model.Loss(params, testFeatures, testTargets, nil, nil)
			require.NoError(t, err)
			value.Flat()[ii] = original

			numeric := (lossPlus - lossMinus) / (2 * eps)
			analytic := float64(grads[name].Flat()[ii])
			assert.InDeltaf(t, numeric, analytic, 1e-3+1e-2*math.Abs(numeric), "%s[%d]", name, ii)
		}
	}
}

func TestFrozenEncoder(t *testing.T) {
	model, params := newParams(t, smallConfig())
	wrt := []string{OutputWeights, OutputBiases, PositionEmbeddings}
	_, grads, err := model.Loss(params, testFeatures, testTargets, wrt, nil)
	require.NoError(t, err)
	assert.Len(t, grads, 3)
	assert.NotContains(t, grads, EncoderWeights)

	_, _, err = model.Loss(params, testFeatures, testTargets, []string{"/decoder/unknown"}, nil)
	require.Error(t, err)
}

func TestDropout(t *testing.T) {
	cfg := smallConfig()
	cfg.DropoutRate = 0.5
	model, params := newParams(t, cfg)
	wrt := allNames(model)
	loss0, _, err := model.Loss(params, testFeatures, testTargets, wrt, rand.New(rand.NewPCG(1, 2)))
	require.NoError(t, err)
	loss1, _, err := model.Loss(params, testFeatures, testTargets, wrt, rand.New(rand.NewPCG(1, 2)))
	require.NoError(t, err)
	assert.Equal(t, loss0, loss1, "same random source should give the same dropout")

	// Decoding never uses dropout.
	captions0, err := model.Decode(params, testFeatures)
	require.NoError(t, err)
	captions1, err := model.Decode(params, testFeatures)
	require.NoError(t, err)
	assert.Equal(t, captions0, captions1)
}

func TestLearnsCaptions(t *testing.T) {
	cfg := smallConfig()
	cfg.HiddenDim = 8
	model, params := newParams(t, cfg)
	wrt := allNames(model)
	initialLoss, _, err := model.Loss(params, testFeatures, testTargets, nil, nil)
	require.NoError(t, err)

	var loss float64
	for range 1000 {
		var grads map[string]*tensors.Tensor
		loss, grads, err = model.Loss(params, testFeatures, testTargets, wrt, nil)
		require.NoError(t, err)
		for name, g := range grads {
			flat := params[name].Flat()
			for ii, v := range g.Flat() {
				flat[ii] -= 0.5 * v
			}
		}
	}
	assert.Less(t, loss, initialLoss)
	assert.Less(t, loss, 0.1)

	captions, err := model.Decode(params, testFeatures)
	require.NoError(t, err)
	assert.Equal(t, testTargets, captions)
}

func TestErrors(t *testing.T) {
	model, params := newParams(t, smallConfig())
	_, _, err := model.Loss(params, [][]float32{{1, 2}}, [][]int32{{1, 2}}, nil, nil)
	assert.ErrorContains(t, err, "has 2 features")
	_, _, err = model.Loss(params, testFeatures, testTargets[:1], nil, nil)
	require.Error(t, err)
	_, _, err = model.Loss(params, testFeatures[:1], [][]int32{{1, 9, 2}}, nil, nil)
	assert.ErrorContains(t, err, "vocabulary size")
	_, err = model.Decode(params, nil)
	require.Error(t, err)

	delete(params, OutputBiases)
	_, err = model.Decode(params, testFeatures)
	assert.ErrorContains(t, err, "not found")
}

// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package tinycap implements a compact image captioning model, small enough to train on the CPU.
//
// The encoder is a dense layer with tanh activation (and dropout during training) over the image features.
// The decoder adds a learned embedding per caption position to the encoded image and projects it to
// the vocabulary: each position predicts its token independently, with a softmax cross-entropy loss.
//
// Gradients are computed analytically with gonum matrices.
package tinycap

import (
	"math"
	"math/rand/v2"
	"slices"

	"github.com/captionlab/captrain/internal/config"
	"github.com/captionlab/captrain/ml/program"
	"github.com/captionlab/captrain/ml/program/initializers"
	"github.com/captionlab/captrain/ml/store"
	"github.com/captionlab/captrain/ml/train/failures"
	"github.com/captionlab/captrain/ml/train/losses"
	"github.com/captionlab/captrain/ml/train/metrics"
	"github.com/captionlab/captrain/types/tensors"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// ModelName is returned by Model.Name, and used as the namespace of its artifacts.
const ModelName = "tinycap"

// EncoderScope holds the parameters of the encoder, the sub-network that can be loaded from a pretrained
// checkpoint and frozen.
const EncoderScope = "encoder"

// Names of the parameters.
var (
	EncoderWeights     = store.JoinName(EncoderScope, "dense", "weights")
	EncoderBiases      = store.JoinName(EncoderScope, "dense", "biases")
	PositionEmbeddings = store.JoinName("decoder", "position_embeddings")
	OutputWeights      = store.JoinName("decoder", "output", "weights")
	OutputBiases       = store.JoinName("decoder", "output", "biases")
)

// Model implements program.Model. It holds no state other than its dimensions, so it is safe for concurrent use.
type Model struct {
	cfg config.ModelConfig
}

var _ program.Model = (*Model)(nil)

// New creates a Model with the given dimensions.
func New(cfg config.ModelConfig) (*Model, error) {
	switch {
	case cfg.FeatureDim <= 0:
		return nil, failures.Configurationf("tinycap: feature_dim must be > 0, got %d", cfg.FeatureDim)
	case cfg.HiddenDim <= 0:
		return nil, failures.Configurationf("tinycap: hidden_dim must be > 0, got %d", cfg.HiddenDim)
	case cfg.VocabSize <= int(metrics.EndToken):
		return nil, failures.Configurationf("tinycap: vocab_size must be > %d, got %d", metrics.EndToken, cfg.VocabSize)
	case cfg.MaxCaptionLen <= 0:
		return nil, failures.Configurationf("tinycap: max_caption_len must be > 0, got %d", cfg.MaxCaptionLen)
	case cfg.DropoutRate < 0 || cfg.DropoutRate >= 1:
		return nil, failures.Configurationf("tinycap: dropout_rate must be in [0, 1), got %g", cfg.DropoutRate)
	}
	return &Model{cfg: cfg}, nil
}

// Name implements program.Model.
func (m *Model) Name() string { return ModelName }

// Parameters implements program.Model.
func (m *Model) Parameters() []program.ParamSpec {
	c := m.cfg
	return []program.ParamSpec{
		{Name: EncoderWeights, Dimensions: []int{c.FeatureDim, c.HiddenDim}, SubNetwork: EncoderScope, Initializer: initializers.XavierUniform},
		{Name: EncoderBiases, Dimensions: []int{c.HiddenDim}, SubNetwork: EncoderScope},
		{Name: PositionEmbeddings, Dimensions: []int{c.MaxCaptionLen, c.HiddenDim}, SubNetwork: "decoder", Initializer: initializers.RandomNormalFn(0.1)},
		{Name: OutputWeights, Dimensions: []int{c.HiddenDim, c.VocabSize}, SubNetwork: "decoder", Initializer: initializers.XavierUniform},
		{Name: OutputBiases, Dimensions: []int{c.VocabSize}, SubNetwork: "decoder"},
	}
}

// FirstInit implements program.Model.
func (m *Model) FirstInit(mutable *store.Mutable, rng *rand.Rand) error {
	return program.CreateParameters(mutable, m.Parameters(), rng)
}

// SubNetwork implements program.Model: the encoder parameters form the pretrained sub-network.
func (m *Model) SubNetwork(name string) bool {
	return store.InScope(name, store.ScopeSeparator+EncoderScope)
}

// weights holds a float64 copy of the parameters.
type weights struct {
	encW, pos, outW *mat.Dense
	encB, outB      []float64
}

func (m *Model) load(params store.Reader) (*weights, error) {
	c := m.cfg
	get := func(name string, dims ...int) ([]float64, error) {
		t, found := params.Get(name)
		if !found {
			return nil, errors.Errorf("tinycap: parameter %q not found", name)
		}
		if !slices.Equal(t.Dimensions(), dims) {
			return nil, errors.Errorf("tinycap: parameter %q has dimensions %v, expected %v", name, t.Dimensions(), dims)
		}
		values := make([]float64, t.Size())
		for ii, v := range t.Flat() {
			values[ii] = float64(v)
		}
		return values, nil
	}
	w := &weights{}
	values, err := get(EncoderWeights, c.FeatureDim, c.HiddenDim)
	if err != nil {
		return nil, err
	}
	w.encW = mat.NewDense(c.FeatureDim, c.HiddenDim, values)
	if w.encB, err = get(EncoderBiases, c.HiddenDim); err != nil {
		return nil, err
	}
	if values, err = get(PositionEmbeddings, c.MaxCaptionLen, c.HiddenDim); err != nil {
		return nil, err
	}
	w.pos = mat.NewDense(c.MaxCaptionLen, c.HiddenDim, values)
	if values, err = get(OutputWeights, c.HiddenDim, c.VocabSize); err != nil {
		return nil, err
	}
	w.outW = mat.NewDense(c.HiddenDim, c.VocabSize, values)
	if w.outB, err = get(OutputBiases, c.VocabSize); err != nil {
		return nil, err
	}
	return w, nil
}

// featuresMatrix converts the features to a [batch, featureDim] matrix.
func (m *Model) featuresMatrix(features [][]float32) (*mat.Dense, error) {
	if len(features) == 0 {
		return nil, errors.New("tinycap: empty batch")
	}
	x := mat.NewDense(len(features), m.cfg.FeatureDim, nil)
	for ii, example := range features {
		if len(example) != m.cfg.FeatureDim {
			return nil, errors.Errorf("tinycap: example #%d has %d features, expected %d", ii, len(example), m.cfg.FeatureDim)
		}
		row := x.RawRowView(ii)
		for jj, v := range example {
			row[jj] = float64(v)
		}
	}
	return x, nil
}

// encode returns tanh(x * encW + encB), shaped [batch, hiddenDim].
func encode(w *weights, x *mat.Dense) *mat.Dense {
	var h mat.Dense
	h.Mul(x, w.encW)
	h.Apply(func(_, j int, v float64) float64 { return math.Tanh(v + w.encB[j]) }, &h)
	return &h
}

// atPosition sets z to the hidden state plus the embedding of caption position t.
func atPosition(w *weights, z, hidden *mat.Dense, t int) {
	z.Apply(func(_, j int, v float64) float64 { return v + w.pos.At(t, j) }, hidden)
}

// isTarget returns whether position t of the caption predicts a token: the caption's first token (the
// start token) is never predicted, and padding is ignored.
func isTarget(caption []int32, t int) bool {
	return t+1 < len(caption) && caption[t+1] != metrics.PadToken
}

// Loss implements program.Model. The loss is the per-token cross-entropy averaged over the tokens of each
// caption, and then averaged over the examples.
func (m *Model) Loss(params store.Reader, features [][]float32, targets [][]int32, wrt []string, rng *rand.Rand) (
	loss float64, grads map[string]*tensors.Tensor, err error) {
	w, err := m.load(params)
	if err != nil {
		return 0, nil, err
	}
	x, err := m.featuresMatrix(features)
	if err != nil {
		return 0, nil, err
	}
	if len(targets) != len(features) {
		return 0, nil, errors.Errorf("tinycap: %d targets for %d examples", len(targets), len(features))
	}
	c := m.cfg
	batchSize := len(features)

	hidden := encode(w, x)
	dropped := hidden
	var mask *mat.Dense
	if c.DropoutRate > 0 {
		// Inverted dropout: kept units are scaled up, so no change is needed at inference.
		keep := 1 / (1 - c.DropoutRate)
		mask = mat.NewDense(batchSize, c.HiddenDim, nil)
		mask.Apply(func(_, _ int, _ float64) float64 {
			if rng.Float64() < c.DropoutRate {
				return 0
			}
			return keep
		}, mask)
		dropped = mat.NewDense(batchSize, c.HiddenDim, nil)
		dropped.MulElem(hidden, mask)
	}

	numTokens := make([]int, batchSize)
	for ii, caption := range targets {
		for t := range c.MaxCaptionLen {
			if isTarget(caption, t) {
				numTokens[ii]++
			}
		}
	}

	dOutW := mat.NewDense(c.HiddenDim, c.VocabSize, nil)
	dOutB := make([]float64, c.VocabSize)
	dPos := mat.NewDense(c.MaxCaptionLen, c.HiddenDim, nil)
	dDropped := mat.NewDense(batchSize, c.HiddenDim, nil)
	z := mat.NewDense(batchSize, c.HiddenDim, nil)
	dLogits := mat.NewDense(batchSize, c.VocabSize, nil)
	var logits, dW, dZ mat.Dense
	for t := range c.MaxCaptionLen {
		if !slices.ContainsFunc(targets, func(caption []int32) bool { return isTarget(caption, t) }) {
			continue
		}
		atPosition(w, z, dropped, t)
		logits.Mul(z, w.outW)
		dLogits.Zero()
		for ii, caption := range targets {
			if !isTarget(caption, t) {
				continue
			}
			target := int(caption[t+1])
			if target < 0 || target >= c.VocabSize {
				return 0, nil, errors.Errorf("tinycap: example #%d has token %d at position %d, vocabulary size is %d",
					ii, target, t+1, c.VocabSize)
			}
			row := logits.RawRowView(ii)
			for jj := range row {
				row[jj] += w.outB[jj]
			}
			scale := 1 / float64(batchSize*numTokens[ii])
			tokenLoss, err := losses.SparseCategoricalCrossEntropyLogits(row, target, dLogits.RawRowView(ii), scale)
			if err != nil {
				return 0, nil, err
			}
			loss += scale * tokenLoss
		}

		// Back-propagate through the output projection and the position embedding.
		dW.Mul(z.T(), dLogits)
		dOutW.Add(dOutW, &dW)
		dZ.Mul(dLogits, w.outW.T())
		dDropped.Add(dDropped, &dZ)
		for ii := range batchSize {
			for jj, g := range dLogits.RawRowView(ii) {
				dOutB[jj] += g
			}
			for jj, g := range dZ.RawRowView(ii) {
				dPos.Set(t, jj, dPos.At(t, jj)+g)
			}
		}
	}

	all := map[string]func() *tensors.Tensor{
		OutputWeights:      func() *tensors.Tensor { return fromDense(dOutW) },
		OutputBiases:       func() *tensors.Tensor { return fromVector(dOutB) },
		PositionEmbeddings: func() *tensors.Tensor { return fromDense(dPos) },
	}
	if slices.ContainsFunc(wrt, m.SubNetwork) {
		// Back-propagate through the dropout and the tanh activation.
		dPre := dDropped
		if mask != nil {
			dPre.MulElem(dPre, mask)
		}
		dPre.Apply(func(i, j int, v float64) float64 {
			h := hidden.At(i, j)
			return v * (1 - h*h)
		}, dPre)
		var dEncW mat.Dense
		dEncW.Mul(x.T(), dPre)
		dEncB := make([]float64, c.HiddenDim)
		for ii := range batchSize {
			for jj, g := range dPre.RawRowView(ii) {
				dEncB[jj] += g
			}
		}
		all[EncoderWeights] = func() *tensors.Tensor { return fromDense(&dEncW) }
		all[EncoderBiases] = func() *tensors.Tensor { return fromVector(dEncB) }
	}

	grads = make(map[string]*tensors.Tensor, len(wrt))
	for _, name := range wrt {
		gradFn, found := all[name]
		if !found {
			return 0, nil, errors.Errorf("tinycap: can't compute gradient of unknown parameter %q", name)
		}
		grads[name] = gradFn()
	}
	return loss, grads, nil
}

// Decode implements program.Model. Each caption starts with the start token and ends with the end token,
// either predicted or appended at the maximum caption length.
func (m *Model) Decode(params store.Reader, features [][]float32) ([][]int32, error) {
	w, err := m.load(params)
	if err != nil {
		return nil, err
	}
	x, err := m.featuresMatrix(features)
	if err != nil {
		return nil, err
	}
	c := m.cfg
	batchSize := len(features)
	hidden := encode(w, x)
	captions := make([][]int32, batchSize)
	done := make([]bool, batchSize)
	for ii := range captions {
		captions[ii] = []int32{metrics.StartToken}
	}
	z := mat.NewDense(batchSize, c.HiddenDim, nil)
	var logits mat.Dense
	for t := range c.MaxCaptionLen {
		atPosition(w, z, hidden, t)
		logits.Mul(z, w.outW)
		for ii := range batchSize {
			if done[ii] {
				continue
			}
			best, bestLogit := 0, math.Inf(-1)
			for jj, v := range logits.RawRowView(ii) {
				if v += w.outB[jj]; v > bestLogit {
					best, bestLogit = jj, v
				}
			}
			captions[ii] = append(captions[ii], int32(best))
			done[ii] = int32(best) == metrics.EndToken
		}
	}
	for ii := range captions {
		if !done[ii] {
			captions[ii] = append(captions[ii], metrics.EndToken)
		}
	}
	return captions, nil
}

func fromDense(d *mat.Dense) *tensors.Tensor {
	rows, cols := d.Dims()
	t := tensors.FromShape(rows, cols)
	flat := t.Flat()
	for ii := range rows {
		for jj, v := range d.RawRowView(ii) {
			flat[ii*cols+jj] = float32(v)
		}
	}
	return t
}

func fromVector(v []float64) *tensors.Tensor {
	t := tensors.FromShape(len(v))
	for ii, x := range v {
		t.Flat()[ii] = float32(x)
	}
	return t
}

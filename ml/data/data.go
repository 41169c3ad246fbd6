// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package data binds a dataset reader to the training and evaluation executors.
//
// The dataset itself is provided by a Reader. The package validates the requested split and batch size,
// and exposes two kinds of feeds:
//
//   - TrainFeed: yields bare Batch values (features and target captions), produced in the background by a
//     bounded prefetch queue (see Prefetch).
//   - DevFeed: yields DevBatch values, where each image features are paired with their reference captions.
//     It is consumed synchronously by the evaluation, since scoring needs the references along the decoded
//     captions.
package data

import (
	"io"

	"github.com/captionlab/captrain/ml/train/failures"
	"github.com/pkg/errors"
)

// Split identifies a partition of the dataset.
type Split string

const (
	// Train split, used to update the parameters.
	Train Split = "train"

	// Dev split, used to evaluate (and select) the model after each epoch.
	Dev Split = "dev"
)

// ParseSplit converts a string to a Split. Unknown values return a configuration error.
func ParseSplit(name string) (Split, error) {
	split := Split(name)
	if err := split.Validate(); err != nil {
		return "", err
	}
	return split, nil
}

// Validate returns a configuration error if the split is not one of Train or Dev.
func (s Split) Validate() error {
	switch s {
	case Train, Dev:
		return nil
	}
	return failures.Configurationf("data split %q not supported, valid values are %q and %q", string(s), Train, Dev)
}

// Sample is one image (its pre-extracted features) with its captions as token ids.
// Training samples usually hold one caption, evaluation samples hold all references.
type Sample struct {
	Features   []float32 `json:"features"`
	References [][]int32 `json:"captions"`
}

// Sequence yields batches of samples for one pass over a split. It returns io.EOF when exhausted.
// The last batch may be shorter than the batch size.
type Sequence interface {
	Yield() ([]Sample, error)
}

// SequenceFactory starts a new pass over a split each time it is called: it is what makes a feed
// restartable across epochs.
type SequenceFactory func() (Sequence, error)

// Reader is implemented by dataset readers.
type Reader interface {
	// GetReader returns a factory of sequences over the given split, with batches of batchSize samples.
	GetReader(batchSize int, split Split) (SequenceFactory, error)
}

// Feed validates the split and batch size and returns the reader's sequence factory for it.
// Invalid splits fail with a configuration error before the reader is consulted.
func Feed(reader Reader, batchSize int, split Split) (SequenceFactory, error) {
	if err := split.Validate(); err != nil {
		return nil, err
	}
	if batchSize <= 0 {
		return nil, failures.Configurationf("batch size must be > 0, got %d", batchSize)
	}
	factory, err := reader.GetReader(batchSize, split)
	if err != nil {
		return nil, errors.WithMessagef(err, "data.Feed(batchSize=%d, split=%q)", batchSize, split)
	}
	return factory, nil
}

// Batch is a training batch: the image features and one target caption per image.
type Batch struct {
	Features [][]float32
	Targets  [][]int32
}

// Len returns the number of examples in the batch.
func (b *Batch) Len() int { return len(b.Features) }

// Slice returns the sub-batch [start, end). The underlying slices are shared.
func (b *Batch) Slice(start, end int) *Batch {
	return &Batch{Features: b.Features[start:end], Targets: b.Targets[start:end]}
}

// NewBatch converts samples to a training Batch, using the first reference of each sample as target.
func NewBatch(samples []Sample) (*Batch, error) {
	batch := &Batch{
		Features: make([][]float32, len(samples)),
		Targets:  make([][]int32, len(samples)),
	}
	for ii, sample := range samples {
		if len(sample.References) == 0 {
			return nil, errors.Errorf("training sample #%d in batch has no caption", ii)
		}
		batch.Features[ii] = sample.Features
		batch.Targets[ii] = sample.References[0]
	}
	return batch, nil
}

// Pair is one evaluation example: image features paired with all its reference captions.
type Pair struct {
	Features   []float32
	References [][]int32
}

// DevBatch is an evaluation batch.
type DevBatch struct {
	Pairs []Pair
}

// Len returns the number of pairs in the batch.
func (b *DevBatch) Len() int { return len(b.Pairs) }

// Unzip splits the batch into features (to feed the model) and references (to score the decoded captions).
func (b *DevBatch) Unzip() (features [][]float32, references [][][]int32) {
	features = make([][]float32, len(b.Pairs))
	references = make([][][]int32, len(b.Pairs))
	for ii, pair := range b.Pairs {
		features[ii] = pair.Features
		references[ii] = pair.References
	}
	return
}

// DevFeed yields evaluation batches synchronously.
type DevFeed struct {
	factory SequenceFactory
}

// NewDevFeed creates the evaluation feed over the Dev split.
func NewDevFeed(reader Reader, batchSize int) (*DevFeed, error) {
	factory, err := Feed(reader, batchSize, Dev)
	if err != nil {
		return nil, err
	}
	return &DevFeed{factory: factory}, nil
}

// Epoch starts a new pass over the Dev split.
func (f *DevFeed) Epoch() (*DevSequence, error) {
	seq, err := f.factory()
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to start pass over %q split", Dev)
	}
	return &DevSequence{seq: seq}, nil
}

// DevSequence is one pass over the Dev split.
type DevSequence struct {
	seq Sequence
}

// Next returns the next evaluation batch, or io.EOF at the end of the split.
func (s *DevSequence) Next() (*DevBatch, error) {
	samples, err := s.seq.Yield()
	if err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, errors.WithMessagef(err, "failed reading %q split", Dev)
	}
	batch := &DevBatch{Pairs: make([]Pair, len(samples))}
	for ii, sample := range samples {
		batch.Pairs[ii] = Pair{Features: sample.Features, References: sample.References}
	}
	return batch, nil
}

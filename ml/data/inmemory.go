// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package data

import (
	"io"
	"math/rand/v2"
	"sync"

	"github.com/captionlab/captrain/ml/train/failures"
)

// InMemory is a Reader over samples held in memory.
//
// The Train split is reshuffled at the start of every pass, using a random number generator seeded
// with the sampling seed: the order differs from epoch to epoch, but is the same across runs with the
// same seed. The Dev split is always read in order.
type InMemory struct {
	name   string
	splits map[Split][]Sample

	muRng sync.Mutex
	rng   *rand.Rand
}

// NewInMemory creates an in-memory reader with the given sampling seed. Add samples with Add.
func NewInMemory(name string, seed uint64) *InMemory {
	return &InMemory{
		name:   name,
		splits: make(map[Split][]Sample),
		rng:    rand.New(rand.NewPCG(seed, seed^0x9E3779B97F4A7C15)),
	}
}

// Name of the dataset.
func (r *InMemory) Name() string { return r.name }

// Add samples to the split. It returns itself, so calls can be cascaded.
func (r *InMemory) Add(split Split, samples ...Sample) *InMemory {
	r.splits[split] = append(r.splits[split], samples...)
	return r
}

// Len returns the number of samples in the split.
func (r *InMemory) Len(split Split) int { return len(r.splits[split]) }

// GetReader implements Reader.
func (r *InMemory) GetReader(batchSize int, split Split) (SequenceFactory, error) {
	if err := split.Validate(); err != nil {
		return nil, err
	}
	if batchSize <= 0 {
		return nil, failures.Configurationf("batch size must be > 0, got %d", batchSize)
	}
	samples := r.splits[split]
	return func() (Sequence, error) {
		order := make([]int, len(samples))
		for ii := range order {
			order[ii] = ii
		}
		if split == Train {
			r.muRng.Lock()
			r.rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })
			r.muRng.Unlock()
		}
		return &sliceSequence{samples: samples, order: order, batchSize: batchSize}, nil
	}, nil
}

// sliceSequence yields batches from samples following order.
type sliceSequence struct {
	samples   []Sample
	order     []int
	batchSize int
	next      int
}

// Yield implements Sequence.
func (s *sliceSequence) Yield() ([]Sample, error) {
	if s.next >= len(s.order) {
		return nil, io.EOF
	}
	end := min(s.next+s.batchSize, len(s.order))
	batch := make([]Sample, 0, end-s.next)
	for _, idx := range s.order[s.next:end] {
		batch = append(batch, s.samples[idx])
	}
	s.next = end
	return batch, nil
}

// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package data

import (
	"context"
	"io"
	"sync"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// TrainFeed yields training batches through a bounded prefetch queue.
type TrainFeed struct {
	factory  SequenceFactory
	capacity int
}

// NewTrainFeed creates the training feed over the Train split. Capacity is the number of batches
// that can be prefetched ahead of the consumer; it must be >= 1.
func NewTrainFeed(reader Reader, batchSize, capacity int) (*TrainFeed, error) {
	factory, err := Feed(reader, batchSize, Train)
	if err != nil {
		return nil, err
	}
	if capacity < 1 {
		capacity = 1
	}
	return &TrainFeed{factory: factory, capacity: capacity}, nil
}

// Epoch starts a new pass over the Train split, with a background producer.
// The returned Prefetch must be closed.
func (f *TrainFeed) Epoch(ctx context.Context) (*Prefetch, error) {
	seq, err := f.factory()
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to start pass over %q split", Train)
	}
	return NewPrefetch(ctx, seq, f.capacity), nil
}

// Prefetch runs one producer goroutine that reads batches from a Sequence into a bounded queue.
// When the queue is full the producer blocks, until the consumer calls Next.
//
// Errors from the underlying Sequence are returned by Next, after the batches produced before the error.
// A cancelled context is reported the same way, with ctx.Err(): a cut short pass never ends with io.EOF.
type Prefetch struct {
	queue  chan *Batch
	cancel context.CancelFunc
	done   chan struct{}

	mu  sync.Mutex
	err error

	closeOnce sync.Once
}

// NewPrefetch starts the producer reading from seq, with a queue of the given capacity.
func NewPrefetch(ctx context.Context, seq Sequence, capacity int) *Prefetch {
	ctx, cancel := context.WithCancel(ctx)
	p := &Prefetch{
		queue:  make(chan *Batch, capacity),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go p.produce(ctx, seq)
	return p
}

func (p *Prefetch) setErr(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err == nil {
		p.err = err
	}
}

func (p *Prefetch) produce(ctx context.Context, seq Sequence) {
	defer close(p.done)
	defer close(p.queue)
	for {
		if err := ctx.Err(); err != nil {
			p.setErr(err)
			return
		}
		samples, err := seq.Yield()
		if err == io.EOF {
			return
		}
		if err != nil {
			klog.V(1).Infof("prefetch producer stopped: %+v", err)
			p.setErr(errors.WithMessagef(err, "failed reading %q split", Train))
			return
		}
		batch, err := NewBatch(samples)
		if err != nil {
			p.setErr(err)
			return
		}
		select {
		case <-ctx.Done():
			p.setErr(ctx.Err())
			return
		case p.queue <- batch:
		}
	}
}

// Next returns the next prefetched batch, blocking until one is available.
// It returns io.EOF when the pass is over, or the error that stopped the producer, including the
// cancellation of its context.
func (p *Prefetch) Next() (*Batch, error) {
	batch, ok := <-p.queue
	if ok {
		return batch, nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return nil, p.err
	}
	return nil, io.EOF
}

// Buffered returns the number of batches currently waiting in the queue.
func (p *Prefetch) Buffered() int { return len(p.queue) }

// Close stops the producer and waits for it to exit. It is safe to call more than once.
func (p *Prefetch) Close() {
	p.closeOnce.Do(func() {
		p.cancel()
		// Drain so a producer blocked on a full queue can observe the cancellation.
		for range p.queue {
		}
		<-p.done
	})
}

// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package data

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/captionlab/captrain/ml/train/failures"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func makeSamples(n int) []Sample {
	samples := make([]Sample, n)
	for ii := range samples {
		samples[ii] = Sample{
			Features:   []float32{float32(ii), 1},
			References: [][]int32{{1, int32(ii + 3), 2}, {1, 3, 2}},
		}
	}
	return samples
}

func TestFeedSplits(t *testing.T) {
	reader := NewInMemory("test", 42).Add(Train, makeSamples(5)...).Add(Dev, makeSamples(3)...)

	for _, name := range []string{"test", "validation", "", "TRAIN"} {
		_, err := ParseSplit(name)
		require.ErrorIs(t, err, failures.ErrConfiguration, "split %q", name)
		factory, err := Feed(reader, 2, Split(name))
		require.ErrorIs(t, err, failures.ErrConfiguration, "split %q", name)
		require.Nil(t, factory)
	}
	_, err := Feed(reader, 0, Train)
	require.ErrorIs(t, err, failures.ErrConfiguration)

	// Train: bare batches, last one short.
	trainFeed, err := NewTrainFeed(reader, 2, 1)
	require.NoError(t, err)
	pass, err := trainFeed.Epoch(context.Background())
	require.NoError(t, err)
	var sizes []int
	seen := make(map[float32]bool)
	for {
		batch, err := pass.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		sizes = append(sizes, batch.Len())
		for ii := range batch.Len() {
			seen[batch.Features[ii][0]] = true
			require.Len(t, batch.Targets[ii], 3)
		}
	}
	pass.Close()
	assert.Equal(t, []int{2, 2, 1}, sizes)
	assert.Len(t, seen, 5)

	// Dev: pairs with all references, in order.
	devFeed, err := NewDevFeed(reader, 2)
	require.NoError(t, err)
	devPass, err := devFeed.Epoch()
	require.NoError(t, err)
	batch, err := devPass.Next()
	require.NoError(t, err)
	features, references := batch.Unzip()
	assert.Equal(t, []float32{0, 1}, features[0])
	assert.Len(t, references[1], 2)
	batch, err = devPass.Next()
	require.NoError(t, err)
	assert.Equal(t, 1, batch.Len())
	_, err = devPass.Next()
	assert.Equal(t, io.EOF, err)
}

func TestInMemoryShuffleIsSeeded(t *testing.T) {
	order := func(seed uint64) (epochs [][]float32) {
		reader := NewInMemory("test", seed).Add(Train, makeSamples(16)...)
		factory, err := reader.GetReader(16, Train)
		require.NoError(t, err)
		for range 2 {
			seq, err := factory()
			require.NoError(t, err)
			samples, err := seq.Yield()
			require.NoError(t, err)
			var epoch []float32
			for _, s := range samples {
				epoch = append(epoch, s.Features[0])
			}
			epochs = append(epochs, epoch)
		}
		return
	}
	first, second := order(7), order(7)
	assert.Equal(t, first, second)
	assert.NotEqual(t, first[0], first[1], "each pass should be reshuffled")
}

// countingSequence counts how many batches were produced.
type countingSequence struct {
	produced atomic.Int32
	limit    int32
	err      error
}

func (s *countingSequence) Yield() ([]Sample, error) {
	n := s.produced.Add(1)
	if n > s.limit {
		if s.err != nil {
			return nil, s.err
		}
		return nil, io.EOF
	}
	return makeSamples(1), nil
}

func TestPrefetchBackpressure(t *testing.T) {
	seq := &countingSequence{limit: 100}
	p := NewPrefetch(context.Background(), seq, 3)
	// The producer fills the queue and blocks with one extra batch in hand.
	require.Eventually(t, func() bool { return p.Buffered() == 3 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.LessOrEqual(t, seq.produced.Load(), int32(4))

	_, err := p.Next()
	require.NoError(t, err)
	require.Eventually(t, func() bool { return seq.produced.Load() == 5 }, time.Second, time.Millisecond)
	p.Close()
	p.Close()
}

func TestPrefetchErrorAndCancel(t *testing.T) {
	seq := &countingSequence{limit: 2, err: errors.New("disk on fire")}
	p := NewPrefetch(context.Background(), seq, 4)
	for range 2 {
		_, err := p.Next()
		require.NoError(t, err)
	}
	_, err := p.Next()
	require.ErrorContains(t, err, "disk on fire")
	p.Close()

	ctx, cancel := context.WithCancel(context.Background())
	p = NewPrefetch(ctx, &countingSequence{limit: 1000}, 1)
	cancel()
	for {
		if _, err := p.Next(); err != nil {
			assert.ErrorIs(t, err, context.Canceled)
			break
		}
	}
	p.Close()

	// A pass exhausted before the cancellation still ends with io.EOF.
	p = NewPrefetch(context.Background(), &countingSequence{limit: 1}, 2)
	_, err = p.Next()
	require.NoError(t, err)
	_, err = p.Next()
	assert.Equal(t, io.EOF, err)
	p.Close()
}

func TestJSONLines(t *testing.T) {
	dir := t.TempDir()
	content := `{"features": [0.5, 1], "captions": [[1, 4, 2]]}

{"features": [0.25, 2], "captions": [[1, 5, 2], [1, 6, 2]]}
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, JSONLinesFileName(Train)), []byte(content), 0o644))
	reader, err := NewJSONLines(dir, 1)
	require.NoError(t, err)
	assert.Equal(t, 2, reader.Len(Train))
	assert.Equal(t, 0, reader.Len(Dev))

	require.NoError(t, os.WriteFile(filepath.Join(dir, JSONLinesFileName(Dev)), []byte(`{"features": [1]}`), 0o644))
	_, err = NewJSONLines(dir, 1)
	require.ErrorContains(t, err, "no captions")

	_, err = NewJSONLines(t.TempDir(), 1)
	require.Error(t, err)
}

func TestReadVocabulary(t *testing.T) {
	dir := t.TempDir()
	words, err := ReadVocabulary(dir)
	require.NoError(t, err)
	assert.Nil(t, words)

	require.NoError(t, os.WriteFile(filepath.Join(dir, VocabularyFileName), []byte("<pad>\n<start>\n<end>\n a cat\n"), 0o644))
	words, err = ReadVocabulary(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"<pad>", "<start>", "<end>", "a cat"}, words)
}

// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package metrics

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFilter(t *testing.T) {
	assert.Equal(t, []int32{5, 6}, Filter([]int32{StartToken, 5, PadToken, 6, EndToken, 7, 8}))
	assert.Empty(t, Filter([]int32{EndToken, 5}))
}

func TestBLEU(t *testing.T) {
	vocab := []string{"<pad>", "<s>", "</s>", "a", "dog", "runs", "on", "grass"}
	bleu := NewBLEU(vocab)
	caption := []int32{StartToken, 3, 4, 5, 6, 7, EndToken}
	assert.Equal(t, "a dog runs on grass", bleu.DecodeToText(caption))
	assert.Equal(t, "a <42>", bleu.DecodeToText([]int32{3, 42}))

	// Identical prediction and reference.
	assert.InDelta(t, 1.0, bleu.Score([][]int32{caption}, [][][]int32{{caption}}), 1e-9)
	bleu.Smooth = false
	assert.InDelta(t, 1.0, bleu.Score([][]int32{caption}, [][][]int32{{caption}}), 1e-9)

	// Nothing in common.
	assert.Equal(t, 0.0, bleu.Score([][]int32{{3, 3, 3, 3}}, [][][]int32{{{4, 5, 6, 7}}}))
	assert.Equal(t, 0.0, bleu.Score(nil, nil))

	// Shorter prediction: all n-grams match, only the brevity penalty applies.
	short := []int32{3, 4, 5, 6}
	got := bleu.Score([][]int32{short}, [][][]int32{{caption}})
	assert.InDelta(t, math.Exp(1-5.0/4.0), got, 1e-9)

	// The closest reference is used for the brevity penalty.
	got = bleu.Score([][]int32{short}, [][][]int32{{caption, {3, 4, 5, 6, 9}, {3, 4, 5, 6}}})
	assert.InDelta(t, 1.0, got, 1e-9)

	// Clipped matches: "a a a a" against "a dog".
	bleu.MaxOrder = 1
	assert.InDelta(t, 0.25, bleu.Score([][]int32{{3, 3, 3, 3}}, [][][]int32{{{3, 4}}}), 1e-9)
}

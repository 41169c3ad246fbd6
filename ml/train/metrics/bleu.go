// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package metrics

import (
	"math"
	"strconv"
	"strings"
)

// Reserved token ids of the caption vocabularies.
const (
	PadToken   int32 = 0
	StartToken int32 = 1
	EndToken   int32 = 2
)

// BLEU scores decoded captions against their references with corpus level BLEU
// (Papineni et al. 2002), with brevity penalty.
//
// Captions are first cleaned with Filter: the start token and padding are removed, and they are cut at the
// end token.
type BLEU struct {
	// MaxOrder of the n-grams considered, 4 by default.
	MaxOrder int

	// Smooth adds one to the matches and counts of every order, so short captions don't score 0.
	Smooth bool

	// Vocabulary maps token ids to words, used by DecodeToText. It can be nil.
	Vocabulary []string
}

// NewBLEU returns a BLEU-4 scorer, with smoothing.
func NewBLEU(vocabulary []string) *BLEU {
	return &BLEU{MaxOrder: 4, Smooth: true, Vocabulary: vocabulary}
}

// Filter returns the caption tokens without the start token and padding, cut at the first end token.
func Filter(ids []int32) []int32 {
	filtered := make([]int32, 0, len(ids))
	for _, id := range ids {
		if id == EndToken {
			break
		}
		if id == PadToken || id == StartToken {
			continue
		}
		filtered = append(filtered, id)
	}
	return filtered
}

// DecodeToText converts a caption to text, after Filter. Ids without a word in the vocabulary are
// written as "<id>".
func (b *BLEU) DecodeToText(ids []int32) string {
	var sb strings.Builder
	for ii, id := range Filter(ids) {
		if ii > 0 {
			sb.WriteByte(' ')
		}
		if int(id) < len(b.Vocabulary) && id >= 0 {
			sb.WriteString(b.Vocabulary[id])
		} else {
			sb.WriteString("<" + strconv.Itoa(int(id)) + ">")
		}
	}
	return sb.String()
}

// ngramKey is the comma separated token ids of an n-gram.
type ngramKey string

func ngrams(tokens []int32, order int) map[ngramKey]int {
	counts := make(map[ngramKey]int)
	var sb strings.Builder
	for start := 0; start+order <= len(tokens); start++ {
		sb.Reset()
		for _, id := range tokens[start : start+order] {
			sb.WriteString(strconv.Itoa(int(id)))
			sb.WriteByte(',')
		}
		counts[ngramKey(sb.String())]++
	}
	return counts
}

// Score returns the corpus BLEU of the predicted captions, each with one or more references.
// It returns 0 if there are no predictions.
func (b *BLEU) Score(predicted [][]int32, references [][][]int32) float64 {
	maxOrder := b.MaxOrder
	if maxOrder <= 0 {
		maxOrder = 4
	}
	matches := make([]float64, maxOrder)
	possible := make([]float64, maxOrder)
	var predictedLength, referenceLength int
	for ii, rawPrediction := range predicted {
		if ii >= len(references) {
			break
		}
		prediction := Filter(rawPrediction)
		refs := make([][]int32, 0, len(references[ii]))
		for _, ref := range references[ii] {
			refs = append(refs, Filter(ref))
		}
		predictedLength += len(prediction)
		referenceLength += closestLength(len(prediction), refs)

		for order := 1; order <= maxOrder; order++ {
			// Maximum count of each n-gram across the references, used to clip the matches.
			maxRefCounts := make(map[ngramKey]int)
			for _, ref := range refs {
				for key, count := range ngrams(ref, order) {
					maxRefCounts[key] = max(maxRefCounts[key], count)
				}
			}
			for key, count := range ngrams(prediction, order) {
				matches[order-1] += float64(min(count, maxRefCounts[key]))
			}
			if n := len(prediction) - order + 1; n > 0 {
				possible[order-1] += float64(n)
			}
		}
	}
	if predictedLength == 0 {
		return 0
	}

	var logSum float64
	for order := range maxOrder {
		var precision float64
		if b.Smooth {
			precision = (matches[order] + 1) / (possible[order] + 1)
		} else if possible[order] > 0 {
			precision = matches[order] / possible[order]
		}
		if precision <= 0 {
			return 0
		}
		logSum += math.Log(precision)
	}
	geoMean := math.Exp(logSum / float64(maxOrder))

	brevityPenalty := 1.0
	if ratio := float64(predictedLength) / float64(referenceLength); ratio < 1 {
		brevityPenalty = math.Exp(1 - 1/ratio)
	}
	return geoMean * brevityPenalty
}

// closestLength returns the length of the reference closest to length, preferring the shorter on ties.
func closestLength(length int, refs [][]int32) int {
	best := -1
	for _, ref := range refs {
		if best < 0 {
			best = len(ref)
			continue
		}
		diff, bestDiff := abs(len(ref)-length), abs(best-length)
		if diff < bestDiff || (diff == bestDiff && len(ref) < best) {
			best = len(ref)
		}
	}
	return max(best, 0)
}

func abs(x int) int {
	if x < 0 {
		return -x
	}
	return x
}

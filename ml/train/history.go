// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package train

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/captionlab/captrain/pkg/support/fsutil"
	"github.com/pkg/errors"
)

// HistoryFileName is the file under the checkpoint root where the EpochMetrics of every epoch are appended,
// one JSON object per line.
const HistoryFileName = "metrics.jsonl"

// EpochMetrics summarizes one completed epoch.
type EpochMetrics struct {
	Epoch      int   `json:"epoch"`
	Steps      int   `json:"steps"`
	GlobalStep int64 `json:"global_step"`

	MeanLoss     float64 `json:"mean_loss"`
	LearningRate float64 `json:"learning_rate"`

	// BLEU is the mean over the dev batches, and DistinctSentences the number of different captions decoded.
	BLEU              float64 `json:"bleu"`
	DistinctSentences int     `json:"distinct_sentences"`
	BestBLEU          float64 `json:"best_bleu"`
	Improved          bool    `json:"improved"`

	TrainDuration      time.Duration `json:"train_duration"`
	EvalDuration       time.Duration `json:"eval_duration"`
	Duration           time.Duration `json:"duration"`
	MedianStepDuration time.Duration `json:"median_step_duration"`
}

// appendHistory appends the epoch metrics to the history file under root.
func appendHistory(root string, m EpochMetrics) error {
	path := filepath.Join(root, HistoryFileName)
	line, err := json.Marshal(m)
	if err != nil {
		return errors.Wrapf(err, "failed to encode metrics of epoch %d", m.Epoch)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return errors.Wrapf(err, "failed to open %s", path)
	}
	if _, err = f.Write(append(line, '\n')); err != nil {
		_ = f.Close()
		return errors.Wrapf(err, "failed to append to %s", path)
	}
	return errors.Wrapf(f.Close(), "failed to close %s", path)
}

// ReadHistory reads the metrics of the epochs trained so far under the checkpoint root.
// It returns an empty history if the file doesn't exist.
func ReadHistory(root string) ([]EpochMetrics, error) {
	root, err := fsutil.ReplaceTildeInDir(root)
	if err != nil {
		return nil, err
	}
	path := filepath.Join(root, HistoryFileName)
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "failed to open %s", path)
	}
	defer func() { _ = f.Close() }()
	var history []EpochMetrics
	scanner := bufio.NewScanner(f)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var m EpochMetrics
		if err := json.Unmarshal(scanner.Bytes(), &m); err != nil {
			return nil, errors.Wrapf(err, "%s:%d", path, lineNum)
		}
		history = append(history, m)
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrapf(err, "failed reading %s", path)
	}
	return history, nil
}

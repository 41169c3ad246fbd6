// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package data

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/captionlab/captrain/pkg/support/fsutil"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// JSONLinesFileName returns the name of the file holding the split, e.g. "train.jsonl".
func JSONLinesFileName(split Split) string {
	return string(split) + ".jsonl"
}

// NewJSONLines loads a dataset directory with one file per split (see JSONLinesFileName).
// Each line of a file is a JSON encoded Sample:
//
//	{"features": [0.1, 0.5, ...], "captions": [[1, 17, 32, 2], [1, 5, 2]]}
//
// The samples are loaded into an InMemory reader, using seed for the shuffling of the Train split.
// A missing Dev file is accepted (the dev split will be empty), a missing Train file is an error.
func NewJSONLines(dir string, seed uint64) (*InMemory, error) {
	dir, err := fsutil.ReplaceTildeInDir(dir)
	if err != nil {
		return nil, err
	}
	reader := NewInMemory(filepath.Base(dir), seed)
	for _, split := range []Split{Train, Dev} {
		path := filepath.Join(dir, JSONLinesFileName(split))
		exists, err := fsutil.FileExists(path)
		if err != nil {
			return nil, err
		}
		if !exists {
			if split == Train {
				return nil, errors.Errorf("dataset file %q not found", path)
			}
			klog.Warningf("dataset file %q not found, %q split will be empty", path, split)
			continue
		}
		samples, err := readJSONLines(path)
		if err != nil {
			return nil, err
		}
		reader.Add(split, samples...)
		klog.V(1).Infof("loaded %d samples for split %q from %q", len(samples), split, path)
	}
	return reader, nil
}

func readJSONLines(path string) ([]Sample, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open dataset file %q", path)
	}
	defer func() { _ = f.Close() }()

	var samples []Sample
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 1<<20), 64<<20)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var sample Sample
		if err := json.Unmarshal(line, &sample); err != nil {
			return nil, errors.Wrapf(err, "failed to parse %s:%d", path, lineNum)
		}
		if len(sample.References) == 0 {
			return nil, errors.Errorf("%s:%d: sample has no captions", path, lineNum)
		}
		samples = append(samples, sample)
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrapf(err, "failed reading %q", path)
	}
	return samples, nil
}

// VocabularyFileName is the optional file in the dataset directory with one word per line: the line number
// (starting at 0) is the token id.
const VocabularyFileName = "vocab.txt"

// ReadVocabulary reads the VocabularyFileName of the dataset directory. It returns nil if the file doesn't exist.
func ReadVocabulary(dir string) ([]string, error) {
	dir, err := fsutil.ReplaceTildeInDir(dir)
	if err != nil {
		return nil, err
	}
	path := filepath.Join(dir, VocabularyFileName)
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "failed to open vocabulary %q", path)
	}
	defer func() { _ = f.Close() }()
	var words []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		words = append(words, strings.TrimSpace(scanner.Text()))
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrapf(err, "failed reading %q", path)
	}
	return words, nil
}

// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package checkpoints

import (
	"bufio"
	"cmp"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/captionlab/captrain/pkg/support/fsutil"
	"github.com/captionlab/captrain/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// FormatVersion of the checkpoint records written.
const FormatVersion = 1

const (
	metadataFileName  = "metadata.json"
	variablesFileName = "variables.bin"
)

// Kind of checkpoint record.
type Kind string

const (
	// KindRolling is the full state of the most recently completed epoch, overwritten every epoch.
	KindRolling Kind = "rolling"

	// KindBackup is a copy of the rolling checkpoint for some epochs, kept forever.
	KindBackup Kind = "backup"

	// KindBest is the full state of the epoch with the highest dev BLEU.
	KindBest Kind = "best"

	// KindParams holds only the model parameters, no optimizer state.
	KindParams Kind = "params"

	// KindInference holds what is needed to run the evaluation artifact: its parameters, inputs and targets.
	KindInference Kind = "inference"

	// KindBestInference is the inference export of the best epoch.
	KindBestInference Kind = "best-inference"
)

// VariableInfo describes one variable stored in the variables file.
type VariableInfo struct {
	Name       string `json:"name"`
	Dimensions []int  `json:"dimensions"`
	DType      string `json:"dtype"`
	Trainable  bool   `json:"trainable"`

	// Pos and Length of the raw little-endian values in the variables file.
	Pos    int64 `json:"pos"`
	Length int64 `json:"length"`
}

// Metadata of a checkpoint record, saved as JSON.
type Metadata struct {
	FormatVersion int            `json:"format_version"`
	Kind          Kind           `json:"kind"`
	Model         string         `json:"model,omitempty"`
	Epoch         int            `json:"epoch"`
	SavedAt       time.Time      `json:"saved_at"`
	RunState      RunState       `json:"run_state"`
	Variables     []VariableInfo `json:"variables"`

	// InputNames and TargetNames of the evaluation artifact, only for inference exports.
	InputNames  []string `json:"input_names,omitempty"`
	TargetNames []string `json:"target_names,omitempty"`
}

// Record is a checkpoint read from disk. See Read.
type Record struct {
	Dir      string
	Metadata Metadata
	Values   map[string]*tensors.Tensor
}

// Names of the variables in the record, in file order.
func (r *Record) Names() []string {
	names := make([]string, 0, len(r.Metadata.Variables))
	for _, info := range r.Metadata.Variables {
		names = append(names, info.Name)
	}
	return names
}

// entry is a variable to be written.
type entry struct {
	name      string
	value     *tensors.Tensor
	trainable bool
}

// writeRecord writes the record atomically: it is first fully written to a temporary sibling directory, which
// then replaces dir. Readers see either the previous complete version or the new one.
// It returns the number of bytes written.
func writeRecord(dir string, meta Metadata, entries []entry, dtype dtypes.DType) (int64, error) {
	tmpDir, err := fsutil.TempSibling(dir)
	if err != nil {
		return 0, err
	}
	size, err := writeRecordFiles(tmpDir, &meta, entries, dtype)
	if err != nil {
		_ = os.RemoveAll(tmpDir)
		return 0, err
	}
	if err = fsutil.ReplaceDir(tmpDir, dir); err != nil {
		_ = os.RemoveAll(tmpDir)
		return 0, err
	}
	return size, nil
}

func writeRecordFiles(dir string, meta *Metadata, entries []entry, dtype dtypes.DType) (size int64, err error) {
	varFileName := filepath.Join(dir, variablesFileName)
	varFile, err := os.Create(varFileName)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to create checkpoint data file %s", varFileName)
	}
	w := bufio.NewWriter(varFile)
	meta.FormatVersion = FormatVersion
	meta.Variables = make([]VariableInfo, 0, len(entries))
	var pos int64
	for _, e := range entries {
		n, err := e.value.WriteRaw(w, dtype)
		if err != nil {
			_ = varFile.Close()
			return 0, errors.WithMessagef(err, "failed to write variable %q to %s", e.name, varFileName)
		}
		meta.Variables = append(meta.Variables, VariableInfo{
			Name:       e.name,
			Dimensions: e.value.Dimensions(),
			DType:      dtype.String(),
			Trainable:  e.trainable,
			Pos:        pos,
			Length:     n,
		})
		pos += n
	}
	if err = w.Flush(); err != nil {
		_ = varFile.Close()
		return 0, errors.Wrapf(err, "failed to write checkpoint data file %s", varFileName)
	}
	if err = varFile.Sync(); err != nil {
		_ = varFile.Close()
		return 0, errors.Wrapf(err, "failed to sync checkpoint data file %s", varFileName)
	}
	if err = varFile.Close(); err != nil {
		return 0, errors.Wrapf(err, "failed to close checkpoint data file %s", varFileName)
	}

	jsonFileName := filepath.Join(dir, metadataFileName)
	jsonData, err := json.MarshalIndent(meta, "", "\t")
	if err != nil {
		return 0, errors.Wrapf(err, "failed to encode checkpoint metadata for %s", dir)
	}
	if err = os.WriteFile(jsonFileName, jsonData, 0o660); err != nil {
		return 0, errors.Wrapf(err, "failed to write checkpoint metadata file %s", jsonFileName)
	}
	return pos + int64(len(jsonData)), nil
}

// ReadMetadata reads only the metadata of the checkpoint in dir.
// If there is no checkpoint in dir the error satisfies errors.Is(err, fs.ErrNotExist).
func ReadMetadata(dir string) (*Metadata, error) {
	jsonFileName := filepath.Join(dir, metadataFileName)
	jsonData, err := os.ReadFile(jsonFileName)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read checkpoint metadata file %s", jsonFileName)
	}
	var meta Metadata
	if err = json.Unmarshal(jsonData, &meta); err != nil {
		return nil, errors.Wrapf(err, "failed to decode contents of checkpoint metadata file %s", jsonFileName)
	}
	if meta.FormatVersion != FormatVersion {
		return nil, errors.Errorf("checkpoint %s has format version %d, only version %d is supported",
			dir, meta.FormatVersion, FormatVersion)
	}
	return &meta, nil
}

// Read the checkpoint record in dir, with all its variable values converted back to float32.
func Read(dir string) (*Record, error) {
	dir, err := fsutil.ReplaceTildeInDir(dir)
	if err != nil {
		return nil, err
	}
	meta, err := ReadMetadata(dir)
	if err != nil {
		return nil, err
	}
	varFileName := filepath.Join(dir, variablesFileName)
	varFile, err := os.Open(varFileName)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open checkpoint data file %s", varFileName)
	}
	defer func() { _ = varFile.Close() }()
	r := bufio.NewReader(varFile)

	record := &Record{Dir: dir, Metadata: *meta, Values: make(map[string]*tensors.Tensor, len(meta.Variables))}
	var pos int64
	for _, info := range meta.Variables {
		if info.Pos != pos {
			return nil, errors.Errorf("checkpoint %s: variable %q at position %d, expected %d", dir, info.Name, info.Pos, pos)
		}
		dtype, err := dtypes.DTypeString(info.DType)
		if err != nil {
			return nil, errors.Wrapf(err, "checkpoint %s: invalid dtype for variable %q", dir, info.Name)
		}
		value, err := tensors.ReadRaw(io.LimitReader(r, info.Length), dtype, info.Dimensions...)
		if err != nil {
			return nil, errors.WithMessagef(err, "checkpoint %s: failed reading variable %q", dir, info.Name)
		}
		record.Values[info.Name] = value
		pos += info.Length
	}
	return record, nil
}

// Entry describes a checkpoint found by List.
type Entry struct {
	Name     string
	Dir      string
	Metadata *Metadata
	Size     int64
}

// List the checkpoint records under root, sorted by name. Directories that are not checkpoints are ignored.
func List(root string) ([]Entry, error) {
	root, err := fsutil.ReplaceTildeInDir(root)
	if err != nil {
		return nil, err
	}
	dirEntries, err := os.ReadDir(root)
	if err != nil {
		return nil, errors.Wrapf(err, "failed listing checkpoints in %s", root)
	}
	var entries []Entry
	for _, dirEntry := range dirEntries {
		if !dirEntry.IsDir() || dirEntry.Name()[0] == '.' {
			continue
		}
		dir := filepath.Join(root, dirEntry.Name())
		exists, err := fsutil.FileExists(filepath.Join(dir, metadataFileName))
		if err != nil {
			return nil, err
		}
		if !exists {
			continue
		}
		meta, err := ReadMetadata(dir)
		if err != nil {
			return nil, err
		}
		size, err := fsutil.DirSize(dir)
		if err != nil {
			return nil, err
		}
		entries = append(entries, Entry{Name: dirEntry.Name(), Dir: dir, Metadata: meta, Size: size})
	}
	slices.SortFunc(entries, func(a, b Entry) int { return cmp.Compare(a.Name, b.Name) })
	return entries, nil
}

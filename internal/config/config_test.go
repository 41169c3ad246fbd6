// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/captionlab/captrain/ml/train/failures"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "train.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
batch_size: 4
lr_decay_strategy: cosine_decay
export_params: false
model:
  hidden_dim: 16
`), 0o644))
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.BatchSize)
	assert.Equal(t, "cosine_decay", cfg.LRDecayStrategy)
	assert.False(t, cfg.ExportParams)
	assert.Equal(t, 16, cfg.Model.HiddenDim)
	// Untouched values keep their defaults.
	assert.Equal(t, Default().Model.VocabSize, cfg.Model.VocabSize)
	assert.True(t, cfg.Model.EncoderTrainable)
	require.NoError(t, cfg.Validate())

	// Round trip through Save.
	savedPath := filepath.Join(dir, "sub", "saved.yaml")
	require.NoError(t, cfg.Save(savedPath))
	loaded, err := Load(savedPath)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)

	// Missing file: defaults.
	cfg, err = Load(filepath.Join(dir, "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)

	require.NoError(t, os.WriteFile(path, []byte("batch_size: [1"), 0o644))
	_, err = Load(path)
	require.ErrorIs(t, err, failures.ErrConfiguration)
}

func TestValidate(t *testing.T) {
	for _, mod := range []func(c *Config){
		func(c *Config) { c.BatchSize = 0 },
		func(c *Config) { c.MaxEpoch = 0 },
		func(c *Config) { c.LRDecayStrategy = "linear" },
		func(c *Config) { c.CheckpointBackupEveryNEpoch = -1 },
		func(c *Config) { c.CheckpointPath = "" },
	} {
		cfg := Default()
		mod(cfg)
		require.ErrorIs(t, cfg.Validate(), failures.ErrConfiguration)
	}
}

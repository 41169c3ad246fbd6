// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package config holds the configuration of a training run, loaded from a YAML file on top of the defaults.
//
// Individual values can then be overridden from the command line with commandline.ParseSettings, using
// their YAML keys, e.g. "batch_size=32;model/hidden_dim=128".
package config

import (
	"os"
	"path/filepath"

	"github.com/captionlab/captrain/ml/program"
	"github.com/captionlab/captrain/ml/train/failures"
	"github.com/captionlab/captrain/pkg/support/fsutil"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
	"k8s.io/klog/v2"
)

// Config of a training run.
type Config struct {
	// Seed of the data sampling and of the parameters' first initialization.
	Seed uint64 `yaml:"seed"`

	// DataDir holds "train.jsonl", "dev.jsonl" and optionally "vocab.txt".
	DataDir string `yaml:"data_dir"`

	// SampleCount is the number of training samples, used by the learning rate decay strategies.
	// If 0 it is taken from the training data.
	SampleCount int `yaml:"sample_count"`

	BatchSize          int `yaml:"batch_size"`
	DataLoaderCapacity int `yaml:"data_loader_capacity"`

	// NumPlaces is the number of parallel shards each batch is split into. 0 uses all CPUs.
	NumPlaces int `yaml:"num_places"`

	Optimizer       string  `yaml:"optimizer"`
	LearningRate    float64 `yaml:"learning_rate"`
	LRDecayStrategy string  `yaml:"lr_decay_strategy"`
	LRDecayRate     float64 `yaml:"lr_decay_rate"`

	// GradientClip clips gradient values to [-clip, clip]. 0 disables it.
	GradientClip float64 `yaml:"gradient_clip"`

	MaxEpoch      int `yaml:"max_epoch"`
	LogEveryNStep int `yaml:"log_every_n_step"`

	CheckpointPath              string `yaml:"checkpoint_path"`
	CheckpointBackupEveryNEpoch int    `yaml:"checkpoint_backup_every_n_epoch"`
	ExportParams                bool   `yaml:"export_params"`
	ExportInferModel            bool   `yaml:"export_infer_model"`
	ExportHalfPrecision         bool   `yaml:"export_half_precision"`
	SaveBestBLEUCheckpoint      bool   `yaml:"save_best_bleu_checkpoint"`

	// PretrainedEncoderPath is a checkpoint directory (usually a "params" export) from which the encoder is
	// loaded on the first initialization.
	PretrainedEncoderPath string `yaml:"pretrained_encoder_path"`

	Model ModelConfig `yaml:"model"`
}

// ModelConfig holds the dimensions of the captioning model.
type ModelConfig struct {
	FeatureDim       int     `yaml:"feature_dim"`
	HiddenDim        int     `yaml:"hidden_dim"`
	VocabSize        int     `yaml:"vocab_size"`
	MaxCaptionLen    int     `yaml:"max_caption_len"`
	DropoutRate      float64 `yaml:"dropout_rate"`
	EncoderTrainable bool    `yaml:"encoder_trainable"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Seed:                        42,
		DataDir:                     "data",
		BatchSize:                   32,
		DataLoaderCapacity:          8,
		Optimizer:                   "adam",
		LearningRate:                0.001,
		LRDecayStrategy:             program.StrategyConstant,
		LRDecayRate:                 program.DefaultDecayRate,
		MaxEpoch:                    10,
		LogEveryNStep:               100,
		CheckpointPath:              "checkpoints",
		CheckpointBackupEveryNEpoch: 5,
		ExportParams:                true,
		ExportInferModel:            true,
		SaveBestBLEUCheckpoint:      true,
		Model: ModelConfig{
			FeatureDim:       64,
			HiddenDim:        128,
			VocabSize:        1000,
			MaxCaptionLen:    16,
			DropoutRate:      0.1,
			EncoderTrainable: true,
		},
	}
}

// Load the configuration from a YAML file, on top of the defaults. If path is empty or the file doesn't
// exist, the defaults are returned.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	path, err := fsutil.ReplaceTildeInDir(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			klog.Warningf("config file %q not found, using defaults", path)
			return cfg, nil
		}
		return nil, errors.Wrapf(err, "failed to read config %q", path)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, failures.Configurationf("failed to parse config %q: %v", path, err)
	}
	return cfg, nil
}

// Save the configuration as YAML.
func (c *Config) Save(path string) error {
	if err := fsutil.EnsureDir(filepath.Dir(path)); err != nil {
		return err
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return errors.Wrap(err, "failed to marshal config")
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return errors.Wrapf(err, "failed to write config %q", path)
	}
	return nil
}

// Validate the values that can be checked without the data or model.
func (c *Config) Validate() error {
	switch {
	case c.BatchSize <= 0:
		return failures.Configurationf("batch_size must be > 0, got %d", c.BatchSize)
	case c.DataLoaderCapacity <= 0:
		return failures.Configurationf("data_loader_capacity must be > 0, got %d", c.DataLoaderCapacity)
	case c.MaxEpoch <= 0:
		return failures.Configurationf("max_epoch must be > 0, got %d", c.MaxEpoch)
	case c.LogEveryNStep <= 0:
		return failures.Configurationf("log_every_n_step must be > 0, got %d", c.LogEveryNStep)
	case c.CheckpointBackupEveryNEpoch < 0:
		return failures.Configurationf("checkpoint_backup_every_n_epoch must be >= 0, got %d", c.CheckpointBackupEveryNEpoch)
	case c.CheckpointPath == "":
		return failures.Configurationf("checkpoint_path must be set")
	case c.NumPlaces < 0:
		return failures.Configurationf("num_places must be >= 0, got %d", c.NumPlaces)
	case !program.KnownStrategies.Has(c.LRDecayStrategy):
		return failures.Configurationf("unknown lr_decay_strategy %q", c.LRDecayStrategy)
	}
	return nil
}

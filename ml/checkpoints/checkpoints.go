// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package checkpoints implements checkpoint management: saving and loading the parameters, the optimizer
// state and the RunState of a training run.
//
// The main object is the Manager, that should be created by calling Build, followed by the
// various options setting and finally calling Config.Done.
//
// All checkpoints are directories under one root, each with a "metadata.json" and a "variables.bin" file:
//
//   - "checkpoint": the rolling checkpoint, overwritten after every epoch.
//   - "checkpoint<N>": periodic backups, written every BackupEvery epochs.
//   - "params": parameters only (no optimizer state), if ExportParams is set.
//   - "infer": parameters of the evaluation artifact, plus its input and target names, if ExportInference is set.
//   - "checkpoint_best_bleu" and "infer_bleu": the same for the epoch with the best dev BLEU, if SaveBest is set.
//
// Example:
//
//	manager, err := checkpoints.Build(st).Dir(cfg.CheckpointPath).
//		BackupEvery(cfg.CheckpointBackupEveryNEpoch).
//		ExportParams(cfg.ExportParams).ExportInference(cfg.ExportInferModel).
//		SaveBest(cfg.SaveBestBLEUCheckpoint).Pretrained(cfg.PretrainedEncoderPath).
//		Done()
//	state, err := checkpoints.ReadRunState(cfg.CheckpointPath)
//	state, err = manager.Load(state, model, cfg.EncoderTrainable)
//	...
//	err = manager.Save(state, epoch, improved, evalArtifact, []string{evalArtifact.Output(program.OutputCaption)})
package checkpoints

import (
	"fmt"
	"io/fs"
	"math/rand/v2"
	"path/filepath"
	"strconv"
	"time"

	"github.com/captionlab/captrain/ml/program"
	"github.com/captionlab/captrain/ml/store"
	"github.com/captionlab/captrain/ml/train/failures"
	"github.com/captionlab/captrain/ml/train/optimizers"
	"github.com/captionlab/captrain/pkg/support/fsutil"
	"github.com/captionlab/captrain/pkg/support/sets"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Names of the checkpoint directories under the root.
const (
	RollingDirName       = "checkpoint"
	ParamsDirName        = "params"
	InferenceDirName     = "infer"
	BestDirName          = "checkpoint_best_bleu"
	BestInferenceDirName = "infer_bleu"
)

// BackupDirName returns the name of the backup directory for the epoch, e.g. "checkpoint5".
func BackupDirName(epoch int) string {
	return RollingDirName + strconv.Itoa(epoch)
}

// Config for the checkpoints Manager to be created. This is created with Build and
// configured with the various methods. Once finished, call Done and it will output
// a checkpoints.Manager.
type Config struct {
	store *store.Store
	err   error

	dir             string
	backupEvery     int
	exportParams    bool
	exportInference bool
	saveBest        bool
	halfPrecision   bool
	pretrained      string
	seed            uint64
}

// Build a configuration for building a checkpoints.Manager over the parameters in st. After configuring the
// Config object returned, call `Done` to get the configured checkpoints.Manager.
//
// By default, the best BLEU checkpoint is saved, and there are no backups nor exports.
func Build(st *store.Store) *Config {
	return &Config{store: st, saveBest: true}
}

func (c *Config) setError(err error) {
	if c.err == nil {
		c.err = err
	}
}

// Dir sets the root directory where to save / load the checkpoints. It is created if it doesn't exist.
func (c *Config) Dir(dir string) *Config {
	dir, err := fsutil.ReplaceTildeInDir(dir)
	if err != nil {
		c.setError(err)
		return c
	}
	if err = fsutil.EnsureDir(dir); err != nil {
		c.setError(err)
		return c
	}
	c.dir = dir
	return c
}

// BackupEvery sets the interval, in epochs, of the backup checkpoints. 0 disables backups.
func (c *Config) BackupEvery(n int) *Config {
	if n < 0 {
		c.setError(failures.Configurationf("checkpoint backup interval must be >= 0, got %d", n))
	}
	c.backupEvery = n
	return c
}

// ExportParams enables the parameters-only export after every epoch.
func (c *Config) ExportParams(enabled bool) *Config {
	c.exportParams = enabled
	return c
}

// ExportInference enables the inference export after every epoch, if targets are given to Save.
func (c *Config) ExportInference(enabled bool) *Config {
	c.exportInference = enabled
	return c
}

// SaveBest enables saving the checkpoint (and inference export) of the epoch with the best dev BLEU.
func (c *Config) SaveBest(enabled bool) *Config {
	c.saveBest = enabled
	return c
}

// HalfPrecisionInference stores the inference exports as float16, instead of float32.
func (c *Config) HalfPrecisionInference(enabled bool) *Config {
	c.halfPrecision = enabled
	return c
}

// Pretrained sets the directory of a checkpoint (usually a "params" export) from which the encoder
// sub-network is loaded on the first initialization. Empty disables it.
func (c *Config) Pretrained(dir string) *Config {
	if dir == "" {
		c.pretrained = ""
		return c
	}
	dir, err := fsutil.ReplaceTildeInDir(dir)
	if err != nil {
		c.setError(err)
		return c
	}
	c.pretrained = dir
	return c
}

// Seed of the random number generator used by the first initialization of the parameters.
func (c *Config) Seed(seed uint64) *Config {
	c.seed = seed
	return c
}

// Done creates the Manager.
func (c *Config) Done() (*Manager, error) {
	if c.err != nil {
		return nil, c.err
	}
	if c.dir == "" {
		return nil, failures.Configurationf("directory for checkpoints not configured or empty")
	}
	if c.store == nil {
		return nil, errors.New("checkpoints.Build() requires a non-nil store")
	}
	return &Manager{config: *c}, nil
}

// Manager saves and loads checkpoints. Create it with Build.
type Manager struct {
	config Config

	pretrainedLoads int
}

// Dir is the root directory of the checkpoints.
func (m *Manager) Dir() string { return m.config.dir }

// PretrainedLoads returns how many times the pretrained sub-network was loaded by this Manager.
func (m *Manager) PretrainedLoads() int { return m.pretrainedLoads }

func (m *Manager) String() string {
	return fmt.Sprintf("checkpoints.Manager(%q)", m.config.dir)
}

// ReadRunState returns the RunState saved in the rolling checkpoint under root, or the state of a
// fresh run (see NewRunState) if there is no rolling checkpoint.
// A rolling checkpoint left aside by an interrupted save is restored first.
func ReadRunState(root string) (RunState, error) {
	root, err := fsutil.ReplaceTildeInDir(root)
	if err != nil {
		return RunState{}, err
	}
	rolling := filepath.Join(root, RollingDirName)
	recovered, err := fsutil.RecoverDir(rolling)
	if err != nil {
		return RunState{}, errors.WithMessagef(err, "failed to recover interrupted save of %q", rolling)
	}
	if recovered {
		klog.Warningf("save of %q was interrupted, restored its previous version", rolling)
	}
	meta, err := ReadMetadata(rolling)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			klog.V(1).Infof("no rolling checkpoint in %q, starting a fresh run", root)
			return NewRunState(), nil
		}
		return RunState{}, err
	}
	state := meta.RunState
	state.IsFirstInit = false
	return state, nil
}

// SelectMatching returns the keys present in both sets. It is used to select which parameters of a
// pretrained source are loaded: names that don't match are ignored.
func SelectMatching(sourceKeys, targetKeys sets.Set[string]) sets.Set[string] {
	return sourceKeys.Intersect(targetKeys)
}

// validateTargets checks the inference export targets: nil means no export, otherwise they must be
// non-empty names of outputs of the evaluation artifact.
func validateTargets(eval *program.Artifact, targets []string) error {
	if targets == nil {
		return nil
	}
	if len(targets) == 0 {
		return failures.InvalidArgumentf("inference targets must be nil or a non-empty list of output names")
	}
	if eval == nil {
		return failures.InvalidArgumentf("inference targets %q given without an evaluation artifact", targets)
	}
	for _, target := range targets {
		if target == "" {
			return failures.InvalidArgumentf("empty inference target name in %q", targets)
		}
		if !eval.HasOutput(target) {
			return failures.InvalidArgumentf("inference target %q is not an output of %s, valid outputs are %q",
				target, eval.Name(), eval.Outputs())
		}
	}
	return nil
}

// snapshot copies the variables in the store, in name order, selecting them with keep.
func (m *Manager) snapshot(keep func(v *store.Variable) bool) []entry {
	var entries []entry
	m.config.store.Mutable().Enumerate(func(v *store.Variable) {
		if keep(v) {
			entries = append(entries, entry{name: v.Name(), value: v.Value().Clone(), trainable: v.Trainable()})
		}
	})
	return entries
}

func (m *Manager) write(dirName string, kind Kind, meta Metadata, entries []entry, dtype dtypes.DType) error {
	dir := filepath.Join(m.config.dir, dirName)
	meta.Kind = kind
	start := time.Now()
	size, err := writeRecord(dir, meta, entries, dtype)
	if err != nil {
		return errors.WithMessagef(err, "failed to save %s checkpoint", kind)
	}
	klog.V(1).Infof("saved %s checkpoint %q: %d variables, %s in %s", kind, dir, len(entries),
		humanize.Bytes(uint64(size)), time.Since(start))
	return nil
}

// Save the checkpoints of a completed epoch. The state should already reflect the epoch (and best score).
//
//   - The rolling checkpoint is always overwritten.
//   - A backup is written if the backup interval n != 0 and epoch % n == 0.
//   - The parameters-only export is written if enabled.
//   - The inference export is written if enabled and targets is not nil.
//   - The best checkpoint (and its inference export) is overwritten if bestImproved and saving the best is enabled.
//
// Targets, if not nil, must be a non-empty list of outputs of the evaluation artifact: otherwise it fails with
// an error wrapping failures.ErrInvalidArgument, before anything is written.
func (m *Manager) Save(state RunState, epoch int, bestImproved bool, eval *program.Artifact, targets []string) error {
	if err := validateTargets(eval, targets); err != nil {
		return err
	}
	state.IsFirstInit = false
	meta := Metadata{Epoch: epoch, SavedAt: time.Now(), RunState: state}
	if eval != nil {
		meta.Model = eval.Model().Name()
	}
	full := m.snapshot(func(*store.Variable) bool { return true })

	if err := m.write(RollingDirName, KindRolling, meta, full, dtypes.Float32); err != nil {
		return err
	}
	if n := m.config.backupEvery; n != 0 && epoch%n == 0 {
		if err := m.write(BackupDirName(epoch), KindBackup, meta, full, dtypes.Float32); err != nil {
			return err
		}
	}
	if m.config.exportParams {
		params := m.snapshot(func(v *store.Variable) bool { return !store.InScope(v.Name(), optimizers.Scope) })
		if err := m.write(ParamsDirName, KindParams, meta, params, dtypes.Float32); err != nil {
			return err
		}
	}

	exportInference := m.config.exportInference && targets != nil
	var inference []entry
	var inferenceMeta Metadata
	inferenceDType := dtypes.Float32
	if exportInference {
		if m.config.halfPrecision {
			inferenceDType = dtypes.Float16
		}
		evalParams := sets.MakeWith(eval.Parameters()...)
		inference = m.snapshot(func(v *store.Variable) bool { return evalParams.Has(v.Name()) })
		inferenceMeta = meta
		inferenceMeta.InputNames = eval.Inputs()
		inferenceMeta.TargetNames = targets
		if err := m.write(InferenceDirName, KindInference, inferenceMeta, inference, inferenceDType); err != nil {
			return err
		}
	}

	if m.config.saveBest && bestImproved {
		if err := m.write(BestDirName, KindBest, meta, full, dtypes.Float32); err != nil {
			return err
		}
		if exportInference {
			if err := m.write(BestInferenceDirName, KindBestInference, inferenceMeta, inference, inferenceDType); err != nil {
				return err
			}
		}
	}
	return nil
}

// Load binds the parameters for the run, and returns the updated state.
//
// For a fresh run (state.IsFirstInit), the model is initialized with Model.FirstInit and then, if a pretrained
// directory is configured, the matching parameters of the encoder sub-network are loaded from it.
//
// For a resumed run, the full parameter and optimizer state is restored from the rolling checkpoint: if it
// doesn't exist it fails with an error wrapping failures.ErrCheckpointNotFound. If the encoder trainable flag
// of the saved state differs from trainEncoder, the flag is updated and, when the encoder becomes trainable,
// the pretrained sub-network is loaded again on top of the restored state.
func (m *Manager) Load(state RunState, model program.Model, trainEncoder bool) (RunState, error) {
	mutable := m.config.store.Mutable()
	if state.IsFirstInit {
		rng := rand.New(rand.NewPCG(m.config.seed, uint64(program.GraphRandomSeed)))
		if err := model.FirstInit(mutable, rng); err != nil {
			return state, errors.WithMessagef(err, "first initialization of model %q failed", model.Name())
		}
		state.TrainEncoder = trainEncoder
		if m.config.pretrained != "" {
			if err := m.loadPretrained(model); err != nil {
				return state, err
			}
		}
		return state, nil
	}

	dir := filepath.Join(m.config.dir, RollingDirName)
	record, err := Read(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return state, failures.CheckpointNotFoundf("resuming run %s: rolling checkpoint %q missing", state.RunID, dir)
		}
		return state, err
	}
	mutable.Delete("")
	err = mutable.Update(func(w *store.Writer) error {
		for _, info := range record.Metadata.Variables {
			if err := w.Set(info.Name, record.Values[info.Name], info.Trainable); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return state, errors.WithMessagef(err, "failed to restore %q", dir)
	}
	klog.Infof("resumed run %s from %q: epoch %d, %d variables", state.RunID, dir, record.Metadata.Epoch,
		len(record.Metadata.Variables))

	if state.TrainEncoder != trainEncoder {
		klog.Infof("encoder trainable changed from %v to %v", state.TrainEncoder, trainEncoder)
		state.TrainEncoder = trainEncoder
		if trainEncoder {
			if m.config.pretrained == "" {
				klog.Warningf("encoder is now trainable, but no pretrained encoder configured to reload")
			} else if err := m.loadPretrained(model); err != nil {
				return state, err
			}
		}
	}
	return state, nil
}

// loadPretrained loads the parameters of the model sub-network (Model.SubNetwork) found in the pretrained
// checkpoint. Parameters not in the source, or with different dimensions, are left unchanged.
func (m *Manager) loadPretrained(model program.Model) error {
	record, err := Read(m.config.pretrained)
	if err != nil {
		return errors.WithMessagef(err, "failed to load pretrained sub-network of %q", model.Name())
	}
	sourceKeys := sets.MakeWith(record.Names()...).Filter(model.SubNetwork)
	targetKeys := sets.MakeWith(m.config.store.ReadOnly().Names()...)
	selected := SelectMatching(sourceKeys, targetKeys)
	if klog.V(2).Enabled() {
		for _, name := range sets.Sorted(sourceKeys.Sub(selected)) {
			klog.V(2).Infof("pretrained %q not in model, ignored", name)
		}
	}

	loaded := 0
	err = m.config.store.Mutable().Update(func(w *store.Writer) error {
		for _, name := range sets.Sorted(selected) {
			value := record.Values[name]
			current, _ := w.Get(name)
			if !current.SameShape(value) {
				klog.V(2).Infof("pretrained %q has dimensions %v, model has %v, ignored", name,
					value.Dimensions(), current.Dimensions())
				continue
			}
			if err := w.Set(name, value, w.IsTrainable(name)); err != nil {
				return err
			}
			loaded++
		}
		return nil
	})
	if err != nil {
		return err
	}
	m.pretrainedLoads++
	klog.Infof("loaded %d pretrained parameters from %q", loaded, m.config.pretrained)
	return nil
}

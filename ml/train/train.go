// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package train drives the training of a captioning model: it runs the epochs over the training data,
// evaluates on the dev split after every epoch and checkpoints the run.
//
// The Loop is a state machine: INIT (build artifacts, restore or initialize the parameters, bind the data feeds),
// followed by RUN_EPOCH, EVAL_EPOCH and CHECKPOINT for each epoch until the configured maximum, then DONE.
// A numeric divergence in RUN_EPOCH aborts the run, leaving the checkpoints of the last completed epoch
// untouched.
//
// Tools (progress bars, logging, plots) can be attached to the Loop with the OnStart, OnStep, OnEpochEnd and
// OnEnd hooks, or with the helpers EveryNSteps, NTimesDuringLoop and PeriodicCallback.
//
// Example:
//
//	loop, err := train.NewLoop(cfg, model, reader, metrics.NewBLEU(vocab))
//	commandline.AttachProgressBar(loop)
//	state, err := loop.Run(ctx)
package train

import (
	"context"
	"io"
	"runtime"
	"time"

	"github.com/captionlab/captrain/internal/config"
	"github.com/captionlab/captrain/ml/checkpoints"
	"github.com/captionlab/captrain/ml/data"
	"github.com/captionlab/captrain/ml/exec"
	"github.com/captionlab/captrain/ml/program"
	"github.com/captionlab/captrain/ml/store"
	"github.com/captionlab/captrain/ml/train/metrics"
	"github.com/captionlab/captrain/ml/train/optimizers"
	"github.com/captionlab/captrain/pkg/support/sets"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// RunState is the state of a training run that survives restarts. See checkpoints.RunState.
type RunState = checkpoints.RunState

// Scorer scores decoded captions against their references, usually with BLEU (see metrics.BLEU).
type Scorer interface {
	// Score returns the score of the predicted captions of a batch, each with its references.
	Score(predicted [][]int32, references [][][]int32) float64

	// DecodeToText converts a caption to text, used to count the distinct sentences decoded.
	DecodeToText(ids []int32) string
}

// sampleCounter is implemented by readers that know their split sizes, like data.InMemory.
type sampleCounter interface {
	Len(split data.Split) int
}

// Loop runs the training. Create it with NewLoop and call Run.
//
// The public attributes are meant for reading only, don't change them -- behavior
// can be undefined.
type Loop struct {
	Config *config.Config
	Model  program.Model

	// State is the RunState, updated at the end of every epoch.
	State RunState

	// Epoch currently being run, starting at 1.
	Epoch int

	// LoopStep is the number of steps run since the start of Run: it starts at 0 at every process start,
	// while State.GlobalStep counts the steps of the whole run.
	LoopStep int

	// StartStep is always 0, and EndStep is one-past the last step to be executed, or -1 if not known.
	StartStep, EndStep int

	// EpochStep is the number of steps completed in the current epoch.
	EpochStep int

	// LastLoss and LastLearningRate of the last training step.
	LastLoss, LastLearningRate float64

	// MeanLoss is the running mean of the losses of the current epoch.
	MeanLoss *metrics.MeanMetric

	// History of the epochs completed in this Run.
	History []EpochMetrics

	// SharedData allows for cross-tools to publish and consume information. Keys (strings)
	// and semantics/type of their values are not specified by loop.
	SharedData map[string]any

	reader    data.Reader
	scorer    Scorer
	numPlaces int

	store         *store.Store
	trainArtifact *program.Artifact
	evalArtifact  *program.Artifact
	trainer       *exec.Trainer
	evaluator     *exec.Evaluator
	trainFeed     *data.TrainFeed
	devFeed       *data.DevFeed
	manager       *checkpoints.Manager

	stepDurations *metrics.StreamingMedianMetric
	hooks
}

// NewLoop creates the training loop. The configuration is validated, but nothing else is done until Run.
func NewLoop(cfg *config.Config, model program.Model, reader data.Reader, scorer Scorer) (*Loop, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if model == nil || reader == nil || scorer == nil {
		return nil, errors.New("train.NewLoop requires a model, a reader and a scorer")
	}
	numPlaces := cfg.NumPlaces
	if numPlaces == 0 {
		numPlaces = runtime.NumCPU()
	}
	loop := &Loop{
		Config:        cfg,
		Model:         model,
		EndStep:       -1,
		MeanLoss:      metrics.NewMeanMetric("Mean Loss", "~loss", metrics.LossMetricType, nil),
		SharedData:    make(map[string]any),
		reader:        reader,
		scorer:        scorer,
		numPlaces:     numPlaces,
		stepDurations: newStepDurations(),
		hooks:         newHooks(),
	}
	EveryNSteps(loop, cfg.LogEveryNStep, "log", 100, func(loop *Loop, loss, learningRate float64) error {
		klog.Infof("    Step %d Mean loss: %.6f Step loss: %.6f, lr: %g",
			loop.EpochStep, loop.MeanLoss.Value(), loss, learningRate)
		return nil
	})
	return loop, nil
}

// Store holds the parameters being trained. It is nil before Run.
func (loop *Loop) Store() *store.Store { return loop.store }

// TrainArtifact returns the training artifact, nil before Run.
func (loop *Loop) TrainArtifact() *program.Artifact { return loop.trainArtifact }

// EvalArtifact returns the evaluation artifact, nil before Run.
func (loop *Loop) EvalArtifact() *program.Artifact { return loop.evalArtifact }

// Checkpoints returns the checkpoints manager, nil before Run.
func (loop *Loop) Checkpoints() *checkpoints.Manager { return loop.manager }

// Run trains until the configured maximum epoch, and returns the final RunState.
// If a previous run left a rolling checkpoint under the checkpoint path, it is resumed from the epoch after it.
//
// Errors are logged and returned: numeric divergence (failures.ErrNumericDivergence), a missing checkpoint
// (failures.ErrCheckpointNotFound), configuration errors (failures.ErrConfiguration) and anything else fail the run.
func (loop *Loop) Run(ctx context.Context) (RunState, error) {
	state, err := loop.run(ctx)
	if err != nil {
		klog.Errorf("training failed at epoch %d: %v", loop.Epoch, err)
	}
	return state, err
}

func (loop *Loop) run(ctx context.Context) (RunState, error) {
	state, err := loop.init()
	if err != nil {
		return state, errors.WithMessage(err, "initialization failed")
	}
	loop.State = state
	if err = loop.start(); err != nil {
		return state, err
	}

	if state.Epoch >= loop.Config.MaxEpoch {
		klog.Infof("run %s already completed %d epochs (max_epoch=%d), nothing to do",
			state.RunID, state.Epoch, loop.Config.MaxEpoch)
	}
	for epoch := state.Epoch + 1; epoch <= loop.Config.MaxEpoch; epoch++ {
		loop.Epoch = epoch
		epochStart := time.Now()
		klog.Infof("Epoch %d", epoch)
		m, err := loop.runEpoch(ctx)
		if err == nil {
			err = ctx.Err()
		}
		if err != nil {
			return state, errors.WithMessagef(err, "epoch %d", epoch)
		}
		m.TrainDuration = time.Since(epochStart)

		evalStart := time.Now()
		m.BLEU, m.DistinctSentences, err = Evaluate(ctx, loop.evaluator, loop.devFeed, loop.scorer)
		if err == nil {
			// Nothing of an interrupted epoch is checkpointed.
			err = ctx.Err()
		}
		if err != nil {
			return state, errors.WithMessagef(err, "evaluation of epoch %d", epoch)
		}
		m.EvalDuration = time.Since(evalStart)
		klog.Infof("Dev set: BLEU: %.7f sentences: %d took: %s", m.BLEU, m.DistinctSentences, m.EvalDuration)

		state, m.Improved, err = loop.checkpoint(state, epoch, m.BLEU)
		if err != nil {
			return state, errors.WithMessagef(err, "checkpoint of epoch %d", epoch)
		}
		loop.State = state
		m.GlobalStep = state.GlobalStep
		m.BestBLEU = state.BestBLEU
		m.Duration = time.Since(epochStart)
		m.MedianStepDuration = loop.MedianTrainStepDuration()
		loop.History = append(loop.History, m)
		if err = appendHistory(loop.manager.Dir(), m); err != nil {
			return state, err
		}
		klog.Infof("Epoch took %s", m.Duration)
		if err = loop.epochEnd(m); err != nil {
			return state, err
		}
	}
	return state, loop.end()
}

// init builds the artifacts, initializes or restores the parameters and binds the data feeds.
func (loop *Loop) init() (state RunState, err error) {
	cfg := loop.Config
	sampleCount := cfg.SampleCount
	if sampleCount == 0 {
		if counter, ok := loop.reader.(sampleCounter); ok {
			sampleCount = counter.Len(data.Train)
		}
	}
	trainEncoder := cfg.Model.EncoderTrainable
	builder := program.NewBuilder(loop.Model).
		Namespace(loop.Model.Name()).
		Optimizer(cfg.Optimizer).
		LearningRate(cfg.LearningRate).
		Schedule(cfg.LRDecayStrategy).
		DecayRate(cfg.LRDecayRate).
		GradientClip(cfg.GradientClip).
		SampleCount(sampleCount).
		BatchSize(cfg.BatchSize).
		MaxEpoch(cfg.MaxEpoch).
		TrainEncoder(trainEncoder)
	if loop.trainArtifact, err = builder.BuildTraining(); err != nil {
		return
	}
	if loop.evalArtifact, err = builder.BuildEval(); err != nil {
		return
	}

	loop.store = store.New()
	loop.manager, err = checkpoints.Build(loop.store).
		Dir(cfg.CheckpointPath).
		BackupEvery(cfg.CheckpointBackupEveryNEpoch).
		ExportParams(cfg.ExportParams).
		ExportInference(cfg.ExportInferModel).
		HalfPrecisionInference(cfg.ExportHalfPrecision).
		SaveBest(cfg.SaveBestBLEUCheckpoint).
		Pretrained(cfg.PretrainedEncoderPath).
		Seed(cfg.Seed).
		Done()
	if err != nil {
		return
	}
	if state, err = checkpoints.ReadRunState(loop.manager.Dir()); err != nil {
		return
	}
	if state, err = loop.manager.Load(state, loop.Model, trainEncoder); err != nil {
		return
	}

	if loop.trainer, err = exec.NewTrainer(loop.trainArtifact, loop.store.Mutable(), loop.numPlaces); err != nil {
		return
	}
	if err = loop.trainer.Bind(); err != nil {
		return
	}
	if loop.evaluator, err = exec.NewEvaluator(loop.evalArtifact, loop.store.ReadOnly(), loop.numPlaces); err != nil {
		return
	}
	if loop.trainFeed, err = data.NewTrainFeed(loop.reader, cfg.BatchSize, cfg.DataLoaderCapacity); err != nil {
		return
	}
	if loop.devFeed, err = data.NewDevFeed(loop.reader, cfg.BatchSize); err != nil {
		return
	}

	if sampleCount > 0 {
		stepsPerEpoch := optimizers.StepsPerEpoch(sampleCount, cfg.BatchSize)
		loop.EndStep = int(stepsPerEpoch) * max(cfg.MaxEpoch-state.Epoch, 0)
	}
	if state.IsFirstInit {
		klog.Infof("starting run %s: %s, %d parameters (%d trainable)", state.RunID, loop.trainArtifact,
			len(loop.trainArtifact.Parameters()), len(loop.trainArtifact.Trainable()))
	} else {
		klog.Infof("resuming run %s after epoch %d, global step %d, best BLEU %.7f",
			state.RunID, state.Epoch, state.GlobalStep, state.BestBLEU)
	}
	return state, nil
}

// runEpoch iterates over the training split once.
func (loop *Loop) runEpoch(ctx context.Context) (m EpochMetrics, err error) {
	m.Epoch = loop.Epoch
	loop.MeanLoss.Reset()
	loop.EpochStep = 0
	prefetch, err := loop.trainFeed.Epoch(ctx)
	if err != nil {
		return
	}
	defer prefetch.Close()
	for {
		batch, err := prefetch.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return m, err
		}
		stepStart := time.Now()
		loss, learningRate, err := loop.trainer.RunStep(ctx, batch)
		if err != nil {
			return m, errors.WithMessagef(err, "Epoch:%d Step:%d", loop.Epoch, loop.EpochStep+1)
		}
		loop.MeanLoss.Update(loss, 1)
		loop.EpochStep++
		if err = loop.step(loss, learningRate, time.Since(stepStart)); err != nil {
			return m, err
		}
		loop.LoopStep++
	}
	if loop.EpochStep == 0 {
		return m, errors.Errorf("no training batches in %q split", data.Train)
	}
	m.Steps = loop.EpochStep
	m.MeanLoss = loop.MeanLoss.Value()
	m.LearningRate = loop.LastLearningRate
	klog.Infof("Epoch loss: %.7f", m.MeanLoss)
	return m, nil
}

// checkpoint saves the epoch, and returns the updated state and whether the BLEU improved over the best so far.
// If saving fails, the given state is returned unchanged.
func (loop *Loop) checkpoint(prev RunState, epoch int, bleu float64) (RunState, bool, error) {
	state := prev
	improved := bleu > state.BestBLEU
	if improved {
		state.BestBLEU = bleu
	}
	state.Epoch = epoch
	state.GlobalStep = optimizers.GetGlobalStep(loop.store.ReadOnly())
	state.UpdatedAt = time.Now()
	state.IsFirstInit = false

	var targets []string
	if loop.Config.ExportInferModel {
		targets = []string{loop.evalArtifact.Output(program.OutputCaption)}
	}
	if err := loop.manager.Save(state, epoch, improved, loop.evalArtifact, targets); err != nil {
		return prev, false, err
	}
	return state, improved, nil
}

// Evaluate decodes the full dev split and returns the mean of the per-batch scores and the number of distinct
// sentences decoded. It returns a score of 0 if the dev split is empty, and ctx.Err() if ctx is cancelled
// before the split is fully decoded.
func Evaluate(ctx context.Context, evaluator *exec.Evaluator, feed *data.DevFeed, scorer Scorer) (
	score float64, distinctSentences int, err error) {
	seq, err := feed.Epoch()
	if err != nil {
		return 0, 0, err
	}
	sentences := sets.Make[string]()
	var total float64
	batches := 0
	for {
		if err := ctx.Err(); err != nil {
			return 0, 0, err
		}
		batch, err := seq.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return 0, 0, err
		}
		features, references := batch.Unzip()
		captions, err := evaluator.RunEval(ctx, features)
		if err != nil {
			return 0, 0, err
		}
		total += scorer.Score(captions, references)
		for _, caption := range captions {
			sentences.Insert(scorer.DecodeToText(caption))
		}
		batches++
	}
	if batches == 0 {
		klog.Warningf("no batches in %q split, BLEU is 0", data.Dev)
		return 0, 0, nil
	}
	return total / float64(batches), len(sentences), nil
}

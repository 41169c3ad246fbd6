// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package train

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/captionlab/captrain/internal/config"
	"github.com/captionlab/captrain/ml/checkpoints"
	"github.com/captionlab/captrain/ml/data"
	"github.com/captionlab/captrain/ml/exec"
	"github.com/captionlab/captrain/ml/program"
	"github.com/captionlab/captrain/ml/program/initializers"
	"github.com/captionlab/captrain/ml/store"
	"github.com/captionlab/captrain/ml/train/failures"
	"github.com/captionlab/captrain/ml/train/losses"
	"github.com/captionlab/captrain/ml/train/metrics"
	"github.com/captionlab/captrain/types/tensors"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// echoModel predicts the single word of a caption as `w*x + b`, for the first feature x.
type echoModel struct{}

func (echoModel) Name() string { return "echo" }

func (echoModel) Parameters() []program.ParamSpec {
	return []program.ParamSpec{
		{Name: "/encoder/w", Dimensions: []int{1}, SubNetwork: "encoder", Initializer: initializers.One},
		{Name: "/decoder/b", Dimensions: []int{1}, SubNetwork: "decoder"},
	}
}

func (m echoModel) FirstInit(mut *store.Mutable, rng *rand.Rand) error {
	return program.CreateParameters(mut, m.Parameters(), rng)
}

func (echoModel) values(params store.Reader) (w, b float64) {
	wT, _ := params.Get("/encoder/w")
	bT, _ := params.Get("/decoder/b")
	return float64(wT.Flat()[0]), float64(bT.Flat()[0])
}

func (m echoModel) Loss(params store.Reader, features [][]float32, targets [][]int32, wrt []string, _ *rand.Rand) (
	float64, map[string]*tensors.Tensor, error) {
	w, b := m.values(params)
	labels := make([]float64, len(features))
	predictions := make([]float64, len(features))
	for ii, f := range features {
		labels[ii] = float64(targets[ii][1])
		predictions[ii] = w*float64(f[0]) + b
	}
	dPredictions := make([]float64, len(features))
	loss, err := losses.MeanSquaredError(labels, predictions, dPredictions)
	if err != nil {
		return 0, nil, err
	}
	var gradW, gradB float64
	for ii, f := range features {
		gradW += dPredictions[ii] * float64(f[0])
		gradB += dPredictions[ii]
	}
	grads := make(map[string]*tensors.Tensor)
	for _, name := range wrt {
		g := gradB
		if name == "/encoder/w" {
			g = gradW
		}
		grads[name] = tensors.FromFlatDataAndDimensions([]float32{float32(g)}, 1)
	}
	return loss, grads, nil
}

func (m echoModel) Decode(params store.Reader, features [][]float32) ([][]int32, error) {
	w, b := m.values(params)
	captions := make([][]int32, len(features))
	for ii, f := range features {
		word := max(int32(math.Round(w*float64(f[0])+b)), 3)
		captions[ii] = []int32{metrics.StartToken, word, metrics.EndToken}
	}
	return captions, nil
}

func (echoModel) SubNetwork(name string) bool { return strings.HasPrefix(name, "/encoder/") }

// scriptedScorer returns the given scores, one per call, repeating the last one.
type scriptedScorer struct {
	scores []float64
	calls  int
}

func (s *scriptedScorer) Score(_ [][]int32, _ [][][]int32) float64 {
	score := s.scores[min(s.calls, len(s.scores)-1)]
	s.calls++
	return score
}

func (s *scriptedScorer) DecodeToText(ids []int32) string { return fmt.Sprint(metrics.Filter(ids)) }

func sample(x float32) data.Sample {
	return data.Sample{
		Features:   []float32{x},
		References: [][]int32{{metrics.StartToken, int32(x) + 3, metrics.EndToken}},
	}
}

// newReader has 2 training batches and 1 dev batch, with batch size 2.
func newReader(trainXs ...float32) *data.InMemory {
	reader := data.NewInMemory("echo", 7)
	for _, x := range trainXs {
		reader.Add(data.Train, sample(x))
	}
	return reader.Add(data.Dev, sample(1), sample(2))
}

func testConfig(t *testing.T, dir string) *config.Config {
	cfg := config.Default()
	cfg.CheckpointPath = dir
	cfg.BatchSize = 2
	cfg.DataLoaderCapacity = 2
	cfg.NumPlaces = 2
	cfg.MaxEpoch = 1
	cfg.LogEveryNStep = 1
	cfg.CheckpointBackupEveryNEpoch = 0
	cfg.ExportParams = false
	cfg.ExportInferModel = false
	cfg.SaveBestBLEUCheckpoint = false
	cfg.Optimizer = "sgd"
	cfg.LearningRate = 0.01
	require.NoError(t, cfg.Validate())
	return cfg
}

func checkpointNames(t *testing.T, dir string) []string {
	entries, err := checkpoints.List(dir)
	require.NoError(t, err)
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name)
	}
	return names
}

func TestEndToEnd(t *testing.T) {
	dir := t.TempDir()
	loop, err := NewLoop(testConfig(t, dir), echoModel{}, newReader(1, 2, 3, 4), metrics.NewBLEU(nil))
	require.NoError(t, err)
	state, err := loop.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, state.Epoch)
	assert.Equal(t, int64(2), state.GlobalStep)
	assert.False(t, state.IsFirstInit)
	assert.Equal(t, []string{checkpoints.RollingDirName}, checkpointNames(t, dir))
	assert.Equal(t, 2, loop.EndStep)
	assert.Equal(t, 2, loop.LoopStep)

	// The persisted state is the one returned.
	persisted, err := checkpoints.ReadRunState(dir)
	require.NoError(t, err)
	if diff := cmp.Diff(state, persisted); diff != "" {
		t.Errorf("persisted RunState differs (-returned +persisted):\n%s", diff)
	}

	history, err := ReadHistory(dir)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, 1, history[0].Epoch)
	assert.Equal(t, 2, history[0].Steps)
	assert.Equal(t, loop.History, history)
	assert.Positive(t, history[0].MeanLoss)
}

func TestResume(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(t, dir)
	loop, err := NewLoop(cfg, echoModel{}, newReader(1, 2, 3, 4), metrics.NewBLEU(nil))
	require.NoError(t, err)
	first, err := loop.Run(context.Background())
	require.NoError(t, err)

	cfg.MaxEpoch = 3
	cfg.CheckpointBackupEveryNEpoch = 2
	loop, err = NewLoop(cfg, echoModel{}, newReader(1, 2, 3, 4), metrics.NewBLEU(nil))
	require.NoError(t, err)
	var epochs []int
	loop.OnEpochEnd("record", 0, func(_ *Loop, m EpochMetrics) error {
		epochs = append(epochs, m.Epoch)
		return nil
	})
	state, err := loop.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []int{2, 3}, epochs)
	assert.Equal(t, first.RunID, state.RunID)
	assert.Equal(t, 3, state.Epoch)
	assert.Equal(t, int64(6), state.GlobalStep)
	assert.Equal(t, 4, loop.EndStep)
	assert.Contains(t, checkpointNames(t, dir), "checkpoint2")
	assert.NotContains(t, checkpointNames(t, dir), "checkpoint3")

	history, err := ReadHistory(dir)
	require.NoError(t, err)
	assert.Len(t, history, 3)

	// Already finished: nothing runs.
	loop, err = NewLoop(cfg, echoModel{}, newReader(1, 2, 3, 4), metrics.NewBLEU(nil))
	require.NoError(t, err)
	again, err := loop.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, loop.LoopStep)
	assert.Equal(t, state.Epoch, again.Epoch)
}

func TestDivergenceKeepsRollingCheckpoint(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(t, dir)
	loop, err := NewLoop(cfg, echoModel{}, newReader(1, 2, 3, 4), metrics.NewBLEU(nil))
	require.NoError(t, err)
	_, err = loop.Run(context.Background())
	require.NoError(t, err)

	rolling := filepath.Join(dir, checkpoints.RollingDirName)
	readFiles := func() map[string][]byte {
		files := make(map[string][]byte)
		entries, err := os.ReadDir(rolling)
		require.NoError(t, err)
		for _, e := range entries {
			content, err := os.ReadFile(filepath.Join(rolling, e.Name()))
			require.NoError(t, err)
			files[e.Name()] = content
		}
		return files
	}
	before := readFiles()

	// Second epoch has a batch that makes the loss infinite.
	cfg.MaxEpoch = 2
	inf := float32(math.Inf(1))
	loop, err = NewLoop(cfg, echoModel{}, newReader(1, 2, inf, 4), metrics.NewBLEU(nil))
	require.NoError(t, err)
	var ended bool
	loop.OnEnd("end", 0, func(*Loop, []EpochMetrics) error {
		ended = true
		return nil
	})
	state, err := loop.Run(context.Background())
	require.ErrorIs(t, err, failures.ErrNumericDivergence)
	assert.False(t, ended)
	assert.Equal(t, 1, state.Epoch)
	assert.Equal(t, before, readFiles())

	persisted, err := checkpoints.ReadRunState(dir)
	require.NoError(t, err)
	assert.Equal(t, 1, persisted.Epoch)
}

func TestCancelledRunIsNotCheckpointed(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(t, dir)
	cfg.SaveBestBLEUCheckpoint = true
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	loop, err := NewLoop(cfg, echoModel{}, newReader(1, 2, 3, 4), &scriptedScorer{scores: []float64{0.5}})
	require.NoError(t, err)
	// Cancelled during the last step: the epoch must be neither evaluated nor checkpointed.
	loop.OnStep("cancel", 0, func(loop *Loop, _, _ float64) error {
		if loop.EpochStep == 2 {
			cancel()
		}
		return nil
	})
	state, err := loop.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, state.Epoch)
	assert.Zero(t, state.BestBLEU)
	assert.Empty(t, checkpointNames(t, dir))

	// Cancelled in the second epoch: the first one stays the last completed epoch.
	ctx, cancel = context.WithCancel(context.Background())
	defer cancel()
	cfg.MaxEpoch = 2
	loop, err = NewLoop(cfg, echoModel{}, newReader(1, 2, 3, 4), &scriptedScorer{scores: []float64{0.2, 0.5}})
	require.NoError(t, err)
	loop.OnStep("cancel", 0, func(loop *Loop, _, _ float64) error {
		if loop.Epoch == 2 && loop.EpochStep == 2 {
			cancel()
		}
		return nil
	})
	state, err = loop.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, state.Epoch)
	assert.Equal(t, 0.2, state.BestBLEU)
	persisted, err := checkpoints.ReadRunState(dir)
	require.NoError(t, err)
	assert.Equal(t, 1, persisted.Epoch)
	best, err := checkpoints.ReadMetadata(filepath.Join(dir, checkpoints.BestDirName))
	require.NoError(t, err)
	assert.Equal(t, 1, best.Epoch)

	// Evaluation itself stops on a cancelled context.
	ctx, cancel = context.WithCancel(context.Background())
	cancel()
	_, _, err = Evaluate(ctx, loop.evaluator, loop.devFeed, metrics.NewBLEU(nil))
	require.ErrorIs(t, err, context.Canceled)
}

func TestFailedCheckpointKeepsState(t *testing.T) {
	dir := t.TempDir()
	loop, err := NewLoop(testConfig(t, dir), echoModel{}, newReader(1, 2, 3, 4), metrics.NewBLEU(nil))
	require.NoError(t, err)
	state, err := loop.Run(context.Background())
	require.NoError(t, err)

	// Make the checkpoint directory unusable: a regular file where the directory should be.
	blocked := filepath.Join(t.TempDir(), "blocked")
	loop.manager, err = checkpoints.Build(loop.store).Dir(blocked).Done()
	require.NoError(t, err)
	require.NoError(t, os.RemoveAll(blocked))
	require.NoError(t, os.WriteFile(blocked, nil, 0o644))

	got, improved, err := loop.checkpoint(state, 2, 0.9)
	require.Error(t, err)
	assert.False(t, improved)
	if diff := cmp.Diff(state, got); diff != "" {
		t.Errorf("state changed by a failed checkpoint (-want +got):\n%s", diff)
	}
}

func TestBestBLEUCheckpoint(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(t, dir)
	cfg.MaxEpoch = 3
	cfg.ExportInferModel = true
	cfg.SaveBestBLEUCheckpoint = true
	scorer := &scriptedScorer{scores: []float64{0.20, 0.25, 0.22}}
	loop, err := NewLoop(cfg, echoModel{}, newReader(1, 2, 3, 4), scorer)
	require.NoError(t, err)
	state, err := loop.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0.25, state.BestBLEU)

	best, err := checkpoints.ReadMetadata(filepath.Join(dir, checkpoints.BestDirName))
	require.NoError(t, err)
	assert.Equal(t, 2, best.Epoch)
	bestInfer, err := checkpoints.ReadMetadata(filepath.Join(dir, checkpoints.BestInferenceDirName))
	require.NoError(t, err)
	assert.Equal(t, 2, bestInfer.Epoch)
	assert.Equal(t, []string{"echo/eval/caption"}, bestInfer.TargetNames)
	assert.Equal(t, []string{"echo/eval/image"}, bestInfer.InputNames)

	improved := make([]bool, 0, 3)
	for _, m := range loop.History {
		improved = append(improved, m.Improved)
	}
	assert.Equal(t, []bool{true, true, false}, improved)
}

func TestEvaluateMeanBLEU(t *testing.T) {
	st := store.New()
	require.NoError(t, echoModel{}.FirstInit(st.Mutable(), rand.New(rand.NewPCG(0, 0))))
	evalArtifact, err := program.NewBuilder(echoModel{}).BuildEval()
	require.NoError(t, err)
	evaluator, err := exec.NewEvaluator(evalArtifact, st.ReadOnly(), 2)
	require.NoError(t, err)

	// 5 pairs with batch size 2: 3 batches.
	reader := data.NewInMemory("dev", 0).Add(data.Dev, sample(1), sample(1), sample(2), sample(5), sample(5))
	feed, err := data.NewDevFeed(reader, 2)
	require.NoError(t, err)
	score, distinct, err := Evaluate(context.Background(), evaluator, feed, &scriptedScorer{scores: []float64{0.1, 0.2, 0.6}})
	require.NoError(t, err)
	assert.InDelta(t, 0.3, score, 1e-9)
	assert.Equal(t, 2, distinct) // Decoded words: 3, 3, 3, 5, 5.

	// With the real BLEU: the untrained model (w=1, b=0) decodes x+0 for a reference x+3.
	score, _, err = Evaluate(context.Background(), evaluator, feed, metrics.NewBLEU(nil))
	require.NoError(t, err)
	assert.Less(t, score, 1.0)

	// Empty dev split scores 0.
	feed, err = data.NewDevFeed(data.NewInMemory("empty", 0), 2)
	require.NoError(t, err)
	score, distinct, err = Evaluate(context.Background(), evaluator, feed, metrics.NewBLEU(nil))
	require.NoError(t, err)
	assert.Zero(t, score)
	assert.Zero(t, distinct)
}

func TestHooks(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(t, dir)
	cfg.MaxEpoch = 2
	loop, err := NewLoop(cfg, echoModel{}, newReader(1, 2, 3, 4), metrics.NewBLEU(nil))
	require.NoError(t, err)
	var calls []string
	loop.OnStart("b", 1, func(*Loop) error { calls = append(calls, "start-b"); return nil })
	loop.OnStart("a", -1, func(*Loop) error { calls = append(calls, "start-a"); return nil })
	EveryNSteps(loop, 2, "every2", 0, func(loop *Loop, _, _ float64) error {
		calls = append(calls, fmt.Sprintf("step-%d-%d", loop.Epoch, loop.EpochStep))
		return nil
	})
	loop.OnEpochEnd("epoch", 0, func(_ *Loop, m EpochMetrics) error {
		calls = append(calls, fmt.Sprintf("epoch-%d", m.Epoch))
		return nil
	})
	loop.OnEnd("end", 0, func(_ *Loop, history []EpochMetrics) error {
		calls = append(calls, fmt.Sprintf("end-%d", len(history)))
		return nil
	})
	_, err = loop.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"start-a", "start-b", "step-1-2", "epoch-1", "step-2-2", "epoch-2", "end-2"}, calls)
	assert.Positive(t, int64(loop.MedianTrainStepDuration()))

	// A failing hook stops the run with its name.
	loop, err = NewLoop(cfg, echoModel{}, newReader(1, 2, 3, 4), metrics.NewBLEU(nil))
	require.NoError(t, err)
	loop.OnStep("broken", 0, func(*Loop, float64, float64) error { return fmt.Errorf("boom") })
	_, err = loop.Run(context.Background())
	require.ErrorContains(t, err, `OnStep(hook "broken")`)
}

func TestNewLoopErrors(t *testing.T) {
	cfg := testConfig(t, t.TempDir())
	cfg.BatchSize = 0
	_, err := NewLoop(cfg, echoModel{}, newReader(1), metrics.NewBLEU(nil))
	require.ErrorIs(t, err, failures.ErrConfiguration)

	// Configuration errors found at INIT.
	cfg = testConfig(t, t.TempDir())
	cfg.Optimizer = "rmsprop"
	loop, err := NewLoop(cfg, echoModel{}, newReader(1), metrics.NewBLEU(nil))
	require.NoError(t, err)
	_, err = loop.Run(context.Background())
	require.ErrorIs(t, err, failures.ErrConfiguration)
}
